// Package events announces completed user syncs to other services as
// CloudEvents over NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	cloudevents "github.com/cloudevents/sdk-go/v2"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/idot-digital/usersync/internal/models"
)

const (
	Source        = "usersync"
	typePrefix    = "com.usersync.user."
	subjectPrefix = "usersync.users."
)

// Publisher emits a lifecycle event after a user was synced.
type Publisher interface {
	PublishUserEvent(ctx context.Context, eventType models.EventType, subjectID string, user *models.User) error
}

// Conn is the subset of *nats.Conn the publisher needs.
type Conn interface {
	Publish(subject string, data []byte) error
}

type NATSPublisher struct {
	conn Conn
	now  func() time.Time
}

type NATSConfig struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// Connect dials NATS and returns a publisher plus the connection for shutdown.
func Connect(cfg NATSConfig) (*NATSPublisher, *nats.Conn, error) {
	if cfg.Name == "" {
		cfg.Name = Source
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
	}
	if cfg.Timeout > 0 {
		opts = append(opts, nats.Timeout(cfg.Timeout))
	}
	conn, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}
	return NewNATSPublisher(conn), conn, nil
}

func NewNATSPublisher(conn Conn) *NATSPublisher {
	return &NATSPublisher{conn: conn, now: time.Now}
}

func (p *NATSPublisher) PublishUserEvent(ctx context.Context, eventType models.EventType, subjectID string, user *models.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	event, err := NewUserEvent(eventType, subjectID, user, p.now())
	if err != nil {
		return err
	}
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal cloudevent: %w", err)
	}
	if err := p.conn.Publish(Subject(eventType), data); err != nil {
		return fmt.Errorf("publish %s: %w", event.Type(), err)
	}
	return nil
}

// NewUserEvent builds the CloudEvent for a synced user. user may be nil for
// idempotent deletes.
func NewUserEvent(eventType models.EventType, subjectID string, user *models.User, at time.Time) (cloudevents.Event, error) {
	event := cloudevents.NewEvent()
	event.SetID(uuid.New().String())
	event.SetSource(Source)
	event.SetType(typePrefix + eventType.Action())
	event.SetSubject(subjectID)
	event.SetTime(at.UTC())
	event.SetSpecVersion(cloudevents.VersionV1)
	if err := event.SetData(cloudevents.ApplicationJSON, user); err != nil {
		return event, fmt.Errorf("set event data: %w", err)
	}
	if err := event.Validate(); err != nil {
		return event, fmt.Errorf("invalid cloudevent: %w", err)
	}
	return event, nil
}

// Subject is the NATS subject for an event type.
func Subject(eventType models.EventType) string {
	return subjectPrefix + eventType.Action()
}

type NoopPublisher struct{}

func (NoopPublisher) PublishUserEvent(context.Context, models.EventType, string, *models.User) error {
	return nil
}
