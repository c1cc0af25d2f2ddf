// Package dispatch turns a signed webhook delivery into exactly one user
// store operation and one acknowledgement.
//
// A delivery is handled in a fixed order: header check, signature check,
// optional replay claim, decode, dispatch by event type. Nothing in the
// payload is read before the signature has been verified. Side effects that
// follow a successful store operation (metadata write-back, lifecycle event)
// are best-effort and never change the reported result.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/idot-digital/usersync/internal/events"
	"github.com/idot-digital/usersync/internal/identity"
	"github.com/idot-digital/usersync/internal/logging"
	"github.com/idot-digital/usersync/internal/metrics"
	"github.com/idot-digital/usersync/internal/models"
	"github.com/idot-digital/usersync/internal/replay"
	"github.com/idot-digital/usersync/internal/signature"
	"github.com/idot-digital/usersync/internal/store"
)

// Verifier checks a delivery's signature. *signature.Verifier implements it.
type Verifier interface {
	Verify(payload []byte, headers signature.Headers, now time.Time) error
}

// Result is the outcome of one delivery. It is built once and serialized
// straight into the HTTP response.
type Result struct {
	Kind      Kind
	Status    int
	Message   string
	User      *models.User
	EventType models.EventType
	Err       error
}

// OK reports whether the delivery was acknowledged with a success status.
func (r Result) OK() bool {
	return r.Kind == "" && r.Err == nil
}

// Body is the JSON response body for the result.
func (r Result) Body() any {
	switch {
	case r.Kind == KindUnhandled:
		return models.WebhookResponse{Message: r.Message}
	case r.Kind != "":
		return models.WebhookResponse{Error: r.Message}
	case r.Message == MsgDuplicate:
		return models.WebhookResponse{Message: r.Message}
	default:
		return models.SuccessResponse{Message: r.Message, User: r.User}
	}
}

// DefaultSideEffectTimeout bounds each best-effort call made after a
// successful store operation.
const DefaultSideEffectTimeout = 3 * time.Second

type Config struct {
	Secret    string
	Tolerance time.Duration
	// SideEffectTimeout bounds metadata write-back and publish separately.
	SideEffectTimeout time.Duration
}

type Dispatcher struct {
	verifier  Verifier
	store     store.Store
	metadata  identity.MetadataWriter
	publisher events.Publisher
	replay    replay.Guard
	logger    *logging.Logger
	now       func() time.Time

	sideEffectTimeout time.Duration
}

type Option func(*Dispatcher)

func WithLogger(logger *logging.Logger) Option {
	return func(d *Dispatcher) { d.logger = logger }
}

func WithMetadataWriter(w identity.MetadataWriter) Option {
	return func(d *Dispatcher) { d.metadata = w }
}

func WithPublisher(p events.Publisher) Option {
	return func(d *Dispatcher) { d.publisher = p }
}

// WithReplayGuard enables duplicate delivery suppression.
func WithReplayGuard(g replay.Guard) Option {
	return func(d *Dispatcher) { d.replay = g }
}

// WithVerifier replaces the secret-based verifier.
func WithVerifier(v Verifier) Option {
	return func(d *Dispatcher) { d.verifier = v }
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// New builds a dispatcher. A missing or undecodable secret is reported as a
// KindMisconfigured error so the process can refuse to start.
func New(cfg Config, st store.Store, opts ...Option) (*Dispatcher, error) {
	if st == nil {
		return nil, newError(KindMisconfigured, "user store is not configured", nil, nil)
	}
	d := &Dispatcher{
		store:     st,
		metadata:  identity.NoopWriter{},
		publisher: events.NoopPublisher{},
		logger:    logging.Discard(),
		now:       time.Now,

		sideEffectTimeout: cfg.SideEffectTimeout,
	}
	if d.sideEffectTimeout <= 0 {
		d.sideEffectTimeout = DefaultSideEffectTimeout
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.verifier == nil {
		verifier, err := signature.NewVerifier(cfg.Secret, cfg.Tolerance)
		if err != nil {
			return nil, Misconfigured(err)
		}
		d.verifier = verifier
	}
	return d, nil
}

// Handle processes one delivery. It never returns an error: every failure is
// carried in the Result with its fixed status code.
func (d *Dispatcher) Handle(ctx context.Context, env models.Envelope) Result {
	start := d.now()
	result := d.handle(ctx, env)
	d.observe(result, d.now().Sub(start))
	return result
}

func (d *Dispatcher) handle(ctx context.Context, env models.Envelope) Result {
	if !env.HasHeaders() {
		return d.fail(ctx, "", KindBadRequest, MsgMissingHeaders, nil, nil)
	}

	headers := signature.Headers{ID: env.ID, Timestamp: env.Timestamp, Signature: env.Signature}
	if err := d.verifier.Verify(env.Payload, headers, d.now()); err != nil {
		return d.fail(ctx, "", KindVerificationFailed, MsgVerification, err, map[string]any{
			logging.FieldDeliveryID: env.ID,
		})
	}

	claimed := false
	if d.replay != nil {
		fresh, err := d.replay.Claim(ctx, env.ID)
		switch {
		case err != nil:
			d.logger.WarnContext(ctx, "Replay guard unavailable, processing delivery",
				logging.DeliveryID(env.ID), logging.Error(err))
			metrics.SideEffectFailures.WithLabelValues("replay_claim").Inc()
		case !fresh:
			d.logger.InfoContext(ctx, "Duplicate delivery ignored", logging.DeliveryID(env.ID))
			return Result{Status: http.StatusOK, Message: MsgDuplicate}
		default:
			claimed = true
		}
	}

	result := d.decodeAndDispatch(ctx, env)
	if claimed && result.Err != nil && result.Kind != KindUnhandled {
		if err := d.replay.Release(ctx, env.ID); err != nil {
			d.logger.WarnContext(ctx, "Failed to release delivery claim",
				logging.DeliveryID(env.ID), logging.Error(err))
		}
	}
	return result
}

func (d *Dispatcher) decodeAndDispatch(ctx context.Context, env models.Envelope) Result {
	var raw models.RawEvent
	if err := json.Unmarshal(env.Payload, &raw); err != nil {
		return d.fail(ctx, "", KindVerificationFailed, MsgVerification, err, map[string]any{
			logging.FieldDeliveryID: env.ID,
		})
	}

	if !raw.Type.Known() {
		d.logger.InfoContext(ctx, "Unhandled event type",
			logging.EventType(string(raw.Type)), logging.DeliveryID(env.ID))
		return Result{
			Kind:      KindUnhandled,
			Status:    KindUnhandled.StatusCode(),
			Message:   MsgUnhandled,
			EventType: raw.Type,
			Err:       newError(KindUnhandled, MsgUnhandled, nil, map[string]any{logging.FieldEventType: string(raw.Type)}),
		}
	}

	evt := models.WebhookEvent{Type: raw.Type, Object: raw.Object}
	if len(raw.Data) > 0 {
		if err := json.Unmarshal(raw.Data, &evt.Data); err != nil {
			return d.fail(ctx, raw.Type, KindBadEvent, MsgInvalidPayload, err, map[string]any{
				logging.FieldDeliveryID: env.ID,
			})
		}
	}

	switch evt.Type {
	case models.EventUserCreated:
		return d.userCreated(ctx, evt)
	case models.EventUserUpdated:
		return d.userUpdated(ctx, evt)
	default:
		return d.userDeleted(ctx, evt)
	}
}

func (d *Dispatcher) userCreated(ctx context.Context, evt models.WebhookEvent) Result {
	subject := evt.SubjectID()
	if subject == "" {
		return d.fail(ctx, evt.Type, KindBadEvent, MsgMissingSubject, nil, nil)
	}
	fields := evt.Fields()
	if fields.Email == "" {
		return d.fail(ctx, evt.Type, KindBadEvent, MsgMissingEmail, nil, map[string]any{
			logging.FieldSubjectID: subject,
		})
	}

	user, err := d.store.CreateUser(ctx, fields)
	if errors.Is(err, store.ErrUserExists) {
		d.logger.InfoContext(ctx, "User already synced, reusing existing record", logging.SubjectID(subject))
		user, err = d.store.GetUserByClerkID(ctx, subject)
	}
	if err != nil {
		return d.fail(ctx, evt.Type, KindDownstreamFailure, MsgProcessing, err, map[string]any{
			logging.FieldSubjectID: subject,
		})
	}

	if user != nil {
		d.writeBackMetadata(ctx, subject, user)
	}
	d.publish(ctx, evt.Type, subject, user)
	return success(evt.Type, user)
}

func (d *Dispatcher) userUpdated(ctx context.Context, evt models.WebhookEvent) Result {
	subject := evt.SubjectID()
	if subject == "" {
		return d.fail(ctx, evt.Type, KindBadEvent, MsgMissingSubject, nil, nil)
	}
	fields := evt.Fields()
	// Email is owned by the create path.
	fields.Email = ""

	user, err := d.store.UpdateUser(ctx, subject, fields)
	if err != nil {
		return d.fail(ctx, evt.Type, KindDownstreamFailure, MsgProcessing, err, map[string]any{
			logging.FieldSubjectID: subject,
		})
	}

	d.publish(ctx, evt.Type, subject, user)
	return success(evt.Type, user)
}

func (d *Dispatcher) userDeleted(ctx context.Context, evt models.WebhookEvent) Result {
	subject := evt.SubjectID()
	if subject == "" {
		return d.fail(ctx, evt.Type, KindBadEvent, MsgMissingSubject, nil, nil)
	}

	user, err := d.store.DeleteUser(ctx, subject)
	if errors.Is(err, store.ErrUserNotFound) {
		d.logger.InfoContext(ctx, "User already absent, delete is a no-op", logging.SubjectID(subject))
		user, err = nil, nil
	}
	if err != nil {
		return d.fail(ctx, evt.Type, KindDownstreamFailure, MsgProcessing, err, map[string]any{
			logging.FieldSubjectID: subject,
		})
	}

	d.publish(ctx, evt.Type, subject, user)
	return success(evt.Type, user)
}

// writeBackMetadata stores the internal record id on the external identity.
// Failures are logged and counted only.
func (d *Dispatcher) writeBackMetadata(ctx context.Context, subject string, user *models.User) {
	ctx, cancel := context.WithTimeout(ctx, d.sideEffectTimeout)
	defer cancel()

	err := d.metadata.UpdatePublicMetadata(ctx, subject, map[string]any{"userId": user.ID})
	if err != nil {
		metrics.SideEffectFailures.WithLabelValues("metadata_writeback").Inc()
		d.logger.WarnContext(ctx, "Failed to write user id back to identity provider",
			logging.SubjectID(subject), logging.UserID(user.ID), logging.Error(err))
	}
}

func (d *Dispatcher) publish(ctx context.Context, eventType models.EventType, subject string, user *models.User) {
	ctx, cancel := context.WithTimeout(ctx, d.sideEffectTimeout)
	defer cancel()

	if err := d.publisher.PublishUserEvent(ctx, eventType, subject, user); err != nil {
		metrics.SideEffectFailures.WithLabelValues("lifecycle_publish").Inc()
		d.logger.WarnContext(ctx, "Failed to publish user lifecycle event",
			logging.EventType(string(eventType)), logging.SubjectID(subject), logging.Error(err))
	}
}

func (d *Dispatcher) fail(ctx context.Context, eventType models.EventType, kind Kind, message string, cause error, metadata map[string]any) Result {
	rich := newError(kind, message, cause, metadata)
	d.logger.ErrorContext(ctx, "Webhook delivery failed",
		logging.Kind(string(kind)),
		logging.EventType(string(eventType)),
		logging.Status(kind.StatusCode()),
		logging.Error(rich),
	)
	return Result{
		Kind:      kind,
		Status:    kind.StatusCode(),
		Message:   message,
		EventType: eventType,
		Err:       rich,
	}
}

func (d *Dispatcher) observe(result Result, elapsed time.Duration) {
	label := "other"
	if result.EventType.Known() {
		label = string(result.EventType)
	}
	outcome := "ok"
	switch {
	case result.Kind != "":
		outcome = string(result.Kind)
	case result.Message == MsgDuplicate:
		outcome = "duplicate"
	}
	metrics.WebhookDeliveries.WithLabelValues(label, outcome).Inc()
	metrics.WebhookDuration.WithLabelValues(label).Observe(elapsed.Seconds())
}

func success(eventType models.EventType, user *models.User) Result {
	return Result{Status: http.StatusOK, Message: MsgOK, User: user, EventType: eventType}
}
