package models

import (
	"encoding/json"
	"strings"
)

// EventType is the provider's event tag, e.g. "user.created".
type EventType string

const (
	EventUserCreated EventType = "user.created"
	EventUserUpdated EventType = "user.updated"
	EventUserDeleted EventType = "user.deleted"
)

// Known reports whether the dispatcher acts on this event type.
func (t EventType) Known() bool {
	switch t {
	case EventUserCreated, EventUserUpdated, EventUserDeleted:
		return true
	}
	return false
}

// Action is the trailing verb of the event type ("created", "updated", ...).
func (t EventType) Action() string {
	s := string(t)
	if i := strings.LastIndexByte(s, '.'); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Envelope is the raw inbound delivery: the body plus the verification header triple.
type Envelope struct {
	ID        string
	Timestamp string
	Signature string
	Payload   []byte
}

// HasHeaders reports whether all three verification headers are present.
func (e Envelope) HasHeaders() bool {
	return strings.TrimSpace(e.ID) != "" &&
		strings.TrimSpace(e.Timestamp) != "" &&
		strings.TrimSpace(e.Signature) != ""
}

type EmailAddress struct {
	ID           string `json:"id,omitempty"`
	EmailAddress string `json:"email_address"`
}

// UserData is the "data" object of a user.* webhook. Every optional field
// may be absent or null.
type UserData struct {
	ID             *string        `json:"id"`
	EmailAddresses []EmailAddress `json:"email_addresses"`
	Username       *string        `json:"username"`
	FirstName      *string        `json:"first_name"`
	LastName       *string        `json:"last_name"`
	ImageURL       *string        `json:"image_url"`
	Deleted        bool           `json:"deleted,omitempty"`
}

// RawEvent is the outer shape shared by every event type. Data is left
// undecoded until the type is known to be handled.
type RawEvent struct {
	Type   EventType       `json:"type"`
	Object string          `json:"object,omitempty"`
	Data   json.RawMessage `json:"data"`
}

// WebhookEvent is a payload that passed signature verification.
type WebhookEvent struct {
	Type   EventType `json:"type"`
	Object string    `json:"object,omitempty"`
	Data   UserData  `json:"data"`
}

// SubjectID returns the external identity key, or "" when absent.
func (e WebhookEvent) SubjectID() string {
	return strings.TrimSpace(deref(e.Data.ID))
}

// PrimaryEmail returns the first email address on the event, or "".
func (e WebhookEvent) PrimaryEmail() string {
	for _, addr := range e.Data.EmailAddresses {
		if email := strings.TrimSpace(addr.EmailAddress); email != "" {
			return email
		}
	}
	return ""
}

// Fields normalizes the optional attributes to strings. Absent values become "".
func (e WebhookEvent) Fields() UserFields {
	return UserFields{
		ClerkID:   e.SubjectID(),
		Email:     e.PrimaryEmail(),
		Username:  deref(e.Data.Username),
		FirstName: deref(e.Data.FirstName),
		LastName:  deref(e.Data.LastName),
		Photo:     deref(e.Data.ImageURL),
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
