package bridge

import (
	"bytes"
	"encoding/json"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
)

// WebhookEventType is the discriminator of provider webhook events
type WebhookEventType string

const (
	WebhookSessionCreated WebhookEventType = "session.created"
	WebhookSessionEnded   WebhookEventType = "session.ended"
	WebhookUserDeleted    WebhookEventType = "user.deleted"
	WebhookUserUpdated    WebhookEventType = "user.updated"
)

// WebhookEvent is a decoded and validated provider event
type WebhookEvent interface {
	Type() WebhookEventType
	Subject() string
	Validate() error
}

// WebhookEnvelope is the body posted by the auth provider
type WebhookEnvelope struct {
	Type    WebhookEventType `json:"type"`
	Payload json.RawMessage  `json:"payload"`
}

// Decode returns the typed event carried by the envelope
func (e WebhookEnvelope) Decode() (WebhookEvent, error) {
	return DecodeWebhookEvent(e.Type, e.Payload)
}

// SessionCreatedEvent reports a provider login
type SessionCreatedEvent struct {
	ProviderUserID string     `json:"user_id"`
	SessionToken   string     `json:"session_token,omitempty"`
	LoginAt        *time.Time `json:"login_at,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
}

func (e SessionCreatedEvent) Type() WebhookEventType { return WebhookSessionCreated }
func (e SessionCreatedEvent) Subject() string        { return e.ProviderUserID }

func (e SessionCreatedEvent) Validate() error {
	return validateWith("invalid session.created payload", func() error {
		return validation.ValidateStruct(&e,
			validation.Field(&e.ProviderUserID, validation.Required),
		)
	})
}

// SessionEndedEvent reports a provider logout
type SessionEndedEvent struct {
	ProviderUserID string `json:"user_id"`
}

func (e SessionEndedEvent) Type() WebhookEventType { return WebhookSessionEnded }
func (e SessionEndedEvent) Subject() string        { return e.ProviderUserID }

func (e SessionEndedEvent) Validate() error {
	return validateWith("invalid session.ended payload", func() error {
		return validation.ValidateStruct(&e,
			validation.Field(&e.ProviderUserID, validation.Required),
		)
	})
}

// UserDeletedEvent reports a provider account removal
type UserDeletedEvent struct {
	ProviderUserID string `json:"user_id"`
}

func (e UserDeletedEvent) Type() WebhookEventType { return WebhookUserDeleted }
func (e UserDeletedEvent) Subject() string        { return e.ProviderUserID }

func (e UserDeletedEvent) Validate() error {
	return validateWith("invalid user.deleted payload", func() error {
		return validation.ValidateStruct(&e,
			validation.Field(&e.ProviderUserID, validation.Required),
		)
	})
}

// UserUpdatedEvent carries the provider roles and profile metadata. A nil
// Roles leaves the local roles untouched.
type UserUpdatedEvent struct {
	ProviderUserID string         `json:"user_id"`
	Email          string         `json:"email,omitempty"`
	Roles          []string       `json:"roles,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

func (e UserUpdatedEvent) Type() WebhookEventType { return WebhookUserUpdated }
func (e UserUpdatedEvent) Subject() string        { return e.ProviderUserID }

func (e UserUpdatedEvent) Validate() error {
	return validateWith("invalid user.updated payload", func() error {
		return validation.ValidateStruct(&e,
			validation.Field(&e.ProviderUserID, validation.Required),
		)
	})
}

// DecodeWebhookEvent decodes raw into the event type named by eventType
// and validates it. Unknown types and invalid payloads are validation
// errors.
func DecodeWebhookEvent(eventType WebhookEventType, raw []byte) (WebhookEvent, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, ErrValidation.Clone().WithMetadata(map[string]any{
			"type":   string(eventType),
			"reason": "empty payload",
		})
	}

	var event WebhookEvent
	var err error
	switch eventType {
	case WebhookSessionCreated:
		event, err = decodeAs[SessionCreatedEvent](raw)
	case WebhookSessionEnded:
		event, err = decodeAs[SessionEndedEvent](raw)
	case WebhookUserDeleted:
		event, err = decodeAs[UserDeletedEvent](raw)
	case WebhookUserUpdated:
		event, err = decodeAs[UserUpdatedEvent](raw)
	default:
		return nil, ErrValidation.Clone().WithMetadata(map[string]any{
			"type":   string(eventType),
			"reason": "unknown event type",
		})
	}
	if err != nil {
		return nil, newError(ErrValidation, err, map[string]any{
			"type":   string(eventType),
			"reason": "malformed payload",
		})
	}

	if err := event.Validate(); err != nil {
		return nil, err
	}
	return event, nil
}

func decodeAs[T WebhookEvent](raw []byte) (WebhookEvent, error) {
	var event T
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, err
	}
	return event, nil
}
