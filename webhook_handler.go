package bridge

import (
	"context"
	"encoding/json"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// WebhookResult describes how an event was applied
type WebhookResult struct {
	Type           WebhookEventType `json:"type"`
	LocalUserID    string           `json:"local_user_id"`
	ProviderUserID string           `json:"provider_user_id"`
	Action         string           `json:"action"`
	User           *LocalUser       `json:"user,omitempty"`
}

// metadataSnapshot is stored as JSON for audit after a user.updated event
type metadataSnapshot struct {
	ProviderUserID string         `json:"provider_user_id"`
	Email          string         `json:"email,omitempty"`
	Roles          []string       `json:"roles"`
	Metadata       map[string]any `json:"metadata"`
	AppliedRoles   []string       `json:"applied_roles"`
	AppliedFields  map[string]any `json:"applied_fields"`
	ReceivedAt     time.Time      `json:"received_at"`
}

// WebhookHandler applies provider events to the local store
type WebhookHandler struct {
	tx      repository.TransactionManager
	mapper  *IdentityMapper
	users   LocalUsers
	meta    UserMetaStore
	cache   SessionCache
	ttl     time.Duration
	logger  Logger
	events  emitter
	clock   Clock
	metrics *Metrics
}

// WebhookOption configures a WebhookHandler
type WebhookOption func(*WebhookHandler)

// WithWebhookLogger sets the logger
func WithWebhookLogger(logger Logger) WebhookOption {
	return func(h *WebhookHandler) {
		h.logger = normalizeLogger(logger)
	}
}

// WithWebhookEventSink sets the event sink
func WithWebhookEventSink(sink EventSink) WebhookOption {
	return func(h *WebhookHandler) {
		h.events.sink = normalizeEventSink(sink)
	}
}

// WithWebhookClock injects the time source
func WithWebhookClock(clock Clock) WebhookOption {
	return func(h *WebhookHandler) {
		if clock != nil {
			h.clock = clock
		}
	}
}

// WithWebhookSessionCache sets the cache written by session events
func WithWebhookSessionCache(cache SessionCache) WebhookOption {
	return func(h *WebhookHandler) {
		if cache != nil {
			h.cache = cache
		}
	}
}

// WithWebhookSessionTTL sets the expiry used when an event has none
func WithWebhookSessionTTL(ttl time.Duration) WebhookOption {
	return func(h *WebhookHandler) {
		if ttl > 0 {
			h.ttl = ttl
		}
	}
}

// WithWebhookMetrics records webhook counters
func WithWebhookMetrics(m *Metrics) WebhookOption {
	return func(h *WebhookHandler) {
		h.metrics = m
	}
}

// NewWebhookHandler builds a handler over repo
func NewWebhookHandler(repo RepositoryManager, mapper *IdentityMapper, opts ...WebhookOption) *WebhookHandler {
	h := &WebhookHandler{
		tx:     repo,
		mapper: mapper,
		users:  repo.Users(),
		meta:   repo.Meta(),
		ttl:    DefaultSessionTTL,
		logger: defLogger{},
		clock:  time.Now,
		events: emitter{sink: noopEventSink{}},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}

	if h.cache == nil {
		h.cache = NewMetaSessionCache(h.meta)
	}

	h.events.clock = h.clock
	h.events.logger = h.logger
	return h
}

// HandleEnvelope decodes and applies a raw webhook body
func (h *WebhookHandler) HandleEnvelope(ctx context.Context, envelope WebhookEnvelope) (*WebhookResult, error) {
	event, err := envelope.Decode()
	if err != nil {
		h.metrics.webhook(string(envelope.Type), OutcomeFailure)
		return nil, err
	}
	return h.HandleEvent(ctx, event)
}

// HandleEvent resolves the mapped local user and applies event to it
func (h *WebhookHandler) HandleEvent(ctx context.Context, event WebhookEvent) (*WebhookResult, error) {
	result, err := h.handleEvent(ctx, event)
	if event != nil {
		h.metrics.webhook(string(event.Type()), outcomeOf(err))
	}
	return result, err
}

func (h *WebhookHandler) handleEvent(ctx context.Context, event WebhookEvent) (*WebhookResult, error) {
	if event == nil {
		return nil, ErrValidation.Clone().WithMetadata(map[string]any{"reason": "missing event"})
	}
	if err := event.Validate(); err != nil {
		return nil, err
	}

	md := map[string]any{
		"type":             string(event.Type()),
		"provider_user_id": event.Subject(),
	}

	mapping, err := h.mapper.MappingForProviderUser(ctx, event.Subject())
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, ErrNotFound.Clone().WithMetadata(md)
		}
		return nil, classifyWriteError(err, md)
	}

	result := &WebhookResult{
		Type:           event.Type(),
		LocalUserID:    mapping.LocalUserID.String(),
		ProviderUserID: mapping.ProviderUserID,
	}

	switch ev := event.(type) {
	case SessionCreatedEvent:
		result.Action, err = h.onSessionCreated(ctx, mapping.LocalUserID, ev)
	case SessionEndedEvent:
		result.Action, err = h.onSessionEnded(ctx, mapping.LocalUserID)
	case UserDeletedEvent:
		result.Action, err = h.onUserDeleted(ctx, mapping.LocalUserID)
	case UserUpdatedEvent:
		result.User, err = h.onUserUpdated(ctx, mapping.LocalUserID, ev)
		result.Action = "updated"
	default:
		return nil, ErrValidation.Clone().WithMetadata(md)
	}
	if err != nil {
		h.logger.Error("webhook event failed",
			"type", string(event.Type()),
			"local_user_id", result.LocalUserID,
			"error", err,
		)
		return nil, err
	}

	h.events.emit(ctx, Event{
		Type:           EventType(eventWebhookPrefix + string(event.Type())),
		LocalUserID:    result.LocalUserID,
		ProviderUserID: result.ProviderUserID,
		Metadata:       map[string]any{"action": result.Action},
	})

	h.logger.Info("webhook event applied",
		"type", string(event.Type()),
		"local_user_id", result.LocalUserID,
		"action", result.Action,
	)
	return result, nil
}

func (h *WebhookHandler) onSessionCreated(ctx context.Context, localUserID uuid.UUID, ev SessionCreatedEvent) (string, error) {
	if ev.SessionToken == "" {
		return "ignored", nil
	}

	now := h.clock().UTC()
	loginAt := now
	if ev.LoginAt != nil && !ev.LoginAt.IsZero() {
		loginAt = ev.LoginAt.UTC()
	}
	expiresAt := now.Add(h.ttl)
	if ev.ExpiresAt != nil && !ev.ExpiresAt.IsZero() {
		expiresAt = ev.ExpiresAt.UTC()
	}

	if err := h.cache.Put(ctx, localUserID, CachedSession{
		Token:     ev.SessionToken,
		LoginAt:   loginAt,
		ExpiresAt: expiresAt,
	}); err != nil {
		return "", err
	}
	return "cached", nil
}

func (h *WebhookHandler) onSessionEnded(ctx context.Context, localUserID uuid.UUID) (string, error) {
	if err := h.cache.Delete(ctx, localUserID); err != nil {
		return "", err
	}
	return "cleared", nil
}

func (h *WebhookHandler) onUserDeleted(ctx context.Context, localUserID uuid.UUID) (string, error) {
	if err := h.mapper.Unsync(ctx, localUserID); err != nil && !IsNotLinked(err) {
		return "", err
	}

	err := h.tx.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if err := h.meta.DeletePrefixTx(ctx, tx, localUserID, ""); err != nil {
			return err
		}
		return h.users.RemoveTx(ctx, tx, localUserID)
	})
	if err != nil {
		return "", classifyWriteError(err, map[string]any{"local_user_id": localUserID.String()})
	}
	return "deleted", nil
}

func (h *WebhookHandler) onUserUpdated(ctx context.Context, localUserID uuid.UUID, ev UserUpdatedEvent) (*LocalUser, error) {
	user, err := h.users.FindByID(ctx, localUserID)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, ErrNotFound.Clone().WithMetadata(map[string]any{
				"local_user_id": localUserID.String(),
			})
		}
		return nil, err
	}

	if ev.Roles != nil {
		user.Roles = TranslateProviderRoles(ev.Roles)
	}

	fields := TranslateProviderFields(ev.Metadata)
	if err := ApplyProfileFields(user, fields); err != nil {
		h.logger.Warn("provider profile field skipped", "local_user_id", localUserID.String(), "error", err)
	}

	if err := h.users.UpdateProfile(ctx, user); err != nil {
		return nil, err
	}

	applied := make(map[string]any, len(fields))
	for k, v := range fields {
		applied[k] = v
	}
	if _, ok := fields[FieldPhone]; ok {
		applied[FieldPhone] = user.Phone
	}

	snapshot := metadataSnapshot{
		ProviderUserID: ev.ProviderUserID,
		Email:          ev.Email,
		Roles:          ev.Roles,
		Metadata:       ev.Metadata,
		AppliedRoles:   user.Roles,
		AppliedFields:  applied,
		ReceivedAt:     h.clock().UTC(),
	}
	raw, err := json.Marshal(snapshot)
	if err != nil {
		return nil, err
	}

	if err := h.meta.Set(ctx, localUserID, MetaSnapshot, string(raw)); err != nil {
		return nil, err
	}
	return user, nil
}
