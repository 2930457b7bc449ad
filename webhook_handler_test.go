package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

func (e *testEnv) webhooks(mapper *IdentityMapper, opts ...WebhookOption) *WebhookHandler {
	base := []WebhookOption{
		WithWebhookClock(e.clock.Now),
		WithWebhookEventSink(e.sink),
		WithWebhookLogger(quietLogger{}),
	}
	return NewWebhookHandler(e.repo, mapper, append(base, opts...)...)
}

func envelope(t *testing.T, eventType WebhookEventType, payload any) WebhookEnvelope {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return WebhookEnvelope{Type: eventType, Payload: raw}
}

func TestWebhook_UserUpdated(t *testing.T) {
	env := newTestEnv(t)
	mapper := env.mapper()
	user, mapping := env.linkedUser(t, "jane@example.com")

	result, err := env.webhooks(mapper).HandleEnvelope(env.ctx, envelope(t, WebhookUserUpdated, map[string]any{
		"user_id":  mapping.ProviderUserID,
		"roles":    []string{"admin"},
		"metadata": map[string]any{"name": "Jane"},
	}))
	require.NoError(t, err)
	assert.Equal(t, "updated", result.Action)
	assert.Equal(t, user.ID.String(), result.LocalUserID)

	stored, err := env.repo.Users().FindByID(env.ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{RoleAdministrator}, stored.Roles)
	assert.Equal(t, "Jane", stored.DisplayName)

	raw, ok := env.meta(t, user.ID, MetaSnapshot)
	require.True(t, ok)

	var snapshot map[string]any
	require.NoError(t, json.Unmarshal([]byte(raw), &snapshot))
	assert.Equal(t, mapping.ProviderUserID, snapshot["provider_user_id"])
	assert.Equal(t, []any{"admin"}, snapshot["roles"])
	assert.Equal(t, []any{RoleAdministrator}, snapshot["applied_roles"])

	assert.Equal(t, 1, env.sink.Count(EventWebhookUserUpdated))
}

func TestWebhook_UserUpdatedWithoutRolesKeepsRoles(t *testing.T) {
	env := newTestEnv(t)
	mapper := env.mapper()
	user := env.createUser(t, "keep@example.com", RoleEditor)
	mapping, _, err := mapper.EnsureProviderUser(env.ctx, user)
	require.NoError(t, err)

	_, err = env.webhooks(mapper).HandleEnvelope(env.ctx, envelope(t, WebhookUserUpdated, map[string]any{
		"user_id":  mapping.ProviderUserID,
		"metadata": map[string]any{"given_name": "Kee", "phone": "(650) 253-0000"},
	}))
	require.NoError(t, err)

	stored, err := env.repo.Users().FindByID(env.ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{RoleEditor}, stored.Roles)
	assert.Equal(t, "Kee", stored.FirstName)
	assert.Equal(t, "+16502530000", stored.Phone)
}

func TestWebhook_SessionCreatedAndEnded(t *testing.T) {
	env := newTestEnv(t)
	mapper := env.mapper()
	user, mapping := env.linkedUser(t, "sess@example.com")
	handler := env.webhooks(mapper, WithWebhookSessionTTL(time.Hour))

	result, err := handler.HandleEnvelope(env.ctx, envelope(t, WebhookSessionCreated, map[string]any{
		"user_id":       mapping.ProviderUserID,
		"session_token": "provider-token",
	}))
	require.NoError(t, err)
	assert.Equal(t, "cached", result.Action)

	cached, ok, err := NewMetaSessionCache(env.repo.Meta()).Get(env.ctx, user.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "provider-token", cached.Token)
	assert.Equal(t, testNow.Add(time.Hour).Unix(), cached.ExpiresAt.Unix())

	result, err = handler.HandleEnvelope(env.ctx, envelope(t, WebhookSessionEnded, map[string]any{
		"user_id": mapping.ProviderUserID,
	}))
	require.NoError(t, err)
	assert.Equal(t, "cleared", result.Action)

	_, ok = env.meta(t, user.ID, MetaSessionToken)
	assert.False(t, ok)

	result, err = handler.HandleEnvelope(env.ctx, envelope(t, WebhookSessionCreated, map[string]any{
		"user_id": mapping.ProviderUserID,
	}))
	require.NoError(t, err)
	assert.Equal(t, "ignored", result.Action)
}

func TestWebhook_UserDeleted(t *testing.T) {
	env := newTestEnv(t)
	mapper := env.mapper()
	user, mapping := env.linkedUser(t, "gone@example.com")
	require.NoError(t, env.repo.Meta().Set(env.ctx, user.ID, "any_key", "v"))

	result, err := env.webhooks(mapper).HandleEnvelope(env.ctx, envelope(t, WebhookUserDeleted, map[string]any{
		"user_id": mapping.ProviderUserID,
	}))
	require.NoError(t, err)
	assert.Equal(t, "deleted", result.Action)

	_, err = env.repo.Users().FindByID(env.ctx, user.ID)
	assert.Error(t, err)
	assert.Equal(t, 0, env.mappingCount(t))

	all, err := env.repo.Meta().All(env.ctx, user.ID)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestWebhook_UnmappedSubject(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.webhooks(env.mapper()).HandleEnvelope(env.ctx, envelope(t, WebhookSessionEnded, map[string]any{
		"user_id": "unknown",
	}))
	assert.True(t, IsNotFound(err))
}

func TestDecodeWebhookEvent_Errors(t *testing.T) {
	tests := []struct {
		name      string
		eventType WebhookEventType
		raw       string
	}{
		{name: "unknown type", eventType: "user.exploded", raw: `{"user_id":"x"}`},
		{name: "empty payload", eventType: WebhookUserDeleted, raw: ``},
		{name: "malformed json", eventType: WebhookUserDeleted, raw: `{"user_id":`},
		{name: "missing subject", eventType: WebhookSessionEnded, raw: `{}`},
		{name: "wrong field type", eventType: WebhookUserUpdated, raw: `{"user_id":"x","roles":"admin"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeWebhookEvent(tt.eventType, []byte(tt.raw))
			require.Error(t, err)
			assert.True(t, IsValidation(err))
		})
	}
}

func TestDecodeWebhookEvent_Typed(t *testing.T) {
	event, err := DecodeWebhookEvent(WebhookUserUpdated, []byte(`{"user_id":"p1","roles":["editor"]}`))
	require.NoError(t, err)

	updated, ok := event.(UserUpdatedEvent)
	require.True(t, ok)
	assert.Equal(t, "p1", updated.Subject())
	assert.Equal(t, []string{"editor"}, updated.Roles)
	assert.Equal(t, WebhookUserUpdated, updated.Type())
}

type failingRemoveUsers struct {
	LocalUsers
}

func (failingRemoveUsers) RemoveTx(context.Context, bun.IDB, uuid.UUID) error {
	return errors.New("remove failed")
}

type removeFailingRepo struct {
	RepositoryManager
}

func (r removeFailingRepo) Users() LocalUsers {
	return failingRemoveUsers{LocalUsers: r.RepositoryManager.Users()}
}

func TestWebhook_UserDeletedRollsBackLocalWrites(t *testing.T) {
	env := newTestEnv(t)
	mapper := env.mapper()
	user, mapping := env.linkedUser(t, "stays@example.com")
	require.NoError(t, env.repo.Meta().Set(env.ctx, user.ID, "any_key", "v"))

	handler := NewWebhookHandler(removeFailingRepo{RepositoryManager: env.repo}, mapper,
		WithWebhookClock(env.clock.Now),
		WithWebhookEventSink(env.sink),
		WithWebhookLogger(quietLogger{}),
	)

	_, err := handler.HandleEnvelope(env.ctx, envelope(t, WebhookUserDeleted, map[string]any{
		"user_id": mapping.ProviderUserID,
	}))
	require.Error(t, err)

	_, err = env.repo.Users().FindByID(env.ctx, user.ID)
	require.NoError(t, err)

	value, ok := env.meta(t, user.ID, "any_key")
	assert.True(t, ok)
	assert.Equal(t, "v", value)
}
