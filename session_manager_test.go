package bridge

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
)

func (e *testEnv) sessions(opts ...SessionOption) *SessionManager {
	base := []SessionOption{
		WithSessionClock(e.clock.Now),
		WithSessionEventSink(e.sink),
		WithSessionLogger(quietLogger{}),
		WithLookupRetry(RetryPolicy{Attempts: DefaultLookupAttempts, Sleep: noSleep}),
		WithSyncRetry(RetryPolicy{Attempts: DefaultSyncAttempts, Sleep: noSleep}),
	}
	return NewSessionManager(e.repo, append(base, opts...)...)
}

// linkedUser creates a local user with a provider mapping
func (e *testEnv) linkedUser(t *testing.T, email string) (*LocalUser, *IdentityMapping) {
	t.Helper()
	user := e.createUser(t, email)
	mapping, _, err := e.mapper().EnsureProviderUser(e.ctx, user)
	require.NoError(t, err)
	return user, mapping
}

// providerToken issues a provider style JWT and registers a live provider
// session for it.
func (e *testEnv) providerToken(t *testing.T, subject string) string {
	t.Helper()
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": subject,
		"exp": e.clock.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("provider-secret"))
	require.NoError(t, err)

	require.NoError(t, e.repo.Directory().CreateSession(e.ctx, &ProviderSession{
		UserID:    subject,
		Token:     raw,
		ExpiresAt: e.clock.Now().Add(time.Hour),
	}))
	return raw
}

type stubSyncer struct {
	calls int
	err   error
}

func (s *stubSyncer) PushProfileSync(ctx context.Context, localUserID uuid.UUID, snapshot *ProfileSnapshot) (*SyncResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return &SyncResult{LocalUserID: localUserID.String(), Status: SyncStatusSynced}, nil
}

func TestCreateSession_RequiresLink(t *testing.T) {
	env := newTestEnv(t)
	user := env.createUser(t, "unlinked@example.com")

	_, err := env.sessions().CreateSession(env.ctx, user.ID)
	assert.True(t, IsNotLinked(err))
}

func TestCreateSession_CachesTokenAndMintsCookie(t *testing.T) {
	env := newTestEnv(t)
	user, mapping := env.linkedUser(t, "login@example.com")

	signer := NewLocalTokenSigner("local-signing-key", time.Hour, env.clock.Now)
	sessions := env.sessions(WithLocalTokenSigner(signer))

	info, err := sessions.CreateSession(env.ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, mapping.ProviderUserID, info.ProviderUserID)
	assert.Len(t, info.Token, 43)
	assert.Equal(t, testNow.Add(DefaultSessionTTL), info.ExpiresAt)
	assert.NotEmpty(t, info.LocalToken)

	token, ok := env.meta(t, user.ID, MetaSessionToken)
	require.True(t, ok)
	assert.Equal(t, info.Token, token)

	row, err := env.repo.Directory().FindSessionByToken(env.ctx, info.Token)
	require.NoError(t, err)
	assert.Equal(t, mapping.ProviderUserID, row.UserID)

	check := sessions.SessionStatus(env.ctx, info.LocalToken)
	assert.True(t, check.LoggedIn)
	assert.Equal(t, info.Token, check.SessionToken)
	assert.Equal(t, user.ID.String(), check.UserID)

	assert.False(t, sessions.SessionStatus(env.ctx, "garbage").LoggedIn)
	assert.False(t, sessions.SessionStatus(env.ctx, "").LoggedIn)
	assert.Equal(t, 1, env.sink.Count(EventSessionCreated))
}

func TestValidateInboundToken_Success(t *testing.T) {
	env := newTestEnv(t)
	user, mapping := env.linkedUser(t, "valid@example.com")
	raw := env.providerToken(t, mapping.ProviderUserID)

	syncer := &stubSyncer{}
	result, err := env.sessions(WithProfileSyncer(syncer)).ValidateInboundToken(env.ctx, "Bearer "+raw)
	require.NoError(t, err)

	assert.Equal(t, user.ID, result.User.ID)
	assert.Equal(t, "valid@example.com", result.Email)
	assert.Equal(t, mapping.ProviderUserID, result.ProviderUserID)
	assert.False(t, result.Degraded)
	assert.True(t, result.Refreshed)
	assert.Equal(t, SyncStatusSynced, result.SyncStatus)
	assert.Equal(t, 1, syncer.calls)
	assert.Equal(t, 1, env.sink.Count(EventSessionRefreshed))

	cached, ok := env.meta(t, user.ID, MetaSessionToken)
	require.True(t, ok)
	assert.Equal(t, raw, cached)

	again, err := env.sessions(WithProfileSyncer(syncer)).ValidateInboundToken(env.ctx, raw)
	require.NoError(t, err)
	assert.False(t, again.Refreshed)
	assert.Equal(t, 1, env.sink.Count(EventSessionRefreshed))
}

func TestValidateInboundToken_Malformed(t *testing.T) {
	env := newTestEnv(t)
	sessions := env.sessions()

	for _, token := range []string{"", "abc", "a.b", "Bearer x.y"} {
		_, err := sessions.ValidateInboundToken(env.ctx, token)
		assert.True(t, IsMalformedToken(err), token)
	}
}

func TestValidateInboundToken_UnknownSubject(t *testing.T) {
	env := newTestEnv(t)
	dir := &failingDirectory{Directory: env.repo.Directory()}
	env.repo = wrappedRepo{RepositoryManager: env.repo, dir: dir}

	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "nobody"}).SignedString([]byte("k"))
	require.NoError(t, err)

	_, err = env.sessions().ValidateInboundToken(env.ctx, raw)
	assert.True(t, IsNotFound(err))
	assert.Equal(t, DefaultLookupAttempts, dir.mappingCalls)
}

func TestValidateInboundToken_NoLiveProviderSession(t *testing.T) {
	env := newTestEnv(t)
	_, mapping := env.linkedUser(t, "stale@example.com")

	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": mapping.ProviderUserID}).SignedString([]byte("k"))
	require.NoError(t, err)

	_, err = env.sessions().ValidateInboundToken(env.ctx, raw)
	assert.True(t, IsSessionInvalid(err))
}

func TestValidateInboundToken_DegradesOnMappingOutage(t *testing.T) {
	env := newTestEnv(t)
	user, mapping := env.linkedUser(t, "outage@example.com")
	raw := env.providerToken(t, mapping.ProviderUserID)

	dir := &failingDirectory{
		Directory:  env.repo.Directory(),
		mappingErr: errors.New("connection refused"),
	}
	env.repo = wrappedRepo{RepositoryManager: env.repo, dir: dir}

	result, err := env.sessions().ValidateInboundToken(env.ctx, raw)
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	assert.Equal(t, user.ID, result.User.ID)
	assert.Equal(t, DefaultLookupAttempts, dir.mappingCalls)
}

func TestValidateInboundToken_DegradesOnSessionOutage(t *testing.T) {
	env := newTestEnv(t)
	user, mapping := env.linkedUser(t, "sessions@example.com")

	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": mapping.ProviderUserID}).SignedString([]byte("k"))
	require.NoError(t, err)

	dir := &failingDirectory{
		Directory:   env.repo.Directory(),
		sessionsErr: errors.New("connection reset"),
	}
	env.repo = wrappedRepo{RepositoryManager: env.repo, dir: dir}

	result, err := env.sessions().ValidateInboundToken(env.ctx, raw)
	require.NoError(t, err)
	assert.True(t, result.Degraded)
	assert.Equal(t, user.ID, result.User.ID)
}

func TestValidateInboundToken_ResyncFailureIsNotFatal(t *testing.T) {
	env := newTestEnv(t)
	_, mapping := env.linkedUser(t, "resync@example.com")
	raw := env.providerToken(t, mapping.ProviderUserID)

	syncer := &stubSyncer{err: errors.New("provider write failed")}
	result, err := env.sessions(WithProfileSyncer(syncer)).ValidateInboundToken(env.ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, SyncStatusSyncFailed, result.SyncStatus)
	assert.Equal(t, DefaultSyncAttempts, syncer.calls)
}

func TestValidateInboundToken_VerifiedDecoder(t *testing.T) {
	env := newTestEnv(t)
	_, mapping := env.linkedUser(t, "verified@example.com")
	raw := env.providerToken(t, mapping.ProviderUserID)

	good := env.sessions(WithTokenDecoder(NewTokenDecoder("provider-secret", env.clock.Now)))
	_, err := good.ValidateInboundToken(env.ctx, raw)
	require.NoError(t, err)

	bad := env.sessions(WithTokenDecoder(NewTokenDecoder("wrong-secret", env.clock.Now)))
	_, err = bad.ValidateInboundToken(env.ctx, raw)
	assert.True(t, IsMalformedToken(err))
}

func TestSessionLifecycle(t *testing.T) {
	env := newTestEnv(t)
	user, mapping := env.linkedUser(t, "cycle@example.com")
	sessions := env.sessions(WithSessionTTL(time.Hour))

	state, err := sessions.SessionState(env.ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionStateNone, state)

	_, err = sessions.CreateSession(env.ctx, user.ID)
	require.NoError(t, err)

	state, err = sessions.ReapSession(env.ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionStateActive, state)

	env.clock.Advance(2 * time.Hour)
	state, err = sessions.SessionState(env.ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionStateExpired, state)

	state, err = sessions.ReapSession(env.ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionStateNone, state)

	_, err = sessions.CreateSession(env.ctx, user.ID)
	require.NoError(t, err)
	require.NoError(t, env.repo.Directory().RunInTx(env.ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		_, err := env.repo.Directory().RevokeSessionsTx(ctx, tx, mapping.ProviderUserID)
		return err
	}))

	state, err = sessions.SessionState(env.ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionStateRevoked, state)

	state, err = sessions.ReapSession(env.ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, SessionStateNone, state)
	assert.Equal(t, 2, env.sink.Count(EventSessionEnded))
}

func TestEndSession(t *testing.T) {
	env := newTestEnv(t)
	user, _ := env.linkedUser(t, "bye@example.com")
	sessions := env.sessions()

	_, err := sessions.CreateSession(env.ctx, user.ID)
	require.NoError(t, err)
	require.NoError(t, sessions.EndSession(env.ctx, user.ID))

	_, ok := env.meta(t, user.ID, MetaSessionToken)
	assert.False(t, ok)
}
