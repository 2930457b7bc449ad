package bridge

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testConfig struct {
	jwksURL string
	signing string
}

func (c testConfig) GetSharedSecret() string { return "0123456789abcdef" }
func (c testConfig) GetSignatureWindow() time.Duration { return DefaultSignatureWindow }
func (c testConfig) GetSessionTTL() time.Duration { return time.Hour }
func (c testConfig) GetLocalSigningKey() string { return c.signing }
func (c testConfig) GetSessionCookieName() string { return DefaultSessionCookieName }
func (c testConfig) GetProviderJWTSecret() string { return "" }
func (c testConfig) GetProviderJWKSURL() string { return c.jwksURL }
func (c testConfig) GetAutoSyncRoles() []string { return []string{RoleEditor, RoleSubscriber} }
func (c testConfig) GetLockedRoles() []string { return []string{RoleSubscriber} }
func (c testConfig) GetLookupAttempts() int { return 2 }
func (c testConfig) GetLookupDelay() time.Duration { return time.Millisecond }
func (c testConfig) GetSyncAttempts() int { return 2 }
func (c testConfig) GetSyncDelay() time.Duration { return time.Millisecond }
func (c testConfig) GetBulkConcurrency() int { return 2 }
func (c testConfig) GetBulkItemTimeout() time.Duration { return time.Second }
func (c testConfig) GetDeterministicIDs() bool { return true }

func TestNew_WiresComponents(t *testing.T) {
	env := newTestEnv(t)

	b, err := New(testConfig{signing: "local-key"}, env.repo,
		WithClock(env.clock.Now),
		WithEventSink(env.sink),
		WithSleeper(noSleep),
		WithLoggerFactory(func(string) Logger { return quietLogger{} }),
	)
	require.NoError(t, err)

	assert.Equal(t, []string{RoleEditor}, b.Policy.AutoSyncRoles())
	assert.Equal(t, []string{RoleSubscriber}, b.Policy.LockedRoles())

	services := b.HTTPServices()
	assert.Same(t, b.Mapper, services.Mapper)
	assert.Same(t, b.Validator, services.Validator)

	user := env.createUser(t, "wired@example.com", RoleEditor)
	info, err := b.Sessions.CreateSession(env.ctx, user.ID)
	require.NoError(t, err)
	assert.NotEmpty(t, info.ProviderUserID)
	source, _ := env.meta(t, user.ID, MetaSyncSource)
	assert.Equal(t, string(SyncSourcePolicy), source)

	assert.Equal(t, testNow.Add(time.Hour), info.ExpiresAt)
	assert.NotEmpty(t, info.LocalToken)
	assert.True(t, b.Sessions.SessionStatus(env.ctx, info.LocalToken).LoggedIn)

	report, err := b.Sync.ImportProviderUsers(env.ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Total)
	assert.Len(t, report.Skipped, 1)
}

func TestNew_JWKSUnavailable(t *testing.T) {
	env := newTestEnv(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := New(testConfig{jwksURL: srv.URL}, env.repo,
		WithLoggerFactory(func(string) Logger { return quietLogger{} }),
	)
	assert.Error(t, err)
}

type stubRemote struct {
	mu       sync.Mutex
	users    []ProviderUserData
	sessions []string
	userErr  error
}

func (r *stubRemote) CreateUser(ctx context.Context, data ProviderUserData) (*RemoteUser, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.userErr != nil {
		return nil, r.userErr
	}
	r.users = append(r.users, data)
	return &RemoteUser{ProviderUserID: data.ProviderUserID, Email: data.Email, Created: true}, nil
}

func (r *stubRemote) CreateSession(ctx context.Context, providerUserID string) (*RemoteSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions = append(r.sessions, providerUserID)
	return &RemoteSession{Token: "remote-" + providerUserID, ExpiresAt: testNow.Add(30 * time.Minute)}, nil
}

func TestNew_RemoteProviderReceivesUsersAndSessions(t *testing.T) {
	env := newTestEnv(t)
	remote := &stubRemote{}

	b, err := New(testConfig{}, env.repo,
		WithClock(env.clock.Now),
		WithSleeper(noSleep),
		WithRemoteProvider(remote),
		WithLoggerFactory(func(string) Logger { return quietLogger{} }),
	)
	require.NoError(t, err)

	user := env.createUser(t, "remote@example.com", RoleEditor)
	info, err := b.Sessions.CreateSession(env.ctx, user.ID)
	require.NoError(t, err)

	require.Len(t, remote.users, 1)
	assert.Equal(t, info.ProviderUserID, remote.users[0].ProviderUserID)
	assert.Equal(t, "remote@example.com", remote.users[0].Email)

	assert.Equal(t, []string{info.ProviderUserID}, remote.sessions)
	assert.Equal(t, "remote-"+info.ProviderUserID, info.Token)
	assert.Equal(t, testNow.Add(30*time.Minute), info.ExpiresAt)

	rows, err := env.repo.Directory().ActiveSessions(env.ctx, info.ProviderUserID)
	require.NoError(t, err)
	assert.Empty(t, rows)
}

func TestNew_RemoteProviderFailureRollsBackMapping(t *testing.T) {
	env := newTestEnv(t)
	remote := &stubRemote{userErr: ErrConnection.Clone()}

	b, err := New(testConfig{}, env.repo,
		WithClock(env.clock.Now),
		WithSleeper(noSleep),
		WithRemoteProvider(remote),
		WithLoggerFactory(func(string) Logger { return quietLogger{} }),
	)
	require.NoError(t, err)

	user := env.createUser(t, "offline@example.com", RoleEditor)

	_, _, err = b.Mapper.EnsureProviderUser(env.ctx, user)
	require.Error(t, err)
	assert.True(t, IsConnection(err))
	assert.Equal(t, 0, env.mappingCount(t))
	assert.Equal(t, 0, env.providerUserCount(t))

	_, err = b.Sessions.CreateSession(env.ctx, user.ID)
	require.Error(t, err)
	assert.True(t, IsNotLinked(err))
	assert.Empty(t, remote.sessions)
}
