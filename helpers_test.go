package bridge

import (
	"context"
	"database/sql"
	"io/fs"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"golang.org/x/crypto/bcrypt"

	_ "github.com/mattn/go-sqlite3"
)

var testNow = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: testNow}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func noSleep(ctx context.Context, d time.Duration) error {
	return ctx.Err()
}

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) Record(ctx context.Context, event Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

func (s *recordingSink) Types() []EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]EventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}

func (s *recordingSink) Count(t EventType) int {
	n := 0
	for _, et := range s.Types() {
		if et == t {
			n++
		}
	}
	return n
}

type testEnv struct {
	ctx        context.Context
	localDB    *bun.DB
	providerDB *bun.DB
	repo       RepositoryManager
	clock      *fakeClock
	sink       *recordingSink
}

func openTestDB(t *testing.T, migrations func() (fs.FS, error)) *bun.DB {
	t.Helper()

	sqldb, err := sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	sqldb.SetMaxOpenConns(1)

	db := bun.NewDB(sqldb, sqlitedialect.New())
	t.Cleanup(func() {
		_ = db.Close()
	})

	fsys, err := migrations()
	require.NoError(t, err)

	files, err := fs.Glob(fsys, "sqlite/*.up.sql")
	require.NoError(t, err)
	require.NotEmpty(t, files)

	for _, name := range files {
		raw, err := fs.ReadFile(fsys, name)
		require.NoError(t, err)
		for _, stmt := range strings.Split(string(raw), ";") {
			if strings.TrimSpace(stmt) == "" {
				continue
			}
			_, err := db.Exec(stmt)
			require.NoError(t, err, name)
		}
	}
	return db
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		ctx:        context.Background(),
		localDB:    openTestDB(t, LocalMigrationsFS),
		providerDB: openTestDB(t, ProviderMigrationsFS),
		clock:      newFakeClock(),
		sink:       &recordingSink{},
	}
	env.repo = NewRepositoryManager(env.localDB, env.providerDB, env.clock.Now)
	require.NoError(t, env.repo.Validate())
	return env
}

func (e *testEnv) mapper(opts ...MapperOption) *IdentityMapper {
	base := []MapperOption{
		WithMapperClock(e.clock.Now),
		WithMapperEventSink(e.sink),
		WithMapperLogger(quietLogger{}),
		WithPasswordCost(bcrypt.MinCost),
	}
	return NewIdentityMapper(e.repo, append(base, opts...)...)
}

func (e *testEnv) orchestrator(mapper *IdentityMapper, opts ...OrchestratorOption) *SyncOrchestrator {
	base := []OrchestratorOption{
		WithOrchestratorClock(e.clock.Now),
		WithOrchestratorEventSink(e.sink),
		WithOrchestratorLogger(quietLogger{}),
	}
	return NewSyncOrchestrator(e.repo, mapper, append(base, opts...)...)
}

func (e *testEnv) createUser(t *testing.T, email string, roles ...string) *LocalUser {
	t.Helper()

	username, _, _ := strings.Cut(email, "@")
	user, err := e.repo.Users().Create(e.ctx, &LocalUser{
		ID:          uuid.New(),
		Email:       email,
		Username:    username,
		DisplayName: username,
		Roles:       roles,
	})
	require.NoError(t, err)
	return user
}

func (e *testEnv) mappingCount(t *testing.T) int {
	t.Helper()
	n, err := e.providerDB.NewSelect().Model((*IdentityMapping)(nil)).Count(e.ctx)
	require.NoError(t, err)
	return n
}

func (e *testEnv) providerUserCount(t *testing.T) int {
	t.Helper()
	n, err := e.providerDB.NewSelect().Model((*ProviderUser)(nil)).Count(e.ctx)
	require.NoError(t, err)
	return n
}

func (e *testEnv) meta(t *testing.T, userID uuid.UUID, key string) (string, bool) {
	t.Helper()
	v, ok, err := e.repo.Meta().Get(e.ctx, userID, key)
	require.NoError(t, err)
	return v, ok
}

// quietLogger drops every entry
type quietLogger struct{}

func (quietLogger) Debug(string, ...any) {}
func (quietLogger) Info(string, ...any)  {}
func (quietLogger) Warn(string, ...any)  {}
func (quietLogger) Error(string, ...any) {}

// failingDirectory wraps a Directory and fails selected operations
type failingDirectory struct {
	Directory
	mu           sync.Mutex
	failEmails   map[string]error
	mappingErr   error
	sessionsErr  error
	mappingCalls int
}

func (d *failingDirectory) InsertUserTx(ctx context.Context, tx bun.IDB, user *ProviderUser) error {
	if err, ok := d.failEmails[user.Email]; ok {
		return err
	}
	return d.Directory.InsertUserTx(ctx, tx, user)
}

func (d *failingDirectory) UpdateUserTx(ctx context.Context, tx bun.IDB, user *ProviderUser) error {
	if err, ok := d.failEmails[user.Email]; ok {
		return err
	}
	return d.Directory.UpdateUserTx(ctx, tx, user)
}

func (d *failingDirectory) MappingByProvider(ctx context.Context, providerUserID string) (*IdentityMapping, error) {
	d.mu.Lock()
	d.mappingCalls++
	err := d.mappingErr
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return d.Directory.MappingByProvider(ctx, providerUserID)
}

func (d *failingDirectory) ActiveSessions(ctx context.Context, userID string) ([]*ProviderSession, error) {
	if d.sessionsErr != nil {
		return nil, d.sessionsErr
	}
	return d.Directory.ActiveSessions(ctx, userID)
}

// wrappedRepo swaps the directory of a RepositoryManager
type wrappedRepo struct {
	RepositoryManager
	dir Directory
}

func (r wrappedRepo) Directory() Directory {
	return r.dir
}
