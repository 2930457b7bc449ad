package bridge

import (
	"context"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

const sessionTokenBytes = 32

// SessionState is the lifecycle state of the local session of a user
type SessionState string

const (
	SessionStateNone    SessionState = "no_session"
	SessionStateActive  SessionState = "active"
	SessionStateExpired SessionState = "expired"
	SessionStateRevoked SessionState = "revoked"
)

// SessionInfo is returned when a local session is established
type SessionInfo struct {
	LocalUserID    string    `json:"local_user_id"`
	ProviderUserID string    `json:"provider_user_id"`
	Token          string    `json:"session_token"`
	LoginAt        time.Time `json:"login_at"`
	ExpiresAt      time.Time `json:"expires_at"`
	// LocalToken is the signed cookie value, empty without a signing key
	LocalToken          string    `json:"local_token,omitempty"`
	LocalTokenExpiresAt time.Time `json:"local_token_expires_at,omitempty"`
}

// ValidationResult is the outcome of ValidateInboundToken
type ValidationResult struct {
	User           *LocalUser `json:"user"`
	ProviderUserID string     `json:"provider_user_id"`
	DisplayName    string     `json:"display_name"`
	Email          string     `json:"email"`
	SyncStatus     SyncStatus `json:"sync_status"`
	// Degraded is set when a provider store read failed and local data
	// was used instead
	Degraded  bool `json:"degraded"`
	Refreshed bool `json:"refreshed"`
	// LocalToken is the signed cookie value, empty without a signing key
	LocalToken          string    `json:"local_token,omitempty"`
	LocalTokenExpiresAt time.Time `json:"local_token_expires_at,omitempty"`
}

// SessionCheck is the payload of the session check endpoint
type SessionCheck struct {
	LoggedIn     bool   `json:"loggedIn"`
	SessionToken string `json:"sessionToken,omitempty"`
	UserID       string `json:"userId,omitempty"`
}

// SessionManager creates, validates and ends local sessions for linked
// users and mirrors them with the auth provider.
type SessionManager struct {
	users       LocalUsers
	meta        UserMetaStore
	dir         Directory
	cache       SessionCache
	decoder     *TokenDecoder
	signer      *LocalTokenSigner
	syncer      ProfileSyncer
	login       LoginPolicy
	remote      RemoteProvider
	lookupRetry RetryPolicy
	syncRetry   RetryPolicy
	ttl         time.Duration
	logger      Logger
	events      emitter
	clock       Clock
	metrics     *Metrics
}

// SessionOption configures a SessionManager
type SessionOption func(*SessionManager)

// WithSessionLogger sets the logger
func WithSessionLogger(logger Logger) SessionOption {
	return func(s *SessionManager) {
		s.logger = normalizeLogger(logger)
	}
}

// WithSessionEventSink sets the event sink
func WithSessionEventSink(sink EventSink) SessionOption {
	return func(s *SessionManager) {
		s.events.sink = normalizeEventSink(sink)
	}
}

// WithSessionClock injects the time source
func WithSessionClock(clock Clock) SessionOption {
	return func(s *SessionManager) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithSessionCache replaces the meta backed session cache
func WithSessionCache(cache SessionCache) SessionOption {
	return func(s *SessionManager) {
		if cache != nil {
			s.cache = cache
		}
	}
}

// WithSessionMetrics records session counters
func WithSessionMetrics(m *Metrics) SessionOption {
	return func(s *SessionManager) {
		s.metrics = m
	}
}

// WithSessionTTL sets the lifetime of new sessions
func WithSessionTTL(ttl time.Duration) SessionOption {
	return func(s *SessionManager) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithLookupRetry sets the policy used to resolve the mapping of an
// inbound token subject.
func WithLookupRetry(policy RetryPolicy) SessionOption {
	return func(s *SessionManager) {
		s.lookupRetry = policy
	}
}

// WithSyncRetry sets the policy wrapping the post validation resync
func WithSyncRetry(policy RetryPolicy) SessionOption {
	return func(s *SessionManager) {
		s.syncRetry = policy
	}
}

// WithTokenDecoder sets the inbound token decoder
func WithTokenDecoder(decoder *TokenDecoder) SessionOption {
	return func(s *SessionManager) {
		if decoder != nil {
			s.decoder = decoder
		}
	}
}

// WithLocalTokenSigner enables the signed local session cookie
func WithLocalTokenSigner(signer *LocalTokenSigner) SessionOption {
	return func(s *SessionManager) {
		s.signer = signer
	}
}

// WithProfileSyncer sets the syncer used for the best effort resync
func WithProfileSyncer(syncer ProfileSyncer) SessionOption {
	return func(s *SessionManager) {
		s.syncer = syncer
	}
}

// LoginPolicy runs when a user logs in, before the mapping is required
type LoginPolicy interface {
	OnLogin(ctx context.Context, user *LocalUser) (PolicyAction, error)
}

// WithLoginPolicy runs policy on every CreateSession
func WithLoginPolicy(policy LoginPolicy) SessionOption {
	return func(s *SessionManager) {
		s.login = policy
	}
}

// WithSessionRemoteProvider issues sessions through the provider API
// instead of writing them to the provider store.
func WithSessionRemoteProvider(remote RemoteProvider) SessionOption {
	return func(s *SessionManager) {
		s.remote = remote
	}
}

// NewSessionManager builds a session manager over repo
func NewSessionManager(repo RepositoryManager, opts ...SessionOption) *SessionManager {
	s := &SessionManager{
		users:       repo.Users(),
		meta:        repo.Meta(),
		dir:         repo.Directory(),
		lookupRetry: NewRetryPolicy(DefaultLookupAttempts, DefaultLookupDelay),
		syncRetry:   NewRetryPolicy(DefaultSyncAttempts, DefaultSyncDelay),
		ttl:         DefaultSessionTTL,
		logger:      defLogger{},
		clock:       time.Now,
		events:      emitter{sink: noopEventSink{}},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	if s.cache == nil {
		s.cache = NewMetaSessionCache(s.meta)
	}
	if s.decoder == nil {
		s.decoder = NewTokenDecoder("", s.clock)
	}
	if s.lookupRetry.Retryable == nil {
		s.lookupRetry.Retryable = lookupRetryable
	}

	s.events.clock = s.clock
	s.events.logger = s.logger
	return s
}

// lookupRetryable also retries missing mappings, a freshly created
// identity may not be visible yet.
func lookupRetryable(err error) bool {
	return err != nil && !isTerminal(err)
}

// CreateSession establishes a local session for a linked user
func (s *SessionManager) CreateSession(ctx context.Context, localUserID uuid.UUID) (*SessionInfo, error) {
	info, err := s.createSession(ctx, localUserID)
	s.metrics.session("create", outcomeOf(err))
	return info, err
}

func (s *SessionManager) createSession(ctx context.Context, localUserID uuid.UUID) (*SessionInfo, error) {
	md := map[string]any{"local_user_id": localUserID.String()}

	s.runLoginPolicy(ctx, localUserID)

	mapping, err := s.dir.MappingByLocal(ctx, localUserID)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, ErrNotLinked.Clone().WithMetadata(md)
		}
		return nil, classifyWriteError(err, md)
	}

	now := s.clock().UTC()
	token, expiresAt, err := s.issueSession(ctx, mapping.ProviderUserID, now)
	if err != nil {
		return nil, classifyWriteError(err, md)
	}

	if err := s.cache.Put(ctx, localUserID, CachedSession{
		Token:     token,
		LoginAt:   now,
		ExpiresAt: expiresAt,
	}); err != nil {
		return nil, err
	}

	info := &SessionInfo{
		LocalUserID:    localUserID.String(),
		ProviderUserID: mapping.ProviderUserID,
		Token:          token,
		LoginAt:        now,
		ExpiresAt:      expiresAt,
	}

	if s.signer != nil {
		info.LocalToken, info.LocalTokenExpiresAt, err = s.signer.Mint(localUserID.String(), mapping.ProviderUserID)
		if err != nil {
			return nil, err
		}
	}

	s.events.emit(ctx, Event{
		Type:           EventSessionCreated,
		LocalUserID:    localUserID.String(),
		ProviderUserID: mapping.ProviderUserID,
	})

	s.logger.Info("session created",
		"local_user_id", localUserID.String(),
		"provider_user_id", mapping.ProviderUserID,
	)

	return info, nil
}

// runLoginPolicy lets the auto sync policy link the user before the
// session requires a mapping. Failures only leave the user unlinked.
func (s *SessionManager) runLoginPolicy(ctx context.Context, localUserID uuid.UUID) {
	if s.login == nil {
		return
	}

	user, err := s.users.FindByID(ctx, localUserID)
	if err != nil {
		if !repository.IsRecordNotFound(err) {
			s.logger.Warn("login policy skipped", "local_user_id", localUserID.String(), "error", err)
		}
		return
	}

	if _, err := s.login.OnLogin(ctx, user); err != nil {
		s.logger.Warn("login policy failed", "local_user_id", localUserID.String(), "error", err)
	}
}

// issueSession opens the provider session, through the provider API when
// one is configured.
func (s *SessionManager) issueSession(ctx context.Context, providerUserID string, now time.Time) (string, time.Time, error) {
	expiresAt := now.Add(s.ttl)

	if s.remote != nil {
		remote, err := s.remote.CreateSession(ctx, providerUserID)
		if err != nil {
			return "", time.Time{}, err
		}
		if remote.Token == "" {
			return "", time.Time{}, ErrSyncFailed.Clone().WithMetadata(map[string]any{
				"provider_user_id": providerUserID,
				"reason":           "provider issued an empty session token",
			})
		}
		if remote.ExpiresAt.After(now) {
			expiresAt = remote.ExpiresAt.UTC()
		}
		return remote.Token, expiresAt, nil
	}

	token, err := randomToken(sessionTokenBytes)
	if err != nil {
		return "", time.Time{}, err
	}

	if err := s.dir.CreateSession(ctx, &ProviderSession{
		UserID:    providerUserID,
		Token:     token,
		ExpiresAt: expiresAt,
	}); err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// ValidateInboundToken resolves the local user behind a provider issued
// bearer token. Provider store outages degrade to local data, a missing
// or stale local session is refreshed, and a failed resync only marks the
// result as sync_failed.
func (s *SessionManager) ValidateInboundToken(ctx context.Context, token string) (*ValidationResult, error) {
	result, err := s.validateInboundToken(ctx, token)
	s.metrics.session("validate", outcomeOf(err))
	return result, err
}

func (s *SessionManager) validateInboundToken(ctx context.Context, token string) (*ValidationResult, error) {
	inbound, err := s.decoder.Decode(token)
	if err != nil {
		return nil, err
	}

	result := &ValidationResult{ProviderUserID: inbound.Subject}
	md := map[string]any{"provider_user_id": inbound.Subject}

	localUserID, degraded, err := s.resolveSubject(ctx, inbound.Subject)
	if err != nil {
		return nil, err
	}
	result.Degraded = degraded

	user, err := s.users.FindByID(ctx, localUserID)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, ErrUserNotFound.Clone().WithMetadata(md)
		}
		return nil, err
	}
	result.User = user
	result.Email = user.Email
	result.DisplayName = user.DisplayName

	now := s.clock().UTC()

	sessions, err := s.dir.ActiveSessions(ctx, inbound.Subject)
	if err != nil {
		result.Degraded = true
		s.logger.Warn("provider session check failed, continuing with local validation",
			"provider_user_id", inbound.Subject,
			"error", err,
		)
	} else if !hasLiveSession(sessions, inbound.Raw, now) {
		return nil, ErrSessionInvalid.Clone().WithMetadata(md)
	}

	result.Refreshed = s.refreshCachedSession(ctx, user.ID, inbound, now)
	result.SyncStatus = s.resync(ctx, user.ID)

	if s.signer != nil {
		result.LocalToken, result.LocalTokenExpiresAt, err = s.signer.Mint(user.ID.String(), inbound.Subject)
		if err != nil {
			return nil, err
		}
	}

	return result, nil
}

// resolveSubject finds the local user mapped to a provider subject. Store
// errors that outlast the retry policy fall back to the local meta copy
// of the provider id.
func (s *SessionManager) resolveSubject(ctx context.Context, subject string) (uuid.UUID, bool, error) {
	md := map[string]any{"provider_user_id": subject}

	var mapping *IdentityMapping
	err := s.lookupRetry.Do(ctx, func(ctx context.Context) error {
		found, err := s.dir.MappingByProvider(ctx, subject)
		if err != nil {
			if repository.IsRecordNotFound(err) {
				return ErrUserNotFound.Clone().WithMetadata(md)
			}
			return err
		}
		mapping = found
		return nil
	})
	if err == nil {
		return mapping.LocalUserID, false, nil
	}
	if IsNotFound(err) || isTerminal(err) {
		return uuid.Nil, false, err
	}

	s.logger.Warn("provider mapping lookup failed, using local meta",
		"provider_user_id", subject,
		"error", err,
	)

	localUserID, ferr := s.meta.FindUserID(ctx, MetaProviderUserID, subject)
	if ferr != nil {
		if repository.IsRecordNotFound(ferr) {
			return uuid.Nil, true, ErrUserNotFound.Clone().WithMetadata(md)
		}
		return uuid.Nil, true, classifyWriteError(ferr, md)
	}
	return localUserID, true, nil
}

func hasLiveSession(sessions []*ProviderSession, token string, now time.Time) bool {
	for _, session := range sessions {
		if session.Token == token && session.Live(now) {
			return true
		}
	}
	return false
}

func (s *SessionManager) refreshCachedSession(ctx context.Context, localUserID uuid.UUID, inbound *InboundToken, now time.Time) bool {
	cached, ok, err := s.cache.Get(ctx, localUserID)
	if err != nil {
		s.logger.Warn("unable to read cached session", "local_user_id", localUserID.String(), "error", err)
	}
	if ok && !cached.Expired(now) && cached.Token == inbound.Raw {
		return false
	}

	expiresAt := inbound.ExpiresAt
	if expiresAt.IsZero() || !expiresAt.After(now) {
		expiresAt = now.Add(s.ttl)
	}

	if err := s.cache.Put(ctx, localUserID, CachedSession{
		Token:     inbound.Raw,
		LoginAt:   now,
		ExpiresAt: expiresAt,
	}); err != nil {
		s.logger.Warn("unable to refresh cached session", "local_user_id", localUserID.String(), "error", err)
		return false
	}

	s.events.emit(ctx, Event{
		Type:           EventSessionRefreshed,
		LocalUserID:    localUserID.String(),
		ProviderUserID: inbound.Subject,
	})
	s.metrics.session("refresh", OutcomeSuccess)
	return true
}

func (s *SessionManager) resync(ctx context.Context, localUserID uuid.UUID) SyncStatus {
	if s.syncer == nil {
		v, _, err := s.meta.Get(ctx, localUserID, MetaSyncStatus)
		if err != nil {
			return SyncStatusUnknown
		}
		return SyncStatus(v)
	}

	err := s.syncRetry.Do(ctx, func(ctx context.Context) error {
		_, err := s.syncer.PushProfileSync(ctx, localUserID, nil)
		return err
	})
	if err != nil {
		s.logger.Warn("metadata resync failed", "local_user_id", localUserID.String(), "error", err)
		return SyncStatusSyncFailed
	}
	return SyncStatusSynced
}

// EndSession clears the cached session of a user
func (s *SessionManager) EndSession(ctx context.Context, localUserID uuid.UUID) error {
	err := s.cache.Delete(ctx, localUserID)
	s.metrics.session("end", outcomeOf(err))
	if err != nil {
		return err
	}

	s.events.emit(ctx, Event{
		Type:        EventSessionEnded,
		LocalUserID: localUserID.String(),
	})
	return nil
}

// SessionStatus resolves the local session cookie value
func (s *SessionManager) SessionStatus(ctx context.Context, localToken string) SessionCheck {
	if s.signer == nil || localToken == "" {
		return SessionCheck{}
	}

	claims, err := s.signer.Parse(localToken)
	if err != nil {
		return SessionCheck{}
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return SessionCheck{}
	}

	cached, ok, err := s.cache.Get(ctx, userID)
	if err != nil || !ok || cached.Expired(s.clock()) {
		return SessionCheck{}
	}

	return SessionCheck{
		LoggedIn:     true,
		SessionToken: cached.Token,
		UserID:       userID.String(),
	}
}

// SessionState reports the lifecycle state of the session of a user
func (s *SessionManager) SessionState(ctx context.Context, localUserID uuid.UUID) (SessionState, error) {
	cached, ok, err := s.cache.Get(ctx, localUserID)
	if err != nil {
		return "", err
	}
	if !ok {
		return SessionStateNone, nil
	}

	row, err := s.dir.FindSessionByToken(ctx, cached.Token)
	switch {
	case err == nil && row.Revoked:
		return SessionStateRevoked, nil
	case err != nil && !repository.IsRecordNotFound(err):
		s.logger.Warn("provider session lookup failed", "local_user_id", localUserID.String(), "error", err)
	}

	if cached.Expired(s.clock()) {
		return SessionStateExpired, nil
	}
	return SessionStateActive, nil
}

// ReapSession clears an expired or revoked session so the user is back to
// no session. Active sessions are left alone.
func (s *SessionManager) ReapSession(ctx context.Context, localUserID uuid.UUID) (SessionState, error) {
	state, err := s.SessionState(ctx, localUserID)
	if err != nil {
		return "", err
	}

	switch state {
	case SessionStateExpired, SessionStateRevoked:
		if err := s.EndSession(ctx, localUserID); err != nil {
			return state, err
		}
		return SessionStateNone, nil
	}
	return state, nil
}
