package bridge

import (
	"time"
)

// Bridge bundles the components built from a Config
type Bridge struct {
	Mapper    *IdentityMapper
	Sessions  *SessionManager
	Sync      *SyncOrchestrator
	Policy    *PolicyEngine
	Webhooks  *WebhookHandler
	Validator *SignatureValidator
	Metrics   *Metrics
}

// LoggerFactory returns a named logger, glog's GetLogger fits
type LoggerFactory func(name string) Logger

type buildOptions struct {
	loggers LoggerFactory
	sink    EventSink
	clock   Clock
	cache   SessionCache
	metrics *Metrics
	lister  ProviderUserLister
	remote  RemoteProvider
	sleep   Sleeper
}

// Option configures New
type Option func(*buildOptions)

// WithLoggerFactory names one logger per component
func WithLoggerFactory(f LoggerFactory) Option {
	return func(o *buildOptions) {
		if f != nil {
			o.loggers = f
		}
	}
}

// WithEventSink receives every lifecycle event
func WithEventSink(sink EventSink) Option {
	return func(o *buildOptions) {
		o.sink = sink
	}
}

// WithClock injects the time source of every component
func WithClock(clock Clock) Option {
	return func(o *buildOptions) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithSessionCacheBackend replaces the meta backed session cache
func WithSessionCacheBackend(cache SessionCache) Option {
	return func(o *buildOptions) {
		o.cache = cache
	}
}

// WithMetrics records operation counters
func WithMetrics(m *Metrics) Option {
	return func(o *buildOptions) {
		o.metrics = m
	}
}

// WithUserLister sets the provider user source used by imports
func WithUserLister(lister ProviderUserLister) Option {
	return func(o *buildOptions) {
		o.lister = lister
	}
}

// WithRemoteProvider creates provider identities and sessions through the
// provider API
func WithRemoteProvider(remote RemoteProvider) Option {
	return func(o *buildOptions) {
		o.remote = remote
	}
}

// WithSleeper replaces the retry sleeper
func WithSleeper(sleep Sleeper) Option {
	return func(o *buildOptions) {
		if sleep != nil {
			o.sleep = sleep
		}
	}
}

// New wires every bridge component over repo using cfg
func New(cfg Config, repo RepositoryManager, opts ...Option) (*Bridge, error) {
	o := &buildOptions{
		loggers: func(string) Logger { return defLogger{} },
		clock:   time.Now,
		sleep:   contextSleep,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}

	if o.cache == nil {
		o.cache = NewMetaSessionCache(repo.Meta())
	}
	if o.lister == nil {
		o.lister = DirectoryUserLister{Directory: repo.Directory()}
	}

	mapper := NewIdentityMapper(repo,
		WithMapperLogger(o.loggers("bridge:mapper")),
		WithMapperEventSink(o.sink),
		WithMapperClock(o.clock),
		WithMapperSessionCache(o.cache),
		WithDeterministicIDs(cfg.GetDeterministicIDs()),
		WithMapperRemoteProvider(o.remote),
	)

	orchestrator := NewSyncOrchestrator(repo, mapper,
		WithOrchestratorLogger(o.loggers("bridge:sync")),
		WithOrchestratorEventSink(o.sink),
		WithOrchestratorClock(o.clock),
		WithOrchestratorMetrics(o.metrics),
		WithBulkConcurrency(cfg.GetBulkConcurrency()),
		WithBulkItemTimeout(cfg.GetBulkItemTimeout()),
		WithProviderUserLister(o.lister),
	)

	decoder := NewTokenDecoder(cfg.GetProviderJWTSecret(), o.clock)
	if url := cfg.GetProviderJWKSURL(); url != "" {
		kf, err := NewJWKSKeyfunc(url, o.loggers("bridge:jwks"))
		if err != nil {
			return nil, err
		}
		decoder.WithKeyfunc(kf)
	}

	lookup := NewRetryPolicy(cfg.GetLookupAttempts(), cfg.GetLookupDelay())
	lookup.Sleep = o.sleep
	resync := NewRetryPolicy(cfg.GetSyncAttempts(), cfg.GetSyncDelay())
	resync.Sleep = o.sleep

	policy := NewPolicyEngine(repo, mapper,
		WithAutoSyncRoles(cfg.GetAutoSyncRoles()...),
		WithLockedRoles(cfg.GetLockedRoles()...),
		WithPolicyLogger(o.loggers("bridge:policy")),
		WithPolicyEventSink(o.sink),
		WithPolicyClock(o.clock),
		WithPolicyMetrics(o.metrics),
	)

	sessionOpts := []SessionOption{
		WithSessionLogger(o.loggers("bridge:session")),
		WithSessionEventSink(o.sink),
		WithSessionClock(o.clock),
		WithSessionCache(o.cache),
		WithSessionMetrics(o.metrics),
		WithSessionTTL(cfg.GetSessionTTL()),
		WithLookupRetry(lookup),
		WithSyncRetry(resync),
		WithTokenDecoder(decoder),
		WithProfileSyncer(orchestrator),
		WithLoginPolicy(policy),
		WithSessionRemoteProvider(o.remote),
	}
	if key := cfg.GetLocalSigningKey(); key != "" {
		sessionOpts = append(sessionOpts,
			WithLocalTokenSigner(NewLocalTokenSigner(key, cfg.GetSessionTTL(), o.clock)),
		)
	}
	sessions := NewSessionManager(repo, sessionOpts...)

	webhooks := NewWebhookHandler(repo, mapper,
		WithWebhookLogger(o.loggers("bridge:webhooks")),
		WithWebhookEventSink(o.sink),
		WithWebhookClock(o.clock),
		WithWebhookSessionCache(o.cache),
		WithWebhookSessionTTL(cfg.GetSessionTTL()),
		WithWebhookMetrics(o.metrics),
	)

	validator := NewSignatureValidator(
		WithSignatureWindow(cfg.GetSignatureWindow()),
		WithSignatureClock(o.clock),
	)

	return &Bridge{
		Mapper:    mapper,
		Sessions:  sessions,
		Sync:      orchestrator,
		Policy:    policy,
		Webhooks:  webhooks,
		Validator: validator,
		Metrics:   o.metrics,
	}, nil
}

// HTTPServices exposes the bridge components to the HTTP controller
func (b *Bridge) HTTPServices() HTTPServices {
	return HTTPServices{
		Mapper:    b.Mapper,
		Sessions:  b.Sessions,
		Sync:      b.Sync,
		Policy:    b.Policy,
		Webhooks:  b.Webhooks,
		Validator: b.Validator,
	}
}
