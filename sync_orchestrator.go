package bridge

import (
	"context"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultBulkConcurrency = 1
	DefaultBulkItemTimeout = 30 * time.Second
)

// SyncResult is the outcome of a profile push
type SyncResult struct {
	LocalUserID    string     `json:"local_user_id"`
	ProviderUserID string     `json:"provider_user_id,omitempty"`
	Status         SyncStatus `json:"status"`
	SyncedAt       time.Time  `json:"synced_at,omitempty"`
	// Linked is true when the push created the identity mapping
	Linked bool   `json:"linked"`
	Error  string `json:"error,omitempty"`
}

// BulkItem is one user in a bulk report
type BulkItem struct {
	LocalUserID    string `json:"local_user_id,omitempty"`
	ProviderUserID string `json:"provider_user_id,omitempty"`
	Email          string `json:"email"`
	Error          string `json:"error,omitempty"`
}

// BulkReport buckets every processed user, in input order
type BulkReport struct {
	Total   int        `json:"total"`
	Skipped []BulkItem `json:"skipped"`
	Synced  []BulkItem `json:"synced"`
	Failed  []BulkItem `json:"failed"`
}

// ProviderUserLister lists every identity known to the auth provider
type ProviderUserLister interface {
	ListUsers(ctx context.Context) ([]ProviderUserData, error)
}

// ProfileSyncer pushes local profile data to the auth provider
type ProfileSyncer interface {
	PushProfileSync(ctx context.Context, localUserID uuid.UUID, snapshot *ProfileSnapshot) (*SyncResult, error)
}

// SyncOrchestrator pushes local state to the auth provider, one user at a
// time or in bulk.
type SyncOrchestrator struct {
	mapper      *IdentityMapper
	users       LocalUsers
	meta        UserMetaStore
	dir         Directory
	lister      ProviderUserLister
	concurrency int
	itemTimeout time.Duration
	logger      Logger
	events      emitter
	clock       Clock
	metrics     *Metrics
}

var _ ProfileSyncer = (*SyncOrchestrator)(nil)

// OrchestratorOption configures a SyncOrchestrator
type OrchestratorOption func(*SyncOrchestrator)

// WithOrchestratorLogger sets the logger
func WithOrchestratorLogger(logger Logger) OrchestratorOption {
	return func(o *SyncOrchestrator) {
		o.logger = normalizeLogger(logger)
	}
}

// WithOrchestratorEventSink sets the event sink
func WithOrchestratorEventSink(sink EventSink) OrchestratorOption {
	return func(o *SyncOrchestrator) {
		o.events.sink = normalizeEventSink(sink)
	}
}

// WithOrchestratorClock injects the time source
func WithOrchestratorClock(clock Clock) OrchestratorOption {
	return func(o *SyncOrchestrator) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithOrchestratorMetrics records operation counters
func WithOrchestratorMetrics(m *Metrics) OrchestratorOption {
	return func(o *SyncOrchestrator) {
		o.metrics = m
	}
}

// WithBulkConcurrency bounds the bulk worker pool
func WithBulkConcurrency(n int) OrchestratorOption {
	return func(o *SyncOrchestrator) {
		if n > 0 {
			o.concurrency = n
		}
	}
}

// WithBulkItemTimeout bounds the time spent on a single bulk item
func WithBulkItemTimeout(d time.Duration) OrchestratorOption {
	return func(o *SyncOrchestrator) {
		if d > 0 {
			o.itemTimeout = d
		}
	}
}

// WithProviderUserLister sets the source used by ImportProviderUsers
func WithProviderUserLister(lister ProviderUserLister) OrchestratorOption {
	return func(o *SyncOrchestrator) {
		o.lister = lister
	}
}

// NewSyncOrchestrator builds an orchestrator on top of mapper
func NewSyncOrchestrator(repo RepositoryManager, mapper *IdentityMapper, opts ...OrchestratorOption) *SyncOrchestrator {
	o := &SyncOrchestrator{
		mapper:      mapper,
		users:       repo.Users(),
		meta:        repo.Meta(),
		dir:         repo.Directory(),
		concurrency: DefaultBulkConcurrency,
		itemTimeout: DefaultBulkItemTimeout,
		logger:      defLogger{},
		clock:       time.Now,
		events:      emitter{sink: noopEventSink{}},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	o.events.clock = o.clock
	o.events.logger = o.logger
	return o
}

// PushProfileSync writes the local profile of a user to its provider user.
// The provider side update and the sync timestamp are written in one
// transaction; failures are typed as connection or sync errors and are
// not retried here.
func (o *SyncOrchestrator) PushProfileSync(ctx context.Context, localUserID uuid.UUID, snapshot *ProfileSnapshot) (*SyncResult, error) {
	result, err := o.pushProfileSync(ctx, localUserID, snapshot)
	o.metrics.sync("push", outcomeOf(err))
	return result, err
}

func (o *SyncOrchestrator) pushProfileSync(ctx context.Context, localUserID uuid.UUID, snapshot *ProfileSnapshot) (*SyncResult, error) {
	result := &SyncResult{LocalUserID: localUserID.String()}

	user, err := o.users.FindByID(ctx, localUserID)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, ErrNotFound.Clone().WithMetadata(map[string]any{
				"local_user_id": localUserID.String(),
			})
		}
		return nil, err
	}

	if snapshot == nil {
		snapshot = SnapshotFromUser(user)
	}

	mapping, linked, err := o.mapper.EnsureProviderUser(ctx, user, WithSnapshot(snapshot))
	if err != nil {
		return o.recordFailure(ctx, result, err)
	}
	result.ProviderUserID = mapping.ProviderUserID
	result.Linked = linked

	now := o.clock().UTC()
	err = o.dir.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		pu, err := o.dir.GetUserTx(ctx, tx, mapping.ProviderUserID)
		if err != nil {
			return err
		}

		pu.Email = snapshot.Email
		pu.DisplayName = snapshot.DisplayName
		pu.Metadata = snapshot.Metadata()
		if err := o.dir.UpdateUserTx(ctx, tx, pu); err != nil {
			return err
		}

		return o.dir.SetMetaTx(ctx, tx, mapping.ProviderUserID, ProviderMetaLastSyncedAt, now.Format(time.RFC3339))
	})
	if err != nil {
		return o.recordFailure(ctx, result, classifyWriteError(err, map[string]any{
			"local_user_id":    localUserID.String(),
			"provider_user_id": mapping.ProviderUserID,
		}))
	}

	result.Status = SyncStatusSynced
	result.SyncedAt = now

	if err := o.meta.SetMany(ctx, localUserID, map[string]string{
		MetaSyncStatus: string(SyncStatusSynced),
		MetaLastSync:   formatUnix(now),
		MetaSyncError:  "",
	}); err != nil {
		o.logger.Warn("unable to record sync status", "local_user_id", localUserID.String(), "error", err)
	}

	o.events.emit(ctx, Event{
		Type:           EventProfileSynced,
		LocalUserID:    localUserID.String(),
		ProviderUserID: mapping.ProviderUserID,
	})

	return result, nil
}

func (o *SyncOrchestrator) recordFailure(ctx context.Context, result *SyncResult, err error) (*SyncResult, error) {
	result.Status = SyncStatusSyncFailed
	result.Error = err.Error()

	if id, perr := uuid.Parse(result.LocalUserID); perr == nil {
		if merr := o.meta.SetMany(ctx, id, map[string]string{
			MetaSyncStatus: string(SyncStatusSyncFailed),
			MetaSyncError:  err.Error(),
		}); merr != nil {
			o.logger.Warn("unable to record sync failure", "local_user_id", result.LocalUserID, "error", merr)
		}
	}

	o.events.emit(ctx, Event{
		Type:           EventProfileSyncFailed,
		LocalUserID:    result.LocalUserID,
		ProviderUserID: result.ProviderUserID,
		Metadata:       map[string]any{"error": err.Error()},
	})

	o.logger.Error("profile sync failed",
		"local_user_id", result.LocalUserID,
		"provider_user_id", result.ProviderUserID,
		"error", err,
	)
	return result, err
}

type bulkOutcome struct {
	item    BulkItem
	created bool
	err     error
}

// BulkSyncAll ensures a provider mapping for every local user. Items that
// fail are reported and never abort the run, so it is safe to re-run.
func (o *SyncOrchestrator) BulkSyncAll(ctx context.Context) (*BulkReport, error) {
	users, err := o.users.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	outcomes := o.runBulk(ctx, len(users), func(ctx context.Context, i int) bulkOutcome {
		user := users[i]
		out := bulkOutcome{item: BulkItem{
			LocalUserID: user.ID.String(),
			Email:       user.Email,
		}}

		mapping, created, err := o.mapper.EnsureProviderUser(ctx, user)
		if err != nil {
			out.err = err
			return out
		}
		out.item.ProviderUserID = mapping.ProviderUserID
		out.created = created
		return out
	})

	report := buildReport(outcomes)
	o.logger.Info("bulk sync finished",
		"total", report.Total,
		"skipped", len(report.Skipped),
		"synced", len(report.Synced),
		"failed", len(report.Failed),
	)
	return report, nil
}

// ImportProviderUsers links or creates a local user for every provider
// identity returned by the configured lister.
func (o *SyncOrchestrator) ImportProviderUsers(ctx context.Context) (*BulkReport, error) {
	if o.lister == nil {
		return nil, ErrValidation.Clone().WithMetadata(map[string]any{
			"reason": "no provider user lister configured",
		})
	}

	list, err := o.lister.ListUsers(ctx)
	if err != nil {
		return nil, classifyWriteError(err, map[string]any{"operation": "list_provider_users"})
	}

	outcomes := o.runBulk(ctx, len(list), func(ctx context.Context, i int) bulkOutcome {
		data := list[i]
		out := bulkOutcome{item: BulkItem{
			ProviderUserID: data.ProviderUserID,
			Email:          data.Email,
		}}

		res, err := o.mapper.LinkOrCreateLocalUser(ctx, data)
		if err != nil {
			out.err = err
			return out
		}
		out.item.LocalUserID = res.User.ID.String()
		out.created = res.Linked
		return out
	})

	report := buildReport(outcomes)
	o.logger.Info("provider import finished",
		"total", report.Total,
		"skipped", len(report.Skipped),
		"synced", len(report.Synced),
		"failed", len(report.Failed),
	)
	return report, nil
}

func (o *SyncOrchestrator) runBulk(ctx context.Context, n int, work func(ctx context.Context, i int) bulkOutcome) []bulkOutcome {
	outcomes := make([]bulkOutcome, n)

	var g errgroup.Group
	g.SetLimit(o.concurrency)

	for i := 0; i < n; i++ {
		g.Go(func() error {
			itemCtx, cancel := context.WithTimeout(ctx, o.itemTimeout)
			defer cancel()

			out := work(itemCtx, i)
			switch {
			case out.err != nil:
				o.metrics.sync("bulk", OutcomeFailure)
				o.logger.Warn("bulk item failed", "email", out.item.Email, "error", out.err)
			case out.created:
				o.metrics.sync("bulk", OutcomeCreated)
			default:
				o.metrics.sync("bulk", OutcomeSkipped)
			}
			outcomes[i] = out
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func buildReport(outcomes []bulkOutcome) *BulkReport {
	report := &BulkReport{
		Total:   len(outcomes),
		Skipped: []BulkItem{},
		Synced:  []BulkItem{},
		Failed:  []BulkItem{},
	}
	for _, out := range outcomes {
		switch {
		case out.err != nil:
			out.item.Error = out.err.Error()
			report.Failed = append(report.Failed, out.item)
		case out.created:
			report.Synced = append(report.Synced, out.item)
		default:
			report.Skipped = append(report.Skipped, out.item)
		}
	}
	return report
}

// DirectoryUserLister lists provider users straight from the provider store
type DirectoryUserLister struct {
	Directory Directory
}

// ListUsers implements ProviderUserLister
func (l DirectoryUserLister) ListUsers(ctx context.Context) ([]ProviderUserData, error) {
	users, err := l.Directory.ListUsers(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]ProviderUserData, 0, len(users))
	for _, u := range users {
		out = append(out, ProviderUserData{
			ProviderUserID: u.ID,
			Email:          u.Email,
			DisplayName:    u.DisplayName,
			Roles:          stringList(u.Metadata["roles"]),
		})
	}
	return out, nil
}

func stringList(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
