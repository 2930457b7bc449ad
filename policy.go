package bridge

import (
	"context"
	"encoding/json"
	"slices"
	"sync"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
)

// PolicyAction is what the policy engine did for one user
type PolicyAction string

const (
	PolicyActionNone     PolicyAction = "none"
	PolicyActionSynced   PolicyAction = "synced"
	PolicyActionUnsynced PolicyAction = "unsynced"
)

// PolicyReport lists the users touched by a policy change
type PolicyReport struct {
	Added     []string   `json:"added"`
	Removed   []string   `json:"removed"`
	Rejected  []string   `json:"rejected,omitempty"`
	Synced    []string   `json:"synced"`
	Unsynced  []string   `json:"unsynced"`
	Unchanged []string   `json:"unchanged"`
	Failed    []BulkItem `json:"failed"`
}

func newPolicyReport() *PolicyReport {
	return &PolicyReport{
		Added:     []string{},
		Removed:   []string{},
		Synced:    []string{},
		Unsynced:  []string{},
		Unchanged: []string{},
		Failed:    []BulkItem{},
	}
}

// PolicyEngine decides which users are synced because of their roles.
// Locked roles can never be part of the auto sync set. The auto sync set
// given at construction is the default until one is stored in settings.
type PolicyEngine struct {
	mu       sync.RWMutex
	auto     map[string]struct{}
	locked   map[string]struct{}
	mapper   *IdentityMapper
	users    LocalUsers
	meta     UserMetaStore
	settings SettingsStore
	logger  Logger
	events  emitter
	clock   Clock
	metrics *Metrics
}

// PolicyOption configures a PolicyEngine
type PolicyOption func(*PolicyEngine)

// WithAutoSyncRoles sets the initial auto sync roles
func WithAutoSyncRoles(roles ...string) PolicyOption {
	return func(p *PolicyEngine) {
		p.auto = roleSet(roles)
	}
}

// WithLockedRoles sets the roles that can never be auto synced
func WithLockedRoles(roles ...string) PolicyOption {
	return func(p *PolicyEngine) {
		p.locked = roleSet(roles)
	}
}

// WithPolicyLogger sets the logger
func WithPolicyLogger(logger Logger) PolicyOption {
	return func(p *PolicyEngine) {
		p.logger = normalizeLogger(logger)
	}
}

// WithPolicyEventSink sets the event sink
func WithPolicyEventSink(sink EventSink) PolicyOption {
	return func(p *PolicyEngine) {
		p.events.sink = normalizeEventSink(sink)
	}
}

// WithPolicyClock injects the time source
func WithPolicyClock(clock Clock) PolicyOption {
	return func(p *PolicyEngine) {
		if clock != nil {
			p.clock = clock
		}
	}
}

// WithPolicyMetrics records policy sync counters
func WithPolicyMetrics(m *Metrics) PolicyOption {
	return func(p *PolicyEngine) {
		p.metrics = m
	}
}

// NewPolicyEngine builds the engine. Locked roles given in the auto sync
// set are dropped.
func NewPolicyEngine(repo RepositoryManager, mapper *IdentityMapper, opts ...PolicyOption) *PolicyEngine {
	p := &PolicyEngine{
		auto:   map[string]struct{}{},
		locked: map[string]struct{}{},
		mapper: mapper,
		users:    repo.Users(),
		meta:     repo.Meta(),
		settings: repo.Settings(),
		logger:   defLogger{},
		clock:    time.Now,
		events:   emitter{sink: noopEventSink{}},
	}

	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}

	for role := range p.auto {
		if _, locked := p.locked[role]; locked {
			delete(p.auto, role)
			p.logger.Warn("locked role removed from auto sync roles", "role", role)
		}
	}

	p.events.clock = p.clock
	p.events.logger = p.logger
	return p
}

// AutoSyncRoles returns the current auto sync roles, sorted
func (p *PolicyEngine) AutoSyncRoles() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedRoles(p.auto)
}

// LockedRoles returns the locked roles, sorted
func (p *PolicyEngine) LockedRoles() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return sortedRoles(p.locked)
}

// SetAutoSyncRoles replaces the auto sync set and returns the roles that
// were rejected because they are locked.
func (p *PolicyEngine) SetAutoSyncRoles(roles []string) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	rejected := []string{}
	next := map[string]struct{}{}
	for _, role := range roles {
		if role == "" {
			continue
		}
		if _, locked := p.locked[role]; locked {
			if !slices.Contains(rejected, role) {
				rejected = append(rejected, role)
			}
			continue
		}
		next[role] = struct{}{}
	}
	p.auto = next
	return rejected
}

// Reload replaces the auto sync set with the one stored in settings. It
// is a no-op until a set has been stored.
func (p *PolicyEngine) Reload(ctx context.Context) error {
	if p.settings == nil {
		return nil
	}

	raw, ok, err := p.settings.Get(ctx, SettingAutoSyncRoles)
	if err != nil || !ok {
		return err
	}

	roles := []string{}
	if err := json.Unmarshal([]byte(raw), &roles); err != nil {
		return err
	}

	if rejected := p.SetAutoSyncRoles(roles); len(rejected) > 0 {
		p.logger.Warn("locked roles ignored in stored auto sync roles", "roles", rejected)
	}
	return nil
}

// refresh reloads the stored set, keeping the current one on failure
func (p *PolicyEngine) refresh(ctx context.Context) {
	if err := p.Reload(ctx); err != nil {
		p.logger.Warn("unable to load auto sync roles, using current set", "error", err)
	}
}

func (p *PolicyEngine) persist(ctx context.Context, roles []string) error {
	if p.settings == nil {
		return nil
	}
	raw, err := json.Marshal(roles)
	if err != nil {
		return err
	}
	return p.settings.Set(ctx, SettingAutoSyncRoles, string(raw))
}

// ShouldAutoSync reports whether user holds at least one auto sync role
func (p *PolicyEngine) ShouldAutoSync(user *LocalUser) bool {
	if user == nil {
		return false
	}

	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, role := range user.Roles {
		if _, ok := p.auto[role]; ok {
			return true
		}
	}
	return false
}

// OnLogin syncs a user holding an auto sync role that is not linked yet
func (p *PolicyEngine) OnLogin(ctx context.Context, user *LocalUser) (PolicyAction, error) {
	p.refresh(ctx)
	if !p.ShouldAutoSync(user) {
		return PolicyActionNone, nil
	}
	return p.syncUser(ctx, user)
}

// OnRoleChange reacts to a role assignment change of user. A user that
// gained an auto sync role is synced; a user that lost every auto sync
// role is unsynced when the policy created its mapping.
func (p *PolicyEngine) OnRoleChange(ctx context.Context, user *LocalUser, oldRoles []string) (PolicyAction, error) {
	if user == nil {
		return PolicyActionNone, nil
	}

	p.refresh(ctx)
	if p.ShouldAutoSync(user) {
		return p.syncUser(ctx, user)
	}

	if !p.ShouldAutoSync(&LocalUser{Roles: oldRoles}) {
		return PolicyActionNone, nil
	}
	return p.unsyncUser(ctx, user.ID)
}

// AssignRoles replaces the roles of a local user and runs the role change
// trigger for it.
func (p *PolicyEngine) AssignRoles(ctx context.Context, localUserID uuid.UUID, roles []string) (*LocalUser, PolicyAction, error) {
	user, err := p.findUser(ctx, localUserID)
	if err != nil {
		return nil, PolicyActionNone, err
	}

	next := difference(roles, nil)
	if len(next) == 0 {
		return nil, PolicyActionNone, ErrValidation.Clone().WithMetadata(map[string]any{
			"local_user_id": localUserID.String(),
			"reason":        "at least one role is required",
		})
	}

	previous := slices.Clone(user.Roles)
	user.Roles = next
	if err := p.users.UpdateProfile(ctx, user); err != nil {
		return nil, PolicyActionNone, err
	}

	p.events.emit(ctx, Event{
		Type:        EventRolesChanged,
		LocalUserID: localUserID.String(),
		Metadata: map[string]any{
			"old_roles": previous,
			"new_roles": next,
		},
	})

	action, err := p.OnRoleChange(ctx, user, previous)
	return user, action, err
}

// UpdateAutoSyncRoles replaces the auto sync set, stores it and applies
// the difference to the user base.
func (p *PolicyEngine) UpdateAutoSyncRoles(ctx context.Context, roles []string) (*PolicyReport, error) {
	if err := p.Reload(ctx); err != nil {
		return nil, classifyWriteError(err, map[string]any{"setting": SettingAutoSyncRoles})
	}

	previous := p.AutoSyncRoles()
	rejected := p.SetAutoSyncRoles(roles)

	if err := p.persist(ctx, p.AutoSyncRoles()); err != nil {
		p.SetAutoSyncRoles(previous)
		return nil, classifyWriteError(err, map[string]any{"setting": SettingAutoSyncRoles})
	}

	report, err := p.ApplyPolicyChange(ctx, p.AutoSyncRoles(), previous)
	if report != nil {
		report.Rejected = rejected
	}
	return report, err
}

// ApplyPolicyChange syncs unlinked users holding an added role with the
// policy source tag, and unsyncs users holding a removed role when the
// policy created their mapping and no remaining role keeps them in scope.
// Mappings with any other source are never touched.
func (p *PolicyEngine) ApplyPolicyChange(ctx context.Context, newRoles, oldRoles []string) (*PolicyReport, error) {
	report := newPolicyReport()

	p.mu.RLock()
	for _, role := range difference(newRoles, oldRoles) {
		if _, locked := p.locked[role]; locked {
			report.Rejected = append(report.Rejected, role)
			continue
		}
		report.Added = append(report.Added, role)
	}
	p.mu.RUnlock()
	report.Removed = difference(oldRoles, newRoles)

	if len(report.Added) > 0 {
		users, err := p.users.ListWithAnyRole(ctx, report.Added)
		if err != nil {
			return nil, err
		}
		for _, user := range users {
			action, err := p.syncUser(ctx, user)
			p.record(report, user, action, err)
		}
	}

	if len(report.Removed) > 0 {
		users, err := p.users.ListWithAnyRole(ctx, report.Removed)
		if err != nil {
			return nil, err
		}
		for _, user := range users {
			if holdsAny(user, newRoles) {
				report.Unchanged = append(report.Unchanged, user.ID.String())
				continue
			}
			action, err := p.unsyncUser(ctx, user.ID)
			p.record(report, user, action, err)
		}
	}

	p.events.emit(ctx, Event{
		Type: EventPolicyChanged,
		Metadata: map[string]any{
			"added":    report.Added,
			"removed":  report.Removed,
			"synced":   len(report.Synced),
			"unsynced": len(report.Unsynced),
			"failed":   len(report.Failed),
		},
	})

	p.logger.Info("auto sync policy applied",
		"added", report.Added,
		"removed", report.Removed,
		"synced", len(report.Synced),
		"unsynced", len(report.Unsynced),
		"failed", len(report.Failed),
	)

	return report, nil
}

func (p *PolicyEngine) record(report *PolicyReport, user *LocalUser, action PolicyAction, err error) {
	id := user.ID.String()
	switch {
	case err != nil:
		report.Failed = append(report.Failed, BulkItem{
			LocalUserID: id,
			Email:       user.Email,
			Error:       err.Error(),
		})
	case action == PolicyActionSynced:
		report.Synced = append(report.Synced, id)
	case action == PolicyActionUnsynced:
		report.Unsynced = append(report.Unsynced, id)
	default:
		report.Unchanged = append(report.Unchanged, id)
	}
}

func (p *PolicyEngine) syncUser(ctx context.Context, user *LocalUser) (PolicyAction, error) {
	source, err := p.mapper.SyncSourceOf(ctx, user.ID)
	if err != nil {
		return PolicyActionNone, err
	}
	if source == SyncSourceLocked {
		return PolicyActionNone, nil
	}

	_, created, err := p.mapper.EnsureProviderUser(ctx, user, WithSyncSource(SyncSourcePolicy))
	if err != nil {
		p.metrics.sync("policy", OutcomeFailure)
		return PolicyActionNone, err
	}
	if !created {
		p.metrics.sync("policy", OutcomeSkipped)
		return PolicyActionNone, nil
	}
	p.metrics.sync("policy", OutcomeCreated)
	return PolicyActionSynced, nil
}

func (p *PolicyEngine) unsyncUser(ctx context.Context, localUserID uuid.UUID) (PolicyAction, error) {
	source, err := p.mapper.SyncSourceOf(ctx, localUserID)
	if err != nil {
		return PolicyActionNone, err
	}
	if source != SyncSourcePolicy {
		return PolicyActionNone, nil
	}

	if err := p.mapper.Unsync(ctx, localUserID); err != nil {
		if IsNotLinked(err) {
			return PolicyActionNone, nil
		}
		return PolicyActionNone, err
	}
	return PolicyActionUnsynced, nil
}

// Lock excludes a user from every policy driven sync or unsync
func (p *PolicyEngine) Lock(ctx context.Context, localUserID uuid.UUID) error {
	if err := p.requireUser(ctx, localUserID); err != nil {
		return err
	}
	return p.meta.Set(ctx, localUserID, MetaSyncSource, string(SyncSourceLocked))
}

// Unlock clears the lock. A linked user keeps its mapping as manual.
func (p *PolicyEngine) Unlock(ctx context.Context, localUserID uuid.UUID) error {
	if err := p.requireUser(ctx, localUserID); err != nil {
		return err
	}

	source, err := p.mapper.SyncSourceOf(ctx, localUserID)
	if err != nil || source != SyncSourceLocked {
		return err
	}

	if _, err := p.mapper.MappingForLocalUser(ctx, localUserID); err != nil {
		if repository.IsRecordNotFound(err) {
			return p.meta.Delete(ctx, localUserID, MetaSyncSource)
		}
		return err
	}
	return p.meta.Set(ctx, localUserID, MetaSyncSource, string(SyncSourceManual))
}

func (p *PolicyEngine) requireUser(ctx context.Context, localUserID uuid.UUID) error {
	_, err := p.findUser(ctx, localUserID)
	return err
}

func (p *PolicyEngine) findUser(ctx context.Context, localUserID uuid.UUID) (*LocalUser, error) {
	user, err := p.users.FindByID(ctx, localUserID)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, ErrNotFound.Clone().WithMetadata(map[string]any{
				"local_user_id": localUserID.String(),
			})
		}
		return nil, err
	}
	return user, nil
}

func roleSet(roles []string) map[string]struct{} {
	out := make(map[string]struct{}, len(roles))
	for _, role := range roles {
		if role != "" {
			out[role] = struct{}{}
		}
	}
	return out
}

func sortedRoles(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for role := range set {
		out = append(out, role)
	}
	slices.Sort(out)
	return out
}

// difference returns the roles of a missing from b, in the order of a
func difference(a, b []string) []string {
	out := []string{}
	for _, role := range a {
		if role == "" || slices.Contains(b, role) || slices.Contains(out, role) {
			continue
		}
		out = append(out, role)
	}
	return out
}

func holdsAny(user *LocalUser, roles []string) bool {
	for _, role := range roles {
		if user.HasRole(role) {
			return true
		}
	}
	return false
}
