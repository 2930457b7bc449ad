package bridge

import (
	"context"
	"errors"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
	"github.com/goliatone/go-repository-bun"
	"github.com/goliatone/hashid/pkg/hashid"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

var errMappingRace = errors.New("identity mapping inserted concurrently")

// IdentityMapper links local users and auth provider users. Mapping rows
// are created at most once per local user and are only removed by Unsync.
type IdentityMapper struct {
	users            LocalUsers
	meta             UserMetaStore
	dir              Directory
	cache            SessionCache
	remote           RemoteProvider
	logger           Logger
	events           emitter
	clock            Clock
	deterministicIDs bool
	passwordCost     int
}

// MapperOption configures an IdentityMapper
type MapperOption func(*IdentityMapper)

// WithMapperLogger sets the logger
func WithMapperLogger(logger Logger) MapperOption {
	return func(m *IdentityMapper) {
		m.logger = normalizeLogger(logger)
	}
}

// WithMapperEventSink sets the event sink
func WithMapperEventSink(sink EventSink) MapperOption {
	return func(m *IdentityMapper) {
		m.events.sink = normalizeEventSink(sink)
	}
}

// WithMapperClock injects the time source
func WithMapperClock(clock Clock) MapperOption {
	return func(m *IdentityMapper) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithMapperSessionCache sets the cache cleared on unsync
func WithMapperSessionCache(cache SessionCache) MapperOption {
	return func(m *IdentityMapper) {
		if cache != nil {
			m.cache = cache
		}
	}
}

// WithMapperRemoteProvider creates every new provider identity through
// the provider API as well, inside the mapping transaction.
func WithMapperRemoteProvider(remote RemoteProvider) MapperOption {
	return func(m *IdentityMapper) {
		m.remote = remote
	}
}

// WithDeterministicIDs derives new provider user ids from the email
func WithDeterministicIDs(enabled bool) MapperOption {
	return func(m *IdentityMapper) {
		m.deterministicIDs = enabled
	}
}

// WithPasswordCost sets the bcrypt cost for created local users
func WithPasswordCost(cost int) MapperOption {
	return func(m *IdentityMapper) {
		m.passwordCost = cost
	}
}

// NewIdentityMapper builds a mapper over the repositories in repo
func NewIdentityMapper(repo RepositoryManager, opts ...MapperOption) *IdentityMapper {
	m := &IdentityMapper{
		users:        repo.Users(),
		meta:         repo.Meta(),
		dir:          repo.Directory(),
		logger:       defLogger{},
		clock:        time.Now,
		passwordCost: DefaultPasswordCost,
		events: emitter{
			sink: noopEventSink{},
		},
	}
	m.cache = NewMetaSessionCache(m.meta)

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	m.events.clock = m.clock
	m.events.logger = m.logger
	return m
}

type ensureOptions struct {
	source   SyncSource
	snapshot *ProfileSnapshot
}

// EnsureOption configures a single EnsureProviderUser call
type EnsureOption func(*ensureOptions)

// WithSyncSource tags why the mapping is created
func WithSyncSource(source SyncSource) EnsureOption {
	return func(o *ensureOptions) {
		if source != "" {
			o.source = source
		}
	}
}

// WithSnapshot uses snapshot instead of building one from the user
func WithSnapshot(snapshot *ProfileSnapshot) EnsureOption {
	return func(o *ensureOptions) {
		o.snapshot = snapshot
	}
}

// MappingForLocalUser returns the mapping of a local user
func (m *IdentityMapper) MappingForLocalUser(ctx context.Context, localUserID uuid.UUID) (*IdentityMapping, error) {
	return m.dir.MappingByLocal(ctx, localUserID)
}

// MappingForProviderUser returns the mapping of a provider user
func (m *IdentityMapper) MappingForProviderUser(ctx context.Context, providerUserID string) (*IdentityMapping, error) {
	return m.dir.MappingByProvider(ctx, providerUserID)
}

// EnsureProviderUser returns the provider mapping of user, creating the
// provider user and the mapping when missing. created is true only for
// the call that inserted the mapping.
func (m *IdentityMapper) EnsureProviderUser(ctx context.Context, user *LocalUser, opts ...EnsureOption) (*IdentityMapping, bool, error) {
	if user == nil || user.ID == uuid.Nil || strings.TrimSpace(user.Email) == "" {
		return nil, false, ErrValidation.Clone().WithMetadata(map[string]any{
			"reason": "local user with id and email required",
		})
	}

	o := ensureOptions{source: SyncSourceManual}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	md := map[string]any{"local_user_id": user.ID.String()}

	existing, err := m.dir.MappingByLocal(ctx, user.ID)
	if err == nil {
		return existing, false, nil
	}
	if !repository.IsRecordNotFound(err) {
		return nil, false, classifyWriteError(err, md)
	}

	snapshot := o.snapshot
	if snapshot == nil {
		snapshot = SnapshotFromUser(user)
	}

	var mapping *IdentityMapping
	err = m.dir.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		providerID, err := m.resolveProviderUserTx(ctx, tx, user.ID, snapshot)
		if err != nil {
			return err
		}

		mapping = &IdentityMapping{
			LocalUserID:    user.ID,
			ProviderUserID: providerID,
			CreatedAt:      m.clock().UTC(),
		}

		inserted, err := m.dir.InsertMappingTx(ctx, tx, mapping)
		if err != nil {
			return err
		}
		if !inserted {
			return errMappingRace
		}
		return m.createRemoteUser(ctx, providerID, snapshot)
	})

	if errors.Is(err, errMappingRace) {
		winner, werr := m.dir.MappingByLocal(ctx, user.ID)
		if werr != nil {
			return nil, false, classifyWriteError(werr, md)
		}
		return winner, false, nil
	}

	if err != nil {
		if IsAlreadyLinked(err) || IsValidation(err) {
			return nil, false, err
		}
		return nil, false, classifyWriteError(err, md)
	}

	m.recordLink(ctx, user.ID, mapping.ProviderUserID, o.source)

	m.events.emit(ctx, Event{
		Type:           EventIdentityLinked,
		LocalUserID:    user.ID.String(),
		ProviderUserID: mapping.ProviderUserID,
		Source:         o.source,
	})

	m.logger.Info("identity linked",
		"local_user_id", user.ID.String(),
		"provider_user_id", mapping.ProviderUserID,
		"source", string(o.source),
	)

	return mapping, true, nil
}

func (m *IdentityMapper) createRemoteUser(ctx context.Context, providerUserID string, snap *ProfileSnapshot) error {
	if m.remote == nil {
		return nil
	}

	_, err := m.remote.CreateUser(ctx, ProviderUserData{
		ProviderUserID: providerUserID,
		Email:          snap.Email,
		DisplayName:    snap.DisplayName,
		Roles:          snap.Roles,
	})
	if err != nil {
		m.logger.Warn("provider api rejected identity",
			"local_user_id", snap.LocalUserID,
			"provider_user_id", providerUserID,
			"error", err,
		)
	}
	return err
}

// resolveProviderUserTx adopts an unmapped provider user with the same
// email or inserts a new one.
func (m *IdentityMapper) resolveProviderUserTx(ctx context.Context, tx bun.IDB, localUserID uuid.UUID, snap *ProfileSnapshot) (string, error) {
	existing, err := m.dir.FindUserByEmailTx(ctx, tx, snap.Email)
	if err == nil {
		mapped, merr := m.dir.MappingByProviderTx(ctx, tx, existing.ID)
		if merr == nil && mapped.LocalUserID != localUserID {
			return "", ErrAlreadyLinked.Clone().WithMetadata(map[string]any{
				"provider_user_id": existing.ID,
				"local_user_id":    mapped.LocalUserID.String(),
			})
		}
		if merr != nil && !repository.IsRecordNotFound(merr) {
			return "", merr
		}

		existing.Metadata = snap.Metadata()
		if snap.DisplayName != "" {
			existing.DisplayName = snap.DisplayName
		}
		if err := m.dir.UpdateUserTx(ctx, tx, existing); err != nil {
			return "", err
		}
		return existing.ID, nil
	}
	if !repository.IsRecordNotFound(err) {
		return "", err
	}

	base := snap.Username
	if base == "" {
		base = usernameFromEmail(snap.Email)
	}

	username, err := UniqueUsername(ctx, base, func(ctx context.Context, candidate string) (bool, error) {
		return m.dir.UsernameExistsTx(ctx, tx, candidate)
	})
	if err != nil {
		return "", err
	}

	user := &ProviderUser{
		ID:          m.newProviderID(snap.Email),
		Email:       snap.Email,
		Username:    username,
		DisplayName: snap.DisplayName,
		Metadata:    snap.Metadata(),
	}
	if !snap.RegisteredAt.IsZero() {
		user.CreatedAt = snap.RegisteredAt
	}

	if err := m.dir.InsertUserTx(ctx, tx, user); err != nil {
		return "", err
	}
	return user.ID, nil
}

func (m *IdentityMapper) newProviderID(email string) string {
	if m.deterministicIDs {
		if id, err := hashid.NewUUID(strings.ToLower(strings.TrimSpace(email))); err == nil {
			return id.String()
		}
	}
	return uuid.NewString()
}

// ProviderUserData is an identity coming from the auth provider
type ProviderUserData struct {
	ProviderUserID string   `json:"provider_user_id"`
	Email          string   `json:"email"`
	DisplayName    string   `json:"display_name,omitempty"`
	Roles          []string `json:"roles,omitempty"`
}

// Validate checks the required provider fields
func (d ProviderUserData) Validate() error {
	return validateWith("invalid provider user payload", func() error {
		return validation.ValidateStruct(&d,
			validation.Field(&d.ProviderUserID, validation.Required),
			validation.Field(&d.Email, validation.Required, is.Email),
		)
	})
}

// LinkResult is the outcome of LinkOrCreateLocalUser
type LinkResult struct {
	User    *LocalUser       `json:"user"`
	Mapping *IdentityMapping `json:"mapping"`
	// Created is true when a new local user was inserted
	Created bool `json:"created"`
	// Linked is true when a new mapping was inserted
	Linked bool `json:"linked"`
}

// LinkOrCreateLocalUser resolves the local user for a provider identity,
// linking by email or creating a minimum privilege user when none exists.
func (m *IdentityMapper) LinkOrCreateLocalUser(ctx context.Context, data ProviderUserData, opts ...EnsureOption) (*LinkResult, error) {
	if err := data.Validate(); err != nil {
		return nil, err
	}

	o := ensureOptions{source: SyncSourceManual}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}

	data.Email = strings.ToLower(strings.TrimSpace(data.Email))
	md := map[string]any{"provider_user_id": data.ProviderUserID}

	mapping, err := m.dir.MappingByProvider(ctx, data.ProviderUserID)
	if err == nil {
		user, uerr := m.users.FindByID(ctx, mapping.LocalUserID)
		if uerr != nil {
			if repository.IsRecordNotFound(uerr) {
				return nil, ErrNotFound.Clone().WithMetadata(map[string]any{
					"local_user_id": mapping.LocalUserID.String(),
				})
			}
			return nil, uerr
		}
		return &LinkResult{User: user, Mapping: mapping}, nil
	}
	if !repository.IsRecordNotFound(err) {
		return nil, classifyWriteError(err, md)
	}

	user, err := m.users.GetByIdentifier(ctx, data.Email)
	if err == nil {
		existing, merr := m.dir.MappingByLocal(ctx, user.ID)
		if merr == nil && existing.ProviderUserID != data.ProviderUserID {
			return nil, ErrAlreadyLinked.Clone().WithMetadata(map[string]any{
				"local_user_id":    user.ID.String(),
				"provider_user_id": existing.ProviderUserID,
			})
		}
		if merr != nil && !repository.IsRecordNotFound(merr) {
			return nil, classifyWriteError(merr, md)
		}

		mapping, linked, err := m.insertMapping(ctx, user.ID, data.ProviderUserID, o.source)
		if err != nil {
			return nil, err
		}
		return &LinkResult{User: user, Mapping: mapping, Linked: linked}, nil
	}
	if !repository.IsRecordNotFound(err) {
		return nil, err
	}

	user, err = m.createLocalUser(ctx, data)
	if err != nil {
		return nil, err
	}

	mapping, _, err = m.insertMapping(ctx, user.ID, data.ProviderUserID, o.source)
	if err != nil {
		if rerr := m.users.Remove(ctx, user.ID); rerr != nil {
			m.logger.Error("unable to remove local user after failed link",
				"local_user_id", user.ID.String(),
				"error", rerr,
			)
		}
		return nil, err
	}

	m.events.emit(ctx, Event{
		Type:           EventLocalUserCreated,
		LocalUserID:    user.ID.String(),
		ProviderUserID: data.ProviderUserID,
		Source:         o.source,
	})

	return &LinkResult{User: user, Mapping: mapping, Created: true, Linked: true}, nil
}

func (m *IdentityMapper) createLocalUser(ctx context.Context, data ProviderUserData) (*LocalUser, error) {
	username, err := UniqueUsername(ctx, usernameFromEmail(data.Email), m.users.UsernameExists)
	if err != nil {
		return nil, err
	}

	hash, err := RandomPasswordHash(m.passwordCost)
	if err != nil {
		return nil, err
	}

	roles := []string{DefaultRole}
	if len(data.Roles) > 0 {
		roles = TranslateProviderRoles(data.Roles)
	}

	record := &LocalUser{
		ID:           uuid.New(),
		Email:        data.Email,
		Username:     username,
		DisplayName:  data.DisplayName,
		Roles:        roles,
		PasswordHash: hash,
	}
	if record.DisplayName == "" {
		record.DisplayName = username
	}

	return m.users.Create(ctx, record)
}

// insertMapping writes a mapping for an existing provider user id
func (m *IdentityMapper) insertMapping(ctx context.Context, localUserID uuid.UUID, providerUserID string, source SyncSource) (*IdentityMapping, bool, error) {
	md := map[string]any{
		"local_user_id":    localUserID.String(),
		"provider_user_id": providerUserID,
	}

	mapping := &IdentityMapping{
		LocalUserID:    localUserID,
		ProviderUserID: providerUserID,
		CreatedAt:      m.clock().UTC(),
	}

	var inserted bool
	err := m.dir.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		var err error
		inserted, err = m.dir.InsertMappingTx(ctx, tx, mapping)
		return err
	})
	if err != nil {
		return nil, false, classifyWriteError(err, md)
	}

	if !inserted {
		winner, err := m.dir.MappingByLocal(ctx, localUserID)
		if err != nil {
			return nil, false, classifyWriteError(err, md)
		}
		if winner.ProviderUserID != providerUserID {
			return nil, false, ErrAlreadyLinked.Clone().WithMetadata(md)
		}
		return winner, false, nil
	}

	m.recordLink(ctx, localUserID, providerUserID, source)

	m.events.emit(ctx, Event{
		Type:           EventIdentityLinked,
		LocalUserID:    localUserID.String(),
		ProviderUserID: providerUserID,
		Source:         source,
	})

	return mapping, true, nil
}

// recordLink copies the provider id into local meta. A locked user keeps
// its lock.
func (m *IdentityMapper) recordLink(ctx context.Context, localUserID uuid.UUID, providerUserID string, source SyncSource) {
	values := map[string]string{
		MetaProviderUserID: providerUserID,
		MetaSyncSource:     string(source),
	}
	if current, _ := m.SyncSourceOf(ctx, localUserID); current == SyncSourceLocked {
		delete(values, MetaSyncSource)
	}

	if err := m.meta.SetMany(ctx, localUserID, values); err != nil {
		m.logger.Warn("unable to cache provider id in local meta",
			"local_user_id", localUserID.String(),
			"error", err,
		)
	}
}

// Unsync removes the mapping of a local user, revokes the provider
// sessions and clears every bridge meta key. Unmapped users get
// ErrNotLinked and nothing changes.
func (m *IdentityMapper) Unsync(ctx context.Context, localUserID uuid.UUID) error {
	md := map[string]any{"local_user_id": localUserID.String()}

	mapping, err := m.dir.MappingByLocal(ctx, localUserID)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return ErrNotLinked.Clone().WithMetadata(md)
		}
		return classifyWriteError(err, md)
	}

	err = m.dir.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		n, err := m.dir.DeleteMappingTx(ctx, tx, localUserID)
		if err != nil {
			return err
		}
		if n == 0 {
			return ErrNotLinked.Clone().WithMetadata(md)
		}
		_, err = m.dir.RevokeSessionsTx(ctx, tx, mapping.ProviderUserID)
		return err
	})
	if err != nil {
		if IsNotLinked(err) {
			return err
		}
		return classifyWriteError(err, md)
	}

	if err := m.cache.Delete(ctx, localUserID); err != nil {
		m.logger.Warn("unable to clear cached session", "local_user_id", localUserID.String(), "error", err)
	}

	source, _ := m.SyncSourceOf(ctx, localUserID)
	if err := m.meta.DeletePrefix(ctx, localUserID, MetaPrefix); err != nil {
		m.logger.Warn("unable to clear bridge meta", "local_user_id", localUserID.String(), "error", err)
	}
	if source == SyncSourceLocked {
		if err := m.meta.Set(ctx, localUserID, MetaSyncSource, string(SyncSourceLocked)); err != nil {
			m.logger.Warn("unable to keep sync lock", "local_user_id", localUserID.String(), "error", err)
		}
	}

	m.events.emit(ctx, Event{
		Type:           EventIdentityUnlinked,
		LocalUserID:    localUserID.String(),
		ProviderUserID: mapping.ProviderUserID,
	})

	m.logger.Info("identity unlinked",
		"local_user_id", localUserID.String(),
		"provider_user_id", mapping.ProviderUserID,
	)
	return nil
}

// SyncSourceOf returns the recorded source tag of a local user
func (m *IdentityMapper) SyncSourceOf(ctx context.Context, localUserID uuid.UUID) (SyncSource, error) {
	v, ok, err := m.meta.Get(ctx, localUserID, MetaSyncSource)
	if err != nil || !ok {
		return "", err
	}
	return SyncSource(v), nil
}
