package bridge

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// Directory is the auth provider store: provider users, their meta rows,
// identity mappings and provider sessions. Tx variants take the handle
// passed to RunInTx so callers can group writes.
type Directory interface {
	RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error

	GetUser(ctx context.Context, id string) (*ProviderUser, error)
	GetUserTx(ctx context.Context, tx bun.IDB, id string) (*ProviderUser, error)
	FindUserByEmailTx(ctx context.Context, tx bun.IDB, email string) (*ProviderUser, error)
	UsernameExistsTx(ctx context.Context, tx bun.IDB, username string) (bool, error)
	InsertUserTx(ctx context.Context, tx bun.IDB, user *ProviderUser) error
	UpdateUserTx(ctx context.Context, tx bun.IDB, user *ProviderUser) error
	ListUsers(ctx context.Context) ([]*ProviderUser, error)

	GetMeta(ctx context.Context, userID, key string) (string, bool, error)
	SetMetaTx(ctx context.Context, tx bun.IDB, userID, key, value string) error

	MappingByLocal(ctx context.Context, localUserID uuid.UUID) (*IdentityMapping, error)
	MappingByLocalTx(ctx context.Context, tx bun.IDB, localUserID uuid.UUID) (*IdentityMapping, error)
	MappingByProvider(ctx context.Context, providerUserID string) (*IdentityMapping, error)
	MappingByProviderTx(ctx context.Context, tx bun.IDB, providerUserID string) (*IdentityMapping, error)
	InsertMappingTx(ctx context.Context, tx bun.IDB, mapping *IdentityMapping) (bool, error)
	DeleteMappingTx(ctx context.Context, tx bun.IDB, localUserID uuid.UUID) (int64, error)

	CreateSession(ctx context.Context, session *ProviderSession) error
	FindSessionByToken(ctx context.Context, token string) (*ProviderSession, error)
	ActiveSessions(ctx context.Context, userID string) ([]*ProviderSession, error)
	RevokeSessionsTx(ctx context.Context, tx bun.IDB, userID string) (int64, error)
}

type directory struct {
	db    *bun.DB
	clock Clock
}

var _ Directory = (*directory)(nil)

// DirectoryOption configures the provider store
type DirectoryOption func(*directory)

// WithDirectoryClock injects the clock used for timestamps
func WithDirectoryClock(clock Clock) DirectoryOption {
	return func(d *directory) {
		if clock != nil {
			d.clock = clock
		}
	}
}

// NewDirectory returns a bun backed provider store
func NewDirectory(db *bun.DB, opts ...DirectoryOption) Directory {
	d := &directory{db: db, clock: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	return d
}

func (d *directory) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return d.db.RunInTx(ctx, opts, f)
	}
}

func (d *directory) GetUser(ctx context.Context, id string) (*ProviderUser, error) {
	return d.GetUserTx(ctx, d.db, id)
}

func (d *directory) GetUserTx(ctx context.Context, tx bun.IDB, id string) (*ProviderUser, error) {
	record := &ProviderUser{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	return notFoundOr(record, err, "provider_user_id", id)
}

func (d *directory) FindUserByEmailTx(ctx context.Context, tx bun.IDB, email string) (*ProviderUser, error) {
	record := &ProviderUser{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.email = ?", strings.ToLower(strings.TrimSpace(email))).
		Limit(1).
		Scan(ctx)
	return notFoundOr(record, err, "email", email)
}

func (d *directory) UsernameExistsTx(ctx context.Context, tx bun.IDB, username string) (bool, error) {
	return tx.NewSelect().
		Model((*ProviderUser)(nil)).
		Where("?TableAlias.username = ?", username).
		Exists(ctx)
}

func (d *directory) InsertUserTx(ctx context.Context, tx bun.IDB, user *ProviderUser) error {
	now := d.clock().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now
	user.Email = strings.ToLower(strings.TrimSpace(user.Email))
	if user.Metadata == nil {
		user.Metadata = map[string]any{}
	}

	_, err := tx.NewInsert().Model(user).Exec(ctx)
	return err
}

func (d *directory) UpdateUserTx(ctx context.Context, tx bun.IDB, user *ProviderUser) error {
	user.UpdatedAt = d.clock().UTC()
	if user.Metadata == nil {
		user.Metadata = map[string]any{}
	}

	res, err := tx.NewUpdate().
		Model(user).
		Column("email", "display_name", "metadata", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repository.NewRecordNotFound().WithMetadata(map[string]any{
			"provider_user_id": user.ID,
		})
	}
	return nil
}

func (d *directory) ListUsers(ctx context.Context) ([]*ProviderUser, error) {
	var records []*ProviderUser
	err := d.db.NewSelect().
		Model(&records).
		Order("created_at ASC", "email ASC").
		Scan(ctx)
	if err != nil && !repository.IsRecordNotFound(err) {
		return nil, err
	}
	return records, nil
}

func (d *directory) GetMeta(ctx context.Context, userID, key string) (string, bool, error) {
	record := &ProviderUserMeta{}
	err := d.db.NewSelect().
		Model(record).
		Where("user_id = ? AND meta_key = ?", userID, key).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return record.Value, true, nil
}

func (d *directory) SetMetaTx(ctx context.Context, tx bun.IDB, userID, key, value string) error {
	_, err := tx.NewInsert().
		Model(&ProviderUserMeta{UserID: userID, Key: key, Value: value}).
		On("CONFLICT (user_id, meta_key) DO UPDATE").
		Set("meta_value = EXCLUDED.meta_value").
		Exec(ctx)
	return err
}

func (d *directory) MappingByLocal(ctx context.Context, localUserID uuid.UUID) (*IdentityMapping, error) {
	return d.MappingByLocalTx(ctx, d.db, localUserID)
}

func (d *directory) MappingByLocalTx(ctx context.Context, tx bun.IDB, localUserID uuid.UUID) (*IdentityMapping, error) {
	record := &IdentityMapping{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.local_user_id = ?", localUserID).
		Limit(1).
		Scan(ctx)
	return notFoundOr(record, err, "local_user_id", localUserID.String())
}

func (d *directory) MappingByProvider(ctx context.Context, providerUserID string) (*IdentityMapping, error) {
	return d.MappingByProviderTx(ctx, d.db, providerUserID)
}

func (d *directory) MappingByProviderTx(ctx context.Context, tx bun.IDB, providerUserID string) (*IdentityMapping, error) {
	record := &IdentityMapping{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.provider_user_id = ?", providerUserID).
		Limit(1).
		Scan(ctx)
	return notFoundOr(record, err, "provider_user_id", providerUserID)
}

// InsertMappingTx inserts the mapping unless the local user is already
// mapped. It reports whether a row was written.
func (d *directory) InsertMappingTx(ctx context.Context, tx bun.IDB, mapping *IdentityMapping) (bool, error) {
	if mapping.CreatedAt.IsZero() {
		mapping.CreatedAt = d.clock().UTC()
	}

	res, err := tx.NewInsert().
		Model(mapping).
		On("CONFLICT (local_user_id) DO NOTHING").
		Exec(ctx)
	if err != nil {
		return false, err
	}

	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (d *directory) DeleteMappingTx(ctx context.Context, tx bun.IDB, localUserID uuid.UUID) (int64, error) {
	res, err := tx.NewDelete().
		Model((*IdentityMapping)(nil)).
		Where("local_user_id = ?", localUserID).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (d *directory) CreateSession(ctx context.Context, session *ProviderSession) error {
	if session.ID == uuid.Nil {
		session.ID = uuid.New()
	}
	if session.CreatedAt.IsZero() {
		session.CreatedAt = d.clock().UTC()
	}
	_, err := d.db.NewInsert().Model(session).Exec(ctx)
	return err
}

func (d *directory) FindSessionByToken(ctx context.Context, token string) (*ProviderSession, error) {
	record := &ProviderSession{}
	err := d.db.NewSelect().
		Model(record).
		Where("?TableAlias.token = ?", token).
		Limit(1).
		Scan(ctx)
	return notFoundOr(record, err, "token", "redacted")
}

// ActiveSessions lists the non revoked sessions of a provider user. Expiry
// is checked by the caller against its own clock.
func (d *directory) ActiveSessions(ctx context.Context, userID string) ([]*ProviderSession, error) {
	var records []*ProviderSession
	err := d.db.NewSelect().
		Model(&records).
		Where("?TableAlias.user_id = ?", userID).
		Where("?TableAlias.revoked = ?", false).
		Scan(ctx)
	if err != nil && !repository.IsRecordNotFound(err) {
		return nil, err
	}
	return records, nil
}

func (d *directory) RevokeSessionsTx(ctx context.Context, tx bun.IDB, userID string) (int64, error) {
	res, err := tx.NewUpdate().
		Model((*ProviderSession)(nil)).
		Set("revoked = ?", true).
		Where("user_id = ?", userID).
		Where("revoked = ?", false).
		Exec(ctx)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func notFoundOr[T any](record *T, err error, key, value string) (*T, error) {
	if err == nil {
		return record, nil
	}
	if repository.IsRecordNotFound(err) {
		return nil, repository.NewRecordNotFound().WithMetadata(map[string]any{
			key: value,
		})
	}
	return nil, err
}
