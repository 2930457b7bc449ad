package bridge

import (
	"context"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// LocalUsers is the content platform user repository
type LocalUsers interface {
	repository.Repository[*LocalUser]

	FindByID(ctx context.Context, id uuid.UUID) (*LocalUser, error)
	FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*LocalUser, error)
	UsernameExists(ctx context.Context, username string) (bool, error)
	UsernameExistsTx(ctx context.Context, tx bun.IDB, username string) (bool, error)
	ListAll(ctx context.Context) ([]*LocalUser, error)
	ListWithAnyRole(ctx context.Context, roles []string) ([]*LocalUser, error)

	Create(ctx context.Context, record *LocalUser, criteria ...repository.InsertCriteria) (*LocalUser, error)
	CreateTx(ctx context.Context, tx bun.IDB, record *LocalUser, criteria ...repository.InsertCriteria) (*LocalUser, error)
	UpdateProfile(ctx context.Context, record *LocalUser) error
	UpdateProfileTx(ctx context.Context, tx bun.IDB, record *LocalUser) error
	Remove(ctx context.Context, id uuid.UUID) error
	RemoveTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error
}

type localUsers struct {
	repository.Repository[*LocalUser]
	db    *bun.DB
	clock Clock
}

var (
	_ LocalUsers                        = (*localUsers)(nil)
	_ repository.Repository[*LocalUser] = (*localUsers)(nil)
)

// LocalUsersOption configures the local users repository
type LocalUsersOption func(*localUsers)

// WithLocalUsersClock injects the clock used for updated_at
func WithLocalUsersClock(clock Clock) LocalUsersOption {
	return func(u *localUsers) {
		if clock != nil {
			u.clock = clock
		}
	}
}

// NewLocalUsersRepository builds the repository over the local store
func NewLocalUsersRepository(db *bun.DB, opts ...LocalUsersOption) LocalUsers {
	repo := repository.NewRepository[*LocalUser](db, repository.ModelHandlers[*LocalUser]{
		NewRecord: func() *LocalUser { return &LocalUser{} },
		GetID: func(u *LocalUser) uuid.UUID {
			if u == nil {
				return uuid.Nil
			}
			return u.ID
		},
		SetID: func(u *LocalUser, id uuid.UUID) {
			if u != nil {
				u.ID = id
			}
		},
		GetIdentifier: func() string {
			return "email"
		},
	})

	users := &localUsers{
		Repository: repo,
		db:         db,
		clock:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(users)
		}
	}
	return users
}

func (a *localUsers) GetByIdentifier(ctx context.Context, identifier string, criteria ...repository.SelectCriteria) (*LocalUser, error) {
	return a.GetByIdentifierTx(ctx, a.db, identifier, criteria...)
}

// GetByIdentifierTx resolves id, email or username, in that order.
func (a *localUsers) GetByIdentifierTx(ctx context.Context, tx bun.IDB, identifier string, criteria ...repository.SelectCriteria) (*LocalUser, error) {
	for _, opt := range resolveUserIdentifier(identifier) {
		record := &LocalUser{}
		q := tx.NewSelect().Model(record)

		for _, c := range criteria {
			q.Apply(c)
		}

		err := q.
			Where(fmt.Sprintf("?TableAlias.%s = ?", opt.column), opt.value).
			Limit(1).
			Scan(ctx)

		if err != nil {
			if repository.IsRecordNotFound(err) {
				continue
			}
			return nil, err
		}

		return record, nil
	}

	return nil, repository.NewRecordNotFound().
		WithMetadata(map[string]any{
			"identifier": identifier,
		})
}

func (a *localUsers) FindByID(ctx context.Context, id uuid.UUID) (*LocalUser, error) {
	return a.FindByIDTx(ctx, a.db, id)
}

func (a *localUsers) FindByIDTx(ctx context.Context, tx bun.IDB, id uuid.UUID) (*LocalUser, error) {
	record := &LocalUser{}
	err := tx.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return nil, repository.NewRecordNotFound().WithMetadata(map[string]any{
				"id": id.String(),
			})
		}
		return nil, err
	}
	return record, nil
}

func (a *localUsers) UsernameExists(ctx context.Context, username string) (bool, error) {
	return a.UsernameExistsTx(ctx, a.db, username)
}

func (a *localUsers) UsernameExistsTx(ctx context.Context, tx bun.IDB, username string) (bool, error) {
	return tx.NewSelect().
		Model((*LocalUser)(nil)).
		Where("?TableAlias.username = ?", username).
		Exists(ctx)
}

func (a *localUsers) ListAll(ctx context.Context) ([]*LocalUser, error) {
	var records []*LocalUser
	err := a.db.NewSelect().
		Model(&records).
		Order("created_at ASC", "email ASC").
		Scan(ctx)
	if err != nil && !repository.IsRecordNotFound(err) {
		return nil, err
	}
	return records, nil
}

// ListWithAnyRole filters in memory since roles are stored as a JSON list
// and the query has to work on both dialects.
func (a *localUsers) ListWithAnyRole(ctx context.Context, roles []string) ([]*LocalUser, error) {
	all, err := a.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]*LocalUser, 0, len(all))
	for _, user := range all {
		for _, role := range roles {
			if user.HasRole(role) {
				out = append(out, user)
				break
			}
		}
	}
	return out, nil
}

func (a *localUsers) Create(ctx context.Context, record *LocalUser, criteria ...repository.InsertCriteria) (*LocalUser, error) {
	return a.CreateTx(ctx, a.db, record, criteria...)
}

func (a *localUsers) CreateTx(ctx context.Context, tx bun.IDB, record *LocalUser, criteria ...repository.InsertCriteria) (*LocalUser, error) {
	prepareLocalUserDefaults(record)
	return a.Repository.CreateTx(ctx, tx, record, criteria...)
}

func (a *localUsers) UpdateProfile(ctx context.Context, record *LocalUser) error {
	return a.UpdateProfileTx(ctx, a.db, record)
}

// UpdateProfileTx writes the profile columns and roles, identity columns
// (email, username, password) are left alone.
func (a *localUsers) UpdateProfileTx(ctx context.Context, tx bun.IDB, record *LocalUser) error {
	now := a.clock().UTC()
	record.UpdatedAt = &now

	res, err := tx.NewUpdate().
		Model(record).
		Column("display_name", "first_name", "last_name", "phone", "roles", "updated_at").
		WherePK().
		Exec(ctx)
	if err != nil {
		return err
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return repository.NewRecordNotFound().WithMetadata(map[string]any{
			"id": record.ID.String(),
		})
	}
	return nil
}

func (a *localUsers) Remove(ctx context.Context, id uuid.UUID) error {
	return a.RemoveTx(ctx, a.db, id)
}

func (a *localUsers) RemoveTx(ctx context.Context, tx bun.IDB, id uuid.UUID) error {
	_, err := tx.NewDelete().
		Model((*LocalUser)(nil)).
		Where("id = ?", id).
		Exec(ctx)
	return err
}

func prepareLocalUserDefaults(record *LocalUser) {
	if record == nil {
		return
	}

	if len(record.Roles) == 0 {
		record.Roles = []string{DefaultRole}
	}

	record.Email = strings.ToLower(strings.TrimSpace(record.Email))

	if record.ID == uuid.Nil {
		record.ID = uuid.New()
	}
}

type identifierOption struct {
	column string
	value  string
}

func resolveUserIdentifier(identifier string) []identifierOption {
	trimmed := strings.TrimSpace(identifier)
	if trimmed == "" {
		return nil
	}

	options := make([]identifierOption, 0, 3)

	if isUUID(trimmed) {
		options = append(options, identifierOption{
			column: "id",
			value:  trimmed,
		})
	}

	if isEmail(trimmed) {
		options = append(options, identifierOption{
			column: "email",
			value:  strings.ToLower(trimmed),
		})
	}

	options = append(options, identifierOption{
		column: "username",
		value:  trimmed,
	})

	return options
}

func isEmail(email string) bool {
	_, err := mail.ParseAddress(email)
	return err == nil
}

func isUUID(identifier string) bool {
	_, err := uuid.Parse(identifier)
	return err == nil
}
