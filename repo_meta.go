package bridge

import (
	"context"

	"github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// UserMetaStore reads and writes per user key/value rows in the local store
type UserMetaStore interface {
	Get(ctx context.Context, userID uuid.UUID, key string) (string, bool, error)
	All(ctx context.Context, userID uuid.UUID) (map[string]string, error)
	Set(ctx context.Context, userID uuid.UUID, key, value string) error
	SetTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, key, value string) error
	SetMany(ctx context.Context, userID uuid.UUID, values map[string]string) error
	Delete(ctx context.Context, userID uuid.UUID, keys ...string) error
	DeletePrefix(ctx context.Context, userID uuid.UUID, prefix string) error
	DeletePrefixTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, prefix string) error
	FindUserID(ctx context.Context, key, value string) (uuid.UUID, error)
}

type userMeta struct {
	db *bun.DB
}

var _ UserMetaStore = (*userMeta)(nil)

// NewUserMetaStore returns a bun backed meta store
func NewUserMetaStore(db *bun.DB) UserMetaStore {
	return &userMeta{db: db}
}

func (m *userMeta) Get(ctx context.Context, userID uuid.UUID, key string) (string, bool, error) {
	record := &UserMeta{}
	err := m.db.NewSelect().
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

func (m *userMeta) All(ctx context.Context, userID uuid.UUID) (map[string]string, error) {
	var records []UserMeta
	err := m.db.NewSelect().
		Model(&records).
		Where("user_id = ?", userID).
		Scan(ctx)
	if err != nil && !repository.IsRecordNotFound(err) {
		return nil, err
	}

	out := make(map[string]string, len(records))
	for _, r := range records {
		out[r.Key] = r.Value
	}
	return out, nil
}

func (m *userMeta) Set(ctx context.Context, userID uuid.UUID, key, value string) error {
	return m.SetTx(ctx, m.db, userID, key, value)
}

func (m *userMeta) SetTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, key, value string) error {
	_, err := tx.NewInsert().
		Model(&UserMeta{UserID: userID, Key: key, Value: value}).
		On("CONFLICT (user_id, meta_key) DO UPDATE").
		Set("meta_value = EXCLUDED.meta_value").
		Exec(ctx)
	return err
}

func (m *userMeta) SetMany(ctx context.Context, userID uuid.UUID, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	return m.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		for key, value := range values {
			if err := m.SetTx(ctx, tx, userID, key, value); err != nil {
				return err
			}
		}
		return nil
	})
}

func (m *userMeta) Delete(ctx context.Context, userID uuid.UUID, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := m.db.NewDelete().
		Model((*UserMeta)(nil)).
		Where("user_id = ?", userID).
		Where("meta_key IN (?)", bun.In(keys)).
		Exec(ctx)
	return err
}

func (m *userMeta) DeletePrefix(ctx context.Context, userID uuid.UUID, prefix string) error {
	return m.DeletePrefixTx(ctx, m.db, userID, prefix)
}

func (m *userMeta) DeletePrefixTx(ctx context.Context, tx bun.IDB, userID uuid.UUID, prefix string) error {
	q := tx.NewDelete().
		Model((*UserMeta)(nil)).
		Where("user_id = ?", userID)
	if prefix != "" {
		q = q.Where("substr(meta_key, 1, ?) = ?", len(prefix), prefix)
	}
	_, err := q.Exec(ctx)
	return err
}

// FindUserID returns the user owning the first row where key = value
func (m *userMeta) FindUserID(ctx context.Context, key, value string) (uuid.UUID, error) {
	record := &UserMeta{}
	err := m.db.NewSelect().
		Model(record).
		Where("meta_key = ? AND meta_value = ?", key, value).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if repository.IsRecordNotFound(err) {
			return uuid.Nil, repository.NewRecordNotFound().WithMetadata(map[string]any{
				"meta_key": key,
			})
		}
		return uuid.Nil, err
	}
	return record.UserID, nil
}
