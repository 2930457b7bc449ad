package bridge

import (
	"context"
	"time"

	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// SettingsStore keeps bridge wide settings in the local store so every
// replica reads the same values.
type SettingsStore interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

type settings struct {
	db    *bun.DB
	clock Clock
}

var _ SettingsStore = (*settings)(nil)

// NewSettingsStore returns a bun backed settings store
func NewSettingsStore(db *bun.DB, clock Clock) SettingsStore {
	if clock == nil {
		clock = time.Now
	}
	return &settings{db: db, clock: clock}
}

func (s *settings) Get(ctx context.Context, key string) (string, bool, error) {
	record := &Setting{}
	err := s.db.NewSelect().
		Model(record).
		Where("setting_key = ?", key).
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

func (s *settings) Set(ctx context.Context, key, value string) error {
	_, err := s.db.NewInsert().
		Model(&Setting{Key: key, Value: value, UpdatedAt: s.clock().UTC()}).
		On("CONFLICT (setting_key) DO UPDATE").
		Set("setting_value = EXCLUDED.setting_value").
		Set("updated_at = EXCLUDED.updated_at").
		Exec(ctx)
	return err
}
