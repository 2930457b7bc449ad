package bridge

import (
	"context"
	"database/sql"
	"errors"
	"log"

	"github.com/goliatone/go-repository-bun"
	"github.com/uptrace/bun"
)

// RepositoryManager exposes the local store repositories and the auth
// provider directory. RunInTx runs against the local store.
type RepositoryManager interface {
	repository.Validator
	repository.TransactionManager
	Users() LocalUsers
	Meta() UserMetaStore
	Settings() SettingsStore
	Directory() Directory
}

type mngr struct {
	db        *bun.DB
	users     LocalUsers
	meta      UserMetaStore
	settings  SettingsStore
	directory Directory
}

// NewRepositoryManager wires repositories over the local database and the
// auth provider database. Both handles may point to the same database.
func NewRepositoryManager(localDB, providerDB *bun.DB, clock Clock) RepositoryManager {
	m := &mngr{db: localDB}
	if localDB != nil {
		m.users = NewLocalUsersRepository(localDB, WithLocalUsersClock(clock))
		m.meta = NewUserMetaStore(localDB)
		m.settings = NewSettingsStore(localDB, clock)
	}
	if providerDB != nil {
		m.directory = NewDirectory(providerDB, WithDirectoryClock(clock))
	}
	return m
}

func (m mngr) Validate() error {
	if m.users == nil {
		return errors.New("repository users should be initialized")
	}

	if m.meta == nil {
		return errors.New("repository meta should be initialized")
	}

	if m.settings == nil {
		return errors.New("repository settings should be initialized")
	}

	if m.directory == nil {
		return errors.New("provider directory should be initialized")
	}

	return nil
}

func (m mngr) MustValidate() {
	if err := m.Validate(); err != nil {
		log.Panic(err)
	}
}

func (m mngr) RunInTx(ctx context.Context, opts *sql.TxOptions, f func(ctx context.Context, tx bun.Tx) error) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
		return m.db.RunInTx(ctx, opts, f)
	}
}

func (m mngr) Users() LocalUsers {
	return m.users
}

func (m mngr) Meta() UserMetaStore {
	return m.meta
}

func (m mngr) Settings() SettingsStore {
	return m.settings
}

func (m mngr) Directory() Directory {
	return m.directory
}
