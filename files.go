package bridge

import (
	"embed"
	"io/fs"
)

//go:embed data/sql/local data/sql/provider
var migrationsFS embed.FS

const (
	LocalMigrationsDir    = "data/sql/local"
	ProviderMigrationsDir = "data/sql/provider"
)

// GetMigrationsFS returns the migration files for both stores
func GetMigrationsFS() embed.FS {
	return migrationsFS
}

// LocalMigrationsFS is rooted at the local store migrations, one
// subdirectory per dialect.
func LocalMigrationsFS() (fs.FS, error) {
	return fs.Sub(migrationsFS, LocalMigrationsDir)
}

// ProviderMigrationsFS is rooted at the auth provider store migrations.
func ProviderMigrationsFS() (fs.FS, error) {
	return fs.Sub(migrationsFS, ProviderMigrationsDir)
}
