package bridge

import (
	"time"

	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// LocalUser is a user record in the content platform database
type LocalUser struct {
	bun.BaseModel `bun:"table:users,alias:usr"`
	ID            uuid.UUID  `bun:"id,pk,nullzero,type:uuid" json:"id,omitempty"`
	Email         string     `bun:"email,notnull,unique" json:"email,omitempty"`
	Username      string     `bun:"username,notnull,unique" json:"username,omitempty"`
	DisplayName   string     `bun:"display_name" json:"display_name,omitempty"`
	FirstName     string     `bun:"first_name" json:"first_name,omitempty"`
	LastName      string     `bun:"last_name" json:"last_name,omitempty"`
	Phone         string     `bun:"phone" json:"phone,omitempty"`
	Roles         []string   `bun:"roles" json:"roles,omitempty"`
	PasswordHash  string     `bun:"password_hash" json:"-"`
	CreatedAt     *time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at,omitempty"`
	UpdatedAt     *time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at,omitempty"`
}

// HasRole reports whether the user holds role
func (u *LocalUser) HasRole(role string) bool {
	if u == nil {
		return false
	}
	for _, r := range u.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// UserMeta is a key/value row attached to a local user
type UserMeta struct {
	bun.BaseModel `bun:"table:user_meta,alias:um"`
	UserID        uuid.UUID `bun:"user_id,pk,type:uuid" json:"user_id"`
	Key           string    `bun:"meta_key,pk" json:"meta_key"`
	Value         string    `bun:"meta_value" json:"meta_value"`
}

// Setting is a bridge wide key/value row in the local store
type Setting struct {
	bun.BaseModel `bun:"table:bridge_settings,alias:bs"`
	Key           string    `bun:"setting_key,pk" json:"key"`
	Value         string    `bun:"setting_value" json:"value"`
	UpdatedAt     time.Time `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at"`
}

// SettingAutoSyncRoles holds the JSON list of auto sync roles
const SettingAutoSyncRoles = "policy.auto_sync_roles"

// Local meta keys owned by the bridge. Every key shares the MetaPrefix so
// unsync can wipe them in one statement.
const (
	MetaPrefix           = "bridge_"
	MetaProviderUserID   = MetaPrefix + "provider_user_id"
	MetaSessionToken     = MetaPrefix + "session_token"
	MetaSessionExpiresAt = MetaPrefix + "session_expires_at"
	MetaLastLogin        = MetaPrefix + "last_login"
	MetaLastSync         = MetaPrefix + "last_sync"
	MetaSyncStatus       = MetaPrefix + "sync_status"
	MetaSyncError        = MetaPrefix + "sync_error"
	MetaSyncSource       = MetaPrefix + "sync_source"
	MetaSnapshot         = MetaPrefix + "metadata_snapshot"
)

// ProviderMetaLastSyncedAt is the provider side sync timestamp row.
const ProviderMetaLastSyncedAt = "last_synced_at"

// ProviderUser is the identity record held by the auth provider
type ProviderUser struct {
	bun.BaseModel `bun:"table:provider_users,alias:pu"`
	ID            string         `bun:"id,pk" json:"id"`
	Email         string         `bun:"email,notnull,unique" json:"email"`
	Username      string         `bun:"username,notnull,unique" json:"username"`
	DisplayName   string         `bun:"display_name" json:"display_name,omitempty"`
	Metadata      map[string]any `bun:"metadata" json:"metadata,omitempty"`
	CreatedAt     time.Time      `bun:"created_at,nullzero,default:current_timestamp" json:"created_at"`
	UpdatedAt     time.Time      `bun:"updated_at,nullzero,default:current_timestamp" json:"updated_at"`
}

// ProviderUserMeta is a key/value row attached to a provider user
type ProviderUserMeta struct {
	bun.BaseModel `bun:"table:provider_user_meta,alias:pum"`
	UserID        string `bun:"user_id,pk" json:"user_id"`
	Key           string `bun:"meta_key,pk" json:"meta_key"`
	Value         string `bun:"meta_value" json:"meta_value"`
}

// IdentityMapping links one local user to one provider user. Both sides
// are unique, rows are never updated.
type IdentityMapping struct {
	bun.BaseModel  `bun:"table:identity_mappings,alias:im"`
	LocalUserID    uuid.UUID `bun:"local_user_id,pk,type:uuid" json:"local_user_id"`
	ProviderUserID string    `bun:"provider_user_id,notnull,unique" json:"provider_user_id"`
	CreatedAt      time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at"`
}

// ProviderSession is a login session held by the auth provider
type ProviderSession struct {
	bun.BaseModel `bun:"table:provider_sessions,alias:ps"`
	ID            uuid.UUID `bun:"id,pk,type:uuid" json:"id"`
	UserID        string    `bun:"user_id,notnull" json:"user_id"`
	Token         string    `bun:"token,notnull,unique" json:"-"`
	ExpiresAt     time.Time `bun:"expires_at,notnull" json:"expires_at"`
	Revoked       bool      `bun:"revoked,notnull" json:"revoked"`
	CreatedAt     time.Time `bun:"created_at,nullzero,default:current_timestamp" json:"created_at"`
}

// Live reports whether the session is usable at now
func (s *ProviderSession) Live(now time.Time) bool {
	return s != nil && !s.Revoked && s.ExpiresAt.After(now)
}

// SyncSource records why a mapping exists
type SyncSource string

const (
	SyncSourceManual SyncSource = "manual"
	SyncSourcePolicy SyncSource = "policy"
	SyncSourceLocked SyncSource = "locked"
)

// SyncStatus is the outcome of the last metadata push
type SyncStatus string

const (
	SyncStatusUnknown    SyncStatus = ""
	SyncStatusSynced     SyncStatus = "synced"
	SyncStatusSyncFailed SyncStatus = "sync_failed"
)
