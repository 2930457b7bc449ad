package config

import (
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"

	bridge "github.com/goliatone/go-auth-bridge"
)

var _ bridge.Config = Bridge{}

// Bridge configures the identity and session bridge
type Bridge struct {
	SharedSecret              string   `koanf:"shared_secret" json:"-"`
	SignatureWindowExpression string   `koanf:"signature_window" json:"signature_window"`
	SessionTTLExpression      string   `koanf:"session_ttl" json:"session_ttl"`
	LocalSigningKey           string   `koanf:"local_signing_key" json:"-"`
	SessionCookieName         string   `koanf:"session_cookie_name" json:"session_cookie_name"`
	ProviderJWTSecret         string   `koanf:"provider_jwt_secret" json:"-"`
	ProviderJWKSURL           string   `koanf:"provider_jwks_url" json:"provider_jwks_url"`
	AutoSyncRoles             []string `koanf:"auto_sync_roles" json:"auto_sync_roles"`
	LockedRoles               []string `koanf:"locked_roles" json:"locked_roles"`
	LookupAttempts            int      `koanf:"lookup_attempts" json:"lookup_attempts"`
	LookupDelayExpression     string   `koanf:"lookup_delay" json:"lookup_delay"`
	SyncAttempts              int      `koanf:"sync_attempts" json:"sync_attempts"`
	SyncDelayExpression       string   `koanf:"sync_delay" json:"sync_delay"`
	BulkConcurrency           int      `koanf:"bulk_concurrency" json:"bulk_concurrency"`
	BulkItemTimeoutExpression string   `koanf:"bulk_item_timeout" json:"bulk_item_timeout"`
	DeterministicIDs          bool     `koanf:"deterministic_ids" json:"deterministic_ids"`
}

func (b Bridge) Validate() error {
	return validation.ValidateStruct(&b,
		validation.Field(&b.SharedSecret, validation.Required, validation.Length(16, 0)),
		validation.Field(&b.SignatureWindowExpression, validation.By(isDuration)),
		validation.Field(&b.SessionTTLExpression, validation.By(isDuration)),
		validation.Field(&b.ProviderJWKSURL, is.URL),
		validation.Field(&b.LookupAttempts, validation.Min(0)),
		validation.Field(&b.LookupDelayExpression, validation.By(isDuration)),
		validation.Field(&b.SyncAttempts, validation.Min(0)),
		validation.Field(&b.SyncDelayExpression, validation.By(isDuration)),
		validation.Field(&b.BulkConcurrency, validation.Min(0)),
		validation.Field(&b.BulkItemTimeoutExpression, validation.By(isDuration)),
	)
}

func (b Bridge) GetSharedSecret() string { return b.SharedSecret }

func (b Bridge) GetSignatureWindow() time.Duration {
	return parseDuration(b.SignatureWindowExpression, bridge.DefaultSignatureWindow)
}

func (b Bridge) GetSessionTTL() time.Duration {
	return parseDuration(b.SessionTTLExpression, bridge.DefaultSessionTTL)
}

func (b Bridge) GetLocalSigningKey() string { return b.LocalSigningKey }

func (b Bridge) GetSessionCookieName() string {
	if name := strings.TrimSpace(b.SessionCookieName); name != "" {
		return name
	}
	return bridge.DefaultSessionCookieName
}

func (b Bridge) GetProviderJWTSecret() string { return b.ProviderJWTSecret }
func (b Bridge) GetProviderJWKSURL() string   { return b.ProviderJWKSURL }
func (b Bridge) GetAutoSyncRoles() []string   { return b.AutoSyncRoles }
func (b Bridge) GetLockedRoles() []string     { return b.LockedRoles }

func (b Bridge) GetLookupAttempts() int {
	if b.LookupAttempts <= 0 {
		return bridge.DefaultLookupAttempts
	}
	return b.LookupAttempts
}

func (b Bridge) GetLookupDelay() time.Duration {
	return parseDuration(b.LookupDelayExpression, bridge.DefaultLookupDelay)
}

func (b Bridge) GetSyncAttempts() int {
	if b.SyncAttempts <= 0 {
		return bridge.DefaultSyncAttempts
	}
	return b.SyncAttempts
}

func (b Bridge) GetSyncDelay() time.Duration {
	return parseDuration(b.SyncDelayExpression, bridge.DefaultSyncDelay)
}

func (b Bridge) GetBulkConcurrency() int {
	if b.BulkConcurrency <= 0 {
		return bridge.DefaultBulkConcurrency
	}
	return b.BulkConcurrency
}

func (b Bridge) GetBulkItemTimeout() time.Duration {
	return parseDuration(b.BulkItemTimeoutExpression, bridge.DefaultBulkItemTimeout)
}

func (b Bridge) GetDeterministicIDs() bool { return b.DeterministicIDs }
