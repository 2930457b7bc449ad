package signature

import (
	"errors"

	"github.com/goliatone/go-router"
)

const (
	HeaderTimestamp = "X-Timestamp"
	HeaderSignature = "X-Signature"
)

// ErrMissingSecret is returned when no shared secret is configured
var ErrMissingSecret = errors.New("missing shared secret")

// Verifier checks a timestamp and signature pair against a secret.
// This mirrors the bridge SignatureValidator without importing it.
type Verifier interface {
	Verify(timestamp, signature, secret string) error
}

// Config configures the signature middleware
type Config struct {
	Filter         func(router.Context) bool
	SuccessHandler router.HandlerFunc
	ErrorHandler   router.ErrorHandler
	// Verifier is required
	Verifier Verifier
	Secret   string
	// SecretFunc resolves the secret per request and wins over Secret
	SecretFunc      func(router.Context) string
	TimestampHeader string
	SignatureHeader string
}

// New returns a middleware rejecting requests whose timestamp and
// signature headers do not verify.
func New(config ...Config) router.MiddlewareFunc {
	return func(hf router.HandlerFunc) router.HandlerFunc {
		cfg := GetDefaultConfig(config...)
		return func(ctx router.Context) error {
			if cfg.Filter != nil && cfg.Filter(ctx) {
				return ctx.Next()
			}

			secret := cfg.Secret
			if cfg.SecretFunc != nil {
				secret = cfg.SecretFunc(ctx)
			}
			if secret == "" {
				return cfg.ErrorHandler(ctx, ErrMissingSecret)
			}

			timestamp := ctx.GetString(cfg.TimestampHeader, "")
			signature := ctx.GetString(cfg.SignatureHeader, "")

			if err := cfg.Verifier.Verify(timestamp, signature, secret); err != nil {
				return cfg.ErrorHandler(ctx, err)
			}

			return cfg.SuccessHandler(ctx)
		}
	}
}

// GetDefaultConfig fills the unset fields of the first config
func GetDefaultConfig(config ...Config) (cfg Config) {
	if len(config) > 0 {
		cfg = config[0]
	}

	if cfg.SuccessHandler == nil {
		cfg.SuccessHandler = func(ctx router.Context) error {
			return ctx.Next()
		}
	}

	if cfg.ErrorHandler == nil {
		cfg.ErrorHandler = func(c router.Context, err error) error {
			return c.JSON(router.StatusUnauthorized, map[string]string{
				"error":   "invalid_signature",
				"message": err.Error(),
			})
		}
	}

	if cfg.TimestampHeader == "" {
		cfg.TimestampHeader = HeaderTimestamp
	}

	if cfg.SignatureHeader == "" {
		cfg.SignatureHeader = HeaderSignature
	}

	if cfg.Verifier == nil {
		panic("BRIDGE: signature middleware configuration: Verifier is required.")
	}

	return cfg
}
