package bridge

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
	goerrors "github.com/goliatone/go-errors"
)

// DefaultSessionTTL is the lifetime of cached sessions and local cookies
const DefaultSessionTTL = 24 * time.Hour

// DefaultSessionCookieName is the local session cookie
const DefaultSessionCookieName = "bridge_session"

const localTokenIssuer = "auth-bridge"

// SessionClaims are the claims of the local session JWT
type SessionClaims struct {
	ProviderUserID string `json:"pid,omitempty"`
	jwt.RegisteredClaims
}

// LocalTokenSigner mints and parses the HS256 local session cookie
type LocalTokenSigner struct {
	key   []byte
	ttl   time.Duration
	clock Clock
}

// NewLocalTokenSigner returns a signer for key
func NewLocalTokenSigner(key string, ttl time.Duration, clock Clock) *LocalTokenSigner {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	if clock == nil {
		clock = time.Now
	}
	return &LocalTokenSigner{key: []byte(key), ttl: ttl, clock: clock}
}

// Mint returns a signed token for the local user with its expiry
func (s *LocalTokenSigner) Mint(localUserID, providerUserID string) (string, time.Time, error) {
	if len(s.key) == 0 {
		return "", time.Time{}, goerrors.New("local signing key is required", goerrors.CategoryInternal)
	}

	now := s.clock()
	expiresAt := now.Add(s.ttl)
	claims := SessionClaims{
		ProviderUserID: providerUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   localUserID,
			Issuer:    localTokenIssuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", time.Time{}, goerrors.Wrap(err, goerrors.CategoryInternal, "unable to sign session token")
	}
	return signed, expiresAt, nil
}

// Parse verifies a local session token
func (s *LocalTokenSigner) Parse(raw string) (*SessionClaims, error) {
	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return s.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(localTokenIssuer),
		jwt.WithTimeFunc(s.clock),
	)
	if err != nil {
		return nil, malformedToken(err)
	}
	return claims, nil
}

// InboundToken is what the bridge reads from a provider issued token
type InboundToken struct {
	Raw       string
	Subject   string
	ExpiresAt time.Time
	Verified  bool
}

// TokenDecoder extracts the subject of provider issued bearer tokens. With
// no key configured the signature is not checked, the remote session
// lookup is what authenticates the token then.
type TokenDecoder struct {
	keyfunc jwt.Keyfunc
	clock   Clock
}

// NewTokenDecoder verifies HS256 tokens with secret when it is set
func NewTokenDecoder(secret string, clock Clock) *TokenDecoder {
	d := &TokenDecoder{clock: clock}
	if d.clock == nil {
		d.clock = time.Now
	}
	if secret != "" {
		key := []byte(secret)
		d.keyfunc = func(t *jwt.Token) (any, error) {
			return key, nil
		}
	}
	return d
}

// WithKeyfunc verifies tokens with kf, typically a JWKS keyfunc
func (d *TokenDecoder) WithKeyfunc(kf jwt.Keyfunc) *TokenDecoder {
	if kf != nil {
		d.keyfunc = kf
	}
	return d
}

// NewJWKSKeyfunc fetches the provider key set and keeps it refreshed
func NewJWKSKeyfunc(url string, logger Logger) (jwt.Keyfunc, error) {
	logger = normalizeLogger(logger)
	jwks, err := keyfunc.Get(url, keyfunc.Options{
		RefreshErrorHandler: func(err error) {
			logger.Warn("failed to refresh provider JWKS", "url", url, "error", err)
		},
		RefreshInterval:   time.Hour,
		RefreshRateLimit:  time.Minute * 5,
		RefreshTimeout:    time.Second * 10,
		RefreshUnknownKID: true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get JWKS from %s: %w", url, err)
	}
	return jwks.Keyfunc, nil
}

// Decode strips a Bearer prefix, checks the three segment structure and
// reads the subject.
func (d *TokenDecoder) Decode(token string) (*InboundToken, error) {
	raw := strings.TrimSpace(token)
	if len(raw) > 7 && strings.EqualFold(raw[:7], "bearer ") {
		raw = strings.TrimSpace(raw[7:])
	}

	parts := strings.Split(raw, ".")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return nil, ErrMalformedToken.Clone().WithMetadata(map[string]any{
			"segments": len(parts),
		})
	}

	claims := jwt.MapClaims{}
	verified := false
	if d.keyfunc != nil {
		if _, err := jwt.ParseWithClaims(raw, claims, d.keyfunc, jwt.WithTimeFunc(d.clock)); err != nil {
			return nil, malformedToken(err)
		}
		verified = true
	} else {
		if _, _, err := jwt.NewParser().ParseUnverified(raw, claims); err != nil {
			return nil, malformedToken(err)
		}
	}

	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, ErrMalformedToken.Clone().WithMetadata(map[string]any{
			"reason": "missing subject",
		})
	}

	out := &InboundToken{Raw: raw, Subject: sub, Verified: verified}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		out.ExpiresAt = exp.Time
	}
	return out, nil
}

func malformedToken(err error) error {
	clone := ErrMalformedToken.Clone()
	clone.Source = err
	reason := "invalid"
	if errors.Is(err, jwt.ErrTokenExpired) {
		reason = "expired"
	}
	return clone.WithMetadata(map[string]any{
		"reason": reason,
		"cause":  err.Error(),
	})
}
