package bridge

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// DefaultSignatureWindow is the accepted clock skew for signed requests
const DefaultSignatureWindow = 300 * time.Second

// SignatureValidator verifies shared secret HMAC signatures on
// provider originated requests. The signed message is the decimal
// unix timestamp sent alongside the signature.
type SignatureValidator struct {
	window time.Duration
	clock  Clock
}

// SignatureOption configures a SignatureValidator
type SignatureOption func(*SignatureValidator)

// WithSignatureWindow overrides the accepted skew
func WithSignatureWindow(window time.Duration) SignatureOption {
	return func(v *SignatureValidator) {
		if window > 0 {
			v.window = window
		}
	}
}

// WithSignatureClock injects the time source
func WithSignatureClock(clock Clock) SignatureOption {
	return func(v *SignatureValidator) {
		if clock != nil {
			v.clock = clock
		}
	}
}

// NewSignatureValidator returns a validator with a 300s window
func NewSignatureValidator(opts ...SignatureOption) *SignatureValidator {
	v := &SignatureValidator{
		window: DefaultSignatureWindow,
		clock:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(v)
		}
	}
	return v
}

// Validate reports whether signature matches timestamp under secret and the
// timestamp is within the window in either direction.
func (v *SignatureValidator) Validate(timestamp, signature, secret string) bool {
	return v.Verify(timestamp, signature, secret) == nil
}

// Verify is Validate returning ErrInvalidSignature with the failure reason
// in the error metadata.
func (v *SignatureValidator) Verify(timestamp, signature, secret string) error {
	timestamp = strings.TrimSpace(timestamp)
	signature = strings.TrimSpace(signature)

	if timestamp == "" || signature == "" || secret == "" {
		return invalidSignature("missing_field")
	}

	ts, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return invalidSignature("malformed_timestamp")
	}

	skew := v.clock().Unix() - ts
	if skew < 0 {
		skew = -skew
	}
	if skew > int64(v.window/time.Second) {
		return invalidSignature("expired")
	}

	expected := Sign(timestamp, secret)
	if !hmac.Equal([]byte(expected), []byte(strings.ToLower(signature))) {
		return invalidSignature("mismatch")
	}

	return nil
}

// Sign returns hex(HMAC-SHA256(secret, timestamp))
func Sign(timestamp, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

// SignNow signs the current unix time and returns both header values
func SignNow(secret string, clock Clock) (timestamp, signature string) {
	if clock == nil {
		clock = time.Now
	}
	timestamp = strconv.FormatInt(clock().Unix(), 10)
	return timestamp, Sign(timestamp, secret)
}

func invalidSignature(reason string) error {
	return ErrInvalidSignature.Clone().WithMetadata(map[string]any{
		"reason": reason,
	})
}
