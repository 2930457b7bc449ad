package signature_test

import (
	"strconv"
	"testing"
	"time"

	"github.com/goliatone/go-router"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	bridge "github.com/goliatone/go-auth-bridge"
	"github.com/goliatone/go-auth-bridge/middleware/signature"
)

const secret = "shared-secret"

func fixedValidator(now time.Time) *bridge.SignatureValidator {
	return bridge.NewSignatureValidator(bridge.WithSignatureClock(func() time.Time { return now }))
}

func noop(router.Context) error { return nil }

func TestSignatureMiddlewareAcceptsSignedRequest(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)

	handler := signature.New(signature.Config{
		Verifier: fixedValidator(now),
		Secret:   secret,
	})(noop)

	ctx := router.NewMockContext()
	ctx.On("GetString", signature.HeaderTimestamp, "").Return(ts)
	ctx.On("GetString", signature.HeaderSignature, "").Return(bridge.Sign(ts, secret))

	require.NoError(t, handler(ctx))
	require.True(t, ctx.NextCalled)
}

func TestSignatureMiddlewareRejectsBadSignature(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Unix(), 10)

	handler := signature.New(signature.Config{
		Verifier: fixedValidator(now),
		Secret:   secret,
	})(noop)

	ctx := router.NewMockContext()
	ctx.On("GetString", signature.HeaderTimestamp, "").Return(ts)
	ctx.On("GetString", signature.HeaderSignature, "").Return(bridge.Sign(ts, "other-secret"))

	var payload map[string]string
	ctx.On("JSON", router.StatusUnauthorized, mock.Anything).Run(func(args mock.Arguments) {
		payload = args.Get(1).(map[string]string)
	}).Return(nil)

	require.NoError(t, handler(ctx))
	require.False(t, ctx.NextCalled)
	require.Equal(t, "invalid_signature", payload["error"])
}

func TestSignatureMiddlewareRejectsStaleTimestamp(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	ts := strconv.FormatInt(now.Add(-301*time.Second).Unix(), 10)

	var captured error
	handler := signature.New(signature.Config{
		Verifier: fixedValidator(now),
		Secret:   secret,
		ErrorHandler: func(ctx router.Context, err error) error {
			captured = err
			return err
		},
	})(noop)

	ctx := router.NewMockContext()
	ctx.On("GetString", signature.HeaderTimestamp, "").Return(ts)
	ctx.On("GetString", signature.HeaderSignature, "").Return(bridge.Sign(ts, secret))

	require.Error(t, handler(ctx))
	require.True(t, bridge.IsInvalidSignature(captured))
	require.False(t, ctx.NextCalled)
}

func TestSignatureMiddlewareRejectsMissingHeaders(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	var captured error
	handler := signature.New(signature.Config{
		Verifier: fixedValidator(now),
		Secret:   secret,
		ErrorHandler: func(ctx router.Context, err error) error {
			captured = err
			return err
		},
	})(noop)

	ctx := router.NewMockContext()
	ctx.On("GetString", signature.HeaderTimestamp, "").Return("")
	ctx.On("GetString", signature.HeaderSignature, "").Return("")

	require.Error(t, handler(ctx))
	require.True(t, bridge.IsInvalidSignature(captured))
}

func TestSignatureMiddlewareRequiresSecret(t *testing.T) {
	var captured error
	handler := signature.New(signature.Config{
		Verifier: fixedValidator(time.Now()),
		SecretFunc: func(router.Context) string {
			return ""
		},
		ErrorHandler: func(ctx router.Context, err error) error {
			captured = err
			return err
		},
	})(noop)

	ctx := router.NewMockContext()

	require.ErrorIs(t, handler(ctx), signature.ErrMissingSecret)
	require.ErrorIs(t, captured, signature.ErrMissingSecret)
}

func TestSignatureMiddlewareFilterSkipsVerification(t *testing.T) {
	handler := signature.New(signature.Config{
		Verifier: fixedValidator(time.Now()),
		Secret:   secret,
		Filter: func(router.Context) bool {
			return true
		},
	})(noop)

	ctx := router.NewMockContext()

	require.NoError(t, handler(ctx))
	require.True(t, ctx.NextCalled)
}

func TestSignatureMiddlewarePanicsWithoutVerifier(t *testing.T) {
	require.Panics(t, func() {
		signature.GetDefaultConfig(signature.Config{Secret: secret})
	})
}
