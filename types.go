package bridge

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Logger is the structured logger used across the bridge. It matches the
// leveled methods of glog.Logger so a named glog logger can be passed in.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// Config holds bridge options
type Config interface {
	GetSharedSecret() string
	GetSignatureWindow() time.Duration
	GetSessionTTL() time.Duration
	GetLocalSigningKey() string
	GetSessionCookieName() string
	GetProviderJWTSecret() string
	GetProviderJWKSURL() string
	GetAutoSyncRoles() []string
	GetLockedRoles() []string
	GetLookupAttempts() int
	GetLookupDelay() time.Duration
	GetSyncAttempts() int
	GetSyncDelay() time.Duration
	GetBulkConcurrency() int
	GetBulkItemTimeout() time.Duration
	GetDeterministicIDs() bool
}

// Clock returns the current time, injected so tests can pin "now".
type Clock func() time.Time

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

func contextSleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

type defLogger struct{}

func (d defLogger) Debug(msg string, args ...any) {
	fmt.Println("[DBG] BRIDGE " + line(msg, args...))
}

func (d defLogger) Info(msg string, args ...any) {
	fmt.Println("[INF] BRIDGE " + line(msg, args...))
}

func (d defLogger) Warn(msg string, args ...any) {
	fmt.Println("[WRN] BRIDGE " + line(msg, args...))
}

func (d defLogger) Error(msg string, args ...any) {
	fmt.Println("[ERR] BRIDGE " + line(msg, args...))
}

// line renders key/value pairs after the message, slog style.
func line(msg string, args ...any) string {
	var b strings.Builder
	b.WriteString(msg)
	for i := 0; i < len(args); i += 2 {
		if i+1 < len(args) {
			fmt.Fprintf(&b, " %v=%v", args[i], args[i+1])
			continue
		}
		fmt.Fprintf(&b, " %v", args[i])
	}
	return b.String()
}

func normalizeLogger(l Logger) Logger {
	if l == nil {
		return defLogger{}
	}
	return l
}
