package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/Moasy1/LIA-Sales-Agent/pkg/realtime"
)

// ErrAllDialersFailed is returned by [FallbackDialer.Dial] when every
// registered dialer fails or has an open circuit breaker.
var ErrAllDialersFailed = errors.New("resilience: all dialers failed")

// FallbackConfig configures the per-entry circuit breaker created for each
// dialer in a [FallbackDialer].
type FallbackConfig struct {
	CircuitBreaker CircuitBreakerConfig
}

// dialerEntry pairs a named dialer with its dedicated circuit breaker.
type dialerEntry struct {
	name    string
	dialer  realtime.Dialer
	breaker *CircuitBreaker
}

// FallbackDialer implements [realtime.Dialer] with automatic failover across
// multiple providers. Each provider has its own circuit breaker, so a
// provider that keeps refusing connections is skipped until its breaker
// allows a probe again.
//
// With a single registered dialer the breaker still applies, shielding
// reconnect attempts from hammering a dead endpoint.
type FallbackDialer struct {
	entries []dialerEntry
	cfg     FallbackConfig
}

var _ realtime.Dialer = (*FallbackDialer)(nil)

// NewFallbackDialer creates a [FallbackDialer] with primary as the preferred
// provider. Additional providers are registered via
// [FallbackDialer.AddFallback].
func NewFallbackDialer(primaryName string, primary realtime.Dialer, cfg FallbackConfig) *FallbackDialer {
	f := &FallbackDialer{cfg: cfg}
	f.add(primaryName, primary)
	return f
}

// AddFallback appends a fallback provider. Fallbacks are tried in the order
// they are added, after the primary.
func (f *FallbackDialer) AddFallback(name string, d realtime.Dialer) {
	f.add(name, d)
}

func (f *FallbackDialer) add(name string, d realtime.Dialer) {
	cbCfg := f.cfg.CircuitBreaker
	cbCfg.Name = name
	f.entries = append(f.entries, dialerEntry{
		name:    name,
		dialer:  d,
		breaker: NewCircuitBreaker(cbCfg),
	})
}

// Dial opens a channel against the first healthy provider. Entries with an
// open breaker are skipped; a dial failure moves on to the next entry.
// Returns [ErrAllDialersFailed] wrapped with the last error when every entry
// fails.
func (f *FallbackDialer) Dial(ctx context.Context, cfg realtime.SessionConfig) (realtime.Channel, error) {
	var lastErr error
	for i := range f.entries {
		entry := &f.entries[i]

		var ch realtime.Channel
		err := entry.breaker.Execute(func() error {
			var dialErr error
			ch, dialErr = entry.dialer.Dial(ctx, cfg)
			return dialErr
		})
		if err == nil {
			return ch, nil
		}
		lastErr = err

		if ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %w", ErrAllDialersFailed, lastErr)
		}
		if errors.Is(err, ErrCircuitOpen) {
			slog.Debug("resilience: skipping provider, circuit open", "provider", entry.name)
		} else {
			slog.Warn("resilience: provider dial failed, trying next",
				"provider", entry.name, "err", err)
		}
	}
	return nil, fmt.Errorf("%w: %w", ErrAllDialersFailed, lastErr)
}
