package lease

import "time"

// DefaultAcquireGrace is the fixed slack added on top of the provider request
// timeout before a waiting acquire gives up. It covers provider-side delivery
// latency and is deliberately not carrier-configurable.
const DefaultAcquireGrace = 5 * time.Second

// Settings is the read-only configuration store the coordinator consults.
// Implementations must be safe for concurrent use; values are re-read on
// configuration change notifications rather than cached by callers.
type Settings interface {
	// RequestTimeout bounds how long the provider may take to resolve a
	// bearer request.
	RequestTimeout() time.Duration
	// ReleaseDelay returns the delayed-release timeout for the owner.
	ReleaseDelay(owner string) time.Duration
	// AlternatePreferenceEnabled reports whether a preferred-class bearer
	// may replace a held one.
	AlternatePreferenceEnabled() bool
	// AcquireGrace is the additional wait slack on top of RequestTimeout.
	AcquireGrace() time.Duration
}

// StaticSettings is a fixed-value Settings implementation, convenient for
// tests and embedders without a configuration store.
type StaticSettings struct {
	Timeout      time.Duration
	Delay        time.Duration
	AlternatePre bool
	Grace        time.Duration
}

func (s StaticSettings) RequestTimeout() time.Duration {
	if s.Timeout <= 0 {
		return 30 * time.Minute
	}
	return s.Timeout
}

func (s StaticSettings) ReleaseDelay(string) time.Duration {
	if s.Delay <= 0 {
		return 5 * time.Second
	}
	return s.Delay
}

func (s StaticSettings) AlternatePreferenceEnabled() bool {
	return s.AlternatePre
}

func (s StaticSettings) AcquireGrace() time.Duration {
	if s.Grace <= 0 {
		return DefaultAcquireGrace
	}
	return s.Grace
}
