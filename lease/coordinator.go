// Package lease implements the reference-counted coordinator that mediates
// shared access to an asynchronously provisioned network bearer. One
// coordinator exists per owner identity; requesters bracket their use of the
// bearer with Acquire and Release, and the coordinator talks to the provider
// through an asynchronous event protocol.
package lease

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/timzifer/netlease/httpclient"
	"github.com/timzifer/netlease/metering"
	"github.com/timzifer/netlease/provider"
	"github.com/timzifer/netlease/telemetry"
)

// CoordinatorConfig bundles the dependencies of a coordinator.
type CoordinatorConfig struct {
	Owner    string
	Spec     provider.RequestSpec
	Provider provider.Provider
	Slots    provider.SlotResolver
	Settings Settings

	// CostPerMiB prices metered traffic for derived clients; empty means
	// unmetered.
	CostPerMiB string

	Logger    zerolog.Logger
	Telemetry telemetry.Collector
	Clock     clock.Clock
}

// Coordinator owns the acquire/release state machine for one owner identity.
//
// All state is guarded by a single mutex. Acquire is the only blocking
// operation; it waits on a generation channel that is closed (broadcast) when
// a shared outcome is recorded, with the lock dropped for the wait interval.
// Provider implementations must deliver events asynchronously, never from
// inside Request.
type Coordinator struct {
	owner    string
	spec     provider.RequestSpec
	provider provider.Provider
	slots    provider.SlotResolver
	settings Settings
	cost     string

	clock     clock.Clock
	logger    zerolog.Logger
	telemetry telemetry.Collector

	mu   sync.Mutex
	wake chan struct{}

	bearer       provider.Bearer
	pending      *bearerRequest
	refCount     int
	waiters      int
	client       *httpclient.Client
	releaseTimer *clock.Timer
	releaseDelay time.Duration

	// lastPreferred remembers whether the most recent available bearer was
	// of the preferred class; a preferred bearer only replaces a held one
	// when the previous report was not preferred.
	lastPreferred   bool
	alternateActive bool

	slot         string
	slotResolved bool
}

// bearerRequest is the callback token for one outstanding provider request.
// It stays registered until the coordinator resets, mirroring the standing
// request the provider keeps serving events on.
type bearerRequest struct {
	c *Coordinator
}

// HandleBearerEvent forwards provider events into the coordinator.
func (r *bearerRequest) HandleBearerEvent(ev provider.Event) {
	r.c.handleEvent(r, ev)
}

// NewCoordinator builds a coordinator for one owner identity.
func NewCoordinator(cfg CoordinatorConfig) (*Coordinator, error) {
	if cfg.Owner == "" {
		return nil, errors.New("coordinator owner must not be empty")
	}
	if cfg.Provider == nil {
		return nil, errors.New("coordinator provider must not be nil")
	}
	if cfg.Slots == nil {
		return nil, errors.New("coordinator slot resolver must not be nil")
	}
	if cfg.Settings == nil {
		return nil, errors.New("coordinator settings must not be nil")
	}
	if cfg.CostPerMiB != "" {
		if _, err := metering.NewMeter(cfg.CostPerMiB); err != nil {
			return nil, fmt.Errorf("owner %s: %w", cfg.Owner, err)
		}
	}
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	collector := cfg.Telemetry
	if collector == nil {
		collector = telemetry.Noop()
	}
	return &Coordinator{
		owner:        cfg.Owner,
		spec:         cfg.Spec,
		provider:     cfg.Provider,
		slots:        cfg.Slots,
		settings:     cfg.Settings,
		cost:         cfg.CostPerMiB,
		clock:        clk,
		logger:       cfg.Logger.With().Str("component", "lease").Str("owner", cfg.Owner).Logger(),
		telemetry:    collector,
		wake:         make(chan struct{}),
		releaseDelay: cfg.Settings.ReleaseDelay(cfg.Owner),
	}, nil
}

// Owner returns the owner identity this coordinator manages bearers for.
func (c *Coordinator) Owner() string {
	return c.owner
}

// Acquire obtains shared access to the bearer, provisioning one if necessary.
// The reference count is incremented even when the call fails; callers must
// pair every Acquire with a Release. Context cancellation is local to this
// caller and leaves shared state untouched.
func (c *Coordinator) Acquire(ctx context.Context, requestID string) error {
	if ctx == nil {
		ctx = context.Background()
	}
	timeout := c.settings.RequestTimeout() + c.settings.AcquireGrace()

	c.mu.Lock()
	c.stopReleaseTimerLocked()
	c.refCount++
	c.telemetry.SetRefCount(c.owner, c.refCount)

	if c.bearer != nil {
		c.mu.Unlock()
		c.logger.Debug().Str("request", requestID).Msg("bearer already available")
		c.telemetry.IncAcquire(c.owner, "fast")
		return nil
	}

	if !c.slotResolved {
		slot, err := c.slots.Slot(c.owner)
		if err != nil || slot == "" {
			c.mu.Unlock()
			c.telemetry.IncAcquire(c.owner, "invalid_owner")
			if err == nil {
				err = ErrInvalidOwner
			} else {
				err = fmt.Errorf("%w: %v", ErrInvalidOwner, err)
			}
			return &AcquisitionError{Owner: c.owner, RequestID: requestID, Err: err}
		}
		c.slot = slot
		c.slotResolved = true
	}

	if c.pending == nil {
		c.logger.Debug().Str("request", requestID).Msg("issuing new bearer request")
		req := &bearerRequest{c: c}
		if err := c.provider.Request(c.spec, req, c.settings.RequestTimeout()); err != nil {
			c.mu.Unlock()
			c.telemetry.IncAcquire(c.owner, "denied")
			return &AcquisitionError{Owner: c.owner, RequestID: requestID, Err: fmt.Errorf("%w: %v", ErrAcquireDenied, err)}
		}
		c.pending = req
	}

	wake := c.wake
	c.waiters++
	c.mu.Unlock()

	timer := c.clock.Timer(timeout)
	defer timer.Stop()

	interrupted := false
	select {
	case <-wake:
	case <-timer.C:
	case <-ctx.Done():
		interrupted = true
	}

	c.mu.Lock()
	c.waiters--

	if c.bearer != nil {
		c.mu.Unlock()
		c.telemetry.IncAcquire(c.owner, "granted")
		return nil
	}

	if interrupted {
		// Only this caller fails; a grant landing moments later must not
		// be lost for the other waiters.
		c.mu.Unlock()
		c.logger.Warn().Str("request", requestID).Msg("acquire wait interrupted")
		c.telemetry.IncAcquire(c.owner, "interrupted")
		return &AcquisitionError{Owner: c.owner, RequestID: requestID, Err: fmt.Errorf("%w: %v", ErrAcquireInterrupted, ctx.Err())}
	}

	if c.pending != nil {
		// Timed out. Fail every blocked caller together so they can retry
		// against a fresh request.
		c.logger.Error().Str("request", requestID).Dur("timeout", timeout).Msg("bearer request timed out")
		c.releaseRequestLocked()
		c.broadcastLocked()
		c.mu.Unlock()
		c.telemetry.IncAcquire(c.owner, "timeout")
		return &AcquisitionError{Owner: c.owner, RequestID: requestID, Err: ErrAcquireTimeout}
	}

	c.mu.Unlock()
	c.telemetry.IncAcquire(c.owner, "denied")
	return &AcquisitionError{Owner: c.owner, RequestID: requestID, Err: ErrAcquireDenied}
}

// Release gives up one reference to the bearer.
//
// canRelease=false keeps the bearer regardless of the resulting count; the
// caller asserts it is needed for an immediate follow-up. shouldDelayRelease
// defers the teardown by the configured delay so a final operation, such as an
// acknowledgement, can still use the same bearer. Release never fails; calls
// without a matching acquire are logged and ignored.
func (c *Coordinator) Release(requestID string, canRelease, shouldDelayRelease bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.refCount <= 0 {
		c.logger.Warn().Str("request", requestID).Msg("release without matching acquire")
		return
	}
	c.refCount--
	c.telemetry.SetRefCount(c.owner, c.refCount)
	c.logger.Debug().
		Str("request", requestID).
		Int("count", c.refCount).
		Bool("can_release", canRelease).
		Bool("delayed", shouldDelayRelease).
		Msg("bearer released")

	if c.refCount > 0 {
		c.telemetry.IncRelease(c.owner, "held")
		return
	}
	if !canRelease {
		c.telemetry.IncRelease(c.owner, "retained")
		return
	}
	if shouldDelayRelease {
		c.stopReleaseTimerLocked()
		c.releaseTimer = c.clock.AfterFunc(c.releaseDelay, c.delayedRelease)
		c.telemetry.IncRelease(c.owner, "delayed")
		return
	}
	c.releaseRequestLocked()
	c.telemetry.IncRelease(c.owner, "immediate")
}

// delayedRelease is the scheduled teardown body. An acquire that arrived in
// the meantime bumped the count, so the release is skipped.
func (c *Coordinator) delayedRelease() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.refCount > 0 {
		return
	}
	c.logger.Debug().Msg("delayed bearer release firing")
	c.releaseRequestLocked()
}

// Client returns the HTTP client bound to the current bearer, building it
// lazily. It returns nil when no bearer is held.
func (c *Coordinator) Client() *httpclient.Client {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client == nil && c.bearer != nil {
		meter, err := metering.NewMeter(c.cost)
		if err != nil {
			// Validated at construction; an error here means the cost
			// string changed underneath us, so fall back to unmetered.
			c.logger.Warn().Err(err).Msg("bearer meter unavailable")
		}
		c.client = httpclient.New(c.bearer, meter, c.logger)
	}
	return c.client
}

// AlternateTransportActive reports whether the most recent available bearer
// rides the alternate (satellite-class) transport.
func (c *Coordinator) AlternateTransportActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alternateActive
}

// ActiveBearerName returns the provider-reported name (APN analog) of the
// held bearer.
func (c *Coordinator) ActiveBearerName() (string, bool) {
	c.mu.Lock()
	bearer := c.bearer
	c.mu.Unlock()
	if bearer == nil {
		return "", false
	}
	info, err := c.provider.Info(bearer)
	if err != nil {
		c.logger.Debug().Err(err).Msg("bearer info unavailable")
		return "", false
	}
	if info.Name == "" {
		return "", false
	}
	return info.Name, true
}

// HandleConfigChanged refreshes the cached release delay after a
// configuration change scoped to this coordinator's owner. Notifications for
// other owners are ignored.
func (c *Coordinator) HandleConfigChanged(owner string) {
	if owner != c.owner {
		return
	}
	// Read outside the lock: the settings store may block.
	delay := c.settings.ReleaseDelay(owner)
	c.mu.Lock()
	c.releaseDelay = delay
	c.mu.Unlock()
	c.logger.Debug().Dur("release_delay", delay).Msg("release delay reloaded")
}

// HandleSlotRemoved force-releases any in-flight request when the physical
// slot backing this coordinator disappears, waking blocked callers so they
// fail promptly instead of waiting out the timeout.
func (c *Coordinator) HandleSlotRemoved(slot string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.slotResolved || slot != c.slot {
		return
	}
	c.logger.Info().Str("slot", slot).Msg("slot removed, cancelling bearer request")
	c.releaseRequestLocked()
	c.broadcastLocked()
}

// Status is a point-in-time snapshot for diagnostics.
type Status struct {
	Owner           string
	Slot            string
	RefCount        int
	Waiters         int
	Held            bool
	BearerID        string
	BearerClass     string
	AlternateActive bool
	Usage           metering.Usage
}

// Status returns a diagnostic snapshot of the coordinator.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	status := Status{
		Owner:           c.owner,
		Slot:            c.slot,
		RefCount:        c.refCount,
		Waiters:         c.waiters,
		Held:            c.bearer != nil,
		AlternateActive: c.alternateActive,
	}
	if c.bearer != nil {
		status.BearerID = c.bearer.ID()
		status.BearerClass = c.bearer.Class().String()
	}
	if c.client != nil {
		status.Usage = c.client.Usage()
	}
	return status
}

// handleEvent is the single transition function for provider events. Events
// from a superseded request token are ignored; the provider was told to
// cancel it already.
func (c *Coordinator) handleEvent(r *bearerRequest, ev provider.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.pending != r {
		c.logger.Debug().Stringer("event", ev.Kind).Msg("ignoring event from stale request")
		return
	}

	switch ev.Kind {
	case provider.EventAvailable, provider.EventCapabilitiesChanged:
		c.handleCapabilitiesLocked(ev)
	case provider.EventLost:
		// Wait for another bearer; do not wake anyone and leave the
		// request standing so a replacement can still arrive. Blocked
		// callers fail no later than their original timeout.
		if sameBearer(ev.Bearer, c.bearer) {
			c.logger.Warn().Str("bearer", ev.Bearer.ID()).Msg("bearer lost")
			c.dropBearerLocked()
		}
	case provider.EventUnavailable:
		// Terminal: fail every waiter together.
		c.logger.Warn().Msg("bearer request unavailable")
		c.releaseRequestLocked()
		c.broadcastLocked()
	default:
		c.logger.Error().Stringer("event", ev.Kind).Msg("ignoring event of unexpected kind")
	}
}

func (c *Coordinator) handleCapabilitiesLocked(ev provider.Event) {
	if ev.Bearer == nil {
		return
	}
	info, err := c.provider.Info(ev.Bearer)
	if err != nil {
		c.logger.Debug().Err(err).Msg("bearer classification unavailable, using event snapshot")
		info = provider.Info{
			Suitable:  !ev.Caps.Suspended,
			Preferred: ev.Caps.Has("wlan"),
			Name:      ev.Caps.Name,
		}
	}
	c.logger.Debug().
		Str("bearer", ev.Bearer.ID()).
		Bool("suitable", info.Suitable).
		Bool("preferred", info.Preferred).
		Msg("bearer capabilities reported")

	if !info.Suitable {
		if sameBearer(ev.Bearer, c.bearer) {
			// Held bearer became suspended. Wait for it to recover or
			// for a replacement; no wake.
			c.dropBearerLocked()
		}
		return
	}

	if c.bearer == nil {
		c.bearer = ev.Bearer
		c.telemetry.SetBearerHeld(c.owner, true)
		c.broadcastLocked()
	} else if c.settings.AlternatePreferenceEnabled() && !c.lastPreferred && info.Preferred {
		// A strictly more preferred bearer arrived while a less
		// preferred one is in use: swap it in and abort in-flight
		// operations so they retry on the replacement. Successful
		// acquirers are not blocked, so nobody is woken.
		c.logger.Info().Str("bearer", ev.Bearer.ID()).Msg("preferred bearer replaces current")
		if c.client != nil {
			c.client.Abort()
			c.client = nil
		}
		c.bearer = ev.Bearer
		c.telemetry.IncHotSwap(c.owner)
	}
	c.lastPreferred = info.Preferred
	c.alternateActive = ev.Caps.Has("satellite")
}

// releaseRequestLocked cancels the outstanding provider request, if any, and
// resets the bearer state. Cancel errors are logged and ignored: cancelling a
// request the provider already dropped is a known race, and the reset must
// proceed regardless so the coordinator cannot get stuck in a broken pending
// state.
func (c *Coordinator) releaseRequestLocked() {
	if c.pending != nil {
		if err := c.provider.Cancel(c.pending); err != nil {
			c.logger.Warn().Err(err).Msg("cancel bearer request")
		}
	}
	c.resetRequestStateLocked()
}

// resetRequestStateLocked clears the bearer, the derived client and the
// request token. The reference count is deliberately left alone: failed
// acquirers still hold their increment and release it symmetrically.
func (c *Coordinator) resetRequestStateLocked() {
	c.pending = nil
	c.dropBearerLocked()
}

func (c *Coordinator) dropBearerLocked() {
	c.bearer = nil
	c.client = nil
	c.telemetry.SetBearerHeld(c.owner, false)
}

func (c *Coordinator) stopReleaseTimerLocked() {
	if c.releaseTimer != nil {
		c.releaseTimer.Stop()
		c.releaseTimer = nil
	}
}

// broadcastLocked wakes every caller blocked in Acquire. Outcomes are shared,
// so waiters are always released together.
func (c *Coordinator) broadcastLocked() {
	close(c.wake)
	c.wake = make(chan struct{})
}

func sameBearer(a, b provider.Bearer) bool {
	return a != nil && b != nil && a.ID() == b.ID()
}
