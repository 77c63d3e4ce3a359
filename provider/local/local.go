// Package local implements an in-process bearer provider. It grants bearers
// that dial through the host network stack after a configurable delay, which
// makes it suitable for the daemon's default wiring, demos and integration
// tests. Classification of capability reports is delegated to compiled rules.
package local

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/timzifer/netlease/provider"
	"github.com/timzifer/netlease/rules"
)

// Settings tunes the provider behaviour.
type Settings struct {
	// GrantDelay is how long provisioning takes before the bearer becomes
	// available or the request is denied.
	GrantDelay time.Duration
	// Deny makes every request terminate with an unavailable event.
	Deny bool
	// Name is the access point name reported with granted bearers.
	Name string
	// Transports lists the transport tags of granted bearers.
	Transports []string
	// Metered marks granted bearers as billed.
	Metered bool
}

type grant struct {
	sink   provider.EventSink
	bearer *localBearer
	caps   provider.Capabilities
	timer  *clock.Timer
}

// Provider grants local bearers asynchronously.
type Provider struct {
	mu       sync.Mutex
	settings Settings
	clock    clock.Clock
	rules    *rules.Classifier
	logger   zerolog.Logger

	nextID  int
	pending map[provider.EventSink]*grant
	granted map[string]*grant
}

// New creates a provider. clk may be nil to use the wall clock; classifier may
// be nil to use the default rules.
func New(settings Settings, classifier *rules.Classifier, logger zerolog.Logger, clk clock.Clock) *Provider {
	if clk == nil {
		clk = clock.New()
	}
	if settings.Name == "" {
		settings.Name = "local"
	}
	if len(settings.Transports) == 0 {
		settings.Transports = []string{"cellular"}
	}
	return &Provider{
		settings: settings,
		clock:    clk,
		rules:    classifier,
		logger:   logger.With().Str("component", "provider.local").Logger(),
		pending:  make(map[provider.EventSink]*grant),
		granted:  make(map[string]*grant),
	}
}

// Request schedules a grant (or denial) for the sink after the configured
// delay. The timeout is advisory for this provider: local provisioning either
// completes within the grant delay or denies explicitly.
func (p *Provider) Request(spec provider.RequestSpec, sink provider.EventSink, timeout time.Duration) error {
	if sink == nil {
		return fmt.Errorf("local provider: sink must not be nil")
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.pending[sink]; exists {
		return fmt.Errorf("local provider: sink already registered")
	}

	p.nextID++
	bearer := &localBearer{
		id:    fmt.Sprintf("local-%d", p.nextID),
		class: classFor(p.settings.Transports),
	}
	entry := &grant{
		sink:   sink,
		bearer: bearer,
		caps: provider.Capabilities{
			Transports: append([]string(nil), p.settings.Transports...),
			Metered:    p.settings.Metered,
			Name:       p.settings.Name,
		},
	}
	p.pending[sink] = entry

	deny := p.settings.Deny
	delay := p.settings.GrantDelay
	p.logger.Debug().
		Str("owner", spec.Owner).
		Str("capability", spec.Capability).
		Dur("delay", delay).
		Bool("deny", deny).
		Dur("timeout", timeout).
		Msg("bearer request registered")
	entry.timer = p.clock.AfterFunc(delay, func() {
		p.resolve(entry, deny)
	})
	return nil
}

func (p *Provider) resolve(entry *grant, deny bool) {
	p.mu.Lock()
	current, ok := p.pending[entry.sink]
	if !ok || current != entry {
		p.mu.Unlock()
		return
	}
	if deny {
		delete(p.pending, entry.sink)
	} else {
		p.granted[entry.bearer.id] = entry
	}
	p.mu.Unlock()

	if deny {
		entry.sink.HandleBearerEvent(provider.Event{Kind: provider.EventUnavailable})
		return
	}
	entry.sink.HandleBearerEvent(provider.Event{
		Kind:   provider.EventAvailable,
		Bearer: entry.bearer,
		Caps:   entry.caps,
	})
}

// Cancel unregisters the sink and stops any scheduled grant. Cancelling an
// unknown or already cancelled sink returns ErrUnknownSink.
func (p *Provider) Cancel(sink provider.EventSink) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	entry, ok := p.pending[sink]
	if !ok {
		return provider.ErrUnknownSink
	}
	delete(p.pending, sink)
	if entry.bearer != nil {
		delete(p.granted, entry.bearer.id)
	}
	if entry.timer != nil {
		entry.timer.Stop()
	}
	return nil
}

// Info classifies the bearer's last reported capabilities.
func (p *Provider) Info(bearer provider.Bearer) (provider.Info, error) {
	if bearer == nil {
		return provider.Info{}, provider.ErrUnknownBearer
	}
	p.mu.Lock()
	entry, ok := p.granted[bearer.ID()]
	p.mu.Unlock()
	if !ok {
		return provider.Info{}, provider.ErrUnknownBearer
	}
	return p.rules.Classify(entry.caps)
}

// UpdateCapabilities replaces the capability snapshot of a granted bearer and
// notifies its sink. Used to drive suspension and restoration scenarios.
func (p *Provider) UpdateCapabilities(bearerID string, caps provider.Capabilities) error {
	p.mu.Lock()
	entry, ok := p.granted[bearerID]
	if ok {
		entry.caps = caps
	}
	p.mu.Unlock()
	if !ok {
		return provider.ErrUnknownBearer
	}
	entry.sink.HandleBearerEvent(provider.Event{
		Kind:   provider.EventCapabilitiesChanged,
		Bearer: entry.bearer,
		Caps:   caps,
	})
	return nil
}

// Lose revokes a granted bearer and notifies its sink.
func (p *Provider) Lose(bearerID string) error {
	p.mu.Lock()
	entry, ok := p.granted[bearerID]
	if ok {
		delete(p.granted, bearerID)
	}
	p.mu.Unlock()
	if !ok {
		return provider.ErrUnknownBearer
	}
	entry.sink.HandleBearerEvent(provider.Event{
		Kind:   provider.EventLost,
		Bearer: entry.bearer,
		Caps:   entry.caps,
	})
	return nil
}

func classFor(transports []string) provider.Class {
	for _, t := range transports {
		if t == "wlan" {
			return provider.ClassWLAN
		}
	}
	for _, t := range transports {
		if t == "satellite" {
			return provider.ClassSatellite
		}
	}
	return provider.ClassCellular
}

// localBearer dials through the host network stack.
type localBearer struct {
	id    string
	class provider.Class
}

func (b *localBearer) ID() string            { return b.id }
func (b *localBearer) Class() provider.Class { return b.class }

func (b *localBearer) DialContext(ctx context.Context, network, address string) (net.Conn, error) {
	var dialer net.Dialer
	return dialer.DialContext(ctx, network, address)
}
