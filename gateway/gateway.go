// Package gateway assembles the lease runtime: one coordinator per configured
// owner, the notification bus, the status and metrics endpoints and the
// configuration reload loop.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/timzifer/netlease/config"
	"github.com/timzifer/netlease/events"
	"github.com/timzifer/netlease/httpclient"
	"github.com/timzifer/netlease/internal/logging"
	"github.com/timzifer/netlease/lease"
	"github.com/timzifer/netlease/provider"
	"github.com/timzifer/netlease/provider/local"
	"github.com/timzifer/netlease/rules"
	"github.com/timzifer/netlease/telemetry"
)

// ErrUnknownOwner is returned for operations on owner identities the
// configuration does not list.
var ErrUnknownOwner = errors.New("gateway: unknown owner")

// Options customises gateway construction. The zero value selects the
// built-in local provider, a no-op telemetry collector and the wall clock.
type Options struct {
	// Provider overrides the built-in local bearer provider. A shared
	// provider serves every owner and is expected to classify bearers
	// itself.
	Provider  provider.Provider
	Logger    zerolog.Logger
	Telemetry telemetry.Collector
	Clock     clock.Clock
}

// Gateway owns the per-owner coordinators and their shared infrastructure.
type Gateway struct {
	settings  *settingsStore
	bus       *events.Bus
	logger    zerolog.Logger
	telemetry telemetry.Collector

	coordinators map[string]*lease.Coordinator
	order        []string

	configPath string
	status     *statusServer
	metrics    *metricsServer
}

// New builds a gateway from the loaded configuration. configPath is the file
// the configuration came from; it is tracked for hot reload and may be empty
// when reload is disabled.
func New(configPath string, cfg *config.Config, opts Options) (*Gateway, error) {
	if cfg == nil {
		return nil, errors.New("gateway: config must not be nil")
	}
	if len(cfg.Owners) == 0 {
		return nil, errors.New("gateway: no owners configured")
	}
	collector := opts.Telemetry
	if collector == nil {
		collector = telemetry.Noop()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := logging.Component(opts.Logger, "gateway")

	settings := newSettingsStore(cfg)
	g := &Gateway{
		settings:     settings,
		bus:          events.NewBus(opts.Logger, collector),
		logger:       logger,
		telemetry:    collector,
		coordinators: make(map[string]*lease.Coordinator, len(cfg.Owners)),
		configPath:   configPath,
	}

	for _, owner := range cfg.Owners {
		prov := opts.Provider
		if prov == nil {
			classifier, err := rules.NewClassifier(owner.Rules.Suitable, owner.Rules.Preferred)
			if err != nil {
				return nil, fmt.Errorf("owner %s: %w", owner.ID, err)
			}
			prov = local.New(local.Settings{
				GrantDelay: cfg.Provider.GrantDelay.Duration,
				Deny:       cfg.Provider.Deny,
				Name:       cfg.Provider.Name,
				Transports: cfg.Provider.Transports,
				Metered:    cfg.Provider.Metered,
			}, classifier, opts.Logger, clk)
		}
		coordinator, err := lease.NewCoordinator(lease.CoordinatorConfig{
			Owner: owner.ID,
			Spec: provider.RequestSpec{
				Owner:      owner.ID,
				Capability: owner.Capability,
				Transport:  provider.ClassCellular,
				Fallback: &provider.FallbackSpec{
					Transport:       provider.ClassSatellite,
					AllowRestricted: true,
				},
			},
			Provider:   prov,
			Slots:      settings,
			Settings:   settings,
			CostPerMiB: owner.CostPerMiB,
			Logger:     opts.Logger,
			Telemetry:  collector,
			Clock:      clk,
		})
		if err != nil {
			return nil, err
		}
		g.coordinators[owner.ID] = coordinator
		g.order = append(g.order, owner.ID)
	}
	sort.Strings(g.order)
	return g, nil
}

// Acquire leases the bearer for the given owner and returns the generated
// request id the caller must pass back to Release.
func (g *Gateway) Acquire(ctx context.Context, owner string) (string, error) {
	coordinator, ok := g.coordinators[owner]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownOwner, owner)
	}
	requestID := uuid.NewString()
	if err := coordinator.Acquire(ctx, requestID); err != nil {
		// The reference is still held; the caller releases it with the
		// returned id regardless of the outcome.
		return requestID, err
	}
	return requestID, nil
}

// Release returns a previously acquired reference.
func (g *Gateway) Release(owner, requestID string, canRelease, shouldDelayRelease bool) error {
	coordinator, ok := g.coordinators[owner]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownOwner, owner)
	}
	coordinator.Release(requestID, canRelease, shouldDelayRelease)
	return nil
}

// Client returns the HTTP client bound to the owner's current bearer, or an
// error when no bearer is held.
func (g *Gateway) Client(owner string) (*httpclient.Client, error) {
	coordinator, ok := g.coordinators[owner]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOwner, owner)
	}
	client := coordinator.Client()
	if client == nil {
		return nil, fmt.Errorf("owner %s holds no bearer", owner)
	}
	return client, nil
}

// Coordinator exposes the coordinator for one owner, mainly for embedders
// that need the lower-level API.
func (g *Gateway) Coordinator(owner string) (*lease.Coordinator, bool) {
	coordinator, ok := g.coordinators[owner]
	return coordinator, ok
}

// Statuses returns a snapshot per owner in stable order.
func (g *Gateway) Statuses() []lease.Status {
	statuses := make([]lease.Status, 0, len(g.order))
	for _, owner := range g.order {
		statuses = append(statuses, g.coordinators[owner].Status())
	}
	return statuses
}

// NotifySlotRemoved publishes a slot removal so affected coordinators tear
// down and wake their blocked callers.
func (g *Gateway) NotifySlotRemoved(slot string) {
	g.bus.PublishSlotRemoved(events.SlotRemoved{Slot: slot})
}

// Run operates the gateway until the context ends: it wires the notification
// watchers, serves the status and metrics endpoints and polls the
// configuration sources for changes when hot reload is enabled.
func (g *Gateway) Run(ctx context.Context) error {
	cfg := g.settings.current()

	coordinators := make([]*lease.Coordinator, 0, len(g.order))
	for _, owner := range g.order {
		coordinators = append(coordinators, g.coordinators[owner])
	}

	configCh, cancelConfig := g.bus.SubscribeConfigChanged()
	defer cancelConfig()
	slotCh, cancelSlot := g.bus.SubscribeSlotRemoved()
	defer cancelSlot()
	go lease.WatchConfig(ctx, configCh, coordinators...)
	go lease.WatchSlotRemoval(ctx, slotCh, coordinators...)

	if cfg.Status.Enabled {
		status, err := newStatusServer(cfg.Status.Listen, g, g.logger)
		if err != nil {
			return fmt.Errorf("start status server: %w", err)
		}
		g.status = status
		defer g.status.close()
	}
	if cfg.Telemetry.Enabled {
		metrics, err := newMetricsServer(cfg.Telemetry.Listen, g.logger)
		if err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
		g.metrics = metrics
		defer g.metrics.close()
	}

	if cfg.HotReload && g.configPath != "" {
		watcher, err := newReloadWatcher(g.configPath, cfg)
		if err != nil {
			return fmt.Errorf("create config watcher: %w", err)
		}
		go g.reloadLoop(ctx, watcher, time.Second)
	}

	g.logger.Info().Int("owners", len(g.order)).Msg("gateway running")
	<-ctx.Done()
	return ctx.Err()
}

// Close releases the bus. Coordinators hold no background resources beyond
// their timers, which are owned by their clock.
func (g *Gateway) Close() {
	g.bus.Close()
}
