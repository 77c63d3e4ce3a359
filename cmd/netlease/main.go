package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/timzifer/netlease/config"
	"github.com/timzifer/netlease/gateway"
	"github.com/timzifer/netlease/internal/logging"
	"github.com/timzifer/netlease/telemetry"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "Path to configuration file")
	healthcheck := flag.Bool("healthcheck", false, "Run a health check against a running gateway and exit")
	configCheck := flag.Bool("config-check", false, "Validate configuration and exit")
	flag.Parse()

	if *healthcheck {
		if err := executeHealthCheck(*cfgPath); err != nil {
			fmt.Fprintf(os.Stderr, "health check failed: %v\n", err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	if *configCheck {
		os.Exit(executeConfigCheck(cfg))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger, cleanup, err := logging.Setup(cfg.Logging)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to setup logger")
	}
	defer cleanup()
	log.Logger = logger

	collector, err := newTelemetryCollector(cfg.Telemetry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "telemetry disabled: %v\n", err)
		collector = telemetry.Noop()
	}

	g, err := gateway.New(*cfgPath, cfg, gateway.Options{
		Logger:    logger,
		Telemetry: collector,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create gateway")
	}
	defer g.Close()

	if err := g.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Fatal().Err(err).Msg("gateway stopped with error")
	}
}

// executeHealthCheck probes the status endpoint of an already running gateway
// using the listen address from the configuration file.
func executeHealthCheck(path string) error {
	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if !cfg.Status.Enabled {
		// Without a status endpoint a valid configuration is the best
		// available signal.
		return nil
	}
	listen := cfg.Status.Listen
	if listen == "" {
		listen = ":18090"
	}
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get("http://localhost" + normalizeListen(listen) + "/healthz")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return nil
}

// normalizeListen reduces a listen address to the :port form the health check
// dials on localhost.
func normalizeListen(listen string) string {
	for i := len(listen) - 1; i >= 0; i-- {
		if listen[i] == ':' {
			return listen[i:]
		}
	}
	return listen
}

func executeConfigCheck(cfg *config.Config) int {
	fmt.Printf("Configuration valid: %d owner(s)\n", len(cfg.Owners))
	for _, owner := range cfg.Owners {
		fmt.Printf("Owner %q\n", owner.ID)
		fmt.Printf("  Slot: %s\n", owner.Slot)
		if owner.Capability != "" {
			fmt.Printf("  Capability: %s\n", owner.Capability)
		}
		fmt.Printf("  Release delay: %s\n", cfg.ReleaseDelayFor(owner.ID))
		if owner.CostPerMiB != "" {
			fmt.Printf("  Cost per MiB: %s\n", owner.CostPerMiB)
		}
		if owner.Rules.Suitable != "" {
			fmt.Printf("  Suitable rule: %s\n", owner.Rules.Suitable)
		}
		if owner.Rules.Preferred != "" {
			fmt.Printf("  Preferred rule: %s\n", owner.Rules.Preferred)
		}
	}
	return 0
}

func newTelemetryCollector(cfg config.TelemetryConfig) (telemetry.Collector, error) {
	if !cfg.Enabled {
		return telemetry.Noop(), nil
	}
	collector, err := telemetry.NewPrometheusCollector(nil)
	if err != nil {
		return nil, err
	}
	return collector, nil
}
