package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/netlease/config"
	"github.com/timzifer/netlease/lease"
)

func testGatewayConfig() *config.Config {
	cfg := &config.Config{
		Owners: []config.OwnerConfig{
			{ID: "sub-1", Slot: "slot-0", Capability: "mms"},
			{ID: "sub-2", Slot: "slot-1", Capability: "mms"},
		},
	}
	if err := cfg.Validate(); err != nil {
		panic(err)
	}
	return cfg
}

func TestNewRejectsEmptyOwners(t *testing.T) {
	_, err := New("", &config.Config{}, Options{Logger: zerolog.Nop()})
	require.Error(t, err)

	_, err = New("", nil, Options{Logger: zerolog.Nop()})
	require.Error(t, err)
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	g, err := New("", testGatewayConfig(), Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer g.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	requestID, err := g.Acquire(ctx, "sub-1")
	require.NoError(t, err)
	_, err = uuid.Parse(requestID)
	require.NoError(t, err)

	coordinator, ok := g.Coordinator("sub-1")
	require.True(t, ok)
	require.Equal(t, 1, coordinator.Status().RefCount)
	require.True(t, coordinator.Status().Held)

	client, err := g.Client("sub-1")
	require.NoError(t, err)
	require.NotNil(t, client)

	require.NoError(t, g.Release("sub-1", requestID, true, false))
	require.False(t, coordinator.Status().Held)

	_, err = g.Client("sub-1")
	require.Error(t, err)
}

func TestAcquireUnknownOwner(t *testing.T) {
	g, err := New("", testGatewayConfig(), Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer g.Close()

	_, err = g.Acquire(context.Background(), "sub-9")
	require.ErrorIs(t, err, ErrUnknownOwner)
	require.ErrorIs(t, g.Release("sub-9", "id", true, false), ErrUnknownOwner)
}

func TestOwnersIsolated(t *testing.T) {
	g, err := New("", testGatewayConfig(), Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer g.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	id1, err := g.Acquire(ctx, "sub-1")
	require.NoError(t, err)
	defer func() { _ = g.Release("sub-1", id1, true, false) }()

	c2, ok := g.Coordinator("sub-2")
	require.True(t, ok)
	require.Equal(t, 0, c2.Status().RefCount)
	require.False(t, c2.Status().Held)
}

func TestStatusesStableOrder(t *testing.T) {
	g, err := New("", testGatewayConfig(), Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer g.Close()

	statuses := g.Statuses()
	require.Len(t, statuses, 2)
	require.Equal(t, "sub-1", statuses[0].Owner)
	require.Equal(t, "sub-2", statuses[1].Owner)
	require.Equal(t, "slot-0", statuses[0].Slot)
}

func TestSlotRemovalThroughGateway(t *testing.T) {
	cfg := testGatewayConfig()
	cfg.RequestTimeout = config.Duration{Duration: time.Minute}
	cfg.Provider.Deny = false
	cfg.Provider.GrantDelay = config.Duration{Duration: time.Hour} // never grants in this test

	g, err := New("", cfg, Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer g.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = g.Run(ctx) }()

	done := make(chan error, 1)
	go func() {
		_, err := g.Acquire(context.Background(), "sub-1")
		done <- err
	}()
	coordinator, _ := g.Coordinator("sub-1")
	require.Eventually(t, func() bool {
		return coordinator.Status().Waiters == 1
	}, 2*time.Second, 5*time.Millisecond)

	// Repeated publishes are harmless; handlers are idempotent and the
	// watcher may still be subscribing when the first one goes out.
	var acquireErr error
	require.Eventually(t, func() bool {
		g.NotifySlotRemoved("slot-0")
		select {
		case acquireErr = <-done:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	require.ErrorIs(t, acquireErr, lease.ErrAcquireDenied)
}

func TestStatusEndpoint(t *testing.T) {
	g, err := New("", testGatewayConfig(), Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer g.Close()

	server, err := newStatusServer("127.0.0.1:0", g, zerolog.Nop())
	require.NoError(t, err)
	defer server.close()

	resp, err := http.Get("http://" + server.addr() + "/api/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var decoded statusResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&decoded))
	require.Len(t, decoded.Owners, 2)
	require.Equal(t, "sub-1", decoded.Owners[0].Owner)
	require.False(t, decoded.Owners[0].Held)

	health, err := http.Get("http://" + server.addr() + "/healthz")
	require.NoError(t, err)
	defer health.Body.Close()
	require.Equal(t, http.StatusOK, health.StatusCode)
}

func TestSettingsStore(t *testing.T) {
	cfg := testGatewayConfig()
	store := newSettingsStore(cfg)

	require.Equal(t, 30*time.Minute, store.RequestTimeout())
	require.Equal(t, 5*time.Second, store.ReleaseDelay("sub-1"))
	require.True(t, store.AlternatePreferenceEnabled())
	require.Equal(t, lease.DefaultAcquireGrace, store.AcquireGrace())

	slot, err := store.Slot("sub-2")
	require.NoError(t, err)
	require.Equal(t, "slot-1", slot)
	_, err = store.Slot("sub-9")
	require.Error(t, err)

	next := testGatewayConfig()
	next.ReleaseDelay = config.Duration{Duration: 42 * time.Second}
	store.swap(next)
	require.Equal(t, 42*time.Second, store.ReleaseDelay("sub-1"))
}
