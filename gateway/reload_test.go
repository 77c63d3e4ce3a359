package gateway

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/netlease/config"
)

func writeConfigFile(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const baseConfigYAML = `
release_delay: 5s
owners:
  - id: sub-1
    slot: slot-0
`

func TestReloadWatcherDetectsChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, baseConfigYAML)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	watcher, err := newReloadWatcher(path, cfg)
	require.NoError(t, err)
	require.Empty(t, watcher.check())

	// Size change is detected even when the modification time granularity
	// swallows the rewrite.
	require.NoError(t, os.WriteFile(path, []byte(baseConfigYAML+"request_timeout: 1m\n"), 0o644))
	changed := watcher.check()
	require.Len(t, changed, 1)

	watcher.update(path, cfg)
	require.Empty(t, watcher.check())
}

func TestReloadWatcherReportsDeletedFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, baseConfigYAML)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	watcher, err := newReloadWatcher(path, cfg)
	require.NoError(t, err)

	require.NoError(t, os.Remove(path))
	require.Len(t, watcher.check(), 1)
}

func TestApplyReloadPublishesOwnerChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, baseConfigYAML)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	g, err := New(path, cfg, Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer g.Close()

	ch, cancel := g.bus.SubscribeConfigChanged()
	defer cancel()

	watcher, err := newReloadWatcher(path, cfg)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`
release_delay: 11s
owners:
  - id: sub-1
    slot: slot-0
`), 0o644))

	g.applyReload(watcher)

	require.Equal(t, 11*time.Second, g.settings.ReleaseDelay("sub-1"))

	select {
	case ev := <-ch:
		require.Equal(t, "sub-1", ev.Owner)
	case <-time.After(time.Second):
		t.Fatal("no config change published")
	}
}

func TestApplyReloadKeepsConfigOnError(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, baseConfigYAML)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	g, err := New(path, cfg, Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer g.Close()

	watcher, err := newReloadWatcher(path, cfg)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte("owners: [ { id: }"), 0o644))
	g.applyReload(watcher)

	require.Equal(t, 5*time.Second, g.settings.ReleaseDelay("sub-1"))
}

func TestApplyReloadIgnoresTopologyChanges(t *testing.T) {
	dir := t.TempDir()
	path := writeConfigFile(t, dir, baseConfigYAML)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	g, err := New(path, cfg, Options{Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer g.Close()

	watcher, err := newReloadWatcher(path, cfg)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`
owners:
  - id: sub-1
    slot: slot-0
  - id: sub-2
    slot: slot-1
`), 0o644))
	g.applyReload(watcher)

	// The new owner is visible in the configuration but gets no
	// coordinator until restart.
	_, ok := g.Coordinator("sub-2")
	require.False(t, ok)
	slot, err := g.settings.Slot("sub-2")
	require.NoError(t, err)
	require.Equal(t, "slot-1", slot)
}
