package gateway

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/timzifer/netlease/config"
	"github.com/timzifer/netlease/events"
)

type fileState struct {
	modTime time.Time
	size    int64
}

// reloadWatcher tracks the configuration source files and detects
// modifications by polling modification time and size.
type reloadWatcher struct {
	mu    sync.Mutex
	files map[string]fileState
}

func newReloadWatcher(root string, cfg *config.Config) (*reloadWatcher, error) {
	watcher := &reloadWatcher{}
	watcher.update(root, cfg)
	return watcher, nil
}

// update rebuilds the tracked file list from the given configuration.
func (w *reloadWatcher) update(root string, cfg *config.Config) {
	paths := cfg.SourceFiles()
	if root != "" {
		if abs, err := filepath.Abs(root); err == nil {
			paths = append(paths, abs)
		}
	}
	states := make(map[string]fileState, len(paths))
	for _, path := range uniquePaths(paths) {
		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}
		states[path] = fileState{modTime: info.ModTime(), size: info.Size()}
	}
	w.mu.Lock()
	w.files = states
	w.mu.Unlock()
}

// check reports the files that changed since the last snapshot. Deleted files
// count as changed.
func (w *reloadWatcher) check() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := make([]string, 0)
	for path, state := range w.files {
		info, err := os.Stat(path)
		if err != nil {
			changed = append(changed, path)
			continue
		}
		if info.IsDir() {
			continue
		}
		if info.ModTime().After(state.modTime) || info.Size() != state.size {
			changed = append(changed, path)
		}
	}
	sort.Strings(changed)
	return changed
}

func uniquePaths(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	result := make([]string, 0, len(paths))
	for _, path := range paths {
		if path == "" {
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		result = append(result, path)
	}
	return result
}

// reloadLoop polls the configuration sources and applies value-level changes
// without restarting. Owner topology changes (added or removed owners) need a
// process restart and are logged instead of applied.
func (g *Gateway) reloadLoop(ctx context.Context, watcher *reloadWatcher, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			changed := watcher.check()
			if len(changed) == 0 {
				continue
			}
			g.logger.Info().Strs("files", changed).Msg("configuration changed, reloading")
			g.applyReload(watcher)
		}
	}
}

func (g *Gateway) applyReload(watcher *reloadWatcher) {
	next, err := config.Load(g.configPath)
	if err != nil {
		g.logger.Error().Err(err).Msg("reload failed, keeping previous configuration")
		// Track the broken files anyway so a follow-up fix is noticed.
		watcher.update(g.configPath, g.settings.current())
		return
	}

	previous := g.settings.current()
	for _, owner := range next.Owners {
		if _, known := g.coordinators[owner.ID]; !known {
			g.logger.Warn().Str("owner", owner.ID).Msg("new owner requires restart, ignoring")
		}
	}
	for id := range g.coordinators {
		if _, still := next.Owner(id); !still {
			g.logger.Warn().Str("owner", id).Msg("removed owner requires restart, keeping coordinator")
		}
	}

	g.settings.swap(next)
	watcher.update(g.configPath, next)

	for id := range g.coordinators {
		if previous.ReleaseDelayFor(id) != next.ReleaseDelayFor(id) {
			g.bus.PublishConfigChanged(events.ConfigChanged{Owner: id})
		}
	}
}
