package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
owners:
  - id: sub-1
    slot: slot-0
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 30*time.Minute, cfg.RequestTimeoutOrDefault())
	require.Equal(t, 5*time.Second, cfg.ReleaseDelayFor("sub-1"))
	require.True(t, cfg.AlternatePreferenceEnabled())
}

func TestLoadParsesDurationsAndOverrides(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
request_timeout: 90s
release_delay: 2s
alternate_preference: false
owners:
  - id: sub-1
    slot: slot-0
    release_delay: 7s
  - id: sub-2
    slot: slot-1
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 90*time.Second, cfg.RequestTimeoutOrDefault())
	require.Equal(t, 7*time.Second, cfg.ReleaseDelayFor("sub-1"))
	require.Equal(t, 2*time.Second, cfg.ReleaseDelayFor("sub-2"))
	require.False(t, cfg.AlternatePreferenceEnabled())

	owner, ok := cfg.Owner("sub-2")
	require.True(t, ok)
	require.Equal(t, "slot-1", owner.Slot)
	_, ok = cfg.Owner("missing")
	require.False(t, ok)
}

func TestValidateRejectsDuplicateOwners(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
owners:
  - id: sub-1
    slot: slot-0
  - id: sub-1
    slot: slot-1
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "duplicate id")
}

func TestValidateRejectsMissingSlot(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
owners:
  - id: sub-1
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "missing slot")
}

func TestProfileOverlayMergesOwnerSettings(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "carrier.cue", `
profiles: [
	{
		owner:         "sub-1"
		release_delay: "11s"
		cost_per_mib:  "0.25"
		rules: preferred: "has(\"wlan\")"
	},
]
`)
	path := writeFile(t, dir, "config.yaml", `
owners:
  - id: sub-1
    slot: slot-0
profiles:
  - carrier.cue
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 11*time.Second, cfg.ReleaseDelayFor("sub-1"))
	owner, ok := cfg.Owner("sub-1")
	require.True(t, ok)
	require.Equal(t, "0.25", owner.CostPerMiB)
	require.Equal(t, `has("wlan")`, owner.Rules.Preferred)

	files := cfg.SourceFiles()
	require.Len(t, files, 1)
	require.Equal(t, filepath.Join(dir, "carrier.cue"), files[0])
}

func TestProfileOverlayUnknownOwnerFails(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "carrier.cue", `
profiles: [{owner: "ghost", release_delay: "1s"}]
`)
	path := writeFile(t, dir, "config.yaml", `
owners:
  - id: sub-1
    slot: slot-0
profiles:
  - carrier.cue
`)
	_, err := Load(path)
	require.Error(t, err)
	require.Contains(t, err.Error(), "ghost")
}

func TestDurationRoundTrip(t *testing.T) {
	d := Duration{Duration: 1500 * time.Millisecond}
	out, err := d.MarshalYAML()
	require.NoError(t, err)
	require.Equal(t, "1.5s", out)
}
