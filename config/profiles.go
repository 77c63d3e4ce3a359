package config

import (
	"fmt"
	"os"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
)

// carrierProfile is the decoded form of a single profile entry inside a CUE
// overlay file. Fields mirror the per-owner knobs of OwnerConfig.
type carrierProfile struct {
	Owner        string `json:"owner"`
	ReleaseDelay string `json:"release_delay"`
	CostPerMiB   string `json:"cost_per_mib"`
	Rules        struct {
		Suitable  string `json:"suitable"`
		Preferred string `json:"preferred"`
	} `json:"rules"`
}

// applyProfiles compiles every referenced CUE profile file and merges the
// contained overrides into the matching owner entries. Profiles are applied
// in order; later files win.
func (c *Config) applyProfiles() error {
	if c == nil || len(c.Profiles) == 0 {
		return nil
	}
	ctx := cuecontext.New()
	for _, ref := range c.Profiles {
		path := c.profilePath(ref)
		raw, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read profile %s: %w", ref, err)
		}
		value := ctx.CompileBytes(raw, cue.Filename(path))
		if err := value.Err(); err != nil {
			return fmt.Errorf("compile profile %s: %w", ref, err)
		}
		list := value.LookupPath(cue.ParsePath("profiles"))
		if !list.Exists() {
			return fmt.Errorf("profile %s: missing profiles list", ref)
		}
		var profiles []carrierProfile
		if err := list.Decode(&profiles); err != nil {
			return fmt.Errorf("decode profile %s: %w", ref, err)
		}
		for _, profile := range profiles {
			if err := c.mergeProfile(ref, profile); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Config) mergeProfile(ref string, profile carrierProfile) error {
	if profile.Owner == "" {
		return fmt.Errorf("profile %s: entry missing owner", ref)
	}
	for i := range c.Owners {
		if c.Owners[i].ID != profile.Owner {
			continue
		}
		if profile.ReleaseDelay != "" {
			dur, err := time.ParseDuration(profile.ReleaseDelay)
			if err != nil {
				return fmt.Errorf("profile %s owner %s: release_delay: %w", ref, profile.Owner, err)
			}
			c.Owners[i].ReleaseDelay = &Duration{Duration: dur}
		}
		if profile.CostPerMiB != "" {
			c.Owners[i].CostPerMiB = profile.CostPerMiB
		}
		if profile.Rules.Suitable != "" {
			c.Owners[i].Rules.Suitable = profile.Rules.Suitable
		}
		if profile.Rules.Preferred != "" {
			c.Owners[i].Rules.Preferred = profile.Rules.Preferred
		}
		return nil
	}
	return fmt.Errorf("profile %s: owner %s not present in configuration", ref, profile.Owner)
}
