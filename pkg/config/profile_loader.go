package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/Mindburn-Labs/keel/pkg/asset"
)

// EconomicsProfile is a deployment-specific economic parameter set:
// unbonding schedules, penalty rates and treasury distribution weights.
type EconomicsProfile struct {
	Name         string             `yaml:"name" json:"name"`
	Code         string             `yaml:"code" json:"code"`
	Unbonding    UnbondingConfig    `yaml:"unbonding" json:"unbonding"`
	EarlyExit    EarlyExitConfig    `yaml:"early_exit" json:"early_exit"`
	Distribution DistributionConfig `yaml:"distribution" json:"distribution"`
	Verifiers    []string           `yaml:"verifiers" json:"verifiers"`
	Authority    string             `yaml:"authority" json:"authority"`
	Admin        string             `yaml:"admin,omitempty" json:"admin,omitempty"`
}

// UnbondingConfig holds the default unbonding period and per-asset
// overrides, in hours.
type UnbondingConfig struct {
	DefaultHours  int            `yaml:"default_hours" json:"default_hours"`
	PerAssetHours map[string]int `yaml:"per_asset_hours,omitempty" json:"per_asset_hours,omitempty"`
}

// EarlyExitConfig holds the default early-exit penalty and per-asset
// overrides, in basis points.
type EarlyExitConfig struct {
	DefaultBps  uint32            `yaml:"default_bps" json:"default_bps"`
	PerAssetBps map[string]uint32 `yaml:"per_asset_bps,omitempty" json:"per_asset_bps,omitempty"`
}

// DistributionConfig holds the treasury split weights in basis points.
// The weights must sum to 10000.
type DistributionConfig struct {
	TreasuryBps  uint32 `yaml:"treasury_bps" json:"treasury_bps"`
	InsuranceBps uint32 `yaml:"insurance_bps" json:"insurance_bps"`
	RewardsBps   uint32 `yaml:"rewards_bps" json:"rewards_bps"`
}

// UnbondingPeriods converts the per-asset overrides to durations.
func (p *EconomicsProfile) UnbondingPeriods() map[asset.ID]time.Duration {
	out := make(map[asset.ID]time.Duration, len(p.Unbonding.PerAssetHours))
	for a, h := range p.Unbonding.PerAssetHours {
		out[asset.ID(a)] = time.Duration(h) * time.Hour
	}
	return out
}

// EarlyExitRates converts the per-asset penalty overrides to asset keys.
func (p *EconomicsProfile) EarlyExitRates() map[asset.ID]uint32 {
	out := make(map[asset.ID]uint32, len(p.EarlyExit.PerAssetBps))
	for a, bps := range p.EarlyExit.PerAssetBps {
		out[asset.ID(a)] = bps
	}
	return out
}

// LoadProfile loads an economics profile YAML by code. It searches the
// profiles directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*EconomicsProfile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile EconomicsProfile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}

	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles
// directory, keyed by code.
func LoadAllProfiles(profilesDir string) (map[string]*EconomicsProfile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*EconomicsProfile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile EconomicsProfile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}

		if profile.Code == "" {
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}

		profiles[profile.Code] = &profile
	}

	return profiles, nil
}
