package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PlanConfig describes the quota limits of one subscription plan.
type PlanConfig struct {
	MonthlyRuns    int `yaml:"monthly_runs"`
	ConcurrentRuns int `yaml:"concurrent_runs"`
}

// PlansConfig maps plan names to their limits.
type PlansConfig struct {
	Plans map[string]PlanConfig `yaml:"plans"`
}

// Limits returns the configured limits for a plan name.
func (c *PlansConfig) Limits(plan string) (PlanConfig, bool) {
	if c == nil {
		return PlanConfig{}, false
	}
	limits, ok := c.Plans[plan]
	return limits, ok
}

// ParsePlansConfig parses plan definitions from YAML bytes.
func ParsePlansConfig(data []byte) (*PlansConfig, error) {
	if len(data) == 0 {
		return nil, errors.New("plan config is empty")
	}
	var cfg PlansConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse plan config: %w", err)
	}
	if len(cfg.Plans) == 0 {
		return nil, errors.New("plan config has no plans")
	}
	for name, limits := range cfg.Plans {
		if limits.MonthlyRuns < 0 || limits.ConcurrentRuns < 0 {
			return nil, fmt.Errorf("plan %s has negative limits", name)
		}
	}
	return &cfg, nil
}

// LoadPlanConfig reads a YAML file containing subscription plan limits.
func LoadPlanConfig(path string) (*PlansConfig, error) {
	if path == "" {
		return nil, errors.New("plan config path is empty")
	}

	// #nosec G304 -- plan config path is operator-provided.
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read plan config %s: %w", path, err)
	}
	return ParsePlansConfig(data)
}

// DefaultPlans returns the built-in plan table used when no config file exists.
func DefaultPlans() *PlansConfig {
	return &PlansConfig{
		Plans: map[string]PlanConfig{
			"free": {MonthlyRuns: 50, ConcurrentRuns: 1},
			"team": {MonthlyRuns: 2000, ConcurrentRuns: 5},
			// 0 means unlimited.
			"business": {MonthlyRuns: 0, ConcurrentRuns: 20},
		},
	}
}
