package config

import (
	"fmt"
	"math"
	"os"

	"gopkg.in/yaml.v3"
)

// applyFile overlays the YAML file at path onto cfg. Only keys present in the
// file are touched; model entries replace same-named defaults wholesale.
func (c *Config) applyFile(path string, allowMissing bool) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if allowMissing && os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read config file %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}

	return nil
}

// Validate returns human-readable warnings for inconsistent settings. None of
// them are fatal; callers log them and continue.
func (c *Config) Validate() []string {
	var warnings []string

	var total float64
	for _, w := range c.Budget.Windows {
		total += w.Percent
		if w.StartHour < 0 || w.StartHour > 23 || w.EndHour < 1 || w.EndHour > 24 {
			warnings = append(warnings,
				fmt.Sprintf("budget window %q has out-of-range hours [%d,%d)", w.Name, w.StartHour, w.EndHour))
		}
	}
	if len(c.Budget.Windows) > 0 && math.Abs(total-100) > 1 {
		warnings = append(warnings,
			fmt.Sprintf("budget window percentages sum to %.1f, expected ~100", total))
	}

	switch c.Budget.ExceedAction {
	case "allow", "queue", "reject":
	default:
		warnings = append(warnings,
			fmt.Sprintf("unknown budget exceed_action %q, falling back to queue", c.Budget.ExceedAction))
	}

	for task, chain := range c.Chains {
		if len(chain) == 0 {
			warnings = append(warnings, fmt.Sprintf("task type %q has an empty fallback chain", task))
			continue
		}
		for _, model := range chain {
			if _, ok := c.Models[model]; !ok {
				warnings = append(warnings,
					fmt.Sprintf("chain for task %q references unknown model %q", task, model))
			}
		}
	}

	if c.Verify.Enabled {
		if _, ok := c.Models[c.Verify.SecondaryModel]; !ok {
			warnings = append(warnings,
				fmt.Sprintf("verification secondary model %q has no quota entry", c.Verify.SecondaryModel))
		}
	}

	if c.Cache.SimilarityThreshold <= 0 || c.Cache.SimilarityThreshold > 1 {
		warnings = append(warnings,
			fmt.Sprintf("cache similarity threshold %.2f outside (0,1]", c.Cache.SimilarityThreshold))
	}

	return warnings
}
