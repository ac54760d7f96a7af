package common

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// kindPolicyFile is the on-disk shape of the per-kind policy overrides.
// Operators tune lifecycle thresholds per batch kind without a redeploy:
//
//	kinds:
//	  image_processing:
//	    stuck_after: 2h
//	  report_generation:
//	    stuck_after: 24h
//	    retention: 72h
type kindPolicyFile struct {
	Kinds map[string]KindPolicy `yaml:"kinds"`
}

// loadKindPolicies merges per-kind policies from a YAML file over any
// policies already present in the config. File entries win.
func (c *Config) loadKindPolicies(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read policy file %s: %w", path, err)
	}

	var file kindPolicyFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse policy file %s: %w", path, err)
	}

	if c.Batches.Kinds == nil {
		c.Batches.Kinds = make(map[string]KindPolicy)
	}
	for kind, policy := range file.Kinds {
		merged := c.Batches.Kinds[kind]
		if policy.StuckAfter != "" {
			merged.StuckAfter = policy.StuckAfter
		}
		if policy.Retention != "" {
			merged.Retention = policy.Retention
		}
		c.Batches.Kinds[kind] = merged
	}

	return nil
}
