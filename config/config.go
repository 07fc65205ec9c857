// Package config loads the driver topology: the agent roles to run with
// their tool grants and rate-limit policy, the reference data to seed,
// and the initial claim the demo job processes.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type (
	// Config is the driver topology.
	Config struct {
		// Goal describes the initial job. Defaults to a claim-processing
		// goal derived from the claim record.
		Goal string `yaml:"goal"`
		// Agents lists the agent roles to run.
		Agents []Agent `yaml:"agents"`
		// Policies seeds the policies reference hash: policy ID to record.
		Policies map[string]map[string]any `yaml:"policies"`
		// Claim is the claim record submitted as the initial job input.
		Claim map[string]any `yaml:"claim"`
	}

	// Agent configures one agent role.
	Agent struct {
		// Name is the agent role name. Required.
		Name string `yaml:"name"`
		// Tool is the governed tool the role exercises. Required.
		Tool string `yaml:"tool"`
		// RateLimit is the admitted calls per window. Zero uses the
		// governance default.
		RateLimit int64 `yaml:"rate_limit"`
		// RateWindow is the rate-limit window (e.g. "1h"). Zero uses the
		// governance default.
		RateWindow Duration `yaml:"rate_window"`
		// LocalRate throttles this process to the given number of task
		// executions per second before the shared window is consulted.
		// Zero disables the local throttle.
		LocalRate float64 `yaml:"local_rate"`
	}

	// Duration is a time.Duration that unmarshals from strings like "90s".
	Duration time.Duration
)

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// UnmarshalYAML parses a duration string.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// Load reads and validates a topology file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the topology for missing names and duplicate roles.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return errors.New("no agents configured")
	}
	seen := make(map[string]struct{}, len(c.Agents))
	for _, a := range c.Agents {
		if a.Name == "" {
			return errors.New("agent missing name")
		}
		if a.Tool == "" {
			return fmt.Errorf("agent %s missing tool", a.Name)
		}
		if _, ok := seen[a.Name]; ok {
			return fmt.Errorf("duplicate agent %s", a.Name)
		}
		seen[a.Name] = struct{}{}
	}
	return nil
}

// Default returns the claim-processing demo topology.
func Default() *Config {
	return &Config{
		Goal: "Process post-hospitalization claim claim-abc-789 for John Doe.",
		Agents: []Agent{
			{Name: "document_reader", Tool: "ocr_tool"},
			{Name: "policy_check", Tool: "policy_api"},
			{Name: "fraud_detection", Tool: "fraud_model"},
			{Name: "claim_approval", Tool: "approval_rules_engine"},
		},
		Policies: map[string]map[string]any{
			"policy-12345": {
				"policyholder":        "John Doe",
				"is_active":           true,
				"post_hospital_limit": 5000.00,
			},
		},
		Claim: map[string]any{
			"claim_id":      "claim-abc-789",
			"policy_id":     "policy-12345",
			"claimant_name": "John Doe",
			"documents":     []any{"bill.pdf", "receipt.pdf"},
		},
	}
}
