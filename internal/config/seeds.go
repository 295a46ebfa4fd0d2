package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// SeedWorkspace declares a workspace to create at startup.
type SeedWorkspace struct {
	ID            string `yaml:"id"`
	OwnerID       string `yaml:"owner_id"`
	AIAutoApprove bool   `yaml:"ai_auto_approve"`
}

// SeedMembership declares a role membership to create at startup.
type SeedMembership struct {
	ContextType string `yaml:"context_type"` // "workspace" or "project"
	ContextID   string `yaml:"context_id"`
	UserID      string `yaml:"user_id"`
	Role        string `yaml:"role"`
}

// Seeds is the parsed seed fixture file.
type Seeds struct {
	Workspaces  []SeedWorkspace  `yaml:"workspaces"`
	Memberships []SeedMembership `yaml:"memberships"`
}

// LoadSeeds reads and parses a YAML seed file. A missing path returns empty
// seeds rather than an error so deployments without fixtures need no file.
func LoadSeeds(path string) (*Seeds, error) {
	if path == "" {
		return &Seeds{}, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &Seeds{}, nil
		}
		return nil, fmt.Errorf("reading seed file: %w", err)
	}
	var s Seeds
	if err := yaml.Unmarshal(raw, &s); err != nil {
		return nil, fmt.Errorf("parsing seed file %s: %w", path, err)
	}
	return &s, nil
}
