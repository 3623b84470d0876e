package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile is a named journaling configuration loaded from YAML, for hosts
// that ship per-deployment profiles rather than environment variables.
type Profile struct {
	Name      string        `yaml:"name" json:"name"`
	Backend   BackendSpec   `yaml:"backend" json:"backend"`
	Broadcast []BackendSpec `yaml:"broadcast,omitempty" json:"broadcast,omitempty"`
	Filter    string        `yaml:"filter,omitempty" json:"filter,omitempty"`
	Compact   bool          `yaml:"compact,omitempty" json:"compact,omitempty"`
}

// LoadProfile loads a journaling profile by name. It searches the profiles
// directory for profile_<name>.yaml.
func LoadProfile(profilesDir, name string) (*Profile, error) {
	name = strings.ToLower(name)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", name))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", name, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", name, err)
	}

	if profile.Name == "" {
		profile.Name = name
	}
	return &profile, nil
}

// Apply overlays the profile onto cfg.
func (p *Profile) Apply(cfg *Config) {
	cfg.Backend = p.Backend
	cfg.Broadcast = p.Broadcast
	cfg.Filter = p.Filter
	cfg.Compact = p.Compact
}
