package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

const (
	CapacityAdvisory = "advisory"
	CapacityReject   = "reject"
)

// Config models batchline.yml.
type Config struct {
	Plant struct {
		SiteCode string `yaml:"site_code"`
		Name     struct {
			HU string `yaml:"hu"`
			EN string `yaml:"en"`
		} `yaml:"name"`
	} `yaml:"plant"`
	Inventory struct {
		CapacityPolicy string `yaml:"capacity_policy"`
	} `yaml:"inventory"`
	QC struct {
		NotesMinLen int `yaml:"notes_min_len"`
	} `yaml:"qc"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create with bl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if len(c.Plant.SiteCode) != 4 {
		return fmt.Errorf("config.plant.site_code must be 4 uppercase letters")
	}
	for _, r := range c.Plant.SiteCode {
		if r < 'A' || r > 'Z' {
			return fmt.Errorf("config.plant.site_code must be 4 uppercase letters")
		}
	}
	switch c.Inventory.CapacityPolicy {
	case CapacityAdvisory, CapacityReject:
	default:
		return fmt.Errorf("config.inventory.capacity_policy must be %q or %q", CapacityAdvisory, CapacityReject)
	}
	if c.QC.NotesMinLen < 1 {
		return fmt.Errorf("config.qc.notes_min_len must be at least 1")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "batchline.yml")
}

// GenerateDefault returns default config YAML for a site.
func GenerateDefault(siteCode string) string {
	return fmt.Sprintf(defaultTemplate, siteCode)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a site.
func Default(siteCode string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, siteCode))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Fields left
// empty in the file fall back to workspace defaults before validation.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if cfg.Plant.SiteCode == "" {
		cfg.Plant.SiteCode = "DUNA"
	}
	if cfg.Inventory.CapacityPolicy == "" {
		cfg.Inventory.CapacityPolicy = CapacityAdvisory
	}
	if cfg.QC.NotesMinLen == 0 {
		cfg.QC.NotesMinLen = 10
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

const defaultTemplate = `plant:
  site_code: %s
  name:
    hu: "Dunai feldolgozó üzem"
    en: "Danube processing plant"

inventory:
  # advisory: log when a move would exceed buffer capacity
  # reject: refuse the move
  capacity_policy: advisory

qc:
  # minimum note length required for HOLD and FAIL decisions
  notes_min_len: 10
`
