package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/samber/lo"
	"gopkg.in/yaml.v3"

	"capmarket/internal/domain"
)

// Config models market.yml.
type Config struct {
	Market struct {
		ID string `yaml:"id" json:"id"`
	} `yaml:"market" json:"market"`
	ProcessSheets []domain.ProcessSheet `yaml:"process_sheets" json:"process_sheets"`
	Webhooks      []WebhookConfig       `yaml:"webhooks" json:"webhooks,omitempty"`
	Server        ServerConfig          `yaml:"server" json:"server"`
	Log           struct {
		Level string `yaml:"level" json:"level"`
	} `yaml:"log" json:"log"`
}

// WebhookConfig is one agent endpoint receiving order outcome events. An empty
// Events list subscribes to every event.
type WebhookConfig struct {
	URL            string   `yaml:"url" json:"url"`
	Events         []string `yaml:"events" json:"events,omitempty"`
	Secret         string   `yaml:"secret" json:"-"`
	TimeoutSeconds int      `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Enabled        *bool    `yaml:"enabled" json:"enabled,omitempty"`
}

type ServerConfig struct {
	Addr     string `yaml:"addr" json:"addr"`
	BasePath string `yaml:"base_path" json:"base_path"`
}

const (
	DefaultAddr     = "127.0.0.1:8080"
	DefaultBasePath = "/v0"
)

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; import with cmkt config import --file <path>", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Market.ID) == "" {
		return fmt.Errorf("config.market.id is required")
	}
	if len(c.ProcessSheets) == 0 {
		return fmt.Errorf("config.process_sheets needs at least one sheet")
	}
	for _, sheet := range c.ProcessSheets {
		if len(sheet.Require) == 0 {
			return fmt.Errorf("process sheet for product %d has no capacity requirements", sheet.Product)
		}
		for capType, capacity := range sheet.Require {
			if capacity <= 0 {
				return fmt.Errorf("process sheet for product %d: capacity requirement must be positive, got %d for type %d", sheet.Product, capacity, capType)
			}
		}
	}
	products := lo.Map(c.ProcessSheets, func(s domain.ProcessSheet, _ int) domain.Product { return s.Product })
	if dups := lo.FindDuplicates(products); len(dups) > 0 {
		return fmt.Errorf("duplicate product %d in process sheets", dups[0])
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("config.webhooks[%d].url is required", i)
		}
		if hook.TimeoutSeconds < 0 {
			return fmt.Errorf("config.webhooks[%d].timeout_seconds must not be negative", i)
		}
	}
	return nil
}

// ProcessSheet returns the sheet for product.
func (c *Config) ProcessSheet(product domain.Product) (domain.ProcessSheet, bool) {
	return lo.Find(c.ProcessSheets, func(s domain.ProcessSheet) bool { return s.Product == product })
}

// Addr returns the listen address, falling back to DefaultAddr.
func (c *Config) Addr() string {
	if strings.TrimSpace(c.Server.Addr) == "" {
		return DefaultAddr
	}
	return c.Server.Addr
}

// BasePath returns the API prefix, falling back to DefaultBasePath.
func (c *Config) BasePath() string {
	if strings.TrimSpace(c.Server.BasePath) == "" {
		return DefaultBasePath
	}
	return c.Server.BasePath
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "market.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault(marketID string) string {
	return fmt.Sprintf(defaultTemplate, marketID)
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

// Default returns the default Config struct for a market.
func Default(marketID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(GenerateDefault(marketID))).Decode(&cfg)
	cfg.Market.ID = marketID
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// ToYAML renders the config back to market.yml form.
func (c *Config) ToYAML() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `market:
  id: %s

# capacity type -> amount, per product
process_sheets:
  - product: 1
    require:
      1: 100
      2: 50
  - product: 2
    require:
      1: 20
      3: 80

server:
  addr: 127.0.0.1:8080
  base_path: /v0

log:
  level: info
`
