package engine

import (
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/vireolabs/hookmark/binding"
	"github.com/vireolabs/hookmark/bulkops"
	"github.com/vireolabs/hookmark/groups"
	"github.com/vireolabs/hookmark/scanner"
	"github.com/vireolabs/hookmark/signature"
	"github.com/vireolabs/hookmark/webhook"
)

// Config holds all engine configuration. Database paths left empty are
// derived from DataDir.
type Config struct {
	DataDir      string        `yaml:"data_dir"`
	EventsDBPath string        `yaml:"events_db_path"`
	EventBuffer  int           `yaml:"event_buffer"`
	DetachRetry  time.Duration `yaml:"detach_retry"`

	Signature signature.Config `yaml:"signature"`
	Scanner   scanner.Config   `yaml:"scanner"`
	Groups    groups.Config    `yaml:"groups"`
	Binding   binding.Config   `yaml:"binding"`
	Webhook   webhook.Config   `yaml:"webhook"`
	Bulk      bulkops.Config   `yaml:"bulk"`
}

func (c *Config) defaults() {
	if c.DataDir == "" {
		c.DataDir = "data"
	}
	if c.Binding.DBPath == "" {
		c.Binding.DBPath = filepath.Join(c.DataDir, "bindings.db")
	}
	if c.Bulk.DBPath == "" {
		c.Bulk.DBPath = filepath.Join(c.DataDir, "bulkops.db")
	}
	if c.EventsDBPath == "" {
		c.EventsDBPath = filepath.Join(c.DataDir, "events.db")
	}
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.DetachRetry <= 0 {
		c.DetachRetry = 50 * time.Millisecond
	}
}

// LoadConfigFile reads a YAML config file.
func LoadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
