package host

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/tailored-agentic-units/replica/driver"
)

const defaultObserver = "slog"

// Config holds initialization parameters for a Host.
type Config struct {
	Driver   driver.Config `json:"driver"`
	Observer string        `json:"observer,omitempty"` // registry names, comma-separated
	ArcID    string        `json:"arc_id,omitempty"`   // generated when empty
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Driver:   driver.DefaultConfig(),
		Observer: defaultObserver,
	}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	c.Driver.Merge(&source.Driver)

	if source.Observer != "" {
		c.Observer = source.Observer
	}
	if source.ArcID != "" {
		c.ArcID = source.ArcID
	}
}

// LoadConfig reads a JSON config file, merges it with defaults, and returns
// the resulting Config.
func LoadConfig(filename string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.Merge(&loaded)
	return &cfg, nil
}
