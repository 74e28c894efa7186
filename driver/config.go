package driver

// Config holds driver factory parameters.
type Config struct {
	Root string `json:"root,omitempty"` // base directory for file, sqlite and leveldb keys
}

// DefaultConfig returns the default driver configuration.
func DefaultConfig() Config {
	return Config{Root: ".replica"}
}

// Merge applies non-zero values from source into c.
func (c *Config) Merge(source *Config) {
	if source.Root != "" {
		c.Root = source.Root
	}
}
