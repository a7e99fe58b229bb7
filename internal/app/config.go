package app

// Config holds the command line settings of the serve command.
type Config struct {
	// ConfigPath is an explicit config file; empty uses the layered lookup.
	ConfigPath string

	// Debug forces debug logging regardless of the config file.
	Debug bool

	Version string
}

// NewConfig creates a new application configuration
func NewConfig(configPath string, debug bool, version string) *Config {
	return &Config{
		ConfigPath: configPath,
		Debug:      debug,
		Version:    version,
	}
}
