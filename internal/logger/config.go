package logger

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	DefaultLevel string            `mapstructure:"default_level" toml:"default_level"` // default level for all modules
	Timezone     string            `mapstructure:"timezone" toml:"timezone"`           // "Local", "UTC" or an IANA name
	Console      *ConsoleOutput    `mapstructure:"console" toml:"console"`             // console output
	FileOutput   *FileOutput       `mapstructure:"file" toml:"file"`                   // JSON file output
	ModuleLevels map[string]string `mapstructure:"module_levels" toml:"module_levels"` // per-module overrides
}

// ConsoleOutput represents console logging configuration.
// Console lines carry no timestamp; the supervisor (journald, docker) adds one.
type ConsoleOutput struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
	Level   string `mapstructure:"level" toml:"level"`
	Stderr  bool   `mapstructure:"stderr" toml:"stderr"` // write to stderr instead of stdout
}

// FileOutput represents JSON file logging configuration.
type FileOutput struct {
	Enabled bool   `mapstructure:"enabled" toml:"enabled"`
	Path    string `mapstructure:"path" toml:"path"`
	Level   string `mapstructure:"level" toml:"level"`
}

// Default values for logging configuration.
const (
	DefaultLogLevel = "info"
	DefaultLogPath  = "logs/detectpipe.log"
)

// applyConfigDefaults fills nil sections so a bare config still produces console output.
func applyConfigDefaults(cfg *LoggingConfig) {
	if cfg == nil {
		return
	}

	if cfg.DefaultLevel == "" {
		cfg.DefaultLevel = DefaultLogLevel
	}

	if cfg.Console == nil {
		cfg.Console = &ConsoleOutput{
			Enabled: true,
			Level:   cfg.DefaultLevel,
		}
	}

	if cfg.FileOutput != nil && cfg.FileOutput.Enabled && cfg.FileOutput.Path == "" {
		cfg.FileOutput.Path = DefaultLogPath
	}

	if cfg.ModuleLevels == nil {
		cfg.ModuleLevels = make(map[string]string)
	}
}
