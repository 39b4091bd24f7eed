package searchdb

import (
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// Config consolidates the settings of the table layer
type Config struct {
	Database DatabaseConfig `json:"database" koanf:"database"`
	Query    QueryConfig    `json:"query" koanf:"query"`
	Logging  LoggingConfig  `json:"logging" koanf:"logging"`
	Reload   ReloadConfig   `json:"reload" koanf:"reload"`
}

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	Host             string        `json:"host" koanf:"host"`
	Port             int           `json:"port" koanf:"port"`
	Database         string        `json:"database" koanf:"database"`
	Username         string        `json:"username" koanf:"username"`
	Password         string        `json:"password" koanf:"password"`
	SSLMode          string        `json:"sslMode" koanf:"sslmode"`
	StatementTimeout time.Duration `json:"statementTimeout" koanf:"statement_timeout"`
}

// QueryConfig contains query execution settings
type QueryConfig struct {
	// CountCutoff is the result-set size above which searches stop
	// reporting exact counts, unless a cached count exists.
	CountCutoff int `json:"countCutoff" koanf:"count_cutoff"`
	// RandomRetries bounds the point-lookup retries in Random before the
	// operation is abandoned.
	RandomRetries int `json:"randomRetries" koanf:"random_retries"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level              string        `json:"level" koanf:"level"`
	SlowQueryThreshold time.Duration `json:"slowQueryThreshold" koanf:"slow_query_threshold"`
}

// ReloadConfig contains bulk reload settings
type ReloadConfig struct {
	// TmpSuffix and BackupPrefix name the staging and backup tables used
	// by the swap protocol.
	TmpSuffix    string `json:"tmpSuffix" koanf:"tmp_suffix"`
	BackupPrefix string `json:"backupPrefix" koanf:"backup_prefix"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Host:             "localhost",
			Port:             5432,
			Database:         "searchdb",
			Username:         "postgres",
			SSLMode:          "disable",
			StatementTimeout: 25 * time.Second,
		},
		Query: QueryConfig{
			CountCutoff:   1000,
			RandomRetries: 100,
		},
		Logging: LoggingConfig{
			Level:              "info",
			SlowQueryThreshold: 1 * time.Second,
		},
		Reload: ReloadConfig{
			TmpSuffix:    "_tmp",
			BackupPrefix: "_old",
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Database.Port <= 0 {
		return &ConfigError{Field: "database.port", Message: "must be greater than 0"}
	}
	if c.Query.CountCutoff <= 0 {
		return &ConfigError{Field: "query.count_cutoff", Message: "must be greater than 0"}
	}
	if c.Query.RandomRetries <= 0 {
		return &ConfigError{Field: "query.random_retries", Message: "must be greater than 0"}
	}
	if c.Reload.TmpSuffix == "" {
		return &ConfigError{Field: "reload.tmp_suffix", Message: "must not be empty"}
	}
	if c.Reload.BackupPrefix == "" {
		return &ConfigError{Field: "reload.backup_prefix", Message: "must not be empty"}
	}
	return nil
}

// LoadConfig builds a Config from defaults, an optional YAML file and
// SEARCHDB_-prefixed environment variables, in increasing precedence.
// path may be empty to skip file loading.
func LoadConfig(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := k.Load(confmap.Provider(map[string]any{
		"database.host":              defaults.Database.Host,
		"database.port":              defaults.Database.Port,
		"database.database":          defaults.Database.Database,
		"database.username":          defaults.Database.Username,
		"database.sslmode":           defaults.Database.SSLMode,
		"database.statement_timeout": defaults.Database.StatementTimeout,
		"query.count_cutoff":         defaults.Query.CountCutoff,
		"query.random_retries":       defaults.Query.RandomRetries,
		"logging.level":              defaults.Logging.Level,
		"logging.slow_query_threshold": defaults.Logging.SlowQueryThreshold,
		"reload.tmp_suffix":            defaults.Reload.TmpSuffix,
		"reload.backup_prefix":         defaults.Reload.BackupPrefix,
	}, "."), nil); err != nil {
		return nil, &ConfigError{Field: "defaults", Message: err.Error()}
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, &ConfigError{Field: "file", Message: err.Error()}
		}
	}

	if err := k.Load(env.Provider("SEARCHDB_", ".", func(s string) string {
		return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, "SEARCHDB_")), "__", ".")
	}), nil); err != nil {
		return nil, &ConfigError{Field: "env", Message: err.Error()}
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, &ConfigError{Field: "unmarshal", Message: err.Error()}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ConfigError) Error() string {
	return "config validation error for field '" + e.Field + "': " + e.Message
}
