/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Config holds all configuration for the server binary
type Config struct {
	// configFileUsed is the path to the config file that was loaded (empty if none)
	configFileUsed string

	// Mode selects which halves of the server run: web, engine, or both
	Mode string `mapstructure:"mode"`

	// Server configures the HTTP API
	Server ServerConfig `mapstructure:"server"`

	// Storage configures the canary store
	Storage StorageConfig `mapstructure:"storage"`

	// SMTP configures email notifications; empty host disables them
	SMTP SMTPConfig `mapstructure:"smtp"`

	// Log configures logging
	Log LogConfig `mapstructure:"log"`
}

// ServerConfig configures the HTTP API server
type ServerConfig struct {
	// Port for the API server
	Port int `mapstructure:"port" json:"port"`

	// AuthKey protects every endpoint except trigger (omitted from JSON for security)
	AuthKey string `mapstructure:"auth-key" json:"-"`
}

// StorageConfig configures the storage backend
type StorageConfig struct {
	// Type is the storage backend type (memory, sqlite, postgres, mysql)
	Type string `mapstructure:"type" json:"type"`

	// SQLite configuration
	SQLite SQLiteConfig `mapstructure:"sqlite" json:"sqlite,omitempty"`

	// PostgreSQL configuration
	PostgreSQL PostgreSQLConfig `mapstructure:"postgres" json:"postgres,omitempty"`

	// MySQL configuration
	MySQL MySQLConfig `mapstructure:"mysql" json:"mysql,omitempty"`
}

// SQLiteConfig configures SQLite storage
type SQLiteConfig struct {
	// Path to database file
	Path string `mapstructure:"path" json:"path"`
}

// PostgreSQLConfig configures PostgreSQL storage
type PostgreSQLConfig struct {
	// Host is the database host
	Host string `mapstructure:"host" json:"host,omitempty"`

	// Port is the database port
	Port int `mapstructure:"port" json:"port,omitempty"`

	// Database name
	Database string `mapstructure:"database" json:"database,omitempty"`

	// Username for authentication
	Username string `mapstructure:"username" json:"username,omitempty"`

	// Password for authentication (omitted from JSON for security)
	Password string `mapstructure:"password" json:"-"`

	// SSLMode for connection
	SSLMode string `mapstructure:"ssl-mode" json:"sslMode,omitempty"`
}

// MySQLConfig configures MySQL/MariaDB storage
type MySQLConfig struct {
	// Host is the database host
	Host string `mapstructure:"host" json:"host,omitempty"`

	// Port is the database port
	Port int `mapstructure:"port" json:"port,omitempty"`

	// Database name
	Database string `mapstructure:"database" json:"database,omitempty"`

	// Username for authentication
	Username string `mapstructure:"username" json:"username,omitempty"`

	// Password for authentication (omitted from JSON for security)
	Password string `mapstructure:"password" json:"-"`
}

// SMTPConfig configures the email notifier
type SMTPConfig struct {
	// Host is the SMTP relay host; empty disables email
	Host string `mapstructure:"host" json:"host,omitempty"`

	// Port is the SMTP relay port
	Port int `mapstructure:"port" json:"port,omitempty"`

	// Username for SMTP PLAIN auth; set together with Password or not at all
	Username string `mapstructure:"username" json:"username,omitempty"`

	// Password for SMTP PLAIN auth (omitted from JSON for security)
	Password string `mapstructure:"password" json:"-"`

	// Sender is the From address on notification mail
	Sender string `mapstructure:"sender" json:"sender,omitempty"`
}

// LogConfig configures logging
type LogConfig struct {
	// Level is the logging level (debug, info, warn, error)
	Level string `mapstructure:"level" json:"level"`

	// File is the log file path; empty logs to stderr
	File string `mapstructure:"file" json:"file,omitempty"`

	// MaxSizeMB is the size at which the log file rotates
	MaxSizeMB int `mapstructure:"max-size-mb" json:"maxSizeMB"`

	// BackupCount is how many rotated files to keep
	BackupCount int `mapstructure:"backup-count" json:"backupCount"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Mode: "both",
		Server: ServerConfig{
			Port: 8080,
		},
		Storage: StorageConfig{
			Type: "sqlite",
			SQLite: SQLiteConfig{
				Path: "/data/coal-mine.db",
			},
			PostgreSQL: PostgreSQLConfig{
				Port:    5432,
				SSLMode: "require",
			},
			MySQL: MySQLConfig{
				Port: 3306,
			},
		},
		SMTP: SMTPConfig{
			Port:   25,
			Sender: "coal-mine@localhost",
		},
		Log: LogConfig{
			Level:       "info",
			MaxSizeMB:   100,
			BackupCount: 5,
		},
	}
}

// BindFlags binds configuration flags to pflags
func BindFlags(flags *pflag.FlagSet) {
	flags.String("config", "", "Path to config file")
	flags.String("mode", "both", "Which halves to run (web, engine, both)")

	flags.Int("server.port", 8080, "API server port")
	flags.String("server.auth-key", "", "Auth key required on all endpoints except trigger")

	flags.String("storage.type", "sqlite", "Storage backend type (memory, sqlite, postgres, mysql)")
	flags.String("storage.sqlite.path", "/data/coal-mine.db", "Path to SQLite database file")
	flags.String("storage.postgres.host", "", "PostgreSQL host")
	flags.Int("storage.postgres.port", 5432, "PostgreSQL port")
	flags.String("storage.postgres.database", "", "PostgreSQL database name")
	flags.String("storage.postgres.username", "", "PostgreSQL username")
	flags.String("storage.postgres.password", "", "PostgreSQL password")
	flags.String("storage.postgres.ssl-mode", "require", "PostgreSQL SSL mode")
	flags.String("storage.mysql.host", "", "MySQL host")
	flags.Int("storage.mysql.port", 3306, "MySQL port")
	flags.String("storage.mysql.database", "", "MySQL database name")
	flags.String("storage.mysql.username", "", "MySQL username")
	flags.String("storage.mysql.password", "", "MySQL password")

	flags.String("smtp.host", "", "SMTP relay host (empty disables email notifications)")
	flags.Int("smtp.port", 25, "SMTP relay port")
	flags.String("smtp.username", "", "SMTP username")
	flags.String("smtp.password", "", "SMTP password")
	flags.String("smtp.sender", "coal-mine@localhost", "From address on notification mail")

	flags.String("log.level", "info", "Log level (debug, info, warn, error)")
	flags.String("log.file", "", "Log file path (empty logs to stderr)")
	flags.Int("log.max-size-mb", 100, "Log file size at which to rotate")
	flags.Int("log.backup-count", 5, "Rotated log files to keep")
}

// Load loads configuration from flags, environment, and config file
func Load(flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	defaults := DefaultConfig()
	v.SetDefault("mode", defaults.Mode)
	v.SetDefault("server.port", defaults.Server.Port)
	v.SetDefault("storage.type", defaults.Storage.Type)
	v.SetDefault("storage.sqlite.path", defaults.Storage.SQLite.Path)
	v.SetDefault("storage.postgres.port", defaults.Storage.PostgreSQL.Port)
	v.SetDefault("storage.postgres.ssl-mode", defaults.Storage.PostgreSQL.SSLMode)
	v.SetDefault("storage.mysql.port", defaults.Storage.MySQL.Port)
	v.SetDefault("smtp.port", defaults.SMTP.Port)
	v.SetDefault("smtp.sender", defaults.SMTP.Sender)
	v.SetDefault("log.level", defaults.Log.Level)
	v.SetDefault("log.max-size-mb", defaults.Log.MaxSizeMB)
	v.SetDefault("log.backup-count", defaults.Log.BackupCount)

	if err := v.BindPFlags(flags); err != nil {
		return nil, fmt.Errorf("binding flags: %w", err)
	}

	v.SetEnvPrefix("COALMINE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	var configFileUsed string
	if configFile, _ := flags.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		configFileUsed = v.ConfigFileUsed()
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("/etc/coal-mine")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err == nil {
			configFileUsed = v.ConfigFileUsed()
		}
		// Ignore error if no config file found - will use defaults
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.configFileUsed = configFileUsed

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects impossible configurations early.
func (c *Config) Validate() error {
	switch c.Mode {
	case "web", "engine", "both":
	default:
		return fmt.Errorf("invalid mode %q (want web, engine, or both)", c.Mode)
	}
	switch c.Storage.Type {
	case "memory", "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("invalid storage type %q", c.Storage.Type)
	}
	if (c.SMTP.Username == "") != (c.SMTP.Password == "") {
		return fmt.Errorf("smtp username and password must be set together")
	}
	return nil
}

// DSN builds the connection string for the configured storage backend.
// The DATABASE_URL environment variable, when set, wins over anything
// in the config file.
func (c *Config) DSN() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}
	switch c.Storage.Type {
	case "sqlite":
		return c.Storage.SQLite.Path
	case "postgres":
		p := c.Storage.PostgreSQL
		return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
			p.Host, p.Port, p.Database, p.Username, p.Password, p.SSLMode)
	case "mysql":
		m := c.Storage.MySQL
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=utf8mb4&parseTime=True&loc=UTC",
			m.Username, m.Password, m.Host, m.Port, m.Database)
	default:
		return ""
	}
}

// ConfigFileUsed returns the path to the config file that was loaded (empty if none)
func (c *Config) ConfigFileUsed() string {
	return c.configFileUsed
}
