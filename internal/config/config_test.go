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
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, args ...string) (*Config, error) {
	t.Helper()
	flags := pflag.NewFlagSet("test", pflag.ContinueOnError)
	BindFlags(flags)
	require.NoError(t, flags.Parse(args))
	return Load(flags)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(t)
	require.NoError(t, err)

	assert.Equal(t, "both", cfg.Mode)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Storage.Type)
	assert.Equal(t, "/data/coal-mine.db", cfg.Storage.SQLite.Path)
	assert.Equal(t, 5432, cfg.Storage.PostgreSQL.Port)
	assert.Equal(t, "require", cfg.Storage.PostgreSQL.SSLMode)
	assert.Equal(t, 3306, cfg.Storage.MySQL.Port)
	assert.Equal(t, "", cfg.SMTP.Host)
	assert.Equal(t, 25, cfg.SMTP.Port)
	assert.Equal(t, "coal-mine@localhost", cfg.SMTP.Sender)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, 100, cfg.Log.MaxSizeMB)
	assert.Equal(t, 5, cfg.Log.BackupCount)
}

func TestLoad_Flags(t *testing.T) {
	cfg, err := load(t,
		"--mode", "web",
		"--server.port", "9999",
		"--server.auth-key", "sekrit",
		"--storage.type", "memory",
		"--log.level", "debug",
	)
	require.NoError(t, err)

	assert.Equal(t, "web", cfg.Mode)
	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "sekrit", cfg.Server.AuthKey)
	assert.Equal(t, "memory", cfg.Storage.Type)
	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestLoad_Environment(t *testing.T) {
	t.Setenv("COALMINE_MODE", "engine")
	t.Setenv("COALMINE_SERVER_PORT", "7070")
	t.Setenv("COALMINE_STORAGE_TYPE", "memory")

	cfg, err := load(t)
	require.NoError(t, err)
	assert.Equal(t, "engine", cfg.Mode)
	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Type)
}

func TestLoad_ConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
mode: web
server:
  port: 6060
storage:
  type: postgres
  postgres:
    host: db.example.com
    database: canaries
    username: coal
    password: mine
`), 0o600))

	cfg, err := load(t, "--config", path)
	require.NoError(t, err)
	assert.Equal(t, path, cfg.ConfigFileUsed())
	assert.Equal(t, "web", cfg.Mode)
	assert.Equal(t, 6060, cfg.Server.Port)
	assert.Equal(t, "postgres", cfg.Storage.Type)
	assert.Equal(t, "db.example.com", cfg.Storage.PostgreSQL.Host)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	_, err := load(t, "--config", "/does/not/exist.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Mode = "sideways"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Storage.Type = "flatfile"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.SMTP.Username = "user"
	assert.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.SMTP.Username = "user"
	cfg.SMTP.Password = "pass"
	assert.NoError(t, cfg.Validate())
}

func TestDSN(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Storage.SQLite.Path = "/tmp/test.db"
	assert.Equal(t, "/tmp/test.db", cfg.DSN())

	cfg.Storage.Type = "postgres"
	cfg.Storage.PostgreSQL = PostgreSQLConfig{
		Host: "db", Port: 5432, Database: "canaries",
		Username: "coal", Password: "mine", SSLMode: "disable",
	}
	assert.Equal(t, "host=db port=5432 dbname=canaries user=coal password=mine sslmode=disable", cfg.DSN())

	cfg.Storage.Type = "mysql"
	cfg.Storage.MySQL = MySQLConfig{
		Host: "db", Port: 3306, Database: "canaries",
		Username: "coal", Password: "mine",
	}
	assert.Equal(t, "coal:mine@tcp(db:3306)/canaries?charset=utf8mb4&parseTime=True&loc=UTC", cfg.DSN())

	cfg.Storage.Type = "memory"
	assert.Equal(t, "", cfg.DSN())
}

func TestDSN_DatabaseURLOverride(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://coal:mine@db/canaries")
	cfg := DefaultConfig()
	assert.Equal(t, "postgres://coal:mine@db/canaries", cfg.DSN())
}
