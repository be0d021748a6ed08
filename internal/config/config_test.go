package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	initpkg "github.com/leafsii/pm15-backend/cmd/initializer/pkg"
	"github.com/leafsii/pm15-backend/internal/prices"
)

// isolate runs Load from an empty directory so no stray .env or init.json is picked up.
func isolate(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	return dir
}

func TestLoadDefaults(t *testing.T) {
	isolate(t)

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsDev())
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "memory", cfg.Database.Type)
	assert.Equal(t, "memory", cfg.Cache.Backend)
	assert.Equal(t, "mock", cfg.Oracle.Provider)
	assert.Equal(t, prices.FeedSOLUSD, cfg.Oracle.FeedID)
	assert.Equal(t, 2*time.Second, cfg.Oracle.CacheTTL)
	assert.Equal(t, 30*time.Second, cfg.Keeper.Interval)
	assert.Equal(t, time.Minute, cfg.Security.SignatureMaxSkew)
	assert.Equal(t, []string{"http://localhost:3000", "http://localhost:5173"}, cfg.Security.CORSAllowedOrigins)
	assert.True(t, cfg.Engine.CheckInvariants)
	assert.Nil(t, cfg.Init)
}

func TestLoadFromEnv(t *testing.T) {
	isolate(t)
	t.Setenv("PM15_ENV", "prod")
	t.Setenv("PM15_DB_TYPE", "postgres")
	t.Setenv("PM15_POSTGRES_DSN", "postgres://pm15@localhost/pm15")
	t.Setenv("PM15_KV_BACKEND", "redis")
	t.Setenv("PM15_ORACLE_PROVIDER", "pyth")
	t.Setenv("PM15_FEED_ID", "BTC/USD")
	t.Setenv("PM15_KEEPER_INTERVAL", "10s")
	t.Setenv("PM15_CORS_ALLOWED_ORIGINS", "https://app.example, https://admin.example")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.IsProd())
	assert.Equal(t, prices.FeedBTCUSD, cfg.Oracle.FeedID)
	assert.Equal(t, 10*time.Second, cfg.Keeper.Interval)
	assert.Equal(t, []string{"https://app.example", "https://admin.example"}, cfg.Security.CORSAllowedOrigins)
}

func TestLoadRejectsInvalid(t *testing.T) {
	tests := map[string]map[string]string{
		"bad env":             {"PM15_ENV": "staging"},
		"postgres no dsn":     {"PM15_DB_TYPE": "postgres"},
		"unknown db":          {"PM15_DB_TYPE": "sqlite"},
		"unknown kv":          {"PM15_KV_BACKEND": "etcd"},
		"unknown oracle":      {"PM15_ORACLE_PROVIDER": "binance"},
		"bad feed":            {"PM15_FEED_ID": "DOGE/USD"},
		"memory in prod":      {"PM15_ENV": "prod", "PM15_ORACLE_PROVIDER": "pyth"},
		"mock oracle in prod": {"PM15_ENV": "prod", "PM15_DB_TYPE": "postgres", "PM15_POSTGRES_DSN": "postgres://x"},
		"short lock ttl":      {"PM15_KEEPER_LOCK_TTL": "10s"},
		"faucet in prod":      {"PM15_ENV": "prod", "PM15_DB_TYPE": "postgres", "PM15_POSTGRES_DSN": "postgres://x", "PM15_ORACLE_PROVIDER": "pyth", "PM15_DEV_FAUCET": "true"},
	}

	for name, env := range tests {
		t.Run(name, func(t *testing.T) {
			isolate(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func TestLoadInitConfig(t *testing.T) {
	dir := isolate(t)
	path := filepath.Join(dir, "init.json")
	require.NoError(t, initpkg.WriteConfig(path, initpkg.InitConfig{
		Authority: "02abc",
		EngineID:  "pm15-engine",
		FeedID:    prices.FeedSOLUSD,
	}))
	t.Setenv("PM15_INIT_CONFIG_PATH", path)

	cfg, err := Load()
	require.NoError(t, err)
	require.NotNil(t, cfg.Init)
	assert.Equal(t, "02abc", cfg.Init.Authority)
	assert.Equal(t, path, cfg.InitPath)

	t.Setenv("PM15_FEED_ID", prices.FeedETHUSD)
	_, err = Load()
	assert.Error(t, err, "feed mismatch must be rejected")

	t.Setenv("PM15_FEED_ID", prices.FeedSOLUSD)
	t.Setenv("PM15_INIT_CONFIG_PATH", filepath.Join(dir, "missing.json"))
	_, err = Load()
	assert.Error(t, err)
}

func TestModuleRoot(t *testing.T) {
	dir := t.TempDir()
	nested := filepath.Join(dir, "a", "b")
	require.NoError(t, os.MkdirAll(nested, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "go.mod"), []byte("module x\n"), 0o644))

	root, err := ModuleRoot(nested)
	require.NoError(t, err)
	assert.Equal(t, dir, root)
}
