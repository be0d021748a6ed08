package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"github.com/subosito/gotenv"

	initpkg "github.com/leafsii/pm15-backend/cmd/initializer/pkg"
	"github.com/leafsii/pm15-backend/internal/prices"
)

type Config struct {
	Env      string `mapstructure:"PM15_ENV"`
	HTTPAddr string `mapstructure:"PM15_HTTP_ADDR"`
	LogLevel string `mapstructure:"PM15_LOG_LEVEL"`

	Database DBConfig       `mapstructure:",squash"`
	Cache    CacheConfig    `mapstructure:",squash"`
	Oracle   OracleConfig   `mapstructure:",squash"`
	Engine   EngineConfig   `mapstructure:",squash"`
	Keeper   KeeperConfig   `mapstructure:",squash"`
	Security SecurityConfig `mapstructure:",squash"`

	// Init is the initializer output, nil until the initializer has run
	Init     *initpkg.InitConfig
	InitPath string
}

type DBConfig struct {
	Type        string `mapstructure:"PM15_DB_TYPE"` // "memory" or "postgres"
	PostgresDSN string `mapstructure:"PM15_POSTGRES_DSN"`
	MaxConns    int32  `mapstructure:"PM15_DB_MAX_CONNS"`
	MinConns    int32  `mapstructure:"PM15_DB_MIN_CONNS"`
}

type CacheConfig struct {
	Backend  string `mapstructure:"PM15_KV_BACKEND"` // "memory" or "redis"
	RedisURL string `mapstructure:"PM15_REDIS_URL"`
}

type OracleConfig struct {
	Provider       string        `mapstructure:"PM15_ORACLE_PROVIDER"` // "pyth" or "mock"
	PythURL        string        `mapstructure:"PM15_PYTH_URL"`
	FeedID         string        `mapstructure:"PM15_FEED_ID"`
	Timeout        time.Duration `mapstructure:"PM15_ORACLE_TIMEOUT"`
	CacheTTL       time.Duration `mapstructure:"PM15_ORACLE_CACHE_TTL"`
	PollInterval   time.Duration `mapstructure:"PM15_PRICE_POLL_INTERVAL"`
	MockBasePrice  int64         `mapstructure:"PM15_MOCK_BASE_PRICE"`
	MockExpo       int32         `mapstructure:"PM15_MOCK_EXPO"`
	MockVolatility float64       `mapstructure:"PM15_MOCK_VOLATILITY"`
}

type EngineConfig struct {
	ID              string `mapstructure:"PM15_ENGINE_ID"`
	CheckInvariants bool   `mapstructure:"PM15_CHECK_INVARIANTS"`
}

type KeeperConfig struct {
	Enabled  bool          `mapstructure:"PM15_KEEPER_ENABLED"`
	Interval time.Duration `mapstructure:"PM15_KEEPER_INTERVAL"`
	LeadTime time.Duration `mapstructure:"PM15_KEEPER_LEAD_TIME"`
	LockTTL  time.Duration `mapstructure:"PM15_KEEPER_LOCK_TTL"`
}

type SecurityConfig struct {
	RateLimitRPM       int           `mapstructure:"PM15_RATE_LIMIT_RPM"`
	CORSAllowedOrigins []string      `mapstructure:"PM15_CORS_ALLOWED_ORIGINS"`
	SignatureMaxSkew   time.Duration `mapstructure:"PM15_SIGNATURE_MAX_SKEW"`
	DevFaucet          bool          `mapstructure:"PM15_DEV_FAUCET"`
}

func loadDotEnvFiles() {
	candidates := []string{
		".env",
		filepath.Join("..", ".env"),
		filepath.Join("..", "..", ".env"),
	}

	seen := make(map[string]struct{})
	for _, path := range candidates {
		abs := path
		if resolved, err := filepath.Abs(path); err == nil {
			abs = resolved
		}
		if _, ok := seen[abs]; ok {
			continue
		}
		seen[abs] = struct{}{}

		if _, err := os.Stat(path); err == nil {
			_ = gotenv.Load(path) // variables already set take precedence
		}
	}
}

func Load() (*Config, error) {
	loadDotEnvFiles()

	v := viper.New()
	v.SetConfigType("env")
	v.AutomaticEnv()

	v.SetDefault("PM15_ENV", "dev")
	v.SetDefault("PM15_HTTP_ADDR", ":8080")
	v.SetDefault("PM15_LOG_LEVEL", "")
	v.SetDefault("PM15_DB_TYPE", "memory")
	v.SetDefault("PM15_POSTGRES_DSN", "")
	v.SetDefault("PM15_DB_MAX_CONNS", 10)
	v.SetDefault("PM15_DB_MIN_CONNS", 1)
	v.SetDefault("PM15_KV_BACKEND", "memory")
	v.SetDefault("PM15_REDIS_URL", "redis://127.0.0.1:6379/0")
	v.SetDefault("PM15_ORACLE_PROVIDER", "mock")
	v.SetDefault("PM15_PYTH_URL", "https://hermes.pyth.network")
	v.SetDefault("PM15_FEED_ID", prices.FeedSOLUSD)
	v.SetDefault("PM15_ORACLE_TIMEOUT", "5s")
	v.SetDefault("PM15_ORACLE_CACHE_TTL", "2s")
	v.SetDefault("PM15_PRICE_POLL_INTERVAL", "2s")
	v.SetDefault("PM15_MOCK_BASE_PRICE", 15000)
	v.SetDefault("PM15_MOCK_EXPO", -2)
	v.SetDefault("PM15_MOCK_VOLATILITY", 0.001)
	v.SetDefault("PM15_ENGINE_ID", "pm15-engine")
	v.SetDefault("PM15_CHECK_INVARIANTS", true)
	v.SetDefault("PM15_KEEPER_ENABLED", true)
	v.SetDefault("PM15_KEEPER_INTERVAL", "30s")
	v.SetDefault("PM15_KEEPER_LEAD_TIME", "60s")
	v.SetDefault("PM15_KEEPER_LOCK_TTL", "2m")
	v.SetDefault("PM15_RATE_LIMIT_RPM", 120)
	v.SetDefault("PM15_CORS_ALLOWED_ORIGINS", "http://localhost:3000,http://localhost:5173")
	v.SetDefault("PM15_SIGNATURE_MAX_SKEW", "60s")
	v.SetDefault("PM15_DEV_FAUCET", false)

	// comma-separated lists
	if origins := v.GetString("PM15_CORS_ALLOWED_ORIGINS"); origins != "" {
		parts := strings.Split(origins, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		v.Set("PM15_CORS_ALLOWED_ORIGINS", parts)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.loadInitConfig(os.Getenv("PM15_INIT_CONFIG_PATH")); err != nil {
		return nil, fmt.Errorf("failed to load initializer config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// InitConfigPaths lists where init.json is looked for, override first.
func InitConfigPaths(override string) []string {
	paths := []string{
		"./cmd/initializer/init.json",
		"../cmd/initializer/init.json",
		"../../cmd/initializer/init.json",
	}
	if root, err := ModuleRoot(""); err == nil {
		paths = append(paths, filepath.Join(root, "cmd", "initializer", "init.json"))
	}
	if override != "" {
		paths = append([]string{override}, paths...)
	}
	return paths
}

// loadInitConfig reads the first init.json found. A missing file is not an
// error: the API can still initialize the engine over HTTP.
func (c *Config) loadInitConfig(override string) error {
	for _, path := range InitConfigPaths(override) {
		initConfig, err := initpkg.ReadConfig(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return fmt.Errorf("error reading init config at %s: %w", path, err)
		}
		if initConfig.Empty() {
			continue
		}
		c.Init = &initConfig
		c.InitPath = path
		return nil
	}
	if override != "" {
		return fmt.Errorf("init config not found at %s", override)
	}
	return nil
}

func (c *Config) validate() error {
	switch c.Env {
	case "dev", "test", "prod":
	default:
		return fmt.Errorf("invalid PM15_ENV %q (must be dev, test, or prod)", c.Env)
	}
	switch c.Database.Type {
	case "memory":
		if c.IsProd() {
			return fmt.Errorf("PM15_DB_TYPE=memory is not allowed in prod")
		}
	case "postgres":
		if c.Database.PostgresDSN == "" {
			return fmt.Errorf("PM15_POSTGRES_DSN is required when PM15_DB_TYPE=postgres")
		}
	default:
		return fmt.Errorf("invalid PM15_DB_TYPE %q (must be memory or postgres)", c.Database.Type)
	}
	switch c.Cache.Backend {
	case "memory":
	case "redis":
		if c.Cache.RedisURL == "" {
			return fmt.Errorf("PM15_REDIS_URL is required when PM15_KV_BACKEND=redis")
		}
	default:
		return fmt.Errorf("invalid PM15_KV_BACKEND %q (must be memory or redis)", c.Cache.Backend)
	}
	switch c.Oracle.Provider {
	case "mock":
		if c.IsProd() {
			return fmt.Errorf("PM15_ORACLE_PROVIDER=mock is not allowed in prod")
		}
	case "pyth":
		if c.Oracle.PythURL == "" {
			return fmt.Errorf("PM15_PYTH_URL is required when PM15_ORACLE_PROVIDER=pyth")
		}
	default:
		return fmt.Errorf("invalid PM15_ORACLE_PROVIDER %q (must be pyth or mock)", c.Oracle.Provider)
	}

	feed, err := prices.NewRegistry().Resolve(c.Oracle.FeedID)
	if err != nil {
		return fmt.Errorf("PM15_FEED_ID: %w", err)
	}
	c.Oracle.FeedID = feed

	if strings.TrimSpace(c.Engine.ID) == "" {
		return fmt.Errorf("PM15_ENGINE_ID is required")
	}
	if c.Security.SignatureMaxSkew <= 0 {
		return fmt.Errorf("PM15_SIGNATURE_MAX_SKEW must be positive")
	}
	if c.Keeper.Enabled && c.Keeper.LockTTL <= c.Keeper.Interval {
		return fmt.Errorf("PM15_KEEPER_LOCK_TTL must exceed PM15_KEEPER_INTERVAL")
	}
	if c.Security.DevFaucet && c.IsProd() {
		return fmt.Errorf("PM15_DEV_FAUCET cannot be enabled in prod")
	}

	if c.Init != nil {
		if !prices.SameFeed(c.Init.FeedID, c.Oracle.FeedID) {
			return fmt.Errorf("init.json feed %s does not match PM15_FEED_ID %s", c.Init.FeedID, c.Oracle.FeedID)
		}
		if c.Init.EngineID != c.Engine.ID {
			return fmt.Errorf("init.json engine id %q does not match PM15_ENGINE_ID %q", c.Init.EngineID, c.Engine.ID)
		}
	}
	return nil
}

func (c *Config) IsDev() bool {
	return c.Env == "dev"
}

func (c *Config) IsProd() bool {
	return c.Env == "prod"
}

// ModuleRoot walks up from startDir, or the working directory when empty,
// to the directory holding go.mod.
func ModuleRoot(startDir string) (string, error) {
	if startDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return "", err
		}
		startDir = wd
	}
	for dir := filepath.Clean(startDir); ; dir = filepath.Dir(dir) {
		if _, err := os.Stat(filepath.Join(dir, "go.mod")); err == nil {
			return dir, nil
		}
		if dir == filepath.Dir(dir) {
			return "", errors.New("go.mod not found")
		}
	}
}
