package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/leafsii/pm15-backend/cmd/initializer/pkg"
	"github.com/leafsii/pm15-backend/internal/auth"
	"github.com/leafsii/pm15-backend/internal/config"
	gdb "github.com/leafsii/pm15-backend/internal/db"
	"github.com/leafsii/pm15-backend/internal/escrow"
	"github.com/leafsii/pm15-backend/internal/log"
	"github.com/leafsii/pm15-backend/internal/markets"
	"github.com/leafsii/pm15-backend/internal/metrics"
	"github.com/leafsii/pm15-backend/internal/prices/mock"
)

const (
	initConfigPath = "cmd/initializer/init.json"
	authorityKey   = "cmd/initializer/authority.key"
)

func main() {
	var (
		outPath      = flag.String("out", "", "init.json path (default: <module root>/"+initConfigPath+")")
		keyPath      = flag.String("key", "", "authority key file, created when missing (default: <module root>/"+authorityKey+")")
		feeBps       = flag.Uint("fee-bps", uint(markets.DefaultFeeBps), "fee in basis points")
		minBet       = flag.Uint64("min-bet", markets.DefaultMinBet, "minimum gross bet in base units")
		maxStaleness = flag.Uint64("max-staleness", markets.DefaultMaxStalenessSeconds, "maximum oracle age in seconds")
		treasury     = flag.String("treasury", "", "engine-derived treasury account (default: derived from the engine id)")
	)
	flag.Parse()

	if err := run(*outPath, *keyPath, *feeBps, *minBet, *maxStaleness, *treasury); err != nil {
		fmt.Fprintf(os.Stderr, "initializer: %v\n", err)
		os.Exit(1)
	}
}

func run(outPath, keyPath string, feeBps uint, minBet, maxStaleness uint64, treasury string) error {
	if feeBps > 0xffff {
		return fmt.Errorf("fee-bps %d out of range", feeBps)
	}

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger, err := log.NewSugar(cfg.Env, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	root, err := config.ModuleRoot("")
	if err != nil {
		root = "."
	}
	if outPath == "" {
		outPath = filepath.Join(root, initConfigPath)
	}
	if keyPath == "" {
		keyPath = filepath.Join(root, authorityKey)
	}

	key, created, err := loadOrCreateKey(keyPath)
	if err != nil {
		return err
	}
	fmt.Println("authority: ", key.ID())
	if created {
		fmt.Println("new authority key written to", keyPath)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	database, err := gdb.NewDatabase(&gdb.Config{
		Type:     cfg.Database.Type,
		DSN:      cfg.Database.PostgresDSN,
		MaxConns: int(cfg.Database.MaxConns),
		MinConns: int(cfg.Database.MinConns),
	})
	if err != nil {
		return err
	}
	if err := gdb.ConnectAndMigrate(ctx, database, markets.Tables()); err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer database.Disconnect(context.Background())

	// InitializeConfig never reads the oracle
	engine, err := markets.NewEngine(markets.Options{
		DB:        database,
		Authority: escrow.NewAuthority(cfg.Engine.ID),
		Oracle:    mock.NewGenerator(nil, cfg.Oracle.FeedID, 1, 0, 0, 1),
		FeedID:    cfg.Oracle.FeedID,
		Metrics:   metrics.NewNoop(),
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	params := markets.InitParams{
		Authority:           key.ID(),
		Treasury:            escrow.AccountID(treasury),
		FeeBps:              uint16(feeBps),
		MinBet:              minBet,
		MaxStalenessSeconds: maxStaleness,
	}
	if params.Treasury == "" {
		params.Treasury = engine.TreasuryAccount()
	}

	// The memory store lives in the API process, which applies init.json on startup.
	initializedAt := time.Now().Unix()
	if cfg.Database.Type == "postgres" {
		mc, err := engine.InitializeConfig(ctx, params)
		switch {
		case errors.Is(err, markets.ErrAlreadyInitialized):
			existing, gerr := engine.GetConfig(ctx)
			if gerr != nil {
				return gerr
			}
			if existing.Authority != key.ID() {
				return fmt.Errorf("store already initialized by authority %s", existing.Authority)
			}
			fmt.Println("store already initialized, refreshing init.json")
			params.Treasury, params.FeeBps, params.MinBet, params.MaxStalenessSeconds = existing.Treasury, existing.FeeBps, existing.MinBet, existing.MaxStalenessSeconds
			initializedAt = existing.CreatedAt
		case err != nil:
			return fmt.Errorf("initialize config: %w", err)
		default:
			initializedAt = mc.CreatedAt
		}
	}

	initConfig := pkg.InitConfig{
		Authority:           key.ID(),
		EngineID:            cfg.Engine.ID,
		Treasury:            string(params.Treasury),
		FeedID:              engine.FeedID(),
		FeeBps:              params.FeeBps,
		MinBet:              params.MinBet,
		MaxStalenessSeconds: params.MaxStalenessSeconds,
		InitializedAt:       initializedAt,
	}
	if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
		return err
	}
	if err := pkg.WriteConfig(outPath, initConfig); err != nil {
		return fmt.Errorf("write init config: %w", err)
	}

	fmt.Println("engineId: ", initConfig.EngineID)
	fmt.Println("treasury: ", initConfig.Treasury)
	fmt.Println("feedId:   ", initConfig.FeedID)
	fmt.Println("written:  ", outPath)
	return nil
}

// loadOrCreateKey reads a hex private key from path, generating one when the file is absent.
func loadOrCreateKey(path string) (*auth.KeyPair, bool, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		key, err := auth.KeyFromHex(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, false, fmt.Errorf("read key %s: %w", path, err)
		}
		return key, false, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, false, err
	}

	key, err := auth.GenerateKey()
	if err != nil {
		return nil, false, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, false, err
	}
	if err := os.WriteFile(path, []byte(key.PrivateKeyHex()+"\n"), 0o600); err != nil {
		return nil, false, fmt.Errorf("write key %s: %w", path, err)
	}
	return key, true, nil
}
