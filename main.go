package main

import (
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/joho/godotenv"

	"fundingarb/api"
	"fundingarb/apperr"
	"fundingarb/auth"
	"fundingarb/config"
	"fundingarb/crypto"
	"fundingarb/engine"
	"fundingarb/execution"
	"fundingarb/logger"
	"fundingarb/market"
	"fundingarb/risk"
	"fundingarb/store"
	"fundingarb/vault"
	"fundingarb/venue"
)

func main() {
	_ = godotenv.Load()

	logger.Init(nil)
	logger.Info("╔════════════════════════════════════════════════════════════╗")
	logger.Info("║        funding-arb — cross-venue funding rate engine        ║")
	logger.Info("╚════════════════════════════════════════════════════════════╝")

	config.Init()
	cfg := config.Get()
	logger.Info("✅ Configuration loaded")

	logger.Info("🔐 Initializing credential encryption service...")
	cryptoService, err := crypto.NewService()
	if err != nil {
		logger.Errorf("❌ Failed to initialize encryption service: %v", err)
		os.Exit(2)
	}
	logger.Info("✅ Encryption service initialized")

	if len(os.Args) > 1 {
		cfg.DBPath = os.Args[1]
	}
	if cfg.DBType == "sqlite" {
		if dir := filepath.Dir(cfg.DBPath); dir != "." {
			if err := os.MkdirAll(dir, 0755); err != nil {
				logger.Errorf("Failed to create data directory: %v", err)
			}
		}
	}

	logger.Infof("📋 Initializing database (%s)...", cfg.DBType)
	dbType := store.DBTypeSQLite
	if cfg.DBType == "postgres" {
		dbType = store.DBTypePostgres
	}
	db, err := store.NewWithConfig(store.DBConfig{
		Type:     dbType,
		Path:     cfg.DBPath,
		Host:     cfg.DBHost,
		Port:     cfg.DBPort,
		User:     cfg.DBUser,
		Password: cfg.DBPassword,
		DBName:   cfg.DBName,
		SSLMode:  cfg.DBSSLMode,
	})
	if err != nil {
		logger.Errorf("❌ Failed to initialize database: %v", err)
		os.Exit(3)
	}
	defer db.Close()

	auth.SetJWTSecret(cfg.JWTSecret)
	logger.Info("🔑 Operator JWT secret configured")

	credentialVault := vault.New(db.Credential(), cryptoService)

	// The adapters wired into MarketProvider are unauthenticated —
	// fetch_funding/fetch_mark_price/fetch_max_leverage need no credential
	// on any of the five venues. Authenticated adapters for order
	// placement are built per call by adapterFactory below, from whatever
	// credential ExecutionCoordinator's resolveCredential hands it.
	marketAdapters := map[venue.Name]venue.Adapter{
		venue.Binance: venue.NewBinanceAdapter("", ""),
		venue.OKX:     venue.NewOKXAdapter("", "", ""),
		venue.Bybit:   venue.NewBybitAdapter("", ""),
		venue.Bitget:  venue.NewBitgetAdapter("", "", ""),
		venue.GateIO:  venue.NewGateAdapter("", ""),
	}

	cache := market.NewSnapshotCache(cfg.CacheTTL, cfg.StaleMaxAge)

	wsCache := venue.NewWSCache()
	wsStop := make(chan struct{})
	for _, streamCfg := range venue.StreamConfigs() {
		go wsCache.Run(wsStop, streamCfg, cfg.Symbols)
	}
	logger.Infof("📡 ws_stream fallback tier started for %d venues", len(venue.StreamConfigs()))

	marketProvider := market.NewProvider(
		marketAdapters, cfg.Symbols, cache, wsCache,
		cfg.VenueTimeout, cfg.TotalTimeout, cfg.StaleMaxAge,
	)
	logger.Infof("📊 Market provider configured for %d symbols across %d venues", len(cfg.Symbols), len(marketAdapters))

	opportunityEngine := engine.New()

	var notifier risk.Notifier
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != 0 {
		tgNotifier, err := risk.NewTelegramNotifier(cfg.TelegramBotToken, cfg.TelegramChatID)
		if err != nil {
			logger.Errorf("⚠️ Telegram notifier disabled: %v", err)
		} else {
			notifier = tgNotifier
			logger.Info("📨 Telegram risk escalation enabled")
		}
	}
	riskLedger := risk.New(db.RiskEvent(), notifier)

	adapterFactory := func(name venue.Name, cred vault.Credential) (venue.Adapter, error) {
		switch name {
		case venue.Binance:
			return venue.NewBinanceAdapter(cred.APIKey, cred.SecretKey), nil
		case venue.OKX:
			return venue.NewOKXAdapter(cred.APIKey, cred.SecretKey, cred.Passphrase), nil
		case venue.Bybit:
			return venue.NewBybitAdapter(cred.APIKey, cred.SecretKey), nil
		case venue.Bitget:
			return venue.NewBitgetAdapter(cred.APIKey, cred.SecretKey, cred.Passphrase), nil
		case venue.GateIO:
			return venue.NewGateAdapter(cred.APIKey, cred.SecretKey), nil
		default:
			return nil, apperr.New(apperr.NotSupported, "unknown venue: "+string(name))
		}
	}

	coordinator := execution.New(credentialVault, adapterFactory, db.Position(), db.Order(), riskLedger, marketProvider)

	server := api.NewServer(
		coordinator,
		marketProvider,
		opportunityEngine,
		credentialVault,
		riskLedger,
		db.Position(),
		db.Order(),
		db.Strategy(),
		cfg.OperatorPasswordHash,
		cfg.OperatorOTPSecret,
		cfg.APIServerPort,
	)

	go func() {
		if err := server.Start(); err != nil {
			logger.Errorf("❌ API server stopped: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("✅ System started, waiting for trading commands...")
	logger.Info("📌 Use Ctrl+C to stop")

	<-quit
	logger.Info("📴 Shutdown signal received, closing system...")
	close(wsStop)

	if err := server.Shutdown(); err != nil {
		logger.Errorf("error during server shutdown: %v", err)
	}
	logger.Info("✅ System shut down safely")
}
