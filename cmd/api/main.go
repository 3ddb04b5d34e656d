package main

import (
	"context"
	"database/sql"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"byorlhub-license-api/internal/cache"
	"byorlhub-license-api/internal/catalog"
	"byorlhub-license-api/internal/config"
	"byorlhub-license-api/internal/handler"
	"byorlhub-license-api/internal/ledger"
	"byorlhub-license-api/internal/match"
	"byorlhub-license-api/internal/pending"
	"byorlhub-license-api/internal/repository"
	"byorlhub-license-api/internal/roblox"
	"byorlhub-license-api/internal/router"
	"byorlhub-license-api/internal/service"
	"byorlhub-license-api/internal/store"

	_ "github.com/go-sql-driver/mysql"
	"github.com/redis/go-redis/v9"
)

func main() {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg := config.MustLoad()
	if cfg.App.Debug {
		log.SetLevel(logrus.DebugLevel)
	}
	log.Infof("Starting %s %s (%s)", cfg.App.Name, cfg.App.Version, cfg.App.Environment)

	// Product catalog
	cat, err := catalog.Load(cfg.Catalog.Path)
	if err != nil {
		log.Fatalf("Failed to load product catalog: %v", err)
	}
	log.Infof("Loaded %d products from %s", cat.Len(), cfg.Catalog.Path)

	// Remote document store
	storeClient := store.Client(store.NewGitHubClient(store.GitHubConfig{
		Token:  cfg.Store.Token,
		Owner:  cfg.Store.Owner,
		Repo:   cfg.Store.Repo,
		Branch: cfg.Store.Branch,
	}, log))
	if cfg.Store.Token == "" || cfg.Store.Owner == "" || cfg.Store.Repo == "" {
		log.Warn("Remote store not configured, using in-memory store (data is not durable)")
		storeClient = store.NewMemoryClient()
	}

	// MySQL account repository (optional)
	var accountRepo repository.AccountRepository
	if cfg.Database.Enabled {
		mysqlDB, err := sql.Open("mysql", cfg.Database.DSN())
		if err != nil {
			log.Warnf("MySQL connection failed: %v", err)
		} else {
			mysqlDB.SetMaxOpenConns(10)
			mysqlDB.SetMaxIdleConns(5)
			mysqlDB.SetConnMaxLifetime(5 * time.Minute)

			if err := mysqlDB.Ping(); err != nil {
				log.Warnf("MySQL ping failed, account checks disabled: %v", err)
				mysqlDB.Close()
			} else {
				repo := repository.NewMySQLAccountRepository(mysqlDB, log)
				defer repo.Close()
				accountRepo = repo
				log.Info("MySQL account repository initialized")
			}
		}
	}

	// SQLite audit trail (optional)
	var auditRepo repository.AuditLogRepository
	if cfg.AuditDB.Enabled {
		repo, err := repository.NewSQLiteAuditLogRepository(cfg.AuditDB.Path, log)
		if err != nil {
			log.Warnf("Audit database unavailable: %v", err)
		} else {
			defer repo.Close()
			auditRepo = repo
		}
	}

	// Oracle cache: Redis when available, in-process memory otherwise
	var oracleCache cache.Cache = cache.NewMemoryCache()
	if cfg.Cache.Type == "redis" {
		redisClient := redis.NewClient(&redis.Options{
			Addr:     cfg.Cache.RedisAddress(),
			Password: cfg.Cache.RedisPassword,
			DB:       cfg.Cache.RedisDB,
		})

		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := redisClient.Ping(pingCtx).Err(); err != nil {
			log.Warnf("Redis connection failed, falling back to memory cache: %v", err)
		} else {
			oracleCache = cache.NewRedisCache(redisClient, "oracle")
			log.Info("Redis oracle cache initialized")
		}
		cancel()
	}

	oracle := roblox.NewClient(roblox.Config{
		BaseURL:           cfg.Oracle.BaseURL,
		Timeout:           cfg.Oracle.Timeout,
		RetryMax:          cfg.Oracle.RetryMax,
		IdentityCacheTTL:  cfg.Oracle.IdentityCacheTTL,
		OwnershipCacheTTL: cfg.Oracle.OwnershipCacheTTL,
		IdentityInterval:  cfg.Oracle.IdentityInterval,
		OwnershipInterval: cfg.Oracle.OwnershipInterval,
	}, oracleCache, log)

	// Issuance engine
	claimLedger := ledger.New(storeClient, cfg.Store.ClaimedPath, cfg.Store.MaxRetries, cfg.Store.RetryBackoff, log)
	tracker := pending.NewTracker(cfg.Issuance.PendingExpiry)
	matcher := match.New(cat, match.Config{
		ClaimWindow: cfg.Issuance.ClaimWindow,
		Loose:       cfg.Issuance.MatchLoose,
		LooseAny:    cfg.Issuance.MatchLooseAny,
	}, log)
	if cfg.Issuance.MatchLooseAny {
		log.Warn("MATCH_LOOSE_ANY is enabled: unattributable transactions will be accepted when a single product is configured")
	}

	issuer := service.NewIssuer(service.IssuerConfig{
		UserDataPath:        cfg.Store.UserDataPath,
		MerchantID:          cfg.Issuance.MerchantID,
		TxFetchLimit:        cfg.Issuance.TxFetchLimit,
		TxPollAttempts:      cfg.Issuance.TxPollAttempts,
		TxPollDelay:         cfg.Issuance.TxPollDelay,
		PreStartGrace:       cfg.Issuance.PreStartGrace,
		StoreMaxRetries:     cfg.Store.MaxRetries,
		StoreRetryBackoff:   cfg.Store.RetryBackoff,
		GraceOverridesOrder: cfg.Issuance.GraceOverridesOrder,
		OwnershipFastpath:   cfg.Issuance.OwnershipFastpath,
	}, cat, oracle, storeClient, claimLedger, tracker, matcher,
		service.NewLockManager(), service.NewKeyGenerator(cfg.Issuance.KeyPrefix),
		accountRepo, auditRepo, log)

	refresher := service.NewLedgerRefresher(claimLedger, service.RefresherConfig{}, log)
	refresher.Start()
	defer refresher.Stop()

	// HTTP surface
	r := router.New(router.Config{
		Handler:         handler.New(cfg.App.Version),
		LicenseHandler:  handler.NewLicenseHandler(issuer, cat, log),
		ProductsHandler: handler.NewProductsHandler(cat, storeClient),
		AdminHandler:    handler.NewAdminHandler(oracle, claimLedger, auditRepo, log),
		AdminKey:        cfg.App.AdminKey,
		RateLimitRPS:    cfg.Server.RateLimitRPS,
		RateLimitBurst:  cfg.Server.RateLimitBurst,
		Logger:          log,
	})

	srv := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		log.Infof("Server listening on %s", cfg.Server.Address())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("Server shutdown error: %v", err)
	}

	log.Info("Server stopped")
}
