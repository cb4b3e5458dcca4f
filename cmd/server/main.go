package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/example/ride-dispatch/internal/arbiter"
	"github.com/example/ride-dispatch/internal/broadcast"
	"github.com/example/ride-dispatch/internal/config"
	"github.com/example/ride-dispatch/internal/eta"
	"github.com/example/ride-dispatch/internal/fare"
	"github.com/example/ride-dispatch/internal/geo"
	httpapi "github.com/example/ride-dispatch/internal/http"
	"github.com/example/ride-dispatch/internal/logging"
	"github.com/example/ride-dispatch/internal/payments"
	"github.com/example/ride-dispatch/internal/publish"
	"github.com/example/ride-dispatch/internal/storage"
	"github.com/example/ride-dispatch/internal/sweeper"
	"github.com/example/ride-dispatch/internal/trips"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		logging.NewLogger("info").Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.PGDSN != "" && cfg.RunMigrations {
		if err := runMigrations(cfg.PGDSN); err != nil {
			logger.Error("migration failed", "error", err)
			os.Exit(1)
		}
		logger.Info("migrations applied")
	}

	var store storage.DispatchStore
	if cfg.PGDSN != "" {
		ps, err := storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			logger.Error("postgres open failed", "error", err)
			os.Exit(1)
		}
		defer ps.Close()
		store = ps
		logger.Info("ledger backend", "kind", "postgres")
	} else {
		store = storage.NewMemoryStore()
		logger.Warn("ledger backend", "kind", "memory", "note", "state is lost on restart")
	}

	var index geo.Index
	if cfg.RedisAddr != "" {
		index = geo.NewRedisIndex(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
		logger.Info("geo index", "kind", "redis", "addr", cfg.RedisAddr)
	} else {
		index = geo.NewMemIndex()
		logger.Info("geo index", "kind", "memory")
	}

	wsreg := publish.NewWSRegistry()
	pubs := []publish.Publisher{wsreg}
	var kpub *publish.KafkaPublisher
	var hbProducer *publish.HeartbeatProducer
	if len(cfg.KafkaBrokers) > 0 {
		kpub = publish.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaEventTopic)
		defer kpub.Close()
		pubs = append(pubs, kpub)
		hbProducer = publish.NewHeartbeatProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
		defer hbProducer.Close()
	}
	if endpoint := os.Getenv("PUSH_ENDPOINT"); endpoint != "" {
		pubs = append(pubs, publish.NewHTTPPush(endpoint, os.Getenv("PUSH_API_KEY")))
	}
	if len(pubs) == 1 {
		// ws-only: log events for clients that are not connected
		pubs = append(pubs, &publish.LogPublisher{Logger: logger})
	}
	publisher := &publish.Fanout{Publishers: pubs, Logger: logger}

	var gateway payments.Gateway
	if os.Getenv("STRIPE_API_KEY") != "" {
		gateway = payments.NewStripeClient()
	}

	var etaClient eta.Client
	if osrm := os.Getenv("OSRM_ENDPOINT"); osrm != "" {
		etaClient = eta.NewOSRMClient(osrm)
	}

	coordinator := &broadcast.Coordinator{
		Geo:       index,
		Store:     store,
		Publisher: publisher,
		Logger:    logger,
		Cfg:       cfg.Dispatch,
		ETAClient: etaClient,
		ETACache:  eta.NewCache(cfg.Dispatch.RoundWindow),
		SpeedMps:  cfg.DefaultSpeedMps,
	}
	arb := &arbiter.Arbiter{Store: store, Publisher: publisher, Logger: logger, Cfg: cfg.Dispatch}
	tripSvc := &trips.Service{
		Store:       store,
		Fare:        &fare.Estimator{Store: store},
		Coordinator: coordinator,
		Publisher:   publisher,
		Payments:    gateway,
		Logger:      logger,
		Cfg:         cfg.Dispatch,
	}

	sw := &sweeper.Sweeper{Store: store, Coordinator: coordinator, Publisher: publisher, Payments: gateway, Logger: logger, Cfg: cfg.Dispatch}
	go sw.Run(ctx)
	go sw.RunHygiene(ctx, time.Hour)

	api := httpapi.NewServer(httpapi.Deps{
		Trips:      tripSvc,
		Arbiter:    arb,
		Store:      store,
		Geo:        index,
		Heartbeats: hbProducer,
		WSReg:      wsreg,
		Logger:     logger,
	})

	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      api,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("ride-dispatch listening", "addr", cfg.HTTPAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown incomplete", "error", err)
	}
}

func runMigrations(dsn string) error {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	b, err := os.ReadFile(filepath.Join("migrations", "001_create_dispatch.sql"))
	if err != nil {
		return err
	}
	_, err = db.Exec(string(b))
	return err
}
