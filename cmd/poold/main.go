package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/defistate/defistate-amm-go/cmd/poold/config"
	"github.com/defistate/defistate-amm-go/custody/memory"
	"github.com/defistate/defistate-amm-go/custody/postgres"
	"github.com/defistate/defistate-amm-go/engine"
	"github.com/defistate/defistate-amm-go/streams/jsonrpc/server"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DefaultSubscriptionBufferSize = 100
	shutdownTimeout               = 5 * time.Second
)

func main() {
	// create the log handler
	rootLogHandler := slog.NewJSONHandler(os.Stdout, nil)
	closeApp := func() {
		os.Exit(1)
	}

	rootLogger := slog.New(rootLogHandler)
	prometheusRegistry := prometheus.DefaultRegisterer
	cfg, err := loadConfig()
	if err != nil {
		rootLogger.Error("Failed to load configuration", "error", err)
		closeApp()
	}

	// Create a context that cancels when the OS sends an interrupt (Ctrl+C) or termination signal.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	custodian, release, err := newCustodian(ctx, cfg, rootLogger.With("component", "custody"))
	if err != nil {
		rootLogger.Error("Failed to initialize custody", "driver", cfg.Custody.Driver, "error", err)
		closeApp()
	}
	defer release()

	assetX, assetY := cfg.Assets()
	pool, err := engine.NewPool(engine.Config{
		Name:      cfg.Name,
		AssetX:    assetX,
		AssetY:    assetY,
		Custodian: custodian,
		Logger:    rootLogger.With("component", "engine"),
		Registry:  prometheusRegistry,
	})
	if err != nil {
		rootLogger.Error("Failed to initialize Pool", "error", err)
		closeApp()
	}

	rpcServer, err := server.NewServer(server.Config{
		Pool:       pool,
		Logger:     rootLogger.With("component", "jsonrpc-server"),
		BufferSize: DefaultSubscriptionBufferSize,
	})
	if err != nil {
		rootLogger.Error("Failed to initialize RPC server", "error", err)
		closeApp()
	}
	defer rpcServer.Stop()

	wsHandler := rpcServer.WebsocketHandler([]string{"*"})
	servers := []*http.Server{
		{
			Addr: cfg.ListenAddr,
			Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if isWebsocket(r) {
					wsHandler.ServeHTTP(w, r)
					return
				}
				rpcServer.ServeHTTP(w, r)
			}),
		},
		{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.Handler(),
		},
	}

	errCh := make(chan error, len(servers))
	for _, srv := range servers {
		go func(srv *http.Server) {
			rootLogger.Info("Listening", "addr", srv.Addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("serve %s: %w", srv.Addr, err)
			}
		}(srv)
	}

	rootLogger.Info("Pool started", "pool", pool.Name(), "driver", cfg.Custody.Driver)

	select {
	case err := <-errCh:
		rootLogger.Error("Fatal server error", "error", err)
	case <-ctx.Done():
		rootLogger.Info("Shutting down...")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			rootLogger.Warn("Server shutdown failed", "addr", srv.Addr, "error", err)
		}
	}
}

// newCustodian builds the configured custody book. The returned release func
// frees any resources it holds.
func newCustodian(ctx context.Context, cfg *config.PoolConfig, logger *slog.Logger) (engine.Custodian, func(), error) {
	switch cfg.Custody.Driver {
	case config.DriverMemory:
		book := memory.NewBook(cfg.Account())
		seeds, err := cfg.Seeds()
		if err != nil {
			return nil, nil, err
		}
		for _, s := range seeds {
			if err := book.Credit(s.Asset, s.Owner, s.Amount); err != nil {
				return nil, nil, fmt.Errorf("seed %s for %s: %w", s.Asset.Hex(), s.Owner.Hex(), err)
			}
		}
		logger.Info("Memory custody ready", "seeded_balances", len(seeds))
		return book, func() {}, nil

	case config.DriverPostgres:
		db, err := sqlx.Open("postgres", cfg.Custody.DSN)
		if err != nil {
			return nil, nil, err
		}
		if err := db.PingContext(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		book := postgres.NewBook(db, cfg.Account())
		if err := book.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		logger.Info("Postgres custody ready")
		return book, func() { db.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown custody driver %q", cfg.Custody.Driver)
	}
}

func isWebsocket(r *http.Request) bool {
	return strings.EqualFold(r.Header.Get("Upgrade"), "websocket") &&
		strings.Contains(strings.ToLower(r.Header.Get("Connection")), "upgrade")
}

func loadConfig() (*config.PoolConfig, error) {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file.")
	flag.Parse()
	log.Printf("Loading configuration from: %s", *configPath)
	return config.LoadConfig(*configPath)
}
