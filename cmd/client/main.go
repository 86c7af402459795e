package main

import (
	"context"
	"flag"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/defistate/defistate-amm-go/cmd/client/config"
	"github.com/defistate/defistate-amm-go/protocols/constantproduct/calculator"
	"github.com/defistate/defistate-amm-go/streams/jsonrpc/client"
)

const (
	DefaultClientViewBufferSize = 100
)

func main() {
	// create the log handler
	rootLogHandler := slog.NewJSONHandler(os.Stdout, nil)
	closeApp := func() {
		os.Exit(1)
	}

	rootLogger := slog.New(rootLogHandler)
	cfg, err := loadConfig()
	if err != nil {
		rootLogger.Error("Failed to load configuration", "error", err)
		closeApp()
	}

	// Create a context that cancels when the OS sends an interrupt (Ctrl+C) or termination signal.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stream, err := client.NewClient(
		ctx,
		client.Config{
			URL:        cfg.PoolURL,
			Logger:     rootLogger.With("component", "jsonrpc-client"),
			BufferSize: DefaultClientViewBufferSize,
		},
	)
	if err != nil {
		rootLogger.Error("Failed to initialize Client", "url", cfg.PoolURL, "error", err)
		closeApp()
	}

	for {
		select {
		case view := <-stream.View():
			attrs := []any{
				"pool", view.Name,
				"seq", view.Seq,
				"reserveX", view.ReserveX.Dec(),
				"reserveY", view.ReserveY.Dec(),
				"totalClaims", view.TotalClaims.Dec(),
			}
			if price, err := calculator.SpotPrice(view.ReserveX, view.ReserveY); err == nil {
				attrs = append(attrs, "price", price.Dec())
			}
			rootLogger.Info("Pool view", attrs...)
		case err, ok := <-stream.Err():
			if ok {
				rootLogger.Error("Fatal client error", "error", err)
			}
			return
		case <-ctx.Done():
			return
		}
	}
}

func loadConfig() (*config.ClientConfig, error) {
	configPath := flag.String("config", "config.yaml", "Path to the configuration file.")
	flag.Parse()
	log.Printf("Loading configuration from: %s", *configPath)
	return config.LoadConfig(*configPath)
}
