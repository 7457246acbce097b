// Command feedrelay bridges the upstream oracle websocket onto the price
// command subject. It runs as its own process so a flapping upstream
// connection never touches the ledger.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"PolicyLedger/internal/config"
	"PolicyLedger/internal/feed"
	"PolicyLedger/internal/observability"
)

func main() {
	configPath := flag.String("config", "", "path to TOML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	// Only the oracle and NATS sections matter here; full validation would
	// demand the ledger secrets.
	if cfg.Oracle.RelayURL == "" {
		fmt.Fprintln(os.Stderr, "oracle: relay_url must not be empty")
		os.Exit(1)
	}
	if len(cfg.Oracle.RelayFeeds) == 0 {
		fmt.Fprintln(os.Stderr, "oracle: relay_feeds must not be empty")
		os.Exit(1)
	}

	os.Setenv("POLICY_LOG_LEVEL", strings.ToLower(cfg.LogLevel))
	log := observability.NewLogger("feedrelay")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, err := nats.Connect(cfg.NATS.URL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.NATS.URL).Msg("nats connect")
	}
	defer nc.Close()

	metrics := observability.NewMetrics()
	relay := feed.NewRelay(feed.Config{
		URL:   cfg.Oracle.RelayURL,
		Feeds: cfg.Oracle.RelayFeeds,
	}, nc, metrics)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return relay.Run(gctx)
	})
	g.Go(func() error {
		return runMetricsServer(gctx, cfg.Oracle.RelayMetricsAddr, log)
	})

	log.Info().
		Str("upstream", cfg.Oracle.RelayURL).
		Strs("feeds", cfg.Oracle.RelayFeeds).
		Msg("feed relay running")

	if err := g.Wait(); err != nil {
		log.Fatal().Err(err).Msg("feed relay failed")
	}
	log.Info().Msg("feed relay stopped")
}

func runMetricsServer(ctx context.Context, addr string, log zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutCtx)
	}()

	log.Info().Str("addr", addr).Msg("metrics server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
