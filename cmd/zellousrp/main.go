// Command zellousrp bridges a USRP radio endpoint to a Zello-style channel.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/kv9v/zellousrp/internal/audio"
	"github.com/kv9v/zellousrp/internal/bridge"
	"github.com/kv9v/zellousrp/internal/config"
	"github.com/kv9v/zellousrp/internal/health"
	"github.com/kv9v/zellousrp/internal/observe"
	"github.com/kv9v/zellousrp/internal/zello"
	"github.com/kv9v/zellousrp/pkg/usrp"
)

// version is stamped by the build; "dev" otherwise.
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	// Secrets may live in a .env file next to the binary; real environment
	// variables win over both it and the YAML file.
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "zellousrp: load .env: %v\n", err)
		return 1
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "zellousrp: config file %q not found — copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "zellousrp: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("zellousrp starting",
		"version", version,
		"config", *configPath,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "zellousrp",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Radio endpoint ────────────────────────────────────────────────────────
	radio, err := usrp.Dial(usrp.EndpointConfig{
		BindAddr:    cfg.Radio.BindAddr,
		PeerAddr:    cfg.Radio.PeerAddr,
		TalkGroup:   cfg.Radio.TalkGroup,
		FrameBuffer: cfg.Bridge.QueueFrames,
	})
	if err != nil {
		slog.Error("failed to open radio endpoint", "err", err)
		return 1
	}
	defer radio.Close()
	slog.Info("radio endpoint open", "bind", cfg.Radio.BindAddr, "peer", cfg.Radio.PeerAddr)

	// ── Audio transcoder ──────────────────────────────────────────────────────
	transcoder, err := audio.New(audio.Config{
		OpusSampleRate:  cfg.Channel.OpusSampleRate,
		GainToChannelDB: cfg.Radio.GainRxDB,
		GainToRadioDB:   cfg.Radio.GainTxDB,
		Metrics:         metrics,
	})
	if err != nil {
		slog.Error("failed to initialise audio codec", "err", err)
		return 1
	}

	// ── Channel client ────────────────────────────────────────────────────────
	clientCfg := zello.ClientConfig{
		Endpoint:              cfg.Channel.Endpoint,
		Channel:               cfg.Channel.Name,
		Username:              cfg.Channel.Auth.Username,
		Password:              cfg.Channel.Auth.Password,
		OpusSampleRate:        transcoder.OpusSampleRate(),
		InboundSilenceTimeout: cfg.Channel.InboundSilenceTimeout.Std(),
		Backoff:               cfg.Channel.ReconnectBackoff.Std(),
		BackoffMax:            cfg.Channel.ReconnectBackoffMax.Std(),
		Metrics:               metrics,
	}
	if cfg.Channel.Auth.Mode == config.AuthToken {
		key, err := zello.LoadPrivateKey(cfg.Channel.Auth.PrivateKeyFile)
		if err != nil {
			slog.Error("failed to load signing key", "err", err)
			return 1
		}
		clientCfg.PrivateKey = key
		clientCfg.Issuer = cfg.Channel.Auth.Issuer
		clientCfg.Password = ""
	}
	client, err := zello.NewClient(clientCfg)
	if err != nil {
		slog.Error("failed to create channel client", "err", err)
		return 1
	}

	// ── Bridge ────────────────────────────────────────────────────────────────
	relay, err := bridge.New(bridge.Config{
		Radio:           radio,
		Channel:         client,
		Transcoder:      transcoder,
		PrebufferFrames: cfg.Bridge.PrebufferFrames,
		Metrics:         metrics,
	})
	if err != nil {
		slog.Error("failed to assemble bridge", "err", err)
		return 1
	}

	printStartupSummary(cfg)

	// ── Run ───────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return radio.Run(gctx) })
	g.Go(func() error { return client.Run(gctx) })
	g.Go(func() error { return relay.Run(gctx) })
	if cfg.Server.MetricsAddr != "" {
		g.Go(func() error { return serveOps(gctx, cfg.Server.MetricsAddr, radio, client) })
	}

	slog.Info("bridge ready — press Ctrl+C to shut down")

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// serveOps exposes Prometheus metrics and the health probes on addr until
// ctx is cancelled.
func serveOps(ctx context.Context, addr string, radio *usrp.Endpoint, client *zello.Client) error {
	probes := health.New(
		health.ProbeFunc("radio", func(context.Context) error {
			// A ping on the UDP socket fails once the endpoint is closed.
			return radio.SendPing()
		}),
		health.ProbeFunc("channel", func(context.Context) error {
			if st := client.State(); st != zello.StateReady {
				return fmt.Errorf("session %s", st)
			}
			return nil
		}),
	)

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.Handler())
	probes.Register(mux)

	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errc := make(chan error, 1)
	go func() {
		slog.Info("ops server listening", "addr", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("ops server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return ctx.Err()
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════════╗")
	fmt.Println("║        zellousrp — startup summary        ║")
	fmt.Println("╠═══════════════════════════════════════════╣")
	printRow("Radio bind", cfg.Radio.BindAddr)
	printRow("Radio peer", cfg.Radio.PeerAddr)
	printRow("Channel", cfg.Channel.Name)
	printRow("Auth mode", string(cfg.Channel.Auth.Mode))
	printRow("Opus rate", fmt.Sprintf("%d Hz", cfg.Channel.OpusSampleRate))
	printRow("Gain rx/tx", fmt.Sprintf("%+.1f / %+.1f dB", cfg.Radio.GainRxDB, cfg.Radio.GainTxDB))
	if cfg.Server.MetricsAddr != "" {
		printRow("Metrics", cfg.Server.MetricsAddr)
	} else {
		printRow("Metrics", "(disabled)")
	}
	fmt.Println("╚═══════════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(not configured)"
	}
	if len(value) > 23 {
		value = value[:20] + "…"
	}
	fmt.Printf("║  %-14s : %-23s ║\n", label, value)
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
