// Command assetcached runs a content-addressed binary asset cache server,
// backed by either the paged in-memory engine or the filesystem engine,
// reachable over the transport protocol.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/pipeline-cache/assetcache/engine"
	"github.com/pipeline-cache/assetcache/engine/filesystem"
	"github.com/pipeline-cache/assetcache/engine/memory"
	"github.com/pipeline-cache/assetcache/persistence"
	"github.com/pipeline-cache/assetcache/telemetry"
	"github.com/pipeline-cache/assetcache/transport"
)

// cli is the kong command specification for assetcached's flags.
var cli struct {
	Backend              string `enum:"memory,filesystem" default:"filesystem" help:"Cache engine backend."`
	CachePath            string `default:"./cache" help:"Directory the filesystem backend stores blobs under, or the memory backend persists its snapshot under."`
	PageSize             int64  `default:"1048576" help:"Memory backend page size in bytes."`
	MinFreeBlockSize     int64  `default:"1024" help:"Memory backend minimum tracked free block size in bytes."`
	HighReliability      bool   `help:"Require N-of-N matching observations before a version is admitted."`
	ReliabilityThreshold int    `default:"1" help:"Additional matching observations required beyond the first, when --high-reliability is set."`
	Listen               string `default:":9900" help:"Address the transport server listens on."`
	MetricsAddr          string `help:"Address to serve /metrics on. Empty disables the endpoint."`
	LogLevel             string `enum:"debug,info,warn,error" default:"info" help:"Log level."`
	LogFormat            string `enum:"text,json" default:"text" help:"Log output format."`
}

func main() {
	kong.Parse(&cli, kong.Description("Content-addressed binary asset cache server."))

	logger, err := newLogger(cli.LogLevel, cli.LogFormat)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	if err := run(logger); err != nil {
		logger.Error("exiting", "error", err)
		os.Exit(1)
	}
}

func newLogger(level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("invalid log level: %s", level)
	}

	switch format {
	case "json":
		return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})), nil
	case "text":
		return slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: lvl})), nil
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
}

func run(logger *slog.Logger) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownMetrics, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:      "assetcached",
		EnablePrometheus: cli.MetricsAddr != "",
	})
	if err != nil {
		return fmt.Errorf("initializing telemetry: %w", err)
	}
	defer func() { _ = shutdownMetrics(context.Background()) }()

	backend, err := newBackend(cli.Backend)
	if err != nil {
		return err
	}

	opts := engine.Options{
		CachePath:            cli.CachePath,
		PageSize:             cli.PageSize,
		MinFreeBlockSize:     cli.MinFreeBlockSize,
		HighReliability:      cli.HighReliability,
		ReliabilityThreshold: cli.ReliabilityThreshold,
	}

	if cli.Backend == "memory" {
		dbPath := cli.CachePath + "/assetcache.db"
		if err := os.MkdirAll(cli.CachePath, 0o755); err != nil {
			return fmt.Errorf("creating cache path: %w", err)
		}
		bolt, err := persistence.OpenBolt(dbPath)
		if err != nil {
			return fmt.Errorf("opening persistence database: %w", err)
		}
		defer bolt.Close()
		opts.Persistence = bolt
	}

	if err := backend.Init(opts); err != nil {
		return fmt.Errorf("initializing %s backend: %w", cli.Backend, err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), engine.DefaultShutdownTimeout)
		defer shutdownCancel()
		if err := backend.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutting down backend", "error", err)
		}
	}()

	instrumented := engine.NewInstrumented(backend, cli.Backend)

	ln, err := net.Listen("tcp", cli.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", cli.Listen, err)
	}

	var metricsServer *http.Server
	if cli.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", telemetry.Handler())
		metricsServer = &http.Server{Addr: cli.MetricsAddr, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("metrics server failed", "error", err)
			}
		}()
		logger.Info("metrics endpoint listening", "addr", cli.MetricsAddr)
	}

	srv := transport.NewServer(instrumented, logger)
	logger.Info("assetcached listening",
		"addr", ln.Addr().String(),
		"backend", cli.Backend,
		"high_reliability", cli.HighReliability,
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx, ln)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		if metricsServer != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = metricsServer.Shutdown(shutdownCtx)
		}
		<-errCh
		return nil
	case err := <-errCh:
		return err
	}
}

func newBackend(name string) (engine.Engine, error) {
	switch name {
	case "memory":
		return memory.New(), nil
	case "filesystem":
		return filesystem.New(), nil
	default:
		return nil, fmt.Errorf("unknown backend %q", name)
	}
}
