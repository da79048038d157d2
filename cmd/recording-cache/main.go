// Command recording-cache serves call recordings over HTTP, converting them
// to WAV on demand and caching the converted audio in the object store.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/lmittmann/tint"

	"github.com/telvox/recording-cache/server"
	"github.com/telvox/recording-cache/telemetry"
)

var version = "dev"

var cli struct {
	Address              string        `help:"Address to listen on." default:":8080"`
	Storage              string        `help:"Object store root directory." default:"./recordings-cache"`
	ScratchDir           string        `help:"Staging directory for in-flight conversions." default:""`
	StoreConcurrency     int           `help:"Maximum concurrent object store operations." default:"16"`
	TranscodeConcurrency int           `help:"Maximum concurrent ffmpeg subprocesses." default:"4"`
	StoreOpTimeout       time.Duration `help:"Timeout for a single store operation." default:"15s"`
	ExistenceTTL         time.Duration `help:"How long a cache existence verdict is trusted." default:"60s"`
	FFmpeg               string        `help:"Path to the ffmpeg binary." default:"ffmpeg"`
	MinOutputBytes       int64         `help:"Smallest conversion output accepted as real audio." default:"1024"`
	Metadata             string        `help:"Conversion ledger file. Empty disables the ledger." default:""`

	OTLPEndpoint string `help:"OTLP gRPC endpoint for metrics export. Empty disables export." default:""`
	Prometheus   bool   `help:"Expose Prometheus metrics on /metrics." default:"false"`

	LogLevel  string           `help:"Log level (debug, info, warn, error)." enum:"debug,info,warn,error" default:"info"`
	LogFormat string           `help:"Log format (text, json)." enum:"text,json" default:"text"`
	Version   kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	kong.Parse(&cli,
		kong.Name("recording-cache"),
		kong.Description("On-demand conversion and caching server for call recordings."),
		kong.Vars{"version": version},
	)

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	logger, err := buildLogger()
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "recording-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     cli.OTLPEndpoint,
		EnablePrometheus: cli.Prometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer flushCancel()
		if err := shutdownMetrics(flushCtx); err != nil {
			logger.Warn("metrics shutdown", "error", err)
		}
	}()

	srv, err := server.New(server.Config{
		Address:              cli.Address,
		StoragePath:          cli.Storage,
		ScratchDir:           cli.ScratchDir,
		StoreConcurrency:     cli.StoreConcurrency,
		TranscodeConcurrency: cli.TranscodeConcurrency,
		StoreOpTimeout:       cli.StoreOpTimeout,
		ExistenceTTL:         cli.ExistenceTTL,
		FFmpegPath:           cli.FFmpeg,
		MinOutputBytes:       cli.MinOutputBytes,
		MetadataPath:         cli.Metadata,
		Logger:               logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigCh
		logger.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	logger.Info("server started",
		"version", version,
		"address", srv.Address(),
		"playback_url", fmt.Sprintf("http://localhost%s/recordings/", srv.Address()),
	)

	select {
	case <-ctx.Done():
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func buildLogger() (*slog.Logger, error) {
	var level slog.Level
	switch cli.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	switch cli.LogFormat {
	case "text":
		handler = tint.NewHandler(os.Stdout, &tint.Options{Level: level})
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", cli.LogFormat)
	}
	return slog.New(handler), nil
}
