// Command quant runs the signal aggregator once and prints the result, or
// serves it over HTTP with --serve.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ajitpratap0/quantfunk/internal/aggregator"
	"github.com/ajitpratap0/quantfunk/internal/api"
	"github.com/ajitpratap0/quantfunk/internal/config"
	"github.com/ajitpratap0/quantfunk/internal/metrics"
)

const (
	exitOK        = 0
	exitFailure   = 1
	exitConfig    = 2
	exitCancelled = 130
)

type options struct {
	configPath  string
	symbols     string
	format      string
	historyFile string
	objective   string
	frontier    int
	serve       bool
	migrate     bool
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout))
}

func run(args []string, stdout io.Writer) int {
	opts, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfig
	}
	config.InitLogger(cfg.App.LogLevel, cfg.App.LogFormat)

	if opts.historyFile != "" {
		cfg.Market.Source = "file"
		cfg.Market.HistoryFile = opts.historyFile
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := buildDeps(ctx, cfg)
	if err != nil {
		log.Error().Err(err).Msg("Failed to initialize")
		return exitFailure
	}
	defer deps.Close()

	if opts.migrate {
		if deps.database == nil {
			log.Error().Msg("--migrate requires market.source=postgres")
			return exitConfig
		}
		if _, err := deps.migrator().Migrate(ctx); err != nil {
			log.Error().Err(err).Msg("Migration failed")
			return exitFailure
		}
		return exitOK
	}

	rc, err := cfg.RunConfig()
	if err != nil {
		log.Error().Err(err).Msg("Invalid run configuration")
		return exitConfig
	}
	if opts.objective != "" {
		if err := applyObjective(&rc, opts.objective); err != nil {
			log.Error().Err(err).Msg("Invalid objective")
			return exitConfig
		}
	}

	symbols := cfg.Aggregator.Symbols
	if opts.symbols != "" {
		symbols = splitSymbols(opts.symbols)
	}

	if opts.serve {
		return serve(cfg, deps, rc, symbols)
	}
	if opts.frontier > 0 {
		return frontierOnce(ctx, stdout, deps, rc, symbols, opts.frontier, opts.format)
	}
	return runOnce(ctx, stdout, deps, rc, symbols, opts.format)
}

func parseFlags(args []string) (options, error) {
	var opts options
	fs := flag.NewFlagSet("quant", flag.ContinueOnError)
	fs.StringVar(&opts.configPath, "config", "", "Path to a YAML config file (default: ./configs/quant.yaml)")
	fs.StringVar(&opts.symbols, "symbols", "", "Comma-separated instruments, overrides aggregator.symbols")
	fs.StringVar(&opts.format, "format", "text", "Output format: text, json or yaml")
	fs.StringVar(&opts.historyFile, "history-file", "", "JSON price history file, implies market.source=file")
	fs.StringVar(&opts.objective, "objective", "", "Optimization objective override")
	fs.IntVar(&opts.frontier, "frontier", 0, "Print an efficient frontier with this many points instead of running")
	fs.BoolVar(&opts.serve, "serve", false, "Serve the HTTP API instead of running once")
	fs.BoolVar(&opts.migrate, "migrate", false, "Apply database migrations and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	if opts.frontier < 0 {
		return opts, fmt.Errorf("invalid --frontier %d: must not be negative", opts.frontier)
	}
	switch opts.format {
	case formatText, formatJSON, formatYAML:
	default:
		return opts, fmt.Errorf("invalid --format %q: expected text, json or yaml", opts.format)
	}
	return opts, nil
}

func splitSymbols(s string) []string {
	var out []string
	for _, sym := range strings.Split(s, ",") {
		if sym = strings.TrimSpace(sym); sym != "" {
			out = append(out, sym)
		}
	}
	return out
}

func runOnce(ctx context.Context, stdout io.Writer, deps *deps, rc aggregator.RunConfig, symbols []string, format string) int {
	res, err := deps.aggregator.Run(ctx, symbols, rc)
	if err != nil {
		var cerr *aggregator.ConfigError
		switch {
		case errors.As(err, &cerr):
			log.Error().Str("field", cerr.Field).Msg(cerr.Message)
			return exitConfig
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			log.Warn().Err(err).Msg("Run cancelled")
			return exitCancelled
		default:
			log.Error().Err(err).Msg("Run failed")
			return exitFailure
		}
	}

	if err := deps.sink.PublishRun(ctx, res); err != nil {
		log.Warn().Err(err).Str("run_id", res.RunID).Msg("Failed to publish run")
	}

	if err := render(stdout, res, format); err != nil {
		log.Error().Err(err).Msg("Failed to write output")
		return exitFailure
	}
	return exitOK
}

func frontierOnce(ctx context.Context, stdout io.Writer, deps *deps, rc aggregator.RunConfig, symbols []string, points int, format string) int {
	res, err := deps.aggregator.Frontier(ctx, symbols, rc, points)
	if err != nil {
		var cerr *aggregator.ConfigError
		switch {
		case errors.As(err, &cerr):
			log.Error().Str("field", cerr.Field).Msg(cerr.Message)
			return exitConfig
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			log.Warn().Err(err).Msg("Frontier cancelled")
			return exitCancelled
		default:
			log.Error().Err(err).Msg("Frontier failed")
			return exitFailure
		}
	}

	if err := renderFrontier(stdout, res, format); err != nil {
		log.Error().Err(err).Msg("Failed to write output")
		return exitFailure
	}
	return exitOK
}

func serve(cfg *config.Config, deps *deps, rc aggregator.RunConfig, symbols []string) int {
	var metricsServer *metrics.Server
	if cfg.Monitoring.EnableMetrics {
		metricsServer = metrics.NewServer(cfg.Monitoring.PrometheusPort, log.Logger)
		if err := metricsServer.Start(); err != nil {
			log.Error().Err(err).Msg("Failed to start metrics server")
			return exitFailure
		}
	}

	server := api.NewServer(api.Config{
		Host:           cfg.API.Host,
		Port:           cfg.API.Port,
		AllowedOrigins: cfg.API.AllowedOrigins,
		Version:        config.Version,
		Runner:         deps.aggregator,
		Frontier:       deps.aggregator,
		Defaults:       rc,
		DefaultSymbols: symbols,
		Publisher:      deps.sink,
	}, log.Logger)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	errChan := make(chan error, 1)
	go func() {
		if err := server.Start(); err != nil {
			errChan <- err
		}
	}()

	code := exitOK
	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
	case err := <-errChan:
		log.Error().Err(err).Msg("API server error")
		code = exitFailure
	}

	log.Info().Msg("Initiating graceful shutdown...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during API server shutdown")
		code = exitFailure
	}
	if metricsServer != nil {
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Error during metrics server shutdown")
		}
	}

	log.Info().Msg("Shutdown complete")
	return code
}
