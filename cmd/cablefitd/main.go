// Command cablefitd is a minimal demo harness that drives the BLE protocol
// engine against a single cable machine. It is not a production client: it
// connects to the first matching advertisement, logs every metric, rep and
// diagnostic event it receives, and exits on SIGINT/SIGTERM.
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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/cablefit/bleengine/internal/config"
	"github.com/cablefit/bleengine/internal/diagnostics"
	"github.com/cablefit/bleengine/internal/facade"
	appversion "github.com/cablefit/bleengine/internal/version"
)

const (
	shutdownTimeout = 10 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to a cablefitd.yml configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		return 1
	}

	logLevel := new(slog.LevelVar)
	logLevel.Set(config.ParseLogLevel(cfg.Log.Level))
	logger := newLoggerWithLevel(cfg.Log, logLevel)

	logger.Info("cablefitd starting",
		slog.String("version", appversion.Version),
		slog.String("device_prefix", cfg.Device.NamePrefix),
		slog.Bool("simulate", cfg.Device.Simulate),
	)

	if !cfg.Device.Simulate {
		logger.Error("no real BLE backend is wired into this build; rerun with device.simulate: true")
		return 1
	}

	reg := prometheus.NewRegistry()
	diag := diagnostics.NewCollector(reg)

	central := newSimulatedCentral(cfg.Device.NamePrefix, logger)
	f := facade.New(central, central, diag, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gCtx := errgroup.WithContext(ctx)

	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return runMetricsServer(gCtx, cfg.Metrics, reg, logger) })
	}
	g.Go(func() error { return runDemoSession(gCtx, f, cfg, logger) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("cablefitd exited with error", slog.String("error", err.Error()))
		return 1
	}

	logger.Info("cablefitd stopped")
	return 0
}

// runMetricsServer serves the Prometheus registry until ctx is cancelled,
// then shuts down gracefully.
func runMetricsServer(ctx context.Context, cfg config.MetricsConfig, reg *prometheus.Registry, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(cfg.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics server listening", slog.String("addr", cfg.Addr), slog.String("path", cfg.Path))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("metrics server shutdown: %w", err)
		}
		return nil
	}
}

// runDemoSession scans for a matching peripheral, connects, starts a cable
// workout, and logs every stream until ctx is cancelled.
func runDemoSession(ctx context.Context, f *facade.Facade, cfg *config.Config, logger *slog.Logger) error {
	scanCtx, cancelScan := context.WithTimeout(ctx, cfg.Device.ScanTimeout)
	defer cancelScan()

	devices, err := f.StartScanning(scanCtx)
	if err != nil {
		return fmt.Errorf("start scanning: %w", err)
	}

	var device facade.DiscoveredDevice
	select {
	case device = <-devices:
		logger.Info("discovered device", slog.String("name", device.Name), slog.String("address", device.Address))
	case <-scanCtx.Done():
		return fmt.Errorf("scan timed out after %s", cfg.Device.ScanTimeout)
	}

	if err := f.Connect(ctx, device); err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer func() {
		disconnectCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := f.Disconnect(disconnectCtx); err != nil {
			logger.Warn("disconnect failed", slog.String("error", err.Error()))
		}
	}()

	if err := f.SendWorkoutCommand(ctx, facade.WorkoutCommand{Mode: facade.ModeCable}); err != nil {
		return fmt.Errorf("send workout command: %w", err)
	}

	logStreams(ctx, f, logger)
	return nil
}

// logStreams fans in every published stream and logs each event until ctx
// is cancelled.
func logStreams(ctx context.Context, f *facade.Facade, logger *slog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case obs := <-f.ConnectionState():
			logger.Info("connection state changed", slog.String("state", obs.State.String()))
		case m := <-f.Metrics():
			logger.Info("metric",
				slog.Float64("pos_a", m.PosA),
				slog.Float64("pos_b", m.PosB),
				slog.Float64("load_a", m.LoadA),
				slog.Float64("load_b", m.LoadB),
			)
		case rep := <-f.RepEvents():
			logger.Info("rep event",
				slog.Uint64("complete_count", uint64(rep.CompleteCounter)),
				slog.Bool("legacy_format", rep.IsLegacyFormat),
			)
		case diag := <-f.DiagnosticEvents():
			logger.Warn("diagnostic fault", slog.Any("faults", diag.Faults))
		case mode := <-f.ModeChanges():
			logger.Info("mode change", slog.Int("raw", int(mode.Raw)))
		case ver := <-f.VersionInfo():
			logger.Info("version info", slog.String("value", ver.Value))
		}
	}
}

func newLoggerWithLevel(cfg config.LogConfig, level *slog.LevelVar) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	switch cfg.Format {
	case "text":
		handler = slog.NewTextHandler(os.Stdout, opts)
	default:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}
