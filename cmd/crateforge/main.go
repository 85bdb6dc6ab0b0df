package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mblsha/crateforge/internal/builder"
	"github.com/mblsha/crateforge/internal/compile"
	"github.com/mblsha/crateforge/internal/config"
	"github.com/mblsha/crateforge/internal/discovery"
	"github.com/mblsha/crateforge/internal/metrics"
	"github.com/mblsha/crateforge/internal/server"
)

// version is overridden at link time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] != "server" {
		usage()
		os.Exit(2)
	}
	if err := runServer(); err != nil {
		fmt.Fprintf(os.Stderr, "server failed: %v\n", err)
		os.Exit(1)
	}
}

func runServer() error {
	if err := config.LoadEnvFile(); err != nil {
		return err
	}
	cfg, err := config.FromEnv()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, os.Stderr)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	var b builder.Builder
	if cfg.UseFakeBuilder {
		b = &builder.FakeBuilder{}
		logger.Warn("using fake builder")
	} else {
		b = builder.NewCargoBuilder(cfg.CargoBin, nil)
	}

	var (
		rec            metrics.Recorder = metrics.NoopRecorder{}
		metricsHandler http.Handler
	)
	if cfg.MetricsEnabled {
		pr := metrics.NewPrometheusRecorder(nil)
		rec = pr
		metricsHandler = pr.Handler()
	}

	svc := compile.NewService(cfg, b, logger, rec)
	api := server.New(cfg, svc, logger, rec, metricsHandler)
	drain := newRequestDrain()
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           drain.wrap(api.Handler()),
		BaseContext:       drain.baseContext,
		ReadHeaderTimeout: 10 * time.Second,
		ErrorLog:          slog.NewLogLogger(logger.Handler(), slog.LevelWarn),
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if advertiser := startDiscovery(cfg, logger); advertiser != nil {
		defer advertiser.Close()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("crateforge server listening",
			"addr", cfg.ListenAddr(),
			"version", version,
			"work_dir", cfg.WorkDir,
			"max_concurrent_builds", cfg.MaxConcurrentBuilds,
			"build_timeout", cfg.BuildTimeout,
		)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		return shutdownServer(httpServer, drain, shutdownGrace, drainTimeout, logger)
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

const (
	// shutdownGrace is how long running builds may finish on their own.
	shutdownGrace = 10 * time.Second
	// drainTimeout bounds the wait for cancelled handlers; it covers the
	// toolchain kill and its WaitDelay plus workspace removal.
	drainTimeout = 15 * time.Second
)

// requestDrain owns the base context of every request so shutdown can
// cancel builds still running after the grace period and wait for their
// handlers to unwind.
type requestDrain struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newRequestDrain() *requestDrain {
	ctx, cancel := context.WithCancel(context.Background())
	return &requestDrain{ctx: ctx, cancel: cancel}
}

func (d *requestDrain) baseContext(net.Listener) context.Context {
	return d.ctx
}

func (d *requestDrain) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		d.wg.Add(1)
		defer d.wg.Done()
		next.ServeHTTP(w, r)
	})
}

// cancelAndWait cancels every request context and reports whether all
// handlers returned within timeout.
func (d *requestDrain) cancelAndWait(timeout time.Duration) bool {
	d.cancel()
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// shutdownServer stops accepting requests and lets in-flight ones finish
// for grace. Requests still running after that are cancelled, which kills
// their toolchain processes and removes their workspaces before it returns.
func shutdownServer(srv *http.Server, drain *requestDrain, grace, drainWait time.Duration, logger *slog.Logger) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	err := srv.Shutdown(ctx)
	if err == nil {
		drain.cancel()
		return nil
	}
	logger.Warn("graceful shutdown timed out, cancelling in-flight builds", "error", err)
	drained := drain.cancelAndWait(drainWait)
	_ = srv.Close()
	if !drained {
		return fmt.Errorf("in-flight requests did not finish within %s of cancellation", drainWait)
	}
	return nil
}

func newLogger(cfg config.Config, w io.Writer) (*slog.Logger, error) {
	level, err := cfg.SlogLevel()
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "json") {
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return slog.New(slog.NewTextHandler(w, opts)), nil
}

// startDiscovery returns nil when advertisement is off or could not start;
// the worker keeps serving either way.
func startDiscovery(cfg config.Config, logger *slog.Logger) *discovery.Advertiser {
	if !cfg.DiscoveryEnabled {
		return nil
	}
	if cfg.LoopbackOnly() {
		logger.Warn("discovery advertisement disabled: listener is loopback-only", "bind_host", cfg.BindHost)
		return nil
	}
	port, err := discovery.ParseListenPort(cfg.ListenAddr())
	if err != nil {
		logger.Warn("discovery advertisement disabled", "error", err)
		return nil
	}
	instance := cfg.DiscoveryInstance
	if instance == "" {
		instance = hostFallback()
	}
	advertiser, err := discovery.StartAdvertiser(discovery.AdvertiseOptions{
		Instance:   instance,
		Service:    cfg.DiscoveryService,
		Domain:     cfg.DiscoveryDomain,
		ListenHost: cfg.BindHost,
		Port:       port,
		Text:       discovery.TXTRecords(version),
	})
	if err != nil {
		logger.Warn("failed to start discovery advertisement", "error", err)
		return nil
	}
	logger.Info("discovery advertisement enabled",
		"service", cfg.DiscoveryService,
		"domain", cfg.DiscoveryDomain,
		"instance", instance,
		"port", port,
	)
	return advertiser
}

func usage() {
	_, _ = os.Stderr.WriteString("crateforge usage:\n")
	_, _ = os.Stderr.WriteString("  crateforge\n")
	_, _ = os.Stderr.WriteString("  crateforge server\n")
}

func hostFallback() string {
	hostname, err := os.Hostname()
	if err != nil || strings.TrimSpace(hostname) == "" {
		return discovery.DefaultInstance
	}
	return strings.TrimSpace(hostname)
}
