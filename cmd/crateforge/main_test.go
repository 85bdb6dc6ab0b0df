package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mblsha/crateforge/internal/builder"
	"github.com/mblsha/crateforge/internal/client"
	"github.com/mblsha/crateforge/internal/compile"
	"github.com/mblsha/crateforge/internal/config"
	"github.com/mblsha/crateforge/internal/server"
)

func TestNewLogger_JSON(t *testing.T) {
	cfg := config.Default()
	cfg.LogFormat = "json"
	cfg.LogLevel = "debug"

	var buf bytes.Buffer
	logger, err := newLogger(cfg, &buf)
	if err != nil {
		t.Fatalf("new logger failed: %v", err)
	}
	logger.Debug("hello", "crate", "demo")

	var line map[string]any
	if err := json.Unmarshal(buf.Bytes(), &line); err != nil {
		t.Fatalf("expected json log line, got %q: %v", buf.String(), err)
	}
	if line["msg"] != "hello" || line["crate"] != "demo" {
		t.Fatalf("unexpected log line: %v", line)
	}
}

func TestNewLogger_TextRespectsLevel(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "warn"

	var buf bytes.Buffer
	logger, err := newLogger(cfg, &buf)
	if err != nil {
		t.Fatal(err)
	}
	logger.Info("quiet")
	logger.Warn("loud")
	if strings.Contains(buf.String(), "quiet") || !strings.Contains(buf.String(), "msg=loud") {
		t.Fatalf("unexpected output: %q", buf.String())
	}
}

func TestNewLogger_InvalidLevel(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "chatty"
	if _, err := newLogger(cfg, &bytes.Buffer{}); err == nil {
		t.Fatalf("expected invalid level error")
	}
}

func TestStartDiscovery_SkippedWhenDisabledOrLoopback(t *testing.T) {
	logger := slog.New(slog.DiscardHandler)

	cfg := config.Default()
	if adv := startDiscovery(cfg, logger); adv != nil {
		t.Fatalf("expected no advertiser when discovery is disabled")
	}

	cfg.DiscoveryEnabled = true
	cfg.BindHost = "127.0.0.1"
	if adv := startDiscovery(cfg, logger); adv != nil {
		t.Fatalf("expected no advertiser on a loopback listener")
	}
}

func TestShutdownServer_CancelsStuckBuildsAndRemovesWorkspaces(t *testing.T) {
	cfg := config.Default()
	cfg.WorkDir = t.TempDir()
	block := make(chan struct{})
	defer close(block)
	started := make(chan builder.Job, 1)
	fb := &builder.FakeBuilder{BlockCh: block, Started: started}
	svc := compile.NewService(cfg, fb, nil, nil)

	drain := newRequestDrain()
	srv := &http.Server{
		Handler:     drain.wrap(server.New(cfg, svc, nil, nil, nil).Handler()),
		BaseContext: drain.baseContext,
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()

	src := t.TempDir()
	if err := os.WriteFile(filepath.Join(src, "Cargo.toml"), []byte("[package]\nname = \"hello\"\nversion = \"0.1.0\"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(filepath.Join(src, "src"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(src, "src", "main.rs"), []byte("fn main() {}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	bundle, err := client.BuildBundle(src, client.BundleOptions{})
	if err != nil {
		t.Fatal(err)
	}
	go func() {
		cli := &client.HTTPClient{BaseURL: "http://" + ln.Addr().String()}
		_, _ = cli.Compile(t.Context(), "hello", bundle, "")
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatalf("build never started")
	}

	start := time.Now()
	if err := shutdownServer(srv, drain, 50*time.Millisecond, 5*time.Second, slog.New(slog.DiscardHandler)); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Fatalf("shutdown took %s", elapsed)
	}
	entries, err := os.ReadDir(cfg.WorkDir)
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 0 {
		t.Fatalf("workspaces left after shutdown: %v", entries)
	}
	if err := <-serveErr; !errors.Is(err, http.ErrServerClosed) {
		t.Fatalf("unexpected serve error: %v", err)
	}
}

func TestShutdownServer_IdleServerReturnsImmediately(t *testing.T) {
	drain := newRequestDrain()
	srv := &http.Server{
		Handler:     drain.wrap(http.NotFoundHandler()),
		BaseContext: drain.baseContext,
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	go func() { _ = srv.Serve(ln) }()

	if err := shutdownServer(srv, drain, time.Second, time.Second, slog.New(slog.DiscardHandler)); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}
	if drain.ctx.Err() == nil {
		t.Fatalf("request base context should be cancelled after shutdown")
	}
}
