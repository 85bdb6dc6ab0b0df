package main

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alecthomas/kong"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mblsha/crateforge/internal/builder"
	"github.com/mblsha/crateforge/internal/client"
	"github.com/mblsha/crateforge/internal/compile"
	"github.com/mblsha/crateforge/internal/config"
	"github.com/mblsha/crateforge/internal/discovery"
	"github.com/mblsha/crateforge/internal/server"
)

func TestResolveServerURL_ExplicitWins(t *testing.T) {
	url, err := resolveServerURL("http://example:5000", true, time.Second, discovery.DefaultServiceName, discovery.DefaultDomain)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if url != "http://example:5000" {
		t.Fatalf("unexpected url: %s", url)
	}
}

func TestResolveServerURL_DiscoverDisabledWithoutServer(t *testing.T) {
	_, err := resolveServerURL("", false, time.Second, discovery.DefaultServiceName, discovery.DefaultDomain)
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestResolveServerURL_DiscoverSuccess(t *testing.T) {
	orig := discoverFn
	t.Cleanup(func() {
		discoverFn = orig
	})
	discoverFn = func(ctx context.Context, service, domain string) (discovery.Endpoint, error) {
		return discovery.Endpoint{URL: "http://10.0.0.9:5000", Instance: "crateforge", HostName: "builder.local."}, nil
	}

	url, err := resolveServerURL("", true, 200*time.Millisecond, discovery.DefaultServiceName, discovery.DefaultDomain)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if url != "http://10.0.0.9:5000" {
		t.Fatalf("unexpected url: %s", url)
	}
}

func TestResolveServerURL_DiscoverError(t *testing.T) {
	orig := discoverFn
	t.Cleanup(func() {
		discoverFn = orig
	})
	discoverFn = func(ctx context.Context, service, domain string) (discovery.Endpoint, error) {
		return discovery.Endpoint{}, errors.New("no service")
	}

	_, err := resolveServerURL("", true, 200*time.Millisecond, discovery.DefaultServiceName, discovery.DefaultDomain)
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestCLI_ParseCompileFlags(t *testing.T) {
	dir := t.TempDir()
	var cli CLI
	parser, err := kong.New(&cli, kong.Exit(func(int) { t.Fatalf("unexpected exit") }))
	require.NoError(t, err)

	kctx, err := parser.Parse([]string{
		"compile",
		"--server", "http://worker:5000",
		"--no-discover",
		"--dir", dir,
		"--crate", "hello",
		"--encoding", "zstd",
		"--exclude", "*.swp,docs",
	})
	require.NoError(t, err)
	assert.Equal(t, "compile", kctx.Command())
	assert.Equal(t, "http://worker:5000", cli.Compile.Server)
	assert.False(t, cli.Compile.Discover)
	assert.Equal(t, dir, cli.Compile.Dir)
	assert.Equal(t, "hello", cli.Compile.Crate)
	assert.Equal(t, "zstd", cli.Compile.Encoding)
	assert.Equal(t, []string{"*.swp", "docs"}, cli.Compile.Exclude)
	assert.Equal(t, 15*time.Minute, cli.Compile.Timeout)
}

func TestCLI_RejectsUnknownEncoding(t *testing.T) {
	var cli CLI
	parser, err := kong.New(&cli, kong.Exit(func(int) { t.Fatalf("unexpected exit") }))
	require.NoError(t, err)
	_, err = parser.Parse([]string{"compile", "--encoding", "brotli"})
	require.Error(t, err)
}

func TestCompileCmd_WritesArtifact(t *testing.T) {
	cfg := config.Default()
	cfg.WorkDir = t.TempDir()
	svc := compile.NewService(cfg, &builder.FakeBuilder{}, nil, nil)
	ts := httptest.NewServer(server.New(cfg, svc, nil, nil, nil).Handler())
	t.Cleanup(ts.Close)

	dir := t.TempDir()
	writeCrate(t, dir, "hello", "src/main.rs", "fn main() {}\n")
	out := t.TempDir()

	cmd := &CompileCmd{
		ServerFlags: ServerFlags{Server: ts.URL},
		Dir:         dir,
		OutDir:      out,
		Encoding:    "gzip",
		Timeout:     10 * time.Second,
	}
	require.NoError(t, cmd.Run())

	fi, err := os.Stat(filepath.Join(out, "hello"))
	require.NoError(t, err)
	assert.NotZero(t, fi.Mode().Perm()&0o100)
}

func TestCompileCmd_BuildFailure(t *testing.T) {
	stderr := "error[E0308]: mismatched types\n --> src/lib.rs:1:21\n"
	cfg := config.Default()
	cfg.WorkDir = t.TempDir()
	fb := &builder.FakeBuilder{FailTargets: map[string]string{"broken": stderr}}
	svc := compile.NewService(cfg, fb, nil, nil)
	ts := httptest.NewServer(server.New(cfg, svc, nil, nil, nil).Handler())
	t.Cleanup(ts.Close)

	dir := t.TempDir()
	writeCrate(t, dir, "broken", "src/lib.rs", "pub fn x() -> i32 { \"\" }\n")

	cmd := &CompileCmd{
		ServerFlags: ServerFlags{Server: ts.URL},
		Dir:         dir,
		OutDir:      t.TempDir(),
		Encoding:    "identity",
	}
	err := cmd.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "build of broken failed")
}

func TestPrintFailure_ListsErrors(t *testing.T) {
	ce := &client.CompileError{
		Status:      500,
		BuildErrors: 1,
		Body:        "warning: unused variable: `a`\n --> src/lib.rs:2:9\nerror[E0425]: cannot find value `b` in this scope\n --> src/lib.rs:3:5\n",
	}
	var buf bytes.Buffer
	printFailure(&buf, ce, 5, false)
	out := buf.String()
	assert.Contains(t, out, "failure: kind=compile errors=1 warnings=1")
	assert.Contains(t, out, "diagnostic[1]: error[E0425] cannot find value `b` in this scope (src/lib.rs:3:5)")
	assert.NotContains(t, out, "unused variable")
	assert.False(t, strings.Contains(out, "stderr:"))
}

func writeCrate(t *testing.T, dir, name, src, body string) {
	t.Helper()
	manifest := "[package]\nname = \"" + name + "\"\nversion = \"0.1.0\"\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte(manifest), 0o644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, filepath.Dir(src)), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, src), []byte(body), 0o644))
}
