package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/alecthomas/kong"

	"github.com/mblsha/crateforge/internal/client"
	"github.com/mblsha/crateforge/internal/diagnostics"
	"github.com/mblsha/crateforge/internal/discovery"
	"github.com/mblsha/crateforge/internal/manifest"
)

var discoverFn = discovery.Discover

type CLI struct {
	Compile CompileCmd `cmd:"" default:"withargs" help:"Bundle a crate, build it remotely and save the artifact"`
	Health  HealthCmd  `cmd:"" help:"Check that a worker is reachable"`
}

type ServerFlags struct {
	Server          string        `env:"CRATEFORGE_SERVER" help:"Worker base url (if empty, auto-discover)"`
	Discover        bool          `default:"true" negatable:"" help:"Auto-discover a worker when --server is not provided"`
	DiscoverTimeout time.Duration `default:"2s" help:"mDNS auto-discovery timeout"`
	DiscoverService string        `default:"_crateforge._tcp" help:"mDNS service name used for discovery"`
	DiscoverDomain  string        `default:"local." help:"mDNS discovery domain"`
}

func (f ServerFlags) resolve() (string, error) {
	return resolveServerURL(f.Server, f.Discover, f.DiscoverTimeout, f.DiscoverService, f.DiscoverDomain)
}

type CompileCmd struct {
	ServerFlags `embed:""`

	Dir             string        `short:"C" default:"." type:"existingdir" help:"Crate or workspace directory to bundle"`
	Crate           string        `help:"Package to build (default: the package in --dir/Cargo.toml)"`
	OutDir          string        `short:"o" default:"." help:"Directory the artifact is written to"`
	Encoding        string        `default:"gzip" enum:"identity,gzip,zstd" help:"Upload compression"`
	Exclude         []string      `help:"Extra path patterns to leave out of the bundle"`
	Timeout         time.Duration `default:"15m" help:"Overall request timeout"`
	DiagnosticLimit int           `default:"5" help:"Max diagnostics to print on failure"`
	ShowStderr      bool          `help:"Print the full toolchain stderr on failure"`
}

func (c *CompileCmd) Run() error {
	crate := strings.TrimSpace(c.Crate)
	if crate == "" {
		m, err := manifest.Load(c.Dir)
		if err != nil {
			return fmt.Errorf("determine crate name: %w", err)
		}
		if crate, err = m.PackageName(); err != nil {
			return fmt.Errorf("determine crate name: %w (pass --crate for a virtual workspace)", err)
		}
	}
	if err := manifest.ValidatePackageName(crate); err != nil {
		return err
	}

	serverURL, err := c.resolve()
	if err != nil {
		return err
	}
	bundle, err := client.BuildBundle(c.Dir, client.BundleOptions{Encoding: c.Encoding, Exclude: c.Exclude})
	if err != nil {
		return err
	}
	fmt.Printf("bundle: %s (%d bytes, %s)\n", c.Dir, len(bundle), c.Encoding)

	ctx := context.Background()
	if c.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Timeout)
		defer cancel()
	}

	cli := &client.HTTPClient{BaseURL: serverURL}
	start := time.Now()
	res, err := cli.Compile(ctx, crate, bundle, c.Encoding)
	if err != nil {
		var ce *client.CompileError
		if errors.As(err, &ce) && ce.BuildFailed() {
			printFailure(os.Stdout, ce, c.DiagnosticLimit, c.ShowStderr)
			return fmt.Errorf("build of %s failed (request %s)", crate, ce.RequestID)
		}
		return err
	}

	path, err := client.WriteArtifact(res, c.OutDir)
	if err != nil {
		return err
	}
	fmt.Printf("%s %s (%d bytes, sha256 %s) in %s\n",
		res.Kind, path, len(res.Data), res.SHA256, time.Since(start).Round(time.Millisecond))
	return nil
}

type HealthCmd struct {
	ServerFlags `embed:""`
}

func (h *HealthCmd) Run() error {
	serverURL, err := h.resolve()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := (&client.HTTPClient{BaseURL: serverURL}).Health(ctx); err != nil {
		return err
	}
	fmt.Printf("%s ok\n", serverURL)
	return nil
}

func main() {
	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("crateforge-cli"),
		kong.Description("Build Rust crates on a remote crateforge worker."),
		kong.UsageOnError(),
	)
	kctx.FatalIfErrorf(kctx.Run())
}

func printFailure(w io.Writer, ce *client.CompileError, limit int, showStderr bool) {
	report := diagnostics.BuildReport([]byte(ce.Body))
	kind, summary := diagnostics.InferFailure(report, ce.Body)
	fmt.Fprintf(w, "failure: kind=%s errors=%d warnings=%d\n", kind, report.ErrorCount, report.WarningCount)
	fmt.Fprintf(w, "summary: %s\n", summary)

	if limit <= 0 {
		limit = 5
	}
	printed := 0
	for _, d := range report.Diagnostics {
		if d.Severity != diagnostics.SeverityError {
			continue
		}
		fmt.Fprintf(w, "diagnostic[%d]: %s", printed+1, d.Severity)
		if d.Code != "" {
			fmt.Fprintf(w, "[%s]", d.Code)
		}
		fmt.Fprintf(w, " %s", d.Message)
		if d.File != "" && d.Line > 0 {
			fmt.Fprintf(w, " (%s:%d:%d)", filepath.ToSlash(d.File), d.Line, d.Column)
		}
		fmt.Fprintln(w)
		printed++
		if printed >= limit {
			break
		}
	}
	if showStderr {
		fmt.Fprintf(w, "stderr:\n%s", ce.Body)
	}
}

func resolveServerURL(
	explicit string,
	discover bool,
	timeout time.Duration,
	service string,
	domain string,
) (string, error) {
	explicit = strings.TrimSpace(explicit)
	if explicit != "" {
		return explicit, nil
	}
	if !discover {
		return "", errors.New("server is required when discovery is disabled; pass --server")
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	endpoint, err := discoverFn(ctx, service, domain)
	if err != nil {
		return "", fmt.Errorf("discover worker via mDNS: %w", err)
	}
	fmt.Printf("discovered worker: %s (instance=%s host=%s)\n", endpoint.URL, endpoint.Instance, endpoint.HostName)
	return endpoint.URL, nil
}
