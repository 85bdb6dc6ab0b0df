package builder

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mblsha/crateforge/internal/manifest"
)

// FakeBuilder is intended for tests and local dry-runs. It reads the
// Cargo.toml files in the workspace and writes deterministic placeholder
// artifacts where cargo would put them.
type FakeBuilder struct {
	mu sync.Mutex

	Calls []Job

	// FailTargets maps a target to the stderr text of a forced build
	// failure.
	FailTargets map[string]string
	// LaunchErr, when set, is returned wrapped in ErrLaunch.
	LaunchErr error
	// BlockCh holds every build until it is closed or the context ends.
	BlockCh <-chan struct{}
	// Started, when set, receives the job once the build is underway.
	Started chan<- Job
}

func (b *FakeBuilder) Build(ctx context.Context, job Job) (Result, error) {
	b.mu.Lock()
	b.Calls = append(b.Calls, job)
	b.mu.Unlock()

	if b.LaunchErr != nil {
		return Result{ExitCode: -1}, fmt.Errorf("%w: %v", ErrLaunch, b.LaunchErr)
	}
	if b.Started != nil {
		select {
		case b.Started <- job:
		case <-ctx.Done():
		}
	}
	if b.BlockCh != nil {
		select {
		case <-ctx.Done():
			return Result{ExitCode: -1}, classifyRunError(ctx.Err(), 0)
		case <-b.BlockCh:
		}
	}

	if stderr, ok := b.FailTargets[job.Target]; ok {
		return Result{ExitCode: 101, Stderr: stderr}, nil
	}

	found, err := manifest.FindAll(job.WorkspaceDir)
	if err != nil {
		return Result{
			ExitCode: 101,
			Stderr:   fmt.Sprintf("error: failed to parse manifest at `%s`\n\nCaused by:\n  %v\n", job.WorkspaceDir, err),
		}, nil
	}

	var pkg *manifest.Found
	for i := range found {
		name, err := found[i].Manifest.PackageName()
		if err == nil && name == job.Target {
			pkg = &found[i]
			break
		}
	}
	if pkg == nil {
		if len(found) == 0 {
			return Result{
				ExitCode: 101,
				Stderr:   fmt.Sprintf("error: could not find `Cargo.toml` in `%s` or any parent directory\n", job.WorkspaceDir),
			}, nil
		}
		return Result{
			ExitCode: 101,
			Stderr:   fmt.Sprintf("error: package ID specification `%s` did not match any packages\n", job.Target),
		}, nil
	}

	pkgDir := filepath.Join(job.WorkspaceDir, filepath.FromSlash(pkg.Dir))
	if err := pkg.Manifest.Validate(pkgDir); err != nil {
		return Result{
			ExitCode: 101,
			Stderr:   fmt.Sprintf("error: failed to parse manifest at `%s`\n\nCaused by:\n  %v\n", filepath.Join(pkgDir, manifest.FileName), err),
		}, nil
	}
	manifestRaw, err := os.ReadFile(filepath.Join(pkgDir, manifest.FileName))
	if err != nil {
		return Result{ExitCode: 101, Stderr: fmt.Sprintf("error: %v\n", err)}, nil
	}
	sum := sha256.Sum256(append([]byte(job.Target+"\x00"), manifestRaw...))
	hash := hex.EncodeToString(sum[:8])

	profile := ProfileDir(job.WorkspaceDir)
	wrote := false
	if pkg.Manifest.HasLibrary(pkgDir) {
		deps := filepath.Join(profile, "deps")
		if err := os.MkdirAll(deps, 0o755); err != nil {
			return Result{ExitCode: 101, Stderr: fmt.Sprintf("error: %v\n", err)}, nil
		}
		stem := "lib" + manifest.CrateName(job.Target) + "-" + hash
		if err := os.WriteFile(filepath.Join(deps, stem+".rlib"), []byte("fake-rlib:"+job.Target+":"+hash), 0o644); err != nil {
			return Result{ExitCode: 101, Stderr: fmt.Sprintf("error: %v\n", err)}, nil
		}
		if err := os.WriteFile(filepath.Join(deps, stem+".rmeta"), []byte("fake-rmeta"), 0o644); err != nil {
			return Result{ExitCode: 101, Stderr: fmt.Sprintf("error: %v\n", err)}, nil
		}
		wrote = true
	}
	if pkg.Manifest.HasBinary(pkgDir) {
		if err := os.MkdirAll(profile, 0o755); err != nil {
			return Result{ExitCode: 101, Stderr: fmt.Sprintf("error: %v\n", err)}, nil
		}
		if err := os.WriteFile(filepath.Join(profile, job.Target), []byte("fake-bin:"+job.Target+":"+hash), 0o755); err != nil {
			return Result{ExitCode: 101, Stderr: fmt.Sprintf("error: %v\n", err)}, nil
		}
		wrote = true
	}
	if !wrote {
		return Result{
			ExitCode: 101,
			Stderr:   fmt.Sprintf("error: failed to parse manifest at `%s`\n\nCaused by:\n  no targets specified in the manifest\n", filepath.Join(pkgDir, manifest.FileName)),
		}, nil
	}

	return Result{
		Succeeded:  true,
		ExitCode:   0,
		Stderr:     fmt.Sprintf("   Compiling %s v0.0.0 (%s)\n    Finished `dev` profile [unoptimized + debuginfo] target(s)\n", job.Target, pkgDir),
		OutputRoot: profile,
	}, nil
}

func (b *FakeBuilder) CallCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.Calls)
}

var (
	_ Builder = (*FakeBuilder)(nil)
	_ Builder = (*CargoBuilder)(nil)
)
