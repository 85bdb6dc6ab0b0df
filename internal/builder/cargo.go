package builder

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mblsha/crateforge/internal/manifest"
)

// waitDelay bounds how long Wait blocks on inherited pipes after the
// process has been killed.
const waitDelay = 5 * time.Second

type CommandSpec struct {
	Name string
	Args []string
	Dir  string
	Env  []string
}

// Runner executes a command to completion. A non-zero exit is reported
// through the exit code with a nil error; the error is non-nil only when
// the process could not be started (wrapping ErrLaunch) or the context
// ended.
type Runner interface {
	Run(ctx context.Context, spec CommandSpec, stdout, stderr io.Writer) (int, error)
}

type OSRunner struct{}

func (OSRunner) Run(ctx context.Context, spec CommandSpec, stdout, stderr io.Writer) (int, error) {
	cmd := exec.CommandContext(ctx, spec.Name, spec.Args...)
	cmd.Dir = spec.Dir
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	err := cmd.Wait()
	if ctx.Err() != nil {
		return -1, ctx.Err()
	}
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}

type CargoBuilder struct {
	CargoBin string
	Runner   Runner
}

func NewCargoBuilder(cargoBin string, runner Runner) *CargoBuilder {
	if runner == nil {
		runner = OSRunner{}
	}
	return &CargoBuilder{
		CargoBin: cargoBin,
		Runner:   runner,
	}
}

func (b *CargoBuilder) Build(ctx context.Context, job Job) (Result, error) {
	if err := manifest.ValidatePackageName(job.Target); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("invalid build target: %w", err)
	}

	var stdout, stderr bytes.Buffer
	spec := buildCargoCommand(b.CargoBin, job)

	start := time.Now()
	exitCode, runErr := b.Runner.Run(ctx, spec, &stdout, &stderr)
	res := Result{
		ExitCode: exitCode,
		Stdout:   lossyUTF8(stdout.Bytes()),
		Stderr:   lossyUTF8(stderr.Bytes()),
		Duration: time.Since(start),
	}

	if runErr != nil {
		return res, classifyRunError(runErr, res.Duration)
	}
	if exitCode != 0 {
		return res, nil
	}
	res.Succeeded = true
	res.OutputRoot = ProfileDir(job.WorkspaceDir)
	return res, nil
}

// ProfileDir is where cargo places debug-profile outputs for a workspace.
func ProfileDir(workspaceDir string) string {
	return filepath.Join(workspaceDir, "target", "debug")
}

func buildCargoCommand(cargoBin string, job Job) CommandSpec {
	return CommandSpec{
		Name: cargoBin,
		Args: []string{"build", "-p", job.Target, "--offline"},
		Dir:  job.WorkspaceDir,
		Env: []string{
			"CARGO_TERM_COLOR=never",
			"CARGO_TARGET_DIR=" + filepath.Join(job.WorkspaceDir, "target"),
		},
	}
}

func classifyRunError(err error, elapsed time.Duration) error {
	switch {
	case errors.Is(err, ErrLaunch):
		return err
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w after %s", ErrTimeout, elapsed.Round(time.Millisecond))
	default:
		return err
	}
}

// lossyUTF8 replaces invalid byte sequences so diagnostics can be sent as
// text/plain; charset=utf-8.
func lossyUTF8(raw []byte) string {
	return strings.ToValidUTF8(string(raw), "�")
}
