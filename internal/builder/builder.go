package builder

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrLaunch means the toolchain process could not be started at all.
	ErrLaunch = errors.New("toolchain could not be launched")
	// ErrTimeout means the build ran past its deadline and was killed.
	ErrTimeout = errors.New("toolchain timed out")
)

type Job struct {
	ID           string
	WorkspaceDir string
	Target       string
}

// Result is the outcome of one toolchain run. A failed build is a normal
// Result with Succeeded=false, not an error.
type Result struct {
	Succeeded bool
	ExitCode  int
	Stderr    string
	Stdout    string
	// OutputRoot is the toolchain's profile output directory. Only
	// meaningful when Succeeded.
	OutputRoot string
	Duration   time.Duration
}

// Builder compiles one target inside an already populated workspace. The
// error return is reserved for ErrLaunch, ErrTimeout and context
// cancellation.
type Builder interface {
	Build(ctx context.Context, job Job) (Result, error)
}
