package compile

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/mblsha/crateforge/internal/archive"
	"github.com/mblsha/crateforge/internal/artifact"
	"github.com/mblsha/crateforge/internal/builder"
	"github.com/mblsha/crateforge/internal/config"
	"github.com/mblsha/crateforge/internal/diagnostics"
	"github.com/mblsha/crateforge/internal/manifest"
	"github.com/mblsha/crateforge/internal/metrics"
	"github.com/mblsha/crateforge/internal/workspace"
)

// Request is one compile request after intake. Payload is the raw request
// body, still encoded per Encoding.
type Request struct {
	ID       string
	Target   string
	Payload  []byte
	Encoding string
}

type Service struct {
	cfg        config.Config
	builder    builder.Builder
	logger     *slog.Logger
	metrics    metrics.Recorder
	strategies []artifact.Strategy

	// nil when admission control is off.
	slots *semaphore.Weighted

	now func() time.Time
}

func NewService(cfg config.Config, b builder.Builder, logger *slog.Logger, rec metrics.Recorder) *Service {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	s := &Service{
		cfg:        cfg,
		builder:    b,
		logger:     logger,
		metrics:    rec,
		strategies: artifact.DefaultStrategies(),
		now:        time.Now,
	}
	if cfg.MaxConcurrentBuilds > 0 {
		s.slots = semaphore.NewWeighted(int64(cfg.MaxConcurrentBuilds))
	}
	return s
}

// Compile runs the whole pipeline for one request. The workspace it
// allocates is removed before Compile returns on every path. Failures are
// always *Error.
func (s *Service) Compile(ctx context.Context, req Request) (art *artifact.Artifact, err error) {
	rec := NewRecord(req.ID, req.Target, s.now())
	log := s.logger.With("request_id", req.ID, "crate", req.Target)

	// succeeded is set only on the final return, so a panic unwinding
	// through here counts as internal and keeps its own value.
	succeeded := false
	defer func() {
		if succeeded {
			s.metrics.IncCompileOutcome("success")
			s.metrics.ObserveArtifactBytes(len(art.Data))
		} else {
			kind := KindInternal
			if err != nil {
				kind = KindOf(err)
			}
			s.advance(log, rec, StageFailed, kind)
			s.metrics.IncCompileOutcome(string(kind))
		}
		log.Debug("compile finished", "record", rec)
	}()

	if err := manifest.ValidatePackageName(req.Target); err != nil {
		return nil, newError(KindInvalidRequest, err, "invalid crate_name")
	}
	enc, err := archive.NormalizeEncoding(req.Encoding)
	if err != nil {
		return nil, newError(KindInvalidRequest, err, "invalid Content-Encoding")
	}

	ws, err := workspace.Provision(s.cfg.WorkDir, req.ID)
	if err != nil {
		return nil, newError(KindWorkspaceAllocation, err, "allocate workspace")
	}
	defer func() {
		if cerr := ws.Close(); cerr != nil {
			log.Warn("workspace cleanup failed", "path", ws.Root, "error", cerr)
		}
	}()

	s.advance(log, rec, StageExtracting, "")
	if err := s.extract(req.Payload, enc, ws.Root); err != nil {
		return nil, err
	}

	s.advance(log, rec, StageQueued, "")
	release, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	s.advance(log, rec, StageBuilding, "")
	res, err := s.build(ctx, builder.Job{ID: req.ID, WorkspaceDir: ws.Root, Target: req.Target})
	rec.SetExitCode(res.ExitCode)
	if err != nil {
		return nil, err
	}

	s.advance(log, rec, StageResolving, "")
	outDir, err := outputDir(ws.Root, res.OutputRoot)
	if err != nil {
		return nil, newError(KindInternal, err, "locate build output")
	}
	art, err = artifact.Resolve(os.DirFS(outDir), req.Target, s.strategies...)
	if err != nil {
		if errors.Is(err, artifact.ErrNotFound) {
			return nil, newError(KindArtifactNotFound, err, "build succeeded but produced no artifact for %q", req.Target)
		}
		return nil, newError(KindArtifactRead, err, "read artifact")
	}
	s.advance(log, rec, StageSucceeded, "")
	succeeded = true
	return art, nil
}

// outputDir picks the directory artifacts are resolved in: the builder's
// reported output root, or the default profile directory when it reported
// none. Either way it must lie inside the workspace.
func outputDir(wsRoot, reported string) (string, error) {
	dir := reported
	if dir == "" {
		dir = builder.ProfileDir(wsRoot)
	}
	rel, err := filepath.Rel(wsRoot, dir)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || filepath.IsAbs(rel) {
		return "", fmt.Errorf("output root %q is outside workspace %q", reported, wsRoot)
	}
	return dir, nil
}

func (s *Service) extract(payload []byte, enc, dest string) error {
	dec, err := archive.NewDecoder(enc, bytes.NewReader(payload))
	if err != nil {
		return newError(KindArchiveExtraction, err, "decode request body")
	}
	defer dec.Close()

	limits := archive.Limits{
		MaxFiles:      s.cfg.MaxExtractedFiles,
		MaxTotalBytes: s.cfg.MaxExtractedTotalBytes,
		MaxFileBytes:  s.cfg.MaxExtractedFileBytes,
	}
	if _, err := archive.ExtractTarSecure(dec, dest, limits); err != nil {
		return newError(KindArchiveExtraction, err, "extract archive")
	}
	return nil
}

// acquire waits for a build slot. The returned release is never nil.
func (s *Service) acquire(ctx context.Context) (func(), error) {
	if s.slots == nil {
		return func() {}, nil
	}
	if err := s.slots.Acquire(ctx, 1); err != nil {
		return func() {}, newError(KindUnavailable, err, "no build slot available")
	}
	return func() { s.slots.Release(1) }, nil
}

func (s *Service) build(ctx context.Context, job builder.Job) (builder.Result, error) {
	if s.cfg.BuildTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.BuildTimeout)
		defer cancel()
	}

	s.metrics.AddBuildsInFlight(1)
	res, err := s.builder.Build(ctx, job)
	s.metrics.AddBuildsInFlight(-1)

	switch {
	case errors.Is(err, builder.ErrLaunch):
		return res, newError(KindToolchainLaunch, err, "start toolchain")
	case errors.Is(err, builder.ErrTimeout):
		return res, newError(KindToolchainTimeout, err, "toolchain did not finish within %s", s.cfg.BuildTimeout)
	case errors.Is(err, context.Canceled):
		return res, newError(KindUnavailable, err, "request canceled")
	case err != nil:
		return res, newError(KindInternal, err, "run toolchain")
	}

	if !res.Succeeded {
		report := diagnostics.BuildReport([]byte(res.Stderr))
		return res, &Error{
			Kind:        KindBuildFailure,
			Message:     "build failed",
			Stderr:      res.Stderr,
			ExitCode:    res.ExitCode,
			Diagnostics: &report,
		}
	}
	return res, nil
}

// advance records a stage change and its timing. The record is
// bookkeeping only, so an invalid transition is logged and ignored.
func (s *Service) advance(log *slog.Logger, rec *Record, next Stage, kind Kind) {
	var (
		prev  Stage
		spent time.Duration
		err   error
	)
	if next == StageFailed {
		prev, spent, err = rec.MarkFailed(s.now(), kind)
	} else {
		prev, spent, err = rec.Transition(next, s.now())
	}
	if err != nil {
		log.Debug("stage transition ignored", "error", err)
		return
	}
	if prev != StageReceived {
		s.metrics.ObserveStageDuration(string(prev), spent)
	}
	log.Debug("stage", "from", prev, "to", next, "spent", spent)
}
