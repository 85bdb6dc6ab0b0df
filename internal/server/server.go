package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/mblsha/crateforge/internal/artifact"
	"github.com/mblsha/crateforge/internal/compile"
	"github.com/mblsha/crateforge/internal/config"
	"github.com/mblsha/crateforge/internal/diagnostics"
	"github.com/mblsha/crateforge/internal/metrics"
)

const (
	HeaderRequestID   = "X-Request-Id"
	HeaderBuildErrors = "X-Build-Errors"
)

type Compiler interface {
	Compile(ctx context.Context, req compile.Request) (*artifact.Artifact, error)
}

type API struct {
	cfg      config.Config
	compiler Compiler
	logger   *slog.Logger
	recorder metrics.Recorder
	metrics  http.Handler
	mux      *http.ServeMux
}

// New wires the routes. rec counts requests rejected before they reach the
// compiler; the compiler records its own outcomes. metricsHandler may be
// nil, in which case GET /metrics is not served.
func New(cfg config.Config, compiler Compiler, logger *slog.Logger, rec metrics.Recorder, metricsHandler http.Handler) *API {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if rec == nil {
		rec = metrics.NoopRecorder{}
	}
	a := &API{
		cfg:      cfg,
		compiler: compiler,
		logger:   logger,
		recorder: rec,
		metrics:  metricsHandler,
		mux:      http.NewServeMux(),
	}
	a.routes()
	return a
}

func (a *API) Handler() http.Handler {
	return a.withRequestID(a.recoverer(a.mux))
}

func (a *API) routes() {
	a.mux.HandleFunc("GET /healthz", a.handleHealthz)
	a.mux.HandleFunc("POST /compile", a.handleCompile)
	if a.metrics != nil {
		a.mux.Handle("GET /metrics", a.metrics)
	}
}

func (a *API) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleCompile(w http.ResponseWriter, r *http.Request) {
	id := RequestID(r.Context())
	crate := strings.TrimSpace(r.URL.Query().Get("crate_name"))
	log := a.logger.With("request_id", id, "crate", crate, "remote", r.RemoteAddr)

	if crate == "" {
		a.reject(w, log, &compile.Error{Kind: compile.KindInvalidRequest, Message: "missing crate_name query parameter"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.cfg.MaxUploadBytes)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			a.reject(w, log, &compile.Error{
				Kind:    compile.KindPayloadTooLarge,
				Message: fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit),
			})
			return
		}
		a.reject(w, log, &compile.Error{Kind: compile.KindBodyRead, Message: "read request body", Err: err})
		return
	}

	art, err := a.compiler.Compile(r.Context(), compile.Request{
		ID:       id,
		Target:   crate,
		Payload:  payload,
		Encoding: r.Header.Get("Content-Encoding"),
	})
	if err != nil {
		a.fail(w, log, compile.AsError(err))
		return
	}

	h := w.Header()
	h.Set("Content-Type", "application/octet-stream")
	h.Set("Content-Length", strconv.Itoa(len(art.Data)))
	h.Set(art.Kind.Header(), art.FileName)
	h.Set(artifact.HeaderSHA256, art.SHA256)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(art.Data); err != nil {
		log.Warn("write artifact response", "error", err)
		return
	}
	log.Info("compile succeeded",
		"kind", art.Kind,
		"file", art.FileName,
		"bytes", len(art.Data),
		"payload_bytes", len(payload),
	)
}

// reject answers a request that never reached the compiler.
func (a *API) reject(w http.ResponseWriter, log *slog.Logger, ce *compile.Error) {
	a.recorder.IncCompileOutcome(string(ce.Kind))
	a.fail(w, log, ce)
}

func (a *API) fail(w http.ResponseWriter, log *slog.Logger, ce *compile.Error) {
	status := ce.Kind.Status()
	attrs := []any{"kind", ce.Kind, "status", status}

	if ce.Kind == compile.KindBuildFailure {
		report := diagnostics.Report{}
		if ce.Diagnostics != nil {
			report = *ce.Diagnostics
		}
		failureKind, summary := diagnostics.InferFailure(report, ce.Stderr)
		w.Header().Set(HeaderBuildErrors, strconv.Itoa(report.ErrorCount))
		attrs = append(attrs,
			"exit_code", ce.ExitCode,
			"errors", report.ErrorCount,
			"warnings", report.WarningCount,
			"failure", failureKind,
			"summary", summary,
		)
	} else {
		attrs = append(attrs, "error", ce.Error())
	}

	if status >= http.StatusInternalServerError && ce.Kind != compile.KindBuildFailure {
		log.Error("compile failed", attrs...)
	} else {
		log.Warn("compile failed", attrs...)
	}
	writeText(w, status, ce.Body())
}

func writeText(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
