package compile

import (
	"fmt"
	"log/slog"
	"time"
)

type Stage string

const (
	StageReceived   Stage = "received"
	StageExtracting Stage = "extracting"
	StageQueued     Stage = "queued"
	StageBuilding   Stage = "building"
	StageResolving  Stage = "resolving"
	StageSucceeded  Stage = "succeeded"
	StageFailed     Stage = "failed"
)

// stageOrder ranks the non-terminal stages; a request only moves forward.
var stageOrder = map[Stage]int{
	StageReceived:   0,
	StageExtracting: 1,
	StageQueued:     2,
	StageBuilding:   3,
	StageResolving:  4,
}

// Record tracks one request through the pipeline. It lives only as long as
// the request.
type Record struct {
	ID     string
	Target string

	Stage Stage
	Kind  Kind

	CreatedAt  time.Time
	UpdatedAt  time.Time
	FinishedAt *time.Time

	ExitCode *int
	Timings  map[Stage]time.Duration
}

func NewRecord(id, target string, now time.Time) *Record {
	return &Record{
		ID:        id,
		Target:    target,
		Stage:     StageReceived,
		CreatedAt: now.UTC(),
		UpdatedAt: now.UTC(),
		Timings:   map[Stage]time.Duration{},
	}
}

// Transition moves to next and returns the stage that was left together
// with the time spent in it.
func (r *Record) Transition(next Stage, now time.Time) (Stage, time.Duration, error) {
	if !isValidTransition(r.Stage, next) {
		return r.Stage, 0, fmt.Errorf("invalid transition %s -> %s", r.Stage, next)
	}
	n := now.UTC()
	prev := r.Stage
	spent := n.Sub(r.UpdatedAt)
	r.Timings[prev] += spent
	r.Stage = next
	r.UpdatedAt = n
	if r.Terminal() {
		r.FinishedAt = &n
	}
	return prev, spent, nil
}

func (r *Record) MarkFailed(now time.Time, kind Kind) (Stage, time.Duration, error) {
	prev, spent, err := r.Transition(StageFailed, now)
	if err != nil {
		return prev, spent, err
	}
	r.Kind = kind
	return prev, spent, nil
}

func (r *Record) SetExitCode(code int) {
	r.ExitCode = &code
}

func (r *Record) Terminal() bool {
	return r.Stage == StageSucceeded || r.Stage == StageFailed
}

func (r *Record) Elapsed() time.Duration {
	if r.FinishedAt != nil {
		return r.FinishedAt.Sub(r.CreatedAt)
	}
	return r.UpdatedAt.Sub(r.CreatedAt)
}

func (r *Record) LogValue() slog.Value {
	attrs := []slog.Attr{
		slog.String("stage", string(r.Stage)),
		slog.Duration("elapsed", r.Elapsed()),
	}
	if r.Kind != "" {
		attrs = append(attrs, slog.String("kind", string(r.Kind)))
	}
	if r.ExitCode != nil {
		attrs = append(attrs, slog.Int("exit_code", *r.ExitCode))
	}
	for _, s := range []Stage{StageExtracting, StageQueued, StageBuilding, StageResolving} {
		if d, ok := r.Timings[s]; ok {
			attrs = append(attrs, slog.Duration(string(s), d))
		}
	}
	return slog.GroupValue(attrs...)
}

func isValidTransition(from, to Stage) bool {
	if from == StageSucceeded || from == StageFailed {
		return false
	}
	if to == StageFailed {
		return true
	}
	if to == StageSucceeded {
		return from == StageResolving
	}
	fromRank, ok := stageOrder[from]
	if !ok {
		return false
	}
	toRank, ok := stageOrder[to]
	if !ok {
		return false
	}
	return toRank > fromRank
}

var _ slog.LogValuer = (*Record)(nil)
