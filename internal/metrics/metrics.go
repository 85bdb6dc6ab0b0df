// Package metrics records compile pipeline metrics.
//
// Components take a Recorder; NoopRecorder is the default so call sites
// never check for nil. PrometheusRecorder backs GET /metrics.
package metrics

import "time"

type Recorder interface {
	IncCompileOutcome(outcome string)
	ObserveStageDuration(stage string, d time.Duration)
	AddBuildsInFlight(delta int)
	ObserveArtifactBytes(n int)
}

type NoopRecorder struct{}

func (NoopRecorder) IncCompileOutcome(string)                   {}
func (NoopRecorder) ObserveStageDuration(string, time.Duration) {}
func (NoopRecorder) AddBuildsInFlight(int)                      {}
func (NoopRecorder) ObserveArtifactBytes(int)                   {}

var _ Recorder = NoopRecorder{}
