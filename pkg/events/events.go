// Package events carries structured engine events to external sinks.
//
// Emission is best-effort by contract: a sink must never return an error to
// the engine, and a broken sink must never fail a pipeline run.
package events

import (
	"time"
)

// Kind identifies an event type.
type Kind string

const (
	PipelineStarted     Kind = "pipeline_started"
	PipelineCompleted   Kind = "pipeline_completed"
	StageStarted        Kind = "stage_started"
	StageCompleted      Kind = "stage_completed"
	StepCompleted       Kind = "step_completed"
	PostActionCompleted Kind = "post_action_completed"
)

// Event is one structured engine occurrence.
type Event struct {
	Kind     Kind      `json:"kind"`
	Time     time.Time `json:"time"`
	Pipeline string    `json:"pipeline"`
	RunID    string    `json:"run_id,omitempty"`

	// Stage is the slash-separated path of the stage, empty for
	// pipeline-level events.
	Stage string `json:"stage,omitempty"`
	Step  string `json:"step,omitempty"`

	Status   string        `json:"status,omitempty"`
	ExitCode int           `json:"exit_code,omitempty"`
	Duration time.Duration `json:"duration_ms,omitempty"`
	Message  string        `json:"message,omitempty"`
}

// Sink receives engine events.
type Sink interface {
	Emit(ev Event)
}

// NopSink discards all events.
type NopSink struct{}

// Emit discards the event.
func (NopSink) Emit(Event) {}

// MultiSink fans events out to several sinks.
type MultiSink []Sink

// Emit forwards the event to every sink.
func (m MultiSink) Emit(ev Event) {
	for _, s := range m {
		s.Emit(ev)
	}
}
