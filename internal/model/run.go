package model

import "time"

// RunStatus represents the current state of a pipeline run.
type RunStatus string

const (
	RunStatusRunning  RunStatus = "running"
	RunStatusComplete RunStatus = "complete"
	RunStatusAborted  RunStatus = "aborted"
	RunStatusFailed   RunStatus = "failed"
)

// Terminal reports whether no further stage will update the run.
func (s RunStatus) Terminal() bool {
	return s == RunStatusComplete || s == RunStatusAborted || s == RunStatusFailed
}

// Stage names a step of the acquisition pipeline.
type Stage string

const (
	StageInit           Stage = "init"
	StagePrereqs        Stage = "prereqs"
	StageDiscover       Stage = "discover"
	StageMaturityFilter Stage = "maturity_filter"
	StageWaveSplit      Stage = "wave_split"
	StageWaveAnalysis   Stage = "wave_analysis"
	StageRank           Stage = "rank"
	StageHandoff        Stage = "handoff"
	StageDone           Stage = "done"
)

// Stages lists every stage in execution order.
var Stages = []Stage{
	StageInit,
	StagePrereqs,
	StageDiscover,
	StageMaturityFilter,
	StageWaveSplit,
	StageWaveAnalysis,
	StageRank,
	StageHandoff,
	StageDone,
}

// Run is the bookkeeping record of one pipeline execution.
type Run struct {
	ID         string    `json:"id"`
	Status     RunStatus `json:"status"`
	Stage      Stage     `json:"stage"`
	Reason     string    `json:"reason,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at,omitempty"`

	// StageCounts holds the number of surviving items after each stage.
	StageCounts map[Stage]int `json:"stage_counts"`
	// Skipped holds the final skip ledger, reduced to counts per reason.
	Skipped map[string]int `json:"skipped"`
	// Waves holds the number of items assigned to each analysis source.
	Waves map[string]int `json:"waves,omitempty"`

	Found           int   `json:"found"`
	Mature          int   `json:"mature"`
	Analyzed        int   `json:"analyzed"`
	SkippedTotal    int   `json:"skipped_total"`
	Persisted       int   `json:"persisted"`
	FallbackSuccess int   `json:"fallback_success"`
	DurationMs      int64 `json:"duration_ms"`
}

// NewRun creates a run in the init stage.
func NewRun(id string, startedAt time.Time) *Run {
	return &Run{
		ID:          id,
		Status:      RunStatusRunning,
		Stage:       StageInit,
		StartedAt:   startedAt,
		StageCounts: make(map[Stage]int),
		Skipped:     make(map[string]int),
	}
}

// Processed is the number of assets that entered the pipeline after
// discovery filters: everything found plus everything skipped before it.
func (r *Run) Processed() int {
	return r.Found + r.Skipped[ReasonBlacklist] + r.Skipped[ReasonVolume]
}
