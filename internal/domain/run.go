package domain

import "time"

// RunStatus enumerates aggregation run states.
type RunStatus string

const (
	RunIdle           RunStatus = "idle"
	RunRunning        RunStatus = "running"
	RunCompleted      RunStatus = "completed"
	RunPartialFailure RunStatus = "partial_failure"
	RunAborted        RunStatus = "aborted"
)

// Trigger records what started a run.
type Trigger string

const (
	TriggerSchedule Trigger = "schedule"
	TriggerManual   Trigger = "manual"
)

// SourceStatus is the per-source outcome of a run.
type SourceStatus struct {
	OK        bool   `json:"ok" bson:"ok"`
	ItemCount int    `json:"itemCount" bson:"itemCount"`
	Created   int    `json:"created" bson:"created"`
	Updated   int    `json:"updated" bson:"updated"`
	Skipped   int    `json:"skipped" bson:"skipped"`
	Error     string `json:"error,omitempty" bson:"error,omitempty"`
}

// AggregationRun is one execution of the pipeline across all sources.
type AggregationRun struct {
	ID              string                  `json:"runId" bson:"_id"`
	Trigger         Trigger                 `json:"trigger" bson:"trigger"`
	Status          RunStatus               `json:"status" bson:"status"`
	StartedAt       time.Time               `json:"startedAt" bson:"startedAt"`
	FinishedAt      time.Time               `json:"finishedAt" bson:"finishedAt"`
	PerSourceStatus map[Source]SourceStatus `json:"perSourceStatus" bson:"perSourceStatus"`
	Error           string                  `json:"error,omitempty" bson:"error,omitempty"`
}

// Finalize derives the overall status from the per-source outcomes.
// A run without a single successful source is still a partial failure.
func (r *AggregationRun) Finalize(finishedAt time.Time) {
	r.FinishedAt = finishedAt
	if r.Error != "" || len(r.PerSourceStatus) == 0 {
		r.Status = RunPartialFailure
		return
	}
	for _, st := range r.PerSourceStatus {
		if !st.OK {
			r.Status = RunPartialFailure
			return
		}
	}
	r.Status = RunCompleted
}

// Created sums new records across sources.
func (r AggregationRun) Created() int {
	total := 0
	for _, st := range r.PerSourceStatus {
		total += st.Created
	}
	return total
}
