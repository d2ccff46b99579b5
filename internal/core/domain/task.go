package domain

import "time"

// Task asks the worker to run the pipeline for one document. Attempt is the
// document retry count the task was scheduled for.
type Task struct {
	DocumentID string    `json:"document_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

type RunOutcome string

const (
	RunCompleted RunOutcome = "completed"
	RunFailed    RunOutcome = "failed"
	RunRequeued  RunOutcome = "requeued"
	RunSkipped   RunOutcome = "skipped"
)

// RunReport is all the dispatcher learns about a run: it finished, or it
// asks to be requeued after RetryAfter.
type RunReport struct {
	DocumentID string
	Outcome    RunOutcome
	Attempt    int
	RetryAfter time.Duration
	Duration   time.Duration
	Failure    *Failure
}

func (r RunReport) Requeue() bool {
	return r.Outcome == RunRequeued
}

// Claim is the result of a successful run claim: the document as it is now
// (status processing) and the status it was claimed from.
type Claim struct {
	Document *Document
	From     DocumentStatus
}
