package domain

import "fmt"

type Stage string

const (
	StageLoad           Stage = "load"
	StageExtraction     Stage = "extraction"
	StageClassification Stage = "classification"
	StageEntities       Stage = "entity_extraction"
	StageSummarization  Stage = "summarization"
)

type FailureKind string

const (
	FailureValidation FailureKind = "validation"
	FailureTransient  FailureKind = "transient"
	FailurePermanent  FailureKind = "permanent"
	FailureTimeout    FailureKind = "timeout"
)

// Failure is the failed variant of a stage Outcome.
type Failure struct {
	Stage     Stage
	Kind      FailureKind
	Retryable bool
	Message   string
	Err       error
}

func (f *Failure) Error() string {
	if f == nil {
		return "stage failure"
	}
	return fmt.Sprintf("%s %s failure: %s", f.Stage, f.Kind, f.Message)
}

func (f *Failure) Unwrap() error {
	if f == nil {
		return nil
	}
	return f.Err
}

// Outcome is either Success (Failure == nil) or Failure. Degraded marks a
// success that substituted a placeholder for an upstream error.
type Outcome[T any] struct {
	Value      T
	Confidence float64
	Degraded   bool
	Failure    *Failure
}

func Succeed[T any](value T, confidence float64) Outcome[T] {
	return Outcome[T]{Value: value, Confidence: confidence}
}

func Degrade[T any](value T) Outcome[T] {
	return Outcome[T]{Value: value, Degraded: true}
}

func Fail[T any](failure *Failure) Outcome[T] {
	return Outcome[T]{Failure: failure}
}

func (o Outcome[T]) Failed() bool {
	return o.Failure != nil
}
