package domain

import "fmt"

type DocumentStatus string

const (
	StatusUploaded   DocumentStatus = "uploaded"
	StatusProcessing DocumentStatus = "processing"
	StatusCompleted  DocumentStatus = "completed"
	StatusFailed     DocumentStatus = "failed"
)

// transitions is the complete lifecycle graph. processing → processing is the
// retry self-loop; failed → uploaded is only reachable through reprocess.
var transitions = map[DocumentStatus][]DocumentStatus{
	StatusUploaded:   {StatusProcessing},
	StatusProcessing: {StatusProcessing, StatusCompleted, StatusFailed},
	StatusFailed:     {StatusUploaded},
	StatusCompleted:  {},
}

func (s DocumentStatus) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s DocumentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

func CanTransition(from, to DocumentStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns ErrInvalidTransition for any edge outside the graph.
func CheckTransition(from, to DocumentStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return WrapError(ErrInvalidTransition, "transition", fmt.Errorf("%s -> %s", from, to))
}
