package stage

import (
	"context"
	"errors"
	"fmt"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
	"github.com/kirillkom/document-intelligence/internal/core/ports"
)

type Summarization struct {
	summarizer ports.Summarizer
}

func NewSummarization(summarizer ports.Summarizer) *Summarization {
	return &Summarization{summarizer: summarizer}
}

// Run never fails on a summarizer error; it degrades to a placeholder that
// embeds the error. An exceeded run deadline or a cancelled run is reported
// as a failure so the run is never completed with a placeholder it did not
// earn.
func (a *Summarization) Run(ctx context.Context, snap Snapshot) domain.Outcome[string] {
	summary, err := a.summarizer.Summarize(ctx, snap.Fields, snap.Type)
	if err == nil {
		return domain.Succeed(summary, 0)
	}
	switch ctxErr := ctx.Err(); {
	case errors.Is(ctxErr, context.DeadlineExceeded):
		return domain.Fail[string](TimeoutFailure(domain.StageSummarization))
	case ctxErr != nil:
		return domain.Fail[string](ClassifyError(domain.StageSummarization, ctxErr))
	}
	return domain.Degrade(PlaceholderSummary(err))
}

func PlaceholderSummary(err error) string {
	return fmt.Sprintf("Summary generation failed: %v", err)
}
