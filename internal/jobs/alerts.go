package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/Togather-Foundation/harvester/internal/metrics"
	"github.com/riverqueue/river"
	"github.com/riverqueue/river/rivertype"
)

// FailureHandler logs failed jobs and counts the ones River will discard
// because they have no attempts left.
type FailureHandler struct {
	logger *slog.Logger
}

func NewFailureHandler(logger *slog.Logger) *FailureHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &FailureHandler{logger: logger}
}

func (h *FailureHandler) HandleError(ctx context.Context, job *rivertype.JobRow, err error) *river.ErrorHandlerResult {
	h.record(ctx, job, err, "")
	return nil
}

func (h *FailureHandler) HandlePanic(ctx context.Context, job *rivertype.JobRow, panicVal any, trace string) *river.ErrorHandlerResult {
	h.record(ctx, job, fmt.Errorf("panic: %v", panicVal), trace)
	return nil
}

func (h *FailureHandler) record(ctx context.Context, job *rivertype.JobRow, err error, trace string) {
	attrs := []any{
		"job_id", job.ID,
		"kind", job.Kind,
		"queue", job.Queue,
		"attempt", job.Attempt,
		"max_attempts", job.MaxAttempts,
		"error", err,
	}
	if runID := importRunID(job); runID != "" {
		attrs = append(attrs, "run_id", runID)
	}
	if trace != "" {
		attrs = append(attrs, "trace", trace)
	}

	if job.Attempt >= job.MaxAttempts {
		metrics.RiverJobsDiscarded.WithLabelValues(job.Kind, job.Queue).Inc()
		h.logger.ErrorContext(ctx, "job failed with no attempts left", attrs...)
		return
	}
	h.logger.WarnContext(ctx, "job failed, will retry", attrs...)
}

// importRunID names the run an import_run job was working on.
func importRunID(job *rivertype.JobRow) string {
	if job.Kind != JobKindImportRun {
		return ""
	}
	var args ImportRunArgs
	if err := json.Unmarshal(job.EncodedArgs, &args); err != nil {
		return ""
	}
	return args.RunID
}
