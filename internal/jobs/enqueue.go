package jobs

import (
	"context"
	"fmt"

	"github.com/Togather-Foundation/harvester/internal/ingest"
	"github.com/jackc/pgx/v5"
	"github.com/riverqueue/river"
)

// Enqueuer turns import triggers into River jobs. A runs trigger becomes one
// unique ImportRunArgs job per id; latest and date become a single batch job.
type Enqueuer struct {
	Client *river.Client[pgx.Tx]
}

// Enqueue inserts the jobs for req and returns how many were inserted.
// Ids that already have a pending job are not counted.
func (e Enqueuer) Enqueue(ctx context.Context, req ingest.Request) (int, error) {
	params, err := insertParams(req)
	if err != nil {
		return 0, err
	}
	results, err := e.Client.InsertMany(ctx, params)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s import: %w", req.Action, err)
	}
	n := 0
	for _, r := range results {
		if !r.UniqueSkippedAsDuplicate {
			n++
		}
	}
	return n, nil
}

func insertParams(req ingest.Request) ([]river.InsertManyParams, error) {
	switch req.Action {
	case ingest.ActionRuns:
		ids := make([]river.InsertManyParams, 0, len(req.RunIDs))
		for _, id := range req.RunIDs {
			if id == "" {
				continue
			}
			ids = append(ids, river.InsertManyParams{Args: ImportRunArgs{RunID: id}})
		}
		if len(ids) == 0 {
			return nil, ingest.ErrMissingRunIDs
		}
		return ids, nil
	case ingest.ActionLatest, ingest.ActionDate:
		opts := InsertOptsForKind(JobKindImportBatch)
		return []river.InsertManyParams{{
			Args:       ImportBatchArgs{Action: string(req.Action), Date: req.Date},
			InsertOpts: &opts,
		}}, nil
	}
	return nil, fmt.Errorf("%w: %q cannot be enqueued", ingest.ErrUnknownAction, req.Action)
}
