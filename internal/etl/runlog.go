package etl

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/credits-etl/internal/db"
)

// Run statuses.
const (
	StatusRunning  = "running"
	StatusComplete = "complete"
	StatusFailed   = "failed"
)

// RunEntry is one stage execution recorded in etl.runs.
type RunEntry struct {
	ID          uuid.UUID      `json:"id" yaml:"id"`
	RunID       uuid.UUID      `json:"run_id" yaml:"run_id"`
	Stage       string         `json:"stage" yaml:"stage"`
	Status      string         `json:"status" yaml:"status"`
	StartedAt   time.Time      `json:"started_at" yaml:"started_at"`
	CompletedAt *time.Time     `json:"completed_at,omitempty" yaml:"completed_at,omitempty"`
	Rows        int64          `json:"rows" yaml:"rows"`
	Error       string         `json:"error,omitempty" yaml:"error,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

// StageResult is passed to Complete.
type StageResult struct {
	Rows     int64
	Metadata map[string]any
}

// RunLog reads and writes etl.runs.
type RunLog struct {
	pool db.Pool
}

// NewRunLog creates a RunLog backed by pool.
func NewRunLog(pool db.Pool) *RunLog {
	return &RunLog{pool: pool}
}

// Start records the beginning of a stage within run and returns the entry ID.
func (l *RunLog) Start(ctx context.Context, run uuid.UUID, stage string) (uuid.UUID, error) {
	id := uuid.New()
	_, err := l.pool.Exec(ctx,
		`INSERT INTO etl.runs (id, run_id, stage, status, started_at)
		 VALUES ($1, $2, $3, 'running', now())`,
		id, run, stage,
	)
	if err != nil {
		return uuid.Nil, eris.Wrapf(err, "runlog: start %s", stage)
	}
	return id, nil
}

// Complete marks an entry as successfully completed.
func (l *RunLog) Complete(ctx context.Context, id uuid.UUID, result *StageResult) error {
	var rows int64
	var metaJSON []byte
	if result != nil {
		rows = result.Rows
		if result.Metadata != nil {
			var err error
			metaJSON, err = json.Marshal(result.Metadata)
			if err != nil {
				return eris.Wrap(err, "runlog: marshal metadata")
			}
		}
	}

	_, err := l.pool.Exec(ctx,
		`UPDATE etl.runs
		 SET status = 'complete', completed_at = now(), rows_affected = $1, metadata = $2
		 WHERE id = $3`,
		rows, metaJSON, id,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: complete %s", id)
	}
	return nil
}

// Fail marks an entry as failed with msg.
func (l *RunLog) Fail(ctx context.Context, id uuid.UUID, msg string) error {
	_, err := l.pool.Exec(ctx,
		`UPDATE etl.runs
		 SET status = 'failed', completed_at = now(), error = $1
		 WHERE id = $2`,
		msg, id,
	)
	if err != nil {
		return eris.Wrapf(err, "runlog: fail %s", id)
	}
	return nil
}

// ListRecent returns up to limit entries, most recent first.
func (l *RunLog) ListRecent(ctx context.Context, limit int) ([]RunEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := l.pool.Query(ctx,
		`SELECT id, run_id, stage, status, started_at, completed_at, rows_affected, error, metadata
		 FROM etl.runs ORDER BY started_at DESC LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, eris.Wrap(err, "runlog: list recent")
	}
	defer rows.Close()

	var entries []RunEntry
	for rows.Next() {
		var e RunEntry
		var errStr *string
		var metaJSON []byte
		if err := rows.Scan(&e.ID, &e.RunID, &e.Stage, &e.Status, &e.StartedAt, &e.CompletedAt, &e.Rows, &errStr, &metaJSON); err != nil {
			return nil, eris.Wrap(err, "runlog: scan entry")
		}
		if errStr != nil {
			e.Error = *errStr
		}
		if metaJSON != nil {
			if err := json.Unmarshal(metaJSON, &e.Metadata); err != nil {
				zap.L().With(zap.String("component", "etl.runlog")).Warn("discarding unreadable run metadata",
					zap.String("id", e.ID.String()),
					zap.String("stage", e.Stage),
					zap.Error(err),
				)
				e.Metadata = nil
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Summary aggregates stage outcomes over a lookback window.
type Summary struct {
	Total       int       `json:"total" yaml:"total"`
	Complete    int       `json:"complete" yaml:"complete"`
	Failed      int       `json:"failed" yaml:"failed"`
	Running     int       `json:"running" yaml:"running"`
	FailRate    float64   `json:"fail_rate" yaml:"fail_rate"`
	LastFailure string    `json:"last_failure,omitempty" yaml:"last_failure,omitempty"`
	Since       time.Time `json:"since" yaml:"since"`
}

// Summarize counts entries started at or after since. Entries must be
// ordered most recent first, as ListRecent returns them.
func Summarize(entries []RunEntry, since time.Time) Summary {
	s := Summary{Since: since}
	for _, e := range entries {
		if e.StartedAt.Before(since) {
			continue
		}
		s.Total++
		switch e.Status {
		case StatusComplete:
			s.Complete++
		case StatusFailed:
			s.Failed++
			if s.LastFailure == "" {
				s.LastFailure = e.Stage + ": " + e.Error
			}
		case StatusRunning:
			s.Running++
		}
	}
	if finished := s.Complete + s.Failed; finished > 0 {
		s.FailRate = float64(s.Failed) / float64(finished)
	}
	return s
}
