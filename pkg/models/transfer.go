package models

import (
	"time"

	"github.com/google/uuid"
)

// TransferStatus is the terminal state of one table transfer.
type TransferStatus string

const (
	StatusSuccess TransferStatus = "success"
	StatusPartial TransferStatus = "partial" // at least one batch committed before the failure
	StatusFailed  TransferStatus = "failed"
)

// TransferProgress holds the per-table counters. Only the orchestrator mutates it,
// and only after a batch has been committed on the target.
type TransferProgress struct {
	Table            string `json:"table"`
	RowsTransferred  int64  `json:"rows_transferred"`
	TotalRows        int64  `json:"total_rows"`
	TotalExact       bool   `json:"total_exact"`
	BatchesCompleted int    `json:"batches_completed"`
	Retries          int    `json:"retries"`
}

// NewTransferProgress starts a fresh counter set for table.
func NewTransferProgress(table string, totalRows int64, exact bool) *TransferProgress {
	return &TransferProgress{Table: table, TotalRows: totalRows, TotalExact: exact}
}

// Commit records one committed batch of rows. If the source grew past an exact
// count taken before reading, the count is demoted to an estimate so that
// RowsTransferred never exceeds an exact TotalRows.
func (p *TransferProgress) Commit(rows int) {
	p.RowsTransferred += int64(rows)
	p.BatchesCompleted++
	if p.RowsTransferred > p.TotalRows {
		p.TotalRows = p.RowsTransferred
		p.TotalExact = false
	}
}

// RecordRetry counts one retried operation.
func (p *TransferProgress) RecordRetry() { p.Retries++ }

// TransferResult is the terminal record for one table.
type TransferResult struct {
	TableName   string         `json:"table_name" yaml:"table_name"`
	RowsWritten int64          `json:"rows_written" yaml:"rows_written"`
	Status      TransferStatus `json:"status" yaml:"status"`
	Error       string         `json:"error,omitempty" yaml:"error,omitempty"`
	Batches     int            `json:"batches" yaml:"batches"`
	Retries     int            `json:"retries" yaml:"retries"`
	StartedAt   time.Time      `json:"started_at" yaml:"started_at"`
	DurationMS  int64          `json:"duration_ms" yaml:"duration_ms"`

	// Err is the classified error behind Error, for callers using errors.As.
	Err error `json:"-" yaml:"-"`
}

// Fail records err on the result and picks partial or failed depending on
// whether anything was committed.
func (r *TransferResult) Fail(err error) {
	r.Err = err
	r.Error = err.Error()
	if r.Batches > 0 {
		r.Status = StatusPartial
	} else {
		r.Status = StatusFailed
	}
}

// Finish stamps the duration.
func (r *TransferResult) Finish(now time.Time) {
	r.DurationMS = now.Sub(r.StartedAt).Milliseconds()
}

// RunSummary aggregates a run.
type RunSummary struct {
	Tables      int   `json:"tables" yaml:"tables"`
	Succeeded   int   `json:"succeeded" yaml:"succeeded"`
	Partial     int   `json:"partial" yaml:"partial"`
	Failed      int   `json:"failed" yaml:"failed"`
	RowsWritten int64 `json:"rows_written" yaml:"rows_written"`
}

// RunReport is the run-level audit record: one TransferResult per table, in
// the order the tables were listed by the source.
type RunReport struct {
	RunID          uuid.UUID        `json:"run_id" yaml:"run_id"`
	Source         string           `json:"source" yaml:"source"`
	TargetDatabase string           `json:"target_database" yaml:"target_database"`
	BatchSize      int              `json:"batch_size" yaml:"batch_size"`
	StartedAt      time.Time        `json:"started_at" yaml:"started_at"`
	FinishedAt     time.Time        `json:"finished_at" yaml:"finished_at"`
	Summary        RunSummary       `json:"summary" yaml:"summary"`
	Results        []TransferResult `json:"results" yaml:"results"`
}

// NewRunReport starts a report with a fresh run ID.
func NewRunReport(source, targetDatabase string, batchSize int, startedAt time.Time) *RunReport {
	return &RunReport{
		RunID:          uuid.New(),
		Source:         source,
		TargetDatabase: targetDatabase,
		BatchSize:      batchSize,
		StartedAt:      startedAt,
	}
}

// Complete stamps the finish time and recomputes the summary.
func (r *RunReport) Complete(finishedAt time.Time) {
	r.FinishedAt = finishedAt
	s := RunSummary{Tables: len(r.Results)}
	for _, res := range r.Results {
		switch res.Status {
		case StatusSuccess:
			s.Succeeded++
		case StatusPartial:
			s.Partial++
		case StatusFailed:
			s.Failed++
		}
		s.RowsWritten += res.RowsWritten
	}
	r.Summary = s
}

// Failed counts tables whose status is not success. A non-zero count marks the
// run as incomplete.
func (r *RunReport) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Status != StatusSuccess {
			n++
		}
	}
	return n
}
