// Package queue manages the embedding job queue. The write pipeline
// enqueues jobs inside its own transaction; an external embedder
// worker drains them through this package, and a cron janitor prunes
// terminal jobs after a retention window.
package queue

import (
	"context"
	"time"

	"github.com/fusedb/fusedb/internal/store"
)

// Job statuses.
const (
	StatusPending    = "pending"
	StatusProcessing = "processing"
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
)

// Job is one embedding request.
type Job struct {
	ID           int64     `json:"id"`
	Collection   string    `json:"collection"`
	DocumentID   string    `json:"documentId"`
	TextContent  string    `json:"textContent"`
	Priority     int       `json:"priority"`
	Status       string    `json:"status"`
	RetryCount   int       `json:"retryCount"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
	ErrorMessage string    `json:"errorMessage,omitempty"`
}

// Queue operates on the embedding_queue table.
type Queue struct {
	db *store.DB

	// MaxRetries bounds attempts before a job is terminally failed.
	MaxRetries int
}

// New creates a queue over an open database.
func New(db *store.DB, maxRetries int) *Queue {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Queue{db: db, MaxRetries: maxRetries}
}

// Depth returns the number of pending jobs.
func (q *Queue) Depth(ctx context.Context) (int64, error) {
	rows, err := q.db.Select(ctx, `SELECT COUNT(*) AS n FROM embedding_queue WHERE status = ?`, StatusPending)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	n, _ := rows[0]["n"].(int64)
	return n, nil
}

// Dequeue claims up to limit pending jobs, highest priority first,
// oldest first within a priority, and marks them processing.
func (q *Queue) Dequeue(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 10
	}

	var jobs []Job
	err := q.db.Transaction(ctx, func(tx *store.Tx) error {
		jobs = jobs[:0]
		rows, err := tx.Select(ctx, `
			SELECT id, collection_name, document_id, text_content, priority,
			       status, retry_count, created_at, updated_at, error_message
			FROM embedding_queue
			WHERE status = ?
			ORDER BY priority DESC, created_at ASC
			LIMIT ?`, StatusPending, limit)
		if err != nil {
			return err
		}

		now := time.Now().UnixMilli()
		for _, row := range rows {
			job := rowToJob(row)
			if err := tx.Exec(ctx,
				`UPDATE embedding_queue SET status = ?, updated_at = ? WHERE id = ?`,
				StatusProcessing, now, job.ID); err != nil {
				return err
			}
			job.Status = StatusProcessing
			jobs = append(jobs, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// Complete marks a job done.
func (q *Queue) Complete(ctx context.Context, id int64) error {
	return q.db.Exec(ctx,
		`UPDATE embedding_queue SET status = ?, updated_at = ?, error_message = NULL WHERE id = ?`,
		StatusCompleted, time.Now().UnixMilli(), id)
}

// Fail records a job failure. Jobs under the retry budget return to
// pending; exhausted jobs are terminally failed with the message kept
// for observability.
func (q *Queue) Fail(ctx context.Context, id int64, message string) error {
	return q.db.Transaction(ctx, func(tx *store.Tx) error {
		retries, err := tx.ScanInt(ctx, `SELECT retry_count FROM embedding_queue WHERE id = ?`, id)
		if err != nil {
			return err
		}

		status := StatusPending
		if int(retries)+1 >= q.MaxRetries {
			status = StatusFailed
		}
		return tx.Exec(ctx, `
			UPDATE embedding_queue
			SET status = ?, retry_count = retry_count + 1, error_message = ?, updated_at = ?
			WHERE id = ?`,
			status, message, time.Now().UnixMilli(), id)
	})
}

// PruneTerminal deletes completed and failed jobs older than the
// retention window.
func (q *Queue) PruneTerminal(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()

	var pruned int64
	err := q.db.Transaction(ctx, func(tx *store.Tx) error {
		n, err := tx.ScanInt(ctx, `
			SELECT COUNT(*) FROM embedding_queue
			WHERE status IN (?, ?) AND updated_at < ?`,
			StatusCompleted, StatusFailed, cutoff)
		if err != nil {
			return err
		}
		pruned = n
		return tx.Exec(ctx, `
			DELETE FROM embedding_queue
			WHERE status IN (?, ?) AND updated_at < ?`,
			StatusCompleted, StatusFailed, cutoff)
	})
	if err != nil {
		return 0, err
	}
	return pruned, nil
}

func rowToJob(row store.Row) Job {
	job := Job{
		Collection:   stringCol(row["collection_name"]),
		DocumentID:   stringCol(row["document_id"]),
		TextContent:  stringCol(row["text_content"]),
		Status:       stringCol(row["status"]),
		ErrorMessage: stringCol(row["error_message"]),
	}
	if id, ok := row["id"].(int64); ok {
		job.ID = id
	}
	if p, ok := row["priority"].(int64); ok {
		job.Priority = int(p)
	}
	if r, ok := row["retry_count"].(int64); ok {
		job.RetryCount = int(r)
	}
	if ms, ok := row["created_at"].(int64); ok {
		job.CreatedAt = time.UnixMilli(ms)
	}
	if ms, ok := row["updated_at"].(int64); ok {
		job.UpdatedAt = time.UnixMilli(ms)
	}
	return job
}

func stringCol(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return ""
	}
}
