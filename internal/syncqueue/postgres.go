package syncqueue

import (
	"context"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// submissionSelectList is the column list for SELECT on queued_submissions.
const submissionSelectList = `id, tag, method, url, headers, body, attempts, last_error, created_at`

// PostgresQueue stores submissions in the queued_submissions table.
type PostgresQueue struct {
	db *sqlx.DB
}

// NewPostgresQueue creates a queue on db. Run the migrations first.
func NewPostgresQueue(db *sqlx.DB) *PostgresQueue {
	return &PostgresQueue{db: db}
}

// headerColumn maps http.Header to a JSONB column.
type headerColumn http.Header

func (h headerColumn) Value() (driver.Value, error) {
	if h == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(h)
}

func (h *headerColumn) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*h = nil
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("scan headers: unsupported type %T", src)
	}
	return json.Unmarshal(raw, (*http.Header)(h))
}

type submissionRow struct {
	Submission
	Headers headerColumn `db:"headers"`
}

func (r *submissionRow) toSubmission() *Submission {
	s := r.Submission
	s.Header = http.Header(r.Headers)
	return &s
}

func (q *PostgresQueue) Enqueue(ctx context.Context, s *Submission) error {
	prepare(s)

	query := `
		INSERT INTO queued_submissions (id, tag, method, url, headers, body, attempts, last_error, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := q.db.ExecContext(ctx, query,
		s.ID, s.Tag, s.Method, s.URL, headerColumn(s.Header), s.Body,
		s.Attempts, s.LastError, s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("enqueue submission: %w", err)
	}
	return nil
}

func (q *PostgresQueue) List(ctx context.Context, tag string) ([]*Submission, error) {
	query := `SELECT ` + submissionSelectList + `
		FROM queued_submissions
		WHERE tag = $1
		ORDER BY created_at ASC, id ASC`

	var rows []submissionRow
	if err := q.db.SelectContext(ctx, &rows, query, tag); err != nil {
		return nil, fmt.Errorf("list submissions: %w", err)
	}

	out := make([]*Submission, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toSubmission())
	}
	return out, nil
}

// execExpectOneRow runs an exec and returns ErrNotFound when no row was affected
func (q *PostgresQueue) execExpectOneRow(ctx context.Context, query string, args ...any) error {
	result, err := q.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	rows, rowsErr := result.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("get affected rows: %w", rowsErr)
	}
	if rows == 0 {
		return ErrNotFound
	}
	return nil
}

func (q *PostgresQueue) Remove(ctx context.Context, id uuid.UUID) error {
	if err := q.execExpectOneRow(ctx, `DELETE FROM queued_submissions WHERE id = $1`, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("remove submission: %w", err)
	}
	return nil
}

func (q *PostgresQueue) MarkFailed(ctx context.Context, id uuid.UUID, reason string) error {
	query := `
		UPDATE queued_submissions
		SET attempts = attempts + 1,
		    last_error = $2,
		    updated_at = NOW()
		WHERE id = $1`
	if err := q.execExpectOneRow(ctx, query, id, reason); err != nil {
		if errors.Is(err, ErrNotFound) {
			return err
		}
		return fmt.Errorf("mark submission failed: %w", err)
	}
	return nil
}

func (q *PostgresQueue) Len(ctx context.Context, tag string) (int, error) {
	var n int
	if err := q.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM queued_submissions WHERE tag = $1`, tag); err != nil {
		return 0, fmt.Errorf("count submissions: %w", err)
	}
	return n, nil
}

func (q *PostgresQueue) Tags(ctx context.Context) ([]string, error) {
	var tags []string
	if err := q.db.SelectContext(ctx, &tags, `SELECT DISTINCT tag FROM queued_submissions ORDER BY tag`); err != nil {
		return nil, fmt.Errorf("list tags: %w", err)
	}
	return tags, nil
}
