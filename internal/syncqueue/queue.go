// Package syncqueue stores form submissions that could not reach the origin
// so that background sync can replay them later.
package syncqueue

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a submission id is not queued.
var ErrNotFound = errors.New("submission not found")

// Submission is a captured request awaiting replay.
type Submission struct {
	ID        uuid.UUID   `json:"id"         db:"id"`
	Tag       string      `json:"tag"        db:"tag"`
	Method    string      `json:"method"     db:"method"`
	URL       string      `json:"url"        db:"url"`
	Header    http.Header `json:"header"     db:"-"`
	Body      []byte      `json:"body"       db:"body"`
	Attempts  int         `json:"attempts"   db:"attempts"`
	LastError string      `json:"last_error" db:"last_error"`
	CreatedAt time.Time   `json:"created_at" db:"created_at"`
}

// NewSubmission captures a request for tag. The header is copied.
func NewSubmission(tag, method, target string, header http.Header, body []byte) *Submission {
	return &Submission{
		ID:        uuid.New(),
		Tag:       tag,
		Method:    method,
		URL:       target,
		Header:    header.Clone(),
		Body:      body,
		CreatedAt: time.Now().UTC(),
	}
}

// Queue is the pluggable submission store.
type Queue interface {
	Enqueue(ctx context.Context, s *Submission) error
	// List returns the submissions queued under tag, oldest first.
	List(ctx context.Context, tag string) ([]*Submission, error)
	Remove(ctx context.Context, id uuid.UUID) error
	// MarkFailed bumps the attempt count and records reason.
	MarkFailed(ctx context.Context, id uuid.UUID, reason string) error
	Len(ctx context.Context, tag string) (int, error)
	// Tags lists every tag with at least one queued submission.
	Tags(ctx context.Context) ([]string, error)
}

// prepare fills the id and creation time of a submission built by hand.
func prepare(s *Submission) {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
}

func clone(s *Submission) *Submission {
	c := *s
	c.Header = s.Header.Clone()
	if s.Body != nil {
		c.Body = append([]byte(nil), s.Body...)
	}
	return &c
}
