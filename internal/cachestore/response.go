package cachestore

import (
	"net/http"
	"time"
)

// ResponseType mirrors the fetch API's response types.
type ResponseType string

const (
	// TypeBasic is a same-origin response whose headers and body are readable.
	TypeBasic ResponseType = "basic"
	// TypeCORS is a cross-origin response.
	TypeCORS ResponseType = "cors"
	// TypeError is the placeholder for a failed fetch.
	TypeError ResponseType = "error"
)

// Response is a stored response snapshot.
type Response struct {
	Status   int          `json:"status"`
	Header   http.Header  `json:"headers"`
	Body     []byte       `json:"-"`
	URL      string       `json:"url"`
	Type     ResponseType `json:"type"`
	StoredAt time.Time    `json:"stored_at"`
}

// Clone returns a deep copy so a snapshot can be stored while the original
// is still being written to a client.
func (r *Response) Clone() *Response {
	if r == nil {
		return nil
	}
	c := *r
	c.Header = r.Header.Clone()
	if r.Body != nil {
		c.Body = append([]byte(nil), r.Body...)
	}
	return &c
}

// Cacheable reports whether the fetch path may persist r: status 200 and a
// same-origin response type.
func (r *Response) Cacheable() bool {
	return r != nil && r.Status == http.StatusOK && r.Type == TypeBasic
}
