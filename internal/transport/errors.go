package transport

import (
	"errors"
	"fmt"
)

// Error is returned when a chunk or a control request cannot be delivered.
// Chunk is zero for requests that are not tied to a chunk.
type Error struct {
	Op    string
	Chunk int
	Err   error
}

func (e *Error) Error() string {
	if e.Chunk == 0 {
		return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("transport %s chunk %d: %v", e.Op, e.Chunk, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// StatusCode returns the HTTP status carried by err, or 0.
func StatusCode(err error) int {
	var he *HTTPError
	if errors.As(err, &he) {
		return he.StatusCode
	}
	return 0
}
