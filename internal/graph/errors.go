package graph

import (
	"errors"
	"fmt"
)

var (
	ErrNoAccessToken      = errors.New("token endpoint returned no access token")
	ErrTokenRejected      = errors.New("token endpoint rejected the grant")
	ErrNotFound           = errors.New("remote resource not found")
	ErrPreconditionFailed = errors.New("remote record changed since it was read")
	ErrForeignNextLink    = errors.New("continuation link points outside the graph host")
)

// StatusError is a non-2xx answer from the Graph API.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Code       string // graph error.code, when present
	Message    string // graph error.message, when present
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("graph %s %s: status=%d code=%s msg=%s", e.Method, e.URL, e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("graph %s %s: status=%d", e.Method, e.URL, e.StatusCode)
}

// Is lets callers match 404 and 412 answers against the package sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == 404
	case ErrPreconditionFailed:
		return e.StatusCode == 412
	}
	return false
}
