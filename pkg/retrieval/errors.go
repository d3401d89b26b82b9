package retrieval

import (
	"context"
	"errors"
	"fmt"
)

const (
	ErrorUnavailable = "unavailable"
	ErrorTimeout     = "timeout"
	ErrorBadStatus   = "bad_status"
	ErrorDecode      = "decode_error"
	ErrorQuery       = "query_error"
)

// Error represents a stable, categorized search backend failure.
type Error struct {
	Category string
	Detail   string
	Err      error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Detail == "" {
		return e.Category
	}

	return fmt.Sprintf("%s: %s", e.Category, e.Detail)
}

func (e *Error) Unwrap() error {
	return e.Err
}

func newError(category string, detail string, err error) error {
	return &Error{Category: category, Detail: detail, Err: err}
}

// CategoryFromError returns the stable category for an error, used as a metric label.
func CategoryFromError(err error) string {
	if err == nil {
		return ""
	}

	var categorized *Error
	if errors.As(err, &categorized) {
		return categorized.Category
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorTimeout
	}

	return ErrorUnavailable
}
