// Package source provides the data source adapters that fetch the raw records a
// report covers.
package source

import (
	"context"
	"errors"
	"fmt"

	"github.com/reportmail/internal/models"
)

// Source fetches the records of one report for a window.
type Source interface {
	Fetch(ctx context.Context, spec models.ReportSpec, window models.Window) (models.RecordSet, error)
}

// FetchError tags a fetch failure as retryable or fatal. Fatal errors need a
// human (bad credentials, unreadable or malformed source) and are not expected
// to resolve by waiting for the next tick.
type FetchError struct {
	Fatal bool
	Err   error
}

func (e *FetchError) Error() string {
	kind := "retryable"
	if e.Fatal {
		kind = "fatal"
	}
	return fmt.Sprintf("fetch failed (%s): %v", kind, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

func Retryable(err error) error { return &FetchError{Err: err} }

func Fatal(err error) error { return &FetchError{Fatal: true, Err: err} }

// IsFatal reports whether err carries a fatal FetchError. Untyped errors are
// treated as retryable.
func IsFatal(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe) && fe.Fatal
}
