// Package backend defines the execution backend the pipeline drives: bulk
// file loads into raw tables and opaque transform/maintenance statements.
// The core never parses or optimizes these statements.
package backend

import (
	"context"
	"errors"
	"fmt"

	"github.com/tbergin/freshet/internal/model"
)

// LoadRequest asks the backend to load one file into a raw table.
type LoadRequest struct {
	Path        string
	TargetTable string
	Descriptor  model.FormatDescriptor
}

// Backend executes load commands and arbitrary statements.
type Backend interface {
	// Load decodes the file per the format descriptor and loads it into the
	// target table, returning the loaded row count.
	Load(ctx context.Context, req LoadRequest) (int64, error)

	// Exec runs an opaque transform or maintenance statement.
	Exec(ctx context.Context, statement string) error
}

// UnavailableError marks a transient backend failure worth retrying with
// backoff. Decode errors and data problems are not wrapped in it.
type UnavailableError struct {
	Err error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("backend unavailable: %s", e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	var u *UnavailableError
	return errors.As(err, &u)
}
