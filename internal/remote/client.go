package remote

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Get for a document that does not exist.
var ErrNotFound = errors.New("remote: document not found")

// Client is the remote document store. Implementations must make Apply
// idempotent for identical operations: a set overwrites, a setMerge
// shallow-merges into whatever is already there.
type Client interface {
	Apply(ctx context.Context, op WriteOperation) error
	Get(ctx context.Context, path string) (map[string]any, error)
	Delete(ctx context.Context, path string) error
	Exists(ctx context.Context, path string) (bool, error)
}
