// Package blob stores export artifacts.
package blob

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrNotExist is returned when a referenced object is missing.
var ErrNotExist = errors.New("blob does not exist")

// Object is an opened artifact ready for ranged reads.
type Object struct {
	io.ReadSeekCloser
	Name    string
	Size    int64
	ModTime time.Time
}

// Storage is the contract used by the export manager.
// References are slash separated relative paths such as "12/project-12-at-....json".
type Storage interface {
	// Save writes r under ref and returns the stored reference.
	Save(ctx context.Context, ref string, r io.Reader) (string, error)

	// Open returns a seekable reader, or ErrNotExist.
	Open(ctx context.Context, ref string) (*Object, error)

	// Delete removes ref. Deleting a missing object is not an error.
	Delete(ctx context.Context, ref string) error

	// URL returns an absolute URL for ref, used for proxy offloaded downloads.
	URL(ref string) string
}
