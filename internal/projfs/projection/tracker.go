// Package projection tracks which directories of a projected filesystem have
// already been populated.
package projection

import (
	"errors"
	"fmt"
)

// PopulatedAttr is the attribute holding the projection flag of a directory.
const PopulatedAttr = "user.projfs.populated"

// ErrAlreadyPopulated is returned by MarkPopulated when the directory is
// already marked. A second mark without a reset means population happened
// twice, which callers must treat as a broken invariant.
var ErrAlreadyPopulated = errors.New("directory already marked populated")

// AttrStore stores named boolean attributes on directories. Paths are
// relative to the root of the projected filesystem.
type AttrStore interface {
	// GetAttr returns the value of name on path. Unset attributes are false.
	GetAttr(path, name string) (bool, error)
	// SetAttr sets name on path. Setting false clears the attribute.
	SetAttr(path, name string, value bool) error
}

// Tracker reads and writes projection flags. Callers are expected to hold
// the path lock of a directory while calling into the Tracker for it.
type Tracker struct {
	store AttrStore
}

// NewTracker returns a Tracker which keeps flags in store.
func NewTracker(store AttrStore) *Tracker {
	return &Tracker{store: store}
}

// IsPopulated reports whether dir has been populated since it was last
// reset.
func (t *Tracker) IsPopulated(dir string) (bool, error) {
	ok, err := t.store.GetAttr(dir, PopulatedAttr)
	if err != nil {
		return false, fmt.Errorf("reading projection flag of %q: %w", dir, err)
	}
	return ok, nil
}

// MarkPopulated sets the projection flag of dir. It fails with
// ErrAlreadyPopulated if the flag is already set.
func (t *Tracker) MarkPopulated(dir string) error {
	populated, err := t.IsPopulated(dir)
	if err != nil {
		return err
	}
	if populated {
		return fmt.Errorf("%q: %w", dir, ErrAlreadyPopulated)
	}
	if err := t.store.SetAttr(dir, PopulatedAttr, true); err != nil {
		return fmt.Errorf("writing projection flag of %q: %w", dir, err)
	}
	return nil
}

// Reset clears the projection flag of dir so that the next enumeration
// populates it again. Resetting an unpopulated directory is a no-op.
func (t *Tracker) Reset(dir string) error {
	if err := t.store.SetAttr(dir, PopulatedAttr, false); err != nil {
		return fmt.Errorf("clearing projection flag of %q: %w", dir, err)
	}
	return nil
}
