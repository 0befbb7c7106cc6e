//go:build linux

package projection

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// XattrStore is an AttrStore backed by extended attributes on a directory
// tree. Symlinks are not followed.
type XattrStore struct {
	root string
}

var _ AttrStore = (*XattrStore)(nil)

// NewXattrStore returns an XattrStore for paths under root. It fails if the
// filesystem holding root does not support user extended attributes.
func NewXattrStore(root string) (*XattrStore, error) {
	fi, err := os.Stat(root)
	if err != nil {
		return nil, err
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", root)
	}

	s := &XattrStore{root: root}
	if _, err := s.GetAttr(".", PopulatedAttr); err != nil {
		return nil, fmt.Errorf("probing extended attributes on %s: %w", root, err)
	}
	return s, nil
}

func (s *XattrStore) resolve(path string) string {
	return filepath.Join(s.root, filepath.FromSlash(path))
}

// GetAttr implements AttrStore.
func (s *XattrStore) GetAttr(path, name string) (bool, error) {
	var buf [8]byte
	n, err := unix.Lgetxattr(s.resolve(path), name, buf[:])
	switch {
	case errors.Is(err, unix.ENODATA):
		return false, nil
	case err != nil:
		return false, &os.PathError{Op: "getxattr", Path: s.resolve(path), Err: err}
	}
	return n > 0 && buf[0] == '1', nil
}

// SetAttr implements AttrStore.
func (s *XattrStore) SetAttr(path, name string, value bool) error {
	full := s.resolve(path)
	if value {
		if err := unix.Lsetxattr(full, name, []byte("1"), 0); err != nil {
			return &os.PathError{Op: "setxattr", Path: full, Err: err}
		}
		return nil
	}

	err := unix.Lremovexattr(full, name)
	if err != nil && !errors.Is(err, unix.ENODATA) {
		return &os.PathError{Op: "removexattr", Path: full, Err: err}
	}
	return nil
}
