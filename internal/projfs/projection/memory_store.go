package projection

import "sync"

// MemoryStore is an AttrStore which keeps attributes in memory. The zero
// value is ready for use.
type MemoryStore struct {
	mut   sync.RWMutex
	attrs map[memoryKey]struct{}
}

type memoryKey struct{ path, name string }

var _ AttrStore = (*MemoryStore)(nil)

// GetAttr implements AttrStore.
func (s *MemoryStore) GetAttr(path, name string) (bool, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	_, ok := s.attrs[memoryKey{path, name}]
	return ok, nil
}

// SetAttr implements AttrStore.
func (s *MemoryStore) SetAttr(path, name string, value bool) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	key := memoryKey{path, name}
	if !value {
		delete(s.attrs, key)
		return nil
	}
	if s.attrs == nil {
		s.attrs = make(map[memoryKey]struct{})
	}
	s.attrs[key] = struct{}{}
	return nil
}
