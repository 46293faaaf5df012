package tabs

import "sync"

// MemoryStore is an in-process Store. It stands in for shared browser
// storage in tests and single-process deployments.
type MemoryStore struct {
	mu       sync.Mutex
	records  map[string]Record // keyed by tab id
	watchers map[int]func()
	nextID   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:  make(map[string]Record),
		watchers: make(map[int]func()),
	}
}

func (s *MemoryStore) Put(rec Record) error {
	s.mu.Lock()
	s.records[rec.TabID] = rec
	fns := s.watcherListLocked()
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
	return nil
}

func (s *MemoryStore) Delete(tabID string) error {
	s.mu.Lock()
	_, ok := s.records[tabID]
	delete(s.records, tabID)
	fns := s.watcherListLocked()
	s.mu.Unlock()
	if ok {
		for _, fn := range fns {
			fn()
		}
	}
	return nil
}

func (s *MemoryStore) List(roomID, userID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.records {
		if rec.RoomID == roomID && rec.UserID == userID {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (s *MemoryStore) Watch(fn func()) (cancel func()) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.watchers[id] = fn
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
	}
}

func (s *MemoryStore) watcherListLocked() []func() {
	fns := make([]func(), 0, len(s.watchers))
	for _, fn := range s.watchers {
		fns = append(fns, fn)
	}
	return fns
}
