package api

import "sync"

// GenerationStore keeps completed generations for later retrieval.
type GenerationStore struct {
	mu    sync.Mutex
	items map[string]Generation
}

func NewGenerationStore() *GenerationStore {
	return &GenerationStore{items: make(map[string]Generation)}
}

func (s *GenerationStore) Put(g Generation) {
	s.mu.Lock()
	s.items[g.ID] = g
	s.mu.Unlock()
}

func (s *GenerationStore) Get(id string) (Generation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.items[id]
	return g, ok
}

func (s *GenerationStore) Delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[id]; !ok {
		return false
	}
	delete(s.items, id)
	return true
}
