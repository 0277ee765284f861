package mq

import "sync"

// publication is one interned (topic, payload) pair. deliverMessage
// interns an inbound message that matches more than one handler, so the
// matching handlers share one payload buffer.
type publication struct {
	topic   string
	payload []byte
}

// publicationsStore is the process-wide interning table (one instance
// behind the Runtime singleton): publications are reference-counted and
// removed from the table when the last holder releases them.
type publicationsStore struct {
	mu    sync.Mutex
	table map[*publication]int
}

func newPublicationsStore() *publicationsStore {
	return &publicationsStore{table: make(map[*publication]int)}
}

// intern creates a new publication with a refcount of 1 and registers it.
func (s *publicationsStore) intern(topic string, payload []byte) *publication {
	p := &publication{topic: topic, payload: payload}
	s.mu.Lock()
	s.table[p] = 1
	s.mu.Unlock()
	return p
}

// retain increments the refcount of an existing publication, for a second
// holder.
func (s *publicationsStore) retain(p *publication) {
	if p == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.table[p]; ok {
		s.table[p]++
	}
}

// release decrements the refcount and removes the publication once no
// holder remains. Returns true if this call was the one that freed it.
func (s *publicationsStore) release(p *publication) bool {
	if p == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.table[p]
	if !ok {
		return false
	}
	n--
	if n <= 0 {
		delete(s.table, p)
		return true
	}
	s.table[p] = n
	return false
}

// refCount reports the current refcount of p, or 0 if it is not tracked.
func (s *publicationsStore) refCount(p *publication) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.table[p]
}

// size reports the number of distinct publications currently interned.
func (s *publicationsStore) size() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.table)
}
