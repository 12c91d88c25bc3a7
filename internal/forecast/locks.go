package forecast

import "sync"

// Locks hands out one RWMutex per dam. Training holds the write lock and
// prediction holds the read lock, so a forecast never sees a model swapped
// halfway through. Entries are never removed; a deleted dam keeps its mutex.
type Locks struct {
	mu   sync.Mutex
	dams map[string]*sync.RWMutex
}

func NewLocks() *Locks {
	return &Locks{dams: make(map[string]*sync.RWMutex)}
}

func (l *Locks) For(dam string) *sync.RWMutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.dams[dam]
	if !ok {
		m = &sync.RWMutex{}
		l.dams[dam] = m
	}
	return m
}
