package engine

import "sync"

// instrumentLocks hands out one mutex per instrument. Every operation that
// mutates an instrument's book holds its lock for the whole turn, so books
// of different instruments are matched in parallel and one book is never
// matched by two goroutines at once.
type instrumentLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex // instrument -> lock
}

func newInstrumentLocks() *instrumentLocks {
	return &instrumentLocks{locks: make(map[string]*sync.Mutex)}
}

// lock blocks until the instrument is free and returns the release func.
func (l *instrumentLocks) lock(instrument string) func() {
	l.mu.Lock()
	m, ok := l.locks[instrument]
	if !ok {
		m = &sync.Mutex{}
		l.locks[instrument] = m
	}
	l.mu.Unlock()

	m.Lock()
	return m.Unlock
}
