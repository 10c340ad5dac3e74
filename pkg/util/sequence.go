package util

import "sync/atomic"

// Sequencer hands out strictly increasing arrival numbers.
type Sequencer struct {
	last atomic.Uint64
}

// NewSequencer starts after start: the first Next returns start+1.
// On restart pass the highest arrival number already stored.
func NewSequencer(start uint64) *Sequencer {
	s := &Sequencer{}
	s.last.Store(start)
	return s
}

func (s *Sequencer) Next() uint64 {
	return s.last.Add(1)
}

// Current returns the last issued number.
func (s *Sequencer) Current() uint64 {
	return s.last.Load()
}

// Advance moves the sequencer forward to v if it is behind.
func (s *Sequencer) Advance(v uint64) {
	for {
		cur := s.last.Load()
		if v <= cur || s.last.CompareAndSwap(cur, v) {
			return
		}
	}
}
