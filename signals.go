package filequeue

import "sync"

// signal is a one-shot broadcast flag backed by a closed channel.
type signal struct {
	once sync.Once
	ch   chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

// set closes the channel. It reports whether this call was the one that set it.
func (s *signal) set() bool {
	fired := false
	s.once.Do(func() {
		close(s.ch)
		fired = true
	})
	return fired
}

func (s *signal) isSet() bool {
	select {
	case <-s.ch:
		return true
	default:
		return false
	}
}

func (s *signal) done() <-chan struct{} {
	return s.ch
}
