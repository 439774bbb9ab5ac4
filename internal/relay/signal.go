package relay

import (
	"sync"
)

// Signal is a one-shot failure flag shared by a session's loops. It is set
// at most once; the first cause is kept and later trips are ignored.
type Signal struct {
	once  sync.Once
	done  chan struct{}
	mu    sync.Mutex
	cause error
}

// NewSignal returns an unset Signal.
func NewSignal() *Signal {
	return &Signal{done: make(chan struct{})}
}

// Trip sets the signal. It reports whether this call was the one that set it.
func (s *Signal) Trip(cause error) bool {
	tripped := false
	s.once.Do(func() {
		s.mu.Lock()
		s.cause = cause
		s.mu.Unlock()
		close(s.done)
		tripped = true
	})
	return tripped
}

// Done returns a channel that is closed once the signal is set.
func (s *Signal) Done() <-chan struct{} {
	return s.done
}

// IsSet reports whether the signal has been set.
func (s *Signal) IsSet() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Cause returns the error the signal was first tripped with, or nil.
func (s *Signal) Cause() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cause
}
