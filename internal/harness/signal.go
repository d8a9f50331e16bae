package harness

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// signal is a one-shot completion event with a single waiter.
type signal struct {
	once sync.Once
	ch   chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) fire() {
	s.once.Do(func() { close(s.ch) })
}

func (s *signal) wait(timeout time.Duration) bool {
	select {
	case <-s.ch:
		return true
	case <-time.After(timeout):
		return false
	}
}

// ResetCompletion installs a fresh completion signal ahead of one serial
// worker launch. At most one signal is live at a time.
func (s *Server) ResetCompletion() {
	s.signalMu.Lock()
	defer s.signalMu.Unlock()
	s.signal = newSignal()
}

// AwaitCompletion blocks until a worker signals graceful shutdown or the
// bound elapses. A timeout logs a hang warning and returns false; it does
// not abort the run, the subsequent process join stays authoritative.
// Calling this without a prior ResetCompletion is a programming error.
func (s *Server) AwaitCompletion(timeout time.Duration) bool {
	s.signalMu.Lock()
	sig := s.signal
	s.signalMu.Unlock()
	if sig == nil {
		panic("harness: AwaitCompletion called without ResetCompletion")
	}

	ok := sig.wait(timeout)
	if !ok {
		log.Warn().
			Dur("timeout", timeout).
			Msg("timed out waiting for the tool to finish, something is probably hung")
	}

	s.signalMu.Lock()
	s.signal = nil
	s.signalMu.Unlock()
	return ok
}

func (s *Server) fireCompletion() {
	s.signalMu.Lock()
	defer s.signalMu.Unlock()
	if s.signal != nil {
		s.signal.fire()
	}
}
