package relay

import (
	"context"
	"sync"
)

// Signal is a level-triggered set/wait/clear primitive. Set is idempotent,
// Clear resets to unset, and the state persists until explicitly cleared.
type Signal struct {
	mu  sync.Mutex
	set bool
	ch  chan struct{}
}

// NewSignal creates an unset signal.
func NewSignal() *Signal {
	return &Signal{ch: make(chan struct{})}
}

// Set marks the signal. Calling Set on an already-set signal is a no-op.
func (s *Signal) Set() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.set {
		s.set = true
		close(s.ch)
	}
}

// Clear resets the signal to unset.
func (s *Signal) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.set {
		s.set = false
		s.ch = make(chan struct{})
	}
}

// IsSet reports whether the signal is currently set.
func (s *Signal) IsSet() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.set
}

// Done returns a channel that is closed while the signal is set. The channel
// is only valid until the next Clear; callers that loop should re-fetch it.
func (s *Signal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Wait blocks until the signal is set or the context is cancelled.
func (s *Signal) Wait(ctx context.Context) error {
	select {
	case <-s.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Signals groups the relay's level-triggered lifecycle signals.
type Signals struct {
	// Stop is set once at shutdown and never cleared.
	Stop *Signal
	// StreamEnd is set by ingest when the source has been idle past the
	// stop-timeout and cleared when data resumes or at session end.
	StreamEnd *Signal
	// RestartIngest is set by the ASR session after an uplink failure so the
	// next transcoder produces fresh container headers; cleared by ingest on
	// observation.
	RestartIngest *Signal
}

// NewSignals creates the three relay lifecycle signals, all unset.
func NewSignals() *Signals {
	return &Signals{
		Stop:          NewSignal(),
		StreamEnd:     NewSignal(),
		RestartIngest: NewSignal(),
	}
}
