package relay

import (
	"context"
	"testing"
	"time"
)

func TestSignal_SetIsIdempotent(t *testing.T) {
	s := NewSignal()
	if s.IsSet() {
		t.Fatal("new signal should be unset")
	}
	s.Set()
	s.Set()
	if !s.IsSet() {
		t.Fatal("signal should be set")
	}
}

func TestSignal_Clear(t *testing.T) {
	s := NewSignal()
	s.Set()
	s.Clear()
	if s.IsSet() {
		t.Fatal("signal should be unset after clear")
	}
	// Clearing an unset signal is a no-op.
	s.Clear()
	if s.IsSet() {
		t.Fatal("signal should stay unset")
	}
	// The signal is reusable after a clear.
	s.Set()
	if !s.IsSet() {
		t.Fatal("signal should be set again")
	}
}

func TestSignal_WaitBlocksUntilSet(t *testing.T) {
	s := NewSignal()

	done := make(chan error, 1)
	go func() {
		done <- s.Wait(context.Background())
	}()

	select {
	case <-done:
		t.Fatal("Wait returned before Set")
	case <-time.After(50 * time.Millisecond):
	}

	s.Set()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Wait failed: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Wait did not return after Set")
	}
}

func TestSignal_WaitCancelled(t *testing.T) {
	s := NewSignal()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Wait(ctx); err != context.DeadlineExceeded {
		t.Errorf("expected deadline error, got %v", err)
	}
}

func TestSignal_DoneReflectsLevel(t *testing.T) {
	s := NewSignal()
	select {
	case <-s.Done():
		t.Fatal("Done channel closed while unset")
	default:
	}

	s.Set()
	select {
	case <-s.Done():
	default:
		t.Fatal("Done channel open while set")
	}

	s.Clear()
	select {
	case <-s.Done():
		t.Fatal("Done channel closed after clear")
	default:
	}
}

func TestNewSignals_AllUnset(t *testing.T) {
	sig := NewSignals()
	if sig.Stop.IsSet() || sig.StreamEnd.IsSet() || sig.RestartIngest.IsSet() {
		t.Fatal("all lifecycle signals should start unset")
	}
}
