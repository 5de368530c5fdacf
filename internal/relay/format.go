package relay

import (
	"context"
	"sync"
)

// Format identifies the audio encoding produced by the transcoder and sent on
// the uplink.
type Format string

// Supported uplink audio formats.
const (
	// FormatPCM is raw 16-bit little-endian mono PCM.
	FormatPCM Format = "pcm"
	// FormatWebM is Opus-in-WebM mono at 48 kHz.
	FormatWebM Format = "webm"
)

// FormatController holds a single latched format token. The ingest supervisor
// observes it to decide transcoder arguments; only the ASR session writes it,
// after learning the service's config. The value is latched at construction,
// so Wait never blocks once the controller exists.
type FormatController struct {
	mu    sync.Mutex
	value Format
	ready chan struct{}
}

// NewFormatController creates a controller latched to the given initial value.
func NewFormatController(initial Format) *FormatController {
	ready := make(chan struct{})
	close(ready)
	return &FormatController{value: initial, ready: ready}
}

// Current returns the latched value without blocking.
func (f *FormatController) Current() Format {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.value
}

// Set atomically replaces the latched value and wakes any Wait callers.
func (f *FormatController) Set(tok Format) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.value = tok
	select {
	case <-f.ready:
	default:
		close(f.ready)
	}
}

// Wait returns the current value once any value has been latched, or the
// context error on cancellation.
func (f *FormatController) Wait(ctx context.Context) (Format, error) {
	f.mu.Lock()
	ready := f.ready
	f.mu.Unlock()
	select {
	case <-ready:
		return f.Current(), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
