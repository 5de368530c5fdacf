// Package relay implements the live-captioning relay core: the bounded audio
// buffer, the FFmpeg ingest supervisor, the ASR uplink session, and the
// subscriber broadcaster.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
)

// ErrBufferClosed is returned when the buffer is closed.
var ErrBufferClosed = errors.New("audio buffer closed")

// dropLogInterval controls how often overflow drops are logged.
const dropLogInterval = 50

// AudioBuffer is a bounded single-producer/single-consumer FIFO of opaque
// audio chunks. When full, Put drops the incoming (newest) chunk rather than
// blocking the producer or evicting buffered data.
type AudioBuffer struct {
	ch      chan []byte
	dropped atomic.Uint64
	closed  atomic.Bool
	logger  *slog.Logger
}

// NewAudioBuffer creates an audio buffer holding at most capacity chunks.
func NewAudioBuffer(capacity int, logger *slog.Logger) *AudioBuffer {
	if capacity <= 0 {
		capacity = 100
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AudioBuffer{
		ch:     make(chan []byte, capacity),
		logger: logger,
	}
}

// Put enqueues a chunk without blocking. If the buffer is full the chunk is
// dropped and the drop counter incremented; every 50th drop is logged.
func (b *AudioBuffer) Put(chunk []byte) {
	if b.closed.Load() {
		return
	}
	select {
	case b.ch <- chunk:
	default:
		dropped := b.dropped.Add(1)
		if dropped%dropLogInterval == 1 {
			b.logger.Warn("audio buffer full; dropping chunks",
				slog.Uint64("dropped", dropped))
		}
	}
}

// Get blocks until a chunk is available or the context is cancelled.
func (b *AudioBuffer) Get(ctx context.Context) ([]byte, error) {
	select {
	case chunk, ok := <-b.ch:
		if !ok {
			return nil, ErrBufferClosed
		}
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// C exposes the receive side of the buffer for callers that must race a
// chunk against other events in a select.
func (b *AudioBuffer) C() <-chan []byte {
	return b.ch
}

// TryGet returns a buffered chunk without blocking.
func (b *AudioBuffer) TryGet() ([]byte, bool) {
	select {
	case chunk, ok := <-b.ch:
		if !ok {
			return nil, false
		}
		return chunk, true
	default:
		return nil, false
	}
}

// Drain removes all buffered chunks without blocking.
func (b *AudioBuffer) Drain() int {
	n := 0
	for {
		select {
		case _, ok := <-b.ch:
			if !ok {
				return n
			}
			n++
		default:
			return n
		}
	}
}

// Len returns the number of buffered chunks.
func (b *AudioBuffer) Len() int {
	return len(b.ch)
}

// Dropped returns the total number of chunks dropped on overflow.
func (b *AudioBuffer) Dropped() uint64 {
	return b.dropped.Load()
}

// Close closes the buffer. Subsequent Put calls are no-ops and Get returns
// ErrBufferClosed once drained.
func (b *AudioBuffer) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.ch)
	}
}
