package relay

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"testing"
	"time"
)

func testIngestConfig(path string) IngestConfig {
	return IngestConfig{
		FFmpegPath:  path,
		RTMPURL:     "rtmp://localhost/live",
		ChunkMS:     500,
		SampleRate:  16000,
		OpusBitrate: "32k",
		StopTimeout: time.Second,
		MaxBackoff:  2 * time.Second,
	}
}

// fakeTranscoder writes a shell script standing in for ffmpeg.
func fakeTranscoder(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ffmpeg")
	script := "#!/bin/sh\n" + body + "\n"
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("writing fake transcoder: %v", err)
	}
	return path
}

func newTestSupervisor(t *testing.T, path string) (*IngestSupervisor, *AudioBuffer, *Signals) {
	t.Helper()
	buffer := NewAudioBuffer(100, nil)
	format := NewFormatController(FormatWebM)
	signals := NewSignals()
	broadcaster := NewBroadcaster(nil)
	sup := NewIngestSupervisor(testIngestConfig(path), buffer, format, signals, broadcaster)
	return sup, buffer, signals
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestBuildTranscoderArgs_PCM(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, "ffmpeg")
	args, readSize := sup.buildTranscoderArgs(FormatPCM)

	// rate * 2 bytes * chunk duration
	if want := 16000 * 2 * 500 / 1000; readSize != want {
		t.Errorf("expected read size %d, got %d", want, readSize)
	}
	for _, want := range []string{"-f", "s16le", "-ar", "16000", "-vn", "-ac", "1", "rtmp://localhost/live", "pipe:1"} {
		if !slices.Contains(args, want) {
			t.Errorf("pcm args missing %q: %v", want, args)
		}
	}
	if slices.Contains(args, "libopus") {
		t.Error("pcm args must not reference opus")
	}
}

func TestBuildTranscoderArgs_WebM(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, "ffmpeg")
	args, readSize := sup.buildTranscoderArgs(FormatWebM)

	if readSize != webmReadSize {
		t.Errorf("expected read size %d, got %d", webmReadSize, readSize)
	}
	for _, want := range []string{"-c:a", "libopus", "-b:a", "32k", "-ar", strconv.Itoa(opusSampleRate), "-f", "webm"} {
		if !slices.Contains(args, want) {
			t.Errorf("webm args missing %q: %v", want, args)
		}
	}
}

func TestIngest_BuffersChunks(t *testing.T) {
	path := fakeTranscoder(t, `printf 'audio-bytes-from-transcoder'; sleep 30`)
	sup, buffer, signals := newTestSupervisor(t, path)

	done := make(chan struct{})
	go func() {
		sup.Run(context.Background())
		close(done)
	}()

	waitFor(t, 5*time.Second, func() bool { return buffer.Len() > 0 }, "no chunk buffered")

	chunk, err := buffer.Get(context.Background())
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(chunk) != "audio-bytes-from-transcoder" {
		t.Errorf("unexpected chunk %q", chunk)
	}

	signals.Stop.Set()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestIngest_EOFSetsStreamEnd(t *testing.T) {
	path := fakeTranscoder(t, `printf 'x'; exit 0`)
	sup, _, signals := newTestSupervisor(t, path)

	done := make(chan struct{})
	go func() {
		sup.Run(context.Background())
		close(done)
	}()

	waitFor(t, 5*time.Second, signals.StreamEnd.IsSet, "stream-end not signaled after EOF")

	signals.Stop.Set()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestIngest_RestartRequestObserved(t *testing.T) {
	path := fakeTranscoder(t, `while true; do printf 'x'; sleep 0.1; done`)
	sup, buffer, signals := newTestSupervisor(t, path)

	done := make(chan struct{})
	go func() {
		sup.Run(context.Background())
		close(done)
	}()

	waitFor(t, 5*time.Second, func() bool { return buffer.Len() > 0 }, "no chunk buffered")

	signals.RestartIngest.Set()
	// The request must be observed and cleared within one poll window.
	waitFor(t, 3*time.Second, func() bool { return !signals.RestartIngest.IsSet() },
		"restart request not observed")

	signals.Stop.Set()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop")
	}
}

func TestIngest_MissingBinaryRetriesUntilStop(t *testing.T) {
	sup, _, signals := newTestSupervisor(t, filepath.Join(t.TempDir(), "does-not-exist"))

	done := make(chan struct{})
	go func() {
		sup.Run(context.Background())
		close(done)
	}()

	// Give it time to fail a spawn and enter backoff.
	time.Sleep(200 * time.Millisecond)
	signals.Stop.Set()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop during backoff")
	}
}

func TestIngest_ContextCancelStops(t *testing.T) {
	path := fakeTranscoder(t, `while true; do printf 'x'; sleep 0.1; done`)
	sup, buffer, _ := newTestSupervisor(t, path)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sup.Run(ctx)
		close(done)
	}()

	waitFor(t, 5*time.Second, func() bool { return buffer.Len() > 0 }, "no chunk buffered")
	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop on context cancel")
	}
}
