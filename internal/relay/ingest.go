package relay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	// webmReadSize matches MediaRecorder-style blob sizes for Opus-in-WebM.
	webmReadSize = 8192
	// opusSampleRate is pinned for the WebM path to avoid transcoding quirks.
	opusSampleRate = 48000
	// readPollWindow bounds each stdout read so control signals are observed
	// at least once a second.
	readPollWindow = time.Second
	// idleLogInterval spaces the debug-mode idle logs.
	idleLogInterval = 10 * time.Second
	// maxStderrLines bounds the captured transcoder stderr.
	maxStderrLines = 20
)

// IngestConfig configures the FFmpeg ingest supervisor.
type IngestConfig struct {
	// FFmpegPath is the transcoder binary. Empty means "ffmpeg" from PATH.
	FFmpegPath string
	// RTMPURL is the source stream.
	RTMPURL string
	// ChunkMS is the PCM chunk duration in milliseconds.
	ChunkMS int
	// SampleRate is the PCM sample rate in Hz.
	SampleRate int
	// OpusBitrate is the Opus bitrate for the WebM path (e.g. "32k").
	OpusBitrate string
	// StopTimeout is the idle threshold before the stream-end signal is set.
	StopTimeout time.Duration
	// MaxBackoff caps the exponential respawn backoff.
	MaxBackoff time.Duration
	// Debug enables per-chunk tracing.
	Debug bool
	// Logger for structured logging.
	Logger *slog.Logger
}

// IngestSupervisor spawns and monitors the external FFmpeg transcoder,
// feeding its stdout into the audio buffer. It restarts the process on exit,
// on format change, on an explicit restart request, and when the source has
// been idle past the stop-timeout (container-framed streams cannot be resumed
// mid-stream, so a fresh process is the only way to get valid headers again).
type IngestSupervisor struct {
	cfg         IngestConfig
	buffer      *AudioBuffer
	format      *FormatController
	signals     *Signals
	broadcaster *Broadcaster
	logger      *slog.Logger
}

// NewIngestSupervisor creates an ingest supervisor.
func NewIngestSupervisor(cfg IngestConfig, buffer *AudioBuffer, format *FormatController, signals *Signals, broadcaster *Broadcaster) *IngestSupervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.StopTimeout < time.Second {
		cfg.StopTimeout = time.Second
	}
	return &IngestSupervisor{
		cfg:         cfg,
		buffer:      buffer,
		format:      format,
		signals:     signals,
		broadcaster: broadcaster,
		logger:      logger.With(slog.String("component", "ingest")),
	}
}

// buildTranscoderArgs returns the ffmpeg arguments and the stdout read size
// for the given format.
func (s *IngestSupervisor) buildTranscoderArgs(format Format) ([]string, int) {
	if format == FormatPCM {
		readSize := s.cfg.SampleRate * 2 * s.cfg.ChunkMS / 1000
		return []string{
			"-hide_banner",
			"-loglevel", "error",
			"-i", s.cfg.RTMPURL,
			"-vn",
			"-ac", "1",
			"-ar", strconv.Itoa(s.cfg.SampleRate),
			"-f", "s16le",
			"pipe:1",
		}, readSize
	}
	return []string{
		"-hide_banner",
		"-loglevel", "error",
		"-i", s.cfg.RTMPURL,
		"-vn",
		"-ac", "1",
		"-ar", strconv.Itoa(opusSampleRate),
		"-c:a", "libopus",
		"-b:a", s.cfg.OpusBitrate,
		"-f", "webm",
		"-",
	}, webmReadSize
}

// readResult carries one stdout read from the transcoder reader goroutine.
type readResult struct {
	data []byte
	err  error
}

// transcoder is one running FFmpeg child process.
type transcoder struct {
	cmd     *exec.Cmd
	results chan readResult
	done    chan struct{}

	stopOnce sync.Once

	stderrMu    sync.Mutex
	stderrLines []string
}

// spawnTranscoder starts the child process and its stdout/stderr readers.
func spawnTranscoder(path string, args []string, readSize int) (*transcoder, error) {
	cmd := exec.Command(path, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting %s: %w", path, err)
	}

	t := &transcoder{
		cmd:     cmd,
		results: make(chan readResult),
		done:    make(chan struct{}),
	}

	go func() {
		defer close(t.results)
		for {
			buf := make([]byte, readSize)
			n, err := stdout.Read(buf)
			if n > 0 {
				select {
				case t.results <- readResult{data: buf[:n]}:
				case <-t.done:
					return
				}
			}
			if err != nil {
				if err != io.EOF {
					select {
					case t.results <- readResult{err: err}:
					case <-t.done:
					}
				}
				return
			}
		}
	}()

	go func() {
		scanner := bufio.NewScanner(stderr)
		for scanner.Scan() {
			t.stderrMu.Lock()
			if len(t.stderrLines) >= maxStderrLines {
				t.stderrLines = t.stderrLines[1:]
			}
			t.stderrLines = append(t.stderrLines, scanner.Text())
			t.stderrMu.Unlock()
		}
	}()

	return t, nil
}

// stop kills the process if alive and reaps it. Safe to call more than once.
func (t *transcoder) stop() {
	t.stopOnce.Do(func() {
		close(t.done)
		if t.cmd.Process != nil {
			_ = t.cmd.Process.Kill()
		}
		_ = t.cmd.Wait()
	})
}

// recentStderr returns the captured stderr tail.
func (t *transcoder) recentStderr() []string {
	t.stderrMu.Lock()
	defer t.stderrMu.Unlock()
	return append([]string(nil), t.stderrLines...)
}

// Run loops until the stop signal is set or the context is cancelled,
// keeping exactly one transcoder child alive at a time.
func (s *IngestSupervisor) Run(ctx context.Context) {
	backoff := time.Second
	idleSignaled := false

	s.broadcaster.BroadcastStatus("starting", "launching ffmpeg ingest")

	var currentFormat Format
	for !s.stopping(ctx) {
		format, err := s.format.Wait(ctx)
		if err != nil {
			return
		}
		if format != currentFormat {
			s.logger.Info("ingest format set", slog.String("format", string(format)))
			currentFormat = format
		}

		args, readSize := s.buildTranscoderArgs(format)
		s.logger.Info("starting transcoder",
			slog.String("cmd", s.cfg.FFmpegPath+" "+strings.Join(args, " ")))

		proc, err := spawnTranscoder(s.cfg.FFmpegPath, args, readSize)
		if err != nil {
			s.logger.Error("transcoder spawn failed", slog.String("error", err.Error()))
			s.broadcaster.BroadcastStatus("error", "ffmpeg not available: "+err.Error())
			if !s.sleep(ctx, min(backoff, s.cfg.MaxBackoff)) {
				return
			}
			backoff = min(backoff*2, s.cfg.MaxBackoff)
			continue
		}

		backoff = time.Second
		s.broadcaster.BroadcastStatus("running", "ffmpeg ingest active")
		idleSignaled = s.readLoop(ctx, proc, format, idleSignaled)

		proc.stop()
		if lines := proc.recentStderr(); len(lines) > 0 && !s.stopping(ctx) {
			s.logger.Debug("transcoder stderr tail",
				slog.String("stderr", strings.Join(lines, "\n")))
		}

		if !s.sleep(ctx, min(backoff, s.cfg.MaxBackoff)) {
			return
		}
		backoff = min(backoff*2, s.cfg.MaxBackoff)
	}
}

// readLoop consumes transcoder stdout until the process should be replaced.
// It returns the idle-signaled flag to carry across respawns.
func (s *IngestSupervisor) readLoop(ctx context.Context, proc *transcoder, format Format, idleSignaled bool) bool {
	lastData := time.Now()
	nextIdleLog := lastData.Add(idleLogInterval)
	chunkCount := 0
	timer := time.NewTimer(readPollWindow)
	defer timer.Stop()

	for {
		if s.stopping(ctx) {
			return idleSignaled
		}
		if s.signals.RestartIngest.IsSet() {
			s.signals.RestartIngest.Clear()
			s.logger.Info("ingest restart requested; respawning to reset stream headers")
			return idleSignaled
		}
		if s.format.Current() != format {
			s.logger.Info("format change detected; respawning transcoder")
			return idleSignaled
		}

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(readPollWindow)

		select {
		case res, ok := <-proc.results:
			if !ok || res.err != nil || len(res.data) == 0 {
				if s.stopping(ctx) {
					return idleSignaled
				}
				if res.err != nil {
					s.logger.Error("transcoder read failed", slog.String("error", res.err.Error()))
					s.broadcaster.BroadcastStatus("error", "ffmpeg ingest failed: "+res.err.Error())
				} else {
					s.logger.Info("transcoder stdout ended; respawning")
				}
				s.signals.StreamEnd.Set()
				return idleSignaled
			}
			lastData = time.Now()
			nextIdleLog = lastData.Add(idleLogInterval)
			if s.signals.StreamEnd.IsSet() {
				s.signals.StreamEnd.Clear()
			}
			idleSignaled = false
			s.buffer.Put(res.data)
			if s.cfg.Debug {
				chunkCount++
				s.logger.Info("transcoder chunk buffered",
					slog.Int("chunk", chunkCount),
					slog.Int("bytes", len(res.data)))
			}

		case <-timer.C:
			now := time.Now()
			if s.cfg.Debug && now.After(nextIdleLog) {
				s.logger.Info("ingest idle; waiting for input")
				nextIdleLog = now.Add(idleLogInterval)
			}
			if now.Sub(lastData) >= s.cfg.StopTimeout && !idleSignaled {
				s.signals.StreamEnd.Set()
				s.logger.Info("source idle past stop-timeout; respawning to reset stream headers",
					slog.Duration("stop_timeout", s.cfg.StopTimeout))
				return true
			}

		case <-s.signals.RestartIngest.Done():
			// Loop back; handled by the IsSet check above.
		case <-ctx.Done():
			return idleSignaled
		case <-s.signals.Stop.Done():
			return idleSignaled
		}
	}
}

// stopping reports whether shutdown has been requested.
func (s *IngestSupervisor) stopping(ctx context.Context) bool {
	return s.signals.Stop.IsSet() || ctx.Err() != nil
}

// sleep pauses for d, returning false if shutdown interrupted the pause.
func (s *IngestSupervisor) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	case <-s.signals.Stop.Done():
		return false
	}
}
