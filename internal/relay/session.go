package relay

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
)

// ErrNoAudio is raised by the uplink sender when the audio source stalls long
// enough that the session should be closed and re-opened on fresh audio.
var ErrNoAudio = errors.New("no audio; closing ASR link")

const (
	// dialTimeout bounds the uplink handshake.
	dialTimeout = 10 * time.Second
	// configTimeout bounds the wait for the ASR config message.
	configTimeout = 5 * time.Second
	// gracefulStopWindow bounds the empty-frame/ready_to_stop handshake.
	gracefulStopWindow = 5 * time.Second
	// defaultPingInterval and defaultPingTimeout drive application-level
	// keepalive.
	defaultPingInterval = 20 * time.Second
	defaultPingTimeout  = 20 * time.Second
	// uplinkWriteWait bounds each uplink frame write.
	uplinkWriteWait = 10 * time.Second
	// reconnectPause avoids a tight reconnect loop after the ASR went away.
	reconnectPause = time.Second
)

// SessionConfig configures the ASR uplink session loop.
type SessionConfig struct {
	// URL is the ASR WebSocket endpoint.
	URL string
	// StopTimeout is the sender's no-audio deadline.
	StopTimeout time.Duration
	// MaxBackoff caps the exponential reconnect backoff.
	MaxBackoff time.Duration
	// SendBudget is how often the sender yields to the scheduler so the
	// receiver is never starved by a hot producer.
	SendBudget time.Duration
	// PingInterval and PingTimeout drive the uplink keepalive. A link that
	// answers pings stays open regardless of downlink silence.
	PingInterval time.Duration
	PingTimeout  time.Duration
	// TLS is the uplink trust config, used only for wss URLs. Nil means
	// system roots.
	TLS *tls.Config
	// Debug logs ASR results instead of broadcasting them.
	Debug bool
	// Logger for structured logging.
	Logger *slog.Logger
}

// ASRSession owns the relay→ASR uplink. It opens a session only once real
// audio is flowing, negotiates the audio format from the service's config
// message, streams chunks up, relays caption events down, and recovers from
// uplink failures without disturbing the ingest side more than necessary.
type ASRSession struct {
	cfg         SessionConfig
	buffer      *AudioBuffer
	format      *FormatController
	signals     *Signals
	broadcaster *Broadcaster
	logger      *slog.Logger
}

// NewASRSession creates the uplink session loop.
func NewASRSession(cfg SessionConfig, buffer *AudioBuffer, format *FormatController, signals *Signals, broadcaster *Broadcaster) *ASRSession {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.StopTimeout < time.Second {
		cfg.StopTimeout = time.Second
	}
	if cfg.SendBudget <= 0 {
		cfg.SendBudget = 100 * time.Millisecond
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	if cfg.PingTimeout <= 0 {
		cfg.PingTimeout = defaultPingTimeout
	}
	return &ASRSession{
		cfg:         cfg,
		buffer:      buffer,
		format:      format,
		signals:     signals,
		broadcaster: broadcaster,
		logger:      logger.With(slog.String("component", "asr-session")),
	}
}

// Run loops until the stop signal is set or the context is cancelled,
// keeping at most one uplink socket alive at a time.
func (a *ASRSession) Run(ctx context.Context) {
	backoff := time.Second
	var pending []byte

	for !a.stopping(ctx) {
		// Gate the connection on real audio: the first chunk is retained and
		// becomes the session's initial frame.
		if pending == nil {
			chunk, err := a.waitForAudio(ctx)
			if err != nil {
				return
			}
			pending = chunk
			if a.cfg.Debug {
				a.logger.Info("first audio chunk ready", slog.Int("bytes", len(pending)))
			}
		}

		err := a.runSession(ctx, pending)
		pending = nil

		switch {
		case err == nil || errors.Is(err, ErrNoAudio):
			if err != nil && a.cfg.Debug {
				a.logger.Info("session ended", slog.String("reason", err.Error()))
			}
			backoff = time.Second
			a.buffer.Drain()
			a.signals.StreamEnd.Clear()

		case errors.Is(err, context.Canceled) || a.stopping(ctx):
			return

		case isPeerGone(err):
			// Treat "ASR went away" as a normal session end: return to the
			// waiting-for-audio state and restart ingest so the next chunk
			// begins with fresh container headers. Reconnecting mid-stream
			// with WebM chunks that lack headers commonly fails.
			a.logger.Warn("ASR disconnected", slog.String("error", err.Error()))
			a.broadcaster.BroadcastStatus("waiting", "ASR disconnected: "+err.Error())
			backoff = time.Second
			a.buffer.Drain()
			a.signals.StreamEnd.Clear()
			a.signals.RestartIngest.Set()
			if !a.sleep(ctx, reconnectPause) {
				return
			}

		default:
			a.logger.Error("ASR link failed", slog.String("error", err.Error()))
			a.broadcaster.BroadcastStatus("error", "ASR link failed: "+err.Error())
			if !a.sleep(ctx, min(backoff, a.cfg.MaxBackoff)) {
				return
			}
			backoff = min(backoff*2, a.cfg.MaxBackoff)
		}
	}
}

// waitForAudio blocks until a chunk is buffered or shutdown is requested.
func (a *ASRSession) waitForAudio(ctx context.Context) ([]byte, error) {
	select {
	case chunk, ok := <-a.buffer.C():
		if !ok {
			return nil, ErrBufferClosed
		}
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-a.signals.Stop.Done():
		return nil, context.Canceled
	}
}

// runSession executes one connected lifetime of the uplink.
func (a *ASRSession) runSession(ctx context.Context, initialChunk []byte) error {
	sessionID := ulid.Make().String()
	logger := a.logger.With(slog.String("session", sessionID))
	logger.Info("connecting to ASR", slog.String("url", a.cfg.URL))

	dialer := websocket.Dialer{
		HandshakeTimeout:  dialTimeout,
		EnableCompression: false,
	}
	if strings.HasPrefix(a.cfg.URL, "wss://") {
		dialer.TLSClientConfig = a.cfg.TLS
	}

	conn, resp, err := dialer.DialContext(ctx, a.cfg.URL, nil)
	if err != nil {
		if resp != nil && resp.Body != nil {
			resp.Body.Close()
		}
		return err
	}

	sess := &session{
		conn:        conn,
		signals:     a.signals,
		buffer:      a.buffer,
		format:      a.format,
		broadcaster: a.broadcaster,
		cfg:         a.cfg,
		logger:      logger,
	}
	defer func() { sess.teardown(a.stopping(ctx)) }()

	if err := sess.negotiateFormat(); err != nil {
		return err
	}

	a.broadcaster.BroadcastStatus("running", "ASR connected")
	return sess.run(ctx, initialChunk)
}

// stopping reports whether shutdown has been requested.
func (a *ASRSession) stopping(ctx context.Context) bool {
	return a.signals.Stop.IsSet() || ctx.Err() != nil
}

// sleep pauses for d, returning false if shutdown interrupted the pause.
func (a *ASRSession) sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-ctx.Done():
		return false
	case <-a.signals.Stop.Done():
		return false
	}
}

// session is one connected uplink lifetime.
type session struct {
	conn        *websocket.Conn
	signals     *Signals
	buffer      *AudioBuffer
	format      *FormatController
	broadcaster *Broadcaster
	cfg         SessionConfig
	logger      *slog.Logger

	writeMu       sync.Mutex
	streamStarted atomic.Bool
	readyToStop   atomic.Bool
	// draining is set once the end-of-stream frame has been sent; from then
	// on the receiver only looks for ready_to_stop and broadcasts nothing.
	draining atomic.Bool
	// handshakeTried ensures the graceful-stop handshake happens at most
	// once per session.
	handshakeTried atomic.Bool
}

// negotiateFormat reads the ASR config message and latches the audio format.
// This is the only writer of the format controller.
func (s *session) negotiateFormat() error {
	if err := s.conn.SetReadDeadline(time.Now().Add(configTimeout)); err != nil {
		return err
	}
	_, raw, err := s.conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("receiving config message: %w", err)
	}
	var cfg struct {
		UseAudioWorklet bool `json:"useAudioWorklet"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("parsing config message: %w", err)
	}

	format := FormatWebM
	if cfg.UseAudioWorklet {
		format = FormatPCM
	}
	s.format.Set(format)
	if s.cfg.Debug {
		s.logger.Info("config received",
			slog.Bool("useAudioWorklet", cfg.UseAudioWorklet),
			slog.String("format", string(format)))
	}
	return nil
}

// run drives the sender and receiver until the first of them finishes, then
// joins the other. The first error wins.
//
// When the sender finishes first the receiver still owns the read side, so
// the graceful-stop handshake is performed here: the empty frame is written
// and the receiver drains frames until ready_to_stop or the 5 s window ends.
func (s *session) run(ctx context.Context, initialChunk []byte) error {
	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go s.pingLoop(sessCtx)

	senderErr := make(chan error, 1)
	receiverErr := make(chan error, 1)
	go func() { senderErr <- s.sender(sessCtx, initialChunk) }()
	go func() { receiverErr <- s.receiver(sessCtx) }()

	var err error
	select {
	case err = <-senderErr:
		cancel()
		if s.shouldHandshake(ctx) {
			s.handshakeTried.Store(true)
			s.draining.Store(true)
			if werr := s.writeFrame([]byte{}); werr == nil {
				select {
				case <-receiverErr:
				case <-time.After(gracefulStopWindow):
					_ = s.conn.Close()
					<-receiverErr
				}
			} else {
				_ = s.conn.Close()
				<-receiverErr
			}
		} else {
			_ = s.conn.Close()
			<-receiverErr
		}

	case err = <-receiverErr:
		// The sender unblocks via context cancellation or its write deadline.
		cancel()
		<-senderErr
	}

	select {
	case <-ctx.Done():
		return context.Canceled
	default:
	}
	return err
}

// shouldHandshake reports whether the graceful-stop handshake applies: the
// session actually streamed audio (or shutdown was requested) and the ASR has
// not already acknowledged a stop.
func (s *session) shouldHandshake(ctx context.Context) bool {
	stopRequested := ctx.Err() != nil || s.signals.Stop.IsSet()
	return (stopRequested || s.streamStarted.Load()) && !s.readyToStop.Load()
}

// sender streams buffered chunks to the ASR, starting with the retained
// initial chunk. A stalled source raises ErrNoAudio.
func (s *session) sender(ctx context.Context, initialChunk []byte) error {
	chunk := initialChunk
	sent := 0
	budgetStart := time.Now()
	deadline := time.NewTimer(s.cfg.StopTimeout)
	defer deadline.Stop()

	for {
		if ctx.Err() != nil {
			return context.Canceled
		}
		if chunk == nil {
			if s.signals.StreamEnd.IsSet() {
				return ErrNoAudio
			}
			if !deadline.Stop() {
				select {
				case <-deadline.C:
				default:
				}
			}
			deadline.Reset(s.cfg.StopTimeout)

			select {
			case c, ok := <-s.buffer.C():
				if !ok {
					return ErrBufferClosed
				}
				chunk = c
			case <-s.signals.StreamEnd.Done():
				return ErrNoAudio
			case <-deadline.C:
				return ErrNoAudio
			case <-ctx.Done():
				return context.Canceled
			}
		}

		if err := s.writeFrame(chunk); err != nil {
			return err
		}
		s.streamStarted.Store(true)
		sent++
		if s.cfg.Debug {
			s.logger.Info("chunk sent", slog.Int("chunk", sent), slog.Int("bytes", len(chunk)))
		}
		chunk = nil

		if time.Since(budgetStart) >= s.cfg.SendBudget {
			runtime.Gosched()
			budgetStart = time.Now()
		}
	}
}

// receiver parses downlink events and forwards them to subscribers. The read
// deadline rolls forward on every data frame and on every pong, so a healthy
// link survives arbitrarily long downlink silence.
func (s *session) receiver(ctx context.Context) error {
	var (
		lastStatus      string
		lastCaption     *captionKey
		lastTranslation *captionKey
	)

	keepaliveWindow := s.cfg.PingInterval + s.cfg.PingTimeout
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(keepaliveWindow))
	})

	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(keepaliveWindow)); err != nil {
			return err
		}
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return context.Canceled
			}
			return err
		}

		var payload map[string]any
		if err := json.Unmarshal(raw, &payload); err != nil || payload == nil {
			// payload stays nil for valid non-object documents such as `null`.
			s.logger.Warn("non-object message from ASR dropped")
			continue
		}
		ts, _ := payload["ts"].(string)
		if ts == "" {
			ts = nowTimestamp()
			payload["ts"] = ts
		}

		msgType, _ := payload["type"].(string)

		if s.draining.Load() {
			// End-of-stream frame already sent: discard everything except
			// the stop acknowledgement.
			if msgType == MessageTypeReadyToStop {
				s.readyToStop.Store(true)
				return nil
			}
			continue
		}

		if msgType == MessageTypeReadyToStop {
			s.readyToStop.Store(true)
			if s.cfg.Debug {
				s.logger.Info("ASR ready_to_stop received")
			}
			s.broadcaster.Broadcast(payload)
			return nil
		}

		if s.cfg.Debug {
			s.logger.Info("ASR result", slog.String("payload", string(raw)))
			continue
		}

		if msgType == MessageTypeCaption || msgType == MessageTypeStatus {
			s.broadcaster.Broadcast(payload)
			continue
		}

		result := parseASRResult(payload)

		if result.Status != "" && result.Status != lastStatus {
			s.broadcaster.Broadcast(StatusMessage{
				Type:   MessageTypeStatus,
				TS:     ts,
				State:  result.Status,
				Detail: result.Status,
			})
			lastStatus = result.Status
		}

		if text := result.CaptionText(); text != "" {
			key := captionKey{text: text, partial: result.CaptionPartial()}
			if lastCaption == nil || *lastCaption != key {
				s.broadcaster.Broadcast(NewCaptionMessage(MessageTypeCaption, key.text, key.partial, ts))
				lastCaption = &key
			}
		}

		if tr := result.TranslationText(); tr != "" {
			key := captionKey{text: tr, partial: result.TranslationPartial()}
			if lastTranslation == nil || *lastTranslation != key {
				s.broadcaster.Broadcast(NewCaptionMessage(MessageTypeCaptionTranslation, key.text, key.partial, ts))
				lastTranslation = &key
			}
		}
	}
}

// pingLoop keeps the uplink alive with application-level pings.
func (s *session) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.cfg.PingTimeout))
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

// writeFrame sends one binary frame under the session write lock.
func (s *session) writeFrame(data []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.conn.SetWriteDeadline(time.Now().Add(uplinkWriteWait)); err != nil {
		return err
	}
	return s.conn.WriteMessage(websocket.BinaryMessage, data)
}

// teardown performs the graceful stop handshake when it has not already
// happened (sessions that fail before the sender/receiver pair starts, or
// whose receiver finished first) and closes the socket. The handshake is
// bounded by a hard 5 s window so shutdown never blocks on it.
func (s *session) teardown(stopRequested bool) {
	if !s.handshakeTried.Load() &&
		(stopRequested || s.streamStarted.Load()) && !s.readyToStop.Load() {
		s.handshakeTried.Store(true)
		s.gracefulStop()
	}
	_ = s.conn.Close()
}

// gracefulStop signals end-of-stream with an empty binary frame, then reads
// until ready_to_stop arrives or the window elapses.
func (s *session) gracefulStop() {
	// A late pong must not extend reads past the handshake window.
	s.conn.SetPongHandler(func(string) error { return nil })
	if err := s.writeFrame([]byte{}); err != nil {
		return
	}
	deadline := time.Now().Add(gracefulStopWindow)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(remaining)); err != nil {
			return
		}
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var payload struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(raw, &payload); err != nil {
			continue
		}
		if payload.Type == MessageTypeReadyToStop {
			return
		}
	}
}

// isPeerGone classifies errors that mean the ASR endpoint went away: refused
// connections, resets, and peer-initiated closes.
func isPeerGone(err error) bool {
	if err == nil {
		return false
	}
	var closeErr *websocket.CloseError
	if errors.As(err, &closeErr) {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}
	var opErr *net.OpError
	return errors.As(err, &opErr)
}
