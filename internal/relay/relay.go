package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/livesub/caption-relay/internal/config"
)

// Relay wires the relay core together: the bounded audio buffer, the format
// controller, the lifecycle signals, the subscriber broadcaster, the ingest
// supervisor, and the ASR session. The long-lived loops are created once and
// torn down once; their internal sub-sessions (transcoder process, uplink
// socket) recycle as often as needed.
type Relay struct {
	Buffer      *AudioBuffer
	Format      *FormatController
	Signals     *Signals
	Broadcaster *Broadcaster

	ingest  *IngestSupervisor
	session *ASRSession
	logger  *slog.Logger
}

// New builds a relay from configuration. Debug mode enables per-chunk tracing
// and logs ASR results instead of broadcasting them.
func New(cfg *config.Config, debug bool, logger *slog.Logger) (*Relay, error) {
	if logger == nil {
		logger = slog.Default()
	}

	tlsConfig, err := BuildTLSConfig(cfg.ASR.Cert)
	if err != nil {
		return nil, fmt.Errorf("building TLS trust config: %w", err)
	}
	if tlsConfig != nil {
		logger.Info("loaded ASR CA trust material")
	}

	buffer := NewAudioBuffer(cfg.Audio.BufferChunks, logger)
	format := NewFormatController(FormatWebM)
	signals := NewSignals()
	broadcaster := NewBroadcaster(logger)

	ingest := NewIngestSupervisor(IngestConfig{
		FFmpegPath:  cfg.FFmpeg.Path,
		RTMPURL:     cfg.RTMP.URL,
		ChunkMS:     cfg.Audio.ChunkMS,
		SampleRate:  cfg.Audio.SampleRate,
		OpusBitrate: cfg.ASR.Bitrate,
		StopTimeout: cfg.Relay.StopTimeout,
		MaxBackoff:  cfg.Relay.MaxBackoff,
		Debug:       debug,
		Logger:      logger,
	}, buffer, format, signals, broadcaster)

	session := NewASRSession(SessionConfig{
		URL:         cfg.ASR.URL,
		StopTimeout: cfg.Relay.StopTimeout,
		MaxBackoff:  cfg.Relay.MaxBackoff,
		SendBudget:  cfg.Relay.SendBudget,
		TLS:         tlsConfig,
		Debug:       debug,
		Logger:      logger,
	}, buffer, format, signals, broadcaster)

	return &Relay{
		Buffer:      buffer,
		Format:      format,
		Signals:     signals,
		Broadcaster: broadcaster,
		ingest:      ingest,
		session:     session,
		logger:      logger,
	}, nil
}

// Run starts the ingest supervisor and the ASR session and blocks until the
// context is cancelled. On cancellation it sets the stop signal and waits for
// both loops to finish; each kills its owned child process or socket before
// returning.
func (r *Relay) Run(ctx context.Context) {
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.ingest.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		r.session.Run(ctx)
	}()

	r.logger.Info("relay startup complete")
	<-ctx.Done()
	r.Signals.Stop.Set()
	wg.Wait()
	r.logger.Info("relay shutdown complete")
}
