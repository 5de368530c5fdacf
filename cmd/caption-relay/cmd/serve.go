package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/livesub/caption-relay/internal/config"
	"github.com/livesub/caption-relay/internal/ffmpeg"
	internalhttp "github.com/livesub/caption-relay/internal/http"
	"github.com/livesub/caption-relay/internal/relay"
)

var debugMode bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the caption relay",
	Long: `Start the caption relay.

The relay:
- pulls the configured RTMP stream through FFmpeg
- streams audio to the ASR service and forwards captions to subscribers
- serves the subscriber WebSocket at /subtitles and a health probe at /healthz`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "0.0.0.0", "Host to bind the downlink server to")
	serveCmd.Flags().Int("port", 9000, "Port for the downlink server")
	serveCmd.Flags().String("rtmp-url", "", "RTMP source URL")
	serveCmd.Flags().String("asr-url", "", "ASR WebSocket URL")
	serveCmd.Flags().BoolVar(&debugMode, "debug", false, "log ASR results and per-chunk traces instead of forwarding captions")

	mustBindPFlag("server.host", serveCmd, "host")
	mustBindPFlag("server.port", serveCmd, "port")
	mustBindPFlag("rtmp.url", serveCmd, "rtmp-url")
	mustBindPFlag("asr.url", serveCmd, "asr-url")
}

// mustBindPFlag binds a viper key to a cobra flag and panics if binding fails.
func mustBindPFlag(key string, cmd *cobra.Command, flag string) {
	if err := viper.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
		panic(fmt.Sprintf("failed to bind flag %q to key %q: %v", flag, key, err))
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.Default()

	var cfg config.Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return fmt.Errorf("unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("validating config: %w", err)
	}

	ffmpegPath, err := ffmpeg.Resolve(cfg.FFmpeg.Path)
	if err != nil {
		return fmt.Errorf("resolving transcoder: %w", err)
	}
	cfg.FFmpeg.Path = ffmpegPath
	if info, err := ffmpeg.Detect(cmd.Context(), ffmpegPath); err != nil {
		logger.Warn("transcoder version probe failed", slog.String("error", err.Error()))
	} else {
		logger.Info("transcoder detected",
			slog.String("path", info.Path),
			slog.String("version", info.Version))
		if !info.SupportsOpus() {
			logger.Warn("transcoder reports no libopus support; webm uplink format will fail")
		}
	}

	r, err := relay.New(&cfg, debugMode, logger)
	if err != nil {
		return err
	}

	server := internalhttp.NewServer(internalhttp.ServerConfig{
		Host:            cfg.Server.Host,
		Port:            cfg.Server.Port,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
	}, r.Broadcaster, logger)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		r.Run(ctx)
	}()

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		// Bind failure at startup is fatal; stop the relay loops too.
		stop()
		wg.Wait()
		if err != nil {
			return err
		}
		return nil
	}

	if err := server.Shutdown(context.Background()); err != nil {
		logger.Warn("downlink server shutdown", slog.String("error", err.Error()))
	}
	wg.Wait()
	return nil
}
