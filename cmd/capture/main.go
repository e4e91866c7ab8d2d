// Command capture runs one recognition session and streams it to the relay
// as a producer.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/n10l/speechrelay/internal/capture"
	"github.com/n10l/speechrelay/internal/engine"
	"github.com/n10l/speechrelay/internal/engine/deepgram"
	"github.com/n10l/speechrelay/internal/engine/googlestt"
	"github.com/n10l/speechrelay/internal/engine/mock"
	"github.com/n10l/speechrelay/internal/logging"
	"github.com/n10l/speechrelay/internal/producer"
	"github.com/n10l/speechrelay/internal/relay"
	"github.com/n10l/speechrelay/internal/vocabulary"
)

// WAV header is 44 bytes for standard PCM files
const wavHeaderSize = 44

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func main() {
	relayURL := flag.String("relay", getenv("RELAY_URL", "http://localhost:8080"), "Relay base URL")
	token := flag.String("token", os.Getenv("RELAY_TOKEN"), "Producer JWT (minted from -secret when empty)")
	secret := flag.String("secret", os.Getenv("JWT_SECRET"), "Relay JWT secret, used only to mint a token")
	producerID := flag.String("producer", getenv("PRODUCER_ID", "student-demo"), "Producer ID")
	channelID := flag.String("channel", os.Getenv("CHANNEL_ID"), "Channel ID")
	sessionID := flag.String("session", "", "Session ID (generated when empty)")
	engineName := flag.String("engine", "mock", "Recognizer: mock, deepgram or google")
	audioPath := flag.String("audio", "-", "Raw or WAV audio file, - for stdin (deepgram and google)")
	vocabPath := flag.String("vocab", "", "YAML vocabulary catalog (built-in when empty)")
	duration := flag.Duration("duration", 0, "Stop after this long (0 runs until audio ends or interrupted)")
	submit := flag.Bool("submit", false, "Submit the transcript before stopping")
	logLevel := flag.String("log-level", getenv("LOG_LEVEL", "info"), "Log level")
	flag.Parse()

	logging.Init(logging.Config{Level: *logLevel, Format: "console"})
	logger := logging.WithComponent("capture")

	if *token == "" {
		if *secret == "" {
			logger.Fatal().Msg("either -token or -secret is required")
		}
		t, err := relay.IssueToken(*secret, relay.RoleProducer, *producerID, *channelID, 12*time.Hour)
		if err != nil {
			logger.Fatal().Err(err).Msg("mint token")
		}
		*token = t
	}

	catalog := vocabulary.Default()
	if *vocabPath != "" {
		c, err := vocabulary.Load(*vocabPath)
		if err != nil {
			logger.Fatal().Err(err).Msg("load vocabulary")
		}
		catalog = c
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	scorer := vocabulary.NewScorer(catalog)
	if *vocabPath != "" {
		// Engine keyword hints are fixed at start; reloads only affect selection.
		go vocabulary.Watch(ctx, *vocabPath, vocabulary.DefaultPollInterval, log.Logger.With().Str("component", "vocabulary").Logger(), scorer.SetCatalog)
	}

	eng, audioDone, closeEngine, err := buildEngine(ctx, *engineName, *audioPath, catalog, log.Logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("init engine")
	}
	defer closeEngine()

	client := producer.New(producer.Options{
		Config: producer.Config{URL: *relayURL, Token: *token},
		Logger: log.Logger,
		OnAck: func(a relay.SaveAck) {
			logger.Info().Str("saveType", a.SaveType).Bool("ok", a.OK).Str("outcome", a.Outcome).Msg("relay acknowledged save")
		},
	})
	defer client.Close()

	ctrl := capture.New(eng, capture.Options{
		Config: capture.DefaultConfig(),
		Logger: log.Logger,
		Scorer: scorer,
		Saver:  client,
		Hooks: client.Hooks(capture.Hooks{
			OnError: func(code capture.ErrorCode) {
				logger.Error().Str("code", string(code)).Msg("recognizer refused service")
				stop()
			},
			OnConnectionChange: func(s capture.ConnectionStatus) {
				logger.Info().Str("status", string(s)).Msg("recognizer connection")
			},
			OnResult: func(u capture.Update) {
				if u.IsFinal {
					fmt.Fprintln(os.Stdout, u.LatestFinal)
				}
			},
			OnSave: func(snap capture.Snapshot, err error) {
				if err != nil {
					logger.Warn().Err(err).Str("kind", string(snap.SaveKind)).Msg("save failed")
				}
			},
		}),
	})
	defer ctrl.Close()

	info := capture.SessionInfo{SessionID: *sessionID, ProducerID: *producerID, ChannelID: *channelID}
	if err := ctrl.Start(ctx, info); err != nil {
		logger.Fatal().Err(err).Msg("start session")
	}
	logger.Info().Str("engine", *engineName).Str("relay", *relayURL).Msg("capture started")

	var timeout <-chan time.Time
	if *duration > 0 {
		timeout = time.After(*duration)
	}
	select {
	case <-ctx.Done():
	case <-timeout:
	case <-audioDone:
		// Give the recognizer a moment to deliver its last finals.
		time.Sleep(2 * time.Second)
	}

	finishCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if *submit {
		if err := ctrl.Submit(finishCtx); err != nil {
			logger.Warn().Err(err).Msg("submit failed")
		}
	}
	if err := ctrl.Stop(finishCtx); err != nil {
		logger.Warn().Err(err).Msg("stop failed")
	}
	waitStopped(ctrl, 10*time.Second)

	snap := ctrl.Snapshot()
	logger.Info().
		Str("sessionId", snap.SessionID).
		Int("chars", len(snap.FinalText)).
		Dur("duration", snap.Duration).
		Msg("capture finished")

	// Close waits for in-flight saves.
	ctrl.Close()
}

// waitStopped waits for the engine to end so the final save is issued.
func waitStopped(ctrl *capture.Controller, limit time.Duration) {
	deadline := time.Now().Add(limit)
	for ctrl.State() != capture.StateStopped && ctrl.State() != capture.StateFatal && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
}

func openAudio(path string) (io.Reader, error) {
	if path == "-" {
		return os.Stdin, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	if strings.HasSuffix(strings.ToLower(path), ".wav") {
		header := make([]byte, wavHeaderSize)
		if _, err := io.ReadFull(f, header); err != nil {
			f.Close()
			return nil, fmt.Errorf("read WAV header: %w", err)
		}
		if string(header[0:4]) != "RIFF" || string(header[8:12]) != "WAVE" {
			f.Close()
			return nil, fmt.Errorf("%s is not a valid WAV file", path)
		}
	}
	return f, nil
}

// buildEngine returns the engine, a channel closed when its audio runs out
// (nil for the mock) and a cleanup func.
func buildEngine(ctx context.Context, name, audioPath string, catalog *vocabulary.Catalog, base zerolog.Logger) (capture.Engine, <-chan struct{}, func(), error) {
	if name == "mock" {
		return mock.New(mock.DefaultConfig()), nil, func() {}, nil
	}

	audio, err := openAudio(audioPath)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("open audio: %w", err)
	}
	pump := engine.NewPump(audio, 3200)

	switch name {
	case "deepgram":
		cfg := deepgram.DefaultConfig()
		cfg.APIKey = os.Getenv("DEEPGRAM_API_KEY")
		if cfg.APIKey == "" {
			return nil, nil, nil, fmt.Errorf("DEEPGRAM_API_KEY is required")
		}
		cfg.Keywords = catalog.All()
		return deepgram.New(cfg, pump, base.With().Str("component", "deepgram").Logger()), pump.Done(), func() {}, nil
	case "google":
		cfg := googlestt.DefaultConfig()
		cfg.Phrases = catalog.All()
		e, err := googlestt.New(ctx, cfg, pump, base.With().Str("component", "googlestt").Logger())
		if err != nil {
			return nil, nil, nil, err
		}
		return e, pump.Done(), func() { e.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("unknown engine %q", name)
	}
}
