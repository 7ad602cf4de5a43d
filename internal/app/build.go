package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/antoniostano/livecall/internal/call"
	"github.com/antoniostano/livecall/internal/capture"
	"github.com/antoniostano/livecall/internal/config"
	"github.com/antoniostano/livecall/internal/device"
	"github.com/antoniostano/livecall/internal/httpapi"
	"github.com/antoniostano/livecall/internal/live"
	"github.com/antoniostano/livecall/internal/memory"
	"github.com/antoniostano/livecall/internal/observability"
	"github.com/antoniostano/livecall/internal/persona"
	"github.com/antoniostano/livecall/internal/playback"
	"github.com/antoniostano/livecall/internal/prompt"
	"github.com/antoniostano/livecall/internal/recap"
	"github.com/antoniostano/livecall/internal/transcript"
)

// Options lets a host add its own notifier next to the websocket event hub.
type Options struct {
	Notifier call.Notifier
	Logger   zerolog.Logger
}

type BuildResult struct {
	Config   config.Config
	Catalog  *persona.Catalog
	Store    memory.Store
	Engine   *call.Engine
	Events   *httpapi.EventHub
	API      *httpapi.Server
	Metrics  *observability.Metrics
	Recap    bool
	Backend  string
	Personas int

	// Cleanup ends any call still running and releases the audio backend
	// and the history store.
	Cleanup func() error
}

func Build(ctx context.Context, cfg config.Config, opts Options) (*BuildResult, error) {
	log := opts.Logger
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	catalog, err := persona.Load(cfg.PersonaCatalogPath)
	if err != nil {
		return nil, fmt.Errorf("persona catalog init failed: %w", err)
	}

	store, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	mic, speaker, terminate, err := openAudioBackend(cfg, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	prompts, err := prompt.New("", 0)
	if err != nil {
		terminate()
		_ = store.Close()
		return nil, err
	}

	var recapper call.Recapper
	if cfg.RecapEnabled {
		if cfg.LiveAPIKey == "" {
			log.Warn().Msg("RECAP_ENABLED is set but no API key is configured, recaps disabled")
		} else {
			g, err := recap.NewGemini(ctx, recap.Config{
				APIKey:  cfg.LiveAPIKey,
				Model:   cfg.RecapModel,
				Timeout: cfg.RecapTimeout,
				Logger:  log,
			})
			if err != nil {
				terminate()
				_ = store.Close()
				return nil, fmt.Errorf("recap client init failed: %w", err)
			}
			recapper = g
		}
	}

	client := live.New(live.Config{
		URL:             cfg.LiveURL,
		APIKey:          cfg.LiveAPIKey,
		SetupTimeout:    cfg.LiveSetupTimeout,
		InputSampleRate: cfg.AudioCaptureSampleRate,
		Metrics:         metrics,
		Logger:          log,
	})
	pipeline := capture.New(mic, capture.Options{
		TargetRate: cfg.AudioCaptureSampleRate,
		Metrics:    metrics,
		Logger:     log,
	})
	player := playback.New(speaker, playback.Options{
		SampleRate: cfg.AudioPlaybackSampleRate,
		Overlap:    overlapOption(cfg.AudioPlaybackOverlap),
		RecordPath: cfg.AudioRecordPath,
		Metrics:    metrics,
		Logger:     log,
	})
	transcripts := transcript.New(transcript.Options{
		UserDelay:    cfg.TranscriptUserDebounce,
		PersonaDelay: cfg.TranscriptPersonaDebounce,
		Metrics:      metrics,
		Logger:       log,
	})

	events := httpapi.NewEventHub(metrics, log)
	var notifier call.Notifier = events
	if opts.Notifier != nil {
		notifier = fanout{events, opts.Notifier}
	}

	engine, err := call.New(call.Deps{
		Client:      client,
		Capture:     pipeline,
		Playback:    player,
		Transcripts: transcripts,
		Prompts:     prompts,
		History:     store,
		Recapper:    recapper,
		Notifier:    notifier,
		Metrics:     metrics,
		Logger:      log,
	}, call.Options{
		Model:               cfg.LiveModel,
		ActivityHandling:    cfg.LiveActivityHandling,
		InputTranscription:  cfg.LiveInputTranscription,
		OutputTranscription: cfg.LiveOutputTranscription,
		RingDelay:           cfg.CallRingDelay,
		HistoryLimit:        cfg.CallHistoryLimit,
		FinalizeTimeout:     cfg.CallFinalizeTimeout,
	})
	if err != nil {
		terminate()
		_ = store.Close()
		return nil, err
	}

	api := httpapi.New(cfg, httpapi.Deps{
		Engine:  engine,
		Catalog: catalog,
		History: store,
		Events:  events,
		Metrics: metrics,
		Logger:  log,
	})

	cleanup := func() error {
		var errs []error
		if err := engine.EndLiveCall(context.Background(), false); err != nil {
			errs = append(errs, err)
		}
		terminate()
		if err := store.Close(); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}

	return &BuildResult{
		Config:   cfg,
		Catalog:  catalog,
		Store:    store,
		Engine:   engine,
		Events:   events,
		API:      api,
		Metrics:  metrics,
		Recap:    recapper != nil,
		Backend:  cfg.AudioBackend,
		Personas: len(catalog.List()),
		Cleanup:  cleanup,
	}, nil
}

// openAudioBackend returns the microphone and speaker for the configured
// backend plus a func that releases it.
func openAudioBackend(cfg config.Config, log zerolog.Logger) (capture.Microphone, playback.Device, func(), error) {
	switch cfg.AudioBackend {
	case config.AudioBackendNone:
		log.Info().Msg("audio backend disabled, using silent devices")
		return device.NullMicrophone{}, device.NullSpeaker{}, func() {}, nil
	default:
		terminate, err := device.Init()
		if err != nil {
			return nil, nil, nil, fmt.Errorf("audio backend init failed: %w", err)
		}
		mic := &device.Microphone{FramesPerBuffer: cfg.AudioCaptureFrames, Logger: log}
		return mic, &device.Speaker{}, terminate, nil
	}
}

// overlapOption maps a configured zero overlap to the player's "none"
// value; the player treats zero as "use the default".
func overlapOption(d time.Duration) time.Duration {
	if d == 0 {
		return -1
	}
	return d
}
