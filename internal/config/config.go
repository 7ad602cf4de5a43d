package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the live call host.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string
	LogLevel         string
	LogPretty        bool
	AllowAnyOrigin   bool

	LiveURL                 string
	LiveAPIKey              string
	LiveModel               string
	LiveSetupTimeout        time.Duration
	LiveActivityHandling    string
	LiveInputTranscription  bool
	LiveOutputTranscription bool

	CallRingDelay       time.Duration
	CallHistoryLimit    int
	CallFinalizeTimeout time.Duration

	TranscriptUserDebounce    time.Duration
	TranscriptPersonaDebounce time.Duration

	AudioBackend            string
	AudioCaptureSampleRate  int
	AudioCaptureFrames      int
	AudioPlaybackSampleRate int
	AudioPlaybackOverlap    time.Duration
	AudioRecordPath         string

	PersonaCatalogPath string
	DatabaseURL        string

	RecapEnabled bool
	RecapModel   string
	RecapTimeout time.Duration
}

const (
	AudioBackendPortAudio = "portaudio"
	AudioBackendNone      = "none"
)

// Load reads a .env file when present, then environment variables, and
// applies safe defaults. Variables already set win over the .env file.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf(".env parse error: %w", err)
	}

	cfg := Config{
		BindAddr:             envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:     envOrDefault("APP_METRICS_NAMESPACE", "livecall"),
		LogLevel:             envOrDefault("APP_LOG_LEVEL", "info"),
		LiveURL:              stringsTrimSpace("LIVE_WS_URL"),
		LiveAPIKey:           stringsTrimSpace("LIVE_API_KEY"),
		LiveModel:            envOrDefault("LIVE_MODEL", "models/gemini-2.0-flash-live-001"),
		LiveActivityHandling: envOrDefault("LIVE_ACTIVITY_HANDLING", "START_OF_ACTIVITY_INTERRUPTS"),
		AudioBackend:         strings.ToLower(envOrDefault("AUDIO_BACKEND", AudioBackendPortAudio)),
		AudioRecordPath:      stringsTrimSpace("AUDIO_RECORD_PATH"),
		PersonaCatalogPath:   stringsTrimSpace("PERSONA_CATALOG_PATH"),
		DatabaseURL:          stringsTrimSpace("DATABASE_URL"),
		RecapModel:           envOrDefault("RECAP_MODEL", "gemini-2.0-flash"),

		ShutdownTimeout:           10 * time.Second,
		LogPretty:                 true,
		LiveSetupTimeout:          10 * time.Second,
		LiveInputTranscription:    true,
		LiveOutputTranscription:   true,
		CallRingDelay:             2 * time.Second,
		CallHistoryLimit:          12,
		CallFinalizeTimeout:       20 * time.Second,
		TranscriptUserDebounce:    1500 * time.Millisecond,
		TranscriptPersonaDebounce: 800 * time.Millisecond,
		AudioCaptureSampleRate:    16000,
		AudioCaptureFrames:        1600,
		AudioPlaybackSampleRate:   24000,
		AudioPlaybackOverlap:      15 * time.Millisecond,
		RecapTimeout:              15 * time.Second,
	}
	if cfg.LiveAPIKey == "" {
		cfg.LiveAPIKey = stringsTrimSpace("GEMINI_API_KEY")
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"LIVE_SETUP_TIMEOUT", &cfg.LiveSetupTimeout},
		{"CALL_RING_DELAY", &cfg.CallRingDelay},
		{"CALL_FINALIZE_TIMEOUT", &cfg.CallFinalizeTimeout},
		{"TRANSCRIPT_USER_DEBOUNCE", &cfg.TranscriptUserDebounce},
		{"TRANSCRIPT_PERSONA_DEBOUNCE", &cfg.TranscriptPersonaDebounce},
		{"AUDIO_PLAYBACK_OVERLAP", &cfg.AudioPlaybackOverlap},
		{"RECAP_TIMEOUT", &cfg.RecapTimeout},
	}
	for _, d := range durations {
		if *d.dst, err = durationFromEnv(d.key, *d.dst); err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"CALL_HISTORY_LIMIT", &cfg.CallHistoryLimit},
		{"AUDIO_CAPTURE_SAMPLE_RATE", &cfg.AudioCaptureSampleRate},
		{"AUDIO_CAPTURE_FRAMES", &cfg.AudioCaptureFrames},
		{"AUDIO_PLAYBACK_SAMPLE_RATE", &cfg.AudioPlaybackSampleRate},
	}
	for _, n := range ints {
		if *n.dst, err = intFromEnv(n.key, *n.dst); err != nil {
			return Config{}, err
		}
	}

	bools := []struct {
		key string
		dst *bool
	}{
		{"APP_LOG_PRETTY", &cfg.LogPretty},
		{"APP_ALLOW_ANY_ORIGIN", &cfg.AllowAnyOrigin},
		{"LIVE_INPUT_TRANSCRIPTION", &cfg.LiveInputTranscription},
		{"LIVE_OUTPUT_TRANSCRIPTION", &cfg.LiveOutputTranscription},
		{"RECAP_ENABLED", &cfg.RecapEnabled},
	}
	for _, b := range bools {
		if *b.dst, err = boolFromEnv(b.key, *b.dst); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg Config) validate() error {
	if cfg.ShutdownTimeout <= 0 {
		return fmt.Errorf("APP_SHUTDOWN_TIMEOUT must be positive")
	}
	if cfg.LiveSetupTimeout < time.Second {
		return fmt.Errorf("LIVE_SETUP_TIMEOUT must be at least 1s")
	}
	switch cfg.LiveActivityHandling {
	case "START_OF_ACTIVITY_INTERRUPTS", "NO_INTERRUPTION":
	default:
		return fmt.Errorf("LIVE_ACTIVITY_HANDLING must be START_OF_ACTIVITY_INTERRUPTS or NO_INTERRUPTION")
	}
	if cfg.CallRingDelay < 0 {
		return fmt.Errorf("CALL_RING_DELAY must be >= 0")
	}
	if cfg.CallHistoryLimit <= 0 {
		return fmt.Errorf("CALL_HISTORY_LIMIT must be positive")
	}
	if cfg.CallFinalizeTimeout <= 0 {
		return fmt.Errorf("CALL_FINALIZE_TIMEOUT must be positive")
	}
	if cfg.TranscriptUserDebounce <= 0 || cfg.TranscriptPersonaDebounce <= 0 {
		return fmt.Errorf("TRANSCRIPT_USER_DEBOUNCE and TRANSCRIPT_PERSONA_DEBOUNCE must be positive")
	}
	switch cfg.AudioBackend {
	case AudioBackendPortAudio, AudioBackendNone:
	default:
		return fmt.Errorf("AUDIO_BACKEND must be %q or %q", AudioBackendPortAudio, AudioBackendNone)
	}
	if cfg.AudioCaptureSampleRate <= 0 || cfg.AudioPlaybackSampleRate <= 0 {
		return fmt.Errorf("AUDIO_CAPTURE_SAMPLE_RATE and AUDIO_PLAYBACK_SAMPLE_RATE must be positive")
	}
	if cfg.AudioCaptureFrames <= 0 {
		return fmt.Errorf("AUDIO_CAPTURE_FRAMES must be positive")
	}
	if cfg.AudioPlaybackOverlap < 0 || cfg.AudioPlaybackOverlap >= 100*time.Millisecond {
		return fmt.Errorf("AUDIO_PLAYBACK_OVERLAP must be between 0 and 100ms")
	}
	if cfg.RecapTimeout <= 0 {
		return fmt.Errorf("RECAP_TIMEOUT must be positive")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
