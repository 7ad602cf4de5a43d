package config

import (
	"strings"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.BindAddr != ":8080" || cfg.MetricsNamespace != "livecall" {
		t.Fatalf("app defaults = %q %q", cfg.BindAddr, cfg.MetricsNamespace)
	}
	if cfg.LiveModel != "models/gemini-2.0-flash-live-001" || cfg.LiveURL != "" {
		t.Fatalf("live defaults = %q %q", cfg.LiveModel, cfg.LiveURL)
	}
	if cfg.TranscriptUserDebounce != 1500*time.Millisecond || cfg.TranscriptPersonaDebounce != 800*time.Millisecond {
		t.Fatalf("debounce defaults = %v %v", cfg.TranscriptUserDebounce, cfg.TranscriptPersonaDebounce)
	}
	if cfg.AudioCaptureSampleRate != 16000 || cfg.AudioPlaybackOverlap != 15*time.Millisecond {
		t.Fatalf("audio defaults = %d %v", cfg.AudioCaptureSampleRate, cfg.AudioPlaybackOverlap)
	}
	if cfg.CallRingDelay != 2*time.Second || cfg.CallHistoryLimit != 12 {
		t.Fatalf("call defaults = %v %d", cfg.CallRingDelay, cfg.CallHistoryLimit)
	}
	if !cfg.LiveInputTranscription || !cfg.LiveOutputTranscription || cfg.RecapEnabled {
		t.Fatalf("toggle defaults = %+v", cfg)
	}
}

func TestLoadAPIKeyFallsBackToGeminiKey(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("GEMINI_API_KEY", " gem-key ")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.LiveAPIKey != "gem-key" {
		t.Fatalf("LiveAPIKey = %q, want fallback", cfg.LiveAPIKey)
	}

	t.Setenv("LIVE_API_KEY", "live-key")
	cfg, _ = Load()
	if cfg.LiveAPIKey != "live-key" {
		t.Fatalf("LiveAPIKey = %q, want explicit value", cfg.LiveAPIKey)
	}
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("CALL_RING_DELAY", "0s")
	t.Setenv("AUDIO_BACKEND", "NONE")
	t.Setenv("RECAP_ENABLED", "yes")
	t.Setenv("TRANSCRIPT_PERSONA_DEBOUNCE", "1s")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.CallRingDelay != 0 || cfg.AudioBackend != AudioBackendNone || !cfg.RecapEnabled || cfg.TranscriptPersonaDebounce != time.Second {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"LIVE_SETUP_TIMEOUT", "soon", "LIVE_SETUP_TIMEOUT parse error"},
		{"LIVE_SETUP_TIMEOUT", "100ms", "at least 1s"},
		{"CALL_HISTORY_LIMIT", "0", "CALL_HISTORY_LIMIT must be positive"},
		{"AUDIO_CAPTURE_SAMPLE_RATE", "abc", "AUDIO_CAPTURE_SAMPLE_RATE parse error"},
		{"AUDIO_BACKEND", "alsa", "AUDIO_BACKEND must be"},
		{"AUDIO_PLAYBACK_OVERLAP", "200ms", "AUDIO_PLAYBACK_OVERLAP"},
		{"LIVE_ACTIVITY_HANDLING", "SOMETIMES", "LIVE_ACTIVITY_HANDLING"},
		{"RECAP_ENABLED", "maybe", "expected bool"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load() error = %v, want %q", err, tt.want)
			}
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_LOG_LEVEL",
		"APP_LOG_PRETTY",
		"APP_ALLOW_ANY_ORIGIN",
		"LIVE_WS_URL",
		"LIVE_API_KEY",
		"GEMINI_API_KEY",
		"LIVE_MODEL",
		"LIVE_SETUP_TIMEOUT",
		"LIVE_ACTIVITY_HANDLING",
		"LIVE_INPUT_TRANSCRIPTION",
		"LIVE_OUTPUT_TRANSCRIPTION",
		"CALL_RING_DELAY",
		"CALL_HISTORY_LIMIT",
		"CALL_FINALIZE_TIMEOUT",
		"TRANSCRIPT_USER_DEBOUNCE",
		"TRANSCRIPT_PERSONA_DEBOUNCE",
		"AUDIO_BACKEND",
		"AUDIO_CAPTURE_SAMPLE_RATE",
		"AUDIO_CAPTURE_FRAMES",
		"AUDIO_PLAYBACK_SAMPLE_RATE",
		"AUDIO_PLAYBACK_OVERLAP",
		"AUDIO_RECORD_PATH",
		"PERSONA_CATALOG_PATH",
		"DATABASE_URL",
		"RECAP_ENABLED",
		"RECAP_MODEL",
		"RECAP_TIMEOUT",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
