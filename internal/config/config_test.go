package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Bus.Servers[0] != "nats://localhost:4222" {
		t.Fatalf("expected default server, got %v", cfg.Bus.Servers)
	}
	if cfg.Capture.FrameSamples != 4096 || cfg.Capture.SampleRate != 16000 {
		t.Fatalf("unexpected capture defaults: %+v", cfg.Capture)
	}
	if cfg.Playback.SampleRate != 24000 {
		t.Fatalf("expected 24kHz playback, got %d", cfg.Playback.SampleRate)
	}
	if cfg.Order.PulseWindowMS != 1500 {
		t.Fatalf("expected 1500ms pulse window, got %d", cfg.Order.PulseWindowMS)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOQA_BUS_SERVERS", "nats://one:4222, nats://two:4222")
	t.Setenv("LOQA_BUS_USERNAME", "alice")
	t.Setenv("LOQA_BUS_PASSWORD", "secret")
	t.Setenv("LOQA_BUS_TLS_INSECURE", "true")
	t.Setenv("LOQA_BUS_CONNECT_TIMEOUT_MS", "5000")
	t.Setenv("LOQA_EVENT_STORE_PATH", "./tmp.db")
	t.Setenv("LOQA_EVENT_STORE_RETENTION_MODE", "persistent")
	t.Setenv("LOQA_EVENT_STORE_MAX_SESSIONS", "123")
	t.Setenv("LOQA_LIVE_MOCK_TRANSCRIPT", "do kilo , tamatar")
	t.Setenv("LOQA_CAPTURE_FRAME_SAMPLES", "2048")
	t.Setenv("LOQA_PARSER_MODE", "exec")
	t.Setenv("LOQA_PARSER_COMMAND", "./parse.sh --json")
	t.Setenv("LOQA_ORDER_PULSE_WINDOW_MS", "900")
	t.Setenv("LOQA_ORDER_LANGUAGES", "HI")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if len(cfg.Bus.Servers) != 2 {
		t.Fatalf("expected 2 servers, got %v", cfg.Bus.Servers)
	}
	if cfg.Bus.Username != "alice" || cfg.Bus.Password != "secret" {
		t.Fatalf("expected credentials override")
	}
	if !cfg.Bus.TLSInsecure {
		t.Fatal("expected tls insecure override true")
	}
	if cfg.Bus.ConnectTimeout != 5000 {
		t.Fatalf("expected timeout 5000, got %d", cfg.Bus.ConnectTimeout)
	}
	if cfg.EventStore.Path != "./tmp.db" || cfg.EventStore.RetentionMode != "persistent" {
		t.Fatalf("expected event store overrides, got %+v", cfg.EventStore)
	}
	if cfg.EventStore.MaxSessions != 123 {
		t.Fatalf("expected event store max sessions override")
	}
	if len(cfg.Live.MockTranscript) != 2 || cfg.Live.MockTranscript[1] != "tamatar" {
		t.Fatalf("unexpected mock transcript %v", cfg.Live.MockTranscript)
	}
	if cfg.Capture.FrameSamples != 2048 {
		t.Fatalf("expected frame samples override, got %d", cfg.Capture.FrameSamples)
	}
	if cfg.Parser.Mode != "exec" || cfg.Parser.Command != "./parse.sh --json" {
		t.Fatalf("expected parser overrides, got %+v", cfg.Parser)
	}
	if cfg.Order.PulseWindowMS != 900 {
		t.Fatalf("expected pulse window override")
	}
	if len(cfg.Order.Languages) != 1 || cfg.Order.Languages[0] != "HI" {
		t.Fatalf("expected languages override, got %v", cfg.Order.Languages)
	}
}

func TestLoadFileAndValidate(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "voiceorder.yaml")
	data := []byte(`
runtime_name: shop-voice
live:
  mode: gemini
  api_key: test-key
catalog:
  source: http
  url: http://catalog.local/vegetables
`)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RuntimeName != "shop-voice" || cfg.Live.Mode != "gemini" {
		t.Fatalf("file values not applied: %+v", cfg)
	}
	if cfg.Live.OutputSampleRate != 24000 {
		t.Fatalf("expected defaults to survive partial file")
	}

	t.Setenv("LOQA_LIVE_API_KEY", "")
	bad := []byte("live:\n  mode: gemini\n")
	if err := os.WriteFile(path, bad, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Fatal("expected validation error for gemini without api key")
	}
}

func TestRejectsUnknownFallbackQuantity(t *testing.T) {
	t.Setenv("LOQA_ORDER_FALLBACK_QUANTITY", "2kg")
	if _, err := Load(""); err == nil {
		t.Fatal("expected error for quantity outside the closed set")
	}
}
