package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

type TelemetryConfig struct {
	LogLevel       string `yaml:"log_level"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	OTLPInsecure   bool   `yaml:"otlp_insecure"`
	PrometheusBind string `yaml:"prometheus_bind"`
}

type HTTPConfig struct {
	Bind string `yaml:"bind"`
	Port int    `yaml:"port"`
}

type Config struct {
	RuntimeName string           `yaml:"runtime_name"`
	Environment string           `yaml:"environment"`
	HTTP        HTTPConfig       `yaml:"http"`
	Telemetry   TelemetryConfig  `yaml:"telemetry"`
	Bus         BusConfig        `yaml:"bus"`
	EventStore  EventStoreConfig `yaml:"event_store"`
	Live        LiveConfig       `yaml:"live"`
	Capture     CaptureConfig    `yaml:"capture"`
	Playback    PlaybackConfig   `yaml:"playback"`
	Parser      ParserConfig     `yaml:"parser"`
	Catalog     CatalogConfig    `yaml:"catalog"`
	Order       OrderConfig      `yaml:"order"`
}

type BusConfig struct {
	Embedded       bool     `yaml:"embedded"`
	Port           int      `yaml:"port"`
	StoreDir       string   `yaml:"store_dir"`
	Servers        []string `yaml:"servers"`
	Username       string   `yaml:"username"`
	Password       string   `yaml:"password"`
	Token          string   `yaml:"token"`
	TLSInsecure    bool     `yaml:"tls_insecure"`
	ConnectTimeout int      `yaml:"connect_timeout_ms"`
}

type EventStoreConfig struct {
	Path          string `yaml:"path"`
	RetentionMode string `yaml:"retention_mode"`
	RetentionDays int    `yaml:"retention_days"`
	MaxSessions   int    `yaml:"max_sessions"`
	VacuumOnStart bool   `yaml:"vacuum_on_start"`
}

// LiveConfig selects the bidirectional audio session transport.
type LiveConfig struct {
	Mode             string   `yaml:"mode"` // mock, gemini
	Endpoint         string   `yaml:"endpoint"`
	APIKey           string   `yaml:"api_key"`
	Model            string   `yaml:"model"`
	InputSampleRate  int      `yaml:"input_sample_rate"`
	OutputSampleRate int      `yaml:"output_sample_rate"`
	DialTimeoutMS    int      `yaml:"dial_timeout_ms"`
	SetupTimeoutMS   int      `yaml:"setup_timeout_ms"`
	MaxRetries       int      `yaml:"max_retries"`
	MockTranscript   []string `yaml:"mock_transcript"`
}

type CaptureConfig struct {
	Device         string `yaml:"device"` // wav, malgo
	Path           string `yaml:"path"`
	SampleRate     int    `yaml:"sample_rate"`
	Channels       int    `yaml:"channels"`
	FrameSamples   int    `yaml:"frame_samples"`
	QueueHighWater int    `yaml:"queue_high_water"`
}

type PlaybackConfig struct {
	Device     string `yaml:"device"` // wav, malgo, discard
	Path       string `yaml:"path"`
	SampleRate int    `yaml:"sample_rate"`
	Channels   int    `yaml:"channels"`
}

type ParserConfig struct {
	Mode string `yaml:"mode"` // mock, ollama, exec, openai, anthropic, gemini
	// Endpoint is the Ollama URL, or a base URL override for openai/anthropic.
	Endpoint     string `yaml:"endpoint"`
	Command      string `yaml:"command"`
	Model        string `yaml:"model"`
	APIKey       string `yaml:"api_key"`
	Project      string `yaml:"project"`
	Location     string `yaml:"location"`
	TimeoutMS    int    `yaml:"timeout_ms"`
	MockResponse string `yaml:"mock_response"`
}

type CatalogConfig struct {
	Source     string `yaml:"source"` // file, http
	Path       string `yaml:"path"`
	URL        string `yaml:"url"`
	RedisAddr  string `yaml:"redis_addr"`
	CacheTTLMS int    `yaml:"cache_ttl_ms"`
}

type OrderConfig struct {
	PulseWindowMS    int      `yaml:"pulse_window_ms"`
	PulseTickMS      int      `yaml:"pulse_tick_ms"`
	FallbackQuantity string   `yaml:"fallback_quantity"`
	Languages        []string `yaml:"languages"`
	DefaultUserID    string   `yaml:"default_user_id"`
}

func Default() Config {
	return Config{
		RuntimeName: "loqa-voiceorder",
		Environment: "development",
		HTTP: HTTPConfig{
			Bind: "0.0.0.0",
			Port: 8080,
		},
		Telemetry: TelemetryConfig{
			LogLevel:       "info",
			OTLPEndpoint:   "",
			OTLPInsecure:   true,
			PrometheusBind: ":9091",
		},
		Bus: BusConfig{
			Embedded:       true,
			Port:           4222,
			StoreDir:       "./data/nats",
			Servers:        []string{"nats://localhost:4222"},
			ConnectTimeout: 2000,
		},
		EventStore: EventStoreConfig{
			Path:          "./data/voiceorder-events.db",
			RetentionMode: "session",
			RetentionDays: 30,
			MaxSessions:   10000,
		},
		Live: LiveConfig{
			Mode:             "mock",
			Endpoint:         "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent",
			Model:            "models/gemini-2.5-flash-native-audio-preview-09-2025",
			InputSampleRate:  16000,
			OutputSampleRate: 24000,
			DialTimeoutMS:    10000,
			SetupTimeoutMS:   10000,
			MaxRetries:       3,
		},
		Capture: CaptureConfig{
			Device:         "wav",
			Path:           "./data/mic.wav",
			SampleRate:     16000,
			Channels:       1,
			FrameSamples:   4096,
			QueueHighWater: 8,
		},
		Playback: PlaybackConfig{
			Device:     "discard",
			Path:       "./data/reply.wav",
			SampleRate: 24000,
			Channels:   1,
		},
		Parser: ParserConfig{
			Mode:      "mock",
			Location:  "us-central1",
			TimeoutMS: 15000,
		},
		Catalog: CatalogConfig{
			Source:     "file",
			Path:       "./catalog.yaml",
			CacheTTLMS: 60000,
		},
		Order: OrderConfig{
			PulseWindowMS:    1500,
			PulseTickMS:      100,
			FallbackQuantity: "1kg",
			Languages:        []string{"EN", "HI", "HI-Latn"},
			DefaultUserID:    "local-user",
		},
	}
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			if os.IsNotExist(err) {
				return cfg, fmt.Errorf("config file not found: %w", err)
			}
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	if err := validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	overrideString(&cfg.RuntimeName, "LOQA_RUNTIME_NAME")
	overrideString(&cfg.Environment, "LOQA_RUNTIME_ENVIRONMENT")
	overrideString(&cfg.HTTP.Bind, "LOQA_HTTP_BIND")
	overrideInt(&cfg.HTTP.Port, "LOQA_HTTP_PORT")
	overrideString(&cfg.Telemetry.LogLevel, "LOQA_TELEMETRY_LOG_LEVEL")
	overrideString(&cfg.Telemetry.OTLPEndpoint, "LOQA_TELEMETRY_OTLP_ENDPOINT")
	overrideBool(&cfg.Telemetry.OTLPInsecure, "LOQA_TELEMETRY_OTLP_INSECURE")
	overrideString(&cfg.Telemetry.PrometheusBind, "LOQA_TELEMETRY_PROMETHEUS_BIND")
	overrideBool(&cfg.Bus.Embedded, "LOQA_BUS_EMBEDDED")
	overrideInt(&cfg.Bus.Port, "LOQA_BUS_PORT")
	overrideString(&cfg.Bus.StoreDir, "LOQA_BUS_STORE_DIR")
	overrideStringSlice(&cfg.Bus.Servers, "LOQA_BUS_SERVERS")
	overrideString(&cfg.Bus.Username, "LOQA_BUS_USERNAME")
	overrideString(&cfg.Bus.Password, "LOQA_BUS_PASSWORD")
	overrideString(&cfg.Bus.Token, "LOQA_BUS_TOKEN")
	overrideBool(&cfg.Bus.TLSInsecure, "LOQA_BUS_TLS_INSECURE")
	overrideInt(&cfg.Bus.ConnectTimeout, "LOQA_BUS_CONNECT_TIMEOUT_MS")
	overrideString(&cfg.EventStore.Path, "LOQA_EVENT_STORE_PATH")
	overrideString(&cfg.EventStore.RetentionMode, "LOQA_EVENT_STORE_RETENTION_MODE")
	overrideInt(&cfg.EventStore.RetentionDays, "LOQA_EVENT_STORE_RETENTION_DAYS")
	overrideInt(&cfg.EventStore.MaxSessions, "LOQA_EVENT_STORE_MAX_SESSIONS")
	overrideBool(&cfg.EventStore.VacuumOnStart, "LOQA_EVENT_STORE_VACUUM_ON_START")
	overrideString(&cfg.Live.Mode, "LOQA_LIVE_MODE")
	overrideString(&cfg.Live.Endpoint, "LOQA_LIVE_ENDPOINT")
	overrideString(&cfg.Live.APIKey, "LOQA_LIVE_API_KEY")
	overrideString(&cfg.Live.Model, "LOQA_LIVE_MODEL")
	overrideInt(&cfg.Live.InputSampleRate, "LOQA_LIVE_INPUT_SAMPLE_RATE")
	overrideInt(&cfg.Live.OutputSampleRate, "LOQA_LIVE_OUTPUT_SAMPLE_RATE")
	overrideInt(&cfg.Live.DialTimeoutMS, "LOQA_LIVE_DIAL_TIMEOUT_MS")
	overrideInt(&cfg.Live.SetupTimeoutMS, "LOQA_LIVE_SETUP_TIMEOUT_MS")
	overrideInt(&cfg.Live.MaxRetries, "LOQA_LIVE_MAX_RETRIES")
	overrideStringSlice(&cfg.Live.MockTranscript, "LOQA_LIVE_MOCK_TRANSCRIPT")
	overrideString(&cfg.Capture.Device, "LOQA_CAPTURE_DEVICE")
	overrideString(&cfg.Capture.Path, "LOQA_CAPTURE_PATH")
	overrideInt(&cfg.Capture.SampleRate, "LOQA_CAPTURE_SAMPLE_RATE")
	overrideInt(&cfg.Capture.Channels, "LOQA_CAPTURE_CHANNELS")
	overrideInt(&cfg.Capture.FrameSamples, "LOQA_CAPTURE_FRAME_SAMPLES")
	overrideInt(&cfg.Capture.QueueHighWater, "LOQA_CAPTURE_QUEUE_HIGH_WATER")
	overrideString(&cfg.Playback.Device, "LOQA_PLAYBACK_DEVICE")
	overrideString(&cfg.Playback.Path, "LOQA_PLAYBACK_PATH")
	overrideInt(&cfg.Playback.SampleRate, "LOQA_PLAYBACK_SAMPLE_RATE")
	overrideInt(&cfg.Playback.Channels, "LOQA_PLAYBACK_CHANNELS")
	overrideString(&cfg.Parser.Mode, "LOQA_PARSER_MODE")
	overrideString(&cfg.Parser.Endpoint, "LOQA_PARSER_ENDPOINT")
	overrideString(&cfg.Parser.Command, "LOQA_PARSER_COMMAND")
	overrideString(&cfg.Parser.Model, "LOQA_PARSER_MODEL")
	overrideString(&cfg.Parser.APIKey, "LOQA_PARSER_API_KEY")
	overrideString(&cfg.Parser.Project, "LOQA_PARSER_PROJECT")
	overrideString(&cfg.Parser.Location, "LOQA_PARSER_LOCATION")
	overrideInt(&cfg.Parser.TimeoutMS, "LOQA_PARSER_TIMEOUT_MS")
	overrideString(&cfg.Parser.MockResponse, "LOQA_PARSER_MOCK_RESPONSE")
	overrideString(&cfg.Catalog.Source, "LOQA_CATALOG_SOURCE")
	overrideString(&cfg.Catalog.Path, "LOQA_CATALOG_PATH")
	overrideString(&cfg.Catalog.URL, "LOQA_CATALOG_URL")
	overrideString(&cfg.Catalog.RedisAddr, "LOQA_CATALOG_REDIS_ADDR")
	overrideInt(&cfg.Catalog.CacheTTLMS, "LOQA_CATALOG_CACHE_TTL_MS")
	overrideInt(&cfg.Order.PulseWindowMS, "LOQA_ORDER_PULSE_WINDOW_MS")
	overrideInt(&cfg.Order.PulseTickMS, "LOQA_ORDER_PULSE_TICK_MS")
	overrideString(&cfg.Order.FallbackQuantity, "LOQA_ORDER_FALLBACK_QUANTITY")
	overrideStringSlice(&cfg.Order.Languages, "LOQA_ORDER_LANGUAGES")
	overrideString(&cfg.Order.DefaultUserID, "LOQA_ORDER_DEFAULT_USER_ID")
}

func overrideString(target *string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok && strings.TrimSpace(value) != "" {
		*target = value
	}
}

func overrideInt(target *int, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.Atoi(value); err == nil {
			*target = parsed
		}
	}
}

func overrideBool(target *bool, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		if parsed, err := strconv.ParseBool(value); err == nil {
			*target = parsed
		}
	}
}

func overrideStringSlice(target *[]string, envKey string) {
	if value, ok := os.LookupEnv(envKey); ok {
		parts := strings.Split(value, ",")
		var trimmed []string
		for _, p := range parts {
			if s := strings.TrimSpace(p); s != "" {
				trimmed = append(trimmed, s)
			}
		}
		if len(trimmed) > 0 {
			*target = trimmed
		}
	}
}

func validate(cfg Config) error {
	if cfg.RuntimeName == "" {
		return errors.New("runtime_name must not be empty")
	}
	if cfg.HTTP.Port <= 0 || cfg.HTTP.Port > 65535 {
		return errors.New("http.port must be between 1 and 65535")
	}
	if cfg.Bus.Embedded {
		if cfg.Bus.Port <= 0 || cfg.Bus.Port > 65535 {
			return errors.New("bus.port must be between 1 and 65535 when embedded mode is enabled")
		}
	} else {
		if len(cfg.Bus.Servers) == 0 {
			return errors.New("bus.servers must not be empty when embedded mode is disabled")
		}
	}
	if cfg.EventStore.Path == "" {
		return errors.New("event_store.path must not be empty")
	}
	switch cfg.EventStore.RetentionMode {
	case "ephemeral", "session", "persistent":
		// ok
	default:
		return errors.New("event_store.retention_mode must be one of ephemeral|session|persistent")
	}
	if cfg.EventStore.RetentionDays < 0 {
		return errors.New("event_store.retention_days must be >= 0")
	}
	if cfg.Telemetry.PrometheusBind == "" {
		return errors.New("telemetry.prometheus_bind must not be empty")
	}

	switch cfg.Live.Mode {
	case "mock":
	case "gemini":
		if cfg.Live.Endpoint == "" {
			return errors.New("live.endpoint must be set when mode=gemini")
		}
		if cfg.Live.APIKey == "" {
			return errors.New("live.api_key must be set when mode=gemini")
		}
	default:
		return errors.New("live.mode must be one of mock|gemini")
	}
	if cfg.Live.InputSampleRate <= 0 || cfg.Live.OutputSampleRate <= 0 {
		return errors.New("live sample rates must be positive")
	}
	if cfg.Live.MaxRetries < 0 {
		return errors.New("live.max_retries must be >= 0")
	}

	switch cfg.Capture.Device {
	case "wav", "malgo":
	default:
		return errors.New("capture.device must be one of wav|malgo")
	}
	if cfg.Capture.Device == "wav" && cfg.Capture.Path == "" {
		return errors.New("capture.path must be set when device=wav")
	}
	if cfg.Capture.SampleRate <= 0 || cfg.Capture.Channels <= 0 {
		return errors.New("capture sample_rate and channels must be positive")
	}
	if cfg.Capture.FrameSamples <= 0 {
		return errors.New("capture.frame_samples must be positive")
	}
	if cfg.Capture.QueueHighWater <= 0 {
		return errors.New("capture.queue_high_water must be positive")
	}

	switch cfg.Playback.Device {
	case "wav", "malgo", "discard":
	default:
		return errors.New("playback.device must be one of wav|malgo|discard")
	}
	if cfg.Playback.Device == "wav" && cfg.Playback.Path == "" {
		return errors.New("playback.path must be set when device=wav")
	}
	if cfg.Playback.SampleRate <= 0 || cfg.Playback.Channels <= 0 {
		return errors.New("playback sample_rate and channels must be positive")
	}

	switch cfg.Parser.Mode {
	case "mock", "ollama":
	case "exec":
		if cfg.Parser.Command == "" {
			return errors.New("parser.command must be set when mode=exec")
		}
	case "openai", "anthropic":
		if cfg.Parser.APIKey == "" {
			return fmt.Errorf("parser.api_key must be set when mode=%s", cfg.Parser.Mode)
		}
	case "gemini":
		if cfg.Parser.Project == "" {
			return errors.New("parser.project must be set when mode=gemini")
		}
	default:
		return errors.New("parser.mode must be one of mock|ollama|exec|openai|anthropic|gemini")
	}
	if cfg.Parser.TimeoutMS <= 0 {
		return errors.New("parser.timeout_ms must be positive")
	}

	switch cfg.Catalog.Source {
	case "file":
		if cfg.Catalog.Path == "" {
			return errors.New("catalog.path must be set when source=file")
		}
	case "http":
		if cfg.Catalog.URL == "" {
			return errors.New("catalog.url must be set when source=http")
		}
	default:
		return errors.New("catalog.source must be one of file|http")
	}

	if cfg.Order.PulseWindowMS <= 0 {
		return errors.New("order.pulse_window_ms must be positive")
	}
	if cfg.Order.PulseTickMS < 0 {
		return errors.New("order.pulse_tick_ms must be >= 0")
	}
	switch cfg.Order.FallbackQuantity {
	case "100g", "250g", "500g", "1kg":
	default:
		return errors.New("order.fallback_quantity must be one of 100g|250g|500g|1kg")
	}
	if len(cfg.Order.Languages) == 0 {
		return errors.New("order.languages must not be empty")
	}
	return nil
}
