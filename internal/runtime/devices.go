package runtime

import (
	"context"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/loqalabs/loqa-voiceorder/internal/audio"
	"github.com/loqalabs/loqa-voiceorder/internal/audio/malgodev"
	"github.com/loqalabs/loqa-voiceorder/internal/audio/wavdev"
	"github.com/loqalabs/loqa-voiceorder/internal/catalog"
	"github.com/loqalabs/loqa-voiceorder/internal/config"
	"github.com/loqalabs/loqa-voiceorder/internal/live"
)

// defaultMockTranscript is replayed by the mock live session when none is configured.
var defaultMockTranscript = []string{"do kilo tamatar", " aur ek kilo pyaz"}

func newMicrophone(cfg config.CaptureConfig, logger *slog.Logger) audio.Microphone {
	if cfg.Device == "malgo" {
		return malgodev.Microphone{SampleRate: cfg.SampleRate, Channels: cfg.Channels, Logger: logger}
	}
	return wavdev.Microphone{Path: cfg.Path}
}

func newSpeaker(cfg config.PlaybackConfig, logger *slog.Logger) audio.Speaker {
	switch cfg.Device {
	case "malgo":
		return malgodev.Speaker{Logger: logger}
	case "wav":
		return wavdev.Speaker{Path: cfg.Path}
	default:
		return wavdev.Speaker{}
	}
}

func newDialer(cfg config.LiveConfig, logger *slog.Logger) live.Dialer {
	if cfg.Mode == "gemini" {
		return live.NewGeminiDialer(live.GeminiConfig{
			Endpoint:         cfg.Endpoint,
			APIKey:           cfg.APIKey,
			Model:            cfg.Model,
			OutputSampleRate: cfg.OutputSampleRate,
			DialTimeout:      time.Duration(cfg.DialTimeoutMS) * time.Millisecond,
			SetupTimeout:     time.Duration(cfg.SetupTimeoutMS) * time.Millisecond,
			MaxRetries:       cfg.MaxRetries,
		}, logger)
	}
	script := cfg.MockTranscript
	if len(script) == 0 {
		script = defaultMockTranscript
	}
	logger.Info("using mock live session", slog.Int("fragments", len(script)))
	return &live.MockDialer{Transcript: script}
}

// newCatalogSource returns the configured source, fronted by Redis when an
// address is set. The returned closer may be nil.
func newCatalogSource(ctx context.Context, cfg config.CatalogConfig, logger *slog.Logger) (catalog.Source, func() error, error) {
	var source catalog.Source
	switch cfg.Source {
	case "http":
		source = catalog.NewHTTPSource(cfg.URL, 10*time.Second)
	default:
		source = catalog.FileSource{Path: cfg.Path}
	}
	if cfg.RedisAddr == "" {
		return source, nil, nil
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("catalog cache unreachable; reads will fall through", slog.String("addr", cfg.RedisAddr), slog.String("error", err.Error()))
	}
	ttl := time.Duration(cfg.CacheTTLMS) * time.Millisecond
	return catalog.NewCachedSource(source, client, ttl, logger), client.Close, nil
}
