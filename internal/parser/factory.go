package parser

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/loqalabs/loqa-voiceorder/internal/config"
)

// New builds the configured backend wrapped in a validating Client.
func New(ctx context.Context, cfg config.ParserConfig, logger *slog.Logger) (*Client, error) {
	timeout := time.Duration(cfg.TimeoutMS) * time.Millisecond
	var completer Completer
	switch cfg.Mode {
	case "", "mock":
		completer = Mock{Response: cfg.MockResponse}
	case "ollama":
		completer = &Ollama{Endpoint: cfg.Endpoint, Model: cfg.Model, Client: &http.Client{Timeout: timeout}}
	case "exec":
		exe, err := NewExec(cfg.Command)
		if err != nil {
			return nil, err
		}
		completer = exe
	case "openai":
		completer = NewOpenAI(cfg.APIKey, cfg.Endpoint, cfg.Model)
	case "anthropic":
		completer = NewAnthropic(cfg.APIKey, cfg.Endpoint, cfg.Model)
	case "gemini":
		g, err := NewGemini(ctx, cfg.Project, cfg.Location, cfg.Model)
		if err != nil {
			return nil, err
		}
		completer = g
	default:
		return nil, fmt.Errorf("unsupported parser mode %q", cfg.Mode)
	}
	logger.Info("parser backend selected", slog.String("mode", cfg.Mode))
	return NewClient(completer, timeout, logger), nil
}
