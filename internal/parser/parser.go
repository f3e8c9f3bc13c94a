// Package parser turns a finalized voice transcript into structured order
// items by asking a language model and validating its answer against a
// strict schema.
package parser

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/xeipuuv/gojsonschema"

	"github.com/loqalabs/loqa-voiceorder/internal/order"
)

// ErrUnavailable covers every way the parsing collaborator can fail: it was
// unreachable, timed out, or answered with something outside the schema.
var ErrUnavailable = errors.New("parsing unavailable")

// Parser extracts order items from raw transcript text.
type Parser interface {
	Parse(ctx context.Context, transcript string) ([]order.ParsedItem, error)
}

// Completer is a single-shot language model call returning raw text.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, error)
}

const systemPrompt = `You convert spoken grocery orders into JSON. Reply with JSON only.`

// ItemsSchema is the strict shape every backend answer must satisfy.
const ItemsSchema = `{
  "type": "array",
  "items": {
    "type": "object",
    "properties": {
      "vegetable": {"type": "string", "minLength": 1},
      "quantity": {"type": "string", "enum": ["100g", "250g", "500g", "1kg", ""]}
    },
    "required": ["vegetable", "quantity"],
    "additionalProperties": false
  }
}`

var itemsSchema = gojsonschema.NewStringLoader(ItemsSchema)

// Prompt builds the user prompt for a transcript.
func Prompt(transcript string) string {
	var b strings.Builder
	b.WriteString("Parse the following user request for vegetables and their quantities. ")
	b.WriteString("The request may be in English, Hindi, or a mix of both. ")
	b.WriteString(`Return a JSON array of objects with keys "vegetable" and "quantity". `)
	b.WriteString(`"quantity" must be exactly one of "100g", "250g", "500g", "1kg", or "" when the user asks to remove the vegetable. `)
	b.WriteString(`Normalize "half a kilo" to "500g", "a quarter kilo" or "pao" to "250g", and use "1kg" when no quantity is given. `)
	b.WriteString("Keep the vegetable name as spoken.\n\nRequest: ")
	b.WriteString(strings.TrimSpace(transcript))
	return b.String()
}

// Decode validates a raw model answer and converts it to parsed items. Code
// fences and an {"items": [...]} envelope are tolerated; anything else that
// does not match ItemsSchema is rejected.
func Decode(raw string) ([]order.ParsedItem, error) {
	data := []byte(stripFences(raw))
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty response", ErrUnavailable)
	}
	if data[0] == '{' {
		var envelope struct {
			Items json.RawMessage `json:"items"`
		}
		if err := json.Unmarshal(data, &envelope); err != nil || len(envelope.Items) == 0 {
			return nil, fmt.Errorf("%w: response is not an item list", ErrUnavailable)
		}
		data = envelope.Items
	}
	result, err := gojsonschema.Validate(itemsSchema, gojsonschema.NewBytesLoader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if !result.Valid() {
		msgs := make([]string, 0, len(result.Errors()))
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, fmt.Errorf("%w: schema violation: %s", ErrUnavailable, strings.Join(msgs, "; "))
	}
	var items []order.ParsedItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return items, nil
}

func stripFences(raw string) string {
	s := strings.TrimSpace(raw)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if nl := strings.IndexByte(s, '\n'); nl >= 0 {
		s = s[nl+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// Client applies the prompt, timeout and validation around a Completer.
type Client struct {
	completer Completer
	timeout   time.Duration
	logger    *slog.Logger
}

func NewClient(completer Completer, timeout time.Duration, logger *slog.Logger) *Client {
	return &Client{
		completer: completer,
		timeout:   timeout,
		logger:    logger.With(slog.String("component", "parser")),
	}
}

func (c *Client) Parse(ctx context.Context, transcript string) ([]order.ParsedItem, error) {
	if strings.TrimSpace(transcript) == "" {
		return nil, nil
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	start := time.Now()
	raw, err := c.completer.Complete(ctx, systemPrompt, Prompt(transcript))
	if err != nil {
		c.logger.Warn("parser call failed", slogError(err), slog.Duration("elapsed", time.Since(start)))
		if errors.Is(err, ErrUnavailable) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	items, err := Decode(raw)
	if err != nil {
		c.logger.Warn("parser returned invalid structure", slogError(err))
		return nil, err
	}
	c.logger.Debug("transcript parsed", slog.Int("items", len(items)), slog.Duration("elapsed", time.Since(start)))
	return items, nil
}

// Close releases the backend when it holds a long-lived client.
func (c *Client) Close() error {
	if closer, ok := c.completer.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func slogError(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String("error", err.Error())
}
