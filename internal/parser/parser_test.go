package parser

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/loqalabs/loqa-voiceorder/internal/order"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDecodeAcceptsStrictShapes(t *testing.T) {
	inputs := []string{
		`[{"vegetable":"tamatar","quantity":"1kg"},{"vegetable":"aloo","quantity":""}]`,
		"```json\n[{\"vegetable\":\"tamatar\",\"quantity\":\"1kg\"},{\"vegetable\":\"aloo\",\"quantity\":\"\"}]\n```",
		`{"items":[{"vegetable":"tamatar","quantity":"1kg"},{"vegetable":"aloo","quantity":""}]}`,
	}
	for _, in := range inputs {
		items, err := Decode(in)
		if err != nil {
			t.Fatalf("decode %q: %v", in, err)
		}
		if len(items) != 2 || items[0].Quantity != order.Q1kg || items[1].Quantity != order.Remove {
			t.Fatalf("unexpected items %+v", items)
		}
	}
}

func TestDecodeRejectsInvalidPayloads(t *testing.T) {
	inputs := []string{
		"",
		"sure, here you go",
		`[{"vegetable":"tamatar","quantity":"2kg"}]`,
		`[{"vegetable":"tamatar"}]`,
		`[{"vegetable":"","quantity":"1kg"}]`,
		`[{"vegetable":"tamatar","quantity":"1kg","price":40}]`,
		`{"vegetable":"tamatar","quantity":"1kg"}`,
	}
	for _, in := range inputs {
		if _, err := Decode(in); !errors.Is(err, ErrUnavailable) {
			t.Fatalf("expected %q to be rejected, got %v", in, err)
		}
	}
}

func TestPromptCarriesNormalizationRules(t *testing.T) {
	p := Prompt("  aadha kilo pyaz  ")
	for _, want := range []string{`"500g"`, "pao", `"1kg"`, "Request: aadha kilo pyaz"} {
		if !strings.Contains(p, want) {
			t.Fatalf("prompt missing %q:\n%s", want, p)
		}
	}
}

func TestClientWrapsBackendFailures(t *testing.T) {
	client := NewClient(Mock{}, time.Second, newLogger())
	if _, err := client.Parse(context.Background(), "ek kilo aloo"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable from unscripted mock, got %v", err)
	}

	slow := NewClient(Mock{Response: `[]`, Delay: time.Second}, 20*time.Millisecond, newLogger())
	_, err := slow.Parse(context.Background(), "ek kilo aloo")
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected timeout to surface as unavailable, got %v", err)
	}

	items, err := NewClient(Mock{Response: `[]`}, time.Second, newLogger()).Parse(context.Background(), "   ")
	if err != nil || items != nil {
		t.Fatalf("blank transcript should parse to nothing, got %v %v", items, err)
	}
}

func TestOllamaBackend(t *testing.T) {
	var got ollamaRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/generate" {
			http.NotFound(w, r)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/x-ndjson")
		io.WriteString(w, `{"response":"[{\"vegetable\":\"Tomato\",","done":false}`+"\n")
		io.WriteString(w, `{"response":"\"quantity\":\"500g\"}]","done":true}`+"\n")
	}))
	defer srv.Close()

	client := NewClient(&Ollama{Endpoint: srv.URL, Model: "test-model"}, time.Second, newLogger())
	items, err := client.Parse(context.Background(), "half a kilo tomato")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(items) != 1 || items[0].Vegetable != "Tomato" || items[0].Quantity != order.Q500g {
		t.Fatalf("unexpected items %+v", items)
	}
	if got.Model != "test-model" || got.Format != "json" || !strings.Contains(got.Prompt, "half a kilo tomato") {
		t.Fatalf("unexpected request %+v", got)
	}
}

func TestOllamaBackendStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(&Ollama{Endpoint: srv.URL}, time.Second, newLogger())
	if _, err := client.Parse(context.Background(), "aloo"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected unavailable, got %v", err)
	}
}

func TestOpenAIBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var req map[string]any
		_ = json.NewDecoder(r.Body).Decode(&req)
		if format, _ := req["response_format"].(map[string]any); format["type"] != "json_object" {
			t.Errorf("expected json_object response format, got %v", req["response_format"])
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"m","choices":[{"index":0,"message":{"role":"assistant","content":"{\"items\":[{\"vegetable\":\"pyaz\",\"quantity\":\"250g\"}]}"},"finish_reason":"stop"}]}`)
	}))
	defer srv.Close()

	client := NewClient(NewOpenAI("test-key", srv.URL+"/v1", "gpt-test"), time.Second, newLogger())
	items, err := client.Parse(context.Background(), "ek pao pyaz")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(items) != 1 || items[0].Vegetable != "pyaz" || items[0].Quantity != order.Q250g {
		t.Fatalf("unexpected items %+v", items)
	}
}

func TestAnthropicBackend(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/messages" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test","content":[{"type":"text","text":"[{\"vegetable\":\"palak\",\"quantity\":\"100g\"}]"}],"stop_reason":"end_turn","usage":{"input_tokens":10,"output_tokens":10}}`)
	}))
	defer srv.Close()

	client := NewClient(NewAnthropic("test-key", srv.URL, "claude-test"), time.Second, newLogger())
	items, err := client.Parse(context.Background(), "sau gram palak")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(items) != 1 || items[0].Quantity != order.Q100g {
		t.Fatalf("unexpected items %+v", items)
	}
}

func TestExecBackend(t *testing.T) {
	dir := t.TempDir()
	script := filepath.Join(dir, "parse.sh")
	body := "#!/bin/sh\ncat > /dev/null\necho '[{\"vegetable\":\"gajar\",\"quantity\":\"1kg\"}]'\n"
	if err := os.WriteFile(script, []byte(body), 0o755); err != nil {
		t.Fatalf("write script: %v", err)
	}
	exe, err := NewExec(script)
	if err != nil {
		t.Fatalf("new exec: %v", err)
	}
	items, err := NewClient(exe, time.Second, newLogger()).Parse(context.Background(), "ek kilo gajar")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(items) != 1 || items[0].Vegetable != "gajar" {
		t.Fatalf("unexpected items %+v", items)
	}

	if _, err := NewExec("   "); err == nil {
		t.Fatal("expected empty command to be rejected")
	}
}
