// Package catalog provides read-only access to the list of orderable items.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	LangEN = "EN"
	LangHI = "HI"
	// LangHILatn holds romanized Hindi names such as "tamatar".
	LangHILatn = "HI-Latn"
)

var ErrEmptyCatalog = errors.New("catalog is empty")

// Item is one orderable vegetable with per-language names and units.
type Item struct {
	ID    string            `json:"id" yaml:"id"`
	Names map[string]string `json:"name" yaml:"name"`
	Price float64           `json:"price" yaml:"price"`
	Units map[string]string `json:"unit" yaml:"unit"`
}

// Name returns the item's name in lang, falling back to English.
func (i Item) Name(lang string) string {
	if n, ok := i.Names[lang]; ok && n != "" {
		return n
	}
	return i.Names[LangEN]
}

// PriceLabel renders the price for display, e.g. "₹40/kg".
func (i Item) PriceLabel(lang string) string {
	unit := i.Units[lang]
	if unit == "" {
		unit = i.Units[LangEN]
	}
	price := strconv.FormatFloat(i.Price, 'f', -1, 64)
	if unit == "" {
		return "₹" + price
	}
	return "₹" + price + "/" + unit
}

// Source lists the current catalog.
type Source interface {
	List(ctx context.Context) ([]Item, error)
}

// Static serves a fixed list.
type Static []Item

func (s Static) List(context.Context) ([]Item, error) {
	out := make([]Item, len(s))
	copy(out, s)
	return out, nil
}

type fileDocument struct {
	Items []Item `yaml:"items"`
}

// FileSource reads a YAML document of the form `items: [...]`.
type FileSource struct {
	Path string
}

func (f FileSource) List(ctx context.Context) ([]Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(f.Path)
	if err != nil {
		return nil, fmt.Errorf("read catalog file: %w", err)
	}
	var doc fileDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse catalog file: %w", err)
	}
	if len(doc.Items) == 0 {
		return nil, ErrEmptyCatalog
	}
	return doc.Items, nil
}

// HTTPSource fetches a JSON array of items from the surrounding application.
type HTTPSource struct {
	URL    string
	Client *http.Client
}

func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	return &HTTPSource{URL: url, Client: &http.Client{Timeout: timeout}}
}

func (h *HTTPSource) List(ctx context.Context) ([]Item, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.URL, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	client := h.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("catalog returned status %s", resp.Status)
	}
	var items []Item
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	if len(items) == 0 {
		return nil, ErrEmptyCatalog
	}
	return items, nil
}
