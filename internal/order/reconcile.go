package order

import (
	"log/slog"
	"strings"

	"github.com/loqalabs/loqa-voiceorder/internal/catalog"
)

// ParsedItem is one entry of the parsing collaborator's structured output.
type ParsedItem struct {
	Vegetable string   `json:"vegetable"`
	Quantity  Quantity `json:"quantity"`
}

// Resolver maps free-text names onto catalog entries.
type Resolver struct {
	items []catalog.Item
	langs []string
}

func NewResolver(items []catalog.Item, langs []string) *Resolver {
	if len(langs) == 0 {
		langs = []string{catalog.LangEN, catalog.LangHI}
	}
	return &Resolver{items: items, langs: langs}
}

// Resolve tries a case-insensitive exact match on every configured language
// first, then containment in either direction. The first catalog entry that
// matches wins, so ambiguous short names resolve by catalog order.
func (r *Resolver) Resolve(raw string) (catalog.Item, bool) {
	name := strings.TrimSpace(raw)
	if name == "" {
		return catalog.Item{}, false
	}
	for _, it := range r.items {
		for _, lang := range r.langs {
			if cn := it.Names[lang]; cn != "" && strings.EqualFold(cn, name) {
				return it, true
			}
		}
	}
	lower := strings.ToLower(name)
	for _, it := range r.items {
		for _, lang := range r.langs {
			cn := strings.ToLower(it.Names[lang])
			if cn == "" {
				continue
			}
			if strings.Contains(cn, lower) || strings.Contains(lower, cn) {
				return it, true
			}
		}
	}
	return catalog.Item{}, false
}

// Applied records the outcome of one merge.
type Applied struct {
	CatalogID string   `json:"catalog_id"`
	Quantity  Quantity `json:"quantity"`
	Change    string   `json:"change"`
}

// Report summarises a reconciliation pass.
type Report struct {
	Applied    []Applied `json:"applied"`
	Unresolved []string  `json:"unresolved,omitempty"`
	Fallback   bool      `json:"fallback"`
}

// Changed returns the ids that were added, updated or removed.
func (r Report) Changed() []string {
	var ids []string
	for _, a := range r.Applied {
		if a.Change != ChangeNone.String() {
			ids = append(ids, a.CatalogID)
		}
	}
	return ids
}

// Reconciler merges parsed voice results into the shared Book.
type Reconciler struct {
	book     *Book
	langs    []string
	fallback Quantity
	logger   *slog.Logger
}

func NewReconciler(book *Book, langs []string, fallback Quantity, logger *slog.Logger) *Reconciler {
	if !fallback.Valid() {
		fallback = Q1kg
	}
	return &Reconciler{
		book:     book,
		langs:    langs,
		fallback: fallback,
		logger:   logger.With(slog.String("component", "order-reconciler")),
	}
}

// Reconcile resolves each parsed item and applies it through the merge rule.
// Unresolvable names are skipped and reported, never returned as errors.
func (r *Reconciler) Reconcile(items []catalog.Item, parsed []ParsedItem) Report {
	resolver := NewResolver(items, r.langs)
	var report Report
	for _, p := range parsed {
		it, ok := resolver.Resolve(p.Vegetable)
		if !ok {
			report.Unresolved = append(report.Unresolved, p.Vegetable)
			r.logger.Debug("unresolved vegetable", slog.String("name", p.Vegetable))
			continue
		}
		r.apply(&report, it.ID, p.Quantity)
	}
	return report
}

// Fallback scans the raw transcript for catalog names as plain substrings
// and applies the default quantity to each match.
func (r *Reconciler) Fallback(items []catalog.Item, text string) Report {
	report := Report{Fallback: true}
	lower := strings.ToLower(text)
	if strings.TrimSpace(lower) == "" {
		return report
	}
	for _, it := range items {
		for _, lang := range r.langs {
			cn := strings.ToLower(it.Names[lang])
			if cn != "" && strings.Contains(lower, cn) {
				r.apply(&report, it.ID, r.fallback)
				break
			}
		}
	}
	return report
}

func (r *Reconciler) apply(report *Report, id string, q Quantity) {
	change, err := r.book.Select(id, q)
	if err != nil {
		r.logger.Debug("skipping parsed item", slog.String("catalog_id", id), slog.String("error", err.Error()))
		return
	}
	report.Applied = append(report.Applied, Applied{CatalogID: id, Quantity: q, Change: change.String()})
}
