// Package voiceorder ties the order book, the parsing collaborator and the
// catalog together: it turns finished voice transcripts into order changes
// and exposes the manual selection and submission paths.
package voiceorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/loqalabs/loqa-voiceorder/internal/catalog"
	"github.com/loqalabs/loqa-voiceorder/internal/order"
	"github.com/loqalabs/loqa-voiceorder/internal/parser"
	"github.com/loqalabs/loqa-voiceorder/internal/protocol"
	"github.com/loqalabs/loqa-voiceorder/internal/pulse"
)

var ErrEmptyOrder = errors.New("order has no items")

// OrderSubmitter hands a finished order to the surrounding application.
type OrderSubmitter interface {
	SubmitOrder(ctx context.Context, userID string, items []order.Item) error
}

// TranscriptLogger records raw transcripts. Failures are never fatal.
type TranscriptLogger interface {
	LogVoiceTranscript(ctx context.Context, rec protocol.VoiceTranscript) error
}

type Options struct {
	Catalog          catalog.Source
	Parser           parser.Parser
	Submitter        OrderSubmitter
	Loggers          []TranscriptLogger
	Languages        []string
	FallbackQuantity order.Quantity
	PulseWindow      time.Duration
	DefaultUserID    string
	// OnChange observes every line the book added, updated or removed.
	OnChange func(protocol.ItemChanged)
}

// Outcome describes what a transcript did to the order.
type Outcome struct {
	SessionID  string       `json:"session_id"`
	Transcript string       `json:"transcript"`
	Report     order.Report `json:"report"`
	ParseError string       `json:"parse_error,omitempty"`
	At         time.Time    `json:"at"`
}

type Service struct {
	opts       Options
	logger     *slog.Logger
	pulses     *pulse.Scheduler
	book       *order.Book
	reconciler *order.Reconciler

	mu       sync.RWMutex
	items    []catalog.Item
	last     *Outcome
	handling sync.Mutex

	reconciled metric.Int64Counter
	fallbacks  metric.Int64Counter
	submitted  metric.Int64Counter
}

func NewService(opts Options, logger *slog.Logger) (*Service, error) {
	if opts.Catalog == nil {
		return nil, errors.New("catalog source required")
	}
	if opts.Parser == nil {
		return nil, errors.New("parser required")
	}
	if opts.DefaultUserID == "" {
		opts.DefaultUserID = "local-user"
	}
	s := &Service{
		opts:   opts,
		logger: logger.With(slog.String("component", "voice-order")),
		pulses: pulse.New(opts.PulseWindow),
	}
	s.book = order.NewBook(s.pulses)
	s.reconciler = order.NewReconciler(s.book, opts.Languages, opts.FallbackQuantity, logger)

	meter := otel.Meter("github.com/loqalabs/loqa-voiceorder/voiceorder")
	var err error
	if s.reconciled, err = meter.Int64Counter("voiceorder.order.reconciled_items", metric.WithDescription("Order lines changed by voice, by path")); err != nil {
		return nil, err
	}
	if s.fallbacks, err = meter.Int64Counter("voiceorder.order.fallbacks", metric.WithDescription("Transcripts reconciled by substring fallback")); err != nil {
		return nil, err
	}
	if s.submitted, err = meter.Int64Counter("voiceorder.order.submitted", metric.WithDescription("Order submissions, by result")); err != nil {
		return nil, err
	}
	return s, nil
}

// Pulses exposes the confirmation scheduler so the runtime can drive its ticker.
func (s *Service) Pulses() *pulse.Scheduler { return s.pulses }

// PrepareSession fetches the catalog once for the session about to start.
// If the source fails, the previous snapshot stays in use.
func (s *Service) PrepareSession(ctx context.Context) error {
	items, err := s.opts.Catalog.List(ctx)
	if err != nil {
		s.mu.RLock()
		have := len(s.items) > 0
		s.mu.RUnlock()
		if have {
			s.logger.Warn("catalog refresh failed; using previous snapshot", slogError(err))
			return nil
		}
		return fmt.Errorf("list catalog: %w", err)
	}
	s.mu.Lock()
	s.items = items
	s.mu.Unlock()
	s.logger.Debug("catalog snapshot refreshed", slog.Int("items", len(items)))
	return nil
}

// Catalog returns the current snapshot, fetching it if none exists yet.
func (s *Service) Catalog(ctx context.Context) ([]catalog.Item, error) {
	s.mu.RLock()
	items := s.items
	s.mu.RUnlock()
	if len(items) > 0 {
		return items, nil
	}
	if err := s.PrepareSession(ctx); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items, nil
}

// HandleTranscript is the session handoff: it parses the transcript, merges
// the result into the book and logs the raw transcript. Parsing failures fall
// back to a substring scan; nothing here returns an error to the session.
func (s *Service) HandleTranscript(ctx context.Context, sessionID, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	s.handling.Lock()
	defer s.handling.Unlock()

	logger := s.logger.With(slog.String("session_id", sessionID))
	items, err := s.Catalog(ctx)
	if err != nil {
		logger.Error("no catalog available; transcript dropped", slogError(err))
		return
	}

	out := Outcome{SessionID: sessionID, Transcript: text, At: time.Now().UTC()}
	parsed, err := s.opts.Parser.Parse(ctx, text)
	source := "voice"
	if err != nil {
		out.ParseError = err.Error()
		logger.Warn("parser unavailable; using substring fallback", slogError(err))
		out.Report = s.reconciler.Fallback(items, text)
		source = "fallback"
		s.fallbacks.Add(ctx, 1)
	} else {
		out.Report = s.reconciler.Reconcile(items, parsed)
	}

	changed := len(out.Report.Changed())
	s.reconciled.Add(ctx, int64(changed), metric.WithAttributes(attribute.String("path", source)))
	s.notify(out.Report.Applied, source)
	logger.Info("transcript reconciled",
		slog.String("path", source),
		slog.Int("changed", changed),
		slog.Int("unresolved", len(out.Report.Unresolved)))

	s.mu.Lock()
	s.last = &out
	s.mu.Unlock()

	rec := protocol.VoiceTranscript{
		SessionID:  sessionID,
		Transcript: text,
		Items:      loggedItems(parsed, out.Report, items),
		Timestamp:  out.At,
	}
	for _, l := range s.opts.Loggers {
		if err := l.LogVoiceTranscript(ctx, rec); err != nil {
			logger.Warn("transcript log failed", slogError(err))
		}
	}
}

// Select is the manual tap-to-select path. It goes through the same merge
// rule as voice reconciliation.
func (s *Service) Select(ctx context.Context, catalogID, quantity string) (order.Change, error) {
	q, err := order.ParseQuantity(quantity)
	if err != nil {
		return order.ChangeNone, err
	}
	items, err := s.Catalog(ctx)
	if err != nil {
		return order.ChangeNone, err
	}
	known := false
	for _, it := range items {
		if it.ID == catalogID {
			known = true
			break
		}
	}
	if !known {
		return order.ChangeNone, fmt.Errorf("%w: %q", order.ErrUnknownItem, catalogID)
	}
	change, err := s.book.Select(catalogID, q)
	if err != nil {
		return order.ChangeNone, err
	}
	s.notify([]order.Applied{{CatalogID: catalogID, Quantity: q, Change: change.String()}}, "manual")
	return change, nil
}

// Items returns the current order lines.
func (s *Service) Items() []order.Item { return s.book.Items() }

// ActivePulses returns the ids whose confirmation is still showing.
func (s *Service) ActivePulses() []string { return s.pulses.ActiveIDs() }

// LastOutcome returns the most recent transcript result, if any.
func (s *Service) LastOutcome() (Outcome, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.last == nil {
		return Outcome{}, false
	}
	return *s.last, true
}

// Submit hands the current order to the submitter once. The book is left
// untouched so the user can resubmit after a failure.
func (s *Service) Submit(ctx context.Context, userID string) ([]order.Item, error) {
	if userID == "" {
		userID = s.opts.DefaultUserID
	}
	items := s.book.Items()
	if len(items) == 0 {
		return nil, ErrEmptyOrder
	}
	if s.opts.Submitter == nil {
		return nil, errors.New("order submission not configured")
	}
	if err := s.opts.Submitter.SubmitOrder(ctx, userID, items); err != nil {
		s.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "error")))
		return nil, fmt.Errorf("submit order: %w", err)
	}
	s.submitted.Add(ctx, 1, metric.WithAttributes(attribute.String("result", "ok")))
	s.logger.Info("order submitted", slog.String("user_id", userID), slog.Int("items", len(items)))
	return items, nil
}

func (s *Service) notify(applied []order.Applied, source string) {
	if s.opts.OnChange == nil {
		return
	}
	now := time.Now().UTC()
	for _, a := range applied {
		if a.Change == order.ChangeNone.String() {
			continue
		}
		s.opts.OnChange(protocol.ItemChanged{
			CatalogID: a.CatalogID,
			Quantity:  string(a.Quantity),
			Change:    a.Change,
			Source:    source,
			Timestamp: now,
		})
	}
}

// loggedItems prefers what the parser said; after a fallback it reports the
// matched catalog names instead.
func loggedItems(parsed []order.ParsedItem, report order.Report, items []catalog.Item) []protocol.ParsedLine {
	var out []protocol.ParsedLine
	if !report.Fallback {
		for _, p := range parsed {
			out = append(out, protocol.ParsedLine{Vegetable: p.Vegetable, Quantity: string(p.Quantity)})
		}
		return out
	}
	names := make(map[string]string, len(items))
	for _, it := range items {
		names[it.ID] = it.Name(catalog.LangEN)
	}
	for _, a := range report.Applied {
		out = append(out, protocol.ParsedLine{Vegetable: names[a.CatalogID], Quantity: string(a.Quantity)})
	}
	return out
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
