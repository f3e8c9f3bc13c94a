package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/loqalabs/loqa-voiceorder/internal/catalog"
	"github.com/loqalabs/loqa-voiceorder/internal/order"
	"github.com/loqalabs/loqa-voiceorder/internal/session"
	"github.com/loqalabs/loqa-voiceorder/internal/voiceorder"
)

func (r *Runtime) routes(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metrics != nil {
		mux.Handle("/metrics", metrics)
	}
	mux.HandleFunc("POST /v1/voice/session", r.handleStartSession)
	mux.HandleFunc("DELETE /v1/voice/session", r.handleStopSession)
	mux.HandleFunc("GET /v1/voice/session", r.handleSessionState)
	mux.HandleFunc("GET /v1/voice/transcripts", r.handleTranscripts)
	mux.HandleFunc("GET /v1/catalog", r.handleCatalog)
	mux.HandleFunc("GET /v1/order", r.handleOrder)
	mux.HandleFunc("PUT /v1/order/items/{id}", r.handleSelect)
	mux.HandleFunc("POST /v1/order/submit", r.handleSubmit)
	return mux
}

type sessionView struct {
	SessionID  string     `json:"session_id,omitempty"`
	State      string     `json:"state"`
	Transcript string     `json:"transcript,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
}

func outcomeView(o session.Outcome) sessionView {
	v := sessionView{
		SessionID:  o.SessionID,
		State:      o.State.String(),
		Transcript: o.Transcript,
		StartedAt:  &o.StartedAt,
		EndedAt:    &o.EndedAt,
	}
	if o.Err != nil {
		v.Error = o.Err.Error()
	}
	return v
}

func (r *Runtime) handleStartSession(w http.ResponseWriter, req *http.Request) {
	if r.controller.Current() != nil {
		writeError(w, http.StatusConflict, session.ErrSessionActive)
		return
	}
	if err := r.service.PrepareSession(req.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	s, err := r.controller.Start(req.Context())
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, session.ErrSessionActive) {
			status = http.StatusConflict
		}
		writeError(w, status, err)
		return
	}
	r.track(s)
	started := s.StartedAt()
	writeJSON(w, http.StatusAccepted, sessionView{SessionID: s.ID(), State: s.State().String(), StartedAt: &started})
}

func (r *Runtime) handleStopSession(w http.ResponseWriter, req *http.Request) {
	out, err := r.controller.Stop(req.Context())
	if err != nil {
		if errors.Is(err, session.ErrNoSession) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusGatewayTimeout, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomeView(out))
}

func (r *Runtime) handleSessionState(w http.ResponseWriter, _ *http.Request) {
	resp := struct {
		Current *sessionView        `json:"current,omitempty"`
		Last    *sessionView        `json:"last,omitempty"`
		Result  *voiceorder.Outcome `json:"result,omitempty"`
		State   string              `json:"state"`
	}{State: session.StateIdle.String()}

	if s := r.controller.Current(); s != nil {
		started := s.StartedAt()
		resp.State = s.State().String()
		resp.Current = &sessionView{SessionID: s.ID(), State: resp.State, Transcript: s.Transcript(), StartedAt: &started}
	}
	if s := r.controller.Last(); s != nil {
		select {
		case <-s.Done():
			out, _ := s.Wait(context.Background())
			v := outcomeView(out)
			resp.Last = &v
		default:
		}
	}
	if out, ok := r.service.LastOutcome(); ok {
		resp.Result = &out
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Runtime) handleTranscripts(w http.ResponseWriter, req *http.Request) {
	if r.store == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	limit, _ := strconv.Atoi(req.URL.Query().Get("limit"))
	recs, err := r.store.ListTranscripts(req.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type catalogEntry struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	PriceLabel string `json:"price_label"`
}

func (r *Runtime) handleCatalog(w http.ResponseWriter, req *http.Request) {
	items, err := r.service.Catalog(req.Context())
	if err != nil {
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	lang := language(req)
	out := make([]catalogEntry, 0, len(items))
	for _, it := range items {
		out = append(out, catalogEntry{ID: it.ID, Name: it.Name(lang), PriceLabel: it.PriceLabel(lang)})
	}
	writeJSON(w, http.StatusOK, out)
}

type orderLine struct {
	CatalogID string         `json:"catalog_id"`
	Name      string         `json:"name,omitempty"`
	Quantity  order.Quantity `json:"quantity"`
	Pulsing   bool           `json:"pulsing"`
}

func (r *Runtime) handleOrder(w http.ResponseWriter, req *http.Request) {
	names := map[string]string{}
	if items, err := r.service.Catalog(req.Context()); err == nil {
		lang := language(req)
		for _, it := range items {
			names[it.ID] = it.Name(lang)
		}
	}
	active := map[string]bool{}
	pulses := r.service.ActivePulses()
	for _, id := range pulses {
		active[id] = true
	}
	lines := make([]orderLine, 0)
	for _, it := range r.service.Items() {
		lines = append(lines, orderLine{CatalogID: it.CatalogID, Name: names[it.CatalogID], Quantity: it.Quantity, Pulsing: active[it.CatalogID]})
	}
	writeJSON(w, http.StatusOK, struct {
		Items  []orderLine `json:"items"`
		Pulses []string    `json:"pulses"`
	}{lines, pulses})
}

func (r *Runtime) handleSelect(w http.ResponseWriter, req *http.Request) {
	var body struct {
		Quantity string `json:"quantity"`
	}
	if err := decodeBody(req, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	change, err := r.service.Select(req.Context(), req.PathValue("id"), body.Quantity)
	switch {
	case errors.Is(err, order.ErrInvalidQuantity):
		writeError(w, http.StatusBadRequest, err)
		return
	case errors.Is(err, order.ErrUnknownItem):
		writeError(w, http.StatusNotFound, err)
		return
	case err != nil:
		writeError(w, http.StatusServiceUnavailable, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"change": change.String()})
}

func (r *Runtime) handleSubmit(w http.ResponseWriter, req *http.Request) {
	var body struct {
		UserID string `json:"user_id"`
	}
	if err := decodeBody(req, &body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	items, err := r.service.Submit(req.Context(), body.UserID)
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, voiceorder.ErrEmptyOrder) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"items": items})
}

func language(req *http.Request) string {
	if lang := req.URL.Query().Get("lang"); lang != "" {
		return lang
	}
	return catalog.LangEN
}

// decodeBody accepts an empty body as the zero value.
func decodeBody(req *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(req.Body, 1<<16)).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
