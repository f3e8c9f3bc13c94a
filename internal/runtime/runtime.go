package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loqalabs/loqa-voiceorder/internal/audio"
	"github.com/loqalabs/loqa-voiceorder/internal/bus"
	"github.com/loqalabs/loqa-voiceorder/internal/config"
	"github.com/loqalabs/loqa-voiceorder/internal/eventstore"
	"github.com/loqalabs/loqa-voiceorder/internal/natsserver"
	"github.com/loqalabs/loqa-voiceorder/internal/order"
	"github.com/loqalabs/loqa-voiceorder/internal/parser"
	"github.com/loqalabs/loqa-voiceorder/internal/protocol"
	"github.com/loqalabs/loqa-voiceorder/internal/session"
	"github.com/loqalabs/loqa-voiceorder/internal/voiceorder"
)

const pruneInterval = time.Hour

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	sessions    sync.WaitGroup

	nats       *natsserver.EmbeddedServer
	bus        *bus.Client
	publisher  *bus.Publisher
	store      *eventstore.Store
	parser     *parser.Client
	closers    []func() error
	service    *voiceorder.Service
	controller *session.Controller
}

func New(cfg config.Config, logger *slog.Logger) *Runtime {
	return &Runtime{
		cfg:    cfg,
		logger: logger,
	}
}

func (r *Runtime) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	shutdownTelemetry, metricsHandler, err := setupTelemetry(r.cfg, r.logger)
	if err != nil {
		return fmt.Errorf("failed to setup telemetry: %w", err)
	}
	r.tracerClose = shutdownTelemetry

	if err := r.initServices(ctx); err != nil {
		r.closeServices()
		r.shutdownTelemetry()
		return err
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	servers := make([]*http.Server, 0, 2)
	apiMetrics := metricsHandler
	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricsHandler != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metricsHandler)
		servers = append(servers, &http.Server{Addr: bind, Handler: mux, ReadHeaderTimeout: 5 * time.Second})
		apiMetrics = nil
	}
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           r.routes(apiMetrics),
		ReadHeaderTimeout: 5 * time.Second,
	}
	servers = append(servers, r.httpServer)

	g, gctx := errgroup.WithContext(ctx)
	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("http server %s: %w", srv.Addr, err)
			}
			return nil
		})
	}
	g.Go(func() error {
		r.service.Pulses().Run(gctx, time.Duration(r.cfg.Order.PulseTickMS)*time.Millisecond)
		return nil
	})
	g.Go(func() error {
		r.pruneLoop(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		r.ready.Store(false)
		r.logger.Info("runtime stopping")
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelShutdown()
		for _, srv := range servers {
			if err := srv.Shutdown(shutdownCtx); err != nil {
				r.logger.Error("http shutdown error", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
			}
		}
		return nil
	})

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	err = g.Wait()
	cancel()
	// open sessions end with the runtime context; wait for their handoff
	r.sessions.Wait()
	r.closeServices()
	r.shutdownTelemetry()
	return err
}

func (r *Runtime) initServices(ctx context.Context) error {
	busCfg := r.cfg.Bus
	ns, err := natsserver.Start(busCfg, r.logger)
	if err != nil {
		return err
	}
	r.nats = ns
	if ns != nil {
		busCfg.Servers = []string{ns.ClientURL()}
	}
	client, err := bus.Connect(ctx, busCfg, r.logger)
	if err != nil {
		return err
	}
	r.bus = client
	if err := client.EnsureStream(protocol.StreamName, protocol.StreamSubjects); err != nil {
		r.logger.Warn("voice order stream unavailable", slog.String("error", err.Error()))
	}
	r.publisher = bus.NewPublisher(client)

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.store = store

	source, closeSource, err := newCatalogSource(ctx, r.cfg.Catalog, r.logger)
	if err != nil {
		return err
	}
	if closeSource != nil {
		r.closers = append(r.closers, closeSource)
	}

	p, err := parser.New(ctx, r.cfg.Parser, r.logger)
	if err != nil {
		return fmt.Errorf("build parser: %w", err)
	}
	r.parser = p

	svc, err := voiceorder.NewService(voiceorder.Options{
		Catalog:          source,
		Parser:           p,
		Submitter:        r.publisher,
		Loggers:          []voiceorder.TranscriptLogger{r.publisher, r.store},
		Languages:        r.cfg.Order.Languages,
		FallbackQuantity: order.Quantity(r.cfg.Order.FallbackQuantity),
		PulseWindow:      time.Duration(r.cfg.Order.PulseWindowMS) * time.Millisecond,
		DefaultUserID:    r.cfg.Order.DefaultUserID,
		OnChange: func(c protocol.ItemChanged) {
			if err := r.publisher.ItemChanged(c); err != nil {
				r.logger.Debug("item change not published", slog.String("error", err.Error()))
			}
		},
	}, r.logger)
	if err != nil {
		return fmt.Errorf("build voice order service: %w", err)
	}
	svc.Pulses().OnExpire(func(id string) {
		r.logger.Debug("confirmation expired", slog.String("catalog_id", id))
	})
	r.service = svc

	if r.cfg.Capture.SampleRate != r.cfg.Live.InputSampleRate {
		r.logger.Warn("capture rate differs from live input rate; frames are labelled with the capture rate",
			slog.Int("capture_rate", r.cfg.Capture.SampleRate),
			slog.Int("live_input_rate", r.cfg.Live.InputSampleRate))
	}
	r.controller = session.NewController(ctx, session.Options{
		Microphone:     newMicrophone(r.cfg.Capture, r.logger),
		Speaker:        newSpeaker(r.cfg.Playback, r.logger),
		PlaybackFormat: audio.Format{SampleRate: r.cfg.Playback.SampleRate, Channels: r.cfg.Playback.Channels},
		Dialer:         newDialer(r.cfg.Live, r.logger),
		Capture: audio.CaptureOptions{
			FrameSamples:   r.cfg.Capture.FrameSamples,
			QueueHighWater: r.cfg.Capture.QueueHighWater,
		},
		Handoff: svc.HandleTranscript,
		OnFragment: func(sessionID, fragment string) {
			if err := r.publisher.TranscriptFragment(sessionID, fragment); err != nil {
				r.logger.Debug("fragment not published", slog.String("error", err.Error()))
			}
		},
	}, r.logger)
	return nil
}

func (r *Runtime) closeServices() {
	if r.parser != nil {
		if err := r.parser.Close(); err != nil {
			r.logger.Warn("parser close error", slog.String("error", err.Error()))
		}
	}
	for _, c := range r.closers {
		if err := c(); err != nil {
			r.logger.Warn("close error", slog.String("error", err.Error()))
		}
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close error", slog.String("error", err.Error()))
		}
	}
	r.bus.Close()
	r.nats.Shutdown()
}

func (r *Runtime) shutdownTelemetry() {
	if r.tracerClose == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.tracerClose(ctx); err != nil {
		r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
	}
}

func (r *Runtime) pruneLoop(ctx context.Context) {
	if r.store == nil {
		return
	}
	ticker := time.NewTicker(pruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.store.Prune(ctx); err != nil {
				r.logger.Warn("event store prune failed", slog.String("error", err.Error()))
			}
		}
	}
}

// track announces a started session and records how it ended.
func (r *Runtime) track(s *session.Session) {
	r.publishState(protocol.SessionState{SessionID: s.ID(), State: session.StateOpening.String()})
	r.sessions.Add(1)
	go func() {
		defer r.sessions.Done()
		out, err := s.Wait(context.Background())
		if err != nil {
			return
		}
		r.recordOutcome(out)
	}()
}

func (r *Runtime) recordOutcome(out session.Outcome) {
	msg := protocol.SessionState{SessionID: out.SessionID, State: out.State.String(), Timestamp: out.EndedAt}
	if out.Err != nil {
		msg.Error = out.Err.Error()
	}
	r.publishState(msg)
	if r.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := r.store.RecordSession(ctx, eventstore.SessionRecord{
		SessionID:  out.SessionID,
		UserID:     r.cfg.Order.DefaultUserID,
		State:      out.State.String(),
		Error:      msg.Error,
		Transcript: out.Transcript,
		FramesSent: out.Capture.FramesSent,
		StartedAt:  out.StartedAt,
		EndedAt:    out.EndedAt,
	})
	if err != nil {
		r.logger.Warn("session record failed", slog.String("session_id", out.SessionID), slog.String("error", err.Error()))
	}
}

func (r *Runtime) publishState(msg protocol.SessionState) {
	if r.publisher == nil {
		return
	}
	if err := r.publisher.SessionState(context.Background(), msg); err != nil {
		r.logger.Debug("session state not published", slog.String("error", err.Error()))
	}
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && (r.bus == nil || r.bus.Healthy()) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
