package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/suanli-labs/voice-core/internal/asr"
	"github.com/suanli-labs/voice-core/internal/bus"
	"github.com/suanli-labs/voice-core/internal/config"
	"github.com/suanli-labs/voice-core/internal/connectivity"
	"github.com/suanli-labs/voice-core/internal/credentials"
	"github.com/suanli-labs/voice-core/internal/engine"
	"github.com/suanli-labs/voice-core/internal/eventstore"
	"github.com/suanli-labs/voice-core/internal/natsserver"
	"github.com/suanli-labs/voice-core/internal/nls"
	"github.com/suanli-labs/voice-core/internal/offline"
	"github.com/suanli-labs/voice-core/internal/retry"
	"github.com/suanli-labs/voice-core/internal/service"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats   *natsserver.EmbeddedServer
	bus    *bus.Client
	store  *eventstore.Store
	prober *connectivity.Prober
	svc    *service.Service
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

	if r.cfg.Bus.Embedded {
		ns, err := natsserver.Start(r.cfg.Bus, r.logger)
		if err != nil {
			return fmt.Errorf("failed to start embedded bus: %w", err)
		}
		r.nats = ns
		defer r.nats.Shutdown()
	}

	busClient, err := bus.Connect(ctx, r.cfg.Bus, r.logger)
	if err != nil {
		return fmt.Errorf("failed to connect to bus: %w", err)
	}
	r.bus = busClient
	defer r.bus.Close()

	store, err := eventstore.Open(ctx, r.cfg.EventStore, r.logger)
	if err != nil {
		return fmt.Errorf("failed to open event store: %w", err)
	}
	r.store = store
	defer r.store.Close()

	eng, err := r.buildEngine(ctx)
	if err != nil {
		return err
	}
	if r.prober != nil {
		defer r.prober.Close()
	}

	r.svc = service.NewService(ctx, r.cfg.Service, r.bus, eng, r.store)
	if err := r.svc.Start(); err != nil {
		return fmt.Errorf("failed to start recognition service: %w", err)
	}
	defer r.svc.Close()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", r.handleHealth)
	mux.HandleFunc("/readyz", r.handleReady)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := r.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("error", err.Error()))
		}
	}()

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	if err := r.httpServer.Shutdown(shutdownCtx); err != nil {
		r.logger.Error("http shutdown error", slog.String("error", err.Error()))
	}
	r.wg.Wait()

	if r.tracerClose != nil {
		if err := r.tracerClose(shutdownCtx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}

	return nil
}

// buildEngine assembles the recognition stack: credential client, online
// backends, offline fallback, connectivity probe and retry policy.
func (r *Runtime) buildEngine(ctx context.Context) (*engine.Engine, error) {
	creds := credentials.NewClient(
		r.cfg.Credentials.BaseURL,
		r.cfg.Credentials.AppToken,
		10*time.Second,
		r.logger,
	)

	retrier := retry.NewController(retry.Config{
		InitialInterval: time.Duration(r.cfg.Backoff.InitialIntervalMS) * time.Millisecond,
		MaxAttempts:     r.cfg.Backoff.MaxAttempts,
	}, r.logger)

	short := nls.NewShortSpeech(creds, r.logger, nls.WithSampleRate(r.cfg.Session.SampleRate))

	sessionCfg := nls.SessionConfig{
		SampleRate:     r.cfg.Session.SampleRate,
		SilenceTimeout: time.Duration(r.cfg.Session.SilenceTimeoutMS) * time.Millisecond,
		OverallTimeout: time.Duration(r.cfg.Session.OverallTimeoutMS) * time.Millisecond,
		RingCapacity:   r.cfg.Session.RingCapacity,
	}
	sessions := func(id int64, hot []asr.HotWord, live func(int64) bool) engine.StreamSession {
		return nls.NewSession(id, sessionCfg, creds, hot, live, r.logger)
	}

	opts := []engine.Option{
		engine.WithHotWords(configHotWords(r.cfg.Engine.HotWords)),
	}

	if r.cfg.Offline.Enabled {
		recognizer, err := buildOfflineRecognizer(r.cfg.Offline)
		if err != nil {
			return nil, fmt.Errorf("failed to build offline recognizer: %w", err)
		}
		if err := recognizer.Initialize(ctx); err != nil {
			// Startup continues; the fallback stays unavailable until the
			// model loads on a later attempt.
			r.logger.Warn("offline recognizer initialization failed", slog.String("error", err.Error()))
		}
		opts = append(opts, engine.WithOffline(recognizer))
	}

	if r.cfg.Connectivity.Enabled {
		probeURL := r.cfg.Connectivity.ProbeURL
		if probeURL == "" {
			probeURL = r.cfg.Credentials.BaseURL + "/api/v1/voice/token"
		}
		r.prober = connectivity.NewProber(probeURL,
			time.Duration(r.cfg.Connectivity.IntervalMS)*time.Millisecond, r.logger)
		r.prober.Start(ctx)
		opts = append(opts, engine.WithProbe(r.prober))
	}

	engineCfg := engine.Config{
		OnlineTimeout:           time.Duration(r.cfg.Engine.OnlineTimeoutMS) * time.Millisecond,
		OnlineDurationCeiling:   time.Duration(r.cfg.Engine.OnlineDurationCeilingMS) * time.Millisecond,
		EmptyResultRMSThreshold: r.cfg.Engine.EmptyResultRMSThreshold,
		Normalize:               r.cfg.Engine.Normalize,
	}
	return engine.New(engineCfg, short, sessions, retrier, r.logger, opts...), nil
}

func buildOfflineRecognizer(cfg config.OfflineConfig) (offline.Recognizer, error) {
	switch cfg.Mode {
	case "exec":
		return offline.NewExecRecognizer(cfg.Command, cfg.ModelPath, cfg.Language)
	default:
		return offline.NewMockRecognizer(), nil
	}
}

func configHotWords(words []config.HotWord) []asr.HotWord {
	out := make([]asr.HotWord, 0, len(words))
	for _, w := range words {
		out = append(out, asr.NewHotWord(w.Term, w.Weight))
	}
	return out
}

func (r *Runtime) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (r *Runtime) handleReady(w http.ResponseWriter, _ *http.Request) {
	if r.ready.Load() && r.bus.Healthy() && r.svc.Healthy() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}
