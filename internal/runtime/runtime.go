package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/loqalabs/loqa-glasses/internal/assistant"
	"github.com/loqalabs/loqa-glasses/internal/audio"
	"github.com/loqalabs/loqa-glasses/internal/bus"
	"github.com/loqalabs/loqa-glasses/internal/classifier"
	"github.com/loqalabs/loqa-glasses/internal/config"
	"github.com/loqalabs/loqa-glasses/internal/dispatch"
	"github.com/loqalabs/loqa-glasses/internal/eventstore"
	"github.com/loqalabs/loqa-glasses/internal/gateway"
	"github.com/loqalabs/loqa-glasses/internal/interrupt"
	"github.com/loqalabs/loqa-glasses/internal/llm"
	"github.com/loqalabs/loqa-glasses/internal/natsserver"
	"github.com/loqalabs/loqa-glasses/internal/playback"
	"github.com/loqalabs/loqa-glasses/internal/presence"
	"github.com/loqalabs/loqa-glasses/internal/session"
	"github.com/loqalabs/loqa-glasses/internal/stt"
	"github.com/loqalabs/loqa-glasses/internal/tts"
	"github.com/loqalabs/loqa-glasses/internal/vad"
)

type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	httpServer  *http.Server
	metricsSrv  *http.Server
	tracerClose func(context.Context) error
	ready       atomic.Bool
	wg          sync.WaitGroup

	nats      *natsserver.EmbeddedServer
	bus       *bus.Client
	store     *eventstore.Store
	journal   *eventstore.Journal
	presence  *presence.Registry
	session   *session.Machine
	assistant *assistant.Service
	gateway   *gateway.Gateway
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
	defer r.shutdown()

	if err := r.startServices(ctx); err != nil {
		return err
	}

	device := deviceID(r.cfg)
	api := &api{
		session:  r.session,
		store:    r.store,
		presence: r.presence,
		device:   device,
		started:  time.Now(),
		ready:    r.isReady,
		log:      r.logger,
	}
	mux := http.NewServeMux()
	api.register(mux)
	if metricsHandler != nil {
		mux.Handle("/metrics", metricsHandler)
	}
	if r.gateway != nil {
		mux.Handle(r.cfg.Gateway.Path, r.gateway)
	}

	addr := fmt.Sprintf("%s:%d", r.cfg.HTTP.Bind, r.cfg.HTTP.Port)
	r.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	r.serve(r.httpServer)

	if bind := r.cfg.Telemetry.PrometheusBind; bind != "" && metricsHandler != nil {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", metricsHandler)
		r.metricsSrv = &http.Server{Addr: bind, Handler: metricsMux, ReadHeaderTimeout: 5 * time.Second}
		r.serve(r.metricsSrv)
	}

	r.ready.Store(true)
	r.logger.Info("runtime started", slog.String("addr", addr), slog.String("device_id", device))

	<-ctx.Done()
	r.logger.Info("runtime stopping")
	r.ready.Store(false)
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()
	for _, srv := range []*http.Server{r.httpServer, r.metricsSrv} {
		if srv == nil {
			continue
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			r.logger.Error("http shutdown error", slog.String("error", err.Error()))
		}
	}
	r.wg.Wait()
	return nil
}

func (r *Runtime) serve(srv *http.Server) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			r.logger.Error("http server failed", slog.String("addr", srv.Addr), slog.String("error", err.Error()))
		}
	}()
}

// startServices brings up the bus, persistence and the voice pipeline in dependency order.
func (r *Runtime) startServices(ctx context.Context) error {
	cfg := r.cfg
	log := r.logger

	embedded, err := natsserver.Start(cfg.Bus, log)
	if err != nil {
		return fmt.Errorf("start embedded bus: %w", err)
	}
	r.nats = embedded
	busCfg := cfg.Bus
	if embedded != nil && len(busCfg.Servers) == 0 {
		busCfg.Servers = []string{embedded.ClientURL()}
	}
	r.bus, err = bus.Connect(ctx, busCfg, log)
	if err != nil {
		return fmt.Errorf("connect bus: %w", err)
	}

	r.store, err = eventstore.Open(ctx, cfg.EventStore, log)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	r.journal = eventstore.NewJournal(context.Background(), r.store, 256, log)
	r.journal.Start()

	if cfg.Presence.Enabled {
		r.presence, err = presence.NewRegistry(ctx, cfg.Presence, r.bus, log)
		if err != nil {
			return fmt.Errorf("start presence: %w", err)
		}
	}

	r.session, err = session.New(cfg.Session, log)
	if err != nil {
		return fmt.Errorf("session: %w", err)
	}
	dispatcher := dispatch.New(cfg.Dispatch, dispatch.NewBusTransport(r.bus), r.session, log)

	recognizer, err := stt.New(cfg.STT)
	if err != nil {
		return fmt.Errorf("stt: %w", err)
	}
	transcriber := stt.NewTranscriber(cfg.STT, recognizer, r.bus, log)

	segmenterModel, err := vad.NewEnergyModel(cfg.VAD.Aggressiveness)
	if err != nil {
		return fmt.Errorf("vad: %w", err)
	}
	segmenter := vad.NewSegmenter(vad.OptionsFromConfig(cfg.VAD, cfg.Audio), segmenterModel, log)

	// The monitor keeps its own noise floor; sharing the segmenter's model would race.
	monitorModel, err := vad.NewEnergyModel(cfg.VAD.Aggressiveness)
	if err != nil {
		return fmt.Errorf("vad: %w", err)
	}
	var spotter interrupt.Spotter
	if cfg.Interrupt.Enabled {
		spotter = interrupt.RecognizerSpotter{Transcriber: transcriber}
	}
	monitor := interrupt.NewMonitor(
		interrupt.NewCueSet(cfg.Interrupt.Cues, cfg.Interrupt.CueWindow),
		spotter, monitorModel,
		interrupt.OptionsFromConfig(cfg.Interrupt, cfg.VAD),
		log)

	cls, err := classifier.New(cfg.Classifier)
	if err != nil {
		return fmt.Errorf("classifier: %w", err)
	}
	generator, err := llm.New(cfg.LLM)
	if err != nil {
		return fmt.Errorf("llm: %w", err)
	}
	synth, err := tts.New(cfg.TTS)
	if err != nil {
		return fmt.Errorf("tts: %w", err)
	}
	sink := playback.NewBusSink(r.bus, cfg.Playback.Target, cfg.Playback.TickMS)
	controller := playback.NewController(cfg.Playback, synth, sink, monitor, assistant.NewNotifier(dispatcher, cfg.Playback.AckMessage), log)

	source, err := audio.New(cfg.Audio, r.bus, log)
	if err != nil {
		return fmt.Errorf("audio: %w", err)
	}

	r.assistant = assistant.New(ctx, cfg, assistant.Deps{
		Bus:         r.bus,
		Source:      source,
		Segmenter:   segmenter,
		Monitor:     monitor,
		Transcriber: transcriber,
		Classifier:  cls,
		Responder:   llm.NewResponder(cfg.LLM, generator, log),
		Playback:    controller,
		Session:     r.session,
		Dispatcher:  dispatcher,
		Journal:     r.journal,
	}, log)
	if err := r.assistant.Start(); err != nil {
		return fmt.Errorf("start assistant: %w", err)
	}

	if cfg.Gateway.Enabled {
		r.gateway = gateway.New(cfg.Gateway, cfg.Audio, r.bus, log)
	}
	return nil
}

// deviceID names the glasses this runtime serves when a connection does not say.
func deviceID(cfg config.Config) string {
	if cfg.Gateway.DeviceID != "" {
		return cfg.Gateway.DeviceID
	}
	return cfg.RuntimeName
}

func (r *Runtime) isReady() bool {
	if !r.ready.Load() || r.bus == nil || !r.bus.Healthy() {
		return false
	}
	if r.assistant != nil && !r.assistant.Healthy() {
		return false
	}
	return r.presence == nil || r.presence.Healthy()
}

// shutdown stops services in reverse start order. It tolerates a partial start.
func (r *Runtime) shutdown() {
	if r.gateway != nil {
		r.gateway.Close()
	}
	if r.assistant != nil {
		r.assistant.Close()
	}
	if r.presence != nil {
		r.presence.Close()
	}
	if r.journal != nil {
		r.journal.Close()
	}
	if r.store != nil {
		if err := r.store.Close(); err != nil {
			r.logger.Warn("event store close failed", slog.String("error", err.Error()))
		}
	}
	if r.bus != nil {
		r.bus.Close()
	}
	if r.nats != nil {
		r.nats.Shutdown()
	}
	if r.tracerClose != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := r.tracerClose(ctx); err != nil {
			r.logger.Error("telemetry shutdown error", slog.String("error", err.Error()))
		}
	}
}
