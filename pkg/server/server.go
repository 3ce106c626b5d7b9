// Package server exposes the agent over HTTP: the telephony media websocket,
// a health endpoint classifying the dependent services, and Prometheus
// metrics. Each accepted media stream runs its own orchestrated call.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/khvni/automotive-service-scheduler-voice-agent-sub000/pkg/calendar"
	"github.com/khvni/automotive-service-scheduler-voice-agent-sub000/pkg/config"
	"github.com/khvni/automotive-service-scheduler-voice-agent-sub000/pkg/crm"
	"github.com/khvni/automotive-service-scheduler-voice-agent-sub000/pkg/orchestrator"
	"github.com/khvni/automotive-service-scheduler-voice-agent-sub000/pkg/resilience"
	"github.com/khvni/automotive-service-scheduler-voice-agent-sub000/pkg/responder"
	"github.com/khvni/automotive-service-scheduler-voice-agent-sub000/pkg/stt"
	"github.com/khvni/automotive-service-scheduler-voice-agent-sub000/pkg/tts"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	upgrader  websocket.Upgrader
	metrics   *resilience.MetricsTracker
	customers crm.CustomerStore
	tools     *responder.Registry
	model     responder.ChatModel
	tracker   *CallTracker
	draining  atomic.Bool
}

// New assembles the shared collaborators once; per-call adapters are built
// per accepted media stream.
func New(cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	metrics := resilience.NewMetricsTracker()
	exec := resilience.NewExecutor(resilience.ExecutorConfig{
		Name: "calendar",
		Retry: resilience.RetryConfig{
			MaxAttempts:  cfg.RetryMaxAttempts,
			InitialDelay: cfg.RetryInitialDelay,
			MaxDelay:     cfg.RetryMaxDelay,
		},
	}, metrics, logger)

	cal := calendar.NewClient(calendar.Config{
		BaseURL:    cfg.CalendarBaseURL,
		APIKey:     cfg.CalendarAPIKey,
		CalendarID: cfg.CalendarID,
		Timeout:    cfg.CalendarTimeout,
	}, exec, logger)

	customers := crm.NewMemoryCustomerStore()
	tools := responder.NewRegistry()
	if err := crm.RegisterTools(tools, crm.Deps{
		Customers: customers,
		Calendar:  cal,
		VIN:       crm.StaticVINDecoder{},
		Logger:    logger,
	}); err != nil {
		return nil, fmt.Errorf("server: register tools: %w", err)
	}

	s := &Server{
		cfg:    cfg,
		logger: logger,
		mux:    http.NewServeMux(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Telephony providers connect server to server.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		metrics:   metrics,
		customers: customers,
		tools:     tools,
		model:     responder.NewOpenAIModel(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL),
		tracker:   NewCallTracker(),
	}
	s.routes()
	return s, nil
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/media", s.handleMedia)
}

func (s *Server) Handler() http.Handler { return s.mux }

// SetDraining flips the health endpoint to not-ready during shutdown.
func (s *Server) SetDraining() { s.draining.Store(true) }

func (s *Server) LiveCalls() int { return s.tracker.Count() }

// WaitCalls blocks until in-flight calls finish or ctx expires.
func (s *Server) WaitCalls(ctx context.Context) bool { return s.tracker.Wait(ctx) }

// CancelCalls hangs up whatever is still live.
func (s *Server) CancelCalls() int { return s.tracker.CancelAll() }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := s.metrics.Health()
	status := http.StatusOK
	if s.draining.Load() || health == resilience.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"status":   string(health),
		"draining": s.draining.Load(),
		"calls":    s.tracker.Count(),
	})
}

// handleMedia upgrades the telephony media stream and runs one call on it.
func (s *Server) handleMedia(w http.ResponseWriter, r *http.Request) {
	if s.draining.Load() {
		http.Error(w, "draining", http.StatusServiceUnavailable)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("media upgrade failed", "err", err)
		return
	}

	connID := uuid.NewString()
	logger := s.logger.With("conn_id", connID)
	logger.Info("media stream accepted", "remote", r.RemoteAddr)

	ctx, cancel := context.WithCancel(context.Background())
	unregister := s.tracker.Register(connID, cancel)
	defer unregister()
	defer cancel()
	defer conn.Close()

	o, err := s.newCall(conn, logger)
	if err != nil {
		logger.Error("call setup failed", "err", err)
		return
	}
	if err := o.Run(ctx); err != nil {
		logger.Warn("call ended with error", "err", err)
	}
}

// newCall builds the per-call adapter set around one media connection.
func (s *Server) newCall(conn *websocket.Conn, logger *slog.Logger) (*orchestrator.Orchestrator, error) {
	transcriber := stt.NewLiveTranscriber(stt.Config{
		URL:               s.cfg.STTURL,
		APIKey:            s.cfg.STTAPIKey,
		Model:             s.cfg.STTModel,
		KeepAliveInterval: s.cfg.STTKeepAliveInterval,
	}, logger)

	synthesizer := tts.NewLiveSynthesizer(tts.Config{
		URL:     s.cfg.TTSURL,
		APIKey:  s.cfg.TTSAPIKey,
		VoiceID: s.cfg.TTSVoiceID,
		ModelID: s.cfg.TTSModelID,
	}, logger)

	generator := responder.NewGenerator(s.model, s.tools, responder.Config{
		Model:        s.cfg.Model,
		MaxToolDepth: s.cfg.MaxToolDepth,
		MaxHistory:   s.cfg.MaxHistory,
	}, logger)

	return orchestrator.New(orchestrator.Deps{
		Conn:      conn,
		STT:       transcriber,
		TTS:       synthesizer,
		Generator: generator,
		Customers: s.customers,
		Logger:    logger,
	}, orchestrator.Config{
		Greeting: s.cfg.Greeting,
	})
}
