// Copyright (C) 2025 Haven Health Labs (dev@havenmind.io)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package orchestrator assembles and runs the Haven chat service.
package orchestrator

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/havenmind/haven/pkg/logging"
	"github.com/havenmind/haven/services/assembler"
	"github.com/havenmind/haven/services/evaluator"
	"github.com/havenmind/haven/services/memory"
	"github.com/havenmind/haven/services/orchestrator/datatypes"
	"github.com/havenmind/haven/services/orchestrator/handlers"
	"github.com/havenmind/haven/services/orchestrator/observability"
	"github.com/havenmind/haven/services/orchestrator/routes"
	"github.com/havenmind/haven/services/provider"
	"github.com/havenmind/haven/services/session"
	"github.com/havenmind/haven/services/transcript"
)

// Config is the orchestrator's full configuration surface.
type Config struct {
	// ListenAddr defaults to :8080.
	ListenAddr string

	// DataDir holds the SQLite index and the Badger event log.
	// Defaults to ./data.
	DataDir string

	// OpenAIKey enables the hosted backend when non-empty.
	OpenAIKey   string
	OpenAIModel string

	// OllamaURL enables the local backend when non-empty.
	OllamaURL   string
	OllamaModel string

	// FirstTokenTimeout bounds each provider's wait for a first token.
	// Zero means 10s.
	FirstTokenTimeout time.Duration

	// MaxConcurrentPerProvider caps streams per backend. Zero means 4.
	MaxConcurrentPerProvider int

	Heartbeat    time.Duration // keep-alive interval, default 15s
	TurnTimeout  time.Duration // whole-turn bound, default 2m
	HistoryLimit int           // messages of context, default 10

	LookupTimeout time.Duration // memory/knowledge bound, default 300ms
	TokenBudget   int           // prompt budget, default 2048

	// KnowledgeFile optionally extends the built-in reference corpus with a
	// JSON file of additional topic entries.
	KnowledgeFile string

	// MinEmpathy and MinActionability override the evaluator's flagging
	// thresholds. Zero keeps the defaults.
	MinEmpathy       float64
	MinActionability float64

	CommitRetries int           // commit attempts per turn, default 5
	CommitBackoff time.Duration // first retry delay, default 100ms

	LogLevel string // debug, info, warn, error
	LogDir   string // optional file logging

	// OTLPEndpoint enables trace export when non-empty, e.g. localhost:4317.
	OTLPEndpoint string

	// Therapists seeds the referral directory.
	Therapists []datatypes.TherapistRef
}

func applyConfigDefaults(cfg *Config) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.DataDir == "" {
		cfg.DataDir = "./data"
	}
	if cfg.OpenAIModel == "" {
		cfg.OpenAIModel = "gpt-4o-mini"
	}
	if cfg.OllamaModel == "" {
		cfg.OllamaModel = "llama3.1:8b"
	}
	if cfg.FirstTokenTimeout <= 0 {
		cfg.FirstTokenTimeout = 10 * time.Second
	}
}

// Service is the assembled orchestrator.
type Service struct {
	cfg       Config
	logger    *logging.Logger
	db        *sql.DB
	store     *transcript.Store
	committer *transcript.Committer
	mem       *memory.Service
	router    *gin.Engine
	tp        *sdktrace.TracerProvider
}

// New wires every component from cfg.
//
// # Description
//
// Provider order is fixed: openai (when keyed), ollama (when addressed),
// then the deterministic template fallback, which guarantees the chain can
// always produce a reply.
func New(cfg Config) (*Service, error) {
	applyConfigDefaults(&cfg)

	logger, err := logging.New(logging.Config{
		Level:   logging.ParseLevel(cfg.LogLevel),
		LogDir:  cfg.LogDir,
		Service: "orchestrator",
		JSON:    true,
	})
	if err != nil {
		return nil, fmt.Errorf("init logging: %w", err)
	}

	var tp *sdktrace.TracerProvider
	if cfg.OTLPEndpoint != "" {
		tp, err = initTracer(cfg.OTLPEndpoint)
		if err != nil {
			return nil, fmt.Errorf("init tracing: %w", err)
		}
	}

	if err := os.MkdirAll(cfg.DataDir, 0o750); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := transcript.OpenDB(cfg.DataDir + "/haven.db")
	if err != nil {
		return nil, err
	}
	store, err := transcript.New(transcript.Config{
		DB:     db,
		LogDir: cfg.DataDir + "/events",
		Logger: logger.Logger,
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	metrics := observability.InitMetrics(prometheus.DefaultRegisterer)
	committer := transcript.NewCommitter(store, transcript.CommitterConfig{
		MaxRetries:  cfg.CommitRetries,
		BaseBackoff: cfg.CommitBackoff,
		Logger:      logger.Logger,
		OnRetry: func(string, int, error) {
			metrics.PersistenceRetries.Inc()
		},
		OnGiveUp: func(sessionID string, err error) {
			metrics.PersistenceAbandoned.Inc()
			logger.Error("transcript commit abandoned, manual recovery required",
				"session_id", sessionID,
				"error", err,
			)
		},
	})

	var providers []provider.Provider
	if cfg.OpenAIKey != "" {
		p, perr := provider.NewOpenAIProvider(provider.OpenAIConfig{
			APIKey: cfg.OpenAIKey,
			Model:  cfg.OpenAIModel,
		})
		if perr != nil {
			return nil, perr
		}
		providers = append(providers, p)
	}
	if cfg.OllamaURL != "" {
		providers = append(providers, provider.NewOllamaProvider(provider.OllamaConfig{
			BaseURL: cfg.OllamaURL,
			Model:   cfg.OllamaModel,
		}))
	}
	providers = append(providers, provider.NewTemplateProvider())
	chain := provider.NewChain(provider.ChainConfig{
		FirstTokenTimeout:        cfg.FirstTokenTimeout,
		MaxConcurrentPerProvider: cfg.MaxConcurrentPerProvider,
	}, logger.Logger, providers...)

	mem := memory.NewService(db, logger.Logger)
	knowledge := memory.NewStaticKnowledge()
	if cfg.KnowledgeFile != "" {
		knowledge, err = memory.NewStaticKnowledgeFromFile(cfg.KnowledgeFile)
		if err != nil {
			store.Close()
			db.Close()
			return nil, err
		}
	}
	directory := memory.NewStaticDirectory(cfg.Therapists)
	asm := assembler.New(assembler.Config{
		LookupTimeout: cfg.LookupTimeout,
		TokenBudget:   cfg.TokenBudget,
		HistoryTurns:  cfg.HistoryLimit,
	}, mem, knowledge, directory, logger.Logger)

	sessions := session.NewStore(db)
	gate := session.NewTurnGate()
	eval := evaluator.New(evaluator.Config{
		MinEmpathy:       cfg.MinEmpathy,
		MinActionability: cfg.MinActionability,
	})

	chat := handlers.NewChatHandler(handlers.ChatConfig{
		Heartbeat:    cfg.Heartbeat,
		TurnTimeout:  cfg.TurnTimeout,
		HistoryLimit: cfg.HistoryLimit,
	}, sessions, gate, store, committer, asm, chain, eval, mem, directory, metrics, logger.Logger)
	committer.SetOnCommitted(chat.ForgetTail)
	sessionsHandler := handlers.NewSessionsHandler(sessions, store, logger.Logger)

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("haven-orchestrator"))
	routes.Register(router, chat, sessionsHandler)

	return &Service{
		cfg:       cfg,
		logger:    logger,
		db:        db,
		store:     store,
		committer: committer,
		mem:       mem,
		router:    router,
		tp:        tp,
	}, nil
}

// Router exposes the gin engine for tests.
func (s *Service) Router() *gin.Engine {
	return s.router
}

// Run serves until SIGINT or SIGTERM, then drains pending commits.
func (s *Service) Run() error {
	srv := &http.Server{
		Addr:              s.cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("orchestrator listening", "addr", s.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		s.logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		s.logger.Warn("http shutdown", "error", err)
	}
	return s.Close(ctx)
}

// Close drains the committer and releases storage.
func (s *Service) Close(ctx context.Context) error {
	s.mem.Wait()
	if err := s.committer.Flush(ctx); err != nil {
		s.logger.Warn("commit drain incomplete", "error", err)
	}
	s.committer.Close()
	if s.tp != nil {
		if err := s.tp.Shutdown(ctx); err != nil {
			s.logger.Warn("tracer shutdown", "error", err)
		}
	}
	err := s.store.Close()
	if derr := s.db.Close(); err == nil {
		err = derr
	}
	s.logger.Close()
	return err
}

// initTracer installs an OTLP gRPC exporter as the global tracer provider.
func initTracer(endpoint string) (*sdktrace.TracerProvider, error) {
	ctx := context.Background()
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, fmt.Errorf("dial otlp collector: %w", err)
	}
	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, fmt.Errorf("create otlp exporter: %w", err)
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String("haven-orchestrator")))
	if err != nil {
		return nil, fmt.Errorf("build trace resource: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(sdktrace.NewBatchSpanProcessor(exporter)),
	)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))
	return tp, nil
}
