// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Command gateway starts the Kodiak chat gateway.
//
// The gateway fronts a local llama.cpp-family engine with a
// multi-user chat API: session CRUD, streaming question answering
// over SSE and WebSocket, and token-based identity with an anonymous
// fallback.
//
// # Environment Variables
//
//   - KODIAK_PORT: HTTP listen port (default: 12400)
//   - KODIAK_WEIGHTS_DIR: model weights directory (default: ./models)
//   - KODIAK_LLM_BACKEND: engine client, llamacpp or openai (default: llamacpp)
//   - KODIAK_LLM_URL: engine base URL (default: http://localhost:8080)
//   - KODIAK_REDIS_URL: use Redis for chat state (default: embedded Badger)
//   - KODIAK_POSTGRES_DSN: use Postgres for users and refs (default: embedded Badger)
//   - KODIAK_TOKEN_SECRET: token signing secret (default: random per process)
//   - OTEL_EXPORTER_OTLP_ENDPOINT: OpenTelemetry collector (optional)
//
// # Usage
//
//	go build -o gateway ./services/gateway
//	./gateway
package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.21.0"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/AleutianAI/kodiak/pkg/extensions"
	"github.com/AleutianAI/kodiak/services/auth"
	"github.com/AleutianAI/kodiak/services/chats"
	"github.com/AleutianAI/kodiak/services/gateway/config"
	"github.com/AleutianAI/kodiak/services/gateway/handlers"
	"github.com/AleutianAI/kodiak/services/gateway/observability"
	"github.com/AleutianAI/kodiak/services/gateway/routes"
	"github.com/AleutianAI/kodiak/services/generation"
	"github.com/AleutianAI/kodiak/services/llm"
	"github.com/AleutianAI/kodiak/services/models"
	"github.com/AleutianAI/kodiak/services/storage"
)

const serviceName = "kodiak-gateway"

func initTracer(endpoint string) (func(context.Context), error) {
	ctx := context.Background()

	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	traceExporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithGRPCConn(conn))
	if err != nil {
		return nil, err
	}
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceNameKey.String(serviceName)))
	if err != nil {
		return nil, err
	}
	bsp := sdktrace.NewBatchSpanProcessor(traceExporter)
	traceProvider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithResource(res),
		sdktrace.WithSpanProcessor(bsp))
	otel.SetTracerProvider(traceProvider)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{}, propagation.Baggage{}))

	return func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := traceExporter.Shutdown(ctx); err != nil {
			slog.Error("failed to shutdown OTLP exporter", "error", err)
		}
	}, nil
}

// buildEngine selects the inference client.
func buildEngine(cfg *config.Config) (llm.EngineClient, error) {
	switch cfg.LLMBackend {
	case "openai":
		slog.Info("using OpenAI-compatible engine backend", "url", cfg.LLMURL)
		return llm.NewOpenAICompatClient(cfg.LLMURL, cfg.LLMAPIKey, cfg.LLMModel, nil)
	default:
		slog.Info("using llama.cpp engine backend", "url", cfg.LLMURL)
		return llm.NewLlamaCppClient(cfg.LLMURL, nil)
	}
}

// stores is the persistence selection for one deployment.
type stores struct {
	chatStore chats.Store
	refStore  chats.RefStore
	userStore auth.UserStore
	close     func()
}

// buildStores picks the backing stores. Redis carries chat state when
// configured, Postgres carries users and refs; anything not covered
// by an external store falls back to the embedded Badger database, so
// a bare laptop runs with zero infrastructure.
func buildStores(ctx context.Context, cfg *config.Config) (*stores, error) {
	s := &stores{close: func() {}}

	needBadger := cfg.RedisURL == "" || cfg.PostgresDSN == ""
	var badgerDB *storage.BadgerDB
	if needBadger {
		db, err := storage.OpenBadger(storage.DefaultBadgerConfig(cfg.DataDir))
		if err != nil {
			return nil, err
		}
		badgerDB = db
	}

	var closers []func()
	if badgerDB != nil {
		closers = append(closers, func() { _ = badgerDB.Close() })
	}

	if cfg.RedisURL != "" {
		rdb, err := storage.OpenRedis(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() { _ = rdb.Close() })
		s.chatStore = chats.NewRedisStore(rdb)
		slog.Info("chat state on Redis")
	} else {
		s.chatStore = chats.NewBadgerStore(badgerDB)
		slog.Info("chat state on embedded Badger", "dir", cfg.DataDir)
	}

	if cfg.PostgresDSN != "" {
		db, err := storage.OpenPostgres(ctx, storage.DefaultPostgresConfig(cfg.PostgresDSN))
		if err != nil {
			return nil, err
		}
		closers = append(closers, func() { _ = db.Close() })
		if err := storage.RunMigrations(ctx, db); err != nil {
			return nil, err
		}
		s.refStore = chats.NewPostgresRefStore(db)
		s.userStore = auth.NewPostgresUserStore(db)
		slog.Info("users and chat refs on Postgres")
	} else {
		s.refStore = chats.NewBadgerRefStore(badgerDB)
		s.userStore = auth.NewBadgerUserStore(badgerDB)
		slog.Info("users and chat refs on embedded Badger", "dir", cfg.DataDir)
	}

	s.close = func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return s, nil
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	if cfg.OTLPEndpoint != "" {
		cleanup, err := initTracer(cfg.OTLPEndpoint)
		if err != nil {
			log.Fatalf("failed to setup the OTLP tracer: %v", err)
		}
		defer cleanup(context.Background())
	} else {
		slog.Info("OTEL_EXPORTER_OTLP_ENDPOINT not set, trace export disabled")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := buildStores(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to open stores: %v", err)
	}
	defer st.close()

	gate, err := auth.NewGate(st.userStore, auth.Config{
		Secret:        []byte(cfg.TokenSecret),
		TokenTTL:      cfg.TokenTTL,
		AnonymousUser: cfg.AnonymousUser,
	}, logger)
	if err != nil {
		log.Fatalf("failed to build the identity gate: %v", err)
	}
	if err := gate.EnsureAnonymousUser(ctx); err != nil {
		log.Fatalf("failed to provision the anonymous user: %v", err)
	}

	// The gate is both the login surface and the token-validation
	// provider behind the extension seam; a commercial build swaps the
	// provider here and nothing downstream changes.
	opts := extensions.ServiceOptions{
		AuthProvider: gate,
		AuditLogger:  &extensions.SlogAuditLogger{Logger: logger},
	}.WithDefaults()
	audit := opts.AuditLogger
	registry, err := chats.NewRegistry(st.chatStore, st.refStore, logger, audit)
	if err != nil {
		log.Fatalf("failed to build the chat registry: %v", err)
	}
	locks := chats.NewLocks()
	history, err := chats.NewHistory(st.chatStore, locks, logger, audit)
	if err != nil {
		log.Fatalf("failed to build the transcript layer: %v", err)
	}

	library, err := models.NewLibrary(cfg.WeightsDir, logger)
	if err != nil {
		log.Fatalf("failed to scan the weights directory: %v", err)
	}
	watcher, err := models.NewWeightsWatcher(library, nil, logger)
	if err != nil {
		slog.Warn("weights watcher unavailable, new models need a restart", "error", err)
	} else if err := watcher.Start(ctx); err != nil {
		slog.Warn("weights watcher failed to start", "error", err)
	} else {
		defer watcher.Stop()
	}

	var catalog *models.Catalog
	if cfg.ModelCatalog != "" {
		catalog, err = models.LoadCatalog(cfg.ModelCatalog)
		if err != nil {
			log.Fatalf("failed to load the model catalog: %v", err)
		}
	}

	engine, err := buildEngine(cfg)
	if err != nil {
		log.Fatalf("failed to initialize the engine client: %v", err)
	}

	orch := generation.NewOrchestrator(engine, library, history, locks,
		generation.Config{EngineSlots: cfg.EngineSlots}, logger)

	metrics := observability.InitMetrics()

	router := gin.Default()
	routes.SetupRoutes(router, routes.Dependencies{
		Gate:        gate,
		Auth:        handlers.NewAuthHandler(gate, cfg.CookieSecure, audit),
		Chats:       handlers.NewChatHandler(registry, history, library),
		Questions:   handlers.NewQuestionHandler(registry, orch, metrics),
		Models:      handlers.NewModelsHandler(library, catalog),
		Library:     library,
		ServiceName: serviceName,
		EnableOtel:  cfg.OTLPEndpoint != "",
		Options:     opts,
	})

	server := &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		slog.Info("starting the kodiak gateway", "port", cfg.Port, "backend", cfg.LLMBackend)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("server error: %v", err)
		}
	}()

	<-ctx.Done()
	slog.Info("shutdown signal received, draining connections")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("forced shutdown", "error", err)
	}
	generation.PurgeSecureMemory()
}
