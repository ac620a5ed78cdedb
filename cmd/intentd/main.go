// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Command intentd starts the intent resolution API server.
//
// The server resolves natural-language utterances to business intents
// through a cascading matcher (exact, approximate, keyword, semantic,
// LLM fallback), calibrates confidence, runs clarification dialogues,
// and learns from feedback. It never executes intents.
//
// Usage:
//
//	go run ./cmd/intentd
//	go run ./cmd/intentd -port 9090 -data-dir /var/lib/intentd
//
// With AI capabilities:
//
//	EMBEDDING_SERVICE_URL=http://localhost:11434/api/embed \
//	LLM_BASE_URL=https://api.openai.com/v1 LLM_API_KEY=sk-... \
//	go run ./cmd/intentd
//
// Both capabilities are optional: when unreachable the server degrades
// to exact/approximate/keyword matching and marks results degraded.
//
// Example requests:
//
//	# Health check
//	curl http://localhost:8080/healthz
//
//	# Resolve an utterance
//	curl -X POST http://localhost:8080/api/v1/intent/resolve \
//	  -H "Content-Type: application/json" -H "X-Tenant-ID: acme" \
//	  -d '{"user_id": "u1", "utterance": "给我看下本月销量"}'
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/j4xie/my-prototype-logistics-sub023/services/intent"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/calibration"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/config"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/conversation"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/datatypes"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/embedding"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/knowledge"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/learning"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/llm"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/matching"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/rag"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/resultcache"
	badgerstore "github.com/j4xie/my-prototype-logistics-sub023/services/intent/storage/badger"
	"github.com/j4xie/my-prototype-logistics-sub023/services/intent/store"
)

func main() {
	port := flag.Int("port", 8080, "Port to listen on")
	debug := flag.Bool("debug", false, "Enable debug mode")
	dataDir := flag.String("data-dir", "", "BadgerDB data directory (default ~/.intentd/data)")
	configPath := flag.String("config", "", "Tenant config overrides YAML (optional, hot-reloaded)")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel(*debug),
	}))
	slog.SetDefault(logger)

	if *debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	// W3C TraceContext propagation so trace ids flow from callers through
	// every handler and span.
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	// ------------------------------------------------------------------
	// Storage
	// ------------------------------------------------------------------
	dbCfg := badgerstore.DefaultConfig()
	dbCfg.Path = resolveDataDir(*dataDir)
	db, err := badgerstore.OpenDB(dbCfg)
	if err != nil {
		// In-memory fallback keeps the service answering; everything
		// learned is lost on restart.
		logger.Warn("BadgerDB unavailable, falling back to in-memory storage",
			slog.String("path", dbCfg.Path),
			slog.String("error", err.Error()))
		dbCfg.InMemory = true
		db, err = badgerstore.OpenDB(dbCfg)
		if err != nil {
			logger.Error("In-memory BadgerDB failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	}
	st := store.New(db, logger)

	// ------------------------------------------------------------------
	// Configuration
	// ------------------------------------------------------------------
	provider, err := config.NewProvider(*configPath, logger)
	if err != nil {
		logger.Error("Config load failed", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// ------------------------------------------------------------------
	// Knowledge catalog and seed intents
	// ------------------------------------------------------------------
	catalog := knowledge.NewCatalog(st, logger)
	seedCtx, cancelSeed := context.WithTimeout(context.Background(), 30*time.Second)
	seeded, err := catalog.LoadSeed(seedCtx)
	cancelSeed()
	if err != nil {
		logger.Error("Seed intent load failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Seed intents loaded", slog.Int("new", seeded))

	// ------------------------------------------------------------------
	// AI capabilities (both optional)
	// ------------------------------------------------------------------
	embedClient := embedding.NewOllamaClient(
		os.Getenv("EMBEDDING_SERVICE_URL"), os.Getenv("EMBEDDING_MODEL"), logger)
	encoder := embedding.NewQueryEncoder(embedClient)
	phrases := embedding.NewPhraseVectorCache(embedClient, st, store.ComputeCorpusHash, logger)

	chatClient := llm.NewClient(
		os.Getenv("LLM_API_KEY"), os.Getenv("LLM_MODEL"), os.Getenv("LLM_BASE_URL"), logger)
	if chatClient.Available() {
		logger.Info("LLM fallback enabled")
	} else {
		logger.Info("LLM fallback disabled, cascade degrades to lexical and semantic stages")
	}

	// ------------------------------------------------------------------
	// Matching cascade
	// ------------------------------------------------------------------
	retriever := rag.NewRetriever(st, encoder, logger)
	cascade := matching.NewCascade(
		matching.NewExactMatcher(catalog, logger),
		matching.NewApproximateMatcher(catalog, logger),
		matching.NewKeywordMatcher(catalog, logger),
		matching.NewSemanticMatcher(catalog, encoder, phrases, logger),
		matching.NewLLMFallbackMatcher(catalog, retriever, chatClient, logger),
		matching.Probes{
			SemanticReady: func(tenantID string) bool {
				return embedClient.Available() && phrases.IsWarmed(tenantID)
			},
			LLMReady: chatClient.Available,
		},
		logger,
	)

	// ------------------------------------------------------------------
	// Calibration, cache, conversation, learning
	// ------------------------------------------------------------------
	sizer := func(ctx context.Context, tenantID string) (int, error) {
		defs, err := catalog.Definitions(ctx, tenantID)
		if err != nil {
			return 0, err
		}
		return len(defs), nil
	}
	transitions := calibration.NewTransitionTracker(
		st, sizer, provider.Resolve(datatypes.PlatformTenant).Calibration.TransitionAlpha, logger)

	cache := resultcache.New(st, logger)
	loop := learning.NewLoop(st, catalog, logger)
	conv := conversation.NewManager(st, catalog, loop.LearnFromSession, logger)

	svc := intent.NewService(intent.ServiceDeps{
		Config:       provider,
		Store:        st,
		Catalog:      catalog,
		Cascade:      cascade,
		Cache:        cache,
		Conversation: conv,
		Learning:     loop,
		Transitions:  transitions,
		Encoder:      encoder,
		Phrases:      phrases,
		Logger:       logger,
	})

	// Phrase vector warmup runs in the background; the warmup guard
	// answers 503 on resolve routes until it finishes.
	go func() {
		defer svc.SetReady(true)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := svc.WarmTenant(ctx, datatypes.PlatformTenant); err != nil {
			logger.Warn("Startup warm incomplete, semantic stage degrades until rewarm",
				slog.String("error", err.Error()))
			return
		}
		logger.Info("Startup warm complete")
	}()

	// ------------------------------------------------------------------
	// Router
	// ------------------------------------------------------------------
	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(otelgin.Middleware("intentd"))
	if *debug {
		router.Use(gin.Logger())
	}
	handler := intent.NewHandler(svc, logger)
	intent.RegisterRoutes(router, handler, svc)

	// ------------------------------------------------------------------
	// Background maintenance
	// ------------------------------------------------------------------
	stop := make(chan struct{})
	go provider.Watch(stop)
	go func() {
		// Session timeouts need a tight loop; expression aging and
		// transition rebuilds do not.
		sweep := time.NewTicker(30 * time.Second)
		deep := time.NewTicker(time.Hour)
		defer sweep.Stop()
		defer deep.Stop()
		for {
			select {
			case <-stop:
				return
			case <-sweep.C:
				ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				if _, err := svc.Conversations().Sweep(ctx); err != nil {
					logger.Warn("Session sweep failed", slog.String("error", err.Error()))
				}
				cancel()
			case <-deep.C:
				ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
				svc.RunMaintenance(ctx)
				cancel()
			}
		}
	}()

	// ------------------------------------------------------------------
	// Serve with graceful shutdown
	// ------------------------------------------------------------------
	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", *port),
		Handler: router,
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		logger.Info("Shutting down intentd")
		close(stop)
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logger.Warn("HTTP shutdown failed", slog.String("error", err.Error()))
		}
		if err := db.Close(); err != nil {
			logger.Warn("BadgerDB close failed", slog.String("error", err.Error()))
		}
	}()

	logger.Info("Starting intentd", slog.String("address", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func logLevel(debug bool) slog.Level {
	if debug {
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// resolveDataDir picks the BadgerDB directory: flag, env, then
// ~/.intentd/data.
func resolveDataDir(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if env := os.Getenv("INTENTD_DATA_DIR"); env != "" {
		return env
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "intentd-data"
	}
	return filepath.Join(home, ".intentd", "data")
}
