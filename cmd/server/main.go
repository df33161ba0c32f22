// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// mailbridge: inbound email AI pipeline
//
// Entry point for the service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL and Redis (in-memory fallbacks for development)
//  3. Builds the pipeline: signature check, parser, alias router, AI client,
//     reply composer, SES/SMTP delivery dispatcher, transaction store
//  4. Runs the worker pool that drains the inbound queue
//  5. Serves the inbound webhook, health and metrics endpoints
//  6. Handles graceful shutdown on SIGTERM/SIGINT, letting in-flight
//     messages finish
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/kr777/mailbridge/internal/ai"
	"github.com/kr777/mailbridge/internal/compose"
	"github.com/kr777/mailbridge/internal/config"
	"github.com/kr777/mailbridge/internal/dedup"
	"github.com/kr777/mailbridge/internal/delivery"
	"github.com/kr777/mailbridge/internal/models"
	"github.com/kr777/mailbridge/internal/parser"
	"github.com/kr777/mailbridge/internal/pipeline"
	"github.com/kr777/mailbridge/internal/queue"
	"github.com/kr777/mailbridge/internal/router"
	"github.com/kr777/mailbridge/internal/signature"
	"github.com/kr777/mailbridge/internal/store"
	"github.com/kr777/mailbridge/internal/webhook"
)

// jobQueue is what both the webhook and the worker pool need from a queue.
type jobQueue interface {
	pipeline.JobQueue
	Ping(ctx context.Context) error
}

func main() {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: parseLevel(cfg.LogLevel),
	}))
	slog.SetDefault(logger)

	slog.Info("starting mailbridge",
		"aliases", len(cfg.Aliases),
		"workers", cfg.Workers,
		"ai_model", cfg.AI.Model,
		"default_target_language", cfg.DefaultTargetLanguage,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// --- Transaction Store ---
	staleAfter := store.DefaultStaleAfter
	if 2*cfg.JobTimeout > staleAfter {
		staleAfter = 2 * cfg.JobTimeout
	}
	var txStore store.Store
	if cfg.DatabaseURL != "" {
		pgPool, err := pgxpool.New(ctx, cfg.DatabaseURL)
		if err != nil {
			slog.Error("failed to create Postgres pool", "error", err)
			os.Exit(1)
		}
		defer pgPool.Close()

		if err := pgPool.Ping(ctx); err != nil {
			slog.Error("failed to connect to PostgreSQL", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to PostgreSQL")

		pg, err := store.NewPostgres(ctx, pgPool, staleAfter)
		if err != nil {
			slog.Error("failed to initialise transaction store", "error", err)
			os.Exit(1)
		}
		txStore = pg
	} else {
		slog.Warn("DATABASE_URL not set, using in-memory transaction store")
		txStore = store.NewMemory(staleAfter)
	}

	// --- Queue and Dedup Filter ---
	var (
		jobs jobQueue
		seen webhook.SeenFilter
	)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			slog.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()

		rq := queue.NewRedis(rdb, cfg.JobsQueue)
		if err := rq.Ping(ctx); err != nil {
			slog.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		slog.Info("connected to Redis", "queue", cfg.JobsQueue)
		jobs = rq
		seen = dedup.NewFilter(rdb, cfg.DedupTTL)
	} else {
		slog.Warn("REDIS_URL not set, using in-memory queue")
		mq := queue.NewMemory(1024)
		defer mq.Close()
		jobs = mq
		seen = dedup.NewMemoryFilter(cfg.DedupTTL)
	}

	// --- Delivery Channels ---
	var primary delivery.Sender
	if cfg.Delivery.SES.Region != "" {
		primary = delivery.WithBreaker(
			delivery.NewSESSender(cfg.Delivery.SES, nil),
			models.ChannelPrimary,
			cfg.Delivery.BreakerFailures,
			cfg.Delivery.BreakerCooldown,
		)
	} else {
		slog.Warn("SES region not configured, primary delivery channel disabled")
	}
	var secondary delivery.Sender
	if cfg.Delivery.SMTP.Host != "" {
		secondary = delivery.NewSMTPSender(cfg.Delivery.SMTP)
	} else {
		slog.Warn("SMTP relay not configured, secondary delivery channel disabled")
	}

	dispatcher := delivery.NewDispatcher(delivery.DispatcherOptions{
		Primary:          primary,
		Secondary:        secondary,
		PrimaryTimeout:   cfg.Delivery.PrimaryTimeout,
		SecondaryTimeout: cfg.Delivery.SecondaryTimeout,
	})

	// --- Pipeline ---
	verifier := signature.NewVerifier(cfg.SignatureSecret)
	proc := pipeline.New(pipeline.Options{
		Verifier: verifier,
		Parser: parser.New(parser.Options{
			MaxContentLength:    cfg.MaxContentLength,
			StripHeaderPrefixes: cfg.StripHeaderPrefixes,
		}),
		Router: router.New(cfg.Aliases),
		// Token refresh outlives ctx so that draining workers can still call the model.
		AI:     ai.NewFromConfig(context.Background(), cfg.AI),
		Composer: compose.New(compose.Options{
			SignatureLines:    cfg.SignatureLines,
			TranslationFooter: cfg.TranslationFooter,
		}),
		Dispatcher:            dispatcher,
		Store:                 txStore,
		DefaultTargetLanguage: cfg.DefaultTargetLanguage,
	})

	pool := pipeline.NewPool(proc, jobs, pipeline.PoolConfig{
		Workers:      cfg.Workers,
		JobTimeout:   cfg.JobTimeout,
		RequeueDelay: 2 * time.Second,
		Seen:         seen,
	})
	poolDone := make(chan struct{})
	go func() {
		defer close(poolDone)
		if err := pool.Run(ctx); err != nil {
			slog.Error("worker pool error", "error", err)
		}
	}()

	// --- Webhook Server ---
	handler := webhook.NewHandler(webhook.HandlerConfig{
		Verifier:              verifier,
		SignatureHeader:       cfg.SignatureHeader,
		Queue:                 jobs,
		Seen:                  seen,
		DefaultTargetLanguage: cfg.DefaultTargetLanguage,
		SupportedLanguages:    cfg.SupportedLanguages,
		Checks: map[string]webhook.Pinger{
			"store": txStore,
			"queue": jobs,
		},
	})
	ready, err := webhook.Serve(ctx, webhook.ServerConfig{
		Port:         cfg.Port,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}, webhook.NewRouter(handler))
	if err != nil {
		slog.Error("failed to start webhook server", "error", err)
		os.Exit(1)
	}
	<-ready

	// --- Graceful Shutdown ---
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	sig := <-sigCh

	slog.Info("received shutdown signal", "signal", sig.String())
	cancel()

	// Workers finish the message they hold; each is bounded by the job timeout.
	select {
	case <-poolDone:
	case <-time.After(cfg.JobTimeout + 15*time.Second):
		slog.Warn("worker pool did not stop in time")
	}

	slog.Info("mailbridge stopped")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
