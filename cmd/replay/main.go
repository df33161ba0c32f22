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

// mailbridge: replay command
//
// Standalone CLI that re-injects stored raw messages (.eml files) into the
// inbound queue, signed with the configured secret, so that messages lost
// to an outage can be processed again. Messages that already reached a
// terminal status are skipped by the pipeline.
//
// Usage:
//
//	go run ./cmd/replay/ --dir <path> [--to ai@example.com] [--translate] [--lang zh]
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kr777/mailbridge/internal/config"
	"github.com/kr777/mailbridge/internal/dedup"
	"github.com/kr777/mailbridge/internal/models"
	"github.com/kr777/mailbridge/internal/queue"
	"github.com/kr777/mailbridge/internal/replay"
	"github.com/kr777/mailbridge/internal/signature"
)

func main() {
	// Structured JSON logging
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	// --- CLI Flags ---
	dirFlag := flag.String("dir", "", "Directory containing .eml files (required)")
	toFlag := flag.String("to", "", "Envelope recipient alias (optional; empty = To header)")
	translateFlag := flag.Bool("translate", false, "Force translate mode regardless of alias")
	langFlag := flag.String("lang", "", "Target language for translate mode (optional)")
	delayFlag := flag.Duration("delay", 200*time.Millisecond, "Pause between files")
	flag.Parse()

	if *dirFlag == "" {
		fmt.Fprintf(os.Stderr, "Error: --dir is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	if cfg.RedisURL == "" {
		slog.Error("REDIS_URL is required: replay feeds the shared queue of a running service")
		os.Exit(1)
	}

	req := replay.Request{Dir: *dirFlag, To: *toFlag}
	if *translateFlag {
		req.Mode = models.ModeTranslate
		req.TargetLanguage = *langFlag
		if req.TargetLanguage == "" {
			req.TargetLanguage = cfg.DefaultTargetLanguage
		}
		if !cfg.LanguageSupported(req.TargetLanguage) {
			slog.Error("unsupported target language",
				"lang", req.TargetLanguage,
				"supported", cfg.SupportedLanguages,
			)
			os.Exit(1)
		}
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// --- Connect to Redis ---
	opt, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		slog.Error("invalid REDIS_URL", "error", err)
		os.Exit(1)
	}
	rdb := redis.NewClient(opt)
	defer rdb.Close()

	q := queue.NewRedis(rdb, cfg.JobsQueue)
	if err := q.Ping(ctx); err != nil {
		slog.Error("failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("connected to Redis", "queue", cfg.JobsQueue)

	// --- Run Replay ---
	runner := replay.NewRunner(replay.RunnerConfig{
		Signer: signature.NewVerifier(cfg.SignatureSecret),
		Queue:  q,
		Dedup:  dedup.NewFilter(rdb, cfg.DedupTTL),
		Delay:  *delayFlag,
	})

	result, err := runner.Run(ctx, req)
	if err != nil {
		slog.Error("replay failed", "error", err)
		os.Exit(1)
	}

	// --- Summary ---
	for _, fr := range result.Files {
		attrs := []any{"path", fr.Path, "status", fr.Status}
		if fr.JobID != "" {
			attrs = append(attrs, "job_id", fr.JobID)
		}
		if fr.Err != nil {
			attrs = append(attrs, "error", fr.Err)
		}
		slog.Info("file result", attrs...)
	}
	if result.TotalErrors > 0 {
		os.Exit(2)
	}
}
