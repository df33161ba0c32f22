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

package replay

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kr777/mailbridge/internal/dedup"
	"github.com/kr777/mailbridge/internal/models"
	"github.com/kr777/mailbridge/internal/queue"
	"github.com/kr777/mailbridge/internal/signature"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestRun(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "b.eml", "From: b@example.com\r\nSubject: two\r\n\r\nsecond\r\n")
	writeFile(t, dir, "a.eml", "From: a@example.com\r\nSubject: one\r\n\r\nfirst\r\n")
	writeFile(t, dir, "empty.eml", "   ")
	writeFile(t, dir, "notes.txt", "ignored")

	signer := signature.NewVerifier("replay-secret")
	q := queue.NewMemory(8)
	r := NewRunner(RunnerConfig{Signer: signer, Queue: q, Dedup: dedup.NewMemoryFilter(time.Hour)})

	req := Request{Dir: dir, To: "trans@kr777.top", Mode: models.ModeTranslate, TargetLanguage: "en"}
	res, err := r.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.TotalQueued != 2 || res.TotalErrors != 1 || res.TotalSkipped != 0 {
		t.Fatalf("result = %+v", res)
	}
	if filepath.Base(res.Files[0].Path) != "a.eml" {
		t.Errorf("files not replayed in name order: %v", res.Files[0].Path)
	}

	job, _ := q.Dequeue(context.Background())
	raw, _ := base64.StdEncoding.DecodeString(job.Payload.RawBase64)
	if string(raw) != "From: a@example.com\r\nSubject: one\r\n\r\nfirst\r\n" {
		t.Errorf("raw = %q", raw)
	}
	if err := signer.Verify([]byte(job.Payload.RawBase64), job.Signature); err != nil {
		t.Errorf("job signature does not verify: %v", err)
	}
	if job.Payload.To != "trans@kr777.top" || job.Mode != models.ModeTranslate || job.TargetLanguage != "en" {
		t.Errorf("job = %+v", job)
	}
	if want := dedup.Key(string(models.ModeTranslate), "en", job.Payload.RawBase64); job.Fingerprint != want {
		t.Errorf("fingerprint = %q, want %q", job.Fingerprint, want)
	}

	// A second run is deduplicated.
	res, err = r.Run(context.Background(), req)
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if res.TotalQueued != 0 || res.TotalSkipped != 2 {
		t.Errorf("second run = %+v, want everything skipped", res)
	}
}

func TestRun_Cancelled(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.eml", "Subject: x\r\n\r\nx\r\n")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := NewRunner(RunnerConfig{Signer: signature.NewVerifier("s"), Queue: queue.NewMemory(1)})
	if _, err := r.Run(ctx, Request{Dir: dir}); err == nil {
		t.Error("expected context error")
	}
}
