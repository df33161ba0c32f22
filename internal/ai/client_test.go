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

package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kr777/mailbridge/internal/config"
	"github.com/kr777/mailbridge/internal/models"
)

func completion(content string) []byte {
	data, _ := json.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"role": "assistant", "content": content}},
		},
	})
	return data
}

const analysisJSON = `{
  "intent": "meeting_request",
  "urgency": "medium",
  "detected_language": "en",
  "can_auto_reply": true,
  "summary_in_target_language": "对方希望周二开会",
  "todo_items": ["Confirm Tuesday availability"],
  "reply_draft": "Tuesday works for me."
}`

// scriptedServer replies with responses[i] on the i-th call and repeats
// the last one afterwards.
func scriptedServer(t *testing.T, responses ...func(w http.ResponseWriter, r *http.Request)) (*httptest.Server, *int32) {
	t.Helper()
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := int(atomic.AddInt32(&calls, 1)) - 1
		if n >= len(responses) {
			n = len(responses) - 1
		}
		responses[n](w, r)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func reply(content string) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write(completion(content))
	}
}

func status(code int) func(http.ResponseWriter, *http.Request) {
	return func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "upstream says no", code)
	}
}

func newTestClient(url string, retry RetryPolicy) *Client {
	return New(Options{
		APIURL:    url,
		Model:     "test-model",
		MaxTokens: 100,
		Timeout:   time.Second,
		Retry:     retry,
	})
}

var testMessage = &models.InboundMessage{
	MessageID:   "<m1@example.com>",
	FromAddress: "alice@example.com",
	ToAddress:   "ai@kr777.top",
	Subject:     "Meeting Request",
	BodyText:    "Can we meet on Tuesday?",
}

func TestAnalyze_Success(t *testing.T) {
	var mu sync.Mutex
	var gotReq chatRequest
	srv, calls := scriptedServer(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		json.NewDecoder(r.Body).Decode(&gotReq)
		w.Write(completion("```json\n" + analysisJSON + "\n```"))
	})

	res, err := newTestClient(srv.URL, DefaultRetryPolicy(0)).Analyze(context.Background(), testMessage, "zh")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if atomic.LoadInt32(calls) != 1 {
		t.Errorf("calls = %d, want 1", atomic.LoadInt32(calls))
	}
	if !res.CanAutoReply || res.DetectedLanguage != "en" || res.Urgency != models.UrgencyMedium {
		t.Errorf("result = %+v", res)
	}
	if len(res.TodoItems) != 1 || res.ReplyDraft != "Tuesday works for me." {
		t.Errorf("result = %+v", res)
	}
	mu.Lock()
	defer mu.Unlock()
	if gotReq.Model != "test-model" || len(gotReq.Messages) != 2 {
		t.Errorf("request = %+v", gotReq)
	}
	if !strings.Contains(gotReq.Messages[0].Content, "Chinese (Simplified)") {
		t.Errorf("system prompt does not name target language: %q", gotReq.Messages[0].Content)
	}
	if !strings.Contains(gotReq.Messages[1].Content, "Can we meet on Tuesday?") {
		t.Errorf("user prompt missing body: %q", gotReq.Messages[1].Content)
	}
}

func TestTranslate_Success(t *testing.T) {
	srv, _ := scriptedServer(t, reply(`Sure! {"translated_text": "我们周二可以见面吗？", "source_language": "EN"}`))

	res, err := newTestClient(srv.URL, DefaultRetryPolicy(0)).Translate(context.Background(), testMessage, "zh")
	if err != nil {
		t.Fatalf("Translate: %v", err)
	}
	if res.TranslatedText != "我们周二可以见面吗？" || res.SourceLanguageGuess != "en" || res.TargetLanguage != "zh" {
		t.Errorf("result = %+v", res)
	}
}

func TestAnalyze_FailurePolicy(t *testing.T) {
	tests := []struct {
		name      string
		responses []func(http.ResponseWriter, *http.Request)
		retry     RetryPolicy
		wantKind  Kind
		wantCalls int32
	}{
		{
			name:      "non-json is not retried",
			responses: []func(http.ResponseWriter, *http.Request){reply("I cannot help with that")},
			retry:     DefaultRetryPolicy(0),
			wantKind:  KindMalformedResponse,
			wantCalls: 1,
		},
		{
			name:      "schema violation is not retried",
			responses: []func(http.ResponseWriter, *http.Request){reply(`{"intent": "x", "urgency": "extreme"}`)},
			retry:     DefaultRetryPolicy(0),
			wantKind:  KindMalformedResponse,
			wantCalls: 1,
		},
		{
			name:      "malformed retried once when enabled",
			responses: []func(http.ResponseWriter, *http.Request){reply("nope")},
			retry:     RetryPolicy{Retries: map[Kind]int{KindMalformedResponse: 1}},
			wantKind:  KindMalformedResponse,
			wantCalls: 2,
		},
		{
			name:      "unavailable retried once",
			responses: []func(http.ResponseWriter, *http.Request){status(http.StatusServiceUnavailable)},
			retry:     DefaultRetryPolicy(0),
			wantKind:  KindUnavailable,
			wantCalls: 2,
		},
		{
			name:      "rate limit is unavailable",
			responses: []func(http.ResponseWriter, *http.Request){status(http.StatusTooManyRequests)},
			retry:     DefaultRetryPolicy(0),
			wantKind:  KindUnavailable,
			wantCalls: 2,
		},
		{
			name:      "empty choices",
			responses: []func(http.ResponseWriter, *http.Request){func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte(`{"choices": []}`)) }},
			retry:     DefaultRetryPolicy(0),
			wantKind:  KindMalformedResponse,
			wantCalls: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, calls := scriptedServer(t, tt.responses...)
			_, err := newTestClient(srv.URL, tt.retry).Analyze(context.Background(), testMessage, "zh")
			if got := KindOf(err); got != tt.wantKind {
				t.Fatalf("kind = %q (err %v), want %q", got, err, tt.wantKind)
			}
			if atomic.LoadInt32(calls) != tt.wantCalls {
				t.Errorf("calls = %d, want %d", atomic.LoadInt32(calls), tt.wantCalls)
			}
			var ae *Error
			if errors.As(err, &ae) && ae.Attempts != int(tt.wantCalls) {
				t.Errorf("Attempts = %d, want %d", ae.Attempts, tt.wantCalls)
			}
		})
	}
}

func TestAnalyze_RetryDiscardsFirstAttempt(t *testing.T) {
	srv, calls := scriptedServer(t, status(http.StatusBadGateway), reply(analysisJSON))

	res, err := newTestClient(srv.URL, DefaultRetryPolicy(time.Millisecond)).Analyze(context.Background(), testMessage, "zh")
	if err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if atomic.LoadInt32(calls) != 2 {
		t.Errorf("calls = %d, want 2", atomic.LoadInt32(calls))
	}
	if res.Intent != "meeting_request" {
		t.Errorf("Intent = %q", res.Intent)
	}
}

func TestAnalyze_Timeout(t *testing.T) {
	srv, calls := scriptedServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})

	c := New(Options{APIURL: srv.URL, Model: "m", Timeout: 50 * time.Millisecond, Retry: DefaultRetryPolicy(0)})
	start := time.Now()
	_, err := c.Analyze(context.Background(), testMessage, "zh")
	if KindOf(err) != KindTimeout {
		t.Fatalf("kind = %q (err %v), want timeout", KindOf(err), err)
	}
	if atomic.LoadInt32(calls) != 2 {
		t.Errorf("calls = %d, want 2", atomic.LoadInt32(calls))
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("elapsed = %v, attempts were not bounded", elapsed)
	}
}

func TestNewHTTPClient_BearerKey(t *testing.T) {
	var auth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth.Store(r.Header.Get("Authorization"))
		w.Write(completion(analysisJSON))
	}))
	defer srv.Close()

	hc := NewHTTPClient(context.Background(), config.AIConfig{APIKey: "sk-test"})
	c := New(Options{APIURL: srv.URL, Model: "m", Timeout: time.Second, HTTPClient: hc})
	if _, err := c.Analyze(context.Background(), testMessage, "en"); err != nil {
		t.Fatalf("Analyze: %v", err)
	}
	if got, _ := auth.Load().(string); got != "Bearer sk-test" {
		t.Errorf("Authorization = %q", got)
	}
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name, in, want string
		wantErr        bool
	}{
		{name: "bare", in: `{"a":1}`, want: `{"a":1}`},
		{name: "fenced json", in: "here:\n```json\n{\"a\":1}\n```\nthanks", want: `{"a":1}`},
		{name: "fenced plain", in: "```\n{\"a\":1}\n```", want: `{"a":1}`},
		{name: "prose around", in: `Result: {"a":{"b":2}} done`, want: `{"a":{"b":2}}`},
		{name: "none", in: "no json here", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := extractJSON(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("expected error, got %q", got)
				}
				return
			}
			if err != nil || got != tt.want {
				t.Errorf("extractJSON = %q, %v; want %q", got, err, tt.want)
			}
		})
	}
}

func TestDecodeAnalysis_RequiresCanAutoReply(t *testing.T) {
	_, err := decodeAnalysis(`{"intent":"x","urgency":"low","detected_language":"en","summary_in_target_language":"s","todo_items":[]}`)
	if err == nil {
		t.Fatal("expected schema error for missing can_auto_reply")
	}
	res, err := decodeAnalysis(`{"intent":"x","urgency":"low","detected_language":"en","can_auto_reply":false,"summary_in_target_language":"s","todo_items":[]}`)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.CanAutoReply || len(res.TodoItems) != 0 {
		t.Errorf("result = %+v", res)
	}
}

func TestDetectForward(t *testing.T) {
	tests := []struct {
		name            string
		subject, body   string
		wantForwarded   bool
		wantInstruction string
	}{
		{name: "plain", subject: "Hello", body: "Just a note", wantForwarded: false},
		{name: "subject only", subject: "Fwd: Invoice", body: "see below", wantForwarded: true},
		{
			name:            "gmail marker",
			subject:         "Fwd: Invoice",
			body:            "Please summarise this\n\n---------- Forwarded message ---------\nFrom: vendor",
			wantForwarded:   true,
			wantInstruction: "Please summarise this",
		},
		{
			name:            "chinese marker",
			subject:         "转发: 报价",
			body:            "帮我回复\n-------- 原始邮件 --------\n内容",
			wantForwarded:   true,
			wantInstruction: "帮我回复",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := DetectForward(tt.subject, tt.body)
			if f.IsForwarded != tt.wantForwarded {
				t.Errorf("IsForwarded = %v, want %v", f.IsForwarded, tt.wantForwarded)
			}
			if f.Instruction != tt.wantInstruction {
				t.Errorf("Instruction = %q, want %q", f.Instruction, tt.wantInstruction)
			}
		})
	}
}

func TestGuessLanguage(t *testing.T) {
	tests := []struct{ in, want string }{
		{"Hello, can we meet?", "en"},
		{"你好，我们可以见面吗？", "zh"},
		{"こんにちは、会えますか？", "ja"},
		{"안녕하세요", "ko"},
		{"Привет, как дела?", "ru"},
		{"12345 !!!", ""},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := GuessLanguage(tt.in); got != tt.want {
				t.Errorf("GuessLanguage(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRetryPolicy_MaxAttempts(t *testing.T) {
	if got := DefaultRetryPolicy(0).MaxAttempts(); got != 2 {
		t.Errorf("MaxAttempts = %d, want 2", got)
	}
	if got := (RetryPolicy{}).MaxAttempts(); got != 1 {
		t.Errorf("MaxAttempts = %d, want 1", got)
	}
}
