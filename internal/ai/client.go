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

// Package ai calls an OpenAI-compatible chat completions endpoint to
// analyse or translate inbound mail. Responses are decoded into strict,
// validated result types; anything else is a MalformedResponse failure.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/kr777/mailbridge/internal/config"
	"github.com/kr777/mailbridge/internal/metrics"
	"github.com/kr777/mailbridge/internal/models"
)

// maxResponseBytes bounds how much of a response body is read.
const maxResponseBytes = 4 << 20

// Options configures a Client.
type Options struct {
	APIURL               string
	Model                string
	MaxTokens            int
	Temperature          float64
	TranslateTemperature float64
	// Timeout bounds each attempt independently.
	Timeout    time.Duration
	Retry      RetryPolicy
	HTTPClient *http.Client
}

// Client is safe for concurrent use.
type Client struct {
	apiURL        string
	model         string
	maxTokens     int
	temperature   float64
	translateTemp float64
	timeout       time.Duration
	retry         RetryPolicy
	http          *http.Client
}

// New creates a client.
func New(opts Options) *Client {
	hc := opts.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		apiURL:        opts.APIURL,
		model:         opts.Model,
		maxTokens:     opts.MaxTokens,
		temperature:   opts.Temperature,
		translateTemp: opts.TranslateTemperature,
		timeout:       timeout,
		retry:         opts.Retry,
		http:          hc,
	}
}

// NewFromConfig builds a client and its authenticated transport from
// configuration.
func NewFromConfig(ctx context.Context, cfg config.AIConfig) *Client {
	retry := DefaultRetryPolicy(cfg.RetryBackoff)
	if cfg.RetryOnMalformed {
		retry.Retries[KindMalformedResponse] = 1
	}
	return New(Options{
		APIURL:               cfg.APIURL,
		Model:                cfg.Model,
		MaxTokens:            cfg.MaxTokens,
		Temperature:          cfg.Temperature,
		TranslateTemperature: cfg.TranslateTemperature,
		Timeout:              cfg.Timeout,
		Retry:                retry,
		HTTPClient:           NewHTTPClient(ctx, cfg),
	})
}

// NewHTTPClient returns an HTTP client that authenticates requests with
// either the OAuth2 client-credentials flow or a static bearer key.
func NewHTTPClient(ctx context.Context, cfg config.AIConfig) *http.Client {
	if cfg.TokenURL != "" && cfg.ClientID != "" {
		creds := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
		}
		return creds.Client(ctx)
	}
	if cfg.APIKey != "" {
		return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
			AccessToken: cfg.APIKey,
			TokenType:   "Bearer",
		}))
	}
	return &http.Client{}
}

// Analyze runs analyze_reply mode. targetLang selects the language of the
// summary.
func (c *Client) Analyze(ctx context.Context, msg *models.InboundMessage, targetLang string) (*models.AnalysisResult, error) {
	system, user := analysisPrompt(msg, targetLang)
	return call(ctx, c, models.ModeAnalyzeReply, system, user, c.temperature, decodeAnalysis)
}

// Translate runs translate mode into targetLang.
func (c *Client) Translate(ctx context.Context, msg *models.InboundMessage, targetLang string) (*models.TranslationResult, error) {
	system, user := translationPrompt(msg, targetLang)
	return call(ctx, c, models.ModeTranslate, system, user, c.translateTemp,
		func(content string) (*models.TranslationResult, error) {
			return decodeTranslation(content, targetLang)
		})
}

// call runs attempts until one succeeds or the retry policy is exhausted.
// A failed attempt's output is discarded.
func call[T any](ctx context.Context, c *Client, mode models.Mode, system, user string, temp float64, decode func(string) (T, error)) (T, error) {
	var zero T
	failures := 0
	for {
		content, err := c.attempt(ctx, mode, system, user, temp)
		if err == nil {
			var result T
			result, err = decode(content)
			if err == nil {
				metrics.AIRequestsTotal.WithLabelValues(string(mode), "ok").Inc()
				return result, nil
			}
			err = &Error{Kind: KindMalformedResponse, Err: err}
		}

		var ae *Error
		if !errors.As(err, &ae) {
			ae = &Error{Kind: KindUnavailable, Err: err}
		}
		failures++
		ae.Attempts = failures
		metrics.AIRequestsTotal.WithLabelValues(string(mode), string(ae.Kind)).Inc()

		if !c.retry.allows(ae.Kind, failures) || ctx.Err() != nil {
			return zero, ae
		}

		slog.Warn("ai call failed, retrying",
			"mode", mode,
			"kind", ae.Kind,
			"attempt", failures,
			"error", ae.Err,
		)

		timer := time.NewTimer(c.retry.Backoff)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, ae
		case <-timer.C:
		}
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// attempt performs one bounded HTTP call and returns the assistant content.
func (c *Client) attempt(ctx context.Context, mode models.Mode, system, user string, temp float64) (string, error) {
	actx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		MaxTokens:   c.maxTokens,
		Temperature: temp,
	})
	if err != nil {
		return "", &Error{Kind: KindUnavailable, Err: fmt.Errorf("marshal request: %w", err)}
	}

	req, err := http.NewRequestWithContext(actx, http.MethodPost, c.apiURL, bytes.NewReader(body))
	if err != nil {
		return "", &Error{Kind: KindUnavailable, Err: fmt.Errorf("build request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	defer func() {
		metrics.AIRequestDuration.WithLabelValues(string(mode)).Observe(time.Since(start).Seconds())
	}()

	resp, err := c.http.Do(req)
	if err != nil {
		return "", classifyTransport(actx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return "", classifyTransport(actx, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", &Error{
			Kind:       KindUnavailable,
			StatusCode: resp.StatusCode,
			Err:        fmt.Errorf("ai endpoint returned %s: %s", resp.Status, truncate(string(data), 200)),
		}
	}

	var cr chatResponse
	if err := json.Unmarshal(data, &cr); err != nil {
		return "", &Error{Kind: KindMalformedResponse, Err: fmt.Errorf("decode completion: %w", err)}
	}
	if len(cr.Choices) == 0 || cr.Choices[0].Message.Content == "" {
		return "", &Error{Kind: KindMalformedResponse, Err: errors.New("completion has no content")}
	}
	return cr.Choices[0].Message.Content, nil
}

func classifyTransport(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &Error{Kind: KindTimeout, Err: err}
	}
	return &Error{Kind: KindUnavailable, Err: err}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
