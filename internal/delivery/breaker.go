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

package delivery

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/kr777/mailbridge/internal/metrics"
	"github.com/kr777/mailbridge/internal/models"
)

// BreakerSender guards a channel with a circuit breaker. While the breaker
// is open, Send fails fast so the dispatcher moves straight to the next
// channel instead of waiting out a timeout.
type BreakerSender struct {
	next    Sender
	channel models.Channel
	cb      *gobreaker.CircuitBreaker
}

// WithBreaker wraps next. The breaker opens after failures consecutive
// failures and half-opens again after cooldown.
func WithBreaker(next Sender, channel models.Channel, failures uint32, cooldown time.Duration) *BreakerSender {
	if failures == 0 {
		failures = 5
	}
	settings := gobreaker.Settings{
		Name:        string(channel) + "-" + next.Name(),
		MaxRequests: 1,
		Interval:    time.Minute,
		Timeout:     cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= failures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("delivery circuit breaker state changed",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
			metrics.BreakerState.WithLabelValues(string(channel)).Set(float64(to))
		},
	}
	metrics.BreakerState.WithLabelValues(string(channel)).Set(float64(gobreaker.StateClosed))
	return &BreakerSender{
		next:    next,
		channel: channel,
		cb:      gobreaker.NewCircuitBreaker(settings),
	}
}

// Name implements Sender.
func (b *BreakerSender) Name() string { return b.next.Name() }

// State returns the breaker state.
func (b *BreakerSender) State() gobreaker.State { return b.cb.State() }

// Send implements Sender.
func (b *BreakerSender) Send(ctx context.Context, env *Envelope) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		return nil, b.next.Send(ctx, env)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &ChannelError{
			Channel:  b.channel,
			Provider: b.next.Name(),
			Code:     "circuit_open",
			Err:      err,
		}
	}
	return err
}
