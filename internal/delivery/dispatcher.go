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

// Package delivery sends composed replies through a primary channel
// (Amazon SES) and, if that fails, exactly once through a secondary
// channel (an SMTP relay).
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/kr777/mailbridge/internal/metrics"
	"github.com/kr777/mailbridge/internal/models"
)

// State is a dispatcher state.
type State string

const (
	StatePending            State = "pending"
	StatePrimaryAttempted   State = "primary_attempted"
	StateSecondaryAttempted State = "secondary_attempted"
	StateDelivered          State = "delivered"
	StateFailed             State = "failed"
)

// transitions is the complete state machine, keyed on the current state
// and whether the attempt made in it succeeded.
var transitions = map[State]map[bool]State{
	StatePrimaryAttempted:   {true: StateDelivered, false: StateSecondaryAttempted},
	StateSecondaryAttempted: {true: StateDelivered, false: StateFailed},
}

// Terminal reports whether no further attempt follows s.
func (s State) Terminal() bool {
	return s == StateDelivered || s == StateFailed
}

// Next returns the state that follows an attempt made in s.
func Next(s State, succeeded bool) (State, error) {
	if s == StatePending {
		return StatePrimaryAttempted, nil
	}
	next, ok := transitions[s][succeeded]
	if !ok {
		return s, fmt.Errorf("no transition from %s", s)
	}
	return next, nil
}

// Dispatcher is safe for concurrent use.
type Dispatcher struct {
	primary          Sender
	secondary        Sender
	primaryTimeout   time.Duration
	secondaryTimeout time.Duration
	now              func() time.Time
}

// DispatcherOptions configures a Dispatcher.
type DispatcherOptions struct {
	Primary          Sender
	Secondary        Sender
	PrimaryTimeout   time.Duration
	SecondaryTimeout time.Duration
	Now              func() time.Time
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(opts DispatcherOptions) *Dispatcher {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		primary:          opts.Primary,
		secondary:        opts.Secondary,
		primaryTimeout:   opts.PrimaryTimeout,
		secondaryTimeout: opts.SecondaryTimeout,
		now:              now,
	}
}

// AttemptFunc observes each attempt as soon as it finishes.
type AttemptFunc func(models.DeliveryAttempt)

// Deliver sends tx.Outbound. Every attempt is appended to tx.Attempts
// and passed to onAttempt before the next one starts. It returns the
// terminal state and, when the state is StateFailed, the last channel
// error.
func (d *Dispatcher) Deliver(ctx context.Context, tx *models.Transaction, onAttempt AttemptFunc) (State, error) {
	out := tx.Outbound
	if out == nil {
		return StatePending, errors.New("deliver: transaction has no outbound message")
	}

	out.MessageID = NewMessageID(out.FromAddress)
	raw, err := RenderMIME(out, out.MessageID)
	if err != nil {
		return StatePending, fmt.Errorf("deliver: %w", err)
	}
	env := &Envelope{
		From:      out.FromAddress,
		To:        out.ToAddress,
		MessageID: out.MessageID,
		Raw:       raw,
	}

	state, _ := Next(StatePending, false)
	var lastErr error
	for !state.Terminal() {
		sender, channel, timeout := d.primary, models.ChannelPrimary, d.primaryTimeout
		if state == StateSecondaryAttempted {
			sender, channel, timeout = d.secondary, models.ChannelSecondary, d.secondaryTimeout
		}

		startedAt := d.now().UTC()
		lastErr = d.attempt(ctx, sender, channel, timeout, env)
		a := models.DeliveryAttempt{
			Channel:     channel,
			AttemptedAt: startedAt,
			Succeeded:   lastErr == nil,
		}
		if lastErr != nil {
			a.ErrorDetail = lastErr.Error()
		}
		tx.AppendAttempt(a)
		if onAttempt != nil {
			onAttempt(a)
		}

		if lastErr != nil && channel == models.ChannelPrimary {
			slog.Warn("primary delivery failed, falling back to secondary",
				"message_id", tx.Inbound.MessageID,
				"to", env.To,
				"error", lastErr,
			)
		}

		state, err = Next(state, lastErr == nil)
		if err != nil {
			return state, err
		}
	}

	if state == StateDelivered {
		return state, nil
	}
	return state, lastErr
}

func (d *Dispatcher) attempt(ctx context.Context, s Sender, channel models.Channel, timeout time.Duration, env *Envelope) error {
	if s == nil {
		metrics.DeliveryAttemptsTotal.WithLabelValues(string(channel), "unconfigured").Inc()
		return &ChannelError{Channel: channel, Provider: "none", Permanent: true, Err: errors.New("channel not configured")}
	}

	actx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	err := s.Send(actx, env)
	if err != nil {
		var ce *ChannelError
		if !errors.As(err, &ce) {
			err = &ChannelError{Channel: channel, Provider: s.Name(), Err: err}
		}
		metrics.DeliveryAttemptsTotal.WithLabelValues(string(channel), "failure").Inc()
		return err
	}
	metrics.DeliveryAttemptsTotal.WithLabelValues(string(channel), "success").Inc()
	return nil
}
