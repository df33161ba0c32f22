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
	"fmt"

	"github.com/kr777/mailbridge/internal/models"
)

// Envelope is what a channel sends: SMTP envelope addresses plus the
// fully rendered RFC 5322 message.
type Envelope struct {
	From      string
	To        string
	MessageID string
	Raw       []byte
}

// Sender is one delivery channel.
type Sender interface {
	Name() string
	Send(ctx context.Context, env *Envelope) error
}

// ChannelError is a failure reported by a delivery channel. Permanent
// marks provider rejections that will not succeed on resubmission.
type ChannelError struct {
	Channel   models.Channel
	Provider  string
	Code      string
	Permanent bool
	Err       error
}

func (e *ChannelError) Error() string {
	kind := "temporary"
	if e.Permanent {
		kind = "permanent"
	}
	msg := fmt.Sprintf("%s channel (%s) %s failure", e.Channel, e.Provider, kind)
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ChannelError) Unwrap() error { return e.Err }

// IsPermanentError reports whether err is a permanent channel failure.
func IsPermanentError(err error) bool {
	var ce *ChannelError
	if errors.As(err, &ce) {
		return ce.Permanent
	}
	return false
}
