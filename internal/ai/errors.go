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
	"errors"
	"fmt"
)

// Kind classifies AI client failures.
type Kind string

const (
	// KindUnavailable covers network, auth and rate-limit failures.
	KindUnavailable Kind = "ai_unavailable"
	// KindTimeout means a single attempt exceeded its deadline.
	KindTimeout Kind = "ai_timeout"
	// KindMalformedResponse means a response arrived but did not match
	// the expected schema.
	KindMalformedResponse Kind = "malformed_ai_response"
)

// Error is the typed failure returned by the client.
type Error struct {
	Kind Kind
	// StatusCode is the HTTP status for KindUnavailable, if any.
	StatusCode int
	Attempts   int
	Err        error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (http %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ""
}
