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

// Package signature authenticates inbound webhook payloads. The mail
// provider signs the base64 raw message with a shared secret using
// HMAC-SHA256 and sends the lowercase hex digest in a request header.
package signature

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// ErrSignatureInvalid is returned when a payload's signature is missing or
// does not match.
var ErrSignatureInvalid = errors.New("signature invalid")

// Verifier checks payload signatures against a shared secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the given shared secret.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// Sign returns the hex HMAC-SHA256 of payload.
func (v *Verifier) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify returns nil if sig is the valid signature of payload.
// The comparison is constant-time.
func (v *Verifier) Verify(payload []byte, sig string) error {
	if len(v.secret) == 0 {
		return ErrSignatureInvalid
	}
	sig = strings.TrimSpace(sig)
	// Some providers prefix the algorithm, e.g. "sha256=<hex>".
	sig = strings.TrimPrefix(sig, "sha256=")
	got, err := hex.DecodeString(strings.ToLower(sig))
	if err != nil || len(got) != sha256.Size {
		return ErrSignatureInvalid
	}

	mac := hmac.New(sha256.New, v.secret)
	mac.Write(payload)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrSignatureInvalid
	}
	return nil
}
