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
	"bytes"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/emersion/go-message/mail"
	"github.com/google/uuid"

	"github.com/kr777/mailbridge/internal/models"
)

// NewMessageID returns an RFC 5322 message id in the sender's domain.
func NewMessageID(from string) string {
	domain := "localhost"
	if i := strings.LastIndex(from, "@"); i >= 0 && i < len(from)-1 {
		domain = from[i+1:]
	}
	return fmt.Sprintf("<%s@%s>", uuid.NewString(), domain)
}

// RenderMIME renders out as a single-part text/plain UTF-8 message with
// threading headers pointing at the inbound message.
func RenderMIME(out *models.OutboundMessage, messageID string) ([]byte, error) {
	date := out.ComposedAt
	if date.IsZero() {
		date = time.Now()
	}

	var h mail.Header
	h.SetDate(date)
	h.SetAddressList("From", []*mail.Address{{Address: out.FromAddress}})
	h.SetAddressList("To", []*mail.Address{{Address: out.ToAddress}})
	h.SetAddressList("Reply-To", []*mail.Address{{Address: out.FromAddress}})
	h.SetSubject(out.Subject)
	h.Set("Message-ID", messageID)
	if out.InReplyTo != "" {
		h.Set("In-Reply-To", out.InReplyTo)
		refs := out.References
		if refs == "" {
			refs = out.InReplyTo
		}
		h.Set("References", refs)
	}
	h.Set("Auto-Submitted", "auto-replied")
	h.Set("X-Auto-Response-Suppress", "All")
	h.SetContentType("text/plain", map[string]string{"charset": "utf-8"})

	var buf bytes.Buffer
	w, err := mail.CreateSingleInlineWriter(&buf, h)
	if err != nil {
		return nil, fmt.Errorf("create message writer: %w", err)
	}
	if _, err := io.WriteString(w, out.BodyText); err != nil {
		return nil, fmt.Errorf("write message body: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("close message writer: %w", err)
	}
	return buf.Bytes(), nil
}
