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

// Package parser normalises a verified inbound payload into an
// InboundMessage. It walks the MIME tree with go-message, decodes
// declared charsets, falls back to a byte-level charset guess when none
// is declared, and drops provider-injected headers.
package parser

import (
	"bytes"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/mail"
	"github.com/k3a/html2text"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/simplifiedchinese"

	"github.com/kr777/mailbridge/internal/models"
)

// syntheticDomain is used for message IDs synthesised from the raw bytes
// when neither the message nor the provider supplies one.
const syntheticDomain = "mailbridge.invalid"

// MalformedError reports a payload that cannot be turned into a message.
// Resubmitting the same payload will fail the same way.
type MalformedError struct {
	Reason string
	Err    error
}

func (e *MalformedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed message: %s: %v", e.Reason, e.Err)
	}
	return "malformed message: " + e.Reason
}

func (e *MalformedError) Unwrap() error { return e.Err }

// Options configures a Parser.
type Options struct {
	// MaxContentLength bounds the text and HTML bodies, in runes.
	// Zero disables truncation.
	MaxContentLength int
	// StripHeaderPrefixes lists header name prefixes injected by the
	// receiving provider. Matching headers are not kept.
	StripHeaderPrefixes []string
	// Now is used when the payload carries no receive time.
	Now func() time.Time
}

// Parser converts inbound payloads to InboundMessages.
type Parser struct {
	maxContent  int
	stripPrefix []string
	now         func() time.Time
}

// New creates a parser.
func New(opts Options) *Parser {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	prefixes := make([]string, 0, len(opts.StripHeaderPrefixes))
	for _, p := range opts.StripHeaderPrefixes {
		prefixes = append(prefixes, strings.ToLower(p))
	}
	return &Parser{
		maxContent:  opts.MaxContentLength,
		stripPrefix: prefixes,
		now:         now,
	}
}

// Parse decodes payload.RawBase64 and extracts an InboundMessage.
func (p *Parser) Parse(payload *models.InboundPayload) (*models.InboundMessage, error) {
	raw, err := decodeBase64(payload.RawBase64)
	if err != nil {
		return nil, &MalformedError{Reason: "raw_base64 is not valid base64", Err: err}
	}
	if len(raw) == 0 {
		return nil, &MalformedError{Reason: "empty raw message"}
	}

	mr, err := mail.CreateReader(bytes.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, &MalformedError{Reason: "unparseable MIME header", Err: err}
	}
	if err != nil {
		slog.Warn("unknown charset in message header, continuing", "error", err)
	}
	defer mr.Close()

	msg := &models.InboundMessage{
		RawSize:     len(raw),
		Headers:     make(map[string]string),
		Attachments: []models.Attachment{},
	}

	p.readHeader(&mr.Header, msg)

	var text, html string
	var textCharset, htmlCharset string
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil && !message.IsUnknownCharset(err) {
			return nil, &MalformedError{Reason: "unreadable MIME part", Err: err}
		}
		if part == nil {
			break
		}

		switch h := part.Header.(type) {
		case *mail.InlineHeader:
			ct, params, _ := h.ContentType()
			if ct != "text/plain" && ct != "text/html" {
				// Inline images and the like are kept as attachment metadata.
				n, _ := io.Copy(io.Discard, part.Body)
				msg.Attachments = append(msg.Attachments, models.Attachment{
					Name:        inlineName(h),
					ContentType: ct,
					Size:        int(n),
				})
				continue
			}
			body, err := io.ReadAll(part.Body)
			if err != nil {
				return nil, &MalformedError{Reason: "read body part", Err: err}
			}
			decoded, cs := decodeCharset(body, params["charset"])
			if ct == "text/plain" && text == "" {
				text, textCharset = decoded, cs
			} else if ct == "text/html" && html == "" {
				html, htmlCharset = decoded, cs
			}
		case *mail.AttachmentHeader:
			filename, _ := h.Filename()
			ct, _, _ := h.ContentType()
			n, _ := io.Copy(io.Discard, part.Body)
			msg.Attachments = append(msg.Attachments, models.Attachment{
				Name:        filename,
				ContentType: ct,
				Size:        int(n),
			})
		}
	}

	if strings.TrimSpace(text) == "" && strings.TrimSpace(html) != "" {
		text = html2text.HTML2Text(html)
	}
	if strings.TrimSpace(text) == "" {
		return nil, &MalformedError{Reason: "no usable text or html body"}
	}

	msg.BodyText = p.truncate(strings.TrimSpace(text))
	msg.BodyHTML = p.truncate(html)
	msg.Charset = firstNonEmpty(textCharset, htmlCharset)

	p.applyEnvelope(payload, raw, msg)

	if msg.FromAddress == "" {
		return nil, &MalformedError{Reason: "no sender address"}
	}
	if msg.ToAddress == "" {
		return nil, &MalformedError{Reason: "no recipient address"}
	}
	return msg, nil
}

// readHeader copies the top-level header fields into msg.
func (p *Parser) readHeader(h *mail.Header, msg *models.InboundMessage) {
	if subject, err := h.Subject(); err == nil {
		msg.Subject = subject
	} else {
		msg.Subject = h.Get("Subject")
	}

	if from, err := h.AddressList("From"); err == nil && len(from) > 0 {
		msg.FromAddress = strings.ToLower(from[0].Address)
		msg.FromName = from[0].Name
	}
	if to, err := h.AddressList("To"); err == nil && len(to) > 0 {
		msg.ToAddress = strings.ToLower(to[0].Address)
	}
	if id, err := h.MessageID(); err == nil && id != "" {
		msg.MessageID = "<" + id + ">"
	}
	if date, err := h.Date(); err == nil && !date.IsZero() {
		msg.ReceivedAt = date.UTC()
	}
	msg.References = strings.TrimSpace(h.Get("References"))

	fields := h.Fields()
	for fields.Next() {
		key := fields.Key()
		if p.stripped(key) {
			continue
		}
		if _, ok := msg.Headers[key]; ok {
			continue
		}
		v, err := fields.Text()
		if err != nil {
			v = fields.Value()
		}
		msg.Headers[key] = v
	}
}

// applyEnvelope fills identity fields from the provider envelope. The
// envelope recipient wins over the To header because it names the alias
// the provider actually delivered to.
func (p *Parser) applyEnvelope(payload *models.InboundPayload, raw []byte, msg *models.InboundMessage) {
	if to := bareAddress(payload.To); to != "" {
		msg.ToAddress = to
	}
	if msg.FromAddress == "" {
		msg.FromAddress = bareAddress(payload.From)
	}
	if msg.Subject == "" {
		msg.Subject = payload.Subject
	}

	if msg.MessageID == "" {
		msg.MessageID = normaliseMessageID(payload.MessageID)
	}
	if msg.MessageID == "" {
		msg.MessageID = syntheticID(raw)
	}

	if t, err := time.Parse(time.RFC3339, payload.ReceivedAt); err == nil {
		msg.ReceivedAt = t.UTC()
	} else if msg.ReceivedAt.IsZero() {
		msg.ReceivedAt = p.now().UTC()
	}
}

// FallbackMessageID returns the id a payload is recorded under when it
// cannot be parsed: the envelope id, else one derived from the raw bytes.
func FallbackMessageID(payload *models.InboundPayload) string {
	if id := normaliseMessageID(payload.MessageID); id != "" {
		return id
	}
	raw, err := decodeBase64(payload.RawBase64)
	if err != nil || len(raw) == 0 {
		raw = []byte(payload.RawBase64)
	}
	return syntheticID(raw)
}

func syntheticID(raw []byte) string {
	sum := sha256.Sum256(raw)
	return "<" + hex.EncodeToString(sum[:16]) + "@" + syntheticDomain + ">"
}

func (p *Parser) stripped(key string) bool {
	lk := strings.ToLower(key)
	for _, prefix := range p.stripPrefix {
		if strings.HasPrefix(lk, prefix) {
			return true
		}
	}
	return false
}

func (p *Parser) truncate(s string) string {
	if p.maxContent <= 0 || utf8.RuneCountInString(s) <= p.maxContent {
		return s
	}
	runes := []rune(s)
	return string(runes[:p.maxContent]) +
		fmt.Sprintf("\n\n[Content truncated: %d characters total]", len(runes))
}

// decodeCharset returns body as UTF-8. Declared charsets have already
// been decoded by go-message; undeclared ones are guessed.
func decodeCharset(body []byte, declared string) (string, string) {
	if declared != "" {
		return string(body), strings.ToLower(declared)
	}
	if utf8.Valid(body) {
		return string(body), "utf-8"
	}
	if out, err := simplifiedchinese.GB18030.NewDecoder().Bytes(body); err == nil && utf8.Valid(out) && !bytes.ContainsRune(out, utf8.RuneError) {
		return string(out), "gb18030"
	}
	out, _ := charmap.ISO8859_1.NewDecoder().Bytes(body)
	return string(out), "iso-8859-1"
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\r', '\n', ' ', '\t':
			return -1
		}
		return r
	}, s)
	raw, err := base64.StdEncoding.DecodeString(s)
	if err == nil {
		return raw, nil
	}
	if raw, rerr := base64.RawStdEncoding.DecodeString(s); rerr == nil {
		return raw, nil
	}
	return nil, err
}

// bareAddress extracts "user@host" from forms like `"Name" <user@host>`.
func bareAddress(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if addr, err := mail.ParseAddress(s); err == nil {
		return strings.ToLower(addr.Address)
	}
	if i := strings.LastIndex(s, "<"); i >= 0 {
		if j := strings.Index(s[i:], ">"); j > 0 {
			return strings.ToLower(strings.TrimSpace(s[i+1 : i+j]))
		}
	}
	if strings.Contains(s, "@") && !strings.ContainsAny(s, " <>") {
		return strings.ToLower(s)
	}
	return ""
}

// BareAddress is exported for collaborators that receive display-form
// addresses outside of a parsed message.
func BareAddress(s string) string { return bareAddress(s) }

func normaliseMessageID(id string) string {
	id = strings.TrimSpace(id)
	if id == "" {
		return ""
	}
	id = strings.TrimSuffix(strings.TrimPrefix(id, "<"), ">")
	return "<" + id + ">"
}

func inlineName(h *mail.InlineHeader) string {
	if _, params, err := h.ContentDisposition(); err == nil && params["filename"] != "" {
		return params["filename"]
	}
	_, params, _ := h.ContentType()
	return params["name"]
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

// IsMalformed reports whether err is a MalformedError.
func IsMalformed(err error) bool {
	var me *MalformedError
	return errors.As(err, &me)
}
