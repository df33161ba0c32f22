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

// Package compose renders outbound replies from AI results. Composition
// is a pure function of its inputs: the same message and result always
// produce the same subject and body.
package compose

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"html"
	"regexp"
	"strings"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/kr777/mailbridge/internal/models"
)

// quoteLimit bounds the quoted original text, in runes.
const quoteLimit = 2000

const defaultTranslationFooter = "This translation was produced automatically by the mail translation service."

var (
	strictPolicy = bluemonday.StrictPolicy()
	blankRuns    = regexp.MustCompile(`\n{3,}`)
)

// CompositionError reports a required input that was missing.
type CompositionError struct {
	Field string
}

func (e *CompositionError) Error() string {
	return "compose reply: missing " + e.Field
}

// Input carries everything a reply is built from.
type Input struct {
	Inbound *models.InboundMessage
	// FromAddress is the alias' sender address.
	FromAddress string
	Analysis    *models.AnalysisResult
	Translation *models.TranslationResult
}

// Composer renders replies. It holds only fixed text.
type Composer struct {
	signature []string
	footer    string
	now       func() time.Time
}

// Options configures a Composer.
type Options struct {
	// SignatureLines form the identifying block at the end of every reply.
	SignatureLines    []string
	TranslationFooter string
	Now               func() time.Time
}

// New creates a composer.
func New(opts Options) *Composer {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	footer := opts.TranslationFooter
	if footer == "" {
		footer = defaultTranslationFooter
	}
	return &Composer{
		signature: append([]string{}, opts.SignatureLines...),
		footer:    footer,
		now:       now,
	}
}

// Compose builds the reply for mode. It returns (nil, nil) when an
// analysis says no automatic reply is appropriate.
func (c *Composer) Compose(mode models.Mode, in Input) (*models.OutboundMessage, error) {
	if in.Inbound == nil {
		return nil, &CompositionError{Field: "inbound message"}
	}
	if in.Inbound.MessageID == "" {
		return nil, &CompositionError{Field: "message id"}
	}
	if in.Inbound.FromAddress == "" {
		return nil, &CompositionError{Field: "sender address"}
	}
	if in.FromAddress == "" {
		return nil, &CompositionError{Field: "alias sender address"}
	}

	switch mode {
	case models.ModeAnalyzeReply:
		if in.Analysis == nil {
			return nil, &CompositionError{Field: "analysis result"}
		}
		if !in.Analysis.CanAutoReply {
			return nil, nil
		}
		return c.analysisReply(in), nil
	case models.ModeTranslate:
		if in.Translation == nil {
			return nil, &CompositionError{Field: "translation result"}
		}
		if strings.TrimSpace(in.Translation.TranslatedText) == "" {
			return nil, &CompositionError{Field: "translated text"}
		}
		return c.translationReply(in), nil
	}
	return nil, &CompositionError{Field: "mode"}
}

func (c *Composer) analysisReply(in Input) *models.OutboundMessage {
	msg, res := in.Inbound, in.Analysis
	t := templateFor(res.DetectedLanguage)

	var b strings.Builder
	b.WriteString(t.greeting(msg.FromName))
	b.WriteString("\n\n")
	b.WriteString(fmt.Sprintf(t.thanks, topic(res.Intent, msg.Subject)))
	b.WriteString("\n\n")
	if res.ReplyDraft != "" {
		b.WriteString(res.ReplyDraft)
	} else {
		b.WriteString(t.ack)
	}
	b.WriteString("\n")
	if len(res.TodoItems) > 0 {
		b.WriteString("\n")
		b.WriteString(t.todoHeader)
		b.WriteString("\n")
		for i, item := range res.TodoItems {
			fmt.Fprintf(&b, "%d. %s\n", i+1, item)
		}
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "%s: %s\n\n", t.reference, ReferenceID(msg.MessageID))
	b.WriteString(t.closing)
	b.WriteString("\n")
	c.writeSignature(&b)
	writeQuote(&b, t.originalHeader, msg)

	return &models.OutboundMessage{
		InReplyTo:   msg.MessageID,
		References:  references(msg),
		FromAddress: in.FromAddress,
		ToAddress:   msg.FromAddress,
		Subject:     ReplySubject(msg.Subject),
		BodyText:    b.String(),
		ComposedAt:  c.now().UTC(),
	}
}

func (c *Composer) translationReply(in Input) *models.OutboundMessage {
	msg, res := in.Inbound, in.Translation
	target := strings.ToLower(res.TargetLanguage)

	var b strings.Builder
	src := res.SourceLanguageGuess
	if src == "" {
		src = "auto"
	}
	fmt.Fprintf(&b, "Translation (%s -> %s)\n\n", src, target)
	b.WriteString(strings.TrimSpace(res.TranslatedText))
	b.WriteString("\n\n--\n")
	b.WriteString(c.footer)
	b.WriteString("\n")
	c.writeSignature(&b)
	writeQuote(&b, "--- Original Message ---", msg)

	return &models.OutboundMessage{
		InReplyTo:   msg.MessageID,
		References:  references(msg),
		FromAddress: in.FromAddress,
		ToAddress:   msg.FromAddress,
		Subject:     TranslationSubject(msg.Subject, target),
		BodyText:    b.String(),
		ComposedAt:  c.now().UTC(),
	}
}

func (c *Composer) writeSignature(b *strings.Builder) {
	for _, line := range c.signature {
		b.WriteString(line)
		b.WriteString("\n")
	}
}

// ReplySubject prefixes "Re: " unless the subject already carries it.
func ReplySubject(subject string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		return "Re: (no subject)"
	}
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}

// TranslationSubject marks subject as a translation into lang.
func TranslationSubject(subject, lang string) string {
	subject = strings.TrimSpace(subject)
	if subject == "" {
		subject = "(no subject)"
	}
	return fmt.Sprintf("%s [Translation: %s]", subject, lang)
}

// ReferenceID derives a short stable reference from a message id.
func ReferenceID(messageID string) string {
	sum := sha256.Sum256([]byte(messageID))
	return "MB-" + strings.ToUpper(hex.EncodeToString(sum[:4]))
}

func references(msg *models.InboundMessage) string {
	if msg.References == "" {
		return msg.MessageID
	}
	return msg.References + " " + msg.MessageID
}

func topic(intent, subject string) string {
	if s := strings.TrimSpace(subject); s != "" {
		return s
	}
	return strings.ReplaceAll(intent, "_", " ")
}

// writeQuote appends the original message, markup stripped and each line
// prefixed with "> ".
func writeQuote(b *strings.Builder, header string, msg *models.InboundMessage) {
	text := msg.BodyText
	if strings.TrimSpace(text) == "" {
		text = msg.BodyHTML
	}
	text = cleanText(text)
	if text == "" {
		return
	}
	if r := []rune(text); len(r) > quoteLimit {
		text = string(r[:quoteLimit]) + "..."
	}

	b.WriteString("\n")
	b.WriteString(header)
	b.WriteString("\n")
	fmt.Fprintf(b, "> From: %s\n", msg.FromAddress)
	fmt.Fprintf(b, "> Subject: %s\n", msg.Subject)
	b.WriteString(">\n")
	for _, line := range strings.Split(text, "\n") {
		if line == "" {
			b.WriteString(">\n")
			continue
		}
		b.WriteString("> ")
		b.WriteString(line)
		b.WriteString("\n")
	}
}

func cleanText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = html.UnescapeString(strictPolicy.Sanitize(s))
	lines := strings.Split(s, "\n")
	for i, l := range lines {
		lines[i] = strings.TrimRight(l, " \t")
	}
	s = strings.Join(lines, "\n")
	s = blankRuns.ReplaceAllString(s, "\n\n")
	return strings.TrimSpace(s)
}
