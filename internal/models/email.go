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

// Package models defines the data structures shared across the pipeline.
package models

import "time"

// EmailAddress represents a sender or recipient with an address and optional name.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// Attachment records metadata for a file attached to an inbound email.
// Attachment content is never retained.
type Attachment struct {
	Name        string `json:"name"`
	ContentType string `json:"content_type"`
	Size        int    `json:"size"`
}

// InboundMessage is the canonical form of a verified inbound email.
// It is immutable once the parser returns it.
type InboundMessage struct {
	MessageID   string            `json:"message_id"`
	FromAddress string            `json:"from_address"`
	FromName    string            `json:"from_name,omitempty"`
	ToAddress   string            `json:"to_address"`
	Subject     string            `json:"subject"`
	BodyText    string            `json:"body_text"`
	BodyHTML    string            `json:"body_html,omitempty"`
	Charset     string            `json:"charset,omitempty"`
	ReceivedAt  time.Time         `json:"received_at"`
	RawSize     int               `json:"raw_size"`
	References  string            `json:"references,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Attachments []Attachment      `json:"attachments"`
}

// OutboundMessage is a composed reply. It always threads to the
// originating inbound message through InReplyTo.
type OutboundMessage struct {
	// MessageID is assigned when the message is rendered for delivery.
	MessageID   string    `json:"message_id,omitempty"`
	InReplyTo   string    `json:"in_reply_to"`
	References  string    `json:"references,omitempty"`
	FromAddress string    `json:"from_address"`
	ToAddress   string    `json:"to_address"`
	Subject     string    `json:"subject"`
	BodyText    string    `json:"body_text"`
	ComposedAt  time.Time `json:"composed_at"`
}

// InboundPayload is the JSON body the mail provider posts to the webhook.
// RawBase64 carries the complete RFC 5322 message; the remaining fields
// are the provider's envelope summary.
type InboundPayload struct {
	RawBase64  string `json:"raw_base64"`
	From       string `json:"from"`
	To         string `json:"to"`
	Subject    string `json:"subject,omitempty"`
	Date       string `json:"date,omitempty"`
	MessageID  string `json:"message_id,omitempty"`
	ReceivedAt string `json:"received_at,omitempty"`
}
