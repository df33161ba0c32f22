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

package models

import "time"

// Mode selects how an inbound message is processed.
type Mode string

const (
	ModeAnalyzeReply Mode = "analyze_reply"
	ModeTranslate    Mode = "translate"
)

// Valid reports whether m is a known processing mode.
func (m Mode) Valid() bool {
	return m == ModeAnalyzeReply || m == ModeTranslate
}

// Urgency is the AI-assessed urgency of an inbound message.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyMedium Urgency = "medium"
	UrgencyHigh   Urgency = "high"
)

// AnalysisResult is the structured output of analyze_reply mode.
type AnalysisResult struct {
	Intent                  string   `json:"intent"`
	Urgency                 Urgency  `json:"urgency"`
	DetectedLanguage        string   `json:"detected_language"`
	CanAutoReply            bool     `json:"can_auto_reply"`
	SummaryInTargetLanguage string   `json:"summary_in_target_language"`
	TodoItems               []string `json:"todo_items"`
	// ReplyDraft is an optional reply body suggested by the model.
	ReplyDraft string `json:"reply_draft,omitempty"`
}

// TranslationResult is the structured output of translate mode.
type TranslationResult struct {
	TranslatedText      string `json:"translated_text"`
	SourceLanguageGuess string `json:"source_language_guess"`
	TargetLanguage      string `json:"target_language"`
}

// Channel identifies a delivery channel.
type Channel string

const (
	ChannelPrimary   Channel = "primary"
	ChannelSecondary Channel = "secondary"
)

// DeliveryAttempt records one delivery try through one channel.
type DeliveryAttempt struct {
	Channel     Channel   `json:"channel"`
	AttemptedAt time.Time `json:"attempted_at"`
	Succeeded   bool      `json:"succeeded"`
	ErrorDetail string    `json:"error_detail,omitempty"`
}

// FinalStatus is the terminal outcome of a transaction. The zero value
// means processing has not finished.
type FinalStatus string

const (
	StatusDelivered         FinalStatus = "delivered"
	StatusAnalyzedNoReply   FinalStatus = "analyzed_no_reply"
	StatusAIFailed          FinalStatus = "ai_failed"
	StatusDeliveryFailed    FinalStatus = "delivery_failed"
	StatusRejectedSignature FinalStatus = "rejected_signature"
	StatusRejectedMalformed FinalStatus = "rejected_malformed"
	StatusRejectedNoRoute   FinalStatus = "rejected_no_route"

	// StatusInProgress is reported for a duplicate whose first copy is
	// still being processed. It is never persisted as a final status.
	StatusInProgress FinalStatus = "in_progress"
)

// Terminal reports whether s ends a transaction.
func (s FinalStatus) Terminal() bool {
	switch s {
	case StatusDelivered, StatusAnalyzedNoReply, StatusAIFailed, StatusDeliveryFailed,
		StatusRejectedSignature, StatusRejectedMalformed, StatusRejectedNoRoute:
		return true
	}
	return false
}

// Transaction is the durable record of one inbound message's processing.
// The pipeline owns it until FinalStatus is set; after that it is an
// immutable snapshot owned by the transaction store.
type Transaction struct {
	ID          string             `json:"id"`
	Inbound     InboundMessage     `json:"inbound"`
	Mode        Mode               `json:"mode,omitempty"`
	Analysis    *AnalysisResult    `json:"analysis,omitempty"`
	Translation *TranslationResult `json:"translation,omitempty"`
	Outbound    *OutboundMessage   `json:"outbound,omitempty"`
	Attempts    []DeliveryAttempt  `json:"attempts"`
	FinalStatus FinalStatus        `json:"final_status,omitempty"`
	// FailureKind names the error taxonomy entry behind a failed status.
	FailureKind string    `json:"failure_kind,omitempty"`
	ErrorDetail string    `json:"error_detail,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	CompletedAt time.Time `json:"completed_at,omitempty"`
}

// AppendAttempt adds a delivery attempt to the audit trail.
func (t *Transaction) AppendAttempt(a DeliveryAttempt) {
	t.Attempts = append(t.Attempts, a)
}
