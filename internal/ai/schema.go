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
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/kr777/mailbridge/internal/models"
)

var validate = validator.New()

// analysisWire is the JSON object the model must return in analyze_reply
// mode. Pointers distinguish a missing field from its zero value.
type analysisWire struct {
	Intent           string    `json:"intent" validate:"required"`
	Urgency          string    `json:"urgency" validate:"required,oneof=low medium high"`
	DetectedLanguage string    `json:"detected_language" validate:"required,min=2,max=8"`
	CanAutoReply     *bool     `json:"can_auto_reply" validate:"required"`
	Summary          string    `json:"summary_in_target_language" validate:"required"`
	TodoItems        *[]string `json:"todo_items" validate:"required"`
	ReplyDraft       string    `json:"reply_draft"`
}

// translationWire is the JSON object the model must return in translate mode.
type translationWire struct {
	TranslatedText string `json:"translated_text" validate:"required"`
	SourceLanguage string `json:"source_language" validate:"required,min=2,max=8"`
}

var errNoJSON = errors.New("no JSON object in model output")

// extractJSON pulls a JSON object out of model output, which may wrap it
// in a fenced code block or surround it with prose.
func extractJSON(content string) (string, error) {
	content = strings.TrimSpace(content)
	if i := strings.Index(content, "```json"); i >= 0 {
		rest := content[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j]), nil
		}
	}
	if i := strings.Index(content, "```"); i >= 0 {
		rest := content[i+3:]
		if j := strings.Index(rest, "```"); j >= 0 {
			return strings.TrimSpace(rest[:j]), nil
		}
	}
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end <= start {
		return "", errNoJSON
	}
	return content[start : end+1], nil
}

func decodeAnalysis(content string) (*models.AnalysisResult, error) {
	raw, err := extractJSON(content)
	if err != nil {
		return nil, err
	}
	var w analysisWire
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("decode analysis: %w", err)
	}
	if err := validate.Struct(&w); err != nil {
		return nil, fmt.Errorf("analysis schema: %w", err)
	}
	for i, item := range *w.TodoItems {
		if strings.TrimSpace(item) == "" {
			return nil, fmt.Errorf("analysis schema: todo_items[%d] is empty", i)
		}
	}

	return &models.AnalysisResult{
		Intent:                  strings.TrimSpace(w.Intent),
		Urgency:                 models.Urgency(w.Urgency),
		DetectedLanguage:        strings.ToLower(w.DetectedLanguage),
		CanAutoReply:            *w.CanAutoReply,
		SummaryInTargetLanguage: strings.TrimSpace(w.Summary),
		TodoItems:               append([]string{}, *w.TodoItems...),
		ReplyDraft:              strings.TrimSpace(w.ReplyDraft),
	}, nil
}

func decodeTranslation(content, targetLang string) (*models.TranslationResult, error) {
	raw, err := extractJSON(content)
	if err != nil {
		return nil, err
	}
	var w translationWire
	if err := json.Unmarshal([]byte(raw), &w); err != nil {
		return nil, fmt.Errorf("decode translation: %w", err)
	}
	if err := validate.Struct(&w); err != nil {
		return nil, fmt.Errorf("translation schema: %w", err)
	}
	return &models.TranslationResult{
		TranslatedText:      strings.TrimSpace(w.TranslatedText),
		SourceLanguageGuess: strings.ToLower(w.SourceLanguage),
		TargetLanguage:      targetLang,
	}, nil
}
