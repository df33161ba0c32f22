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
	"fmt"
	"strings"
	"unicode"

	"github.com/kr777/mailbridge/internal/models"
)

var languageNames = map[string]string{
	"zh": "Chinese (Simplified)",
	"en": "English",
	"ja": "Japanese",
	"ko": "Korean",
	"fr": "French",
	"de": "German",
	"es": "Spanish",
	"ru": "Russian",
}

// LanguageName returns the English name of an ISO language code.
func LanguageName(code string) string {
	if name, ok := languageNames[strings.ToLower(code)]; ok {
		return name
	}
	return code
}

var forwardSubjectPrefixes = []string{"fwd:", "fw:", "转发:", "转发：", "tr:", "wg:"}

var forwardBodyMarkers = []string{
	"---------- forwarded message ---------",
	"-----original message-----",
	"begin forwarded message:",
	"-------- 原始邮件 --------",
	"---------- 转发的邮件 ----------",
	"------------------ 原始邮件 ------------------",
}

// Forwarded describes a message the sender forwarded to an alias,
// optionally with instructions written above the forwarded block.
type Forwarded struct {
	IsForwarded bool
	Instruction string
	Content     string
}

// DetectForward inspects subject and body for forwarding markers. When a
// body marker is found, the text above it is returned as Instruction.
func DetectForward(subject, body string) Forwarded {
	f := Forwarded{Content: body}
	ls := strings.ToLower(strings.TrimSpace(subject))
	for _, p := range forwardSubjectPrefixes {
		if strings.HasPrefix(ls, p) {
			f.IsForwarded = true
			break
		}
	}

	lb := strings.ToLower(body)
	if len(lb) != len(body) {
		// Lowering changed byte offsets; match case-sensitively instead.
		lb = body
	}
	for _, m := range forwardBodyMarkers {
		if i := strings.Index(lb, m); i >= 0 {
			f.IsForwarded = true
			f.Instruction = strings.TrimSpace(body[:i])
			f.Content = strings.TrimSpace(body[i+len(m):])
			break
		}
	}
	return f
}

// GuessLanguage returns an ISO code for the dominant script in s, or ""
// if nothing stands out. It is only a hint for the model.
func GuessLanguage(s string) string {
	var han, kana, hangul, cyrillic, latin int
	for _, r := range s {
		switch {
		case unicode.Is(unicode.Hiragana, r) || unicode.Is(unicode.Katakana, r):
			kana++
		case unicode.Is(unicode.Hangul, r):
			hangul++
		case unicode.Is(unicode.Han, r):
			han++
		case unicode.Is(unicode.Cyrillic, r):
			cyrillic++
		case r < unicode.MaxASCII && unicode.IsLetter(r):
			latin++
		}
	}
	switch {
	case kana > 0 && kana+han >= latin:
		return "ja"
	case hangul > 0 && hangul >= latin:
		return "ko"
	case han > 0 && han*2 >= latin:
		return "zh"
	case cyrillic > latin:
		return "ru"
	case latin > 0:
		return "en"
	}
	return ""
}

const analysisSystemPrompt = `You are an email assistant. Analyse the email and respond with a single JSON object and nothing else, using exactly these fields:
{
  "intent": string, short label for what the sender wants,
  "urgency": "low" | "medium" | "high",
  "detected_language": ISO 639-1 code of the email's language,
  "can_auto_reply": boolean, true only if a courteous acknowledgement or direct answer is appropriate without human review,
  "summary_in_target_language": string, summary written in %s,
  "todo_items": array of strings, action items in order (may be empty),
  "reply_draft": string, a reply written in the detected language, or "" if can_auto_reply is false
}`

const translationSystemPrompt = `You are a professional translator. Translate the email into %s, preserving paragraphs and meaning. Respond with a single JSON object and nothing else:
{
  "translated_text": string, the full translation,
  "source_language": ISO 639-1 code of the original language
}`

func analysisPrompt(msg *models.InboundMessage, targetLang string) (system, user string) {
	fwd := DetectForward(msg.Subject, msg.BodyText)

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\n", msg.FromAddress)
	fmt.Fprintf(&b, "Subject: %s\n", msg.Subject)
	if hint := GuessLanguage(msg.Subject + "\n" + msg.BodyText); hint != "" {
		fmt.Fprintf(&b, "Language hint: %s\n", hint)
	}
	if fwd.IsForwarded {
		b.WriteString("This email was forwarded by the user.\n")
		if fwd.Instruction != "" {
			fmt.Fprintf(&b, "User instruction (follow it when analysing the forwarded content): %s\n", fwd.Instruction)
		}
		fmt.Fprintf(&b, "\nForwarded content:\n%s\n", fwd.Content)
	} else {
		fmt.Fprintf(&b, "\nBody:\n%s\n", msg.BodyText)
	}
	if n := len(msg.Attachments); n > 0 {
		names := make([]string, 0, n)
		for _, a := range msg.Attachments {
			names = append(names, a.Name)
		}
		fmt.Fprintf(&b, "\nAttachments (%d): %s\n", n, strings.Join(names, ", "))
	}

	return fmt.Sprintf(analysisSystemPrompt, LanguageName(targetLang)), b.String()
}

func translationPrompt(msg *models.InboundMessage, targetLang string) (system, user string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Subject: %s\n\n%s\n", msg.Subject, msg.BodyText)
	return fmt.Sprintf(translationSystemPrompt, LanguageName(targetLang)), b.String()
}
