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

package compose

import "strings"

// template holds the fixed reply text for one language.
type template struct {
	hello          string
	helloNamed     string
	thanks         string
	ack            string
	todoHeader     string
	reference      string
	closing        string
	originalHeader string
}

func (t template) greeting(name string) string {
	if name = strings.TrimSpace(name); name != "" {
		return strings.Replace(t.helloNamed, "%s", name, 1)
	}
	return t.hello
}

var templates = map[string]template{
	"en": {
		hello:          "Hello,",
		helloNamed:     "Hello %s,",
		thanks:         "Thank you for your email regarding \"%s\".",
		ack:            "We have received your message and will follow up shortly.",
		todoHeader:     "We have noted the following items:",
		reference:      "Reference",
		closing:        "Best regards,",
		originalHeader: "--- Original Message ---",
	},
	"zh": {
		hello:          "您好，",
		helloNamed:     "%s，您好，",
		thanks:         "感谢您关于“%s”的来信。",
		ack:            "我们已收到您的邮件，将尽快跟进。",
		todoHeader:     "我们已记录以下事项：",
		reference:      "参考编号",
		closing:        "此致\n敬礼",
		originalHeader: "--- 原邮件 ---",
	},
}

// templateFor picks the template for an ISO language code, falling back
// to English.
func templateFor(lang string) template {
	lang = strings.ToLower(strings.TrimSpace(lang))
	if i := strings.IndexAny(lang, "-_"); i > 0 {
		lang = lang[:i]
	}
	if t, ok := templates[lang]; ok {
		return t
	}
	return templates["en"]
}
