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

package router

import (
	"errors"
	"testing"

	"github.com/kr777/mailbridge/internal/config"
	"github.com/kr777/mailbridge/internal/models"
)

func TestResolve(t *testing.T) {
	r := New([]config.AliasConfig{
		{Address: "ai@kr777.top", Mode: models.ModeAnalyzeReply, FromAddress: "ai@kr777.top"},
		{Address: "Trans@kr777.top", Mode: models.ModeTranslate, TargetLanguage: "zh", FromAddress: "trans@kr777.top"},
	})

	tests := []struct {
		address  string
		wantMode models.Mode
		wantErr  bool
	}{
		{address: "ai@kr777.top", wantMode: models.ModeAnalyzeReply},
		{address: "AI@KR777.TOP", wantMode: models.ModeAnalyzeReply},
		{address: " trans@kr777.top ", wantMode: models.ModeTranslate},
		{address: "ai+tag@kr777.top", wantErr: true},
		{address: "other@kr777.top", wantErr: true},
		{address: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.address, func(t *testing.T) {
			route, err := r.Resolve(tt.address)
			if tt.wantErr {
				var ure *UnknownRouteError
				if !errors.As(err, &ure) {
					t.Errorf("err = %v, want UnknownRouteError", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if route.Mode != tt.wantMode {
				t.Errorf("Mode = %q, want %q", route.Mode, tt.wantMode)
			}
		})
	}
}

func TestResolve_CarriesTargetLanguage(t *testing.T) {
	r := New([]config.AliasConfig{
		{Address: "trans@kr777.top", Mode: models.ModeTranslate, TargetLanguage: "ja", FromAddress: "trans@kr777.top"},
	})
	route, err := r.Resolve("trans@kr777.top")
	if err != nil {
		t.Fatal(err)
	}
	if route.TargetLanguage != "ja" || route.FromAddress != "trans@kr777.top" {
		t.Errorf("route = %+v", route)
	}
}
