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

package pipeline

import (
	"errors"

	"github.com/kr777/mailbridge/internal/ai"
	"github.com/kr777/mailbridge/internal/compose"
	"github.com/kr777/mailbridge/internal/delivery"
	"github.com/kr777/mailbridge/internal/models"
	"github.com/kr777/mailbridge/internal/parser"
	"github.com/kr777/mailbridge/internal/router"
	"github.com/kr777/mailbridge/internal/signature"
)

// Kind is the failure taxonomy recorded on a transaction.
type Kind string

const (
	KindSignatureInvalid        Kind = "signature_invalid"
	KindMalformedMessage        Kind = "malformed_message"
	KindUnknownRoute            Kind = "unknown_route"
	KindAIUnavailable           Kind = "ai_unavailable"
	KindAITimeout               Kind = "ai_timeout"
	KindMalformedAIResponse     Kind = "malformed_ai_response"
	KindCompositionError        Kind = "composition_error"
	KindPrimaryDeliveryFailed   Kind = "primary_delivery_failed"
	KindSecondaryDeliveryFailed Kind = "secondary_delivery_failed"
	KindInternal                Kind = "internal_error"
)

// Classify maps a collaborator error onto the taxonomy.
func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	if errors.Is(err, signature.ErrSignatureInvalid) {
		return KindSignatureInvalid
	}

	var (
		malformed  *parser.MalformedError
		noRoute    *router.UnknownRouteError
		aiErr      *ai.Error
		composeErr *compose.CompositionError
		channelErr *delivery.ChannelError
	)
	switch {
	case errors.As(err, &malformed):
		return KindMalformedMessage
	case errors.As(err, &noRoute):
		return KindUnknownRoute
	case errors.As(err, &aiErr):
		switch aiErr.Kind {
		case ai.KindTimeout:
			return KindAITimeout
		case ai.KindMalformedResponse:
			return KindMalformedAIResponse
		default:
			return KindAIUnavailable
		}
	case errors.As(err, &composeErr):
		return KindCompositionError
	case errors.As(err, &channelErr):
		if channelErr.Channel == models.ChannelPrimary {
			return KindPrimaryDeliveryFailed
		}
		return KindSecondaryDeliveryFailed
	}
	return KindInternal
}

// NeedsOperator reports whether a failure kind points at a configuration
// or contract problem someone has to look at.
func NeedsOperator(k Kind) bool {
	switch k {
	case KindMalformedAIResponse, KindCompositionError, KindSecondaryDeliveryFailed, KindInternal:
		return true
	}
	return false
}
