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
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
	"github.com/aws/smithy-go"

	"github.com/kr777/mailbridge/internal/config"
	"github.com/kr777/mailbridge/internal/models"
)

// permanentSESCodes are SES error codes that will not clear on their own.
var permanentSESCodes = map[string]bool{
	"MessageRejected":                    true,
	"MailFromDomainNotVerifiedException": true,
	"AccountSuspendedException":          true,
	"SendingPausedException":             true,
	"BadRequestException":                true,
	"NotFoundException":                  true,
}

// SESSender delivers through the Amazon SES v2 API as a raw message.
type SESSender struct {
	client    *sesv2.Client
	configSet string
}

// NewSESSender creates an SES channel. The SDK's own retries are disabled
// so that one Send is exactly one attempt.
func NewSESSender(cfg config.SESConfig, httpClient *http.Client) *SESSender {
	opts := sesv2.Options{
		Region:           cfg.Region,
		RetryMaxAttempts: 1,
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts.Credentials = credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")
	}
	if cfg.Endpoint != "" {
		opts.BaseEndpoint = aws.String(cfg.Endpoint)
	}
	if httpClient != nil {
		opts.HTTPClient = httpClient
	}
	return &SESSender{
		client:    sesv2.New(opts),
		configSet: cfg.ConfigurationSet,
	}
}

// Name implements Sender.
func (s *SESSender) Name() string { return "ses" }

// Send implements Sender.
func (s *SESSender) Send(ctx context.Context, env *Envelope) error {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(env.From),
		Destination: &types.Destination{
			ToAddresses: []string{env.To},
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: env.Raw},
		},
	}
	if s.configSet != "" {
		input.ConfigurationSetName = aws.String(s.configSet)
	}

	if _, err := s.client.SendEmail(ctx, input); err != nil {
		return classifySES(err)
	}
	return nil
}

func classifySES(err error) error {
	ce := &ChannelError{
		Channel:  models.ChannelPrimary,
		Provider: "ses",
		Err:      fmt.Errorf("ses send: %w", err),
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		ce.Code = apiErr.ErrorCode()
		ce.Permanent = permanentSESCodes[ce.Code]
	}
	return ce
}
