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
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/kr777/mailbridge/internal/config"
	"github.com/kr777/mailbridge/internal/models"
)

// SMTPSender delivers through a generic SMTP relay.
type SMTPSender struct {
	addr      string
	host      string
	username  string
	password  string
	startTLS  bool
	implicit  bool
	tlsVerify bool
}

// NewSMTPSender creates an SMTP relay channel. Port 465 uses implicit TLS;
// otherwise STARTTLS is negotiated when enabled.
func NewSMTPSender(cfg config.SMTPConfig) *SMTPSender {
	return &SMTPSender{
		addr:      net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		host:      cfg.Host,
		username:  cfg.Username,
		password:  cfg.Password,
		startTLS:  cfg.StartTLS,
		implicit:  cfg.Port == 465,
		tlsVerify: cfg.TLSVerify,
	}
}

// Name implements Sender.
func (s *SMTPSender) Name() string { return "smtp" }

// Send implements Sender. The context deadline bounds the whole session.
func (s *SMTPSender) Send(ctx context.Context, env *Envelope) error {
	if s.host == "" {
		return &ChannelError{Channel: models.ChannelSecondary, Provider: "smtp", Permanent: true, Err: errors.New("smtp relay host not configured")}
	}

	c, err := s.dial(ctx)
	if err != nil {
		return &ChannelError{Channel: models.ChannelSecondary, Provider: "smtp", Code: "connect", Err: err}
	}
	defer c.Close()

	if s.username != "" {
		if err := c.Auth(sasl.NewPlainClient("", s.username, s.password)); err != nil {
			return relayError("auth", fmt.Errorf("authenticate: %w", err))
		}
	}
	if err := c.Mail(env.From, nil); err != nil {
		return relayError("mail_from", fmt.Errorf("set sender: %w", err))
	}
	if err := c.Rcpt(env.To, nil); err != nil {
		return relayError("rcpt_to", fmt.Errorf("set recipient: %w", err))
	}
	wc, err := c.Data()
	if err != nil {
		return relayError("data", fmt.Errorf("start data: %w", err))
	}
	if _, err := wc.Write(env.Raw); err != nil {
		_ = wc.Close()
		return relayError("data", fmt.Errorf("write message: %w", err))
	}
	if err := wc.Close(); err != nil {
		return relayError("data", fmt.Errorf("close data writer: %w", err))
	}

	// The message is accepted at this point.
	if err := c.Quit(); err != nil {
		slog.Warn("smtp relay: QUIT failed", "error", err)
	}
	return nil
}

func (s *SMTPSender) dial(ctx context.Context) (*smtp.Client, error) {
	tlsConfig := &tls.Config{
		ServerName:         s.host,
		MinVersion:         tls.VersionTLS12,
		InsecureSkipVerify: !s.tlsVerify,
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", s.addr, err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}

	switch {
	case s.implicit:
		return smtp.NewClient(tls.Client(conn, tlsConfig)), nil
	case s.startTLS:
		c, err := smtp.NewClientStartTLS(conn, tlsConfig)
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("starttls with %s: %w", s.addr, err)
		}
		return c, nil
	default:
		return smtp.NewClient(conn), nil
	}
}

// relayError classifies an SMTP failure: 5xx replies are permanent,
// 4xx replies and I/O errors are temporary.
func relayError(stage string, err error) error {
	ce := &ChannelError{Channel: models.ChannelSecondary, Provider: "smtp", Code: stage, Err: err}
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		ce.Code = fmt.Sprintf("%s:%d", stage, smtpErr.Code)
		ce.Permanent = !smtpErr.Temporary()
	}
	return ce
}
