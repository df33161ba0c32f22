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
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/kr777/mailbridge/internal/config"
	"github.com/kr777/mailbridge/internal/models"
)

// --- In-process SMTP relay ---

type received struct {
	from string
	to   []string
	data string
}

type testBackend struct {
	mu       sync.Mutex
	rcptErr  error
	user     string
	password string
	msgs     []received
}

func (b *testBackend) NewSession(_ *smtp.Conn) (smtp.Session, error) {
	return &testSession{b: b}, nil
}

func (b *testBackend) messages() []received {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]received{}, b.msgs...)
}

type testSession struct {
	b      *testBackend
	authed bool
	from   string
	to     []string
}

func (s *testSession) AuthMechanisms() []string { return []string{sasl.Plain} }

func (s *testSession) Auth(_ string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(_, username, password string) error {
		if username != s.b.user || password != s.b.password {
			return &smtp.SMTPError{Code: 535, EnhancedCode: smtp.EnhancedCode{5, 7, 8}, Message: "bad credentials"}
		}
		s.authed = true
		return nil
	}), nil
}

func (s *testSession) Mail(from string, _ *smtp.MailOptions) error {
	if s.b.user != "" && !s.authed {
		return &smtp.SMTPError{Code: 530, EnhancedCode: smtp.EnhancedCode{5, 7, 0}, Message: "authentication required"}
	}
	s.from = from
	return nil
}

func (s *testSession) Rcpt(to string, _ *smtp.RcptOptions) error {
	if s.b.rcptErr != nil {
		return s.b.rcptErr
	}
	s.to = append(s.to, to)
	return nil
}

func (s *testSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.b.mu.Lock()
	s.b.msgs = append(s.b.msgs, received{from: s.from, to: s.to, data: string(data)})
	s.b.mu.Unlock()
	return nil
}

func (s *testSession) Reset()        { s.from, s.to = "", nil }
func (s *testSession) Logout() error { return nil }

func startRelay(t *testing.T, be *testBackend) config.SMTPConfig {
	t.Helper()
	srv := smtp.NewServer(be)
	srv.Domain = "localhost"
	srv.AllowInsecureAuth = true
	srv.ReadTimeout = 5 * time.Second
	srv.WriteTimeout = 5 * time.Second

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go srv.Serve(ln)
	t.Cleanup(func() { srv.Close() })

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	return config.SMTPConfig{Host: host, Port: port, StartTLS: false}
}

func testEnvelope() *Envelope {
	return &Envelope{
		From:      "ai@kr777.top",
		To:        "alice@example.com",
		MessageID: "<out@kr777.top>",
		Raw:       []byte("Subject: hi\r\n\r\nhello\r\n"),
	}
}

func TestSMTPSender_Send(t *testing.T) {
	be := &testBackend{}
	s := NewSMTPSender(startRelay(t, be))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Send(ctx, testEnvelope()); err != nil {
		t.Fatalf("Send: %v", err)
	}

	msgs := be.messages()
	if len(msgs) != 1 {
		t.Fatalf("relay received %d messages, want 1", len(msgs))
	}
	if msgs[0].from != "ai@kr777.top" || len(msgs[0].to) != 1 || msgs[0].to[0] != "alice@example.com" {
		t.Errorf("envelope = %+v", msgs[0])
	}
	if !strings.Contains(msgs[0].data, "hello") {
		t.Errorf("data = %q", msgs[0].data)
	}
}

func TestSMTPSender_Auth(t *testing.T) {
	be := &testBackend{user: "relay", password: "pw"}
	cfg := startRelay(t, be)
	cfg.Username, cfg.Password = "relay", "pw"

	if err := NewSMTPSender(cfg).Send(context.Background(), testEnvelope()); err != nil {
		t.Fatalf("Send with valid credentials: %v", err)
	}

	cfg.Password = "wrong"
	err := NewSMTPSender(cfg).Send(context.Background(), testEnvelope())
	if err == nil {
		t.Fatal("expected auth failure")
	}
	if !IsPermanentError(err) {
		t.Errorf("auth rejection should be permanent: %v", err)
	}
}

func TestSMTPSender_RecipientRejected(t *testing.T) {
	be := &testBackend{rcptErr: &smtp.SMTPError{Code: 550, EnhancedCode: smtp.EnhancedCode{5, 1, 1}, Message: "no such user"}}
	err := NewSMTPSender(startRelay(t, be)).Send(context.Background(), testEnvelope())

	var ce *ChannelError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want ChannelError", err)
	}
	if !ce.Permanent || ce.Code != "rcpt_to:550" || ce.Channel != models.ChannelSecondary {
		t.Errorf("ChannelError = %+v", ce)
	}
}

func TestSMTPSender_TemporaryRejection(t *testing.T) {
	be := &testBackend{rcptErr: &smtp.SMTPError{Code: 451, EnhancedCode: smtp.EnhancedCode{4, 3, 0}, Message: "try later"}}
	err := NewSMTPSender(startRelay(t, be)).Send(context.Background(), testEnvelope())
	if err == nil || IsPermanentError(err) {
		t.Errorf("err = %v, want temporary failure", err)
	}
}

func TestSMTPSender_ConnectionRefused(t *testing.T) {
	ln, _ := net.Listen("tcp", "127.0.0.1:0")
	addr := ln.Addr().(*net.TCPAddr)
	ln.Close()

	err := NewSMTPSender(config.SMTPConfig{Host: "127.0.0.1", Port: addr.Port}).Send(context.Background(), testEnvelope())
	var ce *ChannelError
	if !errors.As(err, &ce) || ce.Code != "connect" || ce.Permanent {
		t.Errorf("err = %v, want temporary connect failure", err)
	}
}

func TestSMTPSender_NoHost(t *testing.T) {
	if err := NewSMTPSender(config.SMTPConfig{}).Send(context.Background(), testEnvelope()); !IsPermanentError(err) {
		t.Errorf("err = %v, want permanent configuration failure", err)
	}
}
