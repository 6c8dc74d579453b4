/*
Package Tracking System - email subscription bus for package metadata.
Copyright © 2023 The Package Tracking System developers

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package smtpout implements the client side of the outbound SMTP relay
// connection.
//
// It wraps go-smtp.Client with connection establishment (tcp:// and tls://
// endpoints, opportunistic STARTTLS), optional AUTH PLAIN, per-command
// timeouts and error wrapping that carries the remote server name.
//
// One Session maps to one SMTP session; multiple envelopes (mail
// transactions) may be sent over it sequentially, which is what the
// dispatch fan-out does.
package smtpout

import (
	"bytes"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/pkgtracker/pts/framework/config"
	"github.com/pkgtracker/pts/framework/exterrors"
	"github.com/pkgtracker/pts/framework/log"
)

// Session is the interface dispatch and control talk to, so tests can
// substitute a capture implementation.
type Session interface {
	// Send transmits one envelope: MAIL FROM, RCPT TO, DATA.
	Send(ctx context.Context, from, to string, data []byte) error
	Close() error
}

// Dialer creates outbound sessions.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// Relay holds the configuration of the upstream SMTP relay and implements
// Dialer.
type Relay struct {
	Endpoint config.Endpoint

	// Hostname sent in EHLO.
	Hostname string

	// Credentials for AUTH PLAIN. Empty Username disables authentication.
	Username, Password string

	// Timeout for connection establishment and for each session command.
	Timeout time.Duration

	TLSConfig *tls.Config

	Log log.Logger
}

type session struct {
	cl         *smtp.Client
	serverName string
	log        log.Logger
}

func (r *Relay) Dial(ctx context.Context) (Session, error) {
	timeout := r.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	conn, err := (&net.Dialer{}).DialContext(dialCtx, r.Endpoint.Network(), r.Endpoint.Address())
	cancel()
	if err != nil {
		return nil, r.wrapErr(err)
	}

	tlsCfg := r.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{}
	}

	if r.Endpoint.IsTLS() {
		cfg := tlsCfg.Clone()
		cfg.ServerName = r.Endpoint.Host
		conn = tls.Client(conn, cfg)
	}

	cl, err := smtp.NewClient(conn, r.Endpoint.Host)
	if err != nil {
		conn.Close()
		return nil, r.wrapErr(err)
	}
	cl.CommandTimeout = timeout
	cl.SubmissionTimeout = 2 * timeout

	hostname := r.Hostname
	if hostname == "" {
		hostname = "localhost.localdomain"
	}
	if err := cl.Hello(hostname); err != nil {
		cl.Close()
		return nil, r.wrapErr(err)
	}

	if !r.Endpoint.IsTLS() {
		if ok, _ := cl.Extension("STARTTLS"); ok {
			cfg := tlsCfg.Clone()
			cfg.ServerName = r.Endpoint.Host
			if err := cl.StartTLS(cfg); err != nil {
				cl.Close()
				return nil, r.wrapErr(err)
			}
		}
	}

	if r.Username != "" {
		if err := cl.Auth(sasl.NewPlainClient("", r.Username, r.Password)); err != nil {
			cl.Close()
			return nil, r.wrapErr(err)
		}
	}

	return &session{cl: cl, serverName: r.Endpoint.Host, log: r.Log}, nil
}

func (r *Relay) wrapErr(err error) error {
	return wrapErr(err, r.Endpoint.Host)
}

func wrapErr(err error, serverName string) error {
	if err == nil {
		return nil
	}

	// 5xx replies are permanent. Everything else, including dial and I/O
	// failures, is worth retrying.
	temporary := true
	var smtpErr *smtp.SMTPError
	if errors.As(err, &smtpErr) {
		temporary = smtpErr.Temporary()
	}

	return exterrors.WithFields(exterrors.WithTemporary(err, temporary), map[string]interface{}{
		"remote_server": serverName,
	})
}

func (s *session) Send(ctx context.Context, from, to string, data []byte) error {
	if s.cl == nil {
		return errors.New("smtpout: session is closed")
	}

	if err := s.cl.Mail(from, &smtp.MailOptions{}); err != nil {
		return s.reset(err)
	}
	if err := s.cl.Rcpt(to); err != nil {
		return s.reset(err)
	}

	wc, err := s.cl.Data()
	if err != nil {
		return wrapErr(err, s.serverName)
	}
	if _, err := io.Copy(wc, bytes.NewReader(data)); err != nil {
		wc.Close()
		return wrapErr(err, s.serverName)
	}
	if err := wc.Close(); err != nil {
		return wrapErr(err, s.serverName)
	}

	s.log.DebugMsg("envelope sent", "mail_from", from, "rcpt_to", to,
		"remote_server", s.serverName)
	return nil
}

// reset aborts the current transaction so the session stays usable for
// the next envelope of the batch.
func (s *session) reset(err error) error {
	if rstErr := s.cl.Reset(); rstErr != nil {
		s.log.Error("RSET error", wrapErr(rstErr, s.serverName))
	}
	return wrapErr(err, s.serverName)
}

func (s *session) Close() error {
	if s.cl == nil {
		return nil
	}
	cl := s.cl
	s.cl = nil

	if err := cl.Quit(); err != nil {
		s.log.Error("QUIT error", wrapErr(err, s.serverName))
		return cl.Close()
	}
	return nil
}
