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

// Package control implements the mail-driven command protocol of the
// subscription bus.
//
// A mail sent to the control address carries one command per non-empty
// line of its first text/plain part. Commands run in order, each line is
// echoed into a transcript, and a single reply mail carrying the
// transcript goes back to the sender - but only if at least one command
// was actually processed, so random mail never generates a reply.
// Commands that change subscriptions on behalf of an address are
// two-phase: the processor mails a one-time token to the affected
// address and applies the command only when the token comes back via
// CONFIRM.
package control

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pkgtracker/pts/framework/address"
	"github.com/pkgtracker/pts/framework/log"
	"github.com/pkgtracker/pts/internal/msg"
	"github.com/pkgtracker/pts/internal/smtpout"
	"github.com/pkgtracker/pts/internal/storage"
)

// MaxErrors is how many unparsable lines are tolerated before the rest
// of the mail is ignored.
const MaxErrors = 5

const DefaultConfirmTTL = 48 * time.Hour

type Processor struct {
	Store storage.Store
	Relay smtpout.Dialer

	Hostname string

	// ControlAddress is this processor's own address, used for loop
	// detection and stamped into the X-Loop field of every reply.
	ControlAddress string

	// ContactAddress is the From of replies and confirmation requests.
	ContactAddress string

	// ConfirmTTL bounds how long a confirmation token stays valid.
	// Zero means DefaultConfirmTTL.
	ConfirmTTL time.Duration

	// Now is replaceable in tests.
	Now func() time.Time

	Log log.Logger
}

func (p *Processor) now() time.Time {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now()
}

// run is the state of one control mail being processed: the transcript
// accumulated so far and the outbound mails queued along the way.
type run struct {
	ctx context.Context
	p   *Processor

	// from is the requester, commands default to it when no explicit
	// address is given.
	from string

	out   []string
	mails []outMail
}

type outMail struct {
	from, to string
	data     []byte
}

func (r *run) echo(line string) { r.out = append(r.out, line) }

func (r *run) reply(format string, args ...interface{}) {
	r.out = append(r.out, fmt.Sprintf(format, args...))
}

func (r *run) warn(format string, args ...interface{}) {
	r.out = append(r.out, "Warning: "+fmt.Sprintf(format, args...))
}

func (r *run) errorf(format string, args ...interface{}) {
	r.out = append(r.out, "Error: "+fmt.Sprintf(format, args...))
}

// Process handles one control mail. Malformed or looping input is
// dropped without a reply; only infrastructure failures are returned.
func (p *Processor) Process(ctx context.Context, blob []byte) error {
	m, err := msg.FromBytes(blob)
	if err != nil {
		droppedTotal.WithLabelValues("malformed").Inc()
		p.Log.Error("malformed control mail, discarded", err)
		return nil
	}

	// A reply of ours coming back means a mail loop. Drop it silently,
	// answering would keep the loop alive.
	for f := m.Header.FieldsByKey("X-Loop"); f.Next(); {
		if strings.Contains(f.Value(), p.ControlAddress) {
			droppedTotal.WithLabelValues("loop").Inc()
			p.Log.Msg("mail loop detected, discarded", "x_loop", f.Value())
			return nil
		}
	}

	from := m.ExtractAddress("From")
	if from == "" {
		droppedTotal.WithLabelValues("no_sender").Inc()
		p.Log.Msg("control mail without a usable From, discarded")
		return nil
	}
	from, err = address.ForLookup(from)
	if err != nil {
		droppedTotal.WithLabelValues("no_sender").Inc()
		p.Log.Error("unusable From address, discarded", err, "from", from)
		return nil
	}

	r := &run{ctx: ctx, p: p, from: from}

	text, ok, err := m.FirstTextPart()
	if err != nil || !ok {
		p.Log.Msg("control mail without a text/plain part", "from", from)
		r.reply("No text/plain part was found in your message, no commands were processed.")
		r.reply("Send commands as plain text, one per line.")
		return p.send(ctx, r, m)
	}

	processed, errors := 0, 0
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}
		r.echo(">" + line)

		cmd, ok := match(line, r)
		if !ok {
			errors++
			if errors == MaxErrors {
				r.reply("%d lines without commands: stopping.", MaxErrors)
				break
			}
			continue
		}

		p.runCommand(r, cmd)
		processed++
		commandsTotal.Inc()

		if q, ok := cmd.(quitter); ok && q.quits() {
			break
		}
	}

	if processed == 0 {
		p.Log.DebugMsg("no commands processed, no reply", "from", from)
		return nil
	}
	return p.send(ctx, r, m)
}

// runCommand applies a command, routing confirmable ones through the
// token round-trip first.
func (p *Processor) runCommand(r *run, cmd command) {
	c, ok := cmd.(confirmable)
	if !ok {
		cmd.handle(r)
		return
	}
	if !c.preConfirm(r) {
		return
	}

	token := uuid.New().String()
	err := p.Store.AddConfirmation(r.ctx, storage.Confirmation{
		Token:     token,
		Email:     c.confirmAddress(),
		Command:   c.commandText(),
		CreatedAt: p.now(),
	})
	if err != nil {
		p.Log.Error("cannot store confirmation", err, "command", c.commandText())
		r.errorf("Internal error, the command could not be processed.")
		return
	}

	r.mails = append(r.mails, p.confirmationMail(c, token))
	r.reply("A confirmation mail has been sent to %s.", c.confirmAddress())
}

// confirmTTL returns the configured token lifetime.
func (p *Processor) confirmTTL() time.Duration {
	if p.ConfirmTTL != 0 {
		return p.ConfirmTTL
	}
	return DefaultConfirmTTL
}

func (p *Processor) confirmationMail(c confirmable, token string) outMail {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", p.ContactAddress)
	fmt.Fprintf(&b, "To: %s\r\n", c.confirmAddress())
	fmt.Fprintf(&b, "Subject: CONFIRM %s\r\n", token)
	fmt.Fprintf(&b, "X-Loop: %s\r\n", p.ControlAddress)
	fmt.Fprintf(&b, "Precedence: bulk\r\n")
	fmt.Fprintf(&b, "Auto-Submitted: auto-generated\r\n")
	fmt.Fprintf(&b, "\r\n")
	fmt.Fprintf(&b, "Someone (maybe you) requested the following command:\r\n\r\n")
	fmt.Fprintf(&b, "    %s\r\n\r\n", c.commandText())
	fmt.Fprintf(&b, "To apply it, send a mail to %s containing the line:\r\n\r\n", p.ControlAddress)
	fmt.Fprintf(&b, "    CONFIRM %s\r\n\r\n", token)
	fmt.Fprintf(&b, "If you did not request this, simply ignore this mail.\r\n")

	return outMail{from: p.ContactAddress, to: c.confirmAddress(), data: []byte(b.String())}
}

// send delivers the transcript reply and any queued confirmation mails
// over a single relay session.
func (p *Processor) send(ctx context.Context, r *run, orig *msg.Message) error {
	mails := append(r.mails, p.replyMail(r, orig))

	session, err := p.Relay.Dial(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	for _, out := range mails {
		if err := session.Send(ctx, out.from, out.to, out.data); err != nil {
			return err
		}
	}
	repliesTotal.Inc()
	return nil
}

func (p *Processor) replyMail(r *run, orig *msg.Message) outMail {
	subject := orig.Header.Get("Subject")
	if subject == "" {
		subject = "Your mail"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", p.ContactAddress)
	fmt.Fprintf(&b, "To: %s\r\n", r.from)
	fmt.Fprintf(&b, "Subject: Re: %s\r\n", subject)
	fmt.Fprintf(&b, "X-Loop: %s\r\n", p.ControlAddress)
	fmt.Fprintf(&b, "Precedence: bulk\r\n")
	fmt.Fprintf(&b, "Auto-Submitted: auto-replied\r\n")
	if msgID := orig.Header.Get("Message-Id"); msgID != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", msgID)
		fmt.Fprintf(&b, "References: %s\r\n", msgID)
	}
	fmt.Fprintf(&b, "\r\n")
	for _, line := range r.out {
		fmt.Fprintf(&b, "%s\r\n", line)
	}

	return outMail{from: p.ContactAddress, to: r.from, data: []byte(b.String())}
}
