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

// Package dispatch routes inbound package mail to subscribers.
//
// The envelope recipient selects the package and the keyword
// (<pkg>@<fqdn> or <pkg>_<kw>@<fqdn>); the message is decorated with the
// list headers and fanned out to every active subscriber whose keyword set
// contains the classified keyword, one envelope per subscriber over a
// single relay session. The envelope sender of each copy is VERP-encoded
// so the bounce engine can attribute returned mail.
package dispatch

import (
	"context"
	"strings"
	"time"

	"github.com/pkgtracker/pts/framework/address"
	"github.com/pkgtracker/pts/framework/exterrors"
	"github.com/pkgtracker/pts/framework/log"
	"github.com/pkgtracker/pts/internal/bounces"
	"github.com/pkgtracker/pts/internal/msg"
	"github.com/pkgtracker/pts/internal/smtpout"
	"github.com/pkgtracker/pts/internal/storage"
	"github.com/pkgtracker/pts/internal/vendor"
	"github.com/pkgtracker/pts/internal/verp"
)

type Engine struct {
	Store  storage.Store
	Relay  smtpout.Dialer
	Vendor *vendor.Hooks

	// Bounces handles mail addressed to the bounces+ prefix.
	Bounces *bounces.Engine

	Hostname       string
	ControlAddress string

	// Now is the clock used for the VERP date, settable in tests.
	Now func() time.Time

	Log log.Logger
}

// Dispatch processes one inbound message. sentTo is the envelope
// recipient; if empty, the To header is used instead.
//
// Per-message faults (malformed mail, unknown package, loop, missing
// approval) are logged and swallowed. Only infrastructure failures are
// returned.
func (e *Engine) Dispatch(ctx context.Context, blob []byte, sentTo string) error {
	m, err := msg.FromBytes(blob)
	if err != nil {
		e.drop("malformed", err, "sent_to", sentTo)
		return nil
	}

	if sentTo == "" {
		sentTo = m.ExtractAddress("To")
		if sentTo == "" {
			e.drop("malformed", nil, "reason_detail", "no envelope recipient and no To header")
			return nil
		}
	}

	local, _, err := address.Split(sentTo)
	if err != nil {
		e.drop("malformed", err, "sent_to", sentTo)
		return nil
	}

	if strings.HasPrefix(local, "bounces+") {
		return e.Bounces.Process(ctx, sentTo)
	}

	pkg, keyword := splitLocal(local)
	if keyword == "" {
		if e.Vendor.GetKeyword != nil {
			keyword = e.Vendor.GetKeyword(local, m)
		}
		if keyword == "" {
			keyword = "default"
		}
	}

	loopAddr := pkg + "@" + e.Hostname
	if e.loopDetected(m, loopAddr) {
		e.drop("loop", nil, "package", pkg, "loop_addr", loopAddr)
		return nil
	}

	if keyword == "default" && !e.approved(m) {
		e.drop("unapproved", nil, "package", pkg)
		return nil
	}

	if _, err := e.Store.GetPackage(ctx, pkg); err != nil {
		if err == storage.ErrNoSuchPackage {
			e.drop("unknown_package", nil, "package", pkg)
			return nil
		}
		return err
	}

	if err := e.decorate(m, pkg, keyword, loopAddr); err != nil {
		e.drop("malformed", err, "package", pkg)
		return nil
	}

	rcpts, err := e.Store.Subscribers(ctx, pkg, keyword)
	if err != nil {
		return err
	}
	if len(rcpts) == 0 {
		e.Log.DebugMsg("no subscribers", "package", pkg, "keyword", keyword)
		return nil
	}

	return e.fanOut(ctx, m, pkg, keyword, rcpts)
}

// splitLocal splits <pkg>_<keyword> on the first underscore.
func splitLocal(local string) (pkg, keyword string) {
	if i := strings.IndexByte(local, '_'); i != -1 {
		return local[:i], local[i+1:]
	}
	return local, ""
}

func (e *Engine) loopDetected(m *msg.Message, loopAddr string) bool {
	fields := m.Header.FieldsByKey("X-Loop")
	for fields.Next() {
		if strings.Contains(fields.Value(), loopAddr) {
			return true
		}
	}
	return false
}

func (e *Engine) approved(m *msg.Message) bool {
	if m.Header.Has("X-PTS-Approved") {
		return true
	}
	return e.Vendor.ApproveDefaultMessage != nil && e.Vendor.ApproveDefaultMessage(m)
}

func (e *Engine) decorate(m *msg.Message, pkg, keyword, loopAddr string) error {
	headers := [][2]string{
		{"X-Loop", loopAddr},
		{"X-PTS-Package", pkg},
		{"X-PTS-Keyword", keyword},
		{"Precedence", "list"},
		{"List-Unsubscribe",
			"<mailto:" + e.ControlAddress + "?body=unsubscribe%20" + pkg + ">"},
	}
	if e.Vendor.AddNewHeaders != nil {
		headers = append(headers, e.Vendor.AddNewHeaders(m, pkg, keyword)...)
	}

	// Header.Add prepends, so walk the list backwards to keep the listed
	// order in the serialized message.
	for i := len(headers) - 1; i >= 0; i-- {
		if err := m.AddHeader(headers[i][0], headers[i][1]); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) fanOut(ctx context.Context, m *msg.Message, pkg, keyword string, rcpts []string) error {
	data, err := m.Bytes()
	if err != nil {
		e.drop("malformed", err, "package", pkg)
		return nil
	}

	now := time.Now
	if e.Now != nil {
		now = e.Now
	}
	today := now().UTC()
	bounceAddr := "bounces+" + today.Format("20060102") + "@" + e.Hostname

	session, err := e.Relay.Dial(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	for _, rcpt := range rcpts {
		mailFrom, err := verp.Encode(bounceAddr, rcpt)
		if err != nil {
			e.Log.Error("cannot encode return path, recipient skipped", err,
				"package", pkg, "recipient", rcpt)
			continue
		}

		if err := session.Send(ctx, mailFrom, rcpt, data); err != nil {
			// The batch continues; the failed copy is the relay's problem
			// to retry, not ours.
			e.Log.Error("relay rejected envelope", exterrors.WithFields(err, map[string]interface{}{
				"package":   pkg,
				"recipient": rcpt,
			}))
			continue
		}

		forwardedTotal.Inc()
		if err := e.Store.AddSentEvent(ctx, rcpt, today); err != nil {
			e.Log.Error("cannot account sent mail", err, "recipient", rcpt)
		}
	}

	e.Log.Msg("message dispatched", "package", pkg, "keyword", keyword,
		"recipients", len(rcpts))
	return nil
}

func (e *Engine) drop(reason string, err error, fields ...interface{}) {
	droppedTotal.WithLabelValues(reason).Inc()
	if err != nil {
		e.Log.Error("message dropped: "+reason, err, fields...)
		return
	}
	e.Log.Msg("message dropped: "+reason, fields...)
}
