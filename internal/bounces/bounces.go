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

// Package bounces accounts returned mail and auto-unsubscribes recipients
// that bounce chronically.
//
// Dispatch encodes the delivery date and the recipient into the envelope
// sender of every outgoing mail (see internal/verp), so a returned message
// arrives addressed to bounces+YYYYMMDD+<recipient>=<domain>@<fqdn> and
// identifies both the bounced user and the day the mail was sent on.
package bounces

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pkgtracker/pts/framework/address"
	"github.com/pkgtracker/pts/framework/log"
	"github.com/pkgtracker/pts/internal/smtpout"
	"github.com/pkgtracker/pts/internal/storage"
	"github.com/pkgtracker/pts/internal/verp"
)

const dateFormat = "20060102"

// Default threshold: over the last Window days of records, at least
// MinDays days with bounced/max(sent,1) above Ratio.
const (
	DefaultWindow  = 7
	DefaultMinDays = 5
	DefaultRatio   = 0.5
)

type Engine struct {
	Store storage.Store
	Relay smtpout.Dialer

	Hostname       string
	ContactAddress string

	Window  int
	MinDays int
	Ratio   float64

	// TooMany replaces the built-in threshold predicate when non-nil
	// (vendor hook).
	TooMany func(stats []storage.BounceStat) bool

	Log log.Logger
}

// Process handles one bounce delivered to sentTo. Malformed bounces are
// logged and discarded; only infrastructure failures are returned.
func (e *Engine) Process(ctx context.Context, sentTo string) error {
	returnPath, recipient, err := verp.Decode(sentTo)
	if err != nil {
		e.Log.Error("malformed bounce address, discarded", err, "sent_to", sentTo)
		return nil
	}

	day, err := e.bounceDate(returnPath)
	if err != nil {
		e.Log.Error("bad bounce date, discarded", err, "sent_to", sentTo)
		return nil
	}

	// The decoded date, not the wall clock: a bounce may arrive days after
	// the mail that caused it was sent.
	if err := e.Store.AddBounceEvent(ctx, recipient, day); err != nil {
		return err
	}
	recordedTotal.Inc()
	e.Log.DebugMsg("bounce recorded", "recipient", recipient, "day", day.Format(dateFormat))

	window := e.Window
	if window == 0 {
		window = DefaultWindow
	}
	stats, err := e.Store.BounceStats(ctx, recipient, window)
	if err != nil {
		return err
	}
	if !e.tooManyBounces(stats) {
		return nil
	}

	pkgs, err := e.Store.UnsubscribeAll(ctx, recipient)
	if err != nil {
		return err
	}
	if len(pkgs) == 0 {
		// Already unsubscribed by an earlier bounce, nothing to announce.
		return nil
	}

	unsubscribedTotal.Inc()
	e.Log.Msg("user unsubscribed over bounce threshold",
		"recipient", recipient, "packages", pkgs)

	if err := e.notify(ctx, recipient, pkgs); err != nil {
		e.Log.Error("cannot send unsubscription notice", err, "recipient", recipient)
	}
	return nil
}

func (e *Engine) bounceDate(returnPath string) (time.Time, error) {
	local, _, err := address.Split(returnPath)
	if err != nil {
		return time.Time{}, err
	}
	if !strings.HasPrefix(local, "bounces+") {
		return time.Time{}, fmt.Errorf("bounces: unexpected return path local-part: %s", local)
	}
	return time.Parse(dateFormat, strings.TrimPrefix(local, "bounces+"))
}

func (e *Engine) tooManyBounces(stats []storage.BounceStat) bool {
	if e.TooMany != nil {
		return e.TooMany(stats)
	}

	minDays := e.MinDays
	if minDays == 0 {
		minDays = DefaultMinDays
	}
	ratio := e.Ratio
	if ratio == 0 {
		ratio = DefaultRatio
	}

	badDays := 0
	for _, day := range stats {
		sent := day.Sent
		if sent == 0 {
			sent = 1
		}
		if float64(day.Bounced)/float64(sent) > ratio {
			badDays++
		}
	}
	return badDays >= minDays
}

func (e *Engine) notify(ctx context.Context, recipient string, pkgs []string) error {
	var b strings.Builder
	fmt.Fprintf(&b, "From: %s\r\n", e.ContactAddress)
	fmt.Fprintf(&b, "To: %s\r\n", recipient)
	fmt.Fprintf(&b, "Subject: Unsubscribed from package notifications\r\n")
	fmt.Fprintf(&b, "Precedence: bulk\r\n")
	fmt.Fprintf(&b, "Auto-Submitted: auto-generated\r\n")
	fmt.Fprintf(&b, "\r\n")
	fmt.Fprintf(&b, "Too many messages sent to your address could not be delivered.\r\n")
	fmt.Fprintf(&b, "You have been unsubscribed from the following packages:\r\n\r\n")
	for _, pkg := range pkgs {
		fmt.Fprintf(&b, "  %s\r\n", pkg)
	}
	fmt.Fprintf(&b, "\r\nYou can subscribe again once your mail service is reliable.\r\n")

	session, err := e.Relay.Dial(ctx)
	if err != nil {
		return err
	}
	defer session.Close()

	// Null return path, the notice itself must never generate a bounce.
	return session.Send(ctx, "", recipient, []byte(b.String()))
}
