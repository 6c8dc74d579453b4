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

package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/pkgtracker/pts/internal/bounces"
	"github.com/pkgtracker/pts/internal/msg"
	"github.com/pkgtracker/pts/internal/storage"
	"github.com/pkgtracker/pts/internal/testutils"
	"github.com/pkgtracker/pts/internal/vendor"
)

func testEngine(t *testing.T, hooks *vendor.Hooks) (*Engine, *testutils.Store, *testutils.Relay) {
	t.Helper()

	store := testutils.NewStore()
	relay := testutils.NewRelay()
	if hooks == nil {
		hooks = &vendor.Hooks{Name: "none"}
	}
	e := &Engine{
		Store:  store,
		Relay:  relay,
		Vendor: hooks,
		Bounces: &bounces.Engine{
			Store:          store,
			Relay:          relay,
			Hostname:       "pts.example.org",
			ContactAddress: "owner@pts.example.org",
			Log:            testutils.Logger(t, "bounces"),
		},
		Hostname:       "pts.example.org",
		ControlAddress: "control@pts.example.org",
		Now:            func() time.Time { return time.Date(2023, 8, 15, 12, 0, 0, 0, time.UTC) },
		Log:            testutils.Logger(t, "dispatch"),
	}
	return e, store, relay
}

func subscribe(t *testing.T, store *testutils.Store, email, pkg string, kws []string) {
	t.Helper()
	ctx := context.Background()
	if err := store.AddPackage(ctx, storage.Package{Name: pkg}); err != nil {
		t.Fatal(err)
	}
	if err := store.Subscribe(ctx, email, pkg, kws); err != nil {
		t.Fatal(err)
	}
}

const inbound = "From: bts@example.org\r\n" +
	"Subject: Bug#1 fixed\r\n" +
	"\r\n" +
	"body\r\n"

func TestKeywordInAddress(t *testing.T) {
	e, store, relay := testEngine(t, nil)
	subscribe(t, store, "b@example.org", "nginx", []string{"bts"})
	subscribe(t, store, "a@example.org", "nginx", []string{"bts"})
	subscribe(t, store, "c@example.org", "nginx", []string{"summary"})

	if err := e.Dispatch(context.Background(), []byte(inbound), "nginx_bts@pts.example.org"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if len(relay.Envelopes) != 2 {
		t.Fatalf("expected 2 envelopes, got %d", len(relay.Envelopes))
	}

	// Deterministic fan-out order: sorted by recipient.
	if relay.Envelopes[0].To != "a@example.org" || relay.Envelopes[1].To != "b@example.org" {
		t.Errorf("wrong recipients: %s, %s", relay.Envelopes[0].To, relay.Envelopes[1].To)
	}

	for _, env := range relay.Envelopes {
		if !strings.HasPrefix(env.From, "bounces+20230815+") {
			t.Errorf("MAIL FROM not VERP-encoded: %s", env.From)
		}
		if !strings.HasSuffix(env.From, "@pts.example.org") {
			t.Errorf("wrong VERP domain: %s", env.From)
		}
	}

	// DATA byte-identical across recipients.
	if string(relay.Envelopes[0].Data) != string(relay.Envelopes[1].Data) {
		t.Error("DATA differs between recipients")
	}

	m, err := msg.FromBytes(relay.Envelopes[0].Data)
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	check := func(field, expected string) {
		t.Helper()
		if actual := m.Header.Get(field); actual != expected {
			t.Errorf("%s: want %q, got %q", field, expected, actual)
		}
	}
	check("X-Loop", "nginx@pts.example.org")
	check("X-PTS-Package", "nginx")
	check("X-PTS-Keyword", "bts")
	check("Precedence", "list")
	check("List-Unsubscribe", "<mailto:control@pts.example.org?body=unsubscribe%20nginx>")

	// Sent accounting for both recipients.
	for _, email := range []string{"a@example.org", "b@example.org"} {
		stats, err := store.BounceStats(context.Background(), email, 7)
		if err != nil {
			t.Fatal(err)
		}
		if len(stats) != 1 || stats[0].Sent != 1 {
			t.Errorf("%s: wrong accounting: %+v", email, stats)
		}
	}
}

func TestLoopDrop(t *testing.T) {
	e, store, relay := testEngine(t, nil)
	subscribe(t, store, "a@example.org", "nginx", []string{"bts"})

	looped := "X-Loop: nginx@pts.example.org\r\n" + inbound
	if err := e.Dispatch(context.Background(), []byte(looped), "nginx_bts@pts.example.org"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(relay.Envelopes) != 0 {
		t.Errorf("looped message was delivered: %v", relay.Envelopes)
	}
	if relay.Dials != 0 {
		t.Errorf("relay dialed for a dropped message")
	}
}

func TestDefaultKeywordGate(t *testing.T) {
	e, store, relay := testEngine(t, nil)
	subscribe(t, store, "a@example.org", "nginx", []string{"default"})

	// No approval: dropped.
	if err := e.Dispatch(context.Background(), []byte(inbound), "nginx@pts.example.org"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(relay.Envelopes) != 0 {
		t.Fatalf("unapproved default message was delivered")
	}

	// X-PTS-Approved: dispatched.
	approved := "X-PTS-Approved: yes\r\n" + inbound
	if err := e.Dispatch(context.Background(), []byte(approved), "nginx@pts.example.org"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(relay.Envelopes) != 1 {
		t.Fatalf("approved default message was not delivered")
	}

	m, err := msg.FromBytes(relay.Envelopes[0].Data)
	if err != nil {
		t.Fatal(err)
	}
	if m.Header.Get("X-PTS-Keyword") != "default" {
		t.Errorf("wrong keyword: %s", m.Header.Get("X-PTS-Keyword"))
	}
}

func TestVendorApproval(t *testing.T) {
	hooks := &vendor.Hooks{
		Name: "test",
		ApproveDefaultMessage: func(m *msg.Message) bool {
			return m.Header.Has("X-Bugzilla-Product")
		},
	}
	e, store, relay := testEngine(t, hooks)
	subscribe(t, store, "a@example.org", "nginx", []string{"default"})

	blob := "X-Bugzilla-Product: pts\r\n" + inbound
	if err := e.Dispatch(context.Background(), []byte(blob), "nginx@pts.example.org"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(relay.Envelopes) != 1 {
		t.Errorf("vendor-approved message was not delivered")
	}
}

func TestVendorClassifierAndHeaders(t *testing.T) {
	hooks := &vendor.Hooks{
		Name: "test",
		GetKeyword: func(localPart string, m *msg.Message) string {
			return "bts"
		},
		AddNewHeaders: func(m *msg.Message, pkg, keyword string) [][2]string {
			return [][2]string{{"X-Test-Package", pkg}}
		},
	}
	e, store, relay := testEngine(t, hooks)
	subscribe(t, store, "a@example.org", "nginx", []string{"bts"})

	// No keyword in the address: the vendor classifier decides.
	if err := e.Dispatch(context.Background(), []byte(inbound), "nginx@pts.example.org"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if len(relay.Envelopes) != 1 {
		t.Fatalf("expected delivery via vendor classification")
	}
	m, err := msg.FromBytes(relay.Envelopes[0].Data)
	if err != nil {
		t.Fatal(err)
	}
	if m.Header.Get("X-PTS-Keyword") != "bts" {
		t.Errorf("wrong keyword: %s", m.Header.Get("X-PTS-Keyword"))
	}
	if m.Header.Get("X-Test-Package") != "nginx" {
		t.Errorf("vendor header missing")
	}
}

func TestUnknownPackageDrop(t *testing.T) {
	e, _, relay := testEngine(t, nil)

	if err := e.Dispatch(context.Background(), []byte(inbound), "ghost_bts@pts.example.org"); err != nil {
		t.Fatalf("unknown package must not be an error: %v", err)
	}
	if len(relay.Envelopes) != 0 {
		t.Errorf("unexpected delivery: %v", relay.Envelopes)
	}
}

func TestPartialRelayFailure(t *testing.T) {
	e, store, relay := testEngine(t, nil)
	subscribe(t, store, "a@example.org", "nginx", []string{"bts"})
	subscribe(t, store, "b@example.org", "nginx", []string{"bts"})
	relay.FailRcpts["a@example.org"] = errors.New("550 mailbox unavailable")

	if err := e.Dispatch(context.Background(), []byte(inbound), "nginx_bts@pts.example.org"); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	if len(relay.Envelopes) != 1 || relay.Envelopes[0].To != "b@example.org" {
		t.Fatalf("expected b@example.org to still receive the message: %v", relay.Envelopes)
	}

	// No sent accounting for the failed recipient.
	stats, err := store.BounceStats(context.Background(), "a@example.org", 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 0 {
		t.Errorf("failed recipient was accounted as sent: %+v", stats)
	}
}

func TestBounceShortcut(t *testing.T) {
	e, store, _ := testEngine(t, nil)

	addr := "bounces+20230815+user=example.org@pts.example.org"
	if err := e.Dispatch(context.Background(), []byte(inbound), addr); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}

	stats, err := store.BounceStats(context.Background(), "user@example.org", 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(stats) != 1 || stats[0].Bounced != 1 {
		t.Errorf("bounce was not recorded: %+v", stats)
	}
}
