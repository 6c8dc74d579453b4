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

package bounces

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/pkgtracker/pts/internal/storage"
	"github.com/pkgtracker/pts/internal/testutils"
	"github.com/pkgtracker/pts/internal/verp"
)

func testEngine(t *testing.T) (*Engine, *testutils.Store, *testutils.Relay) {
	t.Helper()

	store := testutils.NewStore()
	relay := testutils.NewRelay()
	e := &Engine{
		Store:          store,
		Relay:          relay,
		Hostname:       "pts.example.org",
		ContactAddress: "owner@pts.example.org",
		Log:            testutils.Logger(t, "bounces"),
	}
	return e, store, relay
}

func bounceAddr(t *testing.T, day, recipient string) string {
	t.Helper()

	addr, err := verp.Encode("bounces+"+day+"@pts.example.org", recipient)
	if err != nil {
		t.Fatalf("verp.Encode: %v", err)
	}
	return addr
}

func TestProcessRecordsBounce(t *testing.T) {
	e, store, _ := testEngine(t)
	ctx := context.Background()

	if err := e.Process(ctx, bounceAddr(t, "20230815", "user@example.org")); err != nil {
		t.Fatalf("Process: %v", err)
	}

	stats, err := store.BounceStats(ctx, "user@example.org", 7)
	if err != nil {
		t.Fatalf("BounceStats: %v", err)
	}
	if len(stats) != 1 || stats[0].Bounced != 1 {
		t.Fatalf("wrong stats: %+v", stats)
	}
	// Date comes from the VERP address, not the wall clock.
	if stats[0].Day.Format("2006-01-02") != "2023-08-15" {
		t.Errorf("wrong day: %v", stats[0].Day)
	}
}

func TestProcessMalformed(t *testing.T) {
	e, store, _ := testEngine(t)
	ctx := context.Background()

	test := func(sentTo string) {
		t.Helper()
		if err := e.Process(ctx, sentTo); err != nil {
			t.Errorf("%s: malformed bounce must be swallowed, got %v", sentTo, err)
		}
	}

	test("bounces+nodate@pts.example.org")
	test("bounces@pts.example.org")
	test("garbage")
	// Return path local-part without the bounces+ prefix.
	test(mustEncode(t, "other+20230815@pts.example.org", "user@example.org"))

	if len(store.Bounces) != 0 {
		t.Errorf("malformed bounces were recorded: %v", store.Bounces)
	}
}

func mustEncode(t *testing.T, rp, rcpt string) string {
	t.Helper()
	addr, err := verp.Encode(rp, rcpt)
	if err != nil {
		t.Fatal(err)
	}
	return addr
}

func TestThresholdUnsubscribe(t *testing.T) {
	e, store, relay := testEngine(t)
	ctx := context.Background()

	for _, pkg := range []string{"nginx", "dpkg"} {
		if err := store.AddPackage(ctx, storage.Package{Name: pkg}); err != nil {
			t.Fatal(err)
		}
		if err := store.Subscribe(ctx, "user@example.org", pkg, nil); err != nil {
			t.Fatal(err)
		}
	}

	// Six days over the ratio already on record.
	base := time.Date(2023, 8, 10, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 6; i++ {
		day := base.AddDate(0, 0, i)
		for j := 0; j < 10; j++ {
			if err := store.AddSentEvent(ctx, "user@example.org", day); err != nil {
				t.Fatal(err)
			}
		}
		for j := 0; j < 9; j++ {
			if err := store.AddBounceEvent(ctx, "user@example.org", day); err != nil {
				t.Fatal(err)
			}
		}
	}

	if err := e.Process(ctx, bounceAddr(t, "20230816", "user@example.org")); err != nil {
		t.Fatalf("Process: %v", err)
	}

	if len(store.Subs) != 0 {
		t.Errorf("subscriptions not removed: %v", store.Subs)
	}
	if len(relay.Envelopes) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(relay.Envelopes))
	}
	notice := relay.Envelopes[0]
	if notice.From != "" {
		t.Errorf("notification must use the null return path, got %q", notice.From)
	}
	if notice.To != "user@example.org" {
		t.Errorf("wrong notification recipient: %s", notice.To)
	}
	for _, pkg := range []string{"nginx", "dpkg"} {
		if !strings.Contains(string(notice.Data), pkg) {
			t.Errorf("notification does not mention %s", pkg)
		}
	}

	// Further bounces stay recorded but produce no second notification.
	if err := e.Process(ctx, bounceAddr(t, "20230817", "user@example.org")); err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if len(relay.Envelopes) != 1 {
		t.Errorf("expected no further notifications, got %d", len(relay.Envelopes))
	}
}

func TestThresholdNotCrossed(t *testing.T) {
	e, store, relay := testEngine(t)
	ctx := context.Background()

	if err := store.AddPackage(ctx, storage.Package{Name: "nginx"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Subscribe(ctx, "user@example.org", "nginx", nil); err != nil {
		t.Fatal(err)
	}

	// Bounces on a few days only, below MinDays.
	for _, day := range []string{"20230814", "20230815", "20230816"} {
		if err := e.Process(ctx, bounceAddr(t, day, "user@example.org")); err != nil {
			t.Fatalf("Process: %v", err)
		}
	}

	if len(store.Subs) != 1 {
		t.Errorf("subscription should have survived")
	}
	if len(relay.Envelopes) != 0 {
		t.Errorf("unexpected notification: %v", relay.Envelopes)
	}
}

func TestVendorPredicateOverride(t *testing.T) {
	e, store, _ := testEngine(t)
	ctx := context.Background()

	if err := store.AddPackage(ctx, storage.Package{Name: "nginx"}); err != nil {
		t.Fatal(err)
	}
	if err := store.Subscribe(ctx, "user@example.org", "nginx", nil); err != nil {
		t.Fatal(err)
	}

	e.TooMany = func(stats []storage.BounceStat) bool { return true }

	if err := e.Process(ctx, bounceAddr(t, "20230815", "user@example.org")); err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(store.Subs) != 0 {
		t.Errorf("vendor predicate was ignored")
	}
}
