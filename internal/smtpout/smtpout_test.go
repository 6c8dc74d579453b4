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

package smtpout

import (
	"fmt"
	"io"
	"testing"

	"github.com/emersion/go-smtp"

	"github.com/pkgtracker/pts/framework/exterrors"
)

func TestWrapErrClassification(t *testing.T) {
	test := func(name string, err error, temporary bool) {
		t.Helper()

		wrapped := wrapErr(err, "relay.example.org")
		if exterrors.IsTemporary(wrapped) != temporary {
			t.Errorf("%s: want temporary=%v", name, temporary)
		}
		if fields := exterrors.Fields(wrapped); fields["remote_server"] != "relay.example.org" {
			t.Errorf("%s: missing remote_server field: %v", name, fields)
		}
	}

	test("4xx reply", &smtp.SMTPError{Code: 450, Message: "mailbox busy"}, true)
	test("5xx reply", &smtp.SMTPError{Code: 550, Message: "no such user"}, false)
	test("wrapped 5xx reply",
		fmt.Errorf("DATA: %w", &smtp.SMTPError{Code: 554, Message: "rejected"}), false)
	test("connection error", io.ErrUnexpectedEOF, true)
}

func TestWrapErrNil(t *testing.T) {
	if wrapErr(nil, "relay.example.org") != nil {
		t.Error("nil error got wrapped")
	}
}
