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

package verp

import (
	"testing"
)

func TestEncode(t *testing.T) {
	test := func(returnPath, recipient, expected string) {
		t.Helper()

		actual, err := Encode(returnPath, recipient)
		if err != nil {
			t.Errorf("%s + %s: unexpected error: %v", returnPath, recipient, err)
			return
		}
		if actual != expected {
			t.Errorf("%s + %s: want %s, got %s", returnPath, recipient, expected, actual)
		}
	}

	test("bounces@pts.example.org", "user@domain.com",
		"bounces+user=domain.com@pts.example.org")
	test("bounces+20230815@pts.example.org", "user@domain.com",
		"bounces+20230815+user=domain.com@pts.example.org")
	test("bounces@pts.example.org", "first.last@domain.com",
		"bounces+first.last=domain.com@pts.example.org")
	test("bounces@pts.example.org", "user+tag@domain.com",
		"bounces+user%2Btag=domain.com@pts.example.org")
	test("bounces@pts.example.org", "odd=addr@domain.com",
		"bounces+odd%3Daddr=domain.com@pts.example.org")
	test("bounces@pts.example.org", "100%@domain.com",
		"bounces+100%25=domain.com@pts.example.org")
}

func TestRoundtrip(t *testing.T) {
	test := func(returnPath, recipient string) {
		t.Helper()

		encoded, err := Encode(returnPath, recipient)
		if err != nil {
			t.Errorf("%s + %s: encode: %v", returnPath, recipient, err)
			return
		}
		gotRP, gotRcpt, err := Decode(encoded)
		if err != nil {
			t.Errorf("%s: decode: %v", encoded, err)
			return
		}
		if gotRP != returnPath {
			t.Errorf("%s: wrong return path, want %s, got %s", encoded, returnPath, gotRP)
		}
		if gotRcpt != recipient {
			t.Errorf("%s: wrong recipient, want %s, got %s", encoded, recipient, gotRcpt)
		}
	}

	test("bounces@pts.example.org", "user@domain.com")
	test("bounces+20230815@pts.example.org", "user@domain.com")
	test("bounces+20230815@pts.example.org", "user+tag@domain.com")
	test("bounces+20230815@pts.example.org", "a=b+c%d@domain.com")
	test("bounces+20230815@pts.example.org", "UPPER.case@Domain.COM")
	test("bounces+20230815@pts.example.org", "o'brian@domain.com")
}

func TestDecodeMalformed(t *testing.T) {
	test := func(addr string) {
		t.Helper()

		rp, rcpt, err := Decode(addr)
		if err == nil {
			t.Errorf("%s: expected error, got %s, %s", addr, rp, rcpt)
		}
	}

	test("bounces@pts.example.org")
	test("bounces+@pts.example.org")
	test("bounces+user@pts.example.org")
	test("bounces+=domain.com@pts.example.org")
	test("bounces+user=@pts.example.org")
	test("bounces+user%Zx=domain.com@pts.example.org")
	test("not-an-address")
}
