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

package msg

import (
	"strings"
	"testing"
)

func parse(t *testing.T, blob string) *Message {
	t.Helper()

	m, err := FromBytes([]byte(blob))
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	return m
}

const simpleMsg = "From: Sender <sender@example.org>\r\n" +
	"To: dispatch@pts.example.org\r\n" +
	"Subject: test\r\n" +
	"\r\n" +
	"body line\r\n"

func TestRoundtrip(t *testing.T) {
	m := parse(t, simpleMsg)
	blob, err := m.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if string(blob) != simpleMsg {
		t.Errorf("not byte-identical after roundtrip:\n%q\nvs\n%q", simpleMsg, blob)
	}
}

func TestAddHeader(t *testing.T) {
	m := parse(t, simpleMsg)

	if err := m.AddHeader("X-Loop", "pkg@pts.example.org"); err != nil {
		t.Fatalf("AddHeader: %v", err)
	}
	if v := m.Header.Get("X-Loop"); v != "pkg@pts.example.org" {
		t.Errorf("wrong X-Loop value: %q", v)
	}

	blob, err := m.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if !strings.HasPrefix(string(blob), "X-Loop: pkg@pts.example.org\r\n") {
		t.Errorf("added field not at the top:\n%q", blob)
	}

	if err := m.AddHeader("X-Evil", "a\r\nBcc: victim@example.org"); err == nil {
		t.Error("expected error for CR/LF in value")
	}
	if err := m.AddHeader("X-Evil\r\nBcc", "a"); err == nil {
		t.Error("expected error for CR/LF in name")
	}
}

func TestExtractAddress(t *testing.T) {
	test := func(header, field, expected string) {
		t.Helper()

		m := parse(t, header+"\r\n\r\n")
		if actual := m.ExtractAddress(field); actual != expected {
			t.Errorf("%s: want %q, got %q", header, expected, actual)
		}
	}

	test("From: Some One <someone@example.org>", "From", "someone@example.org")
	test("From: someone@example.org", "From", "someone@example.org")
	test("From: a <a@example.org>, b <b@example.org>", "From", "a@example.org")
	test("From: someone@example.org", "Sender", "")
	test("From: utterly broken <<<", "From", "")
}

func TestFirstTextPart(t *testing.T) {
	test := func(name, blob, expected string, expectedOk bool) {
		t.Helper()

		m := parse(t, blob)
		text, ok, err := m.FirstTextPart()
		if err != nil {
			t.Errorf("%s: %v", name, err)
			return
		}
		if ok != expectedOk {
			t.Errorf("%s: want ok=%v, got %v", name, expectedOk, ok)
			return
		}
		if text != expected {
			t.Errorf("%s: want %q, got %q", name, expected, text)
		}
	}

	test("plain, no content-type",
		"Subject: hi\r\n\r\nhello\r\n",
		"hello\r\n", true)

	test("plain, explicit",
		"Content-Type: text/plain; charset=utf-8\r\n\r\nhello\r\n",
		"hello\r\n", true)

	test("html only",
		"Content-Type: text/html\r\n\r\n<p>hello</p>\r\n",
		"", false)

	test("multipart/alternative",
		"Content-Type: multipart/alternative; boundary=BB\r\n"+
			"\r\n"+
			"--BB\r\n"+
			"Content-Type: text/html\r\n"+
			"\r\n"+
			"<p>hello</p>\r\n"+
			"--BB\r\n"+
			"Content-Type: text/plain\r\n"+
			"\r\n"+
			"hello\r\n"+
			"--BB--\r\n",
		// The CRLF before a boundary belongs to the delimiter and is not
		// part of the body.
		"hello", true)

	test("nested multipart",
		"Content-Type: multipart/mixed; boundary=AA\r\n"+
			"\r\n"+
			"--AA\r\n"+
			"Content-Type: multipart/alternative; boundary=BB\r\n"+
			"\r\n"+
			"--BB\r\n"+
			"Content-Type: text/plain\r\n"+
			"\r\n"+
			"inner\r\n"+
			"--BB--\r\n"+
			"--AA--\r\n",
		"inner", true)

	test("quoted-printable",
		"Content-Type: text/plain; charset=utf-8\r\n"+
			"Content-Transfer-Encoding: quoted-printable\r\n"+
			"\r\n"+
			"na=C3=AFve\r\n",
		"naïve\r\n", true)
}

func TestFirstTextPartUnknownCharset(t *testing.T) {
	m := parse(t, "Content-Type: text/plain; charset=x-no-such-charset\r\n"+
		"\r\n"+
		"ok \xff\xfe end\r\n")

	text, ok, err := m.FirstTextPart()
	if err != nil {
		t.Fatalf("FirstTextPart: %v", err)
	}
	if !ok {
		t.Fatal("expected a text part")
	}
	if text != "ok ?? end\r\n" {
		t.Errorf("non-ASCII bytes not scrubbed: %q", text)
	}
}
