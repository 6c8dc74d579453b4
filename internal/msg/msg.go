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

// Package msg implements parsing and reserialization of the messages the
// subscription bus moves around.
//
// A message is kept as a parsed header plus the raw body bytes. Headers are
// manipulated via go-message's textproto representation, which preserves
// field order and original formatting of untouched fields, so a forwarded
// message differs from the input only in the fields dispatch actually adds.
package msg

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/mail"
	"strings"

	"github.com/emersion/go-message"
	_ "github.com/emersion/go-message/charset"
	"github.com/emersion/go-message/textproto"
)

// Message is a parsed RFC 5322 message. Body contains the raw (undecoded)
// body bytes as they appeared on the wire.
type Message struct {
	Header textproto.Header
	Body   []byte
}

// FromBytes parses blob into a header and raw body.
func FromBytes(blob []byte) (*Message, error) {
	r := bufio.NewReader(bytes.NewReader(blob))
	hdr, err := textproto.ReadHeader(r)
	if err != nil {
		return nil, fmt.Errorf("msg: malformed header: %w", err)
	}
	body, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("msg: %w", err)
	}
	return &Message{Header: hdr, Body: body}, nil
}

// Bytes reserializes the message. Header fields that were not modified are
// written back byte-for-byte.
func (m *Message) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if err := textproto.WriteHeader(&buf, m.Header); err != nil {
		return nil, fmt.Errorf("msg: %w", err)
	}
	buf.Write(m.Body)
	return buf.Bytes(), nil
}

// AddHeader prepends a header field, refusing values that would allow
// header injection.
func (m *Message) AddHeader(name, value string) error {
	if strings.ContainsAny(name, "\r\n:") {
		return fmt.Errorf("msg: forbidden character in field name: %q", name)
	}
	if strings.ContainsAny(value, "\r\n") {
		return fmt.Errorf("msg: forbidden character in field value: %q", value)
	}
	m.Header.Add(name, value)
	return nil
}

// GetAddressList parses the named header field as an address list and
// returns the bare addr-spec values. A missing field yields an empty
// slice, not an error.
func (m *Message) GetAddressList(field string) ([]string, error) {
	value := m.Header.Get(field)
	if value == "" {
		return nil, nil
	}
	list, err := mail.ParseAddressList(value)
	if err != nil {
		return nil, fmt.Errorf("msg: %s: %w", field, err)
	}
	out := make([]string, 0, len(list))
	for _, a := range list {
		out = append(out, a.Address)
	}
	return out, nil
}

// ExtractAddress parses the named header field and returns the first bare
// addr-spec in it, or "" if the field is missing or unparsable.
func (m *Message) ExtractAddress(field string) string {
	list, err := m.GetAddressList(field)
	if err != nil || len(list) == 0 {
		return ""
	}
	return list[0]
}

// FirstTextPart returns the decoded text of the first text/plain part of
// the message, walking nested multiparts depth-first. For non-multipart
// messages the whole body is used if it is text/plain (or carries no
// Content-Type at all).
//
// Transfer encoding is undone and the declared charset is converted to
// UTF-8. If the charset is unknown, the part is decoded as ASCII with
// non-ASCII bytes replaced, matching how list software traditionally
// degrades.
//
// The second return value is false if the message has no text/plain part.
func (m *Message) FirstTextPart() (string, bool, error) {
	full, err := m.Bytes()
	if err != nil {
		return "", false, err
	}

	// go-message returns a still-usable entity together with an
	// IsUnknownCharset error; in that case the body reader yields the raw
	// bytes without charset conversion.
	ent, err := message.Read(bytes.NewReader(full))
	rawCharset := false
	if err != nil {
		if !message.IsUnknownCharset(err) {
			return "", false, fmt.Errorf("msg: %w", err)
		}
		rawCharset = true
	}
	return firstTextPart(ent, rawCharset)
}

func firstTextPart(ent *message.Entity, rawCharset bool) (string, bool, error) {
	if mr := ent.MultipartReader(); mr != nil {
		for {
			part, err := mr.NextPart()
			if err == io.EOF {
				return "", false, nil
			}
			partRaw := false
			if err != nil {
				if !message.IsUnknownCharset(err) {
					return "", false, fmt.Errorf("msg: %w", err)
				}
				partRaw = true
			}
			text, ok, err := firstTextPart(part, partRaw)
			if err != nil || ok {
				return text, ok, err
			}
		}
	}

	mediaType, _, err := mime.ParseMediaType(ent.Header.Get("Content-Type"))
	if err != nil {
		// No Content-Type at all means text/plain per RFC 2045.
		if ent.Header.Get("Content-Type") != "" {
			return "", false, nil
		}
		mediaType = "text/plain"
	}
	if mediaType != "text/plain" {
		return "", false, nil
	}

	text, err := io.ReadAll(ent.Body)
	if err != nil {
		return "", false, fmt.Errorf("msg: %w", err)
	}
	if rawCharset {
		text = forceASCII(text)
	}
	return string(text), true, nil
}

func forceASCII(b []byte) []byte {
	clean := true
	for _, ch := range b {
		if ch >= 0x80 {
			clean = false
			break
		}
	}
	if clean {
		return b
	}
	out := make([]byte, len(b))
	for i, ch := range b {
		if ch >= 0x80 {
			out[i] = '?'
		} else {
			out[i] = ch
		}
	}
	return out
}
