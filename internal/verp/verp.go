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

// Package verp implements the Variable Envelope Return Path encoding.
//
// The recipient of a message is embedded into the envelope sender so that a
// bounce coming back to that sender identifies the original addressee:
//
//	Encode("bounces@example.org", "user@other.example") ==
//		"bounces+user=other.example@example.org"
//
// Characters that are not safe inside a local-part (including '+', '=' and
// '%' which are meaningful for the encoding itself) are percent-escaped, so
// Decode(Encode(rp, r)) == (rp, r) holds for every RFC 5321 addr-spec pair.
package verp

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pkgtracker/pts/framework/address"
)

var ErrMalformed = errors.New("verp: malformed address")

// Safe characters are the atext set from RFC 5321 minus the ones meaningful
// for VERP itself ('+', '=', '%'), plus dot.
func isSafe(ch byte) bool {
	switch {
	case ch >= 'a' && ch <= 'z':
		return true
	case ch >= 'A' && ch <= 'Z':
		return true
	case ch >= '0' && ch <= '9':
		return true
	}
	return strings.IndexByte("!#$&'*-/?^_`{|}~.", ch) != -1
}

func escapeLocal(local string) string {
	var b strings.Builder
	b.Grow(len(local))
	for i := 0; i < len(local); i++ {
		ch := local[i]
		if isSafe(ch) {
			b.WriteByte(ch)
			continue
		}
		fmt.Fprintf(&b, "%%%02X", ch)
	}
	return b.String()
}

func unescapeLocal(local string) (string, error) {
	var b strings.Builder
	b.Grow(len(local))
	for i := 0; i < len(local); i++ {
		ch := local[i]
		if ch != '%' {
			b.WriteByte(ch)
			continue
		}
		if i+2 >= len(local) {
			return "", ErrMalformed
		}
		var decoded byte
		if _, err := fmt.Sscanf(local[i+1:i+3], "%02X", &decoded); err != nil {
			return "", ErrMalformed
		}
		b.WriteByte(decoded)
		i += 2
	}
	return b.String(), nil
}

// Encode embeds the recipient into the local-part of the return path
// address.
func Encode(returnPath, recipient string) (string, error) {
	rpLocal, rpDomain, err := address.Split(returnPath)
	if err != nil {
		return "", fmt.Errorf("verp: encode: %w", err)
	}
	rcptLocal, rcptDomain, err := address.Split(recipient)
	if err != nil {
		return "", fmt.Errorf("verp: encode: %w", err)
	}

	return rpLocal + "+" + escapeLocal(rcptLocal) + "=" + rcptDomain + "@" + rpDomain, nil
}

// Decode recovers the return path and the original recipient from a
// VERP-encoded address.
//
// The return path local-part may itself contain '+' characters (the bounce
// addresses used by dispatch do), so the encoded recipient is taken after
// the last one. This is unambiguous because Encode escapes '+' inside the
// recipient local-part.
func Decode(verpAddr string) (returnPath, recipient string, err error) {
	local, domain, err := address.Split(verpAddr)
	if err != nil {
		return "", "", fmt.Errorf("verp: decode: %w", err)
	}

	plus := strings.LastIndexByte(local, '+')
	if plus == -1 || plus == len(local)-1 {
		return "", "", ErrMalformed
	}
	rpLocal, encoded := local[:plus], local[plus+1:]

	eq := strings.LastIndexByte(encoded, '=')
	if eq == -1 || eq == 0 || eq == len(encoded)-1 {
		return "", "", ErrMalformed
	}

	rcptLocal, err := unescapeLocal(encoded[:eq])
	if err != nil {
		return "", "", err
	}
	rcptDomain := encoded[eq+1:]

	return rpLocal + "@" + domain, rcptLocal + "@" + rcptDomain, nil
}
