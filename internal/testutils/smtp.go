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

package testutils

import (
	"context"
	"sync"

	"github.com/pkgtracker/pts/internal/smtpout"
)

// Envelope is one captured outbound mail transaction.
type Envelope struct {
	From string
	To   string
	Data []byte
}

// Relay is a smtpout.Dialer that records envelopes instead of talking to a
// server. FailRcpts lists recipients whose Send fails.
type Relay struct {
	sync.Mutex

	Envelopes []Envelope
	FailRcpts map[string]error

	Dials  int
	Closes int
}

func NewRelay() *Relay {
	return &Relay{FailRcpts: map[string]error{}}
}

func (r *Relay) Dial(ctx context.Context) (smtpout.Session, error) {
	r.Lock()
	defer r.Unlock()
	r.Dials++
	return &relaySession{relay: r}, nil
}

type relaySession struct {
	relay *Relay
}

func (s *relaySession) Send(ctx context.Context, from, to string, data []byte) error {
	s.relay.Lock()
	defer s.relay.Unlock()
	if err := s.relay.FailRcpts[to]; err != nil {
		return err
	}
	cpy := make([]byte, len(data))
	copy(cpy, data)
	s.relay.Envelopes = append(s.relay.Envelopes, Envelope{From: from, To: to, Data: cpy})
	return nil
}

func (s *relaySession) Close() error {
	s.relay.Lock()
	defer s.relay.Unlock()
	s.relay.Closes++
	return nil
}
