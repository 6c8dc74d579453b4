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

package control

import (
	"fmt"
	"regexp"
	"strings"
)

// command is one parsed command line. handle applies it and appends its
// output to the transcript.
type command interface {
	handle(r *run)
}

// confirmable commands run in two phases: preConfirm validates the
// request and, on true, the processor mails a one-time token to the
// affected address; handle runs only when that token comes back.
type confirmable interface {
	command
	// preConfirm reports whether a confirmation should be requested.
	preConfirm(r *run) bool
	// commandText is the canonical form stored with the token and
	// replayed on confirmation.
	commandText() string
	// confirmAddress is where the token is mailed to.
	confirmAddress() string
}

// quitter marks the command that stops processing of the rest of the
// mail.
type quitter interface {
	quits() bool
}

// spec binds the first word of a command line to argument patterns. The
// first matching pattern wins; regexps are matched against the argument
// tail (everything after the command word).
type spec struct {
	names       []string
	description string
	patterns    []*regexp.Regexp
	parse       func(groups []string, r *run) command
}

var specs []spec

func pattern(res ...string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(res))
	for _, re := range res {
		out = append(out, regexp.MustCompile("^"+re+"$"))
	}
	return out
}

// match parses one command line. The second return value is false if no
// command matched (counts against the error budget).
func match(line string, r *run) (command, bool) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil, false
	}
	word := strings.ToLower(fields[0])
	tail := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), fields[0]))

	for _, s := range specs {
		for _, name := range s.names {
			if name != word {
				continue
			}
			for _, re := range s.patterns {
				groups := re.FindStringSubmatch(tail)
				if groups == nil {
					continue
				}
				return s.parse(groups[1:], r), true
			}
		}
	}
	return nil, false
}

// helpText returns the description of every command, in registration
// order.
func helpText() string {
	var b strings.Builder
	for _, s := range specs {
		fmt.Fprintf(&b, "%s\n", s.description)
	}
	return strings.TrimRight(b.String(), "\n")
}
