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

package log

import (
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestZapBridge(t *testing.T) {
	var lines []string
	l := Logger{
		Name: "smtpout",
		Out: FuncOutput(func(_ time.Time, debug bool, msg string) {
			if !debug {
				lines = append(lines, msg)
			}
		}, func() error { return nil }),
	}

	zl := l.Zap()
	zl.Info("connected", zap.String("remote_server", "relay.example.org"))
	// Debug is off on the underlying logger, this must be filtered out.
	zl.Debug("handshake trace")

	if len(lines) != 1 {
		t.Fatalf("want one message, got %v", lines)
	}
	if !strings.HasPrefix(lines[0], "smtpout: connected") {
		t.Errorf("missing name prefix or message: %q", lines[0])
	}
	if !strings.Contains(lines[0], `"remote_server":"relay.example.org"`) {
		t.Errorf("missing structured field: %q", lines[0])
	}
}

func TestZapBridgeNamed(t *testing.T) {
	var lines []string
	l := Logger{
		Name: "pts",
		Out: FuncOutput(func(_ time.Time, _ bool, msg string) {
			lines = append(lines, msg)
		}, func() error { return nil }),
	}

	l.Zap().Named("tasks").Info("job resumed")

	if len(lines) != 1 {
		t.Fatalf("want one message, got %v", lines)
	}
	if !strings.HasPrefix(lines[0], "pts/tasks: ") {
		t.Errorf("named logger not reflected in prefix: %q", lines[0])
	}
}
