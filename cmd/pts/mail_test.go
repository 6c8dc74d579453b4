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

package main

import (
	"errors"
	"testing"

	"github.com/urfave/cli/v2"

	"github.com/pkgtracker/pts/framework/exterrors"
	"github.com/pkgtracker/pts/framework/log"
)

func TestMailErrExitCode(t *testing.T) {
	l := log.Logger{Out: log.NopOutput{}}

	if err := mailErr(l, "dispatch failed", nil); err != nil {
		t.Errorf("nil error: %v", err)
	}

	// Permanent failures are swallowed, the MTA must not bounce.
	perm := exterrors.WithTemporary(errors.New("no such user"), false)
	if err := mailErr(l, "dispatch failed", perm); err != nil {
		t.Errorf("permanent failure reached the MTA: %v", err)
	}

	// Temporary failures defer with EX_TEMPFAIL so the MTA requeues.
	temp := exterrors.WithTemporary(errors.New("connection refused"), true)
	err := mailErr(l, "dispatch failed", temp)
	coder, ok := err.(cli.ExitCoder)
	if !ok || coder.ExitCode() != 75 {
		t.Errorf("want exit code 75, got %v", err)
	}
}
