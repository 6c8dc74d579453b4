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
	"context"
	"io"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pkgtracker/pts/framework/exterrors"
	"github.com/pkgtracker/pts/framework/log"
)

// mailErr decides the exit code the MTA sees. Temporary failures (relay
// unreachable, 4xx replies) exit with EX_TEMPFAIL so the MTA requeues
// the message; anything else is logged and the mail is dropped, a bounce
// to the sender would be useless.
func mailErr(l log.Logger, what string, err error) error {
	if err == nil {
		return nil
	}
	if exterrors.IsTemporary(err) {
		l.Error(what+": deferring", err)
		return cli.Exit("", 75)
	}
	l.Error(what, err)
	return nil
}

// envelopeRecipient reconstructs the envelope recipient from the flag or
// from the environment the MTA invokes us with (LOCAL_PART/DOMAIN the
// way Exim sets them, ORIGINAL_RECIPIENT the way postfix does).
func envelopeRecipient(c *cli.Context) string {
	if rcpt := c.String("rcpt"); rcpt != "" {
		return rcpt
	}
	if local := os.Getenv("LOCAL_PART"); local != "" {
		if domain := os.Getenv("DOMAIN"); domain != "" {
			return local + "@" + domain
		}
		return local
	}
	return os.Getenv("ORIGINAL_RECIPIENT")
}

func dispatchCommand() *cli.Command {
	return &cli.Command{
		Name:      "dispatch",
		Usage:     "forward the message on stdin to package subscribers",
		ArgsUsage: " ",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "rcpt",
				Usage: "envelope recipient (overrides MTA environment)",
			},
		},
		Action: func(c *cli.Context) error {
			a, err := openApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			blob, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}

			err = a.dispatchEngine().Dispatch(context.Background(), blob, envelopeRecipient(c))
			return mailErr(a.log, "dispatch failed", err)
		},
	}
}

func controlCommand() *cli.Command {
	return &cli.Command{
		Name:      "control",
		Usage:     "process the control commands in the message on stdin",
		ArgsUsage: " ",
		Action: func(c *cli.Context) error {
			a, err := openApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			blob, err := io.ReadAll(os.Stdin)
			if err != nil {
				return err
			}

			err = a.controlProcessor().Process(context.Background(), blob)
			return mailErr(a.log, "control processing failed", err)
		},
	}
}
