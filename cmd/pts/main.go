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
	"os"

	"github.com/urfave/cli/v2"

	"github.com/pkgtracker/pts/framework/log"
)

func main() {
	app := cli.NewApp()
	app.Name = "pts"
	app.Usage = "email subscription bus for package metadata"
	app.Description = `pts forwards package-related mail to keyword-filtered subscribers,
processes subscription commands received by mail, accounts bounced
deliveries and runs the background task pipeline.

The dispatch and control subcommands are meant to be invoked from the
MTA with the message on stdin; the rest are operator tools.
`
	app.Flags = []cli.Flag{
		&cli.StringFlag{
			Name:    "config",
			Usage:   "path to the configuration file",
			EnvVars: []string{"PTS_CONFIG"},
			Value:   "/etc/pts/pts.conf",
		},
		&cli.BoolFlag{
			Name:    "debug",
			Usage:   "enable debug logging",
			EnvVars: []string{"PTS_DEBUG"},
		},
	}
	app.Commands = []*cli.Command{
		dispatchCommand(),
		controlCommand(),
		runTaskCommand(),
		resumeJobsCommand(),
		unsubscribeAllCommand(),
		dumpSubscribersCommand(),
		statsCommand(),
	}
	app.ExitErrHandler = func(c *cli.Context, err error) {
		cli.HandleExitCoder(err)
		if err != nil {
			log.Println(err)
			cli.OsExiter(1)
		}
	}

	if err := app.Run(os.Args); err != nil {
		log.Println(err)
		os.Exit(1)
	}
}
