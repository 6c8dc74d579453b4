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

	"github.com/urfave/cli/v2"
)

func runTaskCommand() *cli.Command {
	return &cli.Command{
		Name:      "run-task",
		Usage:     "start a job from the named initial task and run it to completion",
		ArgsUsage: "TASK",
		Action: func(c *cli.Context) error {
			name := c.Args().First()
			if name == "" {
				return cli.Exit("missing task name", 2)
			}

			a, err := openApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.taskEngine().NewJob(name, nil)
			if err != nil {
				return err
			}
			a.log.Msg("job started", "job", job.ID, "initial_task", name)
			return job.Run(context.Background())
		},
	}
}

func resumeJobsCommand() *cli.Command {
	return &cli.Command{
		Name:      "resume-jobs",
		Usage:     "resume all incomplete jobs from their checkpoints",
		ArgsUsage: " ",
		Action: func(c *cli.Context) error {
			a, err := openApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			return a.taskEngine().ResumeAll(context.Background())
		},
	}
}
