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
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/urfave/cli/v2"
)

func unsubscribeAllCommand() *cli.Command {
	return &cli.Command{
		Name:      "unsubscribe-all",
		Usage:     "terminate every subscription of the given addresses",
		ArgsUsage: "EMAIL...",
		Action: func(c *cli.Context) error {
			if c.NArg() == 0 {
				return cli.Exit("missing email address", 2)
			}

			a, err := openApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			for _, email := range c.Args().Slice() {
				pkgs, err := a.store.UnsubscribeAll(ctx, email)
				if err != nil {
					return err
				}
				if len(pkgs) == 0 {
					fmt.Printf("%s: no subscriptions\n", email)
					continue
				}
				fmt.Printf("%s: unsubscribed from %s\n", email, strings.Join(pkgs, " "))
			}
			return nil
		},
	}
}

func dumpSubscribersCommand() *cli.Command {
	return &cli.Command{
		Name:      "dump-subscribers",
		Usage:     "list subscribers and their subscriptions",
		ArgsUsage: " ",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "write the dump as a JSON object",
			},
			&cli.BoolFlag{
				Name:  "inactive",
				Usage: "include inactive subscriptions",
			},
		},
		Action: func(c *cli.Context) error {
			a, err := openApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := context.Background()
			inactive := c.Bool("inactive")

			emails, err := a.store.AllSubscribers(ctx, !inactive)
			if err != nil {
				return err
			}

			dump := map[string][]string{}
			for _, email := range emails {
				subs, err := a.store.Subscriptions(ctx, email)
				if err != nil {
					return err
				}
				var pkgs []string
				for _, sub := range subs {
					if !sub.Active && !inactive {
						continue
					}
					pkgs = append(pkgs, sub.Package)
				}
				dump[email] = pkgs
			}

			if c.Bool("json") {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(dump)
			}
			for _, email := range emails {
				fmt.Printf("%s => %s\n", email, strings.Join(dump[email], " "))
			}
			return nil
		},
	}
}

func statsCommand() *cli.Command {
	return &cli.Command{
		Name:      "stats",
		Usage:     "print usage statistics of the tracked package set",
		ArgsUsage: " ",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "json",
				Usage: "write the statistics as a JSON object",
			},
		},
		Action: func(c *cli.Context) error {
			a, err := openApp(c)
			if err != nil {
				return err
			}
			defer a.Close()

			stats, err := a.store.CollectStats(context.Background())
			if err != nil {
				return err
			}

			if c.Bool("json") {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(map[string]int{
					"packages":        stats.Packages,
					"pseudo_packages": stats.PseudoPkgs,
					"users":           stats.Users,
					"subscriptions":   stats.Subscriptions,
					"teams":           stats.Teams,
				})
			}
			fmt.Printf("packages:        %d\n", stats.Packages)
			fmt.Printf("pseudo packages: %d\n", stats.PseudoPkgs)
			fmt.Printf("users:           %d\n", stats.Users)
			fmt.Printf("subscriptions:   %d\n", stats.Subscriptions)
			fmt.Printf("teams:           %d\n", stats.Teams)
			return nil
		},
	}
}
