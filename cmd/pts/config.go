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
	"fmt"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/pkgtracker/pts/framework/config"
	"github.com/pkgtracker/pts/framework/log"
	"github.com/pkgtracker/pts/internal/bounces"
	"github.com/pkgtracker/pts/internal/control"
	"github.com/pkgtracker/pts/internal/dispatch"
	"github.com/pkgtracker/pts/internal/smtpout"
	"github.com/pkgtracker/pts/internal/storage"
	"github.com/pkgtracker/pts/internal/tasks"
	"github.com/pkgtracker/pts/internal/vendor"
)

type appConfig struct {
	Hostname       string
	ControlAddress string
	ContactAddress string

	StorageDriver string
	StorageDSN    string

	RelayEndpoint config.Endpoint
	SMTPUser      string
	SMTPPassword  string
	SMTPTimeout   time.Duration

	HTTPTimeout time.Duration
	TaskTimeout time.Duration

	VendorName string
	Debug      bool

	BounceWindow  int
	BounceMinDays int
	BounceRatio   float64

	ConfirmTTL time.Duration
}

func loadConfig(path string) (*appConfig, error) {
	nodes, err := config.ReadFile(path)
	if err != nil {
		return nil, err
	}

	c := &appConfig{}
	m := config.NewMap(nil, config.Node{Children: nodes})
	m.String("hostname", false, true, "", &c.Hostname)
	m.String("control_address", false, false, "", &c.ControlAddress)
	m.String("contact_address", false, false, "", &c.ContactAddress)
	m.Custom("smtp_relay", false, true, func() (interface{}, error) {
		return config.Endpoint{}, nil
	}, func(_ *config.Map, node config.Node) (interface{}, error) {
		if len(node.Args) != 1 {
			return nil, config.NodeErr(node, "expected exactly one argument")
		}
		ep, err := config.ParseEndpoint(node.Args[0])
		if err != nil {
			return nil, err
		}
		return ep, nil
	}, &c.RelayEndpoint)
	m.Callback("smtp_auth", func(_ *config.Map, node config.Node) error {
		if len(node.Args) != 2 {
			return config.NodeErr(node, "expected username and password arguments")
		}
		c.SMTPUser, c.SMTPPassword = node.Args[0], node.Args[1]
		return nil
	})
	m.Callback("storage", func(_ *config.Map, node config.Node) error {
		if len(node.Args) != 2 {
			return config.NodeErr(node, "expected driver and DSN arguments")
		}
		switch node.Args[0] {
		case "sqlite3", "postgres":
		default:
			return config.NodeErr(node, "unsupported driver: %s", node.Args[0])
		}
		c.StorageDriver, c.StorageDSN = node.Args[0], node.Args[1]
		return nil
	})
	m.String("vendor", false, false, "", &c.VendorName)
	m.Bool("debug", false, false, &c.Debug)
	m.Int("bounce_window", false, false, bounces.DefaultWindow, &c.BounceWindow)
	m.Int("bounce_min_days", false, false, bounces.DefaultMinDays, &c.BounceMinDays)
	m.Float("bounce_ratio", false, false, bounces.DefaultRatio, &c.BounceRatio)
	m.Duration("confirm_ttl", false, false, control.DefaultConfirmTTL, &c.ConfirmTTL)
	m.Duration("smtp_timeout", false, false, 30*time.Second, &c.SMTPTimeout)
	m.Duration("http_timeout", false, false, vendor.HTTPTimeout, &c.HTTPTimeout)
	m.Duration("task_timeout", false, false, 10*time.Minute, &c.TaskTimeout)
	if _, err := m.Process(); err != nil {
		return nil, err
	}

	if c.StorageDriver == "" {
		return nil, fmt.Errorf("pts: missing required directive: storage")
	}
	if c.ControlAddress == "" {
		c.ControlAddress = "control@" + c.Hostname
	}
	if c.ContactAddress == "" {
		c.ContactAddress = "owner@" + c.Hostname
	}
	return c, nil
}

// app holds everything a subcommand needs once the configuration is
// loaded and the storage is open.
type app struct {
	cfg   *appConfig
	store storage.Store
	relay *smtpout.Relay
	hooks *vendor.Hooks
	log   log.Logger
}

func openApp(c *cli.Context) (*app, error) {
	cfg, err := loadConfig(c.String("config"))
	if err != nil {
		return nil, err
	}
	if c.Bool("debug") || cfg.Debug {
		log.DefaultLogger.Debug = true
	}

	hooks, err := vendor.Select(cfg.VendorName)
	if err != nil {
		return nil, err
	}
	vendor.HTTPTimeout = cfg.HTTPTimeout

	store, err := storage.Open(cfg.StorageDriver, cfg.StorageDSN)
	if err != nil {
		return nil, err
	}

	return &app{
		cfg:   cfg,
		store: store,
		relay: &smtpout.Relay{
			Endpoint: cfg.RelayEndpoint,
			Hostname: cfg.Hostname,
			Username: cfg.SMTPUser,
			Password: cfg.SMTPPassword,
			Timeout:  cfg.SMTPTimeout,
			Log:      logger("smtpout"),
		},
		hooks: hooks,
		log:   logger("pts"),
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func logger(name string) log.Logger {
	return log.Logger{
		Out:   log.DefaultLogger.Out,
		Name:  name,
		Debug: log.DefaultLogger.Debug,
	}
}

func (a *app) bounceEngine() *bounces.Engine {
	return &bounces.Engine{
		Store:          a.store,
		Relay:          a.relay,
		Hostname:       a.cfg.Hostname,
		ContactAddress: a.cfg.ContactAddress,
		Window:         a.cfg.BounceWindow,
		MinDays:        a.cfg.BounceMinDays,
		Ratio:          a.cfg.BounceRatio,
		TooMany:        a.hooks.HasTooManyBounces,
		Log:            logger("bounces"),
	}
}

func (a *app) dispatchEngine() *dispatch.Engine {
	return &dispatch.Engine{
		Store:          a.store,
		Relay:          a.relay,
		Vendor:         a.hooks,
		Bounces:        a.bounceEngine(),
		Hostname:       a.cfg.Hostname,
		ControlAddress: a.cfg.ControlAddress,
		Log:            logger("dispatch"),
	}
}

func (a *app) controlProcessor() *control.Processor {
	return &control.Processor{
		Store:          a.store,
		Relay:          a.relay,
		Hostname:       a.cfg.Hostname,
		ControlAddress: a.cfg.ControlAddress,
		ContactAddress: a.cfg.ContactAddress,
		ConfirmTTL:     a.cfg.ConfirmTTL,
		Log:            logger("control"),
	}
}

func (a *app) taskEngine() *tasks.Engine {
	return &tasks.Engine{
		Store: a.store,
		Env: tasks.Env{
			Store:  a.store,
			Vendor: a.hooks,
			Log:    logger("tasks"),
		},
		TaskTimeout: a.cfg.TaskTimeout,
		Log:         logger("tasks"),
	}
}
