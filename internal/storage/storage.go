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

// Package storage defines the persistence contract shared by the dispatch,
// control, bounce and task engines, and provides the SQL implementation of
// it.
//
// Email addresses are normalized (NFC, case-folded) before they are stored
// or looked up, so user@EXAMPLE.org and user@example.org are the same
// subscriber.
package storage

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNoSuchPackage     = errors.New("storage: no such package")
	ErrNoSuchTeam        = errors.New("storage: no such team")
	ErrNoSuchToken       = errors.New("storage: no such confirmation token")
	ErrAlreadySubscribed = errors.New("storage: already subscribed")
	ErrNotSubscribed     = errors.New("storage: not subscribed")
	ErrAlreadyMember     = errors.New("storage: already a team member")
	ErrNotMember         = errors.New("storage: not a team member")
)

// DefaultKeywords is the keyword set attached to subscriptions that do not
// carry an explicit one and to users without a configured default.
var DefaultKeywords = []string{
	"default", "bts", "bts-control", "upload-source",
	"upload-binary", "archive", "contact", "summary",
}

type Package struct {
	Name   string
	Pseudo bool

	// URL of the package information site, maintained by the
	// refresh-package-urls task.
	URL string
}

type Subscription struct {
	Email   string
	Package string
	Active  bool

	// Empty means "use the user default set".
	Keywords []string
}

type Team struct {
	Slug   string
	Name   string
	Owner  string
	Public bool
}

// BounceStat is one calendar day of delivery accounting for one user.
type BounceStat struct {
	Email   string
	Day     time.Time
	Sent    int
	Bounced int
}

// Job is a persisted task engine run. State is the JSON-encoded checkpoint.
type Job struct {
	ID        string
	State     []byte
	CreatedAt time.Time
	Complete  bool
}

// Confirmation is a pending two-phase control command.
type Confirmation struct {
	Token     string
	Email     string
	Command   string
	CreatedAt time.Time
}

type Stats struct {
	Packages      int
	PseudoPkgs    int
	Users         int
	Subscriptions int
	Teams         int
}

// Store is the storage contract. All operations are safe for concurrent
// use; multi-row updates (UnsubscribeAll) are transactional.
type Store interface {
	// Packages.
	AddPackage(ctx context.Context, pkg Package) error
	GetPackage(ctx context.Context, name string) (*Package, error)
	DeletePackage(ctx context.Context, name string) error
	SetPackageURL(ctx context.Context, name, url string) error
	ListPackages(ctx context.Context, pseudoOnly bool) ([]Package, error)

	// Users.
	DefaultUserKeywords(ctx context.Context, email string) ([]string, error)
	SetDefaultUserKeywords(ctx context.Context, email string, keywords []string) error

	// Subscriptions. Subscribe returns ErrAlreadySubscribed for an existing
	// active subscription and silently reactivates an inactive one.
	Subscribe(ctx context.Context, email, pkg string, keywords []string) error
	Unsubscribe(ctx context.Context, email, pkg string) error
	UnsubscribeAll(ctx context.Context, email string) (packages []string, err error)
	Subscription(ctx context.Context, email, pkg string) (*Subscription, error)
	SetSubscriptionKeywords(ctx context.Context, email, pkg string, keywords []string) error
	Subscriptions(ctx context.Context, email string) ([]Subscription, error)

	// Subscribers returns the addresses of active subscribers of pkg whose
	// effective keyword set contains keyword, sorted by address.
	Subscribers(ctx context.Context, pkg, keyword string) ([]string, error)
	// AllSubscribers returns every address that holds at least one
	// subscription, active or not, sorted.
	AllSubscribers(ctx context.Context, activeOnly bool) ([]string, error)

	// Teams.
	AddTeam(ctx context.Context, team Team) error
	GetTeam(ctx context.Context, slug string) (*Team, error)
	JoinTeam(ctx context.Context, slug, email string) error
	LeaveTeam(ctx context.Context, slug, email string) error
	TeamsOf(ctx context.Context, email string) ([]string, error)
	TeamPackages(ctx context.Context, slug string) ([]string, error)
	AddTeamPackage(ctx context.Context, slug, pkg string) error

	// Bounce accounting. Day is truncated to a calendar date.
	AddSentEvent(ctx context.Context, email string, day time.Time) error
	AddBounceEvent(ctx context.Context, email string, day time.Time) error
	// BounceStats returns up to lastDays most recent per-day records,
	// newest first.
	BounceStats(ctx context.Context, email string, lastDays int) ([]BounceStat, error)

	// Task engine checkpoints.
	SaveJob(ctx context.Context, job Job) error
	GetJob(ctx context.Context, id string) (*Job, error)
	IncompleteJobs(ctx context.Context) ([]Job, error)

	// Confirmation tokens. PopConfirmation removes the token so it cannot
	// be used twice; tokens created before notBefore are treated as
	// missing.
	AddConfirmation(ctx context.Context, c Confirmation) error
	PopConfirmation(ctx context.Context, token string, notBefore time.Time) (*Confirmation, error)

	CollectStats(ctx context.Context) (*Stats, error)

	Close() error
}

// EffectiveKeywords resolves the keyword set a subscription actually
// filters on: its own set if non-empty, else the user default, else
// DefaultKeywords.
func EffectiveKeywords(sub *Subscription, userDefault []string) []string {
	if len(sub.Keywords) != 0 {
		return sub.Keywords
	}
	if len(userDefault) != 0 {
		return userDefault
	}
	return DefaultKeywords
}
