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
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/pkgtracker/pts/framework/address"
	"github.com/pkgtracker/pts/internal/storage"
)

// Store is an in-memory storage.Store for engine tests.
type Store struct {
	sync.Mutex

	Packages      map[string]storage.Package
	Users         map[string][]string
	Subs          map[[2]string]*storage.Subscription // email, package
	Teams         map[string]storage.Team
	Members       map[[2]string]struct{} // team, email
	TeamPkgs      map[[2]string]struct{} // team, package
	Bounces       map[[2]string]*storage.BounceStat // email, day
	Jobs          map[string]storage.Job
	Confirmations map[string]storage.Confirmation
}

func NewStore() *Store {
	return &Store{
		Packages:      map[string]storage.Package{},
		Users:         map[string][]string{},
		Subs:          map[[2]string]*storage.Subscription{},
		Teams:         map[string]storage.Team{},
		Members:       map[[2]string]struct{}{},
		TeamPkgs:      map[[2]string]struct{}{},
		Bounces:       map[[2]string]*storage.BounceStat{},
		Jobs:          map[string]storage.Job{},
		Confirmations: map[string]storage.Confirmation{},
	}
}

func norm(email string) string {
	n, _ := address.ForLookup(email)
	return n
}

func day(t time.Time) string {
	return t.Format("2006-01-02")
}

func (s *Store) AddPackage(_ context.Context, pkg storage.Package) error {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.Packages[pkg.Name]; ok {
		return nil
	}
	s.Packages[pkg.Name] = pkg
	return nil
}

func (s *Store) GetPackage(_ context.Context, name string) (*storage.Package, error) {
	s.Lock()
	defer s.Unlock()
	pkg, ok := s.Packages[name]
	if !ok {
		return nil, storage.ErrNoSuchPackage
	}
	return &pkg, nil
}

func (s *Store) DeletePackage(_ context.Context, name string) error {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.Packages[name]; !ok {
		return storage.ErrNoSuchPackage
	}
	delete(s.Packages, name)
	return nil
}

func (s *Store) SetPackageURL(_ context.Context, name, url string) error {
	s.Lock()
	defer s.Unlock()
	pkg, ok := s.Packages[name]
	if !ok {
		return storage.ErrNoSuchPackage
	}
	pkg.URL = url
	s.Packages[name] = pkg
	return nil
}

func (s *Store) ListPackages(_ context.Context, pseudoOnly bool) ([]storage.Package, error) {
	s.Lock()
	defer s.Unlock()
	var out []storage.Package
	for _, pkg := range s.Packages {
		if pseudoOnly && !pkg.Pseudo {
			continue
		}
		out = append(out, pkg)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (s *Store) DefaultUserKeywords(_ context.Context, email string) ([]string, error) {
	s.Lock()
	defer s.Unlock()
	return s.Users[norm(email)], nil
}

func (s *Store) SetDefaultUserKeywords(_ context.Context, email string, keywords []string) error {
	s.Lock()
	defer s.Unlock()
	s.Users[norm(email)] = keywords
	return nil
}

func (s *Store) Subscribe(ctx context.Context, email, pkg string, keywords []string) error {
	if _, err := s.GetPackage(ctx, pkg); err != nil {
		return err
	}

	s.Lock()
	defer s.Unlock()
	key := [2]string{norm(email), pkg}
	if sub, ok := s.Subs[key]; ok {
		if sub.Active {
			return storage.ErrAlreadySubscribed
		}
		sub.Active = true
		return nil
	}
	s.Subs[key] = &storage.Subscription{
		Email:    norm(email),
		Package:  pkg,
		Active:   true,
		Keywords: keywords,
	}
	return nil
}

func (s *Store) Unsubscribe(_ context.Context, email, pkg string) error {
	s.Lock()
	defer s.Unlock()
	key := [2]string{norm(email), pkg}
	if _, ok := s.Subs[key]; !ok {
		return storage.ErrNotSubscribed
	}
	delete(s.Subs, key)
	return nil
}

func (s *Store) UnsubscribeAll(_ context.Context, email string) ([]string, error) {
	s.Lock()
	defer s.Unlock()
	var pkgs []string
	for key := range s.Subs {
		if key[0] == norm(email) {
			pkgs = append(pkgs, key[1])
			delete(s.Subs, key)
		}
	}
	sort.Strings(pkgs)
	return pkgs, nil
}

func (s *Store) Subscription(_ context.Context, email, pkg string) (*storage.Subscription, error) {
	s.Lock()
	defer s.Unlock()
	sub, ok := s.Subs[[2]string{norm(email), pkg}]
	if !ok {
		return nil, storage.ErrNotSubscribed
	}
	cpy := *sub
	return &cpy, nil
}

func (s *Store) SetSubscriptionKeywords(_ context.Context, email, pkg string, keywords []string) error {
	s.Lock()
	defer s.Unlock()
	sub, ok := s.Subs[[2]string{norm(email), pkg}]
	if !ok {
		return storage.ErrNotSubscribed
	}
	sub.Keywords = keywords
	return nil
}

func (s *Store) Subscriptions(_ context.Context, email string) ([]storage.Subscription, error) {
	s.Lock()
	defer s.Unlock()
	var out []storage.Subscription
	for key, sub := range s.Subs {
		if key[0] == norm(email) {
			out = append(out, *sub)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Package < out[j].Package })
	return out, nil
}

func (s *Store) Subscribers(_ context.Context, pkg, keyword string) ([]string, error) {
	s.Lock()
	defer s.Unlock()
	var out []string
	for key, sub := range s.Subs {
		if key[1] != pkg || !sub.Active {
			continue
		}
		for _, kw := range storage.EffectiveKeywords(sub, s.Users[key[0]]) {
			if kw == keyword {
				out = append(out, key[0])
				break
			}
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) AllSubscribers(_ context.Context, activeOnly bool) ([]string, error) {
	s.Lock()
	defer s.Unlock()
	seen := map[string]struct{}{}
	for key, sub := range s.Subs {
		if activeOnly && !sub.Active {
			continue
		}
		seen[key[0]] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for email := range seen {
		out = append(out, email)
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) AddTeam(_ context.Context, team storage.Team) error {
	s.Lock()
	defer s.Unlock()
	if _, ok := s.Teams[team.Slug]; ok {
		return nil
	}
	s.Teams[team.Slug] = team
	return nil
}

func (s *Store) GetTeam(_ context.Context, slug string) (*storage.Team, error) {
	s.Lock()
	defer s.Unlock()
	team, ok := s.Teams[slug]
	if !ok {
		return nil, storage.ErrNoSuchTeam
	}
	return &team, nil
}

func (s *Store) JoinTeam(ctx context.Context, slug, email string) error {
	if _, err := s.GetTeam(ctx, slug); err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	key := [2]string{slug, norm(email)}
	if _, ok := s.Members[key]; ok {
		return storage.ErrAlreadyMember
	}
	s.Members[key] = struct{}{}
	return nil
}

func (s *Store) LeaveTeam(ctx context.Context, slug, email string) error {
	if _, err := s.GetTeam(ctx, slug); err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	key := [2]string{slug, norm(email)}
	if _, ok := s.Members[key]; !ok {
		return storage.ErrNotMember
	}
	delete(s.Members, key)
	return nil
}

func (s *Store) TeamsOf(_ context.Context, email string) ([]string, error) {
	s.Lock()
	defer s.Unlock()
	var out []string
	for key := range s.Members {
		if key[1] == norm(email) {
			out = append(out, key[0])
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) TeamPackages(ctx context.Context, slug string) ([]string, error) {
	if _, err := s.GetTeam(ctx, slug); err != nil {
		return nil, err
	}
	s.Lock()
	defer s.Unlock()
	var out []string
	for key := range s.TeamPkgs {
		if key[0] == slug {
			out = append(out, key[1])
		}
	}
	sort.Strings(out)
	return out, nil
}

func (s *Store) AddTeamPackage(ctx context.Context, slug, pkg string) error {
	if _, err := s.GetTeam(ctx, slug); err != nil {
		return err
	}
	s.Lock()
	defer s.Unlock()
	s.TeamPkgs[[2]string{slug, pkg}] = struct{}{}
	return nil
}

func (s *Store) AddSentEvent(_ context.Context, email string, t time.Time) error {
	s.Lock()
	defer s.Unlock()
	key := [2]string{norm(email), day(t)}
	stat, ok := s.Bounces[key]
	if !ok {
		stat = &storage.BounceStat{Email: norm(email), Day: t.Truncate(24 * time.Hour)}
		s.Bounces[key] = stat
	}
	stat.Sent++
	return nil
}

func (s *Store) AddBounceEvent(_ context.Context, email string, t time.Time) error {
	s.Lock()
	defer s.Unlock()
	key := [2]string{norm(email), day(t)}
	stat, ok := s.Bounces[key]
	if !ok {
		stat = &storage.BounceStat{Email: norm(email), Day: t.Truncate(24 * time.Hour)}
		s.Bounces[key] = stat
	}
	stat.Bounced++
	return nil
}

func (s *Store) BounceStats(_ context.Context, email string, lastDays int) ([]storage.BounceStat, error) {
	s.Lock()
	defer s.Unlock()
	var out []storage.BounceStat
	for key, stat := range s.Bounces {
		if key[0] == norm(email) {
			out = append(out, *stat)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Day.After(out[j].Day) })
	if len(out) > lastDays {
		out = out[:lastDays]
	}
	return out, nil
}

func (s *Store) SaveJob(_ context.Context, job storage.Job) error {
	s.Lock()
	defer s.Unlock()
	s.Jobs[job.ID] = job
	return nil
}

func (s *Store) GetJob(_ context.Context, id string) (*storage.Job, error) {
	s.Lock()
	defer s.Unlock()
	job, ok := s.Jobs[id]
	if !ok {
		return nil, errors.New("testutils: no such job")
	}
	return &job, nil
}

func (s *Store) IncompleteJobs(_ context.Context) ([]storage.Job, error) {
	s.Lock()
	defer s.Unlock()
	var out []storage.Job
	for _, job := range s.Jobs {
		if !job.Complete {
			out = append(out, job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) AddConfirmation(_ context.Context, c storage.Confirmation) error {
	s.Lock()
	defer s.Unlock()
	s.Confirmations[c.Token] = c
	return nil
}

func (s *Store) PopConfirmation(_ context.Context, token string, notBefore time.Time) (*storage.Confirmation, error) {
	s.Lock()
	defer s.Unlock()
	c, ok := s.Confirmations[token]
	if !ok {
		return nil, storage.ErrNoSuchToken
	}
	delete(s.Confirmations, token)
	if c.CreatedAt.Before(notBefore) {
		return nil, storage.ErrNoSuchToken
	}
	return &c, nil
}

func (s *Store) CollectStats(_ context.Context) (*storage.Stats, error) {
	s.Lock()
	defer s.Unlock()
	stats := storage.Stats{
		Packages:      len(s.Packages),
		Subscriptions: len(s.Subs),
		Teams:         len(s.Teams),
	}
	users := map[string]struct{}{}
	for key := range s.Subs {
		users[key[0]] = struct{}{}
	}
	stats.Users = len(users)
	for _, pkg := range s.Packages {
		if pkg.Pseudo {
			stats.PseudoPkgs++
		}
	}
	return &stats, nil
}

func (s *Store) Close() error { return nil }

var _ storage.Store = &Store{}
