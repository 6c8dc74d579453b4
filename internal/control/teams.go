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

	"github.com/pkgtracker/pts/internal/storage"
)

// getTeam resolves a team slug, writing the appropriate transcript line
// when it cannot be used.
func getTeam(r *run, slug string) *storage.Team {
	team, err := r.p.Store.GetTeam(r.ctx, slug)
	if err != nil {
		if err == storage.ErrNoSuchTeam {
			r.errorf("Team with the slug %s does not exist.", slug)
		} else {
			r.p.Log.Error("team lookup failed", err, "team", slug)
			r.errorf("Internal error, the command could not be processed.")
		}
		return nil
	}
	return team
}

func isTeamMember(r *run, slug, email string) (bool, error) {
	teams, err := r.p.Store.TeamsOf(r.ctx, email)
	if err != nil {
		return false, err
	}
	for _, t := range teams {
		if t == slug {
			return true, nil
		}
	}
	return false, nil
}

// joinTeamCmd adds an address to a public team (confirmed).
type joinTeamCmd struct {
	slug, email string
}

func (c *joinTeamCmd) commandText() string    { return fmt.Sprintf("join-team %s %s", c.slug, c.email) }
func (c *joinTeamCmd) confirmAddress() string { return c.email }

func (c *joinTeamCmd) preConfirm(r *run) bool {
	team := getTeam(r, c.slug)
	if team == nil {
		return false
	}
	if !team.Public {
		r.errorf("The given team is not public. Please contact %s if you wish to join it.", team.Owner)
		return false
	}
	member, err := isTeamMember(r, c.slug, c.email)
	if err != nil {
		r.p.Log.Error("membership lookup failed", err, "team", c.slug)
		r.errorf("Internal error, the command could not be processed.")
		return false
	}
	if member {
		r.warn("You are already a member of the team.")
		return false
	}
	return true
}

func (c *joinTeamCmd) handle(r *run) {
	err := r.p.Store.JoinTeam(r.ctx, c.slug, c.email)
	switch err {
	case nil:
		r.reply("%s has joined the team %s.", c.email, c.slug)
	case storage.ErrAlreadyMember:
		r.warn("You are already a member of the team.")
	case storage.ErrNoSuchTeam:
		r.errorf("Team with the slug %s does not exist.", c.slug)
	default:
		r.p.Log.Error("join-team failed", err, "team", c.slug, "email", c.email)
		r.errorf("Internal error, the command could not be processed.")
	}
}

// leaveTeamCmd removes an address from a team (confirmed).
type leaveTeamCmd struct {
	slug, email string
}

func (c *leaveTeamCmd) commandText() string    { return fmt.Sprintf("leave-team %s %s", c.slug, c.email) }
func (c *leaveTeamCmd) confirmAddress() string { return c.email }

func (c *leaveTeamCmd) preConfirm(r *run) bool {
	if getTeam(r, c.slug) == nil {
		return false
	}
	member, err := isTeamMember(r, c.slug, c.email)
	if err != nil {
		r.p.Log.Error("membership lookup failed", err, "team", c.slug)
		r.errorf("Internal error, the command could not be processed.")
		return false
	}
	if !member {
		r.warn("You are not a member of the team.")
		return false
	}
	return true
}

func (c *leaveTeamCmd) handle(r *run) {
	err := r.p.Store.LeaveTeam(r.ctx, c.slug, c.email)
	switch err {
	case nil:
		r.reply("%s has left the team %s.", c.email, c.slug)
	case storage.ErrNotMember:
		r.warn("You are not a member of the team.")
	case storage.ErrNoSuchTeam:
		r.errorf("Team with the slug %s does not exist.", c.slug)
	default:
		r.p.Log.Error("leave-team failed", err, "team", c.slug, "email", c.email)
		r.errorf("Internal error, the command could not be processed.")
	}
}

// whichTeamsCmd lists the team memberships of an address.
type whichTeamsCmd struct {
	email string
}

func (c *whichTeamsCmd) handle(r *run) {
	teams, err := r.p.Store.TeamsOf(r.ctx, c.email)
	if err != nil {
		r.p.Log.Error("team lookup failed", err, "email", c.email)
		r.errorf("Internal error, the command could not be processed.")
		return
	}
	if len(teams) == 0 {
		r.reply("No team memberships found.")
		return
	}
	r.reply("Here is the list of teams %s is a member of:", c.email)
	for _, slug := range teams {
		r.reply("  %s", slug)
	}
}

// listTeamPackagesCmd lists the packages tracked by a team. Private
// teams only answer their own members.
type listTeamPackagesCmd struct {
	slug string
}

func (c *listTeamPackagesCmd) handle(r *run) {
	team := getTeam(r, c.slug)
	if team == nil {
		return
	}
	if !team.Public {
		member, err := isTeamMember(r, c.slug, r.from)
		if err != nil {
			r.p.Log.Error("membership lookup failed", err, "team", c.slug)
			r.errorf("Internal error, the command could not be processed.")
			return
		}
		if !member {
			r.errorf("The given team is not public. Please contact %s if you wish to see its packages.", team.Owner)
			return
		}
	}

	pkgs, err := r.p.Store.TeamPackages(r.ctx, c.slug)
	if err != nil {
		r.p.Log.Error("team package lookup failed", err, "team", c.slug)
		r.errorf("Internal error, the command could not be processed.")
		return
	}
	if len(pkgs) == 0 {
		r.reply("Team %s tracks no packages.", c.slug)
		return
	}
	r.reply("Here is the list of packages tracked by team %s:", c.slug)
	for _, pkg := range pkgs {
		r.reply("  %s", pkg)
	}
}

func init() {
	specs = append(specs,
		spec{
			names:       []string{"join-team", "jointeam"},
			description: "join-team <team> [<email>] - add <email> to a public team",
			patterns:    pattern(`(\S+)(?:\s+(\S+@\S+))?`),
			parse: func(g []string, r *run) command {
				return &joinTeamCmd{slug: g[0], email: orSelf(g[1], r)}
			},
		},
		spec{
			names:       []string{"leave-team", "leaveteam"},
			description: "leave-team <team> [<email>] - remove <email> from a team",
			patterns:    pattern(`(\S+)(?:\s+(\S+@\S+))?`),
			parse: func(g []string, r *run) command {
				return &leaveTeamCmd{slug: g[0], email: orSelf(g[1], r)}
			},
		},
		spec{
			names:       []string{"which-teams", "whichteams"},
			description: "which-teams [<email>] - list the teams <email> is a member of",
			patterns:    pattern(`(\S+@\S+)?`),
			parse: func(g []string, r *run) command {
				return &whichTeamsCmd{email: orSelf(g[0], r)}
			},
		},
		spec{
			names:       []string{"list-team-packages", "listteampackages"},
			description: "list-team-packages <team> - list the packages tracked by a team",
			patterns:    pattern(`(\S+)`),
			parse: func(g []string, r *run) command {
				return &listTeamPackagesCmd{slug: g[0]}
			},
		},
	)
}
