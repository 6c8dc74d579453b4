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
	"strings"

	"github.com/pkgtracker/pts/internal/storage"
)

// orSelf defaults an optional explicit address to the requester.
func orSelf(email string, r *run) string {
	if email == "" {
		return r.from
	}
	return strings.ToLower(email)
}

// subscribeCmd subscribes an address to a package (confirmed).
type subscribeCmd struct {
	pkg, email string
}

func (c *subscribeCmd) commandText() string { return fmt.Sprintf("subscribe %s %s", c.pkg, c.email) }
func (c *subscribeCmd) confirmAddress() string { return c.email }

func (c *subscribeCmd) preConfirm(r *run) bool {
	if _, err := r.p.Store.GetPackage(r.ctx, c.pkg); err != nil {
		if err == storage.ErrNoSuchPackage {
			r.errorf("Package %s does not exist.", c.pkg)
		} else {
			r.p.Log.Error("package lookup failed", err, "package", c.pkg)
			r.errorf("Internal error, the command could not be processed.")
		}
		return false
	}
	sub, err := r.p.Store.Subscription(r.ctx, c.email, c.pkg)
	if err == nil && sub.Active {
		r.warn("%s is already subscribed to %s.", c.email, c.pkg)
		return false
	}
	return true
}

func (c *subscribeCmd) handle(r *run) {
	err := r.p.Store.Subscribe(r.ctx, c.email, c.pkg, nil)
	switch err {
	case nil:
		r.reply("%s has been subscribed to %s.", c.email, c.pkg)
	case storage.ErrAlreadySubscribed:
		r.warn("%s is already subscribed to %s.", c.email, c.pkg)
	case storage.ErrNoSuchPackage:
		r.errorf("Package %s does not exist.", c.pkg)
	default:
		r.p.Log.Error("subscribe failed", err, "package", c.pkg, "email", c.email)
		r.errorf("Internal error, the command could not be processed.")
	}
}

// unsubscribeCmd removes one subscription (confirmed).
type unsubscribeCmd struct {
	pkg, email string
}

func (c *unsubscribeCmd) commandText() string {
	return fmt.Sprintf("unsubscribe %s %s", c.pkg, c.email)
}
func (c *unsubscribeCmd) confirmAddress() string { return c.email }

func (c *unsubscribeCmd) preConfirm(r *run) bool {
	if _, err := r.p.Store.Subscription(r.ctx, c.email, c.pkg); err != nil {
		if err == storage.ErrNotSubscribed || err == storage.ErrNoSuchPackage {
			r.warn("%s is not subscribed to %s.", c.email, c.pkg)
		} else {
			r.p.Log.Error("subscription lookup failed", err, "package", c.pkg)
			r.errorf("Internal error, the command could not be processed.")
		}
		return false
	}
	return true
}

func (c *unsubscribeCmd) handle(r *run) {
	err := r.p.Store.Unsubscribe(r.ctx, c.email, c.pkg)
	switch err {
	case nil:
		r.reply("%s has been unsubscribed from %s.", c.email, c.pkg)
	case storage.ErrNotSubscribed:
		r.warn("%s is not subscribed to %s.", c.email, c.pkg)
	default:
		r.p.Log.Error("unsubscribe failed", err, "package", c.pkg, "email", c.email)
		r.errorf("Internal error, the command could not be processed.")
	}
}

// unsubscribeAllCmd terminates every subscription of an address
// (confirmed).
type unsubscribeAllCmd struct {
	email string
}

func (c *unsubscribeAllCmd) commandText() string    { return "unsubscribeall " + c.email }
func (c *unsubscribeAllCmd) confirmAddress() string { return c.email }

func (c *unsubscribeAllCmd) preConfirm(r *run) bool {
	subs, err := r.p.Store.Subscriptions(r.ctx, c.email)
	if err != nil {
		r.p.Log.Error("subscription lookup failed", err, "email", c.email)
		r.errorf("Internal error, the command could not be processed.")
		return false
	}
	if len(subs) == 0 {
		r.warn("%s is not subscribed to any package.", c.email)
		return false
	}
	return true
}

func (c *unsubscribeAllCmd) handle(r *run) {
	pkgs, err := r.p.Store.UnsubscribeAll(r.ctx, c.email)
	if err != nil {
		r.p.Log.Error("unsubscribeall failed", err, "email", c.email)
		r.errorf("Internal error, the command could not be processed.")
		return
	}
	if len(pkgs) == 0 {
		r.warn("%s is not subscribed to any package.", c.email)
		return
	}
	r.reply("%s has been unsubscribed from:", c.email)
	for _, pkg := range pkgs {
		r.reply("  %s", pkg)
	}
}

// whichCmd lists the subscriptions of an address.
type whichCmd struct {
	email string
}

func (c *whichCmd) handle(r *run) {
	subs, err := r.p.Store.Subscriptions(r.ctx, c.email)
	if err != nil {
		r.p.Log.Error("subscription lookup failed", err, "email", c.email)
		r.errorf("Internal error, the command could not be processed.")
		return
	}
	if len(subs) == 0 {
		r.reply("No subscriptions found.")
		return
	}
	userDefault, err := r.p.Store.DefaultUserKeywords(r.ctx, c.email)
	if err != nil {
		r.p.Log.Error("keyword lookup failed", err, "email", c.email)
		r.errorf("Internal error, the command could not be processed.")
		return
	}
	for _, sub := range subs {
		sub := sub
		state := ""
		if !sub.Active {
			state = " (inactive)"
		}
		kws := storage.SortedKeywords(storage.EffectiveKeywords(&sub, userDefault))
		r.reply("* %s (%s)%s", sub.Package, strings.Join(kws, " "), state)
	}
}

// whoCmd lists the subscribers of a package, with addresses obfuscated.
type whoCmd struct {
	pkg string
}

func (c *whoCmd) handle(r *run) {
	if _, err := r.p.Store.GetPackage(r.ctx, c.pkg); err != nil {
		if err == storage.ErrNoSuchPackage {
			r.errorf("Package %s does not exist.", c.pkg)
		} else {
			r.p.Log.Error("package lookup failed", err, "package", c.pkg)
			r.errorf("Internal error, the command could not be processed.")
		}
		return
	}
	subscribers, err := r.p.Store.Subscribers(r.ctx, c.pkg, "default")
	if err != nil {
		r.p.Log.Error("subscriber lookup failed", err, "package", c.pkg)
		r.errorf("Internal error, the command could not be processed.")
		return
	}
	if len(subscribers) == 0 {
		r.reply("Package %s has no subscribers.", c.pkg)
		return
	}
	r.reply("Here is the list of subscribers to package %s:", c.pkg)
	for _, email := range subscribers {
		// Obfuscated so the transcript is not a harvestable address list.
		r.reply("  %s", strings.Replace(email, "@", " at ", 1))
	}
}

// keywordViewCmd shows the default keyword set of an address, or the
// effective set of one subscription.
type keywordViewCmd struct {
	pkg, email string
}

func (c *keywordViewCmd) handle(r *run) {
	userDefault, err := r.p.Store.DefaultUserKeywords(r.ctx, c.email)
	if err != nil {
		r.p.Log.Error("keyword lookup failed", err, "email", c.email)
		r.errorf("Internal error, the command could not be processed.")
		return
	}

	if c.pkg == "" {
		if len(userDefault) == 0 {
			userDefault = storage.DefaultKeywords
		}
		r.reply("Here is the default list of accepted keywords for %s:", c.email)
		for _, kw := range storage.SortedKeywords(userDefault) {
			r.reply("  %s", kw)
		}
		return
	}

	sub, err := r.p.Store.Subscription(r.ctx, c.email, c.pkg)
	if err != nil {
		if err == storage.ErrNotSubscribed || err == storage.ErrNoSuchPackage {
			r.errorf("%s is not subscribed to %s.", c.email, c.pkg)
		} else {
			r.p.Log.Error("subscription lookup failed", err, "package", c.pkg)
			r.errorf("Internal error, the command could not be processed.")
		}
		return
	}
	r.reply("Here is the list of accepted keywords of %s for %s:", c.pkg, c.email)
	for _, kw := range storage.SortedKeywords(storage.EffectiveKeywords(sub, userDefault)) {
		r.reply("  %s", kw)
	}
}

// keywordSetCmd modifies the default keyword set of an address, or the
// set of one subscription. op is one of + (add), - (remove), = (replace).
type keywordSetCmd struct {
	pkg, email string
	op         string
	keywords   []string
}

func (c *keywordSetCmd) handle(r *run) {
	valid := c.validKeywords(r)
	if len(valid) == 0 && c.op != "=" {
		r.errorf("No valid keywords given, nothing changed.")
		return
	}

	var current []string
	userDefault, err := r.p.Store.DefaultUserKeywords(r.ctx, c.email)
	if err != nil {
		r.p.Log.Error("keyword lookup failed", err, "email", c.email)
		r.errorf("Internal error, the command could not be processed.")
		return
	}
	if c.pkg == "" {
		current = userDefault
		if len(current) == 0 {
			current = storage.DefaultKeywords
		}
	} else {
		sub, err := r.p.Store.Subscription(r.ctx, c.email, c.pkg)
		if err != nil {
			if err == storage.ErrNotSubscribed || err == storage.ErrNoSuchPackage {
				r.errorf("%s is not subscribed to %s.", c.email, c.pkg)
			} else {
				r.p.Log.Error("subscription lookup failed", err, "package", c.pkg)
				r.errorf("Internal error, the command could not be processed.")
			}
			return
		}
		current = storage.EffectiveKeywords(sub, userDefault)
	}

	updated := applyKeywordOp(current, c.op, valid)

	if c.pkg == "" {
		err = r.p.Store.SetDefaultUserKeywords(r.ctx, c.email, updated)
	} else {
		err = r.p.Store.SetSubscriptionKeywords(r.ctx, c.email, c.pkg, updated)
	}
	if err != nil {
		r.p.Log.Error("keyword update failed", err, "email", c.email, "package", c.pkg)
		r.errorf("Internal error, the command could not be processed.")
		return
	}

	if c.pkg == "" {
		r.reply("Here is the new default list of accepted keywords for %s:", c.email)
	} else {
		r.reply("Here is the new list of accepted keywords of %s for %s:", c.pkg, c.email)
	}
	for _, kw := range storage.SortedKeywords(updated) {
		r.reply("  %s", kw)
	}
}

// validKeywords filters the given names against the known keyword set,
// warning about the rest.
func (c *keywordSetCmd) validKeywords(r *run) []string {
	known := make(map[string]struct{}, len(storage.DefaultKeywords))
	for _, kw := range storage.DefaultKeywords {
		known[kw] = struct{}{}
	}
	var out []string
	for _, kw := range c.keywords {
		kw = strings.ToLower(kw)
		if _, ok := known[kw]; !ok {
			r.warn("%s is not a valid keyword.", kw)
			continue
		}
		out = append(out, kw)
	}
	return out
}

func applyKeywordOp(current []string, op string, keywords []string) []string {
	switch op {
	case "=":
		return keywords
	case "+":
		set := make(map[string]struct{}, len(current))
		out := append([]string(nil), current...)
		for _, kw := range current {
			set[kw] = struct{}{}
		}
		for _, kw := range keywords {
			if _, ok := set[kw]; !ok {
				out = append(out, kw)
			}
		}
		return out
	case "-":
		drop := make(map[string]struct{}, len(keywords))
		for _, kw := range keywords {
			drop[kw] = struct{}{}
		}
		var out []string
		for _, kw := range current {
			if _, ok := drop[kw]; !ok {
				out = append(out, kw)
			}
		}
		return out
	}
	return current
}

// confirmCmd redeems a token and applies the stored command.
type confirmCmd struct {
	token string
}

func (c *confirmCmd) handle(r *run) {
	notBefore := r.p.now().Add(-r.p.confirmTTL())
	conf, err := r.p.Store.PopConfirmation(r.ctx, c.token, notBefore)
	if err != nil {
		if err == storage.ErrNoSuchToken {
			r.errorf("Confirmation failed: unknown or expired token.")
		} else {
			r.p.Log.Error("token lookup failed", err)
			r.errorf("Internal error, the command could not be processed.")
		}
		return
	}

	cmd, ok := match(conf.Command, r)
	if !ok {
		r.p.Log.Msg("stored confirmation command does not parse",
			"command", conf.Command)
		r.errorf("Internal error, the command could not be processed.")
		return
	}
	// Token round-trip done, apply directly.
	cmd.handle(r)
}

// helpCmd prints the description of every command.
type helpCmd struct{}

func (helpCmd) handle(r *run) {
	for _, line := range strings.Split(helpText(), "\n") {
		r.reply("%s", line)
	}
}

// quitCmd stops processing of the remaining lines.
type quitCmd struct{}

func (quitCmd) handle(r *run) { r.reply("Stopping processing here.") }
func (quitCmd) quits() bool   { return true }

func init() {
	specs = append(specs,
		spec{
			names:       []string{"subscribe"},
			description: "subscribe <package> [<email>] - subscribe <email> to all messages regarding <package>",
			patterns:    pattern(`(\S+)(?:\s+(\S+@\S+))?`),
			parse: func(g []string, r *run) command {
				return &subscribeCmd{pkg: g[0], email: orSelf(g[1], r)}
			},
		},
		spec{
			names:       []string{"unsubscribe"},
			description: "unsubscribe <package> [<email>] - unsubscribe <email> from <package>",
			patterns:    pattern(`(\S+)(?:\s+(\S+@\S+))?`),
			parse: func(g []string, r *run) command {
				return &unsubscribeCmd{pkg: g[0], email: orSelf(g[1], r)}
			},
		},
		spec{
			names:       []string{"unsubscribeall"},
			description: "unsubscribeall [<email>] - terminate all subscriptions of <email>",
			patterns:    pattern(`(\S+@\S+)?`),
			parse: func(g []string, r *run) command {
				return &unsubscribeAllCmd{email: orSelf(g[0], r)}
			},
		},
		spec{
			names:       []string{"which"},
			description: "which [<email>] - list the subscriptions of <email>",
			patterns:    pattern(`(\S+@\S+)?`),
			parse: func(g []string, r *run) command {
				return &whichCmd{email: orSelf(g[0], r)}
			},
		},
		spec{
			names:       []string{"who"},
			description: "who <package> - list the subscribers of <package>",
			patterns:    pattern(`(\S+)`),
			parse: func(g []string, r *run) command {
				return &whoCmd{pkg: g[0]}
			},
		},
		spec{
			names:       []string{"keyword", "keywords"},
			description: "keyword [<package>] [<email>] [{+|-|=} <keywords...>] - view or change accepted keywords",
			patterns: pattern(
				`(?:(\S+@\S+)\s+)?([-+=])\s+(.+)`,
				`(\S+)(?:\s+(\S+@\S+))?\s+([-+=])\s+(.+)`,
				`(\S+@\S+)?`,
				`(\S+)(?:\s+(\S+@\S+))?`,
			),
			parse: func(g []string, r *run) command {
				switch len(g) {
				case 3: // default set modification
					return &keywordSetCmd{
						email:    orSelf(g[0], r),
						op:       g[1],
						keywords: strings.Fields(g[2]),
					}
				case 4: // per-subscription modification
					return &keywordSetCmd{
						pkg:      g[0],
						email:    orSelf(g[1], r),
						op:       g[2],
						keywords: strings.Fields(g[3]),
					}
				case 1: // default set view
					return &keywordViewCmd{email: orSelf(g[0], r)}
				default: // per-subscription view
					return &keywordViewCmd{pkg: g[0], email: orSelf(g[1], r)}
				}
			},
		},
		spec{
			names:       []string{"confirm"},
			description: "confirm <token> - apply a command previously requested by mail",
			patterns:    pattern(`(\S+)`),
			parse: func(g []string, r *run) command {
				return &confirmCmd{token: g[0]}
			},
		},
		spec{
			names:       []string{"help"},
			description: "help - show this help",
			patterns:    pattern(``),
			parse: func(g []string, r *run) command {
				return helpCmd{}
			},
		},
		spec{
			names:       []string{"quit", "thanks", "--"},
			description: "quit | thanks | -- - stop processing commands",
			patterns:    pattern(``),
			parse: func(g []string, r *run) command {
				return quitCmd{}
			},
		},
	)
}
