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

package tasks

import (
	"context"

	"github.com/pkgtracker/pts/internal/storage"
)

// EventPseudoPackagesUpdated carries "created" and "removed" name lists.
const EventPseudoPackagesUpdated = "pseudo-packages-updated"

// updatePseudoPackages synchronizes the pseudo-package set with the
// authoritative vendor list.
type updatePseudoPackages struct{}

func (updatePseudoPackages) Execute(ctx context.Context, run *Run) error {
	if run.Vendor.GetPseudoPackageList == nil {
		run.Log.DebugMsg("vendor has no pseudo-package list, skipping")
		return nil
	}

	list, err := run.Vendor.GetPseudoPackageList(ctx)
	if err != nil {
		return err
	}
	wanted := make(map[string]struct{}, len(list))
	for _, name := range list {
		wanted[name] = struct{}{}
	}

	existing, err := run.Store.ListPackages(ctx, true)
	if err != nil {
		return err
	}
	have := make(map[string]struct{}, len(existing))
	for _, pkg := range existing {
		have[pkg.Name] = struct{}{}
	}

	var created, removed []interface{}
	for _, name := range list {
		if _, ok := have[name]; ok {
			continue
		}
		if err := run.Store.AddPackage(ctx, storage.Package{Name: name, Pseudo: true}); err != nil {
			return err
		}
		created = append(created, name)
	}
	for _, pkg := range existing {
		if _, ok := wanted[pkg.Name]; ok {
			continue
		}
		if err := run.Store.DeletePackage(ctx, pkg.Name); err != nil {
			return err
		}
		removed = append(removed, pkg.Name)
	}

	run.Log.Msg("pseudo-packages synchronized",
		"created", len(created), "removed", len(removed))
	run.RaiseEvent(EventPseudoPackagesUpdated, map[string]interface{}{
		"created": created,
		"removed": removed,
	})
	return nil
}

// refreshPackageURLs recomputes the information-site URL of every
// pseudo-package after the set changed.
type refreshPackageURLs struct{}

func (refreshPackageURLs) Execute(ctx context.Context, run *Run) error {
	if run.Vendor.GetPackageInformationSiteURL == nil {
		run.Log.DebugMsg("vendor has no package site URLs, skipping")
		return nil
	}

	pkgs, err := run.Store.ListPackages(ctx, true)
	if err != nil {
		return err
	}
	for _, pkg := range pkgs {
		url := run.Vendor.GetPackageInformationSiteURL(pkg.Name, false, "")
		if url == "" || url == pkg.URL {
			continue
		}
		if err := run.Store.SetPackageURL(ctx, pkg.Name, url); err != nil {
			return err
		}
	}
	return nil
}

func init() {
	Register(Definition{
		Name:     "update-pseudo-packages",
		Produces: []string{EventPseudoPackagesUpdated},
		New:      func() Task { return updatePseudoPackages{} },
	})
	Register(Definition{
		Name:      "refresh-package-urls",
		DependsOn: []string{EventPseudoPackagesUpdated},
		New:       func() Task { return refreshPackageURLs{} },
	})
}
