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
	"testing"

	"github.com/pkgtracker/pts/internal/storage"
	"github.com/pkgtracker/pts/internal/testutils"
	"github.com/pkgtracker/pts/internal/vendor"
)

func TestUpdatePseudoPackages(t *testing.T) {
	store := testutils.NewStore()
	ctx := context.Background()

	// "stale" disappears from the vendor list, "base" stays, the rest is
	// new. The real (non-pseudo) package must be left alone.
	if err := store.AddPackage(ctx, storage.Package{Name: "base", Pseudo: true}); err != nil {
		t.Fatal(err)
	}
	if err := store.AddPackage(ctx, storage.Package{Name: "stale", Pseudo: true}); err != nil {
		t.Fatal(err)
	}
	if err := store.AddPackage(ctx, storage.Package{Name: "nginx"}); err != nil {
		t.Fatal(err)
	}

	hooks := &vendor.Hooks{
		Name: "test",
		GetPseudoPackageList: func(ctx context.Context) ([]string, error) {
			return []string{"base", "installation-reports"}, nil
		},
		GetPackageInformationSiteURL: func(pkg string, source bool, repo string) string {
			return "https://pkgs.example.org/" + pkg
		},
	}
	e := &Engine{
		Store: store,
		Env:   Env{Store: store, Vendor: hooks, Log: testutils.Logger(t, "tasks")},
		Log:   testutils.Logger(t, "tasks"),
	}

	job, err := e.NewJob("update-pseudo-packages", nil)
	if err != nil {
		t.Fatalf("NewJob: %v", err)
	}
	if err := job.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if _, err := store.GetPackage(ctx, "stale"); err != storage.ErrNoSuchPackage {
		t.Errorf("stale pseudo-package not removed: %v", err)
	}
	pkg, err := store.GetPackage(ctx, "installation-reports")
	if err != nil {
		t.Fatalf("new pseudo-package not created: %v", err)
	}
	if !pkg.Pseudo {
		t.Error("created package not marked pseudo")
	}
	// refresh-package-urls ran downstream of the update event.
	if pkg.URL != "https://pkgs.example.org/installation-reports" {
		t.Errorf("URL not refreshed: %q", pkg.URL)
	}
	if nginx, err := store.GetPackage(ctx, "nginx"); err != nil || nginx.Pseudo {
		t.Errorf("real package was touched: %+v, %v", nginx, err)
	}

	processed := job.ProcessedTasks()
	if len(processed) != 2 || processed[0] != "update-pseudo-packages" || processed[1] != "refresh-package-urls" {
		t.Errorf("wrong processed tasks: %v", processed)
	}
}
