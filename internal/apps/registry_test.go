package apps

import (
	"context"
	"testing"
	"time"

	"notivox/internal/config"
	"notivox/internal/storage"
	"notivox/pkg/logx"
)

func startedRegistry(t *testing.T, store storage.Store, defaultEnabled bool) *Registry {
	t.Helper()
	r := NewRegistry(store, nil, defaultEnabled, logx.Nop())
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		r.Stop(ctx)
	})
	return r
}

func TestLookupCreatesDefault(t *testing.T) {
	r := startedRegistry(t, nil, true)

	a := r.Lookup("org.example.mail")
	if a.Enablement != EnableUnset {
		t.Fatalf("expected unset enablement, got %v", a.Enablement)
	}
	if !a.Enabled {
		t.Fatalf("unset entry must resolve to the default")
	}
	if a.LabelOrPackage() != "org.example.mail" {
		t.Fatalf("expected package fallback label, got %q", a.LabelOrPackage())
	}

	r.SetDefaultEnabled(false)
	if r.Lookup("org.example.mail").Enabled {
		t.Fatalf("unset entry must follow the new default")
	}
}

func TestToggleOne(t *testing.T) {
	r := startedRegistry(t, nil, true)

	if got := r.ToggleOne("a"); got {
		t.Fatalf("toggle from default-on should yield false")
	}
	if r.Lookup("a").Enablement != EnableOff {
		t.Fatalf("toggle must store a concrete state")
	}
	if got := r.ToggleOne("a"); !got {
		t.Fatalf("second toggle should yield true")
	}

	// A concrete state no longer follows the default.
	r.SetDefaultEnabled(false)
	if !r.Lookup("a").Enabled {
		t.Fatalf("explicit on must survive a default flip")
	}
}

func TestSetAllEnabledLeavesOverrides(t *testing.T) {
	r := startedRegistry(t, nil, true)

	r.Lookup("a")
	r.Lookup("b")
	r.SetOverrides("b", []config.ConditionRule{{Kind: "screen_on"}}, nil)

	r.SetAllEnabled(false)
	for _, pkg := range []string{"a", "b"} {
		a := r.Lookup(pkg)
		if a.Enabled {
			t.Fatalf("%s should be disabled", pkg)
		}
		if a.Enablement != EnableOff {
			t.Fatalf("%s should hold a concrete off state", pkg)
		}
	}
	if !r.HasOverride("b") {
		t.Fatalf("mass set must not touch overrides")
	}

	r.SetAllEnabled(true)
	if !r.Lookup("a").Enabled || !r.Lookup("b").Enabled {
		t.Fatalf("all apps should be enabled")
	}
}

func TestRemoveOverridesKeepsEnabled(t *testing.T) {
	r := startedRegistry(t, nil, true)

	r.SetEnabled("a", false, false)
	r.SetOverrides("a", []config.ConditionRule{{Kind: "screen_on"}},
		[]config.SubstitutionRule{{Pattern: "x", Replacement: "y"}})

	r.RemoveOverrides("a")
	a := r.Lookup("a")
	if a.HasOverride {
		t.Fatalf("overrides should be gone")
	}
	if a.Enabled {
		t.Fatalf("enabled flag must survive override removal")
	}
}

func TestAppsSortedByLabel(t *testing.T) {
	r := startedRegistry(t, nil, true)
	r.Lookup("zz.app")
	r.Lookup("Aa.app")
	r.Lookup("mm.app")

	all := r.Apps()
	if len(all) != 3 {
		t.Fatalf("expected 3 apps, got %d", len(all))
	}
	if all[0].PackageID != "Aa.app" || all[1].PackageID != "mm.app" || all[2].PackageID != "zz.app" {
		t.Fatalf("unexpected order: %v, %v, %v", all[0].PackageID, all[1].PackageID, all[2].PackageID)
	}
}

func TestSearch(t *testing.T) {
	r := startedRegistry(t, nil, true)
	r.Lookup("org.mail.client")
	r.Lookup("org.chat.client")

	hits := r.Search("MAIL")
	if len(hits) != 1 || hits[0].PackageID != "org.mail.client" {
		t.Fatalf("unexpected search result: %+v", hits)
	}
	if len(r.Search("")) != 2 {
		t.Fatalf("empty query should return everything")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	store := storage.NewMemory()

	r := startedRegistry(t, store, true)
	r.SetEnabled("a", false, true)
	r.SetPriority("a", true)
	r.SetOverrides("a", []config.ConditionRule{{Kind: "text_contains", Pattern: "spam"}}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	r.Stop(ctx) // flush write-behind

	r2 := startedRegistry(t, store, true)
	a := r2.Lookup("a")
	if a.Enabled {
		t.Fatalf("expected disabled after reload")
	}
	if !a.Priority {
		t.Fatalf("expected priority after reload")
	}
	if !a.HasOverride || len(a.Overrides) != 1 || a.Overrides[0].Pattern != "spam" {
		t.Fatalf("expected overrides after reload, got %+v", a.Overrides)
	}
}
