package apps

import (
	"context"
	"sort"
	"strings"
	"sync"

	"notivox/internal/config"
	"notivox/internal/storage"
	"notivox/pkg/logx"
)

// MetadataResolver looks up a display label for a package identifier.
// Implementations are platform collaborators; NopResolver never resolves.
type MetadataResolver interface {
	Resolve(pkg string) (label string, ok bool)
}

// NopResolver resolves nothing; labels fall back to the package identifier.
type NopResolver struct{}

func (NopResolver) Resolve(pkg string) (string, bool) { return "", false }

// Registry is the in-memory reflection of per-app settings.
//
// All reads and writes go through the registry mutex; persistence happens
// behind it on the write-behind queue and never blocks a caller.
type Registry struct {
	mu             sync.RWMutex
	apps           map[string]*entry
	defaultEnabled bool

	store    storage.Store
	resolver MetadataResolver
	wb       *writeBehind
	log      logx.Logger
}

// entry is the mutable registry record behind App snapshots.
type entry struct {
	label         string
	enablement    Enablement
	priority      bool
	overrides     []config.ConditionRule
	substitutions []config.SubstitutionRule
}

func NewRegistry(store storage.Store, resolver MetadataResolver, defaultEnabled bool, log logx.Logger) *Registry {
	if resolver == nil {
		resolver = NopResolver{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Registry{
		apps:           map[string]*entry{},
		defaultEnabled: defaultEnabled,
		store:          store,
		resolver:       resolver,
		wb:             newWriteBehind(store, log),
		log:            log,
	}
}

// Start loads persisted records and starts the write-behind worker.
func (r *Registry) Start(ctx context.Context) error {
	if r.store != nil {
		recs, err := r.store.LoadApps(ctx)
		if err != nil {
			return err
		}
		r.mu.Lock()
		for _, rec := range recs {
			r.apps[rec.Package] = &entry{
				label:         rec.Label,
				enablement:    EnablementOf(rec.Enabled),
				priority:      rec.Priority,
				overrides:     append([]config.ConditionRule(nil), rec.Overrides...),
				substitutions: append([]config.SubstitutionRule(nil), rec.Substitutions...),
			}
		}
		n := len(r.apps)
		r.mu.Unlock()
		r.log.Info("app registry loaded", logx.Int("apps", n))
	}
	r.wb.Start(ctx)
	return nil
}

// Stop flushes pending writes best-effort until ctx expires.
func (r *Registry) Stop(ctx context.Context) { r.wb.Stop(ctx) }

// SetDefaultEnabled updates the global default applied to unset entries.
// Called on config reload.
func (r *Registry) SetDefaultEnabled(def bool) {
	r.mu.Lock()
	r.defaultEnabled = def
	r.mu.Unlock()
}

// Lookup returns the entry for pkg, creating a default one in memory on
// first observation. The created entry is not persisted until it is mutated.
// Lookup never fails.
func (r *Registry) Lookup(pkg string) App {
	r.mu.Lock()
	e, ok := r.apps[pkg]
	if !ok {
		label, resolved := r.resolver.Resolve(pkg)
		if !resolved {
			// LookupError semantics: proceed with the package id as label.
			label = pkg
		}
		e = &entry{label: label, enablement: EnableUnset}
		r.apps[pkg] = e
	}
	app := r.snapshotLocked(pkg, e)
	r.mu.Unlock()
	return app
}

// SetEnabled updates the flag in memory immediately; when persist is set the
// store is updated asynchronously. Store failures are logged, not surfaced.
func (r *Registry) SetEnabled(pkg string, enabled bool, persist bool) {
	r.mu.Lock()
	e, ok := r.apps[pkg]
	if !ok {
		e = &entry{label: pkg}
		r.apps[pkg] = e
	}
	if enabled {
		e.enablement = EnableOn
	} else {
		e.enablement = EnableOff
	}
	rec := r.recordLocked(pkg, e)
	r.mu.Unlock()

	if persist {
		r.wb.Enqueue("upsert "+pkg, func(ctx context.Context, s storage.Store) error {
			return s.UpsertApp(ctx, rec)
		})
	}
}

// ToggleOne flips a single app's resolved state and persists it.
// It returns the new resolved value.
func (r *Registry) ToggleOne(pkg string) bool {
	r.mu.Lock()
	e, ok := r.apps[pkg]
	if !ok {
		e = &entry{label: pkg}
		r.apps[pkg] = e
	}
	next := !e.enablement.Resolve(r.defaultEnabled)
	if next {
		e.enablement = EnableOn
	} else {
		e.enablement = EnableOff
	}
	rec := r.recordLocked(pkg, e)
	r.mu.Unlock()

	r.wb.Enqueue("toggle "+pkg, func(ctx context.Context, s storage.Store) error {
		return s.UpsertApp(ctx, rec)
	})
	return next
}

// SetAllEnabled applies one concrete state to every known entry.
// Overrides are untouched.
func (r *Registry) SetAllEnabled(enabled bool) {
	target := EnableOff
	if enabled {
		target = EnableOn
	}

	r.mu.Lock()
	recs := make([]storage.AppRecord, 0, len(r.apps))
	for pkg, e := range r.apps {
		e.enablement = target
		recs = append(recs, r.recordLocked(pkg, e))
	}
	r.mu.Unlock()

	for _, rec := range recs {
		rec := rec
		r.wb.Enqueue("mass set "+rec.Package, func(ctx context.Context, s storage.Store) error {
			return s.UpsertApp(ctx, rec)
		})
	}
}

// SetOverrides replaces an app's condition overrides and substitutions.
func (r *Registry) SetOverrides(pkg string, overrides []config.ConditionRule, subs []config.SubstitutionRule) {
	r.mu.Lock()
	e, ok := r.apps[pkg]
	if !ok {
		e = &entry{label: pkg}
		r.apps[pkg] = e
	}
	e.overrides = append([]config.ConditionRule(nil), overrides...)
	e.substitutions = append([]config.SubstitutionRule(nil), subs...)
	rec := r.recordLocked(pkg, e)
	r.mu.Unlock()

	r.wb.Enqueue("set overrides "+pkg, func(ctx context.Context, s storage.Store) error {
		return s.UpsertApp(ctx, rec)
	})
}

// SetPriority marks an app as interrupting.
func (r *Registry) SetPriority(pkg string, priority bool) {
	r.mu.Lock()
	e, ok := r.apps[pkg]
	if !ok {
		e = &entry{label: pkg}
		r.apps[pkg] = e
	}
	e.priority = priority
	rec := r.recordLocked(pkg, e)
	r.mu.Unlock()

	r.wb.Enqueue("set priority "+pkg, func(ctx context.Context, s storage.Store) error {
		return s.UpsertApp(ctx, rec)
	})
}

// RemoveOverrides clears the per-app rules; the enabled flag is untouched.
func (r *Registry) RemoveOverrides(pkg string) {
	r.mu.Lock()
	if e, ok := r.apps[pkg]; ok {
		e.overrides = nil
		e.substitutions = nil
	}
	r.mu.Unlock()

	r.wb.Enqueue("clear overrides "+pkg, func(ctx context.Context, s storage.Store) error {
		return s.ClearOverrides(ctx, pkg)
	})
}

// HasOverride reports whether per-app rules exist.
func (r *Registry) HasOverride(pkg string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.apps[pkg]
	return ok && (len(e.overrides) > 0 || len(e.substitutions) > 0)
}

// Remove drops an app entirely (uninstall cleanup).
func (r *Registry) Remove(pkg string) {
	r.mu.Lock()
	delete(r.apps, pkg)
	r.mu.Unlock()

	r.wb.Enqueue("remove "+pkg, func(ctx context.Context, s storage.Store) error {
		return s.RemoveApp(ctx, pkg)
	})
}

// Apps returns snapshots of every known entry, sorted by label
// (case-insensitive), ties broken by package.
func (r *Registry) Apps() []App {
	r.mu.RLock()
	out := make([]App, 0, len(r.apps))
	for pkg, e := range r.apps {
		out = append(out, r.snapshotLocked(pkg, e))
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		li, lj := strings.ToLower(out[i].LabelOrPackage()), strings.ToLower(out[j].LabelOrPackage())
		if li != lj {
			return li < lj
		}
		return out[i].PackageID < out[j].PackageID
	})
	return out
}

// Search filters Apps() by a case-insensitive substring over label and
// package identifier.
func (r *Registry) Search(query string) []App {
	query = strings.ToLower(strings.TrimSpace(query))
	all := r.Apps()
	if query == "" {
		return all
	}
	out := all[:0]
	for _, a := range all {
		if strings.Contains(strings.ToLower(a.Label), query) ||
			strings.Contains(strings.ToLower(a.PackageID), query) {
			out = append(out, a)
		}
	}
	return out
}

func (r *Registry) snapshotLocked(pkg string, e *entry) App {
	return App{
		PackageID:     pkg,
		Label:         e.label,
		Enablement:    e.enablement,
		Enabled:       e.enablement.Resolve(r.defaultEnabled),
		Priority:      e.priority,
		HasOverride:   len(e.overrides) > 0 || len(e.substitutions) > 0,
		Overrides:     append([]config.ConditionRule(nil), e.overrides...),
		Substitutions: append([]config.SubstitutionRule(nil), e.substitutions...),
	}
}

func (r *Registry) recordLocked(pkg string, e *entry) storage.AppRecord {
	return storage.AppRecord{
		Package:       pkg,
		Label:         e.label,
		Enabled:       e.enablement.Ptr(),
		Priority:      e.priority,
		Overrides:     append([]config.ConditionRule(nil), e.overrides...),
		Substitutions: append([]config.SubstitutionRule(nil), e.substitutions...),
	}
}
