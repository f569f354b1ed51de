// Package apps keeps the in-memory registry of per-app speaking preferences.
// It is the decision-path source of truth; the settings store is updated
// behind it, write-behind.
package apps

import (
	"strings"

	"notivox/internal/config"
)

// Enablement is the stored tri-state flag. Unset means "follow the global
// default" and must be resolved to a concrete value before rule evaluation.
type Enablement int

const (
	EnableUnset Enablement = iota
	EnableOn
	EnableOff
)

func (e Enablement) String() string {
	switch e {
	case EnableOn:
		return "on"
	case EnableOff:
		return "off"
	default:
		return "unset"
	}
}

// Resolve applies the global default to an unset flag.
func (e Enablement) Resolve(def bool) bool {
	switch e {
	case EnableOn:
		return true
	case EnableOff:
		return false
	default:
		return def
	}
}

// Ptr converts back to the nullable stored form.
func (e Enablement) Ptr() *bool {
	switch e {
	case EnableOn:
		v := true
		return &v
	case EnableOff:
		v := false
		return &v
	default:
		return nil
	}
}

// EnablementOf converts the nullable stored form.
func EnablementOf(v *bool) Enablement {
	if v == nil {
		return EnableUnset
	}
	if *v {
		return EnableOn
	}
	return EnableOff
}

// App is a snapshot of one app's settings. Lookup returns copies; mutate
// through the Registry, never through a snapshot.
type App struct {
	PackageID string
	Label     string

	Enablement Enablement
	// Enabled is Enablement resolved against the global default at lookup
	// time. Rule evaluation uses this, never the raw tri-state.
	Enabled bool

	// Priority apps preempt whatever is currently speaking.
	Priority bool

	HasOverride   bool
	Overrides     []config.ConditionRule
	Substitutions []config.SubstitutionRule
}

// LabelOrPackage falls back to the package identifier when metadata lookup
// failed at creation time.
func (a App) LabelOrPackage() string {
	if strings.TrimSpace(a.Label) != "" {
		return a.Label
	}
	return a.PackageID
}
