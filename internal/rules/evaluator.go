// Package rules decides, for every incoming notification, whether it should
// be spoken and what text to speak. It layers the global master switch,
// per-app enablement, condition overrides, and text substitution.
package rules

import (
	"strings"
	"sync"
	"time"

	"notivox/internal/apps"
	"notivox/internal/config"
	"notivox/internal/event"
	"notivox/pkg/logx"
)

// Delimiter joins message fields in the spoken text.
const Delimiter = "\n"

// DefaultMaxUtteranceLen mirrors the input limit of the synthesis engines we
// target.
const DefaultMaxUtteranceLen = 4000

// Evaluator applies the layered rule engine. Safe for concurrent use;
// Apply() swaps the compiled rule set on config reload.
type Evaluator struct {
	device DeviceState
	log    logx.Logger
	now    func() time.Time

	mu     sync.RWMutex
	master bool
	maxLen int
	conds  []condition
	subs   []substitution
	flood  *floodGuard
}

func NewEvaluator(device DeviceState, log logx.Logger) *Evaluator {
	if device == nil {
		device = NopDeviceState{}
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Evaluator{
		device: device,
		log:    log,
		now:    time.Now,
		master: true,
		maxLen: DefaultMaxUtteranceLen,
	}
}

// Apply recompiles the global rule set from config. Malformed rules are
// skipped with a log line; the remaining rules keep working.
func (e *Evaluator) Apply(cfg *config.Config) {
	master := cfg.MasterEnabled()
	maxLen := cfg.Speech.MaxUtteranceLen
	if maxLen <= 0 {
		maxLen = DefaultMaxUtteranceLen
	}
	conds := compileConditions(cfg.Rules.Overrides, e.log)
	subs := compileSubstitutions(cfg.Rules.Substitutions, e.log)

	var flood *floodGuard
	if f := cfg.Rules.Flood; f != nil && f.Events > 0 {
		per, err := config.ParseDurationField("rules.flood.per", f.Per)
		if err != nil || per <= 0 {
			e.log.Warn("ignoring flood guard with bad period", logx.String("per", f.Per), logx.Err(err))
		} else {
			flood = newFloodGuard(f.Events, per, f.Burst)
		}
	}

	e.mu.Lock()
	e.master = master
	e.maxLen = maxLen
	e.conds = conds
	e.subs = subs
	e.flood = flood
	e.mu.Unlock()
}

// Evaluate returns the ignore reasons for a notification (empty means speak)
// and the composed message. The message is empty whenever any reason blocks.
//
// All applicable reasons are collected; only the global master switch
// short-circuits.
func (e *Evaluator) Evaluate(n event.Notification, app apps.App) ([]Reason, string) {
	e.mu.RLock()
	master := e.master
	maxLen := e.maxLen
	conds := e.conds
	subs := e.subs
	flood := e.flood
	e.mu.RUnlock()

	if !master {
		return []Reason{ReasonGlobalDisabled}, ""
	}

	var reasons []Reason
	if !app.Enabled {
		reasons = append(reasons, ReasonAppIgnored)
	}

	// Conditions match against the raw field text, before substitution.
	filterText := strings.Join(nonEmpty(n.SpeakableFields()), Delimiter)
	now := e.now()
	for _, c := range conds {
		if c.matches(e.device, filterText, now) {
			reasons = appendReason(reasons, c.reason)
		}
	}
	for _, c := range compileConditions(app.Overrides, e.log) {
		if c.matches(e.device, filterText, now) {
			reasons = appendReason(reasons, c.reason)
		}
	}

	// The flood guard only charges notifications that would otherwise speak.
	if len(reasons) == 0 && flood != nil && !flood.allow(n.PackageID) {
		reasons = append(reasons, ReasonRateLimited)
	}

	if len(reasons) > 0 {
		return reasons, ""
	}

	msg := e.compose(n, app, subs, maxLen)
	if msg == "" {
		return []Reason{ReasonEmptyMessage}, ""
	}
	return nil, msg
}

// compose builds the spoken message: fixed field order, per-app then global
// substitutions per field, single delimiter, truncated to the engine limit.
func (e *Evaluator) compose(n event.Notification, app apps.App, global []substitution, maxLen int) string {
	perApp := compileSubstitutions(app.Substitutions, e.log)

	parts := make([]string, 0, 5)
	for _, f := range n.SpeakableFields() {
		if f == "" {
			continue
		}
		f = applyAll(perApp, f)
		f = applyAll(global, f)
		if f != "" {
			parts = append(parts, f)
		}
	}
	return truncateRunes(strings.Join(parts, Delimiter), maxLen)
}

func appendReason(reasons []Reason, r Reason) []Reason {
	for _, have := range reasons {
		if have == r {
			return reasons
		}
	}
	return append(reasons, r)
}

func nonEmpty(fields []string) []string {
	out := fields[:0:0]
	for _, f := range fields {
		if f != "" {
			out = append(out, f)
		}
	}
	return out
}

func truncateRunes(s string, maxN int) string {
	if maxN <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= maxN {
		return s
	}
	return string(r[:maxN])
}
