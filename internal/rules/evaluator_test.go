package rules

import (
	"strings"
	"testing"
	"time"

	"notivox/internal/apps"
	"notivox/internal/config"
	"notivox/internal/event"
	"notivox/pkg/logx"
)

func boolPtr(b bool) *bool { return &b }

func newTestEvaluator(t *testing.T, cfg *config.Config, dev DeviceState) *Evaluator {
	t.Helper()
	e := NewEvaluator(dev, logx.Nop())
	if cfg != nil {
		e.Apply(cfg)
	}
	return e
}

func TestMasterDisabledShortCircuits(t *testing.T) {
	cfg := &config.Config{}
	cfg.Speech.MasterEnabled = boolPtr(false)
	e := newTestEvaluator(t, cfg, nil)

	// Even a disabled app inside a matching text filter yields only the
	// master reason.
	cfg.Rules.Overrides = []config.ConditionRule{{Kind: "text_contains", Pattern: "title"}}
	e.Apply(cfg)

	reasons, msg := e.Evaluate(event.Notification{PackageID: "a", Title: "title"}, apps.App{PackageID: "a"})
	if len(reasons) != 1 || reasons[0] != ReasonGlobalDisabled {
		t.Fatalf("expected only global_disabled, got %v", reasons)
	}
	if msg != "" {
		t.Fatalf("expected empty message, got %q", msg)
	}
}

func TestReasonsAccumulate(t *testing.T) {
	cfg := &config.Config{}
	cfg.Rules.Overrides = []config.ConditionRule{
		{Kind: "text_contains", Pattern: "promo"},
		{Kind: "screen_on"},
	}
	e := newTestEvaluator(t, cfg, StaticDeviceState{Screen: true})

	n := event.Notification{PackageID: "a", Title: "promo offer"}
	reasons, msg := e.Evaluate(n, apps.App{PackageID: "a"}) // Enabled=false
	if msg != "" {
		t.Fatalf("expected no message, got %q", msg)
	}
	want := []Reason{ReasonAppIgnored, ReasonTextFiltered, ReasonScreenOn}
	if len(reasons) != len(want) {
		t.Fatalf("expected %v, got %v", want, reasons)
	}
	for i := range want {
		if reasons[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, reasons)
		}
	}
}

func TestComposeFieldOrderAndDelimiter(t *testing.T) {
	e := newTestEvaluator(t, &config.Config{}, nil)
	n := event.Notification{
		PackageID:   "a",
		Ticker:      "tick",
		Title:       "hello",
		ContentText: "body",
	}
	reasons, msg := e.Evaluate(n, apps.App{PackageID: "a", Enabled: true})
	if len(reasons) != 0 {
		t.Fatalf("expected speakable, got %v", reasons)
	}
	if msg != "tick\nhello\nbody" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestEmptyMessageReason(t *testing.T) {
	e := newTestEvaluator(t, &config.Config{}, nil)
	reasons, msg := e.Evaluate(event.Notification{PackageID: "a"}, apps.App{PackageID: "a", Enabled: true})
	if msg != "" {
		t.Fatalf("expected empty message, got %q", msg)
	}
	if len(reasons) != 1 || reasons[0] != ReasonEmptyMessage {
		t.Fatalf("expected empty_message, got %v", reasons)
	}
}

func TestSubstitutionsPerFieldThenTruncate(t *testing.T) {
	cfg := &config.Config{}
	cfg.Rules.Substitutions = []config.SubstitutionRule{
		{Pattern: "msg", Replacement: "message"},
		{Pattern: `(\d+)%`, Replacement: "$1 percent", Regex: true},
	}
	cfg.Speech.MaxUtteranceLen = 11
	e := newTestEvaluator(t, cfg, nil)

	n := event.Notification{PackageID: "a", Title: "new msg", ContentText: "90% done"}
	reasons, msg := e.Evaluate(n, apps.App{PackageID: "a", Enabled: true})
	if len(reasons) != 0 {
		t.Fatalf("expected speakable, got %v", reasons)
	}
	// "new message\n90 percent done" truncated to 11 runes.
	if msg != "new message" {
		t.Fatalf("unexpected message %q", msg)
	}
}

func TestPerAppSubstitutionsApplyFirst(t *testing.T) {
	cfg := &config.Config{}
	cfg.Rules.Substitutions = []config.SubstitutionRule{{Pattern: "B", Replacement: "C"}}
	e := newTestEvaluator(t, cfg, nil)

	app := apps.App{
		PackageID:     "a",
		Enabled:       true,
		Substitutions: []config.SubstitutionRule{{Pattern: "A", Replacement: "B"}},
	}
	_, msg := e.Evaluate(event.Notification{PackageID: "a", Title: "A"}, app)
	if msg != "C" {
		t.Fatalf("expected per-app then global substitution, got %q", msg)
	}
}

func TestConditionsMatchRawTextBeforeSubstitution(t *testing.T) {
	cfg := &config.Config{}
	cfg.Rules.Substitutions = []config.SubstitutionRule{{Pattern: "secret", Replacement: "redacted"}}
	cfg.Rules.Overrides = []config.ConditionRule{{Kind: "text_contains", Pattern: "secret"}}
	e := newTestEvaluator(t, cfg, nil)

	reasons, _ := e.Evaluate(event.Notification{PackageID: "a", Title: "secret"}, apps.App{PackageID: "a", Enabled: true})
	if len(reasons) != 1 || reasons[0] != ReasonTextFiltered {
		t.Fatalf("expected text filter on raw text, got %v", reasons)
	}
}

func TestScheduleWindow(t *testing.T) {
	cfg := &config.Config{}
	cfg.Rules.Overrides = []config.ConditionRule{
		{Kind: "schedule", Schedule: "0 22 * * *", Window: "8h"},
	}
	e := newTestEvaluator(t, cfg, nil)

	inside := time.Date(2026, 3, 10, 23, 30, 0, 0, time.Local)
	e.now = func() time.Time { return inside }
	reasons, _ := e.Evaluate(event.Notification{PackageID: "a", Title: "x"}, apps.App{PackageID: "a", Enabled: true})
	if len(reasons) != 1 || reasons[0] != ReasonQuietHours {
		t.Fatalf("expected quiet_hours inside window, got %v", reasons)
	}

	outside := time.Date(2026, 3, 10, 12, 0, 0, 0, time.Local)
	e.now = func() time.Time { return outside }
	reasons, _ = e.Evaluate(event.Notification{PackageID: "a", Title: "x"}, apps.App{PackageID: "a", Enabled: true})
	if len(reasons) != 0 {
		t.Fatalf("expected no reason outside window, got %v", reasons)
	}
}

func TestMalformedRulesAreSkipped(t *testing.T) {
	cfg := &config.Config{}
	cfg.Rules.Overrides = []config.ConditionRule{
		{Kind: "text_regex", Pattern: "("},      // bad regex
		{Kind: "text_contains", Pattern: "bad"}, // still active
	}
	cfg.Rules.Substitutions = []config.SubstitutionRule{
		{Pattern: "(", Replacement: "x", Regex: true}, // bad regex
	}
	e := newTestEvaluator(t, cfg, nil)

	reasons, _ := e.Evaluate(event.Notification{PackageID: "a", Title: "bad news"}, apps.App{PackageID: "a", Enabled: true})
	if len(reasons) != 1 || reasons[0] != ReasonTextFiltered {
		t.Fatalf("surviving rule must stay active, got %v", reasons)
	}
}

func TestFloodGuardOnlyChargesSpeakable(t *testing.T) {
	cfg := &config.Config{}
	cfg.Rules.Flood = &config.FloodConfig{Events: 1, Per: "1h", Burst: 1}
	e := newTestEvaluator(t, cfg, nil)

	n := event.Notification{PackageID: "a", Title: "x"}
	enabled := apps.App{PackageID: "a", Enabled: true}
	disabled := apps.App{PackageID: "a"}

	if reasons, _ := e.Evaluate(n, enabled); len(reasons) != 0 {
		t.Fatalf("first notification should speak, got %v", reasons)
	}
	if reasons, _ := e.Evaluate(n, enabled); len(reasons) != 1 || reasons[0] != ReasonRateLimited {
		t.Fatalf("second notification should be rate limited, got %v", reasons)
	}
	// Suppressed notifications must not consume tokens.
	if reasons, _ := e.Evaluate(n, disabled); len(reasons) != 1 || reasons[0] != ReasonAppIgnored {
		t.Fatalf("expected app_ignored only, got %v", reasons)
	}
}

func TestTruncateLongMessage(t *testing.T) {
	e := newTestEvaluator(t, &config.Config{}, nil)
	n := event.Notification{PackageID: "a", Title: strings.Repeat("é", DefaultMaxUtteranceLen+100)}
	_, msg := e.Evaluate(n, apps.App{PackageID: "a", Enabled: true})
	if got := len([]rune(msg)); got != DefaultMaxUtteranceLen {
		t.Fatalf("expected %d runes, got %d", DefaultMaxUtteranceLen, got)
	}
}
