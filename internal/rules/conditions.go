package rules

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/robfig/cron/v3"

	"notivox/internal/config"
	"notivox/pkg/logx"
)

// DeviceState reports the device conditions suppression rules can match on.
// Real providers are platform collaborators; tests and headless setups use
// NopDeviceState.
type DeviceState interface {
	RingerSilent() bool
	ScreenOn() bool
}

// NopDeviceState never suppresses.
type NopDeviceState struct{}

func (NopDeviceState) RingerSilent() bool { return false }
func (NopDeviceState) ScreenOn() bool     { return false }

// StaticDeviceState is a fixed-state provider, mainly for tests.
type StaticDeviceState struct {
	Silent bool
	Screen bool
}

func (s StaticDeviceState) RingerSilent() bool { return s.Silent }
func (s StaticDeviceState) ScreenOn() bool     { return s.Screen }

// condition is one compiled suppression rule.
type condition struct {
	kind   string
	reason Reason

	// text filters
	contains string
	re       *regexp.Regexp

	// schedule windows
	sched  cron.Schedule
	window time.Duration
}

// compileConditions turns raw rules into evaluable conditions.
// Malformed rules are skipped and logged; one bad rule must not silence or
// force-speak unrelated notifications.
func compileConditions(raw []config.ConditionRule, log logx.Logger) []condition {
	out := make([]condition, 0, len(raw))
	for i, r := range raw {
		c, err := compileCondition(r)
		if err != nil {
			log.Warn("skipping malformed condition rule",
				logx.Int("index", i),
				logx.String("kind", r.Kind),
				logx.Err(err))
			continue
		}
		out = append(out, c)
	}
	return out
}

func compileCondition(r config.ConditionRule) (condition, error) {
	switch strings.ToLower(strings.TrimSpace(r.Kind)) {
	case "ringer_silent":
		return condition{kind: "ringer_silent", reason: ReasonRingerSilent}, nil

	case "screen_on":
		return condition{kind: "screen_on", reason: ReasonScreenOn}, nil

	case "schedule":
		sched, err := cron.ParseStandard(strings.TrimSpace(r.Schedule))
		if err != nil {
			return condition{}, fmt.Errorf("schedule %q: %w", r.Schedule, err)
		}
		window, err := config.ParseDurationField("window", r.Window)
		if err != nil {
			return condition{}, err
		}
		if window <= 0 {
			return condition{}, fmt.Errorf("schedule rule needs a positive window")
		}
		return condition{kind: "schedule", reason: ReasonQuietHours, sched: sched, window: window}, nil

	case "text_contains":
		if r.Pattern == "" {
			return condition{}, fmt.Errorf("text_contains rule needs a pattern")
		}
		return condition{kind: "text_contains", reason: ReasonTextFiltered, contains: r.Pattern}, nil

	case "text_regex":
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return condition{}, fmt.Errorf("pattern %q: %w", r.Pattern, err)
		}
		return condition{kind: "text_regex", reason: ReasonTextFiltered, re: re}, nil

	default:
		return condition{}, fmt.Errorf("unknown condition kind %q", r.Kind)
	}
}

// matches reports whether the condition currently suppresses, given the
// device state, the notification text, and the evaluation time.
func (c condition) matches(dev DeviceState, text string, now time.Time) bool {
	switch c.kind {
	case "ringer_silent":
		return dev.RingerSilent()
	case "screen_on":
		return dev.ScreenOn()
	case "schedule":
		return inScheduleWindow(c.sched, c.window, now)
	case "text_contains":
		return strings.Contains(text, c.contains)
	case "text_regex":
		return c.re.MatchString(text)
	default:
		return false
	}
}

// inScheduleWindow reports whether now falls inside [start, start+window) for
// some activation of the cron schedule. cron only exposes Next, so look for an
// activation after now-window.
func inScheduleWindow(sched cron.Schedule, window time.Duration, now time.Time) bool {
	start := sched.Next(now.Add(-window))
	return !start.After(now)
}
