package rules

import "strings"

// Reason is a stable code explaining why a notification was not (fully) spoken.
type Reason string

const (
	ReasonGlobalDisabled Reason = "global_disabled"
	ReasonAppIgnored     Reason = "app_ignored"
	ReasonRingerSilent   Reason = "ringer_silent"
	ReasonScreenOn       Reason = "screen_on"
	ReasonQuietHours     Reason = "quiet_hours"
	ReasonTextFiltered   Reason = "text_filtered"
	ReasonRateLimited    Reason = "rate_limited"
	ReasonEmptyMessage   Reason = "empty_message"
)

// Text returns the human-readable form used in logs and the history view.
func (r Reason) Text() string {
	switch r {
	case ReasonGlobalDisabled:
		return "speech globally disabled"
	case ReasonAppIgnored:
		return "app is ignored"
	case ReasonRingerSilent:
		return "ringer is silent"
	case ReasonScreenOn:
		return "screen is on"
	case ReasonQuietHours:
		return "inside quiet hours"
	case ReasonTextFiltered:
		return "text filter matched"
	case ReasonRateLimited:
		return "rate limited"
	case ReasonEmptyMessage:
		return "nothing to speak"
	default:
		return string(r)
	}
}

// ReasonsText renders a reason list the way the history view shows it.
func ReasonsText(reasons []Reason) string {
	if len(reasons) == 0 {
		return ""
	}
	parts := make([]string, 0, len(reasons))
	for _, r := range reasons {
		parts = append(parts, r.Text())
	}
	return strings.Join(parts, ", ")
}
