package config

type Config struct {
	Logging LoggingConfig `json:"logging"`

	// Speech controls the global master switch and the TTS engine boundary.
	Speech SpeechConfig `json:"speech"`

	// Rules holds the global suppression conditions and text substitutions.
	// Per-app overrides live in the settings store, not in this file.
	Rules RulesConfig `json:"rules"`

	// Storage configures the persistent per-app settings store.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Source configures notification intake.
	Source SourceConfig `json:"source"`
}

// SpeechConfig controls speaking behavior and the engine boundary.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
//
// Defaults (when fields are omitted/zero):
//   - master_enabled: true
//   - default_enabled: true
//   - queue_size: 64
//   - max_utterance_len: 4000 (engine-imposed input limit)
//   - engine.command: "espeak-ng"
//   - engine.timeout: "30s"
type SpeechConfig struct {
	MasterEnabled  *bool `json:"master_enabled,omitempty"`
	DefaultEnabled *bool `json:"default_enabled,omitempty"`

	QueueSize       int `json:"queue_size,omitempty"`
	MaxUtteranceLen int `json:"max_utterance_len,omitempty"`

	Engine EngineConfig `json:"engine"`
}

// EngineConfig describes the external synthesis command.
// One process is spawned per utterance; killing it implements interruption.
type EngineConfig struct {
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	// Timeout bounds a single utterance. "0s" disables the bound.
	Timeout string `json:"timeout,omitempty"`
}

// RulesConfig holds the global rule set.
type RulesConfig struct {
	// Overrides are suppression conditions applied to every app.
	Overrides []ConditionRule `json:"overrides,omitempty"`

	// Substitutions are applied to each message field before composition.
	Substitutions []SubstitutionRule `json:"substitutions,omitempty"`

	// Flood limits how often a single app may be announced.
	// Omitted section disables the flood guard.
	Flood *FloodConfig `json:"flood,omitempty"`
}

// ConditionRule is one suppression condition.
//
// Kinds:
//   - "ringer_silent":  suppress while the device audio mode is silent/vibrate
//   - "screen_on":      suppress while the screen is on
//   - "schedule":       suppress inside a recurring quiet window; Schedule is a
//     cron spec (robfig/cron, with @every support) marking the window start and
//     Window its length
//   - "text_contains":  suppress when the composed text contains Pattern
//   - "text_regex":     suppress when the composed text matches Pattern
type ConditionRule struct {
	Kind     string `json:"kind"`
	Pattern  string `json:"pattern,omitempty"`
	Schedule string `json:"schedule,omitempty"`
	// Window is a Go duration string; required for kind "schedule".
	Window string `json:"window,omitempty"`
}

// SubstitutionRule rewrites message text before it is spoken.
// Plain rules replace every occurrence of Pattern; regex rules use
// Go regexp syntax with $1-style group references in Replacement.
type SubstitutionRule struct {
	Pattern     string `json:"pattern"`
	Replacement string `json:"replacement"`
	Regex       bool   `json:"regex,omitempty"`
}

// FloodConfig is a per-app token bucket: at most Burst announcements at once,
// refilling Events per Per.
type FloodConfig struct {
	Events int    `json:"events"`
	Per    string `json:"per"`
	Burst  int    `json:"burst,omitempty"`
}

// StorageConfig controls the per-app settings store.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./notivox.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SourceConfig controls notification intake.
type SourceConfig struct {
	// DBus monitors org.freedesktop.Notifications on the session bus.
	DBus DBusSourceConfig `json:"dbus"`
}

type DBusSourceConfig struct {
	Enabled bool `json:"enabled"`
	// QueueSize bounds buffered events between the bus and the pipeline.
	QueueSize int `json:"queue_size,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// MasterEnabled resolves the master switch, defaulting to on.
func (c *Config) MasterEnabled() bool {
	if c == nil || c.Speech.MasterEnabled == nil {
		return true
	}
	return *c.Speech.MasterEnabled
}

// DefaultEnabled resolves the per-app default, defaulting to on.
func (c *Config) DefaultEnabled() bool {
	if c == nil || c.Speech.DefaultEnabled == nil {
		return true
	}
	return *c.Speech.DefaultEnabled
}
