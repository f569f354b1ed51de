package config

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	yaml "go.yaml.in/yaml/v3"

	logx "notivox/pkg/logx"
)

const (
	// reloadDebounce absorbs the event bursts editors produce on save
	// (truncate, write, rename) so a reload sees the complete file.
	reloadDebounce = 250 * time.Millisecond

	watchBackoffBase = 250 * time.Millisecond
	watchBackoffMax  = 5 * time.Second

	validateTimeout = 5 * time.Second
)

// Manager owns the daemon configuration file: the initial load, point-in-time
// reads via Get, and a watcher that re-parses, validates, and publishes edits
// while the daemon runs. A rejected or unparsable edit keeps the previous
// config in force.
type Manager struct {
	path string

	mu  sync.RWMutex
	cfg *Config
	// lastHash is the content hash of the committed config; reloads that
	// hash the same are skipped without publishing.
	lastHash uint64

	// subsMu orders publish sends against Unsubscribe's close.
	subsMu sync.Mutex
	subs   []chan *Config

	log       logx.Logger
	validator func(ctx context.Context, cfg *Config) error
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs the hook the watcher runs before committing a reload.
func (m *Manager) SetValidator(fn func(ctx context.Context, cfg *Config) error) {
	m.validator = fn
}

// Load reads and commits the configuration file. It is called once at
// startup; every later change flows through Watch.
func (m *Manager) Load() (*Config, error) {
	cfg, err := m.parse()
	if err != nil {
		return nil, err
	}
	m.commit(cfg, hashConfig(cfg))
	return cfg, nil
}

// Get returns the committed config. The returned value is shared; callers
// must not mutate it.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

func (m *Manager) parse() (*Config, error) {
	raw, err := os.ReadFile(m.path)
	if err != nil {
		return nil, err
	}
	jb, err := toJSON(m.path, raw)
	if err != nil {
		return nil, err
	}

	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return nil, err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return nil, fmt.Errorf("trailing data after config document")
		}
		return nil, err
	}
	return &cfg, nil
}

// toJSON routes .yaml/.yml files through a YAML parse and re-marshal so both
// formats hit the same strict DisallowUnknownFields decode. Everything else
// is treated as JSON and passed through untouched.
func toJSON(path string, raw []byte) ([]byte, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
	default:
		return raw, nil
	}

	var doc any
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}
	return json.Marshal(stringKeys(doc))
}

// stringKeys rewrites the map[any]any nodes a YAML parse produces so the
// tree can be JSON-marshaled.
func stringKeys(in any) any {
	switch v := in.(type) {
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, val := range v {
			out[fmt.Sprint(k)] = stringKeys(val)
		}
		return out
	case map[string]any:
		for k, val := range v {
			v[k] = stringKeys(val)
		}
		return v
	case []any:
		for i := range v {
			v[i] = stringKeys(v[i])
		}
		return v
	default:
		return in
	}
}

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil {
		return 0
	}
	return hashBytes(b)
}

func (m *Manager) commit(cfg *Config, hash uint64) {
	m.mu.Lock()
	m.cfg = cfg
	m.lastHash = hash
	m.mu.Unlock()
}

// Subscribe registers a channel that receives each committed reload.
func (m *Manager) Subscribe(buffer int) chan *Config {
	ch := make(chan *Config, buffer)
	m.subsMu.Lock()
	m.subs = append(m.subs, ch)
	m.subsMu.Unlock()
	return ch
}

func (m *Manager) Unsubscribe(ch chan *Config) {
	if ch == nil {
		return
	}
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for i, s := range m.subs {
		if s == ch {
			m.subs[i] = m.subs[len(m.subs)-1]
			m.subs = m.subs[:len(m.subs)-1]
			close(ch)
			return
		}
	}
}

func (m *Manager) publish(cfg *Config) {
	m.subsMu.Lock()
	defer m.subsMu.Unlock()
	for _, ch := range m.subs {
		select {
		case ch <- cfg:
			continue
		default:
		}
		// Buffer full: evict the oldest pending config so the newest wins.
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- cfg:
		default:
			m.log.Debug("config update dropped (subscriber not draining)")
		}
	}
}

// Watch follows the config file until ctx ends. File events are debounced,
// then the file is re-parsed, validated, committed, and published. A watcher
// that fails or stops delivering is recreated with jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir := filepath.Dir(m.path)
	base := filepath.Base(m.path)

	var reloadMu sync.Mutex
	var pending *time.Timer
	schedule := func() {
		reloadMu.Lock()
		defer reloadMu.Unlock()
		if pending != nil {
			pending.Stop()
		}
		pending = time.AfterFunc(reloadDebounce, func() { m.reload(ctx) })
	}

	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	backoff := watchBackoffBase
	for {
		if ctx.Err() != nil {
			return nil
		}

		started, err := m.watchDir(ctx, dir, base, schedule)
		if ctx.Err() != nil {
			return nil
		}
		if started {
			backoff = watchBackoffBase
		}
		if err != nil {
			m.log.Warn("config watch failed; restarting", logx.Err(err), logx.String("dir", dir))
		} else {
			m.log.Warn("config watcher stopped; restarting", logx.String("dir", dir))
		}

		wait := backoff + time.Duration(rng.Int63n(int64(backoff/2)+1))
		backoff = min(backoff*2, watchBackoffMax)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

// watchDir runs one watcher session. It reports whether the watcher got as
// far as delivering events, so the caller can reset its backoff.
func (m *Manager) watchDir(ctx context.Context, dir, base string, schedule func()) (started bool, err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return false, err
	}
	defer w.Close()

	// Watch the directory, not the file: editors replace the file by rename
	// and a file watch would die with the old inode.
	if err := w.Add(dir); err != nil {
		return false, err
	}
	m.log.Debug("config watcher started", logx.String("path", m.path))

	for {
		select {
		case <-ctx.Done():
			return true, nil
		case ev, ok := <-w.Events:
			if !ok {
				return true, nil
			}
			// Any op on the file counts; the hash check makes spurious
			// reloads free.
			if strings.EqualFold(filepath.Base(ev.Name), base) {
				schedule()
			}
		case werr, ok := <-w.Errors:
			if !ok {
				return true, nil
			}
			if werr == nil {
				continue
			}
			if errors.Is(werr, fsnotify.ErrEventOverflow) {
				// Events were missed, the file may have changed unseen.
				schedule()
				continue
			}
			m.log.Warn("config watch error", logx.Err(werr), logx.String("dir", dir))
		}
	}
}

func (m *Manager) reload(ctx context.Context) {
	cfg, err := m.parse()
	if err != nil {
		m.log.Warn("config reload failed; keeping previous", logx.String("path", m.path), logx.Err(err))
		return
	}

	h := hashConfig(cfg)
	m.mu.RLock()
	unchanged := h != 0 && h == m.lastHash
	m.mu.RUnlock()
	if unchanged {
		m.log.Debug("config unchanged; skipping reload")
		return
	}

	if m.validator != nil {
		vctx, cancel := context.WithTimeout(ctx, validateTimeout)
		err := m.validator(vctx, cfg)
		cancel()
		if err != nil {
			m.log.Warn("config rejected; keeping previous", logx.Err(err))
			return
		}
	}

	m.commit(cfg, h)
	m.publish(cfg)
	m.log.Info("config reloaded", logx.String("path", m.path))
}
