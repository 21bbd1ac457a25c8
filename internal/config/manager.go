package config

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "crawlsched/pkg/logx"

	"github.com/fsnotify/fsnotify"
)

const (
	reloadDebounce = 250 * time.Millisecond
	watchRetryBase = 250 * time.Millisecond
	watchRetryMax  = 5 * time.Second
)

// ErrUnchanged is returned by Reload when the file decodes to the committed config.
var ErrUnchanged = errors.New("config unchanged")

// Update is a committed reload.
type Update struct {
	Old, New *Config
	Change   Change
}

// Manager owns the committed config and turns file changes into Updates.
//
// Updates has room for one pending value. A reload that lands before the
// consumer picks up the previous one is merged into it: Old stays, New and
// Change move forward.
type Manager struct {
	path string
	log  logx.Logger

	// validate runs after Validate and before commit; nil accepts everything.
	validate func(*Config) error

	mu      sync.RWMutex
	cfg     *Config
	hash    uint64
	updates chan Update
}

func NewManager(path string) *Manager {
	return &Manager{path: path, log: logx.Nop(), updates: make(chan Update, 1)}
}

func (m *Manager) Path() string { return m.path }

func (m *Manager) SetLogger(log logx.Logger) { m.log = log }

// SetValidator installs a check that can veto a reload, e.g. cross-section
// rules the decoder does not know about.
func (m *Manager) SetValidator(fn func(*Config) error) { m.validate = fn }

// Load decodes the file and commits it without publishing an Update.
func (m *Manager) Load() (*Config, error) {
	cfg, err := DecodeFile(m.path)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.cfg, m.hash = cfg, hashConfig(cfg)
	m.mu.Unlock()
	return cfg, nil
}

func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Updates delivers committed reloads. There is a single consumer.
func (m *Manager) Updates() <-chan Update { return m.updates }

// Reload decodes the file, commits it and queues an Update. It returns
// ErrUnchanged when the content matches the committed config.
func (m *Manager) Reload() (Update, error) {
	cfg, err := DecodeFile(m.path)
	if err != nil {
		return Update{}, err
	}
	h := hashConfig(cfg)
	if m.validate != nil {
		if err := m.validate(cfg); err != nil {
			return Update{}, fmt.Errorf("rejected: %w", err)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if h != 0 && h == m.hash {
		return Update{}, ErrUnchanged
	}
	u := Update{Old: m.cfg, New: cfg}
	m.cfg, m.hash = cfg, h

	// Merge with an update the consumer has not taken yet.
	select {
	case pending := <-m.updates:
		u.Old = pending.Old
	default:
	}
	u.Change = Diff(u.Old, u.New)
	m.updates <- u
	return u, nil
}

func (m *Manager) reloadLogged(reason string) {
	u, err := m.Reload()
	switch {
	case errors.Is(err, ErrUnchanged):
		m.log.Debug("config unchanged", logx.String("reason", reason))
	case err != nil:
		m.log.Warn("config reload failed", logx.String("path", m.path), logx.String("reason", reason), logx.Err(err))
	default:
		m.log.Info("config reloaded", logx.String("reason", reason), logx.Strs("sections", u.Change.Sections), logx.Strs("owners", u.Change.Owners))
	}
}

// Watch reloads on changes to the config file until ctx is done. The
// directory is watched so editors that replace the file are seen. A broken
// watcher is recreated with jittered backoff.
func (m *Manager) Watch(ctx context.Context) error {
	dir, name := filepath.Dir(m.path), filepath.Base(m.path)
	retry := watchRetryBase
	for {
		err := m.watchOnce(ctx, dir, name, func() { retry = watchRetryBase })
		if ctx.Err() != nil {
			return nil
		}
		wait := retry + rand.N(retry/2+1)
		retry = min(retry*2, watchRetryMax)
		m.log.Warn("config watcher restarting", logx.String("dir", dir), logx.Err(err), logx.Duration("wait", wait))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(wait):
		}
	}
}

func (m *Manager) watchOnce(ctx context.Context, dir, name string, healthy func()) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(dir); err != nil {
		return err
	}
	healthy()
	m.log.Debug("config watcher started", logx.String("dir", dir), logx.String("file", name))

	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()
	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Rename | fsnotify.Remove

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-debounce.C:
			m.reloadLogged("file changed")
		case ev, ok := <-w.Events:
			if !ok {
				return errors.New("event channel closed")
			}
			if ev.Op&relevant != 0 && strings.EqualFold(filepath.Base(ev.Name), name) {
				debounce.Reset(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			switch {
			case !ok:
				return errors.New("error channel closed")
			case errors.Is(err, fsnotify.ErrEventOverflow):
				debounce.Reset(reloadDebounce)
			case err != nil:
				m.log.Warn("config watch error", logx.String("dir", dir), logx.Err(err))
			}
		}
	}
}
