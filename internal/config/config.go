// Package config loads and hot-reloads the gateway's YAML configuration:
// upstream region/version defaults, proxy settings, TLS backend choice,
// the pool's load-balancing mode, and the two API keys (client-facing and
// admin).
package config

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config is the top-level gateway configuration, round-tripped to a YAML
// file on disk.
type Config struct {
	// Region is the default AWS region used for OAuth refresh and API
	// calls when a credential does not override it.
	Region string `yaml:"region" json:"region"`

	// KiroVersion is embedded in the KiroIDE-{version}-{machineId}
	// User-Agent header sent on refresh and usage calls.
	KiroVersion string `yaml:"kiro-version" json:"kiro-version"`

	// LoadBalancingMode selects the pool's selection policy: "priority"
	// or "balanced". Rewritten in place by the pool when changed via the
	// admin API (see SetLoadBalancingModeAndSave).
	LoadBalancingMode string `yaml:"load-balancing-mode" json:"load-balancing-mode"`

	// ProxyURL, ProxyUsername, ProxyPassword configure the default
	// outbound proxy for credentials that do not carry their own.
	ProxyURL      string `yaml:"proxy-url,omitempty" json:"proxy-url,omitempty"`
	ProxyUsername string `yaml:"proxy-username,omitempty" json:"proxy-username,omitempty"`
	ProxyPassword string `yaml:"proxy-password,omitempty" json:"proxy-password,omitempty"`

	// TLSBackend selects the outbound TLS client implementation: "" or
	// "stdlib" for net/http's default, "utls" for a fingerprinted
	// ClientHello via refraction-networking/utls.
	TLSBackend string `yaml:"tls-backend,omitempty" json:"tls-backend,omitempty"`

	// APIKey authenticates callers of the Anthropic-compatible proxy
	// surface.
	APIKey string `yaml:"api-key" json:"api-key"`

	// AdminAPIKey authenticates callers of the admin control surface.
	// Empty means the admin surface is disabled — never treated as
	// "unset means open".
	AdminAPIKey string `yaml:"admin-api-key,omitempty" json:"admin-api-key,omitempty"`

	// CredentialsPath points at the credentials file (spec §6.1).
	CredentialsPath string `yaml:"credentials-path" json:"credentials-path"`

	// StatsBackend selects the runtime-stats persistence backend: "json"
	// (default) for the plain StatsStore sidecar file, or "sqlite" for
	// SQLiteStatsStore's queryable history table.
	StatsBackend string `yaml:"stats-backend,omitempty" json:"stats-backend,omitempty"`

	// LogLevel and LogFile configure internal/logging.Init.
	LogLevel string `yaml:"log-level,omitempty" json:"log-level,omitempty"`
	LogFile  string `yaml:"log-file,omitempty" json:"log-file,omitempty"`

	path string
	mu   sync.Mutex
}

const (
	// ModePriority sticks to the highest-priority non-disabled credential.
	ModePriority = "priority"
	// ModeBalanced re-selects the least-used non-disabled credential per call.
	ModeBalanced = "balanced"
)

// GetRegion returns the configured region, defaulting to "us-east-1".
func (c *Config) GetRegion() string {
	if c == nil || c.Region == "" {
		return "us-east-1"
	}
	return c.Region
}

// GetKiroVersion returns the configured Kiro IDE version string, defaulting
// to "0.1.0" for User-Agent construction when unset.
func (c *Config) GetKiroVersion() string {
	if c == nil || c.KiroVersion == "" {
		return "0.1.0"
	}
	return c.KiroVersion
}

// GetLoadBalancingMode returns the configured mode, defaulting to
// "priority".
func (c *Config) GetLoadBalancingMode() string {
	if c == nil || c.LoadBalancingMode == "" {
		return ModePriority
	}
	return c.LoadBalancingMode
}

// GetStatsBackend returns the configured stats backend, defaulting to
// "json".
func (c *Config) GetStatsBackend() string {
	if c == nil || c.StatsBackend == "" {
		return "json"
	}
	return c.StatsBackend
}

// Load reads and parses the YAML config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg := &Config{path: path}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Path returns the file path this config was loaded from.
func (c *Config) Path() string {
	if c == nil {
		return ""
	}
	return c.path
}

// SetLoadBalancingModeAndSave validates mode, rewrites it in place, and
// persists the config file. On write failure the in-memory value is
// reverted and the error returned — this is the "revert on failure"
// contract from spec §4.4.7 / §9.
func (c *Config) SetLoadBalancingModeAndSave(mode string) error {
	if mode != ModePriority && mode != ModeBalanced {
		return &InvalidModeError{Mode: mode}
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	previous := c.LoadBalancingMode
	c.LoadBalancingMode = mode
	if err := c.save(); err != nil {
		c.LoadBalancingMode = previous
		return err
	}
	return nil
}

func (c *Config) save() error {
	if c.path == "" {
		return nil
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return err
	}
	tmp := c.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, c.path)
}

// InvalidModeError is returned by SetLoadBalancingModeAndSave for any
// value other than "priority"/"balanced".
type InvalidModeError struct{ Mode string }

func (e *InvalidModeError) Error() string {
	return "invalid load balancing mode: " + e.Mode
}

// Watcher hot-reloads mode/region-level fields (never credential data —
// those live in the separate credentials file owned by the pool) whenever
// the config file changes on disk, notifying onChange with the freshly
// parsed config.
type Watcher struct {
	watcher *fsnotify.Watcher
	done    chan struct{}
}

// WatchConfig starts watching path for changes and invokes onChange (with
// the newly loaded Config) after every write. save() replaces the file via
// a temp-file-plus-rename rather than an in-place write, which a direct
// watch on path itself can miss (some platforms drop the watch on the old
// inode across a rename) — so the containing directory is watched instead,
// and events are filtered down to this file by name. The pool's own
// rewrites via SetLoadBalancingModeAndSave will also trigger one reload;
// callers should treat onChange as idempotent.
func WatchConfig(path string, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(path)
	if err := fw.Add(dir); err != nil {
		_ = fw.Close()
		return nil, err
	}
	target := filepath.Clean(path)
	w := &Watcher{watcher: fw, done: make(chan struct{})}
	go func() {
		for {
			select {
			case event, ok := <-fw.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				cfg, err := Load(path)
				if err != nil {
					log.WithError(err).Warn("config reload failed")
					continue
				}
				onChange(cfg)
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				log.WithError(err).Warn("config watcher error")
			case <-w.done:
				return
			}
		}
	}()
	return w, nil
}

// Close stops the watcher goroutine and releases the underlying fsnotify
// watcher.
func (w *Watcher) Close() error {
	if w == nil {
		return nil
	}
	close(w.done)
	return w.watcher.Close()
}
