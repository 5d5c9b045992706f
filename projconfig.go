package kobold

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// defaultDebounceInterval coalesces bursts of config updates into at most
// one write per interval.
const defaultDebounceInterval = 2 * time.Second

// ProjectConfigFile is the per-project configuration document.
type ProjectConfigFile struct {
	Project struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	} `json:"project"`
	Agents   map[string]AgentConfigEntry `json:"agents"` // keyed by role config key
	Security SecurityConfig              `json:"security"`
	Metadata struct {
		CreatedAt   time.Time `json:"createdAt"`
		LastUpdated time.Time `json:"lastUpdated"`
	} `json:"metadata"`
}

// AgentConfigEntry is one role's block in the configuration file. Timeout is
// expressed in seconds on disk.
type AgentConfigEntry struct {
	MaxParallel    int    `json:"maxParallel"`
	TimeoutSeconds int    `json:"timeout"`
	Enabled        bool   `json:"enabled"`
	Provider       string `json:"provider,omitempty"`
	Model          string `json:"model,omitempty"`
}

// NewProjectConfigFile builds the config document from a project.
func NewProjectConfigFile(p *Project) *ProjectConfigFile {
	cfg := &ProjectConfigFile{
		Agents:   make(map[string]AgentConfigEntry),
		Security: p.Security,
	}
	cfg.Project.ID = p.ID
	cfg.Project.Name = p.Name
	cfg.Metadata.CreatedAt = p.CreatedAt
	cfg.Metadata.LastUpdated = p.UpdatedAt
	for role, ac := range p.Agents {
		cfg.Agents[role.configKey()] = AgentConfigEntry{
			MaxParallel:    ac.MaxParallel,
			TimeoutSeconds: int(ac.Timeout / time.Second),
			Enabled:        ac.Enabled,
			Provider:       ac.Provider,
			Model:          ac.Model,
		}
	}
	return cfg
}

// Validate checks role keys and the sandbox mode.
func (c *ProjectConfigFile) Validate() error {
	if c.Project.ID == "" {
		return &ErrConfig{Field: "project.id", Reason: "empty"}
	}
	for key := range c.Agents {
		if !ValidAgentRole(key) {
			return &ErrConfig{Field: "agents", Reason: "unknown agent type " + key}
		}
	}
	if c.Security.SandboxMode != "" && !ValidSandboxMode(c.Security.SandboxMode) {
		return &ErrConfig{Field: "security.sandboxMode", Reason: string(c.Security.SandboxMode)}
	}
	return nil
}

// ApplyTo copies the configuration onto a project. Allowed external paths
// are normalized to absolute form.
func (c *ProjectConfigFile) ApplyTo(p *Project) error {
	if err := c.Validate(); err != nil {
		return err
	}
	if p.Agents == nil {
		p.Agents = make(map[AgentRole]AgentConfig)
	}
	for key, entry := range c.Agents {
		role, err := ParseAgentRole(key)
		if err != nil {
			return err
		}
		p.Agents[role] = AgentConfig{
			MaxParallel: entry.MaxParallel,
			Timeout:     time.Duration(entry.TimeoutSeconds) * time.Second,
			Enabled:     entry.Enabled,
			Provider:    entry.Provider,
			Model:       entry.Model,
		}
	}
	sec := c.Security
	if sec.SandboxMode == "" {
		sec.SandboxMode = SandboxWorkspace
	}
	for i, path := range sec.AllowedExternalPaths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return &ErrConfig{Field: "security.allowedExternalPaths", Reason: err.Error()}
		}
		sec.AllowedExternalPaths[i] = abs
	}
	p.Security = sec
	return nil
}

// LoadProjectConfig reads a project configuration file. Returns nil without
// error when the file does not exist.
func LoadProjectConfig(path string) (*ProjectConfigFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &ErrPersistence{Op: "load project config", Path: path, Err: err}
	}
	var cfg ProjectConfigFile
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, &ErrPersistence{Op: "load project config", Path: path, Err: err}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ConfigWriter coalesces rapid configuration writes: updates set a dirty
// flag and (re)arm a timer; the write happens once per interval with the
// state snapshotted under the lock and serialized outside it. FlushNow
// bypasses the debounce.
type ConfigWriter struct {
	path     string
	interval time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	current *ProjectConfigFile
	dirty   bool
	timer   *time.Timer
	closed  bool
}

// ConfigWriterOption configures a ConfigWriter.
type ConfigWriterOption func(*ConfigWriter)

// ConfigWriterInterval overrides the debounce interval (default 2s).
func ConfigWriterInterval(d time.Duration) ConfigWriterOption {
	return func(w *ConfigWriter) { w.interval = d }
}

// ConfigWriterLogger sets the structured logger.
func ConfigWriterLogger(l *slog.Logger) ConfigWriterOption {
	return func(w *ConfigWriter) { w.logger = l }
}

// NewConfigWriter creates a debounced writer for one config file.
func NewConfigWriter(path string, opts ...ConfigWriterOption) *ConfigWriter {
	w := &ConfigWriter{
		path:     path,
		interval: defaultDebounceInterval,
		logger:   nopLogger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Update replaces the pending configuration and arms the debounce timer.
// Multiple updates within one interval produce a single write of the latest
// state.
func (w *ConfigWriter) Update(cfg *ProjectConfigFile) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.current = cfg
	w.dirty = true
	if w.timer == nil {
		w.timer = time.AfterFunc(w.interval, w.flushTimer)
	}
}

// flushTimer fires after the debounce interval.
func (w *ConfigWriter) flushTimer() {
	w.mu.Lock()
	w.timer = nil
	if !w.dirty || w.closed {
		w.mu.Unlock()
		return
	}
	snapshot := w.snapshotLocked()
	w.mu.Unlock()
	w.write(snapshot)
}

// FlushNow writes any pending state immediately, bypassing the debounce.
func (w *ConfigWriter) FlushNow() error {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	if !w.dirty {
		w.mu.Unlock()
		return nil
	}
	snapshot := w.snapshotLocked()
	w.mu.Unlock()
	return w.write(snapshot)
}

// Close flushes pending state and rejects further updates.
func (w *ConfigWriter) Close() error {
	err := w.FlushNow()
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return err
}

// snapshotLocked serializes the current state and clears the dirty flag.
// Called with w.mu held; the actual disk write happens outside the lock.
func (w *ConfigWriter) snapshotLocked() []byte {
	w.dirty = false
	w.current.Metadata.LastUpdated = time.Now().UTC()
	data, err := json.MarshalIndent(w.current, "", "  ")
	if err != nil {
		w.logger.Warn("config encode failed", "path", w.path, "error", err)
		return nil
	}
	return data
}

func (w *ConfigWriter) write(data []byte) error {
	if data == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		w.logger.Warn("config write failed", "path", w.path, "error", err)
		return &ErrPersistence{Op: "save project config", Path: w.path, Err: err}
	}
	if err := writeFileAtomic(w.path, data); err != nil {
		w.logger.Warn("config write failed", "path", w.path, "error", err)
		return err
	}
	return nil
}
