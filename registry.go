package kobold

import (
	"encoding/json"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// projectsFileName is the registry file under the projects directory.
const projectsFileName = "projects.json"

// ProjectRegistry is the stored list of projects. One mutex protects both
// the in-memory list and load/save; paths under the projects directory are
// stored in portable "./…" form so the directory can be relocated.
type ProjectRegistry struct {
	dir    string
	logger *slog.Logger

	mu       sync.Mutex
	projects map[string]*Project
	loaded   bool
}

// RegistryOption configures a ProjectRegistry.
type RegistryOption func(*ProjectRegistry)

// RegistryLogger sets the structured logger.
func RegistryLogger(l *slog.Logger) RegistryOption {
	return func(r *ProjectRegistry) { r.logger = l }
}

// NewProjectRegistry creates a registry rooted at dir. The registry file is
// loaded lazily on first access.
func NewProjectRegistry(dir string, opts ...RegistryOption) *ProjectRegistry {
	r := &ProjectRegistry{
		dir:      dir,
		logger:   nopLogger,
		projects: make(map[string]*Project),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// path returns the registry file location.
func (r *ProjectRegistry) path() string {
	return filepath.Join(r.dir, projectsFileName)
}

// loadLocked reads projects.json into memory once. Missing file means an
// empty registry.
func (r *ProjectRegistry) loadLocked() error {
	if r.loaded {
		return nil
	}
	data, err := os.ReadFile(r.path())
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			r.loaded = true
			return nil
		}
		return &ErrPersistence{Op: "load registry", Path: r.path(), Err: err}
	}
	var list []*Project
	if err := json.Unmarshal(data, &list); err != nil {
		return &ErrPersistence{Op: "load registry", Path: r.path(), Err: err}
	}
	for _, p := range list {
		r.resolvePaths(p)
		r.projects[p.ID] = p
	}
	r.loaded = true
	return nil
}

// saveLocked writes the registry with paths in portable form where possible.
func (r *ProjectRegistry) saveLocked() error {
	list := make([]*Project, 0, len(r.projects))
	for _, p := range r.projects {
		stored := *p
		r.portablePaths(&stored)
		list = append(list, &stored)
	}
	// Stable output order keeps the file diffable.
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return &ErrPersistence{Op: "encode registry", Path: r.path(), Err: err}
	}
	if err := os.MkdirAll(r.dir, 0o755); err != nil {
		return &ErrPersistence{Op: "save registry", Path: r.dir, Err: err}
	}
	return writeFileAtomic(r.path(), data)
}

// portablePaths rewrites paths under the projects directory as "./…".
func (r *ProjectRegistry) portablePaths(p *Project) {
	p.Specification = r.portable(p.Specification)
	p.OutputDir = r.portable(p.OutputDir)
	p.AnalysisPath = r.portable(p.AnalysisPath)
	if len(p.AreaTaskFiles) > 0 {
		files := make(map[string]string, len(p.AreaTaskFiles))
		for area, path := range p.AreaTaskFiles {
			files[area] = r.portable(path)
		}
		p.AreaTaskFiles = files
	}
}

// resolvePaths expands portable "./…" paths against the projects directory.
func (r *ProjectRegistry) resolvePaths(p *Project) {
	p.Specification = r.resolve(p.Specification)
	p.OutputDir = r.resolve(p.OutputDir)
	p.AnalysisPath = r.resolve(p.AnalysisPath)
	for area, path := range p.AreaTaskFiles {
		p.AreaTaskFiles[area] = r.resolve(path)
	}
}

func (r *ProjectRegistry) portable(path string) string {
	if path == "" {
		return ""
	}
	rel, err := filepath.Rel(r.dir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return path
	}
	return "./" + filepath.ToSlash(rel)
}

func (r *ProjectRegistry) resolve(path string) string {
	if strings.HasPrefix(path, "./") {
		return filepath.Join(r.dir, filepath.FromSlash(path[2:]))
	}
	return path
}

// Add stores a new project and saves the registry.
func (r *ProjectRegistry) Add(p *Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return err
	}
	if _, exists := r.projects[p.ID]; exists {
		return &ErrConfig{Field: "project", Reason: "duplicate project id " + p.ID}
	}
	r.projects[p.ID] = p
	return r.saveLocked()
}

// Get returns the project by id.
func (r *ProjectRegistry) Get(id string) (*Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return nil, err
	}
	p, ok := r.projects[id]
	if !ok {
		return nil, &ErrConfig{Field: "project", Reason: "unknown project " + id}
	}
	return p, nil
}

// Update persists the current state of an already registered project.
func (r *ProjectRegistry) Update(p *Project) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return err
	}
	if _, exists := r.projects[p.ID]; !exists {
		return &ErrConfig{Field: "project", Reason: "unknown project " + p.ID}
	}
	r.projects[p.ID] = p
	return r.saveLocked()
}

// Remove deletes a project from the registry. Its on-disk output is left
// alone.
func (r *ProjectRegistry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return err
	}
	if _, exists := r.projects[id]; !exists {
		return nil
	}
	delete(r.projects, id)
	return r.saveLocked()
}

// List returns every registered project, sorted by name.
func (r *ProjectRegistry) List() ([]*Project, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.loadLocked(); err != nil {
		return nil, err
	}
	list := make([]*Project, 0, len(r.projects))
	for _, p := range r.projects {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list, nil
}

// OutputDir implements OutputResolver for the plan store and planning
// service.
func (r *ProjectRegistry) OutputDir(projectID string) (string, error) {
	p, err := r.Get(projectID)
	if err != nil {
		return "", err
	}
	return p.OutputDir, nil
}

var _ OutputResolver = (*ProjectRegistry)(nil)
