package kobold

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// ProjectStatus is the lifecycle state of a project.
type ProjectStatus string

const (
	// StatusPrototype is a registered project awaiting approval. Its output
	// directory may not exist yet.
	StatusPrototype ProjectStatus = "Prototype"
	StatusNew       ProjectStatus = "New"
	// StatusWyrmAssigned means a Wyrm agent is analyzing the specification.
	StatusWyrmAssigned ProjectStatus = "WyrmAssigned"
	StatusAnalyzed     ProjectStatus = "Analyzed"
	// StatusSpecificationModified means the spec changed after analysis;
	// the project returns to WyrmAssigned for re-analysis.
	StatusSpecificationModified ProjectStatus = "SpecificationModified"
	StatusInProgress            ProjectStatus = "InProgress"
	StatusCompleted             ProjectStatus = "Completed"
	StatusFailed                ProjectStatus = "Failed"
)

// ExecutionState is the run control state of a project, orthogonal to status.
type ExecutionState string

const (
	ExecRunning   ExecutionState = "Running"
	ExecPaused    ExecutionState = "Paused"
	ExecSuspended ExecutionState = "Suspended"
	// ExecCancelled is terminal; a cancelled project cannot resume.
	ExecCancelled ExecutionState = "Cancelled"
)

// SandboxMode governs which paths a project's agents may touch.
type SandboxMode string

const (
	// SandboxWorkspace allows the project workspace plus declared external
	// paths. The default.
	SandboxWorkspace SandboxMode = "workspace"
	// SandboxRelaxed additionally allows any absolute path.
	SandboxRelaxed SandboxMode = "relaxed"
	// SandboxStrict allows only the project workspace.
	SandboxStrict SandboxMode = "strict"
)

// ValidSandboxMode reports whether m is a recognized mode.
func ValidSandboxMode(m SandboxMode) bool {
	switch m {
	case SandboxWorkspace, SandboxRelaxed, SandboxStrict:
		return true
	}
	return false
}

// SecurityConfig is a project's path-containment policy. AllowedExternalPaths
// are stored absolute and may use glob patterns.
type SecurityConfig struct {
	SandboxMode          SandboxMode `json:"sandboxMode"`
	AllowedExternalPaths []string    `json:"allowedExternalPaths"`
}

// AllowsPath reports whether the policy permits access to path given the
// project workspace root.
func (sc SecurityConfig) AllowsPath(workspace, path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	if isDescendant(workspace, abs) {
		return true
	}
	switch sc.SandboxMode {
	case SandboxRelaxed:
		return true
	case SandboxStrict:
		return false
	}
	slashAbs := filepath.ToSlash(abs)
	for _, allowed := range sc.AllowedExternalPaths {
		if isDescendant(allowed, abs) {
			return true
		}
		if ok, err := doublestar.Match(filepath.ToSlash(allowed), slashAbs); err == nil && ok {
			return true
		}
	}
	return false
}

// AgentConfig is one role's execution parameters within a project.
type AgentConfig struct {
	MaxParallel int           `json:"maxParallel"`
	Timeout     time.Duration `json:"timeout"` // 0 = unlimited
	Enabled     bool          `json:"enabled"`
	Provider    string        `json:"provider,omitempty"`
	Model       string        `json:"model,omitempty"`
}

// Project is one registered workspace under orchestration.
type Project struct {
	ID            string                  `json:"id"`
	Name          string                  `json:"name"`
	Slug          string                  `json:"slug"`
	Specification string                  `json:"specification"`
	OutputDir     string                  `json:"outputDir"`
	AnalysisPath  string                  `json:"analysisPath,omitempty"`
	AreaTaskFiles map[string]string       `json:"areaTaskFiles,omitempty"` // area → task file path
	Status        ProjectStatus           `json:"status"`
	Execution     ExecutionState          `json:"execution"`
	Agents        map[AgentRole]AgentConfig `json:"agents,omitempty"`
	Security      SecurityConfig          `json:"security"`
	CreatedAt     time.Time               `json:"createdAt"`
	UpdatedAt     time.Time               `json:"updatedAt"`
}

// NewProject registers a project in Prototype status.
func NewProject(name, specification, outputDir string) *Project {
	now := time.Now().UTC()
	return &Project{
		ID:            NewID(),
		Name:          name,
		Slug:          sanitizeSlug(name),
		Specification: specification,
		OutputDir:     outputDir,
		Status:        StatusPrototype,
		Execution:     ExecRunning,
		Security:      SecurityConfig{SandboxMode: SandboxWorkspace},
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// statusGraph lists the legal forward transitions.
var statusGraph = map[ProjectStatus][]ProjectStatus{
	StatusPrototype:             {StatusNew},
	StatusNew:                   {StatusWyrmAssigned},
	StatusWyrmAssigned:          {StatusAnalyzed, StatusSpecificationModified},
	StatusAnalyzed:              {StatusInProgress, StatusSpecificationModified},
	StatusSpecificationModified: {StatusWyrmAssigned},
	StatusInProgress:            {StatusCompleted, StatusFailed, StatusSpecificationModified},
	StatusCompleted:             {StatusSpecificationModified},
	StatusFailed:                {StatusSpecificationModified},
}

// CanTransition reports whether the status graph permits from → to.
func CanTransition(from, to ProjectStatus) bool {
	for _, next := range statusGraph[from] {
		if next == to {
			return true
		}
	}
	return false
}

// TransitionStatus moves the project along the status graph. Completing or
// failing a project requires it to be Running.
func (p *Project) TransitionStatus(to ProjectStatus) error {
	if !CanTransition(p.Status, to) {
		return &ErrConfig{Field: "status", Reason: fmt.Sprintf("illegal transition %s → %s", p.Status, to)}
	}
	if (to == StatusCompleted || to == StatusFailed) &&
		(p.Execution == ExecPaused || p.Execution == ExecSuspended) {
		return &ErrConfig{Field: "status", Reason: fmt.Sprintf("cannot reach %s while execution is %s", to, p.Execution)}
	}
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// Approve moves a Prototype to New and guarantees the output directory
// exists on disk.
func (p *Project) Approve() error {
	if p.Status != StatusPrototype {
		return &ErrConfig{Field: "status", Reason: fmt.Sprintf("approve requires Prototype, have %s", p.Status)}
	}
	if err := os.MkdirAll(p.OutputDir, 0o755); err != nil {
		return &ErrPersistence{Op: "create output dir", Path: p.OutputDir, Err: err}
	}
	return p.TransitionStatus(StatusNew)
}

// MarkSpecificationModified records a spec change after analysis has begun.
// A Prototype or New project has nothing to invalidate.
func (p *Project) MarkSpecificationModified() error {
	if p.Status == StatusPrototype || p.Status == StatusNew {
		return nil
	}
	return p.TransitionStatus(StatusSpecificationModified)
}

// SetExecutionState applies a run-control change. Cancelled is terminal;
// Suspended may only return to Running.
func (p *Project) SetExecutionState(to ExecutionState) error {
	if p.Execution == to {
		return nil
	}
	if p.Execution == ExecCancelled {
		return &ErrConfig{Field: "execution", Reason: "project is cancelled"}
	}
	switch to {
	case ExecRunning:
		// Resume from Paused or Suspended.
	case ExecPaused, ExecSuspended, ExecCancelled:
		if p.Execution != ExecRunning {
			return &ErrConfig{Field: "execution", Reason: fmt.Sprintf("illegal transition %s → %s", p.Execution, to)}
		}
	default:
		return &ErrConfig{Field: "execution", Reason: fmt.Sprintf("unknown state %q", to)}
	}
	p.Execution = to
	p.UpdatedAt = time.Now().UTC()
	return nil
}

// AgentConfigFor returns the role's config, falling back to defaults.
func (p *Project) AgentConfigFor(role AgentRole, defaults AgentConfig) AgentConfig {
	if cfg, ok := p.Agents[role]; ok {
		if cfg.MaxParallel <= 0 {
			cfg.MaxParallel = defaults.MaxParallel
		}
		if cfg.Provider == "" {
			cfg.Provider = defaults.Provider
		}
		if cfg.Model == "" {
			cfg.Model = defaults.Model
		}
		return cfg
	}
	return defaults
}

// ProviderFor returns the provider name configured for the role, or the
// process default.
func (p *Project) ProviderFor(role AgentRole, defaultProvider string) string {
	if cfg, ok := p.Agents[role]; ok && cfg.Provider != "" {
		return strings.ToLower(cfg.Provider)
	}
	return strings.ToLower(defaultProvider)
}
