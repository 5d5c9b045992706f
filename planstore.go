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
	"time"
)

// plansDirName is the per-project directory holding plan artifacts.
const plansDirName = "kobold-plans"

// planIndexName maps task ids to plan filenames inside a plans directory.
const planIndexName = "plan-index.json"

// maxCheckpointMessages bounds a conversation checkpoint; older messages are
// dropped first.
const maxCheckpointMessages = 50

// ConversationCheckpoint is a trimmed conversation snapshot allowing an
// agent to resume a task after a restart.
type ConversationCheckpoint struct {
	TaskID    string    `json:"taskId"`
	ProjectID string    `json:"projectId"`
	StepIndex int       `json:"stepIndex"`
	SavedAt   time.Time `json:"savedAt"`
	Messages  []Message `json:"messages"`
}

// OutputResolver maps a project id to its output directory. The project
// registry implements this.
type OutputResolver interface {
	OutputDir(projectID string) (string, error)
}

// PlanStore persists plans under each project's output directory: a machine
// JSON file, a human markdown rendering, and an index mapping task ids to
// filenames. All index and file access for one project is serialized by a
// per-project mutex.
type PlanStore struct {
	resolver OutputResolver
	logger   *slog.Logger

	mu    sync.Mutex // guards locks map
	locks map[string]*sync.Mutex
}

// PlanStoreOption configures a PlanStore.
type PlanStoreOption func(*PlanStore)

// PlanStoreLogger sets the structured logger.
func PlanStoreLogger(l *slog.Logger) PlanStoreOption {
	return func(s *PlanStore) { s.logger = l }
}

// NewPlanStore creates a store resolving project directories through r.
func NewPlanStore(r OutputResolver, opts ...PlanStoreOption) *PlanStore {
	s := &PlanStore{
		resolver: r,
		logger:   nopLogger,
		locks:    make(map[string]*sync.Mutex),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// projectLock returns the mutex serializing access to one project's plans.
func (s *PlanStore) projectLock(projectID string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[projectID]
	if !ok {
		l = &sync.Mutex{}
		s.locks[projectID] = l
	}
	return l
}

// plansDir resolves the plans directory for a project.
func (s *PlanStore) plansDir(projectID string) (string, error) {
	out, err := s.resolver.OutputDir(projectID)
	if err != nil {
		return "", err
	}
	return filepath.Join(out, plansDirName), nil
}

// Save writes the plan's JSON and markdown files and updates the index. The
// plan's UpdatedAt is refreshed; its filename is assigned on first save and
// immutable afterwards.
func (s *PlanStore) Save(plan *Plan) error {
	if plan.PlanFilename == "" {
		plan.PlanFilename = GeneratePlanFilename(plan.TaskDescription, plan.TaskID)
	}
	dir, err := s.plansDir(plan.ProjectID)
	if err != nil {
		return err
	}
	lock := s.projectLock(plan.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &ErrPersistence{Op: "create plans dir", Path: dir, Err: err}
	}
	plan.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(plan, "", "  ")
	if err != nil {
		return &ErrPersistence{Op: "encode plan", Path: plan.PlanFilename, Err: err}
	}
	jsonPath := filepath.Join(dir, plan.PlanFilename+"-plan.json")
	if err := writeFileAtomic(jsonPath, data); err != nil {
		return err
	}
	mdPath := filepath.Join(dir, plan.PlanFilename+"-plan.md")
	if err := writeFileAtomic(mdPath, []byte(RenderPlanMarkdown(plan))); err != nil {
		return err
	}

	index, err := s.readIndex(dir)
	if err != nil {
		return err
	}
	index[plan.TaskID] = plan.PlanFilename
	return s.writeIndex(dir, index)
}

// Load reads a plan by project and task id. Returns fs.ErrNotExist (wrapped)
// when the task has no stored plan.
func (s *PlanStore) Load(projectID, taskID string) (*Plan, error) {
	dir, err := s.plansDir(projectID)
	if err != nil {
		return nil, err
	}
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	index, err := s.readIndex(dir)
	if err != nil {
		return nil, err
	}
	name, ok := index[taskID]
	if !ok {
		return nil, &ErrPersistence{Op: "load plan", Path: taskID, Err: fs.ErrNotExist}
	}
	return s.readPlanFile(filepath.Join(dir, name+"-plan.json"))
}

// Exists reports whether a plan is stored for the task.
func (s *PlanStore) Exists(projectID, taskID string) bool {
	dir, err := s.plansDir(projectID)
	if err != nil {
		return false
	}
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	index, err := s.readIndex(dir)
	if err != nil {
		return false
	}
	_, ok := index[taskID]
	return ok
}

// Delete removes the plan's files, its checkpoint, and its index entry.
func (s *PlanStore) Delete(projectID, taskID string) error {
	dir, err := s.plansDir(projectID)
	if err != nil {
		return err
	}
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	index, err := s.readIndex(dir)
	if err != nil {
		return err
	}
	name, ok := index[taskID]
	if !ok {
		return nil
	}
	for _, suffix := range []string{"-plan.json", "-plan.md", "-context.json"} {
		p := filepath.Join(dir, name+suffix)
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &ErrPersistence{Op: "delete plan", Path: p, Err: err}
		}
	}
	delete(index, taskID)
	return s.writeIndex(dir, index)
}

// ListForProject returns every stored plan for the project, newest first by
// UpdatedAt. Plans are discovered by filesystem scan so orphans missing from
// the index still appear. Unreadable files are skipped with a warning.
func (s *PlanStore) ListForProject(projectID string) ([]*Plan, error) {
	dir, err := s.plansDir(projectID)
	if err != nil {
		return nil, err
	}
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &ErrPersistence{Op: "list plans", Path: dir, Err: err}
	}
	var plans []*Plan
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), "-plan.json") {
			continue
		}
		plan, err := s.readPlanFile(filepath.Join(dir, e.Name()))
		if err != nil {
			s.logger.Warn("skipping unreadable plan file", "path", e.Name(), "error", err)
			continue
		}
		plans = append(plans, plan)
	}
	sort.Slice(plans, func(i, j int) bool {
		return plans[i].UpdatedAt.After(plans[j].UpdatedAt)
	})
	return plans, nil
}

// SaveConversationCheckpoint persists the plan's conversation, trimmed to
// the most recent maxCheckpointMessages messages in their original order.
func (s *PlanStore) SaveConversationCheckpoint(plan *Plan, messages []Message) error {
	dir, err := s.plansDir(plan.ProjectID)
	if err != nil {
		return err
	}
	lock := s.projectLock(plan.ProjectID)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return &ErrPersistence{Op: "create plans dir", Path: dir, Err: err}
	}
	trimmed := messages
	if len(trimmed) > maxCheckpointMessages {
		trimmed = trimmed[len(trimmed)-maxCheckpointMessages:]
	}
	cp := ConversationCheckpoint{
		TaskID:    plan.TaskID,
		ProjectID: plan.ProjectID,
		StepIndex: plan.CurrentStepIndex,
		SavedAt:   time.Now().UTC(),
		Messages:  trimmed,
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return &ErrPersistence{Op: "encode checkpoint", Path: plan.PlanFilename, Err: err}
	}
	return writeFileAtomic(filepath.Join(dir, plan.PlanFilename+"-context.json"), data)
}

// LoadConversationCheckpoint reads the stored checkpoint for a task, or nil
// when none exists.
func (s *PlanStore) LoadConversationCheckpoint(projectID, taskID string) (*ConversationCheckpoint, error) {
	dir, err := s.plansDir(projectID)
	if err != nil {
		return nil, err
	}
	lock := s.projectLock(projectID)
	lock.Lock()
	defer lock.Unlock()

	index, err := s.readIndex(dir)
	if err != nil {
		return nil, err
	}
	name, ok := index[taskID]
	if !ok {
		return nil, nil
	}
	path := filepath.Join(dir, name+"-context.json")
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &ErrPersistence{Op: "load checkpoint", Path: path, Err: err}
	}
	var cp ConversationCheckpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, &ErrPersistence{Op: "load checkpoint", Path: path, Err: err}
	}
	return &cp, nil
}

// RestoreConversation returns the checkpoint's messages ready to seed a
// resumed runtime conversation.
func RestoreConversation(cp *ConversationCheckpoint) []Message {
	if cp == nil {
		return nil
	}
	messages := make([]Message, len(cp.Messages))
	copy(messages, cp.Messages)
	return messages
}

// readPlanFile decodes one plan JSON file.
func (s *PlanStore) readPlanFile(path string) (*Plan, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ErrPersistence{Op: "load plan", Path: path, Err: err}
	}
	var plan Plan
	if err := json.Unmarshal(data, &plan); err != nil {
		return nil, &ErrPersistence{Op: "load plan", Path: path, Err: err}
	}
	return &plan, nil
}

// readIndex loads the task-id → filename index, empty when absent.
func (s *PlanStore) readIndex(dir string) (map[string]string, error) {
	path := filepath.Join(dir, planIndexName)
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return map[string]string{}, nil
		}
		return nil, &ErrPersistence{Op: "load plan index", Path: path, Err: err}
	}
	index := map[string]string{}
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, &ErrPersistence{Op: "load plan index", Path: path, Err: err}
	}
	return index, nil
}

// writeIndex saves the index atomically.
func (s *PlanStore) writeIndex(dir string, index map[string]string) error {
	data, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return &ErrPersistence{Op: "encode plan index", Path: dir, Err: err}
	}
	return writeFileAtomic(filepath.Join(dir, planIndexName), data)
}
