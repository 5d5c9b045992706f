package kobold

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	// maxInsightsPerProject bounds stored insights, FIFO by timestamp.
	maxInsightsPerProject = 100
	// maxReflectionsPerTask bounds per-task reflection history.
	maxReflectionsPerTask = 50
	// maxCachedProjects bounds the in-memory project context cache (LRU).
	maxCachedProjects = 50
	// planningContextFile is the on-disk name under a project's output dir.
	planningContextFile = "planning-context.json"
	// relatedPlansLimit is how many related plans GetRelatedPlans returns.
	relatedPlansLimit = 5
)

// AgentPlanningContext tracks one live agent. Created on register, removed
// on unregister; never persisted.
type AgentPlanningContext struct {
	AgentID        string
	ProjectID      string
	TaskID         string
	AgentType      string
	StartedAt      time.Time
	LastActivityAt time.Time
	CompletedAt    *time.Time
	Success        *bool
	ErrorMessage   string
}

// FileMetadata accumulates what the system knows about one workspace file.
type FileMetadata struct {
	Path            string    `json:"path"`
	Purpose         string    `json:"purpose"`
	Category        string    `json:"category"`
	FirstCreated    time.Time `json:"firstCreated"`
	LastModified    time.Time `json:"lastModified"`
	CreatedByTasks  []string  `json:"createdByTasks"`
	ModifiedByTasks []string  `json:"modifiedByTasks"`
}

// PlanningInsight is the terminal record summarizing one finished task.
type PlanningInsight struct {
	InsightID       string    `json:"insightId"`
	ProjectID       string    `json:"projectId"`
	TaskID          string    `json:"taskId"`
	AgentType       string    `json:"agentType"`
	Timestamp       time.Time `json:"timestamp"`
	Success         bool      `json:"success"`
	DurationSeconds float64   `json:"durationSeconds"`
	StepCount       int       `json:"stepCount"`
	CompletedSteps  int       `json:"completedSteps"`
	TotalIterations int       `json:"totalIterations"`
	FilesCreated    int       `json:"filesCreated"`
	FilesModified   int       `json:"filesModified"`
	ErrorMessage    string    `json:"errorMessage,omitempty"`
}

// ReflectionSignal is a periodic self-report from a running agent.
type ReflectionSignal struct {
	Timestamp       time.Time `json:"timestamp"`
	ProgressPercent int       `json:"progressPercent"` // 0–100
	Confidence      int       `json:"confidence"`      // 0–100
	Decision        string    `json:"decision"`
	Narrative       string    `json:"narrative,omitempty"`
}

// ProjectPlanningContext is the per-project coordination state shared by all
// agents working on that project. Persisted to planning-context.json under
// the project output directory.
type ProjectPlanningContext struct {
	ProjectID           string                        `json:"projectId"`
	ActiveAgentCount    int                           `json:"activeAgentCount"`
	CompletedTasksCount int                           `json:"completedTasksCount"`
	FailedTasksCount    int                           `json:"failedTasksCount"`
	ActiveAgents        map[string]string             `json:"activeAgents"` // agentId → taskId
	Insights            []PlanningInsight             `json:"insights"`
	FileRegistry        map[string]*FileMetadata      `json:"fileRegistry"`
	ReflectionsByTask   map[string][]ReflectionSignal `json:"reflectionsByTask"`

	lastAccessedAt time.Time
}

func newProjectPlanningContext(projectID string) *ProjectPlanningContext {
	return &ProjectPlanningContext{
		ProjectID:         projectID,
		ActiveAgents:      make(map[string]string),
		FileRegistry:      make(map[string]*FileMetadata),
		ReflectionsByTask: make(map[string][]ReflectionSignal),
	}
}

// ProjectStatistics aggregates a project's insights.
type ProjectStatistics struct {
	ProjectID          string  `json:"projectId"`
	TotalTasks         int     `json:"totalTasks"`
	SuccessfulTasks    int     `json:"successfulTasks"`
	FailedTasks        int     `json:"failedTasks"`
	SuccessRate        float64 `json:"successRate"` // 0–1
	AvgDurationSeconds float64 `json:"avgDurationSeconds"`
	AvgIterations      float64 `json:"avgIterations"`
	TotalFilesCreated  int     `json:"totalFilesCreated"`
	TotalFilesModified int     `json:"totalFilesModified"`
	ActiveAgents       int     `json:"activeAgents"`
}

// RelatedPlan pairs a plan with its relevance to a file set.
type RelatedPlan struct {
	Plan         *Plan
	SharedFiles  []string
	Score        float64
}

// PlanningService coordinates concurrent agents per project: who is running,
// which files their current steps claim, and what past runs learned. Agent
// lookups ride a lock-free sync.Map; project contexts and persisted writes
// are serialized by service mutexes.
type PlanningService struct {
	resolver OutputResolver
	plans    *PlanStore
	logger   *slog.Logger

	agents sync.Map // agentID → *AgentPlanningContext

	mu       sync.Mutex // guards projects map and all context mutation
	projects map[string]*ProjectPlanningContext

	persistMu sync.Mutex // serializes planning-context.json writes
}

// PlanningOption configures a PlanningService.
type PlanningOption func(*PlanningService)

// PlanningLogger sets the structured logger.
func PlanningLogger(l *slog.Logger) PlanningOption {
	return func(s *PlanningService) { s.logger = l }
}

// NewPlanningService creates the shared planning context service.
func NewPlanningService(resolver OutputResolver, plans *PlanStore, opts ...PlanningOption) *PlanningService {
	s := &PlanningService{
		resolver: resolver,
		plans:    plans,
		logger:   nopLogger,
		projects: make(map[string]*ProjectPlanningContext),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// contextPath resolves the persisted context file for a project.
func (s *PlanningService) contextPath(projectID string) (string, error) {
	out, err := s.resolver.OutputDir(projectID)
	if err != nil {
		return "", err
	}
	return filepath.Join(out, planningContextFile), nil
}

// GetProjectContext returns the project's planning context, loading it from
// disk or creating it on first access. Touches the LRU clock.
func (s *PlanningService) GetProjectContext(projectID string) *ProjectPlanningContext {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.projectContextLocked(projectID)
}

// projectContextLocked is GetProjectContext with s.mu already held.
func (s *PlanningService) projectContextLocked(projectID string) *ProjectPlanningContext {
	if pc, ok := s.projects[projectID]; ok {
		pc.lastAccessedAt = time.Now()
		return pc
	}
	pc := s.loadContext(projectID)
	if pc == nil {
		pc = newProjectPlanningContext(projectID)
	}
	pc.lastAccessedAt = time.Now()
	s.projects[projectID] = pc
	s.evictLocked()
	return pc
}

// evictLocked drops least-recently-used contexts beyond the cache bound,
// persisting each before removal.
func (s *PlanningService) evictLocked() {
	for len(s.projects) > maxCachedProjects {
		var oldestID string
		var oldest time.Time
		for id, pc := range s.projects {
			if oldestID == "" || pc.lastAccessedAt.Before(oldest) {
				oldestID = id
				oldest = pc.lastAccessedAt
			}
		}
		if data := s.encodeContextLocked(s.projects[oldestID]); data != nil {
			s.writeContext(oldestID, data)
		}
		delete(s.projects, oldestID)
		s.logger.Info("evicted project planning context", "projectId", oldestID)
	}
}

// loadContext reads a persisted context, or nil when absent or unreadable.
func (s *PlanningService) loadContext(projectID string) *ProjectPlanningContext {
	path, err := s.contextPath(projectID)
	if err != nil {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.logger.Warn("planning context unreadable", "projectId", projectID, "error", err)
		}
		return nil
	}
	var pc ProjectPlanningContext
	if err := json.Unmarshal(data, &pc); err != nil {
		s.logger.Warn("planning context corrupt, starting fresh", "projectId", projectID, "error", err)
		return nil
	}
	if pc.ActiveAgents == nil {
		pc.ActiveAgents = make(map[string]string)
	}
	if pc.FileRegistry == nil {
		pc.FileRegistry = make(map[string]*FileMetadata)
	}
	if pc.ReflectionsByTask == nil {
		pc.ReflectionsByTask = make(map[string][]ReflectionSignal)
	}
	// Agents do not survive a restart; stale entries would pin their files
	// as in-use forever.
	pc.ActiveAgents = make(map[string]string)
	pc.ActiveAgentCount = 0
	return &pc
}

// persistContext writes the context to disk. The snapshot is taken under
// s.mu so a concurrent context mutation can never race the marshal; only
// the finished bytes go to the writer.
func (s *PlanningService) persistContext(pc *ProjectPlanningContext) {
	s.mu.Lock()
	data := s.encodeContextLocked(pc)
	s.mu.Unlock()
	if data == nil {
		return
	}
	s.writeContext(pc.ProjectID, data)
}

// encodeContextLocked marshals pc. Caller holds s.mu.
func (s *PlanningService) encodeContextLocked(pc *ProjectPlanningContext) []byte {
	data, err := json.MarshalIndent(pc, "", "  ")
	if err != nil {
		s.logger.Warn("planning context encode failed", "projectId", pc.ProjectID, "error", err)
		return nil
	}
	return data
}

// writeContext writes already-encoded context bytes under the persist mutex.
// Best effort: failures are logged and swallowed so coordination never
// blocks on a full disk.
func (s *PlanningService) writeContext(projectID string, data []byte) {
	path, err := s.contextPath(projectID)
	if err != nil {
		s.logger.Warn("cannot resolve planning context path", "projectId", projectID, "error", err)
		return
	}
	s.persistMu.Lock()
	defer s.persistMu.Unlock()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		s.logger.Warn("planning context persist failed", "projectId", projectID, "error", err)
		return
	}
	if err := writeFileAtomic(path, data); err != nil {
		s.logger.Warn("planning context persist failed", "projectId", projectID, "error", err)
	}
}

// RegisterAgent records a newly admitted agent against its project.
func (s *PlanningService) RegisterAgent(agentID, projectID, taskID, agentType string) {
	now := time.Now()
	ac := &AgentPlanningContext{
		AgentID:        agentID,
		ProjectID:      projectID,
		TaskID:         taskID,
		AgentType:      agentType,
		StartedAt:      now,
		LastActivityAt: now,
	}
	s.agents.Store(agentID, ac)

	s.mu.Lock()
	pc := s.projectContextLocked(projectID)
	pc.ActiveAgents[agentID] = taskID
	pc.ActiveAgentCount = len(pc.ActiveAgents)
	s.mu.Unlock()

	s.logger.Info("agent registered", "agentId", agentID, "projectId", projectID, "taskId", taskID, "agentType", agentType)
}

// UnregisterAgent removes a finished agent, records the terminal insight,
// updates the file registry from the plan's completed steps, and persists
// the project context.
func (s *PlanningService) UnregisterAgent(agentID string, success bool, errorMessage string) {
	v, ok := s.agents.LoadAndDelete(agentID)
	if !ok {
		return
	}
	ac := v.(*AgentPlanningContext)
	now := time.Now()
	ac.CompletedAt = &now
	ac.Success = &success
	ac.ErrorMessage = errorMessage

	plan, err := s.plans.Load(ac.ProjectID, ac.TaskID)
	if err != nil {
		plan = nil
	}

	s.mu.Lock()
	pc := s.projectContextLocked(ac.ProjectID)
	delete(pc.ActiveAgents, agentID)
	pc.ActiveAgentCount = len(pc.ActiveAgents)
	if success {
		pc.CompletedTasksCount++
	} else {
		pc.FailedTasksCount++
	}
	pc.Insights = append(pc.Insights, buildInsight(ac, plan, now, success, errorMessage))
	if excess := len(pc.Insights) - maxInsightsPerProject; excess > 0 {
		pc.Insights = pc.Insights[excess:]
	}
	if plan != nil {
		s.updateFileRegistryLocked(pc, plan, now)
	}
	s.mu.Unlock()

	s.persistContext(pc)
	s.logger.Info("agent unregistered", "agentId", agentID, "projectId", ac.ProjectID, "success", success)
}

// WithdrawAgent removes an agent whose run was deferred rather than
// finished: no insight is recorded and neither outcome counter moves, so a
// later re-admission starts from a clean slate.
func (s *PlanningService) WithdrawAgent(agentID string) {
	v, ok := s.agents.LoadAndDelete(agentID)
	if !ok {
		return
	}
	ac := v.(*AgentPlanningContext)

	s.mu.Lock()
	pc := s.projectContextLocked(ac.ProjectID)
	delete(pc.ActiveAgents, agentID)
	pc.ActiveAgentCount = len(pc.ActiveAgents)
	s.mu.Unlock()

	s.persistContext(pc)
	s.logger.Info("agent withdrawn", "agentId", agentID, "projectId", ac.ProjectID, "taskId", ac.TaskID)
}

// buildInsight summarizes a finished task from its agent context and plan.
func buildInsight(ac *AgentPlanningContext, plan *Plan, now time.Time, success bool, errorMessage string) PlanningInsight {
	insight := PlanningInsight{
		InsightID:       NewID(),
		ProjectID:       ac.ProjectID,
		TaskID:          ac.TaskID,
		AgentType:       ac.AgentType,
		Timestamp:       now,
		Success:         success,
		DurationSeconds: now.Sub(ac.StartedAt).Seconds(),
		ErrorMessage:    errorMessage,
	}
	if plan == nil {
		return insight
	}
	insight.StepCount = len(plan.Steps)
	insight.CompletedSteps = plan.CompletedStepsCount()
	for _, step := range plan.Steps {
		insight.TotalIterations += step.Metrics.IterationsUsed
		if step.Status == StepCompleted {
			insight.FilesCreated += len(step.FilesToCreate)
			insight.FilesModified += len(step.FilesToModify)
		}
	}
	return insight
}

// updateFileRegistryLocked folds a finished plan's completed steps into the
// project file registry.
func (s *PlanningService) updateFileRegistryLocked(pc *ProjectPlanningContext, plan *Plan, now time.Time) {
	for _, step := range plan.Steps {
		if step.Status != StepCompleted {
			continue
		}
		for _, f := range step.FilesToCreate {
			meta := pc.FileRegistry[f]
			if meta == nil {
				meta = &FileMetadata{
					Path:         f,
					Purpose:      generateFilePurpose(step, plan),
					Category:     inferFileCategory(f),
					FirstCreated: now,
				}
				pc.FileRegistry[f] = meta
			}
			meta.LastModified = now
			meta.CreatedByTasks = appendUnique(meta.CreatedByTasks, plan.TaskID)
		}
		for _, f := range step.FilesToModify {
			meta := pc.FileRegistry[f]
			if meta == nil {
				meta = &FileMetadata{
					Path:         f,
					Purpose:      generateFilePurpose(step, plan),
					Category:     inferFileCategory(f),
					FirstCreated: now,
				}
				pc.FileRegistry[f] = meta
			}
			meta.LastModified = now
			meta.ModifiedByTasks = appendUnique(meta.ModifiedByTasks, plan.TaskID)
		}
	}
}

// generateFilePurpose derives a short human description for a file from the
// step that produced it and the task it belongs to.
func generateFilePurpose(step *Step, plan *Plan) string {
	title := step.Title
	if title == "" {
		title = truncateStr(step.Description, 60)
	}
	return fmt.Sprintf("%s (%s)", title, truncateStr(plan.TaskDescription, 60))
}

// roleSuffixes maps file base-name suffixes to categories, checked against
// the name with its extension stripped.
var roleSuffixes = []struct{ suffix, category string }{
	{"service", "service"},
	{"controller", "controller"},
	{"repository", "repository"},
	{"factory", "factory"},
	{"handler", "handler"},
	{"provider", "provider"},
	{"model", "model"},
	{"test", "test"},
	{"spec", "test"},
}

// roleDirs maps directory segments to categories.
var roleDirs = map[string]string{
	"services":     "service",
	"controllers":  "controller",
	"repositories": "repository",
	"handlers":     "handler",
	"providers":    "provider",
	"models":       "model",
	"tests":        "test",
	"test":         "test",
	"config":       "config",
	"docs":         "documentation",
}

// inferFileCategory guesses a file's architectural role from its name suffix
// and path segments. Falls back to "source".
func inferFileCategory(path string) string {
	base := strings.ToLower(filepath.Base(path))
	if ext := filepath.Ext(base); ext != "" {
		base = strings.TrimSuffix(base, ext)
	}
	// _test and .spec conventions keep a separator before the suffix.
	base = strings.TrimSuffix(base, "_")
	for _, rs := range roleSuffixes {
		if strings.HasSuffix(base, rs.suffix) {
			return rs.category
		}
	}
	for _, seg := range strings.Split(filepath.ToSlash(strings.ToLower(path)), "/") {
		if cat, ok := roleDirs[seg]; ok {
			return cat
		}
	}
	return "source"
}

func appendUnique(list []string, v string) []string {
	for _, x := range list {
		if x == v {
			return list
		}
	}
	return append(list, v)
}

// UpdateAgentActivity refreshes the agent's last-activity timestamp.
func (s *PlanningService) UpdateAgentActivity(agentID string) {
	if v, ok := s.agents.Load(agentID); ok {
		v.(*AgentPlanningContext).LastActivityAt = time.Now()
	}
}

// GetActiveAgents returns the live agents working on a project.
func (s *PlanningService) GetActiveAgents(projectID string) []*AgentPlanningContext {
	var out []*AgentPlanningContext
	s.agents.Range(func(_, v any) bool {
		ac := v.(*AgentPlanningContext)
		if ac.ProjectID == projectID {
			out = append(out, ac)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// GetRelatedPlans finds stored plans (completed or in progress, excluding
// the current task) whose file sets overlap the given files. Results are the
// top five by score = 10·|overlap| + 1/(1+hoursSinceUpdate) — heavy overlap
// dominates, recency breaks ties.
func (s *PlanningService) GetRelatedPlans(projectID, currentTaskID string, files []string) []RelatedPlan {
	if len(files) == 0 {
		return nil
	}
	want := make(map[string]bool, len(files))
	for _, f := range files {
		want[f] = true
	}
	stored, err := s.plans.ListForProject(projectID)
	if err != nil {
		s.logger.Warn("related-plan scan failed", "projectId", projectID, "error", err)
		return nil
	}
	now := time.Now()
	var related []RelatedPlan
	for _, plan := range stored {
		if plan.TaskID == currentTaskID {
			continue
		}
		if plan.Status != PlanCompleted && plan.Status != PlanInProgress {
			continue
		}
		overlapSet := make(map[string]bool)
		for _, step := range plan.Steps {
			for _, f := range step.Files() {
				if want[f] {
					overlapSet[f] = true
				}
			}
		}
		if len(overlapSet) == 0 {
			continue
		}
		shared := make([]string, 0, len(overlapSet))
		for f := range overlapSet {
			shared = append(shared, f)
		}
		sort.Strings(shared)
		hours := now.Sub(plan.UpdatedAt).Hours()
		if hours < 0 {
			hours = 0
		}
		related = append(related, RelatedPlan{
			Plan:        plan,
			SharedFiles: shared,
			Score:       10*float64(len(overlapSet)) + 1/(1+hours),
		})
	}
	sort.Slice(related, func(i, j int) bool { return related[i].Score > related[j].Score })
	if len(related) > relatedPlansLimit {
		related = related[:relatedPlansLimit]
	}
	return related
}

// GetFilesInUse returns the union of the current-step file sets of every
// active agent on the project. Eventually consistent: admission checks this
// atomically but files are never globally locked.
func (s *PlanningService) GetFilesInUse(projectID string) []string {
	return s.FilesInUseExcluding(projectID, "")
}

// FilesInUseExcluding is GetFilesInUse without the files claimed by agents
// working on taskID, so a task's own steps never block themselves.
func (s *PlanningService) FilesInUseExcluding(projectID, taskID string) []string {
	set := make(map[string]bool)
	for _, ac := range s.GetActiveAgents(projectID) {
		if taskID != "" && ac.TaskID == taskID {
			continue
		}
		plan, err := s.plans.Load(ac.ProjectID, ac.TaskID)
		if err != nil {
			continue
		}
		if step := plan.CurrentStep(); step != nil {
			for _, f := range step.Files() {
				set[f] = true
			}
		}
	}
	files := make([]string, 0, len(set))
	for f := range set {
		files = append(files, f)
	}
	sort.Strings(files)
	return files
}

// IsFileInUse reports whether any active agent's current step claims path.
func (s *PlanningService) IsFileInUse(projectID, path string) bool {
	for _, f := range s.GetFilesInUse(projectID) {
		if f == path {
			return true
		}
	}
	return false
}

// RecordReflection appends a self-report for a task, dropping the oldest
// beyond the per-task bound, and persists the context.
func (s *PlanningService) RecordReflection(projectID, taskID string, reflection ReflectionSignal) {
	if reflection.Timestamp.IsZero() {
		reflection.Timestamp = time.Now()
	}
	s.mu.Lock()
	pc := s.projectContextLocked(projectID)
	list := append(pc.ReflectionsByTask[taskID], reflection)
	if excess := len(list) - maxReflectionsPerTask; excess > 0 {
		list = list[excess:]
	}
	pc.ReflectionsByTask[taskID] = list
	s.mu.Unlock()
	s.persistContext(pc)
}

// GetReflections returns the recorded reflections for a task, oldest first.
func (s *PlanningService) GetReflections(projectID, taskID string) []ReflectionSignal {
	s.mu.Lock()
	defer s.mu.Unlock()
	pc := s.projectContextLocked(projectID)
	out := make([]ReflectionSignal, len(pc.ReflectionsByTask[taskID]))
	copy(out, pc.ReflectionsByTask[taskID])
	return out
}

// GetProjectStatistics aggregates the project's insights.
func (s *PlanningService) GetProjectStatistics(projectID string) ProjectStatistics {
	s.mu.Lock()
	pc := s.projectContextLocked(projectID)
	insights := make([]PlanningInsight, len(pc.Insights))
	copy(insights, pc.Insights)
	active := pc.ActiveAgentCount
	s.mu.Unlock()

	stats := ProjectStatistics{ProjectID: projectID, ActiveAgents: active}
	var totalDuration, totalIterations float64
	for _, in := range insights {
		stats.TotalTasks++
		if in.Success {
			stats.SuccessfulTasks++
		} else {
			stats.FailedTasks++
		}
		totalDuration += in.DurationSeconds
		totalIterations += float64(in.TotalIterations)
		stats.TotalFilesCreated += in.FilesCreated
		stats.TotalFilesModified += in.FilesModified
	}
	if stats.TotalTasks > 0 {
		stats.SuccessRate = float64(stats.SuccessfulTasks) / float64(stats.TotalTasks)
		stats.AvgDurationSeconds = totalDuration / float64(stats.TotalTasks)
		stats.AvgIterations = totalIterations / float64(stats.TotalTasks)
	}
	return stats
}

// AgentTypeStats aggregates insight outcomes for one agent type across the
// cached projects.
type AgentTypeStats struct {
	AgentType       string  `json:"agentType"`
	TotalTasks      int     `json:"totalTasks"`
	SuccessfulTasks int     `json:"successfulTasks"`
	SuccessRate     float64 `json:"successRate"`
	AvgIterations   float64 `json:"avgIterations"`
}

// GetCrossProjectInsights aggregates outcomes per agent type across all
// cached project contexts.
func (s *PlanningService) GetCrossProjectInsights() []AgentTypeStats {
	s.mu.Lock()
	byType := make(map[string]*AgentTypeStats)
	iterations := make(map[string]float64)
	for _, pc := range s.projects {
		for _, in := range pc.Insights {
			st := byType[in.AgentType]
			if st == nil {
				st = &AgentTypeStats{AgentType: in.AgentType}
				byType[in.AgentType] = st
			}
			st.TotalTasks++
			if in.Success {
				st.SuccessfulTasks++
			}
			iterations[in.AgentType] += float64(in.TotalIterations)
		}
	}
	s.mu.Unlock()

	out := make([]AgentTypeStats, 0, len(byType))
	for t, st := range byType {
		st.SuccessRate = float64(st.SuccessfulTasks) / float64(st.TotalTasks)
		st.AvgIterations = iterations[t] / float64(st.TotalTasks)
		out = append(out, *st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentType < out[j].AgentType })
	return out
}

// GetBestPractices derives short guidance lines from cross-project history:
// which agent types reliably succeed and what step counts correlate with
// success. Returns nil when too little history exists to say anything.
func (s *PlanningService) GetBestPractices() []string {
	const minSample = 5
	var practices []string
	for _, st := range s.GetCrossProjectInsights() {
		if st.TotalTasks < minSample {
			continue
		}
		if st.SuccessRate >= 0.8 {
			practices = append(practices, fmt.Sprintf(
				"%s tasks succeed %.0f%% of the time (avg %.1f iterations); current task sizing works well",
				st.AgentType, st.SuccessRate*100, st.AvgIterations))
		} else if st.SuccessRate <= 0.4 {
			practices = append(practices, fmt.Sprintf(
				"%s tasks fail often (%.0f%% success); consider smaller steps or more context",
				st.AgentType, st.SuccessRate*100))
		}
	}

	s.mu.Lock()
	var successSteps, successCount, failSteps, failCount int
	for _, pc := range s.projects {
		for _, in := range pc.Insights {
			if in.StepCount == 0 {
				continue
			}
			if in.Success {
				successSteps += in.StepCount
				successCount++
			} else {
				failSteps += in.StepCount
				failCount++
			}
		}
	}
	s.mu.Unlock()
	if successCount >= minSample && failCount >= minSample {
		avgOK := float64(successSteps) / float64(successCount)
		avgFail := float64(failSteps) / float64(failCount)
		if avgFail > avgOK*1.5 {
			practices = append(practices, fmt.Sprintf(
				"failed tasks average %.1f steps vs %.1f for successes; prefer smaller plans", avgFail, avgOK))
		}
	}
	return practices
}

// Flush persists every cached project context. Call during shutdown.
func (s *PlanningService) Flush() {
	s.mu.Lock()
	contexts := make([]*ProjectPlanningContext, 0, len(s.projects))
	for _, pc := range s.projects {
		contexts = append(contexts, pc)
	}
	s.mu.Unlock()
	for _, pc := range contexts {
		s.persistContext(pc)
	}
}
