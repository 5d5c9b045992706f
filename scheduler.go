package kobold

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sync"
	"time"
)

// Task statuses recorded through the WAL.
const (
	TaskPending    = "Pending"
	TaskInProgress = "InProgress"
	TaskCompleted  = "Completed"
	TaskFailed     = "Failed"
)

// RuntimeFactory builds a runtime for one admitted agent. The scheduler
// supplies the project and role so the factory can select provider, model,
// and tools.
type RuntimeFactory func(project *Project, role AgentRole, progress ProgressFunc) (*Runtime, error)

// Scheduler admits agents subject to per-project per-role capacity, provider
// circuit state, dependency waves, and file-in-use exclusion, then drives
// admitted plans to completion.
type Scheduler struct {
	registry        *ProjectRegistry
	planning        *PlanningService
	plans           *PlanStore
	breaker         *CircuitBreaker
	newRuntime      RuntimeFactory
	defaults        map[AgentRole]AgentConfig
	defaultProvider string
	logger          *slog.Logger
	tracer          Tracer

	mu      sync.Mutex
	active  map[string]map[AgentRole]int // projectID → role → running count
	handles map[string]*AgentHandle      // agentID → handle
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// SchedulerLogger sets the structured logger.
func SchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) { s.logger = l }
}

// SchedulerTracer enables tracing of admissions and wave execution.
func SchedulerTracer(t Tracer) SchedulerOption {
	return func(s *Scheduler) { s.tracer = t }
}

// SchedulerDefaults sets the process-wide per-role defaults projects fall
// back to.
func SchedulerDefaults(defaults map[AgentRole]AgentConfig, defaultProvider string) SchedulerOption {
	return func(s *Scheduler) {
		s.defaults = defaults
		s.defaultProvider = defaultProvider
	}
}

// NewScheduler wires the scheduler over its collaborators.
func NewScheduler(registry *ProjectRegistry, planning *PlanningService, plans *PlanStore, breaker *CircuitBreaker, factory RuntimeFactory, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		registry:        registry,
		planning:        planning,
		plans:           plans,
		breaker:         breaker,
		newRuntime:      factory,
		defaults:        map[AgentRole]AgentConfig{},
		defaultProvider: "anthropic",
		logger:          nopLogger,
		active:          map[string]map[AgentRole]int{},
		handles:         map[string]*AgentHandle{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// roleDefaults returns the process default config for a role, with a
// capacity floor of 1.
func (s *Scheduler) roleDefaults(role AgentRole) AgentConfig {
	cfg := s.defaults[role]
	if cfg.MaxParallel <= 0 {
		cfg.MaxParallel = 1
	}
	return cfg
}

// Admit checks the capacity and circuit admission rules in order and
// reserves a slot. The caller must release the slot with release() when the
// run ends. A failing rule yields *ErrDeferred.
func (s *Scheduler) Admit(project *Project, role AgentRole) (release func(), err error) {
	if project.Execution != ExecRunning {
		return nil, &ErrDeferred{Reason: fmt.Sprintf("project execution is %s", project.Execution)}
	}
	cfg := project.AgentConfigFor(role, s.roleDefaults(role))

	s.mu.Lock()
	byRole := s.active[project.ID]
	if byRole == nil {
		byRole = map[AgentRole]int{}
		s.active[project.ID] = byRole
	}
	if byRole[role] >= cfg.MaxParallel {
		count := byRole[role]
		s.mu.Unlock()
		return nil, &ErrDeferred{Reason: fmt.Sprintf("%s capacity reached (%d/%d)", role, count, cfg.MaxParallel)}
	}
	byRole[role]++
	s.mu.Unlock()

	undo := func() {
		s.mu.Lock()
		s.active[project.ID][role]--
		s.mu.Unlock()
	}

	provider := project.ProviderFor(role, s.defaultProvider)
	if !s.breaker.CanRetry(provider) {
		undo()
		return nil, &ErrDeferred{Reason: fmt.Sprintf("provider %s circuit is open", provider)}
	}
	return undo, nil
}

// ExecuteTask runs one task end to end: admit, open the WAL, register with
// the planning context, run the plan in dependency waves, and record the
// terminal transition. statePath is the task-state file whose sibling WAL
// guards the transitions.
func (s *Scheduler) ExecuteTask(ctx context.Context, project *Project, plan *Plan, statePath string) error {
	release, err := s.Admit(project, RoleKobold)
	if err != nil {
		return err
	}
	defer release()

	wal := NewTaskWAL(statePath, WALLogger(s.logger))
	state, err := s.openTaskState(wal, statePath, plan.TaskID)
	if err != nil {
		return err
	}

	agentID := NewID()
	s.planning.RegisterAgent(agentID, project.ID, plan.TaskID, string(RoleKobold))
	if err := RecordTransition(wal, statePath, state, TaskInProgress, agentID, ""); err != nil {
		s.planning.UnregisterAgent(agentID, false, err.Error())
		return err
	}

	runErr := s.executePlan(ctx, project, plan, agentID)

	var deferred *ErrDeferred
	if errors.As(runErr, &deferred) {
		// A deferral is re-admittable, not terminal: the task returns to
		// Pending, no insight is recorded, and the caller may retry.
		if err := RecordTransition(wal, statePath, state, TaskPending, agentID, ""); err != nil {
			s.logger.Error("deferral transition failed", "task_id", plan.TaskID, "error", err)
		}
		s.planning.WithdrawAgent(agentID)
		return runErr
	}

	newStatus := TaskCompleted
	errMsg := ""
	if runErr != nil {
		newStatus = TaskFailed
		errMsg = truncateStr(runErr.Error(), 500)
	}
	if err := RecordTransition(wal, statePath, state, newStatus, agentID, errMsg); err != nil {
		s.logger.Error("terminal transition failed", "task_id", plan.TaskID, "error", err)
	}
	s.planning.UnregisterAgent(agentID, runErr == nil, errMsg)
	return runErr
}

// openTaskState loads the task-state file, replaying any uncommitted WAL
// entries first. A missing file starts the task at Pending.
func (s *Scheduler) openTaskState(wal *TaskWAL, statePath, taskID string) (*TaskState, error) {
	if wal.HasUncommittedChanges() {
		return RecoverTaskState(statePath, WALLogger(s.logger))
	}
	state, err := LoadTaskState(statePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return &TaskState{TaskID: taskID, Status: TaskPending}, nil
		}
		return nil, err
	}
	return state, nil
}

// executePlan drives the plan's steps wave by wave. Steps within a wave run
// concurrently; a wave starts only when every step of the previous waves is
// Completed or Skipped.
func (s *Scheduler) executePlan(ctx context.Context, project *Project, plan *Plan, agentID string) error {
	plan.Normalize()
	if err := plan.Validate(); err != nil {
		return err
	}
	plan.Status = PlanInProgress
	plan.AppendLog("execution started by agent %s", agentID)
	if err := s.plans.Save(plan); err != nil {
		return err
	}

	// One lock per execution serializes plan mutation against the store's
	// marshal while a wave's steps run concurrently.
	var planMu sync.Mutex

	waves := AnalyzeDependencies(plan)
	for n, wave := range waves {
		if err := ctx.Err(); err != nil {
			return s.failPlan(plan, "cancelled")
		}

		waveCtx := ctx
		var span Span
		if s.tracer != nil {
			waveCtx, span = s.tracer.Start(ctx, "scheduler.wave",
				IntAttr("wave", n+1),
				IntAttr("steps", len(wave)))
		}

		err := s.executeWave(waveCtx, project, plan, wave, &planMu)
		if span != nil {
			if err != nil {
				span.Error(err)
			}
			span.End()
		}
		if err != nil {
			var deferred *ErrDeferred
			if errors.As(err, &deferred) {
				// Deferral is not failure: the plan stays re-admittable.
				plan.Status = PlanReady
				plan.AppendLog("execution deferred: %s", deferred.Reason)
				if saveErr := s.plans.Save(plan); saveErr != nil {
					s.logger.Error("plan save failed after deferral", "task_id", plan.TaskID, "error", saveErr)
				}
				return err
			}
			return s.failPlan(plan, err.Error())
		}
	}

	plan.Status = PlanCompleted
	plan.CurrentStepIndex = len(plan.Steps)
	plan.AppendLog("all %d steps completed", len(plan.Steps))
	return s.plans.Save(plan)
}

// executeWave runs one wave's steps concurrently, honoring the file-in-use
// exclusion for each step at start time.
func (s *Scheduler) executeWave(ctx context.Context, project *Project, plan *Plan, wave []*Step, planMu *sync.Mutex) error {
	type stepOutcome struct {
		step *Step
		err  error
	}
	// Check every step's file claims before starting any, so a deferral
	// never leaves sibling goroutines in flight.
	runnable := make([]*Step, 0, len(wave))
	for _, step := range wave {
		if step.Status == StepCompleted || step.Status == StepSkipped {
			continue
		}
		if blocked := s.fileInUse(project.ID, plan.TaskID, step); blocked != "" {
			// Another agent's current step claims this file; defer rather
			// than risk a concurrent write.
			return &ErrDeferred{Reason: fmt.Sprintf("step %d: file %s in use", step.Index, blocked)}
		}
		runnable = append(runnable, step)
	}

	outcomes := make(chan stepOutcome, len(runnable))
	for _, step := range runnable {
		go func(step *Step) {
			outcomes <- stepOutcome{step, s.executeStep(ctx, project, plan, step, planMu)}
		}(step)
	}

	var firstErr error
	for i := 0; i < len(runnable); i++ {
		out := <-outcomes
		if out.err != nil && firstErr == nil {
			firstErr = out.err
		}
	}
	return firstErr
}

// fileInUse returns the first of the step's files claimed by an agent on a
// different task, or "".
func (s *Scheduler) fileInUse(projectID, taskID string, step *Step) string {
	inUse := make(map[string]bool)
	for _, f := range s.planning.FilesInUseExcluding(projectID, taskID) {
		inUse[f] = true
	}
	for _, f := range step.Files() {
		if inUse[f] {
			return f
		}
	}
	return ""
}

// executeStep runs one step through a fresh runtime and folds the outcome
// back into the plan. Sibling steps of a wave run concurrently, so every
// plan or step mutation and every Save happens under planMu; the store's
// per-project lock only guards the file write, not the marshal of a plan a
// sibling goroutine is mutating.
func (s *Scheduler) executeStep(ctx context.Context, project *Project, plan *Plan, step *Step, planMu *sync.Mutex) error {
	now := time.Now().UTC()
	planMu.Lock()
	step.Status = StepInProgress
	step.StartedAt = &now
	plan.AppendLog("step %d started: %s", step.Index, step.Title)
	err := s.plans.Save(plan)
	planMu.Unlock()
	if err != nil {
		return err
	}

	cfg := project.AgentConfigFor(RoleKobold, s.roleDefaults(RoleKobold))
	runtime, err := s.newRuntime(project, RoleKobold, nil)
	if err != nil {
		return s.failStep(planMu, plan, step, err)
	}

	stepCtx := ctx
	if cfg.Timeout > 0 {
		var cancel context.CancelFunc
		stepCtx, cancel = context.WithTimeout(ctx, cfg.Timeout)
		defer cancel()
	}

	prompt := NewPromptBuilder(RoleKobold).
		WithWorkingDirectory(project.OutputDir).
		WithFileOperations().
		WithBestPractices().
		Build()
	task := stepTask(plan, step)

	handle := Spawn(stepCtx, plan.TaskID, RoleKobold, func(runCtx context.Context) (RunResult, error) {
		return runtime.Run(runCtx, task, prompt)
	}, SpawnLogger(s.logger))
	s.trackHandle(handle)
	result, runErr := handle.Await(stepCtx)
	s.untrackHandle(handle)

	planMu.Lock()
	step.Metrics.IterationsUsed += result.Iterations
	step.Metrics.TokensUsed += result.Usage.InputTokens + result.Usage.OutputTokens
	planMu.Unlock()
	if cpErr := s.plans.SaveConversationCheckpoint(plan, result.Conversation); cpErr != nil {
		s.logger.Warn("checkpoint save failed", "task_id", plan.TaskID, "error", cpErr)
	}

	if runErr != nil {
		if errors.Is(runErr, context.Canceled) {
			return s.failStep(planMu, plan, step, fmt.Errorf("cancelled"))
		}
		var notConfigured *ErrNotConfigured
		if errors.As(runErr, &notConfigured) {
			// Pause the project instead of failing it; the provider can be
			// configured and execution resumed.
			s.pauseProject(project, runErr.Error())
		}
		return s.failStep(planMu, plan, step, runErr)
	}

	done := time.Now().UTC()
	planMu.Lock()
	defer planMu.Unlock()
	step.Status = StepCompleted
	step.CompletedAt = &done
	if len(result.Conversation) > 0 {
		step.Output = result.Conversation[len(result.Conversation)-1].Content.ExtractText()
	}
	plan.AppendLog("step %d completed (%d iterations)", step.Index, result.Iterations)
	if step.Index > plan.CurrentStepIndex {
		plan.CurrentStepIndex = step.Index
	}
	return s.plans.Save(plan)
}

// stepTask renders the task text sent to the step's agent.
func stepTask(plan *Plan, step *Step) string {
	var b []byte
	b = fmt.Appendf(b, "Task: %s\n\nStep %d of %d: %s\n\n%s\n",
		plan.TaskDescription, step.Index, len(plan.Steps), step.Title, step.Description)
	if len(step.FilesToCreate) > 0 {
		b = fmt.Appendf(b, "\nFiles to create:\n")
		for _, f := range step.FilesToCreate {
			b = fmt.Appendf(b, "  - %s\n", f)
		}
	}
	if len(step.FilesToModify) > 0 {
		b = fmt.Appendf(b, "\nFiles to modify:\n")
		for _, f := range step.FilesToModify {
			b = fmt.Appendf(b, "  - %s\n", f)
		}
	}
	return string(b)
}

// failStep marks the step failed and persists the plan, preserving err.
func (s *Scheduler) failStep(planMu *sync.Mutex, plan *Plan, step *Step, err error) error {
	now := time.Now().UTC()
	planMu.Lock()
	defer planMu.Unlock()
	step.Status = StepFailed
	step.CompletedAt = &now
	plan.AppendLog("step %d failed: %s", step.Index, truncateStr(err.Error(), 200))
	if saveErr := s.plans.Save(plan); saveErr != nil {
		s.logger.Error("plan save failed after step failure", "task_id", plan.TaskID, "error", saveErr)
	}
	return err
}

// failPlan marks the plan failed with the given message and persists it.
func (s *Scheduler) failPlan(plan *Plan, message string) error {
	plan.Status = PlanFailed
	plan.ErrorMessage = truncateStr(message, 500)
	plan.AppendLog("plan failed: %s", plan.ErrorMessage)
	if err := s.plans.Save(plan); err != nil {
		s.logger.Error("plan save failed", "task_id", plan.TaskID, "error", err)
	}
	return fmt.Errorf("plan failed: %s", message)
}

// pauseProject moves the project to Paused and persists the change.
func (s *Scheduler) pauseProject(project *Project, reason string) {
	if err := project.SetExecutionState(ExecPaused); err != nil {
		s.logger.Warn("cannot pause project", "project_id", project.ID, "error", err)
		return
	}
	if err := s.registry.Update(project); err != nil {
		s.logger.Warn("project update failed", "project_id", project.ID, "error", err)
	}
	s.logger.Info("project paused", "project_id", project.ID, "reason", reason)
}

// WatchSpecifications consumes a SpecWatcher's events and moves affected
// projects to SpecificationModified. Blocks until the channel closes.
func (s *Scheduler) WatchSpecifications(events <-chan SpecChange) {
	for change := range events {
		project, err := s.registry.Get(change.ProjectID)
		if err != nil {
			s.logger.Warn("spec change for unknown project", "project_id", change.ProjectID)
			continue
		}
		if err := project.MarkSpecificationModified(); err != nil {
			s.logger.Warn("spec-change transition rejected", "project_id", project.ID, "error", err)
			continue
		}
		if err := s.registry.Update(project); err != nil {
			s.logger.Warn("project update failed", "project_id", project.ID, "error", err)
			continue
		}
		s.logger.Info("specification modified", "project_id", project.ID, "path", change.Path)
	}
}

// PendingAreaTasks enumerates unchecked tasks across the project's area
// task files. Unreadable files are skipped with a warning.
func (s *Scheduler) PendingAreaTasks(project *Project) []AreaTask {
	var pending []AreaTask
	for area, path := range project.AreaTaskFiles {
		tasks, err := ParseTaskFile(path)
		if err != nil {
			s.logger.Warn("task file unreadable", "project_id", project.ID, "area", area, "error", err)
			continue
		}
		for _, t := range PendingTasks(tasks) {
			if t.Area == "" {
				t.Area = area
			}
			pending = append(pending, t)
		}
	}
	return pending
}

// ActiveCount reports running agents for a project and role.
func (s *Scheduler) ActiveCount(projectID string, role AgentRole) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[projectID][role]
}

func (s *Scheduler) trackHandle(h *AgentHandle) {
	s.mu.Lock()
	s.handles[h.ID()] = h
	s.mu.Unlock()
}

func (s *Scheduler) untrackHandle(h *AgentHandle) {
	s.mu.Lock()
	delete(s.handles, h.ID())
	s.mu.Unlock()
}

// CancelTask cancels every running agent working on taskID and reports how
// many were signalled. The cancelled runs surface context.Canceled through
// their steps' normal failure path.
func (s *Scheduler) CancelTask(taskID string) int {
	s.mu.Lock()
	var targets []*AgentHandle
	for _, h := range s.handles {
		if h.TaskID() == taskID {
			targets = append(targets, h)
		}
	}
	s.mu.Unlock()
	for _, h := range targets {
		h.Cancel()
	}
	return len(targets)
}
