package kobold

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

// schedulerFixture wires a scheduler over a temp registry with one running
// project.
type schedulerFixture struct {
	sched    *Scheduler
	registry *ProjectRegistry
	plans    *PlanStore
	planning *PlanningService
	breaker  *CircuitBreaker
	project  *Project
	dir      string
}

func newSchedulerFixture(t *testing.T, factory RuntimeFactory) *schedulerFixture {
	t.Helper()
	dir := t.TempDir()
	registry := NewProjectRegistry(dir)
	plans := NewPlanStore(registry)
	planning := NewPlanningService(registry, plans)
	breaker := NewCircuitBreaker(FailureThreshold(1))

	project := NewProject("demo", filepath.Join(dir, "spec.md"), filepath.Join(dir, "output"))
	if err := registry.Add(project); err != nil {
		t.Fatal(err)
	}

	sched := NewScheduler(registry, planning, plans, breaker, factory,
		SchedulerDefaults(map[AgentRole]AgentConfig{
			RoleKobold: {MaxParallel: 2, Enabled: true},
		}, "anthropic"),
	)
	return &schedulerFixture{sched: sched, registry: registry, plans: plans, planning: planning, breaker: breaker, project: project, dir: dir}
}

func scriptedFactory(responses ...Response) RuntimeFactory {
	return func(_ *Project, _ AgentRole, _ ProgressFunc) (*Runtime, error) {
		provider := &scriptedProvider{name: "anthropic", responses: responses}
		return NewRuntime(provider, nil, AgentOptions{}), nil
	}
}

// delayProvider pauses before answering so sibling steps of a wave overlap
// in flight.
type delayProvider struct {
	scriptedProvider
	delay time.Duration
}

func (p *delayProvider) SendMessage(ctx context.Context, conversation []Message, tools []ToolDefinition, systemPrompt string) (Response, error) {
	time.Sleep(p.delay)
	return p.scriptedProvider.SendMessage(ctx, conversation, tools, systemPrompt)
}

func delayedFactory(delay time.Duration, responses ...Response) RuntimeFactory {
	return func(_ *Project, _ AgentRole, _ ProgressFunc) (*Runtime, error) {
		provider := &delayProvider{
			scriptedProvider: scriptedProvider{name: "anthropic", responses: responses},
			delay:            delay,
		}
		return NewRuntime(provider, nil, AgentOptions{}), nil
	}
}

// blockingProvider signals when a call starts, then waits for cancellation.
type blockingProvider struct {
	name    string
	started chan struct{}
}

func (p *blockingProvider) Name() string { return p.name }

func (p *blockingProvider) SendMessage(ctx context.Context, _ []Message, _ []ToolDefinition, _ string) (Response, error) {
	select {
	case p.started <- struct{}{}:
	default:
	}
	<-ctx.Done()
	return Response{}, ctx.Err()
}

func TestAdmitCapacity(t *testing.T) {
	f := newSchedulerFixture(t, scriptedFactory(endTurnResp("ok")))

	rel1, err := f.sched.Admit(f.project, RoleKobold)
	if err != nil {
		t.Fatalf("first admit: %v", err)
	}
	rel2, err := f.sched.Admit(f.project, RoleKobold)
	if err != nil {
		t.Fatalf("second admit: %v", err)
	}
	if got := f.sched.ActiveCount(f.project.ID, RoleKobold); got != 2 {
		t.Errorf("active = %d, want 2", got)
	}

	var deferred *ErrDeferred
	if _, err := f.sched.Admit(f.project, RoleKobold); !errors.As(err, &deferred) {
		t.Fatalf("third admit should defer, got %v", err)
	}

	rel1()
	if _, err := f.sched.Admit(f.project, RoleKobold); err != nil {
		t.Errorf("admit after release: %v", err)
	}
	rel2()
}

func TestAdmitRefusesOpenCircuit(t *testing.T) {
	f := newSchedulerFixture(t, scriptedFactory(endTurnResp("ok")))
	f.breaker.RecordFailure("anthropic")

	var deferred *ErrDeferred
	_, err := f.sched.Admit(f.project, RoleKobold)
	if !errors.As(err, &deferred) {
		t.Fatalf("want ErrDeferred, got %v", err)
	}
	// The reserved slot must be released on refusal.
	if got := f.sched.ActiveCount(f.project.ID, RoleKobold); got != 0 {
		t.Errorf("active = %d, want 0", got)
	}
}

func TestAdmitRefusesNonRunningProject(t *testing.T) {
	f := newSchedulerFixture(t, scriptedFactory(endTurnResp("ok")))
	if err := f.project.SetExecutionState(ExecPaused); err != nil {
		t.Fatal(err)
	}

	var deferred *ErrDeferred
	if _, err := f.sched.Admit(f.project, RoleKobold); !errors.As(err, &deferred) {
		t.Fatalf("paused project should defer, got %v", err)
	}
}

func TestExecuteTaskHappyPath(t *testing.T) {
	f := newSchedulerFixture(t, scriptedFactory(endTurnResp("step complete")))

	plan := NewPlan("task-1", f.project.ID, "two independent files")
	plan.Steps = []*Step{
		step(1, "write a", []string{"a.go"}, nil),
		step(2, "write b", []string{"b.go"}, nil),
	}
	statePath := filepath.Join(f.dir, "task-1.json")

	if err := f.sched.ExecuteTask(context.Background(), f.project, plan, statePath); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}

	state, err := LoadTaskState(statePath)
	if err != nil {
		t.Fatal(err)
	}
	if state.Status != TaskCompleted {
		t.Errorf("task status = %s, want Completed", state.Status)
	}
	if NewTaskWAL(statePath).HasUncommittedChanges() {
		t.Error("wal should be checkpointed")
	}

	saved, err := f.plans.Load(f.project.ID, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if saved.Status != PlanCompleted {
		t.Errorf("plan status = %s, want Completed", saved.Status)
	}
	if saved.CurrentStepIndex != 2 {
		t.Errorf("current step index = %d, want 2", saved.CurrentStepIndex)
	}
	for _, st := range saved.Steps {
		if st.Status != StepCompleted {
			t.Errorf("step %d status = %s", st.Index, st.Status)
		}
		if st.Output != "step complete" {
			t.Errorf("step %d output = %q", st.Index, st.Output)
		}
	}

	// The agent slot and planning registration are released.
	if got := f.sched.ActiveCount(f.project.ID, RoleKobold); got != 0 {
		t.Errorf("active = %d after completion", got)
	}
	if got := len(f.planning.GetActiveAgents(f.project.ID)); got != 0 {
		t.Errorf("planning still tracks %d agents", got)
	}
}

func TestExecuteTaskStepFailureFailsPlan(t *testing.T) {
	f := newSchedulerFixture(t, scriptedFactory(Response{StopReason: StopError, ErrorMessage: "model unraveled"}))

	plan := NewPlan("task-1", f.project.ID, "doomed")
	plan.Steps = []*Step{step(1, "only step", []string{"a.go"}, nil)}
	statePath := filepath.Join(f.dir, "task-1.json")

	err := f.sched.ExecuteTask(context.Background(), f.project, plan, statePath)
	if err == nil {
		t.Fatal("want error")
	}

	state, loadErr := LoadTaskState(statePath)
	if loadErr != nil {
		t.Fatal(loadErr)
	}
	if state.Status != TaskFailed {
		t.Errorf("task status = %s, want Failed", state.Status)
	}
	if state.ErrorMessage == "" {
		t.Error("task error message should be recorded")
	}

	saved, loadErr := f.plans.Load(f.project.ID, "task-1")
	if loadErr != nil {
		t.Fatal(loadErr)
	}
	if saved.Status != PlanFailed {
		t.Errorf("plan status = %s, want Failed", saved.Status)
	}
	if saved.Steps[0].Status != StepFailed {
		t.Errorf("step status = %s, want Failed", saved.Steps[0].Status)
	}

	// Failure counted in the planning context.
	pc := f.planning.GetProjectContext(f.project.ID)
	if pc.FailedTasksCount != 1 {
		t.Errorf("failed tasks = %d, want 1", pc.FailedTasksCount)
	}
}

func TestExecuteTaskNotConfiguredPausesProject(t *testing.T) {
	f := newSchedulerFixture(t, scriptedFactory(Response{StopReason: StopNotConfigured}))

	plan := NewPlan("task-1", f.project.ID, "needs provider")
	plan.Steps = []*Step{step(1, "only step", []string{"a.go"}, nil)}
	statePath := filepath.Join(f.dir, "task-1.json")

	err := f.sched.ExecuteTask(context.Background(), f.project, plan, statePath)
	if err == nil {
		t.Fatal("want error")
	}

	stored, getErr := f.registry.Get(f.project.ID)
	if getErr != nil {
		t.Fatal(getErr)
	}
	if stored.Execution != ExecPaused {
		t.Errorf("project execution = %s, want Paused", stored.Execution)
	}
}

func TestExecuteTaskSkipsCompletedSteps(t *testing.T) {
	f := newSchedulerFixture(t, scriptedFactory(endTurnResp("ran")))

	plan := NewPlan("task-1", f.project.ID, "resume work")
	plan.Steps = []*Step{
		step(1, "already done", []string{"a.go"}, nil),
		step(2, "still pending", []string{"b.go"}, nil),
	}
	plan.Steps[0].Status = StepCompleted
	statePath := filepath.Join(f.dir, "task-1.json")

	if err := f.sched.ExecuteTask(context.Background(), f.project, plan, statePath); err != nil {
		t.Fatal(err)
	}
	if plan.Steps[0].Output != "" {
		t.Error("completed step must not re-run")
	}
	if plan.Steps[1].Status != StepCompleted || plan.Steps[1].Output != "ran" {
		t.Errorf("pending step should run: %+v", plan.Steps[1])
	}
}

func TestExecuteTaskDefersOnFileInUse(t *testing.T) {
	f := newSchedulerFixture(t, scriptedFactory(endTurnResp("ok")))

	// Another agent's current step holds shared.go.
	other := NewPlan("task-other", f.project.ID, "holds the file")
	other.Steps = []*Step{step(1, "busy", nil, []string{"shared.go"})}
	if err := f.plans.Save(other); err != nil {
		t.Fatal(err)
	}
	f.planning.RegisterAgent("agent-other", f.project.ID, "task-other", "kobold")
	defer f.planning.UnregisterAgent("agent-other", true, "")

	plan := NewPlan("task-1", f.project.ID, "wants the file")
	plan.Steps = []*Step{step(1, "contender", nil, []string{"shared.go"})}
	statePath := filepath.Join(f.dir, "task-1.json")

	err := f.sched.ExecuteTask(context.Background(), f.project, plan, statePath)
	var deferred *ErrDeferred
	if !errors.As(err, &deferred) {
		t.Fatalf("want ErrDeferred while file is in use, got %v", err)
	}

	// A deferral is re-admittable, never terminal.
	saved, loadErr := f.plans.Load(f.project.ID, "task-1")
	if loadErr != nil {
		t.Fatal(loadErr)
	}
	if saved.Status != PlanReady {
		t.Errorf("plan status = %s, want Ready", saved.Status)
	}
	if saved.Steps[0].Status == StepCompleted {
		t.Error("blocked step must not run")
	}
	state, loadErr := LoadTaskState(statePath)
	if loadErr != nil {
		t.Fatal(loadErr)
	}
	if state.Status != TaskPending {
		t.Errorf("task status = %s, want Pending", state.Status)
	}
	pc := f.planning.GetProjectContext(f.project.ID)
	if pc.FailedTasksCount != 0 {
		t.Errorf("failed tasks = %d, want 0", pc.FailedTasksCount)
	}
	if len(pc.Insights) != 0 {
		t.Errorf("insights = %d, want 0 (deferral records no outcome)", len(pc.Insights))
	}

	// With the holder gone the same task admits cleanly.
	f.planning.UnregisterAgent("agent-other", true, "")
	if err := f.sched.ExecuteTask(context.Background(), f.project, plan, statePath); err != nil {
		t.Fatalf("retry after deferral: %v", err)
	}
}

func TestExecuteTaskConcurrentWaveSteps(t *testing.T) {
	f := newSchedulerFixture(t, delayedFactory(10*time.Millisecond, endTurnResp("done")))

	plan := NewPlan("task-1", f.project.ID, "wide fanout")
	for i := 1; i <= 8; i++ {
		plan.Steps = append(plan.Steps, step(i, fmt.Sprintf("write file %d", i), []string{fmt.Sprintf("f%d.go", i)}, nil))
	}
	statePath := filepath.Join(f.dir, "task-1.json")

	if err := f.sched.ExecuteTask(context.Background(), f.project, plan, statePath); err != nil {
		t.Fatalf("ExecuteTask: %v", err)
	}

	saved, err := f.plans.Load(f.project.ID, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if saved.Status != PlanCompleted {
		t.Errorf("plan status = %s, want Completed", saved.Status)
	}
	if saved.CurrentStepIndex != 8 {
		t.Errorf("current step index = %d, want 8", saved.CurrentStepIndex)
	}
	for _, st := range saved.Steps {
		if st.Status != StepCompleted {
			t.Errorf("step %d status = %s", st.Index, st.Status)
		}
	}
	// Every step's lifecycle made it into the log despite concurrent writers.
	log := strings.Join(saved.ExecutionLog, "\n")
	for i := 1; i <= 8; i++ {
		if !strings.Contains(log, fmt.Sprintf("step %d started", i)) {
			t.Errorf("log missing start of step %d", i)
		}
		if !strings.Contains(log, fmt.Sprintf("step %d completed", i)) {
			t.Errorf("log missing completion of step %d", i)
		}
	}
}

func TestCancelTaskStopsRunningAgents(t *testing.T) {
	started := make(chan struct{}, 1)
	factory := func(_ *Project, _ AgentRole, _ ProgressFunc) (*Runtime, error) {
		return NewRuntime(&blockingProvider{name: "anthropic", started: started}, nil, AgentOptions{}), nil
	}
	f := newSchedulerFixture(t, factory)

	plan := NewPlan("task-1", f.project.ID, "long running")
	plan.Steps = []*Step{step(1, "stuck", []string{"a.go"}, nil)}
	statePath := filepath.Join(f.dir, "task-1.json")

	errs := make(chan error, 1)
	go func() { errs <- f.sched.ExecuteTask(context.Background(), f.project, plan, statePath) }()

	<-started
	cancelled := 0
	for i := 0; i < 200 && cancelled == 0; i++ {
		cancelled = f.sched.CancelTask("task-1")
		if cancelled == 0 {
			time.Sleep(5 * time.Millisecond)
		}
	}
	if cancelled == 0 {
		t.Fatal("no tracked agent found to cancel")
	}

	if err := <-errs; err == nil {
		t.Fatal("cancelled task should fail")
	}
	saved, err := f.plans.Load(f.project.ID, "task-1")
	if err != nil {
		t.Fatal(err)
	}
	if saved.Steps[0].Status != StepFailed {
		t.Errorf("step status = %s, want Failed", saved.Steps[0].Status)
	}
	if got := f.sched.ActiveCount(f.project.ID, RoleKobold); got != 0 {
		t.Errorf("active = %d after cancellation", got)
	}
	// Nothing left to cancel once the run is gone.
	if got := f.sched.CancelTask("task-1"); got != 0 {
		t.Errorf("CancelTask after completion = %d, want 0", got)
	}
}

func TestExecuteTaskInvalidPlan(t *testing.T) {
	f := newSchedulerFixture(t, scriptedFactory(endTurnResp("ok")))

	plan := NewPlan("task-1", f.project.ID, "broken plan")
	plan.Steps = []*Step{step(1, "s", []string{"a.go"}, []string{"a.go"})}
	statePath := filepath.Join(f.dir, "task-1.json")

	err := f.sched.ExecuteTask(context.Background(), f.project, plan, statePath)
	var cfgErr *ErrConfig
	if !errors.As(err, &cfgErr) {
		t.Fatalf("want ErrConfig from validation, got %v", err)
	}
}

func TestPendingAreaTasksAcrossFiles(t *testing.T) {
	f := newSchedulerFixture(t, scriptedFactory(endTurnResp("ok")))

	frontendTasks := filepath.Join(f.dir, "frontend-tasks.md")
	writeTestFile(t, frontendTasks, `# Frontend

- [ ] build login page
- [x] scaffold project
`)
	backendTasks := filepath.Join(f.dir, "backend-tasks.md")
	writeTestFile(t, backendTasks, `- [ ] add migrations
`)
	f.project.AreaTaskFiles = map[string]string{
		"frontend": frontendTasks,
		"backend":  backendTasks,
	}

	pending := f.sched.PendingAreaTasks(f.project)
	if len(pending) != 2 {
		t.Fatalf("pending = %+v, want 2", pending)
	}
	byDesc := map[string]string{}
	for _, p := range pending {
		byDesc[p.Description] = p.Area
	}
	if byDesc["build login page"] != "Frontend" {
		t.Errorf("login task area = %q, want Frontend (from heading)", byDesc["build login page"])
	}
	if byDesc["add migrations"] != "backend" {
		t.Errorf("migrations task area = %q, want backend (map key fallback)", byDesc["add migrations"])
	}
}
