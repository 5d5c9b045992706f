package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	kobold "github.com/hoardworks/kobold"
	"github.com/hoardworks/kobold/internal/config"
	"github.com/hoardworks/kobold/observer"
)

const usage = `kobold - multi-agent project orchestrator

Usage:
  kobold project add <name> <spec-file> [output-dir]
  kobold project list
  kobold project approve <id>
  kobold project remove <id>
  kobold discover <path>
  kobold tasks <project-id>
  kobold plans <project-id>
  kobold plan <project-id> <task-id>
  kobold recover <state-file>
  kobold watch

Config is read from $KOBOLD_CONFIG (default ./kobold.toml), then KOBOLD_*
environment variables.
`

func main() {
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Load(os.Getenv("KOBOLD_CONFIG"))
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	app := newApp(cfg, logger)

	if err := app.dispatch(args); err != nil {
		fmt.Fprintf(os.Stderr, "kobold: %v\n", err)
		os.Exit(1)
	}
}

// app holds the wired component graph shared by all subcommands.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	registry *kobold.ProjectRegistry
	plans    *kobold.PlanStore
	planning *kobold.PlanningService
	breaker  *kobold.CircuitBreaker
	sched    *kobold.Scheduler
}

func newApp(cfg config.Config, logger *slog.Logger) *app {
	registry := kobold.NewProjectRegistry(cfg.Projects.Dir, kobold.RegistryLogger(logger))
	plans := kobold.NewPlanStore(registry, kobold.PlanStoreLogger(logger))
	planning := kobold.NewPlanningService(registry, plans, kobold.PlanningLogger(logger))

	breaker := kobold.NewCircuitBreaker(
		kobold.FailureThreshold(cfg.Breaker.FailureThreshold),
		kobold.OpenDuration(time.Duration(cfg.Breaker.OpenDurationMinutes)*time.Minute),
		kobold.ResetAfterSuccess(time.Duration(cfg.Breaker.ResetAfterSuccessMinutes)*time.Minute),
		kobold.BreakerLogger(logger),
	)

	// No provider HTTP client ships with the binary; embedders register
	// one through the library API. The factory surfaces NotConfigured so
	// affected projects pause instead of failing.
	factory := func(project *kobold.Project, role kobold.AgentRole, progress kobold.ProgressFunc) (*kobold.Runtime, error) {
		return nil, fmt.Errorf("agent %s: %w", role,
			&kobold.ErrNotConfigured{Provider: project.ProviderFor(role, cfg.LLM.Provider)})
	}

	schedOpts := []kobold.SchedulerOption{
		kobold.SchedulerLogger(logger),
		kobold.SchedulerDefaults(roleDefaults(cfg), cfg.LLM.Provider),
	}
	if cfg.Observer.Enabled {
		// Spans are no-ops until observer.Init installs the providers.
		schedOpts = append(schedOpts, kobold.SchedulerTracer(observer.NewTracer()))
	}
	sched := kobold.NewScheduler(registry, planning, plans, breaker, factory, schedOpts...)

	return &app{
		cfg:      cfg,
		logger:   logger,
		registry: registry,
		plans:    plans,
		planning: planning,
		breaker:  breaker,
		sched:    sched,
	}
}

// roleDefaults converts the process config into per-role scheduler defaults.
func roleDefaults(cfg config.Config) map[kobold.AgentRole]kobold.AgentConfig {
	toAgent := func(rc config.RoleConfig) kobold.AgentConfig {
		return kobold.AgentConfig{
			MaxParallel: rc.MaxParallel,
			Timeout:     time.Duration(rc.TimeoutSeconds) * time.Second,
			Enabled:     true,
			Provider:    rc.Provider,
			Model:       rc.Model,
		}
	}
	return map[kobold.AgentRole]kobold.AgentConfig{
		kobold.RoleWyrm:          toAgent(cfg.Agents.Wyrm),
		kobold.RoleWyvern:        toAgent(cfg.Agents.Wyvern),
		kobold.RoleDrake:         toAgent(cfg.Agents.Drake),
		kobold.RoleKoboldPlanner: toAgent(cfg.Agents.KoboldPlanner),
		kobold.RoleKobold:        toAgent(cfg.Agents.Kobold),
	}
}

func (a *app) dispatch(args []string) error {
	switch args[0] {
	case "project":
		if len(args) < 2 {
			return fmt.Errorf("project: missing subcommand")
		}
		return a.projectCmd(args[1], args[2:])
	case "discover":
		if len(args) < 2 {
			return fmt.Errorf("discover: missing path")
		}
		return a.discoverCmd(args[1])
	case "tasks":
		if len(args) < 2 {
			return fmt.Errorf("tasks: missing project id")
		}
		return a.tasksCmd(args[1])
	case "plans":
		if len(args) < 2 {
			return fmt.Errorf("plans: missing project id")
		}
		return a.plansCmd(args[1])
	case "plan":
		if len(args) < 3 {
			return fmt.Errorf("plan: need project id and task id")
		}
		return a.planCmd(args[1], args[2])
	case "recover":
		if len(args) < 2 {
			return fmt.Errorf("recover: missing state file")
		}
		return a.recoverCmd(args[1])
	case "watch":
		return a.watchCmd()
	default:
		flag.Usage()
		return fmt.Errorf("unknown command %q", args[0])
	}
}

func (a *app) projectCmd(sub string, args []string) error {
	switch sub {
	case "add":
		if len(args) < 2 {
			return fmt.Errorf("project add: need name and spec file")
		}
		name, specPath := args[0], args[1]
		abs, err := filepath.Abs(specPath)
		if err != nil {
			return err
		}
		if _, err := os.Stat(abs); err != nil {
			return fmt.Errorf("spec file: %w", err)
		}
		outputDir := filepath.Join(a.cfg.Projects.Dir, "output")
		if len(args) > 2 {
			if outputDir, err = filepath.Abs(args[2]); err != nil {
				return err
			}
		}
		p := kobold.NewProject(name, abs, outputDir)
		p.OutputDir = filepath.Join(outputDir, p.Slug)
		if err := a.registry.Add(p); err != nil {
			return err
		}
		fmt.Printf("added %s (%s) status=%s\n", p.Name, p.ID, p.Status)
		return nil

	case "list":
		projects, err := a.registry.List()
		if err != nil {
			return err
		}
		for _, p := range projects {
			fmt.Printf("%-36s  %-20s  %-24s  %s\n", p.ID, p.Name, p.Status, p.Execution)
		}
		return nil

	case "approve":
		p, err := a.registry.Get(args[0])
		if err != nil {
			return err
		}
		if err := p.Approve(); err != nil {
			return err
		}
		if err := a.registry.Update(p); err != nil {
			return err
		}
		fmt.Printf("approved %s status=%s\n", p.Name, p.Status)
		return nil

	case "remove":
		if err := a.registry.Remove(args[0]); err != nil {
			return err
		}
		fmt.Println("removed")
		return nil

	default:
		return fmt.Errorf("unknown project subcommand %q", sub)
	}
}

func (a *app) discoverCmd(path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	d := kobold.NewReferenceDiscoverer(a.logger)
	result, err := d.DiscoverReferences(abs)
	if err != nil {
		return err
	}
	fmt.Printf("type: %s\n", result.ProjectType)
	if result.PrimaryProjectFile != "" {
		fmt.Printf("primary: %s\n", result.PrimaryProjectFile)
	}
	for _, ref := range result.References {
		marker := " "
		if ref.IsExternal {
			marker = "*"
		}
		fmt.Printf("  %s %-30s %s\n", marker, ref.Name, ref.Path)
	}
	for _, dir := range result.ExternalDirectories {
		fmt.Printf("external dir: %s\n", dir)
	}
	return nil
}

func (a *app) tasksCmd(projectID string) error {
	p, err := a.registry.Get(projectID)
	if err != nil {
		return err
	}
	pending := a.sched.PendingAreaTasks(p)
	if len(pending) == 0 {
		fmt.Println("no pending tasks")
		return nil
	}
	for _, t := range pending {
		fmt.Printf("[%s] %s\n", t.Area, t.Description)
	}
	return nil
}

func (a *app) plansCmd(projectID string) error {
	plans, err := a.plans.ListForProject(projectID)
	if err != nil {
		return err
	}
	for _, pl := range plans {
		fmt.Printf("%-36s  %-12s  steps=%d  %s\n", pl.TaskID, pl.Status, len(pl.Steps), pl.TaskDescription)
	}
	return nil
}

func (a *app) planCmd(projectID, taskID string) error {
	pl, err := a.plans.Load(projectID, taskID)
	if err != nil {
		return err
	}
	fmt.Print(kobold.RenderPlanMarkdown(pl))
	return nil
}

func (a *app) recoverCmd(statePath string) error {
	abs, err := filepath.Abs(statePath)
	if err != nil {
		return err
	}
	state, err := kobold.RecoverTaskState(abs, kobold.WALLogger(a.logger))
	if err != nil {
		return err
	}
	fmt.Printf("task %s status=%s agent=%s\n", state.TaskID, state.Status, state.AssignedAgent)
	return nil
}

// watchCmd runs the spec watcher over every registered project until
// interrupted.
func (a *app) watchCmd() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if a.cfg.Observer.Enabled {
		_, shutdown, err := observer.Init(ctx)
		if err != nil {
			a.logger.Warn("observer init failed", "error", err)
		} else {
			defer func() {
				shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				if err := shutdown(shutCtx); err != nil {
					a.logger.Warn("observer shutdown", "error", err)
				}
			}()
		}
	}

	watcher, err := kobold.NewSpecWatcher(a.logger)
	if err != nil {
		return err
	}
	defer watcher.Close()

	projects, err := a.registry.List()
	if err != nil {
		return err
	}
	watched := 0
	for _, p := range projects {
		if p.Specification == "" {
			continue
		}
		if err := watcher.Watch(p.ID, p.Specification); err != nil {
			a.logger.Warn("watch failed", "project", p.Name, "error", err)
			continue
		}
		watched++
	}
	a.logger.Info("watching specifications", "projects", watched)

	go a.sched.WatchSpecifications(watcher.Events())
	watcher.Run(ctx)
	return nil
}
