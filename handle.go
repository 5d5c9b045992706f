package kobold

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// AgentState is the execution state of a spawned agent run.
type AgentState int32

const (
	// StatePending means the run is spawned but not yet started.
	StatePending AgentState = iota
	// StateRunning means the runtime loop is in progress.
	StateRunning
	// StateCompleted means the run finished without error.
	StateCompleted
	// StateFailed means the run returned an error.
	StateFailed
	// StateCancelled means the run was cancelled via Cancel() or the
	// parent context.
	StateCancelled
)

// String returns the state name.
func (s AgentState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether the state is final.
func (s AgentState) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// RunFunc is the work a handle tracks: one runtime execution bound to its
// task and prompt.
type RunFunc func(ctx context.Context) (RunResult, error)

// SpawnOption configures a Spawn call.
type SpawnOption func(*spawnConfig)

type spawnConfig struct {
	logger *slog.Logger
}

// SpawnLogger sets the structured logger for lifecycle events.
func SpawnLogger(l *slog.Logger) SpawnOption {
	return func(c *spawnConfig) { c.logger = l }
}

// AgentHandle tracks one background agent run. All methods are safe for
// concurrent use; it is the scheduler's unit of tracking.
type AgentHandle struct {
	id     string
	taskID string
	role   AgentRole
	state  atomic.Int32
	result RunResult
	err    error
	done   chan struct{}
	cancel context.CancelFunc
}

// Spawn launches run in a background goroutine with panic recovery and
// returns immediately with a tracking handle. Cancelling the parent context
// cancels the run.
func Spawn(ctx context.Context, taskID string, role AgentRole, run RunFunc, opts ...SpawnOption) *AgentHandle {
	var cfg spawnConfig
	for _, opt := range opts {
		opt(&cfg)
	}
	logger := cfg.logger
	if logger == nil {
		logger = nopLogger
	}

	ctx, cancel := context.WithCancel(ctx)
	h := &AgentHandle{
		id:     NewID(),
		taskID: taskID,
		role:   role,
		done:   make(chan struct{}),
		cancel: cancel,
	}
	h.state.Store(int32(StatePending))

	logger.Info("agent spawned", "agent_id", h.id, "task_id", taskID, "role", string(role))

	go func() {
		defer cancel()
		defer func() {
			if p := recover(); p != nil {
				logger.Error("spawned agent panic", "agent_id", h.id, "task_id", taskID, "panic", fmt.Sprintf("%v", p))
				h.result = RunResult{}
				h.err = fmt.Errorf("agent panic: %v", p)
				h.state.Store(int32(StateFailed))
				close(h.done)
			}
		}()
		h.state.Store(int32(StateRunning))
		start := time.Now()
		result, err := run(ctx)

		// Write result/err before close(done). The close is the
		// happens-before barrier for all readers.
		h.result = result
		h.err = err
		switch {
		case ctx.Err() != nil && err != nil:
			h.state.Store(int32(StateCancelled))
			logger.Info("spawned agent cancelled", "agent_id", h.id, "task_id", taskID, "duration", time.Since(start))
		case err != nil:
			h.state.Store(int32(StateFailed))
			logger.Error("spawned agent failed", "agent_id", h.id, "task_id", taskID, "error", err, "duration", time.Since(start))
		default:
			h.state.Store(int32(StateCompleted))
			logger.Info("spawned agent completed", "agent_id", h.id, "task_id", taskID,
				"duration", time.Since(start),
				"iterations", result.Iterations,
				"tokens.input", result.Usage.InputTokens,
				"tokens.output", result.Usage.OutputTokens)
		}
		close(h.done)
	}()

	return h
}

// ID returns the unique agent identifier (UUIDv7, time-sortable).
func (h *AgentHandle) ID() string { return h.id }

// TaskID returns the task this run executes.
func (h *AgentHandle) TaskID() string { return h.taskID }

// Role returns the agent role this run was admitted under.
func (h *AgentHandle) Role() AgentRole { return h.role }

// State returns the current execution state. When the state is terminal,
// State waits for Done so Result is valid afterwards.
func (h *AgentHandle) State() AgentState {
	s := AgentState(h.state.Load())
	if s.IsTerminal() {
		<-h.done
	}
	return s
}

// Done returns a channel closed when the run reaches a terminal state.
func (h *AgentHandle) Done() <-chan struct{} { return h.done }

// Await blocks until the run completes or ctx is cancelled.
func (h *AgentHandle) Await(ctx context.Context) (RunResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return RunResult{}, ctx.Err()
	}
}

// Result returns the outcome. Only meaningful after Done is closed; before
// completion it returns a zero result and nil error.
func (h *AgentHandle) Result() (RunResult, error) {
	select {
	case <-h.done:
		return h.result, h.err
	default:
		return RunResult{}, nil
	}
}

// Cancel requests cancellation. Non-blocking; the run observes a cancelled
// context and the state becomes StateCancelled once it returns.
func (h *AgentHandle) Cancel() { h.cancel() }
