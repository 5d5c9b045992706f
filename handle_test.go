package kobold

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestSpawnCompletes(t *testing.T) {
	h := Spawn(context.Background(), "task-1", RoleKobold, func(ctx context.Context) (RunResult, error) {
		return RunResult{Iterations: 3}, nil
	})
	if h.ID() == "" || h.TaskID() != "task-1" || h.Role() != RoleKobold {
		t.Errorf("handle identity: id=%q task=%q role=%s", h.ID(), h.TaskID(), h.Role())
	}

	result, err := h.Await(context.Background())
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if result.Iterations != 3 {
		t.Errorf("iterations = %d", result.Iterations)
	}
	if got := h.State(); got != StateCompleted {
		t.Errorf("state = %s, want completed", got)
	}
}

func TestSpawnFailure(t *testing.T) {
	boom := errors.New("boom")
	h := Spawn(context.Background(), "task-1", RoleKobold, func(ctx context.Context) (RunResult, error) {
		return RunResult{}, boom
	})

	_, err := h.Await(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v", err)
	}
	if got := h.State(); got != StateFailed {
		t.Errorf("state = %s", got)
	}
}

func TestSpawnCancel(t *testing.T) {
	started := make(chan struct{})
	h := Spawn(context.Background(), "task-1", RoleKobold, func(ctx context.Context) (RunResult, error) {
		close(started)
		<-ctx.Done()
		return RunResult{}, ctx.Err()
	})
	<-started
	h.Cancel()

	_, err := h.Await(context.Background())
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if got := h.State(); got != StateCancelled {
		t.Errorf("state = %s, want cancelled", got)
	}
}

func TestSpawnParentContextCancels(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	h := Spawn(ctx, "task-1", RoleKobold, func(ctx context.Context) (RunResult, error) {
		close(started)
		<-ctx.Done()
		return RunResult{}, ctx.Err()
	})
	<-started
	cancel()

	<-h.Done()
	if got := h.State(); got != StateCancelled {
		t.Errorf("state = %s, want cancelled", got)
	}
}

func TestSpawnPanicRecovery(t *testing.T) {
	h := Spawn(context.Background(), "task-1", RoleKobold, func(ctx context.Context) (RunResult, error) {
		panic("wild kobold appeared")
	})

	_, err := h.Await(context.Background())
	if err == nil || h.State() != StateFailed {
		t.Fatalf("panic should fail the run: err=%v state=%s", err, h.State())
	}
}

func TestResultBeforeCompletion(t *testing.T) {
	release := make(chan struct{})
	h := Spawn(context.Background(), "task-1", RoleKobold, func(ctx context.Context) (RunResult, error) {
		<-release
		return RunResult{Iterations: 1}, nil
	})

	if result, err := h.Result(); err != nil || result.Iterations != 0 {
		t.Errorf("early Result = %+v, %v", result, err)
	}
	close(release)
	<-h.Done()
	if result, err := h.Result(); err != nil || result.Iterations != 1 {
		t.Errorf("final Result = %+v, %v", result, err)
	}
}

func TestAwaitRespectsCallerContext(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := Spawn(context.Background(), "task-1", RoleKobold, func(ctx context.Context) (RunResult, error) {
		<-release
		return RunResult{}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := h.Await(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}
}

func TestAgentStateString(t *testing.T) {
	tests := []struct {
		state AgentState
		want  string
	}{
		{StatePending, "pending"},
		{StateRunning, "running"},
		{StateCompleted, "completed"},
		{StateFailed, "failed"},
		{StateCancelled, "cancelled"},
		{AgentState(99), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("%d.String() = %q", tt.state, got)
		}
	}
	if StateRunning.IsTerminal() {
		t.Error("running is not terminal")
	}
	if !StateCancelled.IsTerminal() {
		t.Error("cancelled is terminal")
	}
}
