package kobold

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// WALEntry records one task state transition. Entries are self-contained:
// replaying them against a stale snapshot reconstructs the final state.
type WALEntry struct {
	Timestamp      time.Time `json:"timestamp"`
	TaskID         string    `json:"taskId"`
	PreviousStatus string    `json:"previousStatus"`
	NewStatus      string    `json:"newStatus"`
	AssignedAgent  string    `json:"assignedAgent,omitempty"`
	ErrorMessage   string    `json:"errorMessage,omitempty"`
}

// TaskState is the durable record a TaskWAL protects. One JSON file per task.
type TaskState struct {
	TaskID        string    `json:"taskId"`
	Status        string    `json:"status"`
	AssignedAgent string    `json:"assignedAgent,omitempty"`
	ErrorMessage  string    `json:"errorMessage,omitempty"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

// TaskWAL is an append-only log of state transitions for one task-state
// file. The log lives next to the state file with a .wal extension. Appends
// are flushed before returning, so a transition recorded here survives a
// crash that loses the state-file save.
type TaskWAL struct {
	path   string
	mu     sync.Mutex
	logger *slog.Logger
}

// WALOption configures a TaskWAL.
type WALOption func(*TaskWAL)

// WALLogger sets the structured logger for recovery warnings.
func WALLogger(l *slog.Logger) WALOption {
	return func(w *TaskWAL) { w.logger = l }
}

// NewTaskWAL creates the WAL for the given task-state file. The WAL path is
// derived by replacing the state file's extension with .wal.
func NewTaskWAL(stateFile string, opts ...WALOption) *TaskWAL {
	ext := filepath.Ext(stateFile)
	w := &TaskWAL{
		path:   strings.TrimSuffix(stateFile, ext) + ".wal",
		logger: nopLogger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Path returns the WAL file location.
func (w *TaskWAL) Path() string { return w.path }

// Append serializes the entry as one JSON line and appends it, flushing to
// disk before returning. A failed append means the transition must not be
// applied; the error is surfaced as ErrPersistence.
func (w *TaskWAL) Append(entry WALEntry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	line, err := json.Marshal(entry)
	if err != nil {
		return &ErrPersistence{Op: "wal append", Path: w.path, Err: err}
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return &ErrPersistence{Op: "wal append", Path: w.path, Err: err}
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return &ErrPersistence{Op: "wal append", Path: w.path, Err: err}
	}
	if err := f.Sync(); err != nil {
		return &ErrPersistence{Op: "wal append", Path: w.path, Err: err}
	}
	return nil
}

// ReadAll parses the log in file order. Malformed lines — the tail of a
// partial write at crash time — are skipped with a warning rather than
// aborting recovery.
func (w *TaskWAL) ReadAll() ([]WALEntry, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.Open(w.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, &ErrPersistence{Op: "wal read", Path: w.path, Err: err}
	}
	defer f.Close()

	var entries []WALEntry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var entry WALEntry
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			w.logger.Warn("skipping malformed wal line", "path", w.path, "line", lineNo, "error", err)
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return entries, &ErrPersistence{Op: "wal read", Path: w.path, Err: err}
	}
	return entries, nil
}

// Checkpoint deletes the log. Call only after the state file reflecting all
// logged transitions has been saved.
func (w *TaskWAL) Checkpoint() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := os.Remove(w.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return &ErrPersistence{Op: "wal checkpoint", Path: w.path, Err: err}
	}
	return nil
}

// HasUncommittedChanges reports whether the log exists and is non-empty.
func (w *TaskWAL) HasUncommittedChanges() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	info, err := os.Stat(w.path)
	return err == nil && info.Size() > 0
}

// --- Task-state persistence ---

// LoadTaskState reads a task-state JSON file.
func LoadTaskState(path string) (*TaskState, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ErrPersistence{Op: "load task state", Path: path, Err: err}
	}
	var state TaskState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, &ErrPersistence{Op: "load task state", Path: path, Err: err}
	}
	return &state, nil
}

// SaveTaskState writes a task-state JSON file atomically (temp + rename).
func SaveTaskState(path string, state *TaskState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return &ErrPersistence{Op: "save task state", Path: path, Err: err}
	}
	return writeFileAtomic(path, data)
}

// RecordTransition appends the transition to the WAL, applies it to the
// in-memory state, saves the state file, and checkpoints the WAL — in that
// order. A WAL append failure aborts the transition; a state-save failure
// leaves the WAL intact so recovery can replay it.
func RecordTransition(wal *TaskWAL, path string, state *TaskState, newStatus, agent, errMsg string) error {
	entry := WALEntry{
		Timestamp:      time.Now().UTC(),
		TaskID:         state.TaskID,
		PreviousStatus: state.Status,
		NewStatus:      newStatus,
		AssignedAgent:  agent,
		ErrorMessage:   errMsg,
	}
	if err := wal.Append(entry); err != nil {
		return err
	}
	applyWALEntry(state, entry)
	if err := SaveTaskState(path, state); err != nil {
		return err
	}
	return wal.Checkpoint()
}

// RecoverTaskState loads the state file, replays any uncommitted WAL entries
// onto it (idempotently), re-saves, and checkpoints. Run once per task-state
// file at startup. A crash between the first WAL append and the first state
// save leaves a WAL without a state file; recovery starts from an empty
// state in that case.
func RecoverTaskState(path string, opts ...WALOption) (*TaskState, error) {
	state, err := LoadTaskState(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, err
		}
		state = &TaskState{}
	}
	wal := NewTaskWAL(path, opts...)
	entries, err := wal.ReadAll()
	if err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return state, nil
	}
	replayed := 0
	for _, entry := range entries {
		if state.TaskID == "" {
			state.TaskID = entry.TaskID
		}
		if entry.TaskID != "" && entry.TaskID != state.TaskID {
			wal.logger.Warn("wal entry for foreign task skipped", "path", wal.path, "taskId", entry.TaskID)
			continue
		}
		if applyWALEntry(state, entry) {
			replayed++
		}
	}
	if err := SaveTaskState(path, state); err != nil {
		return nil, err
	}
	if err := wal.Checkpoint(); err != nil {
		return nil, err
	}
	wal.logger.Info("task state recovered", "path", path, "entries", len(entries), "applied", replayed)
	return state, nil
}

// applyWALEntry applies one transition. Idempotent: an entry whose newStatus
// already matches the current status only refreshes the timestamp-adjacent
// fields, so heartbeats and double-replays are harmless.
func applyWALEntry(state *TaskState, entry WALEntry) bool {
	changed := state.Status != entry.NewStatus
	state.Status = entry.NewStatus
	if entry.AssignedAgent != "" {
		state.AssignedAgent = entry.AssignedAgent
	}
	if entry.ErrorMessage != "" {
		state.ErrorMessage = entry.ErrorMessage
	}
	state.UpdatedAt = entry.Timestamp
	return changed
}

// writeFileAtomic writes data to path via a temp file in the same directory
// and an atomic rename.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return &ErrPersistence{Op: "write", Path: path, Err: err}
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return &ErrPersistence{Op: "write", Path: path, Err: err}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return &ErrPersistence{Op: "write", Path: path, Err: err}
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return &ErrPersistence{Op: "write", Path: path, Err: fmt.Errorf("rename: %w", err)}
	}
	return nil
}
