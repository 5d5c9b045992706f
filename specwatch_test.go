package kobold

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func newTestSpecWatcher(t *testing.T) (*SpecWatcher, context.CancelFunc) {
	t.Helper()
	w, err := NewSpecWatcher(nil)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	t.Cleanup(func() {
		cancel()
		w.Close()
	})
	return w, cancel
}

func awaitSpecChange(t *testing.T, w *SpecWatcher) SpecChange {
	t.Helper()
	select {
	case change, ok := <-w.Events():
		if !ok {
			t.Fatal("event channel closed")
		}
		return change
	case <-time.After(5 * time.Second):
		t.Fatal("no spec change observed")
	}
	return SpecChange{}
}

func TestSpecWatcherEmitsOnWrite(t *testing.T) {
	dir := t.TempDir()
	spec := filepath.Join(dir, "spec.md")
	writeTestFile(t, spec, "v1")

	w, _ := newTestSpecWatcher(t)
	if err := w.Watch("proj-1", spec); err != nil {
		t.Fatal(err)
	}

	writeTestFile(t, spec, "v2")
	change := awaitSpecChange(t, w)
	if change.ProjectID != "proj-1" {
		t.Errorf("project id = %q", change.ProjectID)
	}
	abs, _ := filepath.Abs(spec)
	if change.Path != abs {
		t.Errorf("path = %q, want %q", change.Path, abs)
	}
}

func TestSpecWatcherDebouncesBursts(t *testing.T) {
	dir := t.TempDir()
	spec := filepath.Join(dir, "spec.md")
	writeTestFile(t, spec, "v1")

	w, _ := newTestSpecWatcher(t)
	if err := w.Watch("proj-1", spec); err != nil {
		t.Fatal(err)
	}

	// An editor save burst: several writes in quick succession.
	for i := 0; i < 5; i++ {
		writeTestFile(t, spec, "burst")
		time.Sleep(10 * time.Millisecond)
	}

	awaitSpecChange(t, w)
	select {
	case change := <-w.Events():
		t.Errorf("burst produced a second event: %+v", change)
	case <-time.After(time.Second):
	}
}

func TestSpecWatcherSurvivesReplaceOnSave(t *testing.T) {
	dir := t.TempDir()
	spec := filepath.Join(dir, "spec.md")
	writeTestFile(t, spec, "v1")

	w, _ := newTestSpecWatcher(t)
	if err := w.Watch("proj-1", spec); err != nil {
		t.Fatal(err)
	}

	// Write-to-temp then rename, the way vim and friends save.
	tmp := filepath.Join(dir, ".spec.md.tmp")
	writeTestFile(t, tmp, "v2")
	if err := os.Rename(tmp, spec); err != nil {
		t.Fatal(err)
	}

	change := awaitSpecChange(t, w)
	if change.ProjectID != "proj-1" {
		t.Errorf("project id = %q", change.ProjectID)
	}
}

func TestSpecWatcherIgnoresUnregisteredFiles(t *testing.T) {
	dir := t.TempDir()
	spec := filepath.Join(dir, "spec.md")
	other := filepath.Join(dir, "notes.md")
	writeTestFile(t, spec, "v1")

	w, _ := newTestSpecWatcher(t)
	if err := w.Watch("proj-1", spec); err != nil {
		t.Fatal(err)
	}

	writeTestFile(t, other, "noise")
	select {
	case change := <-w.Events():
		t.Errorf("unregistered file produced event: %+v", change)
	case <-time.After(time.Second):
	}
}

func TestSpecWatcherUnwatch(t *testing.T) {
	dir := t.TempDir()
	spec := filepath.Join(dir, "spec.md")
	writeTestFile(t, spec, "v1")

	w, _ := newTestSpecWatcher(t)
	if err := w.Watch("proj-1", spec); err != nil {
		t.Fatal(err)
	}
	w.Unwatch(spec)

	writeTestFile(t, spec, "v2")
	select {
	case change := <-w.Events():
		t.Errorf("unwatched file produced event: %+v", change)
	case <-time.After(time.Second):
	}
}

func TestSpecWatcherRunClosesEvents(t *testing.T) {
	w, err := NewSpecWatcher(nil)
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		w.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not stop on cancel")
	}
	if _, ok := <-w.Events(); ok {
		t.Error("events channel should be closed")
	}
}
