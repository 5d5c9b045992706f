package kobold

import (
	"path/filepath"
	"testing"
)

func TestParseTasks(t *testing.T) {
	source := []byte(`# Backend

Some prose that is not a task.

- [ ] add migrations
- [x] scaffold repository layer
- plain bullet without a checkbox

## API

- [ ] wire the router
  - [x] nested: register health endpoint

# Frontend

- [ ] build login page
`)
	tasks := ParseTasks(source)
	want := []AreaTask{
		{Area: "Backend", Description: "add migrations", Done: false},
		{Area: "Backend", Description: "scaffold repository layer", Done: true},
		{Area: "API", Description: "wire the router", Done: false},
		{Area: "API", Description: "nested: register health endpoint", Done: true},
		{Area: "Frontend", Description: "build login page", Done: false},
	}
	if len(tasks) != len(want) {
		t.Fatalf("parsed %d tasks, want %d: %+v", len(tasks), len(want), tasks)
	}
	for i, w := range want {
		if tasks[i] != w {
			t.Errorf("task %d = %+v, want %+v", i, tasks[i], w)
		}
	}
}

func TestParseTasksNoHeading(t *testing.T) {
	tasks := ParseTasks([]byte("- [ ] orphan task\n"))
	if len(tasks) != 1 {
		t.Fatalf("tasks = %+v", tasks)
	}
	if tasks[0].Area != "" {
		t.Errorf("area = %q, want empty", tasks[0].Area)
	}
}

func TestParseTasksEmptyDescriptionSkipped(t *testing.T) {
	tasks := ParseTasks([]byte("- [ ]   \n- [ ] real task\n"))
	if len(tasks) != 1 || tasks[0].Description != "real task" {
		t.Errorf("tasks = %+v", tasks)
	}
}

func TestParseTaskFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "backend-tasks.md")
	writeTestFile(t, path, "# Backend\n\n- [ ] one\n- [x] two\n")

	tasks, err := ParseTaskFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != 2 {
		t.Fatalf("tasks = %+v", tasks)
	}

	if _, err := ParseTaskFile(filepath.Join(t.TempDir(), "absent.md")); err == nil {
		t.Error("missing file should error")
	}
}

func TestPendingTasks(t *testing.T) {
	tasks := []AreaTask{
		{Description: "a", Done: true},
		{Description: "b"},
		{Description: "c", Done: true},
		{Description: "d"},
	}
	pending := PendingTasks(tasks)
	if len(pending) != 2 || pending[0].Description != "b" || pending[1].Description != "d" {
		t.Errorf("pending = %+v", pending)
	}
	if got := PendingTasks(nil); got != nil {
		t.Errorf("PendingTasks(nil) = %+v", got)
	}
}
