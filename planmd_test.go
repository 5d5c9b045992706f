package kobold

import (
	"strings"
	"testing"
)

func TestRenderPlanMarkdownSections(t *testing.T) {
	plan := NewPlan("task-1", "proj-1", "build the report exporter")
	plan.Status = PlanInProgress
	plan.Steps = []*Step{
		{Index: 1, Title: "write exporter", Status: StepCompleted, Description: "emit CSV rows",
			FilesToCreate: []string{"export.go"}, Output: "created export.go"},
		{Index: 2, Title: "wire endpoint", Status: StepPending, Description: "route /export",
			FilesToModify: []string{"routes.go"}},
	}
	plan.AppendLog("step 1 done")

	md := RenderPlanMarkdown(plan)

	for _, want := range []string{
		"# Implementation Plan: build the report exporter",
		"- **Task ID:** `task-1`",
		"## Task Description",
		"## Steps Overview",
		"| 1 | write exporter |",
		"+export.go",
		"~routes.go",
		"## Step Details",
		"Step 1: write exporter",
		"created export.go",
		"## Execution Log",
		"step 1 done",
	} {
		if !strings.Contains(md, want) {
			t.Errorf("markdown missing %q", want)
		}
	}
}

func TestRenderPlanMarkdownErrorBanner(t *testing.T) {
	plan := NewPlan("task-1", "proj-1", "doomed work")
	plan.Status = PlanFailed
	plan.ErrorMessage = "step 2 failed: tool broken"

	md := RenderPlanMarkdown(plan)
	if !strings.Contains(md, "step 2 failed: tool broken") {
		t.Error("error message should appear in markdown")
	}
}

func TestRenderPlanMarkdownLogTruncation(t *testing.T) {
	plan := NewPlan("task-1", "proj-1", "chatty plan")
	for i := 0; i < 25; i++ {
		plan.AppendLog("entry %d", i)
	}

	md := RenderPlanMarkdown(plan)
	if !strings.Contains(md, "_5 earlier entries omitted._") {
		t.Error("expected omission marker for entries beyond 20")
	}
	if strings.Contains(md, "entry 4\n") {
		t.Error("entry 4 should be omitted")
	}
	if !strings.Contains(md, "entry 24") {
		t.Error("latest entry should be shown")
	}
}

func TestFilesColumn(t *testing.T) {
	tests := []struct {
		name string
		step *Step
		want string
	}{
		{"empty", &Step{}, "—"},
		{"mixed", &Step{FilesToCreate: []string{"a.go"}, FilesToModify: []string{"b.go"}}, "+a.go, ~b.go"},
		{"overflow", &Step{FilesToCreate: []string{"a", "b", "c", "d", "e"}}, "+a, +b, +c (+2)"},
	}
	for _, tt := range tests {
		if got := filesColumn(tt.step); got != tt.want {
			t.Errorf("%s: filesColumn = %q, want %q", tt.name, got, tt.want)
		}
	}
}

func TestTruncateStr(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"hello", 10, "hello"},
		{"hello", 3, "hel"},
		{"héllo wörld", 4, "héll"},
		{"", 5, ""},
	}
	for _, tt := range tests {
		if got := truncateStr(tt.in, tt.n); got != tt.want {
			t.Errorf("truncateStr(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
