package kobold

import (
	"fmt"
	"strings"
	"time"
)

// maxLogLines is how many execution-log entries the markdown shows; earlier
// entries collapse into a count line.
const maxLogLines = 20

// filesColumnLimit is how many paths the steps-overview table shows per step.
const filesColumnLimit = 3

// planStatusEmoji renders a plan status for the metadata block. One emoji
// per status, stable within a store.
func planStatusEmoji(s PlanStatus) string {
	switch s {
	case PlanPlanning:
		return "📝"
	case PlanReady:
		return "🟡"
	case PlanInProgress:
		return "🔵"
	case PlanCompleted:
		return "✅"
	case PlanFailed:
		return "❌"
	default:
		return "❔"
	}
}

// stepStatusIcon renders a step status for tables and detail headers.
func stepStatusIcon(s StepStatus) string {
	switch s {
	case StepPending:
		return "⏳"
	case StepInProgress:
		return "🔵"
	case StepCompleted:
		return "✅"
	case StepSkipped:
		return "⏭️"
	case StepFailed:
		return "❌"
	default:
		return "❔"
	}
}

// RenderPlanMarkdown renders the human-readable companion file for a plan.
func RenderPlanMarkdown(plan *Plan) string {
	var b strings.Builder

	title := truncateStr(plan.TaskDescription, 60)
	fmt.Fprintf(&b, "# Implementation Plan: %s\n\n", title)

	fmt.Fprintf(&b, "- **Task ID:** `%s`\n", plan.TaskID)
	fmt.Fprintf(&b, "- **Project ID:** `%s`\n", plan.ProjectID)
	fmt.Fprintf(&b, "- **Plan File:** `%s`\n", plan.PlanFilename)
	fmt.Fprintf(&b, "- **Created:** %s\n", plan.CreatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Updated:** %s\n", plan.UpdatedAt.Format(time.RFC3339))
	fmt.Fprintf(&b, "- **Status:** %s %s\n", planStatusEmoji(plan.Status), plan.Status)
	fmt.Fprintf(&b, "- **Progress:** %d/%d (%.0f%%)\n",
		plan.CompletedStepsCount(), len(plan.Steps), plan.ProgressPercentage())
	b.WriteString("\n")

	if plan.ErrorMessage != "" {
		fmt.Fprintf(&b, "> ⚠️ %s\n\n", plan.ErrorMessage)
	}

	b.WriteString("## Task Description\n\n")
	b.WriteString(plan.TaskDescription)
	b.WriteString("\n\n")

	b.WriteString("## Steps Overview\n\n")
	b.WriteString("| # | Step | Status | Files |\n")
	b.WriteString("|---|------|--------|-------|\n")
	for _, s := range plan.Steps {
		fmt.Fprintf(&b, "| %d | %s | %s %s | %s |\n",
			s.Index, s.Title, stepStatusIcon(s.Status), s.Status, filesColumn(s))
	}
	b.WriteString("\n")

	b.WriteString("## Step Details\n\n")
	for _, s := range plan.Steps {
		fmt.Fprintf(&b, "### %s Step %d: %s\n\n", stepStatusIcon(s.Status), s.Index, s.Title)
		if s.StartedAt != nil {
			fmt.Fprintf(&b, "- Started: %s\n", s.StartedAt.Format(time.RFC3339))
		}
		if s.CompletedAt != nil {
			fmt.Fprintf(&b, "- Completed: %s\n", s.CompletedAt.Format(time.RFC3339))
		}
		if len(s.FilesToCreate) > 0 {
			fmt.Fprintf(&b, "- Files to create: %s\n", strings.Join(s.FilesToCreate, ", "))
		}
		if len(s.FilesToModify) > 0 {
			fmt.Fprintf(&b, "- Files to modify: %s\n", strings.Join(s.FilesToModify, ", "))
		}
		b.WriteString("\n")
		b.WriteString(s.Description)
		b.WriteString("\n")
		if s.Output != "" {
			b.WriteString("\n```\n")
			b.WriteString(s.Output)
			if !strings.HasSuffix(s.Output, "\n") {
				b.WriteString("\n")
			}
			b.WriteString("```\n")
		}
		b.WriteString("\n---\n\n")
	}

	b.WriteString("## Execution Log\n\n")
	log := plan.ExecutionLog
	if len(log) > maxLogLines {
		fmt.Fprintf(&b, "_%d earlier entries omitted._\n\n", len(log)-maxLogLines)
		log = log[len(log)-maxLogLines:]
	}
	for _, line := range log {
		fmt.Fprintf(&b, "- %s\n", line)
	}

	return b.String()
}

// filesColumn renders up to filesColumnLimit paths for the overview table,
// prefixed + for create and ~ for modify, with a (+K) remainder marker.
func filesColumn(s *Step) string {
	var shown []string
	total := 0
	for _, f := range s.FilesToCreate {
		total++
		if len(shown) < filesColumnLimit {
			shown = append(shown, "+"+f)
		}
	}
	for _, f := range s.FilesToModify {
		total++
		if len(shown) < filesColumnLimit {
			shown = append(shown, "~"+f)
		}
	}
	if total == 0 {
		return "—"
	}
	col := strings.Join(shown, ", ")
	if rest := total - len(shown); rest > 0 {
		col += fmt.Sprintf(" (+%d)", rest)
	}
	return col
}

// truncateStr truncates a string to n runes.
func truncateStr(s string, n int) string {
	// Byte length ≤ n guarantees rune count ≤ n, skipping the []rune
	// allocation for short/ASCII strings.
	if len(s) <= n {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
