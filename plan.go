package kobold

import (
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
	"time"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// PlanStatus is the lifecycle state of a plan.
type PlanStatus string

const (
	PlanPlanning   PlanStatus = "Planning"
	PlanReady      PlanStatus = "Ready"
	PlanInProgress PlanStatus = "InProgress"
	PlanCompleted  PlanStatus = "Completed"
	PlanFailed     PlanStatus = "Failed"
)

// StepStatus is the lifecycle state of a single step.
type StepStatus string

const (
	StepPending    StepStatus = "Pending"
	StepInProgress StepStatus = "InProgress"
	StepCompleted  StepStatus = "Completed"
	StepSkipped    StepStatus = "Skipped"
	StepFailed     StepStatus = "Failed"
)

// StepMetrics is resource accounting for one executed step.
type StepMetrics struct {
	IterationsUsed int `json:"iterationsUsed"`
	TokensUsed     int `json:"tokensUsed"`
}

// Step is a single transactional unit of work with declared file I/O sets.
// A path may appear in FilesToCreate or FilesToModify, never both.
type Step struct {
	Index         int         `json:"index"` // 1-based
	Title         string      `json:"title"`
	Description   string      `json:"description"`
	Status        StepStatus  `json:"status"`
	StartedAt     *time.Time  `json:"startedAt,omitempty"`
	CompletedAt   *time.Time  `json:"completedAt,omitempty"`
	FilesToCreate []string    `json:"filesToCreate"`
	FilesToModify []string    `json:"filesToModify"`
	Output        string      `json:"output,omitempty"`
	Metrics       StepMetrics `json:"metrics"`
}

// Files returns the union of the step's create and modify sets.
func (s *Step) Files() []string {
	files := make([]string, 0, len(s.FilesToCreate)+len(s.FilesToModify))
	files = append(files, s.FilesToCreate...)
	files = append(files, s.FilesToModify...)
	return files
}

// Plan is the ordered list of steps an agent intends to execute for one task.
type Plan struct {
	TaskID           string     `json:"taskId"`
	ProjectID        string     `json:"projectId"`
	TaskDescription  string     `json:"taskDescription"`
	PlanFilename     string     `json:"planFilename"`
	Status           PlanStatus `json:"status"`
	CreatedAt        time.Time  `json:"createdAt"`
	UpdatedAt        time.Time  `json:"updatedAt"`
	CurrentStepIndex int        `json:"currentStepIndex"`
	ErrorMessage     string     `json:"errorMessage,omitempty"`
	Steps            []*Step    `json:"steps"`
	ExecutionLog     []string   `json:"executionLog"`
}

// NewPlan creates a plan in Planning status with its filename assigned.
func NewPlan(taskID, projectID, taskDescription string) *Plan {
	now := time.Now().UTC()
	return &Plan{
		TaskID:          taskID,
		ProjectID:       projectID,
		TaskDescription: taskDescription,
		PlanFilename:    GeneratePlanFilename(taskDescription, taskID),
		Status:          PlanPlanning,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

// Normalize reassigns 1-based step indexes in input order and defaults blank
// step statuses to Pending. Providers sometimes return steps with missing or
// inconsistent indexes; input order is authoritative.
func (p *Plan) Normalize() {
	for i, s := range p.Steps {
		s.Index = i + 1
		if s.Status == "" {
			s.Status = StepPending
		}
	}
}

// Validate checks the plan's structural invariants: step index bounds,
// disjoint create/modify sets, and a current index within [0, len(Steps)].
// CurrentStepIndex == len(Steps) is legal even for non-completed plans; it
// means every step has been attempted and finalization is pending.
func (p *Plan) Validate() error {
	if p.TaskID == "" {
		return &ErrConfig{Field: "taskId", Reason: "empty"}
	}
	if p.CurrentStepIndex < 0 || p.CurrentStepIndex > len(p.Steps) {
		return &ErrConfig{Field: "currentStepIndex", Reason: fmt.Sprintf("%d out of range [0,%d]", p.CurrentStepIndex, len(p.Steps))}
	}
	for _, s := range p.Steps {
		create := make(map[string]bool, len(s.FilesToCreate))
		for _, f := range s.FilesToCreate {
			create[f] = true
		}
		for _, f := range s.FilesToModify {
			if create[f] {
				return &ErrConfig{Field: "steps", Reason: fmt.Sprintf("step %d lists %q in both filesToCreate and filesToModify", s.Index, f)}
			}
		}
	}
	return nil
}

// CompletedStepsCount returns the number of completed steps.
func (p *Plan) CompletedStepsCount() int {
	n := 0
	for _, s := range p.Steps {
		if s.Status == StepCompleted {
			n++
		}
	}
	return n
}

// ProgressPercentage returns completion as 0–100. Empty plans report 0.
func (p *Plan) ProgressPercentage() float64 {
	if len(p.Steps) == 0 {
		return 0
	}
	return float64(p.CompletedStepsCount()) / float64(len(p.Steps)) * 100
}

// CurrentStep returns the step at CurrentStepIndex, or nil when the index
// points past the last step.
func (p *Plan) CurrentStep() *Step {
	if p.CurrentStepIndex < 0 || p.CurrentStepIndex >= len(p.Steps) {
		return nil
	}
	return p.Steps[p.CurrentStepIndex]
}

// AppendLog appends a timestamped line to the execution log.
func (p *Plan) AppendLog(format string, args ...any) {
	line := fmt.Sprintf("[%s] %s", time.Now().UTC().Format(time.RFC3339), fmt.Sprintf(format, args...))
	p.ExecutionLog = append(p.ExecutionLog, line)
}

// --- Plan filename generation ---

// maxFilenameDescription bounds the human-readable portion of a plan
// filename, before the hash suffix.
const maxFilenameDescription = 40

var bracketPrefixRe = regexp.MustCompile(`^\s*\[([^\]]+)\]`)

// commonVerbs are leading task-description words that add no identity to a
// filename.
var commonVerbs = map[string]bool{
	"implement": true, "implementing": true,
	"create": true, "creating": true,
	"add": true, "adding": true,
	"fix": true, "fixing": true,
	"update": true, "updating": true,
	"refactor": true, "refactoring": true,
	"build": true, "make": true, "write": true,
	"the": true, "a": true, "an": true,
	"to": true, "for": true, "of": true, "in": true, "and": true, "with": true,
}

// filenameWordLimit caps how many description words contribute to the slug.
const filenameWordLimit = 6

// slugNormalizer strips diacritics so accented description words still
// produce ASCII slugs.
var slugNormalizer = transform.Chain(norm.NFKD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// GeneratePlanFilename derives the stable human-readable filename for a plan
// from its task description and task id. Pure: the same inputs always yield
// the same name. The description portion (bracket prefix plus first words,
// minus common verbs) is capped at 40 characters; a 4-hex-character MD5
// suffix of the task id keeps names unique within a project. A description
// that sanitizes to nothing yields the hash alone.
func GeneratePlanFilename(taskDescription, taskID string) string {
	sum := md5.Sum([]byte(taskID))
	hash := hex.EncodeToString(sum[:])[:4]

	var parts []string
	rest := taskDescription
	if m := bracketPrefixRe.FindStringSubmatch(taskDescription); m != nil {
		if p := sanitizeSlug(m[1]); p != "" {
			parts = append(parts, p)
		}
		rest = taskDescription[len(m[0]):]
	}

	words := 0
	for _, w := range strings.Fields(rest) {
		if words >= filenameWordLimit {
			break
		}
		s := sanitizeSlug(w)
		if s == "" || commonVerbs[s] {
			continue
		}
		parts = append(parts, s)
		words++
	}

	desc := strings.Join(parts, "-")
	if len(desc) > maxFilenameDescription {
		desc = strings.Trim(desc[:maxFilenameDescription], "-")
	}
	if desc == "" {
		return hash
	}
	return desc + "-" + hash
}

// sanitizeSlug lowercases, strips diacritics, and reduces a word to
// [a-z0-9-], collapsing runs of other characters into single dashes.
func sanitizeSlug(s string) string {
	normalized, _, err := transform.String(slugNormalizer, s)
	if err != nil {
		normalized = s
	}
	var b strings.Builder
	lastDash := true // suppress leading dash
	for _, r := range strings.ToLower(normalized) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}
