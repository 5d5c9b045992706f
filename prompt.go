package kobold

import "strings"

// PromptBuilder assembles a role-specific system prompt from composable
// fragments: a role preamble, shared file-operations guidance, common best
// practices, depth guidance, and free-form extras. No template inheritance;
// each fragment is plain text and the builder concatenates the ones that are
// set.
type PromptBuilder struct {
	role          AgentRole
	task          string
	workingDir    string
	modelDepth    string
	fileOps       bool
	bestPractices bool
	extras        []string
}

// NewPromptBuilder creates a builder for the given role.
func NewPromptBuilder(role AgentRole) *PromptBuilder {
	return &PromptBuilder{role: role}
}

// WithTask sets the task description fragment.
func (b *PromptBuilder) WithTask(task string) *PromptBuilder {
	b.task = task
	return b
}

// WithWorkingDirectory names the workspace the agent operates in.
func (b *PromptBuilder) WithWorkingDirectory(dir string) *PromptBuilder {
	b.workingDir = dir
	return b
}

// WithModelDepth selects depth guidance ("shallow", "standard", "deep").
func (b *PromptBuilder) WithModelDepth(depth string) *PromptBuilder {
	b.modelDepth = depth
	return b
}

// WithFileOperations includes the shared file-operations guidance.
func (b *PromptBuilder) WithFileOperations() *PromptBuilder {
	b.fileOps = true
	return b
}

// WithBestPractices includes the common best-practices fragment.
func (b *PromptBuilder) WithBestPractices() *PromptBuilder {
	b.bestPractices = true
	return b
}

// WithFragment appends a free-form fragment, e.g. best practices learned
// from the planning context.
func (b *PromptBuilder) WithFragment(text string) *PromptBuilder {
	if text != "" {
		b.extras = append(b.extras, text)
	}
	return b
}

// rolePreambles holds the role-specific opening text.
var rolePreambles = map[AgentRole]string{
	RoleWyrm: "You are a project analyst. Read the project specification and divide the work " +
		"into independent areas, each with a concrete list of tasks.",
	RoleWyvern: "You are an area coordinator. Track the tasks of one work area, order them, " +
		"and report which are ready to execute.",
	RoleDrake: "You are a reviewer. Examine completed work for correctness and consistency " +
		"with the specification before it is accepted.",
	RoleKoboldPlanner: "You are a planner. Turn one task into an ordered list of small steps. " +
		"For every step declare exactly which files it creates and which it modifies; " +
		"a file never appears in both lists for the same step.",
	RoleKobold: "You are a software engineer executing one step of an approved plan. " +
		"Use the provided tools to make the changes; do not touch files outside the step's declared sets.",
}

const fileOpsGuidance = "File operations: use relative paths from the working directory. " +
	"Read a file before modifying it. Create parent directories when writing new files. " +
	"Report every file you changed in your final message."

const bestPracticesGuidance = "Keep changes minimal and focused on the current step. " +
	"Prefer small, verifiable edits over large rewrites. " +
	"When a tool reports an error, adjust your approach rather than repeating the same call."

// depthGuidance maps model depth to effort guidance.
var depthGuidance = map[string]string{
	"shallow":  "Favor quick, direct solutions. Skip exploratory reading unless strictly necessary.",
	"standard": "Balance exploration and execution. Read the files you will change before changing them.",
	"deep": "Explore thoroughly before acting: read related files, trace call sites, " +
		"and verify assumptions against the codebase.",
}

// Build assembles the system prompt. Fragments appear in a fixed order with
// blank lines between them; unset fragments are omitted.
func (b *PromptBuilder) Build() string {
	var parts []string
	if preamble, ok := rolePreambles[b.role]; ok {
		parts = append(parts, preamble)
	}
	if b.workingDir != "" {
		parts = append(parts, "Working directory: "+b.workingDir)
	}
	if b.fileOps {
		parts = append(parts, fileOpsGuidance)
	}
	if b.bestPractices {
		parts = append(parts, bestPracticesGuidance)
	}
	if g, ok := depthGuidance[strings.ToLower(b.modelDepth)]; ok {
		parts = append(parts, g)
	}
	parts = append(parts, b.extras...)
	if b.task != "" {
		parts = append(parts, "Task:\n"+b.task)
	}
	return strings.Join(parts, "\n\n")
}
