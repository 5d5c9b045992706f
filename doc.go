// Package kobold is the execution substrate for LLM coding agents.
//
// It drives many concurrent tool-using agent loops across isolated project
// workspaces: each agent converses with a model provider, dispatches the
// provider's tool calls, feeds results back, and persists its plan and
// conversation state so work survives a crash.
//
// The package is organized around a small set of cooperating pieces:
//
//   - Runtime: the per-agent send → dispatch → feedback loop ([Runtime.Run]).
//   - PlanStore: per-project plan persistence with human-readable filenames
//     and conversation checkpoints.
//   - PlanningService: shared coordination state for agents working on the
//     same project (file-in-use tracking, insights, reflections).
//   - CircuitBreaker and Classify: per-provider retry gating.
//   - TaskWAL: a write-ahead log guaranteeing task state transitions are
//     never lost.
//   - Scheduler: admits agents subject to parallelism caps, circuit state,
//     and step dependency waves.
//
// Provider clients and tool implementations live outside this module; the
// package depends only on the [Provider] and [Tool] contracts.
package kobold
