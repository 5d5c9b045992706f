package kobold

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// defaultMaxIterations bounds the tool-calling loop when AgentOptions leaves
// MaxIterations unset.
const defaultMaxIterations = 20

// streamIdleTimeout aborts a stream that stops producing chunks.
const streamIdleTimeout = 60 * time.Second

// progressBuffer is the emitter's channel capacity. Events beyond a full
// buffer are dropped; the loop never blocks on a slow consumer.
const progressBuffer = 256

// AgentOptions configures one Runtime.
type AgentOptions struct {
	WorkingDirectory        string
	Verbose                 bool
	MaxIterations           int
	EnableStreaming         bool
	StreamingFallbackToSync bool
	ModelDepth              string
}

// RunResult is the outcome of one agent run: the full conversation, token
// accounting, and how the loop ended.
type RunResult struct {
	Conversation []Message
	Usage        Usage
	Iterations   int
	StopReason   StopReason
}

// Runtime drives one agent through the iterative send, dispatch, feedback
// loop. Tool calls within one assistant message run sequentially in their
// declared order so a step's file writes land before dependent reads.
type Runtime struct {
	provider Provider
	tools    []Tool
	opts     AgentOptions
	gate     *providerGate
	progress ProgressFunc
	logger   *slog.Logger
	tracer   Tracer
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// RuntimeLogger sets the structured logger.
func RuntimeLogger(l *slog.Logger) RuntimeOption {
	return func(r *Runtime) { r.logger = l }
}

// RuntimeTracer enables tracing of iterations and tool dispatches.
func RuntimeTracer(t Tracer) RuntimeOption {
	return func(r *Runtime) { r.tracer = t }
}

// RuntimeProgress sets the progress callback. The runtime never blocks on
// it; events are dropped when the consumer falls behind.
func RuntimeProgress(fn ProgressFunc) RuntimeOption {
	return func(r *Runtime) { r.progress = fn }
}

// RuntimeGate routes provider calls through a retry gate so transient
// failures back off and the circuit breaker sees every outcome.
func RuntimeGate(g *providerGate) RuntimeOption {
	return func(r *Runtime) { r.gate = g }
}

// NewRuntime creates a runtime for one agent over the given provider and
// tool set.
func NewRuntime(provider Provider, tools []Tool, opts AgentOptions, options ...RuntimeOption) *Runtime {
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = defaultMaxIterations
	}
	r := &Runtime{
		provider: provider,
		tools:    tools,
		opts:     opts,
		logger:   nopLogger,
	}
	for _, o := range options {
		o(r)
	}
	return r
}

// toolDefinitions builds the wire-level tool descriptions sent to the
// provider.
func (r *Runtime) toolDefinitions() []ToolDefinition {
	defs := make([]ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, ToolDefinition{Name: t.Name(), Description: t.Description()})
	}
	return defs
}

// findTool returns the registered tool with the given name, or nil.
func (r *Runtime) findTool(name string) Tool {
	for _, t := range r.tools {
		if t.Name() == name {
			return t
		}
	}
	return nil
}

// Run executes the loop for a fresh task. The returned conversation always
// reflects every message exchanged, including on error.
func (r *Runtime) Run(ctx context.Context, task, systemPrompt string) (RunResult, error) {
	conversation := []Message{UserMessage(task)}
	return r.RunConversation(ctx, conversation, systemPrompt)
}

// RunConversation executes the loop over an existing conversation, used when
// resuming from a checkpoint.
func (r *Runtime) RunConversation(ctx context.Context, conversation []Message, systemPrompt string) (RunResult, error) {
	emitter := newProgressEmitter(r.progress)
	defer emitter.stop()

	if r.opts.EnableStreaming {
		if sp, ok := r.provider.(StreamingProvider); ok {
			result, err := r.runStreaming(ctx, sp, conversation, systemPrompt, emitter)
			if err == nil || !r.opts.StreamingFallbackToSync {
				return result, err
			}
			emitter.emit(ProgressWarning, "streaming failed, falling back to synchronous: "+err.Error())
			r.logger.Warn("streaming fallback", "error", err)
		}
	}
	return r.runSync(ctx, conversation, systemPrompt, emitter)
}

// runSync is the synchronous tool-calling loop.
func (r *Runtime) runSync(ctx context.Context, conversation []Message, systemPrompt string, emitter *progressEmitter) (RunResult, error) {
	defs := r.toolDefinitions()
	result := RunResult{}
	allFailedLastIteration := false

	for iteration := 1; iteration <= r.opts.MaxIterations; iteration++ {
		if err := ctx.Err(); err != nil {
			result.Conversation = conversation
			return result, err
		}
		result.Iterations = iteration
		emitter.emit(ProgressInfo, fmt.Sprintf("iteration %d", iteration))

		iterCtx := ctx
		var iterSpan Span
		if r.tracer != nil {
			iterCtx, iterSpan = r.tracer.Start(ctx, "agent.iteration",
				IntAttr("iteration", iteration),
				IntAttr("tools", len(r.tools)))
		}

		resp, err := r.send(iterCtx, conversation, defs, systemPrompt)
		if err != nil {
			if iterSpan != nil {
				iterSpan.Error(err)
				iterSpan.End()
			}
			result.Conversation = conversation
			return result, err
		}
		result.Usage.InputTokens += resp.Usage.InputTokens
		result.Usage.OutputTokens += resp.Usage.OutputTokens
		result.StopReason = resp.StopReason

		conversation = append(conversation, AssistantMessage(resp.Content...))

		switch resp.StopReason {
		case StopToolUse:
			results, allFailed, err := r.dispatchTools(iterCtx, resp.ToolUses(), emitter)
			if iterSpan != nil {
				iterSpan.End()
			}
			if err != nil {
				result.Conversation = conversation
				return result, err
			}
			conversation = append(conversation, ToolResultsMessage(results...))
			if iteration >= r.opts.MaxIterations {
				emitter.emit(ProgressWarning, fmt.Sprintf("reached max iterations (%d)", r.opts.MaxIterations))
				result.Conversation = conversation
				return result, nil
			}
			if allFailed {
				if allFailedLastIteration {
					emitter.emit(ProgressWarning, "all tool executions failed again, stopping")
					result.Conversation = conversation
					return result, nil
				}
				emitter.emit(ProgressWarning, "All tool executions failed")
			}
			allFailedLastIteration = allFailed

		case StopEndTurn:
			for _, block := range resp.Content {
				if block.Type == BlockText && block.Text != "" {
					emitter.emit(ProgressAssistantFinal, block.Text)
				}
			}
			if iterSpan != nil {
				iterSpan.End()
			}
			result.Conversation = conversation
			return result, nil

		case StopError:
			message := resp.ErrorMessage
			if message == "" {
				message = blocksText(resp.Content)
			}
			if message == "" {
				message = "provider returned an error response"
			}
			if blocksText(resp.Content) == "" {
				conversation[len(conversation)-1] = AssistantMessage(TextBlock(message))
			}
			emitter.emit(ProgressError, message)
			if iterSpan != nil {
				iterSpan.End()
			}
			result.Conversation = conversation
			return result, &ErrProvider{Provider: r.provider.Name(), Message: message}

		case StopNotConfigured:
			message := resp.ErrorMessage
			if message == "" {
				message = blocksText(resp.Content)
			}
			if message == "" {
				message = fmt.Sprintf("provider %q is not configured", r.provider.Name())
			}
			if blocksText(resp.Content) == "" {
				conversation[len(conversation)-1] = AssistantMessage(TextBlock(message))
			}
			emitter.emit(ProgressError, message)
			if iterSpan != nil {
				iterSpan.End()
			}
			result.Conversation = conversation
			return result, &ErrNotConfigured{Provider: r.provider.Name()}

		default:
			emitter.emit(ProgressWarning, fmt.Sprintf("unexpected stop reason %q", resp.StopReason))
			if iterSpan != nil {
				iterSpan.End()
			}
			result.Conversation = conversation
			return result, nil
		}
	}

	emitter.emit(ProgressWarning, fmt.Sprintf("reached max iterations (%d)", r.opts.MaxIterations))
	result.Conversation = conversation
	return result, nil
}

// send routes a provider call through the retry gate when configured.
func (r *Runtime) send(ctx context.Context, conversation []Message, defs []ToolDefinition, systemPrompt string) (Response, error) {
	if r.gate != nil {
		return r.gate.Send(ctx, r.provider, conversation, defs, systemPrompt)
	}
	return r.provider.SendMessage(ctx, conversation, defs, systemPrompt)
}

// dispatchTools executes the assistant's tool_use blocks sequentially in
// declared order and returns the result blocks in that same order. An
// unknown tool name yields an "Error:" result rather than aborting the run.
// allFailed is true when every result carries an error.
func (r *Runtime) dispatchTools(ctx context.Context, calls []ContentBlock, emitter *progressEmitter) ([]ContentBlock, bool, error) {
	results := make([]ContentBlock, 0, len(calls))
	failures := 0
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		emitter.emit(ProgressToolCall, call.Name)

		toolCtx := ctx
		var span Span
		if r.tracer != nil {
			toolCtx, span = r.tracer.Start(ctx, "agent.tool",
				StringAttr("tool", call.Name))
		}

		var output string
		tool := r.findTool(call.Name)
		if tool == nil {
			output = fmt.Sprintf("Error: unknown tool %q", call.Name)
		} else {
			out, err := tool.Execute(toolCtx, r.opts.WorkingDirectory, call.Input)
			if err != nil {
				output = "Error: " + err.Error()
			} else {
				output = out
			}
		}
		isError := strings.HasPrefix(strings.ToLower(output), "error:")
		if isError {
			failures++
		}
		if span != nil {
			if isError {
				span.Error(fmt.Errorf("%s", output))
			}
			span.End()
		}
		emitter.emit(ProgressToolResult, output)
		if r.opts.Verbose {
			r.logger.Debug("tool result", "tool", call.Name, "output", truncateStr(output, 200))
		}
		results = append(results, ToolResultBlock(call.ID, output, isError))
	}
	return results, len(calls) > 0 && failures == len(calls), nil
}

// blocksText concatenates the text of the given blocks.
func blocksText(blocks []ContentBlock) string {
	var b strings.Builder
	for _, block := range blocks {
		if block.Type == BlockText {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// runStreaming collects a streamed response, emitting each chunk, and treats
// the accumulated text as an end_turn response. Streams carry no tool calls.
// A stream idle longer than streamIdleTimeout is abandoned.
func (r *Runtime) runStreaming(ctx context.Context, sp StreamingProvider, conversation []Message, systemPrompt string, emitter *progressEmitter) (RunResult, error) {
	result := RunResult{}
	emitter.emit(ProgressInfo, "iteration 1")

	streamCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks := make(chan StreamChunk, 16)
	type outcome struct {
		resp Response
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		resp, err := sp.SendMessageStreaming(streamCtx, conversation, nil, systemPrompt, chunks)
		done <- outcome{resp, err}
	}()

	var text strings.Builder
	idle := time.NewTimer(streamIdleTimeout)
	defer idle.Stop()

collect:
	for {
		select {
		case chunk, ok := <-chunks:
			if !ok {
				break collect
			}
			if chunk.Text != "" {
				text.WriteString(chunk.Text)
				emitter.emit(ProgressAssistantStream, chunk.Text)
			}
			if !idle.Stop() {
				<-idle.C
			}
			idle.Reset(streamIdleTimeout)
		case <-idle.C:
			cancel()
			result.Conversation = conversation
			return result, &ErrProvider{Provider: sp.Name(), Message: "stream idle timeout"}
		case <-ctx.Done():
			result.Conversation = conversation
			return result, ctx.Err()
		}
	}

	out := <-done
	if out.err != nil {
		result.Conversation = conversation
		return result, out.err
	}
	result.Usage = out.resp.Usage
	result.Iterations = 1
	result.StopReason = StopEndTurn

	final := text.String()
	if final == "" {
		final = blocksText(out.resp.Content)
	}
	conversation = append(conversation, AssistantMessage(TextBlock(final)))
	emitter.emit(ProgressAssistantFinal, final)
	result.Conversation = conversation
	return result, nil
}

// progressEmitter decouples the loop from the progress callback: events go
// through a buffered channel consumed by one goroutine, and are dropped when
// the buffer is full. A nil callback makes every emit a no-op.
type progressEmitter struct {
	ch   chan progressEvent
	done chan struct{}
	once sync.Once
}

type progressEvent struct {
	kind    ProgressKind
	content string
}

func newProgressEmitter(fn ProgressFunc) *progressEmitter {
	e := &progressEmitter{}
	if fn == nil {
		return e
	}
	e.ch = make(chan progressEvent, progressBuffer)
	e.done = make(chan struct{})
	go func() {
		defer close(e.done)
		for ev := range e.ch {
			fn(ev.kind, ev.content)
		}
	}()
	return e
}

// emit enqueues an event, dropping it when the buffer is full.
func (e *progressEmitter) emit(kind ProgressKind, content string) {
	if e.ch == nil {
		return
	}
	select {
	case e.ch <- progressEvent{kind, content}:
	default:
	}
}

// stop drains the emitter and waits for in-flight callbacks to finish.
func (e *progressEmitter) stop() {
	if e.ch == nil {
		return
	}
	e.once.Do(func() {
		close(e.ch)
		<-e.done
	})
}
