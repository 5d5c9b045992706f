package kobold

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
)

// scriptedProvider returns canned responses in order. Calls past the script
// repeat the last response.
type scriptedProvider struct {
	name      string
	responses []Response
	errs      []error

	mu    sync.Mutex
	calls int
	// conversations records each SendMessage's conversation snapshot.
	conversations [][]Message
}

func (p *scriptedProvider) Name() string {
	if p.name == "" {
		return "scripted"
	}
	return p.name
}

func (p *scriptedProvider) SendMessage(_ context.Context, conversation []Message, _ []ToolDefinition, _ string) (Response, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	snapshot := make([]Message, len(conversation))
	copy(snapshot, conversation)
	p.conversations = append(p.conversations, snapshot)

	i := p.calls
	p.calls++
	if i < len(p.errs) && p.errs[i] != nil {
		return Response{}, p.errs[i]
	}
	if len(p.responses) == 0 {
		return Response{StopReason: StopEndTurn}, nil
	}
	if i >= len(p.responses) {
		i = len(p.responses) - 1
	}
	return p.responses[i], nil
}

func (p *scriptedProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// streamingProvider streams scripted chunks then returns resp. When failWith
// is set the stream errors without producing chunks.
type streamingProvider struct {
	scriptedProvider
	chunks   []string
	resp     Response
	failWith error
}

func (p *streamingProvider) SendMessageStreaming(_ context.Context, _ []Message, _ []ToolDefinition, _ string, ch chan<- StreamChunk) (Response, error) {
	defer close(ch)
	if p.failWith != nil {
		return Response{}, p.failWith
	}
	for _, c := range p.chunks {
		ch <- StreamChunk{Text: c}
	}
	return p.resp, nil
}

// echoTool returns "did <name>" for every call.
type echoTool struct {
	name string

	mu    sync.Mutex
	calls []json.RawMessage
}

func (t *echoTool) Name() string        { return t.name }
func (t *echoTool) Description() string { return "echo tool " + t.name }

func (t *echoTool) Execute(_ context.Context, _ string, input json.RawMessage) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.calls = append(t.calls, input)
	return "did " + t.name, nil
}

// failTool always errors.
type failTool struct{ name string }

func (t *failTool) Name() string        { return t.name }
func (t *failTool) Description() string { return "always fails" }

func (t *failTool) Execute(_ context.Context, _ string, _ json.RawMessage) (string, error) {
	return "", errors.New("tool broken")
}

// orderTool appends its name to a shared order slice on every call.
type orderTool struct {
	name  string
	order *[]string
	mu    *sync.Mutex
}

func (t *orderTool) Name() string        { return t.name }
func (t *orderTool) Description() string { return "order tool" }

func (t *orderTool) Execute(_ context.Context, _ string, _ json.RawMessage) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	*t.order = append(*t.order, t.name)
	return "ok", nil
}

// dirResolver resolves every project to a fixed directory.
type dirResolver struct{ dir string }

func (r dirResolver) OutputDir(projectID string) (string, error) {
	if r.dir == "" {
		return "", fmt.Errorf("no output dir for %s", projectID)
	}
	return r.dir, nil
}

// perProjectResolver resolves each project to its own subdirectory, so
// tests spanning multiple projects get distinct persisted state.
type perProjectResolver struct{ dir string }

func (r perProjectResolver) OutputDir(projectID string) (string, error) {
	if r.dir == "" {
		return "", fmt.Errorf("no output dir for %s", projectID)
	}
	return filepath.Join(r.dir, projectID), nil
}

// toolUseResp builds a tool_use response for the given calls.
func toolUseResp(calls ...ContentBlock) Response {
	return Response{Content: calls, StopReason: StopToolUse}
}

// endTurnResp builds a final text response.
func endTurnResp(text string) Response {
	return Response{Content: []ContentBlock{TextBlock(text)}, StopReason: StopEndTurn}
}
