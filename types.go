package kobold

import (
	"context"
	"encoding/json"
	"log/slog"
)

// --- Message model ---

// Block type tags. Every ContentBlock carries exactly one of these.
const (
	BlockText       = "text"
	BlockToolUse    = "tool_use"
	BlockToolResult = "tool_result"
)

// ContentBlock is one element of an assistant or tool-result message.
// Type selects which of the remaining fields are meaningful:
//
//	text        → Text
//	tool_use    → ID, Name, Input
//	tool_result → ToolUseID, Content, IsError
type ContentBlock struct {
	Type string `json:"type"`

	// text
	Text string `json:"text,omitempty"`

	// tool_use
	ID    string          `json:"id,omitempty"`
	Name  string          `json:"name,omitempty"`
	Input json.RawMessage `json:"input,omitempty"`

	// tool_result. IsError is set structurally at dispatch time so the
	// runtime never has to sniff result strings.
	ToolUseID string `json:"tool_use_id,omitempty"`
	Content   string `json:"content,omitempty"`
	IsError   bool   `json:"is_error,omitempty"`
}

// TextBlock creates a text content block.
func TextBlock(text string) ContentBlock {
	return ContentBlock{Type: BlockText, Text: text}
}

// ToolUseBlock creates a tool invocation request block.
func ToolUseBlock(id, name string, input json.RawMessage) ContentBlock {
	return ContentBlock{Type: BlockToolUse, ID: id, Name: name, Input: input}
}

// ToolResultBlock creates a tool result block answering the tool_use block
// with the given id.
func ToolResultBlock(toolUseID, content string, isError bool) ContentBlock {
	return ContentBlock{Type: BlockToolResult, ToolUseID: toolUseID, Content: content, IsError: isError}
}

// MessageContent is the payload of a Message: plain text, a block list, or an
// opaque provider payload preserved verbatim for forward compatibility.
// Exactly one variant is set; the zero value is empty text.
type MessageContent struct {
	text   string
	blocks []ContentBlock
	opaque json.RawMessage
	kind   contentKind
}

type contentKind int

const (
	contentText contentKind = iota
	contentBlocks
	contentOpaque
)

// Text wraps a plain string as message content.
func Text(s string) MessageContent {
	return MessageContent{text: s, kind: contentText}
}

// Blocks wraps a block list as message content.
func Blocks(blocks []ContentBlock) MessageContent {
	return MessageContent{blocks: blocks, kind: contentBlocks}
}

// Opaque wraps a raw provider payload as message content. The bytes are
// persisted and replayed verbatim.
func Opaque(raw json.RawMessage) MessageContent {
	return MessageContent{opaque: raw, kind: contentOpaque}
}

// AsText returns the plain-text payload and whether this content is text.
func (c MessageContent) AsText() (string, bool) {
	return c.text, c.kind == contentText
}

// AsBlocks returns the block list and whether this content is blocks.
func (c MessageContent) AsBlocks() ([]ContentBlock, bool) {
	return c.blocks, c.kind == contentBlocks
}

// AsOpaque returns the raw payload and whether this content is opaque.
func (c MessageContent) AsOpaque() (json.RawMessage, bool) {
	return c.opaque, c.kind == contentOpaque
}

// ExtractText renders the content as plain text: the string itself for text
// content, concatenated text blocks for block content, and "" for opaque
// payloads. Never inspects types at runtime beyond the variant tag.
func (c MessageContent) ExtractText() string {
	switch c.kind {
	case contentText:
		return c.text
	case contentBlocks:
		var out string
		for _, b := range c.blocks {
			if b.Type == BlockText {
				out += b.Text
			}
		}
		return out
	default:
		return ""
	}
}

// MarshalJSON encodes text as a JSON string, blocks as a JSON array, and
// opaque payloads verbatim.
func (c MessageContent) MarshalJSON() ([]byte, error) {
	switch c.kind {
	case contentBlocks:
		return json.Marshal(c.blocks)
	case contentOpaque:
		if len(c.opaque) == 0 {
			return []byte("null"), nil
		}
		return c.opaque, nil
	default:
		return json.Marshal(c.text)
	}
}

// UnmarshalJSON decodes a string as text and an array of recognized blocks
// as blocks. Anything else (objects, arrays with unknown block types, null)
// is retained opaque so round-trips never lose provider data.
func (c *MessageContent) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*c = Text(s)
		return nil
	}
	var blocks []ContentBlock
	if err := json.Unmarshal(data, &blocks); err == nil && recognizedBlocks(blocks) {
		*c = Blocks(blocks)
		return nil
	}
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	*c = Opaque(raw)
	return nil
}

func recognizedBlocks(blocks []ContentBlock) bool {
	if len(blocks) == 0 {
		return false
	}
	for _, b := range blocks {
		switch b.Type {
		case BlockText, BlockToolUse, BlockToolResult:
		default:
			return false
		}
	}
	return true
}

// Message is one turn in an agent conversation.
type Message struct {
	Role    string         `json:"role"` // "user", "assistant", "tool"
	Content MessageContent `json:"content"`
}

// UserMessage creates a user-role text message.
func UserMessage(text string) Message {
	return Message{Role: "user", Content: Text(text)}
}

// AssistantMessage creates an assistant-role message from content blocks.
func AssistantMessage(blocks ...ContentBlock) Message {
	return Message{Role: "assistant", Content: Blocks(blocks)}
}

// ToolResultsMessage creates the user-role message carrying one iteration's
// ordered tool results back to the provider.
func ToolResultsMessage(results ...ContentBlock) Message {
	return Message{Role: "user", Content: Blocks(results)}
}

// --- Provider contract ---

// StopReason explains why the provider ended a response.
type StopReason string

const (
	// StopToolUse means the response contains tool_use blocks to dispatch.
	StopToolUse StopReason = "tool_use"
	// StopEndTurn means the provider finished its answer.
	StopEndTurn StopReason = "end_turn"
	// StopError means the provider failed mid-response.
	StopError StopReason = "error"
	// StopNotConfigured means the provider has no usable configuration.
	StopNotConfigured StopReason = "not_configured"
)

// Usage is token accounting for one provider call.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// Response is one provider reply.
type Response struct {
	Content    []ContentBlock `json:"content"`
	StopReason StopReason     `json:"stop_reason"`
	Usage      Usage          `json:"usage"`
	// ErrorMessage describes the failure when StopReason is error or
	// not_configured.
	ErrorMessage string `json:"error_message,omitempty"`
}

// ToolUses returns the tool_use blocks of the response in declared order.
func (r Response) ToolUses() []ContentBlock {
	var uses []ContentBlock
	for _, b := range r.Content {
		if b.Type == BlockToolUse {
			uses = append(uses, b)
		}
	}
	return uses
}

// ToolDefinition describes one tool to the provider.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema"` // JSON Schema
}

// Provider is a model endpoint. Implementations live outside this module.
type Provider interface {
	Name() string
	SendMessage(ctx context.Context, conversation []Message, tools []ToolDefinition, systemPrompt string) (Response, error)
}

// StreamChunk is one incremental piece of a streamed response.
type StreamChunk struct {
	Text string
}

// StreamingProvider is a Provider that can stream text responses. Streaming
// does not support tool calls; the runtime treats a completed stream as an
// end_turn response. Implementations must close ch before returning.
type StreamingProvider interface {
	Provider
	SendMessageStreaming(ctx context.Context, conversation []Message, tools []ToolDefinition, systemPrompt string, ch chan<- StreamChunk) (Response, error)
}

// --- Tool contract ---

// Tool is an external capability dispatched on behalf of an agent.
type Tool interface {
	Name() string
	Description() string
	// Execute runs the tool inside workingDir and returns its output text.
	// A returned error is fed back to the model, not raised to the caller.
	Execute(ctx context.Context, workingDir string, input json.RawMessage) (string, error)
}

// --- Progress callbacks ---

// ProgressKind identifies the kind of a progress event.
type ProgressKind string

const (
	ProgressInfo            ProgressKind = "info"
	ProgressWarning         ProgressKind = "warning"
	ProgressError           ProgressKind = "error"
	ProgressToolCall        ProgressKind = "tool_call"
	ProgressToolResult      ProgressKind = "tool_result"
	ProgressAssistant       ProgressKind = "assistant"
	ProgressAssistantStream ProgressKind = "assistant_stream"
	ProgressAssistantFinal  ProgressKind = "assistant_final"
)

// ProgressFunc receives runtime progress events. The runtime never blocks on
// the callback and treats a nil func as a no-op.
type ProgressFunc func(kind ProgressKind, content string)

// --- Logging ---

// nopLogger discards all output. Used when WithLogger is not set.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
