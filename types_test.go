package kobold

import (
	"encoding/json"
	"testing"
)

func TestMessageContentText(t *testing.T) {
	c := Text("hello")
	if got, ok := c.AsText(); !ok || got != "hello" {
		t.Errorf("AsText = %q, %v", got, ok)
	}
	if _, ok := c.AsBlocks(); ok {
		t.Error("text content is not blocks")
	}
	if c.ExtractText() != "hello" {
		t.Errorf("ExtractText = %q", c.ExtractText())
	}

	data, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != `"hello"` {
		t.Errorf("marshal = %s", data)
	}
	var back MessageContent
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if got, ok := back.AsText(); !ok || got != "hello" {
		t.Errorf("round trip = %q, %v", got, ok)
	}
}

func TestMessageContentBlocks(t *testing.T) {
	blocks := []ContentBlock{
		TextBlock("first "),
		ToolUseBlock("call-1", "write_file", json.RawMessage(`{"path":"a.go"}`)),
		TextBlock("second"),
	}
	c := Blocks(blocks)
	if c.ExtractText() != "first second" {
		t.Errorf("ExtractText = %q", c.ExtractText())
	}

	data, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	var back MessageContent
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	got, ok := back.AsBlocks()
	if !ok || len(got) != 3 {
		t.Fatalf("AsBlocks = %+v, %v", got, ok)
	}
	if got[1].Type != BlockToolUse || got[1].ID != "call-1" || got[1].Name != "write_file" {
		t.Errorf("tool_use block = %+v", got[1])
	}
	if string(got[1].Input) != `{"path":"a.go"}` {
		t.Errorf("input = %s", got[1].Input)
	}
}

func TestMessageContentOpaqueRetention(t *testing.T) {
	// An unknown payload shape must survive a store/load cycle byte for byte.
	raw := `{"type":"thinking","thought":"...","signature":"abc"}`
	var c MessageContent
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		t.Fatal(err)
	}
	got, ok := c.AsOpaque()
	if !ok {
		t.Fatalf("unknown object should be opaque: %+v", c)
	}
	if string(got) != raw {
		t.Errorf("opaque = %s", got)
	}
	if c.ExtractText() != "" {
		t.Errorf("opaque ExtractText = %q", c.ExtractText())
	}

	data, err := json.Marshal(c)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != raw {
		t.Errorf("marshal = %s, want verbatim payload", data)
	}
}

func TestMessageContentUnknownBlockTypeStaysOpaque(t *testing.T) {
	raw := `[{"type":"image","source":"..."}]`
	var c MessageContent
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		t.Fatal(err)
	}
	if _, ok := c.AsOpaque(); !ok {
		t.Errorf("array with unknown block type should stay opaque: %+v", c)
	}
}

func TestMessageConstructors(t *testing.T) {
	u := UserMessage("hi")
	if u.Role != "user" || u.Content.ExtractText() != "hi" {
		t.Errorf("user = %+v", u)
	}

	a := AssistantMessage(TextBlock("a"), ToolUseBlock("id", "t", nil))
	if a.Role != "assistant" {
		t.Errorf("assistant role = %q", a.Role)
	}
	if blocks, ok := a.Content.AsBlocks(); !ok || len(blocks) != 2 {
		t.Errorf("assistant blocks = %+v", a.Content)
	}

	r := ToolResultsMessage(ToolResultBlock("id", "out", false))
	if r.Role != "user" {
		t.Errorf("tool results role = %q", r.Role)
	}
	blocks, _ := r.Content.AsBlocks()
	if blocks[0].ToolUseID != "id" || blocks[0].Content != "out" || blocks[0].IsError {
		t.Errorf("result block = %+v", blocks[0])
	}
}

func TestResponseToolUses(t *testing.T) {
	r := Response{Content: []ContentBlock{
		TextBlock("thinking aloud"),
		ToolUseBlock("1", "read_file", nil),
		ToolUseBlock("2", "write_file", nil),
		TextBlock("done"),
	}}
	uses := r.ToolUses()
	if len(uses) != 2 || uses[0].ID != "1" || uses[1].ID != "2" {
		t.Errorf("ToolUses = %+v", uses)
	}

	if got := (Response{}).ToolUses(); got != nil {
		t.Errorf("empty response ToolUses = %+v", got)
	}
}

func TestMessageJSONRoundTrip(t *testing.T) {
	msgs := []Message{
		UserMessage("do the thing"),
		AssistantMessage(ToolUseBlock("c1", "echo", json.RawMessage(`{}`))),
		ToolResultsMessage(ToolResultBlock("c1", "ok", false)),
	}
	data, err := json.Marshal(msgs)
	if err != nil {
		t.Fatal(err)
	}
	var back []Message
	if err := json.Unmarshal(data, &back); err != nil {
		t.Fatal(err)
	}
	if len(back) != 3 || back[0].Role != "user" || back[1].Role != "assistant" || back[2].Role != "user" {
		t.Fatalf("round trip = %+v", back)
	}
	blocks, ok := back[1].Content.AsBlocks()
	if !ok || blocks[0].Name != "echo" {
		t.Errorf("assistant content = %+v", back[1].Content)
	}
}
