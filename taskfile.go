package kobold

import (
	"bytes"
	"os"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

// AreaTask is one checklist entry from an area task file.
type AreaTask struct {
	Area        string
	Description string
	Done        bool
}

// taskFileParser parses the GFM task-list syntax the external orchestrators
// write.
var taskFileParser = goldmark.New(goldmark.WithExtensions(extension.TaskList))

// ParseTaskFile reads an `<area>-tasks.md` checklist. Headings open areas;
// list items carrying a `[ ]` or `[x]` marker become tasks under the most
// recent heading. Items without a checkbox are ignored (prose, notes).
func ParseTaskFile(path string) ([]AreaTask, error) {
	source, err := os.ReadFile(path)
	if err != nil {
		return nil, &ErrPersistence{Op: "load task file", Path: path, Err: err}
	}
	return ParseTasks(source), nil
}

// ParseTasks parses task-list markdown from memory.
func ParseTasks(source []byte) []AreaTask {
	doc := taskFileParser.Parser().Parse(text.NewReader(source))

	var tasks []AreaTask
	area := ""
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch node := n.(type) {
		case *ast.Heading:
			area = strings.TrimSpace(string(nodeText(node, source)))
			return ast.WalkSkipChildren, nil
		case *ast.ListItem:
			checkbox := findCheckbox(node)
			if checkbox == nil {
				return ast.WalkContinue, nil
			}
			desc := strings.TrimSpace(string(itemText(node, source)))
			if desc == "" {
				return ast.WalkSkipChildren, nil
			}
			tasks = append(tasks, AreaTask{
				Area:        area,
				Description: desc,
				Done:        checkbox.IsChecked,
			})
			// Nested checklists under this item still get visited.
			return ast.WalkContinue, nil
		}
		return ast.WalkContinue, nil
	})
	return tasks
}

// PendingTasks filters to the unchecked entries.
func PendingTasks(tasks []AreaTask) []AreaTask {
	var pending []AreaTask
	for _, t := range tasks {
		if !t.Done {
			pending = append(pending, t)
		}
	}
	return pending
}

// findCheckbox returns the item's task checkbox, or nil for a plain list
// item. The TaskList extension places it as the first inline child of the
// item's first block.
func findCheckbox(item *ast.ListItem) *extast.TaskCheckBox {
	block := item.FirstChild()
	if block == nil {
		return nil
	}
	for inline := block.FirstChild(); inline != nil; inline = inline.NextSibling() {
		if cb, ok := inline.(*extast.TaskCheckBox); ok {
			return cb
		}
	}
	return nil
}

// itemText collects the item's own text, excluding nested list items.
func itemText(item *ast.ListItem, source []byte) []byte {
	var buf bytes.Buffer
	for block := item.FirstChild(); block != nil; block = block.NextSibling() {
		if _, isList := block.(*ast.List); isList {
			continue
		}
		buf.Write(nodeText(block, source))
	}
	return buf.Bytes()
}

// nodeText concatenates the text segments under n.
func nodeText(n ast.Node, source []byte) []byte {
	var buf bytes.Buffer
	_ = ast.Walk(n, func(child ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if t, ok := child.(*ast.Text); ok {
			buf.Write(t.Segment.Value(source))
		}
		return ast.WalkContinue, nil
	})
	return buf.Bytes()
}
