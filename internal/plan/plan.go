// Package plan reads and extends the markdown checklist carried in a plan
// record's body. Steps are unchecked task-list items; a step is complete once
// a checked item "- [x] <step>: <detail>" for it has been appended. The body
// is only ever appended to.
package plan

import (
	"fmt"
	"strings"
	"sync"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	extast "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"
)

const (
	stepsHeading    = "## Steps"
	progressHeading = "## Progress"
	maxDetail       = 300
)

var (
	parserInstance goldmark.Markdown
	parserOnce     sync.Once
)

func parser() goldmark.Markdown {
	parserOnce.Do(func() {
		parserInstance = goldmark.New(goldmark.WithExtensions(extension.TaskList))
	})
	return parserInstance
}

// Step is one checklist entry and its completion.
type Step struct {
	Text   string
	Done   bool
	Detail string
}

type item struct {
	text    string
	checked bool
}

// taskItems returns every task-list item in document order.
func taskItems(body string) []item {
	source := []byte(body)
	doc := parser().Parser().Parse(text.NewReader(source))

	var items []item
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering || n.Kind() != ast.KindListItem {
			return ast.WalkContinue, nil
		}
		block := n.FirstChild()
		if block == nil {
			return ast.WalkContinue, nil
		}
		box, ok := block.FirstChild().(*extast.TaskCheckBox)
		if !ok {
			return ast.WalkContinue, nil
		}
		items = append(items, item{
			text:    strings.TrimSpace(inlineText(block, source)),
			checked: box.IsChecked,
		})
		return ast.WalkContinue, nil
	})
	return items
}

// inlineText concatenates the text segments under a block; soft line breaks
// become spaces.
func inlineText(block ast.Node, source []byte) string {
	var b strings.Builder
	_ = ast.Walk(block, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if t, ok := n.(*ast.Text); ok {
			b.Write(t.Segment.Value(source))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}

// Parse returns the plan's steps with completion matched from checked items.
// Completions are matched in order, so repeated step names each need their
// own checked entry.
func Parse(body string) []Step {
	items := taskItems(body)

	var steps []Step
	var done []item
	for _, it := range items {
		if it.checked {
			done = append(done, it)
			continue
		}
		steps = append(steps, Step{Text: it.text})
	}

	used := make([]bool, len(done))
	for i := range steps {
		for j, d := range done {
			if used[j] {
				continue
			}
			if detail, ok := completes(d.text, steps[i].Text); ok {
				used[j] = true
				steps[i].Done = true
				steps[i].Detail = detail
				break
			}
		}
	}
	return steps
}

func completes(checked, step string) (string, bool) {
	if checked == step {
		return "", true
	}
	if rest, ok := strings.CutPrefix(checked, step+":"); ok {
		return strings.TrimSpace(rest), true
	}
	return "", false
}

// Next returns the index and text of the first incomplete step.
func Next(body string) (int, string, bool) {
	for i, s := range Parse(body) {
		if !s.Done {
			return i, s.Text, true
		}
	}
	return -1, "", false
}

// Complete reports whether every step is done. A plan with no steps is complete.
func Complete(body string) bool {
	_, _, ok := Next(body)
	return !ok
}

// Progress returns completed and total step counts.
func Progress(body string) (done, total int) {
	steps := Parse(body)
	for _, s := range steps {
		if s.Done {
			done++
		}
	}
	return done, len(steps)
}

// Render builds the initial plan body for a source record.
func Render(title, objective string, steps []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n", title)
	if objective != "" {
		fmt.Fprintf(&b, "## Objective\n\n%s\n\n", strings.TrimSpace(objective))
	}
	b.WriteString(stepsHeading + "\n\n")
	for _, s := range steps {
		fmt.Fprintf(&b, "- [ ] %s\n", oneLine(s))
	}
	return b.String()
}

// AppendCompleted appends a checked entry for step.
func AppendCompleted(body, step, detail string) string {
	line := "- [x] " + oneLine(step)
	if d := truncate(oneLine(detail)); d != "" {
		line += ": " + d
	}
	return appendProgress(body, line)
}

// AppendNote appends a plain progress line that does not affect completion.
func AppendNote(body, note string) string {
	return appendProgress(body, "> "+truncate(oneLine(note)))
}

func appendProgress(body, line string) string {
	var b strings.Builder
	b.WriteString(body)
	if body != "" && !strings.HasSuffix(body, "\n") {
		b.WriteByte('\n')
	}
	if !strings.Contains(body, "\n"+progressHeading+"\n") && !strings.HasPrefix(body, progressHeading+"\n") {
		b.WriteString("\n" + progressHeading + "\n\n")
	} else if strings.HasPrefix(line, "> ") || lastLineIsQuote(body) {
		// Keep quotes and list items from merging into one block.
		b.WriteByte('\n')
	}
	b.WriteString(line)
	b.WriteByte('\n')
	return b.String()
}

func lastLineIsQuote(body string) bool {
	trimmed := strings.TrimRight(body, "\n")
	idx := strings.LastIndex(trimmed, "\n")
	return strings.HasPrefix(trimmed[idx+1:], "> ")
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) <= maxDetail {
		return s
	}
	return string(r[:maxDetail-3]) + "..."
}
