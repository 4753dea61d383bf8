package report

import (
	"strings"

	"github.com/charmbracelet/lipgloss/tree"

	"github.com/CZERTAINLY/gulp/internal/orchestrator"
)

// Tree renders the registered tasks of o in registration order. Before
// dependencies are appended with <, after dependencies with >. Composite
// tasks list their steps as children.
func Tree(label string, o *orchestrator.Orchestrator, steps map[string][]string, styles Styles) string {
	t := tree.Root(label)
	for _, name := range o.TaskNames() {
		task, ok := o.Lookup(name)
		if !ok {
			continue
		}
		line := styles.Name.Render(name)
		if len(task.Before) > 0 {
			line += " < " + strings.Join(task.Before, " < ")
		}
		if len(task.After) > 0 {
			line += " > " + strings.Join(task.After, " > ")
		}
		if task.Description != "" {
			line += "  " + task.Description
		}
		children := steps[name]
		if len(children) == 0 {
			t.Child(line)
			continue
		}
		sub := tree.Root(line)
		for _, c := range children {
			sub.Child(c)
		}
		t.Child(sub)
	}
	return t.String()
}

// Simple lists the task names one per line.
func Simple(o *orchestrator.Orchestrator) string {
	var sb strings.Builder
	for _, name := range o.TaskNames() {
		sb.WriteString(name)
		sb.WriteByte('\n')
	}
	return sb.String()
}
