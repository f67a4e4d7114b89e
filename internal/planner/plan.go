// Package planner owns the execution-plan model and the three planner
// handlers of the orchestration state machine: initial planning, task
// creation, and synthesis. Plan semantics (todo flags, markdown rendering,
// merge rules that preserve completed and obsolete entries) follow the
// execution-plan converter of the system this engine re-implements.
package planner

import (
	"strings"
)

// TodoItem is one unit of an execution plan.
type TodoItem struct {
	// Description is the original task description.
	Description string `json:"description"`

	// UpdatedDescription revises Description when the plan evolves; the
	// rendered plan prefers it when non-empty.
	UpdatedDescription string `json:"updated_description"`

	// NextAction marks the todo selected for the next worker. At most one
	// todo carries it at a time.
	NextAction bool `json:"next_action"`

	// Completed marks the todo done.
	Completed bool `json:"completed"`

	// Obsolete marks the todo dropped from the plan without being done. A
	// todo is never both Completed and Obsolete.
	Obsolete bool `json:"obsolete"`
}

// Open reports whether the todo still needs work.
func (t TodoItem) Open() bool { return !t.Completed && !t.Obsolete }

// Text returns the effective description.
func (t TodoItem) Text() string {
	if t.UpdatedDescription != "" {
		return t.UpdatedDescription
	}
	return t.Description
}

// ExecutionPlan is the structured plan driving a Planner's work, persisted
// as JSON per planner (execution_plan_model.json).
type ExecutionPlan struct {
	Objective string     `json:"objective"`
	Todos     []TodoItem `json:"todos"`
}

// InitialExecutionPlan is the shape of the first structured LLM response: a
// bare objective plus plain todo descriptions.
type InitialExecutionPlan struct {
	Objective string   `json:"objective"`
	Todos     []string `json:"todos"`
}

// NewExecutionPlan converts an InitialExecutionPlan, flagging the first todo
// as the next action.
func NewExecutionPlan(initial InitialExecutionPlan) *ExecutionPlan {
	plan := &ExecutionPlan{Objective: initial.Objective}
	for i, desc := range initial.Todos {
		plan.Todos = append(plan.Todos, TodoItem{Description: desc, NextAction: i == 0})
	}
	return plan
}

// NextAction returns the todo flagged next_action, or nil.
func (p *ExecutionPlan) NextAction() *TodoItem {
	for i := range p.Todos {
		if p.Todos[i].NextAction {
			return &p.Todos[i]
		}
	}
	return nil
}

// HasOpenTodos reports whether any todo still needs work.
func (p *ExecutionPlan) HasOpenTodos() bool {
	for _, t := range p.Todos {
		if t.Open() {
			return true
		}
	}
	return false
}

// OpenTodos returns the effective descriptions of all open todos in order.
func (p *ExecutionPlan) OpenTodos() []string {
	var out []string
	for _, t := range p.Todos {
		if t.Open() {
			out = append(out, t.Text())
		}
	}
	return out
}

// MarkNextActionCompleted flips the current next_action todo to completed
// and clears its flag. No-op when nothing is flagged.
func (p *ExecutionPlan) MarkNextActionCompleted() {
	for i := range p.Todos {
		if p.Todos[i].NextAction {
			p.Todos[i].Completed = true
			p.Todos[i].NextAction = false
			return
		}
	}
}

// ResetNextAction clears every next_action flag and sets it on the first
// open todo, restoring the at-most-one invariant after a merge.
func (p *ExecutionPlan) ResetNextAction() {
	for i := range p.Todos {
		p.Todos[i].NextAction = false
	}
	for i := range p.Todos {
		if p.Todos[i].Open() {
			p.Todos[i].NextAction = true
			return
		}
	}
}

// MergeRevision folds an LLM plan revision back into the plan. The revision
// was produced from the open todos only, so completed and obsolete entries
// are preserved as-is and the revised entries replace the open ones in
// order. Revisions may append new todos but never shrink the plan: surplus
// open entries the revision dropped are kept unchanged. An empty revised
// objective keeps the current one.
func (p *ExecutionPlan) MergeRevision(rev ExecutionPlan) {
	if strings.TrimSpace(rev.Objective) != "" {
		p.Objective = rev.Objective
	}
	merged := make([]TodoItem, 0, len(p.Todos)+len(rev.Todos))
	next := 0
	for _, t := range p.Todos {
		if !t.Open() {
			merged = append(merged, t)
			continue
		}
		if next < len(rev.Todos) {
			r := rev.Todos[next]
			next++
			if r.Completed && r.Obsolete {
				r.Obsolete = false
			}
			if strings.TrimSpace(r.Description) == "" {
				r.Description = t.Description
			}
			merged = append(merged, r)
		} else {
			merged = append(merged, t)
		}
	}
	for ; next < len(rev.Todos); next++ {
		r := rev.Todos[next]
		if strings.TrimSpace(r.Description) == "" {
			continue
		}
		if r.Completed && r.Obsolete {
			r.Obsolete = false
		}
		merged = append(merged, r)
	}
	p.Todos = merged
	p.ResetNextAction()
}

// Markdown renders the plan for the UI and for planner prompts: completed
// todos as checked strikethrough, obsolete ones as crossed strikethrough,
// open ones as unchecked items.
func (p *ExecutionPlan) Markdown() string {
	var b strings.Builder
	b.WriteString("# Objective\n")
	b.WriteString(p.Objective)
	b.WriteString("\n\n# Todos\n")
	for _, t := range p.Todos {
		switch {
		case t.Completed:
			b.WriteString("- [x] ~~" + t.Text() + "~~\n")
		case t.Obsolete:
			b.WriteString("- [-] ~~" + t.Text() + "~~\n")
		default:
			b.WriteString("- [ ] " + t.Text() + "\n")
		}
	}
	return b.String()
}

// MarkdownWithCurrent renders the plan with the current next-action todo
// marked, for the task-creation prompt.
func (p *ExecutionPlan) MarkdownWithCurrent() string {
	var b strings.Builder
	b.WriteString("# Objective\n")
	b.WriteString(p.Objective)
	b.WriteString("\n\n# Todos\n")
	for _, t := range p.Todos {
		switch {
		case t.Completed:
			b.WriteString("- [x] ~~" + t.Text() + "~~\n")
		case t.Obsolete:
			b.WriteString("- [-] ~~" + t.Text() + "~~\n")
		case t.NextAction:
			b.WriteString("- [ ] " + t.Text() + "   <-- current task\n")
		default:
			b.WriteString("- [ ] " + t.Text() + "\n")
		}
	}
	return b.String()
}

// OpenTodosFromMarkdown extracts the open todo descriptions from a rendered
// plan, in order. It is the inverse of Markdown for open entries: completed
// and obsolete lines are skipped.
func OpenTodosFromMarkdown(md string) []string {
	var out []string
	for _, line := range strings.Split(md, "\n") {
		trimmed := strings.TrimSpace(line)
		if rest, ok := strings.CutPrefix(trimmed, "- [ ] "); ok {
			rest = strings.TrimSuffix(rest, "   <-- current task")
			out = append(out, rest)
		}
	}
	return out
}
