// Package workflow implements declarative, guard-ordered transition tables.
//
// A Table is an ordered list of rows. Firing a trigger selects the first row
// whose source states contain the current state, whose conditions all hold and
// whose unless-guards all fail. Before hooks run first; the destination is then
// applied and after hooks run in declared order. If any hook fails the subject's
// previous state is restored. Rows marked Replay accept delayed or duplicate
// triggers as no-ops.
package workflow

import (
	"context"
	"fmt"

	appErrors "github.com/noah-isme/sanction-engine/pkg/errors"
)

// Stateful is the subject a table drives.
type Stateful[S comparable] interface {
	CurrentState() S
	SetState(S)
}

// Guard is a named predicate over the firing context.
type Guard[C any] struct {
	Name  string
	Check func(C) bool
}

// Hook is a named side effect over the firing context.
type Hook[C any] struct {
	Name string
	Run  func(ctx context.Context, c C) error
}

// Transition is one row of a table.
type Transition[S comparable, T comparable, C any] struct {
	Trigger    T
	Sources    []S
	Dest       S
	Unchanged  bool
	Replay     bool
	Conditions []Guard[C]
	Unless     []Guard[C]
	Before     []Hook[C]
	After      []Hook[C]
}

func (t Transition[S, T, C]) hasSource(state S) bool {
	for _, s := range t.Sources {
		if s == state {
			return true
		}
	}
	return false
}

func (t Transition[S, T, C]) matches(c C) bool {
	for _, g := range t.Conditions {
		if !g.Check(c) {
			return false
		}
	}
	for _, g := range t.Unless {
		if g.Check(c) {
			return false
		}
	}
	return true
}

// Describe renders the row for logs and diagnostics.
func (t Transition[S, T, C]) Describe() string {
	dest := fmt.Sprint(t.Dest)
	if t.Unchanged || t.Replay {
		dest = "="
	}
	desc := fmt.Sprintf("%v %v -> %s", t.Trigger, t.Sources, dest)
	for _, g := range t.Conditions {
		desc += " if " + g.Name
	}
	for _, g := range t.Unless {
		desc += " unless " + g.Name
	}
	return desc
}

// Result reports what a Fire call did.
type Result[S comparable, T comparable] struct {
	Trigger T
	From    S
	To      S
	Changed bool
	Replay  bool
	Row     int
}

// Table is an immutable, ordered transition table.
type Table[S comparable, T comparable, C Stateful[S]] struct {
	name   string
	states map[S]struct{}
	rows   []Transition[S, T, C]
}

// NewTable validates that every source and destination is a declared state.
func NewTable[S comparable, T comparable, C Stateful[S]](name string, states []S, rows ...Transition[S, T, C]) (*Table[S, T, C], error) {
	declared := make(map[S]struct{}, len(states))
	for _, s := range states {
		declared[s] = struct{}{}
	}
	for i, row := range rows {
		if len(row.Sources) == 0 {
			return nil, fmt.Errorf("workflow %s: row %d (%v) has no source states", name, i, row.Trigger)
		}
		for _, s := range row.Sources {
			if _, ok := declared[s]; !ok {
				return nil, fmt.Errorf("workflow %s: row %d source %v is not a declared state", name, i, s)
			}
		}
		if row.Unchanged || row.Replay {
			continue
		}
		if _, ok := declared[row.Dest]; !ok {
			return nil, fmt.Errorf("workflow %s: row %d destination %v is not a declared state", name, i, row.Dest)
		}
	}
	return &Table[S, T, C]{name: name, states: declared, rows: rows}, nil
}

// MustTable panics when the table is inconsistent; used for package-level tables.
func MustTable[S comparable, T comparable, C Stateful[S]](name string, states []S, rows ...Transition[S, T, C]) *Table[S, T, C] {
	table, err := NewTable(name, states, rows...)
	if err != nil {
		panic(err)
	}
	return table
}

// Name returns the workflow family name.
func (t *Table[S, T, C]) Name() string {
	return t.name
}

// Declares reports whether state belongs to the table's state set.
func (t *Table[S, T, C]) Declares(state S) bool {
	_, ok := t.states[state]
	return ok
}

// Resolve returns the index of the first fully matching row, or -1.
func (t *Table[S, T, C]) Resolve(trigger T, c C) int {
	state := c.CurrentState()
	for i, row := range t.rows {
		if row.Trigger != trigger || !row.hasSource(state) {
			continue
		}
		if row.matches(c) {
			return i
		}
	}
	return -1
}

// Fire resolves trigger against c's current state and applies the selected row.
func (t *Table[S, T, C]) Fire(ctx context.Context, trigger T, c C) (Result[S, T], error) {
	from := c.CurrentState()
	result := Result[S, T]{Trigger: trigger, From: from, To: from, Row: -1}
	idx := t.Resolve(trigger, c)
	if idx < 0 {
		return result, appErrors.Clone(appErrors.ErrInvalidTransition,
			fmt.Sprintf("%s: cannot %v from %v", t.name, trigger, from))
	}
	row := t.rows[idx]
	result.Row = idx
	if row.Replay {
		result.Replay = true
		return result, nil
	}

	for _, hook := range row.Before {
		if err := hook.Run(ctx, c); err != nil {
			return result, err
		}
	}
	if !row.Unchanged {
		c.SetState(row.Dest)
		result.To = row.Dest
		result.Changed = row.Dest != from
	}
	for _, hook := range row.After {
		if err := hook.Run(ctx, c); err != nil {
			c.SetState(from)
			result.To = from
			result.Changed = false
			return result, err
		}
	}
	// After hooks may fire nested triggers that move the subject further.
	result.To = c.CurrentState()
	result.Changed = result.To != from
	return result, nil
}

// Shadowed lists rows that can never be selected because an earlier row for the
// same trigger has no guards and covers every one of their source states.
func (t *Table[S, T, C]) Shadowed() []string {
	var shadowed []string
	for i, row := range t.rows {
		for j := 0; j < i; j++ {
			earlier := t.rows[j]
			if earlier.Trigger != row.Trigger || len(earlier.Conditions) > 0 || len(earlier.Unless) > 0 {
				continue
			}
			covered := true
			for _, s := range row.Sources {
				if !earlier.hasSource(s) {
					covered = false
					break
				}
			}
			if covered {
				shadowed = append(shadowed, fmt.Sprintf("row %d (%s) shadowed by row %d", i, row.Describe(), j))
				break
			}
		}
	}
	return shadowed
}
