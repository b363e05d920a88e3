// Package editor keeps lint decorations in a line-addressed editor in step
// with lint results.
//
// Decorations are tracked by line number only. Two findings on the same line
// share one marker, so the marker is cleared only when no finding remains on
// that line.
package editor

import (
	"sort"
	"sync"

	"github.com/pitabwire/portico/model"
)

// Editor is the line-addressed view that shows lint decorations. Lines are
// 0-based.
type Editor interface {
	SetMarker(line int)
	ClearMarker(line int)
	RevealLine(line int)
}

// Lines returns the distinct finding lines of result in ascending order.
func Lines(result model.LintRunResult) []int {
	seen := make(map[int]bool, len(result.Findings))
	var lines []int
	for _, f := range result.Findings {
		if !seen[f.Line] {
			seen[f.Line] = true
			lines = append(lines, f.Line)
		}
	}
	sort.Ints(lines)
	return lines
}

// ClearedLines returns the lines that carried a finding in prev and carry
// none in cur, in ascending order.
func ClearedLines(prev, cur model.LintRunResult) []int {
	current := make(map[int]bool, len(cur.Findings))
	for _, f := range cur.Findings {
		current[f.Line] = true
	}
	var cleared []int
	for _, line := range Lines(prev) {
		if !current[line] {
			cleared = append(cleared, line)
		}
	}
	return cleared
}

// Navigator applies lint results to an Editor.
type Navigator struct {
	editor Editor
}

// NewNavigator creates a Navigator for e.
func NewNavigator(e Editor) *Navigator {
	return &Navigator{editor: e}
}

// Sync clears markers on lines that no longer have findings and sets a
// marker on every line of cur.
func (n *Navigator) Sync(prev, cur model.LintRunResult) {
	for _, line := range ClearedLines(prev, cur) {
		n.editor.ClearMarker(line)
	}
	for _, line := range Lines(cur) {
		n.editor.SetMarker(line)
	}
}

// Select moves the editor to the finding's line and marks it.
func (n *Navigator) Select(f model.LintFinding) {
	n.editor.RevealLine(f.Line)
	n.editor.SetMarker(f.Line)
}

// Action kinds recorded by Recorder.
const (
	ActionSet    = "set"
	ActionClear  = "clear"
	ActionReveal = "reveal"
)

// Action is one editor call.
type Action struct {
	Kind string `json:"kind"`
	Line int    `json:"line"`
}

// Recorder is an Editor that records calls instead of drawing them. The HTTP
// API returns the recorded actions so a remote console can replay them.
type Recorder struct {
	mu      sync.Mutex
	actions []Action
}

// SetMarker records a set action.
func (r *Recorder) SetMarker(line int) { r.record(ActionSet, line) }

// ClearMarker records a clear action.
func (r *Recorder) ClearMarker(line int) { r.record(ActionClear, line) }

// RevealLine records a reveal action.
func (r *Recorder) RevealLine(line int) { r.record(ActionReveal, line) }

func (r *Recorder) record(kind string, line int) {
	r.mu.Lock()
	r.actions = append(r.actions, Action{Kind: kind, Line: line})
	r.mu.Unlock()
}

// Actions returns the recorded actions in call order, never nil.
func (r *Recorder) Actions() []Action {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Action, len(r.actions))
	copy(out, r.actions)
	return out
}

// Plan returns the actions that move an editor from prev to cur.
func Plan(prev, cur model.LintRunResult) []Action {
	rec := &Recorder{}
	NewNavigator(rec).Sync(prev, cur)
	return rec.Actions()
}
