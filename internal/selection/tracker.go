// Package selection tracks which conversations are selected in a filtered,
// partially loaded list.
package selection

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/inbox/internal/conversation"
)

// Mode is the tracker's selection mode.
type Mode string

const (
	ModeNormal Mode = "normal"
	// ModeAllMatching selects every record matching the captured filter,
	// including records not paged in yet, minus explicit deselections.
	ModeAllMatching Mode = "select_all_matching"
)

// View is the live list the tracker resolves targets against.
type View interface {
	Filtered(f conversation.Filter) []conversation.Record
}

// State is a copy of the tracker's state.
type State struct {
	Mode       Mode                `json:"mode"`
	Selected   []string            `json:"selected,omitempty"`
	Deselected []string            `json:"deselected,omitempty"`
	Filter     conversation.Filter `json:"filter"`
	// Visible counts the records selected on screen when select-all began,
	// minus later deselections among them.
	Visible int `json:"visible"`
}

// Tracker holds selection state. It is safe for concurrent use.
type Tracker struct {
	mu         sync.Mutex
	mode       Mode
	selected   map[string]struct{}
	deselected map[string]struct{}
	filter     conversation.Filter
	visible    []string
}

// New returns an empty tracker in normal mode.
func New() *Tracker {
	return &Tracker{
		mode:       ModeNormal,
		selected:   make(map[string]struct{}),
		deselected: make(map[string]struct{}),
	}
}

// Toggle flips id's membership and reports whether it is now selected.
func (t *Tracker) Toggle(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.mode == ModeAllMatching {
		if _, ok := t.deselected[id]; ok {
			delete(t.deselected, id)
			return true
		}
		t.deselected[id] = struct{}{}
		return false
	}
	if _, ok := t.selected[id]; ok {
		delete(t.selected, id)
		return false
	}
	t.selected[id] = struct{}{}
	return true
}

// Clear drops every selection and returns to normal mode.
func (t *Tracker) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mode = ModeNormal
	clear(t.selected)
	clear(t.deselected)
	t.filter = conversation.Filter{}
	t.visible = nil
}

// EnterSelectAll switches to all-matching mode under f. visibleIDs are the
// records on screen at that moment.
func (t *Tracker) EnterSelectAll(f conversation.Filter, visibleIDs []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mode = ModeAllMatching
	t.filter = f
	clear(t.deselected)
	t.visible = slices.Clone(visibleIDs)
}

// IsSelected reports whether id is selected.
func (t *Tracker) IsSelected(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.isSelectedLocked(id)
}

func (t *Tracker) isSelectedLocked(id string) bool {
	if t.mode == ModeAllMatching {
		_, out := t.deselected[id]
		return !out
	}
	_, in := t.selected[id]
	return in
}

// SetFilter tells the tracker the active filter changed. An all-matching
// selection captured under a different filter falls back to normal mode,
// keeping only explicit selections. It reports whether a reset happened.
func (t *Tracker) SetFilter(f conversation.Filter) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.mode != ModeAllMatching || t.filter.Equal(f) {
		return false
	}
	t.mode = ModeNormal
	clear(t.deselected)
	t.filter = conversation.Filter{}
	t.visible = nil
	return true
}

// Mode returns the current selection mode.
func (t *Tracker) Mode() Mode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// State returns a copy of the current state with ids sorted.
func (t *Tracker) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := State{
		Mode:       t.mode,
		Selected:   sortedKeys(t.selected),
		Deselected: sortedKeys(t.deselected),
		Filter:     t.filter,
	}
	for _, id := range t.visible {
		if t.isSelectedLocked(id) {
			st.Visible++
		}
	}
	return st
}

// ResolveTargets expands the selection into primary ids against the live
// view. In all-matching mode every record under the captured filter is a
// target unless one of its ids was deselected. In normal mode explicit ids
// are mapped onto the record holding them; ids no record holds pass through.
func (t *Tracker) ResolveTargets(v View) []string {
	t.mu.Lock()
	mode, f := t.mode, t.filter
	selected := sortedKeys(t.selected)
	deselected := make(map[string]struct{}, len(t.deselected))
	for id := range t.deselected {
		deselected[id] = struct{}{}
	}
	t.mu.Unlock()

	if mode == ModeAllMatching {
		var targets []string
		for _, rec := range v.Filtered(f) {
			if !holdsAny(&rec, deselected) {
				targets = append(targets, rec.PrimaryID)
			}
		}
		return targets
	}

	if len(selected) == 0 {
		return nil
	}
	all := v.Filtered(conversation.AllFilter)
	seen := make(map[string]struct{}, len(selected))
	var targets []string
	for _, id := range selected {
		target := id
		for i := range all {
			if all[i].Holds(id) {
				target = all[i].PrimaryID
				break
			}
		}
		if _, dup := seen[target]; dup {
			continue
		}
		seen[target] = struct{}{}
		targets = append(targets, target)
	}
	return targets
}

// ApplyBatch resolves targets just before dispatch and calls apply for each.
// The selection is cleared when every call succeeds.
func (t *Tracker) ApplyBatch(ctx context.Context, v View, apply func(ctx context.Context, id string) error) ([]string, error) {
	targets := t.ResolveTargets(v)
	var errs []error
	for _, id := range targets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		if err := apply(ctx, id); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", id, err))
		}
	}
	if len(errs) > 0 {
		return targets, errors.Join(errs...)
	}
	t.Clear()
	return targets, nil
}

func holdsAny(rec *conversation.Record, ids map[string]struct{}) bool {
	for _, id := range rec.MergedIDs {
		if _, ok := ids[id]; ok {
			return true
		}
	}
	return false
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
