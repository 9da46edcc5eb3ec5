package engine

import (
	"bitacora/internal/domain"
	"bitacora/internal/reconcile"
)

// State is everything the controller owns. Reducers below never modify
// their input; they return the next state.
type State struct {
	Entries  []domain.Entry  `json:"entries"`
	Draft    domain.Draft    `json:"current"`
	Settings domain.Settings `json:"settings"`
}

func (s State) clone() State {
	return State{
		Entries:  domain.CloneEntries(s.Entries),
		Draft:    s.Draft.Clone(),
		Settings: s.Settings,
	}
}

// applySave appends the entry and clears the operational fields of the
// draft. Person and date are kept for the next entry.
func applySave(s State, e domain.Entry, blank domain.Draft) State {
	next := s.clone()
	next.Entries = append(next.Entries, e.Clone())
	d := blank.Clone()
	d.PersonName = s.Draft.PersonName
	d.Date = s.Draft.Date
	next.Draft = d
	return next
}

func applyDelete(s State, id string) (State, bool) {
	next := s.clone()
	out := next.Entries[:0]
	removed := false
	for _, e := range next.Entries {
		if e.ID == id {
			removed = true
			continue
		}
		out = append(out, e)
	}
	next.Entries = out
	return next, removed
}

func applyPull(s State, remote []domain.Entry, mode reconcile.Mode) State {
	next := s.clone()
	next.Entries = reconcile.Merge(s.Entries, remote, mode)
	return next
}

// applyImport replaces the entries with a backup, one entry per id.
func applyImport(s State, entries []domain.Entry) State {
	next := s.clone()
	next.Entries = reconcile.Dedupe(entries)
	return next
}

func applyDraft(s State, fn func(*domain.Draft)) State {
	next := s.clone()
	fn(&next.Draft)
	return next
}

func applySettings(s State, fn func(*domain.Settings)) State {
	next := s.clone()
	fn(&next.Settings)
	return next
}

// normalizeDraft makes sure every catalog key has a slot and at least one
// "otros" row exists.
func normalizeDraft(d domain.Draft, blank domain.Draft) domain.Draft {
	out := d.Clone()
	if out.Tasks == nil {
		out.Tasks = map[string]domain.TaskEntry{}
	}
	for k, v := range blank.Tasks {
		if _, ok := out.Tasks[k]; !ok {
			out.Tasks[k] = v
		}
	}
	if len(out.Otros) == 0 {
		out.Otros = append([]domain.OtherRow(nil), blank.Otros...)
	}
	return out
}
