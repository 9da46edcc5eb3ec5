// Package reconcile combines the local dataset with entries pulled from the
// remote store.
package reconcile

import (
	"fmt"
	"strings"

	"bitacora/internal/domain"
)

type Mode string

const (
	// ModeMerge keeps local entries and overwrites or inserts remote ones by id.
	ModeMerge Mode = "merge"
	// ModeReplace discards the local dataset in favour of the remote one.
	// Entries not yet delivered are lost.
	ModeReplace Mode = "replace"
)

func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case "", ModeMerge:
		return ModeMerge, nil
	case ModeReplace:
		return ModeReplace, nil
	}
	return "", fmt.Errorf("unknown reconcile mode %q (want merge or replace)", s)
}

// Destructive reports whether applying the mode can drop local entries.
func (m Mode) Destructive() bool { return m == ModeReplace }

// Merge returns the reconciled dataset. Inputs are not modified.
//
// In merge mode a remote entry replaces the local entry with the same id
// wholesale. Local order is kept, replaced entries stay in place, and new
// remote ids follow in remote order. Repeated local ids collapse as in
// Dedupe. Callers should rely on containment only.
func Merge(local, remote []domain.Entry, mode Mode) []domain.Entry {
	if mode == ModeReplace {
		return Dedupe(remote)
	}
	out := Dedupe(local)
	idx := make(map[string]int, len(out))
	for i, e := range out {
		idx[e.ID] = i
	}
	for _, r := range remote {
		if i, ok := idx[r.ID]; ok {
			out[i] = r.Clone()
			continue
		}
		idx[r.ID] = len(out)
		out = append(out, r.Clone())
	}
	return out
}

// Dedupe copies entries keeping one per id: the last occurrence wins and
// takes the position of the first.
func Dedupe(entries []domain.Entry) []domain.Entry {
	out := make([]domain.Entry, 0, len(entries))
	idx := make(map[string]int, len(entries))
	for _, r := range entries {
		if i, ok := idx[r.ID]; ok {
			out[i] = r.Clone()
			continue
		}
		idx[r.ID] = len(out)
		out = append(out, r.Clone())
	}
	return out
}

// Diff counts ids added, kept and removed between two datasets.
type Diff struct {
	Added   int `json:"added"`
	Kept    int `json:"kept"`
	Removed int `json:"removed"`
}

func Compare(before, after []domain.Entry) Diff {
	prev := make(map[string]bool, len(before))
	for _, e := range before {
		prev[e.ID] = true
	}
	var d Diff
	seen := make(map[string]bool, len(after))
	for _, e := range after {
		seen[e.ID] = true
		if prev[e.ID] {
			d.Kept++
		} else {
			d.Added++
		}
	}
	for id := range prev {
		if !seen[id] {
			d.Removed++
		}
	}
	return d
}
