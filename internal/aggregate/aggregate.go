// Package aggregate derives totals and report views from entries. Every
// function is pure: inputs are never modified and repeated calls agree.
package aggregate

import (
	"sort"
	"strings"

	"bitacora/internal/domain"
)

type Aggregator struct {
	catalog    []domain.Activity
	otherLabel string
}

func New(catalog []domain.Activity, otherLabel string) Aggregator {
	if otherLabel == "" {
		otherLabel = domain.DefaultOtherLabel
	}
	return Aggregator{catalog: append([]domain.Activity(nil), catalog...), otherLabel: otherLabel}
}

// Bucket is one labelled sum in a report.
type Bucket struct {
	Name  string  `json:"name"`
	Total float64 `json:"total"`
}

// ComputeTotal sums catalog task quantities and every "otros" quantity.
// Task keys outside the catalog are ignored.
func (a Aggregator) ComputeTotal(e domain.Entry) float64 {
	var total float64
	for _, act := range a.catalog {
		if t, ok := e.Tasks[act.Key]; ok {
			total += t.Quantity.Float()
		}
	}
	for _, o := range e.Otros {
		total += o.Quantity.Float()
	}
	return total
}

func (a Aggregator) otherRowLabel(o domain.OtherRow) string {
	if l := strings.TrimSpace(o.Label); l != "" {
		return l
	}
	return a.otherLabel
}

// ByActivity sums quantities per activity label: catalog labels first, in
// catalog order, then "otros" labels in first-seen order. Catalog labels
// appear with zero totals once any entry is present.
func (a Aggregator) ByActivity(entries []domain.Entry) []Bucket {
	if len(entries) == 0 {
		return nil
	}
	var order []string
	sums := map[string]float64{}
	add := func(label string, v float64) {
		if _, ok := sums[label]; !ok {
			order = append(order, label)
		}
		sums[label] += v
	}
	for _, act := range a.catalog {
		add(act.Label, 0)
	}
	for _, e := range entries {
		for _, act := range a.catalog {
			if t, ok := e.Tasks[act.Key]; ok {
				add(act.Label, t.Quantity.Float())
			}
		}
		for _, o := range e.Otros {
			add(a.otherRowLabel(o), o.Quantity.Float())
		}
	}
	out := make([]Bucket, 0, len(order))
	for _, label := range order {
		out = append(out, Bucket{Name: label, Total: sums[label]})
	}
	return out
}

// ByPerson sums recomputed entry totals per person, largest first.
func (a Aggregator) ByPerson(entries []domain.Entry) []Bucket {
	out := a.group(entries, func(e domain.Entry) string { return strings.TrimSpace(e.PersonName) })
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Total != out[j].Total {
			return out[i].Total > out[j].Total
		}
		return out[i].Name < out[j].Name
	})
	return out
}

// ByDate sums recomputed entry totals per calendar date, oldest first.
func (a Aggregator) ByDate(entries []domain.Entry) []Bucket {
	out := a.group(entries, func(e domain.Entry) string { return e.Date })
	sort.SliceStable(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (a Aggregator) group(entries []domain.Entry, key func(domain.Entry) string) []Bucket {
	idx := map[string]int{}
	var out []Bucket
	for _, e := range entries {
		k := key(e)
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, Bucket{Name: k})
		}
		out[i].Total += a.ComputeTotal(e)
	}
	return out
}

// Matrix is the person by activity detail table.
type Matrix struct {
	Columns []string    `json:"columns"`
	Rows    []MatrixRow `json:"rows"`
}

type MatrixRow struct {
	Person string    `json:"person"`
	Values []float64 `json:"values"`
	Total  float64   `json:"total"`
}

// ByPersonActivity builds the detail table. Columns follow ByActivity order;
// rows are sorted by person name.
func (a Aggregator) ByPersonActivity(entries []domain.Entry) Matrix {
	var m Matrix
	col := map[string]int{}
	for _, b := range a.ByActivity(entries) {
		col[b.Name] = len(m.Columns)
		m.Columns = append(m.Columns, b.Name)
	}
	rowIdx := map[string]int{}
	for _, e := range entries {
		person := strings.TrimSpace(e.PersonName)
		i, ok := rowIdx[person]
		if !ok {
			i = len(m.Rows)
			rowIdx[person] = i
			m.Rows = append(m.Rows, MatrixRow{Person: person, Values: make([]float64, len(m.Columns))})
		}
		row := &m.Rows[i]
		for _, act := range a.catalog {
			if t, ok := e.Tasks[act.Key]; ok {
				v := t.Quantity.Float()
				row.Values[col[act.Label]] += v
				row.Total += v
			}
		}
		for _, o := range e.Otros {
			v := o.Quantity.Float()
			row.Values[col[a.otherRowLabel(o)]] += v
			row.Total += v
		}
	}
	sort.SliceStable(m.Rows, func(i, j int) bool { return m.Rows[i].Person < m.Rows[j].Person })
	return m
}

// Line is one exported activity line of an entry.
type Line struct {
	Person      string
	Date        string
	Activity    string
	Description string
	Quantity    float64
	Kind        string
}

const (
	KindBase  = "Base"
	KindOther = "Otros"
)

// Lines flattens entries into activity lines. A line is produced when its
// quantity is positive or it carries a description.
func (a Aggregator) Lines(entries []domain.Entry) []Line {
	var out []Line
	for _, e := range entries {
		for _, act := range a.catalog {
			t, ok := e.Tasks[act.Key]
			if !ok {
				continue
			}
			if n := t.Quantity.Float(); n > 0 || strings.TrimSpace(t.Description) != "" {
				out = append(out, Line{e.PersonName, e.Date, act.Label, flatten(t.Description), n, KindBase})
			}
		}
		for _, o := range e.Otros {
			if n := o.Quantity.Float(); n > 0 || strings.TrimSpace(o.Description) != "" {
				out = append(out, Line{e.PersonName, e.Date, a.otherRowLabel(o), flatten(o.Description), n, KindOther})
			}
		}
	}
	return out
}

func flatten(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\n", "; ")
}

// Filter narrows entries for reports. Empty fields match everything; the
// date range is inclusive and compares YYYY-MM-DD strings.
type Filter struct {
	From   string
	To     string
	Person string
}

func (f Filter) Match(e domain.Entry) bool {
	if f.From != "" && e.Date < f.From {
		return false
	}
	if f.To != "" && e.Date > f.To {
		return false
	}
	if p := strings.TrimSpace(f.Person); p != "" {
		if !strings.Contains(strings.ToLower(e.PersonName), strings.ToLower(p)) {
			return false
		}
	}
	return true
}

func (f Filter) Apply(entries []domain.Entry) []domain.Entry {
	var out []domain.Entry
	for _, e := range entries {
		if f.Match(e) {
			out = append(out, e)
		}
	}
	return out
}
