package engine

import (
	"context"

	"bitacora/internal/aggregate"
)

type Report struct {
	Entries    int                `json:"entries"`
	Total      float64            `json:"total"`
	ByActivity []aggregate.Bucket `json:"by_activity"`
	ByPerson   []aggregate.Bucket `json:"by_person"`
	ByDate     []aggregate.Bucket `json:"by_date"`
	Detail     aggregate.Matrix   `json:"detail"`
}

// Report aggregates the entries matching f.
func (e *Engine) Report(ctx context.Context, f aggregate.Filter) Report {
	entries := f.Apply(e.Snapshot(ctx).Entries)
	r := Report{
		Entries:    len(entries),
		ByActivity: e.Agg.ByActivity(entries),
		ByPerson:   e.Agg.ByPerson(entries),
		ByDate:     e.Agg.ByDate(entries),
		Detail:     e.Agg.ByPersonActivity(entries),
	}
	for _, en := range entries {
		r.Total += e.Agg.ComputeTotal(en)
	}
	return r
}
