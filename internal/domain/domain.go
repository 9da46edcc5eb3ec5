package domain

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// DefaultOtherLabel is used for "otros" rows that carry no label.
const DefaultOtherLabel = "Otros"

// DateLayout is the calendar date format used by entries and filters.
const DateLayout = "2006-01-02"

type Entry struct {
	ID         string               `json:"id"`
	PersonName string               `json:"personName"`
	Date       string               `json:"date"`
	Notes      string               `json:"notes"`
	Tasks      map[string]TaskEntry `json:"tasks"`
	Otros      []OtherRow           `json:"otros"`
	Total      float64              `json:"total"`
	CreatedAt  string               `json:"createdAt" format:"date-time"`
}

type TaskEntry struct {
	Description string   `json:"description"`
	Quantity    Quantity `json:"quantity"`
}

type OtherRow struct {
	Label       string   `json:"label"`
	Description string   `json:"description"`
	Quantity    Quantity `json:"quantity"`
}

// Draft is the in-progress form state persisted next to the dataset.
type Draft struct {
	PersonName string               `json:"personName"`
	Date       string               `json:"date"`
	Notes      string               `json:"notes"`
	Tasks      map[string]TaskEntry `json:"tasks"`
	Otros      []OtherRow           `json:"otros"`
}

type Settings struct {
	SheetsURL string `json:"sheetsUrl"`
	AutoSync  bool   `json:"autoSync"`
	AutoPull  bool   `json:"autoPull"`
}

// UnmarshalJSON fills missing flags with their baseline (true).
func (s *Settings) UnmarshalJSON(data []byte) error {
	var raw struct {
		SheetsURL string `json:"sheetsUrl"`
		AutoSync  *bool  `json:"autoSync"`
		AutoPull  *bool  `json:"autoPull"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*s = DefaultSettings()
	s.SheetsURL = raw.SheetsURL
	if raw.AutoSync != nil {
		s.AutoSync = *raw.AutoSync
	}
	if raw.AutoPull != nil {
		s.AutoPull = *raw.AutoPull
	}
	return nil
}

func DefaultSettings() Settings {
	return Settings{AutoSync: true, AutoPull: true}
}

type Activity struct {
	Key   string `json:"key" yaml:"key"`
	Label string `json:"label" yaml:"label"`
}

type Event struct {
	ID      int64  `json:"id"`
	TS      string `json:"ts" format:"date-time"`
	Type    string `json:"type"`
	EntryID string `json:"entry_id,omitempty"`
	Payload string `json:"payload_json"`
}

// Quantity is a user-entered amount kept verbatim. It accepts JSON strings,
// numbers and null, and always encodes as a string.
type Quantity string

func (q *Quantity) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*q = ""
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*q = Quantity(s)
	case data[0] == '{' || data[0] == '[':
		*q = ""
	default:
		*q = Quantity(data)
	}
	return nil
}

// Float resolves the quantity to a number. Blank or unparsable values are 0.
// Only the first comma is read as a decimal separator.
func (q Quantity) Float() float64 {
	s := strings.TrimSpace(string(q))
	if s == "" {
		return 0
	}
	s = strings.Replace(s, ",", ".", 1)
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func (q Quantity) IsBlank() bool {
	return strings.TrimSpace(string(q)) == ""
}

// BlankDraft returns an empty form for the given catalog.
func BlankDraft(catalog []Activity, otherLabel string) Draft {
	if otherLabel == "" {
		otherLabel = DefaultOtherLabel
	}
	tasks := make(map[string]TaskEntry, len(catalog))
	for _, a := range catalog {
		tasks[a.Key] = TaskEntry{}
	}
	return Draft{
		Tasks: tasks,
		Otros: []OtherRow{{Label: otherLabel}},
	}
}

// Clone returns a deep copy so callers may mutate the result freely.
func (e Entry) Clone() Entry {
	out := e
	if e.Tasks != nil {
		out.Tasks = make(map[string]TaskEntry, len(e.Tasks))
		for k, v := range e.Tasks {
			out.Tasks[k] = v
		}
	}
	if e.Otros != nil {
		out.Otros = append([]OtherRow(nil), e.Otros...)
	}
	return out
}

func (d Draft) Clone() Draft {
	out := d
	if d.Tasks != nil {
		out.Tasks = make(map[string]TaskEntry, len(d.Tasks))
		for k, v := range d.Tasks {
			out.Tasks[k] = v
		}
	}
	if d.Otros != nil {
		out.Otros = append([]OtherRow(nil), d.Otros...)
	}
	return out
}

func CloneEntries(in []Entry) []Entry {
	if in == nil {
		return nil
	}
	out := make([]Entry, len(in))
	for i, e := range in {
		out[i] = e.Clone()
	}
	return out
}
