package domain_test

import (
	"encoding/json"
	"testing"

	"bitacora/internal/domain"
)

func TestQuantityFloat(t *testing.T) {
	cases := []struct {
		in   string
		want float64
	}{
		{"", 0},
		{"   ", 0},
		{"3", 3},
		{" 2.5 ", 2.5},
		{"2,5", 2.5},
		{"1,5,2", 0},
		{"abc", 0},
		{"NaN", 0},
		{"Inf", 0},
		{"-1", -1},
	}
	for _, tc := range cases {
		if got := domain.Quantity(tc.in).Float(); got != tc.want {
			t.Fatalf("Quantity(%q).Float() = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestQuantityDecodesNumbersAndStrings(t *testing.T) {
	var row domain.OtherRow
	if err := json.Unmarshal([]byte(`{"label":"Visitas","quantity":4}`), &row); err != nil {
		t.Fatalf("unmarshal number: %v", err)
	}
	if row.Quantity != "4" || row.Quantity.Float() != 4 {
		t.Fatalf("unexpected quantity %q", row.Quantity)
	}
	if err := json.Unmarshal([]byte(`{"quantity":null}`), &row); err != nil {
		t.Fatalf("unmarshal null: %v", err)
	}
	if !row.Quantity.IsBlank() {
		t.Fatalf("expected blank quantity, got %q", row.Quantity)
	}
	out, err := json.Marshal(domain.TaskEntry{Quantity: "7"})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(out) != `{"description":"","quantity":"7"}` {
		t.Fatalf("unexpected encoding %s", out)
	}
}

func TestSettingsDefaultsForMissingFields(t *testing.T) {
	var s domain.Settings
	if err := json.Unmarshal([]byte(`{"sheetsUrl":"https://example.test"}`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !s.AutoSync || !s.AutoPull {
		t.Fatalf("expected baseline flags, got %+v", s)
	}
	if err := json.Unmarshal([]byte(`{"autoSync":false}`), &s); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if s.AutoSync || !s.AutoPull {
		t.Fatalf("explicit false not honored: %+v", s)
	}
}

func TestEntryCloneIsDeep(t *testing.T) {
	e := domain.Entry{
		ID:    "a",
		Tasks: map[string]domain.TaskEntry{"consultas": {Quantity: "1"}},
		Otros: []domain.OtherRow{{Label: "x"}},
	}
	c := e.Clone()
	c.Tasks["consultas"] = domain.TaskEntry{Quantity: "9"}
	c.Otros[0].Label = "y"
	if e.Tasks["consultas"].Quantity != "1" || e.Otros[0].Label != "x" {
		t.Fatalf("clone shares storage with original")
	}
}
