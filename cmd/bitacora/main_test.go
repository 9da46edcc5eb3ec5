package main

import (
	"reflect"
	"testing"
	"time"

	"github.com/spf13/cobra"

	"bitacora/internal/config"
	"bitacora/internal/domain"
)

func TestSplitQuantityArg(t *testing.T) {
	cases := []struct {
		raw, name, qty, desc string
		wantErr              bool
	}{
		{raw: "consultas=3", name: "consultas", qty: "3"},
		{raw: "visitas=1,5:Barrio norte: casa 2", name: "visitas", qty: "1,5", desc: "Barrio norte: casa 2"},
		{raw: " Capacitación = 2 :taller", name: "Capacitación", qty: "2", desc: "taller"},
		{raw: "consultas", wantErr: true},
		{raw: "=3", wantErr: true},
	}
	for _, c := range cases {
		name, qty, desc, err := splitQuantityArg(c.raw)
		if c.wantErr {
			if err == nil {
				t.Fatalf("%q: expected error", c.raw)
			}
			continue
		}
		if err != nil || name != c.name || qty != c.qty || desc != c.desc {
			t.Fatalf("%q: got (%q,%q,%q,%v)", c.raw, name, qty, desc, err)
		}
	}
}

func TestParseDraftEdits(t *testing.T) {
	cfg := config.Default()
	key := cfg.Activities[0].Key
	cmd := &cobra.Command{Use: "save"}
	addDraftFlags(cmd)
	if err := cmd.ParseFlags([]string{"--person", "Ana", "--date", "today", "--task", key + "=2:ronda", "--otro", "Taller=1"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	now := time.Date(2024, 6, 10, 9, 0, 0, 0, time.Local)
	edits, err := parseDraftEdits(cmd.Flags(), cfg, now)
	if err != nil {
		t.Fatalf("parse edits: %v", err)
	}
	d := domain.Draft{PersonName: "x", Notes: "keep", Otros: []domain.OtherRow{{Label: "old"}}}
	edits.apply(&d)
	if d.PersonName != "Ana" || d.Date != "2024-06-10" || d.Notes != "keep" {
		t.Fatalf("unexpected draft %+v", d)
	}
	if got := d.Tasks[key]; got.Quantity != "2" || got.Description != "ronda" {
		t.Fatalf("unexpected task %+v", got)
	}
	if len(d.Otros) != 1 || d.Otros[0].Label != "Taller" {
		t.Fatalf("otros not replaced: %+v", d.Otros)
	}
}

func TestParseDraftEditsRejectsUnknownActivity(t *testing.T) {
	cmd := &cobra.Command{Use: "save"}
	addDraftFlags(cmd)
	if err := cmd.ParseFlags([]string{"--task", "nope=1"}); err != nil {
		t.Fatalf("parse flags: %v", err)
	}
	if _, err := parseDraftEdits(cmd.Flags(), config.Default(), time.Now()); err == nil {
		t.Fatalf("expected unknown activity error")
	}
}

func TestNoFlagsLeaveDraftAlone(t *testing.T) {
	cmd := &cobra.Command{Use: "save"}
	addDraftFlags(cmd)
	edits, err := parseDraftEdits(cmd.Flags(), config.Default(), time.Now())
	if err != nil {
		t.Fatalf("parse edits: %v", err)
	}
	d := domain.Draft{PersonName: "Ana", Date: "2024-06-01", Otros: []domain.OtherRow{{Label: "old"}}}
	want := d.Clone()
	edits.apply(&d)
	if !reflect.DeepEqual(d, want) {
		t.Fatalf("draft changed without flags: %+v", d)
	}
}
