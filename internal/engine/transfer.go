package engine

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"bitacora/internal/domain"
	"bitacora/internal/events"
)

func pulledStatus(n int) string {
	return fmt.Sprintf(statusPulledFormat, n)
}

// BackupFilename is the suggested name for a JSON export made at the
// engine's current time.
func (e *Engine) BackupFilename() string {
	return fmt.Sprintf("bitacoras_backup_%s.json", e.now().Format(domain.DateLayout))
}

type backup struct {
	Entries []domain.Entry `json:"entries"`
}

// ExportJSON writes the dataset as an indented {"entries": [...]} document.
func (e *Engine) ExportJSON(ctx context.Context, w io.Writer) error {
	entries := e.Snapshot(ctx).Entries
	if entries == nil {
		entries = []domain.Entry{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(backup{Entries: entries})
}

var csvHeader = []string{"Nombre del Responsable", "Fecha", "Actividad", "Descripción", "Cantidad", "Tipo"}

// ExportCSV writes one line per activity with a positive quantity or a
// description. Every field is quoted.
func (e *Engine) ExportCSV(ctx context.Context, w io.Writer) error {
	bw := bufio.NewWriter(w)
	writeCSVRow(bw, csvHeader)
	for _, l := range e.Agg.Lines(e.Snapshot(ctx).Entries) {
		bw.WriteByte('\n')
		writeCSVRow(bw, []string{l.Person, l.Date, l.Activity, l.Description, FormatQuantity(l.Quantity), l.Kind})
	}
	return bw.Flush()
}

// FormatQuantity renders a quantity without trailing zeros.
func FormatQuantity(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func writeCSVRow(w *bufio.Writer, fields []string) {
	for i, f := range fields {
		if i > 0 {
			w.WriteByte(',')
		}
		w.WriteByte('"')
		w.WriteString(strings.ReplaceAll(f, `"`, `""`))
		w.WriteByte('"')
	}
}

// Import replaces the dataset with a backup. Both a bare array and an
// {"entries": [...]} document are accepted; repeated ids keep their last
// occurrence and the count returned is after that. Anything else is an
// *ImportError and the dataset is left as it was.
func (e *Engine) Import(ctx context.Context, r io.Reader) (int, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, &ImportError{Err: err}
	}
	entries, err := decodeBackup(data)
	if err != nil {
		return 0, &ImportError{Err: err}
	}
	e.mu.Lock()
	e.ensureLoaded(ctx)
	next := applyImport(e.state, entries)
	e.commitDatasetLocked(ctx, next)
	e.mu.Unlock()
	n := len(next.Entries)
	e.journal(ctx, events.DatasetImport, "", events.EventPayload{"count": n, "read": len(entries)})
	return n, nil
}

func decodeBackup(data []byte) ([]domain.Entry, error) {
	var raw json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("not valid json: %w", err)
	}
	trimmed := strings.TrimSpace(string(raw))
	var entries []domain.Entry
	switch {
	case strings.HasPrefix(trimmed, "["):
		if err := json.Unmarshal(raw, &entries); err != nil {
			return nil, fmt.Errorf("decode entries: %w", err)
		}
	case strings.HasPrefix(trimmed, "{"):
		var doc map[string]json.RawMessage
		if err := json.Unmarshal(raw, &doc); err != nil {
			return nil, err
		}
		list := strings.TrimSpace(string(doc["entries"]))
		if !strings.HasPrefix(list, "[") {
			return nil, errors.New("entries is not an array")
		}
		if err := json.Unmarshal(doc["entries"], &entries); err != nil {
			return nil, fmt.Errorf("decode entries: %w", err)
		}
	default:
		return nil, errors.New("expected an array or an object with entries")
	}
	return entries, nil
}
