package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"bitacora/internal/domain"
)

// Event types recorded by the sync engine.
const (
	EntrySaved    = "entry.saved"
	EntryDeleted  = "entry.deleted"
	PushOK        = "push.ok"
	PushFailed    = "push.failed"
	OutboxQueued  = "outbox.queued"
	OutboxFlushed = "outbox.flushed"
	OutboxFailed  = "outbox.failed"
	PullOK        = "pull.ok"
	PullFailed    = "pull.failed"
	DatasetImport = "dataset.imported"
	SettingsSaved = "settings.saved"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

func (w Writer) Append(ctx context.Context, evtType, entryID string, payload EventPayload) error {
	if w.Now == nil {
		w.Now = time.Now
	}
	ts := w.Now().UTC().Format(time.RFC3339)
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	_, err = w.DB.ExecContext(ctx, `INSERT INTO events(ts,type,entry_id,payload_json) VALUES (?,?,?,?)`,
		ts, evtType, nullable(entryID), string(data))
	return err
}

// Latest returns up to limit events, newest first. evtType may be a prefix
// such as "push.".
func (w Writer) Latest(ctx context.Context, limit int, evtType string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 20
	}
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		if strings.HasSuffix(evtType, ".") {
			clauses = append(clauses, "type LIKE ?")
			args = append(args, evtType+"%")
		} else {
			clauses = append(clauses, "type=?")
			args = append(args, evtType)
		}
	}
	query := fmt.Sprintf(`SELECT id,ts,type,COALESCE(entry_id,''),payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, limit)
	rows, err := w.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntryID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
