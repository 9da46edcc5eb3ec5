package engine

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"bitacora/internal/aggregate"
	"bitacora/internal/config"
	"bitacora/internal/domain"
	"bitacora/internal/events"
	"bitacora/internal/outbox"
	"bitacora/internal/reconcile"
	"bitacora/internal/relayclient"
	"bitacora/internal/store"
)

// Client is the relay surface the engine depends on.
type Client interface {
	Push(ctx context.Context, entries []domain.Entry) error
	Pull(ctx context.Context, limit int) ([]domain.Entry, error)
	TestConnection(ctx context.Context) error
	Probe(ctx context.Context) (relayclient.Probe, error)
}

// Journal records sync activity. A nil Journal disables it.
type Journal interface {
	Append(ctx context.Context, evtType, entryID string, payload events.EventPayload) error
}

// Status messages shown to the user after each operation.
const (
	StatusSaved        = "✔ Guardado localmente"
	StatusPushed       = "✔ Enviado a la nube"
	StatusQueued       = "⚠ No se pudo enviar. Guardado en cola offline."
	StatusQueueEmpty   = "(No hay elementos en cola)"
	StatusQueueSent    = "✔ Cola enviada"
	StatusQueueFailed  = "❌ Error al enviar la cola (reintentará)"
	StatusConnOK       = "✔ Conexión OK (proxy)"
	StatusConnFailed   = "❌ Error de conexión (proxy)"
	StatusPullFailed   = "❌ Error al descargar de la nube"
	statusPulledFormat = "✔ Cargado %d registros de la nube"
)

type Engine struct {
	Store   *store.Store
	Client  Client
	Outbox  *outbox.Queue
	Journal Journal
	Config  *config.Config
	Agg     aggregate.Aggregator
	Logger  *slog.Logger
	Now     func() time.Time
	NewID   func() string
	// SerializePull makes a pull wait for pushes already in flight.
	SerializePull bool

	mu       sync.Mutex
	state    State
	loaded   bool
	degraded bool

	pulls   singleflight.Group
	pushing sync.RWMutex
}

func New(st *store.Store, client Client, cfg *config.Config) *Engine {
	if cfg == nil {
		cfg = config.Default()
	}
	return &Engine{
		Store:  st,
		Client: client,
		Outbox: outbox.New(st, st.Logger),
		Config: cfg,
		Agg:    aggregate.New(cfg.Activities, cfg.OtherRowLabel()),
		Logger: st.Logger,
		Now:    time.Now,
		NewID:  func() string { return uuid.NewString() },
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) newID() string {
	if e.NewID != nil {
		return e.NewID()
	}
	return uuid.NewString()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Engine) blankDraft() domain.Draft {
	return domain.BlankDraft(e.Config.Activities, e.Config.OtherRowLabel())
}

func (e *Engine) journal(ctx context.Context, evtType, entryID string, payload events.EventPayload) {
	if e.Journal == nil {
		return
	}
	if err := e.Journal.Append(ctx, evtType, entryID, payload); err != nil {
		e.logger().Warn("journal append failed", "type", evtType, "err", err)
	}
}

// persistenceFailed logs a storage failure and switches the engine to
// memory-only operation for the rest of the session.
func (e *Engine) persistenceFailed(key string, err error) {
	perr := &PersistenceError{Key: key, Err: err}
	e.mu.Lock()
	e.degraded = true
	e.mu.Unlock()
	e.logger().Warn("local storage unavailable; continuing in memory", "err", perr)
}

// Degraded reports whether a storage failure has been seen this session.
func (e *Engine) Degraded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.degraded
}

// Load reads the dataset, draft and settings. Absent or unreadable values
// fall back to defaults; it never fails.
func (e *Engine) Load(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.loadLocked(ctx)
}

func (e *Engine) loadLocked(ctx context.Context) {
	blank := e.blankDraft()
	ds, err := e.Store.LoadDataset(ctx)
	if err != nil {
		e.degraded = true
		e.logger().Warn("dataset unavailable; starting empty", "err", &PersistenceError{Key: store.DatasetKey, Err: err})
	}
	settings, err := e.Store.LoadSettings(ctx)
	if err != nil {
		e.degraded = true
		e.logger().Warn("settings unavailable; using defaults", "err", &PersistenceError{Key: store.SettingsKey, Err: err})
	}
	if settings.SheetsURL == "" {
		settings.SheetsURL = e.Config.SheetsURL
	}
	draft := blank
	if ds.Current != nil {
		draft = normalizeDraft(*ds.Current, blank)
	}
	entries := ds.Entries
	if entries == nil {
		entries = []domain.Entry{}
	}
	e.state = State{Entries: entries, Draft: draft, Settings: settings}
	e.loaded = true
}

func (e *Engine) ensureLoaded(ctx context.Context) {
	if !e.loaded {
		e.loadLocked(ctx)
	}
}

// Snapshot returns a copy of the current state.
func (e *Engine) Snapshot(ctx context.Context) State {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensureLoaded(ctx)
	return e.state.clone()
}

// commitDatasetLocked swaps in next and writes the dataset record as one
// unit. Callers hold e.mu.
func (e *Engine) commitDatasetLocked(ctx context.Context, next State) {
	e.state = next
	current := next.Draft
	err := e.Store.SaveDataset(ctx, store.Dataset{Entries: next.Entries, Current: &current})
	if err != nil {
		e.degraded = true
		e.logger().Warn("local storage unavailable; continuing in memory", "err", &PersistenceError{Key: store.DatasetKey, Err: err})
	}
}

// Bootstrap loads persisted state and, when auto-pull is on, starts a merge
// pull in the background. The channel yields that pull's report and closes;
// it closes without a value when no pull was started. A failed startup pull
// only logs.
func (e *Engine) Bootstrap(ctx context.Context) <-chan PullReport {
	e.Load(ctx)
	done := make(chan PullReport, 1)
	if !e.Snapshot(ctx).Settings.AutoPull {
		close(done)
		return done
	}
	go func() {
		defer close(done)
		report, err := e.Pull(ctx, reconcile.ModeMerge)
		if err != nil {
			e.logger().Info("startup pull failed; using local data", "err", err)
		}
		done <- report
	}()
	return done
}

// Outcome is the terminal state of a save.
type Outcome string

const (
	OutcomePersisted Outcome = "persisted"
	OutcomeSynced    Outcome = "synced"
	OutcomeQueued    Outcome = "queued"
)

type SaveResult struct {
	Entry   domain.Entry `json:"entry"`
	Outcome Outcome      `json:"outcome"`
	Status  string       `json:"status"`
	// PushErr is the delivery failure behind OutcomeQueued.
	PushErr error `json:"-"`
}

// Save validates the current draft and records it as a new entry. With
// auto-sync on the entry is pushed, and queued in the outbox if that fails.
// Only *ValidationError is returned as an error; nothing is persisted or
// sent in that case.
func (e *Engine) Save(ctx context.Context) (SaveResult, error) {
	return e.SaveEdited(ctx, nil)
}

// SaveEdited applies edit to a copy of the draft and saves the result as
// Save does. A rejected draft leaves the stored draft as it was.
func (e *Engine) SaveEdited(ctx context.Context, edit func(*domain.Draft)) (SaveResult, error) {
	e.mu.Lock()
	e.ensureLoaded(ctx)
	draft := e.state.Draft.Clone()
	if edit != nil {
		edit(&draft)
	}
	if err := validateDraft(draft, e.now()); err != nil {
		e.mu.Unlock()
		return SaveResult{}, err
	}
	entry := domain.Entry{
		ID:         e.newID(),
		PersonName: strings.TrimSpace(draft.PersonName),
		Date:       draft.Date,
		Notes:      draft.Notes,
		Tasks:      draft.Tasks,
		Otros:      draft.Otros,
		CreatedAt:  e.now().UTC().Format(time.RFC3339Nano),
	}
	entry.Total = e.Agg.ComputeTotal(entry)
	edited := e.state
	edited.Draft = draft
	e.commitDatasetLocked(ctx, applySave(edited, entry, e.blankDraft()))
	autoSync := e.state.Settings.AutoSync
	e.mu.Unlock()

	e.journal(ctx, events.EntrySaved, entry.ID, events.EventPayload{"total": entry.Total, "date": entry.Date})
	res := SaveResult{Entry: entry, Outcome: OutcomePersisted, Status: StatusSaved}
	if !autoSync {
		return res, nil
	}

	e.pushing.RLock()
	err := e.Client.Push(ctx, []domain.Entry{entry})
	e.pushing.RUnlock()
	if err == nil {
		e.journal(ctx, events.PushOK, entry.ID, events.EventPayload{"count": 1})
		res.Outcome, res.Status = OutcomeSynced, StatusPushed
		return res, nil
	}
	e.logger().Info("push failed; queueing entry", "id", entry.ID, "err", err)
	e.journal(ctx, events.PushFailed, entry.ID, events.EventPayload{"error": err.Error()})
	if qerr := e.Outbox.Enqueue(ctx, entry); qerr != nil {
		e.persistenceFailed(store.OutboxKey, qerr)
	}
	e.journal(ctx, events.OutboxQueued, entry.ID, nil)
	res.Outcome, res.Status, res.PushErr = OutcomeQueued, StatusQueued, err
	return res, nil
}

func validateDraft(d domain.Draft, now time.Time) error {
	if strings.TrimSpace(d.PersonName) == "" {
		return &ValidationError{Field: "personName", Reason: "required"}
	}
	if strings.TrimSpace(d.Date) == "" {
		return &ValidationError{Field: "date", Reason: "required"}
	}
	if _, err := time.Parse(domain.DateLayout, d.Date); err != nil {
		return &ValidationError{Field: "date", Reason: "must be YYYY-MM-DD"}
	}
	if d.Date > now.Format(domain.DateLayout) {
		return &ValidationError{Field: "date", Reason: "must not be in the future"}
	}
	return nil
}

// Delete removes an entry by id. It reports whether anything was removed.
func (e *Engine) Delete(ctx context.Context, id string) bool {
	e.mu.Lock()
	e.ensureLoaded(ctx)
	next, removed := applyDelete(e.state, id)
	if removed {
		e.commitDatasetLocked(ctx, next)
	}
	e.mu.Unlock()
	if removed {
		e.journal(ctx, events.EntryDeleted, id, nil)
	}
	return removed
}

// UpdateDraft applies fn to the draft and persists it.
func (e *Engine) UpdateDraft(ctx context.Context, fn func(*domain.Draft)) domain.Draft {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ensureLoaded(ctx)
	e.commitDatasetLocked(ctx, applyDraft(e.state, fn))
	return e.state.Draft.Clone()
}

// ResetDraft replaces the draft with a blank form, person and date included.
func (e *Engine) ResetDraft(ctx context.Context) domain.Draft {
	blank := e.blankDraft()
	return e.UpdateDraft(ctx, func(d *domain.Draft) { *d = blank })
}

// UpdateSettings applies fn to the settings and persists them.
func (e *Engine) UpdateSettings(ctx context.Context, fn func(*domain.Settings)) domain.Settings {
	e.mu.Lock()
	e.ensureLoaded(ctx)
	e.state = applySettings(e.state, fn)
	settings := e.state.Settings
	e.mu.Unlock()
	if err := e.Store.SaveSettings(ctx, settings); err != nil {
		e.persistenceFailed(store.SettingsKey, err)
	}
	e.journal(ctx, events.SettingsSaved, "", events.EventPayload{"autoSync": settings.AutoSync, "autoPull": settings.AutoPull})
	return settings
}

type PullReport struct {
	Mode    reconcile.Mode `json:"mode"`
	Fetched int            `json:"fetched"`
	Diff    reconcile.Diff `json:"diff"`
	Status  string         `json:"status"`
}

// Pull lists remote entries and reconciles them with the local dataset.
// Concurrent calls for the same mode share one request. On error the local
// dataset is untouched and the report carries the failure status.
func (e *Engine) Pull(ctx context.Context, mode reconcile.Mode) (PullReport, error) {
	v, err, _ := e.pulls.Do("pull:"+string(mode), func() (any, error) {
		return e.pull(ctx, mode)
	})
	report, _ := v.(PullReport)
	return report, err
}

func (e *Engine) pull(ctx context.Context, mode reconcile.Mode) (PullReport, error) {
	report := PullReport{Mode: mode}
	if e.SerializePull {
		e.pushing.Lock()
		defer e.pushing.Unlock()
	}
	remote, err := e.Client.Pull(ctx, e.Config.Relay.PullLimit)
	if err != nil {
		e.journal(ctx, events.PullFailed, "", events.EventPayload{"error": err.Error(), "mode": string(mode)})
		report.Status = StatusPullFailed
		return report, err
	}
	e.mu.Lock()
	e.ensureLoaded(ctx)
	before := e.state.Entries
	next := applyPull(e.state, remote, mode)
	e.commitDatasetLocked(ctx, next)
	report.Diff = reconcile.Compare(before, next.Entries)
	e.mu.Unlock()

	report.Fetched = len(remote)
	report.Status = pulledStatus(len(remote))
	e.journal(ctx, events.PullOK, "", events.EventPayload{"mode": string(mode), "fetched": len(remote), "added": report.Diff.Added, "removed": report.Diff.Removed})
	return report, nil
}

type FlushReport struct {
	Delivered int    `json:"delivered"`
	Status    string `json:"status"`
}

// FlushOutbox retries every queued entry as one batch.
func (e *Engine) FlushOutbox(ctx context.Context) (FlushReport, error) {
	if e.Outbox.Len(ctx) == 0 {
		return FlushReport{Status: StatusQueueEmpty}, nil
	}
	e.pushing.RLock()
	n, err := e.Outbox.Flush(ctx, e.Client)
	e.pushing.RUnlock()
	if err != nil {
		var de *relayclient.DeliveryError
		if !errors.As(err, &de) && n > 0 {
			// Delivered, but the emptied queue could not be written.
			e.persistenceFailed(store.OutboxKey, err)
			e.journal(ctx, events.OutboxFlushed, "", events.EventPayload{"count": n})
			return FlushReport{Delivered: n, Status: StatusQueueSent}, nil
		}
		e.journal(ctx, events.OutboxFailed, "", events.EventPayload{"error": err.Error()})
		return FlushReport{Status: StatusQueueFailed}, err
	}
	e.journal(ctx, events.OutboxFlushed, "", events.EventPayload{"count": n})
	return FlushReport{Delivered: n, Status: StatusQueueSent}, nil
}

// Queued returns the entries waiting in the outbox.
func (e *Engine) Queued(ctx context.Context) []domain.Entry {
	return e.Outbox.Items(ctx)
}

// TestConnection pushes a ping record and returns the status line.
func (e *Engine) TestConnection(ctx context.Context) (string, error) {
	if err := e.Client.TestConnection(ctx); err != nil {
		return StatusConnFailed, err
	}
	return StatusConnOK, nil
}

// Probe asks the relay for its diagnostic view of the upstream.
func (e *Engine) Probe(ctx context.Context) (relayclient.Probe, error) {
	return e.Client.Probe(ctx)
}
