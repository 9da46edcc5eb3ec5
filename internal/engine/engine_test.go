package engine_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"bitacora/internal/aggregate"
	"bitacora/internal/config"
	"bitacora/internal/db"
	"bitacora/internal/domain"
	"bitacora/internal/engine"
	"bitacora/internal/events"
	"bitacora/internal/migrate"
	"bitacora/internal/reconcile"
	"bitacora/internal/relayclient"
	"bitacora/internal/store"
)

type fakeClient struct {
	mu      sync.Mutex
	pushErr error
	pullErr error
	remote  []domain.Entry
	pushed  [][]domain.Entry
	pulls   int
	pings   int
}

func (f *fakeClient) Push(_ context.Context, entries []domain.Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pushErr != nil {
		return f.pushErr
	}
	f.pushed = append(f.pushed, domain.CloneEntries(entries))
	return nil
}

func (f *fakeClient) Pull(_ context.Context, _ int) ([]domain.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pulls++
	if f.pullErr != nil {
		return nil, f.pullErr
	}
	return domain.CloneEntries(f.remote), nil
}

func (f *fakeClient) TestConnection(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.pings++
	return f.pushErr
}

func (f *fakeClient) Probe(context.Context) (relayclient.Probe, error) {
	return relayclient.Probe{OK: true}, nil
}

func (f *fakeClient) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pushed)
}

type testEnv struct {
	Engine *engine.Engine
	Client *fakeClient
	KV     store.KV
	Store  *store.Store
	Ctx    context.Context
}

var fixedNow = time.Date(2024, 6, 10, 15, 0, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEnvWithKV(t *testing.T, kv store.KV) testEnv {
	t.Helper()
	st := store.New(kv, quietLogger())
	client := &fakeClient{}
	eng := engine.New(st, client, config.Default())
	eng.Now = func() time.Time { return fixedNow }
	n := 0
	eng.NewID = func() string {
		n++
		return "id-" + string(rune('0'+n))
	}
	return testEnv{Engine: eng, Client: client, KV: kv, Store: st, Ctx: context.Background()}
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	return newEnvWithKV(t, store.NewMemory())
}

func fillDraft(env testEnv, person, date string) {
	env.Engine.UpdateDraft(env.Ctx, func(d *domain.Draft) {
		d.PersonName = person
		d.Date = date
		d.Notes = "nota"
		d.Tasks["consultas"] = domain.TaskEntry{Quantity: "3"}
		d.Tasks["reevaluaciones"] = domain.TaskEntry{Quantity: "2,5"}
		d.Otros[0].Quantity = "1"
	})
}

func TestSaveRejectsFutureDateWithoutSideEffects(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.Load(env.Ctx)
	fillDraft(env, "Ana", fixedNow.AddDate(0, 0, 1).Format(domain.DateLayout))
	before, err := env.Store.Raw(env.Ctx, store.DatasetKey)
	if err != nil {
		t.Fatalf("raw: %v", err)
	}

	_, err = env.Engine.Save(env.Ctx)
	var ve *engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "date" {
		t.Fatalf("expected date ValidationError, got %v", err)
	}
	after, _ := env.Store.Raw(env.Ctx, store.DatasetKey)
	if before != after {
		t.Fatalf("dataset changed on rejected save")
	}
	if env.Client.pushCount() != 0 || len(env.Engine.Queued(env.Ctx)) != 0 {
		t.Fatalf("rejected save reached the network or outbox")
	}
}

func TestSaveEditedKeepsStoredDraftOnRejection(t *testing.T) {
	env := newTestEnv(t)
	fillDraft(env, "Ana", "2024-06-01")
	before, err := env.Store.Raw(env.Ctx, store.DatasetKey)
	if err != nil {
		t.Fatalf("raw: %v", err)
	}
	tomorrow := fixedNow.AddDate(0, 0, 1).Format(domain.DateLayout)
	_, err = env.Engine.SaveEdited(env.Ctx, func(d *domain.Draft) { d.Date = tomorrow })
	var ve *engine.ValidationError
	if !errors.As(err, &ve) || ve.Field != "date" {
		t.Fatalf("expected date ValidationError, got %v", err)
	}
	after, _ := env.Store.Raw(env.Ctx, store.DatasetKey)
	if before != after {
		t.Fatalf("rejected edit was persisted")
	}
	if got := env.Engine.Snapshot(env.Ctx).Draft.Date; got != "2024-06-01" {
		t.Fatalf("draft date = %q", got)
	}

	res, err := env.Engine.SaveEdited(env.Ctx, func(d *domain.Draft) { d.PersonName = "Luis" })
	if err != nil {
		t.Fatalf("save edited: %v", err)
	}
	if res.Entry.PersonName != "Luis" || res.Entry.Date != "2024-06-01" || res.Entry.Total != 6.5 {
		t.Fatalf("unexpected entry %+v", res.Entry)
	}
	if got := env.Engine.Snapshot(env.Ctx).Draft.PersonName; got != "Luis" {
		t.Fatalf("person not kept for the next entry: %q", got)
	}
}

func TestSaveRejectsMissingFields(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		person, date, field string
	}{
		{"   ", "2024-06-01", "personName"},
		{"Ana", "", "date"},
		{"Ana", "01/06/2024", "date"},
	}
	for _, tc := range cases {
		fillDraft(env, tc.person, tc.date)
		_, err := env.Engine.Save(env.Ctx)
		var ve *engine.ValidationError
		if !errors.As(err, &ve) || ve.Field != tc.field {
			t.Fatalf("person=%q date=%q: expected %s error, got %v", tc.person, tc.date, tc.field, err)
		}
	}
	if n := len(env.Engine.Snapshot(env.Ctx).Entries); n != 0 {
		t.Fatalf("expected no entries, got %d", n)
	}
}

func TestSavePushesAndResetsDraft(t *testing.T) {
	env := newTestEnv(t)
	fillDraft(env, " Ana ", "2024-06-10")
	res, err := env.Engine.Save(env.Ctx)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if res.Outcome != engine.OutcomeSynced || res.Status != engine.StatusPushed {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Entry.Total != 6.5 || res.Entry.PersonName != "Ana" || res.Entry.ID != "id-1" {
		t.Fatalf("unexpected entry %+v", res.Entry)
	}
	if env.Client.pushCount() != 1 || env.Client.pushed[0][0].ID != "id-1" {
		t.Fatalf("expected one push with the entry, got %+v", env.Client.pushed)
	}
	snap := env.Engine.Snapshot(env.Ctx)
	if len(snap.Entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(snap.Entries))
	}
	d := snap.Draft
	if d.PersonName != " Ana " || d.Date != "2024-06-10" || d.Notes != "" {
		t.Fatalf("draft not reset correctly: %+v", d)
	}
	if !d.Tasks["consultas"].Quantity.IsBlank() || len(d.Otros) != 1 || d.Otros[0].Label != "Otros" {
		t.Fatalf("draft tasks not cleared: %+v", d)
	}
}

func TestSaveQueuesOnDeliveryFailure(t *testing.T) {
	env := newTestEnv(t)
	env.Client.pushErr = &relayclient.DeliveryError{StatusCode: 502}
	fillDraft(env, "Ana", "2024-06-01")
	res, err := env.Engine.Save(env.Ctx)
	if err != nil {
		t.Fatalf("delivery failure must not be returned: %v", err)
	}
	if res.Outcome != engine.OutcomeQueued || res.Status != engine.StatusQueued || res.PushErr == nil {
		t.Fatalf("unexpected result %+v", res)
	}
	queued := env.Engine.Queued(env.Ctx)
	if len(queued) != 1 || queued[0].ID != res.Entry.ID {
		t.Fatalf("entry not queued: %+v", queued)
	}
	if len(env.Engine.Snapshot(env.Ctx).Entries) != 1 {
		t.Fatalf("entry not persisted locally")
	}

	env.Client.pushErr = nil
	rep, err := env.Engine.FlushOutbox(env.Ctx)
	if err != nil || rep.Delivered != 1 || rep.Status != engine.StatusQueueSent {
		t.Fatalf("flush = %+v, %v", rep, err)
	}
	if len(env.Engine.Queued(env.Ctx)) != 0 {
		t.Fatalf("queue not emptied")
	}
	rep, err = env.Engine.FlushOutbox(env.Ctx)
	if err != nil || rep.Status != engine.StatusQueueEmpty {
		t.Fatalf("empty flush = %+v, %v", rep, err)
	}
}

func TestFlushFailureKeepsQueue(t *testing.T) {
	env := newTestEnv(t)
	env.Client.pushErr = errors.New("offline")
	for i := 0; i < 3; i++ {
		fillDraft(env, "Ana", "2024-06-01")
		if _, err := env.Engine.Save(env.Ctx); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	before := env.Engine.Queued(env.Ctx)
	rep, err := env.Engine.FlushOutbox(env.Ctx)
	if err == nil || rep.Status != engine.StatusQueueFailed {
		t.Fatalf("expected failed flush, got %+v %v", rep, err)
	}
	if after := env.Engine.Queued(env.Ctx); !reflect.DeepEqual(before, after) || len(after) != 3 {
		t.Fatalf("queue changed: %d -> %d", len(before), len(after))
	}
}

func TestSaveWithoutAutoSyncOnlyPersists(t *testing.T) {
	env := newTestEnv(t)
	env.Engine.UpdateSettings(env.Ctx, func(s *domain.Settings) { s.AutoSync = false })
	fillDraft(env, "Ana", "2024-06-01")
	res, err := env.Engine.Save(env.Ctx)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if res.Outcome != engine.OutcomePersisted || env.Client.pushCount() != 0 || len(env.Engine.Queued(env.Ctx)) != 0 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestPullFailureLeavesStateUntouched(t *testing.T) {
	env := newTestEnv(t)
	fillDraft(env, "Ana", "2024-06-01")
	if _, err := env.Engine.Save(env.Ctx); err != nil {
		t.Fatalf("save: %v", err)
	}
	before := env.Engine.Snapshot(env.Ctx)
	rawBefore, _ := env.Store.Raw(env.Ctx, store.DatasetKey)

	env.Client.pullErr = &relayclient.FetchError{Reason: "entries is not an array"}
	for _, mode := range []reconcile.Mode{reconcile.ModeMerge, reconcile.ModeReplace} {
		rep, err := env.Engine.Pull(env.Ctx, mode)
		var fe *relayclient.FetchError
		if !errors.As(err, &fe) || rep.Status != engine.StatusPullFailed {
			t.Fatalf("expected FetchError, got %+v %v", rep, err)
		}
	}
	if after := env.Engine.Snapshot(env.Ctx); !reflect.DeepEqual(before, after) {
		t.Fatalf("state changed after failed pull")
	}
	if rawAfter, _ := env.Store.Raw(env.Ctx, store.DatasetKey); rawAfter != rawBefore {
		t.Fatalf("stored dataset changed after failed pull")
	}
}

func TestPullMergeThenReplace(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Import(env.Ctx, strings.NewReader(`[{"id":"a","total":1},{"id":"b","total":2}]`)); err != nil {
		t.Fatalf("import: %v", err)
	}
	env.Client.remote = []domain.Entry{{ID: "b", Total: 99}, {ID: "c", Total: 3}}

	rep, err := env.Engine.Pull(env.Ctx, reconcile.ModeMerge)
	if err != nil {
		t.Fatalf("pull: %v", err)
	}
	if rep.Fetched != 2 || rep.Status != "✔ Cargado 2 registros de la nube" || rep.Diff.Added != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	got := map[string]float64{}
	for _, e := range env.Engine.Snapshot(env.Ctx).Entries {
		got[e.ID] = e.Total
	}
	if !reflect.DeepEqual(got, map[string]float64{"a": 1, "b": 99, "c": 3}) {
		t.Fatalf("merge result %v", got)
	}

	if _, err := env.Engine.Pull(env.Ctx, reconcile.ModeReplace); err != nil {
		t.Fatalf("replace pull: %v", err)
	}
	entries := env.Engine.Snapshot(env.Ctx).Entries
	if len(entries) != 2 || entries[0].ID != "b" || entries[1].ID != "c" {
		t.Fatalf("replace result %+v", entries)
	}
}

func TestBootstrapDefaultsAndAutoPull(t *testing.T) {
	env := newTestEnv(t)
	if err := env.KV.Put(env.Ctx, store.DatasetKey, "{{{"); err != nil {
		t.Fatalf("put: %v", err)
	}
	env.Client.remote = []domain.Entry{{ID: "r1", Total: 5}}
	done := env.Engine.Bootstrap(env.Ctx)
	select {
	case rep, ok := <-done:
		if !ok || rep.Fetched != 1 {
			t.Fatalf("unexpected bootstrap report %+v ok=%v", rep, ok)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("bootstrap pull did not finish")
	}
	snap := env.Engine.Snapshot(env.Ctx)
	if !snap.Settings.AutoSync || !snap.Settings.AutoPull {
		t.Fatalf("settings baseline not applied: %+v", snap.Settings)
	}
	if len(snap.Entries) != 1 || snap.Entries[0].ID != "r1" {
		t.Fatalf("expected pulled entry, got %+v", snap.Entries)
	}
	if len(snap.Draft.Tasks) != len(config.Default().Activities) {
		t.Fatalf("blank draft not built from catalog: %+v", snap.Draft)
	}
}

func TestBootstrapSwallowsPullFailure(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Import(env.Ctx, strings.NewReader(`{"entries":[{"id":"local"}]}`)); err != nil {
		t.Fatalf("import: %v", err)
	}
	env.Client.pullErr = errors.New("no network")
	reloaded := engine.New(env.Store, env.Client, config.Default())
	<-reloaded.Bootstrap(env.Ctx)
	entries := reloaded.Snapshot(env.Ctx).Entries
	if len(entries) != 1 || entries[0].ID != "local" {
		t.Fatalf("local data lost after failed startup pull: %+v", entries)
	}
}

func TestBootstrapWithoutAutoPull(t *testing.T) {
	env := newTestEnv(t)
	if err := env.Store.SaveSettings(env.Ctx, domain.Settings{AutoSync: true, AutoPull: false}); err != nil {
		t.Fatalf("save settings: %v", err)
	}
	if _, ok := <-env.Engine.Bootstrap(env.Ctx); ok {
		t.Fatalf("expected closed channel without report")
	}
	if env.Client.pulls != 0 {
		t.Fatalf("pull ran with auto-pull disabled")
	}
}

func TestImportRejectsMalformedBackup(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Import(env.Ctx, strings.NewReader(`[{"id":"keep"}]`)); err != nil {
		t.Fatalf("import: %v", err)
	}
	for _, body := range []string{`not json`, `{"entries":"x"}`, `42`, `{"rows":[]}`} {
		_, err := env.Engine.Import(env.Ctx, strings.NewReader(body))
		var ie *engine.ImportError
		if !errors.As(err, &ie) {
			t.Fatalf("body %q: expected ImportError, got %v", body, err)
		}
	}
	entries := env.Engine.Snapshot(env.Ctx).Entries
	if len(entries) != 1 || entries[0].ID != "keep" {
		t.Fatalf("dataset changed by failed import: %+v", entries)
	}
}

func TestImportCollapsesRepeatedIDsBeforePull(t *testing.T) {
	env := newTestEnv(t)
	backup := `{"entries":[{"id":"x","personName":"Ana","total":1},{"id":"y","total":5},{"id":"x","personName":"Ana","total":2}]}`
	n, err := env.Engine.Import(env.Ctx, strings.NewReader(backup))
	if err != nil || n != 2 {
		t.Fatalf("import = %d, %v", n, err)
	}
	env.Client.remote = []domain.Entry{{ID: "x", PersonName: "Ana", Total: 99}}
	if _, err := env.Engine.Pull(env.Ctx, reconcile.ModeMerge); err != nil {
		t.Fatalf("pull: %v", err)
	}
	entries := env.Engine.Snapshot(env.Ctx).Entries
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %+v", entries)
	}
	if entries[0].ID != "x" || entries[0].Total != 99 || entries[1].ID != "y" {
		t.Fatalf("unexpected entries after pull %+v", entries)
	}
}

func TestExports(t *testing.T) {
	env := newTestEnv(t)
	fillDraft(env, `Ana "La Jefa"`, "2024-06-01")
	if _, err := env.Engine.Save(env.Ctx); err != nil {
		t.Fatalf("save: %v", err)
	}
	var csv bytes.Buffer
	if err := env.Engine.ExportCSV(env.Ctx, &csv); err != nil {
		t.Fatalf("export csv: %v", err)
	}
	lines := strings.Split(csv.String(), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected header + 3 lines, got %q", csv.String())
	}
	if lines[0] != `"Nombre del Responsable","Fecha","Actividad","Descripción","Cantidad","Tipo"` {
		t.Fatalf("unexpected header %q", lines[0])
	}
	if lines[1] != `"Ana ""La Jefa""","2024-06-01","Consultas","","3","Base"` {
		t.Fatalf("unexpected first row %q", lines[1])
	}
	if !strings.HasSuffix(lines[3], `"Otros","","1","Otros"`) {
		t.Fatalf("unexpected otros row %q", lines[3])
	}

	var js bytes.Buffer
	if err := env.Engine.ExportJSON(env.Ctx, &js); err != nil {
		t.Fatalf("export json: %v", err)
	}
	other := newTestEnv(t)
	if n, err := other.Engine.Import(other.Ctx, &js); err != nil || n != 1 {
		t.Fatalf("re-import = %d, %v", n, err)
	}
	if env.Engine.BackupFilename() != "bitacoras_backup_2024-06-10.json" {
		t.Fatalf("unexpected backup name %q", env.Engine.BackupFilename())
	}
}

func TestDeleteAndReport(t *testing.T) {
	env := newTestEnv(t)
	fillDraft(env, "Ana", "2024-06-01")
	first, _ := env.Engine.Save(env.Ctx)
	fillDraft(env, "Luis", "2024-06-02")
	if _, err := env.Engine.Save(env.Ctx); err != nil {
		t.Fatalf("save: %v", err)
	}
	rep := env.Engine.Report(env.Ctx, aggregate.Filter{Person: "an"})
	if rep.Entries != 1 || rep.Total != 6.5 || rep.ByPerson[0].Name != "Ana" {
		t.Fatalf("unexpected report %+v", rep)
	}
	if !env.Engine.Delete(env.Ctx, first.Entry.ID) {
		t.Fatalf("delete reported nothing removed")
	}
	if env.Engine.Delete(env.Ctx, "missing") {
		t.Fatalf("delete of unknown id reported success")
	}
	if rep := env.Engine.Report(env.Ctx, aggregate.Filter{}); rep.Entries != 1 {
		t.Fatalf("expected 1 entry after delete, got %d", rep.Entries)
	}
}

type failingKV struct {
	store.KV
}

func (failingKV) Put(context.Context, string, string) error { return errors.New("disk full") }

func TestPersistenceFailureContinuesInMemory(t *testing.T) {
	env := newEnvWithKV(t, failingKV{KV: store.NewMemory()})
	env.Client.pushErr = errors.New("offline")
	fillDraft(env, "Ana", "2024-06-01")
	res, err := env.Engine.Save(env.Ctx)
	if err != nil {
		t.Fatalf("save must tolerate storage failure: %v", err)
	}
	if res.Outcome != engine.OutcomeQueued {
		t.Fatalf("unexpected outcome %s", res.Outcome)
	}
	if !env.Engine.Degraded() {
		t.Fatalf("engine should report degraded storage")
	}
	if len(env.Engine.Snapshot(env.Ctx).Entries) != 1 {
		t.Fatalf("entry lost from memory")
	}
}

func TestStateSurvivesRestartWithJournal(t *testing.T) {
	ctx := context.Background()
	workspace := t.TempDir()
	open := func() (*engine.Engine, events.Writer) {
		conn, err := db.Open(db.Config{Workspace: workspace})
		if err != nil {
			t.Fatalf("open db: %v", err)
		}
		t.Cleanup(func() { conn.Close() })
		if err := migrate.Migrate(ctx, conn); err != nil {
			t.Fatalf("migrate: %v", err)
		}
		st := store.New(store.SQLite{DB: conn}, quietLogger())
		eng := engine.New(st, &fakeClient{pushErr: errors.New("offline")}, config.Default())
		eng.Now = func() time.Time { return fixedNow }
		w := events.Writer{DB: conn}
		eng.Journal = w
		return eng, w
	}
	eng, _ := open()
	eng.UpdateDraft(ctx, func(d *domain.Draft) {
		d.PersonName, d.Date = "Ana", "2024-06-01"
		d.Tasks["consultas"] = domain.TaskEntry{Quantity: "4"}
	})
	if _, err := eng.Save(ctx); err != nil {
		t.Fatalf("save: %v", err)
	}

	restarted, journal := open()
	restarted.Load(ctx)
	snap := restarted.Snapshot(ctx)
	if len(snap.Entries) != 1 || snap.Entries[0].Total != 4 || snap.Draft.PersonName != "Ana" {
		t.Fatalf("state not restored: %+v", snap)
	}
	if len(restarted.Queued(ctx)) != 1 {
		t.Fatalf("outbox not restored")
	}
	evts, err := journal.Latest(ctx, 10, "")
	if err != nil {
		t.Fatalf("journal: %v", err)
	}
	types := map[string]bool{}
	for _, e := range evts {
		types[e.Type] = true
	}
	for _, want := range []string{events.EntrySaved, events.PushFailed, events.OutboxQueued} {
		if !types[want] {
			t.Fatalf("journal missing %s: %+v", want, evts)
		}
	}
}

func TestConnectionStatusAndSettingsPersist(t *testing.T) {
	env := newTestEnv(t)
	status, err := env.Engine.TestConnection(env.Ctx)
	if err != nil || status != engine.StatusConnOK {
		t.Fatalf("ok connection: %q %v", status, err)
	}
	env.Client.pushErr = errors.New("down")
	status, err = env.Engine.TestConnection(env.Ctx)
	if err == nil || status != engine.StatusConnFailed {
		t.Fatalf("failed connection: %q %v", status, err)
	}
	if env.Client.pings != 2 {
		t.Fatalf("expected 2 pings, got %d", env.Client.pings)
	}
	if p, err := env.Engine.Probe(env.Ctx); err != nil || !p.OK {
		t.Fatalf("probe: %+v %v", p, err)
	}

	env.Engine.UpdateSettings(env.Ctx, func(s *domain.Settings) {
		s.AutoPull = false
		s.SheetsURL = "https://example.test/exec"
	})
	got, err := env.Store.LoadSettings(env.Ctx)
	if err != nil {
		t.Fatalf("load settings: %v", err)
	}
	if got.AutoPull || !got.AutoSync || got.SheetsURL != "https://example.test/exec" {
		t.Fatalf("unexpected persisted settings %+v", got)
	}
}
