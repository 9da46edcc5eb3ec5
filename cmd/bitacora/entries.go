package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"bitacora/internal/aggregate"
	"bitacora/internal/config"
	"bitacora/internal/domain"
	"bitacora/internal/engine"
)

func draftCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "draft", Short: "Show or edit the form being filled in"}
	cmd.AddCommand(draftShowCmd())
	cmd.AddCommand(draftSetCmd())
	cmd.AddCommand(draftClearCmd())
	return cmd
}

func draftShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the current draft",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				d := env.Engine.Snapshot(ctx).Draft
				return printJSONOrTable(d, func() { renderDraft(env.Config, d) })
			})
		},
	}
}

func draftSetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Edit draft fields",
		Example: `  bitacora draft set --person "Ana" --date today
  bitacora draft set --task consultas=3 --task visitas=1:"Barrio norte"
  bitacora draft set --otro "Capacitación=2:taller"`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				edits, err := parseDraftEdits(cmd.Flags(), env.Config, time.Now())
				if err != nil {
					return err
				}
				d := env.Engine.UpdateDraft(ctx, edits.apply)
				return printJSONOrTable(d, func() { renderDraft(env.Config, d) })
			})
		},
	}
	addDraftFlags(cmd)
	return cmd
}

func draftClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Reset the draft to a blank form",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				d := env.Engine.ResetDraft(ctx)
				return printJSONOrTable(d, func() { fmt.Println("Draft cleared") })
			})
		},
	}
}

func saveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "save",
		Short: "Save the draft as a new entry",
		Long: `Applies any field flags to the draft, validates it and records a new
entry. A rejected save leaves the stored draft unchanged. With auto-sync on the entry is pushed to the relay; if that fails it
waits in the outbox for 'bitacora outbox flush'.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				edits, err := parseDraftEdits(cmd.Flags(), env.Config, time.Now())
				if err != nil {
					return err
				}
				nctx, cancel := networkContext(ctx)
				defer cancel()
				res, err := env.Engine.SaveEdited(nctx, edits.apply)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(res)
				}
				fmt.Printf("%s (id %s, total %s)\n", res.Status, res.Entry.ID, formatQty(res.Entry.Total))
				if res.PushErr != nil {
					fmt.Println("  reason:", res.PushErr)
				}
				return nil
			})
		},
	}
	addDraftFlags(cmd)
	return cmd
}

func listCmd() *cobra.Command {
	var from, to, person string
	var offline bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List saved entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				if !offline {
					bootstrap(ctx, env)
				}
				entries := aggregate.Filter{From: from, To: to, Person: person}.Apply(env.Engine.Snapshot(ctx).Entries)
				if entries == nil {
					entries = []domain.Entry{}
				}
				return printJSONOrTable(entries, func() {
					tw := newTable()
					tw.AppendHeader(table.Row{"ID", "Date", "Person", "Total", "Created"})
					for _, e := range entries {
						tw.AppendRow(table.Row{e.ID, e.Date, e.PersonName, formatQty(env.Engine.Agg.ComputeTotal(e)), e.CreatedAt})
					}
					tw.AppendFooter(table.Row{"", "", fmt.Sprintf("%d entries", len(entries)), "", ""})
					tw.Render()
				})
			})
		},
	}
	addFilterFlags(cmd, &from, &to, &person)
	cmd.Flags().BoolVar(&offline, "offline", false, "skip the startup pull")
	return cmd
}

func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a local entry",
		Long:  "Removes the entry from the local dataset only; the remote store is not changed.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				if !env.Engine.Delete(ctx, args[0]) {
					return fmt.Errorf("entry %s not found", args[0])
				}
				return printStatus("Deleted "+args[0], map[string]any{"deleted": args[0]})
			})
		},
	}
}

// bootstrap runs the startup pull and waits for it within --timeout.
func bootstrap(ctx context.Context, env *cliEnv) {
	nctx, cancel := networkContext(ctx)
	defer cancel()
	select {
	case report, ok := <-env.Engine.Bootstrap(nctx):
		if ok && report.Status != "" {
			env.Logger.Info("startup pull", "status", report.Status, "fetched", report.Fetched)
		}
	case <-nctx.Done():
	}
}

func addDraftFlags(cmd *cobra.Command) {
	cmd.Flags().String("person", "", "person name")
	cmd.Flags().String("date", "", "date as YYYY-MM-DD, or 'today'")
	cmd.Flags().String("notes", "", "free notes")
	cmd.Flags().StringArray("task", nil, "activity quantity as key=qty[:description] (repeatable)")
	cmd.Flags().StringArray("otro", nil, "other activity as label=qty[:description] (repeatable, replaces existing rows)")
}

func addFilterFlags(cmd *cobra.Command, from, to, person *string) {
	cmd.Flags().StringVar(from, "from", "", "first date, inclusive (YYYY-MM-DD)")
	cmd.Flags().StringVar(to, "to", "", "last date, inclusive (YYYY-MM-DD)")
	cmd.Flags().StringVar(person, "person", "", "person name contains")
}

type draftEdits struct {
	person *string
	date   *string
	notes  *string
	tasks  map[string]domain.TaskEntry
	otros  []domain.OtherRow
	// otrosSet distinguishes "no --otro flags" from an explicit replacement.
	otrosSet bool
}

func (e draftEdits) apply(d *domain.Draft) {
	if e.person != nil {
		d.PersonName = *e.person
	}
	if e.date != nil {
		d.Date = *e.date
	}
	if e.notes != nil {
		d.Notes = *e.notes
	}
	if len(e.tasks) > 0 && d.Tasks == nil {
		d.Tasks = map[string]domain.TaskEntry{}
	}
	for k, t := range e.tasks {
		d.Tasks[k] = t
	}
	if e.otrosSet {
		d.Otros = e.otros
	}
}

func parseDraftEdits(fs *pflag.FlagSet, cfg *config.Config, now time.Time) (draftEdits, error) {
	var edits draftEdits
	if fs.Changed("person") {
		v, _ := fs.GetString("person")
		edits.person = &v
	}
	if fs.Changed("date") {
		v, _ := fs.GetString("date")
		if strings.EqualFold(strings.TrimSpace(v), "today") {
			v = now.Format(domain.DateLayout)
		}
		edits.date = &v
	}
	if fs.Changed("notes") {
		v, _ := fs.GetString("notes")
		edits.notes = &v
	}
	tasks, _ := fs.GetStringArray("task")
	for _, raw := range tasks {
		key, qty, desc, err := splitQuantityArg(raw)
		if err != nil {
			return edits, fmt.Errorf("--task %q: %w", raw, err)
		}
		if _, ok := cfg.Label(key); !ok {
			return edits, fmt.Errorf("--task %q: unknown activity %q", raw, key)
		}
		if edits.tasks == nil {
			edits.tasks = map[string]domain.TaskEntry{}
		}
		edits.tasks[key] = domain.TaskEntry{Quantity: domain.Quantity(qty), Description: desc}
	}
	if fs.Changed("otro") {
		edits.otrosSet = true
		otros, _ := fs.GetStringArray("otro")
		for _, raw := range otros {
			label, qty, desc, err := splitQuantityArg(raw)
			if err != nil {
				return edits, fmt.Errorf("--otro %q: %w", raw, err)
			}
			edits.otros = append(edits.otros, domain.OtherRow{Label: label, Quantity: domain.Quantity(qty), Description: desc})
		}
	}
	return edits, nil
}

// splitQuantityArg parses name=qty[:description].
func splitQuantityArg(raw string) (name, qty, desc string, err error) {
	name, rest, ok := strings.Cut(raw, "=")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", "", "", fmt.Errorf("expected name=qty[:description]")
	}
	qty, desc, _ = strings.Cut(rest, ":")
	return name, strings.TrimSpace(qty), desc, nil
}

func renderDraft(cfg *config.Config, d domain.Draft) {
	head := newTable()
	head.AppendRows([]table.Row{
		{"Person", d.PersonName},
		{"Date", d.Date},
		{"Notes", d.Notes},
	})
	head.Render()

	tw := newTable()
	tw.AppendHeader(table.Row{"Activity", "Quantity", "Description"})
	for _, act := range cfg.Activities {
		t := d.Tasks[act.Key]
		tw.AppendRow(table.Row{act.Label, string(t.Quantity), t.Description})
	}
	if len(d.Otros) > 0 {
		tw.AppendSeparator()
	}
	for _, o := range d.Otros {
		label := o.Label
		if strings.TrimSpace(label) == "" {
			label = cfg.OtherRowLabel()
		}
		tw.AppendRow(table.Row{label + " (" + aggregate.KindOther + ")", string(o.Quantity), o.Description})
	}
	tw.Render()
}

func formatQty(v float64) string {
	return engine.FormatQuantity(v)
}
