package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"bitacora/internal/aggregate"
	"bitacora/internal/domain"
	"bitacora/internal/engine"
)

const csvExportName = "Bitacoras_Completas.csv"

func reportCmd() *cobra.Command {
	var by, from, to, person string
	var offline bool
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Summarize quantities",
		Long:  "Totals by activity, person or date, or a person by activity detail table.",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch by {
			case "activity", "person", "date", "detail":
			default:
				return fmt.Errorf("unknown --by %q (use activity, person, date or detail)", by)
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				if !offline {
					bootstrap(ctx, env)
				}
				r := env.Engine.Report(ctx, aggregate.Filter{From: from, To: to, Person: person})
				return printJSONOrTable(r, func() { renderReport(by, r) })
			})
		},
	}
	cmd.Flags().StringVar(&by, "by", "activity", "activity, person, date or detail")
	addFilterFlags(cmd, &from, &to, &person)
	cmd.Flags().BoolVar(&offline, "offline", false, "skip the startup pull")
	return cmd
}

func renderReport(by string, r engine.Report) {
	tw := newTable()
	switch by {
	case "detail":
		header := table.Row{"Person"}
		for _, c := range r.Detail.Columns {
			header = append(header, c)
		}
		tw.AppendHeader(append(header, "Total"))
		for _, row := range r.Detail.Rows {
			line := table.Row{row.Person}
			for _, v := range row.Values {
				line = append(line, formatQty(v))
			}
			tw.AppendRow(append(line, formatQty(row.Total)))
		}
	default:
		buckets := r.ByActivity
		name := "Activity"
		switch by {
		case "person":
			buckets, name = r.ByPerson, "Person"
		case "date":
			buckets, name = r.ByDate, "Date"
		}
		tw.AppendHeader(table.Row{name, "Total"})
		for _, b := range buckets {
			tw.AppendRow(table.Row{b.Name, formatQty(b.Total)})
		}
	}
	tw.AppendFooter(table.Row{fmt.Sprintf("%d entries", r.Entries), formatQty(r.Total)})
	tw.Render()
}

func exportCmd() *cobra.Command {
	var format, out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export entries as a JSON backup or a CSV sheet",
		Long: `json writes {"entries": [...]} to bitacoras_backup_<date>.json; csv
writes one line per activity to Bitacoras_Completas.csv. --out - prints to
stdout.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "json" && format != "csv" {
				return fmt.Errorf("unknown --format %q (use json or csv)", format)
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				target := out
				if target == "" {
					target = csvExportName
					if format == "json" {
						target = env.Engine.BackupFilename()
					}
				}
				write := env.Engine.ExportCSV
				if format == "json" {
					write = env.Engine.ExportJSON
				}
				if target == "-" {
					return write(ctx, os.Stdout)
				}
				f, err := os.Create(target)
				if err != nil {
					return err
				}
				if err := write(ctx, f); err != nil {
					f.Close()
					return err
				}
				if err := f.Close(); err != nil {
					return err
				}
				return printStatus("Wrote "+target, map[string]string{"file": target, "format": format})
			})
		},
	}
	cmd.Flags().StringVar(&format, "format", "json", "json or csv")
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file, - for stdout")
	return cmd
}

func importCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import <file>",
		Short: "Replace local entries with a JSON backup",
		Long:  "Accepts a bare array of entries or an {\"entries\": [...]} document. - reads stdin.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				var r io.Reader = os.Stdin
				if args[0] != "-" {
					f, err := os.Open(args[0])
					if err != nil {
						return err
					}
					defer f.Close()
					r = f
				}
				n, err := env.Engine.Import(ctx, r)
				if err != nil {
					return err
				}
				return printStatus(fmt.Sprintf("Imported %d entries", n), map[string]int{"imported": n})
			})
		},
	}
}

func logCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "log", Short: "Sync event log"}
	cmd.AddCommand(logTailCmd())
	return cmd
}

func logTailCmd() *cobra.Command {
	var limit int
	var evtType string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show recent events, newest first",
		Long:  "--type filters by event type; a trailing dot matches a family, e.g. push.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				if env.Journal == nil {
					return fmt.Errorf("event log unavailable: local database could not be opened")
				}
				evts, err := env.Journal.Latest(ctx, limit, evtType)
				if err != nil {
					return err
				}
				if evts == nil {
					evts = []domain.Event{}
				}
				return printJSONOrTable(evts, func() {
					tw := newTable()
					tw.AppendHeader(table.Row{"ID", "Time", "Type", "Entry", "Payload"})
					for _, e := range evts {
						tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntryID, e.Payload})
					}
					tw.Render()
				})
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of events")
	cmd.Flags().StringVar(&evtType, "type", "", "event type or family prefix")
	return cmd
}
