package main

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bitacora/internal/domain"
	"bitacora/internal/engine"
	"bitacora/internal/reconcile"
)

func pullCmd() *cobra.Command {
	var mode string
	var yes bool
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Load entries from the remote store",
		Long: `Fetches remote entries and reconciles them with the local dataset by id.
--mode merge (default) keeps local-only entries; --mode replace discards
them and needs --yes.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := reconcile.ParseMode(mode)
			if err != nil {
				return err
			}
			if m.Destructive() && !yes {
				return errors.New("replace discards local entries missing from the remote store; rerun with --yes")
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				nctx, cancel := networkContext(ctx)
				defer cancel()
				report, err := env.Engine.Pull(nctx, m)
				if err != nil {
					fmt.Println(report.Status)
					return err
				}
				return printJSONOrTable(report, func() {
					fmt.Println(report.Status)
					fmt.Printf("  added %d, kept %d, removed %d\n", report.Diff.Added, report.Diff.Kept, report.Diff.Removed)
				})
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(reconcile.ModeMerge), "merge or replace")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm a replace pull")
	return cmd
}

func outboxCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "outbox", Short: "Inspect and retry entries waiting to be sent"}
	cmd.AddCommand(outboxListCmd())
	cmd.AddCommand(outboxFlushCmd())
	return cmd
}

func outboxListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				items := env.Engine.Queued(ctx)
				if items == nil {
					items = []domain.Entry{}
				}
				return printJSONOrTable(items, func() {
					if len(items) == 0 {
						fmt.Println(engine.StatusQueueEmpty)
						return
					}
					tw := newTable()
					tw.AppendHeader(table.Row{"#", "ID", "Date", "Person", "Total"})
					for i, e := range items {
						tw.AppendRow(table.Row{i + 1, e.ID, e.Date, e.PersonName, formatQty(e.Total)})
					}
					tw.Render()
				})
			})
		},
	}
}

func outboxFlushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Send every queued entry as one batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				nctx, cancel := networkContext(ctx)
				defer cancel()
				report, err := env.Engine.FlushOutbox(nctx)
				if err != nil {
					fmt.Println(report.Status)
					return err
				}
				return printStatus(report.Status, report)
			})
		},
	}
}

func testCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "test",
		Short: "Send a ping record through the relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				nctx, cancel := networkContext(ctx)
				defer cancel()
				status, err := env.Engine.TestConnection(nctx)
				fmt.Println(status)
				return err
			})
		},
	}
}

func probeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "probe",
		Short: "Ask the relay how it sees the remote store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				nctx, cancel := networkContext(ctx)
				defer cancel()
				p, err := env.Engine.Probe(nctx)
				if err != nil {
					return err
				}
				return printJSONOrTable(p, func() {
					tw := newTable()
					tw.AppendRows([]table.Row{
						{"Relay OK", p.OK},
						{"Upstream configured", p.HasURL},
						{"Upstream URL", p.URL},
						{"Latency", p.Latency},
					})
					if p.Upstream != nil {
						tw.AppendRow(table.Row{"Upstream status", p.Upstream.Status})
						if p.Upstream.Error != "" {
							tw.AppendRow(table.Row{"Upstream error", p.Upstream.Error})
						}
					}
					tw.Render()
				})
			})
		},
	}
}

func settingsCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "settings", Short: "Show or change sync settings"}
	cmd.AddCommand(settingsShowCmd())
	cmd.AddCommand(settingsSetCmd())
	return cmd
}

func settingsShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show sync settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				s := env.Engine.Snapshot(ctx).Settings
				return printJSONOrTable(s, func() { renderSettings(s) })
			})
		},
	}
}

func settingsSetCmd() *cobra.Command {
	var autoSync, autoPull bool
	var sheetsURL string
	cmd := &cobra.Command{
		Use:   "set",
		Short: "Change sync settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			fs := cmd.Flags()
			if !fs.Changed("auto-sync") && !fs.Changed("auto-pull") && !fs.Changed("sheets-url") {
				return errors.New("nothing to change; pass --auto-sync, --auto-pull or --sheets-url")
			}
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				s := env.Engine.UpdateSettings(ctx, func(s *domain.Settings) {
					if fs.Changed("auto-sync") {
						s.AutoSync = autoSync
					}
					if fs.Changed("auto-pull") {
						s.AutoPull = autoPull
					}
					if fs.Changed("sheets-url") {
						s.SheetsURL = strings.TrimSpace(sheetsURL)
					}
				})
				if viper.GetBool("json") {
					return printJSON(s)
				}
				renderSettings(s)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&autoSync, "auto-sync", true, "push each saved entry")
	cmd.Flags().BoolVar(&autoPull, "auto-pull", true, "pull on startup")
	cmd.Flags().StringVar(&sheetsURL, "sheets-url", "", "spreadsheet web app URL (informational)")
	return cmd
}

func renderSettings(s domain.Settings) {
	tw := newTable()
	tw.AppendRows([]table.Row{
		{"Auto sync", s.AutoSync},
		{"Auto pull", s.AutoPull},
		{"Sheets URL", s.SheetsURL},
	})
	tw.Render()
}
