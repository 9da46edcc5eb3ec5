package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"bitacora/internal/config"
	"bitacora/internal/db"
	"bitacora/internal/engine"
	"bitacora/internal/events"
	"bitacora/internal/migrate"
	"bitacora/internal/relayclient"
	"bitacora/internal/store"
)

var rootCmd = &cobra.Command{
	Use:   "bitacora",
	Short: "Bitácora activity log CLI",
	Long: `bitacora records daily activity logs and keeps them in sync with a
spreadsheet-backed store through an HTTP relay.
- Draft: the form being filled in; 'bitacora draft set' edits it, 'bitacora save' records it.
- Entry: one saved log for one person on one date, with per-activity quantities and free "otros" rows.
- Sync: with auto-sync on, every save is pushed to the relay; failed pushes wait in the outbox.
- Outbox: 'bitacora outbox flush' retries every queued entry as one batch.
- Pull: 'bitacora pull' merges remote entries by id; --mode replace discards local-only entries.
- Relay: 'bitacora relay serve' forwards to the URL in SHEETS_WEBAPP_URL.
- Event log: sync history, view with 'bitacora log tail'.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		slog.SetDefault(newLogger(viper.GetString("log-level")))
		return nil
	},
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	cobra.OnInitialize(initConfig)
	addPersistentFlags(rootCmd)
	registerCommands(rootCmd)
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		stop()
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("BITACORA")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags(root *cobra.Command) {
	pf := root.PersistentFlags()
	pf.StringP("workspace", "w", ".", "workspace directory")
	pf.Bool("json", false, "output JSON")
	pf.Duration("timeout", 30*time.Second, "timeout for network operations")
	pf.String("log-level", "warn", "log level (debug, info, warn, error)")
	pf.String("relay-url", "", "relay URL (overrides config relay.url)")
	pf.String("relay-token", "", "bearer token sent to the relay")
	for _, name := range []string{"workspace", "json", "timeout", "log-level", "relay-url", "relay-token"} {
		_ = viper.BindPFlag(name, pf.Lookup(name))
	}
}

func registerCommands(root *cobra.Command) {
	root.AddCommand(configCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(draftCmd())
	root.AddCommand(saveCmd())
	root.AddCommand(listCmd())
	root.AddCommand(deleteCmd())
	root.AddCommand(pullCmd())
	root.AddCommand(outboxCmd())
	root.AddCommand(testCmd())
	root.AddCommand(probeCmd())
	root.AddCommand(settingsCmd())
	root.AddCommand(reportCmd())
	root.AddCommand(exportCmd())
	root.AddCommand(importCmd())
	root.AddCommand(logCmd())
	root.AddCommand(relayCmd())
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config", Short: "Manage bitacora.yml"}
	cmd.AddCommand(configInitCmd())
	cmd.AddCommand(configShowCmd())
	return cmd
}

func configInitCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default bitacora.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("Wrote", path)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(cfg)
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show workspace, storage and queue status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEnv(cmd.Context(), func(ctx context.Context, env *cliEnv) error {
				snap := env.Engine.Snapshot(ctx)
				out := workspaceStatus{
					Workspace:  viper.GetString("workspace"),
					Database:   db.Path(viper.GetString("workspace")),
					RelayURL:   env.RelayURL,
					Entries:    len(snap.Entries),
					Queued:     len(env.Engine.Queued(ctx)),
					AutoSync:   snap.Settings.AutoSync,
					AutoPull:   snap.Settings.AutoPull,
					InMemory:   env.Engine.Degraded(),
					Activities: len(env.Config.Activities),
				}
				if env.DB != nil {
					if v, err := migrate.Current(ctx, env.DB); err == nil {
						out.SchemaVersion = v
					}
				}
				return printJSONOrTable(out, func() {
					tw := newTable()
					tw.AppendRows([]table.Row{
						{"Workspace", out.Workspace},
						{"Database", out.Database},
						{"Schema version", out.SchemaVersion},
						{"In memory", out.InMemory},
						{"Relay URL", out.RelayURL},
						{"Entries", out.Entries},
						{"Queued", out.Queued},
						{"Auto sync", out.AutoSync},
						{"Auto pull", out.AutoPull},
						{"Activities", out.Activities},
					})
					tw.Render()
				})
			})
		},
	}
}

type workspaceStatus struct {
	Workspace     string `json:"workspace"`
	Database      string `json:"database"`
	SchemaVersion int    `json:"schema_version"`
	InMemory      bool   `json:"in_memory"`
	RelayURL      string `json:"relay_url"`
	Entries       int    `json:"entries"`
	Queued        int    `json:"queued"`
	AutoSync      bool   `json:"auto_sync"`
	AutoPull      bool   `json:"auto_pull"`
	Activities    int    `json:"activities"`
}

// --- helpers ---

type cliEnv struct {
	Engine   *engine.Engine
	Config   *config.Config
	Journal  *events.Writer
	DB       *sql.DB
	RelayURL string
	Logger   *slog.Logger
}

// withEnv opens the workspace and builds an engine. When the database
// cannot be opened the engine runs on an in-memory store for this command.
func withEnv(ctx context.Context, fn func(context.Context, *cliEnv) error) error {
	workspace := viper.GetString("workspace")
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	logger := slog.Default()
	env := &cliEnv{Config: cfg, Logger: logger}

	var kv store.KV
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err == nil {
		err = migrate.Migrate(ctx, conn)
	}
	if err != nil {
		logger.Warn("local database unavailable; changes will not be kept", "err", &engine.PersistenceError{Key: db.Path(workspace), Err: err})
		if conn != nil {
			conn.Close()
		}
		kv = store.NewMemory()
	} else {
		defer conn.Close()
		env.DB = conn
		kv = store.SQLite{DB: conn}
	}

	env.RelayURL = firstNonEmpty(viper.GetString("relay-url"), cfg.Relay.URL)
	client := relayclient.New(env.RelayURL)
	client.BearerToken = firstNonEmpty(viper.GetString("relay-token"), cfg.Relay.Token)
	client.Timeout = time.Duration(cfg.Relay.TimeoutSeconds) * time.Second

	e := engine.New(store.New(kv, logger), client, cfg)
	if env.DB != nil {
		w := events.Writer{DB: env.DB}
		env.Journal = &w
		e.Journal = w
	}
	e.Load(ctx)
	env.Engine = e
	return fn(ctx, env)
}

// networkContext bounds one network operation by --timeout.
func networkContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if d := viper.GetDuration("timeout"); d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// printJSONOrTable prints v as JSON under --json and calls render otherwise.
func printJSONOrTable(v any, render func()) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	render()
	return nil
}

func newTable() table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	return tw
}

// printStatus prints a one-line status message, or {"status": ...} under --json.
func printStatus(status string, v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	fmt.Println(status)
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}
