package main

import (
	"bufio"
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/oauth2"

	"rotaro/internal/config"
	"rotaro/internal/db"
	"rotaro/internal/driver"
	"rotaro/internal/engine"
	"rotaro/internal/gtasks"
	"rotaro/internal/migrate"
	"rotaro/internal/server"
	"rotaro/internal/source"
)

var rootCmd = &cobra.Command{
	Use:   "rotaro",
	Short: "Rotaro rotates recurring tasks among people",
	Long: `Rotaro assigns recurring chores to a rotating roster and keeps the
assignments in sync with each person's Google Tasks list. Definitions live in
a YAML file you edit; every cycle the engine re-reads it, reconciles what it
knows against what the task lists show, and rotates anything overdue.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("ROTARO")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(cycleCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(defCmd())
	rootCmd.AddCommand(instanceCmd())
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(serveCmd())
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Manage configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write a default rotaro.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSON(c)
		},
	})
	return cfg
}

func runCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the poll loop until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, conn, err := buildDriver(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			err = d.Run(cmd.Context())
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		},
	}
	return cmd
}

func cycleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cycle",
		Short: "Run one cycle and report",
		RunE: func(cmd *cobra.Command, args []string) error {
			d, conn, err := buildDriver(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			defer conn.Close()
			report, err := d.RunOnce(cmd.Context())
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{
					"reconciled":   report.Reconciled,
					"assigned":     report.Assigned,
					"completed":    report.Completed,
					"rotated":      report.Rotated,
					"retired":      report.Retired,
					"defs_synced":  report.DefsSynced,
					"users_synced": report.UsersSynced,
					"intents":      len(report.Intents),
					"dropped":      report.Dropped,
					"skipped":      report.Skipped,
					"errors":       errorStrings(report.Errors),
				})
			}
			fmt.Printf("reconciled %d, assigned %d, completed %d, rotated %d\n",
				report.Reconciled, report.Assigned, report.Completed, report.Rotated)
			fmt.Printf("intents %d (%d dropped), definitions synced %d, users synced %d\n",
				len(report.Intents), report.Dropped, report.DefsSynced, report.UsersSynced)
			for _, s := range report.Skipped {
				fmt.Println("skipped:", s)
			}
			for _, e := range report.Errors {
				fmt.Println("error:", e)
			}
			return nil
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show engine status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				defs, err := e.Repo.ListDefinitions(ctx, false)
				if err != nil {
					return err
				}
				instances, err := e.Repo.ListInstances(ctx, false)
				if err != nil {
					return err
				}
				users, err := e.Repo.ListUsers(ctx)
				if err != nil {
					return err
				}
				now := e.Now()
				overdueSoft, overdueHard, completed := 0, 0, 0
				for _, i := range instances {
					switch {
					case i.Completed():
						completed++
					case !now.Before(i.HardDeadline):
						overdueHard++
					case !now.Before(i.SoftDeadline):
						overdueSoft++
					}
				}
				out := map[string]any{
					"users":             len(users),
					"definitions":       len(defs),
					"active_instances":  len(instances),
					"completed_pending": completed,
					"overdue_soft":      overdueSoft,
					"overdue_hard":      overdueHard,
				}
				if viper.GetBool("json") {
					return printJSON(out)
				}
				fmt.Printf("Users: %d  Definitions: %d  Active instances: %d\n", len(users), len(defs), len(instances))
				fmt.Printf("Completed (pending rotation): %d  Overdue soft: %d  Overdue hard: %d\n", completed, overdueSoft, overdueHard)
				return nil
			})
		},
	}
	return cmd
}

func defCmd() *cobra.Command {
	def := &cobra.Command{Use: "def", Short: "Task definitions"}
	var includeRetired bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				defs, err := e.Repo.ListDefinitions(ctx, includeRetired)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(defs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Category", "Repeat", "Grace", "Behavior", "Actors", "Retired"})
				for _, d := range defs {
					tw.AppendRow(table.Row{d.Name, d.Category, d.RepeatPeriod, d.GracePeriod, d.Behavior, strings.Join(d.Actors, ","), d.Retired})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().BoolVar(&includeRetired, "retired", false, "include retired definitions")
	def.AddCommand(list)
	return def
}

func instanceCmd() *cobra.Command {
	inst := &cobra.Command{Use: "instance", Short: "Task instances"}
	var includeTerminated bool
	list := &cobra.Command{
		Use:   "list",
		Short: "List instances",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				instances, err := e.Repo.ListInstances(ctx, includeTerminated)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(instances)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Definition", "User", "Soft", "Hard", "Completed", "Status"})
				for _, i := range instances {
					completed := ""
					if i.CompletedAt != nil {
						completed = i.CompletedAt.Format(time.RFC3339)
					}
					tw.AppendRow(table.Row{
						i.ID, i.DefinitionName, i.AssignedUser,
						i.SoftDeadline.Format(time.RFC3339), i.HardDeadline.Format(time.RFC3339),
						completed, i.Status,
					})
				}
				tw.Render()
				return nil
			})
		},
	}
	list.Flags().BoolVar(&includeTerminated, "terminated", false, "include terminated instances")
	inst.AddCommand(list)
	return inst
}

func historyCmd() *cobra.Command {
	var instanceID string
	var limit int
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Completion history, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Repo.ListCompletions(ctx, instanceID, limit)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Instance", "User", "Completed", "Trigger"})
				for _, e := range entries {
					tw.AppendRow(table.Row{e.ID, e.InstanceID, e.User, e.CompletedAt.Format(time.RFC3339), e.Trigger})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "", "filter by instance id")
	cmd.Flags().IntVar(&limit, "limit", 50, "max entries")
	return cmd
}

func logCmd() *cobra.Command {
	lg := &cobra.Command{Use: "log", Short: "Event log"}
	var n int
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Tail events",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				events, err := e.Repo.ListEvents(ctx, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(events)
				}
				for i := len(events) - 1; i >= 0; i-- {
					ev := events[i]
					fmt.Printf("%s %s %s/%s %s\n", ev.TS, ev.Type, ev.EntityKind, ev.EntityID, ev.Payload)
				}
				return nil
			})
		},
	}
	tail.Flags().IntVar(&n, "n", 20, "number of events")
	lg.AddCommand(tail)
	return lg
}

func tokenCmd() *cobra.Command {
	tok := &cobra.Command{Use: "token", Short: "Per-user Google OAuth tokens"}
	tok.AddCommand(tokenAuthCmd())
	tok.AddCommand(tokenImportCmd())
	return tok
}

func tokenAuthCmd() *cobra.Command {
	var email string
	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Authorize a user interactively",
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" {
				return fmt.Errorf("--email required")
			}
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			oauthCfg, err := gtasks.LoadCredentials(cfg.Google.CredentialsFile)
			if err != nil {
				return err
			}
			url := oauthCfg.AuthCodeURL("state", oauth2.AccessTypeOffline)
			fmt.Println("Open this URL in a browser and paste the code back:")
			fmt.Println(url)
			fmt.Print("code: ")
			reader := bufio.NewReader(os.Stdin)
			code, err := reader.ReadString('\n')
			if err != nil {
				return err
			}
			token, err := oauthCfg.Exchange(cmd.Context(), strings.TrimSpace(code))
			if err != nil {
				return err
			}
			store := gtasks.TokenStore{Dir: cfg.Google.TokensDir}
			if err := store.Save(email, token); err != nil {
				return err
			}
			fmt.Println("token saved for", email)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "user email")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func tokenImportCmd() *cobra.Command {
	var email, file string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import an existing token file for a user",
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" || file == "" {
				return fmt.Errorf("--email and --file required")
			}
			cfg, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			data, err := os.ReadFile(file)
			if err != nil {
				return err
			}
			var token oauth2.Token
			if err := json.Unmarshal(data, &token); err != nil {
				return fmt.Errorf("parse token: %w", err)
			}
			store := gtasks.TokenStore{Dir: cfg.Google.TokensDir}
			if err := store.Save(email, &token); err != nil {
				return err
			}
			fmt.Println("token saved for", email)
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "user email")
	cmd.Flags().StringVar(&file, "file", "", "token JSON file")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var withDriver bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			d, conn, err := buildDriver(workspace)
			if err != nil {
				return err
			}
			defer conn.Close()
			cfg := d.Engine.Config
			if addr == "" {
				addr = cfg.Server.Addr
			}
			if basePath == "" {
				basePath = cfg.Server.BasePath
			}
			authCfg := server.AuthConfig{JWTSecret: os.Getenv("ROTARO_JWT_SECRET")}
			if authCfg.JWTSecret == "" {
				return fmt.Errorf("ROTARO_JWT_SECRET is required for bearer auth")
			}
			handler, err := server.New(server.Config{
				Engine:   d.Engine,
				Cycler:   d,
				BasePath: basePath,
				Auth:     authCfg,
			})
			if err != nil {
				return err
			}
			if withDriver {
				go func() {
					if err := d.Run(cmd.Context()); err != nil && !errors.Is(err, context.Canceled) {
						log.Printf("driver stopped: %v", err)
					}
				}()
			}
			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-cmd.Context().Done()
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(ctx)
			}()
			fmt.Printf("Serving Rotaro API on http://%s%s\n", addr, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default from config)")
	cmd.Flags().BoolVar(&withDriver, "with-driver", true, "also run the poll loop")
	return cmd
}

// buildDriver wires the full stack: config, database, engine, source,
// provider. A missing or unreadable Google credentials file degrades to an
// unauthenticated provider; every user then counts as credential-less.
func buildDriver(workspace string) (*driver.Driver, *sql.DB, error) {
	cfg, err := config.Load(workspace)
	if err != nil {
		return nil, nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, nil, err
	}
	e := engine.New(conn, cfg)
	provider := &gtasks.Provider{
		Tokens: gtasks.TokenStore{Dir: cfg.Google.TokensDir},
	}
	oauthCfg, err := gtasks.LoadCredentials(cfg.Google.CredentialsFile)
	if err != nil {
		log.Printf("google credentials unavailable, running degraded: %v", err)
	} else {
		provider.OAuth = oauthCfg
	}
	d := &driver.Driver{
		Engine:      e,
		Source:      source.FileSource{Path: cfg.Source.File},
		Provider:    provider,
		Interval:    cfg.Driver.Interval,
		CallTimeout: cfg.Driver.CallTimeout,
	}
	return d, conn, nil
}

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func errorStrings(errs []error) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Error())
	}
	return out
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
