package main

import (
	"context"
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
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"taskpilot/internal/app"
	"taskpilot/internal/config"
	"taskpilot/internal/db"
	"taskpilot/internal/events"
	"taskpilot/internal/repo"
	"taskpilot/internal/server"
)

var rootCmd = &cobra.Command{
	Use:   "taskpilot",
	Short: "Taskpilot CLI",
	Long: `Taskpilot runs automation rules against task activity.
Core concepts:
- Events: every change to a monitored task field (status, assignee, priority) becomes a domain event such as TASK_STATUS_CHANGED. GitHub webhooks and manual triggers produce events too.
- Queue: events are stored durably and evaluated by a worker, so a failed action is retried with backoff instead of lost.
- Rules: per-organization "when EVENT if CONDITIONS then ACTIONS" definitions. Actions run in position order and each completes at most once per event.
- Cascades: actions that change tasks emit new events. Chains deeper than automation.max_cascade_depth are halted and logged.
- Activity log: rule runs, failures and halts are recorded; view with 'taskpilot log tail'.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		_, err := db.EnsureWorkspace(viper.GetString("workspace"))
		return err
	},
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
	viper.SetEnvPrefix("TASKPILOT")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("org", "default", "organization id")
	rootCmd.PersistentFlags().Bool("verbose", false, "log engine activity to stderr")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("org", rootCmd.PersistentFlags().Lookup("org"))
	_ = viper.BindPFlag("verbose", rootCmd.PersistentFlags().Lookup("verbose"))
}

func registerCommands() {
	rootCmd.AddCommand(initCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(ruleCmd())
	rootCmd.AddCommand(eventCmd())
	rootCmd.AddCommand(jobCmd())
	rootCmd.AddCommand(memberCmd())
	rootCmd.AddCommand(apiKeyCmd())
	rootCmd.AddCommand(notificationCmd())
	rootCmd.AddCommand(logCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(serveCmd())
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the workspace config and make the actor owner of the organization",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
				if err := os.WriteFile(path, []byte(config.GenerateDefault()), 0o644); err != nil {
					return err
				}
				fmt.Printf("Wrote %s\n", path)
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				org, actor := viper.GetString("org"), viper.GetString("actor-id")
				created, err := a.Bootstrap(ctx, org, actor)
				if err != nil {
					return err
				}
				if created {
					fmt.Printf("%s is now owner of %s\n", actor, org)
				} else {
					fmt.Printf("%s already has members\n", org)
				}
				return nil
			})
		},
	}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{Use: "config", Short: "Workspace configuration"}
	cfg.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := config.LoadOptional(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			if viper.GetBool("json") {
				return printJSON(c)
			}
			out, err := yaml.Marshal(c)
			if err != nil {
				return err
			}
			fmt.Print(string(out))
			return nil
		},
	})
	cfg.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Validate the workspace config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := config.Load(viper.GetString("workspace")); err != nil {
				return err
			}
			fmt.Println("config ok")
			return nil
		},
	})
	return cfg
}

func logCmd() *cobra.Command {
	logc := &cobra.Command{
		Use:   "log",
		Short: "Activity log",
		Long:  "Rule runs and failures, halted cascades, abandoned jobs and administrative changes.",
	}
	var f repo.EventFilters
	tail := &cobra.Command{
		Use:   "tail",
		Short: "Show the latest activity",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if f.OrganizationID == "" {
					f.OrganizationID = viper.GetString("org")
				}
				items, err := a.Repo.LatestEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := newTable(table.Row{"ID", "Time", "Type", "Entity", "Actor", "Payload"})
				for _, e := range items {
					tw.AppendRow(table.Row{e.ID, e.TS, e.Type, e.EntityKind + ":" + e.EntityID, e.ActorID, e.Payload})
				}
				tw.Render()
				return nil
			})
		},
	}
	tail.Flags().IntVarP(&f.Limit, "n", "n", 20, "number of events")
	tail.Flags().StringVar(&f.Type, "type", "", "event type filter")
	tail.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	tail.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	logc.AddCommand(tail)
	return logc
}

func workerCmd() *cobra.Command {
	var once bool
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Evaluate queued events",
		Long:  "Leases due jobs from the queue and runs matching rules. With --once a single batch is processed.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if !once {
					fmt.Printf("Worker %s polling every %s\n", a.Worker.ID, a.Config.Queue.PollInterval.Std())
					if err := a.Worker.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
						return err
					}
					return nil
				}
				outcomes, err := a.Worker.ProcessBatch(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(outcomes)
				}
				tw := newTable(table.Row{"Job", "Event", "Result", "Error"})
				for _, o := range outcomes {
					result := "completed"
					switch {
					case o.Abandoned:
						result = "abandoned"
					case !o.Completed:
						result = "retry at " + o.RetryAt.Format(time.RFC3339)
					}
					errText := ""
					if o.Err != nil {
						errText = o.Err.Error()
					}
					tw.AppendRow(table.Row{o.JobID, o.Event, result, errText})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&once, "once", false, "process one batch and exit")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	var requireAuth, embedWorker bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if addr == "" {
					addr = a.Config.Server.Addr
				}
				if basePath == "" {
					basePath = a.Config.Server.BasePath
				}
				authCfg := server.AuthConfig{
					JWTSecret: viper.GetString("jwt_secret"),
					Required:  requireAuth,
					Logger:    a.Logger,
				}
				if authCfg.Required && authCfg.JWTSecret == "" {
					return fmt.Errorf("TASKPILOT_JWT_SECRET is required with --require-auth")
				}
				githubSecret := a.Config.Webhooks.GitHubSecret
				if env := viper.GetString("github_secret"); env != "" {
					githubSecret = env
				}
				handler, err := server.New(server.Config{
					Engine:       a.Engine,
					Automation:   a.Automation,
					Tasks:        a.Tasks,
					Queue:        a.Queue,
					Stream:       a.Stream,
					BasePath:     basePath,
					Auth:         authCfg,
					GitHubSecret: githubSecret,
					Logger:       a.Logger,
				})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				g, gctx := errgroup.WithContext(ctx)
				g.Go(func() error {
					<-gctx.Done()
					sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					return srv.Shutdown(sctx)
				})
				g.Go(func() error {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						return err
					}
					return nil
				})
				if embedWorker {
					g.Go(func() error {
						if err := a.Worker.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
							return err
						}
						return nil
					})
				}
				g.Go(func() error {
					a.Alerts.Run(gctx)
					return nil
				})
				fmt.Printf("Serving Taskpilot API on http://%s%s (OpenAPI at %s/openapi.json, docs at /docs)\n", addr, basePath, basePath)
				return g.Wait()
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (defaults to server.base_path)")
	cmd.Flags().BoolVar(&requireAuth, "require-auth", false, "reject requests without a JWT or API key")
	cmd.Flags().BoolVar(&embedWorker, "worker", true, "run the queue worker in this process")
	return cmd
}

func withApp(ctx context.Context, fn func(context.Context, *app.App) error) error {
	logger := app.QuietLogger()
	if viper.GetBool("verbose") {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}
	a, err := app.Open(app.Options{Workspace: viper.GetString("workspace"), Logger: logger})
	if err != nil {
		return err
	}
	defer a.Close()
	ctx = events.WithActor(ctx, viper.GetString("actor-id"))
	return fn(ctx, a)
}

func newTable(header table.Row) table.Writer {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(header)
	return tw
}

func printJSONOrTable(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseData(raw string) (map[string]any, error) {
	data := map[string]any{}
	if strings.TrimSpace(raw) == "" {
		return data, nil
	}
	if err := json.Unmarshal([]byte(raw), &data); err != nil {
		return nil, fmt.Errorf("--data must be a JSON object: %w", err)
	}
	return data, nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
