package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/gofrs/flock"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"appfleet/internal/app"
	"appfleet/internal/config"
	"appfleet/internal/db"
	"appfleet/internal/domain"
	"appfleet/internal/engine"
	"appfleet/internal/health"
	"appfleet/internal/notify"
	"appfleet/internal/registry"
	"appfleet/internal/repo"
	"appfleet/internal/server"
	"appfleet/internal/testrunner"
)

var rootCmd = &cobra.Command{
	Use:   "af",
	Short: "Appfleet CLI",
	Long: `Appfleet keeps a repository of small apps tested and monitored.
It scans the configured roots for app directories, runs each app's
declared test command through a durable task queue with retries and
backoff, generates post-deployment follow-up checks, and probes
deployment health endpoints, raising rollback work when an app stays
unhealthy. Workspace state lives in .appfleet/ next to your apps.`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("APPFLEET")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
	color.NoColor = !isatty.IsTerminal(os.Stdout.Fd())
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().String("config-file", "", "config file (defaults to <workspace>/appfleet.yml)")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("config-file", rootCmd.PersistentFlags().Lookup("config-file"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
}

func registerCommands() {
	rootCmd.AddCommand(initializeCmd())
	rootCmd.AddCommand(testAppCmd())
	rootCmd.AddCommand(checkAllCmd())
	rootCmd.AddCommand(createFollowupsCmd())
	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(tasksCmd())
	rootCmd.AddCommand(statusCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(serveCmd())
}

func initializeCmd() *cobra.Command {
	var roots []string
	cmd := &cobra.Command{
		Use:   "initialize",
		Short: "Scaffold the workspace and build the app registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			cfgPath := config.Path(workspace)
			if viper.GetString("config-file") == "" {
				if _, err := os.Stat(cfgPath); os.IsNotExist(err) {
					seed := config.GenerateDefault(fleetNameFor(workspace))
					if err := os.WriteFile(cfgPath, []byte(seed), 0o644); err != nil {
						return fmt.Errorf("write %s: %w", cfgPath, err)
					}
					fmt.Printf("wrote %s\n", cfgPath)
				}
			}
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				if len(roots) > 0 {
					ac.Config.Roots = roots
				}
				scanner := app.NewScanner(ac.Config)
				apps, diags := scanner.Scan(scanRoots(workspace, ac.Config.Roots))
				exportPath := db.RegistryExportPath(workspace)
				if err := registry.WriteExport(exportPath, apps, time.Now()); err != nil {
					return fmt.Errorf("write registry export: %w", err)
				}
				if err := ac.Engine.RecordRegistryScan(ctx, len(apps), len(diags)); err != nil {
					return err
				}
				for _, d := range diags {
					fmt.Fprintf(os.Stderr, "warning: %s: %s\n", d.Path, d.Message)
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"apps":        apps,
						"diagnostics": diags,
						"export":      exportPath,
					})
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Name", "Path", "Manifest", "Frameworks", "Complexity", "Tests", "Docker"})
				for _, a := range apps {
					tw.AppendRow(table.Row{
						a.Name, a.Path, yesNo(a.HasManifest), strings.Join(a.Frameworks, ","),
						a.Complexity, yesNo(a.HasTests), yesNo(a.HasDocker),
					})
				}
				tw.Render()
				fmt.Printf("%d app(s) registered, export at %s\n", len(apps), exportPath)
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&roots, "roots", nil, "scan roots (overrides config)")
	return cmd
}

func testAppCmd() *cobra.Command {
	var appPath string
	var timeoutSeconds int
	cmd := &cobra.Command{
		Use:   "test-app",
		Short: "Run one app's test suite through the task queue",
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(appPath) == "" {
				return fmt.Errorf("--app-path is required")
			}
			if info, err := os.Stat(appPath); err != nil {
				return fmt.Errorf("app path: %w", err)
			} else if !info.IsDir() {
				return fmt.Errorf("app path %s is not a directory", appPath)
			}
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				if cmd.Flags().Changed("timeout") {
					ac.Config.Runner.TimeoutSeconds = timeoutSeconds
				}
				desc, err := app.NewScanner(ac.Config).Describe(appPath)
				if err != nil {
					return err
				}
				t, err := ac.Engine.CreateTask(ctx, engine.TaskCreateOptions{
					Kind:    domain.KindTest,
					AppName: desc.Name,
					AppPath: appPath,
				})
				if err != nil {
					return err
				}
				if err := ac.NewDispatcher().Drain(ctx); err != nil {
					return err
				}
				final, err := ac.Engine.Repo.GetTask(ctx, t.ID)
				if err != nil {
					return err
				}
				return printTaskVerdict(final)
			})
		},
	}
	cmd.Flags().StringVar(&appPath, "app-path", "", "app directory to test")
	cmd.Flags().IntVar(&timeoutSeconds, "timeout", 0, "test timeout seconds (overrides config)")
	_ = cmd.MarkFlagRequired("app-path")
	return cmd
}

func checkAllCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check-all",
		Short: "Test every registered app with the configured worker budget",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				scanner := app.NewScanner(ac.Config)
				apps, diags := scanner.Scan(scanRoots(workspace, ac.Config.Roots))
				for _, d := range diags {
					fmt.Fprintf(os.Stderr, "warning: %s: %s\n", d.Path, d.Message)
				}
				if len(apps) == 0 {
					fmt.Println("no apps found")
					return nil
				}
				taskIDs := make(map[string]string, len(apps))
				for _, a := range apps {
					t, err := ac.Engine.CreateTask(ctx, engine.TaskCreateOptions{
						Kind:    domain.KindTest,
						AppName: a.Name,
						AppPath: a.Path,
					})
					if err != nil {
						return err
					}
					taskIDs[a.Name] = t.ID
				}
				if err := ac.NewDispatcher().Drain(ctx); err != nil {
					return err
				}
				var finals []domain.Task
				for _, a := range apps {
					t, err := ac.Engine.Repo.GetTask(ctx, taskIDs[a.Name])
					if err != nil {
						return err
					}
					finals = append(finals, t)
				}
				if viper.GetBool("json") {
					return printJSON(finals)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"App", "Verdict", "Reason", "Attempts"})
				passed := 0
				for _, t := range finals {
					if verdictOf(t) == "pass" {
						passed++
					}
					tw.AppendRow(table.Row{t.AppName, coloredVerdict(t), reasonCell(t), t.Attempts})
				}
				tw.Render()
				fmt.Printf("%d/%d app(s) passed\n", passed, len(finals))
				return printCounters(ctx, ac.Engine.Repo)
			})
		},
	}
	return cmd
}

func createFollowupsCmd() *cobra.Command {
	var appName, appPath, deploymentID, environment string
	var wait bool
	cmd := &cobra.Command{
		Use:   "create-followup-tasks",
		Short: "Generate the smoke, verify, rollback chain for a deployment",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				tasks, created, err := ac.Engine.GenerateFollowUps(ctx, engine.FollowUpOptions{
					AppName:      appName,
					AppPath:      appPath,
					DeploymentID: deploymentID,
					Environment:  environment,
				})
				if err != nil {
					return err
				}
				if wait {
					if err := ac.NewDispatcher().Drain(ctx); err != nil {
						return err
					}
					tasks, err = ac.Engine.Repo.ListByDeployment(ctx, deploymentID)
					if err != nil {
						return err
					}
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{"created": created, "tasks": tasks})
				}
				if created {
					fmt.Printf("created follow-up chain for deployment %s\n", deploymentID)
				} else {
					fmt.Printf("follow-up chain for deployment %s already exists\n", deploymentID)
				}
				printTaskTable(tasks)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&appName, "app-name", "", "app name")
	cmd.Flags().StringVar(&appPath, "app-path", "", "app directory (for the smoke test)")
	cmd.Flags().StringVar(&deploymentID, "deployment-id", "", "deployment identifier")
	cmd.Flags().StringVar(&environment, "environment", "", "target environment")
	cmd.Flags().BoolVar(&wait, "wait", false, "drain the chain to terminal states")
	_ = cmd.MarkFlagRequired("app-name")
	_ = cmd.MarkFlagRequired("deployment-id")
	return cmd
}

func monitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Run the dispatcher and health monitor until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			if _, err := db.EnsureWorkspace(workspace); err != nil {
				return err
			}
			lock := flock.New(db.LockPath(workspace))
			held, err := lock.TryLock()
			if err != nil {
				return fmt.Errorf("workspace lock: %w", err)
			}
			if !held {
				return fmt.Errorf("another monitor already holds %s", db.LockPath(workspace))
			}
			defer lock.Unlock()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return withApp(ctx, func(ctx context.Context, ac *app.Context) error {
				dispatcherDone := make(chan error, 1)
				d := ac.NewDispatcher()
				go func() { dispatcherDone <- d.Run(ctx) }()

				notifier := notify.New(ac.Engine)
				if notifier.Enabled() {
					go notifier.Run(ctx)
				}

				sched := health.New(ac.Engine, ac.Config)
				interval := ac.Config.Monitoring.Interval()
				if interval <= 0 {
					interval = 30 * time.Second
				}
				ticker := time.NewTicker(interval)
				defer ticker.Stop()
				fmt.Printf("monitoring fleet %s in %s (interval %s)\n", ac.Config.Fleet.Name, workspace, interval)
				for {
					select {
					case <-ctx.Done():
						fmt.Println("shutting down")
						return <-dispatcherDone
					case <-ticker.C:
						targets, err := health.DeriveTargets(ctx, ac.Engine.Repo, ac.Config)
						if err != nil {
							fmt.Fprintf(os.Stderr, "warning: derive targets: %v\n", err)
							continue
						}
						sched.Targets = targets
						outcomes, err := sched.Tick(ctx, time.Now())
						if err != nil {
							if ctx.Err() != nil {
								continue
							}
							fmt.Fprintf(os.Stderr, "warning: health tick: %v\n", err)
							continue
						}
						printFleetSummary(ctx, ac, outcomes)
					}
				}
			})
		},
	}
	return cmd
}

func tasksCmd() *cobra.Command {
	tasks := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect tasks",
	}
	tasks.AddCommand(tasksListCmd())
	tasks.AddCommand(tasksShowCmd())
	return tasks
}

func tasksListCmd() *cobra.Command {
	var f repo.TaskFilters
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				if f.Limit <= 0 {
					f.Limit = 50
				}
				items, err := ac.Engine.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				printTaskTable(items)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Kind, "kind", "", "kind filter")
	cmd.Flags().StringVar(&f.AppName, "app", "", "app name filter")
	cmd.Flags().StringVar(&f.DeploymentID, "deployment", "", "deployment filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 50, "max rows")
	return cmd
}

func tasksShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show one task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				t, err := ac.Engine.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrTable(t)
			})
		},
	}
	return cmd
}

func statusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show fleet status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				counts, err := ac.Engine.Repo.CountTasksByStatus(ctx)
				if err != nil {
					return err
				}
				records, err := ac.Engine.Repo.ListHealthRecords(ctx)
				if err != nil {
					return err
				}
				counters, err := ac.Engine.Repo.ListCounters(ctx)
				if err != nil {
					return err
				}
				gauges, err := ac.Engine.Repo.ListGauges(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(map[string]any{
						"fleet":          ac.Config.Fleet.Name,
						"task_counts":    counts,
						"health_records": records,
						"counters":       counters,
						"gauges":         gauges,
					})
				}
				fmt.Printf("Fleet: %s\n", ac.Config.Fleet.Name)
				fmt.Println("Tasks:")
				for _, s := range statusOrder {
					if c := counts[string(s)]; c > 0 {
						fmt.Printf("  %s: %d\n", coloredStatus(string(s)), c)
					}
				}
				if len(records) > 0 {
					fmt.Println("Health:")
					for _, rec := range records {
						fmt.Printf("  %s: %s (streak %d)\n", rec.AppName, coloredStatus(string(rec.Status)), rec.ConsecutiveFailures)
					}
				}
				printMetricLines("Counters", counters)
				printMetricLines("Gauges", gauges)
				return nil
			})
		},
	}
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration",
	}
	cfg.AddCommand(configCheckCmd())
	return cfg
}

func configCheckCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Load and validate the config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := viper.GetString("config-file")
			if path == "" {
				path = config.Path(viper.GetString("workspace"))
			}
			cfg, err := config.FromFile(path)
			if viper.GetBool("json") {
				if err != nil {
					return printJSON(map[string]any{"ok": false, "path": path, "error": err.Error()})
				}
				return printJSON(map[string]any{"ok": true, "path": path, "config": cfg})
			}
			if err != nil {
				return fmt.Errorf("%s: %w", path, err)
			}
			fmt.Printf("config OK: %s (fleet %s, %d root(s))\n", path, cfg.Fleet.Name, len(cfg.Roots))
			return nil
		},
	}
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd.Context(), func(ctx context.Context, ac *app.Context) error {
				secret := ac.Config.Server.JWTSecret
				if env := viper.GetString("jwt-secret"); env != "" {
					secret = env
				}
				if secret == "" && !ac.Config.Server.AllowAnonymous {
					return fmt.Errorf("server.jwt_secret (or APPFLEET_JWT_SECRET) is required unless server.allow_anonymous is set")
				}
				handler, err := server.New(server.Config{
					Engine:    ac.Engine,
					Workspace: ac.Workspace,
					BasePath:  basePath,
					Auth: server.AuthConfig{
						JWTSecret:      secret,
						AllowAnonymous: ac.Config.Server.AllowAnonymous,
					},
				})
				if err != nil {
					return err
				}
				notifier := notify.New(ac.Engine)
				if notifier.Enabled() {
					go notifier.Run(ctx)
				}
				listenAddr := addr
				if listenAddr == "" {
					listenAddr = ac.Config.Server.Addr
				}
				srv := &http.Server{Addr: listenAddr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("serving Appfleet API on %s%s (OpenAPI at /openapi.json)\n", listenAddr, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults to server.addr)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

// --- helpers ---

var statusOrder = []domain.TaskStatus{
	domain.StatusPending, domain.StatusRunning, domain.StatusRetrying,
	domain.StatusSucceeded, domain.StatusFailed, domain.StatusDone, domain.StatusAbandoned,
}

func withApp(ctx context.Context, fn func(context.Context, *app.Context) error) error {
	ac, err := app.Open(app.Options{
		Workspace:  viper.GetString("workspace"),
		ConfigFile: viper.GetString("config-file"),
	})
	if err != nil {
		return err
	}
	defer ac.Close()
	return fn(ctx, ac)
}

func scanRoots(workspace string, roots []string) []string {
	res := make([]string, 0, len(roots))
	for _, root := range roots {
		if filepath.IsAbs(root) {
			res = append(res, root)
			continue
		}
		res = append(res, filepath.Join(workspace, root))
	}
	return res
}

func fleetNameFor(workspace string) string {
	abs, err := filepath.Abs(workspace)
	if err != nil {
		return "appfleet"
	}
	name := filepath.Base(abs)
	if name == "." || name == "/" {
		return "appfleet"
	}
	return name
}

func printFleetSummary(ctx context.Context, ac *app.Context, outcomes []health.Outcome) {
	counts, err := ac.Engine.Repo.CountTasksByStatus(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: count tasks: %v\n", err)
		counts = map[string]int{}
	}
	live := counts[string(domain.StatusPending)] +
		counts[string(domain.StatusRunning)] +
		counts[string(domain.StatusRetrying)]
	state, unhealthy := fleetState(outcomes)
	fmt.Printf("[%s] fleet %s: %d/%d target(s) healthy, %d task(s) live\n",
		time.Now().Format("15:04:05"), coloredStatus(state), len(outcomes)-unhealthy, len(outcomes), live)
	for _, o := range outcomes {
		if !o.Healthy {
			fmt.Printf("  %s %s (streak %d): %s\n", coloredStatus("unhealthy"), o.Target.App, o.Streak, o.Detail)
		}
		if o.Breached {
			fmt.Printf("  %s rollback chain will fire for %s\n", color.RedString("breach:"), o.Target.App)
		}
	}
}

// fleetState rolls the probe outcomes up to one word: any unhealthy
// target degrades the fleet, more than a fifth marks it unhealthy.
func fleetState(outcomes []health.Outcome) (string, int) {
	unhealthy := 0
	for _, o := range outcomes {
		if !o.Healthy {
			unhealthy++
		}
	}
	switch {
	case unhealthy == 0:
		return "healthy", 0
	case unhealthy*5 > len(outcomes):
		return "unhealthy", unhealthy
	default:
		return "degraded", unhealthy
	}
}

func printTaskVerdict(t domain.Task) error {
	if viper.GetBool("json") {
		return printJSON(t)
	}
	fmt.Printf("app: %s\n", t.AppName)
	fmt.Printf("task: %s (%s)\n", t.ID, t.Kind)
	fmt.Printf("verdict: %s", coloredVerdict(t))
	if r := reasonCell(t); r != "" {
		fmt.Printf(" (%s)", r)
	}
	fmt.Printf(", attempts: %d\n", t.Attempts)
	if t.ResultJSON != nil {
		var res testrunner.Result
		if err := json.Unmarshal([]byte(*t.ResultJSON), &res); err == nil && res.Log != "" {
			fmt.Printf("duration: %dms\n--- log ---\n%s\n", res.DurationMS, strings.TrimRight(res.Log, "\n"))
		}
	}
	return nil
}

func printTaskTable(items []domain.Task) {
	tw := table.NewWriter()
	tw.SetOutputMirror(os.Stdout)
	tw.AppendHeader(table.Row{"ID", "Kind", "App", "Status", "Outcome", "Reason", "Attempts", "Updated"})
	for _, t := range items {
		tw.AppendRow(table.Row{
			t.ID, t.Kind, t.AppName, coloredStatus(string(t.Status)),
			outcomeCell(t), reasonCell(t), t.Attempts, t.UpdatedAt,
		})
	}
	tw.Render()
}

func printCounters(ctx context.Context, r repo.Repo) error {
	counters, err := r.ListCounters(ctx)
	if err != nil {
		return err
	}
	printMetricLines("Counters", counters)
	return nil
}

func printMetricLines(header string, items []repo.MetricValue) {
	if len(items) == 0 {
		return
	}
	fmt.Println(header + ":")
	for _, m := range items {
		if m.Label != "" {
			fmt.Printf("  %s{%s}: %d\n", m.Name, m.Label, m.Value)
			continue
		}
		fmt.Printf("  %s: %d\n", m.Name, m.Value)
	}
}

func verdictOf(t domain.Task) string {
	if t.Outcome == nil {
		return string(t.Status)
	}
	switch *t.Outcome {
	case domain.OutcomeSucceeded:
		return "pass"
	case domain.OutcomeFailed:
		return "fail"
	default:
		return string(*t.Outcome)
	}
}

func coloredVerdict(t domain.Task) string {
	switch verdictOf(t) {
	case "pass":
		return color.GreenString("pass")
	case "fail":
		return color.RedString("fail")
	default:
		return verdictOf(t)
	}
}

func coloredStatus(s string) string {
	switch s {
	case "done", "succeeded", "healthy":
		return color.GreenString(s)
	case "failed", "abandoned", "unhealthy":
		return color.RedString(s)
	case "running", "retrying", "degraded":
		return color.YellowString(s)
	default:
		return s
	}
}

func outcomeCell(t domain.Task) string {
	if t.Outcome == nil {
		return ""
	}
	return string(*t.Outcome)
}

func reasonCell(t domain.Task) string {
	if t.Reason == nil {
		return ""
	}
	return string(*t.Reason)
}

func yesNo(v bool) string {
	if v {
		return "yes"
	}
	return "no"
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
