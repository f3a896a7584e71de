package app

import (
	"database/sql"
	"fmt"

	"appfleet/internal/config"
	"appfleet/internal/db"
	"appfleet/internal/dispatch"
	"appfleet/internal/domain"
	"appfleet/internal/engine"
	"appfleet/internal/health"
	"appfleet/internal/migrate"
	"appfleet/internal/registry"
	"appfleet/internal/testrunner"
)

// ResolveConfig picks the effective config: an explicit file wins, then
// appfleet.yml in the workspace, then built-in defaults.
func ResolveConfig(workspace, configFile string) (*config.Config, error) {
	if configFile != "" {
		return config.FromFile(configFile)
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if cfg == nil {
		return config.Default(), nil
	}
	return cfg, nil
}

// Context bundles the open handles a command works through.
type Context struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Engine    engine.Engine
}

// Options select the workspace and an optional config file override.
type Options struct {
	Workspace  string
	ConfigFile string
}

// Open prepares the workspace: state directory, database, migrations,
// resolved config, engine. Callers own Close.
func Open(opts Options) (*Context, error) {
	if _, err := db.EnsureWorkspace(opts.Workspace); err != nil {
		return nil, err
	}
	cfg, err := ResolveConfig(opts.Workspace, opts.ConfigFile)
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: opts.Workspace})
	if err != nil {
		return nil, err
	}
	if err := migrate.Migrate(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Context{
		Workspace: opts.Workspace,
		Config:    cfg,
		DB:        conn,
		Engine:    engine.New(conn, cfg),
	}, nil
}

func (c *Context) Close() error {
	return c.DB.Close()
}

// NewScanner builds the registry scanner with per-app command overrides.
func NewScanner(cfg *config.Config) registry.Scanner {
	commands := map[string]string{}
	for name, o := range cfg.Apps {
		if o.TestCommand != "" {
			commands[name] = o.TestCommand
		}
	}
	return registry.Scanner{
		Manifest:           cfg.Manifest,
		DefaultTestCommand: cfg.Runner.DefaultTestCommand,
		TestCommands:       commands,
	}
}

// NewRunner builds the test runner from the runner config section.
func NewRunner(cfg *config.Config) testrunner.Runner {
	return testrunner.Runner{
		Manifest:          cfg.Manifest,
		DependencyCommand: cfg.Runner.DependencyCommand,
		DependencyTimeout: cfg.Runner.DependencyTimeout(),
		Timeout:           cfg.Runner.Timeout(),
		OutputLimit:       cfg.Runner.OutputLimitBytes,
	}
}

// NewDispatcher wires the dispatcher with a callback for every task kind.
func (c *Context) NewDispatcher() dispatch.Dispatcher {
	d := dispatch.New(c.Engine)
	verifier := health.Verifier{
		Timeout: c.Config.Monitoring.ProbeTimeout(),
		Config:  c.Config,
	}
	d.Callbacks = map[domain.TaskKind]dispatch.Callback{
		domain.KindTest:        dispatch.TestCallback(NewScanner(c.Config), NewRunner(c.Config)),
		domain.KindHealthCheck: verifier.Check,
		domain.KindRollback:    dispatch.RollbackCallback(),
		domain.KindFollowUp:    dispatch.AcknowledgeCallback(),
	}
	return d
}
