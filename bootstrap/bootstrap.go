// Package bootstrap wires all dependencies from configuration.
// Database and DynamoDB connections are opened once; containers, types and
// engine settings are rebuilt on every configuration reload.
package bootstrap

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/artpar/assembly/adapters/metrics"
	"github.com/artpar/assembly/adapters/sqldb"
	"github.com/artpar/assembly/config"
	"github.com/artpar/assembly/core/executor"
	"github.com/artpar/assembly/core/expression"

	ddb "github.com/artpar/assembly/adapters/dynamodb"
)

// Options provides optional configuration for application initialization.
type Options struct {
	// ConfigPath is the YAML file to load. It enables Reload and Watch.
	ConfigPath string

	// Config is used when ConfigPath is empty.
	Config *config.Config

	// DynamoDB overrides the client built from the dynamodb section.
	DynamoDB ddb.Client

	// LogOutput receives log lines. Defaults to stderr so that command
	// output on stdout stays machine readable.
	LogOutput io.Writer
}

// App represents the running application.
type App struct {
	Logger  zerolog.Logger
	DB      *sqldb.DB
	Metrics *metrics.Collector

	// MetricsRegistry holds the collector's metrics when metrics are enabled.
	MetricsRegistry *prometheus.Registry

	holder    *config.Holder
	config    *config.Config
	evaluator *expression.Evaluator
	engine    atomic.Pointer[engine]

	dynamoMu sync.Mutex
	dynamo   ddb.Client

	// pending holds engines built by the reload check, keyed by the
	// configuration they were built from.
	pendingMu sync.Mutex
	pending   map[*config.Config]*engine
}

// New creates and initializes the application.
func New(opts Options) (*App, error) {
	out := opts.LogOutput
	if out == nil {
		out = os.Stderr
	}

	a := &App{
		dynamo:    opts.DynamoDB,
		evaluator: expression.New(),
		pending:   make(map[*config.Config]*engine),
	}

	switch {
	case opts.ConfigPath != "":
		cfg, err := config.Load(opts.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
		a.Logger = setupLogger(cfg.Logging, out)

		h, err := config.NewHolder(opts.ConfigPath, a.Logger)
		if err != nil {
			return nil, err
		}
		a.holder = h
		a.config = h.Get()
	case opts.Config != nil:
		a.config = opts.Config
		a.Logger = setupLogger(a.config.Logging, out)
	default:
		return nil, fmt.Errorf("no configuration given")
	}

	cfg := a.config
	a.Logger.Info().Int("types", len(cfg.Types)).Int("containers", len(cfg.Containers)).Msg("initializing assembly engine")

	if cfg.Metrics.Enabled {
		a.MetricsRegistry = prometheus.NewRegistry()
		a.Metrics = metrics.NewWithRegistry(a.MetricsRegistry)
		a.Logger.Info().Msg("prometheus metrics enabled")
	}

	if err := a.initDatabase(cfg.Database); err != nil {
		return nil, fmt.Errorf("init database: %w", err)
	}

	eng, err := a.buildEngine(cfg)
	if err != nil {
		a.Shutdown()
		return nil, err
	}
	a.engine.Store(eng)

	if a.holder != nil {
		a.holder.Check(a.checkReload)
		a.holder.OnChange(a.applyReload)
		a.holder.OnError(func(err error) {
			if a.Metrics != nil {
				a.Metrics.ObserveReload(time.Now(), err)
			}
		})
	}

	return a, nil
}

func (a *App) initDatabase(cfg config.DatabaseConfig) error {
	if cfg.DSN == "" {
		return nil
	}

	db, err := sqldb.Open(cfg.Driver, cfg.DSN)
	if err != nil {
		return err
	}

	if cfg.Migrations != "" {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := db.Migrate(ctx, os.DirFS(cfg.Migrations)); err != nil {
			db.Close()
			return fmt.Errorf("migrate: %w", err)
		}
	}

	a.DB = db
	a.Logger.Info().Str("driver", cfg.Driver).Msg("database initialized")
	return nil
}

// dynamoClient returns the DynamoDB client, creating it on first use from
// the startup configuration.
func (a *App) dynamoClient(ctx context.Context) (ddb.Client, error) {
	a.dynamoMu.Lock()
	defer a.dynamoMu.Unlock()

	if a.dynamo != nil {
		return a.dynamo, nil
	}
	client, err := ddb.NewClient(ctx, ddb.ClientConfig{
		Region:   a.config.DynamoDB.Region,
		Endpoint: a.config.DynamoDB.Endpoint,
	})
	if err != nil {
		return nil, err
	}
	a.dynamo = client
	return client, nil
}

// Config returns the active configuration.
func (a *App) Config() *config.Config {
	return a.engine.Load().cfg
}

// Executor returns the executor of the active configuration.
func (a *App) Executor() *executor.Executor {
	return a.engine.Load().executor
}

// Types returns the names of the configured types.
func (a *App) Types() []string {
	return a.engine.Load().catalog.Names()
}

// Execute runs the graph of typeName against targets.
func (a *App) Execute(ctx context.Context, typeName string, targets []any, opts ...executor.ExecuteOption) (*executor.Report, error) {
	return a.engine.Load().executor.ExecuteNamed(ctx, typeName, targets, opts...)
}

// Watch reloads the configuration when its file changes or on SIGHUP.
func (a *App) Watch() error {
	if a.holder == nil {
		return fmt.Errorf("watch: application was not loaded from a file")
	}
	a.holder.WatchSignals()
	return a.holder.WatchFile()
}

// Reload re-reads the configuration file and swaps the engine. The old
// engine stays active when the new configuration does not build.
func (a *App) Reload() error {
	if a.holder == nil {
		return fmt.Errorf("reload: application was not loaded from a file")
	}
	return a.holder.Reload()
}

func (a *App) checkReload(cfg *config.Config) error {
	eng, err := a.buildEngine(cfg)
	if err != nil {
		return err
	}
	a.pendingMu.Lock()
	a.pending[cfg] = eng
	a.pendingMu.Unlock()
	return nil
}

func (a *App) applyReload(cfg *config.Config) {
	a.pendingMu.Lock()
	eng, ok := a.pending[cfg]
	delete(a.pending, cfg)
	a.pendingMu.Unlock()

	if !ok {
		var err error
		if eng, err = a.buildEngine(cfg); err != nil {
			a.Logger.Error().Err(err).Msg("rebuild engine failed, keeping old engine")
			return
		}
	}

	if level, err := zerolog.ParseLevel(cfg.Logging.Level); err == nil {
		zerolog.SetGlobalLevel(level)
	}
	a.engine.Store(eng)
	if a.Metrics != nil {
		a.Metrics.ObserveReload(time.Now(), nil)
	}
	a.Logger.Info().Strs("types", eng.catalog.Names()).Msg("engine reloaded")
}

// Shutdown releases the application's resources.
func (a *App) Shutdown() error {
	if a.holder != nil {
		a.holder.Stop()
	}

	if a.DB != nil {
		if err := a.DB.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("database close error")
			return err
		}
	}

	a.Logger.Info().Msg("shutdown complete")
	return nil
}

func setupLogger(cfg config.LoggingConfig, out io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "console" {
		output := zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
		return zerolog.New(output).With().Timestamp().Logger()
	}

	return zerolog.New(out).With().Timestamp().Logger()
}
