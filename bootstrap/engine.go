package bootstrap

import (
	"context"
	"errors"
	"fmt"

	"github.com/artpar/assembly/adapters/breaker"
	"github.com/artpar/assembly/adapters/clock"
	"github.com/artpar/assembly/adapters/idgen"
	"github.com/artpar/assembly/adapters/remote"
	"github.com/artpar/assembly/adapters/sqldb"
	"github.com/artpar/assembly/config"
	"github.com/artpar/assembly/core/container"
	"github.com/artpar/assembly/core/executor"
	"github.com/artpar/assembly/core/operation"
	"github.com/artpar/assembly/ports"

	ddb "github.com/artpar/assembly/adapters/dynamodb"
)

// engine is everything built from one configuration snapshot. It is
// immutable and replaced as a whole on reload.
type engine struct {
	cfg      *config.Config
	registry *container.Registry
	catalog  *operation.Catalog
	executor *executor.Executor
}

func (a *App) buildEngine(cfg *config.Config) (*engine, error) {
	catalog, err := config.BuildCatalog(cfg, a.evaluator)
	if err != nil {
		return nil, fmt.Errorf("build types: %w", err)
	}

	registry, err := a.buildRegistry(cfg)
	if err != nil {
		return nil, fmt.Errorf("build containers: %w", err)
	}

	opts, err := a.executorOptions(cfg.Engine)
	if err != nil {
		return nil, err
	}
	opts = append(opts, executor.WithGraphs(catalog))

	return &engine{
		cfg:      cfg,
		registry: registry,
		catalog:  catalog,
		executor: executor.New(registry, opts...),
	}, nil
}

func (a *App) executorOptions(cfg config.EngineConfig) ([]executor.Option, error) {
	policy, ok := executor.ParsePolicy(cfg.Policy)
	if !ok {
		return nil, fmt.Errorf("engine.policy: unknown policy %q", cfg.Policy)
	}
	fetchErrors, ok := executor.ParseFetchErrorPolicy(cfg.FetchErrors)
	if !ok {
		return nil, fmt.Errorf("engine.fetch_errors: unknown policy %q", cfg.FetchErrors)
	}

	opts := []executor.Option{
		executor.WithPolicy(policy),
		executor.WithWorkers(cfg.Workers),
		executor.WithFetchErrorPolicy(fetchErrors),
		executor.WithMappingErrorsFatal(cfg.MappingErrors == "fail"),
		executor.WithEvaluator(a.evaluator),
		executor.WithIDGenerator(idgen.UUID{Prefix: "exec_"}),
		executor.WithLogger(a.Logger.With().Str("component", "executor").Logger()),
	}
	if a.Metrics != nil {
		opts = append(opts, executor.WithRecorder(a.Metrics))
	}
	return opts, nil
}

func (a *App) buildRegistry(cfg *config.Config) (*container.Registry, error) {
	registry := container.NewRegistry(container.WithLogger(a.Logger.With().Str("component", "containers").Logger()))

	var errs []error
	for _, cc := range cfg.Containers {
		c, err := a.buildContainer(cc)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", cc.Namespace, err))
			continue
		}
		if err := registry.Register(c); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	if cfg.Database.Provider {
		if a.DB == nil {
			return nil, fmt.Errorf("sql provider requires a database opened at startup")
		}
		if err := registry.AddProvider("sql", sqldb.NewProvider(a.DB)); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// buildContainer creates the source container and layers the breaker and
// the cache over it. The cache is outermost so hits never count against
// the breaker.
func (a *App) buildContainer(cc config.ContainerConfig) (ports.Container, error) {
	var c ports.Container

	switch cc.Kind {
	case "constant":
		mt, err := ports.ParseMappingType(cc.MappingType)
		if err != nil {
			return nil, err
		}
		data := make(map[any]any, len(cc.Data))
		for k, v := range cc.Data {
			data[k] = v
		}
		c = container.NewConstant(cc.Namespace, data, container.WithMappingType(mt))

	case "sql":
		if a.DB == nil {
			return nil, fmt.Errorf("sql container requires a database opened at startup")
		}
		keyed, err := sqldb.NewContainer(a.DB, cc.Namespace, sqldb.Query{
			Table:     cc.SQL.Table,
			KeyColumn: cc.SQL.Key,
			Columns:   cc.SQL.Columns,
			Where:     cc.SQL.Where,
			Many:      cc.SQL.Many,
		})
		if err != nil {
			return nil, err
		}
		c = keyed

	case "dynamodb":
		client, err := a.dynamoClient(context.Background())
		if err != nil {
			return nil, err
		}
		keyed, err := ddb.NewContainer(client, cc.Namespace, ddb.Table{
			Name:           cc.DynamoDB.Table,
			KeyAttribute:   cc.DynamoDB.Key,
			Attributes:     cc.DynamoDB.Attributes,
			ConsistentRead: cc.DynamoDB.ConsistentRead,
			MaxRetries:     cc.DynamoDB.MaxRetries,
			BaseDelay:      cc.DynamoDB.BaseDelay,
		}, ddb.WithLogger(a.Logger.With().Str("namespace", cc.Namespace).Logger()))
		if err != nil {
			return nil, err
		}
		c = keyed

	case "http":
		client := remote.NewClient(remote.ClientConfig{
			BaseURL: cc.HTTP.URL,
			APIKey:  cc.HTTP.APIKey,
			Timeout: cc.HTTP.Timeout,
			Headers: cc.HTTP.Headers,
		})
		keyed, err := remote.NewContainer(client, cc.Namespace, remote.Endpoint{
			Path:      cc.HTTP.Path,
			KeyField:  cc.HTTP.Key,
			Many:      cc.HTTP.Many,
			BatchSize: cc.HTTP.BatchSize,
		})
		if err != nil {
			return nil, err
		}
		c = keyed

	default:
		return nil, fmt.Errorf("unknown container kind %q", cc.Kind)
	}

	if cc.Breaker != nil {
		opts := []breaker.Option{breaker.WithLogger(a.Logger)}
		if a.Metrics != nil {
			opts = append(opts, breaker.WithStateListener(a.Metrics.SetBreakerState))
		}
		c = breaker.Wrap(c, breaker.Config{
			MaxRequests:      cc.Breaker.MaxRequests,
			Interval:         cc.Breaker.Interval,
			Timeout:          cc.Breaker.Timeout,
			FailureThreshold: cc.Breaker.FailureThreshold,
			MinRequests:      cc.Breaker.MinRequests,
		}, opts...)
	}

	if cc.CacheTTL > 0 {
		c = container.NewCached(c, cc.CacheTTL, clock.Real{})
	}

	return c, nil
}
