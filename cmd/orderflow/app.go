package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/glue"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/redis/go-redis/v9"

	"github.com/rskumar/orderflow/internal/api"
	"github.com/rskumar/orderflow/internal/config"
	"github.com/rskumar/orderflow/internal/definition"
	"github.com/rskumar/orderflow/internal/engine"
	"github.com/rskumar/orderflow/internal/expressions"
	"github.com/rskumar/orderflow/internal/joinjob"
	"github.com/rskumar/orderflow/internal/logging"
	"github.com/rskumar/orderflow/internal/notify"
	"github.com/rskumar/orderflow/internal/objectstore"
	"github.com/rskumar/orderflow/internal/resolver"
	"github.com/rskumar/orderflow/internal/runner"
	"github.com/rskumar/orderflow/internal/scheduler"
	"github.com/rskumar/orderflow/internal/sink"
	"github.com/rskumar/orderflow/internal/store"
	"github.com/rskumar/orderflow/internal/streaming"
	"github.com/rskumar/orderflow/internal/telemetry"
	"github.com/rskumar/orderflow/internal/validation"
	"github.com/rskumar/orderflow/pkg/mcp"
	"github.com/rskumar/orderflow/pkg/schema"
)

// app is the wired in-process orderflow: engine, collaborators and the
// surfaces that expose them.
type app struct {
	cfg    *config.Config
	logger *slog.Logger

	store    *store.LibSQLStore
	hub      *streaming.MemoryHub
	def      *schema.MachineDefinition
	objects  objectstore.Store
	engine   *engine.Engine
	inputs   *validation.InputValidator
	schemas  *validation.SchemaValidator
	resolver *resolver.Resolver
	postgres *sink.PostgresSink
	mcp      *mcp.OrderflowServer
	sweeper  *scheduler.Sweeper

	closers []func(ctx context.Context) error
}

// newLogger builds the process logger from config.
func newLogger(cfg *config.Config) *slog.Logger {
	return logging.New(os.Stderr, cfg.LogLevel, cfg.LogFormat)
}

// openStore opens and migrates the execution store.
func openStore(ctx context.Context, path string) (*store.LibSQLStore, error) {
	if dir := filepath.Dir(strings.TrimPrefix(path, "file:")); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	st, err := store.NewLibSQLStore(path)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close()
		return nil, fmt.Errorf("migrate store: %w", err)
	}
	return st, nil
}

// loadDefinition reads the configured definition, or the built-in one, and
// validates it.
func loadDefinition(path string, exprs *expressions.Set, schemas *validation.SchemaValidator) (*schema.MachineDefinition, error) {
	def := definition.Default()
	if path != "" {
		var err error
		if def, err = definition.Load(path); err != nil {
			return nil, err
		}
	}
	validator, err := validation.NewDefinitionValidator(schemas, exprs)
	if err != nil {
		return nil, err
	}
	if err := validator.Validate(def); err != nil {
		return nil, err
	}
	return def, nil
}

// needsAWS reports whether any configured component talks to AWS.
func needsAWS(cfg *config.Config) bool {
	return cfg.Artifacts.Backend == "s3" ||
		cfg.Runner.Kind == "glue" ||
		cfg.Results.Function == "lambda" ||
		slices.Contains(cfg.Notifier.Kinds, "sns")
}

func loadAWS(ctx context.Context, cfg config.AWSConfig) (aws.Config, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("load aws config: %w", err)
	}
	return awsCfg, nil
}

// endpoint returns the configured endpoint override, or nil.
func endpoint(cfg config.AWSConfig) *string {
	if cfg.Endpoint == "" {
		return nil
	}
	return aws.String(cfg.Endpoint)
}

// buildApp wires every component. Close releases them in reverse order.
func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
		}
	}()

	shutdownTracing, err := telemetry.Setup(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.Insecure)
	if err != nil {
		return nil, fmt.Errorf("setup telemetry: %w", err)
	}
	a.onClose(shutdownTracing)

	if a.store, err = openStore(ctx, cfg.Store.Path); err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error { return a.store.Close() })
	a.hub = streaming.NewMemoryHub()
	events := store.NewEventLog(a.store, a.hub, logger)

	exprs, err := expressions.NewSet()
	if err != nil {
		return nil, err
	}
	if a.schemas, err = validation.NewSchemaValidator(); err != nil {
		return nil, err
	}
	if a.def, err = loadDefinition(cfg.Engine.Definition, exprs, a.schemas); err != nil {
		return nil, err
	}

	var awsCfg aws.Config
	if needsAWS(cfg) {
		if awsCfg, err = loadAWS(ctx, cfg.AWS); err != nil {
			return nil, err
		}
	}

	if a.objects, err = newObjectStore(cfg, awsCfg); err != nil {
		return nil, err
	}

	sinks, err := a.newSinks(ctx)
	if err != nil {
		return nil, err
	}

	taskRunner, err := a.newRunner(awsCfg, sinks)
	if err != nil {
		return nil, err
	}

	sessions := mcp.NewSessionRegistry()
	mcpNotifier := mcp.NewMCPNotifier(sessions)
	notifier, err := a.newNotifier(awsCfg, mcpNotifier)
	if err != nil {
		return nil, err
	}

	a.engine, err = engine.New(engine.Deps{
		Store:      a.store,
		Events:     events,
		Runner:     taskRunner,
		Notifier:   notifier,
		Exprs:      exprs,
		Definition: a.def,
		Logger:     logger,
	}, engine.Config{
		JobName:      cfg.Engine.JobName,
		PoolSize:     cfg.Engine.PoolSize,
		WaitOverride: cfg.Engine.WaitOverride,
		MaxPolls:     cfg.Engine.MaxPolls,
		Timeout:      cfg.Engine.Timeout,
	})
	if err != nil {
		return nil, err
	}
	a.onClose(func(context.Context) error {
		a.engine.Shutdown()
		return nil
	})

	a.inputs = validation.NewInputValidator(a.objects, cfg.Artifacts.OrdersContainer, cfg.Artifacts.ReturnsContainer)

	if a.resolver, err = a.newResolver(awsCfg); err != nil {
		return nil, err
	}

	a.mcp = mcp.NewOrderflowServer(mcp.OrderflowServerDeps{
		Engine:        a.engine,
		Inputs:        a.inputs,
		Results:       a.resolver,
		Sessions:      sessions,
		Logger:        logger,
		WatchInterval: cfg.Monitor.Interval,
	})
	mcpNotifier.Attach(a.mcp)

	if cfg.Engine.SweepSchedule != "" {
		a.sweeper = scheduler.NewSweeper(a.engine, cfg.Engine.SweepSchedule, cfg.Engine.SweepGrace, logger)
	}
	return a, nil
}

func (a *app) onClose(fn func(ctx context.Context) error) {
	a.closers = append(a.closers, fn)
}

// Close runs the registered closers, last registered first.
func (a *app) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func newObjectStore(cfg *config.Config, awsCfg aws.Config) (objectstore.Store, error) {
	if cfg.Artifacts.Backend == "s3" {
		client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			if ep := endpoint(cfg.AWS); ep != nil {
				o.BaseEndpoint = ep
				o.UsePathStyle = true
			}
		})
		return objectstore.NewS3Store(client), nil
	}
	return objectstore.NewDirStore(cfg.Artifacts.Root)
}

// newSinks builds the destinations of the joined table: the object store
// always, Postgres when a DSN is configured. Writers are serialised through
// Redis when an address is configured.
func (a *app) newSinks(ctx context.Context) (*sink.Set, error) {
	cfg := a.cfg
	sinks := []sink.Sink{&sink.ObjectSink{
		Store:     a.objects,
		Container: cfg.Results.Container,
		Prefix:    cfg.Results.Prefix,
	}}

	if cfg.Sink.PostgresDSN != "" {
		pg, err := sink.NewPostgresSink(ctx, cfg.Sink.PostgresDSN, cfg.Sink.Table)
		if err != nil {
			return nil, err
		}
		a.onClose(func(context.Context) error {
			pg.Close()
			return nil
		})
		if err := pg.Migrate(ctx); err != nil {
			return nil, fmt.Errorf("migrate sink: %w", err)
		}
		a.postgres = pg
		sinks = append(sinks, pg)
	}

	var locker sink.Locker
	if cfg.Lock.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Lock.RedisAddr,
			Password: cfg.Lock.RedisPassword,
			DB:       cfg.Lock.RedisDB,
		})
		a.onClose(func(context.Context) error { return client.Close() })
		locker = sink.NewRedisLocker(client, cfg.Lock.Wait)
	}
	return sink.NewSet(locker, a.logger, sinks...), nil
}

func (a *app) newRunner(awsCfg aws.Config, sinks *sink.Set) (engine.TaskRunner, error) {
	cfg := a.cfg
	switch cfg.Runner.Kind {
	case "glue":
		client := glue.NewFromConfig(awsCfg, func(o *glue.Options) {
			o.BaseEndpoint = endpoint(cfg.AWS)
		})
		return runner.NewGlue(client), nil
	case "local":
		job := joinjob.New(a.objects, sinks, joinjob.Config{
			OrdersContainer:  cfg.Artifacts.OrdersContainer,
			ReturnsContainer: cfg.Artifacts.ReturnsContainer,
		}, a.logger)
		local := runner.NewLocal(job, cfg.Runner.Concurrency, a.logger)
		a.onClose(func(context.Context) error {
			local.Shutdown()
			return nil
		})
		return local, nil
	default:
		return nil, fmt.Errorf("unknown runner kind %q", cfg.Runner.Kind)
	}
}

// newNotifier fans out to every configured channel plus the MCP sessions.
func (a *app) newNotifier(awsCfg aws.Config, sessions *mcp.MCPNotifier) (engine.Notifier, error) {
	cfg := a.cfg
	multi := notify.Multi{}
	for _, kind := range cfg.Notifier.Kinds {
		switch kind {
		case "log":
			multi = append(multi, notify.NewLog(a.logger))
		case "sns":
			client := sns.NewFromConfig(awsCfg, func(o *sns.Options) {
				o.BaseEndpoint = endpoint(cfg.AWS)
			})
			multi = append(multi, notify.NewSNS(client, cfg.Notifier.SuccessTopic, cfg.Notifier.FailureTopic))
		case "bus":
			bus, err := a.newBus()
			if err != nil {
				return nil, err
			}
			multi = append(multi, bus)
		default:
			return nil, fmt.Errorf("unknown notifier kind %q", kind)
		}
	}
	return append(multi, sessions), nil
}

func (a *app) newBus() (*notify.Bus, error) {
	var bus *notify.Bus
	switch a.cfg.Notifier.Bus {
	case "kafka":
		publisher, err := notify.NewKafkaPublisher(a.cfg.Notifier.KafkaBrokers, a.logger)
		if err != nil {
			return nil, fmt.Errorf("connect kafka: %w", err)
		}
		bus = notify.NewBus(publisher, notify.DefaultTopics)
	default:
		bus = notify.NewBus(notify.NewGoChannel(a.logger), notify.DefaultTopics)
	}
	a.onClose(func(context.Context) error { return bus.Close() })
	return bus, nil
}

func (a *app) newResolver(awsCfg aws.Config) (*resolver.Resolver, error) {
	cfg := a.cfg
	policy, ok := resolver.PolicyByName(cfg.Results.Policy)
	if !ok {
		return nil, fmt.Errorf("unknown results policy %q", cfg.Results.Policy)
	}

	var invoker resolver.FunctionInvoker
	switch cfg.Results.Function {
	case "http":
		invoker = &resolver.HTTPInvoker{URL: cfg.Results.FunctionURL, Client: &http.Client{Timeout: 30 * time.Second}}
	case "lambda":
		client := lambda.NewFromConfig(awsCfg, func(o *lambda.Options) {
			o.BaseEndpoint = endpoint(cfg.AWS)
		})
		invoker = &resolver.LambdaInvoker{Client: client, Function: cfg.Results.FunctionName}
	}

	return resolver.New(&resolver.ObjectSource{
		Store:     a.objects,
		Container: cfg.Results.Container,
		Prefix:    cfg.Results.Prefix,
		Extension: resolver.DefaultExtension,
		Policy:    policy,
	}, invoker, a.logger), nil
}

// handler is the HTTP surface: the execution API with MCP mounted at /mcp.
func (a *app) handler() http.Handler {
	deps := api.Deps{
		Engine:           a.engine,
		Inputs:           a.inputs,
		Triggers:         a.schemas,
		Results:          a.resolver,
		Hub:              a.hub,
		Definition:       a.def,
		Uploads:          a.objects,
		OrdersContainer:  a.cfg.Artifacts.OrdersContainer,
		ReturnsContainer: a.cfg.Artifacts.ReturnsContainer,
		Logger:           a.logger,
	}
	if a.postgres != nil {
		deps.Function = sink.FunctionHandler(a.postgres, a.logger)
	}

	mux := http.NewServeMux()
	mux.Handle("/mcp", a.mcp.HTTPHandler())
	mux.Handle("/", api.NewServer(deps).Handler())
	return mux
}
