package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/sicko7947/triageflow"
	"github.com/sicko7947/triageflow/action"
	"github.com/sicko7947/triageflow/adapters"
	"github.com/sicko7947/triageflow/config"
	"github.com/sicko7947/triageflow/engine"
	"github.com/sicko7947/triageflow/lock"
	"github.com/sicko7947/triageflow/notify"
	"github.com/sicko7947/triageflow/priority"
	"github.com/sicko7947/triageflow/responder"
	"github.com/sicko7947/triageflow/store"
	"github.com/sicko7947/triageflow/triage"
)

// app holds every wired component and the cleanups to run on exit
type app struct {
	cfg       *config.Config
	logger    zerolog.Logger
	engine    *engine.Engine
	callbacks *notify.CallbackHandler
	closers   []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Log.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	var logger zerolog.Logger
	if cfg.Log.Pretty {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	} else {
		logger = zerolog.New(os.Stdout)
	}
	return logger.With().Timestamp().Logger().Level(level)
}

// persistence is a store implementing both halves of the durable state
type persistence interface {
	triageflow.CheckpointStore
	triageflow.InstanceRegistry
}

func buildApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, logger: newLogger(cfg)}

	st, err := a.openStore(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	locker := a.openLocker()

	model := adapters.NewModelClient(clientConfig(cfg.Providers.Model), adapters.WithLogger(a.logger))
	mail := adapters.NewMailClient(clientConfig(cfg.Providers.Mail), adapters.WithLogger(a.logger))
	messaging := adapters.NewMessagingClient(clientConfig(cfg.Providers.Messaging), adapters.WithLogger(a.logger))

	renderer := notify.NewRenderer(folderOptions(cfg.Labels.Folders))

	budget := responder.DefaultBudget
	budget.MaxChars = cfg.Responder.MaxContextChars

	def, err := triage.NewDefinition(triage.Deps{
		Classifier: model,
		Responder:  responder.New(model, responder.WithBudget(budget), responder.WithLogger(a.logger)),
		Detector:   priority.NewDetector(priorityConfig(cfg)),
		Channel:    messaging,
		Registry:   st,
		Actions:    action.NewExecutor(mail, action.WithLogger(a.logger)),
		Renderer:   renderer,
		Labels: triage.Labels{
			ByCategory: cfg.Labels.ByCategory,
			Default:    cfg.Labels.Default,
		},
		ResponseModes: cfg.Responder.ResponseModes,
		DecisionTTL:   cfg.Engine.DecisionTTL,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to build triage definition: %w", err)
	}

	engineConfig := triageflow.DefaultEngineConfig
	engineConfig.DecisionTTL = cfg.Engine.DecisionTTL
	engineConfig.PruneOnTerminal = cfg.Engine.PruneOnTerminal
	engineConfig.SweepConcurrency = cfg.Engine.SweepConcurrency
	engineConfig.OrphanAfter = cfg.Engine.OrphanAfter

	a.engine, err = engine.NewEngine(st, st, def,
		engine.WithLogger(a.logger),
		engine.WithConfig(engineConfig),
		engine.WithLocker(locker),
		engine.WithNotifier(messaging),
		engine.WithNotices(renderer),
	)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to create engine: %w", err)
	}

	a.callbacks = notify.NewCallbackHandler(st, a.engine, messaging,
		notify.WithLogger(a.logger),
		notify.WithRenderer(renderer),
	)
	return a, nil
}

func (a *app) openStore(ctx context.Context) (persistence, error) {
	switch a.cfg.Store.Backend {
	case "dynamodb":
		client, err := dynamoClient(ctx, a.cfg)
		if err != nil {
			return nil, err
		}
		a.logger.Info().Str("table", a.cfg.Store.DynamoDB.Table).Msg("Using DynamoDB store")
		return store.NewDynamoDBStore(client, a.cfg.Store.DynamoDB.Table), nil

	case "postgres":
		pg, err := store.NewPostgresStore(ctx, a.cfg.Store.Postgres.DSN, store.WithPostgresLogger(a.logger))
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		a.closers = append(a.closers, pg.Close)
		if a.cfg.Store.Postgres.Migrate {
			if err := pg.Migrate(ctx); err != nil {
				return nil, fmt.Errorf("failed to migrate postgres: %w", err)
			}
		}
		a.logger.Info().Msg("Using Postgres store")
		return pg, nil

	default:
		a.logger.Warn().Msg("Using in-memory store; state is lost on restart")
		return store.NewMemoryStore(), nil
	}
}

func (a *app) openLocker() lock.Locker {
	if a.cfg.Lock.Backend != "redis" {
		return lock.NewLocalLocker()
	}

	client := redis.NewClient(&redis.Options{
		Addr:     a.cfg.Lock.Redis.Addr,
		Password: a.cfg.Lock.Redis.Password,
		DB:       a.cfg.Lock.Redis.DB,
	})
	a.closers = append(a.closers, func() {
		if err := client.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close redis client")
		}
	})
	a.logger.Info().Str("addr", a.cfg.Lock.Redis.Addr).Msg("Using Redis instance locks")
	return lock.NewRedisLocker(client, lock.WithTTL(a.cfg.Lock.TTL), lock.WithLogger(a.logger))
}

func dynamoClient(ctx context.Context, cfg *config.Config) (*dynamodb.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Store.DynamoDB.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Store.DynamoDB.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Store.DynamoDB.Endpoint)
		}
	}), nil
}

func clientConfig(svc config.ServiceConfig) adapters.ClientConfig {
	return adapters.ClientConfig{
		BaseURL:   svc.URL,
		Token:     svc.Token,
		RateLimit: svc.RateLimit,
		Burst:     svc.Burst,
		Timeout:   svc.Timeout,
	}
}

func priorityConfig(cfg *config.Config) priority.Config {
	p := cfg.Priority
	weights := p.ClassificationWeights
	if len(weights) == 0 {
		weights = priority.DefaultConfig.ClassificationWeights
	}
	return priority.Config{
		HighPriorityDomains:   p.HighPriorityDomains,
		UrgencyKeywords:       p.UrgencyKeywords,
		DomainWeight:          p.DomainWeight,
		KeywordWeight:         p.KeywordWeight,
		KeywordCap:            p.KeywordCap,
		ClassificationWeights: weights,
		UrgentThreshold:       p.UrgentThreshold,
	}
}

// folderOptions orders the configured folders by display name
func folderOptions(folders map[string]string) []triageflow.ActionOption {
	opts := make([]triageflow.ActionOption, 0, len(folders))
	for id, name := range folders {
		opts = append(opts, triageflow.ActionOption{ID: id, Label: name})
	}
	sort.Slice(opts, func(i, j int) bool {
		if opts[i].Label == opts[j].Label {
			return opts[i].ID < opts[j].ID
		}
		return opts[i].Label < opts[j].Label
	})
	return opts
}
