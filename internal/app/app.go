// Package app wires the order pipeline from configuration. Binaries build an
// App and pick the entry point they serve.
package app

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/imrishuroy/orderpipeline/internal/aws"
	"github.com/imrishuroy/orderpipeline/internal/backoff"
	"github.com/imrishuroy/orderpipeline/internal/chatbot"
	"github.com/imrishuroy/orderpipeline/internal/config"
	"github.com/imrishuroy/orderpipeline/internal/idempotency"
	"github.com/imrishuroy/orderpipeline/internal/ingest"
	"github.com/imrishuroy/orderpipeline/internal/metrics"
	"github.com/imrishuroy/orderpipeline/internal/notify"
	"github.com/imrishuroy/orderpipeline/internal/orders"
	"github.com/imrishuroy/orderpipeline/internal/orders/postgres"
	"github.com/imrishuroy/orderpipeline/internal/pipeline"
	"github.com/imrishuroy/orderpipeline/internal/queue"
	"github.com/imrishuroy/orderpipeline/internal/stages"
	"github.com/imrishuroy/orderpipeline/internal/tracker"
	"github.com/imrishuroy/orderpipeline/internal/worker"
)

// statusCacheSize bounds the tracker cache.
const statusCacheSize = 1024

// App holds every long-lived component.
type App struct {
	Config      *config.Config
	Logger      *zap.Logger
	Store       orders.Repository
	Queue       queue.Queue
	DeadLetters queue.DeadLetterQueue
	Keeper      idempotency.Keeper
	Notifier    notify.Notifier
	Metrics     metrics.Recorder
	Registry    *pipeline.Registry
	Tracker     *tracker.Tracker
	Ingest      *ingest.Service
	Chatbot     *chatbot.Service
	Processor   *worker.Processor

	// InProcessQueue is set when producers and workers must share this
	// process, i.e. the queue is in memory.
	InProcessQueue bool

	extraNotifiers []notify.Notifier
	async          *notify.Async
	closers        []func() error
}

// Option customises New, mostly for tests and the collaborator slots.
type Option func(*options)

type options struct {
	stages stages.Options
	model  chatbot.Model
}

// WithStages overrides the stage collaborators.
func WithStages(o stages.Options) Option { return func(opts *options) { opts.stages = o } }

// WithModel plugs a language model into the chatbot.
func WithModel(m chatbot.Model) Option { return func(opts *options) { opts.model = m } }

// New builds an App for cfg.Backend.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{Config: cfg, Logger: logger, Metrics: metrics.Nop{}}
	if err := a.initBackend(ctx); err != nil {
		a.Close()
		return nil, err
	}

	a.initNotifier()

	if o.stages.Logger == nil {
		o.stages.Logger = logger
	}
	registry, err := stages.DefaultRegistry(o.stages)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("build stage registry: %w", err)
	}
	a.Registry = registry

	a.Tracker = tracker.New(a.Store, logger, tracker.WithCache(statusCacheSize, cfg.StatusCacheTTL))
	a.Ingest = ingest.NewService(a.Store, a.Queue, a.Tracker, logger,
		ingest.WithIdempotency(a.Keeper),
		ingest.WithNotifier(a.Notifier))
	a.Chatbot = chatbot.NewService(a.Tracker, o.model, cfg.ChatbotTimeout, logger)
	a.Processor = worker.NewProcessor(a.Store, a.Queue, a.Registry, logger,
		worker.WithBackoff(backoff.New(cfg.BackoffBase, cfg.BackoffCap)),
		worker.WithStageTimeout(cfg.StageTimeout),
		worker.WithNotifier(a.Notifier))

	logger.Info("application wired",
		zap.String("backend", cfg.Backend),
		zap.Bool("in_process_queue", a.InProcessQueue))
	return a, nil
}

func (a *App) initBackend(ctx context.Context) error {
	cfg := a.Config
	switch cfg.Backend {
	case config.BackendMemory:
		a.Store = orders.NewMemoryStore()
		a.useMemoryQueue()
		a.Keeper = idempotency.NewMemory(cfg.IdempotencyTTL)
		return nil

	case config.BackendAWS:
		clients, err := aws.NewAWSClients(ctx)
		if err != nil {
			return fmt.Errorf("init aws clients: %w", err)
		}
		a.Store = orders.NewStore(clients.DynamoDB, cfg.OrdersTable)
		q, err := queue.NewSQSQueue(clients.SQS, cfg.QueueURL, cfg.DLQURL, cfg.MaxReceiveCount, a.Logger)
		if err != nil {
			return fmt.Errorf("init sqs queue: %w", err)
		}
		a.Queue = q
		if cfg.DLQURL != "" {
			a.DeadLetters = q
		}
		if cfg.IdempotencyTable != "" {
			a.Keeper = idempotency.NewStore(clients.DynamoDB, cfg.IdempotencyTable, cfg.IdempotencyTTL)
		}
		a.Metrics = metrics.NewCloudWatch(clients.CloudWatch)
		if cfg.SNSTopicARN != "" {
			a.extraNotifiers = append(a.extraNotifiers, notify.NewSNS(clients.SNS, cfg.SNSTopicARN))
		}
		return nil

	case config.BackendPostgres:
		if err := postgres.Migrate(cfg.DatabaseURL); err != nil {
			return err
		}
		db, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, db.Close)
		a.Store = postgres.NewStore(db, a.Logger)
		a.useMemoryQueue()
		a.Keeper = idempotency.NewMemory(cfg.IdempotencyTTL)
		return nil
	}
	return fmt.Errorf("unknown backend %q", cfg.Backend)
}

func (a *App) useMemoryQueue() {
	q := queue.NewMemoryQueue(a.Config.MaxReceiveCount)
	a.Queue = q
	a.DeadLetters = q
	a.InProcessQueue = true
}

func (a *App) initNotifier() {
	chain := notify.Multi{notify.NewLog(a.Logger)}
	chain = append(chain, a.extraNotifiers...)

	if len(a.Config.KafkaBrokers) > 0 {
		k := notify.NewKafka(notify.NewKafkaWriter(a.Config.KafkaBrokers, a.Logger), a.Config.KafkaTopic, a.Logger)
		a.closers = append(a.closers, k.Close)
		chain = append(chain, k)
	}

	burst := int(a.Config.NotifyRate)
	if burst < 1 {
		burst = 1
	}
	a.async = notify.NewAsync(chain, a.Config.NotifyRate, burst, a.Logger)
	a.Notifier = a.async
}

// Pool builds the polling worker pool with the dead-letter consumer and
// reconciler attached.
func (a *App) Pool() *worker.Pool {
	cfg := a.Config
	opts := []worker.PoolOption{
		worker.WithConcurrency(cfg.WorkerConcurrency),
		worker.WithBatchSize(cfg.BatchSize),
		worker.WithVisibilityTimeout(cfg.VisibilityTimeout),
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithMetrics(a.Metrics),
	}
	if a.DeadLetters != nil {
		opts = append(opts, worker.WithDeadLetters(a.DeadLetters))
	}
	if cfg.ReconcileAfter > 0 {
		opts = append(opts, worker.WithReconciler(worker.NewReconciler(a.Store, a.Queue, cfg.ReconcileAfter, a.Logger)))
	}
	return worker.NewPool(a.Queue, a.Processor, a.Logger, opts...)
}

// SQSHandler builds the Lambda entry point for the main queue and the DLQ.
func (a *App) SQSHandler() *worker.SQSHandler {
	h := worker.NewSQSHandler(a.Processor, a.Queue, a.Metrics, a.Logger).WithFlush(a.Flush)
	if a.DeadLetters != nil {
		h = h.WithDeadLetters(a.DeadLetters)
	}
	return h
}

// Flush waits for notifications still being sent in the background.
func (a *App) Flush() {
	if a.async != nil {
		a.async.Wait()
	}
}

// Close flushes pending notifications and releases resources.
func (a *App) Close() error {
	a.Flush()
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
