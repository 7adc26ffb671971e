package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/omsbridge/bridge/internal/decode"
	"github.com/omsbridge/bridge/internal/observability"
)

// Decoder sends a telegram to the decode service. The int return is the
// number of decode attempts made.
type Decoder interface {
	Decode(ctx context.Context, rawHex, keyHex string, mapping json.RawMessage) (*decode.Result, int, error)
}

// Publisher forwards pipeline output to the broker.
type Publisher interface {
	PublishRaw(ctx context.Context, job *Job) error
	PublishParsed(ctx context.Context, job *Job, result *decode.Result) error
	PublishError(ctx context.Context, job *Job, reason string) error
}

// HistoryRecorder persists the terminal outcome of a job.
type HistoryRecorder interface {
	RecordOutcome(ctx context.Context, job *Job, parsed json.RawMessage) error
}

// PoolConfig holds worker pool configuration
type PoolConfig struct {
	Workers    int
	JobTimeout time.Duration
}

// Pool runs a fixed set of workers that drain the job queue. Each worker
// drives one job at a time through resolve, decode, and publish; a failure
// at any stage publishes an error envelope and marks the job failed, never
// crashing the worker.
type Pool struct {
	config    PoolConfig
	queue     *Queue
	resolver  *Resolver
	mapping   MappingProvider
	decoder   Decoder
	publisher Publisher
	history   HistoryRecorder
	logger    *slog.Logger
	metrics   *observability.Metrics

	wg sync.WaitGroup
}

// NewPool creates a worker pool. History may be nil when outcome
// persistence is disabled.
func NewPool(
	config PoolConfig,
	queue *Queue,
	resolver *Resolver,
	mapping MappingProvider,
	decoder Decoder,
	publisher Publisher,
	history HistoryRecorder,
	logger *slog.Logger,
	metrics *observability.Metrics,
) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = observability.NewNoopMetrics()
	}
	if config.Workers <= 0 {
		config.Workers = 1
	}

	return &Pool{
		config:    config,
		queue:     queue,
		resolver:  resolver,
		mapping:   mapping,
		decoder:   decoder,
		publisher: publisher,
		history:   history,
		logger:    logger,
		metrics:   metrics,
	}
}

// Start launches the workers. They run until the context is canceled or
// the queue is closed and drained.
func (p *Pool) Start(ctx context.Context) {
	p.logger.Info("Starting worker pool", slog.Int("workers", p.config.Workers))

	for i := 0; i < p.config.Workers; i++ {
		p.wg.Add(1)
		go p.workerLoop(ctx, i)
	}
}

// Wait blocks until all workers have exited.
func (p *Pool) Wait() {
	p.wg.Wait()
	p.logger.Info("Worker pool stopped")
}

func (p *Pool) workerLoop(ctx context.Context, id int) {
	defer p.wg.Done()

	logger := p.logger.With(slog.Int("worker_id", id))
	logger.Info("Worker started")

	for {
		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, ErrQueueClosed) && !errors.Is(err, context.Canceled) {
				logger.Error("Failed to dequeue job", slog.Any("error", err))
			}
			logger.Info("Worker stopping")
			return
		}

		p.metrics.RecordQueueDepth(ctx, p.queue.Depth())
		p.process(ctx, logger, job)
	}
}

// process drives one job through the pipeline stages. A worker holds
// exactly one job at a time and finishes it, in a terminal state, before
// dequeuing the next.
func (p *Pool) process(ctx context.Context, logger *slog.Logger, job *Job) {
	if p.config.JobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.config.JobTimeout)
		defer cancel()
	}

	logger = logger.With(
		slog.String("job_id", job.ID),
		slog.String("gateway_id", job.GatewayID),
	)

	// The raw telegram goes out before any decode attempt, so downstream
	// consumers see it even when the rest of the pipeline fails.
	p.timedStage(ctx, "publish_raw", func() {
		if err := p.publisher.PublishRaw(ctx, job); err != nil {
			logger.Warn("Failed to publish raw telegram", slog.Any("error", err))
		}
	})

	job.Status = StatusResolvingKey
	var resolved ResolvedKey
	p.timedStage(ctx, "resolve_key", func() {
		resolved = p.resolver.Resolve(ctx, job)
	})

	if resolved.Outcome == OutcomeKeyMissing {
		logger.Info("No decryption key for meter, failing job",
			slog.String("meter_id", job.MeterID()),
		)
		p.fail(ctx, logger, job, ReasonKeyMissing)
		return
	}

	job.Status = StatusDecoding

	var result *decode.Result
	var decodeErr error
	p.timedStage(ctx, "decode", func() {
		result, job.Attempt, decodeErr = p.decoder.Decode(ctx, job.RawHex, resolved.KeyHex, p.mapping.Current().Document)
	})

	if decodeErr != nil {
		reason := decode.Reason(decodeErr)
		p.metrics.RecordDecodeFailure(ctx, reason)

		if errors.Is(decodeErr, decode.ErrAuth) {
			p.metrics.RecordDecodeAuthFailure(ctx)
			logger.Error("Decode service rejected credentials",
				slog.Any("error", decodeErr),
			)
		} else {
			logger.Warn("Decode failed",
				slog.String("reason", reason),
				slog.Int("attempt", job.Attempt),
				slog.Any("error", decodeErr),
			)
		}

		p.fail(ctx, logger, job, reason)
		return
	}

	job.Status = StatusPublishing
	p.timedStage(ctx, "publish_parsed", func() {
		if err := p.publisher.PublishParsed(ctx, job, result); err != nil {
			logger.Warn("Failed to publish reading", slog.Any("error", err))
		}
	})

	job.Status = StatusDone
	p.record(ctx, logger, job, result.Body)

	logger.Info("Job completed",
		slog.String("meter_id", result.MeterID),
		slog.String("status", job.Status),
	)
}

// fail moves a job to its failed terminal state: one error envelope on
// the broker, one outcome record, no requeue.
func (p *Pool) fail(ctx context.Context, logger *slog.Logger, job *Job, reason string) {
	job.Status = StatusFailed
	job.FailureReason = reason

	if err := p.publisher.PublishError(ctx, job, reason); err != nil {
		logger.Warn("Failed to publish error envelope", slog.Any("error", err))
	}

	p.record(ctx, logger, job, nil)
}

func (p *Pool) record(ctx context.Context, logger *slog.Logger, job *Job, parsed json.RawMessage) {
	if p.history == nil {
		return
	}
	if err := p.history.RecordOutcome(ctx, job, parsed); err != nil {
		logger.Warn("Failed to record job outcome", slog.Any("error", err))
	}
}

func (p *Pool) timedStage(ctx context.Context, stage string, fn func()) {
	start := time.Now()
	fn()
	p.metrics.RecordStage(ctx, stage, time.Since(start))
}
