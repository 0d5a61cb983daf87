package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"go.uber.org/zap"

	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/logger"
	"github.com/capitalize-ai/whatsapp-assistant/pkg/metrics"
)

const (
	// InboundStream holds inbound WhatsApp messages awaiting processing.
	InboundStream = "WHATSAPP_INBOUND"

	// InboundSubjectPrefix is the prefix of inbound job subjects.
	InboundSubjectPrefix = "whatsapp.inbound"

	inboundConsumer = "pipeline"
)

// Handler processes one inbound message.
type Handler func(ctx context.Context, in *model.IncomingMessage) error

// QueueConfig configures the JetStream ingress queue.
type QueueConfig struct {
	Workers    int
	AckWait    time.Duration
	MaxDeliver int
	// Duplicates is the server-side de-duplication window for Nats-Msg-Id.
	Duplicates time.Duration
}

// Queue is a durable work queue of inbound messages.
type Queue struct {
	client *Client
	cfg    QueueConfig
	logger *logger.Logger

	// jobs is the context handlers run on. Stopping intake leaves it alone;
	// only Abort cancels it.
	jobs  context.Context
	abort context.CancelFunc
}

// NewQueue creates a new ingress queue.
func NewQueue(client *Client, cfg QueueConfig, log *logger.Logger) *Queue {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.AckWait <= 0 {
		cfg.AckWait = 5 * time.Minute
	}
	if cfg.MaxDeliver <= 0 {
		cfg.MaxDeliver = 3
	}
	if cfg.Duplicates <= 0 {
		cfg.Duplicates = 2 * time.Hour
	}
	jobs, abort := context.WithCancel(context.Background())
	return &Queue{client: client, cfg: cfg, logger: log.Named("queue"), jobs: jobs, abort: abort}
}

// EnsureStream creates the work-queue stream.
func (q *Queue) EnsureStream(ctx context.Context) error {
	_, err := q.client.JetStream().CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:        InboundStream,
		Subjects:    []string{InboundSubjectPrefix + ".>"},
		Retention:   jetstream.WorkQueuePolicy,
		MaxAge:      24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Duplicates:  q.cfg.Duplicates,
		Description: "Inbound WhatsApp messages awaiting the pipeline",
	})
	if err != nil {
		return fmt.Errorf("failed to create inbound stream: %w", err)
	}
	return nil
}

// InboundSubject returns the job subject for a workspace.
func InboundSubject(workspaceID string) string {
	return InboundSubjectPrefix + "." + token(workspaceID)
}

// Enqueue publishes a job. Redeliveries of the same channel message id inside
// the de-duplication window are dropped by the server.
func (q *Queue) Enqueue(ctx context.Context, in *model.IncomingMessage) error {
	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	var opts []jetstream.PublishOpt
	if in.MessageID != "" {
		opts = append(opts, jetstream.WithMsgID(in.Connection.WorkspaceID+":"+in.MessageID))
	}

	ack, err := q.client.JetStream().Publish(ctx, InboundSubject(in.Connection.WorkspaceID), data, opts...)
	if err != nil {
		return fmt.Errorf("failed to enqueue message: %w", err)
	}
	if ack.Duplicate {
		metrics.DedupHitsTotal.WithLabelValues("queue").Inc()
		q.logger.Debug("duplicate job dropped by queue", zap.String("message_id", in.MessageID))
	}
	return nil
}

// Run consumes jobs until ctx is cancelled, then stops pulling and waits for
// the jobs in flight, which keep running until they finish or Abort is
// called. Jobs are acked once the handler returns; a handler error is logged,
// not redelivered, since the pipeline has already answered the user.
func (q *Queue) Run(ctx context.Context, handle Handler) error {
	consumer, err := q.client.JetStream().CreateOrUpdateConsumer(ctx, InboundStream, jetstream.ConsumerConfig{
		Durable:       inboundConsumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.cfg.AckWait,
		MaxDeliver:    q.cfg.MaxDeliver,
		FilterSubject: InboundSubjectPrefix + ".>",
	})
	if err != nil {
		return fmt.Errorf("failed to create consumer: %w", err)
	}

	sem := make(chan struct{}, q.cfg.Workers)
	var wg sync.WaitGroup

	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			_ = msg.Nak()
			return
		}
		wg.Add(1)
		go func() {
			defer func() { <-sem; wg.Done() }()
			q.handle(msg, handle)
		}()
	}, jetstream.PullMaxMessages(q.cfg.Workers))
	if err != nil {
		return fmt.Errorf("failed to consume: %w", err)
	}

	q.logger.Info("queue consumer started", zap.Int("workers", q.cfg.Workers))
	go q.reportPending(ctx, consumer)
	<-ctx.Done()
	cc.Drain()
	<-cc.Closed()
	wg.Wait()
	q.logger.Info("queue consumer stopped")
	return nil
}

// Abort cancels the jobs in flight. Aborted jobs are redelivered.
func (q *Queue) Abort() {
	q.abort()
}

func (q *Queue) handle(msg jetstream.Msg, handle Handler) {
	ctx := q.jobs
	var in model.IncomingMessage
	if err := json.Unmarshal(msg.Data(), &in); err != nil {
		q.logger.Error("dropping undecodable job", zap.String("subject", msg.Subject()), zap.Error(err))
		_ = msg.Term()
		return
	}

	log := q.logger.With(zap.String("message_id", in.MessageID))
	if meta, err := msg.Metadata(); err == nil && meta.NumDelivered > 1 {
		log.Warn("job redelivered", zap.Uint64("delivery", meta.NumDelivered))
	}

	done := make(chan struct{})
	go q.keepAlive(msg, done)
	err := handle(ctx, &in)
	close(done)

	switch {
	case err == nil:
		_ = msg.Ack()
	case ctx.Err() != nil:
		// Aborted; let another instance pick it up.
		_ = msg.NakWithDelay(5 * time.Second)
	case errors.Is(err, model.ErrDuplicateMessage), errors.Is(err, model.ErrStaleMessage):
		_ = msg.Ack()
	default:
		log.Error("job failed", zap.Error(err))
		_ = msg.Ack()
	}
}

// reportPending exports the consumer backlog until ctx is cancelled.
func (q *Queue) reportPending(ctx context.Context, consumer jetstream.Consumer) {
	gauge := metrics.QueuePending.WithLabelValues(InboundStream, inboundConsumer)
	t := time.NewTicker(15 * time.Second)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			info, err := consumer.Info(ctx)
			if err != nil {
				q.logger.Debug("failed to read consumer info", zap.Error(err))
				continue
			}
			gauge.Set(float64(info.NumPending))
		}
	}
}

// keepAlive extends the ack deadline while a job runs.
func (q *Queue) keepAlive(msg jetstream.Msg, done <-chan struct{}) {
	t := time.NewTicker(q.cfg.AckWait / 2)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			_ = msg.InProgress()
		}
	}
}

// DirectQueue runs jobs in-process when JetStream queueing is disabled.
// Cancelling its context stops intake; accepted jobs still run unless
// Abort is called.
type DirectQueue struct {
	ctx    context.Context
	jobs   context.Context
	abort  context.CancelFunc
	handle Handler
	sem    chan struct{}
	wg     sync.WaitGroup
	logger *logger.Logger
}

// NewDirectQueue creates an in-process queue bounded to workers concurrent jobs.
func NewDirectQueue(ctx context.Context, workers int, handle Handler, log *logger.Logger) *DirectQueue {
	if workers <= 0 {
		workers = 1
	}
	jobs, abort := context.WithCancel(context.WithoutCancel(ctx))
	return &DirectQueue{
		ctx:    ctx,
		jobs:   jobs,
		abort:  abort,
		handle: handle,
		sem:    make(chan struct{}, workers),
		logger: log.Named("direct_queue"),
	}
}

// Enqueue starts the job in a goroutine and returns immediately.
func (d *DirectQueue) Enqueue(_ context.Context, in *model.IncomingMessage) error {
	if err := d.ctx.Err(); err != nil {
		return fmt.Errorf("queue closed: %w", err)
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		select {
		case d.sem <- struct{}{}:
		case <-d.jobs.Done():
			d.logger.Warn("job dropped on abort", zap.String("message_id", in.MessageID))
			return
		}
		defer func() { <-d.sem }()
		if err := d.handle(d.jobs, in); err != nil &&
			!errors.Is(err, model.ErrDuplicateMessage) && !errors.Is(err, model.ErrStaleMessage) {
			d.logger.Error("job failed", zap.String("message_id", in.MessageID), zap.Error(err))
		}
	}()
	return nil
}

// Wait blocks until all accepted jobs finish.
func (d *DirectQueue) Wait() {
	d.wg.Wait()
}

// Abort cancels the jobs in flight and drops those still waiting for a worker.
func (d *DirectQueue) Abort() {
	d.abort()
}
