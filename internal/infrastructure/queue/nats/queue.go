package nats

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/kirillkom/document-intelligence/internal/core/domain"
	"github.com/kirillkom/document-intelligence/internal/infrastructure/resilience"
)

// HeaderNotBefore carries the earliest delivery time of a delayed task.
const HeaderNotBefore = "Not-Before"

// Queue is a JetStream work queue. Delayed tasks are published immediately
// and held back by the consumer with NakWithDelay until their Not-Before time.
type Queue struct {
	conn     *nats.Conn
	js       jetstream.JetStream
	stream   string
	subject  string
	durable  string
	cfg      Options
	executor *resilience.Executor
	logger   *slog.Logger
	now      func() time.Time
}

type Options struct {
	Stream               string
	Durable              string
	ConnectTimeout       time.Duration
	ReconnectWait        time.Duration
	MaxReconnects        int
	RetryOnFailedConnect *bool
	AckWait              time.Duration
	MaxAckPending        int
	FetchWait            time.Duration
	NakDelay             time.Duration
	ResilienceExecutor   *resilience.Executor
	Logger               *slog.Logger
}

func (o Options) normalize() Options {
	out := o
	if out.Stream == "" {
		out.Stream = "DOCUMENTS"
	}
	if out.Durable == "" {
		out.Durable = "document-workers"
	}
	if out.ConnectTimeout <= 0 {
		out.ConnectTimeout = 2 * time.Second
	}
	if out.ReconnectWait <= 0 {
		out.ReconnectWait = 2 * time.Second
	}
	if out.MaxReconnects <= 0 {
		out.MaxReconnects = 60
	}
	if out.AckWait <= 0 {
		out.AckWait = 60 * time.Second
	}
	if out.MaxAckPending <= 0 {
		out.MaxAckPending = 1024
	}
	if out.FetchWait <= 0 {
		out.FetchWait = 2 * time.Second
	}
	if out.NakDelay <= 0 {
		out.NakDelay = 5 * time.Second
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

func New(ctx context.Context, url, subject string, options Options) (*Queue, error) {
	cfg := options.normalize()
	retryOnFailedConnect := true
	if cfg.RetryOnFailedConnect != nil {
		retryOnFailedConnect = *cfg.RetryOnFailedConnect
	}
	logger := cfg.Logger

	conn, err := nats.Connect(
		url,
		nats.Name("document-intelligence"),
		nats.Timeout(cfg.ConnectTimeout),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.RetryOnFailedConnect(retryOnFailedConnect),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats_disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats_reconnected", "url", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}

	js, err := jetstream.New(conn)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:      cfg.Stream,
		Subjects:  []string{subject},
		Retention: jetstream.WorkQueuePolicy,
		Storage:   jetstream.FileStorage,
	})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("ensure stream %s: %w", cfg.Stream, err)
	}

	return &Queue{
		conn:     conn,
		js:       js,
		stream:   cfg.Stream,
		subject:  subject,
		durable:  cfg.Durable,
		cfg:      cfg,
		executor: cfg.ResilienceExecutor,
		logger:   logger,
		now:      time.Now,
	}, nil
}

func (q *Queue) Close() {
	if q.conn != nil {
		q.conn.Close()
	}
}

func (q *Queue) Enqueue(ctx context.Context, task domain.Task) error {
	return q.publish(ctx, task, time.Time{})
}

func (q *Queue) EnqueueAfter(ctx context.Context, task domain.Task, delay time.Duration) error {
	if delay <= 0 {
		return q.publish(ctx, task, time.Time{})
	}
	return q.publish(ctx, task, q.now().UTC().Add(delay))
}

func (q *Queue) publish(ctx context.Context, task domain.Task, notBefore time.Time) error {
	if task.EnqueuedAt.IsZero() {
		task.EnqueuedAt = q.now().UTC()
	}
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshal task: %w", err)
	}
	msg := nats.NewMsg(q.subject)
	msg.Data = payload
	if !notBefore.IsZero() {
		msg.Header.Set(HeaderNotBefore, notBefore.Format(time.RFC3339Nano))
	}

	call := func(callCtx context.Context) error {
		if _, err := q.js.PublishMsg(callCtx, msg); err != nil {
			return fmt.Errorf("jetstream publish: %w", err)
		}
		return nil
	}

	if q.executor != nil {
		err = q.executor.Execute(ctx, "nats.publish", call, classifyNATSError)
	} else {
		err = call(ctx)
	}
	if err != nil {
		return wrapTemporaryIfNeeded(err)
	}
	return nil
}

// Consume pulls one task at a time and blocks in handler until it accepts the
// task, so the caller's worker pool limit throttles fetching. Accepted tasks
// are acked; rejected ones are terminated when invalid and redelivered
// otherwise.
func (q *Queue) Consume(ctx context.Context, handler func(context.Context, domain.Task) error) error {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, q.stream, jetstream.ConsumerConfig{
		Durable:       q.durable,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.cfg.AckWait,
		MaxAckPending: q.cfg.MaxAckPending,
		FilterSubject: q.subject,
	})
	if err != nil {
		return fmt.Errorf("ensure consumer %s: %w", q.durable, err)
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		batch, err := consumer.Fetch(1, jetstream.FetchMaxWait(q.cfg.FetchWait))
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			q.logger.Warn("nats_fetch_failed", "error", err)
			sleepCtx(ctx, q.cfg.FetchWait)
			continue
		}
		for msg := range batch.Messages() {
			q.deliver(ctx, msg, handler)
		}
		if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) && ctx.Err() == nil {
			q.logger.Warn("nats_fetch_batch_error", "error", err)
		}
	}
}

func (q *Queue) deliver(ctx context.Context, msg jetstream.Msg, handler func(context.Context, domain.Task) error) {
	task, err := decodeTask(msg.Data())
	if err != nil {
		q.logger.Error("nats_task_decode_failed", "error", err)
		q.settle(msg.Term())
		return
	}

	if wait := remainingDelay(msg.Headers().Get(HeaderNotBefore), q.now()); wait > 0 {
		q.settle(msg.NakWithDelay(wait))
		return
	}

	if err := handler(ctx, task); err != nil {
		if domain.IsKind(err, domain.ErrInvalidInput) {
			q.logger.Error("nats_task_rejected", "document_id", task.DocumentID, "error", err)
			q.settle(msg.Term())
			return
		}
		q.logger.Warn("nats_task_redelivery", "document_id", task.DocumentID, "error", err)
		q.settle(msg.NakWithDelay(q.cfg.NakDelay))
		return
	}
	q.settle(msg.Ack())
}

func (q *Queue) settle(err error) {
	if err != nil {
		q.logger.Warn("nats_ack_failed", "error", err)
	}
}

func decodeTask(data []byte) (domain.Task, error) {
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		return domain.Task{}, fmt.Errorf("decode task: %w", err)
	}
	if task.DocumentID == "" {
		return domain.Task{}, domain.WrapError(domain.ErrInvalidInput, "decode task", errors.New("empty document id"))
	}
	return task, nil
}

// remainingDelay returns how long a message must still be held back. A
// missing or malformed header means deliver now.
func remainingDelay(header string, now time.Time) time.Duration {
	if header == "" {
		return 0
	}
	notBefore, err := time.Parse(time.RFC3339Nano, header)
	if err != nil {
		return 0
	}
	if wait := notBefore.Sub(now); wait > 0 {
		return wait
	}
	return 0
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
