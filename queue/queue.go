// Package queue provides named durable FIFO-with-retry queues on NATS
// JetStream. Each queue is one stream; consumers are durable, deliver
// at-least-once, retry failed handlers with exponential backoff, and park
// exhausted messages on a shared failed stream. Handlers must be idempotent
// keyed by message id: the id doubles as the broker-side deduplication key,
// so enqueueing the same id twice within the duplicate window collapses to
// one message.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"golang.org/x/time/rate"
)

// Config tunes one queue. The zero value is unusable; start from
// DefaultConfig.
type Config struct {
	// MaxRetries is how many redeliveries a failing message gets after its
	// first attempt before it is parked on the failed stream.
	MaxRetries int

	// RetryBackoff is the delay before the first retry; each further retry
	// doubles it.
	RetryBackoff time.Duration

	// AckWait is how long the broker waits for an ack before it considers
	// the handler dead and redelivers. Must exceed the longest handler.
	AckWait time.Duration

	// Concurrency caps in-flight handlers per queue.
	Concurrency int

	// RatePerSecond caps message intake per queue.
	RatePerSecond int

	// CompletedMaxAge and CompletedMaxMsgs bound how long processed
	// messages stay visible on the stream for inspection.
	CompletedMaxAge  time.Duration
	CompletedMaxMsgs int64

	// FailedMaxAge bounds retention on the failed stream.
	FailedMaxAge time.Duration

	// DuplicateWindow is how long the broker remembers message ids for
	// enqueue deduplication.
	DuplicateWindow time.Duration
}

// DefaultConfig returns the queue defaults: 3 retries backing off from 2s,
// 5 concurrent handlers, 10 messages/s, 24h/1000 completed retention, 7d
// failed retention.
func DefaultConfig() Config {
	return Config{
		MaxRetries:       3,
		RetryBackoff:     2 * time.Second,
		AckWait:          16 * time.Minute,
		Concurrency:      5,
		RatePerSecond:    10,
		CompletedMaxAge:  24 * time.Hour,
		CompletedMaxMsgs: 1000,
		FailedMaxAge:     7 * 24 * time.Hour,
		DuplicateWindow:  10 * time.Minute,
	}
}

// backoffFor returns the delay before redelivering attempt n (1-based
// first attempt), doubling from RetryBackoff.
func (c Config) backoffFor(attempt uint64) time.Duration {
	d := c.RetryBackoff
	for i := uint64(1); i < attempt; i++ {
		d *= 2
	}
	return d
}

// Message is one delivery. Attempt counts deliveries of this message so
// far, starting at 1.
type Message struct {
	ID      string
	Queue   string
	Data    []byte
	Attempt uint64
}

// Handler processes one delivery. A nil return acks the message; an error
// schedules a retry until attempts are exhausted.
type Handler func(ctx context.Context, msg *Message) error

// Queue is one named stage queue. Instances are created by the Manager and
// are safe for concurrent use.
type Queue struct {
	name    string
	subject string
	cfg     Config
	js      jetstream.JetStream
	stream  jetstream.Stream
	logger  *slog.Logger

	sem     chan struct{}
	limiter *rate.Limiter

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	processed atomic.Int64
	retries   atomic.Int64
	exhausted atomic.Int64
}

func newQueue(name string, cfg Config, js jetstream.JetStream, stream jetstream.Stream, logger *slog.Logger) *Queue {
	return &Queue{
		name:    name,
		subject: subjectFor(name),
		cfg:     cfg,
		js:      js,
		stream:  stream,
		logger:  logger,
		sem:     make(chan struct{}, cfg.Concurrency),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.RatePerSecond),
	}
}

// streamFor maps a queue name to its stream name: pr-open -> PULLSMITH_PR_OPEN.
func streamFor(name string) string {
	return "PULLSMITH_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

func subjectFor(name string) string {
	return "pullsmith.jobs." + name
}

func failedSubjectFor(name string) string {
	return "pullsmith.failed." + name
}

// Name returns the queue name.
func (q *Queue) Name() string {
	return q.name
}

// Enqueue publishes data under the given message id. The id is the
// deduplication key: re-enqueues of the same id within the duplicate
// window are collapsed by the broker.
func (q *Queue) Enqueue(ctx context.Context, id string, data []byte) error {
	if id == "" {
		return fmt.Errorf("enqueue %s: message id is required", q.name)
	}
	if _, err := q.js.Publish(ctx, q.subject, data, jetstream.WithMsgID(id)); err != nil {
		return fmt.Errorf("enqueue %s: %w", q.name, err)
	}
	enqueuedTotal.WithLabelValues(q.name).Inc()
	return nil
}

// Len returns how many messages the stream currently holds.
func (q *Queue) Len(ctx context.Context) (uint64, error) {
	info, err := q.stream.Info(ctx)
	if err != nil {
		return 0, fmt.Errorf("stream info %s: %w", q.name, err)
	}
	return info.State.Msgs, nil
}

// Consume starts the durable consumer and feeds deliveries to handler from
// a background loop. At most Concurrency handlers run at once and intake
// is rate limited. Only one Consume per Queue instance is allowed.
func (q *Queue) Consume(ctx context.Context, handler Handler) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running {
		return fmt.Errorf("queue %s: already consuming", q.name)
	}

	consumer, err := q.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       strings.ReplaceAll(q.name, ".", "_") + "-workers",
		FilterSubject: q.subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       q.cfg.AckWait,
		MaxDeliver:    q.cfg.MaxRetries + 1,
		MaxAckPending: q.cfg.Concurrency * 2,
	})
	if err != nil {
		return fmt.Errorf("create consumer for %s: %w", q.name, err)
	}

	loopCtx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.running = true
	q.wg.Add(1)
	go q.consumeLoop(loopCtx, consumer, handler)
	q.logger.Info("queue consuming",
		"queue", q.name,
		"concurrency", q.cfg.Concurrency,
		"rate_per_second", q.cfg.RatePerSecond)
	return nil
}

// consumeLoop reserves a concurrency slot, fetches one message, and hands
// it to a handler goroutine. The reservation before fetch keeps at most
// Concurrency messages in flight without an unbounded goroutine pool.
func (q *Queue) consumeLoop(ctx context.Context, consumer jetstream.Consumer, handler Handler) {
	defer q.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case q.sem <- struct{}{}:
		}

		if err := q.limiter.Wait(ctx); err != nil {
			<-q.sem
			return
		}

		msgs, err := consumer.Fetch(1, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			<-q.sem
			if ctx.Err() != nil {
				return
			}
			q.logger.Error("fetch failed", "queue", q.name, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		handed := false
		for msg := range msgs.Messages() {
			handed = true
			q.wg.Add(1)
			go func(m jetstream.Msg) {
				defer q.wg.Done()
				defer func() { <-q.sem }()
				q.handle(ctx, m, handler)
			}(msg)
		}
		if !handed {
			<-q.sem
			if err := msgs.Error(); err != nil && ctx.Err() == nil {
				q.logger.Error("fetch batch failed", "queue", q.name, "error", err)
			}
		}
	}
}

// handle runs one delivery and settles it: ack on success, delayed nak
// while retries remain, park on the failed stream when exhausted.
func (q *Queue) handle(ctx context.Context, m jetstream.Msg, handler Handler) {
	attempt := uint64(1)
	if meta, err := m.Metadata(); err == nil {
		attempt = meta.NumDelivered
	}
	msg := &Message{
		ID:      m.Headers().Get(nats.MsgIdHdr),
		Queue:   q.name,
		Data:    m.Data(),
		Attempt: attempt,
	}

	// The handler runs detached from the consume-loop cancellation: a
	// graceful shutdown stops intake but lets in-flight work finish within
	// the drain deadline. AckWait bounds the handler, since past it the
	// broker redelivers regardless.
	hctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), q.cfg.AckWait)
	defer cancel()

	start := time.Now()
	err := handler(hctx, msg)
	handleSeconds.WithLabelValues(q.name).Observe(time.Since(start).Seconds())

	if err == nil {
		if ackErr := m.Ack(); ackErr != nil {
			q.logger.Error("ack failed", "queue", q.name, "message_id", msg.ID, "error", ackErr)
		}
		q.processed.Add(1)
		processedTotal.WithLabelValues(q.name, "ok").Inc()
		return
	}

	if attempt >= uint64(q.cfg.MaxRetries)+1 {
		q.logger.Error("handler exhausted retries",
			"queue", q.name,
			"message_id", msg.ID,
			"attempts", attempt,
			"error", err)
		q.parkFailed(hctx, msg, err)
		if termErr := m.Term(); termErr != nil {
			q.logger.Error("term failed", "queue", q.name, "message_id", msg.ID, "error", termErr)
		}
		q.exhausted.Add(1)
		processedTotal.WithLabelValues(q.name, "exhausted").Inc()
		return
	}

	delay := q.cfg.backoffFor(attempt)
	q.logger.Warn("handler failed, retrying",
		"queue", q.name,
		"message_id", msg.ID,
		"attempt", attempt,
		"retry_in", delay,
		"error", err)
	if nakErr := m.NakWithDelay(delay); nakErr != nil {
		q.logger.Error("nak failed", "queue", q.name, "message_id", msg.ID, "error", nakErr)
	}
	q.retries.Add(1)
	processedTotal.WithLabelValues(q.name, "retry").Inc()
}

// parkFailed copies the exhausted message onto the failed stream with the
// final error attached, so operators can inspect and replay it.
func (q *Queue) parkFailed(ctx context.Context, msg *Message, cause error) {
	failed := nats.NewMsg(failedSubjectFor(q.name))
	failed.Data = msg.Data
	failed.Header.Set("Pullsmith-Error", cause.Error())
	failed.Header.Set("Pullsmith-Attempts", fmt.Sprintf("%d", msg.Attempt))
	failed.Header.Set(nats.MsgIdHdr, q.name+"."+msg.ID)
	if _, err := q.js.PublishMsg(ctx, failed); err != nil {
		q.logger.Error("park on failed stream failed",
			"queue", q.name,
			"message_id", msg.ID,
			"error", err)
	}
}

// stop cancels the consume loop. It does not wait; drain does.
func (q *Queue) stop() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cancel != nil {
		q.cancel()
		q.cancel = nil
	}
	q.running = false
}

// drain waits for the consume loop and in-flight handlers, up to the
// context deadline. Returns false when the deadline expired first.
func (q *Queue) drain(ctx context.Context) bool {
	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		q.logger.Info("queue drained",
			"queue", q.name,
			"processed", q.processed.Load(),
			"retries", q.retries.Load(),
			"exhausted", q.exhausted.Load())
		return true
	case <-ctx.Done():
		q.logger.Warn("queue drain deadline expired", "queue", q.name)
		return false
	}
}
