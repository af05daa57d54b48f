package queue

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// Stage queue names. These are the literal names the pipeline wires
// workers to; they also derive stream names and subjects.
const (
	Planning  = "planning"
	Coding    = "coding"
	Reviewing = "reviewing"
	PROpen    = "pr-open"
)

// StageQueues lists the stage queues in pipeline order.
var StageQueues = []string{Planning, Coding, Reviewing, PROpen}

// failedStream collects messages that exhausted their retries, across all
// queues, under one longer retention.
const failedStream = "PULLSMITH_FAILED"

// Manager owns the broker connection and the queue instances. It is lazy:
// constructing a Manager performs no broker I/O, so a Manager can be built
// before the broker is up (tests start the broker afterwards). The first
// Get connects, ensures the streams, and caches the instance. Shutdown
// drains consumers, closes the connection, and resets the instance map so
// a later Get starts fresh.
type Manager struct {
	url    string
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	external *nats.Conn // supplied via WithConn, never closed by Shutdown
	nc       *nats.Conn
	js       jetstream.JetStream
	queues   map[string]*Queue
}

// ManagerOption configures NewManager.
type ManagerOption func(*Manager)

// WithManagerLogger sets the logger. Defaults to slog.Default().
func WithManagerLogger(logger *slog.Logger) ManagerOption {
	return func(m *Manager) { m.logger = logger }
}

// WithConn reuses an existing broker connection instead of dialing url.
// The caller keeps ownership: Shutdown will not close it.
func WithConn(nc *nats.Conn) ManagerOption {
	return func(m *Manager) { m.external = nc }
}

// NewManager returns a Manager for the broker at url. No connection is
// made until the first Get.
func NewManager(url string, cfg Config, opts ...ManagerOption) *Manager {
	m := &Manager{
		url:    url,
		cfg:    cfg,
		queues: make(map[string]*Queue),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = slog.Default()
	}
	return m
}

// Get returns the named queue, creating the connection and streams on
// first use. Queue names must be one of the stage queues.
func (m *Manager) Get(ctx context.Context, name string) (*Queue, error) {
	if !validName(name) {
		return nil, fmt.Errorf("unknown queue %q", name)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if q, ok := m.queues[name]; ok {
		return q, nil
	}

	if err := m.ensureConnected(ctx); err != nil {
		return nil, err
	}

	stream, err := m.js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamFor(name),
		Subjects:   []string{subjectFor(name)},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     m.cfg.CompletedMaxAge,
		MaxMsgs:    m.cfg.CompletedMaxMsgs,
		Duplicates: m.cfg.DuplicateWindow,
		Storage:    jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("ensure stream for %s: %w", name, err)
	}

	q := newQueue(name, m.cfg, m.js, stream, m.logger)
	m.queues[name] = q
	m.logger.Debug("queue initialized", "queue", name, "stream", streamFor(name))
	return q, nil
}

// ensureConnected dials the broker and ensures the shared failed stream.
// Callers hold m.mu.
func (m *Manager) ensureConnected(ctx context.Context) error {
	if m.js != nil {
		return nil
	}

	nc := m.external
	if nc == nil {
		conn, err := nats.Connect(m.url, nats.Name("pullsmith-queues"))
		if err != nil {
			return fmt.Errorf("connect broker: %w", err)
		}
		m.nc = conn
		nc = conn
	}

	js, err := jetstream.New(nc)
	if err != nil {
		m.closeConnLocked()
		return fmt.Errorf("jetstream context: %w", err)
	}

	if _, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       failedStream,
		Subjects:   []string{"pullsmith.failed.>"},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     m.cfg.FailedMaxAge,
		Duplicates: m.cfg.DuplicateWindow,
		Storage:    jetstream.FileStorage,
	}); err != nil {
		m.closeConnLocked()
		return fmt.Errorf("ensure failed stream: %w", err)
	}

	m.js = js
	return nil
}

// Shutdown stops every consumer, waits for in-flight handlers up to the
// context deadline, closes the owned connection, and resets the instance
// map. A Get after Shutdown reconnects from scratch.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	queues := make([]*Queue, 0, len(m.queues))
	for _, q := range m.queues {
		queues = append(queues, q)
	}
	m.queues = make(map[string]*Queue)
	m.mu.Unlock()

	for _, q := range queues {
		q.stop()
	}

	drained := true
	for _, q := range queues {
		if !q.drain(ctx) {
			drained = false
		}
	}

	m.mu.Lock()
	m.closeConnLocked()
	m.js = nil
	m.mu.Unlock()

	if !drained {
		return fmt.Errorf("queue shutdown: drain deadline expired")
	}
	m.logger.Info("queue manager shut down", "queues", len(queues))
	return nil
}

// closeConnLocked closes the owned connection, if any. Callers hold m.mu.
func (m *Manager) closeConnLocked() {
	if m.nc != nil {
		m.nc.Close()
		m.nc = nil
	}
}

func validName(name string) bool {
	for _, n := range StageQueues {
		if n == name {
			return true
		}
	}
	return false
}
