package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pullsmith/pullsmith/queue"
)

// Pipeline wires the producer and the four stage workers over one queue
// manager. Start attaches every worker to its queue; Stop drains the
// queues and resets the manager so a later Start begins fresh.
type Pipeline struct {
	producer *Producer
	workers  []*Worker
	queues   *queue.Manager
	logger   *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New builds a pipeline from its dependencies.
func New(deps Deps, queues *queue.Manager) *Pipeline {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		producer: NewProducer(deps.Jobs, deps.Repos, queues, logger),
		workers: []*Worker{
			NewPlanningWorker(deps),
			NewCodingWorker(deps),
			NewReviewingWorker(deps),
			NewPROpenWorker(deps),
		},
		queues: queues,
		logger: logger,
	}
}

// Producer returns the job producer.
func (p *Pipeline) Producer() *Producer {
	return p.producer
}

// Start attaches all workers. The workers keep consuming until Stop; ctx
// only bounds the startup itself plus the lifetime of the consume loops.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return fmt.Errorf("pipeline already started")
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	var g errgroup.Group
	for _, w := range p.workers {
		g.Go(func() error {
			return w.Start(runCtx)
		})
	}
	if err := g.Wait(); err != nil {
		cancel()
		return fmt.Errorf("start pipeline: %w", err)
	}

	p.cancel = cancel
	p.running = true
	p.logger.Info("pipeline started", "workers", len(p.workers))
	return nil
}

// Stop cancels the consume loops, drains in-flight handlers up to the
// timeout, and shuts the queue manager down.
func (p *Pipeline) Stop(timeout time.Duration) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = false
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	ctx, cancelTimeout := context.WithTimeout(context.Background(), timeout)
	defer cancelTimeout()

	err := p.queues.Shutdown(ctx)
	cancel()
	if err != nil {
		return fmt.Errorf("stop pipeline: %w", err)
	}
	p.logger.Info("pipeline stopped")
	return nil
}
