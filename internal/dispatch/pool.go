package dispatch

import (
	"context"

	"github.com/openstack/zaqar/internal/log"

	"go.uber.org/zap"
)

type Job func()

// Pool is the fixed set of workers that run decoded actions, so a slow
// store call suspends a worker, never a connection's reader.
type Pool struct {
	jobs   chan Job
	size   int
	logger *log.Logger
}

func NewPool(size int, logger *log.Logger) *Pool {
	return &Pool{
		jobs:   make(chan Job, size*2),
		size:   size,
		logger: logger,
	}
}

func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.size; i++ {
		go p.worker(ctx)
	}
	<-ctx.Done()
	p.logger.Info("Worker pool shutting down")
}

func (p *Pool) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-p.jobs:
			p.run(job)
		}
	}
}

// run isolates a panicking handler: one session's failure must never take
// down the process or other sessions.
func (p *Pool) run(job Job) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Recovered panic in action handler", zap.Any("panic", r))
		}
	}()
	job()
}

func (p *Pool) Submit(job Job) {
	p.jobs <- job
}
