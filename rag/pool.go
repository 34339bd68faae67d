package rag

import (
	"context"
	"fmt"
	"sync"
	"time"
)

const defaultWorkers = 4

type askJob struct {
	ctx       context.Context
	sessionID string
	question  string
	reply     chan askResult
}

type askResult struct {
	answer Answer
	err    error
}

// Pool processes independent ask requests on a fixed set of workers. Each
// request's pipeline runs sequentially on its worker; same-session ordering
// is enforced by the session store's critical section, not by the pool.
type Pool struct {
	svc     *Service
	timeout time.Duration
	jobs    chan askJob
	wg      sync.WaitGroup
	once    sync.Once
}

func NewPool(svc *Service, workers int, requestTimeout time.Duration) *Pool {
	if workers <= 0 {
		workers = defaultWorkers
	}

	p := &Pool{
		svc:     svc,
		timeout: requestTimeout,
		jobs:    make(chan askJob),
	}

	for i := 0; i < workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	return p
}

// Ask submits a request and waits for its answer.
func (p *Pool) Ask(ctx context.Context, sessionID, question string) (Answer, error) {
	job := askJob{
		ctx:       ctx,
		sessionID: sessionID,
		question:  question,
		reply:     make(chan askResult, 1),
	}

	select {
	case p.jobs <- job:
	case <-ctx.Done():
		return Answer{}, fmt.Errorf("ask not accepted: %w", ctx.Err())
	}

	select {
	case result := <-job.reply:
		return result.answer, result.err
	case <-ctx.Done():
		return Answer{}, fmt.Errorf("ask abandoned: %w", ctx.Err())
	}
}

// Close stops accepting work and waits for in-flight requests to finish.
func (p *Pool) Close() {
	p.once.Do(func() {
		close(p.jobs)
	})
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()

	for job := range p.jobs {
		ctx := job.ctx
		cancel := context.CancelFunc(func() {})
		if p.timeout > 0 {
			ctx, cancel = context.WithTimeout(ctx, p.timeout)
		}

		answer, err := p.svc.Ask(ctx, job.sessionID, job.question)
		cancel()
		job.reply <- askResult{answer: answer, err: err}
	}
}
