// Package llmworker runs the adaptive-concurrency pool that drains
// internal/llmqueue and feeds internal/orchestrator. A blocking-claim
// loop pairs with a buffered-channel permit pool whose capacity is
// adjusted at runtime rather than fixed at construction, shrinking on
// consecutive handler errors and growing back on a streak of
// successes.
package llmworker

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"kxpipe/internal/llmqueue"
)

// Config controls pool sizing and the adaptive-concurrency bounds.
type Config struct {
	MinPermits     int
	MaxPermits     int
	StartPermits   int
	ClaimCount     int64
	ClaimBlock     time.Duration
	ShrinkOnErrors int // consecutive handler errors before shrinking
	GrowOnSuccess  int // consecutive successes before growing
}

// DefaultConfig holds the baseline pool-sizing and adaptive-concurrency knobs.
func DefaultConfig() Config {
	return Config{
		MinPermits:     1,
		MaxPermits:     16,
		StartPermits:   4,
		ClaimCount:     8,
		ClaimBlock:     2 * time.Second,
		ShrinkOnErrors: 3,
		GrowOnSuccess:  10,
	}
}

// Handler processes one claimed request and returns its result payload
// or an error; cmd/kxpipe-worker wires this to the LLM chat client.
type Handler func(ctx context.Context, req llmqueue.Request) (result []byte, err error)

// maxPermitBuffer is the permit channel's buffer size, and so the
// highest capacity grow can reach.
const maxPermitBuffer = 1024

// semaphore is a permit pool whose capacity can change while acquired
// permits are outstanding, implemented as a buffered channel that grow
// refills and shrink drains rather than recreated.
type semaphore struct {
	mu      sync.Mutex
	permits chan struct{}
	cap     int
	owed    int // permits to drop on release, from shrinks made while none were free
}

func newSemaphore(n int) *semaphore {
	size := maxPermitBuffer
	if n > size {
		size = n
	}
	s := &semaphore{permits: make(chan struct{}, size), cap: n}
	for i := 0; i < n; i++ {
		s.permits <- struct{}{}
	}
	return s
}

func (s *semaphore) acquire(ctx context.Context) error {
	select {
	case <-s.permits:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *semaphore) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.owed > 0 {
		s.owed--
		return
	}
	if len(s.permits) < s.cap {
		s.permits <- struct{}{}
	}
}

// grow adds one permit to the pool's capacity, up to max.
func (s *semaphore) grow(max int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cap >= max || s.cap >= cap(s.permits) {
		return
	}
	s.cap++
	if s.owed > 0 {
		s.owed--
		return
	}
	s.permits <- struct{}{}
}

// shrink removes one permit's worth of capacity, down to min, by
// consuming a token without returning it (the outstanding borrow is
// dropped permanently until the next grow).
func (s *semaphore) shrink(min int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cap <= min {
		return
	}
	s.cap--
	select {
	case <-s.permits:
	default:
		s.owed++
	}
}

// Pool is the adaptive-concurrency LLM worker pool.
type Pool struct {
	queue   *llmqueue.Queue
	cfg     Config
	handler Handler
	log     zerolog.Logger

	sem *semaphore

	mu              sync.Mutex
	consecutiveErrs int
	consecutiveOK   int
}

// New builds a Pool.
func New(queue *llmqueue.Queue, cfg Config, handler Handler, log zerolog.Logger) *Pool {
	return &Pool{
		queue:   queue,
		cfg:     cfg,
		handler: handler,
		log:     log,
		sem:     newSemaphore(cfg.StartPermits),
	}
}

// Run drains the queue until ctx is cancelled, dispatching each claimed
// request through the adaptive semaphore.
func (p *Pool) Run(ctx context.Context, consumerName string) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msgs, err := p.queue.Claim(ctx, consumerName, p.cfg.ClaimCount, p.cfg.ClaimBlock)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.log.Warn().Err(err).Msg("llmworker claim failed")
			continue
		}

		for _, msg := range msgs {
			if err := p.sem.acquire(ctx); err != nil {
				return nil
			}
			go p.process(ctx, msg)
		}
	}
}

func (p *Pool) process(ctx context.Context, msg llmqueue.ClaimedMessage) {
	defer p.sem.release()

	result, err := p.handler(ctx, msg.Request)

	res := llmqueue.Result{RequestID: msg.Request.ID}
	if err != nil {
		res.Err = err.Error()
		p.recordOutcome(false)
	} else {
		res.Data = result
		p.recordOutcome(true)
	}

	if pubErr := p.queue.PublishResult(ctx, res); pubErr != nil {
		p.log.Warn().Err(pubErr).Str("request_id", msg.Request.ID.String()).Msg("failed to publish llm result")
	}
	if ackErr := p.queue.Ack(ctx, msg.StreamID); ackErr != nil {
		p.log.Warn().Err(ackErr).Msg("failed to ack llm queue entry")
	}
}

// recordOutcome feeds the adaptive-concurrency controller: a run of
// ShrinkOnErrors consecutive handler errors shrinks the pool, a run
// of GrowOnSuccess consecutive clean completions grows it back.
func (p *Pool) recordOutcome(ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ok {
		p.consecutiveErrs = 0
		p.consecutiveOK++
		if p.consecutiveOK >= p.cfg.GrowOnSuccess {
			p.consecutiveOK = 0
			p.sem.grow(p.cfg.MaxPermits)
		}
		return
	}

	p.consecutiveOK = 0
	p.consecutiveErrs++
	if p.consecutiveErrs >= p.cfg.ShrinkOnErrors {
		p.consecutiveErrs = 0
		p.sem.shrink(p.cfg.MinPermits)
	}
}
