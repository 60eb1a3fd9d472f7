package regionview

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
)

// RenderStats counts decode outcomes.
type RenderStats struct {
	Decoded   int
	Failed    int
	Discarded int // finished after a newer request was submitted
}

// RenderQueue decodes frames on a background goroutine and hands them back
// through Host.Post. Only the latest request matters: a new Submit replaces
// anything still queued, and results for superseded requests are dropped.
type RenderQueue struct {
	requestChan chan renderRequest
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup

	host    Host
	deliver func(*Frame)
	logger  *slog.Logger

	generation atomic.Uint64

	mu    sync.Mutex
	stats RenderStats
}

type renderRequest struct {
	req        FrameRequest
	generation uint64
}

// NewRenderQueue starts the worker. deliver runs on the host's goroutine.
func NewRenderQueue(host Host, deliver func(*Frame), logger *slog.Logger) *RenderQueue {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &RenderQueue{
		requestChan: make(chan renderRequest, 1),
		ctx:         ctx,
		cancel:      cancel,
		host:        host,
		deliver:     deliver,
		logger:      logger,
	}

	q.wg.Add(1)
	go q.worker()
	return q
}

// Submit queues req, discarding any request not yet started.
func (q *RenderQueue) Submit(req FrameRequest) {
	gen := q.generation.Add(1)

drain:
	for {
		select {
		case <-q.requestChan:
		default:
			break drain
		}
	}

	select {
	case q.requestChan <- renderRequest{req: req, generation: gen}:
	case <-q.ctx.Done():
	default:
		// Lost a race with another Submit; the newer request wins anyway.
		q.logger.Debug("render request channel full, skipping", "generation", gen)
	}
}

// Stats returns a snapshot of the counters.
func (q *RenderQueue) Stats() RenderStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}

// Stop ends the worker and waits for an in-flight decode to finish.
func (q *RenderQueue) Stop() {
	q.cancel()
	q.wg.Wait()
}

func (q *RenderQueue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case r := <-q.requestChan:
			q.process(r)
		}
	}
}

func (q *RenderQueue) process(r renderRequest) {
	if r.generation != q.generation.Load() {
		q.count(func(s *RenderStats) { s.Discarded++ })
		return
	}

	frame, err := r.req.Decode()
	if err != nil {
		q.count(func(s *RenderStats) { s.Failed++ })
		if !errors.Is(err, ErrClosed) {
			q.logger.Warn("background decode failed", "region", r.req.Source, "error", err)
		}
		return
	}

	select {
	case <-q.ctx.Done():
		return
	default:
	}

	q.host.Post(func() {
		if r.generation != q.generation.Load() {
			q.count(func(s *RenderStats) { s.Discarded++ })
			return
		}
		q.count(func(s *RenderStats) { s.Decoded++ })
		q.deliver(frame)
	})
}

func (q *RenderQueue) count(f func(*RenderStats)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	f(&q.stats)
}
