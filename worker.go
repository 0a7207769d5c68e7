package aicp

import (
	"context"
	"fmt"
	"sync"

	"github.com/eapache/queue"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// workerPool runs task and file requests off the dispatch goroutine. Each
// worker executes one request at a time and hands it back through the
// request queue, so completions are delivered by Step like any other.
type workerPool struct {
	mu     sync.Mutex
	cond   *sync.Cond
	tasks  *queue.Queue
	closed bool

	eg      errgroup.Group
	n       int
	cpus    []int
	results func(r *request)
	log     zerolog.Logger
}

func newWorkerPool(n int, cpus []int, results func(r *request), log zerolog.Logger) *workerPool {
	wp := &workerPool{
		tasks:   queue.New(),
		n:       n,
		cpus:    cpus,
		results: results,
		log:     log,
	}
	wp.cond = sync.NewCond(&wp.mu)
	for i := 0; i < n; i++ {
		id := i
		wp.eg.Go(func() error { return wp.worker(id) })
	}
	return wp
}

// submit queues r for the next idle worker.
func (wp *workerPool) submit(r *request) bool {
	wp.mu.Lock()
	defer wp.mu.Unlock()
	if wp.closed || wp.n == 0 {
		return false
	}
	wp.tasks.Add(r)
	wp.cond.Signal()
	return true
}

func (wp *workerPool) worker(id int) error {
	if len(wp.cpus) > 0 {
		cpu := wp.cpus[id%len(wp.cpus)]
		if err := setAffinity(cpu); err != nil {
			wp.log.Warn().Err(err).Int("worker", id).Int("cpu", cpu).Msg("set affinity")
		}
	}

	for {
		wp.mu.Lock()
		for wp.tasks.Length() == 0 && !wp.closed {
			wp.cond.Wait()
		}
		if wp.tasks.Length() == 0 {
			wp.mu.Unlock()
			return nil
		}
		r := wp.tasks.Remove().(*request)
		wp.mu.Unlock()

		wp.execute(id, r)
	}
}

func (wp *workerPool) execute(id int, r *request) {
	// aborted while queued, nothing to run
	if r.claim.Load() == claimNone {
		size, err := wp.safeRun(id, r)
		if !r.finish(size, err) {
			wp.log.Debug().Uint64("request", uint64(r.id)).Msg("late task result discarded")
		}
	}
	r.returned = true
	wp.results(r)
}

// safeRun keeps a faulting task from taking the worker down.
func (wp *workerPool) safeRun(id int, r *request) (size int, err error) {
	defer func() {
		if v := recover(); v != nil {
			wp.log.Error().Int("worker", id).Uint64("request", uint64(r.id)).Interface("panic", v).Msg("task panicked")
			size, err = 0, fmt.Errorf("%w: %v", ErrTaskPanic, v)
		}
	}()

	if r.op == OpTask {
		ctx := r.taskCtx
		if ctx == nil {
			ctx = context.Background()
		}
		return 0, r.task(ctx)
	}
	return fileIO(r)
}

// stop lets the workers finish what is queued and waits for them.
func (wp *workerPool) stop() {
	wp.mu.Lock()
	wp.closed = true
	wp.cond.Broadcast()
	wp.mu.Unlock()
	_ = wp.eg.Wait()
}
