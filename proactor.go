// The MIT License (MIT)
//
// Copyright (c) 2019 xtaci
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package aicp

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/xtaci/aicp/internal/fixedpool"
)

// Proactor registers I/O objects, accepts requests from any goroutine and
// delivers their completions from Step.
type Proactor struct {
	cfg     config
	log     zerolog.Logger
	be      backend
	queue   *requestQueue
	reg     *registry
	reqs    *fixedpool.Pool[request]
	workers *workerPool

	nextID    atomic.Uint64
	inflightN atomic.Int64
	delivered atomic.Uint64
	closed    atomic.Bool

	stepMu    sync.Mutex // held for the whole dispatch step
	closeOnce sync.Once
	closeErr  error

	// owned by the goroutine holding stepMu
	shut     bool
	now      time.Time // clock sample of the running step
	drained  []*request
	local    []*request // completions produced by the engine itself
	ready    []*request // completions returned by the backend or workers
	timers   timedHeap
	inflight map[RequestID]*request
	closing  []*Object
}

// New creates a proactor with a fixed number of workers for tasks and file
// operations. workers may be zero, in which case RunTask, Read and Write on
// files are rejected with ErrNoWorkers.
func New(workers int, opts ...Option) (*Proactor, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if workers < 0 {
		workers = 0
	}

	be, err := newBackend(cfg.backend, cfg.maxEvents)
	if err != nil {
		return nil, err
	}

	p := &Proactor{
		cfg:      cfg,
		log:      cfg.log,
		be:       be,
		reg:      newRegistry(cfg.maxObjects),
		reqs:     fixedpool.New[request](cfg.maxRequests),
		inflight: make(map[RequestID]*request),
	}
	p.queue = newRequestQueue(be.wake)
	if workers > 0 {
		p.workers = newWorkerPool(workers, cfg.cpus, p.queue.pushResult, p.log)
	}
	p.log.Debug().Str("backend", be.kind().String()).Int("workers", workers).Msg("proactor started")
	return p, nil
}

// Backend returns the event source in use.
func (p *Proactor) Backend() BackendKind { return p.be.kind() }

// Len returns the number of registered objects, including those still
// closing.
func (p *Proactor) Len() int { return p.reg.len() }

// Stats returns a snapshot of the engine counters.
func (p *Proactor) Stats() Stats {
	return Stats{
		Objects:   p.reg.len(),
		Queued:    p.queue.len(),
		InFlight:  p.inflightN.Load(),
		Delivered: p.delivered.Load(),
	}
}

// Step runs one dispatch step: drain queued requests, expire deadlines,
// wait for readiness for at most timeout (negative means the configured idle
// bound), then deliver completions. It returns ErrStepBusy when another
// Step is running or when called from a handler, and a *FatalError when the
// event source itself fails.
func (p *Proactor) Step(timeout time.Duration) (Progress, error) {
	if !p.stepMu.TryLock() {
		return Progress{}, ErrStepBusy
	}
	defer p.stepMu.Unlock()
	if p.shut {
		return Progress{Idle: true}, ErrProactorClosed
	}
	return p.step(timeout)
}

// Run steps until ctx is done, Step fails, or the proactor becomes idle.
func (p *Proactor) Run(ctx context.Context, timeout time.Duration) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		prog, err := p.Step(timeout)
		if err != nil {
			return err
		}
		if prog.Idle {
			return nil
		}
	}
}

func (p *Proactor) step(timeout time.Duration) (Progress, error) {
	// one clock sample per step
	p.now = time.Now()
	now := p.now

	// 1. drain
	p.drained = p.queue.drain(p.drained[:0])
	for i, r := range p.drained {
		p.drained[i] = nil
		p.dispatch(r)
	}

	// 2. deadlines
	for len(p.timers) > 0 && !p.timers[0].deadline.After(now) {
		r := heap.Pop(&p.timers).(*request)
		p.abort(r, StateTimeout, ErrDeadline)
	}

	// 3. wait
	wait := timeout
	if wait < 0 {
		wait = p.cfg.idleWait
	}
	if len(p.local) > 0 || len(p.ready) > 0 || p.queue.len() > 0 {
		wait = 0
	} else if len(p.timers) > 0 {
		if d := p.timers[0].deadline.Sub(now); d < wait {
			wait = d
		}
	}
	var err error
	p.ready, err = p.be.wait(wait, p.ready)
	if err != nil {
		p.log.Error().Err(err).Msg("event source failed")
		return Progress{}, err
	}

	// 4. deliver
	var prog Progress
	for i, r := range p.local {
		p.local[i] = nil
		if p.deliver(r) {
			prog.Delivered++
		}
	}
	p.local = p.local[:0]
	for i, r := range p.ready {
		p.ready[i] = nil
		if p.collect(r) {
			prog.Delivered++
		}
	}
	p.ready = p.ready[:0]

	// 5. close objects that have drained
	p.reap()

	prog.Idle = p.reg.len() == 0 && p.queue.len() == 0
	return prog, nil
}

// dispatch applies one drained queue entry.
func (p *Proactor) dispatch(r *request) {
	if r.returned {
		r.returned = false
		p.ready = append(p.ready, r)
		return
	}

	obj := r.obj
	switch r.op {
	case opAdd:
		p.log.Debug().Uint32("object", uint32(obj.id)).Int("fd", obj.fd).Str("kind", obj.kind.String()).Msg("object added")
	case opRemove:
		p.remove(obj, r.mode)
	case opCancel:
		if t, ok := p.inflight[r.target]; ok && t.obj == obj {
			p.abort(t, StateCancelled, ErrCancelled)
		}
	case opCancelAll:
		for _, t := range obj.requests {
			p.abort(t, StateCancelled, ErrCancelled)
		}
	default:
		p.start(r)
	}
}

// start accounts a posted request and hands it to the backend or a worker.
func (p *Proactor) start(r *request) {
	obj := r.obj
	obj.outstanding++
	obj.requests.PushBack(r)
	p.inflight[r.id] = r
	p.inflightN.Add(1)
	r.where = inEngine

	// posted before an immediate removal that is queued behind it
	if obj.aborting || (obj.closing.Load() && obj.immediate.Load()) {
		p.abort(r, StateClosed, ErrClosed)
		return
	}
	if r.expired(p.now) {
		p.abort(r, StateTimeout, ErrDeadline)
		return
	}
	if !r.deadline.IsZero() {
		heap.Push(&p.timers, r)
	}

	if r.op == OpTask || obj.kind == KindFile {
		if r.op == OpTask {
			if r.deadline.IsZero() {
				r.taskCtx, r.cancelTask = context.WithCancel(context.Background())
			} else {
				r.taskCtx, r.cancelTask = context.WithDeadline(context.Background(), r.deadline)
			}
		}
		r.where = inWorker
		r.held = true
		obj.held++
		if !p.workers.submit(r) {
			r.held = false
			obj.held--
			r.where = inEngine
			p.abort(r, StateClosed, ErrProactorClosed)
		}
		return
	}

	r.where = inBackend
	r.held = true
	obj.held++
	p.be.submit(r)
}

// abort completes r with st unless its operation already finished. It
// reports whether the engine won the race.
func (p *Proactor) abort(r *request, st State, err error) bool {
	if !r.claim.CompareAndSwap(claimNone, claimAborted) {
		return false
	}
	r.state = st
	r.err = err
	switch r.where {
	case inBackend:
		if p.be.cancel(r) {
			r.held = false
			r.obj.held--
		}
	case inWorker:
		if r.cancelTask != nil {
			r.cancelTask()
		}
	}
	if r.idx >= 0 {
		heap.Remove(&p.timers, r.idx)
	}
	p.local = append(p.local, r)
	return true
}

// collect takes back a request from the backend or a worker.
func (p *Proactor) collect(r *request) bool {
	if r.held {
		r.held = false
		r.obj.held--
	}
	if r.delivered {
		// aborted earlier, the late result is dropped
		p.free(r)
		return false
	}
	return p.deliver(r)
}

// deliver invokes the handler for r exactly once.
func (p *Proactor) deliver(r *request) bool {
	if r.delivered {
		return false
	}
	r.delivered = true
	if r.idx >= 0 {
		heap.Remove(&p.timers, r.idx)
	}
	if r.cancelTask != nil {
		r.cancelTask()
	}

	obj := r.obj
	obj.requests.Remove(r)
	delete(p.inflight, r.id)
	obj.outstanding--
	p.inflightN.Add(-1)

	if r.state == StateOK && obj.State() == ObjectOpening {
		obj.setState(ObjectActive)
	}
	if obj.State() != ObjectClosed {
		res := r.result()
		obj.handler.OnCompletion(p, obj, &res)
		p.delivered.Add(1)
	}

	if !r.held {
		p.free(r)
	}
	return true
}

func (p *Proactor) free(r *request) {
	if r.slot >= 0 {
		p.reqs.Release(r.slot)
	}
}

func (p *Proactor) remove(obj *Object, mode RemoveMode) {
	if obj.State() == ObjectClosed {
		return
	}
	if obj.State() != ObjectClosing {
		obj.setState(ObjectClosing)
		p.closing = append(p.closing, obj)
		p.log.Debug().Uint32("object", uint32(obj.id)).Int("outstanding", obj.outstanding).Msg("object closing")
	}
	if mode == Immediate {
		obj.aborting = true
		for _, r := range obj.requests {
			p.abort(r, StateClosed, ErrClosed)
		}
	}
}

// reap moves drained objects to closed and releases their handles once no
// backend or worker references them.
func (p *Proactor) reap() {
	kept := p.closing[:0]
	for _, obj := range p.closing {
		if obj.outstanding == 0 && obj.State() != ObjectClosed {
			obj.setState(ObjectClosed)
			p.log.Debug().Uint32("object", uint32(obj.id)).Msg("object closed")
		}
		if obj.State() == ObjectClosed && obj.held == 0 {
			p.release(obj)
			continue
		}
		kept = append(kept, obj)
	}
	for i := len(kept); i < len(p.closing); i++ {
		p.closing[i] = nil
	}
	p.closing = kept
}

func (p *Proactor) release(obj *Object) {
	if obj.fd >= 0 {
		p.be.detach(obj.fd)
		if err := closeHandle(obj.fd); err != nil {
			p.log.Warn().Err(err).Int("fd", obj.fd).Msg("close handle")
		}
	}
	// posts read the block under the queue lock
	p.queue.locked(func() { p.reg.release(obj) })
}

// Close completes every outstanding request with StateClosed, removes every
// object, stops the workers and releases the event source. It waits for a
// running Step to return and must not be called from a handler. Tasks that
// ignore their context delay Close until they return.
func (p *Proactor) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.shutdown()
	})
	return p.closeErr
}

func (p *Proactor) shutdown() error {
	p.closed.Store(true)
	p.queue.close(p.reg.close)
	_ = p.be.wake()

	p.stepMu.Lock()
	defer p.stepMu.Unlock()

	p.now = time.Now()
	// nobody can admit a request anymore
	p.reg.each(func(obj *Object) {
		obj.immediate.Store(true)
		obj.closing.Store(true)
	})
	p.drained = p.queue.drain(p.drained[:0])
	for i, r := range p.drained {
		p.drained[i] = nil
		p.dispatch(r)
	}
	p.reg.each(func(obj *Object) {
		p.remove(obj, Immediate)
	})
	if p.workers != nil {
		p.workers.stop()
	}

	var err error
	for len(p.closing) > 0 || len(p.local) > 0 || len(p.ready) > 0 || p.queue.len() > 0 {
		for i, r := range p.local {
			p.local[i] = nil
			p.deliver(r)
		}
		p.local = p.local[:0]

		p.drained = p.queue.drain(p.drained[:0])
		for i, r := range p.drained {
			p.drained[i] = nil
			p.dispatch(r)
		}
		for i, r := range p.ready {
			p.ready[i] = nil
			p.collect(r)
		}
		p.ready = p.ready[:0]
		p.reap()

		if len(p.closing) > 0 && len(p.local) == 0 && p.queue.len() == 0 {
			p.ready, err = p.be.wait(10*time.Millisecond, p.ready)
			if err != nil {
				p.log.Error().Err(err).Msg("event source failed during close")
				break
			}
		}
	}

	for i, r := range p.local {
		p.local[i] = nil
		p.deliver(r)
	}
	p.local = p.local[:0]

	if cerr := p.be.close(); err == nil {
		err = cerr
	}

	// only left over when the event source failed above
	for _, obj := range p.closing {
		if obj.fd >= 0 {
			closeHandle(obj.fd)
		}
	}
	p.closing = nil
	var objects int
	p.queue.locked(func() { objects = p.reg.clear() })
	if objects > 0 {
		p.log.Warn().Int("objects", objects).Msg("objects dropped at close")
	}
	p.shut = true
	p.log.Debug().Uint64("delivered", p.delivered.Load()).Msg("proactor closed")
	return err
}
