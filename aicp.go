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
	"context"
	"errors"
	"fmt"
	"net/netip"
	"sync/atomic"
	"time"
)

const (
	// Maximum number of events per wait.
	defaultMaxEvents = 4096
	// Default capacity of the request block pool.
	defaultMaxRequests = 65536
	// Default capacity of the object block pool.
	defaultMaxObjects = 4096
	// Upper bound of a single wait when no deadline is pending.
	defaultIdleWait = time.Second
)

var (
	// ErrProactorClosed means the proactor is closed or shutting down
	ErrProactorClosed = errors.New("proactor closed")
	// ErrStepBusy means Step was called while another Step is running, or from inside a handler
	ErrStepBusy = errors.New("dispatch step already running")
	// ErrUnknownObject means the identity does not name a registered object
	ErrUnknownObject = errors.New("unknown object")
	// ErrDuplicateHandle means the native handle is already registered
	ErrDuplicateHandle = errors.New("handle already registered")
	// ErrObjectClosing means removal of the object has been requested
	ErrObjectClosing = errors.New("object is closing")
	// ErrUnsupportedOp means the operation does not apply to the object kind
	ErrUnsupportedOp = errors.New("operation not supported on this object")
	// ErrUnsupported means the connection does not expose a file descriptor
	ErrUnsupported = errors.New("unsupported connection type")
	// ErrEmptyBuffer means the buffer is empty
	ErrEmptyBuffer = errors.New("empty buffer")
	// ErrNoWorkers means a worker request was posted on a proactor without workers
	ErrNoWorkers = errors.New("no workers configured")
	// ErrNoResources means the request or object block pool is exhausted
	ErrNoResources = errors.New("out of request blocks")
	// ErrDeadline means the operation exceeded its deadline before completion
	ErrDeadline = errors.New("operation exceeded deadline")
	// ErrCancelled means the operation was cancelled by the user
	ErrCancelled = errors.New("operation cancelled")
	// ErrClosed means the owning object was removed before the operation completed
	ErrClosed = errors.New("object closed")
	// ErrTaskPanic means a task panicked on a worker
	ErrTaskPanic = errors.New("task panicked")
	// ErrCPUID indicates the given cpuid is invalid
	ErrCPUID = errors.New("no such core")
	// ErrNilHandler means Add was called without a completion handler
	ErrNilHandler = errors.New("nil handler")
	// ErrUnknownBackend means the backend name is not recognised or unavailable
	ErrUnknownBackend = errors.New("unknown backend")
)

// FatalError reports a failure of the event source itself. It is never
// attributed to a single request; the driving loop decides whether to shut
// the proactor down.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string { return "aicp: " + e.Op + ": " + e.Err.Error() }
func (e *FatalError) Unwrap() error { return e.Err }

// IsFatal reports whether err is an engine-fatal error.
func IsFatal(err error) bool {
	var fe *FatalError
	return errors.As(err, &fe)
}

// ObjectID identifies a registered object. Identities are small and are
// reused once an object has been fully torn down.
type ObjectID uint32

// RequestID identifies a posted request, unique for the proactor's lifetime.
type RequestID uint64

// Kind is the kind of resource behind an object.
type Kind int

const (
	// KindSocket is a stream socket or pipe, driven by readiness.
	KindSocket Kind = iota
	// KindFile is a regular file, driven by the worker pool.
	KindFile
	// KindTask has no native handle and only runs tasks.
	KindTask
)

func (k Kind) String() string {
	switch k {
	case KindSocket:
		return "socket"
	case KindFile:
		return "file"
	case KindTask:
		return "task"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// OpCode defines the operation type.
type OpCode int

const (
	// OpConnect connects a socket to a remote address
	OpConnect OpCode = iota
	// OpAccept accepts one connection on a listening socket
	OpAccept
	// OpSend writes the whole buffer to a socket
	OpSend
	// OpRecv reads at most len(buffer) bytes from a socket
	OpRecv
	// OpRead reads from a file at an offset
	OpRead
	// OpWrite writes the whole buffer to a file at an offset
	OpWrite
	// OpSendFile copies a file region to a socket
	OpSendFile
	// OpTask runs a function on a worker
	OpTask

	// control entries, never delivered
	opAdd
	opRemove
	opCancel
	opCancelAll
)

var opNames = [...]string{"connect", "accept", "send", "recv", "read", "write", "sendfile", "task", "add", "remove", "cancel", "cancelall"}

func (op OpCode) String() string {
	if op >= 0 && int(op) < len(opNames) {
		return opNames[op]
	}
	return fmt.Sprintf("op(%d)", int(op))
}

func (op OpCode) isControl() bool { return op >= opAdd }

// State is the result state of a request.
type State int32

const (
	StatePending State = iota
	StateOK
	StateTimeout
	StateCancelled
	StateClosed
	StateError
)

var stateNames = [...]string{"pending", "ok", "timeout", "cancelled", "closed", "error"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// RemoveMode selects how outstanding requests are treated by Remove.
type RemoveMode int

const (
	// Graceful lets in-flight requests finish normally.
	Graceful RemoveMode = iota
	// Immediate completes every outstanding request with StateClosed.
	Immediate
)

// TaskFunc is the work executed by a worker. The context is cancelled when
// the request times out, is cancelled, or its object is removed.
type TaskFunc func(ctx context.Context) error

// Result is the result of an async operation.
type Result struct {
	// Owning object
	Object ObjectID
	// Request identity returned by the post call
	Request RequestID
	// Operation Type
	Operation OpCode
	// Final state
	State State
	// User context associated with this request
	Context any
	// Buffer points to the user's supplied buffer
	Buffer []byte
	// Number of bytes transferred, Buffer[:Size] is the content sent or received.
	// Zero unless State is StateOK or StateError.
	Size int
	// File offset for read, write and sendfile
	Offset int64
	// Accepted file descriptor for OpAccept, -1 otherwise
	Accepted int
	// I/O error, ErrDeadline, ErrCancelled or ErrClosed
	Error error
}

// Handler receives completions for one object. It runs on the goroutine
// calling Step and must not block.
type Handler interface {
	OnCompletion(p *Proactor, obj *Object, res *Result)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(p *Proactor, obj *Object, res *Result)

// OnCompletion calls f(p, obj, res).
func (f HandlerFunc) OnCompletion(p *Proactor, obj *Object, res *Result) { f(p, obj, res) }

// claim values decide, exactly once, who produces a request's outcome:
// the backend/worker finishing the operation, or the engine aborting it.
const (
	claimNone int32 = iota
	claimFinished
	claimAborted
)

// where a request currently lives
const (
	inQueue = iota
	inBackend
	inWorker
	inEngine
)

// request contains all information for a single operation
type request struct {
	id   RequestID
	slot int // block index in the request pool, -1 for control entries
	obj  *Object
	op   OpCode
	ctx  any // user context associated with this request

	// parameters, immutable once submitted
	addr     netip.AddrPort
	buffer   []byte
	offset   int64
	count    int64 // sendfile length
	file     int   // sendfile source
	task     TaskFunc
	deadline time.Time
	target   RequestID  // opCancel
	mode     RemoveMode // opRemove

	// outcome, written by whoever wins the claim
	claim    atomic.Int32
	state    State
	size     int
	accepted int
	err      error

	// backend private progress
	progress   int64
	connecting bool
	abortFd    [2]int

	// engine bookkeeping, dispatch goroutine only
	where      int
	held       bool // a backend or worker still references this request
	delivered  bool
	returned   bool // set by a worker before handing the request back
	idx        int  // index in the deadline heap, -1 when absent
	taskCtx    context.Context
	cancelTask context.CancelFunc
}

// finish records the outcome if nobody aborted the request first.
func (r *request) finish(size int, err error) bool {
	if !r.claim.CompareAndSwap(claimNone, claimFinished) {
		return false
	}
	r.size = size
	r.err = err
	if err != nil {
		r.state = StateError
	} else {
		r.state = StateOK
	}
	return true
}

// expired reports whether the deadline is at or before now.
func (r *request) expired(now time.Time) bool {
	return !r.deadline.IsZero() && !r.deadline.After(now)
}

func (r *request) result() Result {
	res := Result{
		Object:    r.obj.id,
		Request:   r.id,
		Operation: r.op,
		State:     r.state,
		Context:   r.ctx,
		Buffer:    r.buffer,
		Offset:    r.offset,
		Accepted:  -1,
		Error:     r.err,
	}
	if r.state == StateOK || r.state == StateError {
		res.Size = r.size
		if r.op == OpAccept && r.state == StateOK {
			res.Accepted = r.accepted
		}
	}
	return res
}

// Progress reports what one dispatch step did.
type Progress struct {
	// Number of completions delivered to handlers.
	Delivered int
	// No object is registered and nothing is queued.
	Idle bool
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Objects   int
	Queued    int
	InFlight  int64
	Delivered uint64
}
