package aicp

import (
	"net/netip"
	"os"
	"syscall"
	"time"
)

// Add registers a native handle with the proactor. The handle must already
// be in non-blocking mode for KindSocket; on success the proactor owns it
// and closes it when the object reaches ObjectClosed. KindTask objects
// carry no handle and fd is ignored.
func (p *Proactor) Add(fd int, kind Kind, h Handler, ctx any) (ObjectID, error) {
	if h == nil {
		return 0, ErrNilHandler
	}
	if kind == KindTask {
		fd = -1
	} else if fd < 0 {
		return 0, syscall.EBADF
	}

	// reserving under the queue lock keeps registration atomic with
	// respect to Close
	var id ObjectID
	r := &request{slot: -1, op: opAdd, idx: -1}
	err := p.queue.push(r, func() error {
		obj, err := p.reg.reserve(fd, kind, h, ctx, p)
		if err != nil {
			return err
		}
		r.obj = obj
		id = obj.id
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// AddConn registers a duplicate of conn's descriptor as a socket. conn
// itself stays owned by the caller and may be closed right away.
func (p *Proactor) AddConn(conn syscall.Conn, h Handler, ctx any) (ObjectID, error) {
	fd, err := dupconn(conn)
	if err != nil {
		return 0, err
	}
	id, err := p.Add(fd, KindSocket, h, ctx)
	if err != nil {
		closeHandle(fd)
		return 0, err
	}
	return id, nil
}

// AddFile registers a duplicate of f's descriptor as a file. Reads and
// writes on it run on the worker pool.
func (p *Proactor) AddFile(f *os.File, h Handler, ctx any) (ObjectID, error) {
	fd, err := dupfile(f)
	if err != nil {
		return 0, err
	}
	id, err := p.Add(fd, KindFile, h, ctx)
	if err != nil {
		closeHandle(fd)
		return 0, err
	}
	return id, nil
}

// AddTask registers an object without a native handle, used only to run
// tasks.
func (p *Proactor) AddTask(h Handler, ctx any) (ObjectID, error) {
	return p.Add(-1, KindTask, h, ctx)
}

// Remove asks the proactor to close the object. Graceful lets in-flight
// requests finish normally, Immediate completes them with StateClosed. Posts
// on the object fail with ErrObjectClosing from the moment Remove returns. A
// graceful removal may be escalated to immediate by a second call.
func (p *Proactor) Remove(id ObjectID, mode RemoveMode) error {
	obj := p.reg.lookup(id)
	if obj == nil {
		return ErrUnknownObject
	}
	r := &request{slot: -1, obj: obj, op: opRemove, mode: mode, idx: -1}
	return p.queue.push(r, func() error {
		if obj.id != id {
			return ErrUnknownObject
		}
		if obj.closing.Load() && (obj.immediate.Load() || mode == Graceful) {
			return ErrObjectClosing
		}
		if mode == Immediate {
			obj.immediate.Store(true)
		}
		obj.closing.Store(true)
		return nil
	})
}

// Cancel completes the request with StateCancelled unless it already
// finished. Cancelling an unknown or finished request is not an error.
func (p *Proactor) Cancel(id ObjectID, req RequestID) error {
	return p.control(id, opCancel, req)
}

// CancelAll cancels every in-flight request of the object.
func (p *Proactor) CancelAll(id ObjectID) error {
	return p.control(id, opCancelAll, 0)
}

func (p *Proactor) control(id ObjectID, op OpCode, target RequestID) error {
	obj := p.reg.lookup(id)
	if obj == nil {
		return ErrUnknownObject
	}
	r := &request{slot: -1, obj: obj, op: op, target: target, idx: -1}
	return p.queue.push(r, func() error {
		if obj.id != id {
			return ErrUnknownObject
		}
		return nil
	})
}

// Connect starts a connection to addr on a socket object.
func (p *Proactor) Connect(id ObjectID, ctx any, addr netip.AddrPort, deadline time.Time) (RequestID, error) {
	if !addr.IsValid() {
		return 0, syscall.EINVAL
	}
	return p.post(id, OpConnect, deadline, func(r *request) {
		r.ctx = ctx
		r.addr = addr
	})
}

// Accept accepts one connection on a listening socket. The new descriptor
// is reported in Result.Accepted, non-blocking and close-on-exec, and is
// owned by the handler.
func (p *Proactor) Accept(id ObjectID, ctx any, deadline time.Time) (RequestID, error) {
	return p.post(id, OpAccept, deadline, func(r *request) {
		r.ctx = ctx
	})
}

// Send writes the whole of buf to a socket. buf must not be modified until
// the completion is delivered.
func (p *Proactor) Send(id ObjectID, ctx any, buf []byte, deadline time.Time) (RequestID, error) {
	if len(buf) == 0 {
		return 0, ErrEmptyBuffer
	}
	return p.post(id, OpSend, deadline, func(r *request) {
		r.ctx = ctx
		r.buffer = buf
	})
}

// Recv reads at most len(buf) bytes from a socket. End of stream completes
// with io.EOF.
func (p *Proactor) Recv(id ObjectID, ctx any, buf []byte, deadline time.Time) (RequestID, error) {
	if len(buf) == 0 {
		return 0, ErrEmptyBuffer
	}
	return p.post(id, OpRecv, deadline, func(r *request) {
		r.ctx = ctx
		r.buffer = buf
	})
}

// Read reads into buf at offset. On a file it runs on a worker, on a
// socket the offset is ignored and it behaves like Recv.
func (p *Proactor) Read(id ObjectID, ctx any, buf []byte, offset int64, deadline time.Time) (RequestID, error) {
	if len(buf) == 0 {
		return 0, ErrEmptyBuffer
	}
	return p.post(id, OpRead, deadline, func(r *request) {
		r.ctx = ctx
		r.buffer = buf
		r.offset = offset
	})
}

// Write writes the whole of buf at offset. On a file it runs on a worker,
// on a socket the offset is ignored and it behaves like Send.
func (p *Proactor) Write(id ObjectID, ctx any, buf []byte, offset int64, deadline time.Time) (RequestID, error) {
	if len(buf) == 0 {
		return 0, ErrEmptyBuffer
	}
	return p.post(id, OpWrite, deadline, func(r *request) {
		r.ctx = ctx
		r.buffer = buf
		r.offset = offset
	})
}

// SendFile copies count bytes of the file descriptor file, starting at
// offset, to a socket. file stays owned by the caller.
func (p *Proactor) SendFile(id ObjectID, ctx any, file int, offset, count int64, deadline time.Time) (RequestID, error) {
	if count <= 0 {
		return 0, ErrEmptyBuffer
	}
	if file < 0 {
		return 0, syscall.EBADF
	}
	return p.post(id, OpSendFile, deadline, func(r *request) {
		r.ctx = ctx
		r.file = file
		r.offset = offset
		r.count = count
	})
}

// RunTask runs fn on a worker. The context passed to fn is cancelled when
// the request times out, is cancelled, or its object is removed
// immediately; fn's error is reported in Result.Error.
func (p *Proactor) RunTask(id ObjectID, ctx any, fn TaskFunc, deadline time.Time) (RequestID, error) {
	if fn == nil {
		return 0, ErrUnsupportedOp
	}
	if p.workers == nil {
		return 0, ErrNoWorkers
	}
	return p.post(id, OpTask, deadline, func(r *request) {
		r.ctx = ctx
		r.task = fn
	})
}

// post allocates a request block, fills it and queues it on object id.
func (p *Proactor) post(id ObjectID, op OpCode, deadline time.Time, fill func(r *request)) (RequestID, error) {
	if p.closed.Load() {
		return 0, ErrProactorClosed
	}
	obj := p.reg.lookup(id)
	if obj == nil {
		return 0, ErrUnknownObject
	}

	r, slot, ok := p.reqs.Acquire()
	if !ok {
		return 0, ErrNoResources
	}
	r.slot = slot
	r.id = RequestID(p.nextID.Add(1))
	r.obj = obj
	r.op = op
	r.deadline = deadline
	r.idx = -1
	r.accepted = -1
	r.file = -1
	fill(r)

	err := p.queue.push(r, func() error {
		if obj.id != id {
			return ErrUnknownObject
		}
		if obj.closing.Load() {
			return ErrObjectClosing
		}
		return p.admissible(obj.kind, op)
	})
	if err != nil {
		p.reqs.Release(slot)
		return 0, err
	}
	return r.id, nil
}

// admissible reports whether op can run on an object of kind k.
func (p *Proactor) admissible(k Kind, op OpCode) error {
	switch op {
	case OpTask:
		return nil
	case OpRead, OpWrite:
		switch k {
		case KindSocket:
			return nil
		case KindFile:
			if p.workers == nil {
				return ErrNoWorkers
			}
			return nil
		}
	default:
		if k == KindSocket {
			return nil
		}
	}
	return ErrUnsupportedOp
}
