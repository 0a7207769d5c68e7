package aicp

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/xtaci/aicp/internal/fixedpool"
)

// ObjectState is the lifecycle state of an object.
type ObjectState int32

const (
	// ObjectOpening covers registration until the first successful operation.
	ObjectOpening ObjectState = iota
	// ObjectActive is the steady state.
	ObjectActive
	// ObjectClosing means removal was requested with requests outstanding.
	ObjectClosing
	// ObjectClosed is terminal; no callback is invoked afterwards.
	ObjectClosed
)

func (s ObjectState) String() string {
	switch s {
	case ObjectOpening:
		return "opening"
	case ObjectActive:
		return "active"
	case ObjectClosing:
		return "closing"
	case ObjectClosed:
		return "closed"
	}
	return fmt.Sprintf("objectstate(%d)", int32(s))
}

// Object is a resource registered with a Proactor.
type Object struct {
	id      ObjectID
	fd      int
	kind    Kind
	handler Handler
	ctx     any
	owner   *Proactor

	state     atomic.Int32
	closing   atomic.Bool // removal requested, set under the queue lock
	immediate atomic.Bool // removal is immediate, stored before closing

	// dispatch goroutine only
	aborting    bool // removed immediately
	outstanding int
	held        int // requests a backend or worker still references
	requests    reqList
}

// ID returns the object's identity.
func (o *Object) ID() ObjectID { return o.id }

// Fd returns the native handle owned by the object, -1 for task objects.
func (o *Object) Fd() int { return o.fd }

// Kind returns the kind of the object.
func (o *Object) Kind() Kind { return o.kind }

// Context returns the user context given to Add.
func (o *Object) Context() any { return o.ctx }

// Proactor returns the proactor the object is registered on.
func (o *Object) Proactor() *Proactor { return o.owner }

// State returns the current lifecycle state.
func (o *Object) State() ObjectState { return ObjectState(o.state.Load()) }

// Outstanding returns the number of requests not yet delivered. Only
// meaningful on the goroutine running Step, e.g. inside a handler.
func (o *Object) Outstanding() int { return o.outstanding }

func (o *Object) setState(s ObjectState) { o.state.Store(int32(s)) }

// registry owns object blocks. Identities and handle claims are taken under
// mu so Add can answer synchronously; everything else about an object is
// written by the dispatch goroutine only.
type registry struct {
	mu       sync.RWMutex
	blocks   *fixedpool.Pool[Object]
	handles  map[int]ObjectID
	shutdown bool
}

func newRegistry(capacity int) *registry {
	return &registry{
		blocks:  fixedpool.New[Object](capacity),
		handles: make(map[int]ObjectID),
	}
}

// reserve allocates an identity for fd. fd < 0 is never treated as a
// duplicate.
func (reg *registry) reserve(fd int, kind Kind, h Handler, ctx any, owner *Proactor) (*Object, error) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if reg.shutdown {
		return nil, ErrProactorClosed
	}
	if fd >= 0 {
		if _, ok := reg.handles[fd]; ok {
			return nil, ErrDuplicateHandle
		}
	}
	obj, idx, ok := reg.blocks.Acquire()
	if !ok {
		return nil, ErrNoResources
	}
	obj.id = ObjectID(idx + 1)
	obj.fd = fd
	obj.kind = kind
	obj.handler = h
	obj.ctx = ctx
	obj.owner = owner
	obj.setState(ObjectOpening)
	if fd >= 0 {
		reg.handles[fd] = obj.id
	}
	return obj, nil
}

func (reg *registry) lookup(id ObjectID) *Object {
	if id == 0 {
		return nil
	}
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	return reg.blocks.Get(int(id) - 1)
}

// release frees the identity and the handle claim.
func (reg *registry) release(obj *Object) {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if obj.fd >= 0 && reg.handles[obj.fd] == obj.id {
		delete(reg.handles, obj.fd)
	}
	reg.blocks.Release(int(obj.id) - 1)
}

// close refuses further reservations.
func (reg *registry) close() {
	reg.mu.Lock()
	reg.shutdown = true
	reg.mu.Unlock()
}

// clear drops every object still registered and reports how many there
// were. Callers must make sure no object is referenced anymore.
func (reg *registry) clear() int {
	reg.mu.Lock()
	defer reg.mu.Unlock()
	clear(reg.handles)
	return reg.blocks.Clear()
}

func (reg *registry) len() int {
	return reg.blocks.Len()
}

// each calls fn for every registered object. fn must not reserve or release.
func (reg *registry) each(fn func(obj *Object)) {
	reg.mu.RLock()
	var objs []*Object
	reg.blocks.Walk(func(_ int, obj *Object) bool {
		objs = append(objs, obj)
		return true
	})
	reg.mu.RUnlock()
	for _, obj := range objs {
		fn(obj)
	}
}
