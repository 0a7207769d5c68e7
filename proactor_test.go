//go:build unix

package aicp

import (
	"context"
	"errors"
	"io"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"
)

// recorder collects every completion; handlers run on the stepping
// goroutine, which is the test goroutine here.
type recorder struct {
	results []Result
}

func (rec *recorder) OnCompletion(p *Proactor, obj *Object, res *Result) {
	rec.results = append(rec.results, *res)
}

func (rec *recorder) count() int { return len(rec.results) }

// socketPair returns a non-blocking end for the proactor and a blocking
// peer owned by the test.
func socketPair(t testing.TB) (int, int) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))
	t.Cleanup(func() { unix.Close(fds[1]) })
	return fds[0], fds[1]
}

func TestConnectRefused(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kind BackendKind) {
		p := newTestProactor(t, kind, 0)
		rec := new(recorder)

		fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM, 0)
		require.NoError(t, err)
		require.NoError(t, unix.SetNonblock(fd, true))
		id, err := p.Add(fd, KindSocket, rec, nil)
		require.NoError(t, err)

		_, err = p.Connect(id, "discard", netip.MustParseAddrPort("127.0.0.1:9"), time.Now().Add(2*time.Second))
		require.NoError(t, err)
		stepUntil(t, p, func() bool { return rec.count() == 1 })

		res := rec.results[0]
		require.Equal(t, OpConnect, res.Operation)
		require.Equal(t, "discard", res.Context)
		if res.State != StateOK {
			require.Equal(t, StateError, res.State)
			require.ErrorIs(t, res.Error, unix.ECONNREFUSED)
		}
	})
}

func TestRemoveImmediateBeforeStep(t *testing.T) {
	posts := map[string]func(p *Proactor, id ObjectID) error{
		// can never complete on its own
		"recv": func(p *Proactor, id ObjectID) error {
			_, err := p.Recv(id, nil, make([]byte, 16), time.Time{})
			return err
		},
		// would complete on the first attempt
		"send": func(p *Proactor, id ObjectID) error {
			_, err := p.Send(id, nil, []byte("hello"), time.Time{})
			return err
		},
	}
	forEachBackend(t, func(t *testing.T, kind BackendKind) {
		for name, post := range posts {
			t.Run(name, func(t *testing.T) {
				p := newTestProactor(t, kind, 0)
				rec := new(recorder)
				fd, peer := socketPair(t)

				id, err := p.Add(fd, KindSocket, rec, nil)
				require.NoError(t, err)
				require.NoError(t, post(p, id))
				require.NoError(t, p.Remove(id, Immediate))

				stepUntil(t, p, func() bool { return rec.count() == 1 })
				require.Equal(t, StateClosed, rec.results[0].State)
				require.ErrorIs(t, rec.results[0].Error, ErrClosed)
				require.Zero(t, rec.results[0].Size)

				stepUntil(t, p, func() bool { return p.Stats().Objects == 0 })
				prog, err := p.Step(0)
				require.NoError(t, err)
				require.True(t, prog.Idle)
				require.Equal(t, 1, rec.count())

				// nothing reached the peer
				require.NoError(t, unix.SetNonblock(peer, true))
				// the end is closed by now, so a read sees EOF rather than data
				n, err := unix.Read(peer, make([]byte, 16))
				if err == nil {
					require.Zero(t, n, "data was sent after an immediate removal")
				}
			})
		}
	})
}

func TestExpiredDeadline(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kind BackendKind) {
		p := newTestProactor(t, kind, 0)
		rec := new(recorder)
		fd, peer := socketPair(t)
		id, err := p.Add(fd, KindSocket, rec, nil)
		require.NoError(t, err)

		// both operations could complete at once
		_, err = unix.Write(peer, []byte("ping"))
		require.NoError(t, err)
		past := time.Now().Add(-time.Second)
		_, err = p.Send(id, "send", []byte("hello"), past)
		require.NoError(t, err)
		_, err = p.Recv(id, "recv", make([]byte, 16), past)
		require.NoError(t, err)

		stepUntil(t, p, func() bool { return rec.count() == 2 })
		for _, res := range rec.results {
			require.Equal(t, StateTimeout, res.State, res.Context)
			require.ErrorIs(t, res.Error, ErrDeadline)
			require.Zero(t, res.Size)
		}

		// no I/O was attempted
		require.NoError(t, unix.SetNonblock(peer, true))
		_, err = unix.Read(peer, make([]byte, 16))
		require.ErrorIs(t, err, unix.EAGAIN)
		_, err = p.Recv(id, nil, make([]byte, 16), time.Time{})
		require.NoError(t, err)
		stepUntil(t, p, func() bool { return rec.count() == 3 })
		require.Equal(t, StateOK, rec.results[2].State)
		require.Equal(t, "ping", string(rec.results[2].Buffer[:rec.results[2].Size]))
	})
}

func TestConcurrentPosts(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kind BackendKind) {
		p := newTestProactor(t, kind, 0)
		rec := new(recorder)

		ids := make([]ObjectID, 4)
		for i := range ids {
			fd, _ := socketPair(t)
			id, err := p.Add(fd, KindSocket, rec, nil)
			require.NoError(t, err)
			ids[i] = id
		}

		var eg errgroup.Group
		for _, id := range ids {
			id := id
			eg.Go(func() error {
				for i := 0; i < 25; i++ {
					if _, err := p.Send(id, i, []byte("0123456789abcdef"), time.Time{}); err != nil {
						return err
					}
				}
				return nil
			})
		}

		stepUntil(t, p, func() bool { return rec.count() >= 100 })
		require.NoError(t, eg.Wait())
		for i := 0; i < 5; i++ {
			_, err := p.Step(10 * time.Millisecond)
			require.NoError(t, err)
		}
		require.Equal(t, 100, rec.count())

		seen := make(map[RequestID]bool)
		next := make(map[ObjectID]int)
		for _, res := range rec.results {
			require.Equal(t, StateOK, res.State)
			require.Equal(t, 16, res.Size)
			require.False(t, seen[res.Request])
			seen[res.Request] = true
			// the readiness backend completes one object's sends in order
			if kind != BackendCompletion {
				require.Equal(t, next[res.Object], res.Context)
				next[res.Object]++
			}
		}
		require.Zero(t, p.Stats().InFlight)

		for _, id := range ids {
			require.NoError(t, p.Remove(id, Graceful))
		}
		stepUntil(t, p, func() bool { return p.Len() == 0 })
		prog, err := p.Step(0)
		require.NoError(t, err)
		require.True(t, prog.Idle)
		require.Equal(t, 100, rec.count())
	})
}

func TestTaskDeadline(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kind BackendKind) {
		p := newTestProactor(t, kind, 2)
		rec := new(recorder)
		id, err := p.AddTask(rec, nil)
		require.NoError(t, err)

		var finished atomic.Bool
		start := time.Now()
		_, err = p.RunTask(id, nil, func(context.Context) error {
			time.Sleep(200 * time.Millisecond)
			finished.Store(true)
			return nil
		}, start.Add(50*time.Millisecond))
		require.NoError(t, err)

		stepUntil(t, p, func() bool { return rec.count() == 1 })
		elapsed := time.Since(start)
		require.Equal(t, StateTimeout, rec.results[0].State)
		require.ErrorIs(t, rec.results[0].Error, ErrDeadline)
		require.GreaterOrEqual(t, elapsed, 50*time.Millisecond)
		require.Less(t, elapsed, 190*time.Millisecond)

		// the late result is dropped
		stepUntil(t, p, finished.Load)
		for i := 0; i < 10; i++ {
			_, err := p.Step(10 * time.Millisecond)
			require.NoError(t, err)
		}
		require.Equal(t, 1, rec.count())
	})
}

func TestTaskContextCancelled(t *testing.T) {
	p := newTestProactor(t, BackendAuto, 1)
	rec := new(recorder)
	id, err := p.AddTask(rec, nil)
	require.NoError(t, err)

	started := make(chan struct{})
	var cause atomic.Value
	req, err := p.RunTask(id, nil, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		cause.Store(ctx.Err())
		return ctx.Err()
	}, time.Time{})
	require.NoError(t, err)

	stepUntil(t, p, func() bool {
		select {
		case <-started:
			return true
		default:
			return false
		}
	})
	require.NoError(t, p.Cancel(id, req))
	stepUntil(t, p, func() bool { return rec.count() == 1 && cause.Load() != nil })
	require.Equal(t, StateCancelled, rec.results[0].State)
	require.ErrorIs(t, rec.results[0].Error, ErrCancelled)
	require.ErrorIs(t, cause.Load().(error), context.Canceled)
}

func TestTaskResult(t *testing.T) {
	p := newTestProactor(t, BackendAuto, 2)
	rec := new(recorder)
	id, err := p.AddTask(rec, nil)
	require.NoError(t, err)

	errBoom := errors.New("boom")
	_, err = p.RunTask(id, 1, func(context.Context) error { return nil }, time.Time{})
	require.NoError(t, err)
	_, err = p.RunTask(id, 2, func(context.Context) error { return errBoom }, time.Time{})
	require.NoError(t, err)
	_, err = p.RunTask(id, 3, func(context.Context) error { panic("bad task") }, time.Time{})
	require.NoError(t, err)

	stepUntil(t, p, func() bool { return rec.count() == 3 })
	byCtx := make(map[any]Result)
	for _, res := range rec.results {
		require.Equal(t, OpTask, res.Operation)
		byCtx[res.Context] = res
	}
	require.Equal(t, StateOK, byCtx[1].State)
	require.Equal(t, StateError, byCtx[2].State)
	require.ErrorIs(t, byCtx[2].Error, errBoom)
	require.Equal(t, StateError, byCtx[3].State)
	require.ErrorIs(t, byCtx[3].Error, ErrTaskPanic)

	// the worker survived the panic
	_, err = p.RunTask(id, 4, func(context.Context) error { return nil }, time.Time{})
	require.NoError(t, err)
	stepUntil(t, p, func() bool { return rec.count() == 4 })
}

func TestCancel(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kind BackendKind) {
		p := newTestProactor(t, kind, 0)
		rec := new(recorder)
		fd, peer := socketPair(t)
		id, err := p.Add(fd, KindSocket, rec, nil)
		require.NoError(t, err)

		req, err := p.Recv(id, nil, make([]byte, 16), time.Time{})
		require.NoError(t, err)
		_, err = p.Step(0)
		require.NoError(t, err)
		require.Equal(t, int64(1), p.Stats().InFlight)

		require.NoError(t, p.Cancel(id, req))
		stepUntil(t, p, func() bool { return rec.count() == 1 })
		require.Equal(t, StateCancelled, rec.results[0].State)
		require.ErrorIs(t, rec.results[0].Error, ErrCancelled)
		require.Equal(t, req, rec.results[0].Request)

		// cancelling a delivered request is a no-op
		require.NoError(t, p.Cancel(id, req))

		// the object is still usable
		_, err = p.Recv(id, nil, make([]byte, 16), time.Time{})
		require.NoError(t, err)
		_, err = unix.Write(peer, []byte("ping"))
		require.NoError(t, err)
		stepUntil(t, p, func() bool { return rec.count() == 2 })
		require.Equal(t, StateOK, rec.results[1].State)
		require.Equal(t, "ping", string(rec.results[1].Buffer[:rec.results[1].Size]))
	})
}

func TestCancelAll(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kind BackendKind) {
		p := newTestProactor(t, kind, 0)
		rec := new(recorder)
		fd, _ := socketPair(t)
		id, err := p.Add(fd, KindSocket, rec, nil)
		require.NoError(t, err)

		for i := 0; i < 3; i++ {
			_, err = p.Recv(id, nil, make([]byte, 16), time.Time{})
			require.NoError(t, err)
		}
		require.NoError(t, p.CancelAll(id))
		stepUntil(t, p, func() bool { return rec.count() == 3 })
		for _, res := range rec.results {
			require.Equal(t, StateCancelled, res.State)
		}
	})
}

func TestRecvEOF(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kind BackendKind) {
		p := newTestProactor(t, kind, 0)
		rec := new(recorder)
		fd, peer := socketPair(t)
		id, err := p.Add(fd, KindSocket, rec, nil)
		require.NoError(t, err)

		_, err = p.Recv(id, nil, make([]byte, 16), time.Time{})
		require.NoError(t, err)
		require.NoError(t, unix.Shutdown(peer, unix.SHUT_WR))
		stepUntil(t, p, func() bool { return rec.count() == 1 })
		require.Equal(t, StateError, rec.results[0].State)
		require.ErrorIs(t, rec.results[0].Error, io.EOF)
	})
}

func TestRemoveGraceful(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kind BackendKind) {
		p := newTestProactor(t, kind, 0)
		rec := new(recorder)
		fd, peer := socketPair(t)
		id, err := p.Add(fd, KindSocket, rec, nil)
		require.NoError(t, err)

		_, err = p.Recv(id, nil, make([]byte, 16), time.Time{})
		require.NoError(t, err)
		require.NoError(t, p.Remove(id, Graceful))

		// no new work once removal is requested
		_, err = p.Recv(id, nil, make([]byte, 16), time.Time{})
		require.ErrorIs(t, err, ErrObjectClosing)
		require.ErrorIs(t, p.Remove(id, Graceful), ErrObjectClosing)

		for i := 0; i < 3; i++ {
			_, err = p.Step(10 * time.Millisecond)
			require.NoError(t, err)
		}
		require.Zero(t, rec.count())
		require.Equal(t, 1, p.Stats().Objects)

		_, err = unix.Write(peer, []byte("bye"))
		require.NoError(t, err)
		stepUntil(t, p, func() bool { return p.Stats().Objects == 0 })
		require.Equal(t, 1, rec.count())
		require.Equal(t, StateOK, rec.results[0].State)
		require.Equal(t, 3, rec.results[0].Size)

		_, err = p.Recv(id, nil, make([]byte, 16), time.Time{})
		require.ErrorIs(t, err, ErrUnknownObject)
	})
}

func TestRemoveEscalate(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kind BackendKind) {
		p := newTestProactor(t, kind, 0)
		rec := new(recorder)
		fd, _ := socketPair(t)
		id, err := p.Add(fd, KindSocket, rec, nil)
		require.NoError(t, err)

		_, err = p.Recv(id, nil, make([]byte, 16), time.Time{})
		require.NoError(t, err)
		require.NoError(t, p.Remove(id, Graceful))
		_, err = p.Step(0)
		require.NoError(t, err)
		require.Zero(t, rec.count())

		require.NoError(t, p.Remove(id, Immediate))
		require.ErrorIs(t, p.Remove(id, Immediate), ErrObjectClosing)
		stepUntil(t, p, func() bool { return p.Stats().Objects == 0 })
		require.Equal(t, 1, rec.count())
		require.Equal(t, StateClosed, rec.results[0].State)
	})
}

func TestRegistration(t *testing.T) {
	p := newTestProactor(t, BackendAuto, 0, WithMaxObjects(2))
	rec := new(recorder)
	fd, _ := socketPair(t)

	_, err := p.Add(fd, KindSocket, nil, nil)
	require.ErrorIs(t, err, ErrNilHandler)

	id, err := p.Add(fd, KindSocket, rec, nil)
	require.NoError(t, err)
	require.NotZero(t, id)
	_, err = p.Add(fd, KindSocket, rec, nil)
	require.ErrorIs(t, err, ErrDuplicateHandle)

	tid, err := p.AddTask(rec, nil)
	require.NoError(t, err)
	require.NotEqual(t, id, tid)
	_, err = p.AddTask(rec, nil)
	require.ErrorIs(t, err, ErrNoResources)
	require.Equal(t, 2, p.Len())

	_, err = p.Recv(ObjectID(999), nil, make([]byte, 1), time.Time{})
	require.ErrorIs(t, err, ErrUnknownObject)
	require.ErrorIs(t, p.Remove(ObjectID(999), Immediate), ErrUnknownObject)
	require.ErrorIs(t, p.Cancel(ObjectID(0), 1), ErrUnknownObject)

	// operations that do not apply to the kind
	_, err = p.Recv(tid, nil, make([]byte, 1), time.Time{})
	require.ErrorIs(t, err, ErrUnsupportedOp)
	_, err = p.RunTask(tid, nil, func(context.Context) error { return nil }, time.Time{})
	require.ErrorIs(t, err, ErrNoWorkers)

	// identities are reused after removal
	require.NoError(t, p.Remove(tid, Immediate))
	stepUntil(t, p, func() bool { return p.Stats().Objects == 1 })
	again, err := p.AddTask(rec, nil)
	require.NoError(t, err)
	require.Equal(t, tid, again)
}

func TestRequestExhaustion(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kind BackendKind) {
		p := newTestProactor(t, kind, 0, WithMaxRequests(2))
		rec := new(recorder)
		fd, peer := socketPair(t)
		id, err := p.Add(fd, KindSocket, rec, nil)
		require.NoError(t, err)

		for i := 0; i < 2; i++ {
			_, err = p.Recv(id, nil, make([]byte, 4), time.Time{})
			require.NoError(t, err)
		}
		_, err = p.Recv(id, nil, make([]byte, 4), time.Time{})
		require.ErrorIs(t, err, ErrNoResources)

		// in-flight requests are unaffected
		_, err = unix.Write(peer, []byte("abcdefgh"))
		require.NoError(t, err)
		stepUntil(t, p, func() bool { return rec.count() == 2 })
		for _, res := range rec.results {
			require.Equal(t, StateOK, res.State)
		}

		// blocks are recycled
		_, err = p.Recv(id, nil, make([]byte, 4), time.Time{})
		require.NoError(t, err)
	})
}

func TestStepFromHandler(t *testing.T) {
	p := newTestProactor(t, BackendAuto, 1)
	var stepErr error
	done := false
	id, err := p.AddTask(HandlerFunc(func(p *Proactor, obj *Object, res *Result) {
		_, stepErr = p.Step(0)
		done = true
	}), nil)
	require.NoError(t, err)
	_, err = p.RunTask(id, nil, func(context.Context) error { return nil }, time.Time{})
	require.NoError(t, err)

	stepUntil(t, p, func() bool { return done })
	require.ErrorIs(t, stepErr, ErrStepBusy)
}

func TestFileIO(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kind BackendKind) {
		p := newTestProactor(t, kind, 2)
		rec := new(recorder)

		f, err := os.CreateTemp(t.TempDir(), "aicp")
		require.NoError(t, err)
		defer f.Close()
		id, err := p.AddFile(f, rec, nil)
		require.NoError(t, err)

		_, err = p.Write(id, nil, []byte("hello world"), 0, time.Time{})
		require.NoError(t, err)
		stepUntil(t, p, func() bool { return rec.count() == 1 })
		require.Equal(t, StateOK, rec.results[0].State)
		require.Equal(t, 11, rec.results[0].Size)

		_, err = p.Read(id, nil, make([]byte, 5), 6, time.Time{})
		require.NoError(t, err)
		stepUntil(t, p, func() bool { return rec.count() == 2 })
		res := rec.results[1]
		require.Equal(t, StateOK, res.State)
		require.Equal(t, int64(6), res.Offset)
		require.Equal(t, "world", string(res.Buffer[:res.Size]))

		_, err = p.Read(id, nil, make([]byte, 5), 100, time.Time{})
		require.NoError(t, err)
		stepUntil(t, p, func() bool { return rec.count() == 3 })
		require.Equal(t, StateError, rec.results[2].State)
		require.ErrorIs(t, rec.results[2].Error, io.EOF)

		// socket operations do not apply to files
		_, err = p.Recv(id, nil, make([]byte, 5), time.Time{})
		require.ErrorIs(t, err, ErrUnsupportedOp)
	})
}

func TestNoWorkers(t *testing.T) {
	p := newTestProactor(t, BackendAuto, 0)
	rec := new(recorder)

	f, err := os.CreateTemp(t.TempDir(), "aicp")
	require.NoError(t, err)
	defer f.Close()
	id, err := p.AddFile(f, rec, nil)
	require.NoError(t, err)

	_, err = p.Read(id, nil, make([]byte, 5), 0, time.Time{})
	require.ErrorIs(t, err, ErrNoWorkers)
	_, err = p.RunTask(id, nil, func(context.Context) error { return nil }, time.Time{})
	require.ErrorIs(t, err, ErrNoWorkers)
}

func TestSendFile(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kind BackendKind) {
		p := newTestProactor(t, kind, 0)
		rec := new(recorder)

		f, err := os.CreateTemp(t.TempDir(), "aicp")
		require.NoError(t, err)
		defer f.Close()
		_, err = f.WriteString("0123456789")
		require.NoError(t, err)

		ln, err := net.Listen("tcp", "127.0.0.1:0")
		require.NoError(t, err)
		defer ln.Close()
		client, err := net.Dial("tcp", ln.Addr().String())
		require.NoError(t, err)
		defer client.Close()
		server, err := ln.Accept()
		require.NoError(t, err)
		defer server.Close()

		id, err := p.AddConn(client.(*net.TCPConn), rec, nil)
		require.NoError(t, err)
		_, err = p.SendFile(id, nil, int(f.Fd()), 2, 5, time.Time{})
		require.NoError(t, err)
		stepUntil(t, p, func() bool { return rec.count() == 1 })
		require.Equal(t, StateOK, rec.results[0].State)
		require.Equal(t, 5, rec.results[0].Size)

		buf := make([]byte, 5)
		server.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, err = io.ReadFull(server, buf)
		require.NoError(t, err)
		require.Equal(t, "23456", string(buf))
	})
}

func TestCloseDeliversClosed(t *testing.T) {
	forEachBackend(t, func(t *testing.T, kind BackendKind) {
		p, err := New(1, WithBackend(kind))
		require.NoError(t, err)
		rec := new(recorder)

		fd, _ := socketPair(t)
		id, err := p.Add(fd, KindSocket, rec, nil)
		require.NoError(t, err)
		_, err = p.Recv(id, nil, make([]byte, 16), time.Time{})
		require.NoError(t, err)
		_, err = p.Step(0)
		require.NoError(t, err)

		tid, err := p.AddTask(rec, nil)
		require.NoError(t, err)
		_, err = p.RunTask(tid, nil, func(ctx context.Context) error {
			<-ctx.Done()
			return ctx.Err()
		}, time.Time{})
		require.NoError(t, err)

		require.NoError(t, p.Close())
		require.Equal(t, 2, rec.count())
		for _, res := range rec.results {
			require.Equal(t, StateClosed, res.State)
		}

		_, err = p.Step(0)
		require.ErrorIs(t, err, ErrProactorClosed)
		_, err = p.Recv(id, nil, make([]byte, 16), time.Time{})
		require.ErrorIs(t, err, ErrProactorClosed)
		_, err = p.AddTask(rec, nil)
		require.ErrorIs(t, err, ErrProactorClosed)
		require.NoError(t, p.Close())
		require.Equal(t, 2, rec.count())
	})
}

func TestRun(t *testing.T) {
	p := newTestProactor(t, BackendAuto, 1)
	rec := new(recorder)
	id, err := p.AddTask(rec, nil)
	require.NoError(t, err)
	_, err = p.RunTask(id, nil, func(context.Context) error { return nil }, time.Time{})
	require.NoError(t, err)
	require.NoError(t, p.Remove(id, Graceful))

	require.NoError(t, p.Run(context.Background(), 10*time.Millisecond))
	require.Equal(t, 1, rec.count())
	require.Equal(t, uint64(1), p.Stats().Delivered)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = p.AddTask(rec, nil)
	require.NoError(t, err)
	require.ErrorIs(t, p.Run(ctx, 0), context.Canceled)
}

func TestFatalError(t *testing.T) {
	err := error(&FatalError{Op: "epoll_wait", Err: unix.EBADF})
	require.True(t, IsFatal(err))
	require.ErrorIs(t, err, unix.EBADF)
	require.Contains(t, err.Error(), "epoll_wait")
	require.False(t, IsFatal(ErrClosed))
}

func TestParseBackend(t *testing.T) {
	for s, want := range map[string]BackendKind{
		"":           BackendAuto,
		"auto":       BackendAuto,
		"EPOLL":      BackendEpoll,
		"kqueue":     BackendKqueue,
		"completion": BackendCompletion,
	} {
		got, err := ParseBackend(s)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := ParseBackend("iocp")
	require.ErrorIs(t, err, ErrUnknownBackend)

	_, err = New(0, WithBackend(BackendKind(42)))
	require.ErrorIs(t, err, ErrUnknownBackend)
}

func TestReadinessSkipsExpired(t *testing.T) {
	if nativeBackend == BackendCompletion {
		t.Skip("no readiness backend on this platform")
	}
	b, err := newReadinessBackend(nativeBackend, 16)
	require.NoError(t, err)
	defer b.close()

	fd, peer := socketPair(t)
	defer unix.Close(fd)
	obj := &Object{fd: fd}
	expiring := &request{obj: obj, op: OpRecv, buffer: make([]byte, 8), idx: -1, deadline: time.Now().Add(20 * time.Millisecond)}
	behind := &request{obj: obj, op: OpRecv, buffer: make([]byte, 8), idx: -1}
	b.submit(expiring)
	b.submit(behind)

	// data arrives only after the deadline
	time.Sleep(40 * time.Millisecond)
	_, err = unix.Write(peer, []byte("late"))
	require.NoError(t, err)

	ready, err := b.wait(time.Second, nil)
	require.NoError(t, err)
	require.Empty(t, ready)
	require.Equal(t, claimNone, expiring.claim.Load())

	// once the expired head is withdrawn the next reader gets the data
	// without another edge
	expiring.claim.Store(claimAborted)
	require.True(t, b.cancel(expiring))
	ready, err = b.wait(time.Second, nil)
	require.NoError(t, err)
	require.Equal(t, []*request{behind}, ready)
	require.Equal(t, StateOK, behind.state)
	require.Equal(t, "late", string(behind.buffer[:behind.size]))
}
