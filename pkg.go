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

// Package aicp is a portable asynchronous I/O proactor.
//
// Objects (sockets, files, or handle-less task objects) are registered with
// a Proactor, and operations on them are posted from any goroutine. The
// goroutine that drives Step receives every completion through the object's
// Handler, exactly once per posted request, with a final State of ok,
// timeout, cancelled, closed or error.
//
// Two backends sit behind the same request/result model. The readiness
// backend (epoll on Linux, kqueue on the BSDs and macOS) performs each
// non-blocking syscall itself when the descriptor becomes ready. The
// completion backend hands every operation to its own goroutine and only
// sees the finished result, as a completion port would. File I/O and tasks
// always run on the fixed worker pool.
//
//	p, _ := aicp.New(4)
//	id, _ := p.AddConn(conn, aicp.HandlerFunc(onCompletion), nil)
//	p.Recv(id, nil, buf, time.Now().Add(time.Second))
//	for {
//		if _, err := p.Step(-1); err != nil {
//			break
//		}
//	}
package aicp
