/*
 * MIT License
 *
 * Copyright (c) 2022 Nicolas JUHEL
 *
 * Permission is hereby granted, free of charge, to any person obtaining a copy
 * of this software and associated documentation files (the "Software"), to deal
 * in the Software without restriction, including without limitation the rights
 * to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
 * copies of the Software, and to permit persons to whom the Software is
 * furnished to do so, subject to the following conditions:
 *
 * The above copyright notice and this permission notice shall be included in all
 * copies or substantial portions of the Software.
 *
 * THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
 * IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
 * FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
 * AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
 * LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
 * OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
 * SOFTWARE.
 *
 *
 */

//go:build linux

// Package clientconn implements the inbound HTTP/1.1 connection described
// in spec.md §4.4: request parsing, path-prefix routing, and the pipeline
// discipline that holds a ready response until every earlier request on
// the same connection has already been written.
package clientconn

import (
	"net"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/sabouaram/mirrorhub/internal/hublog"
	"github.com/sabouaram/mirrorhub/internal/ioframe"
	"github.com/sabouaram/mirrorhub/internal/reactor"
	"github.com/sabouaram/mirrorhub/internal/wire"
)

// Handlers classifies a freshly parsed request by path prefix
// (spec.md §4.4) and begins resolving it. Each method must either call
// ir.Resolve synchronously (status page, /rpc/ping) or arrange for
// ir.Resolve to be called later from a peer/upstream callback (repository
// fan-out, internal/filecheck).
type Handlers interface {
	HandleRepo(ir *IncomingRequest, path, ifModifiedSince string, peerAddr net.IP)
	HandlePing(ir *IncomingRequest)
	HandleStatus(ir *IncomingRequest)
}

// IncomingRequest is one HTTP request awaiting resolution, linked into its
// client's pipeline in arrival order (spec.md §3). Exactly one of
// "pending" or "ready" holds at any time: ready is tracked by the done
// flag, and ir.cancel is the hook a pending file-check installs so the
// client can cascade-cancel outstanding peer probes on destruction
// (spec.md §4.4's "cascading destruction").
type IncomingRequest struct {
	client *ClientConn
	id     string // per-request trace id, log fields only, never on the wire
	output []byte
	done   bool
	cancel func()
}

// Resolve marks ir ready with the given wire-formatted response bytes and
// triggers the client's pipeline flush (spec.md §4.4).
func (ir *IncomingRequest) Resolve(output []byte) {
	if ir.done {
		return
	}
	ir.output = output
	ir.done = true
	ir.client.log.With("request_id", ir.id).Debug("request resolved")
	ir.client.flushReady()
}

// SetCancel installs the function invoked if the client connection is
// destroyed while ir is still pending (e.g. to cancel outstanding peer
// probes via internal/filecheck).
func (ir *IncomingRequest) SetCancel(cancel func()) {
	ir.cancel = cancel
}

// ClientConn is one inbound connection (spec.md §4.4).
type ClientConn struct {
	fd       int
	peerAddr net.IP

	in         ioframe.Buffer
	pendingOut []byte
	writable   bool

	pipeline []*IncomingRequest
	closed   bool

	reactor  *reactor.Reactor
	log      *hublog.Logger
	handlers Handlers
}

// New constructs a ClientConn for an already-accepted, nonblocking socket
// fd and registers it with the reactor for readable + hangup events.
func New(fd int, peerAddr net.IP, r *reactor.Reactor, log *hublog.Logger, h Handlers) (*ClientConn, error) {
	c := &ClientConn{
		fd:       fd,
		peerAddr: peerAddr,
		reactor:  r,
		log:      log.Component("clientconn").With("remote", peerAddr.String()),
		handlers: h,
	}
	if err := r.Register(fd, reactor.Readable, c); err != nil {
		return nil, err
	}
	return c, nil
}

// OnReadable implements reactor.Handler.
func (c *ClientConn) OnReadable() {
	n, err := c.in.ReadFrom(c.fd)
	if err == unix.EAGAIN {
		return
	}
	if err != nil {
		c.log.WithError(err).Debug("read error")
		c.Close()
		return
	}
	if n == 0 {
		c.Close()
		return
	}

	for {
		req, perr := wire.ParseRequest(c.in.Bytes())
		if perr == wire.ErrIncomplete {
			if c.in.Full() {
				c.log.Warn("request header block too large")
				c.Close()
			}
			return
		}
		if perr != nil {
			c.log.WithError(perr).Warn("malformed request")
			c.Close()
			return
		}

		c.in.Shift(req.ConsumedBytes)
		c.route(req)
	}
}

func (c *ClientConn) route(req wire.Request) {
	ir := &IncomingRequest{client: c, id: uuid.NewString()}
	c.pipeline = append(c.pipeline, ir)
	c.log.With("request_id", ir.id).With("path", req.Path).Debug("routing request")

	switch {
	case strings.HasPrefix(req.Path, "/repo/"):
		c.handlers.HandleRepo(ir, strings.TrimPrefix(req.Path, "/repo/"), req.IfModifiedSince, c.peerAddr)
	case strings.HasPrefix(req.Path, "/rpc/"):
		c.handlers.HandlePing(ir)
	default:
		c.handlers.HandleStatus(ir)
	}
}

// flushReady implements the pipeline write rule of spec.md §4.4: write
// ready responses off the head of the pipeline in order, stopping at the
// first still-pending request.
func (c *ClientConn) flushReady() {
	for len(c.pipeline) > 0 {
		head := c.pipeline[0]
		if !head.done {
			return
		}
		c.writeOrQueue(head.output)
		c.pipeline = c.pipeline[1:]
	}
}

// writeOrQueue implements the REDESIGN FLAGS partial-write upgrade: bytes
// that do not fit in one nonblocking write are queued and drained on the
// next EPOLLOUT, rather than assumed atomic (contrast with internal/peer's
// probe writes, which keep the source's simplification).
func (c *ClientConn) writeOrQueue(data []byte) {
	if c.closed {
		return
	}
	if len(c.pendingOut) > 0 {
		c.pendingOut = append(c.pendingOut, data...)
		return
	}

	n, err := writePartial(c.fd, data)
	if err != nil {
		c.log.WithError(err).Debug("write error")
		c.Close()
		return
	}
	if n < len(data) {
		rest := make([]byte, len(data)-n)
		copy(rest, data[n:])
		c.pendingOut = rest
		c.enableWritable()
	}
}

// OnWritable implements reactor.Handler, draining any queued output.
func (c *ClientConn) OnWritable() {
	if len(c.pendingOut) == 0 {
		c.disableWritable()
		return
	}
	n, err := writePartial(c.fd, c.pendingOut)
	if err != nil {
		c.log.WithError(err).Debug("write error")
		c.Close()
		return
	}
	c.pendingOut = c.pendingOut[n:]
	if len(c.pendingOut) == 0 {
		c.disableWritable()
	}
}

func (c *ClientConn) enableWritable() {
	if c.writable {
		return
	}
	c.writable = true
	_ = c.reactor.Modify(c.fd, reactor.Readable|reactor.Writable)
}

func (c *ClientConn) disableWritable() {
	if !c.writable {
		return
	}
	c.writable = false
	_ = c.reactor.Modify(c.fd, reactor.Readable)
}

// OnHangup implements reactor.Handler.
func (c *ClientConn) OnHangup() {
	c.Close()
}

// Close destroys the client connection: the socket is unregistered and
// closed, and every still-pending incoming request's cancel hook is
// invoked, cascading destruction to outstanding peer probes
// (spec.md §4.4).
func (c *ClientConn) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.reactor.Unregister(c.fd)
	_ = unix.Close(c.fd)

	for _, ir := range c.pipeline {
		if !ir.done && ir.cancel != nil {
			ir.cancel()
		}
	}
	c.pipeline = nil
}

func writePartial(fd int, p []byte) (int, error) {
	for {
		n, err := unix.Write(fd, p)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return 0, nil
		}
		if err != nil {
			return 0, err
		}
		return n, nil
	}
}
