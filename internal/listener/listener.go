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

// Package listener implements the hub's inbound TCP accept loop
// (spec.md §4.6): a reactor.Handler registered for readable events that
// spins up a clientconn.ClientConn per accepted connection.
package listener

import (
	"net"

	"golang.org/x/sys/unix"

	"github.com/sabouaram/mirrorhub/internal/clientconn"
	"github.com/sabouaram/mirrorhub/internal/huberr"
	"github.com/sabouaram/mirrorhub/internal/hublog"
	"github.com/sabouaram/mirrorhub/internal/reactor"
)

// Listener owns the bound, listening socket.
type Listener struct {
	fd       int
	reactor  *reactor.Reactor
	handlers clientconn.Handlers
	log      *hublog.Logger
}

// New creates, binds and listens on a nonblocking IPv4 TCP socket at port,
// and registers it with r for readable events. Unlike the source (which
// leaves accepted sockets blocking as a documented simplification, spec.md
// §4.6/§9), accepted sockets here are made nonblocking, matching every
// other fd this reactor manages — an accepted blocking socket would stall
// the single reactor goroutine the first time a client read or write did
// not complete immediately.
func New(port int, r *reactor.Reactor, handlers clientconn.Handlers, log *hublog.Logger) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		return nil, huberr.New(huberr.ErrSetup, err, "socket()")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return nil, huberr.New(huberr.ErrSetup, err, "setsockopt SO_REUSEADDR")
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: port}); err != nil {
		_ = unix.Close(fd)
		return nil, huberr.New(huberr.ErrSetup, err, "bind() port %d", port)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		_ = unix.Close(fd)
		return nil, huberr.New(huberr.ErrSetup, err, "listen()")
	}

	l := &Listener{fd: fd, reactor: r, handlers: handlers, log: log.Component("listener")}
	if err := r.Register(fd, reactor.Readable, l); err != nil {
		_ = unix.Close(fd)
		return nil, huberr.New(huberr.ErrSetup, err, "registering listen socket")
	}
	return l, nil
}

// OnReadable implements reactor.Handler: drain every pending connection in
// the accept backlog, restarting on interrupt (spec.md §4.6).
func (l *Listener) OnReadable() {
	for {
		fd, sa, err := unix.Accept(l.fd)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return
		}
		if err != nil {
			l.log.WithError(err).Warn("accept() failed")
			return
		}

		if err := unix.SetNonblock(fd, true); err != nil {
			l.log.WithError(err).Warn("failed to set accepted socket nonblocking")
			_ = unix.Close(fd)
			continue
		}

		addr := peerAddress(sa)
		if _, err := clientconn.New(fd, addr, l.reactor, l.log, l.handlers); err != nil {
			l.log.WithError(err).Warn("failed to register client connection")
			_ = unix.Close(fd)
			continue
		}
		l.log.With("remote", addr.String()).Debug("accepted client connection")
	}
}

// OnWritable implements reactor.Handler; the listening socket never
// registers for writable events.
func (l *Listener) OnWritable() {}

// OnHangup implements reactor.Handler; a listening socket does not hang up
// in ordinary operation.
func (l *Listener) OnHangup() {}

// Close stops accepting new connections.
func (l *Listener) Close() error {
	l.reactor.Unregister(l.fd)
	return unix.Close(l.fd)
}

func peerAddress(sa unix.Sockaddr) net.IP {
	if sa4, ok := sa.(*unix.SockaddrInet4); ok {
		ip := make(net.IP, 4)
		copy(ip, sa4.Addr[:])
		return ip
	}
	if sa6, ok := sa.(*unix.SockaddrInet6); ok {
		ip := make(net.IP, 16)
		copy(ip, sa6.Addr[:])
		return ip
	}
	return net.IPv4zero
}
