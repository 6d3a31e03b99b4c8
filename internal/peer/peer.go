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

package peer

import (
	"context"
	"net"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sabouaram/mirrorhub/internal/hublog"
	"github.com/sabouaram/mirrorhub/internal/ioframe"
	"github.com/sabouaram/mirrorhub/internal/reactor"
	"github.com/sabouaram/mirrorhub/internal/wire"
)

// Peer is a configured mirror: a long-lived outbound HTTP/1.1 connection
// plus its pipelined HEAD-probe queue (spec.md §3, §4.3).
type Peer struct {
	Name      string
	Host      string
	Port      int
	DBPrefix  string
	PkgPrefix string
	Addr      net.IP // resolved address, populated eagerly by NewPeer (see resolve)

	state State
	fd    int

	scratch ioframe.Buffer // queued output while CONNECTING; reused as input once ACTIVE
	queue   []probe

	resolveTimeout time.Duration

	reactor *reactor.Reactor
	log     *hublog.Logger
}

// NewPeer constructs a Peer in state New and resolves its address
// immediately, matching the source's config-time resolution: the
// self-referential loop guard (AddressEqual) and origin-peer byte
// attribution both depend on Addr, and must work from the very first
// request rather than only after this peer has connected once.
// Connection itself stays lazy, established by the first SendProbe call
// (spec.md §4.3); if eager resolution fails here (e.g. a transient DNS
// outage at startup), connect() retries it before dialing.
func NewPeer(name, host string, port int, dbPrefix, pkgPrefix string, r *reactor.Reactor, log *hublog.Logger, resolveTimeout time.Duration) *Peer {
	p := &Peer{
		Name:           name,
		Host:           host,
		Port:           port,
		DBPrefix:       dbPrefix,
		PkgPrefix:      pkgPrefix,
		state:          New,
		fd:             -1,
		resolveTimeout: resolveTimeout,
		reactor:        r,
		log:            log.Component("peer").With("peer", name),
	}
	p.resolve()
	return p
}

// resolve looks up Host and caches the result in Addr, unless already
// resolved. Failures are left for the caller to handle: NewPeer logs and
// moves on (connect() will retry), connect() itself treats a failure here
// as terminal for that connection attempt.
func (p *Peer) resolve() {
	if p.Addr != nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.resolveTimeout)
	defer cancel()
	ips, err := net.DefaultResolver.LookupIPAddr(ctx, p.Host)
	if err != nil || len(ips) == 0 {
		p.log.WithError(err).Warn("address resolution failed")
		return
	}
	p.Addr = ips[0].IP
}

// State returns the peer's current connection state.
func (p *Peer) State() State { return p.state }

// HasPackagePrefix reports whether this peer is eligible to serve package
// files (spec.md §4.5's fan-out skips peers lacking a prefix).
func (p *Peer) HasPackagePrefix() bool { return p.PkgPrefix != "" }

// HasDatabasePrefix reports whether this peer is eligible to serve
// database files.
func (p *Peer) HasDatabasePrefix() bool { return p.DBPrefix != "" }

// SendProbe enqueues a HEAD request for filename (package or database,
// selected by isDB for prefix choice), lazily connecting if necessary.
// cb is invoked exactly once, either with the parsed response or via
// OnClosed if the connection is recycled first.
func (p *Peer) SendProbe(filename string, isDB bool, cb *Callback) {
	prefix := p.PkgPrefix
	if isDB {
		prefix = p.DBPrefix
	}
	line := wire.FormatHeadProbe(prefix, filename, p.Host, p.Port)

	id := newProbeID()
	p.queue = append(p.queue, probe{id: id, cb: cb})
	p.log.With("probe_id", id).With("filename", filename).Debug("probe queued")

	if p.state == New {
		if !p.connect() {
			// connect() already set state to Failed; report the failure
			// on this probe here.
			p.queue = p.queue[:len(p.queue)-1]
			if cb.live() && cb.OnClosed != nil {
				cb.OnClosed()
			}
			return
		}
	}

	switch p.state {
	case Active:
		if err := writeAll(p.fd, []byte(line)); err != nil {
			p.log.WithError(err).Warn("write probe failed, recycling connection")
			p.recycle()
		}
	case Connecting:
		if err := p.scratch.Append("%s", line); err != nil {
			p.log.WithError(err).Warn("scratch buffer full while connecting, recycling")
			p.recycle()
		}
	case Failed:
		// The resolver is expected to have skipped FAILED peers already
		// (spec.md §4.5); defensively fail the probe immediately rather
		// than queueing it forever.
		p.queue = p.queue[:len(p.queue)-1]
		if cb.live() && cb.OnClosed != nil {
			cb.OnClosed()
		}
	}
}

// connect resolves the peer's host (if NewPeer's eager resolution did not
// already succeed) and attempts a nonblocking TCP connect. Returns false
// if it transitioned to Failed.
func (p *Peer) connect() bool {
	p.resolve()
	if p.Addr == nil {
		p.log.Error("address resolution failed")
		p.state = Failed
		return false
	}

	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	if err != nil {
		p.log.WithError(err).Error("socket() failed")
		p.state = Failed
		return false
	}

	var sa unix.SockaddrInet4
	copy(sa.Addr[:], p.Addr.To4())
	sa.Port = p.Port

	err = unix.Connect(fd, &sa)
	switch err {
	case nil:
		p.fd = fd
		p.state = Active
		if rerr := p.reactor.Register(fd, reactor.Readable, p); rerr != nil {
			p.log.WithError(rerr).Error("failed to register active socket")
			p.state = Failed
			_ = unix.Close(fd)
			return false
		}
		return true
	case unix.EINPROGRESS:
		p.fd = fd
		p.state = Connecting
		if rerr := p.reactor.Register(fd, reactor.Writable, p); rerr != nil {
			p.log.WithError(rerr).Error("failed to register connecting socket")
			p.state = Failed
			_ = unix.Close(fd)
			return false
		}
		return true
	default:
		p.log.WithError(err).Error("connect() failed")
		p.state = Failed
		_ = unix.Close(fd)
		return false
	}
}

// OnWritable implements reactor.Handler: only connecting peer sockets are
// registered for this event (spec.md §4.2).
func (p *Peer) OnWritable() {
	if p.state != Connecting {
		return
	}

	errno, err := unix.GetsockoptInt(p.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil || errno != 0 {
		p.log.Warn("connect failed asynchronously")
		p.failConnecting()
		return
	}

	p.state = Active
	if err := p.reactor.Modify(p.fd, reactor.Readable); err != nil {
		p.log.WithError(err).Error("failed to switch socket to readable")
		p.failConnecting()
		return
	}

	if p.scratch.Len() > 0 {
		if err := p.scratch.WriteTo(p.fd); err != nil {
			p.log.WithError(err).Warn("failed to flush queued probes, recycling")
			p.recycle()
			return
		}
	}
	p.scratch.Reset()
}

func (p *Peer) failConnecting() {
	p.reactor.Unregister(p.fd)
	_ = unix.Close(p.fd)
	p.fd = -1
	p.state = Failed
	p.drainQueue()
}

// OnReadable implements reactor.Handler: read available bytes and parse as
// many complete HEAD-probe responses as are buffered.
func (p *Peer) OnReadable() {
	n, err := p.scratch.ReadFrom(p.fd)
	if err == unix.EAGAIN {
		return
	}
	if err != nil {
		p.log.WithError(err).Warn("read error, recycling connection")
		p.recycle()
		return
	}
	if n == 0 {
		p.log.Debug("peer closed connection")
		p.recycle()
		return
	}

	for {
		resp, perr := wire.ParseResponse(p.scratch.Bytes())
		if perr == wire.ErrIncomplete {
			if p.scratch.Full() {
				p.log.Warn("response header block too large, recycling")
				p.recycle()
			}
			return
		}
		if perr != nil {
			p.log.WithError(perr).Warn("malformed response, recycling")
			p.recycle()
			return
		}

		p.scratch.Shift(resp.ConsumedBytes)
		pr := p.dequeue()
		if pr != nil {
			p.log.With("probe_id", pr.id).With("status", resp.StatusCode).Debug("probe response received")
			if pr.cb.live() {
				pr.cb.OnResponse(resp)
			}
		}
	}
}

// OnHangup implements reactor.Handler. A hangup or error while still
// connecting is a failed connect (CONNECTING → FAILED); otherwise the
// connection is recycled.
func (p *Peer) OnHangup() {
	p.log.Debug("hangup")
	if p.state == Connecting {
		p.failConnecting()
		return
	}
	p.recycle()
}

// recycle implements spec.md §4.3's "ACTIVE → NEW" transition: the socket
// is closed and every outstanding probe is resolved via peer_close
// semantics (§4.3), but the peer returns to New so the next probe lazily
// reconnects, rather than to Failed.
func (p *Peer) recycle() {
	if p.fd >= 0 {
		p.reactor.Unregister(p.fd)
		_ = unix.Close(p.fd)
		p.fd = -1
	}
	p.scratch.Reset()
	p.state = New
	p.drainQueue()
}

// drainQueue implements peer_close (spec.md §4.3): every outstanding probe
// whose callback is still live is notified via OnClosed so the resolver
// can fall back to upstream; canceled probes are dropped silently.
func (p *Peer) drainQueue() {
	q := p.queue
	p.queue = nil
	for _, pr := range q {
		if pr.cb.live() && pr.cb.OnClosed != nil {
			pr.cb.OnClosed()
		}
	}
}

func (p *Peer) dequeue() *probe {
	if len(p.queue) == 0 {
		return nil
	}
	pr := p.queue[0]
	p.queue = p.queue[1:]
	return &pr
}

// Retry implements the /rpc/ping transition: Failed → New, allowing the
// next probe to attempt a fresh connection (spec.md §4.3, §4.4).
func (p *Peer) Retry() {
	if p.state == Failed {
		p.state = New
		p.Addr = nil
	}
}

// writeAll performs a nonblocking write of p, restarting on EINTR. Peer
// probes are short HEAD requests well under one TCP segment, so the
// source's "writes are assumed atomic" simplification (spec.md §4.1) is
// kept here; client responses get the EPOLLOUT drain upgrade instead
// (internal/clientconn), per SPEC_FULL.md's REDESIGN FLAGS.
func writeAll(fd int, p []byte) error {
	for {
		n, err := unix.Write(fd, p)
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n != len(p) {
			return unix.EAGAIN
		}
		return nil
	}
}

// AddressEqual reports whether ip matches this peer's resolved address.
// The source's address_equal compared an IPv6 address against itself
// (likely a typo, flagged in spec.md §9's Open Questions); this compares
// two genuinely distinct operands via net.IP.Equal.
func (p *Peer) AddressEqual(ip net.IP) bool {
	return p.Addr != nil && ip != nil && p.Addr.Equal(ip)
}
