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

// Package filecheck is the hub's resolver (spec.md §4.5): it classifies a
// repository path, fans HEAD probes out to eligible peers (and, for
// database files, to upstream), and settles the originating incoming
// request as soon as the fan-out rules permit a decision.
package filecheck

import (
	"fmt"
	"net"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"
	"time"

	"github.com/sabouaram/mirrorhub/internal/clientconn"
	"github.com/sabouaram/mirrorhub/internal/hubconfig"
	"github.com/sabouaram/mirrorhub/internal/hublog"
	"github.com/sabouaram/mirrorhub/internal/peer"
	"github.com/sabouaram/mirrorhub/internal/reactor"
	"github.com/sabouaram/mirrorhub/internal/stats"
	"github.com/sabouaram/mirrorhub/internal/wire"
)

// Resolver implements clientconn.Handlers, the hub's single routing and
// resolution authority.
type Resolver struct {
	upstreamInfo hubconfig.Upstream
	upstream     *peer.Peer
	peers        []*peer.Peer
	stats        *stats.Stats
	log          *hublog.Logger

	reactor      *reactor.Reactor
	probeTimeout time.Duration
}

// New builds a Resolver. upstreamPeer is a Peer constructed from the
// configured upstream URL (spec.md §6) used to send HEAD probes; its
// package and database prefixes are both the upstream path's first
// segment, and it always participates regardless of state, unlike
// configured peers. upstreamInfo carries the scheme needed to build
// absolute redirect URLs, which a bare Peer does not track.
//
// probeTimeout is the optional per-probe deadline of SPEC_FULL.md's
// REDESIGN FLAGS (zero disables it, matching spec.md's "no timeout"
// default): a probe still outstanding when it elapses is treated exactly
// like a peer_close, via the same reactor r used for every other
// registered fd.
func New(upstreamInfo hubconfig.Upstream, upstreamPeer *peer.Peer, peers []*peer.Peer, st *stats.Stats, log *hublog.Logger, r *reactor.Reactor, probeTimeout time.Duration) *Resolver {
	return &Resolver{
		upstreamInfo: upstreamInfo,
		upstream:     upstreamPeer,
		peers:        peers,
		stats:        st,
		log:          log.Component("filecheck"),
		reactor:      r,
		probeTimeout: probeTimeout,
	}
}

type kind int

const (
	kindUnknown kind = iota
	kindPackage
	kindDatabase
	kindFilesOnly
)

// classify implements spec.md §4.5's suffix classification.
func classify(path string) kind {
	switch {
	case strings.HasSuffix(path, ".db") || strings.HasSuffix(path, ".db.sig"):
		return kindDatabase
	case strings.HasSuffix(path, ".files") || strings.HasSuffix(path, ".files.sig"):
		return kindFilesOnly
	case strings.HasSuffix(path, ".pkg.tar.xz"):
		return kindPackage
	default:
		return kindUnknown
	}
}

func basename(path string) string {
	if i := strings.LastIndex(path, "/"); i >= 0 {
		return path[i+1:]
	}
	return path
}

// HandleRepo implements clientconn.Handlers for the "/repo/…" prefix.
// served_total only counts requests that actually create a file check
// (package, database, files-only); an unknown suffix never does, so it
// must not bump the counter (spec.md §4.5).
func (r *Resolver) HandleRepo(ir *clientconn.IncomingRequest, path, ifModifiedSince string, peerAddr net.IP) {
	k := classify(path)
	if k == kindUnknown {
		r.stats.IncUnknownRepoRequests()
		ir.Resolve([]byte(wire.FormatClientResponse(http.StatusBadRequest, textproto.MIMEHeader{})))
		return
	}

	r.stats.IncServedTotal()
	switch k {
	case kindFilesOnly:
		r.redirectUpstreamDirect(ir, path)
	case kindPackage:
		r.startFileCheck(ir, path, false, "", peerAddr)
	case kindDatabase:
		r.startFileCheck(ir, path, true, ifModifiedSince, peerAddr)
	}
}

// HandlePing implements clientconn.Handlers for "/rpc/ping": every FAILED
// peer is retried (spec.md §4.3's FAILED → NEW transition).
func (r *Resolver) HandlePing(ir *clientconn.IncomingRequest) {
	for _, p := range r.peers {
		if p.State() == peer.Failed {
			p.Retry()
		}
	}
	ir.Resolve([]byte(wire.FormatClientResponse(http.StatusOK, textproto.MIMEHeader{})))
}

// HandleStatus implements clientconn.Handlers for any path that is neither
// "/repo/…" nor "/rpc/…": the HTML status page of spec.md §4.7.
func (r *Resolver) HandleStatus(ir *clientconn.IncomingRequest) {
	page, err := stats.RenderStatusPage(r.pageData())
	if err != nil {
		r.log.WithError(err).Error("rendering status page")
		ir.Resolve([]byte(wire.FormatClientResponse(http.StatusInternalServerError, textproto.MIMEHeader{})))
		return
	}

	headers := textproto.MIMEHeader{}
	headers.Set("Content-Type", "text/html; charset=utf-8")
	headers.Set("Content-Length", strconv.Itoa(len(page)))
	out := append([]byte(wire.FormatClientResponse(http.StatusOK, headers)), page...)
	ir.Resolve(out)
}

func (r *Resolver) pageData() stats.PageData {
	data := stats.PageData{
		ServedTotal:         r.stats.ServedTotal.Load(),
		ServedUpstream:      r.stats.ServedUpstream.Load(),
		ServedLocally:       r.stats.ServedLocally.Load(),
		NotModified:         r.stats.NotModified.Load(),
		FailedUpstream:      r.stats.FailedUpstream.Load(),
		UnknownRepoRequests: r.stats.UnknownRepoRequests.Load(),
	}
	for _, p := range r.peers {
		ps := r.stats.Peer(p.Name)
		data.Peers = append(data.Peers, stats.PeerView{
			Name:     p.Name,
			Live:     p.State() != peer.Failed,
			DBLink:   p.DBPrefix,
			PkgLink:  p.PkgPrefix,
			Shared:   stats.HumanBytes(ps.Shared.Load()),
			Received: stats.HumanBytes(ps.Received.Load()),
		})
	}
	return data
}

func (r *Resolver) redirectUpstreamDirect(ir *clientconn.IncomingRequest, path string) {
	r.stats.IncServedUpstream()
	headers := textproto.MIMEHeader{}
	headers.Set("Location", r.upstreamLocation(path))
	ir.Resolve([]byte(wire.FormatClientResponse(http.StatusTemporaryRedirect, headers)))
}

// upstreamLocation builds the redirect target for a client falling back to
// upstream. The upstream URL's own path (its first segment is also
// upstreamInfo.DBPrefix/PkgPrefix) must be prepended, matching the prefix
// already sent on the upstream HEAD probe (peer.SendProbe uses the same
// DBPrefix/PkgPrefix) — otherwise the client is redirected one path
// segment short of where the probe actually found the file.
func (r *Resolver) upstreamLocation(path string) string {
	prefix := strings.Trim(r.upstreamInfo.Path, "/")
	return r.upstreamInfo.BaseURL() + "/" + joinPrefix(prefix, strings.TrimPrefix(path, "/"))
}

// fileCheck is the per-request resolver state of spec.md §3's "File
// check": the outstanding probe count, the best peer seen so far, and the
// upstream's canonical timestamp once known.
type fileCheck struct {
	r        *Resolver
	ir       *clientconn.IncomingRequest
	path     string // full path, sent to upstream
	filename string // basename, sent to peers and placed in peer redirect URLs
	isDB     bool

	ifModifiedSince    time.Time
	hasIfModifiedSince bool

	outstanding int
	decided     bool

	bestPeer           *peer.Peer
	bestPeerTime       time.Time
	hasBestPeerTime    bool
	bestPeerContentLen int64

	upstreamTime    time.Time
	hasUpstreamTime bool

	origPeer *peer.Peer

	callbacks []*peer.Callback
}

func (r *Resolver) startFileCheck(ir *clientconn.IncomingRequest, path string, isDB bool, ifModifiedSince string, peerAddr net.IP) {
	fc := &fileCheck{
		r:        r,
		ir:       ir,
		path:     path,
		filename: basename(path),
		isDB:     isDB,
	}
	if ifModifiedSince != "" {
		if t, err := http.ParseTime(ifModifiedSince); err == nil {
			fc.ifModifiedSince = t
			fc.hasIfModifiedSince = true
		}
	}
	ir.SetCancel(fc.cancel)
	fc.fanOut(peerAddr)
}

// fanOut implements spec.md §4.5's package/database fan-out walk.
func (fc *fileCheck) fanOut(clientAddr net.IP) {
	for _, p := range fc.r.peers {
		if p.AddressEqual(clientAddr) {
			fc.origPeer = p
			continue
		}
		if p.State() == peer.Failed {
			continue
		}
		if fc.isDB && !p.HasDatabasePrefix() {
			continue
		}
		if !fc.isDB && !p.HasPackagePrefix() {
			continue
		}
		fc.probe(p, fc.filename, fc.isDB)
	}

	if fc.outstanding == 0 {
		fc.fallbackUpstream()
		return
	}

	if fc.isDB {
		fc.probe(fc.r.upstream, fc.path, true)
	}
}

func (fc *fileCheck) probe(p *peer.Peer, filename string, isDB bool) {
	fc.outstanding++
	cb := &peer.Callback{}
	isUpstream := p == fc.r.upstream
	settled := false
	cb.OnResponse = func(resp wire.Response) {
		if settled {
			return
		}
		settled = true
		if isUpstream {
			fc.onUpstreamResponse(resp)
		} else {
			fc.onPeerResponse(p, resp)
		}
	}
	cb.OnClosed = func() {
		if settled {
			return
		}
		settled = true
		fc.onOutstandingDone()
	}
	fc.callbacks = append(fc.callbacks, cb)
	p.SendProbe(filename, isDB, cb)

	if fc.r.probeTimeout > 0 && fc.r.reactor != nil {
		fc.r.reactor.AfterFunc(fc.r.probeTimeout, func() {
			if settled || !cb.live() {
				return
			}
			settled = true
			cb.Cancel()
			fc.onOutstandingDone()
		})
	}
}

func (fc *fileCheck) onOutstandingDone() {
	fc.outstanding--
	if !fc.decided && fc.outstanding == 0 {
		fc.fallbackUpstream()
	}
}

// onPeerResponse implements spec.md §4.5's per-peer resolution rules.
func (fc *fileCheck) onPeerResponse(p *peer.Peer, resp wire.Response) {
	fc.outstanding--
	if fc.decided {
		return
	}

	if !fc.isDB {
		if resp.StatusCode == http.StatusOK {
			fc.decidePeer(p, resp.ContentLength)
			return
		}
	} else if resp.StatusCode == http.StatusOK {
		t, err := http.ParseTime(resp.LastModified)
		if err == nil {
			if !fc.hasBestPeerTime || t.After(fc.bestPeerTime) {
				fc.bestPeer = p
				fc.bestPeerTime = t
				fc.hasBestPeerTime = true
				fc.bestPeerContentLen = resp.ContentLength
			}
			if fc.hasUpstreamTime && !fc.bestPeerTime.Before(fc.upstreamTime) {
				fc.decidePeer(fc.bestPeer, fc.bestPeerContentLen)
				return
			}
		}
	}

	if fc.outstanding == 0 {
		fc.fallbackUpstream()
	}
}

// onUpstreamResponse implements spec.md §4.5's upstream resolution rules.
func (fc *fileCheck) onUpstreamResponse(resp wire.Response) {
	fc.outstanding--
	if fc.decided {
		return
	}

	switch resp.StatusCode {
	case http.StatusOK:
		t, err := http.ParseTime(resp.LastModified)
		if err == nil {
			fc.upstreamTime = t
			fc.hasUpstreamTime = true

			if fc.hasIfModifiedSince && !fc.ifModifiedSince.Before(fc.upstreamTime) {
				fc.decideNotModified()
				return
			}
			if fc.hasBestPeerTime && !fc.bestPeerTime.Before(fc.upstreamTime) {
				fc.decidePeer(fc.bestPeer, fc.bestPeerContentLen)
				return
			}
		}
	case http.StatusNotFound:
		fc.decideNotFound()
		return
	}

	if fc.outstanding == 0 {
		fc.fallbackUpstream()
	}
}

func (fc *fileCheck) decidePeer(p *peer.Peer, contentLength int64) {
	fc.decided = true
	fc.r.stats.IncServedLocally()
	if contentLength > 0 {
		fc.r.stats.Peer(p.Name).AddShared(contentLength, fc.r.stats)
		if fc.origPeer != nil {
			fc.r.stats.Peer(fc.origPeer.Name).AddReceived(contentLength, fc.r.stats)
		}
	}

	prefix := p.PkgPrefix
	if fc.isDB {
		prefix = p.DBPrefix
	}
	loc := fmt.Sprintf("%s://%s:%d/%s", schemeForPort(p.Port), p.Host, p.Port, joinPrefix(prefix, fc.filename))

	headers := textproto.MIMEHeader{}
	headers.Set("Location", loc)
	fc.ir.Resolve([]byte(wire.FormatClientResponse(http.StatusTemporaryRedirect, headers)))
}

func (fc *fileCheck) decideNotModified() {
	fc.decided = true
	fc.r.stats.IncNotModified()
	fc.ir.Resolve([]byte(wire.FormatClientResponse(http.StatusNotModified, textproto.MIMEHeader{})))
}

func (fc *fileCheck) decideNotFound() {
	fc.decided = true
	fc.r.stats.IncFailedUpstream()
	fc.ir.Resolve([]byte(wire.FormatClientResponse(http.StatusNotFound, textproto.MIMEHeader{})))
}

// fallbackUpstream implements spec.md §4.5's terminal fallback: taken both
// when the initial fan-out emitted no probes and when every outstanding
// probe has been exhausted without a decision.
func (fc *fileCheck) fallbackUpstream() {
	fc.decided = true
	fc.r.stats.IncServedUpstream()
	headers := textproto.MIMEHeader{}
	headers.Set("Location", fc.r.upstreamLocation(fc.path))
	fc.ir.Resolve([]byte(wire.FormatClientResponse(http.StatusTemporaryRedirect, headers)))
}

// cancel is installed as the incoming request's destruction hook
// (spec.md §4.4's cascading destroy): every outstanding probe's callback
// is canceled so a late peer response is silently dropped.
func (fc *fileCheck) cancel() {
	for _, cb := range fc.callbacks {
		cb.Cancel()
	}
}

// schemeForPort selects https for the conventional TLS port, matching the
// source's format_url port-based scheme choice; every other port is
// plain http, since a peer's scheme is otherwise not configured.
func schemeForPort(port int) string {
	if port == 443 {
		return "https"
	}
	return "http"
}

func joinPrefix(prefix, filename string) string {
	if prefix == "" {
		return filename
	}
	return prefix + "/" + filename
}
