/*
 * MIT License
 *
 * Copyright (c) 2023 Nicolas JUHEL
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

// Package stats holds the hub's process-wide counters (spec.md §4.7),
// mirrored into a Prometheus registry for scraping and rendered as an HTML
// status page. Counters are atomic.Int64 values mutated only from the
// single reactor goroutine; each increment is mirrored into a Prometheus
// counter, and the Prometheus HTTP exporter (a separate goroutine) reads
// only those collectors, per SPEC_FULL.md §5.
package stats

import (
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
)

// PeerStats tracks the bytes shared to, and received from, one peer.
type PeerStats struct {
	Name     string
	Shared   atomic.Int64
	Received atomic.Int64
}

// Stats is the process-wide counter block described in spec.md §4.7.
type Stats struct {
	ServedTotal         atomic.Int64
	ServedUpstream      atomic.Int64
	ServedLocally       atomic.Int64
	NotModified         atomic.Int64
	FailedUpstream      atomic.Int64
	UnknownRepoRequests atomic.Int64

	Peers []*PeerStats

	promServedTotal    prometheus.Counter
	promServedUpstream prometheus.Counter
	promServedLocally  prometheus.Counter
	promNotModified    prometheus.Counter
	promFailedUpstream prometheus.Counter
	promUnknownRepo    prometheus.Counter
	promPeerShared     *prometheus.CounterVec
	promPeerReceived   *prometheus.CounterVec
}

// New builds a Stats block with one PeerStats per named peer and registers
// its Prometheus collectors into reg.
func New(reg prometheus.Registerer, peerNames []string) *Stats {
	s := &Stats{
		promServedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mirrorhub_served_total", Help: "Repository requests classified and fanned out.",
		}),
		promServedUpstream: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mirrorhub_served_upstream_total", Help: "Requests resolved by redirecting to upstream.",
		}),
		promServedLocally: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mirrorhub_served_locally_total", Help: "Requests resolved by redirecting to a peer.",
		}),
		promNotModified: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mirrorhub_not_modified_total", Help: "Database requests answered 304 Not Modified.",
		}),
		promFailedUpstream: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mirrorhub_failed_upstream_total", Help: "Database requests answered 404 from upstream.",
		}),
		promUnknownRepo: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mirrorhub_unknown_repo_total", Help: "Repository requests with an unrecognized suffix.",
		}),
		promPeerShared: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mirrorhub_peer_shared_bytes_total", Help: "Bytes redirected to each peer.",
		}, []string{"peer"}),
		promPeerReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mirrorhub_peer_received_bytes_total", Help: "Bytes a peer's own requests were redirected elsewhere for.",
		}, []string{"peer"}),
	}

	for _, name := range peerNames {
		s.Peers = append(s.Peers, &PeerStats{Name: name})
		s.promPeerShared.WithLabelValues(name)
		s.promPeerReceived.WithLabelValues(name)
	}

	if reg != nil {
		reg.MustRegister(
			s.promServedTotal, s.promServedUpstream, s.promServedLocally,
			s.promNotModified, s.promFailedUpstream, s.promUnknownRepo,
			s.promPeerShared, s.promPeerReceived,
		)
	}

	return s
}

func (s *Stats) IncServedTotal()         { s.ServedTotal.Add(1); s.promServedTotal.Inc() }
func (s *Stats) IncServedUpstream()      { s.ServedUpstream.Add(1); s.promServedUpstream.Inc() }
func (s *Stats) IncServedLocally()       { s.ServedLocally.Add(1); s.promServedLocally.Inc() }
func (s *Stats) IncNotModified()         { s.NotModified.Add(1); s.promNotModified.Inc() }
func (s *Stats) IncFailedUpstream()      { s.FailedUpstream.Add(1); s.promFailedUpstream.Inc() }
func (s *Stats) IncUnknownRepoRequests() { s.UnknownRepoRequests.Add(1); s.promUnknownRepo.Inc() }

// Peer looks up (or lazily creates) the PeerStats for name.
func (s *Stats) Peer(name string) *PeerStats {
	for _, p := range s.Peers {
		if p.Name == name {
			return p
		}
	}
	p := &PeerStats{Name: name}
	s.Peers = append(s.Peers, p)
	s.promPeerShared.WithLabelValues(name)
	s.promPeerReceived.WithLabelValues(name)
	return p
}

// AddShared records n bytes redirected to this peer.
func (p *PeerStats) AddShared(n int64, parent *Stats) {
	p.Shared.Add(n)
	parent.promPeerShared.WithLabelValues(p.Name).Add(float64(n))
}

// AddReceived records n bytes that this peer's own client
// requests ended up being redirected elsewhere for.
func (p *PeerStats) AddReceived(n int64, parent *Stats) {
	p.Received.Add(n)
	parent.promPeerReceived.WithLabelValues(p.Name).Add(float64(n))
}
