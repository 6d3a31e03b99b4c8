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

// Package hub wires the reactor, listener, peers, resolver, statistics and
// lifecycle runner into the single process described by spec.md's system
// overview. It is the composition root: every other internal package is a
// leaf with no knowledge of the others.
package hub

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/sabouaram/mirrorhub/internal/filecheck"
	"github.com/sabouaram/mirrorhub/internal/hubconfig"
	"github.com/sabouaram/mirrorhub/internal/hublog"
	"github.com/sabouaram/mirrorhub/internal/listener"
	"github.com/sabouaram/mirrorhub/internal/peer"
	"github.com/sabouaram/mirrorhub/internal/reactor"
	"github.com/sabouaram/mirrorhub/internal/runner"
	"github.com/sabouaram/mirrorhub/internal/stats"
	"github.com/sabouaram/mirrorhub/internal/wire"
)

// Hub is the assembled process: one reactor goroutine serving the
// listener, every configured peer connection and the file-check resolver,
// plus an optional Prometheus exporter goroutine (SPEC_FULL.md §5).
type Hub struct {
	cfg *hubconfig.Config
	log *hublog.Logger

	reactor  *reactor.Reactor
	listener *listener.Listener
	resolver *filecheck.Resolver
	peers    []*peer.Peer
	stats    *stats.Stats
	exporter *stats.Exporter

	rnr *runner.Runner
}

// New builds a Hub from a validated configuration. It creates the epoll
// instance and binds the listening socket, but does not start serving
// until Start is called.
func New(cfg *hubconfig.Config, log *hublog.Logger) (*Hub, error) {
	r, err := reactor.New()
	if err != nil {
		return nil, err
	}

	upstreamInfo, err := hubconfig.ParseUpstream(cfg.Hub.Upstream)
	if err != nil {
		_ = r.Close()
		return nil, err
	}

	h := &Hub{cfg: cfg, log: log, reactor: r}

	upstreamPeer := peer.NewPeer("upstream", upstreamInfo.Host, upstreamInfo.Port,
		upstreamInfo.DBPrefix, upstreamInfo.PkgPrefix, r, log, cfg.Hub.ResolveTimeout)

	names := make([]string, 0, len(cfg.Peers))
	for _, pe := range cfg.Peers {
		p := peer.NewPeer(pe.String(), pe.Host, pe.Port, pe.DBPrefix, pe.PkgPrefix, r, log, cfg.Hub.ResolveTimeout)
		h.peers = append(h.peers, p)
		names = append(names, pe.String())
	}

	reg := prometheus.NewRegistry()
	h.stats = stats.New(reg, names)
	h.resolver = filecheck.New(upstreamInfo, upstreamPeer, h.peers, h.stats, log, r, cfg.Hub.ProbeTimeout)

	l, err := listener.New(cfg.Hub.Port, r, h.resolver, log)
	if err != nil {
		_ = r.Close()
		return nil, err
	}
	h.listener = l

	if cfg.Hub.MetricsListen != "" {
		h.exporter = stats.NewExporter(cfg.Hub.MetricsListen, reg)
	}

	h.rnr = runner.New(h.run, h.shutdown)
	return h, nil
}

// Start launches the reactor (and, if configured, the metrics exporter)
// in the background. It does not block.
func (h *Hub) Start(ctx context.Context) error {
	return h.rnr.Start(ctx)
}

// Stop gracefully shuts the hub down, waiting for the reactor goroutine to
// return.
func (h *Hub) Stop(ctx context.Context) error {
	return h.rnr.Stop(ctx)
}

// Uptime reports how long the hub has been serving.
func (h *Hub) Uptime() time.Duration {
	return h.rnr.Uptime()
}

// PingPeers implements the diagnostic one-shot RPC client used by the
// `mirrorhubd ping-peers` subcommand: it walks the configured peers and
// issues a HEAD probe to each, reporting which are reachable. It does not
// touch the reactor goroutine's state directly; it runs its own
// short-lived reactor instead (SPEC_FULL.md §5's single stop channel
// only concerns the long-running serve process).
func PingPeers(cfg *hubconfig.Config, log *hublog.Logger) (map[string]bool, error) {
	r, err := reactor.New()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	results := make(map[string]bool, len(cfg.Peers))
	pending := len(cfg.Peers)
	stop := make(chan struct{})
	settle := func() {
		pending--
		if pending == 0 {
			close(stop)
		}
	}

	for _, pe := range cfg.Peers {
		name := pe.String()
		p := peer.NewPeer(name, pe.Host, pe.Port, pe.DBPrefix, pe.PkgPrefix, r, log, cfg.Hub.ResolveTimeout)
		p.SendProbe(pe.PkgPrefix, false, &peer.Callback{
			OnResponse: func(resp wire.Response) {
				results[name] = resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusNotFound
				settle()
			},
			OnClosed: func() {
				results[name] = false
				settle()
			},
		})
	}

	if pending == 0 {
		return results, nil
	}

	deadline := time.AfterFunc(5*time.Second, func() {
		select {
		case <-stop:
		default:
			close(stop)
		}
	})
	defer deadline.Stop()

	if err := r.Run(stop); err != nil {
		return results, err
	}
	return results, nil
}

func (h *Hub) run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	stop := make(chan struct{})
	g.Go(func() error {
		<-gctx.Done()
		close(stop)
		return nil
	})
	g.Go(func() error {
		return h.reactor.Run(stop)
	})

	if h.exporter != nil {
		g.Go(func() error {
			return h.exporter.Serve(gctx)
		})
	}

	return g.Wait()
}

func (h *Hub) shutdown(ctx context.Context) error {
	if err := h.listener.Close(); err != nil {
		h.log.WithError(err).Warn("closing listener")
	}
	if err := h.reactor.Close(); err != nil {
		return fmt.Errorf("closing reactor: %w", err)
	}
	return nil
}
