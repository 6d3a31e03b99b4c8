//go:build linux

package hub_test

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/sabouaram/mirrorhub/internal/hub"
	"github.com/sabouaram/mirrorhub/internal/hubconfig"
	"github.com/sabouaram/mirrorhub/internal/hublog"
)

// fixedUpstream answers every HEAD/GET with the given canned response,
// standing in for the configured upstream mirror or a peer.
func fixedUpstream(t *testing.T, response string) (host string, port int, stop func()) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done := make(chan struct{})
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if err != nil || n == 0 {
						return
					}
					_, _ = c.Write([]byte(response))
				}
			}(conn)
		}
	}()
	go func() { <-done; _ = ln.Close() }()

	addr := ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port, func() { close(done) }
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

// TestHubServesRepoRequestEndToEnd wires a Hub against a fixed upstream
// mirror, dials its listening port with a real TCP client, and checks the
// whole reactor -> listener -> resolver -> upstream-redirect path.
func TestHubServesRepoRequestEndToEnd(t *testing.T) {
	upstreamHost, upstreamPort, stop := fixedUpstream(t, "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n")
	defer stop()

	cfg := &hubconfig.Config{
		Hub: hubconfig.Hub{
			Upstream:       fmt.Sprintf("http://%s:%d/core", upstreamHost, upstreamPort),
			Port:           freePort(t),
			ResolveTimeout: time.Second,
		},
	}

	h, err := hub.New(cfg, hublog.Discard())
	if err != nil {
		t.Fatalf("hub.New: %v", err)
	}

	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp4", net.JoinHostPort("127.0.0.1", fmt.Sprint(cfg.Hub.Port)))
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial hub: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("GET /repo/core/os/x86_64/foo.pkg.tar.xz HTTP/1.1\r\nHost: hub\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	status, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if want := "HTTP/1.1 307 "; status[:len(want)] != want {
		t.Fatalf("expected 307 redirect to upstream, got %q", status)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.Stop(stopCtx); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

// TestHubStatusPage exercises the non-/repo, non-/rpc branch served by the
// resolver's HTML status page.
func TestHubStatusPage(t *testing.T) {
	upstreamHost, upstreamPort, stop := fixedUpstream(t, "HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n")
	defer stop()

	cfg := &hubconfig.Config{
		Hub: hubconfig.Hub{
			Upstream:       fmt.Sprintf("http://%s:%d/core", upstreamHost, upstreamPort),
			Port:           freePort(t),
			ResolveTimeout: time.Second,
		},
	}

	h, err := hub.New(cfg, hublog.Discard())
	if err != nil {
		t.Fatalf("hub.New: %v", err)
	}

	ctx := context.Background()
	if err := h.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.Stop(stopCtx)
	}()

	var conn net.Conn
	for i := 0; i < 50; i++ {
		conn, err = net.Dial("tcp4", net.JoinHostPort("127.0.0.1", fmt.Sprint(cfg.Hub.Port)))
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("dial hub: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("GET / HTTP/1.1\r\nHost: hub\r\n\r\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	status, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		t.Fatalf("read status: %v", err)
	}
	if want := "HTTP/1.1 200 "; status[:len(want)] != want {
		t.Fatalf("expected 200, got %q", status)
	}
}

// TestPingPeersReportsReachability exercises the one-shot ping-peers path
// used by the CLI, independent of a running Hub.
func TestPingPeersReportsReachability(t *testing.T) {
	reachableHost, reachablePort, stopR := fixedUpstream(t, "HTTP/1.1 200 OK\r\nContent-Length: 0\r\n\r\n")
	defer stopR()

	cfg := &hubconfig.Config{
		Hub: hubconfig.Hub{
			Upstream:       "http://localhost/core",
			Port:           freePort(t),
			ResolveTimeout: time.Second,
		},
		Peers: []hubconfig.PeerEntry{
			{Name: "p1", Host: reachableHost, Port: reachablePort, DBPrefix: "core", PkgPrefix: "core"},
			{Name: "p2", Host: "127.0.0.1", Port: freePort(t), DBPrefix: "core", PkgPrefix: "core"},
		},
	}

	results, err := hub.PingPeers(cfg, hublog.Discard())
	if err != nil {
		t.Fatalf("PingPeers: %v", err)
	}

	key := net.JoinHostPort(reachableHost, fmt.Sprint(reachablePort))
	if !results[key] {
		t.Fatalf("expected %s reachable, got %v", key, results)
	}
}
