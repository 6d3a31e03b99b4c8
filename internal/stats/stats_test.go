package stats_test

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/sabouaram/mirrorhub/internal/stats"
)

func TestHumanBytes(t *testing.T) {
	cases := map[int64]string{
		0:          "0 B",
		999:        "999 B",
		1000:       "1.0 kB",
		1500:       "1.5 kB",
		1000000:    "1.0 MB",
		1000000000: "1.0 GB",
	}
	for n, want := range cases {
		if got := stats.HumanBytes(n); got != want {
			t.Errorf("HumanBytes(%d) = %q, want %q", n, got, want)
		}
	}
}

func TestStatsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	s := stats.New(reg, []string{"peer1"})

	s.IncServedTotal()
	s.IncServedLocally()
	s.Peer("peer1").AddShared(1024, s)

	if s.ServedTotal.Load() != 1 {
		t.Fatalf("unexpected served total: %d", s.ServedTotal.Load())
	}
	if s.ServedLocally.Load() != 1 {
		t.Fatalf("unexpected served locally: %d", s.ServedLocally.Load())
	}
	if s.Peer("peer1").Shared.Load() != 1024 {
		t.Fatalf("unexpected peer shared: %d", s.Peer("peer1").Shared.Load())
	}
}

func TestRenderStatusPage(t *testing.T) {
	out, err := stats.RenderStatusPage(stats.PageData{
		Peers: []stats.PeerView{
			{Name: "peer1", Live: true, DBLink: "/core", PkgLink: "/extra", Shared: "1.0 kB", Received: "0 B"},
		},
		ServedTotal: 3,
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(string(out), "peer1") {
		t.Fatalf("expected peer1 in rendered page: %s", out)
	}
}
