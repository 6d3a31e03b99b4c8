package hubconfig_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sabouaram/mirrorhub/internal/hubconfig"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "mirrorhub.ini")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	path := writeConfig(t, "[hub]\n")

	cfg, err := hubconfig.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Hub.Port != 9129 {
		t.Fatalf("unexpected default port: %d", cfg.Hub.Port)
	}
	if cfg.Hub.Upstream != "http://mirrors.kernel.org/archlinux" {
		t.Fatalf("unexpected default upstream: %s", cfg.Hub.Upstream)
	}
}

func TestLoadPeers(t *testing.T) {
	path := writeConfig(t, "[hub]\nport = 9200\n\n[peer]\n10.0.0.2:80 = core,extra\n10.0.0.3 = ,extra\n")

	cfg, err := hubconfig.Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(cfg.Peers) != 2 {
		t.Fatalf("expected 2 peers, got %d", len(cfg.Peers))
	}

	p1 := cfg.Peers[0]
	if p1.Host != "10.0.0.2" || p1.Port != 80 || p1.DBPrefix != "core" || p1.PkgPrefix != "extra" {
		t.Fatalf("unexpected peer1: %+v", p1)
	}

	p2 := cfg.Peers[1]
	if p2.Host != "10.0.0.3" || p2.Port != 80 || p2.DBPrefix != "" {
		t.Fatalf("unexpected peer2: %+v", p2)
	}
}

func TestLoadPeerMissingCommaIsConfigError(t *testing.T) {
	path := writeConfig(t, "[hub]\n\n[peer]\n10.0.0.2:80 = core\n")

	_, err := hubconfig.Load(path)
	if err == nil {
		t.Fatal("expected error for missing comma separator")
	}
}

func TestParseUpstream(t *testing.T) {
	u, err := hubconfig.ParseUpstream("http://mirrors.kernel.org/archlinux")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Port != 80 || u.DBPrefix != "archlinux" || u.PkgPrefix != "archlinux" {
		t.Fatalf("unexpected upstream: %+v", u)
	}
	if u.BaseURL() != "http://mirrors.kernel.org" {
		t.Fatalf("unexpected base url: %s", u.BaseURL())
	}
}

func TestParseUpstreamHTTPS(t *testing.T) {
	u, err := hubconfig.ParseUpstream("https://mirror.example.com:8443/repo")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if u.Port != 8443 {
		t.Fatalf("unexpected port: %d", u.Port)
	}
	if u.BaseURL() != "https://mirror.example.com:8443" {
		t.Fatalf("unexpected base url: %s", u.BaseURL())
	}
}
