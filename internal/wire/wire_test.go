package wire_test

import (
	"net/textproto"
	"strings"
	"testing"

	"github.com/sabouaram/mirrorhub/internal/wire"
)

func TestParseRequestComplete(t *testing.T) {
	raw := []byte("GET /repo/core/os/x86_64/foo.pkg.tar.xz HTTP/1.1\r\nHost: hub\r\nIf-Modified-Since: Mon, 01 Jan 2024 00:00:00 GMT\r\n\r\n")

	req, err := wire.ParseRequest(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if req.Method != "GET" || req.Path != "/repo/core/os/x86_64/foo.pkg.tar.xz" {
		t.Fatalf("unexpected request: %+v", req)
	}
	if req.IfModifiedSince == "" {
		t.Fatal("expected If-Modified-Since to be captured")
	}
	if req.ConsumedBytes != len(raw) {
		t.Fatalf("expected to consume entire buffer, got %d/%d", req.ConsumedBytes, len(raw))
	}
}

func TestParseRequestIncomplete(t *testing.T) {
	raw := []byte("GET /repo/core/os/x86_64/foo.pkg.tar.xz HTTP/1.1\r\nHost: hub\r\n")
	_, err := wire.ParseRequest(raw)
	if err != wire.ErrIncomplete {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
}

func TestParseResponse(t *testing.T) {
	raw := []byte("HTTP/1.1 200 OK\r\nContent-Length: 1024\r\nLast-Modified: Mon, 01 Jan 2024 00:00:00 GMT\r\n\r\n")
	resp, err := wire.ParseResponse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if resp.StatusCode != 200 || resp.ContentLength != 1024 {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestFormatHeadProbe(t *testing.T) {
	got := wire.FormatHeadProbe("core", "foo.pkg.tar.xz", "peer1", 80)
	want := "HEAD /core/foo.pkg.tar.xz HTTP/1.1\r\nHost: peer1:80\r\n\r\n"
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}

func TestFormatClientResponseRedirect(t *testing.T) {
	h := textproto.MIMEHeader{}
	h.Set("Location", "http://peer1:80/extra/foo.pkg.tar.xz")

	got := wire.FormatClientResponse(307, h)
	if !strings.HasPrefix(got, "HTTP/1.1 307 Temporary Redirect\r\n") {
		t.Fatalf("unexpected status line: %q", got)
	}
	if !strings.Contains(got, "Content-Length: 0\r\n") {
		t.Fatalf("expected zero content length: %q", got)
	}
	if !strings.HasSuffix(got, "\r\n\r\n") {
		t.Fatalf("expected terminal blank line: %q", got)
	}
}
