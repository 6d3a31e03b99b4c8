package ioframe_test

import (
	"strings"
	"testing"

	"github.com/sabouaram/mirrorhub/internal/ioframe"
)

func TestAppendAndShift(t *testing.T) {
	var b ioframe.Buffer

	if err := b.Append("HEAD /%s HTTP/1.1\r\n", "core/os/x86_64/foo.pkg.tar.xz"); err != nil {
		t.Fatalf("append: %v", err)
	}
	if err := b.Append("Host: %s\r\n\r\n", "peer1:80"); err != nil {
		t.Fatalf("append: %v", err)
	}

	want := "HEAD /core/os/x86_64/foo.pkg.tar.xz HTTP/1.1\r\nHost: peer1:80\r\n\r\n"
	if got := string(b.Bytes()); got != want {
		t.Fatalf("got %q want %q", got, want)
	}

	b.Shift(len("HEAD /core/os/x86_64/foo.pkg.tar.xz HTTP/1.1\r\n"))
	if got := string(b.Bytes()); got != "Host: peer1:80\r\n\r\n" {
		t.Fatalf("after shift got %q", got)
	}
}

func TestAppendFull(t *testing.T) {
	var b ioframe.Buffer

	if err := b.AppendBytes(make([]byte, ioframe.Capacity)); err != nil {
		t.Fatalf("unexpected error filling buffer: %v", err)
	}
	if !b.Full() {
		t.Fatal("expected buffer to report full")
	}
	if err := b.Append("x"); err != ioframe.ErrFull {
		t.Fatalf("expected ErrFull, got %v", err)
	}
}

func TestClone(t *testing.T) {
	var b ioframe.Buffer
	_ = b.Append("hello")

	clone := b.Clone()
	b.Reset()
	_ = b.Append("world")

	if string(clone) != "hello" {
		t.Fatalf("clone mutated by later writes: %q", clone)
	}
	if strings.TrimRight(string(b.Bytes()), "\x00") != "world" {
		t.Fatalf("unexpected buffer contents: %q", b.Bytes())
	}
}

func TestShiftBeyondUsedResetsBuffer(t *testing.T) {
	var b ioframe.Buffer
	_ = b.Append("abc")
	b.Shift(100)
	if b.Len() != 0 {
		t.Fatalf("expected empty buffer, got len %d", b.Len())
	}
}
