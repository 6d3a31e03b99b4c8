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

package reactor_test

import (
	"net"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"

	"github.com/sabouaram/mirrorhub/internal/reactor"
)

// recordingHandler counts which reactor.Handler callbacks fired, for tests
// that only care whether an event was delivered, not a connection's full
// protocol behavior (that is covered in internal/peer and internal/listener).
type recordingHandler struct {
	readable int32
	writable int32
	hangup   int32
}

func (h *recordingHandler) OnReadable() { atomic.AddInt32(&h.readable, 1) }
func (h *recordingHandler) OnWritable() { atomic.AddInt32(&h.writable, 1) }
func (h *recordingHandler) OnHangup()   { atomic.AddInt32(&h.hangup, 1) }

func loopbackPair(t *testing.T) (a, b int) {
	t.Helper()
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	acceptedCh := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err == nil {
			acceptedCh <- c
		}
	}()

	client, err := net.Dial("tcp4", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-acceptedCh

	fdOf := func(c net.Conn) int {
		tc := c.(*net.TCPConn)
		f, err := tc.File()
		if err != nil {
			t.Fatalf("file: %v", err)
		}
		fd, err := unix.Dup(int(f.Fd()))
		if err != nil {
			t.Fatalf("dup: %v", err)
		}
		_ = f.Close()
		if err := unix.SetNonblock(fd, true); err != nil {
			t.Fatalf("setnonblock: %v", err)
		}
		return fd
	}

	serverFD := fdOf(server)
	clientFD := fdOf(client)
	_ = server.Close()
	_ = client.Close()
	return serverFD, clientFD
}

func TestReactorDispatchesReadable(t *testing.T) {
	r, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	defer r.Close()

	serverFD, clientFD := loopbackPair(t)
	defer unix.Close(serverFD)
	defer unix.Close(clientFD)

	h := &recordingHandler{}
	if err := r.Register(serverFD, reactor.Readable, h); err != nil {
		t.Fatalf("Register: %v", err)
	}

	if _, err := unix.Write(clientFD, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- r.Run(stop) }()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&h.readable) == 0 {
		if time.Now().After(deadline) {
			close(stop)
			t.Fatal("timed out waiting for OnReadable")
		}
		time.Sleep(time.Millisecond)
	}
	close(stop)
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestReactorDispatchesHangup(t *testing.T) {
	r, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	defer r.Close()

	serverFD, clientFD := loopbackPair(t)
	defer unix.Close(serverFD)

	h := &recordingHandler{}
	if err := r.Register(serverFD, reactor.Readable, h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	_ = unix.Close(clientFD)

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- r.Run(stop) }()

	deadline := time.Now().Add(2 * time.Second)
	for atomic.LoadInt32(&h.hangup) == 0 && atomic.LoadInt32(&h.readable) == 0 {
		if time.Now().After(deadline) {
			close(stop)
			t.Fatal("timed out waiting for hangup/EOF notification")
		}
		time.Sleep(time.Millisecond)
	}
	close(stop)
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestReactorAfterFuncFiresOnDeadline(t *testing.T) {
	r, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	defer r.Close()

	fired := make(chan struct{})
	r.AfterFunc(10*time.Millisecond, func() { close(fired) })

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() { done <- r.Run(stop) }()

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		close(stop)
		t.Fatal("timed out waiting for AfterFunc to fire")
	}
	close(stop)
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestReactorUnregisterStopsDispatch(t *testing.T) {
	r, err := reactor.New()
	if err != nil {
		t.Fatalf("reactor.New: %v", err)
	}
	defer r.Close()

	serverFD, clientFD := loopbackPair(t)
	defer unix.Close(serverFD)
	defer unix.Close(clientFD)

	h := &recordingHandler{}
	if err := r.Register(serverFD, reactor.Readable, h); err != nil {
		t.Fatalf("Register: %v", err)
	}
	r.Unregister(serverFD)

	if _, err := unix.Write(clientFD, []byte("x")); err != nil {
		t.Fatalf("write: %v", err)
	}

	stop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		_ = r.Run(stop)
		done <- nil
	}()
	time.Sleep(50 * time.Millisecond)
	close(stop)
	<-done

	if atomic.LoadInt32(&h.readable) != 0 {
		t.Fatalf("expected no dispatch after Unregister, got %d", h.readable)
	}
}
