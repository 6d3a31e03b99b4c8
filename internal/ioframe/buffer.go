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

// Package ioframe provides the fixed-capacity byte staging buffer used by
// peer and client connections to read and write HTTP/1.1 frames off
// nonblocking sockets without ever growing on the heap per message.
package ioframe

import (
	"fmt"
	"syscall"

	"github.com/pkg/errors"
)

// Capacity is the fixed size of a Buffer. A message that does not fit is a
// protocol error, not a reason to grow the buffer.
const Capacity = 4096

// ErrFull is returned by Append when the formatted data does not fit in the
// remaining free space of the buffer.
var ErrFull = errors.New("ioframe: buffer full")

// Buffer is a fixed-capacity staging area with a used-prefix counter. It is
// not safe for concurrent use; every Buffer is owned by exactly one peer or
// client connection living on the single reactor goroutine.
type Buffer struct {
	data [Capacity]byte
	used int
}

// Reset drops all buffered bytes without reallocating.
func (b *Buffer) Reset() {
	b.used = 0
}

// Len returns the number of valid bytes currently staged.
func (b *Buffer) Len() int {
	return b.used
}

// Bytes returns the used prefix. The returned slice aliases the buffer's
// backing array and is only valid until the next mutating call.
func (b *Buffer) Bytes() []byte {
	return b.data[:b.used]
}

// Full reports whether the buffer has no remaining free tail.
func (b *Buffer) Full() bool {
	return b.used == Capacity
}

// ReadFrom performs one nonblocking read into the buffer's free tail,
// restarting on EINTR. It returns the number of bytes read, whether the
// peer closed the connection (n == 0, err == nil), and whether the read
// would block (errors.Is(err, syscall.EAGAIN)).
func (b *Buffer) ReadFrom(fd int) (n int, err error) {
	for {
		if b.used >= Capacity {
			return 0, ErrFull
		}
		n, err = syscall.Read(fd, b.data[b.used:])
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			return 0, err
		}
		b.used += n
		return n, nil
	}
}

// WriteTo performs one nonblocking write of the entire used prefix,
// restarting on EINTR. The source tolerates partial writes as "assumed
// atomic at the kernel level" per the design notes; callers that need a
// drain-on-writable upgrade (see clientconn) do not use this method.
func (b *Buffer) WriteTo(fd int) error {
	for {
		n, err := syscall.Write(fd, b.data[:b.used])
		if err == syscall.EINTR {
			continue
		}
		if err != nil {
			return err
		}
		if n != b.used {
			return errors.Errorf("ioframe: partial write %d/%d bytes", n, b.used)
		}
		b.used = 0
		return nil
	}
}

// Append formats into the free tail of the buffer. It returns ErrFull if the
// formatted text does not fit; the buffer is left unchanged in that case.
func (b *Buffer) Append(format string, args ...interface{}) error {
	free := b.data[b.used:]
	msg := fmt.Sprintf(format, args...)
	if len(msg) > len(free) {
		return ErrFull
	}
	n := copy(free, msg)
	b.used += n
	return nil
}

// AppendBytes appends a raw byte slice, same fit rules as Append.
func (b *Buffer) AppendBytes(p []byte) error {
	free := b.data[b.used:]
	if len(p) > len(free) {
		return ErrFull
	}
	n := copy(free, p)
	b.used += n
	return nil
}

// Shift drops the first n consumed bytes, moving the remaining tail down to
// the front of the buffer. It is used after parsing one or more complete
// HTTP messages out of the buffered prefix.
func (b *Buffer) Shift(n int) {
	if n <= 0 {
		return
	}
	if n >= b.used {
		b.used = 0
		return
	}
	copy(b.data[:], b.data[n:b.used])
	b.used -= n
}

// Clone returns an independent copy of the used prefix, safe to retain past
// the next mutation of the buffer (e.g. to stash a ready response body while
// a pipeline waits on an earlier request).
func (b *Buffer) Clone() []byte {
	out := make([]byte, b.used)
	copy(out, b.data[:b.used])
	return out
}
