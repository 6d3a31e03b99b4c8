/*
 * MIT License
 *
 * Copyright (c) 2024 Nicolas JUHEL
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

// Package huberr defines the error taxonomy of the hub: a small closed set
// of codes (setup, client I/O, peer I/O, classification, upstream,
// no-peer-available) each carrying a stack-aware wrapped cause.
package huberr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code identifies which of the taxonomy buckets from SPEC_FULL.md §7 an
// error belongs to.
type Code int

const (
	// ErrSetup covers socket/bind/listen/epoll-create failures at startup.
	ErrSetup Code = iota
	// ErrConfig covers malformed configuration (e.g. a peer entry missing
	// its comma separator).
	ErrConfig
	// ErrClientIO covers client socket errors and malformed requests.
	ErrClientIO
	// ErrPeerIO covers peer socket errors and malformed responses.
	ErrPeerIO
	// ErrUnknownRepo covers a repository path with an unrecognized suffix.
	ErrUnknownRepo
	// ErrUpstreamMissing covers a 404 from upstream for a database file.
	ErrUpstreamMissing
	// ErrNoPeer covers the (non-error) fallback path when no peer can
	// answer and the file check redirects to upstream instead.
	ErrNoPeer
)

func (c Code) String() string {
	switch c {
	case ErrSetup:
		return "setup"
	case ErrConfig:
		return "config"
	case ErrClientIO:
		return "client_io"
	case ErrPeerIO:
		return "peer_io"
	case ErrUnknownRepo:
		return "unknown_repo"
	case ErrUpstreamMissing:
		return "upstream_missing"
	case ErrNoPeer:
		return "no_peer"
	default:
		return "unknown"
	}
}

// Error pairs a Code with a stack-wrapped cause. The message returned by
// Error() never leaks past the client-facing HTTP layer; only the status
// code derived from Code does.
type Error struct {
	code  Code
	cause error
}

// New wraps cause (which may be nil) under the given Code, attaching a
// stack trace for log output.
func New(code Code, cause error, format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	var wrapped error
	if cause != nil {
		wrapped = errors.Wrap(cause, msg)
	} else {
		wrapped = errors.New(msg)
	}
	return &Error{code: code, cause: wrapped}
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.code, e.cause)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// Code returns the taxonomy bucket of e.
func (e *Error) Code() Code {
	if e == nil {
		return -1
	}
	return e.code
}
