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

// Package wire is the "external collaborator" boundary from spec.md §6: a
// minimal, resumable incremental parser for HTTP/1.1 requests and
// responses, and the small set of formatted writers the peer and client
// connections need. It is intentionally thin — the hard engineering lives
// in internal/peer, internal/clientconn and internal/filecheck, not here.
package wire

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net/http"
)

// ErrIncomplete signals that the buffered bytes do not yet contain a full
// HTTP message; the caller should wait for more data from the socket.
var ErrIncomplete = errors.New("wire: incomplete message")

// Request is the minimal subset of an incoming HTTP/1.1 request the hub
// acts on: method, path and the one header it inspects.
type Request struct {
	Method          string
	Path            string
	IfModifiedSince string
	// ConsumedBytes is how many bytes of the input were consumed to parse
	// this request, so the caller can Shift its buffer.
	ConsumedBytes int
}

// ParseRequest attempts to parse one HTTP/1.1 request from the head of buf.
// It returns ErrIncomplete if buf does not yet hold a full header block
// (terminated by "\r\n\r\n"), and any other error for a malformed request.
//
// This delegates to net/http.ReadRequest over a bufio.Reader bounded to
// buf's length, which is the idiomatic way to reuse the standard library's
// battle-tested HTTP/1.1 tokenizer for an external-collaborator contract
// that spec.md explicitly scopes out of the core engineering (see
// SPEC_FULL.md §4 and DESIGN.md for why this is not reimplemented).
func ParseRequest(buf []byte) (Request, error) {
	idx := bytes.Index(buf, []byte("\r\n\r\n"))
	if idx < 0 {
		return Request{}, ErrIncomplete
	}

	r := bufio.NewReader(bytes.NewReader(buf))
	req, err := http.ReadRequest(r)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Request{}, ErrIncomplete
		}
		return Request{}, err
	}

	consumed := idx + 4
	return Request{
		Method:          req.Method,
		Path:            req.URL.Path,
		IfModifiedSince: req.Header.Get("If-Modified-Since"),
		ConsumedBytes:   consumed,
	}, nil
}
