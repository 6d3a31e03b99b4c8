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

package wire

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
)

// Response is the subset of an HTTP response the peer connection acts on:
// the status code and the two headers the resolver reasons about.
type Response struct {
	StatusCode    int
	ContentLength int64
	LastModified  string
	ConsumedBytes int
}

// ParseResponse attempts to parse one complete HTTP response (status line,
// headers, no body tracking beyond Content-Length bookkeeping) from the
// head of buf. Responses to HEAD probes never carry a body, so only the
// header block needs to be present.
func ParseResponse(buf []byte) (Response, error) {
	idx := bytes.Index(buf, []byte("\r\n\r\n"))
	if idx < 0 {
		if len(buf) >= cap(buf) {
			return Response{}, errors.New("wire: response header block too large")
		}
		return Response{}, ErrIncomplete
	}

	r := bufio.NewReader(bytes.NewReader(buf))
	resp, err := http.ReadResponse(r, nil)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Response{}, ErrIncomplete
		}
		return Response{}, err
	}

	return Response{
		StatusCode:    resp.StatusCode,
		ContentLength: resp.ContentLength,
		LastModified:  resp.Header.Get("Last-Modified"),
		ConsumedBytes: idx + 4,
	}, nil
}

// FormatHeadProbe renders the outgoing HEAD probe wire format from spec.md
// §6: "HEAD /<prefix>/<filename> HTTP/1.1\r\nHost: <host>:<port>\r\n\r\n".
func FormatHeadProbe(prefix, filename, host string, port int) string {
	path := filename
	if prefix != "" {
		path = prefix + "/" + filename
	}
	return fmt.Sprintf("HEAD /%s HTTP/1.1\r\nHost: %s:%d\r\n\r\n", path, host, port)
}

// FormatClientResponse renders a minimal client-facing HTTP/1.1 response:
// status line, Content-Length, optional Location/Last-Modified headers, no
// body, matching spec.md §6 ("every response carries Content-Length
// (possibly zero) and no body for non-status responses").
func FormatClientResponse(status int, headers textproto.MIMEHeader) string {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	if headers.Get("Content-Length") == "" {
		headers.Set("Content-Length", "0")
	}
	for k, vs := range headers {
		for _, v := range vs {
			fmt.Fprintf(&buf, "%s: %s\r\n", k, v)
		}
	}
	buf.WriteString("\r\n")
	return buf.String()
}
