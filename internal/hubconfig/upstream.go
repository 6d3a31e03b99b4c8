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

package hubconfig

import (
	"net/url"
	"strconv"
	"strings"

	"github.com/sabouaram/mirrorhub/internal/huberr"
)

// Upstream is the parsed form of the `[hub] upstream` URL: scheme, host,
// port, and the first path segment used as both the database and package
// prefix (spec.md §6).
type Upstream struct {
	Scheme    string
	Host      string
	Port      int
	DBPrefix  string
	PkgPrefix string
	Path      string
}

// ParseUpstream parses raw into an Upstream, defaulting the port to 443 for
// https and 80 otherwise.
func ParseUpstream(raw string) (Upstream, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Upstream{}, huberr.New(huberr.ErrConfig, err, "parsing upstream url %q", raw)
	}
	if u.Scheme == "" || u.Host == "" {
		return Upstream{}, huberr.New(huberr.ErrConfig, nil, "upstream url %q missing scheme or host", raw)
	}

	host := u.Hostname()
	portStr := u.Port()
	port := 80
	if u.Scheme == "https" {
		port = 443
	}
	if portStr != "" {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return Upstream{}, huberr.New(huberr.ErrConfig, err, "invalid upstream port %q", portStr)
		}
		port = p
	}

	prefix := strings.TrimPrefix(u.Path, "/")
	if i := strings.Index(prefix, "/"); i >= 0 {
		prefix = prefix[:i]
	}

	return Upstream{
		Scheme:    u.Scheme,
		Host:      host,
		Port:      port,
		DBPrefix:  prefix,
		PkgPrefix: prefix,
		Path:      strings.TrimSuffix(u.Path, "/"),
	}, nil
}

// Addr returns "host:port" suitable for net.Dial.
func (u Upstream) Addr() string {
	return u.Host + ":" + strconv.Itoa(u.Port)
}

// BaseURL renders "scheme://host[:port]" for building redirect Location
// headers, omitting the port when it is the scheme's default.
func (u Upstream) BaseURL() string {
	if (u.Scheme == "http" && u.Port == 80) || (u.Scheme == "https" && u.Port == 443) {
		return u.Scheme + "://" + u.Host
	}
	return u.Scheme + "://" + u.Host + ":" + strconv.Itoa(u.Port)
}
