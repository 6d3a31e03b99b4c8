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

package peer

import (
	"github.com/google/uuid"

	"github.com/sabouaram/mirrorhub/internal/wire"
)

// Callback is how a Probe reports back to whoever sent it (the file-check
// resolver). It replaces the source's intrusive back-pointer from probe to
// incoming request (spec.md §9's "probe-back-pointer nulling" note): the
// resolver installs a Callback when it calls SendProbe, and can Cancel it
// at any time before the response arrives — matching the source's pattern
// of a dead incoming request leaving its probe as an orphan the peer
// later discovers, except expressed as an explicit cancellation token
// rather than a nulled pointer.
type Callback struct {
	// OnResponse is invoked once, in FIFO order, when this probe's HTTP
	// response has been fully parsed.
	OnResponse func(resp wire.Response)
	// OnClosed is invoked if the peer connection is recycled (hang-up,
	// read error, protocol error) before this probe received a response.
	// This is the peer_close semantics of spec.md §4.3.
	OnClosed func()

	canceled bool
}

// Cancel marks the callback dead; a Probe whose Callback has been canceled
// silently drops both OnResponse and OnClosed, matching the source's
// "response arrives for a dead incoming request, discover the null,
// drop the reply silently" behavior.
func (c *Callback) Cancel() {
	if c != nil {
		c.canceled = true
	}
}

func (c *Callback) live() bool {
	return c != nil && !c.canceled
}

// probe is one HEAD request in flight, linked into exactly one Peer's FIFO
// queue (invariant 1, spec.md §3). id is a per-probe trace identifier
// carried only in log fields, never on the wire.
type probe struct {
	id string
	cb *Callback
}

func newProbeID() string { return uuid.NewString() }
