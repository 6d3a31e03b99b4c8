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

// Package peer implements the long-lived outbound HTTP/1.1 connection to
// one mirror described in spec.md §4.3: a state machine plus a FIFO queue
// of in-flight HEAD probes.
package peer

// State is one of the four states a Peer connection can be in
// (spec.md §3, §4.3).
type State int

const (
	// New means no socket exists; the next SendProbe lazily connects.
	New State = iota
	// Connecting means connect() returned EINPROGRESS; the socket is
	// registered for writable and queued probes sit in the scratch buffer.
	Connecting
	// Active means the socket is connected and registered for readable;
	// probes are written directly.
	Active
	// Failed means address resolution or connect attempts were exhausted;
	// only /rpc/ping can move a peer back to New.
	Failed
)

func (s State) String() string {
	switch s {
	case New:
		return "NEW"
	case Connecting:
		return "CONNECTING"
	case Active:
		return "ACTIVE"
	case Failed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}
