package proxywrap

import (
	"bytes"
	"encoding/binary"
	"io"
)

// v2Signature is the fixed 12 bytes every PROXY protocol v2 header starts with.
var v2Signature = []byte{0x0d, 0x0a, 0x0d, 0x0a, 0x00, 0x0d, 0x0a, 0x51, 0x55, 0x49, 0x54, 0x0a}

// minHeaderLen is the size of the fixed part of a v2 header: signature,
// version/command, family/transport and the address block length.
const minHeaderLen = 16

// State is the detection state of a single connection.
type State int

const (
	AwaitingMinimum    State = iota // fewer than 16 bytes seen so far
	NotProxy                        // never returned by State, a plain stream resolves at once; see IsProxy
	AwaitingHeaderBody              // signature found, address block incomplete
	Resolved                        // framing known, ready for handoff
)

func (s State) String() string {
	switch s {
	case AwaitingMinimum:
		return "awaiting-minimum"
	case NotProxy:
		return "not-proxy"
	case AwaitingHeaderBody:
		return "awaiting-header-body"
	case Resolved:
		return "resolved"
	default:
		return "invalid"
	}
}

// Detector accumulates the first bytes of a connection until it can tell
// whether they start with a PROXY protocol v2 header, and if so how long that
// header is.
//
// A Detector is fed chunks in the order they were read. Once it reaches
// Resolved it refuses any further input, so nothing read after that point can
// end up in the buffer.
type Detector struct {
	buf       []byte
	state     State
	proxy     bool
	headerLen int
}

// NewDetector returns a Detector in the AwaitingMinimum state.
func NewDetector() *Detector {
	return &Detector{state: AwaitingMinimum}
}

// State returns the current detection state.
func (d *Detector) State() State {
	return d.state
}

// Feed appends p to the accumulation buffer and advances the state machine.
// It returns the resulting state. Feeding a resolved Detector is a no-op.
func (d *Detector) Feed(p []byte) State {
	if d.state == Resolved {
		return d.state
	}
	d.buf = append(d.buf, p...)

	switch d.state {
	case AwaitingMinimum:
		if len(d.buf) < minHeaderLen {
			return d.state
		}
		if !bytes.Equal(d.buf[:len(v2Signature)], v2Signature) {
			d.resolve()
			return d.state
		}
		d.proxy = true
		d.headerLen = minHeaderLen + int(binary.BigEndian.Uint16(d.buf[14:16]))
		d.state = AwaitingHeaderBody
		fallthrough
	case AwaitingHeaderBody:
		if len(d.buf) >= d.headerLen {
			d.resolve()
		}
	}
	return d.state
}

// Finish tells the Detector no more input will arrive. A stream that ended
// before 16 bytes were seen resolves as not proxied, so the downstream server
// still gets those bytes. A stream that ended inside a header fails with
// io.ErrUnexpectedEOF.
func (d *Detector) Finish() error {
	switch d.state {
	case AwaitingMinimum:
		d.resolve()
	case AwaitingHeaderBody:
		return io.ErrUnexpectedEOF
	}
	return nil
}

func (d *Detector) resolve() {
	d.state = Resolved
}

// IsProxy reports whether the buffered data starts with a v2 signature.
func (d *Detector) IsProxy() bool {
	return d.proxy
}

// HeaderLen returns the total header length, or 0 when no header was detected
// (yet).
func (d *Detector) HeaderLen() int {
	return d.headerLen
}

// Need returns how many more bytes are required before the next transition.
func (d *Detector) Need() int {
	switch d.state {
	case AwaitingMinimum:
		return minHeaderLen - len(d.buf)
	case AwaitingHeaderBody:
		return d.headerLen - len(d.buf)
	}
	return 0
}

// Buffered returns the number of bytes accumulated so far.
func (d *Detector) Buffered() int {
	return len(d.buf)
}

// Header returns the header bytes. Only meaningful once resolved as proxied.
func (d *Detector) Header() []byte {
	if !d.proxy || d.state != Resolved {
		return nil
	}
	return d.buf[:d.headerLen]
}

// Leftover returns the bytes past the header (or all the bytes for a plain
// connection). These must be delivered to the downstream server before
// anything else is read from the connection.
func (d *Detector) Leftover() []byte {
	if d.state != Resolved {
		return nil
	}
	if d.proxy {
		return d.buf[d.headerLen:]
	}
	return d.buf
}
