package proxywrap

import (
	"bufio"
	"bytes"
	"net"

	"github.com/pires/go-proxyproto"
	"github.com/pkg/errors"
)

// Decoder turns the raw bytes of a PROXY v2 header (exactly HeaderLen bytes,
// signature included) into a HeaderInfo. Implementations must return a
// *DecodeError for malformed input. A nil HeaderInfo with a nil error drops
// the header without reporting anything: the connection keeps its native
// addresses.
type Decoder func(header []byte) (*HeaderInfo, error)

// HeaderInfo is the decoded content of a PROXY v2 header.
type HeaderInfo struct {
	Version       byte
	Command       proxyproto.ProtocolVersionAndCommand
	AddressFamily proxyproto.AddressFamilyAndProtocol
	Source        net.Addr // nil for LOCAL or UNSPEC headers
	Destination   net.Addr

	raw *proxyproto.Header
}

// SourcePort returns the port of the original client, or 0 if the header
// carries no port.
func (h *HeaderInfo) SourcePort() int {
	return addrPort(h.Source)
}

// DestPort returns the port the client originally connected to.
func (h *HeaderInfo) DestPort() int {
	return addrPort(h.Destination)
}

// Proxied reports whether the header carries a client address that should
// replace the connection's peer address. LOCAL commands (health checks) and
// UNSPEC families keep the native address.
func (h *HeaderInfo) Proxied() bool {
	return h.Command.IsProxy() && h.Source != nil
}

// TLVs returns the type-length-value extensions that followed the addresses.
func (h *HeaderInfo) TLVs() ([]proxyproto.TLV, error) {
	if h.raw == nil {
		return nil, nil
	}
	return h.raw.TLVs()
}

func addrPort(a net.Addr) int {
	switch v := a.(type) {
	case *net.TCPAddr:
		return v.Port
	case *net.UDPAddr:
		return v.Port
	}
	return 0
}

// DecodeError is returned when bytes that matched the v2 signature cannot be
// decoded.
type DecodeError struct {
	Err error
}

func (e *DecodeError) Error() string {
	return "proxywrap: invalid PROXY v2 header: " + e.Err.Error()
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// DecodeHeader is the default Decoder, backed by github.com/pires/go-proxyproto.
func DecodeHeader(header []byte) (*HeaderInfo, error) {
	if len(header) < minHeaderLen || !bytes.Equal(header[:len(v2Signature)], v2Signature) {
		return nil, &DecodeError{Err: proxyproto.ErrNoProxyProtocol}
	}
	if header[12]>>4 != 0x2 {
		return nil, &DecodeError{Err: errors.Errorf("unsupported version %d", header[12]>>4)}
	}

	r := bufio.NewReaderSize(bytes.NewReader(header), len(header))
	h, err := proxyproto.Read(r)
	if err != nil {
		return nil, &DecodeError{Err: err}
	}

	return &HeaderInfo{
		Version:       h.Version,
		Command:       h.Command,
		AddressFamily: h.TransportProtocol,
		Source:        h.SourceAddr,
		Destination:   h.DestinationAddr,
		raw:           h,
	}, nil
}
