package pggate

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Request codes a Postgres client may place in the first startup packet.
// SSLRequest is the only one that upgrades the connection; GSSEncRequest is
// recognized for logging but treated like any other plaintext startup.
const (
	sslRequestCode    = 80877103
	gssEncRequestCode = 80877104
)

// preambleSize is the fixed size of the SSLRequest packet. The parser never
// reads past it, so the remaining bytes of a plaintext StartupMessage stay on
// the wire.
const preambleSize = 8

// ErrShortPreamble is returned if the client closed the connection before
// sending a complete eight byte preamble.
var ErrShortPreamble = errors.New("connection closed before preamble completed")

// PreambleKind classifies the first eight bytes sent by a client
type PreambleKind int

const (
	PreambleSslRequest PreambleKind = iota // Client asks to upgrade to TLS in-band
	PreambleNonSsl                         // Anything else, usually a plaintext StartupMessage prefix
)

// String returns the classification name used in log messages
func (k PreambleKind) String() string {
	if k == PreambleSslRequest {
		return "ssl_request"
	}
	return "non_ssl"
}

// Preamble holds the classification of a client's first packet together with
// the raw bytes it was derived from. For plaintext clients the raw bytes are
// the leading prefix of a StartupMessage; they are kept so the caller can
// inspect them, e.g. to recognize a GSSAPI encryption request.
type Preamble struct {
	Kind PreambleKind
	Raw  [preambleSize]byte
}

// Length returns the packet length field from the raw preamble bytes
func (p *Preamble) Length() uint32 {
	return binary.BigEndian.Uint32(p.Raw[0:4])
}

// Code returns the request code field from the raw preamble bytes
func (p *Preamble) Code() uint32 {
	return binary.BigEndian.Uint32(p.Raw[4:8])
}

// IsGssEnc reports whether the preamble is a GSSAPI encryption request, which
// PgGate does not support and rejects like any other non-SSL startup
func (p *Preamble) IsGssEnc() bool {
	return p.Length() == preambleSize && p.Code() == gssEncRequestCode
}

// ReadPreamble reads exactly eight bytes from the given stream and classifies
// them. It is classified as an SSLRequest if and only if the length field is 8
// and the code field is the Postgres SSL request magic. The parser performs no
// writes and never reads a ninth byte.
func ReadPreamble(r io.Reader) (Preamble, error) {

	// Read exactly eight bytes
	var preamble Preamble
	_, errRead := io.ReadFull(r, preamble.Raw[:])
	if errors.Is(errRead, io.EOF) || errors.Is(errRead, io.ErrUnexpectedEOF) {
		return preamble, ErrShortPreamble
	} else if errRead != nil {
		return preamble, fmt.Errorf("could not read preamble: %w", errRead)
	}

	// Classify based on length and code fields
	if preamble.Length() == preambleSize && preamble.Code() == sslRequestCode {
		preamble.Kind = PreambleSslRequest
	} else {
		preamble.Kind = PreambleNonSsl
	}

	// Return classification with raw bytes attached
	return preamble, nil
}
