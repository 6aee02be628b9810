package protocol

import (
	"bytes"
	"fmt"
	"io"
)

// Handshake constants. Exactly one 64-byte message per direction
// precedes the framed protocol on every connection.
const (
	HandshakeSize = 64

	helloPrefix   = "dvdyellow hello: "
	acceptMessage = "dvdyellow accepted"
)

// Version is the protocol version this implementation speaks.
const Version = 1

// VersionChecker decides whether a client protocol version is served.
type VersionChecker func(version int64) bool

// EncodeHello builds the 64-byte client hello carrying version.
func EncodeHello(version int64) ([]byte, error) {
	msg := make([]byte, 0, HandshakeSize)
	msg = append(msg, helloPrefix...)
	msg, err := AppendValue(msg, version)
	if err != nil {
		return nil, fmt.Errorf("encoding hello: %w", err)
	}
	if len(msg) > HandshakeSize {
		return nil, fmt.Errorf("encoding hello: message exceeds %d bytes", HandshakeSize)
	}
	return append(msg, make([]byte, HandshakeSize-len(msg))...), nil
}

// DecodeHello extracts the version from a 64-byte client hello.
func DecodeHello(msg []byte) (int64, error) {
	if len(msg) != HandshakeSize {
		return 0, fmt.Errorf("decoding hello: want %d bytes, have %d", HandshakeSize, len(msg))
	}
	if !bytes.HasPrefix(msg, []byte(helloPrefix)) {
		return 0, fmt.Errorf("decoding hello: bad prefix")
	}
	// the encoded version may itself end in zero bytes, so parse it by
	// its own length and only then require the remainder to be padding
	v, rest, err := decodeValue(msg[len(helloPrefix):], 0)
	if err != nil {
		return 0, fmt.Errorf("decoding hello version: %w", err)
	}
	version, ok := v.(int64)
	if !ok {
		return 0, fmt.Errorf("decoding hello version: not an integer")
	}
	for _, b := range rest {
		if b != 0 {
			return 0, fmt.Errorf("decoding hello: non-zero padding")
		}
	}
	return version, nil
}

// EncodeAccept builds the 64-byte server accept message.
func EncodeAccept() []byte {
	msg := make([]byte, HandshakeSize)
	copy(msg, acceptMessage)
	return msg
}

// IsAccept reports whether a 64-byte server reply is the accept message.
func IsAccept(msg []byte) bool {
	return len(msg) == HandshakeSize && bytes.Equal(msg, EncodeAccept())
}

// ClientHandshake performs the client side of the handshake on rw.
func ClientHandshake(rw io.ReadWriter, version int64) error {
	hello, err := EncodeHello(version)
	if err != nil {
		return err
	}
	if _, err := rw.Write(hello); err != nil {
		return fmt.Errorf("sending hello: %w", err)
	}
	var reply [HandshakeSize]byte
	if _, err := io.ReadFull(rw, reply[:]); err != nil {
		return fmt.Errorf("reading handshake reply: %w", err)
	}
	if !IsAccept(reply[:]) {
		return fmt.Errorf("server rejected handshake")
	}
	return nil
}

// ServerHandshake performs the server side of the handshake on rw.
// On version rejection or any malformed hello the connection must be
// closed by the caller; no reply is sent.
func ServerHandshake(rw io.ReadWriter, check VersionChecker) (int64, error) {
	var hello [HandshakeSize]byte
	if _, err := io.ReadFull(rw, hello[:]); err != nil {
		return 0, fmt.Errorf("reading hello: %w", err)
	}
	version, err := DecodeHello(hello[:])
	if err != nil {
		return 0, err
	}
	if !check(version) {
		return version, fmt.Errorf("unsupported protocol version %d", version)
	}
	if _, err := rw.Write(EncodeAccept()); err != nil {
		return version, fmt.Errorf("sending accept: %w", err)
	}
	return version, nil
}
