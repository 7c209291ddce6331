package protocol

import (
	"encoding"
	"encoding/binary"
	"errors"
	"io"
)

const (
	handshakeHeader = "P2PFILESHARINGPROJ"
	zeroPadN        = 10

	// HandshakeSize is the fixed wire size of a handshake frame.
	HandshakeSize = len(handshakeHeader) + zeroPadN + 4
)

// Handshake represents the 32-byte opening frame exchanged on every new
// connection.
//
// Wire format (in bytes):
//
//	<header:18><zeros:10><peer_id:4>
//
// The header is the ASCII string "P2PFILESHARINGPROJ", the pad is ten zero
// bytes, and the peer id is a big-endian signed 32-bit integer. The pad is
// written as zeros but never validated on decode.
type Handshake struct {
	PeerID int32
}

var (
	ErrHeaderMismatch = errors.New("handshake: header mismatch")
	ErrShortHandshake = errors.New("handshake: short read")
	ErrPeerIDMismatch = errors.New("handshake: unexpected peer id")
)

var (
	_ encoding.BinaryMarshaler   = (*Handshake)(nil)
	_ encoding.BinaryUnmarshaler = (*Handshake)(nil)
	_ io.WriterTo                = (*Handshake)(nil)
	_ io.ReaderFrom              = (*Handshake)(nil)
)

// NewHandshake returns a handshake frame identifying the local peer.
func NewHandshake(peerID int32) *Handshake {
	return &Handshake{PeerID: peerID}
}

// MarshalBinary encodes the handshake into its 32-byte wire representation.
func (h *Handshake) MarshalBinary() ([]byte, error) {
	buf := make([]byte, HandshakeSize)

	offset := copy(buf, handshakeHeader)
	offset += zeroPadN // pad stays zero
	binary.BigEndian.PutUint32(buf[offset:], uint32(h.PeerID))

	return buf, nil
}

// UnmarshalBinary parses a handshake from its wire format.
//
// Returns ErrShortHandshake if fewer than 32 bytes are present and
// ErrHeaderMismatch if the header string is wrong. The zero pad is not
// inspected.
func (h *Handshake) UnmarshalBinary(b []byte) error {
	if len(b) < HandshakeSize {
		return ErrShortHandshake
	}
	if string(b[:len(handshakeHeader)]) != handshakeHeader {
		return ErrHeaderMismatch
	}

	h.PeerID = int32(binary.BigEndian.Uint32(b[len(handshakeHeader)+zeroPadN:]))
	return nil
}

// WriteTo implements io.WriterTo.
func (h *Handshake) WriteTo(w io.Writer) (int64, error) {
	b, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}

	n, err := w.Write(b)
	return int64(n), err
}

// ReadFrom implements io.ReaderFrom.
//
// It blocks until the full 32-byte frame is read or an error occurs.
func (h *Handshake) ReadFrom(r io.Reader) (int64, error) {
	buf := make([]byte, HandshakeSize)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return int64(n), ErrShortHandshake
		}
		return int64(n), err
	}

	if err := h.UnmarshalBinary(buf); err != nil {
		return int64(n), err
	}
	return int64(n), nil
}

// ReadHandshake reads a full handshake from r and returns it.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	_, err := h.ReadFrom(r)
	return h, err
}

// WriteHandshake writes h to w in wire format.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := h.WriteTo(w)
	return err
}

// Exchange performs the initiator side of the handshake: write ours, read
// theirs, and verify the remote identified itself as expectPeerID.
//
// The acceptor side reads first and replies; it uses ReadHandshake and
// WriteHandshake directly since the remote id is not known up front.
func (h Handshake) Exchange(rw io.ReadWriter, expectPeerID int32) (Handshake, error) {
	if _, err := (&h).WriteTo(rw); err != nil {
		return Handshake{}, err
	}

	peer, err := ReadHandshake(rw)
	if err != nil {
		return Handshake{}, err
	}
	if peer.PeerID != expectPeerID {
		return Handshake{}, ErrPeerIDMismatch
	}
	return peer, nil
}
