package protocol

import (
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

type MessageID uint8

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	Bitfield      MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
)

func (mid MessageID) String() string {
	switch mid {
	case Choke:
		return "Choke"
	case Unchoke:
		return "Unchoke"
	case Interested:
		return "Interested"
	case NotInterested:
		return "Not Interested"
	case Have:
		return "Have"
	case Bitfield:
		return "Bitfield"
	case Request:
		return "Request"
	case Piece:
		return "Piece"
	default:
		return fmt.Sprintf("Unknown(%d)", mid)
	}
}

// Message represents a single length-prefixed frame.
//
// Wire format:
//
//	<length:4><id:1><payload:length-1>
//
// The length prefix counts the id byte plus payload, so it is always at
// least 1; a zero length prefix is a protocol violation.
type Message struct {
	ID      MessageID
	Payload []byte
}

var (
	ErrShortMessage    = errors.New("protocol: short message")
	ErrBadLengthPrefix = errors.New("protocol: invalid length prefix")
	ErrUnknownMessage  = errors.New("protocol: unknown message type")
	ErrBadPayloadSize  = errors.New("protocol: invalid payload size for message")
)

var (
	_ encoding.BinaryMarshaler   = (*Message)(nil)
	_ encoding.BinaryUnmarshaler = (*Message)(nil)
	_ io.WriterTo                = (*Message)(nil)
	_ io.ReaderFrom              = (*Message)(nil)
)

func MessageChoke() *Message         { return &Message{ID: Choke} }
func MessageUnchoke() *Message       { return &Message{ID: Unchoke} }
func MessageInterested() *Message    { return &Message{ID: Interested} }
func MessageNotInterested() *Message { return &Message{ID: NotInterested} }

func MessageHave(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)

	return &Message{ID: Have, Payload: payload}
}

func MessageBitfield(bits []byte) *Message {
	cp := make([]byte, len(bits))
	copy(cp, bits)

	return &Message{ID: Bitfield, Payload: cp}
}

func MessageRequest(index uint32) *Message {
	payload := make([]byte, 4)
	binary.BigEndian.PutUint32(payload, index)

	return &Message{ID: Request, Payload: payload}
}

func MessagePiece(index uint32, data []byte) *Message {
	payload := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(payload[0:4], index)
	copy(payload[4:], data)

	return &Message{ID: Piece, Payload: payload}
}

// ParseHave returns the piece index for a Have message.
// ok is false if the payload length is not exactly 4 bytes.
func (m *Message) ParseHave() (index uint32, ok bool) {
	if m == nil || m.ID != Have || len(m.Payload) != 4 {
		return 0, false
	}

	return binary.BigEndian.Uint32(m.Payload), true
}

// ParseRequest returns the piece index for a Request message.
// ok is false if the payload length is not exactly 4 bytes.
func (m *Message) ParseRequest() (index uint32, ok bool) {
	if m == nil || m.ID != Request || len(m.Payload) != 4 {
		return 0, false
	}

	return binary.BigEndian.Uint32(m.Payload), true
}

// ParsePiece parses a Piece payload into the index and the raw piece bytes.
// ok is false if there are fewer than 4 bytes of header.
func (m *Message) ParsePiece() (index uint32, data []byte, ok bool) {
	if m == nil || m.ID != Piece || len(m.Payload) < 4 {
		return 0, nil, false
	}

	return binary.BigEndian.Uint32(m.Payload[0:4]), m.Payload[4:], true
}

func (m *Message) MarshalBinary() ([]byte, error) {
	// length prefix excludes itself; includes id + payload.
	length := 1 + len(m.Payload)

	buf := make([]byte, 4+length)
	binary.BigEndian.PutUint32(buf[0:4], uint32(length))
	buf[4] = byte(m.ID)
	copy(buf[5:], m.Payload)

	return buf, nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (m *Message) UnmarshalBinary(b []byte) error {
	if len(b) < 4 {
		return ErrShortMessage
	}

	length := binary.BigEndian.Uint32(b[0:4])
	if length == 0 {
		return ErrBadLengthPrefix
	}
	if len(b) < 4+int(length) {
		return ErrShortMessage
	}

	m.ID = MessageID(b[4])
	m.Payload = append(m.Payload[:0], b[5:4+int(length)]...)

	return nil
}

// WriteTo implements io.WriterTo.
//
// It writes the 4-byte length prefix, id, and payload.
func (m *Message) WriteTo(w io.Writer) (int64, error) {
	var hdr [5]byte

	length := 1 + len(m.Payload)
	binary.BigEndian.PutUint32(hdr[0:4], uint32(length))
	hdr[4] = byte(m.ID)

	n1, err := w.Write(hdr[:])
	if err != nil {
		return int64(n1), err
	}
	if len(m.Payload) == 0 {
		return int64(n1), nil
	}

	n2, err := w.Write(m.Payload)
	return int64(n1 + n2), err
}

// ReadFrom implements io.ReaderFrom.
//
// It reads exactly one full message frame from r, looping until every byte
// of the declared length is present.
func (m *Message) ReadFrom(r io.Reader) (int64, error) {
	var lp [4]byte
	if _, err := io.ReadFull(r, lp[:]); err != nil {
		return 0, err
	}

	length := binary.BigEndian.Uint32(lp[:])
	if length == 0 {
		return 4, ErrBadLengthPrefix
	}

	buf := make([]byte, length)
	n, err := io.ReadFull(r, buf)
	if err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return int64(4 + n), ErrShortMessage
		}
		return int64(4 + n), err
	}

	m.ID = MessageID(buf[0])
	m.Payload = append(m.Payload[:0], buf[1:]...)

	return int64(4 + len(buf)), nil
}

func ReadMessage(r io.Reader) (*Message, error) {
	var m Message
	if _, err := m.ReadFrom(r); err != nil {
		return nil, err
	}

	if m.ID > Piece {
		return nil, ErrUnknownMessage
	}

	return &m, nil
}

func WriteMessage(w io.Writer, m *Message) error {
	_, err := m.WriteTo(w)
	return err
}

// ValidatePayloadSize checks the fixed-size payload rules per message type.
func (m *Message) ValidatePayloadSize() error {
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested:
		if len(m.Payload) != 0 {
			return ErrBadPayloadSize
		}
	case Have, Request:
		if len(m.Payload) != 4 {
			return ErrBadPayloadSize
		}
	case Piece:
		if len(m.Payload) < 4 {
			return ErrBadPayloadSize
		}
	}
	return nil
}
