// Package peer_protocol implements the BitTorrent peer wire protocol: the
// fixed handshake and the length-prefixed message set described in spec §4.4.
// No teacher file in the retrieved slice implements the codec itself (only
// consumes pp.Message), so this is written fresh following the naming the
// teacher's callers expect (pp.Message, MustMarshalBinary).
package peer_protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Pstr is the fixed BitTorrent v1 protocol string sent in the handshake.
	Pstr = "BitTorrent protocol"

	// MaxBlockLength is the largest block length (2^17 bytes) a well-behaved
	// peer will request or send in a single piece message.
	MaxBlockLength = 1 << 17

	// HandshakeLen is the total byte length of the fixed handshake.
	HandshakeLen = 49 + len(Pstr)
)

type MessageId byte

const (
	Choke MessageId = iota
	Unchoke
	Interested
	NotInterested
	Have
	Bitfield
	Request
	Piece
	Cancel
)

func (id MessageId) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not interested"
	case Have:
		return "have"
	case Bitfield:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	default:
		return fmt.Sprintf("unknown(%d)", byte(id))
	}
}

// Integer is a big-endian uint32 wire field, matching BEP 3.
type Integer = uint32

const IntegerMax = ^Integer(0) >> 1

// Message is the logical form of every non-handshake wire message, including
// the zero-length keepalive.
type Message struct {
	Keepalive bool
	Type      MessageId
	Index     Integer
	Begin     Integer
	Length    Integer
	Piece     []byte
	Bitfield  []byte
}

var ErrMessageTooLong = errors.New("message length exceeds 2^17+9")

// WriteTo serializes the message onto w in wire form.
func (m Message) WriteTo(w io.Writer) error {
	if m.Keepalive {
		return binary.Write(w, binary.BigEndian, uint32(0))
	}
	body, err := m.body()
	if err != nil {
		return err
	}
	length := uint32(1 + len(body))
	if length > MaxBlockLength+9 {
		return ErrMessageTooLong
	}
	if err := binary.Write(w, binary.BigEndian, length); err != nil {
		return err
	}
	if _, err := w.Write([]byte{byte(m.Type)}); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

func (m Message) body() ([]byte, error) {
	switch m.Type {
	case Choke, Unchoke, Interested, NotInterested:
		return nil, nil
	case Have:
		return be32(m.Index), nil
	case Bitfield:
		return m.Bitfield, nil
	case Request, Cancel:
		b := make([]byte, 0, 12)
		b = append(b, be32(m.Index)...)
		b = append(b, be32(m.Begin)...)
		b = append(b, be32(m.Length)...)
		return b, nil
	case Piece:
		b := make([]byte, 0, 8+len(m.Piece))
		b = append(b, be32(m.Index)...)
		b = append(b, be32(m.Begin)...)
		b = append(b, m.Piece...)
		return b, nil
	default:
		return nil, fmt.Errorf("unknown message type %v", m.Type)
	}
}

func be32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

// MustMarshalBinary serializes the message, panicking on error. Only used for
// messages we construct ourselves and know to be well-formed (mirrors the
// teacher's own use in peer.go for computing fixed message-length constants).
func (m Message) MustMarshalBinary() []byte {
	var buf bufWriter
	if err := m.WriteTo(&buf); err != nil {
		panic(err)
	}
	return buf.b
}

type bufWriter struct{ b []byte }

func (w *bufWriter) Write(p []byte) (int, error) {
	w.b = append(w.b, p...)
	return len(p), nil
}

// ReadMessage parses exactly one message (or keepalive) from r, given its
// already-read 4-byte length prefix. A length above MaxBlockLength+9 (a
// Piece message's type, index and begin fields plus one maximum-size block)
// is rejected with ErrMessageTooLong.
func ReadMessage(r io.Reader, length uint32) (Message, error) {
	if length == 0 {
		return Message{Keepalive: true}, nil
	}
	if length > MaxBlockLength+9 {
		return Message{}, ErrMessageTooLong
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return Message{}, err
	}
	id := MessageId(body[0])
	rest := body[1:]
	m := Message{Type: id}
	switch id {
	case Choke, Unchoke, Interested, NotInterested:
		if len(rest) != 0 {
			return Message{}, fmt.Errorf("%v: unexpected body length %d", id, len(rest))
		}
	case Have:
		if len(rest) != 4 {
			return Message{}, fmt.Errorf("have: bad body length %d", len(rest))
		}
		m.Index = binary.BigEndian.Uint32(rest)
	case Bitfield:
		m.Bitfield = rest
	case Request, Cancel:
		if len(rest) != 12 {
			return Message{}, fmt.Errorf("%v: bad body length %d", id, len(rest))
		}
		m.Index = binary.BigEndian.Uint32(rest[0:4])
		m.Begin = binary.BigEndian.Uint32(rest[4:8])
		m.Length = binary.BigEndian.Uint32(rest[8:12])
		if m.Length > MaxBlockLength {
			return Message{}, fmt.Errorf("%v: length %d exceeds max block length", id, m.Length)
		}
	case Piece:
		if len(rest) < 8 {
			return Message{}, fmt.Errorf("piece: body too short: %d", len(rest))
		}
		m.Index = binary.BigEndian.Uint32(rest[0:4])
		m.Begin = binary.BigEndian.Uint32(rest[4:8])
		m.Piece = rest[8:]
	default:
		return Message{}, fmt.Errorf("unknown message id %d", id)
	}
	return m, nil
}

// Handshake is the fixed 68-byte pre-message exchange:
// <1><"BitTorrent protocol"><8 reserved><20 infohash><20 peerid>.
type Handshake struct {
	InfoHash [20]byte
	PeerId   [20]byte
	Reserved [8]byte
}

func (h Handshake) Marshal() []byte {
	b := make([]byte, 0, HandshakeLen)
	b = append(b, byte(len(Pstr)))
	b = append(b, Pstr...)
	b = append(b, h.Reserved[:]...)
	b = append(b, h.InfoHash[:]...)
	b = append(b, h.PeerId[:]...)
	return b
}

func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	var plen [1]byte
	if _, err := io.ReadFull(r, plen[:]); err != nil {
		return h, err
	}
	if int(plen[0]) != len(Pstr) {
		return h, fmt.Errorf("unexpected protocol string length %d", plen[0])
	}
	rest := make([]byte, int(plen[0])+48)
	if _, err := io.ReadFull(r, rest); err != nil {
		return h, err
	}
	if string(rest[:len(Pstr)]) != Pstr {
		return h, fmt.Errorf("bad protocol string %q", rest[:len(Pstr)])
	}
	rest = rest[len(Pstr):]
	copy(h.Reserved[:], rest[0:8])
	copy(h.InfoHash[:], rest[8:28])
	copy(h.PeerId[:], rest[28:48])
	return h, nil
}
