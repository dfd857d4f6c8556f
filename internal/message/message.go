// Package message defines the typed protocol messages exchanged between DSM
// peers and their fixed on-wire encoding.
//
// Every message is a fixed 24-byte big-endian header followed by exactly
// Size payload bytes:
//
//	offset  field     type
//	0       Type      uint32
//	4       Source    int32
//	8       Target    int32
//	12      Block     int32
//	16      Position  int32
//	20      Size      int32
//
// READ_REQ, WRITE_RESP, INVALIDATE, and INVALIDATE_ACK carry no payload.
// READ_RESP carries a full block. WRITE_REQ carries the intra-block chunk
// being patched, with Position holding the intra-block offset.
//
// Messages exist only for the duration of one send or receive; nothing in
// the protocol retains them.
package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Type identifies one of the six protocol message variants.
type Type uint32

const (
	// ReadReq asks a block's owner for the full block contents.
	ReadReq Type = iota

	// ReadResp answers a ReadReq with the full block payload.
	ReadResp

	// WriteReq asks a block's owner to apply an intra-block patch.
	WriteReq

	// WriteResp confirms a WriteReq after every other peer has
	// acknowledged invalidation of its cached copy.
	WriteResp

	// Invalidate tells a peer to drop its cached copy of a block.
	Invalidate

	// InvalidateAck confirms an Invalidate was applied.
	InvalidateAck
)

// String returns the wire name of the message type.
func (t Type) String() string {
	switch t {
	case ReadReq:
		return "READ_REQ"
	case ReadResp:
		return "READ_RESP"
	case WriteReq:
		return "WRITE_REQ"
	case WriteResp:
		return "WRITE_RESP"
	case Invalidate:
		return "INVALIDATE"
	case InvalidateAck:
		return "INVALIDATE_ACK"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", uint32(t))
	}
}

// IsResponse reports whether the type is consumed by explicit waiters
// rather than the inbound request handler.
func (t Type) IsResponse() bool {
	return t == ReadResp || t == WriteResp || t == InvalidateAck
}

// HeaderSize is the fixed on-wire header length in bytes.
const HeaderSize = 24

// ErrShortHeader is returned when a frame ends before the header does.
var ErrShortHeader = errors.New("message: short header")

// Message is one protocol frame. Source and Target are peer ranks; Block is
// the block id the message concerns; Position is the intra-block offset
// (writes only); Data is the payload, len(Data) bytes on the wire.
type Message struct {
	Data     []byte
	Type     Type
	Source   int
	Target   int
	Block    int
	Position int
}

// String renders a compact description for logs.
func (m *Message) String() string {
	return fmt.Sprintf("%s src=%d dst=%d block=%d pos=%d size=%d",
		m.Type, m.Source, m.Target, m.Block, m.Position, len(m.Data))
}

// WireSize returns the total encoded length: header plus payload.
func (m *Message) WireSize() int {
	return HeaderSize + len(m.Data)
}

// Encode appends the wire encoding of m to dst and returns the result.
func (m *Message) Encode(dst []byte) []byte {
	var hdr [HeaderSize]byte
	binary.BigEndian.PutUint32(hdr[0:4], uint32(m.Type))
	binary.BigEndian.PutUint32(hdr[4:8], uint32(int32(m.Source)))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(int32(m.Target)))
	binary.BigEndian.PutUint32(hdr[12:16], uint32(int32(m.Block)))
	binary.BigEndian.PutUint32(hdr[16:20], uint32(int32(m.Position)))
	binary.BigEndian.PutUint32(hdr[20:24], uint32(int32(len(m.Data))))
	dst = append(dst, hdr[:]...)
	return append(dst, m.Data...)
}

// Decode parses one message from buf, which must contain at least the
// header and the payload it announces. It returns the message and the
// number of bytes consumed.
func Decode(buf []byte) (*Message, int, error) {
	if len(buf) < HeaderSize {
		return nil, 0, ErrShortHeader
	}
	size := int(int32(binary.BigEndian.Uint32(buf[20:24])))
	if size < 0 {
		return nil, 0, fmt.Errorf("message: negative payload size %d", size)
	}
	if len(buf) < HeaderSize+size {
		return nil, 0, fmt.Errorf("message: payload truncated: want %d bytes, have %d",
			size, len(buf)-HeaderSize)
	}

	m := &Message{
		Type:     Type(binary.BigEndian.Uint32(buf[0:4])),
		Source:   int(int32(binary.BigEndian.Uint32(buf[4:8]))),
		Target:   int(int32(binary.BigEndian.Uint32(buf[8:12]))),
		Block:    int(int32(binary.BigEndian.Uint32(buf[12:16]))),
		Position: int(int32(binary.BigEndian.Uint32(buf[16:20]))),
	}
	if size > 0 {
		m.Data = make([]byte, size)
		copy(m.Data, buf[HeaderSize:HeaderSize+size])
	}
	return m, HeaderSize + size, nil
}

// Write encodes m onto w as one frame.
func Write(w io.Writer, m *Message) error {
	frame := m.Encode(make([]byte, 0, m.WireSize()))
	_, err := w.Write(frame)
	return err
}

// Read decodes exactly one frame from r, blocking until the header and the
// announced payload have both arrived.
func Read(r io.Reader) (*Message, error) {
	var hdr [HeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := int(int32(binary.BigEndian.Uint32(hdr[20:24])))
	if size < 0 {
		return nil, fmt.Errorf("message: negative payload size %d", size)
	}

	buf := hdr[:]
	if size > 0 {
		buf = make([]byte, HeaderSize+size)
		copy(buf, hdr[:])
		if _, err := io.ReadFull(r, buf[HeaderSize:]); err != nil {
			return nil, err
		}
	}
	m, _, err := Decode(buf)
	return m, err
}
