// Package protocol implements the binary frame used by the raw TCP duplex connection.
//
// TCP is a byte stream, so every envelope is wrapped in a fixed 14-byte header
// followed by a variable-length body:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ rdo  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
//
// seq is a per-connection frame counter for tracing only; requests are
// correlated by the envelope id inside the body.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	Version     byte   = 0x01
	HeaderSize         = 14
	MaxBodySize uint32 = 64 << 20
)

// Magic opens every frame so that stray peers (an HTTP client on the socket
// port, say) fail fast.
var Magic = [3]byte{'r', 'd', 'o'}

type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // call or auth envelope
	MsgTypeResponse  MsgType = 1
	MsgTypeHeartbeat MsgType = 2
)

func (t MsgType) valid() bool { return t <= MsgTypeHeartbeat }

// Codec identifiers carried in the header; they match codec.CodecType.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

var (
	ErrBodyTooLarge = errors.New("protocol: frame body too large")
	ErrBadMagic     = errors.New("protocol: invalid magic number")
	ErrBadVersion   = errors.New("protocol: unsupported version")
)

type Header struct {
	CodecType byte
	MsgType   MsgType
	Seq       uint32
	BodyLen   uint32 // filled in by Decode; Encode uses len(body)
}

func (h *Header) put(buf []byte, bodyLen int) {
	copy(buf[0:3], Magic[:])
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], uint32(bodyLen))
}

func parseHeader(buf []byte) (*Header, error) {
	if [3]byte(buf[0:3]) != Magic {
		return nil, fmt.Errorf("%w: %x", ErrBadMagic, buf[0:3])
	}
	if buf[3] != Version {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, buf[3])
	}
	h := &Header{
		CodecType: buf[4],
		MsgType:   MsgType(buf[5]),
		Seq:       binary.BigEndian.Uint32(buf[6:10]),
		BodyLen:   binary.BigEndian.Uint32(buf[10:14]),
	}
	if h.CodecType != CodecTypeJSON && h.CodecType != CodecTypeBinary {
		return nil, fmt.Errorf("protocol: unsupported codec type %d", h.CodecType)
	}
	if !h.MsgType.valid() {
		return nil, fmt.Errorf("protocol: unsupported message type %d", h.MsgType)
	}
	if h.BodyLen > MaxBodySize {
		return nil, ErrBodyTooLarge
	}
	return h, nil
}

// Encode writes header and body with a single Write. Concurrent writers on
// one stream must still serialize their calls.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint64(len(body)) > uint64(MaxBodySize) {
		return ErrBodyTooLarge
	}
	buf := make([]byte, HeaderSize+len(body))
	h.put(buf, len(body))
	copy(buf[HeaderSize:], body)
	_, err := w.Write(buf)
	return err
}

// Decode reads one complete frame.
func Decode(r io.Reader) (*Header, []byte, error) {
	var hb [HeaderSize]byte
	if _, err := io.ReadFull(r, hb[:]); err != nil {
		return nil, nil, err
	}
	h, err := parseHeader(hb[:])
	if err != nil {
		return nil, nil, err
	}
	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}
