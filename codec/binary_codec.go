package codec

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"rpcdo/message"
	"rpcdo/rpcerr"
)

var errShortBuffer = errors.New("codec: short buffer")

// BinaryCodec lays envelopes out as length-prefixed fields, big-endian.
//
//	Request:  type(u8 len) id(u64) method(u16 len) token(u16 len) argc(u16) { arg(u32 len) }
//	Response: type(u8 len) id(u64) flags(u8) [result(u32 len)] [code(u16 len) msg(u32 len) data(u32 len)]
//
// flags bit 0 marks a result, bit 1 marks an error.
type BinaryCodec struct{}

const (
	flagResult byte = 1 << iota
	flagError
)

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	switch m := v.(type) {
	case *message.Request:
		return encodeRequest(m)
	case *message.Response:
		return encodeResponse(m)
	default:
		return nil, fmt.Errorf("BinaryCodec: unsupported type %T", v)
	}
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	r := &reader{buf: data}
	switch m := v.(type) {
	case *message.Request:
		return decodeRequest(r, m)
	case *message.Response:
		return decodeResponse(r, m)
	default:
		return fmt.Errorf("BinaryCodec: unsupported type %T", v)
	}
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

func encodeRequest(m *message.Request) ([]byte, error) {
	if len(m.Type) > math.MaxUint8 || len(m.Method) > math.MaxUint16 || len(m.Token) > math.MaxUint16 || len(m.Args) > math.MaxUint16 {
		return nil, errors.New("BinaryCodec: request field too large")
	}
	w := &writer{}
	w.str8(m.Type)
	w.u64(m.ID)
	w.str16(m.Method)
	w.str16(m.Token)
	w.u16(uint16(len(m.Args)))
	for _, a := range m.Args {
		w.bytes32(a)
	}
	return w.buf, nil
}

func decodeRequest(r *reader, m *message.Request) error {
	m.Type = r.str8()
	m.ID = r.u64()
	m.Method = r.str16()
	m.Token = r.str16()
	argc := int(r.u16())
	if r.err != nil {
		return r.err
	}
	m.Args = make([]json.RawMessage, 0, argc)
	for i := 0; i < argc; i++ {
		m.Args = append(m.Args, json.RawMessage(r.bytes32()))
	}
	return r.err
}

func encodeResponse(m *message.Response) ([]byte, error) {
	if len(m.Type) > math.MaxUint8 {
		return nil, errors.New("BinaryCodec: response type too large")
	}
	w := &writer{}
	w.str8(m.Type)
	w.u64(m.ID)

	var flags byte
	if m.Result != nil {
		flags |= flagResult
	}
	if m.Error != nil {
		flags |= flagError
	}
	w.buf = append(w.buf, flags)

	if m.Result != nil {
		w.bytes32(m.Result)
	}
	if m.Error != nil {
		if len(m.Error.Code) > math.MaxUint16 {
			return nil, errors.New("BinaryCodec: error code too large")
		}
		w.str16(m.Error.Code)
		w.bytes32([]byte(m.Error.Message))
		w.bytes32(m.Error.Data)
	}
	return w.buf, nil
}

func decodeResponse(r *reader, m *message.Response) error {
	m.Type = r.str8()
	m.ID = r.u64()
	flags := r.u8()
	if r.err != nil {
		return r.err
	}
	if flags&flagResult != 0 {
		m.Result = json.RawMessage(r.bytes32())
	}
	if flags&flagError != 0 {
		re := &rpcerr.RemoteError{}
		re.Code = r.str16()
		re.Message = string(r.bytes32())
		if data := r.bytes32(); len(data) > 0 {
			re.Data = json.RawMessage(data)
		}
		m.Error = re
	}
	return r.err
}

type writer struct {
	buf []byte
}

func (w *writer) u16(v uint16) { w.buf = binary.BigEndian.AppendUint16(w.buf, v) }
func (w *writer) u64(v uint64) { w.buf = binary.BigEndian.AppendUint64(w.buf, v) }

func (w *writer) str8(s string) {
	w.buf = append(w.buf, byte(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) str16(s string) {
	w.u16(uint16(len(s)))
	w.buf = append(w.buf, s...)
}

func (w *writer) bytes32(b []byte) {
	w.buf = binary.BigEndian.AppendUint32(w.buf, uint32(len(b)))
	w.buf = append(w.buf, b...)
}

// reader records the first short read and returns zero values afterwards,
// so decoders check r.err once per section instead of after every field.
type reader struct {
	buf []byte
	off int
	err error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || r.off+n > len(r.buf) {
		r.err = errShortBuffer
		return nil
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b
}

func (r *reader) u8() byte {
	b := r.take(1)
	if b == nil {
		return 0
	}
	return b[0]
}

func (r *reader) u16() uint16 {
	b := r.take(2)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint16(b)
}

func (r *reader) u32() uint32 {
	b := r.take(4)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *reader) u64() uint64 {
	b := r.take(8)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *reader) str8() string  { return string(r.take(int(r.u8()))) }
func (r *reader) str16() string { return string(r.take(int(r.u16()))) }

func (r *reader) bytes32() []byte {
	n := r.u32()
	b := r.take(int(n))
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
