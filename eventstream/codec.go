package eventstream

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/google/uuid"
)

const (
	preludeLen = 12
	trailerLen = 4
	// MaxMessageSize bounds the total length accepted by ReadMessage.
	MaxMessageSize = 16 * 1024 * 1024
	maxHeaderName  = math.MaxUint8
	maxHeaderValue = math.MaxUint16
)

var (
	ErrChecksumMismatch = errors.New("eventstream: checksum mismatch")
	ErrMessageTooLarge  = errors.New("eventstream: message too large")
	ErrMalformed        = errors.New("eventstream: malformed message")
)

// Prelude is the fixed-size frame header.
type Prelude struct {
	TotalLen   uint32
	HeadersLen uint32
}

func decodePrelude(b []byte) (Prelude, error) {
	p := Prelude{
		TotalLen:   binary.BigEndian.Uint32(b[0:4]),
		HeadersLen: binary.BigEndian.Uint32(b[4:8]),
	}
	if crc32.ChecksumIEEE(b[0:8]) != binary.BigEndian.Uint32(b[8:12]) {
		return p, fmt.Errorf("%w: prelude", ErrChecksumMismatch)
	}
	if p.TotalLen > MaxMessageSize {
		return p, ErrMessageTooLarge
	}
	if p.TotalLen < preludeLen+trailerLen || p.HeadersLen > p.TotalLen-preludeLen-trailerLen {
		return p, fmt.Errorf("%w: lengths total=%d headers=%d", ErrMalformed, p.TotalLen, p.HeadersLen)
	}
	return p, nil
}

// MarshalBinary encodes the message including prelude and trailing CRC.
func (m *Message) MarshalBinary() ([]byte, error) {
	hdrs, err := encodeHeaders(m.Headers)
	if err != nil {
		return nil, err
	}
	total := preludeLen + len(hdrs) + len(m.Payload) + trailerLen
	if total > MaxMessageSize {
		return nil, ErrMessageTooLarge
	}
	out := make([]byte, 0, total)
	out = binary.BigEndian.AppendUint32(out, uint32(total))
	out = binary.BigEndian.AppendUint32(out, uint32(len(hdrs)))
	out = binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(out[0:8]))
	out = append(out, hdrs...)
	out = append(out, m.Payload...)
	out = binary.BigEndian.AppendUint32(out, crc32.ChecksumIEEE(out))
	return out, nil
}

func encodeHeaders(hs Headers) ([]byte, error) {
	var out []byte
	for _, h := range hs {
		if len(h.Name) == 0 || len(h.Name) > maxHeaderName {
			return nil, fmt.Errorf("%w: header name length %d", ErrMalformed, len(h.Name))
		}
		out = append(out, byte(len(h.Name)))
		out = append(out, h.Name...)
		out = append(out, byte(h.Value.typ))
		v := h.Value
		switch v.typ {
		case TypeBoolTrue, TypeBoolFalse:
		case TypeByte:
			out = append(out, byte(int8(v.num)))
		case TypeInt16:
			out = binary.BigEndian.AppendUint16(out, uint16(int16(v.num)))
		case TypeInt32:
			out = binary.BigEndian.AppendUint32(out, uint32(int32(v.num)))
		case TypeInt64, TypeTimestamp:
			out = binary.BigEndian.AppendUint64(out, uint64(v.num))
		case TypeBytes, TypeString:
			if len(v.buf) > maxHeaderValue {
				return nil, fmt.Errorf("%w: header %q value length %d", ErrMalformed, h.Name, len(v.buf))
			}
			out = binary.BigEndian.AppendUint16(out, uint16(len(v.buf)))
			out = append(out, v.buf...)
		case TypeUUID:
			out = append(out, v.id[:]...)
		default:
			return nil, fmt.Errorf("%w: header %q has unknown type %d", ErrMalformed, h.Name, v.typ)
		}
	}
	return out, nil
}

// Decode parses exactly one message from b.
func Decode(b []byte) (*Message, error) {
	if len(b) < preludeLen+trailerLen {
		return nil, fmt.Errorf("%w: short frame (%d bytes)", ErrMalformed, len(b))
	}
	p, err := decodePrelude(b[:preludeLen])
	if err != nil {
		return nil, err
	}
	if int(p.TotalLen) != len(b) {
		return nil, fmt.Errorf("%w: frame is %d bytes, prelude says %d", ErrMalformed, len(b), p.TotalLen)
	}
	body := b[:len(b)-trailerLen]
	if crc32.ChecksumIEEE(body) != binary.BigEndian.Uint32(b[len(b)-trailerLen:]) {
		return nil, fmt.Errorf("%w: message", ErrChecksumMismatch)
	}
	hdrEnd := preludeLen + int(p.HeadersLen)
	hs, err := decodeHeaders(b[preludeLen:hdrEnd])
	if err != nil {
		return nil, err
	}
	payload := append([]byte(nil), body[hdrEnd:]...)
	return &Message{Headers: hs, Payload: payload}, nil
}

func decodeHeaders(b []byte) (Headers, error) {
	var hs Headers
	need := func(n int) error {
		if len(b) < n {
			return fmt.Errorf("%w: truncated headers", ErrMalformed)
		}
		return nil
	}
	for len(b) > 0 {
		nameLen := int(b[0])
		if err := need(1 + nameLen + 1); err != nil {
			return nil, err
		}
		name := string(b[1 : 1+nameLen])
		typ := ValueType(b[1+nameLen])
		b = b[2+nameLen:]

		var v Value
		switch typ {
		case TypeBoolTrue, TypeBoolFalse:
			v = Value{typ: typ}
		case TypeByte:
			if err := need(1); err != nil {
				return nil, err
			}
			v = ByteValue(int8(b[0]))
			b = b[1:]
		case TypeInt16:
			if err := need(2); err != nil {
				return nil, err
			}
			v = Int16Value(int16(binary.BigEndian.Uint16(b)))
			b = b[2:]
		case TypeInt32:
			if err := need(4); err != nil {
				return nil, err
			}
			v = Int32Value(int32(binary.BigEndian.Uint32(b)))
			b = b[4:]
		case TypeInt64, TypeTimestamp:
			if err := need(8); err != nil {
				return nil, err
			}
			v = Value{typ: typ, num: int64(binary.BigEndian.Uint64(b))}
			b = b[8:]
		case TypeBytes, TypeString:
			if err := need(2); err != nil {
				return nil, err
			}
			n := int(binary.BigEndian.Uint16(b))
			if err := need(2 + n); err != nil {
				return nil, err
			}
			v = Value{typ: typ, buf: append([]byte(nil), b[2:2+n]...)}
			b = b[2+n:]
		case TypeUUID:
			if err := need(16); err != nil {
				return nil, err
			}
			id, err := uuid.FromBytes(b[:16])
			if err != nil {
				return nil, fmt.Errorf("%w: header %q: %v", ErrMalformed, name, err)
			}
			v = UUIDValue(id)
			b = b[16:]
		default:
			return nil, fmt.Errorf("%w: header %q has unknown type %d", ErrMalformed, name, typ)
		}
		hs = append(hs, Header{Name: name, Value: v})
	}
	return hs, nil
}

// ReadMessage reads one frame from r. io.EOF is returned unwrapped when r is
// exhausted before the first byte of a frame.
func ReadMessage(r io.Reader) (*Message, error) {
	var pre [preludeLen]byte
	if _, err := io.ReadFull(r, pre[:]); err != nil {
		return nil, err
	}
	p, err := decodePrelude(pre[:])
	if err != nil {
		return nil, err
	}
	buf := make([]byte, p.TotalLen)
	copy(buf, pre[:])
	if _, err := io.ReadFull(r, buf[preludeLen:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return Decode(buf)
}

// WriteMessage encodes m and writes it to w in a single Write call.
func WriteMessage(w io.Writer, m *Message) error {
	b, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
