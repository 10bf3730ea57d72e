package eventstream

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ValueType is the one byte tag preceding every header value on the wire.
type ValueType uint8

const (
	TypeBoolTrue  ValueType = 0
	TypeBoolFalse ValueType = 1
	TypeByte      ValueType = 2
	TypeInt16     ValueType = 3
	TypeInt32     ValueType = 4
	TypeInt64     ValueType = 5
	TypeBytes     ValueType = 6
	TypeString    ValueType = 7
	TypeTimestamp ValueType = 8
	TypeUUID      ValueType = 9
)

func (t ValueType) String() string {
	switch t {
	case TypeBoolTrue, TypeBoolFalse:
		return "bool"
	case TypeByte:
		return "byte"
	case TypeInt16:
		return "int16"
	case TypeInt32:
		return "int32"
	case TypeInt64:
		return "int64"
	case TypeBytes:
		return "bytes"
	case TypeString:
		return "string"
	case TypeTimestamp:
		return "timestamp"
	case TypeUUID:
		return "uuid"
	default:
		return fmt.Sprintf("ValueType(%d)", uint8(t))
	}
}

// Value is a typed header value.
type Value struct {
	typ ValueType
	num int64
	buf []byte
	id  uuid.UUID
}

func BoolValue(v bool) Value {
	if v {
		return Value{typ: TypeBoolTrue}
	}
	return Value{typ: TypeBoolFalse}
}

func ByteValue(v int8) Value   { return Value{typ: TypeByte, num: int64(v)} }
func Int16Value(v int16) Value { return Value{typ: TypeInt16, num: int64(v)} }
func Int32Value(v int32) Value { return Value{typ: TypeInt32, num: int64(v)} }
func Int64Value(v int64) Value { return Value{typ: TypeInt64, num: v} }

// BytesValue copies b.
func BytesValue(b []byte) Value {
	return Value{typ: TypeBytes, buf: append([]byte(nil), b...)}
}

func StringValue(s string) Value { return Value{typ: TypeString, buf: []byte(s)} }

// TimestampValue truncates t to millisecond precision.
func TimestampValue(t time.Time) Value {
	return Value{typ: TypeTimestamp, num: t.UnixMilli()}
}

func UUIDValue(id uuid.UUID) Value { return Value{typ: TypeUUID, id: id} }

func (v Value) Type() ValueType { return v.typ }

func (v Value) Bool() (bool, bool) {
	switch v.typ {
	case TypeBoolTrue:
		return true, true
	case TypeBoolFalse:
		return false, true
	}
	return false, false
}

// Int returns the value of any integer-typed header widened to int64.
func (v Value) Int() (int64, bool) {
	switch v.typ {
	case TypeByte, TypeInt16, TypeInt32, TypeInt64:
		return v.num, true
	}
	return 0, false
}

func (v Value) Int32() (int32, bool) {
	if v.typ != TypeInt32 {
		return 0, false
	}
	return int32(v.num), true
}

func (v Value) Bytes() ([]byte, bool) {
	if v.typ != TypeBytes {
		return nil, false
	}
	return v.buf, true
}

func (v Value) Str() (string, bool) {
	if v.typ != TypeString {
		return "", false
	}
	return string(v.buf), true
}

func (v Value) Time() (time.Time, bool) {
	if v.typ != TypeTimestamp {
		return time.Time{}, false
	}
	return time.UnixMilli(v.num), true
}

func (v Value) UUID() (uuid.UUID, bool) {
	if v.typ != TypeUUID {
		return uuid.Nil, false
	}
	return v.id, true
}

func (v Value) String() string {
	switch v.typ {
	case TypeBoolTrue:
		return "true"
	case TypeBoolFalse:
		return "false"
	case TypeByte, TypeInt16, TypeInt32, TypeInt64:
		return fmt.Sprintf("%d", v.num)
	case TypeBytes:
		return fmt.Sprintf("%x", v.buf)
	case TypeString:
		return string(v.buf)
	case TypeTimestamp:
		return time.UnixMilli(v.num).UTC().Format(time.RFC3339Nano)
	case TypeUUID:
		return v.id.String()
	}
	return "<invalid>"
}

// Equal reports whether two values have the same type and contents.
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case TypeBytes, TypeString:
		return string(v.buf) == string(o.buf)
	case TypeUUID:
		return v.id == o.id
	}
	return v.num == o.num
}

// Header is a single name/value pair. Header order is preserved on the wire.
type Header struct {
	Name  string
	Value Value
}

// Headers is an ordered header list.
type Headers []Header

// Get returns the first header named name.
func (h Headers) Get(name string) (Value, bool) {
	for _, hdr := range h {
		if hdr.Name == name {
			return hdr.Value, true
		}
	}
	return Value{}, false
}

// Set replaces the first header named name or appends a new one.
func (h *Headers) Set(name string, v Value) {
	for i := range *h {
		if (*h)[i].Name == name {
			(*h)[i].Value = v
			return
		}
	}
	*h = append(*h, Header{Name: name, Value: v})
}

// GetString returns the named header if present and string-typed.
func (h Headers) GetString(name string) (string, bool) {
	v, ok := h.Get(name)
	if !ok {
		return "", false
	}
	return v.Str()
}
