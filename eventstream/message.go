package eventstream

import (
	"errors"
	"fmt"

	"github.com/elnormous/contenttype"
)

// Well-known header names.
const (
	HeaderMessageType      = ":message-type"
	HeaderMessageFlags     = ":message-flags"
	HeaderStreamID         = ":stream-id"
	HeaderContentType      = ":content-type"
	HeaderVersion          = ":version"
	HeaderOperation        = "operation"
	HeaderServiceModelType = "service-model-type"
)

// ProtocolVersion is sent in the ":version" header of the connect message.
const ProtocolVersion = "0.1.0"

// ContentTypeJSON is the only payload encoding used by the IPC service.
const ContentTypeJSON = "application/json"

var jsonMediaType = contenttype.NewMediaType(ContentTypeJSON)

// MessageType is the value of the ":message-type" header.
type MessageType int32

const (
	MessageApplication      MessageType = 0
	MessageApplicationError MessageType = 1
	MessagePing             MessageType = 2
	MessagePong             MessageType = 3
	MessageConnect          MessageType = 4
	MessageConnectAck       MessageType = 5
	MessageProtocolError    MessageType = 6
	MessageInternalError    MessageType = 7
)

func (t MessageType) String() string {
	switch t {
	case MessageApplication:
		return "application"
	case MessageApplicationError:
		return "application_error"
	case MessagePing:
		return "ping"
	case MessagePong:
		return "pong"
	case MessageConnect:
		return "connect"
	case MessageConnectAck:
		return "connect_ack"
	case MessageProtocolError:
		return "protocol_error"
	case MessageInternalError:
		return "internal_error"
	default:
		return fmt.Sprintf("MessageType(%d)", int32(t))
	}
}

// Flags is the ":message-flags" bit set.
type Flags int32

const (
	FlagConnectionAccepted Flags = 1 << 0
	FlagTerminateStream    Flags = 1 << 1
)

func (f Flags) Has(bit Flags) bool { return f&bit != 0 }

// MissingHeaderError is returned when a mandatory header is absent or has the
// wrong type.
type MissingHeaderError struct {
	Name string
}

func (e *MissingHeaderError) Error() string {
	return fmt.Sprintf("eventstream: missing or mistyped header %q", e.Name)
}

// ErrUnsupportedContentType is returned by CheckContentType.
var ErrUnsupportedContentType = errors.New("eventstream: content-type must be application/json")

// Message is a decoded frame.
type Message struct {
	Headers Headers
	Payload []byte
}

// NewMessage builds a message carrying the three mandatory headers.
func NewMessage(typ MessageType, flags Flags, streamID int32, payload []byte) *Message {
	m := &Message{Payload: payload}
	m.Headers.Set(HeaderMessageType, Int32Value(int32(typ)))
	m.Headers.Set(HeaderMessageFlags, Int32Value(int32(flags)))
	m.Headers.Set(HeaderStreamID, Int32Value(streamID))
	return m
}

func (m *Message) int32Header(name string) (int32, error) {
	v, ok := m.Headers.Get(name)
	if !ok {
		return 0, &MissingHeaderError{Name: name}
	}
	n, ok := v.Int32()
	if !ok {
		return 0, &MissingHeaderError{Name: name}
	}
	return n, nil
}

func (m *Message) StreamID() (int32, error) { return m.int32Header(HeaderStreamID) }

func (m *Message) Type() (MessageType, error) {
	n, err := m.int32Header(HeaderMessageType)
	return MessageType(n), err
}

func (m *Message) Flags() (Flags, error) {
	n, err := m.int32Header(HeaderMessageFlags)
	return Flags(n), err
}

// Validate checks that all mandatory headers are present and well typed.
func (m *Message) Validate() error {
	for _, name := range []string{HeaderMessageType, HeaderMessageFlags, HeaderStreamID} {
		if _, err := m.int32Header(name); err != nil {
			return err
		}
	}
	return nil
}

// CheckContentType accepts messages without a ":content-type" header or with
// one that matches application/json.
func (m *Message) CheckContentType() error {
	ct, ok := m.Headers.GetString(HeaderContentType)
	if !ok || ct == "" {
		return nil
	}
	mt := contenttype.NewMediaType(ct)
	if !mt.Matches(jsonMediaType) {
		return fmt.Errorf("%w: got %q", ErrUnsupportedContentType, ct)
	}
	return nil
}
