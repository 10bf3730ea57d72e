// Package rpctest runs an in-process nucleus stand-in on a unix socket. It
// speaks the real wire protocol so tests can exercise rpc, ipc and greengrass
// end to end without a device.
package rpctest

import (
	"encoding/json"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ggoodman/nucleus-ipc-go/eventstream"
)

// Request is one operation activation received by the server.
type Request struct {
	Operation        string
	ServiceModelType string
	StreamID         int32
	Payload          []byte
}

// Handler answers an activation. It runs on its own goroutine.
type Handler func(s *Stream, req Request)

// Server is a fake nucleus.
type Server struct {
	Path string
	ln   net.Listener

	token     string
	rejectAll bool

	mu       sync.Mutex
	handlers map[string]Handler
	requests []Request
	streams  []*Stream
	conns    map[net.Conn]*serverConn
	connects int
	closed   bool

	wg sync.WaitGroup
}

type Option func(*Server)

// WithAuthToken makes the server refuse connects carrying a different token.
func WithAuthToken(token string) Option {
	return func(s *Server) { s.token = token }
}

// WithRejectConnect makes the server answer every connect without the
// accepted flag.
func WithRejectConnect() Option {
	return func(s *Server) { s.rejectAll = true }
}

// NewServer listens on a fresh socket path and stops at test cleanup.
func NewServer(t testing.TB, opts ...Option) *Server {
	t.Helper()
	// Short base dir: unix socket paths are limited to ~104 bytes.
	dir, err := os.MkdirTemp("", "rpctest")
	if err != nil {
		t.Fatalf("rpctest: mkdir: %v", err)
	}
	path := filepath.Join(dir, "ipc.socket")
	ln, err := net.Listen("unix", path)
	if err != nil {
		_ = os.RemoveAll(dir)
		t.Fatalf("rpctest: listen: %v", err)
	}
	s := &Server{
		Path:     path,
		ln:       ln,
		handlers: make(map[string]Handler),
		conns:    make(map[net.Conn]*serverConn),
	}
	for _, o := range opts {
		o(s)
	}
	s.wg.Add(1)
	go s.accept()
	t.Cleanup(func() {
		s.Close()
		_ = os.RemoveAll(dir)
	})
	return s
}

// Handle registers h for an operation name. Operations without a handler are
// answered with an empty success response that terminates the stream.
func (s *Server) Handle(operation string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[operation] = h
}

// Requests returns every activation received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

// Connects counts accepted handshakes.
func (s *Server) Connects() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connects
}

// WaitStream polls until an activation for operation has been received.
func (s *Server) WaitStream(t testing.TB, operation string, timeout time.Duration) *Stream {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		s.mu.Lock()
		for _, st := range s.streams {
			if st.Request.Operation == operation {
				s.mu.Unlock()
				return st
			}
		}
		s.mu.Unlock()
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("rpctest: no %s stream within %s", operation, timeout)
	return nil
}

// DropConnections closes every client connection from the server side.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
}

// SendConnectionError sends a protocol error on stream 0 of every connection.
func (s *Server) SendConnectionError(detail string) {
	s.mu.Lock()
	conns := make([]*serverConn, 0, len(s.conns))
	for _, sc := range s.conns {
		conns = append(conns, sc)
	}
	s.mu.Unlock()
	for _, sc := range conns {
		_ = sc.send(eventstream.NewMessage(eventstream.MessageProtocolError, 0, 0, []byte(detail)))
	}
}

// Close stops the listener and all connections.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	_ = s.ln.Close()
	s.DropConnections()
	s.wg.Wait()
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		c, err := s.ln.Accept()
		if err != nil {
			return
		}
		sc := &serverConn{conn: c}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			_ = c.Close()
			return
		}
		s.conns[c] = sc
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(sc)
	}
}

type serverConn struct {
	conn net.Conn
	wmu  sync.Mutex
}

func (sc *serverConn) send(m *eventstream.Message) error {
	sc.wmu.Lock()
	defer sc.wmu.Unlock()
	return eventstream.WriteMessage(sc.conn, m)
}

func (s *Server) serve(sc *serverConn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, sc.conn)
		s.mu.Unlock()
		_ = sc.conn.Close()
	}()

	if !s.handshake(sc) {
		return
	}
	for {
		m, err := eventstream.ReadMessage(sc.conn)
		if err != nil {
			return
		}
		typ, _ := m.Type()
		sid, _ := m.StreamID()
		flags, _ := m.Flags()
		switch typ {
		case eventstream.MessagePing:
			_ = sc.send(eventstream.NewMessage(eventstream.MessagePong, 0, 0, m.Payload))
			continue
		case eventstream.MessageApplication:
		default:
			continue
		}
		if flags.Has(eventstream.FlagTerminateStream) {
			s.markClosed(sc, sid)
			continue
		}

		op, _ := m.Headers.GetString(eventstream.HeaderOperation)
		smt, _ := m.Headers.GetString(eventstream.HeaderServiceModelType)
		req := Request{Operation: op, ServiceModelType: smt, StreamID: sid, Payload: m.Payload}
		st := &Stream{sc: sc, Request: req, done: make(chan struct{})}

		s.mu.Lock()
		s.requests = append(s.requests, req)
		s.streams = append(s.streams, st)
		h := s.handlers[op]
		s.mu.Unlock()

		if h == nil {
			_ = st.Respond(struct{}{}, true)
			continue
		}
		go h(st, req)
	}
}

func (s *Server) handshake(sc *serverConn) bool {
	m, err := eventstream.ReadMessage(sc.conn)
	if err != nil {
		return false
	}
	if typ, _ := m.Type(); typ != eventstream.MessageConnect {
		_ = sc.send(eventstream.NewMessage(eventstream.MessageProtocolError, 0, 0, []byte("expected connect")))
		return false
	}
	var p struct {
		AuthToken string `json:"authToken"`
	}
	_ = json.Unmarshal(m.Payload, &p)

	accepted := !s.rejectAll && (s.token == "" || p.AuthToken == s.token)
	var flags eventstream.Flags
	if accepted {
		flags = eventstream.FlagConnectionAccepted
	}
	if err := sc.send(eventstream.NewMessage(eventstream.MessageConnectAck, flags, 0, nil)); err != nil {
		return false
	}
	if accepted {
		s.mu.Lock()
		s.connects++
		s.mu.Unlock()
	}
	return accepted
}

func (s *Server) markClosed(sc *serverConn, sid int32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, st := range s.streams {
		if st.sc == sc && st.Request.StreamID == sid {
			st.closeOnce.Do(func() { close(st.done) })
		}
	}
}

// Stream is the server side of one operation.
type Stream struct {
	sc        *serverConn
	Request   Request
	done      chan struct{}
	closeOnce sync.Once
}

func (st *Stream) message(typ eventstream.MessageType, flags eventstream.Flags, payload []byte) *eventstream.Message {
	m := eventstream.NewMessage(typ, flags, st.Request.StreamID, payload)
	m.Headers.Set(eventstream.HeaderContentType, eventstream.StringValue(eventstream.ContentTypeJSON))
	return m
}

// Respond sends v as a JSON application message. terminate ends the stream.
func (st *Stream) Respond(v any, terminate bool) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	var flags eventstream.Flags
	if terminate {
		flags = eventstream.FlagTerminateStream
	}
	return st.sc.send(st.message(eventstream.MessageApplication, flags, b))
}

// Event pushes a stream event without terminating the stream.
func (st *Stream) Event(v any) error { return st.Respond(v, false) }

// Error sends a modeled service error. terminate ends the stream.
func (st *Stream) Error(code, message string, terminate bool) error {
	b, _ := json.Marshal(map[string]string{"_errorCode": code, "_message": message})
	var flags eventstream.Flags
	if terminate {
		flags = eventstream.FlagTerminateStream
	}
	m := st.message(eventstream.MessageApplicationError, flags, b)
	m.Headers.Set(eventstream.HeaderServiceModelType, eventstream.StringValue("aws.greengrass#"+code))
	return st.sc.send(m)
}

// Terminate ends the stream from the server side.
func (st *Stream) Terminate() error {
	return st.sc.send(st.message(eventstream.MessageApplication, eventstream.FlagTerminateStream, nil))
}

// Done is closed when the client sends terminate-stream for this stream.
func (st *Stream) Done() <-chan struct{} { return st.done }

// Decode unmarshals the activation payload.
func (st *Stream) Decode(v any) error { return json.Unmarshal(st.Request.Payload, v) }
