package xcvr

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/temoto/alive/v2"

	"fieldlink/log2"
)

// MockHandler answers one request with a result value or an APIError.
type MockHandler func(t testing.TB, params cbor.RawMessage) (result interface{}, apiErr *APIError)

// MockServer speaks the transceiver side of the protocol over an in-memory
// pipe. Requests run in their own goroutines so responses may interleave,
// same as a real server.
type MockServer struct {
	t     testing.TB
	alive *alive.Alive
	conn  *Conn

	mu         sync.Mutex
	handlers   map[string]MockHandler
	methods    map[string]uint64
	byID       map[uint64]string
	idRequests uint32
}

// NewMockPair connects a Link to a MockServer. methods is the table
// advertised by discovery; nil means discovery is unsupported and requests
// always arrive with string method names.
func NewMockPair(t testing.TB, opt Options, methods map[string]uint64) (*Link, *MockServer) {
	clientSide, serverSide := net.Pipe()
	if opt.Log == nil {
		opt.Log = log2.NewTest(t, log2.LDebug)
	}
	srv := &MockServer{
		t:        t,
		alive:    alive.NewAlive(),
		conn:     NewConn(serverSide, ConnOptions{Log: opt.Log, ReadLimit: opt.ReadLimit}),
		handlers: make(map[string]MockHandler),
		methods:  methods,
		byID:     make(map[uint64]string, len(methods)),
	}
	for name, id := range methods {
		srv.byID[id] = name
	}
	srv.alive.Add(1)
	go srv.loop()
	link, err := NewLink(context.Background(), NewConn(clientSide, ConnOptions{Log: opt.Log, ReadLimit: opt.ReadLimit}), opt)
	if err != nil {
		srv.Close()
		t.Fatalf("mock link: %v", err)
	}
	t.Cleanup(func() {
		_ = link.Close()
		srv.Close()
	})
	return link, srv
}

// Handle registers the answer for method. Replaces any previous handler.
func (s *MockServer) Handle(method string, h MockHandler) {
	s.mu.Lock()
	s.handlers[method] = h
	s.mu.Unlock()
}

// HandleNodeRequests decodes node_request params and routes the control
// point bytes to fn, replying with its return value.
func (s *MockServer) HandleNodeRequests(fn func(t testing.TB, addr NodeAddr, data []byte) []byte) {
	s.Handle(methodNodeRequest, func(t testing.TB, params cbor.RawMessage) (interface{}, *APIError) {
		var arg nodeDataArg
		if err := cbor.Unmarshal(params, &arg); err != nil {
			t.Errorf("mock: node_request params: %v", err)
			return nil, &APIError{Code: 5, Message: "bad params"}
		}
		return fn(t, arg.Addr, arg.Data), nil
	})
}

// Notify pushes a notification to the client.
func (s *MockServer) Notify(ntype string, arg interface{}) {
	b, err := encodeNotification(ntype, arg)
	if err != nil {
		s.t.Errorf("mock: notify %s: %v", ntype, err)
		return
	}
	if err := s.conn.Send(context.Background(), b); err != nil {
		s.t.Logf("mock: notify %s: %v", ntype, err)
	}
}

// NotifyReport pushes one report frame for addr.
func (s *MockServer) NotifyReport(addr NodeAddr, frame []byte) {
	s.Notify(notifyNodeReport, nodeDataArg{Addr: addr, Data: frame})
}

func (s *MockServer) NotifyConnected(addr NodeAddr, connected bool) {
	ntype := notifyNodeConnected
	if !connected {
		ntype = notifyNodeDisconnected
	}
	s.Notify(ntype, nodeEntry{Addr: addr})
}

// Close drops the connection, killing the client link.
func (s *MockServer) Close() {
	_ = s.conn.Close()
	s.alive.Stop()
	s.alive.Wait()
}

func (s *MockServer) loop() {
	defer s.alive.Done()
	for {
		envelope, err := s.conn.Receive(context.Background())
		if err != nil {
			s.alive.Stop()
			return
		}
		env, err := decodeEnvelope(envelope)
		if err != nil {
			s.t.Errorf("mock: decode: %v", err)
			s.alive.Stop()
			return
		}
		if env.typ != msgRequest {
			s.t.Errorf("mock: client sent message type %d", env.typ)
			continue
		}
		go s.handle(env)
	}
}

// IDRequests counts requests that arrived with an integer method id.
func (s *MockServer) IDRequests() uint32 {
	return atomic.LoadUint32(&s.idRequests)
}

func (s *MockServer) handle(env *envelope) {
	var name string
	if cbor.Unmarshal(env.method, &name) != nil {
		atomic.AddUint32(&s.idRequests, 1)
	}
	method, err := methodString(env.method, s.byID)
	if err != nil {
		s.t.Errorf("mock: %v", err)
		return
	}
	var result interface{}
	var apiErr *APIError
	s.mu.Lock()
	h := s.handlers[method]
	s.mu.Unlock()
	switch {
	case h != nil:
		result, apiErr = h(s.t, env.params)
	case method == methodWellKnown:
		if s.methods == nil {
			apiErr = &APIError{Code: 1, Message: "unknown method"}
		} else {
			result = s.methods
		}
	case method == methodPing:
		// default pong
	default:
		apiErr = &APIError{Code: 1, Message: "unknown method " + method}
	}
	b, err := encodeResponse(env.token, apiErr, result)
	if err != nil {
		s.t.Errorf("mock: encode response: %v", err)
		return
	}
	_ = s.conn.Send(context.Background(), b)
}
