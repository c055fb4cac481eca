package xcvr

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/juju/errors"
	"github.com/temoto/alive/v2"

	"fieldlink/helpers"
	"fieldlink/log2"
)

const (
	DefaultRequestTimeout = 5 * time.Second
	DefaultKeepalive      = 15 * time.Second
	DefaultQueueSize      = 64
)

// ErrLinkClosed is the cause of every call that fails because the link died.
var ErrLinkClosed = errors.New("link closed")

func IsLinkClosed(err error) bool { return errors.Cause(err) == ErrLinkClosed }

type Options struct {
	Log            *log2.Log
	NetworkTimeout time.Duration
	RequestTimeout time.Duration
	Keepalive      time.Duration // negative disables the pinger
	ReadLimit      uint32
	QueueSize      int // report frames buffered per subscription

	// OnNodeEvent observes connect/disconnect notifications. Runs on the
	// read loop, must not block.
	OnNodeEvent func(addr NodeAddr, connected bool)
}

func (opt *Options) setDefaults() {
	if opt.RequestTimeout == 0 {
		opt.RequestTimeout = DefaultRequestTimeout
	}
	if opt.Keepalive == 0 {
		opt.Keepalive = DefaultKeepalive
	}
	if opt.QueueSize == 0 {
		opt.QueueSize = DefaultQueueSize
	}
}

// Link multiplexes concurrent requests and report subscriptions over one
// transceiver connection. All methods are safe for concurrent use. Once the
// connection dies the link is dead for good; dial a new one.
type Link struct {
	alive *alive.Alive
	conn  *Conn
	opt   Options
	log   *log2.Log

	mu      sync.Mutex
	pending map[int]chan *envelope
	subs    map[NodeAddr]*Subscription
	methods map[string]uint64

	err helpers.AtomicError
}

func Dial(ctx context.Context, host string, opt Options) (*Link, error) {
	conn, err := dialConn(ctx, host, ConnOptions{
		Log:            opt.Log,
		NetworkTimeout: opt.NetworkTimeout,
		ReadLimit:      opt.ReadLimit,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return NewLink(ctx, conn, opt)
}

// NewLink takes ownership of conn, starts the read loop and pinger, and
// performs method discovery.
func NewLink(ctx context.Context, conn *Conn, opt Options) (*Link, error) {
	opt.setDefaults()
	l := &Link{
		alive:   alive.NewAlive(),
		conn:    conn,
		opt:     opt,
		log:     opt.Log,
		pending: make(map[int]chan *envelope),
		subs:    make(map[NodeAddr]*Subscription),
	}
	l.alive.Add(1)
	go l.readLoop()
	if opt.Keepalive > 0 {
		l.alive.Add(1)
		go l.pinger()
	}
	if err := l.discoverMethods(ctx); err != nil {
		_ = l.Close()
		return nil, errors.Annotate(err, "discover methods")
	}
	return l, nil
}

// discoverMethods fetches the name to id table. Servers answer with an
// APIError when they do not implement it; names keep working then.
func (l *Link) discoverMethods(ctx context.Context) error {
	var table map[string]uint64
	err := l.Request(ctx, methodWellKnown, nil, &table)
	switch {
	case err == nil:
		l.mu.Lock()
		l.methods = table
		l.mu.Unlock()
		l.log.Debugf("xcvr: %s methods discovered n=%d", l.conn, len(table))
		return nil
	case IsAPIError(err):
		l.log.Debugf("xcvr: %s method discovery unsupported e=%v", l.conn, err)
		return nil
	default:
		return errors.Trace(err)
	}
}

// Request sends method with params and waits for the matching response.
// A non-nil result receives the decoded response payload. Remote failures
// come back with an *APIError cause, local timeouts satisfy
// errors.IsTimeout, a dead link yields ErrLinkClosed.
func (l *Link) Request(ctx context.Context, method string, params, result interface{}) error {
	if !l.alive.Add(1) {
		return l.closedErr()
	}
	defer l.alive.Done()

	l.mu.Lock()
	token := 0
	for {
		if _, used := l.pending[token]; !used {
			break
		}
		token++
	}
	ch := make(chan *envelope, 1)
	l.pending[token] = ch
	var wireMethod interface{} = method
	if id, ok := l.methods[method]; ok {
		wireMethod = id
	}
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		delete(l.pending, token)
		l.mu.Unlock()
	}()

	b, err := encodeRequest(token, wireMethod, params)
	if err != nil {
		return errors.Trace(err)
	}
	if err := l.conn.Send(ctx, b); err != nil {
		l.die(err)
		return l.closedErr()
	}

	tmr := time.NewTimer(l.opt.RequestTimeout)
	defer tmr.Stop()
	select {
	case env := <-ch:
		if env.apiErr != nil {
			return errors.Annotatef(env.apiErr, "request %s", method)
		}
		if result != nil {
			if err := cbor.Unmarshal(env.result, result); err != nil {
				return errors.Annotatef(err, "request %s result", method)
			}
		}
		return nil
	case <-tmr.C:
		return errors.Timeoutf("request %s", method)
	case <-ctx.Done():
		return errors.Trace(ctx.Err())
	case <-l.alive.StopChan():
		return l.closedErr()
	}
}

func (l *Link) readLoop() {
	defer l.alive.Done()
	for {
		envelope, err := l.conn.Receive(context.Background())
		if err != nil {
			l.die(errors.Trace(err))
			return
		}
		env, err := decodeEnvelope(envelope)
		if err != nil {
			l.die(errors.Trace(err))
			return
		}
		switch env.typ {
		case msgResponse:
			l.mu.Lock()
			ch := l.pending[env.token]
			delete(l.pending, env.token)
			l.mu.Unlock()
			if ch == nil {
				l.log.Debugf("xcvr: %s response token=%d without waiter", l.conn, env.token)
				continue
			}
			ch <- env
		case msgNotification:
			l.notify(env)
		case msgRequest:
			// server to client requests are not part of the protocol
			l.log.Debugf("xcvr: %s unexpected request token=%d ignored", l.conn, env.token)
		}
	}
}

func (l *Link) notify(env *envelope) {
	switch env.ntype {
	case notifyNodeReport:
		var arg nodeDataArg
		if err := cbor.Unmarshal(env.arg, &arg); err != nil {
			l.log.Errorf("xcvr: %s report notification e=%v", l.conn, err)
			return
		}
		l.mu.Lock()
		sub := l.subs[arg.Addr]
		if sub != nil {
			sub.deliver(arg.Data)
		}
		l.mu.Unlock()
		if sub == nil {
			l.log.Debugf("xcvr: %s report from %s without subscription", l.conn, arg.Addr)
		}
	case notifyNodeConnected, notifyNodeDisconnected:
		var arg nodeEntry
		if err := cbor.Unmarshal(env.arg, &arg); err != nil {
			l.log.Errorf("xcvr: %s node event %s e=%v", l.conn, env.ntype, err)
			return
		}
		connected := env.ntype == notifyNodeConnected
		l.log.Debugf("xcvr: %s node %s connected=%t", l.conn, arg.Addr, connected)
		if l.opt.OnNodeEvent != nil {
			l.opt.OnNodeEvent(arg.Addr, connected)
		}
	default:
		l.log.Debugf("xcvr: %s notification %s ignored", l.conn, env.ntype)
	}
}

func (l *Link) pinger() {
	defer l.alive.Done()
	stopch := l.alive.StopChan()
	for l.alive.IsRunning() {
		since := l.conn.SinceLastRecv()
		if delay := l.opt.Keepalive - since; delay > 0 {
			if !l.sleep(delay, stopch) {
				return
			}
			continue
		}
		if err := l.Request(context.Background(), methodPing, nil, nil); err != nil {
			if l.alive.IsRunning() {
				l.die(errors.Annotate(err, "keepalive"))
			}
			return
		}
	}
}

func (l *Link) sleep(d time.Duration, stopch <-chan struct{}) bool {
	select {
	case <-time.After(d):
		return true
	case <-stopch:
		return false
	}
}

// SubscribeReports registers the single consumer of report frames from addr.
// When the queue is full the oldest frame is dropped to make room.
func (l *Link) SubscribeReports(addr NodeAddr) (*Subscription, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.subs == nil {
		return nil, l.closedErr()
	}
	if _, exists := l.subs[addr]; exists {
		return nil, errors.Errorf("subscription %s exists", addr)
	}
	sub := &Subscription{
		addr: addr,
		link: l,
		ch:   make(chan []byte, l.opt.QueueSize),
	}
	l.subs[addr] = sub
	return sub, nil
}

// Methods returns a copy of the discovered method id table.
func (l *Link) Methods() map[string]uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	m := make(map[string]uint64, len(l.methods))
	for k, v := range l.methods {
		m[k] = v
	}
	return m
}

func (l *Link) RemoteAddr() string { return l.conn.String() }

func (l *Link) Stat() *ConnStat { return l.conn.Stat() }

// StopChan closes when the link dies for any reason.
func (l *Link) StopChan() <-chan struct{} { return l.alive.StopChan() }

// Err returns the cause of death, nil while the link is up or after a local
// Close.
func (l *Link) Err() error {
	if err, found := l.err.Load(); found && errors.Cause(err) != ErrClosing {
		return err
	}
	return nil
}

func (l *Link) Close() error {
	l.die(ErrClosing)
	l.alive.Wait()
	return nil
}

func (l *Link) die(e error) {
	if _, found := l.err.StoreOnce(e); found {
		return
	}
	l.alive.Stop()
	_ = l.conn.Close()
	l.mu.Lock()
	subs := l.subs
	l.subs = nil
	l.mu.Unlock()
	for _, sub := range subs {
		close(sub.ch)
	}
	if errors.Cause(e) != ErrClosing {
		l.log.Debugf("xcvr: %s link die e=%v", l.conn, e)
	}
}

func (l *Link) closedErr() error {
	if err, found := l.err.Load(); found && errors.Cause(err) != ErrClosing {
		return errors.Annotatef(ErrLinkClosed, "%v", err)
	}
	return errors.Trace(ErrLinkClosed)
}

// Subscription is the report frame stream of one node. Frames closes when
// either the subscription or the link is closed.
type Subscription struct {
	addr    NodeAddr
	link    *Link
	ch      chan []byte
	dropped uint32
}

func (s *Subscription) Addr() NodeAddr        { return s.addr }
func (s *Subscription) Frames() <-chan []byte { return s.ch }

// Dropped counts frames discarded because the consumer lagged.
func (s *Subscription) Dropped() uint32 { return atomic.LoadUint32(&s.dropped) }

func (s *Subscription) Close() {
	s.link.mu.Lock()
	defer s.link.mu.Unlock()
	if s.link.subs == nil {
		return
	}
	if cur, ok := s.link.subs[s.addr]; ok && cur == s {
		delete(s.link.subs, s.addr)
		close(s.ch)
	}
}

// deliver runs under link.mu. Never blocks: a full queue drops the oldest
// frame first.
func (s *Subscription) deliver(frame []byte) {
	select {
	case s.ch <- frame:
		return
	default:
	}
	select {
	case <-s.ch:
		atomic.AddUint32(&s.dropped, 1)
	default:
	}
	select {
	case s.ch <- frame:
	default:
	}
}
