package xcvr

import (
	"bufio"
	"bytes"
	"context"
	"expvar"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/temoto/atomic_clock"

	"fieldlink/helpers"
	"fieldlink/log2"
)

const (
	DefaultPort           = "7645"
	DefaultNetworkTimeout = 30 * time.Second
	DefaultReadLimit      = 16 << 10

	// rough per segment TCP/IP header cost, included in traffic counters
	tcpOverhead = 40
)

var ErrClosing = errors.New("closing")

type ConnOptions struct {
	Log            *log2.Log
	NetworkTimeout time.Duration
	ReadLimit      uint32
}

func (opt *ConnOptions) setDefaults() {
	if opt.NetworkTimeout == 0 {
		opt.NetworkTimeout = DefaultNetworkTimeout
	}
	if opt.ReadLimit == 0 {
		opt.ReadLimit = DefaultReadLimit
	}
}

type ConnStat struct {
	RecvBytes expvar.Int
	SendBytes expvar.Int
}

// Conn is a framed transceiver connection. Receive is single reader; Send is
// safe for concurrent use.
type Conn struct {
	err  helpers.AtomicError
	last atomic_clock.Clock
	dec  Decoder
	net  net.Conn
	opt  ConnOptions
	w    io.Writer
	wmu  sync.Mutex
	stat ConnStat
}

func NewConn(netConn net.Conn, opt ConnOptions) *Conn {
	opt.setDefaults()
	c := &Conn{
		net: netConn,
		opt: opt,
	}
	if tcp, ok := netConn.(*net.TCPConn); ok {
		_ = tcp.SetKeepAlive(false)
		_ = tcp.SetLinger(0)
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetReadBuffer(16 << 10)
		_ = tcp.SetWriteBuffer(16 << 10)
	}
	r := helpers.NewStatReader(netConn, &c.stat.RecvBytes, tcpOverhead)
	c.w = helpers.NewStatWriter(netConn, &c.stat.SendBytes, tcpOverhead)
	c.dec.Attach(bufio.NewReader(r), opt.ReadLimit)
	c.last.SetNow()
	return c
}

func dialConn(ctx context.Context, host string, opt ConnOptions) (*Conn, error) {
	opt.setDefaults()
	addr := ensurePort(host, DefaultPort)
	dialer := net.Dialer{Timeout: opt.NetworkTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Annotatef(err, "dial %s", addr)
	}
	return NewConn(netConn, opt), nil
}

func ensurePort(host, port string) string {
	if _, _, err := net.SplitHostPort(host); err == nil {
		return host
	}
	return net.JoinHostPort(host, port)
}

// Receive returns the next envelope. Any transport or framing error is fatal
// to the connection.
func (c *Conn) Receive(ctx context.Context) ([]byte, error) {
	if err, found := c.err.Load(); found {
		return nil, errors.Trace(err)
	}
	var deadline time.Time
	if t, ok := ctx.Deadline(); ok {
		deadline = t
	}
	_ = c.net.SetReadDeadline(deadline)
	envelope, err := c.dec.Read()
	if err != nil {
		return nil, c.die(err)
	}
	c.last.SetNow()
	return envelope, nil
}

func (c *Conn) Send(ctx context.Context, envelope []byte) error {
	if err, found := c.err.Load(); found {
		return errors.Trace(err)
	}
	frame, err := FrameMarshal(envelope)
	if err != nil {
		// local encoding problem, connection stays up
		return errors.Trace(err)
	}
	deadline := time.Now().Add(c.opt.NetworkTimeout)
	if t, ok := ctx.Deadline(); ok && t.Before(deadline) {
		deadline = t
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.net.SetWriteDeadline(deadline)
	if err := helpers.WriteAll(c.w, frame); err != nil {
		return c.die(err)
	}
	return nil
}

func (c *Conn) Close() error {
	c.die(ErrClosing)
	return nil
}

func (c *Conn) Closed() bool {
	_, found := c.err.Load()
	return found
}

// Err returns the cause of death, nil while the connection is up.
func (c *Conn) Err() error {
	err, _ := c.err.Load()
	return err
}

func (c *Conn) SinceLastRecv() time.Duration {
	return atomic_clock.Since(&c.last)
}

func (c *Conn) RemoteAddr() net.Addr { return c.net.RemoteAddr() }

func (c *Conn) Stat() *ConnStat { return &c.stat }

func (c *Conn) String() string {
	if c == nil || c.net == nil {
		return ""
	}
	return c.net.RemoteAddr().String()
}

func (c *Conn) die(e error) error {
	e = prettyNetErr(e)
	err, found := c.err.StoreOnce(e)
	if found {
		return errors.Trace(err)
	}
	c.opt.Log.Debugf("xcvr: conn %s die e=%v", c, e)
	_ = c.net.Close()
	return errors.Trace(e)
}

// prettyNetErr folds noisy stdlib network errors into short stable strings.
func prettyNetErr(e error) error {
	cause := errors.Cause(e)
	if cause == ErrClosing || cause == io.EOF {
		return e
	}
	msg := cause.Error()
	if neterr, ok := cause.(net.Error); (ok && neterr.Timeout()) || strings.HasSuffix(msg, "i/o timeout") {
		return fmt.Errorf("timeout")
	}
	if strings.HasSuffix(msg, "connection reset by peer") || strings.HasSuffix(msg, "use of closed network connection") {
		return fmt.Errorf("closed by remote")
	}
	return e
}

// Decoder splits a stream into envelopes. Not safe for concurrent use.
type Decoder struct {
	buf bytes.Buffer
	r   *bufio.Reader
	max uint32
}

func (d *Decoder) Attach(r *bufio.Reader, max uint32) {
	d.r = r
	d.max = max
}

// Read returns the next envelope; the slice is owned by the caller.
// io.EOF means the peer closed cleanly at a frame boundary.
func (d *Decoder) Read() ([]byte, error) {
	header, err := d.r.Peek(FrameHeaderSize)
	switch err {
	case nil:
	case io.EOF:
		if len(header) == 0 {
			return nil, io.EOF
		}
		return nil, errors.Annotate(io.ErrUnexpectedEOF, "frame header")
	default:
		return nil, errors.Trace(err)
	}
	envLen, err := FrameDecode(header, d.max)
	if err != nil {
		return nil, errors.Trace(err)
	}
	total := FrameHeaderSize + int(envLen) + FrameTrailerSize
	d.buf.Reset()
	d.buf.Grow(total)
	frame := d.buf.Bytes()[:total]
	if _, err := io.ReadFull(d.r, frame); err != nil {
		return nil, errors.Annotate(err, "frame body")
	}
	if err := frameCheck(frame); err != nil {
		return nil, errors.Trace(err)
	}
	envelope := make([]byte, envLen)
	copy(envelope, frame[FrameHeaderSize:FrameHeaderSize+int(envLen)])
	return envelope, nil
}
