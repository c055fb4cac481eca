package node

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldlink/log2"
	"fieldlink/report"
	"fieldlink/settings"
	"fieldlink/xcvr"
)

var testNodeAddr = xcvr.NodeAddr{Scope: xcvr.ScopePublic, MAC: [6]byte{0xa1, 0xa2, 0xa3, 0xa4, 0xa5, 0xa6}}

// fakeNode emulates the control point surface of one sensor node behind
// the mock transceiver.
type fakeNode struct {
	mu sync.Mutex

	version    report.VersionInfo
	active     settings.Settings
	staged     settings.Settings
	reject     map[uint8]bool // settings keys never acknowledged
	force      map[byte]byte  // opcode to forced status code
	probeBusy  int            // GetVersion requests answered busy before success
	applyDrop  int            // ApplySettings requests left unanswered
	willReboot bool

	applies int
	enabled map[byte][]byte // report opcode to last enable argument

	dropped chan struct{} // closed at cleanup, releases parked handlers
}

func newFakeNode(t testing.TB) *fakeNode {
	n := &fakeNode{
		version: report.VersionInfo{Version: "2.4.1", Build: "a1b2c3"},
		active:  settings.Settings{},
		staged:  settings.Settings{},
		reject:  make(map[uint8]bool),
		force:   make(map[byte]byte),
		enabled: make(map[byte][]byte),
		dropped: make(chan struct{}),
	}
	t.Cleanup(func() { close(n.dropped) })
	return n
}

func nodeStatus(op, code byte) []byte { return []byte{opResponseCode, op, code} }

func (n *fakeNode) handle(t testing.TB, addr xcvr.NodeAddr, data []byte) []byte {
	if len(data) == 0 {
		t.Errorf("fake node: empty request")
		return nodeStatus(0, codeBadArgument)
	}
	op, arg := data[0], data[1:]

	n.mu.Lock()
	code, forced := n.force[op]
	n.mu.Unlock()
	if forced {
		return nodeStatus(op, code)
	}

	switch op {
	case opGetVersion:
		return n.getVersion(t, op)
	case opReportSettings:
		return n.getSettings(t, op)
	case opWriteSettings:
		return n.writeSettings(op, arg)
	case opApplySettings:
		return n.applySettings(op, arg)
	case opReportHealth:
		if len(arg) != 1 {
			return nodeStatus(op, codeBadArgument)
		}
		return n.enable(op, arg)
	case opReportSnippet, opReportAggregates:
		if len(arg) != 3 {
			return nodeStatus(op, codeBadArgument)
		}
		return n.enable(op, arg)
	case opReboot:
		return nodeStatus(op, codeOK)
	}
	return nodeStatus(op, codeUnsupported)
}

func (n *fakeNode) getVersion(t testing.TB, op byte) []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.probeBusy > 0 {
		n.probeBusy--
		return nodeStatus(op, codeBusy)
	}
	b, err := n.version.MarshalBinary()
	if err != nil {
		t.Errorf("fake node: version: %v", err)
		return nodeStatus(op, codeError)
	}
	return append([]byte{opGetVersionResponse}, b...)
}

func (n *fakeNode) getSettings(t testing.TB, op byte) []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	b, err := report.EncodeSettings(n.active)
	if err != nil {
		t.Errorf("fake node: settings: %v", err)
		return nodeStatus(op, codeError)
	}
	return append([]byte{opReportSettings}, b...)
}

func (n *fakeNode) writeSettings(op byte, arg []byte) []byte {
	s, err := report.DecodeSettings(arg)
	if err != nil {
		return nodeStatus(op, codeBadArgument)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	acked := make([]uint8, 0, len(s))
	for _, k := range s.Keys() {
		if n.reject[k] {
			continue
		}
		n.staged[k] = s[k]
		acked = append(acked, k)
	}
	return append([]byte{opWriteSettingsResponse, uint8(len(acked))}, acked...)
}

func (n *fakeNode) applySettings(op byte, arg []byte) []byte {
	if len(arg) != 1 {
		return nodeStatus(op, codeBadArgument)
	}
	n.mu.Lock()
	if n.applyDrop > 0 {
		n.applyDrop--
		n.mu.Unlock()
		<-n.dropped
		return nodeStatus(op, codeOK)
	}
	defer n.mu.Unlock()
	n.applies++
	for k, v := range n.staged {
		n.active[k] = v
	}
	n.staged = settings.Settings{}
	flags := byte(0)
	if n.willReboot {
		flags |= flagWillReboot
	}
	return []byte{opApplySettingsResponse, flags}
}

func (n *fakeNode) enable(op byte, arg []byte) []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.enabled[op] = append([]byte(nil), arg...)
	return nodeStatus(op, codeOK)
}

func (n *fakeNode) enabledArg(op byte) []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.enabled[op]
}

func (n *fakeNode) activeSettings() settings.Settings {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.active.Clone()
}

func (n *fakeNode) applyCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.applies
}

func newTestClient(t testing.TB, opt xcvr.Options) (*Client, *fakeNode, *xcvr.MockServer) {
	n := newFakeNode(t)
	link, srv := xcvr.NewMockPair(t, opt, nil)
	srv.HandleNodeRequests(n.handle)
	return NewClient(link, testNodeAddr, log2.NewTest(t, log2.LDebug)), n, srv
}

func TestClientGetVersion(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestClient(t, xcvr.Options{})

	v, err := c.GetVersion(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "2.4.1", v.Version)
	assert.Equal(t, "a1b2c3", v.Build)
}

func TestClientStatusErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name  string
		code  byte
		check func(t *testing.T, err error)
	}{
		{"busy", codeBusy, func(t *testing.T, err error) {
			assert.True(t, IsNodeBusy(err))
		}},
		{"error", codeError, func(t *testing.T, err error) {
			assert.Equal(t, ErrNodeError, errors.Cause(err))
		}},
		{"unsupported", codeUnsupported, func(t *testing.T, err error) {
			assert.Equal(t, ErrNodeUnsupported, errors.Cause(err))
		}},
		{"bad-argument", codeBadArgument, func(t *testing.T, err error) {
			assert.Equal(t, ErrNodeBadArgument, errors.Cause(err))
		}},
		{"unknown-code", 9, func(t *testing.T, err error) {
			assert.Contains(t, err.Error(), "node response code 9")
		}},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c, n, _ := newTestClient(t, xcvr.Options{})
			n.mu.Lock()
			n.force[opGetVersion] = tc.code
			n.mu.Unlock()

			_, err := c.GetVersion(context.Background())
			require.Error(t, err)
			tc.check(t, err)
		})
	}
}

func TestClientSettingsRoundTrip(t *testing.T) {
	t.Parallel()
	c, n, _ := newTestClient(t, xcvr.Options{})
	ctx := context.Background()

	active, err := c.GetSettings(ctx)
	require.NoError(t, err)
	assert.Len(t, active, 0)

	want := settings.Settings{0: 2048, 3: 60000}
	acked, err := c.WriteSettings(ctx, want)
	require.NoError(t, err)
	assert.Equal(t, []uint8{0, 3}, acked)

	willReboot, err := c.ApplySettings(ctx, true)
	require.NoError(t, err)
	assert.False(t, willReboot)
	assert.True(t, n.activeSettings().Equal(want))

	active, err = c.GetSettings(ctx)
	require.NoError(t, err)
	assert.True(t, active.Equal(want))
}

func TestClientWriteSettingsPartialAck(t *testing.T) {
	t.Parallel()
	c, n, _ := newTestClient(t, xcvr.Options{})
	n.mu.Lock()
	n.reject[7] = true
	n.mu.Unlock()

	acked, err := c.WriteSettings(context.Background(), settings.Settings{0: 2048, 7: 1})
	require.NoError(t, err)
	assert.Equal(t, []uint8{0}, acked)
	un := settings.Unhandled(settings.Settings{0: 2048, 7: 1}, acked)
	assert.True(t, un.Equal(settings.Settings{7: 1}))
}

func TestClientApplyWillReboot(t *testing.T) {
	t.Parallel()
	c, n, _ := newTestClient(t, xcvr.Options{})
	n.mu.Lock()
	n.willReboot = true
	n.mu.Unlock()

	willReboot, err := c.ApplySettings(context.Background(), true)
	require.NoError(t, err)
	assert.True(t, willReboot)
}

func TestClientEnableReports(t *testing.T) {
	t.Parallel()
	c, n, _ := newTestClient(t, xcvr.Options{})
	ctx := context.Background()

	require.NoError(t, c.EnableHealth(ctx, true))
	assert.Equal(t, []byte{1}, n.enabledArg(opReportHealth))

	require.NoError(t, c.EnableSnippets(ctx, 0, true))
	assert.Equal(t, []byte{0, 0, flagAutoResume}, n.enabledArg(opReportSnippet))

	require.NoError(t, c.EnableAggregates(ctx, 300, false))
	assert.Equal(t, []byte{0x2c, 0x01, 0}, n.enabledArg(opReportAggregates))
}

func TestClientRequestTimeout(t *testing.T) {
	t.Parallel()
	c, n, _ := newTestClient(t, xcvr.Options{RequestTimeout: 50 * time.Millisecond})
	n.mu.Lock()
	n.applyDrop = 1
	n.mu.Unlock()

	_, err := c.ApplySettings(context.Background(), true)
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err), "want timeout, got %v", err)
}

func TestClientUnsupportedOpcode(t *testing.T) {
	t.Parallel()
	c, _, _ := newTestClient(t, xcvr.Options{})

	err := c.status(context.Background(), 99, nil)
	require.Error(t, err)
	assert.Equal(t, ErrNodeUnsupported, errors.Cause(err))
}
