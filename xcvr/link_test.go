package xcvr

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testAddr(t testing.TB, s string) NodeAddr {
	addr, err := ParseNodeAddr(s)
	if err != nil {
		t.Fatalf("addr %s: %v", s, err)
	}
	return addr
}

func recvFrame(t *testing.T, sub *Subscription, timeout time.Duration) []byte {
	t.Helper()
	select {
	case frame, ok := <-sub.Frames():
		if !ok {
			t.Fatal("subscription closed")
		}
		return frame
	case <-time.After(timeout):
		t.Fatal("no frame")
	}
	return nil
}

func TestLinkRequestResponse(t *testing.T) {
	t.Parallel()
	link, srv := NewMockPair(t, Options{Keepalive: -1}, nil)
	srv.Handle(methodGetTime, func(t testing.TB, params cbor.RawMessage) (interface{}, *APIError) {
		return timeArg{Time: 12345}, nil
	})
	got, err := link.GetTime(context.Background())
	require.NoError(t, err)
	assert.True(t, got.Equal(time.Unix(0, 12345)))
	require.NoError(t, link.Ping(context.Background()))
}

func TestLinkAPIError(t *testing.T) {
	t.Parallel()
	link, srv := NewMockPair(t, Options{Keepalive: -1}, nil)
	srv.Handle(methodSetTime, func(t testing.TB, params cbor.RawMessage) (interface{}, *APIError) {
		return nil, &APIError{Code: 7, Message: "nope"}
	})
	err := link.SetTime(context.Background(), time.Unix(1, 0))
	require.Error(t, err)
	assert.True(t, IsAPIError(err), "err=%v", err)
	assert.Contains(t, err.Error(), "api error 7/0 nope")
}

func TestLinkRequestTimeout(t *testing.T) {
	t.Parallel()
	link, srv := NewMockPair(t, Options{Keepalive: -1, RequestTimeout: 50 * time.Millisecond}, nil)
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	srv.Handle("slow", func(t testing.TB, params cbor.RawMessage) (interface{}, *APIError) {
		<-block
		return nil, nil
	})
	err := link.Request(context.Background(), "slow", nil, nil)
	require.Error(t, err)
	assert.True(t, errors.IsTimeout(err), "err=%v", err)
}

func TestLinkRequestContextCancel(t *testing.T) {
	t.Parallel()
	link, srv := NewMockPair(t, Options{Keepalive: -1}, nil)
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	srv.Handle("slow", func(t testing.TB, params cbor.RawMessage) (interface{}, *APIError) {
		<-block
		return nil, nil
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	err := link.Request(ctx, "slow", nil, nil)
	require.Error(t, err)
	assert.Equal(t, context.Canceled, errors.Cause(err))
}

func TestLinkConcurrent(t *testing.T) {
	t.Parallel()
	link, srv := NewMockPair(t, Options{Keepalive: -1}, nil)
	srv.Handle("echo", func(t testing.TB, params cbor.RawMessage) (interface{}, *APIError) {
		var n int
		if err := cbor.Unmarshal(params, &n); err != nil {
			return nil, &APIError{Code: 5, Message: "bad params"}
		}
		time.Sleep(time.Duration(n%5) * time.Millisecond)
		return n, nil
	})
	const workers = 4
	const each = 25
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < each; i++ {
				sent := w*1000 + i
				var got int
				if err := link.Request(context.Background(), "echo", sent, &got); err != nil {
					t.Errorf("echo %d: %v", sent, err)
					return
				}
				if got != sent {
					t.Errorf("echo sent=%d got=%d", sent, got)
				}
			}
		}(w)
	}
	wg.Wait()
}

func TestLinkMethodDiscovery(t *testing.T) {
	t.Parallel()
	table := map[string]uint64{"ping": 1, "echo": 2}
	link, srv := NewMockPair(t, Options{Keepalive: -1}, table)
	assert.Equal(t, table, link.Methods())
	require.NoError(t, link.Ping(context.Background()))
	assert.True(t, srv.IDRequests() >= 1, "ids=%d", srv.IDRequests())
}

func TestLinkSubscription(t *testing.T) {
	t.Parallel()
	link, srv := NewMockPair(t, Options{Keepalive: -1}, nil)
	addr := testAddr(t, "a1:a2:a3:a4:a5:a6")
	sub, err := link.SubscribeReports(addr)
	require.NoError(t, err)

	_, err = link.SubscribeReports(addr)
	require.Error(t, err)

	srv.NotifyReport(addr, []byte{1, 2, 3})
	assert.Equal(t, []byte{1, 2, 3}, recvFrame(t, sub, time.Second))

	// a report for another node must not cross over
	srv.NotifyReport(testAddr(t, "b1:b2:b3:b4:b5:b6"), []byte{9})
	srv.NotifyReport(addr, []byte{4})
	assert.Equal(t, []byte{4}, recvFrame(t, sub, time.Second))

	sub.Close()
	_, ok := <-sub.Frames()
	assert.False(t, ok)

	sub2, err := link.SubscribeReports(addr)
	require.NoError(t, err)
	sub2.Close()
}

func TestLinkSubscriptionDropOldest(t *testing.T) {
	t.Parallel()
	link, srv := NewMockPair(t, Options{Keepalive: -1, QueueSize: 4}, nil)
	addr := testAddr(t, "a1:a2:a3:a4:a5:a6")
	sub, err := link.SubscribeReports(addr)
	require.NoError(t, err)
	for i := byte(0); i < 6; i++ {
		srv.NotifyReport(addr, []byte{i})
	}
	// a request round trip after the notifications proves the read loop
	// processed them all
	require.NoError(t, link.Ping(context.Background()))
	assert.EqualValues(t, 2, sub.Dropped())
	var got []byte
	for i := 0; i < 4; i++ {
		frame := recvFrame(t, sub, time.Second)
		got = append(got, frame[0])
	}
	assert.Equal(t, []byte{2, 3, 4, 5}, got)
}

func TestLinkDeath(t *testing.T) {
	t.Parallel()
	link, srv := NewMockPair(t, Options{Keepalive: -1}, nil)
	addr := testAddr(t, "a1:a2:a3:a4:a5:a6")
	sub, err := link.SubscribeReports(addr)
	require.NoError(t, err)

	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	srv.Handle("slow", func(t testing.TB, params cbor.RawMessage) (interface{}, *APIError) {
		<-block
		return nil, nil
	})
	done := make(chan error, 1)
	go func() { done <- link.Request(context.Background(), "slow", nil, nil) }()
	time.Sleep(50 * time.Millisecond)
	srv.Close()

	err = <-done
	require.Error(t, err)
	assert.True(t, IsLinkClosed(err), "err=%v", err)

	_, ok := <-sub.Frames()
	assert.False(t, ok)

	select {
	case <-link.StopChan():
	case <-time.After(time.Second):
		t.Fatal("link did not stop")
	}
	require.Error(t, link.Err())

	err = link.Ping(context.Background())
	require.Error(t, err)
	assert.True(t, IsLinkClosed(err), "err=%v", err)

	_, err = link.SubscribeReports(testAddr(t, "b1:b2:b3:b4:b5:b6"))
	require.Error(t, err)
	assert.True(t, IsLinkClosed(err), "err=%v", err)
}

func TestLinkKeepalive(t *testing.T) {
	t.Parallel()
	var pings uint32
	link, srv := NewMockPair(t, Options{Keepalive: 30 * time.Millisecond}, nil)
	srv.Handle(methodPing, func(t testing.TB, params cbor.RawMessage) (interface{}, *APIError) {
		atomic.AddUint32(&pings, 1)
		return nil, nil
	})
	time.Sleep(200 * time.Millisecond)
	assert.True(t, atomic.LoadUint32(&pings) >= 2, "pings=%d", atomic.LoadUint32(&pings))
	require.NoError(t, link.Close())
}

func TestLinkKeepaliveDeath(t *testing.T) {
	t.Parallel()
	link, srv := NewMockPair(t, Options{Keepalive: 20 * time.Millisecond, RequestTimeout: 50 * time.Millisecond}, nil)
	block := make(chan struct{})
	t.Cleanup(func() { close(block) })
	srv.Handle(methodPing, func(t testing.TB, params cbor.RawMessage) (interface{}, *APIError) {
		<-block
		return nil, nil
	})
	select {
	case <-link.StopChan():
	case <-time.After(2 * time.Second):
		t.Fatal("link did not stop")
	}
	require.Error(t, link.Err())
	assert.Contains(t, link.Err().Error(), "keepalive")
}
