package realtime_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cwrk-planet/support-chat/pkg/protocol"
	"github.com/cwrk-planet/support-chat/pkg/realtime"
)

func TestConnect_Idempotent(t *testing.T) {
	ft := newFakeTransport()
	m := newManager(t, ft, nil)

	m.Connect(realtime.Identity{UserID: 7})
	m.Connect(realtime.Identity{UserID: 7})
	waitState(t, m, realtime.StateConnected)
	m.Connect(realtime.Identity{UserID: 7})

	assert.Equal(t, 1, ft.dialCount())
	assert.True(t, m.IsConnected())
	assert.Equal(t, "fake", m.Transport())
}

func TestConnect_HandshakeQuery(t *testing.T) {
	ft := newFakeTransport()
	m := newManager(t, ft, func(o *realtime.Options) { o.Token = "tok" })

	m.Connect(realtime.Identity{UserID: 7, IsAdmin: true})
	waitState(t, m, realtime.StateConnected)

	q := ft.lastQuery()
	assert.Equal(t, "7", q.Get(protocol.ParamUserID))
	assert.Equal(t, "true", q.Get(protocol.ParamIsAdmin))
	assert.Equal(t, "tok", q.Get(protocol.ParamToken))
}

func TestDisconnect(t *testing.T) {
	ft := newFakeTransport()
	m := newManager(t, ft, nil)

	m.Connect(realtime.Identity{UserID: 7})
	waitState(t, m, realtime.StateConnected)
	conn := ft.accept(t)

	m.Disconnect()
	assert.False(t, m.IsConnected())
	assert.Equal(t, realtime.StateDisconnected, m.State())
	assert.True(t, conn.isClosed())

	m.Disconnect()
	assert.Equal(t, realtime.StateDisconnected, m.State())

	// reconnect after an explicit disconnect is allowed
	m.Connect(realtime.Identity{UserID: 7})
	waitState(t, m, realtime.StateConnected)
	assert.Equal(t, 2, ft.dialCount())
}

func TestStateChanges_Observed(t *testing.T) {
	ft := newFakeTransport()
	m := newManager(t, ft, nil)

	var mu sync.Mutex
	var seen []realtime.State
	m.OnStateChange(func(c realtime.StateChange) {
		mu.Lock()
		seen = append(seen, c.To)
		mu.Unlock()
	})

	m.Connect(realtime.Identity{UserID: 1})
	waitState(t, m, realtime.StateConnected)
	m.Disconnect()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []realtime.State{realtime.StateConnecting, realtime.StateConnected, realtime.StateDisconnected}, seen)
}

func TestHandshake_Rejected(t *testing.T) {
	ft := newFakeTransport()
	ft.reject = "unauthorized"
	m := newManager(t, ft, nil)

	errs := make(chan *realtime.ConnectionError, 4)
	m.OnConnectionError(func(e *realtime.ConnectionError) { errs <- e })

	m.Connect(realtime.Identity{UserID: 7})

	select {
	case e := <-errs:
		assert.Equal(t, 0, e.Attempt)
		assert.Contains(t, e.Error(), "unauthorized")
	case <-time.After(2 * time.Second):
		t.Fatal("no connection error reported")
	}
	waitState(t, m, realtime.StateDisconnected)
}

func TestReconnect_BoundedThenTerminal(t *testing.T) {
	const delay = 20 * time.Millisecond
	ft := newFakeTransport()
	ft.refuse = func(int) error { return errDialRefused }
	m := newManager(t, ft, func(o *realtime.Options) {
		o.Reconnect = &realtime.ReconnectPolicy{MaxAttempts: 3, Delay: realtime.ConstantDelay(delay)}
	})

	changes := make(chan realtime.StateChange, 16)
	m.OnStateChange(func(c realtime.StateChange) { changes <- c })

	m.Connect(realtime.Identity{UserID: 7})

	var attempts []int
	var last realtime.StateChange
	for done := false; !done; {
		select {
		case c := <-changes:
			if c.To == realtime.StateReconnecting {
				attempts = append(attempts, c.Attempt)
			}
			if c.To == realtime.StateDisconnected {
				last, done = c, true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("manager never settled")
		}
	}

	assert.Equal(t, []int{1, 2, 3}, attempts)
	assert.ErrorIs(t, last.Err, realtime.ErrReconnectExhausted)
	assert.ErrorIs(t, last.Err, errDialRefused)
	assert.Equal(t, 4, ft.dialCount())

	times := ft.dialTimes()
	for i := 1; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), delay)
	}

	// no further attempts without an explicit Connect
	time.Sleep(3 * delay)
	assert.Equal(t, 4, ft.dialCount())
	assert.Equal(t, realtime.StateDisconnected, m.State())
}

func TestReconnect_SucceedsAfterFailures(t *testing.T) {
	ft := newFakeTransport()
	ft.refuse = func(n int) error {
		if n < 2 {
			return errDialRefused
		}
		return nil
	}
	m := newManager(t, ft, func(o *realtime.Options) {
		o.Reconnect = &realtime.ReconnectPolicy{MaxAttempts: 5, Delay: realtime.ConstantDelay(5 * time.Millisecond)}
	})

	m.Connect(realtime.Identity{UserID: 7})
	waitState(t, m, realtime.StateConnected)
	assert.Equal(t, 3, ft.dialCount())
}

func TestTransportFallback(t *testing.T) {
	broken := newFakeTransport()
	broken.name = "websocket"
	broken.refuse = func(int) error { return errDialRefused }
	fallback := newFakeTransport()
	fallback.name = "polling"

	m := newManager(t, fallback, func(o *realtime.Options) {
		o.Transports = []realtime.Transport{broken, fallback}
	})

	m.Connect(realtime.Identity{UserID: 7})
	waitState(t, m, realtime.StateConnected)
	assert.Equal(t, "polling", m.Transport())
	assert.Equal(t, 1, broken.dialCount())
}

func TestDrop_ReplaysJoins(t *testing.T) {
	ft := newFakeTransport()
	m := newManager(t, ft, func(o *realtime.Options) {
		o.Reconnect = &realtime.ReconnectPolicy{MaxAttempts: 2, Delay: realtime.ConstantDelay(5 * time.Millisecond)}
	})

	// queued while offline, at most once per conversation
	m.JoinChat(42)
	m.JoinChat(42)
	m.Connect(realtime.Identity{UserID: 7})

	first := ft.accept(t)
	f := first.next(t)
	assert.Equal(t, protocol.EventJoinChat, f.Event)
	assert.Equal(t, protocol.ConversationID(42), bindData[protocol.RoomPayload](t, f).ConversationID)
	waitState(t, m, realtime.StateConnected)
	assert.Equal(t, 0, first.written())

	first.Close()

	second := ft.accept(t)
	f = second.next(t)
	assert.Equal(t, protocol.EventJoinChat, f.Event)
	assert.Equal(t, protocol.ConversationID(42), bindData[protocol.RoomPayload](t, f).ConversationID)
	waitState(t, m, realtime.StateConnected)
	assert.Equal(t, []realtime.ConversationID{42}, m.Joined())
}

func TestDrop_ReconnectBoundedThenTerminal(t *testing.T) {
	const delay = 20 * time.Millisecond
	ft := newFakeTransport()
	ft.refuse = func(n int) error {
		if n > 0 {
			return errDialRefused
		}
		return nil
	}
	m := newManager(t, ft, func(o *realtime.Options) {
		o.Reconnect = &realtime.ReconnectPolicy{MaxAttempts: 5, Delay: realtime.ConstantDelay(delay)}
	})

	changes := make(chan realtime.StateChange, 32)
	m.OnStateChange(func(c realtime.StateChange) { changes <- c })

	m.Connect(realtime.Identity{UserID: 7})
	conn := ft.accept(t)
	waitState(t, m, realtime.StateConnected)
	conn.Close()

	var reconnecting []realtime.StateChange
	var last realtime.StateChange
	for done := false; !done; {
		select {
		case c := <-changes:
			if c.To == realtime.StateReconnecting {
				reconnecting = append(reconnecting, c)
			}
			if c.To == realtime.StateDisconnected {
				last, done = c, true
			}
		case <-time.After(3 * time.Second):
			t.Fatal("manager never settled")
		}
	}

	require.Len(t, reconnecting, 5)
	for i, c := range reconnecting {
		assert.Equal(t, i+1, c.Attempt)
	}
	assert.ErrorIs(t, reconnecting[0].Err, realtime.ErrConnectionLost)
	assert.ErrorIs(t, last.Err, realtime.ErrReconnectExhausted)
	assert.ErrorIs(t, last.Err, errDialRefused)
	assert.Equal(t, 6, ft.dialCount())

	times := ft.dialTimes()
	for i := 2; i < len(times); i++ {
		assert.GreaterOrEqual(t, times[i].Sub(times[i-1]), delay)
	}

	time.Sleep(3 * delay)
	assert.Equal(t, 6, ft.dialCount())
	assert.Equal(t, realtime.StateDisconnected, m.State())
}

func TestDisconnect_ClearsJoins(t *testing.T) {
	ft := newFakeTransport()
	m := newManager(t, ft, nil)

	m.JoinChat(1)
	m.JoinChat(2)
	assert.Equal(t, []realtime.ConversationID{1, 2}, m.Joined())

	m.Disconnect()
	assert.Empty(t, m.Joined())
}

func TestLeaveChat(t *testing.T) {
	ft := newFakeTransport()
	m := newManager(t, ft, nil)

	m.Connect(realtime.Identity{UserID: 7})
	waitState(t, m, realtime.StateConnected)
	conn := ft.accept(t)

	m.JoinChat(5)
	assert.Equal(t, protocol.EventJoinChat, conn.next(t).Event)
	m.LeaveChat(5)
	f := conn.next(t)
	assert.Equal(t, protocol.EventLeaveChat, f.Event)
	assert.Empty(t, m.Joined())

	m.LeaveChat(5)
	assert.Equal(t, 0, conn.written())
}

func TestClose(t *testing.T) {
	ft := newFakeTransport()
	m := newManager(t, ft, nil)

	m.Connect(realtime.Identity{UserID: 7})
	waitState(t, m, realtime.StateConnected)

	m.Close()
	m.Close()
	assert.Equal(t, realtime.StateDisconnected, m.State())

	_, err := m.SendMessage(context.Background(), realtime.OutgoingMessage{ConversationID: 1, SenderID: 7, Content: "x"})
	assert.ErrorIs(t, err, realtime.ErrClosed)

	m.Connect(realtime.Identity{UserID: 7})
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, ft.dialCount())
}

func TestConnectionError_Unwrap(t *testing.T) {
	e := &realtime.ConnectionError{Attempt: 2, Transport: "websocket", Err: errDialRefused}
	assert.True(t, errors.Is(e, errDialRefused))
	assert.Equal(t, "realtime: connection attempt 2 via websocket: dial refused", e.Error())
}
