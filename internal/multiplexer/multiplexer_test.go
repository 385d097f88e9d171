package multiplexer

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/web-casa/dockwatch/internal/model"
	"github.com/web-casa/dockwatch/internal/wire"
)

const waitFor = 2 * time.Second

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestMultiplexer(t *testing.T, d *fakeDialer, clock *fakeClock) *Multiplexer {
	t.Helper()
	opts := Options{
		URL:            "ws://dash.test/ws",
		Dialer:         d,
		ReconnectDelay: 5 * time.Millisecond,
		CoalesceWindow: 5 * time.Millisecond,
		Logger:         quietLogger(),
	}
	if clock != nil {
		opts.CoalesceWindow = testWindow
		opts.after = clock.AfterFunc
	}
	m := New(opts)
	t.Cleanup(m.Close)
	return m
}

func nextStatus(t *testing.T, r *recorder) Status {
	t.Helper()
	select {
	case s := <-r.statuses:
		return s
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for status")
		return Status{}
	}
}

// waitState drains statuses until one with state st arrives.
func waitState(t *testing.T, r *recorder, st State) Status {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case s := <-r.statuses:
			if s.State == st {
				return s
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", st)
			return Status{}
		}
	}
}

func nextConn(t *testing.T, d *fakeDialer) *fakeConn {
	t.Helper()
	select {
	case c := <-d.dialed:
		return c
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func waitCommands(t *testing.T, c *fakeConn, want ...string) {
	t.Helper()
	require.Eventually(t, func() bool {
		got := c.commands()
		if len(got) != len(want) {
			return false
		}
		for i := range want {
			if got[i] != want[i] {
				return false
			}
		}
		return true
	}, waitFor, time.Millisecond, "commands: %v", c.commands())
}

func nextLog(t *testing.T, r *recorder) model.LogChunk {
	t.Helper()
	select {
	case l := <-r.logs:
		return l
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for log")
		return model.LogChunk{}
	}
}

func assertNoLog(t *testing.T, r *recorder) {
	t.Helper()
	select {
	case l := <-r.logs:
		t.Fatalf("unexpected log %+v", l)
	case <-time.After(30 * time.Millisecond):
	}
}

func pendingText(m *Multiplexer, id string) string {
	m.coalescer.mu.Lock()
	defer m.coalescer.mu.Unlock()
	if p, ok := m.coalescer.pending[id]; ok {
		return p.buf.String()
	}
	return ""
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "uninitialized", Uninitialized.String())
	assert.Equal(t, "connecting", Connecting.String())
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "disconnected", Disconnected.String())
	assert.Equal(t, "reconnecting", Reconnecting.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestNothingDialledBeforeSubscribe(t *testing.T) {
	d := newFakeDialer()
	m := newTestMultiplexer(t, d, nil)
	assert.Equal(t, Uninitialized, m.State().State)
	assert.Equal(t, 0, d.dialCount())
}

func TestFirstSubscribeConnects(t *testing.T) {
	d := newFakeDialer()
	m := newTestMultiplexer(t, d, nil)
	r := newRecorder()

	m.Subscribe(r.consumer())
	assert.Equal(t, Connecting, nextStatus(t, r).State)
	nextConn(t, d)
	assert.Equal(t, Connected, nextStatus(t, r).State)
	assert.Equal(t, Connected, m.State().State)
	assert.Equal(t, 1, d.dialCount())
}

func TestTokenQueryParameter(t *testing.T) {
	d := newFakeDialer()
	m := New(Options{URL: "ws://dash.test/ws", Token: "abc.def", Dialer: d, Logger: quietLogger()})
	defer m.Close()

	m.Subscribe(Consumer{})
	nextConn(t, d)
	d.mu.Lock()
	defer d.mu.Unlock()
	assert.Equal(t, "ws://dash.test/ws?token=abc.def", d.urls[0])
}

func TestLastUnsubscribeTearsDown(t *testing.T) {
	d := newFakeDialer()
	m := newTestMultiplexer(t, d, nil)
	r := newRecorder()

	sub := m.Subscribe(r.consumer())
	conn := nextConn(t, d)
	waitState(t, r, Connected)

	sub.Unsubscribe()
	assert.True(t, conn.isClosed())
	assert.Equal(t, Uninitialized, m.State().State)

	// Idempotent.
	sub.Unsubscribe()
	m.Unsubscribe(nil)
	assert.Equal(t, 1, d.dialCount())
}

func TestFreshConnectionAfterTeardown(t *testing.T) {
	d := newFakeDialer()
	m := newTestMultiplexer(t, d, nil)

	r1 := newRecorder()
	sub := m.Subscribe(r1.consumer())
	first := nextConn(t, d)
	waitState(t, r1, Connected)
	sub.StartLogStream("c1", 0)
	waitCommands(t, first, "start_log_stream:c1")
	sub.Unsubscribe()

	r2 := newRecorder()
	m.Subscribe(r2.consumer())
	assert.Equal(t, Connecting, nextStatus(t, r2).State)
	second := nextConn(t, d)
	assert.Equal(t, Connected, nextStatus(t, r2).State)

	assert.NotSame(t, first, second)
	assert.Equal(t, 2, d.dialCount())
	// Streams from the previous lifetime are not replayed.
	time.Sleep(20 * time.Millisecond)
	assert.Empty(t, second.commands())
}

func TestReconnectReplaysStreams(t *testing.T) {
	d := newFakeDialer()
	m := newTestMultiplexer(t, d, nil)
	r := newRecorder()

	sub := m.Subscribe(r.consumer())
	first := nextConn(t, d)
	waitState(t, r, Connected)
	sub.StartLogStream("c1", 50)
	sub.StartStatsStream("c2")
	waitCommands(t, first, "start_log_stream:c1", "start_stats_stream:c2")

	first.drop("server went away")
	st := waitState(t, r, Disconnected)
	assert.Equal(t, "server went away", st.Reason)
	select {
	case e := <-r.errors:
		assert.Equal(t, "server went away", e)
	case <-time.After(waitFor):
		t.Fatal("expected OnError on disconnect")
	}
	assert.Equal(t, Reconnecting, nextStatus(t, r).State)

	second := nextConn(t, d)
	assert.Equal(t, Connected, nextStatus(t, r).State)
	require.Eventually(t, func() bool { return len(second.commands()) == 2 }, waitFor, time.Millisecond)
	assert.ElementsMatch(t, []string{"start_log_stream:c1", "start_stats_stream:c2"}, second.commands())

	second.mu.Lock()
	for _, msg := range second.written {
		if msg.Event == wire.CmdStartLogStream {
			assert.JSONEq(t, `{"container_id":"c1","tail":50}`, string(msg.Data))
		}
	}
	second.mu.Unlock()
}

func TestDialFailureRetries(t *testing.T) {
	d := newFakeDialer()
	d.failures = 2
	m := newTestMultiplexer(t, d, nil)
	r := newRecorder()

	m.Subscribe(r.consumer())
	assert.Equal(t, Connecting, nextStatus(t, r).State)
	st := nextStatus(t, r)
	assert.Equal(t, Disconnected, st.State)
	assert.Equal(t, "connection refused", st.Reason)

	nextConn(t, d)
	waitState(t, r, Connected)
	assert.Equal(t, 3, d.dialCount())
}

func TestStreamReferenceCounting(t *testing.T) {
	d := newFakeDialer()
	m := newTestMultiplexer(t, d, nil)
	ra, rb := newRecorder(), newRecorder()

	a := m.Subscribe(ra.consumer())
	b := m.Subscribe(rb.consumer())
	conn := nextConn(t, d)
	waitState(t, ra, Connected)

	a.StartLogStream("c1", 0)
	b.StartLogStream("c1", 0)
	a.StartLogStream("c1", 0)
	waitCommands(t, conn, "start_log_stream:c1")

	a.StopLogStream("c1")
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, []string{"start_log_stream:c1"}, conn.commands())

	b.StopLogStream("c1")
	waitCommands(t, conn, "start_log_stream:c1", "stop_log_stream:c1")

	// Stopping a stream this subscription never held is a no-op.
	b.StopStatsStream("c9")
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, conn.commands(), 2)
}

func TestUnsubscribeReleasesStreams(t *testing.T) {
	d := newFakeDialer()
	m := newTestMultiplexer(t, d, nil)
	ra, rb := newRecorder(), newRecorder()

	a := m.Subscribe(ra.consumer())
	m.Subscribe(rb.consumer())
	conn := nextConn(t, d)
	waitState(t, ra, Connected)

	a.StartStatsStream("c1")
	waitCommands(t, conn, "start_stats_stream:c1")
	a.Unsubscribe()
	waitCommands(t, conn, "start_stats_stream:c1", "stop_stats_stream:c1")
	assert.Equal(t, Connected, m.State().State)

	// Calls on a removed subscription do nothing.
	a.StartStatsStream("c2")
	time.Sleep(10 * time.Millisecond)
	assert.Len(t, conn.commands(), 2)
}

func TestLogCoalescingWindows(t *testing.T) {
	d := newFakeDialer()
	clock := &fakeClock{}
	m := newTestMultiplexer(t, d, clock)
	r := newRecorder()

	sub := m.Subscribe(r.consumer())
	conn := nextConn(t, d)
	waitState(t, r, Connected)
	sub.StartLogStream("c1", 0)

	conn.push(wire.EventLogUpdate, model.LogChunk{ContainerID: "c1", Log: "a\n"})
	require.Eventually(t, func() bool { return pendingText(m, "c1") == "a\n" }, waitFor, time.Millisecond)
	clock.Advance(10 * time.Millisecond)
	conn.push(wire.EventLogUpdate, model.LogChunk{ContainerID: "c1", Log: "b\n"})
	require.Eventually(t, func() bool { return pendingText(m, "c1") == "a\nb\n" }, waitFor, time.Millisecond)
	clock.Advance(90 * time.Millisecond)

	assert.Equal(t, model.LogChunk{ContainerID: "c1", Log: "a\nb\n"}, nextLog(t, r))

	clock.Advance(50 * time.Millisecond)
	conn.push(wire.EventLogUpdate, model.LogChunk{ContainerID: "c1", Log: "c\n"})
	require.Eventually(t, func() bool { return pendingText(m, "c1") == "c\n" }, waitFor, time.Millisecond)
	clock.Advance(100 * time.Millisecond)

	assert.Equal(t, model.LogChunk{ContainerID: "c1", Log: "c\n"}, nextLog(t, r))
	assertNoLog(t, r)
}

func TestStopFlushesPendingOnce(t *testing.T) {
	d := newFakeDialer()
	clock := &fakeClock{}
	m := newTestMultiplexer(t, d, clock)
	r := newRecorder()

	sub := m.Subscribe(r.consumer())
	conn := nextConn(t, d)
	waitState(t, r, Connected)
	sub.StartLogStream("c1", 0)

	conn.push(wire.EventLogUpdate, model.LogChunk{ContainerID: "c1", Log: "partial\n"})
	require.Eventually(t, func() bool { return pendingText(m, "c1") != "" }, waitFor, time.Millisecond)

	sub.StopLogStream("c1")
	assert.Equal(t, "partial\n", nextLog(t, r).Log)

	clock.FireStopped()
	clock.Advance(testWindow)
	assertNoLog(t, r)
}

func TestLogsForInactiveStreamDropped(t *testing.T) {
	d := newFakeDialer()
	m := newTestMultiplexer(t, d, nil)
	r := newRecorder()

	m.Subscribe(r.consumer())
	conn := nextConn(t, d)
	waitState(t, r, Connected)

	conn.push(wire.EventLogUpdate, model.LogChunk{ContainerID: "nobody", Log: "x\n"})
	conn.push(wire.EventStatsUpdate, model.StatsUpdate{ContainerID: "nobody"})
	assertNoLog(t, r)
	assert.Empty(t, r.stats)
}

func TestStatsDelivered(t *testing.T) {
	d := newFakeDialer()
	m := newTestMultiplexer(t, d, nil)
	r := newRecorder()

	sub := m.Subscribe(r.consumer())
	conn := nextConn(t, d)
	waitState(t, r, Connected)
	sub.StartStatsStream("c1")
	waitCommands(t, conn, "start_stats_stream:c1")

	conn.push(wire.EventStatsUpdate, model.StatsUpdate{ContainerID: "c1", Stats: model.StatsSample{CPUPercent: 12.5}})
	select {
	case s := <-r.stats:
		assert.Equal(t, "c1", s.ContainerID)
		assert.Equal(t, 12.5, s.Stats.CPUPercent)
	case <-time.After(waitFor):
		t.Fatal("expected stats")
	}
}

func TestContainerFilterAndSnapshot(t *testing.T) {
	d := newFakeDialer()
	m := newTestMultiplexer(t, d, nil)
	all, only := newRecorder(), newRecorder()

	m.Subscribe(all.consumer())
	m.Subscribe(only.consumer("c2"))
	conn := nextConn(t, d)
	waitState(t, all, Connected)

	conn.push(wire.EventInitialState, wire.InitialState{Containers: []model.Container{
		{ID: "c1", Name: "web", State: model.StateRunning},
		{ID: "c2", Name: "db", State: model.StateRunning},
	}})
	assert.Len(t, <-all.initial, 2)
	mine := <-only.initial
	require.Len(t, mine, 1)
	assert.Equal(t, "c2", mine[0].ID)

	conn.push(wire.EventContainerStateChange, model.Container{ID: "c1", Name: "web", State: model.StateStopped})
	conn.push(wire.EventContainerStateChanged, model.Container{ID: "c2", Name: "db", State: model.StatePaused})

	assert.Equal(t, "c1", (<-all.changes).ID)
	assert.Equal(t, "c2", (<-all.changes).ID)
	assert.Equal(t, model.StatePaused, (<-only.changes).State)
	assert.Empty(t, only.changes)

	// A late subscriber gets the merged snapshot.
	late := newRecorder()
	m.Subscribe(late.consumer())
	assert.Equal(t, Connected, nextStatus(t, late).State)
	select {
	case snap := <-late.initial:
		require.Len(t, snap, 2)
		assert.Equal(t, model.StateStopped, snap[0].State)
		assert.Equal(t, model.StatePaused, snap[1].State)
	case <-time.After(waitFor):
		t.Fatal("late subscriber should receive the snapshot")
	}
}

func TestServerErrorForwarded(t *testing.T) {
	d := newFakeDialer()
	m := newTestMultiplexer(t, d, nil)
	r := newRecorder()

	m.Subscribe(r.consumer())
	conn := nextConn(t, d)
	waitState(t, r, Connected)

	conn.in <- []byte("not json")
	conn.push(wire.EventError, wire.Error{Error: "Container ID is required"})
	select {
	case e := <-r.errors:
		assert.Equal(t, "Container ID is required", e)
	case <-time.After(waitFor):
		t.Fatal("expected error callback")
	}
	assert.Equal(t, Connected, m.State().State)
}

func TestCallbacksMayReenter(t *testing.T) {
	d := newFakeDialer()
	m := newTestMultiplexer(t, d, nil)
	done := make(chan struct{})

	var sub *Subscription
	ready := make(chan struct{})
	sub = m.Subscribe(Consumer{
		OnStatus: func(s Status) {
			if s.State != Connected {
				return
			}
			<-ready
			_ = m.State()
			sub.StartLogStream("c1", 0)
			sub.Unsubscribe()
			close(done)
		},
	})
	close(ready)
	conn := nextConn(t, d)

	select {
	case <-done:
	case <-time.After(waitFor):
		t.Fatal("re-entrant callback deadlocked")
	}
	assert.Equal(t, Uninitialized, m.State().State)
	assert.True(t, conn.isClosed())
	assert.Equal(t, []string{"start_log_stream:c1", "stop_log_stream:c1"}, conn.commands())
}

func TestPanickingCallbackDoesNotStopDelivery(t *testing.T) {
	d := newFakeDialer()
	m := newTestMultiplexer(t, d, nil)
	r := newRecorder()

	m.Subscribe(Consumer{OnStatus: func(Status) { panic("boom") }})
	m.Subscribe(r.consumer())
	nextConn(t, d)
	waitState(t, r, Connected)
}

func TestSubscribeAfterClose(t *testing.T) {
	d := newFakeDialer()
	m := New(Options{URL: "ws://dash.test/ws", Dialer: d, Logger: quietLogger()})
	m.Close()

	sub := m.Subscribe(Consumer{})
	sub.StartLogStream("c1", 0)
	sub.Unsubscribe()
	assert.Equal(t, 0, d.dialCount())
	assert.Equal(t, Uninitialized, m.State().State)
}

func TestLogFromPreviousLifetimeIgnored(t *testing.T) {
	d := newFakeDialer()
	clock := &fakeClock{}
	m := newTestMultiplexer(t, d, clock)

	r1 := newRecorder()
	first := m.Subscribe(r1.consumer())
	nextConn(t, d)
	waitState(t, r1, Connected)
	m.mu.Lock()
	stale := m.run
	m.mu.Unlock()
	first.Unsubscribe()

	r2 := newRecorder()
	second := m.Subscribe(r2.consumer())
	nextConn(t, d)
	waitState(t, r2, Connected)
	second.StartLogStream("c1", 0)

	frame, err := wire.Encode(wire.EventLogUpdate, model.LogChunk{ContainerID: "c1", Log: "old\n"})
	require.NoError(t, err)
	msg, err := wire.Decode(frame)
	require.NoError(t, err)

	m.route(stale, msg)
	assert.Empty(t, pendingText(m, "c1"))

	m.mu.Lock()
	current := m.run
	m.mu.Unlock()
	m.route(current, msg)
	assert.Equal(t, "old\n", pendingText(m, "c1"))
}

func TestCloseWaitsForRunningCallback(t *testing.T) {
	d := newFakeDialer()
	m := New(Options{URL: "ws://dash.test/ws", Dialer: d, Logger: quietLogger()})

	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	var finished atomic.Bool
	m.Subscribe(Consumer{OnStatus: func(Status) {
		once.Do(func() {
			close(entered)
			<-release
			finished.Store(true)
		})
	}})

	select {
	case <-entered:
	case <-time.After(waitFor):
		t.Fatal("callback never ran")
	}

	closed := make(chan struct{})
	go func() {
		m.Close()
		close(closed)
	}()
	select {
	case <-closed:
		t.Fatal("Close returned while a callback was still running")
	case <-time.After(30 * time.Millisecond):
	}

	close(release)
	select {
	case <-closed:
	case <-time.After(waitFor):
		t.Fatal("Close did not return")
	}
	assert.True(t, finished.Load())
}
