package multiplexer

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/web-casa/dockwatch/internal/model"
	"github.com/web-casa/dockwatch/internal/wire"
)

var errConnClosed = errors.New("connection closed")

// fakeConn is an in-memory Conn. The test plays the server through push and
// drop, and inspects the commands the multiplexer wrote.
type fakeConn struct {
	in     chan []byte
	closed chan struct{}
	once   sync.Once
	broken chan error

	mu      sync.Mutex
	written []wire.Message
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		in:     make(chan []byte, 64),
		closed: make(chan struct{}),
		broken: make(chan error, 1),
	}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case frame := <-c.in:
		return frame, nil
	case err := <-c.broken:
		return nil, err
	case <-c.closed:
		return nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(frame []byte) error {
	select {
	case <-c.closed:
		return errConnClosed
	default:
	}
	msg, err := wire.Decode(frame)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.written = append(c.written, msg)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}

// push delivers a server event.
func (c *fakeConn) push(event string, data interface{}) {
	frame, err := wire.Encode(event, data)
	if err != nil {
		panic(err)
	}
	c.in <- frame
}

// drop simulates the server going away.
func (c *fakeConn) drop(reason string) {
	c.broken <- errors.New(reason)
}

// commands returns "event:container_id" for every command written.
func (c *fakeConn) commands() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.written))
	for _, m := range c.written {
		var req wire.StreamRequest
		_ = json.Unmarshal(m.Data, &req)
		out = append(out, m.Event+":"+req.ContainerID)
	}
	return out
}

// fakeDialer hands out fakeConns. The first `failures` dials return an error.
type fakeDialer struct {
	mu       sync.Mutex
	failures int
	conns    []*fakeConn
	urls     []string
	dialed   chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeConn, 16)}
}

func (d *fakeDialer) Dial(ctx context.Context, url string) (Conn, error) {
	d.mu.Lock()
	d.urls = append(d.urls, url)
	if d.failures > 0 {
		d.failures--
		d.mu.Unlock()
		return nil, errors.New("connection refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	d.mu.Unlock()
	d.dialed <- c
	return c, nil
}

func (d *fakeDialer) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.urls)
}

// fakeClock drives coalescer timers by hand.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Duration
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Duration
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped && !t.fired
	t.stopped = true
	return was
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, at: c.now + d, f: f}
	c.timers = append(c.timers, t)
	return t
}

// Advance moves time forward and runs every due timer in deadline order.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now += d
	var due []*fakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.fired && t.at <= c.now {
			t.fired = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()

	sort.SliceStable(due, func(i, j int) bool { return due[i].at < due[j].at })
	for _, t := range due {
		t.f()
	}
}

// FireStopped runs timers that were stopped, to mimic a timer whose callback
// was already scheduled when Stop was called.
func (c *fakeClock) FireStopped() {
	c.mu.Lock()
	var stale []*fakeTimer
	for _, t := range c.timers {
		if t.stopped && !t.fired {
			t.fired = true
			stale = append(stale, t)
		}
	}
	c.mu.Unlock()
	for _, t := range stale {
		t.f()
	}
}

// recorder is a Consumer whose callbacks feed channels.
type recorder struct {
	statuses chan Status
	initial  chan []model.Container
	changes  chan model.Container
	logs     chan model.LogChunk
	stats    chan model.StatsUpdate
	errors   chan string
}

func newRecorder() *recorder {
	return &recorder{
		statuses: make(chan Status, 64),
		initial:  make(chan []model.Container, 8),
		changes:  make(chan model.Container, 64),
		logs:     make(chan model.LogChunk, 64),
		stats:    make(chan model.StatsUpdate, 64),
		errors:   make(chan string, 64),
	}
}

func (r *recorder) consumer(containers ...string) Consumer {
	return Consumer{
		Containers:     containers,
		OnStatus:       func(s Status) { r.statuses <- s },
		OnInitialState: func(cs []model.Container) { r.initial <- cs },
		OnStateChange:  func(c model.Container) { r.changes <- c },
		OnLog:          func(l model.LogChunk) { r.logs <- l },
		OnStats:        func(s model.StatsUpdate) { r.stats <- s },
		OnError:        func(e string) { r.errors <- e },
	}
}
