// Package multiplexer shares one realtime connection to the dashboard backend
// between many consumers.
//
// The connection opens with the first Subscribe and closes with the last
// Unsubscribe. While open it reconnects after a fixed delay for as long as it
// is needed and re-requests every active stream on each reconnect. Log and
// stats streams are reference counted per container, so one consumer never
// stops a stream another consumer still holds. Inbound log fragments are
// coalesced per container into one callback per window.
//
// Callbacks run on a single goroutine in subscription order and may call back
// into the Multiplexer.
package multiplexer

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/web-casa/dockwatch/internal/model"
	"github.com/web-casa/dockwatch/internal/wire"
)

// State is the connection state.
type State int

const (
	Uninitialized State = iota
	Connecting
	Connected
	Disconnected
	Reconnecting
)

func (s State) String() string {
	switch s {
	case Uninitialized:
		return "uninitialized"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnected:
		return "disconnected"
	case Reconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// Status is a State plus the reason for a disconnect.
type Status struct {
	State  State
	Reason string
}

// Options configures a Multiplexer.
type Options struct {
	URL            string        // realtime endpoint, e.g. ws://localhost:5000/ws
	Token          string        // optional JWT sent as the token query parameter
	Dialer         Dialer        // WebSocketDialer when nil
	ReconnectDelay time.Duration // default 1s
	CoalesceWindow time.Duration // default 100ms
	Logger         *slog.Logger

	after afterFunc
}

// Consumer receives events. Every callback is optional.
type Consumer struct {
	// Containers restricts OnInitialState, OnStateChange, OnLog and OnStats to
	// these container ids. Empty means every container.
	Containers []string

	OnStatus       func(Status)
	OnInitialState func([]model.Container)
	OnStateChange  func(model.Container)
	OnLog          func(model.LogChunk)
	OnStats        func(model.StatsUpdate)
	OnError        func(string)
}

type streamKind int

const (
	logStream streamKind = iota
	statsStream
)

// Subscription is a registered Consumer and the streams it holds.
type Subscription struct {
	m        *Multiplexer
	consumer Consumer
	filter   map[string]bool
	held     [2]map[string]bool

	// active is guarded by m.mu for writes; delivery reads it under m.mu too.
	active bool
}

func (s *Subscription) matches(id string) bool {
	return len(s.filter) == 0 || s.filter[id]
}

// StartLogStream asks for a log tail of container id. tail is the number of
// existing lines the server replays first.
func (s *Subscription) StartLogStream(id string, tail int) {
	s.m.startStream(s, logStream, id, tail)
}

// StopLogStream releases this subscription's hold on the log stream of id.
func (s *Subscription) StopLogStream(id string) {
	s.m.stopStream(s, logStream, id)
}

// StartStatsStream asks for stats samples of container id.
func (s *Subscription) StartStatsStream(id string) {
	s.m.startStream(s, statsStream, id, 0)
}

// StopStatsStream releases this subscription's hold on the stats stream of id.
func (s *Subscription) StopStatsStream(id string) {
	s.m.stopStream(s, statsStream, id)
}

// Unsubscribe is shorthand for Multiplexer.Unsubscribe.
func (s *Subscription) Unsubscribe() {
	s.m.Unsubscribe(s)
}

// lifetime is one connected period, from the first Subscribe to the last
// Unsubscribe, spanning any number of reconnects.
type lifetime struct {
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	conn   Conn // nil while not connected; guarded by Multiplexer.mu
}

// Multiplexer owns the shared connection.
type Multiplexer struct {
	opts      Options
	logger    *slog.Logger
	dispatch  *dispatcher
	coalescer *coalescer

	mu         sync.Mutex
	subs       []*Subscription
	status     Status
	run        *lifetime
	refs       [2]map[string]int
	tails      map[string]int
	containers ContainerSet
	snapshot   bool
	closed     bool
}

// New creates a Multiplexer. Nothing is dialled until the first Subscribe.
func New(opts Options) *Multiplexer {
	if opts.Dialer == nil {
		opts.Dialer = WebSocketDialer{}
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = time.Second
	}
	if opts.CoalesceWindow <= 0 {
		opts.CoalesceWindow = 100 * time.Millisecond
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	logger := opts.Logger.With("module", "multiplexer")

	m := &Multiplexer{
		opts:     opts,
		logger:   logger,
		dispatch: newDispatcher(logger),
		refs:     [2]map[string]int{make(map[string]int), make(map[string]int)},
		tails:    make(map[string]int),
	}
	m.coalescer = newCoalescer(opts.CoalesceWindow, opts.after, m.deliverLog)
	return m
}

// State returns the current connection status.
func (m *Multiplexer) State() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status
}

// Subscribe registers c. The first subscription opens the connection.
func (m *Multiplexer) Subscribe(c Consumer) *Subscription {
	s := &Subscription{
		m:        m,
		consumer: c,
		held:     [2]map[string]bool{make(map[string]bool), make(map[string]bool)},
	}
	if len(c.Containers) > 0 {
		s.filter = make(map[string]bool, len(c.Containers))
		for _, id := range c.Containers {
			s.filter[id] = true
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		m.logger.Warn("subscribe on closed multiplexer")
		return s
	}
	s.active = true
	m.subs = append(m.subs, s)

	if m.run == nil {
		ctx, cancel := context.WithCancel(context.Background())
		lt := &lifetime{ctx: ctx, cancel: cancel, done: make(chan struct{})}
		m.run = lt
		m.status = Status{State: Connecting}
		go m.loop(lt)
	}

	status := m.status
	m.enqueue([]*Subscription{s}, func(sub *Subscription) {
		if sub.consumer.OnStatus != nil {
			sub.consumer.OnStatus(status)
		}
	})
	if m.snapshot {
		m.enqueueInitialStateLocked([]*Subscription{s}, m.containers.List())
	}
	return s
}

// Unsubscribe removes s and releases its streams. Removing the last
// subscription closes the connection and resets the state to Uninitialized.
// Unsubscribe is idempotent.
func (m *Multiplexer) Unsubscribe(s *Subscription) {
	if s == nil {
		return
	}
	m.mu.Lock()
	if !s.active {
		m.mu.Unlock()
		return
	}
	var flushes []flushed
	for kind := range s.held {
		for id := range s.held[kind] {
			if f, ok := m.releaseLocked(s, streamKind(kind), id); ok {
				flushes = append(flushes, f)
			}
		}
	}
	s.active = false
	for i, sub := range m.subs {
		if sub == s {
			m.subs = append(m.subs[:i:i], m.subs[i+1:]...)
			break
		}
	}

	var lt *lifetime
	if len(m.subs) == 0 {
		lt = m.teardownLocked()
	}
	m.mu.Unlock()

	for _, f := range flushes {
		m.deliverLog(f.id, f.text)
	}
	if lt != nil {
		<-lt.done
	}
}

// Close removes every subscription and stops the callback goroutine. It
// returns after every queued callback has run, so it must not be called from
// inside a callback.
func (m *Multiplexer) Close() {
	m.mu.Lock()
	m.closed = true
	subs := append([]*Subscription(nil), m.subs...)
	m.mu.Unlock()

	for _, s := range subs {
		m.Unsubscribe(s)
	}
	m.dispatch.close()
	<-m.dispatch.done
}

func (m *Multiplexer) teardownLocked() *lifetime {
	lt := m.run
	m.run = nil
	if lt == nil {
		return nil
	}
	lt.cancel()
	if lt.conn != nil {
		lt.conn.Close()
		lt.conn = nil
	}
	m.status = Status{State: Uninitialized}
	m.coalescer.reset()
	m.containers.Reset(nil)
	m.snapshot = false
	m.refs = [2]map[string]int{make(map[string]int), make(map[string]int)}
	m.tails = make(map[string]int)
	m.logger.Debug("connection torn down")
	return lt
}

// ── Streams ──

type flushed struct {
	id, text string
}

func commands(kind streamKind) (start, stop string) {
	if kind == logStream {
		return wire.CmdStartLogStream, wire.CmdStopLogStream
	}
	return wire.CmdStartStatsStream, wire.CmdStopStatsStream
}

func (m *Multiplexer) startStream(s *Subscription, kind streamKind, id string, tail int) {
	if id == "" {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !s.active || s.held[kind][id] {
		return
	}
	s.held[kind][id] = true
	m.refs[kind][id]++
	if m.refs[kind][id] > 1 {
		return
	}
	if kind == logStream {
		m.tails[id] = tail
		m.coalescer.activate(id)
	}
	start, _ := commands(kind)
	m.sendLocked(start, wire.StreamRequest{ContainerID: id, Tail: tail})
}

func (m *Multiplexer) stopStream(s *Subscription, kind streamKind, id string) {
	m.mu.Lock()
	if !s.active {
		m.mu.Unlock()
		return
	}
	f, ok := m.releaseLocked(s, kind, id)
	m.mu.Unlock()
	if ok {
		m.deliverLog(f.id, f.text)
	}
}

// releaseLocked drops s's hold on a stream. When it was the last holder the
// stop command is sent and a pending log batch is returned for delivery.
func (m *Multiplexer) releaseLocked(s *Subscription, kind streamKind, id string) (flushed, bool) {
	if !s.held[kind][id] {
		return flushed{}, false
	}
	delete(s.held[kind], id)
	m.refs[kind][id]--
	if m.refs[kind][id] > 0 {
		return flushed{}, false
	}
	delete(m.refs[kind], id)
	_, stop := commands(kind)
	m.sendLocked(stop, wire.StreamRequest{ContainerID: id})
	if kind != logStream {
		return flushed{}, false
	}
	delete(m.tails, id)
	text, ok := m.coalescer.deactivate(id)
	return flushed{id: id, text: text}, ok
}

func (m *Multiplexer) sendLocked(event string, data interface{}) {
	if m.run == nil || m.run.conn == nil {
		return
	}
	frame, err := wire.Encode(event, data)
	if err != nil {
		m.logger.Error("encode command", "event", event, "error", err)
		return
	}
	if err := m.run.conn.WriteMessage(frame); err != nil {
		// The read loop sees the broken connection and reconnects.
		m.logger.Debug("send command failed", "event", event, "error", err)
	}
}

// ── Connection loop ──

func (m *Multiplexer) endpoint() string {
	if m.opts.Token == "" {
		return m.opts.URL
	}
	u, err := url.Parse(m.opts.URL)
	if err != nil {
		return m.opts.URL
	}
	q := u.Query()
	q.Set("token", m.opts.Token)
	u.RawQuery = q.Encode()
	return u.String()
}

func (m *Multiplexer) loop(lt *lifetime) {
	defer close(lt.done)
	for attempt := 0; ; attempt++ {
		if attempt > 0 {
			m.setState(lt, Status{State: Reconnecting})
		}
		conn, err := m.opts.Dialer.Dial(lt.ctx, m.endpoint())
		if lt.ctx.Err() != nil {
			if conn != nil {
				conn.Close()
			}
			return
		}
		if err != nil {
			m.logger.Warn("connect failed", "url", m.opts.URL, "error", err)
			m.disconnected(lt, err.Error())
		} else {
			m.connected(lt, conn)
			err = m.read(lt, conn)
			conn.Close()
			if lt.ctx.Err() != nil {
				return
			}
			m.logger.Warn("connection lost", "error", err)
			m.disconnected(lt, err.Error())
		}

		select {
		case <-lt.ctx.Done():
			return
		case <-time.After(m.opts.ReconnectDelay):
		}
	}
}

// connected publishes the new connection and re-requests active streams in
// one critical section, so a concurrent Start either lands in the replay or
// sends on its own.
func (m *Multiplexer) connected(lt *lifetime, conn Conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run != lt {
		conn.Close()
		return
	}
	lt.conn = conn
	m.setStateLocked(Status{State: Connected})
	for id := range m.refs[logStream] {
		m.sendLocked(wire.CmdStartLogStream, wire.StreamRequest{ContainerID: id, Tail: m.tails[id]})
	}
	for id := range m.refs[statsStream] {
		m.sendLocked(wire.CmdStartStatsStream, wire.StreamRequest{ContainerID: id})
	}
}

func (m *Multiplexer) disconnected(lt *lifetime, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run != lt {
		return
	}
	lt.conn = nil
	m.setStateLocked(Status{State: Disconnected, Reason: reason})
	m.enqueueErrorLocked(reason)
}

func (m *Multiplexer) setState(lt *lifetime, st Status) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.run != lt {
		return
	}
	m.setStateLocked(st)
}

func (m *Multiplexer) setStateLocked(st Status) {
	m.status = st
	m.logger.Debug("state", "state", st.State.String(), "reason", st.Reason)
	m.enqueue(m.subs, func(s *Subscription) {
		if s.consumer.OnStatus != nil {
			s.consumer.OnStatus(st)
		}
	})
}

func (m *Multiplexer) read(lt *lifetime, conn Conn) error {
	for {
		frame, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		msg, err := wire.Decode(frame)
		if err != nil {
			m.logger.Warn("invalid frame", "error", err)
			continue
		}
		m.route(lt, msg)
	}
}

func (m *Multiplexer) route(lt *lifetime, msg wire.Message) {
	switch msg.Event {
	case wire.EventConnectionEstablished:
		m.logger.Debug("server greeting", "data", string(msg.Data))

	case wire.EventInitialState:
		var p wire.InitialState
		if !m.decode(msg, &p) {
			return
		}
		m.mu.Lock()
		if m.run == lt {
			m.containers.Reset(p.Containers)
			m.snapshot = true
			m.enqueueInitialStateLocked(m.subs, m.containers.List())
		}
		m.mu.Unlock()

	case wire.EventContainerStateChange, wire.EventContainerStateChanged:
		var c model.Container
		if !m.decode(msg, &c) {
			return
		}
		m.mu.Lock()
		if m.run == lt {
			m.containers.Apply(c)
			m.enqueue(m.subs, func(s *Subscription) {
				if s.consumer.OnStateChange != nil && s.matches(c.ID) {
					s.consumer.OnStateChange(c)
				}
			})
		}
		m.mu.Unlock()

	case wire.EventLogUpdate:
		var chunk model.LogChunk
		if !m.decode(msg, &chunk) {
			return
		}
		m.mu.Lock()
		if m.run == lt {
			m.coalescer.add(chunk.ContainerID, chunk.Log)
		}
		m.mu.Unlock()

	case wire.EventStatsUpdate:
		var upd model.StatsUpdate
		if !m.decode(msg, &upd) {
			return
		}
		m.mu.Lock()
		if m.run == lt && m.refs[statsStream][upd.ContainerID] > 0 {
			m.enqueue(m.subs, func(s *Subscription) {
				if s.consumer.OnStats != nil && s.matches(upd.ContainerID) {
					s.consumer.OnStats(upd)
				}
			})
		}
		m.mu.Unlock()

	case wire.EventError:
		var e wire.Error
		if !m.decode(msg, &e) {
			return
		}
		m.mu.Lock()
		if m.run == lt {
			m.enqueueErrorLocked(e.Error)
		}
		m.mu.Unlock()

	default:
		m.logger.Debug("unhandled event", "event", msg.Event)
	}
}

func (m *Multiplexer) decode(msg wire.Message, v interface{}) bool {
	if err := json.Unmarshal(msg.Data, v); err != nil {
		m.logger.Warn("invalid payload", "event", msg.Event, "error", err)
		return false
	}
	return true
}

// ── Delivery ──

// enqueue schedules f once per subscription, skipping subscriptions removed
// before their callback runs. Callers hold m.mu.
func (m *Multiplexer) enqueue(subs []*Subscription, f func(*Subscription)) {
	for _, s := range subs {
		s := s
		m.dispatch.enqueue(func() {
			if m.isActive(s) {
				f(s)
			}
		})
	}
}

func (m *Multiplexer) isActive(s *Subscription) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.active
}

func (m *Multiplexer) enqueueInitialStateLocked(subs []*Subscription, all []model.Container) {
	m.enqueue(subs, func(s *Subscription) {
		if s.consumer.OnInitialState == nil {
			return
		}
		if len(s.filter) == 0 {
			s.consumer.OnInitialState(append([]model.Container(nil), all...))
			return
		}
		mine := make([]model.Container, 0, len(s.filter))
		for _, c := range all {
			if s.matches(c.ID) {
				mine = append(mine, c)
			}
		}
		s.consumer.OnInitialState(mine)
	})
}

func (m *Multiplexer) enqueueErrorLocked(msg string) {
	m.enqueue(m.subs, func(s *Subscription) {
		if s.consumer.OnError != nil {
			s.consumer.OnError(msg)
		}
	})
}

// deliverLog hands a coalesced batch to consumers. It is the coalescer's flush
// func and must be called without m.mu held.
func (m *Multiplexer) deliverLog(id, text string) {
	if text == "" {
		return
	}
	chunk := model.LogChunk{ContainerID: id, Log: text}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueue(m.subs, func(s *Subscription) {
		if s.consumer.OnLog != nil && s.matches(id) {
			s.consumer.OnLog(chunk)
		}
	})
}
