package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/web-casa/dockwatch/internal/model"
	"github.com/web-casa/dockwatch/internal/wire"
)

const (
	writeWait           = 10 * time.Second
	pongWait            = 60 * time.Second
	pingPeriod          = pongWait * 9 / 10
	maxMessageSize      = 8 * 1024
	sendBufferSize      = 256
	initialStateTimeout = 10 * time.Second
)

type streamKind string

const (
	kindLogs  streamKind = "logs"
	kindStats streamKind = "stats"
)

type streamKey struct {
	kind streamKind
	id   string
}

type stream struct {
	cancel context.CancelFunc
}

// Session is one WebSocket client. All writes go through the send channel and
// a single writer goroutine.
type Session struct {
	hub    *Hub
	conn   *websocket.Conn
	logger *slog.Logger
	send   chan []byte

	ctx        context.Context
	cancel     context.CancelFunc
	closeOnce  sync.Once
	writerDone chan struct{}

	mu      sync.Mutex
	streams map[streamKey]*stream
	wg      sync.WaitGroup

	// Broadcasts that arrive before initial_state is queued are held here
	// so no delta reaches the client ahead of the snapshot.
	greetMu  sync.Mutex
	greeted  bool
	deferred [][]byte
}

func newSession(h *Hub, conn *websocket.Conn, logger *slog.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		hub:        h,
		conn:       conn,
		logger:     logger,
		send:       make(chan []byte, sendBufferSize),
		ctx:        ctx,
		cancel:     cancel,
		writerDone: make(chan struct{}),
		streams:    make(map[streamKey]*stream),
	}
}

func (s *Session) run() {
	go s.writePump()
	s.greet()
	s.readPump()
	s.close()
	<-s.writerDone
	s.wg.Wait()
}

// close cancels every stream of the session and stops the writer, which
// closes the socket.
func (s *Session) close() {
	s.closeOnce.Do(s.cancel)
}

func (s *Session) greet() {
	s.sendEvent(wire.EventConnectionEstablished, wire.Connected{Message: "WebSocket connection established"})

	ctx, cancel := context.WithTimeout(s.ctx, initialStateTimeout)
	defer cancel()
	containers, err := s.hub.streamer.ListContainers(ctx)

	s.greetMu.Lock()
	defer s.greetMu.Unlock()
	if err != nil {
		s.logger.Error("initial state failed", "error", err)
		s.sendError(err.Error())
	} else {
		if containers == nil {
			containers = []model.Container{}
		}
		s.sendEvent(wire.EventInitialState, wire.InitialState{Containers: containers})
	}
	for _, frame := range s.deferred {
		s.sendFrame(frame)
	}
	s.deferred = nil
	s.greeted = true
}

// broadcast queues a hub-wide frame, holding it back until the greeting
// has been queued.
func (s *Session) broadcast(frame []byte) {
	s.greetMu.Lock()
	defer s.greetMu.Unlock()
	if !s.greeted {
		if len(s.deferred) >= sendBufferSize {
			s.logger.Warn("send buffer full, dropping client")
			s.close()
			return
		}
		s.deferred = append(s.deferred, frame)
		return
	}
	s.sendFrame(frame)
}

func (s *Session) readPump() {
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, frame, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.logger.Debug("websocket read failed", "error", err)
			}
			return
		}
		s.handle(frame)
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.conn.Close()
		close(s.writerDone)
	}()

	for {
		select {
		case frame := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				s.close()
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				s.close()
				return
			}
		case <-s.ctx.Done():
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (s *Session) sendFrame(frame []byte) {
	select {
	case <-s.ctx.Done():
	case s.send <- frame:
	default:
		s.logger.Warn("send buffer full, dropping client")
		s.close()
	}
}

func (s *Session) sendEvent(event string, data interface{}) {
	frame, err := wire.Encode(event, data)
	if err != nil {
		s.logger.Error("encode event", "event", event, "error", err)
		return
	}
	s.sendFrame(frame)
}

func (s *Session) sendError(msg string) {
	s.sendEvent(wire.EventError, wire.Error{Error: msg})
}

func (s *Session) handle(frame []byte) {
	msg, err := wire.Decode(frame)
	if err != nil {
		s.sendError("Invalid message: " + err.Error())
		return
	}

	var req wire.StreamRequest
	if len(msg.Data) > 0 {
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			s.sendError("Invalid payload for " + msg.Event)
			return
		}
	}

	switch msg.Event {
	case wire.CmdStartLogStream, wire.CmdStopLogStream, wire.CmdStartStatsStream, wire.CmdStopStatsStream:
	default:
		s.sendError("Unknown event: " + msg.Event)
		return
	}
	if req.ContainerID == "" {
		s.sendError("Container ID is required")
		return
	}

	switch msg.Event {
	case wire.CmdStartLogStream:
		s.startStream(streamKey{kindLogs, req.ContainerID}, func(ctx context.Context) {
			s.pumpLogs(ctx, req.ContainerID, req.Tail)
		})
	case wire.CmdStopLogStream:
		s.stopStream(streamKey{kindLogs, req.ContainerID})
	case wire.CmdStartStatsStream:
		s.startStream(streamKey{kindStats, req.ContainerID}, func(ctx context.Context) {
			s.pumpStats(ctx, req.ContainerID)
		})
	case wire.CmdStopStatsStream:
		s.stopStream(streamKey{kindStats, req.ContainerID})
	}
}

// startStream runs pump for key unless the session already streams it.
func (s *Session) startStream(key streamKey, pump func(ctx context.Context)) {
	s.mu.Lock()
	if _, ok := s.streams[key]; ok {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.ctx)
	st := &stream{cancel: cancel}
	s.streams[key] = st
	s.mu.Unlock()

	s.logger.Debug("stream started", "kind", key.kind, "container", key.id)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		pump(ctx)

		s.mu.Lock()
		if s.streams[key] == st {
			delete(s.streams, key)
		}
		s.mu.Unlock()
	}()
}

func (s *Session) stopStream(key streamKey) {
	s.mu.Lock()
	st, ok := s.streams[key]
	delete(s.streams, key)
	s.mu.Unlock()
	if ok {
		st.cancel()
		s.logger.Debug("stream stopped", "kind", key.kind, "container", key.id)
	}
}

// activeStreams returns the number of running streams.
func (s *Session) activeStreams() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams)
}

func (s *Session) pumpLogs(ctx context.Context, id string, tail int) {
	lines, errs := s.hub.streamer.StreamLogs(ctx, id, tail)
	for line := range lines {
		s.sendEvent(wire.EventLogUpdate, model.LogChunk{ContainerID: id, Log: line})
	}
	if err, ok := <-errs; ok && err != nil && ctx.Err() == nil {
		s.logger.Warn("log stream failed", "container", id, "error", err)
		s.sendError(err.Error())
	}
}

func (s *Session) pumpStats(ctx context.Context, id string) {
	samples, errs := s.hub.streamer.StreamStats(ctx, id)
	for sample := range samples {
		s.sendEvent(wire.EventStatsUpdate, model.StatsUpdate{ContainerID: id, Stats: sample})
	}
	if err, ok := <-errs; ok && err != nil && ctx.Err() == nil {
		s.logger.Warn("stats stream failed", "container", id, "error", err)
		s.sendError(err.Error())
	}
}
