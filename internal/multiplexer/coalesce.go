package multiplexer

import (
	"strings"
	"sync"
	"time"
)

// stopper is the part of *time.Timer the coalescer uses.
type stopper interface {
	Stop() bool
}

// afterFunc schedules f after d. time.AfterFunc in production.
type afterFunc func(d time.Duration, f func()) stopper

func realAfterFunc(d time.Duration, f func()) stopper {
	return time.AfterFunc(d, f)
}

type pending struct {
	buf   strings.Builder
	gen   uint64
	timer stopper
}

// coalescer batches log fragments per container id. The first fragment of a
// batch arms one timer; when it fires the batch is handed to flush as a single
// string. Fragments for ids that are not active are dropped.
type coalescer struct {
	window time.Duration
	after  afterFunc
	flush  func(id, text string)

	mu      sync.Mutex
	gen     uint64
	active  map[string]bool
	pending map[string]*pending
}

func newCoalescer(window time.Duration, after afterFunc, flush func(id, text string)) *coalescer {
	if after == nil {
		after = realAfterFunc
	}
	return &coalescer{
		window:  window,
		after:   after,
		flush:   flush,
		active:  make(map[string]bool),
		pending: make(map[string]*pending),
	}
}

// activate starts accepting fragments for id.
func (c *coalescer) activate(id string) {
	c.mu.Lock()
	c.active[id] = true
	c.mu.Unlock()
}

// deactivate stops accepting fragments for id and returns the pending batch,
// if any. A timer armed for that batch delivers nothing when it fires.
func (c *coalescer) deactivate(id string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.active, id)
	p, ok := c.pending[id]
	if !ok {
		return "", false
	}
	delete(c.pending, id)
	p.timer.Stop()
	return p.buf.String(), true
}

// add buffers a fragment, arming the window timer on the first one.
func (c *coalescer) add(id, fragment string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.active[id] {
		return
	}
	p, ok := c.pending[id]
	if !ok {
		c.gen++
		p = &pending{gen: c.gen}
		gen := p.gen
		p.timer = c.after(c.window, func() { c.fire(id, gen) })
		c.pending[id] = p
	}
	p.buf.WriteString(fragment)
}

func (c *coalescer) fire(id string, gen uint64) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if !ok || p.gen != gen {
		c.mu.Unlock()
		return
	}
	delete(c.pending, id)
	text := p.buf.String()
	c.mu.Unlock()

	c.flush(id, text)
}

// reset drops every batch and active id.
func (c *coalescer) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, p := range c.pending {
		p.timer.Stop()
		delete(c.pending, id)
	}
	c.active = make(map[string]bool)
}
