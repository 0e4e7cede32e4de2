// Package mediagraph is a small in-process graph engine modeling the
// GStreamer concepts the Pipeline Controller (C3) needs: named
// elements, request-pad tees, leaky queues, a bus carrying EOS/error,
// and state changes dispatched on the graph's own execution loop so
// callers never block a structural lock across one.
//
// It does not decode or encode any media payload; it only moves opaque
// byte slices between named components, which is all the controller
// needs to build and tear down viewer branches safely.
package mediagraph

import (
	"context"
	"errors"
	"sync"
)

// State mirrors the handful of GStreamer element states the controller
// cares about.
type State int

const (
	StateNull State = iota
	StateReady
	StatePaused
	StatePlaying
)

// Component is anything the graph can hold by name and transition
// between states.
type Component interface {
	Name() string
	SetState(ctx context.Context, s State) error
}

// MessageType distinguishes bus messages.
type MessageType int

const (
	MessageEOS MessageType = iota
	MessageError
)

// Message is a bus message: either EOS or a terminal error.
type Message struct {
	Type MessageType
	Err  error
}

// Bus carries EOS/error signals out of the graph. Buffered so Post
// never blocks a producer waiting for a consumer that hasn't called
// Pop yet.
type Bus struct {
	ch chan Message
}

// NewBus creates an empty Bus.
func NewBus() *Bus {
	return &Bus{ch: make(chan Message, 4)}
}

// Post enqueues a message.
func (b *Bus) Post(m Message) {
	select {
	case b.ch <- m:
	default:
		// A full bus means an EOS/error is already queued; a pipeline
		// only ever needs to report the first one.
	}
}

// PostEOS enqueues an EOS message.
func (b *Bus) PostEOS() { b.Post(Message{Type: MessageEOS}) }

// PostError enqueues an error message.
func (b *Bus) PostError(err error) { b.Post(Message{Type: MessageError, Err: err}) }

// Pop blocks until a message arrives or ctx is done.
func (b *Bus) Pop(ctx context.Context) (Message, error) {
	select {
	case m := <-b.ch:
		return m, nil
	case <-ctx.Done():
		return Message{}, ctx.Err()
	}
}

// Leaky controls what a Queue does when it is full.
type Leaky int

const (
	// LeakyNone drops the newest sample on overflow (rendezvous
	// queues: never let a slow viewer silently lose old frames, but
	// also never block the tee — the viewer earns a gap instead).
	LeakyNone Leaky = iota
	// LeakyDownstream drops the oldest buffered sample on overflow, so
	// a slow downstream consumer never back-pressures the element
	// feeding it (used for the SRT re-broadcast branch).
	LeakyDownstream
)

// queueCapacity approximates GStreamer's max-size-buffers=0 /
// max-size-time=0 ("unlimited") with a generous bound instead of a
// literally unbounded channel; Overrun still fires so callers can see
// when the approximation is being exercised.
const queueCapacity = 512

// Queue is a named, leaky FIFO of opaque payloads sitting between a tee
// and a sink (or a source and a sink, for the SRT re-broadcast branch).
type Queue struct {
	name    string
	leaky   Leaky
	buf     chan []byte
	overrun func(name string)

	mu     sync.Mutex
	state  State
	closed bool
}

// NewQueue builds a Queue. overrun, if non-nil, is invoked (without
// blocking the caller) every time a push would have overflowed.
func NewQueue(name string, leaky Leaky, overrun func(name string)) *Queue {
	return &Queue{
		name:    name,
		leaky:   leaky,
		buf:     make(chan []byte, queueCapacity),
		overrun: overrun,
	}
}

// Name implements Component.
func (q *Queue) Name() string { return q.name }

// SetState implements Component; queues have no real async work to do
// for a state change, but satisfy the interface so the controller can
// treat them uniformly with sinks and tees.
func (q *Queue) SetState(_ context.Context, s State) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.state = s
	return nil
}

// Push enqueues data, applying the leakiness policy on overflow. A
// push against a closed queue is dropped; teardown races a producer's
// last sample and must not panic it.
func (q *Queue) Push(data []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	select {
	case q.buf <- data:
		return
	default:
	}
	if q.overrun != nil {
		q.overrun(q.name)
	}
	if q.leaky == LeakyDownstream {
		select {
		case <-q.buf:
		default:
		}
		select {
		case q.buf <- data:
		default:
		}
	}
	// LeakyNone: the new sample is simply dropped.
}

// Pop blocks for the next payload until ctx is done.
func (q *Queue) Pop(ctx context.Context) ([]byte, bool) {
	select {
	case data, ok := <-q.buf:
		return data, ok
	case <-ctx.Done():
		return nil, false
	}
}

// Close unblocks any pending Pop with ok=false. Idempotent.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.buf)
}

// Pad is a tee's request pad: an output fan-out leg feeding one
// downstream queue.
type Pad struct {
	ID  string
	out chan []byte
}

// Pop blocks for the next payload fanned out to this pad.
func (p *Pad) Pop(ctx context.Context) ([]byte, bool) {
	select {
	case data, ok := <-p.out:
		return data, ok
	case <-ctx.Done():
		return nil, false
	}
}

// Tee is a fan-out element with dynamically added/removed request
// pads. Removal from a running graph follows the pause/release-pad/
// resume sequence so the streaming side never observes a half-updated
// pad set.
type Tee struct {
	name string

	mu     sync.Mutex
	paused bool
	pads   map[string]*Pad
}

// NewTee builds a named, initially pad-less Tee.
func NewTee(name string) *Tee {
	return &Tee{name: name, pads: make(map[string]*Pad)}
}

// Name implements Component.
func (t *Tee) Name() string { return t.name }

// SetState implements Component. A tee has no state of its own beyond
// whether it is paused for pad reconfiguration.
func (t *Tee) SetState(_ context.Context, _ State) error { return nil }

// RequestPad allocates a new output leg identified by id. The caller
// must ReleasePad the same id when the downstream branch is torn down.
func (t *Tee) RequestPad(id string) *Pad {
	t.mu.Lock()
	defer t.mu.Unlock()
	p := &Pad{ID: id, out: make(chan []byte, queueCapacity)}
	t.pads[id] = p
	return p
}

// Pause stops Write from fanning out to any pad. Call before mutating
// the pad set so the streaming thread never observes a half-updated
// set of consumers.
func (t *Tee) Pause() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = true
}

// Resume re-enables fan-out after a pad addition/removal completes.
func (t *Tee) Resume() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.paused = false
}

// ReleasePad drops pad id, closing its output channel. Releasing an id
// that was never requested is a no-op.
func (t *Tee) ReleasePad(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.pads[id]
	if !ok {
		return
	}
	delete(t.pads, id)
	close(p.out)
}

// HasPad reports whether id is currently a live request pad.
func (t *Tee) HasPad(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pads[id]
	return ok
}

// Write fans data out to every live pad. A full pad's buffer is
// skipped rather than blocking the rest of the fan-out.
func (t *Tee) Write(data []byte) {
	t.mu.Lock()
	if t.paused {
		t.mu.Unlock()
		return
	}
	pads := make([]*Pad, 0, len(t.pads))
	for _, p := range t.pads {
		pads = append(pads, p)
	}
	t.mu.Unlock()

	for _, p := range pads {
		select {
		case p.out <- data:
		default:
		}
	}
}

// ErrGraphClosed is returned by Dispatch/DispatchAsync once the graph's
// loop has been closed.
var ErrGraphClosed = errors.New("mediagraph: graph is closed")

// Graph owns a set of named components and a single-goroutine execution
// loop: every asynchronous state transition runs there, so a caller can
// request one without holding any lock of its own across the wait.
type Graph struct {
	mu       sync.Mutex
	elements map[string]Component

	// closeMu guards the loop channel's lifetime: senders hold the read
	// side for the duration of the send, Close takes the write side, so
	// a send can never hit a freshly closed channel.
	closeMu sync.RWMutex
	loop    chan func()
	closed  bool

	bus *Bus
}

// NewGraph starts a Graph and its background execution loop.
func NewGraph() *Graph {
	g := &Graph{
		elements: make(map[string]Component),
		loop:     make(chan func(), 64),
		bus:      NewBus(),
	}
	go g.run()
	return g
}

func (g *Graph) run() {
	for fn := range g.loop {
		fn()
	}
}

// Dispatch runs fn on the graph's own loop and blocks until it
// completes. Safe to call while holding a controller-level lock: fn
// itself must not try to re-acquire that lock.
func (g *Graph) Dispatch(fn func()) error {
	done := make(chan struct{})
	if !g.enqueue(func() {
		fn()
		close(done)
	}) {
		return ErrGraphClosed
	}
	<-done
	return nil
}

// DispatchAsync runs fn on the graph's loop without waiting for it.
func (g *Graph) DispatchAsync(fn func()) error {
	if !g.enqueue(fn) {
		return ErrGraphClosed
	}
	return nil
}

func (g *Graph) enqueue(fn func()) bool {
	g.closeMu.RLock()
	defer g.closeMu.RUnlock()
	if g.closed {
		return false
	}
	g.loop <- fn
	return true
}

// Add registers a component by name, replacing any prior one with the
// same name.
func (g *Graph) Add(c Component) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.elements[c.Name()] = c
}

// Remove drops a component by name. No-op if absent.
func (g *Graph) Remove(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.elements, name)
}

// Components returns a snapshot of every registered component.
func (g *Graph) Components() []Component {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Component, 0, len(g.elements))
	for _, c := range g.elements {
		out = append(out, c)
	}
	return out
}

// ByName looks up a component.
func (g *Graph) ByName(name string) (Component, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	c, ok := g.elements[name]
	return c, ok
}

// Bus returns the graph's message bus.
func (g *Graph) Bus() *Bus { return g.bus }

// Close stops the execution loop; already-queued work still drains.
// Idempotent.
func (g *Graph) Close() {
	g.closeMu.Lock()
	if g.closed {
		g.closeMu.Unlock()
		return
	}
	g.closed = true
	g.closeMu.Unlock()
	close(g.loop)
}
