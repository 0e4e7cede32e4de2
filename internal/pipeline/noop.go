package pipeline

import (
	"context"
	"sync"

	"github.com/srt-whep/bridge/internal/apierr"
)

// NoopController is a Controller with no media graph at all, so
// HTTP-handler and supervisor tests can exercise the registry
// rendezvous without any real media I/O. Ready() is controlled by the
// test via SetReady.
type NoopController struct {
	mu          sync.Mutex
	ready       bool
	connections map[string]bool
	runCh       chan struct{}
	initCalls   int
	quitCalls   int
}

// NewNoop builds a NoopController, initially not ready.
func NewNoop() *NoopController {
	return &NoopController{connections: make(map[string]bool)}
}

// SetReady flips the readiness flag a test wants to simulate.
func (n *NoopController) SetReady(ready bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ready = ready
}

// Init implements Controller.
func (n *NoopController) Init(_ context.Context, _ Args) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.runCh = make(chan struct{})
	n.initCalls++
	return nil
}

// InitCalls reports how many times Init has run — supervisor tests use
// it to observe restart cycles.
func (n *NoopController) InitCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.initCalls
}

// QuitCalls reports how many times Quit has run.
func (n *NoopController) QuitCalls() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.quitCalls
}

// Run implements Controller: blocks until End or Quit.
func (n *NoopController) Run(ctx context.Context) error {
	n.mu.Lock()
	ch := n.runCh
	n.mu.Unlock()
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ready implements Controller.
func (n *NoopController) Ready() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.ready
}

// AddConnection implements Controller.
func (n *NoopController) AddConnection(id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.ready {
		return apierr.ErrPipelineNotReady
	}
	n.connections[id] = true
	return nil
}

// RemoveConnection implements Controller.
func (n *NoopController) RemoveConnection(id string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.connections, id)
	return nil
}

// ConnectionCount reports how many branches are currently attached.
func (n *NoopController) ConnectionCount() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.connections)
}

// End implements Controller.
func (n *NoopController) End() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.runCh != nil {
		select {
		case <-n.runCh:
		default:
			close(n.runCh)
		}
	}
}

// Quit implements Controller; identical to End for the no-op graph.
func (n *NoopController) Quit() {
	n.mu.Lock()
	n.quitCalls++
	n.mu.Unlock()
	n.End()
}

// CleanUp implements Controller.
func (n *NoopController) CleanUp() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.connections = make(map[string]bool)
	n.runCh = nil
}

// Print implements Controller; nothing to print for a no-op graph.
func (n *NoopController) Print() {}
