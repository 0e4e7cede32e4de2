// Package supervisor owns the pipeline restart loop: build the graph,
// run it until EOS or error, tear it down together with the rendezvous
// state, and repeat until shutdown.
package supervisor

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/srt-whep/bridge/internal/pipeline"
	"github.com/srt-whep/bridge/internal/registry"
)

// Supervisor drives init/run/clean_up cycles on a single controller.
// Run returning normally means the ingress hit EOS and the graph is
// rebuilt; an error breaks the loop and surfaces through Err.
type Supervisor struct {
	ctrl pipeline.Controller
	reg  *registry.Registry
	args pipeline.Args

	restartDelay time.Duration

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	mu  sync.Mutex
	err error
}

// New builds a Supervisor; Start launches the loop.
func New(ctrl pipeline.Controller, reg *registry.Registry, args pipeline.Args) *Supervisor {
	return &Supervisor{
		ctrl:         ctrl,
		reg:          reg,
		args:         args,
		restartDelay: time.Second,
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Start launches the restart loop on its own goroutine.
func (s *Supervisor) Start() {
	go s.loop()
}

func (s *Supervisor) loop() {
	defer close(s.done)
	for {
		select {
		case <-s.stop:
			return
		default:
		}

		if err := s.cycle(); err != nil {
			log.Printf("pipeline stopped: %v", err)
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}

		select {
		case <-s.stop:
			return
		case <-time.After(s.restartDelay):
		}
	}
}

// cycle runs one init/run round. The deferred guard tears the graph
// down and resets the registry even when Run panics; without it the
// next Init would find a half-dead graph and stale connections.
func (s *Supervisor) cycle() (err error) {
	defer func() {
		s.ctrl.CleanUp()
		if rerr := s.reg.Reset(); rerr != nil {
			log.Printf("registry reset: %v", rerr)
		}
	}()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panicked: %v", r)
		}
	}()

	if err := s.ctrl.Init(context.Background(), s.args); err != nil {
		return err
	}
	return s.ctrl.Run(context.Background())
}

// Shutdown stops the loop, posts EOS so a blocked Run returns, and
// joins the loop goroutine. Idempotent.
func (s *Supervisor) Shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.ctrl.End()
	<-s.done
}

// Done is closed once the loop has exited, whether by Shutdown or by a
// terminal error.
func (s *Supervisor) Done() <-chan struct{} {
	return s.done
}

// Err reports the error that broke the loop, if any.
func (s *Supervisor) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
