// Package registry implements the session-brokerage rendezvous (C1):
// an in-memory map of viewer connections, each holding an offer/answer
// slot pair with edge-triggered notification.
//
// The WHEP viewer and the WHIP sink block on opposite halves of the
// same rendezvous, so waiting here is a condition-variable-style
// suspension, never a polling loop.
package registry

import (
	"context"
	"sync"
	"time"

	"github.com/srt-whep/bridge/internal/apierr"
	"github.com/srt-whep/bridge/internal/sdp"
)

// DefaultWaitTimeout is the hard upper bound for WaitWhipOffer and
// WaitWhepAnswer.
const DefaultWaitTimeout = 10 * time.Second

// DefaultLockTimeout is the hard upper bound for acquiring the
// registry's structural lock.
const DefaultLockTimeout = 5 * time.Second

// notifier is a one-shot, idempotent edge trigger: the first Notify
// wakes every current and future Wait; later Notify calls are no-ops.
type notifier struct {
	mu    sync.Mutex
	fired bool
	ch    chan struct{}
}

func newNotifier() *notifier {
	return &notifier{ch: make(chan struct{})}
}

func (n *notifier) notify() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.fired {
		return
	}
	n.fired = true
	close(n.ch)
}

func (n *notifier) wait(ctx context.Context) error {
	select {
	case <-n.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// timedMutex is a channel-backed mutex whose Lock respects a deadline
// instead of blocking forever; sync.Mutex has no timed-lock operation.
type timedMutex struct {
	slot chan struct{}
}

func newTimedMutex() *timedMutex {
	m := &timedMutex{slot: make(chan struct{}, 1)}
	m.slot <- struct{}{}
	return m
}

func (m *timedMutex) Lock(timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-m.slot:
		return nil
	case <-t.C:
		return apierr.ErrLockTimeout
	}
}

func (m *timedMutex) Unlock() {
	m.slot <- struct{}{}
}

// Connection is the per-viewer rendezvous state: one optional WHIP
// offer slot and one optional WHEP answer slot, each written at most
// once.
type Connection struct {
	id string

	mu         sync.Mutex
	whipOffer  *sdp.SessionDescription
	whepAnswer *sdp.SessionDescription

	offerReady  *notifier
	answerReady *notifier
}

// ID returns the connection's identifier.
func (c *Connection) ID() string { return c.id }

func newConnection(id string) *Connection {
	return &Connection{
		id:          id,
		offerReady:  newNotifier(),
		answerReady: newNotifier(),
	}
}

func (c *Connection) saveWhipOffer(s sdp.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.whipOffer != nil {
		return apierr.New(apierr.KindFailedOperation, "whip offer already set")
	}
	c.whipOffer = &s
	c.offerReady.notify()
	return nil
}

func (c *Connection) saveWhepAnswer(s sdp.SessionDescription) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.whepAnswer != nil {
		return apierr.New(apierr.KindFailedOperation, "whep answer already set")
	}
	c.whepAnswer = &s
	c.answerReady.notify()
	return nil
}

func (c *Connection) peekWhipOffer() (sdp.SessionDescription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.whipOffer == nil {
		return sdp.SessionDescription{}, false
	}
	return *c.whipOffer, true
}

func (c *Connection) peekWhepAnswer() (sdp.SessionDescription, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.whepAnswer == nil {
		return sdp.SessionDescription{}, false
	}
	return *c.whepAnswer, true
}

// Registry is the single rendezvous point: connection_id -> Connection,
// protected by a single writer lock for structural mutation plus inner
// per-slot locks for SDP content.
type Registry struct {
	lockTimeout time.Duration
	waitTimeout time.Duration

	structural *timedMutex
	conns      map[string]*Connection
}

// New builds an empty Registry using the default timeouts.
func New() *Registry {
	return NewWithTimeouts(DefaultLockTimeout, DefaultWaitTimeout)
}

// NewWithTimeouts builds an empty Registry with explicit lock and wait
// ceilings. Tests use short ones to exercise the timeout paths quickly.
func NewWithTimeouts(lockTimeout, waitTimeout time.Duration) *Registry {
	return &Registry{
		lockTimeout: lockTimeout,
		waitTimeout: waitTimeout,
		structural:  newTimedMutex(),
		conns:       make(map[string]*Connection),
	}
}

func (r *Registry) lock() error {
	return r.structural.Lock(r.lockTimeout)
}

func (r *Registry) unlock() {
	r.structural.Unlock()
}

// Add inserts a fresh, empty connection under id.
func (r *Registry) Add(id string) error {
	if err := r.lock(); err != nil {
		return err
	}
	defer r.unlock()
	if _, exists := r.conns[id]; exists {
		return apierr.ErrDuplicateConnection
	}
	r.conns[id] = newConnection(id)
	return nil
}

// Has reports whether id is present.
func (r *Registry) Has(id string) (bool, error) {
	if err := r.lock(); err != nil {
		return false, err
	}
	defer r.unlock()
	_, ok := r.conns[id]
	return ok, nil
}

// Get returns the connection for id.
func (r *Registry) Get(id string) (*Connection, error) {
	if err := r.lock(); err != nil {
		return nil, err
	}
	defer r.unlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, apierr.ErrConnectionNotFound
	}
	return c, nil
}

// Remove drops id. Removal is idempotent only at the caller's
// discretion: calling Remove twice returns ErrConnectionNotFound the
// second time.
func (r *Registry) Remove(id string) error {
	if err := r.lock(); err != nil {
		return err
	}
	defer r.unlock()
	if _, ok := r.conns[id]; !ok {
		return apierr.ErrConnectionNotFound
	}
	delete(r.conns, id)
	return nil
}

// List returns a snapshot of connection ids; order is unspecified.
func (r *Registry) List() ([]string, error) {
	if err := r.lock(); err != nil {
		return nil, err
	}
	defer r.unlock()
	ids := make([]string, 0, len(r.conns))
	for id := range r.conns {
		ids = append(ids, id)
	}
	return ids, nil
}

// Reset drops every connection.
func (r *Registry) Reset() error {
	if err := r.lock(); err != nil {
		return err
	}
	defer r.unlock()
	r.conns = make(map[string]*Connection)
	return nil
}

// SaveWhipOffer stores the WHIP sink's offer for id and fires
// offer_ready.
func (r *Registry) SaveWhipOffer(id string, s sdp.SessionDescription) error {
	conn, err := r.Get(id)
	if err != nil {
		return err
	}
	return conn.saveWhipOffer(s)
}

// WaitWhipOffer blocks until id's WHIP offer is present or ctx expires.
// The registry-wide lock is not held while suspended.
func (r *Registry) WaitWhipOffer(ctx context.Context, id string) (sdp.SessionDescription, error) {
	conn, err := r.Get(id)
	if err != nil {
		return sdp.SessionDescription{}, err
	}
	if s, ok := conn.peekWhipOffer(); ok {
		return s, nil
	}
	wctx, cancel := context.WithTimeout(ctx, r.waitTimeout)
	defer cancel()
	if err := conn.offerReady.wait(wctx); err != nil {
		return sdp.SessionDescription{}, apierr.ErrOfferMissing
	}
	s, ok := conn.peekWhipOffer()
	if !ok {
		// Notified but not yet visible is not supposed to happen: the
		// save path sets the slot before firing the notifier.
		return sdp.SessionDescription{}, apierr.ErrOfferMissing
	}
	return s, nil
}

// SaveWhepAnswer stores the viewer's answer for id and fires
// answer_ready.
func (r *Registry) SaveWhepAnswer(id string, s sdp.SessionDescription) error {
	conn, err := r.Get(id)
	if err != nil {
		return err
	}
	return conn.saveWhepAnswer(s)
}

// WaitWhepAnswer blocks until id's WHEP answer is present or ctx
// expires.
func (r *Registry) WaitWhepAnswer(ctx context.Context, id string) (sdp.SessionDescription, error) {
	conn, err := r.Get(id)
	if err != nil {
		return sdp.SessionDescription{}, err
	}
	if s, ok := conn.peekWhepAnswer(); ok {
		return s, nil
	}
	wctx, cancel := context.WithTimeout(ctx, r.waitTimeout)
	defer cancel()
	if err := conn.answerReady.wait(wctx); err != nil {
		return sdp.SessionDescription{}, apierr.ErrAnswerMissing
	}
	s, ok := conn.peekWhepAnswer()
	if !ok {
		return sdp.SessionDescription{}, apierr.ErrAnswerMissing
	}
	return s, nil
}
