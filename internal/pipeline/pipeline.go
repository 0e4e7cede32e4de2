// Package pipeline implements the Pipeline Controller (C3): the
// abstraction over the media graph that the HTTP handlers and the
// supervisor drive through Init/Ready/AddConnection/RemoveConnection/
// Run/End/Quit/CleanUp/Print.
package pipeline

import (
	"context"
)

// SRTMode is the SRT caller/listener role.
type SRTMode string

const (
	SRTModeCaller   SRTMode = "caller"
	SRTModeListener SRTMode = "listener"
)

// Reverse returns the opposite role. The re-broadcast SRT sink always
// runs in the mode opposite to the ingress.
func (m SRTMode) Reverse() SRTMode {
	if m == SRTModeCaller {
		return SRTModeListener
	}
	return SRTModeCaller
}

// Args configures a single Init/run cycle of the controller.
type Args struct {
	InputAddress         string
	SRTMode              SRTMode
	OutputAddress        string
	HTTPHost             string
	HTTPPort             int
	RunDiscoverer        bool
	DiscovererTimeoutSec int
}

// Controller is the capability the rest of the system drives the media
// graph through. Tests substitute a no-op implementation to exercise
// the HTTP/registry paths without any media I/O.
type Controller interface {
	// Init builds the graph for one run cycle. Idempotent across
	// restart cycles because CleanUp always precedes the next Init.
	Init(ctx context.Context, args Args) error
	// Run blocks until the graph's bus reports EOS or error, or until
	// Quit forces it to return early.
	Run(ctx context.Context) error
	// Ready reports whether the demux has announced at least one
	// audio or video pad.
	Ready() bool
	// AddConnection attaches a new viewer branch.
	AddConnection(id string) error
	// RemoveConnection tears a viewer branch down.
	RemoveConnection(id string) error
	// End posts EOS onto the graph's bus; it returns immediately.
	End()
	// Quit forces a blocked Run to return without waiting for EOS.
	Quit()
	// CleanUp transitions the graph to Null asynchronously and drops
	// the graph handle. Safe to call even if Init was never called.
	CleanUp()
	// Print logs the current graph for diagnosis; GET /list calls
	// this before listing connections.
	Print()
}
