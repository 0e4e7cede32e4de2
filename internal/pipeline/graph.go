package pipeline

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/srt-whep/bridge/internal/apierr"
	"github.com/srt-whep/bridge/internal/mediagraph"
	"github.com/srt-whep/bridge/internal/tsdemux"
)

// Element names referenced across the controller. The per-viewer names
// take the connection id as a suffix.
const (
	nameInputTee       = "input_tee"
	nameOutputTeeVideo = "output_tee_video"
	nameOutputTeeAudio = "output_tee_audio"
	nameSRTQueue       = "srt-queue"
)

func videoQueueName(id string) string { return "video-queue-" + id }
func audioQueueName(id string) string { return "audio-queue-" + id }
func whipSinkName(id string) string   { return "whip-sink-" + id }

// Sample pacing for the per-viewer tracks. The bridge does not inspect
// timestamps, so samples are written with a nominal duration.
const (
	videoSampleDuration = time.Second / 30
	audioSampleDuration = 20 * time.Millisecond
)

const readBufferSize = 7 * 188 * 8

// SourceFactory builds the SRT ingress transport for one run cycle.
type SourceFactory func(address string, mode SRTMode) SRTSource

// SinkFactory builds the SRT re-broadcast transport for one run cycle.
type SinkFactory func(address string, mode SRTMode) SRTSink

// viewerBranch is the per-viewer region: the queues hanging off the
// output tees plus the WHIP sink they feed.
type viewerBranch struct {
	id     string
	sink   WHIPSink
	cancel context.CancelFunc
}

// whipElement registers a WHIP sink in the graph under whip-sink-<id>
// so removal can follow the same locate-by-name / set-to-Null path as
// the queues. Transitioning it to Null closes the peer connection.
type whipElement struct {
	name string
	sink WHIPSink
}

func (e *whipElement) Name() string { return e.name }

func (e *whipElement) SetState(_ context.Context, s mediagraph.State) error {
	if s == mediagraph.StateNull {
		return e.sink.Close()
	}
	return nil
}

// GraphController is the real Controller: it owns the media graph that
// turns one SRT/MPEG-TS ingress into per-viewer WHIP branches plus an
// SRT re-broadcast leg.
type GraphController struct {
	newSource SourceFactory
	newSink   SinkFactory
	newWHIP   WHIPSinkFactory

	mu          sync.Mutex
	args        Args
	graph       *mediagraph.Graph
	source      SRTSource
	rebroadcast SRTSink
	demux       *tsdemux.Demuxer

	inputTee *mediagraph.Tee
	videoTee *mediagraph.Tee
	audioTee *mediagraph.Tee
	videoMime string

	ready   bool
	streams map[uint16]tsdemux.MediaKind

	viewers map[string]*viewerBranch

	runCtx    context.Context
	runCancel context.CancelFunc
	quitCh    chan struct{}
	quitOnce  *sync.Once
}

// NewGraphController builds a controller on the default transports: the
// UDP reference SRT stand-in and the pion WHIP sink.
func NewGraphController() *GraphController {
	return NewGraphControllerWith(NewUDPSource, NewUDPSink, NewPionWHIPSink)
}

// NewGraphControllerWith builds a controller with explicit transport
// factories; tests substitute in-memory stubs.
func NewGraphControllerWith(src SourceFactory, sink SinkFactory, whip WHIPSinkFactory) *GraphController {
	return &GraphController{
		newSource: src,
		newSink:   sink,
		newWHIP:   whip,
	}
}

func logOverrun(name string) {
	log.Printf("queue %s overrun", name)
}

// Init implements Controller: builds the input region, connects the SRT
// transports, optionally probes the stream, and starts the streaming
// goroutines. CleanUp must have run (or Init never called) beforehand.
func (c *GraphController) Init(ctx context.Context, args Args) error {
	c.mu.Lock()
	if c.graph != nil {
		c.mu.Unlock()
		return apierr.New(apierr.KindFailedOperation, "init called before clean_up")
	}

	graph := mediagraph.NewGraph()
	inputTee := mediagraph.NewTee(nameInputTee)
	graph.Add(inputTee)

	runCtx, runCancel := context.WithCancel(context.Background())

	c.args = args
	c.graph = graph
	c.inputTee = inputTee
	c.demux = tsdemux.New()
	c.streams = make(map[uint16]tsdemux.MediaKind)
	c.viewers = make(map[string]*viewerBranch)
	c.ready = false
	c.videoTee = nil
	c.audioTee = nil
	c.videoMime = webrtc.MimeTypeH264
	c.runCtx = runCtx
	c.runCancel = runCancel
	c.quitCh = make(chan struct{})
	c.quitOnce = new(sync.Once)

	source := c.newSource(args.InputAddress, args.SRTMode)
	sink := c.newSink(args.OutputAddress, args.SRTMode.Reverse())
	c.source = source
	c.rebroadcast = sink
	c.mu.Unlock()

	log.Printf("pipeline: input %s, output %s", BuildURI(args.InputAddress, args.SRTMode),
		BuildURI(args.OutputAddress, args.SRTMode.Reverse()))

	if err := source.Connect(ctx); err != nil {
		c.CleanUp()
		return apierr.Wrap(apierr.KindFailedOperation, "connect srt source", err)
	}
	// wait-for-connection=false: a failure to reach the re-broadcast
	// peer is not fatal, writes are dropped until it shows up.
	if dialer, ok := sink.(interface{ Connect(context.Context) error }); ok {
		if err := dialer.Connect(ctx); err != nil {
			log.Printf("srt re-broadcast not connected: %v", err)
		}
	}

	// SRT re-broadcast branch: input_tee -> srt-queue -> srtsink. The
	// queue is leaky downstream so a slow external consumer cannot
	// back-pressure the ingress.
	srtQueue := mediagraph.NewQueue(nameSRTQueue, mediagraph.LeakyDownstream, logOverrun)
	graph.Add(srtQueue)
	srtPad := inputTee.RequestPad(nameSRTQueue)
	go pumpPadToQueue(runCtx, srtPad, srtQueue)
	go func() {
		for {
			data, ok := srtQueue.Pop(runCtx)
			if !ok {
				return
			}
			if err := sink.Write(data); err != nil {
				log.Printf("srt re-broadcast write: %v", err)
			}
		}
	}()

	// Demux branch: input_tee -> typefind/demux.
	demuxPad := inputTee.RequestPad("ts-demux")
	go c.demuxLoop(runCtx, demuxPad)

	if args.RunDiscoverer {
		timeout := time.Duration(args.DiscovererTimeoutSec) * time.Second
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		c.probeStream(ctx, timeout)
	}

	if err := graph.Dispatch(func() {
		srtQueue.SetState(context.Background(), mediagraph.StatePlaying)
	}); err != nil {
		c.CleanUp()
		return apierr.Wrap(apierr.KindFailedOperation, "set pipeline playing", err)
	}

	go c.readLoop(runCtx, source, inputTee, graph.Bus())
	return nil
}

// probeStream is the bounded, non-fatal stream discoverer: read one
// buffer off the ingress, check it frames as MPEG-TS, and forward it
// into the graph so nothing is lost.
func (c *GraphController) probeStream(ctx context.Context, timeout time.Duration) {
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	buf := make([]byte, readBufferSize)
	n, err := c.source.Read(pctx, buf)
	if err != nil {
		log.Printf("discoverer: no data within %s: %v", timeout, err)
		return
	}
	if err := tsdemux.Validate(buf[:n]); err != nil {
		log.Printf("discoverer: input does not look like MPEG-TS: %v", err)
	} else {
		log.Printf("discoverer: input stream looks healthy (%d bytes)", n)
	}
	data := make([]byte, n)
	copy(data, buf[:n])
	c.inputTee.Write(data)
}

// readLoop pulls from the SRT source and fans into the input tee. A
// read error outside shutdown means the ingress connection dropped,
// which the graph reports as EOS so the supervisor rebuilds.
func (c *GraphController) readLoop(ctx context.Context, source SRTSource, tee *mediagraph.Tee, bus *mediagraph.Bus) {
	buf := make([]byte, readBufferSize)
	for {
		n, err := source.Read(ctx, buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("srt source closed: %v", err)
			bus.PostEOS()
			return
		}
		if n == 0 {
			continue
		}
		data := make([]byte, n)
		copy(data, buf[:n])
		tee.Write(data)
	}
}

// demuxLoop feeds the demuxer and routes classified packets. The first
// PMT is the no-more-pads moment: the parse/encode region is built once
// from the announced streams, then payload packets flow to the output
// tees by PID.
func (c *GraphController) demuxLoop(ctx context.Context, pad *mediagraph.Pad) {
	for {
		data, ok := pad.Pop(ctx)
		if !ok {
			return
		}

		c.mu.Lock()
		demux := c.demux
		c.mu.Unlock()
		if demux == nil {
			return
		}

		discovered, err := demux.Feed(data)
		if err != nil {
			log.Printf("demux: %v", err)
		}

		if len(discovered) > 0 {
			c.onStreamsDiscovered(discovered)
		}
		c.routePackets(data)
	}
}

// onStreamsDiscovered records the announced elementary streams and, on
// the first announcement, builds the output-tee region.
func (c *GraphController) onStreamsDiscovered(discovered []tsdemux.Stream) {
	c.mu.Lock()
	var hasVideo, hasAudio bool
	for _, s := range discovered {
		switch s.Kind {
		case tsdemux.MediaVideoH264:
			c.streams[s.PID] = s.Kind
			hasVideo = true
		case tsdemux.MediaVideoH265:
			c.streams[s.PID] = s.Kind
			hasVideo = true
			c.videoMime = webrtc.MimeTypeH265
		case tsdemux.MediaUnknown:
			log.Printf("demux: ignoring stream pid %d type 0x%02x", s.PID, byte(s.StreamType))
		default:
			c.streams[s.PID] = s.Kind
			hasAudio = true
		}
	}
	needBuild := !c.ready && (hasVideo || hasAudio)
	c.mu.Unlock()

	if needBuild {
		c.buildOutputRegion(hasVideo, hasAudio)
	}
}

// buildOutputRegion creates the fan-out tees and their keep-alive fake
// sinks once the demux has announced its pads, then marks the pipeline
// ready for viewers.
func (c *GraphController) buildOutputRegion(hasVideo, hasAudio bool) {
	c.mu.Lock()
	graph := c.graph
	if graph == nil || c.ready {
		c.mu.Unlock()
		return
	}
	runCtx := c.runCtx
	var videoTee, audioTee *mediagraph.Tee
	if hasVideo {
		videoTee = mediagraph.NewTee(nameOutputTeeVideo)
		c.videoTee = videoTee
	}
	if hasAudio {
		audioTee = mediagraph.NewTee(nameOutputTeeAudio)
		c.audioTee = audioTee
	}
	c.mu.Unlock()

	// Each region ends in a keep-alive fake sink so the graph can run
	// with zero connected viewers.
	attach := func(tee *mediagraph.Tee, fakeName string) {
		graph.Add(tee)
		pad := tee.RequestPad(fakeName)
		go func() {
			for {
				if _, ok := pad.Pop(runCtx); !ok {
					return
				}
			}
		}()
	}
	if videoTee != nil {
		attach(videoTee, "fakesink-video")
	}
	if audioTee != nil {
		attach(audioTee, "fakesink-audio")
	}

	if err := graph.Dispatch(func() {
		if videoTee != nil {
			videoTee.SetState(context.Background(), mediagraph.StatePlaying)
		}
		if audioTee != nil {
			audioTee.SetState(context.Background(), mediagraph.StatePlaying)
		}
	}); err != nil {
		log.Printf("output region state sync failed: %v", err)
		return
	}

	c.mu.Lock()
	c.ready = true
	c.mu.Unlock()
	log.Printf("pipeline ready (video=%t audio=%t)", hasVideo, hasAudio)
}

// routePackets fans classified TS packets to the per-kind output tees.
func (c *GraphController) routePackets(data []byte) {
	c.mu.Lock()
	videoTee, audioTee := c.videoTee, c.audioTee
	streams := c.streams
	c.mu.Unlock()
	if videoTee == nil && audioTee == nil {
		return
	}

	const packetSize = 188
	for len(data) >= packetSize {
		pkt := data[:packetSize]
		data = data[packetSize:]
		pid := uint16(pkt[1]&0x1F)<<8 | uint16(pkt[2])
		kind, ok := streams[pid]
		if !ok {
			continue
		}
		switch kind {
		case tsdemux.MediaVideoH264, tsdemux.MediaVideoH265:
			if videoTee != nil {
				videoTee.Write(pkt)
			}
		default:
			if audioTee != nil {
				audioTee.Write(pkt)
			}
		}
	}
}

// Ready implements Controller.
func (c *GraphController) Ready() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ready
}

// AddConnection implements Controller: builds the viewer's WHIP sink
// and queues, inserts them into the graph, links tee -> queue -> sink
// for each present media kind and synchronises the new elements with
// the running graph. Any failure tears the half-attached branch down.
func (c *GraphController) AddConnection(id string) error {
	c.mu.Lock()
	if c.graph == nil || !c.ready {
		c.mu.Unlock()
		return apierr.ErrPipelineNotReady
	}
	if _, exists := c.viewers[id]; exists {
		c.mu.Unlock()
		return apierr.New(apierr.KindFailedOperation, "connection already attached: "+id)
	}
	graph := c.graph
	videoTee, audioTee := c.videoTee, c.audioTee
	videoMime := c.videoMime
	args := c.args
	c.mu.Unlock()

	endpoint := fmt.Sprintf("http://%s:%d/whip_sink/%s", args.HTTPHost, args.HTTPPort, id)
	sink, err := c.newWHIP(id, WHIPSinkConfig{
		Endpoint:  endpoint,
		VideoMime: videoMime,
		HasAudio:  audioTee != nil,
	})
	if err != nil {
		return apierr.Wrap(apierr.KindFailedOperation, "build whip sink", err)
	}

	branchCtx, cancel := context.WithCancel(context.Background())
	branch := &viewerBranch{id: id, sink: sink, cancel: cancel}

	var synced []*mediagraph.Queue
	link := func(tee *mediagraph.Tee, queueName string, write func([]byte, time.Duration) error, dur time.Duration) {
		q := mediagraph.NewQueue(queueName, mediagraph.LeakyNone, logOverrun)
		graph.Add(q)
		pad := tee.RequestPad(queueName)
		go pumpPadToQueue(branchCtx, pad, q)
		go func() {
			for {
				data, ok := q.Pop(branchCtx)
				if !ok {
					return
				}
				if err := write(data, dur); err != nil {
					log.Printf("whip sink %s write: %v", id, err)
				}
			}
		}()
		synced = append(synced, q)
	}

	if videoTee != nil {
		link(videoTee, videoQueueName(id), sink.WriteVideo, videoSampleDuration)
	}
	if audioTee != nil {
		link(audioTee, audioQueueName(id), sink.WriteAudio, audioSampleDuration)
	}
	graph.Add(&whipElement{name: whipSinkName(id), sink: sink})

	if err := graph.Dispatch(func() {
		for _, q := range synced {
			q.SetState(context.Background(), mediagraph.StatePlaying)
		}
	}); err != nil {
		// Partially attached: removal is mandatory here.
		c.mu.Lock()
		if c.viewers != nil {
			c.viewers[id] = branch
		}
		c.mu.Unlock()
		c.RemoveConnection(id)
		return apierr.Wrap(apierr.KindFailedOperation, "sync viewer branch state", err)
	}

	c.mu.Lock()
	if c.viewers == nil {
		// CleanUp raced the attach; nothing to keep alive.
		c.mu.Unlock()
		cancel()
		sink.Close()
		return apierr.New(apierr.KindFailedOperation, "pipeline torn down during attach")
	}
	c.viewers[id] = branch
	c.mu.Unlock()

	// The WHIP handshake POSTs back into this process and blocks until
	// the viewer's answer arrives, so it must not run on the caller's
	// goroutine (the caller *is* the WHEP handler about to wait for the
	// offer this POST delivers).
	go func() {
		hctx, hcancel := context.WithTimeout(branchCtx, 30*time.Second)
		defer hcancel()
		if err := sink.Connect(hctx); err != nil {
			log.Printf("whip sink %s handshake: %v", id, err)
		}
	}()

	return nil
}

// RemoveConnection implements Controller. The teardown order follows
// the safe-removal sequence for a running graph: pause the tee, release
// its request pad, resume, then null the queue on the graph's own loop
// and detach it; the WHIP sink goes last, tolerating self-removal.
func (c *GraphController) RemoveConnection(id string) error {
	c.mu.Lock()
	graph := c.graph
	branch := c.viewers[id]
	if branch != nil {
		delete(c.viewers, id)
	}
	videoTee, audioTee := c.videoTee, c.audioTee
	c.mu.Unlock()

	if graph == nil {
		return nil
	}
	if branch != nil {
		branch.cancel()
	}

	removeQueue := func(tee *mediagraph.Tee, queueName string) {
		if tee == nil {
			return
		}
		comp, ok := graph.ByName(queueName)
		if !ok {
			return
		}
		tee.Pause()
		tee.ReleasePad(queueName)
		tee.Resume()
		if err := graph.DispatchAsync(func() {
			comp.SetState(context.Background(), mediagraph.StateNull)
			if q, isQueue := comp.(*mediagraph.Queue); isQueue {
				q.Close()
			}
			graph.Remove(queueName)
		}); err != nil {
			log.Printf("remove %s: %v", queueName, err)
		}
	}

	removeQueue(videoTee, videoQueueName(id))
	removeQueue(audioTee, audioQueueName(id))

	// The sink may have self-removed on handshake failure; absence is
	// not an error.
	if comp, ok := graph.ByName(whipSinkName(id)); ok {
		if err := graph.DispatchAsync(func() {
			comp.SetState(context.Background(), mediagraph.StateNull)
			graph.Remove(whipSinkName(id))
		}); err != nil {
			log.Printf("remove %s: %v", whipSinkName(id), err)
		}
	} else if branch != nil && branch.sink != nil {
		branch.sink.Close()
	}
	return nil
}

// Run implements Controller: blocks until the bus reports EOS (returns
// nil) or an error (returned), or until Quit or ctx cancels the wait.
func (c *GraphController) Run(ctx context.Context) error {
	c.mu.Lock()
	graph := c.graph
	quit := c.quitCh
	c.mu.Unlock()
	if graph == nil {
		return apierr.New(apierr.KindFailedOperation, "run called before init")
	}

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-quit:
			cancel()
		case <-rctx.Done():
		}
	}()

	msg, err := graph.Bus().Pop(rctx)
	if err != nil {
		select {
		case <-quit:
			return nil
		default:
		}
		return err
	}
	switch msg.Type {
	case mediagraph.MessageError:
		return msg.Err
	default:
		log.Printf("pipeline reached end of stream")
		return nil
	}
}

// End implements Controller: posts EOS onto the bus and returns
// immediately.
func (c *GraphController) End() {
	c.mu.Lock()
	graph := c.graph
	c.mu.Unlock()
	if graph != nil {
		graph.Bus().PostEOS()
	}
}

// Quit implements Controller: forces a blocked Run to return without
// waiting for EOS.
func (c *GraphController) Quit() {
	c.mu.Lock()
	quit := c.quitCh
	once := c.quitOnce
	c.mu.Unlock()
	if quit == nil || once == nil {
		return
	}
	once.Do(func() { close(quit) })
}

// CleanUp implements Controller: cancels the streaming goroutines,
// transitions every remaining element to Null on the graph's own loop
// and drops the graph handle. Safe to call when Init never ran.
func (c *GraphController) CleanUp() {
	c.mu.Lock()
	graph := c.graph
	source := c.source
	rebroadcast := c.rebroadcast
	viewers := c.viewers
	runCancel := c.runCancel

	c.graph = nil
	c.source = nil
	c.rebroadcast = nil
	c.demux = nil
	c.inputTee = nil
	c.videoTee = nil
	c.audioTee = nil
	c.streams = nil
	c.viewers = nil
	c.ready = false
	c.runCancel = nil
	c.mu.Unlock()

	if graph == nil {
		return
	}
	if runCancel != nil {
		runCancel()
	}
	for _, branch := range viewers {
		branch.cancel()
		if branch.sink != nil {
			branch.sink.Close()
		}
	}
	if source != nil {
		source.Close()
	}
	if rebroadcast != nil {
		rebroadcast.Close()
	}

	// Null out whatever is left on the graph's loop, then close the
	// loop; queued work drains before the loop goroutine exits.
	graph.DispatchAsync(func() {
		for _, comp := range graph.Components() {
			comp.SetState(context.Background(), mediagraph.StateNull)
			if q, isQueue := comp.(*mediagraph.Queue); isQueue {
				q.Close()
			}
		}
	})
	graph.Close()
}

// Print implements Controller: logs the graph's current elements and
// viewer count for diagnosis.
func (c *GraphController) Print() {
	c.mu.Lock()
	graph := c.graph
	viewerCount := len(c.viewers)
	ready := c.ready
	c.mu.Unlock()
	if graph == nil {
		log.Printf("pipeline: <none>")
		return
	}
	names := make([]string, 0)
	for _, comp := range graph.Components() {
		names = append(names, comp.Name())
	}
	sort.Strings(names)
	log.Printf("pipeline: ready=%t viewers=%d elements=%v", ready, viewerCount, names)
}

func pumpPadToQueue(ctx context.Context, pad *mediagraph.Pad, q *mediagraph.Queue) {
	for {
		data, ok := pad.Pop(ctx)
		if !ok {
			return
		}
		q.Push(data)
	}
}
