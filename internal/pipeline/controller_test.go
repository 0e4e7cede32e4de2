package pipeline

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srt-whep/bridge/internal/apierr"
)

// --- TS packet builders (PAT mapping program 1 to PMT PID 0x100, PMT
// announcing H.264 video on PID 0x101 and AAC audio on PID 0x102) ---

func tsPacket(pid uint16, payloadStart bool, section []byte) []byte {
	pkt := make([]byte, 188)
	pkt[0] = 0x47
	pkt[1] = byte(pid >> 8 & 0x1F)
	if payloadStart {
		pkt[1] |= 0x40
	}
	pkt[2] = byte(pid)
	pkt[3] = 0x10 // payload only
	copy(pkt[4:], section)
	return pkt
}

func testPAT() []byte {
	return tsPacket(0x0000, true, []byte{
		0x00,       // pointer field
		0x00,       // table_id
		0xB0, 0x0D, // section_length 13
		0x00, 0x01,
		0xC1,
		0x00,
		0x00,
		0x00, 0x01, // program 1
		0xE1, 0x00, // PMT PID 0x100
		0xAA, 0xAA, 0xAA, 0xAA,
	})
}

func testPMT() []byte {
	streamLoop := []byte{
		0x1B, 0xE1, 0x01, 0xF0, 0x00, // H264 on 0x101
		0x0F, 0xE1, 0x02, 0xF0, 0x00, // AAC on 0x102
	}
	section := []byte{
		0x00,
		0x02,
		0xB0, byte(9 + len(streamLoop) + 4),
		0x00, 0x01,
		0xC1,
		0x00,
		0x00,
		0xE1, 0x00,
		0xF0, 0x00,
	}
	section = append(section, streamLoop...)
	section = append(section, 0xAA, 0xAA, 0xAA, 0xAA)
	return tsPacket(0x0100, true, section)
}

func testES(pid uint16) []byte {
	return tsPacket(pid, false, []byte{0xDE, 0xAD, 0xBE, 0xEF})
}

// --- transport stubs ---

// stubSource feeds canned TS buffers to the controller's read loop.
type stubSource struct {
	ch chan []byte
}

func newStubSource() *stubSource {
	return &stubSource{ch: make(chan []byte, 64)}
}

func (s *stubSource) Connect(context.Context) error { return nil }

func (s *stubSource) Read(ctx context.Context, buf []byte) (int, error) {
	select {
	case data, ok := <-s.ch:
		if !ok {
			return 0, context.Canceled
		}
		return copy(buf, data), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (s *stubSource) Close() error { return nil }

func (s *stubSource) feed(data []byte) { s.ch <- data }

// stubSink records re-broadcast writes.
type stubSink struct {
	mu     sync.Mutex
	writes int
}

func (s *stubSink) Write([]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	return nil
}

func (s *stubSink) Close() error { return nil }

func (s *stubSink) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writes
}

// stubWHIPSink records sample writes without any WebRTC or HTTP I/O.
type stubWHIPSink struct {
	mu          sync.Mutex
	videoWrites int
	audioWrites int
	closed      bool
}

func (s *stubWHIPSink) Connect(context.Context) error { return nil }

func (s *stubWHIPSink) WriteVideo([]byte, time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.videoWrites++
	return nil
}

func (s *stubWHIPSink) WriteAudio([]byte, time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audioWrites++
	return nil
}

func (s *stubWHIPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *stubWHIPSink) VideoWrites() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.videoWrites
}

func (s *stubWHIPSink) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type testHarness struct {
	ctrl   *GraphController
	source *stubSource
	sink   *stubSink

	mu    sync.Mutex
	sinks map[string]*stubWHIPSink
}

func newHarness() *testHarness {
	h := &testHarness{
		source: newStubSource(),
		sink:   &stubSink{},
		sinks:  make(map[string]*stubWHIPSink),
	}
	h.ctrl = NewGraphControllerWith(
		func(string, SRTMode) SRTSource { return h.source },
		func(string, SRTMode) SRTSink { return h.sink },
		func(id string, _ WHIPSinkConfig) (WHIPSink, error) {
			s := &stubWHIPSink{}
			h.mu.Lock()
			h.sinks[id] = s
			h.mu.Unlock()
			return s, nil
		},
	)
	return h
}

func (h *testHarness) whipSink(id string) *stubWHIPSink {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sinks[id]
}

func (h *testHarness) initAndAnnounce(t *testing.T) {
	t.Helper()
	require.NoError(t, h.ctrl.Init(context.Background(), Args{
		InputAddress:  "127.0.0.1:1234",
		SRTMode:       SRTModeCaller,
		OutputAddress: "127.0.0.1:8888",
		HTTPHost:      "127.0.0.1",
		HTTPPort:      8000,
	}))
	h.source.feed(testPAT())
	h.source.feed(testPMT())
	waitForCond(t, h.ctrl.Ready, "pipeline never became ready")
}

func waitForCond(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestReadyAfterPATAndPMT(t *testing.T) {
	h := newHarness()
	defer h.ctrl.CleanUp()

	require.NoError(t, h.ctrl.Init(context.Background(), Args{InputAddress: "a", SRTMode: SRTModeCaller}))
	assert.False(t, h.ctrl.Ready())

	h.source.feed(testPAT())
	h.source.feed(testPMT())
	waitForCond(t, h.ctrl.Ready, "pipeline never became ready")
}

func TestAddConnectionBeforeReadyFails(t *testing.T) {
	h := newHarness()
	defer h.ctrl.CleanUp()

	require.NoError(t, h.ctrl.Init(context.Background(), Args{InputAddress: "a", SRTMode: SRTModeCaller}))
	err := h.ctrl.AddConnection("v1")
	assert.ErrorIs(t, err, apierr.ErrPipelineNotReady)
}

func TestViewerBranchReceivesMedia(t *testing.T) {
	h := newHarness()
	defer h.ctrl.CleanUp()
	h.initAndAnnounce(t)

	require.NoError(t, h.ctrl.AddConnection("v1"))
	sink := h.whipSink("v1")
	require.NotNil(t, sink)

	// Video payload packets flow through tee -> queue -> whip sink.
	for i := 0; i < 5; i++ {
		h.source.feed(testES(0x0101))
	}
	waitForCond(t, func() bool { return sink.VideoWrites() > 0 }, "no video reached the whip sink")
}

func TestRemoveConnectionDetachesBranch(t *testing.T) {
	h := newHarness()
	defer h.ctrl.CleanUp()
	h.initAndAnnounce(t)

	require.NoError(t, h.ctrl.AddConnection("v1"))
	require.NoError(t, h.ctrl.RemoveConnection("v1"))

	sink := h.whipSink("v1")
	waitForCond(t, sink.Closed, "whip sink not closed on removal")

	// Removing an unknown id is a skip, not an error.
	assert.NoError(t, h.ctrl.RemoveConnection("missing"))

	// The id can be attached again after removal.
	require.NoError(t, h.ctrl.AddConnection("v1"))
}

func TestDuplicateAddConnectionFails(t *testing.T) {
	h := newHarness()
	defer h.ctrl.CleanUp()
	h.initAndAnnounce(t)

	require.NoError(t, h.ctrl.AddConnection("v1"))
	assert.Error(t, h.ctrl.AddConnection("v1"))
}

func TestRebroadcastReceivesInput(t *testing.T) {
	h := newHarness()
	defer h.ctrl.CleanUp()
	h.initAndAnnounce(t)

	h.source.feed(testES(0x0101))
	waitForCond(t, func() bool { return h.sink.Writes() > 0 }, "re-broadcast sink never written")
}

func TestEndMakesRunReturnNil(t *testing.T) {
	h := newHarness()
	defer h.ctrl.CleanUp()
	h.initAndAnnounce(t)

	errCh := make(chan error, 1)
	go func() { errCh <- h.ctrl.Run(context.Background()) }()

	h.ctrl.End()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after End")
	}
}

func TestQuitForcesRunReturn(t *testing.T) {
	h := newHarness()
	defer h.ctrl.CleanUp()
	h.initAndAnnounce(t)

	errCh := make(chan error, 1)
	go func() { errCh <- h.ctrl.Run(context.Background()) }()

	h.ctrl.Quit()
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Quit")
	}
}

func TestSourceDropPostsEOS(t *testing.T) {
	h := newHarness()
	defer h.ctrl.CleanUp()
	h.initAndAnnounce(t)

	errCh := make(chan error, 1)
	go func() { errCh <- h.ctrl.Run(context.Background()) }()

	close(h.source.ch)
	select {
	case err := <-errCh:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after the source dropped")
	}
}

func TestCleanUpThenInitRestarts(t *testing.T) {
	h := newHarness()
	h.initAndAnnounce(t)

	h.ctrl.CleanUp()
	assert.False(t, h.ctrl.Ready())

	// The graph is fully restartable: a fresh source for the new cycle.
	h.source = newStubSource()
	require.NoError(t, h.ctrl.Init(context.Background(), Args{InputAddress: "a", SRTMode: SRTModeCaller}))
	h.source.feed(testPAT())
	h.source.feed(testPMT())
	waitForCond(t, h.ctrl.Ready, "pipeline not ready after restart")
	h.ctrl.CleanUp()
}

func TestInitTwiceWithoutCleanUpFails(t *testing.T) {
	h := newHarness()
	defer h.ctrl.CleanUp()

	require.NoError(t, h.ctrl.Init(context.Background(), Args{InputAddress: "a", SRTMode: SRTModeCaller}))
	assert.Error(t, h.ctrl.Init(context.Background(), Args{InputAddress: "a", SRTMode: SRTModeCaller}))
}

func TestSRTModeReverse(t *testing.T) {
	assert.Equal(t, SRTModeListener, SRTModeCaller.Reverse())
	assert.Equal(t, SRTModeCaller, SRTModeListener.Reverse())
}

func TestBuildURI(t *testing.T) {
	assert.Equal(t, "srt://127.0.0.1:1234?mode=caller", BuildURI("127.0.0.1:1234", SRTModeCaller))
}
