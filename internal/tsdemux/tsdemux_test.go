package tsdemux

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildPAT constructs a single 188-byte TS packet carrying a PAT that
// maps program 1 to PMT PID 0x100.
func buildPAT() []byte {
	pkt := make([]byte, packetSize)
	pkt[0] = syncByte
	pkt[1] = 0x40 // payload_unit_start_indicator, PID high bits 0
	pkt[2] = 0x00 // PID 0x0000
	pkt[3] = 0x10 // no adaptation field, payload only, continuity 0

	section := []byte{
		0x00,       // pointer field
		0x00,       // table_id (PAT)
		0xB0, 0x0D, // section_syntax_indicator + section_length(13)
		0x00, 0x01, // transport_stream_id
		0xC1,       // version/current_next
		0x00,       // section_number
		0x00,       // last_section_number
		0x00, 0x01, // program_number = 1
		0xE1, 0x00, // reserved bits + PMT PID 0x100
		0xAA, 0xAA, 0xAA, 0xAA, // fake CRC32
	}
	copy(pkt[4:], section)
	return pkt
}

// buildPMT constructs a single 188-byte TS packet on PID 0x100 carrying
// a PMT with one H.264 video stream (PID 0x101) and one AAC audio
// stream (PID 0x102).
func buildPMT() []byte {
	pkt := make([]byte, packetSize)
	pkt[0] = syncByte
	pkt[1] = 0x41 // payload_unit_start_indicator set, PID high bits 1
	pkt[2] = 0x00 // PID low bits -> PID = 0x100
	pkt[3] = 0x10

	streamLoop := []byte{
		0x1B, 0xE1, 0x01, 0xF0, 0x00, // H264, PID 0x101, no ES info
		0x0F, 0xE1, 0x02, 0xF0, 0x00, // AAC, PID 0x102, no ES info
	}
	sectionLength := 9 + len(streamLoop) + 4 // after length field to end incl CRC
	section := []byte{
		0x00,       // pointer field
		0x02,       // table_id (PMT)
		0xB0, byte(sectionLength),
		0x00, 0x01, // program_number
		0xC1,
		0x00,
		0x00,
		0xE1, 0x00, // PCR PID (unused)
		0xF0, 0x00, // program_info_length = 0
	}
	section = append(section, streamLoop...)
	section = append(section, 0xAA, 0xAA, 0xAA, 0xAA) // fake CRC32
	copy(pkt[4:], section)
	return pkt
}

func TestFeedPATThenPMTDiscoversStreams(t *testing.T) {
	d := New()

	discovered, err := d.Feed(buildPAT())
	require.NoError(t, err)
	assert.Empty(t, discovered)
	assert.False(t, d.Ready())

	discovered, err = d.Feed(buildPMT())
	require.NoError(t, err)
	require.Len(t, discovered, 2)
	assert.True(t, d.Ready())

	kinds := map[MediaKind]bool{}
	for _, s := range d.Streams() {
		kinds[s.Kind] = true
	}
	assert.True(t, kinds[MediaVideoH264])
	assert.True(t, kinds[MediaAudio])
}

func TestFeedRejectsBadSyncByte(t *testing.T) {
	d := New()
	buf := make([]byte, packetSize)
	_, err := d.Feed(buf)
	assert.ErrorIs(t, err, ErrNoSyncByte)
}

func TestStreamKindMapping(t *testing.T) {
	assert.Equal(t, MediaVideoH264, StreamTypeH264.Kind())
	assert.Equal(t, MediaVideoH265, StreamTypeH265.Kind())
	assert.Equal(t, MediaAudio, StreamTypeAAC.Kind())
	assert.Equal(t, MediaUnknown, StreamType(0xFF).Kind())
}

func TestValidate(t *testing.T) {
	assert.NoError(t, Validate(buildPAT()))
	assert.Error(t, Validate([]byte{0x00, 0x01}))
	bad := buildPAT()
	bad[0] = 0x00
	assert.ErrorIs(t, Validate(bad), ErrNoSyncByte)
}
