// Package tsdemux is a minimal MPEG-TS demultiplexer: enough to read
// the PAT and PMT tables and announce each elementary stream's PID and
// media kind. It does not decode PES payloads or touch codec bytes —
// classifying streams is all the pipeline controller needs to build
// its per-kind output branches.
package tsdemux

import (
	"errors"
	"fmt"
)

const (
	packetSize = 188
	syncByte   = 0x47
)

// StreamType is the MPEG-TS stream_type byte from the PMT.
type StreamType byte

const (
	StreamTypeMPEG2Video StreamType = 0x02
	StreamTypeAAC        StreamType = 0x0F
	StreamTypeH264       StreamType = 0x1B
	StreamTypeH265       StreamType = 0x24
	StreamTypeAC3        StreamType = 0x81
)

// MediaKind classifies a stream the way the Pipeline Controller's
// parse/encode region does: "video/x-h264", "video/x-h265", or any
// "audio/*"; anything else is unknown and ignored.
type MediaKind string

const (
	MediaVideoH264 MediaKind = "video/x-h264"
	MediaVideoH265 MediaKind = "video/x-h265"
	MediaAudio     MediaKind = "audio/mpeg"
	MediaUnknown   MediaKind = ""
)

// Kind maps a stream_type to the MediaKind the controller understands.
func (t StreamType) Kind() MediaKind {
	switch t {
	case StreamTypeH264, StreamTypeMPEG2Video:
		return MediaVideoH264
	case StreamTypeH265:
		return MediaVideoH265
	case StreamTypeAAC, StreamTypeAC3:
		return MediaAudio
	default:
		return MediaUnknown
	}
}

// Stream is one elementary stream announced by the PMT.
type Stream struct {
	PID        uint16
	StreamType StreamType
	Kind       MediaKind
}

// ErrNoSyncByte is returned when a 188-byte chunk doesn't start with
// the 0x47 TS sync byte.
var ErrNoSyncByte = errors.New("tsdemux: missing sync byte")

// Demuxer accumulates PAT/PMT state across TS packets fed to Feed and
// reports newly discovered elementary streams.
type Demuxer struct {
	patSeen bool
	pmtPID  uint16
	pmtSeen bool
	streams map[uint16]Stream
}

// New creates an empty Demuxer.
func New() *Demuxer {
	return &Demuxer{streams: make(map[uint16]Stream)}
}

// Feed parses one or more concatenated 188-byte TS packets and returns
// any elementary streams discovered for the first time in this call, in
// PID order is not guaranteed.
func (d *Demuxer) Feed(buf []byte) ([]Stream, error) {
	var discovered []Stream
	for len(buf) >= packetSize {
		pkt := buf[:packetSize]
		buf = buf[packetSize:]
		if pkt[0] != syncByte {
			return discovered, ErrNoSyncByte
		}
		pid := uint16(pkt[1]&0x1F)<<8 | uint16(pkt[2])
		payloadStart := pkt[1]&0x40 != 0

		switch {
		case pid == 0x0000 && payloadStart:
			d.parsePAT(pkt)
		case d.pmtSeen && pid == d.pmtPID && payloadStart:
			discovered = append(discovered, d.parsePMT(pkt)...)
		}
	}
	return discovered, nil
}

// Ready reports whether at least one elementary stream has been
// discovered (the controller's Ready() precondition, §4.3 "ready").
func (d *Demuxer) Ready() bool {
	return len(d.streams) > 0
}

// Streams returns a snapshot of every elementary stream discovered so
// far.
func (d *Demuxer) Streams() []Stream {
	out := make([]Stream, 0, len(d.streams))
	for _, s := range d.streams {
		out = append(out, s)
	}
	return out
}

func (d *Demuxer) parsePAT(pkt []byte) {
	section := adaptedPayload(pkt)
	if len(section) < 1 {
		return
	}
	pointer := int(section[0])
	section = section[1+pointer:]
	if len(section) < 8 {
		return
	}
	sectionLength := int(section[1]&0x0F)<<8 | int(section[2])
	if len(section) < 3+sectionLength {
		return
	}
	// Program loop starts at byte 8, ends 4 bytes before section end (CRC32).
	body := section[8 : 3+sectionLength-4]
	for i := 0; i+4 <= len(body); i += 4 {
		programNumber := uint16(body[i])<<8 | uint16(body[i+1])
		pid := uint16(body[i+2]&0x1F)<<8 | uint16(body[i+3])
		if programNumber != 0 {
			d.pmtPID = pid
			d.pmtSeen = true
			d.patSeen = true
			return
		}
	}
}

func (d *Demuxer) parsePMT(pkt []byte) []Stream {
	section := adaptedPayload(pkt)
	if len(section) < 1 {
		return nil
	}
	pointer := int(section[0])
	section = section[1+pointer:]
	if len(section) < 12 {
		return nil
	}
	sectionLength := int(section[1]&0x0F)<<8 | int(section[2])
	if len(section) < 3+sectionLength {
		return nil
	}
	programInfoLength := int(section[10]&0x0F)<<8 | int(section[11])
	cursor := 12 + programInfoLength
	end := 3 + sectionLength - 4 // exclude CRC32
	var discovered []Stream
	for cursor+5 <= end && cursor+5 <= len(section) {
		streamType := StreamType(section[cursor])
		pid := uint16(section[cursor+1]&0x1F)<<8 | uint16(section[cursor+2])
		esInfoLength := int(section[cursor+3]&0x0F)<<8 | int(section[cursor+4])
		cursor += 5 + esInfoLength

		if _, known := d.streams[pid]; !known {
			s := Stream{PID: pid, StreamType: streamType, Kind: streamType.Kind()}
			d.streams[pid] = s
			discovered = append(discovered, s)
		}
	}
	return discovered
}

// adaptedPayload strips the adaptation field (if present) from a TS
// packet, returning the remaining payload bytes.
func adaptedPayload(pkt []byte) []byte {
	adaptationFieldControl := (pkt[3] >> 4) & 0x3
	payload := pkt[4:]
	switch adaptationFieldControl {
	case 0x1: // payload only
		return payload
	case 0x3: // adaptation field followed by payload
		if len(payload) == 0 {
			return nil
		}
		adaptationLength := int(payload[0])
		if adaptationLength+1 > len(payload) {
			return nil
		}
		return payload[1+adaptationLength:]
	default: // 0x0 reserved, 0x2 adaptation field only: no payload
		return nil
	}
}

// Validate checks that buf looks like a TS stream: non-empty and
// sync-byte aligned on at least its first packet. Used by the bounded,
// non-fatal stream probe in §4.3's init step.
func Validate(buf []byte) error {
	if len(buf) < packetSize {
		return fmt.Errorf("tsdemux: short buffer (%d bytes)", len(buf))
	}
	if buf[0] != syncByte {
		return ErrNoSyncByte
	}
	return nil
}
