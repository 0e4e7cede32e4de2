package pipeline

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
)

// WHIPSink is the per-viewer egress element: it holds the WebRTC peer
// connection for one viewer and performs the WHIP handshake against this
// process's own /whip_sink/<id> route, closing the loop between the
// media graph and the HTTP rendezvous.
type WHIPSink interface {
	// Connect creates a send-only offer, POSTs it to the WHIP endpoint
	// and applies the returned answer. It blocks until the handshake
	// completes or ctx expires.
	Connect(ctx context.Context) error
	WriteVideo(data []byte, dur time.Duration) error
	WriteAudio(data []byte, dur time.Duration) error
	Close() error
}

// WHIPSinkConfig configures one sink instance.
type WHIPSinkConfig struct {
	// Endpoint is the WHIP URL the offer is POSTed to, i.e.
	// http://<host>:<port>/whip_sink/<id> on this same process.
	Endpoint string
	// VideoMime is the negotiated video codec (H264 or H265).
	VideoMime string
	// HasAudio controls whether an Opus audio track is offered.
	HasAudio bool
}

// WHIPSinkFactory builds a sink for a viewer id. The controller takes a
// factory so tests can substitute a recording stub for the pion one.
type WHIPSinkFactory func(id string, cfg WHIPSinkConfig) (WHIPSink, error)

type pionWHIPSink struct {
	id  string
	cfg WHIPSinkConfig

	pc         *webrtc.PeerConnection
	videoTrack *webrtc.TrackLocalStaticSample
	audioTrack *webrtc.TrackLocalStaticSample
	client     *http.Client

	mu     sync.Mutex
	closed bool
}

// NewPionWHIPSink builds a WHIPSink on a real pion PeerConnection with
// send-only H.264/H.265 video and (optionally) Opus audio tracks.
func NewPionWHIPSink(id string, cfg WHIPSinkConfig) (WHIPSink, error) {
	videoMime := cfg.VideoMime
	if videoMime == "" {
		videoMime = webrtc.MimeTypeH264
	}

	me := &webrtc.MediaEngine{}

	var videoFmtp string
	var videoPayloadType webrtc.PayloadType
	if videoMime == webrtc.MimeTypeH265 {
		videoFmtp = "profile-id=1"
		videoPayloadType = 97
	} else {
		videoFmtp = "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=42001f"
		videoPayloadType = 96
	}

	if err := me.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    videoMime,
			ClockRate:   90000,
			SDPFmtpLine: videoFmtp,
		},
		PayloadType: videoPayloadType,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register video codec: %w", err)
	}

	if cfg.HasAudio {
		if err := me.RegisterCodec(webrtc.RTPCodecParameters{
			RTPCodecCapability: webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeOpus,
				ClockRate: 48000,
				Channels:  2,
			},
			PayloadType: 111,
		}, webrtc.RTPCodecTypeAudio); err != nil {
			return nil, fmt.Errorf("register Opus: %w", err)
		}
	}

	api := webrtc.NewAPI(webrtc.WithMediaEngine(me))

	pc, err := api.NewPeerConnection(webrtc.Configuration{
		// LAN only — no STUN/TURN
	})
	if err != nil {
		return nil, fmt.Errorf("create peer connection: %w", err)
	}

	s := &pionWHIPSink{
		id:     id,
		cfg:    cfg,
		pc:     pc,
		client: &http.Client{},
	}

	s.videoTrack, err = webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{
			MimeType:    videoMime,
			ClockRate:   90000,
			SDPFmtpLine: videoFmtp,
		},
		"video", "srt-whep-"+id,
	)
	if err != nil {
		pc.Close()
		return nil, fmt.Errorf("create video track: %w", err)
	}
	if _, err = pc.AddTransceiverFromTrack(s.videoTrack, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendonly,
	}); err != nil {
		pc.Close()
		return nil, fmt.Errorf("add video track: %w", err)
	}

	if cfg.HasAudio {
		s.audioTrack, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{
				MimeType:  webrtc.MimeTypeOpus,
				ClockRate: 48000,
				Channels:  2,
			},
			"audio", "srt-whep-"+id,
		)
		if err != nil {
			pc.Close()
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		if _, err = pc.AddTransceiverFromTrack(s.audioTrack, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionSendonly,
		}); err != nil {
			pc.Close()
			return nil, fmt.Errorf("add audio track: %w", err)
		}
	}

	return s, nil
}

func (s *pionWHIPSink) Connect(ctx context.Context) error {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local description: %w", err)
	}

	gatherComplete := webrtc.GatheringCompletePromise(s.pc)
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return ctx.Err()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.Endpoint,
		bytes.NewReader([]byte(s.pc.LocalDescription().SDP)))
	if err != nil {
		return fmt.Errorf("build whip request: %w", err)
	}
	req.Header.Set("Content-Type", "application/sdp")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post whip offer: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read whip answer: %w", err)
	}
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("whip endpoint returned %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}

	return s.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  string(body),
	})
}

func (s *pionWHIPSink) WriteVideo(data []byte, dur time.Duration) error {
	return s.videoTrack.WriteSample(media.Sample{Data: data, Duration: dur})
}

func (s *pionWHIPSink) WriteAudio(data []byte, dur time.Duration) error {
	if s.audioTrack == nil {
		return nil
	}
	return s.audioTrack.WriteSample(media.Sample{Data: data, Duration: dur})
}

func (s *pionWHIPSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.pc.Close()
}
