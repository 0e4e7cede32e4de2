package pipeline

import (
	"context"
	"fmt"
	"net"
	"time"
)

// SRTSource yields raw MPEG-TS bytes for a given ingress URI. The
// controller only depends on this interface; the actual SRT transport
// lives behind it.
type SRTSource interface {
	Connect(ctx context.Context) error
	Read(ctx context.Context, buf []byte) (int, error)
	Close() error
}

// SRTSink is the symmetric collaborator for the re-broadcast branch
// hanging off the input tee.
type SRTSink interface {
	Write(buf []byte) error
	Close() error
}

// BuildURI constructs an srt:// URI with the caller/listener mode
// query parameter.
func BuildURI(address string, mode SRTMode) string {
	return fmt.Sprintf("srt://%s?mode=%s", address, mode)
}

// udpTransport is a reference stand-in for a real SRT transport: it
// satisfies the shape of the interfaces (connect/read, write/close,
// caller-vs-listener addressing) over a plain UDP datagram socket. It
// is not a conformant SRT implementation.
type udpTransport struct {
	address string
	mode    SRTMode

	conn   net.Conn
	pconn  *net.UDPConn
	peer   *net.UDPAddr
	dialer net.Dialer
}

// NewUDPSource builds a reference SRTSource over UDP.
func NewUDPSource(address string, mode SRTMode) SRTSource {
	return &udpTransport{address: address, mode: mode}
}

// NewUDPSink builds a reference SRTSink over UDP. waitForConnection
// mirrors the srtsink property of the same name: when false, Write is a
// best-effort no-op until a peer has been observed.
func NewUDPSink(address string, mode SRTMode) SRTSink {
	return &udpTransport{address: address, mode: mode}
}

func (t *udpTransport) Connect(ctx context.Context) error {
	switch t.mode {
	case SRTModeCaller:
		dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		conn, err := t.dialer.DialContext(dctx, "udp", t.address)
		if err != nil {
			return fmt.Errorf("srt caller connect: %w", err)
		}
		t.conn = conn
		return nil
	case SRTModeListener:
		addr, err := net.ResolveUDPAddr("udp", t.address)
		if err != nil {
			return fmt.Errorf("srt listener resolve: %w", err)
		}
		pconn, err := net.ListenUDP("udp", addr)
		if err != nil {
			return fmt.Errorf("srt listener listen: %w", err)
		}
		t.pconn = pconn
		return nil
	default:
		return fmt.Errorf("srt: unknown mode %q", t.mode)
	}
}

func (t *udpTransport) Read(ctx context.Context, buf []byte) (int, error) {
	if t.conn != nil {
		if dl, ok := ctx.Deadline(); ok {
			t.conn.SetReadDeadline(dl)
		}
		return t.conn.Read(buf)
	}
	if t.pconn != nil {
		if dl, ok := ctx.Deadline(); ok {
			t.pconn.SetReadDeadline(dl)
		}
		n, addr, err := t.pconn.ReadFromUDP(buf)
		if err == nil {
			t.peer = addr
		}
		return n, err
	}
	return 0, fmt.Errorf("srt: not connected")
}

// Write implements SRTSink with wait-for-connection=false semantics:
// if no peer is known yet, the write is silently dropped rather than
// blocking the upstream tee.
func (t *udpTransport) Write(buf []byte) error {
	if t.conn != nil {
		_, err := t.conn.Write(buf)
		return err
	}
	if t.pconn != nil && t.peer != nil {
		_, err := t.pconn.WriteToUDP(buf, t.peer)
		return err
	}
	return nil
}

func (t *udpTransport) Close() error {
	if t.conn != nil {
		return t.conn.Close()
	}
	if t.pconn != nil {
		return t.pconn.Close()
	}
	return nil
}
