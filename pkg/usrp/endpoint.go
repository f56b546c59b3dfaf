package usrp

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
)

// EndpointConfig describes the two UDP sockets an [Endpoint] uses: one bound
// locally for receiving frames from the radio software and one destination
// address for transmitting frames to it.
type EndpointConfig struct {
	// BindAddr is the local address to receive on, e.g. "0.0.0.0:32001".
	BindAddr string

	// PeerAddr is the radio software's receive address, e.g. "127.0.0.1:34001".
	PeerAddr string

	// TalkGroup is stamped into every outbound header. Usually zero.
	TalkGroup uint32

	// FrameBuffer is the capacity of the inbound frame channel. Defaults to
	// 64 when zero. When the consumer falls behind, the oldest queued frame
	// is dropped in favour of the newest.
	FrameBuffer int
}

// Endpoint owns the UDP sockets to the radio side. Received datagrams are
// decoded and delivered on [Endpoint.Frames]; malformed datagrams are logged
// and dropped without interrupting the read loop.
//
// Send methods are safe for concurrent use; the outbound sequence counter is
// shared across them.
type Endpoint struct {
	cfg EndpointConfig

	rx *net.UDPConn
	tx *net.UDPConn

	frames chan Frame
	seq    atomic.Uint32

	closeOnce sync.Once
}

// Dial binds the receive socket and connects the transmit socket.
func Dial(cfg EndpointConfig) (*Endpoint, error) {
	if cfg.FrameBuffer <= 0 {
		cfg.FrameBuffer = 64
	}

	bindAddr, err := net.ResolveUDPAddr("udp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("usrp: resolve bind addr %q: %w", cfg.BindAddr, err)
	}
	rx, err := net.ListenUDP("udp", bindAddr)
	if err != nil {
		return nil, fmt.Errorf("usrp: listen %q: %w", cfg.BindAddr, err)
	}

	peerAddr, err := net.ResolveUDPAddr("udp", cfg.PeerAddr)
	if err != nil {
		rx.Close()
		return nil, fmt.Errorf("usrp: resolve peer addr %q: %w", cfg.PeerAddr, err)
	}
	tx, err := net.DialUDP("udp", nil, peerAddr)
	if err != nil {
		rx.Close()
		return nil, fmt.Errorf("usrp: dial %q: %w", cfg.PeerAddr, err)
	}

	return &Endpoint{
		cfg:    cfg,
		rx:     rx,
		tx:     tx,
		frames: make(chan Frame, cfg.FrameBuffer),
	}, nil
}

// Frames returns the channel of decoded inbound frames. The channel is
// closed when [Endpoint.Run] returns.
func (e *Endpoint) Frames() <-chan Frame { return e.frames }

// Run reads datagrams from the receive socket until ctx is cancelled or the
// socket fails. It always closes the frames channel before returning.
func (e *Endpoint) Run(ctx context.Context) error {
	defer close(e.frames)

	// Unblock the read when the context ends.
	stop := context.AfterFunc(ctx, func() { e.rx.Close() })
	defer stop()

	buf := make([]byte, 4096)
	for {
		n, _, err := e.rx.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("usrp: read: %w", err)
		}

		frame, err := Decode(buf[:n])
		if err != nil {
			slog.Debug("usrp: dropping malformed datagram", "bytes", n, "err", err)
			continue
		}

		select {
		case e.frames <- frame:
		default:
			// Consumer is behind: drop the oldest queued frame to keep
			// latency bounded, then queue the new one.
			select {
			case <-e.frames:
			default:
			}
			select {
			case e.frames <- frame:
			default:
			}
		}
	}
}

// SendVoice transmits one keyed voice frame of PCM samples.
func (e *Endpoint) SendVoice(samples []int16) error {
	frame := VoiceFrame{
		Header: Header{
			Seq:       e.seq.Add(1) - 1,
			Keyup:     true,
			TalkGroup: e.cfg.TalkGroup,
			Type:      TypeVoice,
		},
		PCM: samples,
	}
	return e.send(frame)
}

// SendUnkey transmits the header-only unkey marker that ends a transmission.
func (e *Endpoint) SendUnkey() error {
	frame := VoiceFrame{
		Header: Header{
			Seq:       e.seq.Add(1) - 1,
			Keyup:     false,
			TalkGroup: e.cfg.TalkGroup,
			Type:      TypeVoice,
		},
	}
	return e.send(frame)
}

// SendPing transmits a keep-alive frame.
func (e *Endpoint) SendPing() error {
	return e.send(PingFrame{Header: Header{
		Seq:  e.seq.Load(),
		Type: TypePing,
	}})
}

func (e *Endpoint) send(f Frame) error {
	if _, err := e.tx.Write(Encode(f)); err != nil {
		return fmt.Errorf("usrp: send %s frame: %w", f.Hdr().Type, err)
	}
	return nil
}

// Close releases both sockets. Safe to call multiple times.
func (e *Endpoint) Close() error {
	var err error
	e.closeOnce.Do(func() {
		rxErr := e.rx.Close()
		txErr := e.tx.Close()
		if rxErr != nil {
			err = rxErr
		} else {
			err = txErr
		}
	})
	return err
}
