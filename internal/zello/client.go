package zello

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"go.opentelemetry.io/otel/metric"

	"github.com/kv9v/zellousrp/internal/observe"
)

// State is the connection phase of the channel session. Streaming activity
// is tracked separately — both directions can be active at once on top of
// [StateReady].
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateAuthenticating
	StateJoiningChannel
	StateReady
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAuthenticating:
		return "authenticating"
	case StateJoiningChannel:
		return "joining_channel"
	case StateReady:
		return "ready"
	default:
		return "unknown"
	}
}

// Conn is the narrow duplex byte-frame transport the client needs. It is
// satisfied by *websocket.Conn; tests inject fakes.
type Conn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// Dialer opens a Conn to the given endpoint.
type Dialer func(ctx context.Context, endpoint string) (Conn, error)

// DefaultDialer dials the endpoint with the standard WebSocket client.
func DefaultDialer(ctx context.Context, endpoint string) (Conn, error) {
	conn, _, err := websocket.Dial(ctx, endpoint, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// Event is the closed set of notifications the client delivers to its
// consumer: session lifecycle and the inbound stream lifecycle with audio.
type Event interface{ isEvent() }

// SessionUp reports that the session reached [StateReady]: authenticated
// and joined to the channel.
type SessionUp struct{}

// SessionDown reports that the session was lost. Both directions' streams
// are implicitly dead; the consumer must tear down its pipelines. The
// client reconnects on its own.
type SessionDown struct{ Err error }

// StreamStarted reports a remote talker opening an incoming stream.
type StreamStarted struct {
	StreamID uint32
	From     string
}

// StreamStopped reports the incoming stream ending, either by a stop event
// from the server or the inbound-silence timeout.
type StreamStopped struct{ StreamID uint32 }

// IncomingAudio carries one Opus frame of the active incoming stream.
type IncomingAudio struct {
	StreamID uint32
	PacketID uint32
	Opus     []byte
}

func (SessionUp) isEvent()     {}
func (SessionDown) isEvent()   {}
func (StreamStarted) isEvent() {}
func (StreamStopped) isEvent() {}
func (IncomingAudio) isEvent() {}

// ClientConfig parameterises a [Client].
type ClientConfig struct {
	// Endpoint is the WebSocket URL of the channel server.
	Endpoint string

	// Channel is the channel name to join.
	Channel string

	// Username and Password authenticate password mode. Username may also
	// accompany token mode.
	Username string
	Password string

	// PrivateKey and Issuer enable token mode. When PrivateKey is set the
	// client signs an RS256 token per session and refreshes it before
	// expiry; Password must be empty.
	PrivateKey *rsa.PrivateKey
	Issuer     string

	// OpusSampleRate is advertised in the outgoing stream codec header.
	OpusSampleRate int

	// InboundSilenceTimeout closes a stuck incoming stream when no audio
	// arrives for this long. Zero disables the guard.
	InboundSilenceTimeout time.Duration

	// Backoff and BackoffMax bound the reconnect delay. Backoff doubles
	// per failed session and resets after a session reaches ready.
	Backoff    time.Duration
	BackoffMax time.Duration

	// Dialer opens the transport. Defaults to [DefaultDialer].
	Dialer Dialer

	// Metrics receives session counters. Nil uses the process default.
	Metrics *observe.Metrics
}

// requestTimeout bounds how long command responses may take.
const requestTimeout = 5 * time.Second

// Client runs the channel session: it connects, authenticates, joins the
// channel, and keeps reconnecting for as long as its context lives. All
// session state is owned by the Run goroutine; other goroutines interact
// through StartStream/StopStream/SendAudio and the Events channel.
type Client struct {
	cfg     ClientConfig
	metrics *observe.Metrics
	events  chan Event

	// emitMu fences event delivery against the close of c.events: emitters
	// hold it shared, Run takes it exclusively before closing. A silence
	// timer callback can otherwise race shutdown and send on the closed
	// channel.
	emitMu       sync.RWMutex
	eventsClosed bool

	state atomic.Int32

	mu           sync.Mutex
	conn         Conn
	seq          uint32
	logonSeq     uint32
	pending      map[uint32]chan serverMessage
	refreshToken string
	tokenExpiry  time.Time
	outStreamID  uint32
	streamingOut bool
	inStreamID   uint32
	streamingIn  bool
	silenceTimer *time.Timer
}

// NewClient creates a client. Run must be called to establish the session.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("zello: endpoint is required")
	}
	if cfg.Channel == "" {
		return nil, errors.New("zello: channel is required")
	}
	if cfg.PrivateKey != nil && cfg.Password != "" {
		return nil, errors.New("zello: password and token auth are mutually exclusive")
	}
	if cfg.PrivateKey == nil && (cfg.Username == "" || cfg.Password == "") {
		return nil, errors.New("zello: password mode requires username and password")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = DefaultDialer
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observe.DefaultMetrics()
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = time.Second
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = time.Minute
	}
	return &Client{
		cfg:     cfg,
		metrics: cfg.Metrics,
		events:  make(chan Event, 64),
		pending: make(map[uint32]chan serverMessage),
	}, nil
}

// Events returns the event channel. It is closed when Run returns.
func (c *Client) Events() <-chan Event { return c.events }

// State returns the current connection phase.
func (c *Client) State() State { return State(c.state.Load()) }

// Streaming reports whether the outgoing and incoming stream directions
// are currently active.
func (c *Client) Streaming() (out, in bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.streamingOut, c.streamingIn
}

func (c *Client) setState(s State) {
	old := State(c.state.Swap(int32(s)))
	if old != s {
		slog.Debug("zello: state change", "from", old, "to", s)
	}
}

// Run maintains the session until ctx ends: connect, authenticate, join,
// relay messages, and on any failure reconnect with capped exponential
// backoff and jitter. The bridge's whole purpose is unattended operation,
// so retries never give up.
func (c *Client) Run(ctx context.Context) error {
	defer func() {
		c.emitMu.Lock()
		c.eventsClosed = true
		close(c.events)
		c.emitMu.Unlock()
	}()

	backoff := c.cfg.Backoff
	for {
		reachedReady, err := c.runSession(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.metrics.Reconnects.Add(ctx, 1)
		if errors.Is(err, ErrAuthRejected) {
			c.metrics.AuthFailures.Add(ctx, 1)
			slog.Error("zello: logon rejected, check credentials", "err", err, "retry_in", backoff)
		} else {
			slog.Warn("zello: session lost, reconnecting", "err", err, "retry_in", backoff)
		}
		c.emit(ctx, SessionDown{Err: err})

		if reachedReady {
			backoff = c.cfg.Backoff
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(withJitter(backoff)):
		}
		backoff = min(backoff*2, c.cfg.BackoffMax)
	}
}

// withJitter spreads a delay uniformly over [d/2, d] so a fleet of bridges
// does not hammer the server in lockstep after an outage.
func withJitter(d time.Duration) time.Duration {
	if d <= 1 {
		return d
	}
	return d/2 + rand.N(d/2)
}

// runSession drives one connection from dial to failure. It reports whether
// the session reached ready, which resets the reconnect backoff.
func (c *Client) runSession(ctx context.Context) (reachedReady bool, err error) {
	defer c.teardown(ctx)

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()

	c.setState(StateConnecting)
	conn, err := c.cfg.Dialer(sctx, c.cfg.Endpoint)
	if err != nil {
		return false, fmt.Errorf("zello: dial %s: %w", c.cfg.Endpoint, err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "session ended")

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	c.setState(StateAuthenticating)
	if err := c.sendLogon(sctx); err != nil {
		return false, err
	}

	if c.cfg.PrivateKey != nil {
		go c.refreshLoop(sctx)
	}

	for {
		typ, data, err := conn.Read(sctx)
		if err != nil {
			return reachedReady, fmt.Errorf("zello: read: %w", err)
		}

		switch typ {
		case websocket.MessageText:
			if err := c.handleText(sctx, data); err != nil {
				return reachedReady, err
			}
		case websocket.MessageBinary:
			c.handleBinary(sctx, data)
		}

		if c.State() == StateReady {
			reachedReady = true
		}
	}
}

// sendLogon authenticates the session. In token mode it prefers the refresh
// token granted by a previous logon and falls back to signing a fresh one.
func (c *Client) sendLogon(ctx context.Context) error {
	req := logonRequest{
		Command:  cmdLogon,
		Seq:      c.nextSeq(),
		Username: c.cfg.Username,
		Channels: []string{c.cfg.Channel},
	}

	if c.cfg.PrivateKey != nil {
		c.mu.Lock()
		refresh := c.refreshToken
		c.refreshToken = ""
		c.mu.Unlock()

		if refresh != "" {
			slog.Info("zello: authenticating with refresh token")
			req.RefreshToken = refresh
			c.mu.Lock()
			c.tokenExpiry = time.Now().Add(tokenTTL)
			c.mu.Unlock()
		} else {
			slog.Info("zello: authenticating with signed token", "issuer", c.cfg.Issuer)
			token, expiry, err := buildToken(c.cfg.PrivateKey, c.cfg.Issuer, time.Now())
			if err != nil {
				return err
			}
			req.AuthToken = token
			c.mu.Lock()
			c.tokenExpiry = expiry
			c.mu.Unlock()
		}
	} else {
		slog.Info("zello: authenticating with password", "username", c.cfg.Username)
		req.Password = c.cfg.Password
	}

	c.mu.Lock()
	c.logonSeq = req.Seq
	c.mu.Unlock()

	return c.writeJSON(ctx, req)
}

// refreshLoop re-authenticates before the signed token expires, while the
// outgoing direction is idle. Runs only in token mode.
func (c *Client) refreshLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		expiry := c.tokenExpiry
		c.mu.Unlock()

		wait := time.Until(expiry.Add(-tokenRefreshThreshold))
		if wait < time.Minute {
			wait = time.Minute
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		c.mu.Lock()
		streaming := c.streamingOut
		c.mu.Unlock()
		if streaming || c.State() != StateReady {
			continue
		}
		slog.Info("zello: auth token expiring soon, re-authenticating")
		if err := c.sendLogon(ctx); err != nil {
			slog.Warn("zello: token refresh failed", "err", err)
		}
	}
}

// handleText dispatches one JSON control frame. A non-nil return tears the
// session down.
func (c *Client) handleText(ctx context.Context, data []byte) error {
	var msg serverMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return fmt.Errorf("%w: bad json: %v", ErrProtocolViolation, err)
	}

	// Logon responses drive the state machine directly.
	c.mu.Lock()
	isLogon := msg.Seq != 0 && msg.Seq == c.logonSeq
	c.mu.Unlock()
	if isLogon {
		return c.handleLogonResponse(msg)
	}

	// Other seq-correlated responses go to their waiting caller.
	if ch := c.takePending(msg.Seq); ch != nil {
		ch <- msg
		return nil
	}

	switch msg.Command {
	case evtChannelStatus:
		if c.State() == StateJoiningChannel {
			c.setState(StateReady)
			slog.Info("zello: channel joined", "channel", c.cfg.Channel)
			c.emit(ctx, SessionUp{})
		}

	case evtStreamStart:
		c.beginInbound(ctx, msg.StreamID, msg.From)

	case evtStreamStop:
		c.endInbound(ctx, msg.StreamID)

	case evtError:
		return fmt.Errorf("zello: server error: %s", msg.Error)

	case "":
		if msg.Error != "" {
			return fmt.Errorf("zello: server error: %s", msg.Error)
		}
		if msg.Success && msg.StreamID != 0 {
			// A stream grant whose requester already timed out. Close it
			// server-side, or the channel stays busy until its own timeout.
			slog.Warn("zello: closing stream granted after request timeout", "stream_id", msg.StreamID)
			return c.writeJSON(ctx, stopStreamRequest{
				Command:  cmdStopStream,
				Seq:      c.nextSeq(),
				Channel:  c.cfg.Channel,
				StreamID: msg.StreamID,
			})
		}
		slog.Debug("zello: ignoring unaddressed response", "seq", msg.Seq)

	default:
		// Channel servers emit informational events this bridge does not
		// act on (texts, images, location). They are not errors.
		slog.Debug("zello: ignoring event", "command", msg.Command)
	}
	return nil
}

// handleLogonResponse completes authentication and moves to channel join.
func (c *Client) handleLogonResponse(msg serverMessage) error {
	if msg.Error != "" || !msg.Success {
		return fmt.Errorf("%w: %s", ErrAuthRejected, msg.Error)
	}

	c.mu.Lock()
	if msg.RefreshToken != "" {
		c.refreshToken = msg.RefreshToken
	}
	c.mu.Unlock()

	if c.State() == StateAuthenticating {
		slog.Info("zello: authenticated, joining channel", "channel", c.cfg.Channel)
		c.setState(StateJoiningChannel)
	}
	return nil
}

// handleBinary routes one media frame. Frames for anything but the active
// incoming stream are dropped without disturbing it.
func (c *Client) handleBinary(ctx context.Context, data []byte) {
	frame, err := decodeMediaFrame(data)
	if err != nil {
		slog.Debug("zello: dropping malformed media frame", "bytes", len(data), "err", err)
		c.metrics.CountDrop(ctx, observe.DirectionChannelToRadio, "malformed")
		return
	}
	if frame.Type != mediaTypeAudio {
		slog.Debug("zello: dropping non-audio media frame", "type", frame.Type)
		c.metrics.CountDrop(ctx, observe.DirectionChannelToRadio, "malformed")
		return
	}

	c.mu.Lock()
	active := c.streamingIn && frame.StreamID == c.inStreamID
	if active && c.silenceTimer != nil {
		c.silenceTimer.Reset(c.cfg.InboundSilenceTimeout)
	}
	c.mu.Unlock()

	if !active {
		slog.Debug("zello: dropping frame for unknown stream", "stream_id", frame.StreamID)
		c.metrics.CountDrop(ctx, observe.DirectionChannelToRadio, "unknown_stream")
		return
	}

	c.emit(ctx, IncomingAudio{StreamID: frame.StreamID, PacketID: frame.PacketID, Opus: frame.Payload})
}

// beginInbound opens the incoming stream and arms the silence guard.
func (c *Client) beginInbound(ctx context.Context, streamID uint32, from string) {
	c.mu.Lock()
	if c.streamingIn {
		// A new start without a stop: replace the stream cleanly.
		old := c.inStreamID
		c.mu.Unlock()
		c.endInbound(ctx, old)
		c.mu.Lock()
	}
	c.streamingIn = true
	c.inStreamID = streamID
	if c.cfg.InboundSilenceTimeout > 0 {
		c.silenceTimer = time.AfterFunc(c.cfg.InboundSilenceTimeout, func() {
			slog.Warn("zello: inbound stream silent, closing", "stream_id", streamID)
			c.endInbound(ctx, streamID)
		})
	}
	c.mu.Unlock()

	slog.Info("zello: incoming stream started", "stream_id", streamID, "from", from)
	c.metrics.ActiveStreams.Add(ctx, 1, metric.WithAttributes(observe.DirectionChannelToRadio))
	c.emit(ctx, StreamStarted{StreamID: streamID, From: from})
}

// endInbound closes the incoming stream if streamID is the active one.
func (c *Client) endInbound(ctx context.Context, streamID uint32) {
	c.mu.Lock()
	if !c.streamingIn || c.inStreamID != streamID {
		c.mu.Unlock()
		return
	}
	c.streamingIn = false
	c.inStreamID = 0
	if c.silenceTimer != nil {
		c.silenceTimer.Stop()
		c.silenceTimer = nil
	}
	c.mu.Unlock()

	slog.Info("zello: incoming stream stopped", "stream_id", streamID)
	c.metrics.ActiveStreams.Add(ctx, -1, metric.WithAttributes(observe.DirectionChannelToRadio))
	c.emit(ctx, StreamStopped{StreamID: streamID})
}

// StartStream asks the server to open the outgoing stream and waits for the
// assigned stream id. At most one outgoing stream is active; a second start
// while one is open is an error.
func (c *Client) StartStream(ctx context.Context) (uint32, error) {
	if c.State() != StateReady {
		return 0, fmt.Errorf("zello: cannot start stream in state %s", c.State())
	}
	c.mu.Lock()
	if c.streamingOut {
		id := c.outStreamID
		c.mu.Unlock()
		return 0, fmt.Errorf("zello: outgoing stream %d already active", id)
	}
	c.mu.Unlock()

	req := startStreamRequest{
		Command:        cmdStartStream,
		Seq:            c.nextSeq(),
		Channel:        c.cfg.Channel,
		Type:           "audio",
		Codec:          "opus",
		CodecHeader:    codecHeader(c.cfg.OpusSampleRate, 1, 20),
		PacketDuration: 20,
	}

	resp, err := c.request(ctx, req.Seq, req)
	if err != nil {
		return 0, fmt.Errorf("zello: start stream: %w", err)
	}
	if !resp.Success || resp.StreamID == 0 {
		return 0, fmt.Errorf("zello: start stream refused: %s", resp.Error)
	}

	c.mu.Lock()
	c.streamingOut = true
	c.outStreamID = resp.StreamID
	c.mu.Unlock()

	slog.Info("zello: outgoing stream started", "stream_id", resp.StreamID)
	c.metrics.ActiveStreams.Add(ctx, 1, metric.WithAttributes(observe.DirectionRadioToChannel))
	return resp.StreamID, nil
}

// StopStream closes the outgoing stream. The stop command is fire and
// forget, matching how channel servers treat it.
func (c *Client) StopStream(ctx context.Context) error {
	c.mu.Lock()
	if !c.streamingOut {
		c.mu.Unlock()
		return nil
	}
	id := c.outStreamID
	c.streamingOut = false
	c.outStreamID = 0
	c.mu.Unlock()

	slog.Info("zello: outgoing stream stopped", "stream_id", id)
	c.metrics.ActiveStreams.Add(ctx, -1, metric.WithAttributes(observe.DirectionRadioToChannel))

	return c.writeJSON(ctx, stopStreamRequest{
		Command:  cmdStopStream,
		Seq:      c.nextSeq(),
		Channel:  c.cfg.Channel,
		StreamID: id,
	})
}

// SendAudio transmits one Opus frame on the outgoing stream.
func (c *Client) SendAudio(ctx context.Context, streamID, packetID uint32, opus []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("zello: not connected")
	}
	return conn.Write(ctx, websocket.MessageBinary, encodeMediaFrame(streamID, packetID, opus))
}

// request sends a command and waits for its seq-matched response.
func (c *Client) request(ctx context.Context, seq uint32, req any) (serverMessage, error) {
	ch := make(chan serverMessage, 1)
	c.mu.Lock()
	c.pending[seq] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, seq)
		c.mu.Unlock()
	}()

	if err := c.writeJSON(ctx, req); err != nil {
		return serverMessage{}, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return serverMessage{}, errors.New("session ended")
		}
		return resp, nil
	case <-time.After(requestTimeout):
		return serverMessage{}, errors.New("timed out waiting for response")
	case <-ctx.Done():
		return serverMessage{}, ctx.Err()
	}
}

// takePending removes and returns the waiter for seq, if any.
func (c *Client) takePending(seq uint32) chan serverMessage {
	if seq == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := c.pending[seq]
	delete(c.pending, seq)
	return ch
}

// writeJSON marshals and sends one control frame.
func (c *Client) writeJSON(ctx context.Context, v any) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("zello: not connected")
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("zello: marshal: %w", err)
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

// nextSeq returns the next command sequence number, starting at 1.
func (c *Client) nextSeq() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seq++
	return c.seq
}

// teardown resets all session state after a connection is lost. Waiters on
// in-flight requests are released, both stream directions are closed, and
// the state returns to disconnected.
func (c *Client) teardown(ctx context.Context) {
	c.setState(StateDisconnected)

	c.mu.Lock()
	c.conn = nil
	c.logonSeq = 0
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
	outWasActive := c.streamingOut
	c.streamingOut = false
	c.outStreamID = 0
	inWasActive := c.streamingIn
	inID := c.inStreamID
	c.streamingIn = false
	c.inStreamID = 0
	if c.silenceTimer != nil {
		c.silenceTimer.Stop()
		c.silenceTimer = nil
	}
	c.mu.Unlock()

	if outWasActive {
		c.metrics.ActiveStreams.Add(ctx, -1, metric.WithAttributes(observe.DirectionRadioToChannel))
	}
	if inWasActive {
		c.metrics.ActiveStreams.Add(ctx, -1, metric.WithAttributes(observe.DirectionChannelToRadio))
		c.emit(ctx, StreamStopped{StreamID: inID})
	}
}

// emit delivers an event, giving up when ctx ends or the client has shut
// down. Run only closes the events channel once ctx is canceled, so an
// emitter blocked on a full channel cannot hold the shared lock for long.
func (c *Client) emit(ctx context.Context, ev Event) {
	c.emitMu.RLock()
	defer c.emitMu.RUnlock()
	if c.eventsClosed {
		return
	}
	select {
	case c.events <- ev:
	case <-ctx.Done():
	}
}
