// Package client is the interview session layer on the user's side of the
// WebSocket. It feeds agent audio to a playback pipeline, discards audio of
// interrupted turns, and carries capture output to the server without
// blocking the capture thread.
package client

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-interview/pkg/audio"
	"github.com/vango-go/vai-interview/pkg/gateway/live/protocol"
)

var (
	ErrClosed     = errors.New("client closed")
	ErrQueueFull  = errors.New("outbound queue full")
	ErrNotCreated = errors.New("session not created")
)

// ServerError is a fatal error frame reported by the server.
type ServerError struct {
	Kind    string
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error: %s (%s)", e.Message, e.Kind)
}

// Player is the playback side. *playback.Pipeline satisfies it.
type Player interface {
	Push(chunk []byte)
	Flush()
	Interrupt()
}

// Events are optional callbacks, invoked on the read goroutine.
type Events struct {
	OnSessionCreated func(protocol.ServerSessionCreated)
	OnTranscript     func(protocol.ServerTranscriptEntry)
	OnAgentText      func(turnID int64, text string)
	OnInterruption   func(turnID int64)
	OnWarning        func(protocol.ServerWarning)
}

type Options struct {
	Logger *slog.Logger
	Player Player
	Events Events

	Header           http.Header
	Dialer           *websocket.Dialer
	QueueSize        int
	WriteTimeout     time.Duration
	HandshakeTimeout time.Duration
}

// wsConn is the subset of *websocket.Conn the client uses.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

type Stats struct {
	AudioSent    int64
	AudioDropped int64
	AudioPlayed  int64
	StaleDropped int64
}

type outbound struct {
	data []byte
}

type Client struct {
	conn   wsConn
	logger *slog.Logger
	player Player
	events Events

	writeTimeout     time.Duration
	handshakeTimeout time.Duration

	out       chan outbound
	closed    chan struct{}
	closeOnce sync.Once
	endOnce   sync.Once
	writerErr atomic.Value

	// playMu orders fence checks with player calls: admitted audio is
	// pushed before any later Interrupt, never after.
	playMu sync.Mutex

	mu        sync.Mutex
	sessionID string
	lastTurn  int64
	fence     int64
	ended     bool

	audioSent    atomic.Int64
	audioDropped atomic.Int64
	audioPlayed  atomic.Int64
	staleDropped atomic.Int64
}

// Dial connects to the live endpoint under baseURL. http(s) URLs are
// rewritten to ws(s).
func Dial(ctx context.Context, baseURL string, opts Options) (*Client, error) {
	wsURL, err := LiveURL(baseURL)
	if err != nil {
		return nil, err
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, resp, err := dialer.DialContext(ctx, wsURL, opts.Header)
	if resp != nil && resp.Body != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", wsURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	return newClient(conn, opts), nil
}

func newClient(conn wsConn, opts Options) *Client {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 64
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 5 * time.Second
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = 10 * time.Second
	}
	c := &Client{
		conn:             conn,
		logger:           opts.Logger,
		player:           opts.Player,
		events:           opts.Events,
		writeTimeout:     opts.WriteTimeout,
		handshakeTimeout: opts.HandshakeTimeout,
		out:              make(chan outbound, opts.QueueSize),
		closed:           make(chan struct{}),
	}
	go c.writeLoop()
	return c
}

// LiveURL maps a server base URL to its /v1/live WebSocket URL.
func LiveURL(base string) (string, error) {
	raw := strings.TrimSpace(base)
	if raw == "" {
		return "", errors.New("empty server url")
	}
	if !strings.Contains(raw, "://") {
		raw = "http://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/v1/live"
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}

// Create asks the server for a session in mode and waits for the
// acknowledgement. It must be called before Run.
func (c *Client) Create(ctx context.Context, mode string) (protocol.ServerSessionCreated, error) {
	if err := c.sendControl(ctx, protocol.ClientCreateSession{Type: protocol.TypeCreateSession, Mode: mode}); err != nil {
		return protocol.ServerSessionCreated{}, err
	}

	deadline := time.Now().Add(c.handshakeTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = c.conn.SetReadDeadline(deadline)
	defer func() { _ = c.conn.SetReadDeadline(time.Time{}) }()

	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			return protocol.ServerSessionCreated{}, fmt.Errorf("await session_created: %w", err)
		}
		if typ != websocket.TextMessage {
			continue
		}
		msg, err := protocol.DecodeServerMessage(data)
		if err != nil {
			c.logger.Debug("ignoring server frame", "error", err)
			continue
		}
		switch m := msg.(type) {
		case protocol.ServerSessionCreated:
			c.mu.Lock()
			c.sessionID = m.SessionID
			c.mu.Unlock()
			if c.events.OnSessionCreated != nil {
				c.events.OnSessionCreated(m)
			}
			return m, nil
		case protocol.ServerError:
			return protocol.ServerSessionCreated{}, &ServerError{Kind: m.Kind, Message: m.Message}
		case protocol.ServerWarning:
			c.onWarning(m)
		}
	}
}

// Run reads server frames until the session ends. It returns nil after
// session_ended, a *ServerError after an error frame, and ErrClosed when
// Close was called locally.
func (c *Client) Run(ctx context.Context) error {
	c.mu.Lock()
	created := c.sessionID != ""
	c.mu.Unlock()
	if !created {
		return ErrNotCreated
	}

	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()

	for {
		typ, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case <-c.closed:
				if ctx.Err() != nil {
					return ctx.Err()
				}
				if c.isEnded() {
					return nil
				}
				return ErrClosed
			default:
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) && c.isEnded() {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if typ != websocket.TextMessage {
			c.logger.Debug("ignoring binary frame", "bytes", len(data))
			continue
		}
		done, err := c.dispatch(data)
		if err != nil || done {
			return err
		}
	}
}

func (c *Client) dispatch(data []byte) (done bool, err error) {
	msg, err := protocol.DecodeServerMessage(data)
	if err != nil {
		c.logger.Debug("bad server frame", "error", err)
		return false, nil
	}
	switch m := msg.(type) {
	case protocol.ServerAudioChunk:
		c.onAudio(m)
	case protocol.ServerTextMessage:
		if !c.admit(m.TurnID) {
			return false, nil
		}
		if c.events.OnAgentText != nil {
			c.events.OnAgentText(m.TurnID, m.Text)
		}
	case protocol.ServerInterruption:
		c.interruptTurn(m.TurnID)
		if c.events.OnInterruption != nil {
			c.events.OnInterruption(m.TurnID)
		}
	case protocol.ServerTranscriptEntry:
		// An agent entry closes the turn; play the tail without waiting.
		if m.Speaker == "agent" && c.player != nil {
			c.player.Flush()
		}
		if c.events.OnTranscript != nil {
			c.events.OnTranscript(m)
		}
	case protocol.ServerWarning:
		c.onWarning(m)
	case protocol.ServerError:
		c.logger.Warn("server error", "kind", m.Kind, "message", m.Message)
		return true, &ServerError{Kind: m.Kind, Message: m.Message}
	case protocol.ServerSessionEnded:
		c.mu.Lock()
		c.ended = true
		c.mu.Unlock()
		c.logger.Info("session ended", "reason", m.Reason)
		return true, nil
	}
	return false, nil
}

func (c *Client) onAudio(m protocol.ServerAudioChunk) {
	data, err := m.Decode()
	if err != nil {
		c.logger.Debug("bad audio chunk", "turn_id", m.TurnID, "error", err)
		return
	}

	c.playMu.Lock()
	defer c.playMu.Unlock()
	if !c.admit(m.TurnID) {
		c.staleDropped.Add(1)
		c.logger.Debug("dropping audio of interrupted turn", "turn_id", m.TurnID, "seq", m.Seq)
		return
	}
	if len(data) == 0 || c.player == nil {
		return
	}
	c.player.Push(data)
	c.audioPlayed.Add(int64(len(data)))
}

// admit reports whether output of turnID may still be played and records
// it as the latest turn seen.
func (c *Client) admit(turnID int64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if turnID <= c.fence {
		return false
	}
	c.lastTurn = max(c.lastTurn, turnID)
	return true
}

// interruptTurn fences turnID and every older turn, then discards
// everything the player holds. A negative turnID fences the latest turn
// seen so far.
func (c *Client) interruptTurn(turnID int64) {
	c.playMu.Lock()
	defer c.playMu.Unlock()
	c.mu.Lock()
	if turnID < 0 {
		turnID = c.lastTurn
	}
	c.fence = max(c.fence, turnID)
	c.mu.Unlock()
	if c.player != nil {
		c.player.Interrupt()
	}
}

func (c *Client) onWarning(w protocol.ServerWarning) {
	c.logger.Warn("server warning", "code", w.Code, "message", w.Message)
	if c.events.OnWarning != nil {
		c.events.OnWarning(w)
	}
}

// SendInterruption cancels agent output locally and tells the server the
// user started talking. No acknowledgement is awaited.
func (c *Client) SendInterruption(at time.Time) error {
	c.interruptTurn(-1)
	return c.sendControl(context.Background(), protocol.ClientInterruption{Type: protocol.TypeInterruption, TimestampMS: at.UnixMilli()})
}

// SendAudio enqueues one capture chunk. It never blocks; a full queue
// drops the chunk.
func (c *Client) SendAudio(chunk audio.Chunk) error {
	data, err := json.Marshal(protocol.ClientAudioChunk{
		Type:    protocol.TypeAudioChunk,
		Seq:     chunk.Seq,
		DataB64: base64.StdEncoding.EncodeToString(chunk.Data),
	})
	if err != nil {
		return err
	}
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.out <- outbound{data: data}:
		c.audioSent.Add(1)
		return nil
	default:
		c.audioDropped.Add(1)
		return ErrQueueFull
	}
}

func (c *Client) SendAudioEnd() error {
	return c.sendControl(context.Background(), protocol.ClientAudioStreamEnd{Type: protocol.TypeAudioStreamEnd})
}

func (c *Client) SendText(ctx context.Context, text string) error {
	return c.sendControl(ctx, protocol.ClientTextMessage{Type: protocol.TypeTextMessage, Text: text})
}

// End asks the server to end the session. Repeated calls are no-ops.
func (c *Client) End(ctx context.Context) error {
	var err error
	c.endOnce.Do(func() {
		err = c.sendControl(ctx, protocol.ClientEndSession{Type: protocol.TypeEndSession})
	})
	return err
}

// Close drops the connection without a goodbye. It is idempotent.
func (c *Client) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		err = c.conn.Close()
	})
	return err
}

func (c *Client) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Client) Stats() Stats {
	return Stats{
		AudioSent:    c.audioSent.Load(),
		AudioDropped: c.audioDropped.Load(),
		AudioPlayed:  c.audioPlayed.Load(),
		StaleDropped: c.staleDropped.Load(),
	}
}

// sendControl enqueues a control frame behind any queued audio. Unlike
// audio it waits for queue space.
func (c *Client) sendControl(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if err := c.writeErr(); err != nil {
		return err
	}
	select {
	case c.out <- outbound{data: data}:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.closed:
			return
		case msg := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg.data); err != nil {
				c.writerErr.Store(fmt.Errorf("write: %w", err))
				c.logger.Warn("websocket write failed", "error", err)
				_ = c.Close()
				return
			}
		}
	}
}

func (c *Client) writeErr() error {
	if err, ok := c.writerErr.Load().(error); ok {
		return err
	}
	return nil
}

func (c *Client) isEnded() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ended
}
