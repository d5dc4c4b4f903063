package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/vango-go/vai-interview/pkg/audio"
	"github.com/vango-go/vai-interview/pkg/gateway/live/engine"
	"github.com/vango-go/vai-interview/pkg/gateway/live/protocol"
	"github.com/vango-go/vai-interview/pkg/gateway/live/sessions"
	"github.com/vango-go/vai-interview/pkg/gateway/live/transcript"
	"github.com/vango-go/vai-interview/pkg/gateway/metrics"
	"github.com/vango-go/vai-interview/pkg/gateway/modes"
	"github.com/vango-go/vai-interview/pkg/gateway/store"
)

const outboundPriorityQueueSize = 8

var errBackpressure = errors.New("live outbound backpressure")

type State int32

const (
	StateIdle State = iota
	StateConnecting
	StateActive
	// StateInterrupted is held only while an agent turn is being torn down.
	StateInterrupted
	StateEnded
	StateErrored
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateInterrupted:
		return "interrupted"
	case StateEnded:
		return "ended"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s State) Terminal() bool {
	return s == StateEnded || s == StateErrored
}

type Config struct {
	MaxAudioFrameBytes         int
	MaxJSONMessageBytes        int64
	LiveMaxAudioFPS            int
	LiveMaxAudioBytesPerSecond int64
	LiveInboundBurstSeconds    int
	PingInterval               time.Duration
	WriteTimeout               time.Duration
	ReadTimeout                time.Duration
	HandshakeTimeout           time.Duration
	EngineOpenTimeout          time.Duration
	MaxSessionDuration         time.Duration
	StoreTimeout               time.Duration
	OutboundQueueSize          int
	// OutboundChunkBytes is the minimum size of an agent audio frame sent to
	// the client; smaller remainders go out on turn end or idle flush.
	OutboundChunkBytes    int
	OutboundFlushInterval time.Duration
	// EngineChunkBytes caps each PushAudio call.
	EngineChunkBytes int
}

// Conn is the server side of the client WebSocket. *websocket.Conn
// satisfies it.
type Conn interface {
	wsWriter
	ReadMessage() (messageType int, p []byte, err error)
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

type Dependencies struct {
	Conn        Conn
	Logger      *slog.Logger
	Engine      engine.Engine
	Modes       *modes.Catalog
	Transcripts *transcript.Assembler
	Store       store.Store
	// Persist runs store writes off the session goroutine. Nil runs them
	// inline.
	Persist    *sessions.Pool
	Metrics    *metrics.Metrics
	SessionID  string
	RequestID  string
	Config     Config
	StartTime  time.Time
	Now        func() time.Time
	NewEntryID func() string
}

// Coordinator owns one live interview session: it relays client audio and
// text to the engine, relays agent output back, fences interrupted turns and
// numbers transcript entries. All state changes happen on the Run goroutine.
type Coordinator struct {
	conn        Conn
	logger      *slog.Logger
	engine      engine.Engine
	modes       *modes.Catalog
	transcripts *transcript.Assembler
	store       store.Store
	persistPool *sessions.Pool
	metrics     *metrics.Metrics
	sessionID   string
	requestID   string
	cfg         Config
	startTime   time.Time
	now         func() time.Time
	newEntryID  func() string

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame
	endCh            chan string
	clock            *sessionClock

	state         atomic.Int32
	mode          atomic.Value // string
	fence         atomic.Int64
	agentTurn     atomic.Int64
	userTurn      atomic.Int64
	interruptions atomic.Int64
	staleDropped  atomic.Int64
	errorSent     atomic.Bool
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

// Stats is a point-in-time view of a session's counters.
type Stats struct {
	State         State
	Mode          string
	AgentTurn     int64
	UserTurn      int64
	Fence         int64
	Interruptions int64
	StaleDropped  int64
}

func New(deps Dependencies) (*Coordinator, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("connection is required")
	}
	if deps.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if deps.Modes == nil {
		deps.Modes = modes.Default()
	}
	if deps.Transcripts == nil {
		deps.Transcripts = transcript.NewAssembler()
	}
	if deps.Store == nil {
		deps.Store = store.Nop{}
	}
	if strings.TrimSpace(deps.SessionID) == "" {
		deps.SessionID = "s_" + uuid.NewString()
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Config.OutboundQueueSize <= 0 {
		deps.Config.OutboundQueueSize = 128
	}
	if deps.Config.OutboundChunkBytes <= 0 {
		deps.Config.OutboundChunkBytes = 4096
	}
	if deps.Config.OutboundFlushInterval <= 0 {
		deps.Config.OutboundFlushInterval = time.Second
	}
	if deps.Config.EngineChunkBytes <= 0 {
		deps.Config.EngineChunkBytes = 1024
	}
	if deps.Config.MaxAudioFrameBytes <= 0 {
		deps.Config.MaxAudioFrameBytes = 8192
	}
	if deps.Config.HandshakeTimeout <= 0 {
		deps.Config.HandshakeTimeout = 10 * time.Second
	}
	if deps.Config.EngineOpenTimeout <= 0 {
		deps.Config.EngineOpenTimeout = 10 * time.Second
	}
	if deps.Config.WriteTimeout <= 0 {
		deps.Config.WriteTimeout = 5 * time.Second
	}
	if deps.Config.StoreTimeout <= 0 {
		deps.Config.StoreTimeout = 5 * time.Second
	}
	if deps.StartTime.IsZero() {
		deps.StartTime = time.Now()
	}
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.NewEntryID == nil {
		deps.NewEntryID = uuid.NewString
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		conn:             deps.Conn,
		logger:           deps.Logger.With("session_id", deps.SessionID),
		engine:           deps.Engine,
		modes:            deps.Modes,
		transcripts:      deps.Transcripts,
		store:            deps.Store,
		persistPool:      deps.Persist,
		metrics:          deps.Metrics,
		sessionID:        deps.SessionID,
		requestID:        deps.RequestID,
		cfg:              deps.Config,
		startTime:        deps.StartTime,
		now:              deps.Now,
		newEntryID:       deps.NewEntryID,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, max(1, min(deps.Config.OutboundQueueSize, outboundPriorityQueueSize))),
		outboundNormal:   make(chan outboundFrame, deps.Config.OutboundQueueSize),
		endCh:            make(chan string, 1),
		clock:            newSessionClock(deps.StartTime, deps.Now),
	}
	c.mode.Store("")
	return c, nil
}

func (c *Coordinator) ID() string {
	return c.sessionID
}

func (c *Coordinator) State() State {
	return State(c.state.Load())
}

func (c *Coordinator) setState(s State) {
	c.state.Store(int32(s))
}

func (c *Coordinator) Mode() string {
	mode, _ := c.mode.Load().(string)
	return mode
}

func (c *Coordinator) Stats() Stats {
	return Stats{
		State:         c.State(),
		Mode:          c.Mode(),
		AgentTurn:     c.agentTurn.Load(),
		UserTurn:      c.userTurn.Load(),
		Fence:         c.fence.Load(),
		Interruptions: c.interruptions.Load(),
		StaleDropped:  c.staleDropped.Load(),
	}
}

func (c *Coordinator) Info() sessions.Info {
	return sessions.Info{
		ID:        c.sessionID,
		Mode:      c.Mode(),
		State:     c.State().String(),
		StartedAt: c.startTime,
	}
}

// Handle exposes the session to the process-wide tracker.
func (c *Coordinator) Handle() sessions.Handle {
	return sessions.Handle{
		Cancel: c.Cancel,
		End:    c.End,
		Warn:   c.SendWarning,
		Info:   c.Info,
	}
}

// End asks the session to end cleanly. Safe from any goroutine; calls after
// the first have no effect.
func (c *Coordinator) End(reason string) {
	if c == nil {
		return
	}
	select {
	case c.endCh <- reason:
	default:
	}
}

func (c *Coordinator) Cancel() {
	if c == nil || c.cancel == nil {
		return
	}
	c.cancel()
}

func (c *Coordinator) SendWarning(code, message string) error {
	if c == nil {
		return nil
	}
	return c.sendWarning(code, message)
}

// isFenced reports whether output of turnID must no longer reach the client.
func (c *Coordinator) isFenced(turnID int64) bool {
	return turnID <= c.fence.Load()
}

// Run drives the session until it ends. It returns nil when the session
// ended cleanly and the fatal error when it errored.
func (c *Coordinator) Run() error {
	defer c.cancel()
	c.metrics.RecordLiveSessionStart()

	if c.cfg.MaxJSONMessageBytes > 0 {
		c.conn.SetReadLimit(c.cfg.MaxJSONMessageBytes)
	}
	if c.cfg.ReadTimeout > 0 {
		_ = c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		c.conn.SetPongHandler(func(string) error {
			return c.conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		})
	}

	readCh := make(chan inboundFrame, 64)
	writerErrCh := make(chan error, 1)
	go c.readLoop(readCh)
	go func() {
		w := outboundWriter{
			ws:         c.conn,
			ctx:        c.ctx,
			cfg:        c.cfg,
			priority:   c.outboundPriority,
			normal:     c.outboundNormal,
			isCanceled: c.isFenced,
		}
		writerErrCh <- w.Run()
		close(writerErrCh)
	}()

	flushAndClose := func() {
		c.cancel()
		wait := 100 * time.Millisecond
		if c.cfg.WriteTimeout > 0 && c.cfg.WriteTimeout < wait {
			wait = c.cfg.WriteTimeout
		}
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-writerErrCh:
		case <-timer.C:
		}
	}

	r := newRun(c)
	defer r.stopTimers()

	handshake := time.NewTimer(c.cfg.HandshakeTimeout)
	defer handshake.Stop()
	r.handshakeC = handshake.C

	writerDone := (<-chan error)(writerErrCh)
	for !r.stopped {
		select {
		case <-c.ctx.Done():
			r.end("canceled")
		case reason := <-c.endCh:
			r.end(reason)
		case err, ok := <-writerDone:
			writerDone = nil
			if !ok || err == nil {
				r.end("transport_closed")
				continue
			}
			r.fail(protocol.KindTransport, fmt.Errorf("write: %w", err))
		case frame, ok := <-readCh:
			if !ok {
				readCh = nil
				continue
			}
			r.handleFrame(frame)
		case ev, ok := <-r.events:
			if !ok {
				r.events = nil
				r.fail(protocol.KindEngineSession, engine.ErrClosed)
				continue
			}
			r.handleEvent(ev)
		case <-r.flushC:
			r.flushC = nil
			r.flushAudio()
		case <-r.handshakeC:
			r.handshakeC = nil
			if c.State() == StateIdle {
				r.fail(protocol.KindHandshakeTimeout, fmt.Errorf("no create_session within %s", c.cfg.HandshakeTimeout))
			}
		case <-r.sessionC:
			r.sessionC = nil
			if c.errorSent.CompareAndSwap(false, true) {
				_ = c.sendJSONPriority(protocol.ServerError{
					Type:    protocol.TypeError,
					Kind:    protocol.KindSessionTimeout,
					Message: "maximum session duration reached",
					Fatal:   true,
				})
			}
			r.end(protocol.KindSessionTimeout)
		}
	}

	r.finish()
	flushAndClose()
	return r.err
}

// run is the actor state of one Run call. Only the Run goroutine touches it.
type run struct {
	c       *Coordinator
	es      engine.Session
	events  <-chan engine.Event
	limiter *inboundAudioLimiter
	agg     *audioAggregator

	flushTimer   *time.Timer
	flushC       <-chan time.Time
	handshakeC   <-chan time.Time
	sessionTimer *time.Timer
	sessionC     <-chan time.Time

	created     bool
	agentActive bool
	agentText   strings.Builder
	userOpen    bool
	userText    strings.Builder
	seq         int64
	outSeq      int64

	stopped bool
	final   State
	reason  string
	err     error
}

func newRun(c *Coordinator) *run {
	r := &run{
		c:          c,
		limiter:    newInboundAudioLimiter(c.now, c.cfg.LiveMaxAudioFPS, c.cfg.LiveMaxAudioBytesPerSecond, c.cfg.LiveInboundBurstSeconds),
		agg:        newAudioAggregator(c.cfg.OutboundChunkBytes),
		flushTimer: time.NewTimer(time.Hour),
		seq:        1,
	}
	r.flushTimer.Stop()
	return r
}

func (r *run) stopTimers() {
	r.flushTimer.Stop()
	if r.sessionTimer != nil {
		r.sessionTimer.Stop()
	}
}

func (r *run) end(reason string) {
	if r.stopped {
		return
	}
	r.stopped = true
	r.final = StateEnded
	r.reason = reason
}

// fail moves the session to Errored and surfaces kind to the client once.
func (r *run) fail(kind string, err error) {
	if r.stopped {
		return
	}
	c := r.c
	r.stopped = true
	r.final = StateErrored
	r.reason = kind
	r.err = fmt.Errorf("%s: %w", kind, err)
	c.logger.Warn("live session failed", "kind", kind, "error", err)
	if c.errorSent.CompareAndSwap(false, true) {
		_ = c.sendJSONPriority(protocol.ServerError{
			Type:    protocol.TypeError,
			Kind:    kind,
			Message: err.Error(),
			Fatal:   true,
		})
	}
}

// engineErr classifies an error returned by an engine call.
func (r *run) engineErr(op string, err error) {
	var turnErr *engine.TurnError
	if errors.As(err, &turnErr) {
		r.c.logger.Warn("engine turn failed", "op", op, "turn_id", turnErr.TurnID, "error", err)
		_ = r.c.sendWarning("engine_turn_error", err.Error())
		r.interrupt("turn_error", r.c.clock.NowMS())
		return
	}
	r.fail(protocol.KindEngineSession, fmt.Errorf("%s: %w", op, err))
}

func (r *run) handleFrame(f inboundFrame) {
	c := r.c
	if f.err != nil {
		if websocket.IsCloseError(f.err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
			r.end("client_closed")
			return
		}
		r.fail(protocol.KindTransport, fmt.Errorf("read: %w", f.err))
		return
	}
	if f.messageType != websocket.TextMessage {
		_ = c.sendWarning("unsupported_frame", "only JSON text frames are accepted")
		return
	}

	msg, err := protocol.DecodeClientMessage(f.data)
	if err != nil {
		var decErr *protocol.DecodeError
		if errors.As(err, &decErr) {
			_ = c.sendError(decErr.Code, decErr.Error())
		} else {
			_ = c.sendError(protocol.KindBadRequest, err.Error())
		}
		return
	}

	switch m := msg.(type) {
	case protocol.ClientCreateSession:
		r.create(m)
	case protocol.ClientAudioChunk:
		r.userAudio(m)
	case protocol.ClientTextMessage:
		r.userTextMessage(m)
	case protocol.ClientInterruption:
		c.clock.Observe(m.TimestampMS)
		if c.State() != StateActive {
			return
		}
		if !r.agentActive {
			c.logger.Debug("interruption with no agent turn in flight", "timestamp_ms", m.TimestampMS)
			return
		}
		r.interrupt("client", m.TimestampMS)
	case protocol.ClientAudioStreamEnd:
		if r.es == nil || c.State() != StateActive {
			return
		}
		r.closeUserTurn()
		if err := r.es.EndAudio(); err != nil {
			r.engineErr("end_audio", err)
		}
	case protocol.ClientEndSession:
		r.end("client_end")
	}
}

func (r *run) create(m protocol.ClientCreateSession) {
	c := r.c
	if c.State() != StateIdle {
		_ = c.sendWarning("session_exists", "session already created")
		return
	}
	mode, err := c.modes.Lookup(m.Mode)
	if err != nil {
		_ = c.sendError(protocol.KindUnknownMode, err.Error())
		return
	}

	c.setState(StateConnecting)
	c.mode.Store(mode.Key)
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.EngineOpenTimeout)
	es, err := c.engine.Open(ctx, engine.Config{
		Mode:              mode.Key,
		SystemInstruction: mode.SystemInstruction,
		InputSampleRate:   audio.Input.SampleRate,
		OutputSampleRate:  audio.Output.SampleRate,
		Voice:             mode.Voice,
	})
	cancel()
	if err != nil {
		r.fail(protocol.KindEngineOpen, err)
		return
	}

	r.es = es
	r.events = es.Events()
	r.created = true
	c.transcripts.Open(c.sessionID)
	r.handshakeC = nil
	c.setState(StateActive)

	rec := store.SessionRecord{ID: c.sessionID, Mode: mode.Key, Status: store.StatusActive, CreatedAt: c.now().UTC()}
	c.persist("create_session", func(ctx context.Context) error {
		return c.store.CreateSession(ctx, rec)
	})
	_ = c.sendJSON(protocol.ServerSessionCreated{
		Type:      protocol.TypeSessionCreated,
		SessionID: c.sessionID,
		Mode:      mode.Key,
		AudioIn:   wireFormat(audio.Input),
		AudioOut:  wireFormat(audio.Output),
	})
	if c.cfg.MaxSessionDuration > 0 {
		r.sessionTimer = time.NewTimer(c.cfg.MaxSessionDuration)
		r.sessionC = r.sessionTimer.C
	}
	c.logger.Info("live session created", "mode", mode.Key, "request_id", c.requestID)

	if prompt := strings.TrimSpace(mode.OpeningPrompt); prompt != "" {
		if err := es.PushText(prompt); err != nil {
			r.engineErr("push_text", err)
		}
	}
}

func wireFormat(f audio.Format) protocol.AudioFormat {
	return protocol.AudioFormat{Encoding: protocol.EncodingPCMS16LE, SampleRateHz: f.SampleRate, Channels: f.Channels}
}

func (r *run) userAudio(m protocol.ClientAudioChunk) {
	c := r.c
	if c.State() != StateActive {
		c.logger.Debug("audio before session is active dropped", "state", c.State())
		return
	}
	pcm, err := m.Decode()
	if err != nil {
		_ = c.sendWarning("bad_audio", err.Error())
		return
	}
	if len(pcm) == 0 {
		return
	}
	if len(pcm) > c.cfg.MaxAudioFrameBytes {
		_ = c.sendWarning("audio_frame_too_large", fmt.Sprintf("audio frame of %d bytes exceeds %d", len(pcm), c.cfg.MaxAudioFrameBytes))
		return
	}
	if len(pcm)%2 != 0 {
		_ = c.sendWarning("bad_audio", "audio frame is not whole 16-bit samples")
		return
	}
	if !r.limiter.Allow(len(pcm)) {
		c.logger.Debug("inbound audio rate limited", "bytes", len(pcm), "seq", m.Seq)
		return
	}

	if r.agentActive {
		r.interrupt("barge_in", c.clock.NowMS())
		if r.stopped {
			return
		}
	}
	r.openUserTurn()

	step := c.cfg.EngineChunkBytes
	for off := 0; off < len(pcm); off += step {
		end := min(off+step, len(pcm))
		if err := r.es.PushAudio(pcm[off:end]); err != nil {
			r.engineErr("push_audio", err)
			return
		}
	}
	c.metrics.RecordLiveAudio("in", len(pcm))
}

func (r *run) userTextMessage(m protocol.ClientTextMessage) {
	c := r.c
	if c.State() != StateActive {
		_ = c.sendWarning("session_not_active", "create a session before sending text")
		return
	}
	if r.agentActive {
		r.interrupt("text", c.clock.NowMS())
		if r.stopped {
			return
		}
	}
	r.closeUserTurn()
	c.userTurn.Add(1)
	text := strings.TrimSpace(m.Text)
	r.emit(transcript.SpeakerUser, text)
	if err := r.es.PushText(text); err != nil {
		r.engineErr("push_text", err)
	}
}

func (r *run) openUserTurn() {
	if r.userOpen {
		return
	}
	r.userOpen = true
	r.c.userTurn.Add(1)
}

// closeUserTurn ends the open spoken user turn and records what the engine
// transcribed of it.
func (r *run) closeUserTurn() {
	r.userOpen = false
	r.flushUserText()
}

func (r *run) flushUserText() {
	text := strings.TrimSpace(r.userText.String())
	r.userText.Reset()
	if text != "" {
		r.emit(transcript.SpeakerUser, text)
	}
}

func (r *run) handleEvent(ev engine.Event) {
	c := r.c
	switch ev.Kind {
	case engine.KindSessionError:
		err := ev.Err
		if err == nil {
			err = errors.New("engine reported a fatal error")
		}
		r.fail(protocol.KindEngineSession, err)
		return
	case engine.KindUserTranscript:
		r.userText.WriteString(ev.Text)
		return
	}

	if ev.TurnID > c.agentTurn.Load() {
		r.startAgentTurn(ev.TurnID)
	}
	if c.isFenced(ev.TurnID) || ev.TurnID < c.agentTurn.Load() || !r.agentActive {
		r.dropStale(ev)
		return
	}

	switch ev.Kind {
	case engine.KindAudio:
		for _, f := range r.agg.Add(ev.TurnID, ev.Audio) {
			if !r.sendAudio(f) {
				return
			}
		}
		r.armFlush()
	case engine.KindText:
		r.agentText.WriteString(ev.Text)
		err := c.sendTurnJSON(ev.TurnID, protocol.ServerTextMessage{
			Type:   protocol.TypeTextMessage,
			TurnID: ev.TurnID,
			Text:   ev.Text,
		})
		if errors.Is(err, errBackpressure) {
			r.interrupt("backpressure", c.clock.NowMS())
		}
	case engine.KindComplete:
		r.completeAgent()
	case engine.KindInterrupted:
		r.interrupt("engine", c.clock.NowMS())
	case engine.KindTurnError:
		c.logger.Warn("engine turn failed", "turn_id", ev.TurnID, "error", ev.Err)
		msg := "agent turn failed"
		if ev.Err != nil {
			msg = ev.Err.Error()
		}
		_ = c.sendWarning("engine_turn_error", msg)
		r.interrupt("turn_error", c.clock.NowMS())
	}
}

func (r *run) startAgentTurn(turnID int64) {
	if r.agentActive {
		r.completeAgent()
	}
	r.closeUserTurn()
	r.c.agentTurn.Store(turnID)
	r.agentActive = true
	r.agentText.Reset()
}

func (r *run) dropStale(ev engine.Event) {
	c := r.c
	c.staleDropped.Add(1)
	c.metrics.RecordStaleDelta(ev.Kind.String())
	c.logger.Debug("dropped stale engine delta",
		"turn_id", ev.TurnID,
		"kind", ev.Kind.String(),
		"fence", c.fence.Load(),
		"agent_turn", c.agentTurn.Load(),
	)
}

// completeAgent closes the authoritative turn normally.
func (r *run) completeAgent() {
	r.flushUserText()
	r.flushAudio()
	r.agentActive = false
	r.flushAgentText()
}

func (r *run) flushAgentText() {
	text := strings.TrimSpace(r.agentText.String())
	r.agentText.Reset()
	if text != "" {
		r.emit(transcript.SpeakerAgent, text)
	}
}

// interrupt fences the authoritative agent turn: the client is told to drop
// its playback, buffered audio is discarded and the engine abandons the turn.
func (r *run) interrupt(reason string, timestampMS int64) {
	if !r.agentActive {
		return
	}
	c := r.c
	turnID := c.agentTurn.Load()
	c.setState(StateInterrupted)
	c.fence.Store(turnID)
	r.agentActive = false
	r.agg.Reset()
	r.disarmFlush()

	_ = c.sendJSONPriority(protocol.ServerInterruption{
		Type:        protocol.TypeInterruption,
		TurnID:      turnID,
		TimestampMS: timestampMS,
		Reason:      reason,
	})
	c.interruptions.Add(1)
	c.metrics.RecordInterruption(reason)
	c.logger.Info("agent turn interrupted", "turn_id", turnID, "reason", reason, "timestamp_ms", timestampMS)

	r.flushUserText()
	r.flushAgentText()
	if err := r.es.AbandonTurn(); err != nil {
		if engine.IsSessionError(err) {
			r.fail(protocol.KindEngineSession, fmt.Errorf("abandon_turn: %w", err))
			return
		}
		c.logger.Warn("engine abandon turn failed", "turn_id", turnID, "error", err)
	}
	c.setState(StateActive)
}

func (r *run) sendAudio(f audioFrame) bool {
	c := r.c
	if len(f.data) == 0 {
		return true
	}
	r.outSeq++
	err := c.sendTurnJSON(f.turnID, protocol.ServerAudioChunk{
		Type:    protocol.TypeAudioChunk,
		TurnID:  f.turnID,
		Seq:     r.outSeq,
		DataB64: base64.StdEncoding.EncodeToString(f.data),
	})
	if errors.Is(err, errBackpressure) {
		c.logger.Warn("live outbound backpressure", "turn_id", f.turnID)
		r.interrupt("backpressure", c.clock.NowMS())
		return false
	}
	c.metrics.RecordLiveAudio("out", len(f.data))
	return true
}

func (r *run) flushAudio() {
	r.disarmFlush()
	if f, ok := r.agg.Flush(); ok {
		r.sendAudio(f)
	}
}

// armFlush restarts the idle flush while audio is held back.
func (r *run) armFlush() {
	if r.agg.Pending() == 0 {
		r.disarmFlush()
		return
	}
	r.flushTimer.Reset(r.c.cfg.OutboundFlushInterval)
	r.flushC = r.flushTimer.C
}

func (r *run) disarmFlush() {
	r.flushTimer.Stop()
	r.flushC = nil
}

// emit appends the next transcript entry and hands it to the client, the
// live feed and the store.
func (r *run) emit(speaker transcript.Speaker, text string) {
	c := r.c
	e := transcript.Entry{
		ID:        c.newEntryID(),
		SessionID: c.sessionID,
		Speaker:   speaker,
		Text:      text,
		Sequence:  r.seq,
		CreatedAt: c.now().UTC(),
	}
	if err := c.transcripts.Append(e); err != nil {
		c.logger.Error("transcript append failed", "sequence", e.Sequence, "error", err)
		return
	}
	r.seq++
	c.metrics.RecordTranscriptEntry(string(speaker))

	if err := c.sendJSONWait(protocol.ServerTranscriptEntry{
		Type:      protocol.TypeTranscriptEntry,
		ID:        e.ID,
		Speaker:   string(e.Speaker),
		Text:      e.Text,
		Sequence:  e.Sequence,
		CreatedAt: e.CreatedAt.Format(time.RFC3339Nano),
	}); err != nil {
		c.logger.Warn("transcript entry not sent", "sequence", e.Sequence, "error", err)
	}
	c.persist("append_transcript_entry", func(ctx context.Context) error {
		return c.store.AppendTranscriptEntry(ctx, e)
	})
}

func (r *run) finish() {
	c := r.c
	r.disarmFlush()
	r.agg.Reset()
	r.agentActive = false
	r.closeUserTurn()
	r.flushAgentText()

	c.setState(r.final)
	if r.es != nil {
		if err := r.es.Close(); err != nil {
			c.logger.Debug("engine session close failed", "error", err)
		}
	}
	c.transcripts.Close(c.sessionID, c.now())

	if r.created {
		status := store.StatusEnded
		if r.final == StateErrored {
			status = store.StatusErrored
		}
		reason, at := r.reason, c.now().UTC()
		c.persist("close_session", func(ctx context.Context) error {
			return c.store.CloseSession(ctx, c.sessionID, status, reason, at)
		})
	}
	if r.final == StateEnded {
		_ = c.sendJSONPriority(protocol.ServerSessionEnded{Type: protocol.TypeSessionEnded, Reason: r.reason})
	}

	duration := c.now().Sub(c.startTime)
	c.metrics.RecordLiveSessionEnd(c.Mode(), r.final.String(), duration)
	c.logger.Info("live session ended",
		"state", r.final.String(),
		"reason", r.reason,
		"mode", c.Mode(),
		"duration", duration,
		"user_turns", c.userTurn.Load(),
		"agent_turns", c.agentTurn.Load(),
		"interruptions", c.interruptions.Load(),
		"stale_dropped", c.staleDropped.Load(),
	)
}

// persist runs one store write on the session's worker. It is attempted
// once; failures are counted and logged.
func (c *Coordinator) persist(op string, fn func(ctx context.Context) error) {
	job := func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StoreTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			c.metrics.RecordStoreFailure(op)
			c.logger.Warn("store write failed", "op", op, "error", err)
		}
	}
	if err := c.persistPool.Submit(c.sessionID, job); err != nil {
		c.metrics.RecordStoreFailure(op)
		c.logger.Warn("store write dropped", "op", op, "error", err)
	}
}

func (c *Coordinator) sendWarning(code, message string) error {
	return c.sendJSON(protocol.ServerWarning{Type: protocol.TypeWarning, Code: code, Message: message})
}

// sendError reports a non-fatal error; fatal ones go through run.fail.
func (c *Coordinator) sendError(kind, message string) error {
	return c.sendJSON(protocol.ServerError{Type: protocol.TypeError, Kind: kind, Message: message})
}

func (c *Coordinator) sendJSON(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.enqueueNormal(outboundFrame{payload: payload})
}

func (c *Coordinator) sendJSONWait(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.enqueueNormalWait(outboundFrame{payload: payload})
}

func (c *Coordinator) sendJSONPriority(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.enqueuePriority(outboundFrame{payload: payload})
}

// sendTurnJSON queues agent output tagged with its turn.
func (c *Coordinator) sendTurnJSON(turnID int64, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return c.enqueueNormal(outboundFrame{turnID: turnID, payload: payload})
}

func (c *Coordinator) enqueueNormal(frame outboundFrame) error {
	if frame.turnID > 0 && c.isFenced(frame.turnID) {
		return nil
	}
	select {
	case c.outboundNormal <- frame:
		return nil
	default:
		return errBackpressure
	}
}

// enqueueNormalWait is enqueueNormal for frames that must not be lost to a
// momentarily full queue; it waits up to the write timeout.
func (c *Coordinator) enqueueNormalWait(frame outboundFrame) error {
	select {
	case c.outboundNormal <- frame:
		return nil
	default:
	}
	timer := time.NewTimer(c.cfg.WriteTimeout)
	defer timer.Stop()
	select {
	case c.outboundNormal <- frame:
		return nil
	case <-c.ctx.Done():
		return c.ctx.Err()
	case <-timer.C:
		return errBackpressure
	}
}

func (c *Coordinator) enqueuePriority(frame outboundFrame) error {
	for i := 0; i < 4; i++ {
		select {
		case c.outboundPriority <- frame:
			return nil
		default:
		}
		select {
		case <-c.outboundPriority:
		default:
		}
	}
	select {
	case c.outboundPriority <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (c *Coordinator) readLoop(out chan<- inboundFrame) {
	defer close(out)
	for {
		messageType, data, err := c.conn.ReadMessage()
		if err != nil {
			select {
			case out <- inboundFrame{err: err}:
			case <-c.ctx.Done():
			}
			return
		}
		select {
		case out <- inboundFrame{messageType: messageType, data: data}:
		case <-c.ctx.Done():
			return
		}
	}
}
