package live

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/antoniostano/livecall/internal/audio"
	"github.com/antoniostano/livecall/internal/logging"
	"github.com/antoniostano/livecall/internal/observability"
	"github.com/antoniostano/livecall/internal/protocol"
	"github.com/antoniostano/livecall/internal/reliability"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// DefaultURL is the Gemini Live bidirectional endpoint.
const DefaultURL = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1beta.GenerativeService.BidiGenerateContent"

const (
	defaultSetupTimeout     = 10 * time.Second
	defaultHandshakeTimeout = 8 * time.Second
	defaultWriteTimeout     = 3 * time.Second
	defaultSendQueue        = 64
	maxCloseReasonBytes     = 123
)

var (
	ErrNotOpen      = errors.New("live connection is not open")
	ErrSetupTimeout = errors.New("setup timed out")
)

// Callbacks receive incoming events. They run on the connection's reader
// goroutine in frame arrival order, except OnError for a setup timeout which
// runs on the timer goroutine. At most one of OnError and OnClose fires per
// connection.
type Callbacks struct {
	OnOpen               func()
	OnAIText             func(text string)
	OnAIAudioChunk       func(pcm []byte, mimeType string)
	OnUserTranscription  func(text string, final bool)
	OnModelTranscription func(text string, final bool)
	OnAIInterrupted      func()
	OnTurnComplete       func()
	OnGoAway             func(timeLeft string)
	OnError              func(err error)
	OnClose              func(code int, reason string, clean bool)
}

type Config struct {
	URL              string
	APIKey           string
	Header           http.Header
	SetupTimeout     time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	SendQueue        int
	InputSampleRate  int
	Metrics          *observability.Metrics
	Logger           zerolog.Logger

	// OnStateChange observes every accepted transition. It runs with the
	// client lock held and must not call back into the Client.
	OnStateChange func(from, to State)
}

// Client owns one streaming connection at a time.
type Client struct {
	cfg       Config
	dialer    websocket.Dialer
	log       zerolog.Logger
	inputMIME string

	mu    sync.Mutex
	state State
	conn  *connection
}

type outbound struct {
	data []byte
	typ  protocol.MessageType
}

type connection struct {
	ws   *websocket.Conn
	cb   Callbacks
	out  chan outbound
	done chan struct{}

	closeOnce  sync.Once
	finishOnce sync.Once

	// Guarded by Client.mu.
	setupTimer  *time.Timer
	openedAt    time.Time
	closeReason string
}

func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultURL
	}
	if cfg.SetupTimeout <= 0 {
		cfg.SetupTimeout = defaultSetupTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.SendQueue <= 0 {
		cfg.SendQueue = defaultSendQueue
	}
	if cfg.InputSampleRate <= 0 {
		cfg.InputSampleRate = audio.DefaultCaptureRate
	}
	return &Client{
		cfg: cfg,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		log:       logging.Component(cfg.Logger, "live"),
		inputMIME: audio.MIMEForRate(cfg.InputSampleRate),
		state:     StateDisconnected,
	}
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect dials the server, sends the Setup frame and arms the setup timer.
// A nil error means the attempt was initiated; success is reported through
// cb.OnOpen once SetupComplete arrives.
func (c *Client) Connect(ctx context.Context, setup protocol.SetupConfig, cb Callbacks) error {
	frame, err := protocol.EncodeSetup(setup)
	if err != nil {
		return reliability.Setup("live.connect", err)
	}

	c.mu.Lock()
	if c.state != StateDisconnected && !c.state.Terminal() {
		st := c.state
		c.mu.Unlock()
		return reliability.State("live.connect", fmt.Errorf("client is %s", st))
	}
	c.conn = nil
	c.transitionLocked(StateConnecting)
	c.mu.Unlock()

	ws, resp, err := c.dialer.DialContext(ctx, c.cfg.URL, c.header())
	if err != nil {
		c.abandonDial()
		if resp != nil {
			return reliability.Connection("live.dial", fmt.Errorf("dial failed (%s): %w", resp.Status, err))
		}
		return reliability.Connection("live.dial", fmt.Errorf("dial failed: %w", err))
	}

	conn := &connection{
		ws:   ws,
		cb:   cb,
		out:  make(chan outbound, c.cfg.SendQueue),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	if c.state != StateConnecting {
		c.mu.Unlock()
		_ = ws.Close()
		c.abandonDial()
		return reliability.Connection("live.connect", errors.New("connection closed while dialing"))
	}
	c.conn = conn
	c.transitionLocked(StateAwaitingSetup)
	c.mu.Unlock()

	if err := writeFrame(ws, frame, c.cfg.WriteTimeout); err != nil {
		c.mu.Lock()
		if c.conn == conn && !c.state.Terminal() {
			c.transitionLocked(StateError)
		}
		c.mu.Unlock()
		conn.shutdown()
		return reliability.Connection("live.setup", fmt.Errorf("write setup: %w", err))
	}
	c.cfg.Metrics.Frame("out", string(protocol.TypeSetup))

	c.mu.Lock()
	conn.openedAt = time.Now()
	conn.setupTimer = time.AfterFunc(c.cfg.SetupTimeout, func() { c.setupExpired(conn) })
	c.mu.Unlock()

	go c.writeLoop(conn)
	go c.readLoop(conn)
	c.log.Info().Str("model", setup.Model).Msg("setup sent")
	return nil
}

// SendClientText sends one completed user text turn.
func (c *Client) SendClientText(text string) error {
	frame, err := protocol.EncodeClientText(text)
	if err != nil {
		return reliability.Protocol("live.send_text", err)
	}
	return c.enqueue("live.send_text", outbound{data: frame, typ: protocol.TypeClientContent})
}

// SendStreamEnd tells the server the user's audio stream paused.
func (c *Client) SendStreamEnd() error {
	frame, err := protocol.EncodeStreamEnd()
	if err != nil {
		return reliability.Protocol("live.stream_end", err)
	}
	return c.enqueue("live.stream_end", outbound{data: frame, typ: protocol.TypeStreamEnd})
}

// SendRealtimeAudio forwards PCM16LE microphone audio. Audio is dropped when
// the connection is not open or the send queue is full.
func (c *Client) SendRealtimeAudio(pcm []byte) {
	if len(pcm) == 0 {
		return
	}
	conn := c.openConn()
	if conn == nil {
		c.cfg.Metrics.AudioDropped("send_not_open")
		return
	}
	frame, err := protocol.EncodeRealtimeAudio(pcm, c.inputMIME)
	if err != nil {
		c.cfg.Metrics.AudioDropped("send_encode")
		return
	}
	select {
	case conn.out <- outbound{data: frame, typ: protocol.TypeRealtimeAudio}:
	default:
		c.cfg.Metrics.AudioDropped("send_queue_full")
	}
}

// CloseConnection sends a normal close frame and releases the socket. It is
// safe to call repeatedly and from callbacks.
func (c *Client) CloseConnection(reason string) {
	c.mu.Lock()
	conn := c.conn
	switch {
	case c.state == StateConnecting:
		// Dial in flight; Connect finishes the close once it returns.
		c.transitionLocked(StateClosing)
		c.mu.Unlock()
		return
	case conn == nil || c.state.Terminal() || c.state == StateClosing || c.state == StateDisconnected:
		c.mu.Unlock()
		return
	}
	c.transitionLocked(StateClosing)
	conn.closeReason = reason
	conn.stopSetupTimer()
	c.mu.Unlock()

	c.log.Info().Str("reason", reason).Msg("closing connection")
	conn.closeGracefully(reason, c.cfg.WriteTimeout)
}

func (c *Client) header() http.Header {
	h := http.Header{}
	for k, v := range c.cfg.Header {
		h[k] = append([]string(nil), v...)
	}
	if c.cfg.APIKey != "" {
		h.Set("x-goog-api-key", c.cfg.APIKey)
	}
	return h
}

func (c *Client) abandonDial() {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateClosing:
		c.transitionLocked(StateClosed)
	case StateConnecting:
		c.transitionLocked(StateError)
	}
}

func (c *Client) openConn() *connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateOpen {
		return nil
	}
	return c.conn
}

func (c *Client) isOpen(conn *connection) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn == conn && c.state == StateOpen
}

func (c *Client) enqueue(op string, f outbound) error {
	conn := c.openConn()
	if conn == nil {
		return reliability.State(op, ErrNotOpen)
	}
	select {
	case conn.out <- f:
		return nil
	case <-conn.done:
		return reliability.State(op, ErrNotOpen)
	}
}

func (c *Client) transitionLocked(to State) bool {
	from := c.state
	if !canTransition(from, to) {
		c.log.Warn().Str("from", string(from)).Str("to", string(to)).Msg("refusing illegal transition")
		return false
	}
	c.state = to
	c.log.Debug().Str("from", string(from)).Str("to", string(to)).Msg("state")
	if c.cfg.OnStateChange != nil {
		c.cfg.OnStateChange(from, to)
	}
	return true
}

func (c *Client) writeLoop(conn *connection) {
	for {
		select {
		case <-conn.done:
			return
		case f := <-conn.out:
			if err := writeFrame(conn.ws, f.data, c.cfg.WriteTimeout); err != nil {
				c.fail(conn, reliability.Connection("live.write", err))
				return
			}
			c.cfg.Metrics.Frame("out", string(f.typ))
		}
	}
}

func (c *Client) readLoop(conn *connection) {
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			c.handleReadError(conn, err)
			return
		}
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			c.cfg.Metrics.Frame("in", "unreadable")
			c.log.Warn().Err(err).Int("bytes", len(data)).Msg("dropping unreadable frame")
			continue
		}
		c.cfg.Metrics.Frame("in", string(msg.Type()))
		c.dispatch(conn, msg)
	}
}

func (c *Client) dispatch(conn *connection, msg protocol.ServerMessage) {
	cb := conn.cb
	switch m := msg.(type) {
	case protocol.SetupComplete:
		c.mu.Lock()
		if c.conn != conn || c.state != StateAwaitingSetup {
			c.mu.Unlock()
			c.log.Debug().Msg("ignoring unexpected setupComplete")
			return
		}
		conn.stopSetupTimer()
		c.transitionLocked(StateOpen)
		latency := time.Since(conn.openedAt)
		c.mu.Unlock()
		c.cfg.Metrics.ObserveSetupLatency(latency)
		c.log.Info().Dur("latency", latency).Msg("setup complete")
		if cb.OnOpen != nil {
			cb.OnOpen()
		}
	case protocol.ServerContent:
		if !c.isOpen(conn) {
			return
		}
		c.dispatchContent(cb, m)
	case protocol.ToolCall:
		c.log.Info().Strs("functions", m.Names).Msg("ignoring tool call")
	case protocol.ToolCallCancellation:
		c.log.Debug().Strs("ids", m.IDs).Msg("ignoring tool call cancellation")
	case protocol.GoAway:
		c.log.Warn().Str("time_left", m.TimeLeft).Msg("server going away")
		if cb.OnGoAway != nil {
			cb.OnGoAway(m.TimeLeft)
		}
	case protocol.Usage:
	case protocol.ErrorMessage:
		err := fmt.Errorf("server error %d: %s", m.Code, m.Message)
		if m.Code == 0 {
			err = errors.New(m.Message)
		}
		c.fail(conn, reliability.Protocol("live.server", err))
	}
}

func (c *Client) dispatchContent(cb Callbacks, m protocol.ServerContent) {
	for _, err := range m.PartErrors {
		c.cfg.Metrics.AudioDropped("receive_decode")
		c.log.Warn().Err(err).Msg("skipping undecodable content part")
	}
	if m.Interrupted && cb.OnAIInterrupted != nil {
		cb.OnAIInterrupted()
	}
	if t := m.InputTranscript; t != nil && cb.OnUserTranscription != nil {
		cb.OnUserTranscription(t.Text, t.Final)
	}
	for _, p := range m.Parts {
		switch {
		case p.Audio != nil:
			if cb.OnAIAudioChunk != nil {
				cb.OnAIAudioChunk(p.Audio.PCM, p.Audio.MIMEType)
			}
		case p.Text != "":
			if cb.OnAIText != nil {
				cb.OnAIText(p.Text)
			}
		}
	}
	if t := m.OutputTranscript; t != nil && cb.OnModelTranscription != nil {
		cb.OnModelTranscription(t.Text, t.Final)
	}
	if m.TurnComplete && cb.OnTurnComplete != nil {
		cb.OnTurnComplete()
	}
}

func (c *Client) fail(conn *connection, err error) {
	c.mu.Lock()
	if c.conn != conn || c.state.Terminal() || c.state == StateClosing {
		c.mu.Unlock()
		return
	}
	c.transitionLocked(StateError)
	conn.stopSetupTimer()
	c.mu.Unlock()

	c.log.Error().Err(err).Msg("connection failed")
	conn.shutdown()
	conn.finish(func() {
		if conn.cb.OnError != nil {
			conn.cb.OnError(err)
		}
	})
}

func (c *Client) setupExpired(conn *connection) {
	c.mu.Lock()
	if c.conn != conn || c.state != StateAwaitingSetup {
		c.mu.Unlock()
		return
	}
	c.transitionLocked(StateError)
	c.mu.Unlock()

	err := reliability.Connection("live.setup", fmt.Errorf("%w after %s", ErrSetupTimeout, c.cfg.SetupTimeout))
	c.log.Error().Err(err).Msg("setup never completed")
	conn.shutdown()
	conn.finish(func() {
		if conn.cb.OnError != nil {
			conn.cb.OnError(err)
		}
	})
}

func (c *Client) handleReadError(conn *connection, err error) {
	code, reason := closeDetails(err)

	c.mu.Lock()
	if c.conn != conn || c.state.Terminal() {
		c.mu.Unlock()
		conn.shutdown()
		return
	}
	if c.state == StateClosing {
		code, reason = websocket.CloseNormalClosure, conn.closeReason
	}
	c.transitionLocked(StateClosed)
	conn.stopSetupTimer()
	c.mu.Unlock()

	clean := reliability.IsCleanClose(code)
	c.log.Info().
		Int("code", code).
		Str("reason", reason).
		Bool("clean", clean).
		Bool("retryable", reliability.IsRetryableCloseCode(code)).
		Msg("connection closed")
	conn.shutdown()
	conn.finish(func() {
		if conn.cb.OnClose != nil {
			conn.cb.OnClose(code, reason, clean)
		}
	})
}

func closeDetails(err error) (int, string) {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Text
	}
	return websocket.CloseAbnormalClosure, err.Error()
}

func writeFrame(ws *websocket.Conn, data []byte, timeout time.Duration) error {
	if timeout > 0 {
		_ = ws.SetWriteDeadline(time.Now().Add(timeout))
		defer ws.SetWriteDeadline(time.Time{})
	}
	return ws.WriteMessage(websocket.TextMessage, data)
}

func (conn *connection) stopSetupTimer() {
	if conn.setupTimer != nil {
		conn.setupTimer.Stop()
	}
}

func (conn *connection) finish(fn func()) {
	conn.finishOnce.Do(fn)
}

func (conn *connection) shutdown() {
	conn.closeOnce.Do(func() {
		close(conn.done)
		_ = conn.ws.Close()
	})
}

// clipCloseReason fits reason into a close frame without splitting a rune.
func clipCloseReason(reason string) string {
	if len(reason) <= maxCloseReasonBytes {
		return reason
	}
	n := maxCloseReasonBytes
	for n > 0 && !utf8.RuneStart(reason[n]) {
		n--
	}
	return reason[:n]
}

func (conn *connection) closeGracefully(reason string, timeout time.Duration) {
	conn.closeOnce.Do(func() {
		close(conn.done)
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, clipCloseReason(reason))
		_ = conn.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(timeout))
		_ = conn.ws.Close()
	})
}
