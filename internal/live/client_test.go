package live

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/antoniostano/livecall/internal/protocol"
	"github.com/antoniostano/livecall/internal/reliability"
	"github.com/gorilla/websocket"
)

type fakeServer struct {
	*httptest.Server
	conns chan *websocket.Conn
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	fs := &fakeServer{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	fs.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-goog-api-key") != "test-key" {
			http.Error(w, "missing key", http.StatusUnauthorized)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		fs.conns <- conn
	}))
	t.Cleanup(fs.Close)
	return fs
}

func (fs *fakeServer) wsURL() string {
	return "ws" + strings.TrimPrefix(fs.URL, "http")
}

func (fs *fakeServer) accept(t *testing.T) *peer {
	t.Helper()
	select {
	case conn := <-fs.conns:
		t.Cleanup(func() { _ = conn.Close() })
		return &peer{t: t, conn: conn}
	case <-time.After(2 * time.Second):
		t.Fatalf("server never accepted a connection")
		return nil
	}
}

type peer struct {
	t    *testing.T
	conn *websocket.Conn
}

func (p *peer) read() map[string]any {
	p.t.Helper()
	_ = p.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := p.conn.ReadMessage()
	if err != nil {
		p.t.Fatalf("server read error = %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		p.t.Fatalf("client sent non-JSON frame %q: %v", data, err)
	}
	return frame
}

func (p *peer) send(raw string) {
	p.t.Helper()
	if err := p.conn.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		p.t.Fatalf("server write error = %v", err)
	}
}

type closeEvent struct {
	code   int
	reason string
	clean  bool
}

type recorder struct {
	mu           sync.Mutex
	states       []State
	opened       chan struct{}
	errs         chan error
	closes       chan closeEvent
	audio        chan []byte
	userText     chan string
	modelText    chan string
	interrupted  chan struct{}
	turnComplete chan struct{}
}

func newRecorder() *recorder {
	return &recorder{
		opened:       make(chan struct{}, 4),
		errs:         make(chan error, 4),
		closes:       make(chan closeEvent, 4),
		audio:        make(chan []byte, 8),
		userText:     make(chan string, 8),
		modelText:    make(chan string, 8),
		interrupted:  make(chan struct{}, 4),
		turnComplete: make(chan struct{}, 4),
	}
}

func (r *recorder) callbacks() Callbacks {
	return Callbacks{
		OnOpen:               func() { r.opened <- struct{}{} },
		OnAIAudioChunk:       func(pcm []byte, _ string) { r.audio <- pcm },
		OnUserTranscription:  func(text string, _ bool) { r.userText <- text },
		OnModelTranscription: func(text string, _ bool) { r.modelText <- text },
		OnAIInterrupted:      func() { r.interrupted <- struct{}{} },
		OnTurnComplete:       func() { r.turnComplete <- struct{}{} },
		OnError:              func(err error) { r.errs <- err },
		OnClose:              func(code int, reason string, clean bool) { r.closes <- closeEvent{code, reason, clean} },
	}
}

func (r *recorder) onState(_, to State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, to)
}

func (r *recorder) stateLog() []State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]State(nil), r.states...)
}

func wait[T any](t *testing.T, ch <-chan T, what string) T {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		var zero T
		return zero
	}
}

func testSetup() protocol.SetupConfig {
	return protocol.SetupConfig{
		Model:               "models/test-live",
		SystemInstruction:   "You are Ava.",
		Voice:               "Aoede",
		Language:            "en-US",
		ActivityHandling:    protocol.ActivityInterrupts,
		InputTranscription:  true,
		OutputTranscription: true,
	}
}

func newTestClient(fs *fakeServer, rec *recorder, setupTimeout time.Duration) *Client {
	return New(Config{
		URL:           fs.wsURL(),
		APIKey:        "test-key",
		SetupTimeout:  setupTimeout,
		OnStateChange: rec.onState,
	})
}

func TestClientHappyPath(t *testing.T) {
	fs := newFakeServer(t)
	rec := newRecorder()
	c := newTestClient(fs, rec, time.Second)

	if err := c.Connect(context.Background(), testSetup(), rec.callbacks()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	srv := fs.accept(t)

	setup := srv.read()
	body, ok := setup["setup"].(map[string]any)
	if !ok || body["model"] != "models/test-live" {
		t.Fatalf("first frame = %v, want setup for models/test-live", setup)
	}
	if got := c.State(); got != StateAwaitingSetup {
		t.Fatalf("State() before setupComplete = %q, want %q", got, StateAwaitingSetup)
	}

	srv.send(`{"setupComplete":{}}`)
	wait(t, rec.opened, "OnOpen")
	if got := c.State(); got != StateOpen {
		t.Fatalf("State() = %q, want %q", got, StateOpen)
	}

	srv.send(`{"serverContent":{"inputTranscription":{"text":"hi there"}}}`)
	srv.send(`{"serverContent":{"modelTurn":{"parts":[{"inlineData":{"mimeType":"audio/pcm;rate=24000","data":"AQID"}}]},"outputTranscription":{"text":"Hello"}}}`)
	srv.send(`{"serverContent":{"interrupted":true}}`)
	srv.send(`{"serverContent":{"turnComplete":true}}`)

	if got := wait(t, rec.userText, "user transcription"); got != "hi there" {
		t.Fatalf("user transcription = %q", got)
	}
	if got := wait(t, rec.audio, "audio chunk"); len(got) != 3 {
		t.Fatalf("audio chunk len = %d, want 3", len(got))
	}
	if got := wait(t, rec.modelText, "model transcription"); got != "Hello" {
		t.Fatalf("model transcription = %q", got)
	}
	wait(t, rec.interrupted, "OnAIInterrupted")
	wait(t, rec.turnComplete, "OnTurnComplete")

	if err := c.SendClientText("hello Ava"); err != nil {
		t.Fatalf("SendClientText() error = %v", err)
	}
	frame := srv.read()
	if _, ok := frame["clientContent"]; !ok {
		t.Fatalf("frame = %v, want clientContent", frame)
	}

	c.SendRealtimeAudio([]byte{1, 0, 2, 0})
	frame = srv.read()
	rt := frame["realtimeInput"].(map[string]any)
	if audio := rt["audio"].(map[string]any); audio["mimeType"] != "audio/pcm;rate=16000" {
		t.Fatalf("audio frame = %v", frame)
	}

	if err := c.SendStreamEnd(); err != nil {
		t.Fatalf("SendStreamEnd() error = %v", err)
	}
	frame = srv.read()
	if rt := frame["realtimeInput"].(map[string]any); rt["audioStreamEnd"] != true {
		t.Fatalf("frame = %v, want audioStreamEnd", frame)
	}

	c.CloseConnection("user hung up")
	c.CloseConnection("again")

	ev := wait(t, rec.closes, "OnClose")
	if !ev.clean || ev.code != 1000 || ev.reason != "user hung up" {
		t.Fatalf("close = %+v, want clean 1000 user hung up", ev)
	}

	_ = srv.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := srv.conn.ReadMessage()
	var ce *websocket.CloseError
	if !errors.As(err, &ce) || ce.Code != websocket.CloseNormalClosure {
		t.Fatalf("server saw %v, want normal close frame", err)
	}

	want := []State{StateConnecting, StateAwaitingSetup, StateOpen, StateClosing, StateClosed}
	got := rec.stateLog()
	if len(got) != len(want) {
		t.Fatalf("states = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("states = %v, want %v", got, want)
		}
	}
	select {
	case err := <-rec.errs:
		t.Fatalf("unexpected OnError(%v)", err)
	default:
	}
}

func TestClientSetupTimeout(t *testing.T) {
	fs := newFakeServer(t)
	rec := newRecorder()
	c := newTestClient(fs, rec, 50*time.Millisecond)

	if err := c.Connect(context.Background(), testSetup(), rec.callbacks()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	srv := fs.accept(t)
	srv.read()

	err := wait(t, rec.errs, "OnError")
	if !errors.Is(err, ErrSetupTimeout) {
		t.Fatalf("OnError(%v), want ErrSetupTimeout", err)
	}
	if !reliability.IsKind(err, reliability.KindConnection) {
		t.Fatalf("kind = %q, want connection", reliability.KindOf(err))
	}
	if got := c.State(); got != StateError {
		t.Fatalf("State() = %q, want %q", got, StateError)
	}

	select {
	case ev := <-rec.closes:
		t.Fatalf("unexpected OnClose(%+v) after OnError", ev)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClientServerCleanClose(t *testing.T) {
	fs := newFakeServer(t)
	rec := newRecorder()
	c := newTestClient(fs, rec, time.Second)

	if err := c.Connect(context.Background(), testSetup(), rec.callbacks()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	srv := fs.accept(t)
	srv.read()
	srv.send(`{"setupComplete":{}}`)
	wait(t, rec.opened, "OnOpen")

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "session over")
	if err := srv.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second)); err != nil {
		t.Fatalf("WriteControl() error = %v", err)
	}

	ev := wait(t, rec.closes, "OnClose")
	if !ev.clean || ev.code != 1000 || ev.reason != "session over" {
		t.Fatalf("close = %+v, want clean 1000", ev)
	}
	if got := c.State(); got != StateClosed {
		t.Fatalf("State() = %q, want %q", got, StateClosed)
	}
}

func TestClientServerErrorFrameIsFatal(t *testing.T) {
	fs := newFakeServer(t)
	rec := newRecorder()
	c := newTestClient(fs, rec, time.Second)

	if err := c.Connect(context.Background(), testSetup(), rec.callbacks()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	srv := fs.accept(t)
	srv.read()
	srv.send(`not json at all`)
	srv.send(`{"mystery":{}}`)
	srv.send(`{"setupComplete":{}}`)
	wait(t, rec.opened, "OnOpen after unreadable frames")

	srv.send(`{"error":{"code":400,"message":"quota exceeded"}}`)
	err := wait(t, rec.errs, "OnError")
	if !reliability.IsKind(err, reliability.KindProtocol) {
		t.Fatalf("kind = %q, want protocol", reliability.KindOf(err))
	}
	if !strings.Contains(err.Error(), "quota exceeded") {
		t.Fatalf("error = %v, want server message", err)
	}
	if got := c.State(); got != StateError {
		t.Fatalf("State() = %q, want %q", got, StateError)
	}
}

func TestClientSendsRequireOpen(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1"})
	err := c.SendClientText("hi")
	if !errors.Is(err, ErrNotOpen) || !reliability.IsKind(err, reliability.KindState) {
		t.Fatalf("SendClientText() error = %v, want state ErrNotOpen", err)
	}
	if err := c.SendStreamEnd(); !errors.Is(err, ErrNotOpen) {
		t.Fatalf("SendStreamEnd() error = %v, want ErrNotOpen", err)
	}
	c.SendRealtimeAudio([]byte{1, 2})
	c.CloseConnection("nothing to close")
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("State() = %q, want %q", got, StateDisconnected)
	}
}

func TestClientConnectValidatesSetup(t *testing.T) {
	c := New(Config{URL: "ws://127.0.0.1:1"})
	err := c.Connect(context.Background(), protocol.SetupConfig{SystemInstruction: "x"}, Callbacks{})
	if !reliability.IsKind(err, reliability.KindSetup) {
		t.Fatalf("Connect() error = %v, want setup error", err)
	}
	if got := c.State(); got != StateDisconnected {
		t.Fatalf("State() = %q, want %q", got, StateDisconnected)
	}
}

func TestClientDialFailure(t *testing.T) {
	fs := newFakeServer(t)
	c := New(Config{URL: fs.wsURL(), APIKey: "wrong"})
	err := c.Connect(context.Background(), testSetup(), Callbacks{})
	if !reliability.IsKind(err, reliability.KindConnection) {
		t.Fatalf("Connect() error = %v, want connection error", err)
	}
	if !strings.Contains(err.Error(), "401") {
		t.Fatalf("Connect() error = %v, want handshake status", err)
	}
	if got := c.State(); got != StateError {
		t.Fatalf("State() = %q, want %q", got, StateError)
	}
}

func TestClientRejectsConnectWhileLiveAndReconnectsAfterClose(t *testing.T) {
	fs := newFakeServer(t)
	rec := newRecorder()
	c := newTestClient(fs, rec, time.Second)

	if err := c.Connect(context.Background(), testSetup(), rec.callbacks()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	srv := fs.accept(t)
	srv.read()
	srv.send(`{"setupComplete":{}}`)
	wait(t, rec.opened, "OnOpen")

	err := c.Connect(context.Background(), testSetup(), rec.callbacks())
	if !reliability.IsKind(err, reliability.KindState) {
		t.Fatalf("second Connect() error = %v, want state error", err)
	}

	c.CloseConnection("done")
	wait(t, rec.closes, "OnClose")

	if err := c.Connect(context.Background(), testSetup(), rec.callbacks()); err != nil {
		t.Fatalf("reconnect error = %v", err)
	}
	srv2 := fs.accept(t)
	srv2.read()
	srv2.send(`{"setupComplete":{}}`)
	wait(t, rec.opened, "OnOpen after reconnect")

	states := rec.stateLog()
	for i := 1; i < len(states); i++ {
		if states[i-1] == StateOpen && states[i] == StateConnecting {
			t.Fatalf("state regressed open -> connecting: %v", states)
		}
	}
	c.CloseConnection("bye")
}

func TestClipCloseReasonKeepsRunesWhole(t *testing.T) {
	short := "user hung up"
	if got := clipCloseReason(short); got != short {
		t.Fatalf("clipCloseReason(%q) = %q", short, got)
	}
	// 122 ASCII bytes then a two-byte rune straddling the limit.
	long := strings.Repeat("a", maxCloseReasonBytes-1) + "è" + "tail"
	got := clipCloseReason(long)
	if !utf8.ValidString(got) || len(got) != maxCloseReasonBytes-1 {
		t.Fatalf("clipCloseReason() = %d bytes, valid %v", len(got), utf8.ValidString(got))
	}
	multi := strings.Repeat("è", 100)
	if got := clipCloseReason(multi); !utf8.ValidString(got) || len(got) > maxCloseReasonBytes {
		t.Fatalf("clipCloseReason() = %d bytes, valid %v", len(got), utf8.ValidString(got))
	}
}

func TestCanTransitionTable(t *testing.T) {
	cases := []struct {
		from, to State
		want     bool
	}{
		{StateDisconnected, StateConnecting, true},
		{StateConnecting, StateAwaitingSetup, true},
		{StateAwaitingSetup, StateOpen, true},
		{StateOpen, StateClosing, true},
		{StateClosing, StateClosed, true},
		{StateOpen, StateError, true},
		{StateOpen, StateConnecting, false},
		{StateOpen, StateAwaitingSetup, false},
		{StateClosed, StateOpen, false},
		{StateError, StateConnecting, true},
		{StateDisconnected, StateOpen, false},
	}
	for _, tc := range cases {
		if got := canTransition(tc.from, tc.to); got != tc.want {
			t.Fatalf("canTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
