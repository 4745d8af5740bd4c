// Package transport maintains the STOMP-over-WebSocket push session with the
// messaging backend and fans inbound events out to registered subscribers.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"noxchat/internal/message"
	"noxchat/internal/metrics"
)

const (
	DefaultURL = "ws://localhost:8080/api/messages/websocket"

	DestMessages    = "/user/queue/messages"
	DestBroadcast   = "/topic/messages"
	DestTyping      = "/user/queue/typing"
	DestReadReceipt = "/user/queue/read-receipt"

	DestSend        = "/app/chat.send"
	DestSendTyping  = "/app/chat.typing"
	DestSendReceipt = "/app/chat.read-receipt"

	defaultHeartbeat    = 10 * time.Second
	defaultWriteTimeout = 10 * time.Second
	connectTimeout      = 15 * time.Second
)

var subscriptions = []string{DestMessages, DestBroadcast, DestTyping, DestReadReceipt}

// ConnState is the push connection lifecycle.
type ConnState int

const (
	Disconnected ConnState = iota
	Connecting
	Connected
)

func (c ConnState) String() string {
	switch c {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

type Options struct {
	URL string
	// Token returns the bearer token sent in the CONNECT frame.
	Token     func() string
	Heartbeat time.Duration
	Logger    zerolog.Logger
	Metrics   *metrics.Metrics
	Dialer    *websocket.Dialer
	// TypingInterval is the minimum gap between "typing started" signals.
	TypingInterval time.Duration
	DedupTTL       time.Duration
}

// Session owns at most one physical connection. It is safe for concurrent use.
type Session struct {
	url       string
	token     func() string
	heartbeat time.Duration
	log       zerolog.Logger
	metrics   *metrics.Metrics
	dialer    *websocket.Dialer
	reg       *registry
	seen      *seenCache
	typing    *rate.Limiter

	connectMu sync.Mutex
	writeMu   sync.Mutex

	mu      sync.Mutex
	conn    *websocket.Conn
	state   ConnState
	userID  int64
	subs    map[string]string // subscription id -> destination
	done    chan struct{}
	closing bool
	refs    int
	lost    chan struct{}
}

func NewSession(opts Options) *Session {
	u := opts.URL
	if u == "" {
		u = DefaultURL
	}
	hb := opts.Heartbeat
	if hb == 0 {
		hb = defaultHeartbeat
	}
	dialer := opts.Dialer
	if dialer == nil {
		dialer = &websocket.Dialer{HandshakeTimeout: connectTimeout, Proxy: http.ProxyFromEnvironment}
	}
	interval := opts.TypingInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	token := opts.Token
	if token == nil {
		token = func() string { return "" }
	}
	return &Session{
		url:       u,
		token:     token,
		heartbeat: hb,
		log:       opts.Logger.With().Str("component", "transport").Logger(),
		metrics:   opts.Metrics,
		dialer:    dialer,
		reg:       &registry{},
		seen:      newSeenCache(opts.DedupTTL),
		typing:    rate.NewLimiter(rate.Every(interval), 1),
		lost:      make(chan struct{}, 1),
	}
}

func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// UserID is the id the current connection was opened for.
func (s *Session) UserID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userID
}

// Connect opens the push session for userID. It returns nil immediately when
// already connected.
func (s *Session) Connect(ctx context.Context, userID int64) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()
	if s.State() == Connected {
		return nil
	}
	s.setState(Connecting)

	conn, incoming, outgoing, err := s.dial(ctx, userID)
	if err != nil {
		s.setState(Disconnected)
		return err
	}

	subs := make(map[string]string, len(subscriptions))
	for i, dest := range subscriptions {
		id := "sub-" + strconv.Itoa(i)
		f := frame.New(frame.SUBSCRIBE, frame.Id, id, frame.Destination, dest, frame.Ack, "auto")
		if err := writeFrame(conn, f, defaultWriteTimeout); err != nil {
			_ = conn.Close()
			s.setState(Disconnected)
			return errors.Wrapf(err, "subscribe %s", dest)
		}
		subs[id] = dest
	}

	// The state flips to Connected before the read loop starts, so a drop
	// observed by the loop can only ever move it back to Disconnected.
	done := make(chan struct{})
	s.mu.Lock()
	s.conn = conn
	s.userID = userID
	s.subs = subs
	s.done = done
	s.closing = false
	changed := s.state != Connected
	s.state = Connected
	s.mu.Unlock()

	s.metrics.SetConnected(true)
	s.log.Info().Int64("user", userID).Str("url", s.url).Msg("push session connected")
	if changed {
		emit(s.reg, &s.reg.state, s.log, "state", Connected)
	}
	go s.readLoop(conn, done, incoming)
	if outgoing > 0 {
		go s.heartbeatLoop(conn, done, outgoing)
	}
	return nil
}

// dial performs the WebSocket handshake and the STOMP CONNECT exchange and
// returns the negotiated heart-beat intervals.
func (s *Session) dial(ctx context.Context, userID int64) (*websocket.Conn, time.Duration, time.Duration, error) {
	header := http.Header{}
	token := s.token()
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, _, err := s.dialer.DialContext(ctx, s.url, header)
	if err != nil {
		return nil, 0, 0, errors.Wrapf(err, "dial %s", s.url)
	}
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	hb := s.heartbeat
	if hb < 0 {
		hb = 0
	}
	ms := strconv.FormatInt(hb.Milliseconds(), 10)
	connect := frame.New(frame.CONNECT,
		frame.AcceptVersion, "1.2,1.1,1.0",
		frame.Host, hostOf(s.url),
		frame.HeartBeat, ms+","+ms,
		"userId", strconv.FormatInt(userID, 10),
	)
	if token != "" {
		connect.Header.Set("Authorization", "Bearer "+token)
	}
	if err := writeFrame(conn, connect, defaultWriteTimeout); err != nil {
		_ = conn.Close()
		return nil, 0, 0, s.ctxErr(ctx, errors.Wrap(err, "send CONNECT"))
	}

	deadline := time.Now().Add(connectTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()
			return nil, 0, 0, s.ctxErr(ctx, errors.Wrap(err, "await CONNECTED"))
		}
		f, err := decodeFrame(data)
		if err != nil {
			_ = conn.Close()
			return nil, 0, 0, errors.Wrap(err, "await CONNECTED")
		}
		if f == nil {
			continue
		}
		switch f.Command {
		case frame.CONNECTED:
			_ = conn.SetReadDeadline(time.Time{})
			in, out := negotiate(hb, f.Header.Get(frame.HeartBeat))
			return conn, in, out, nil
		case frame.ERROR:
			_ = conn.Close()
			return nil, 0, 0, &BrokerError{Message: f.Header.Get(frame.Message), Body: string(f.Body)}
		default:
			s.log.Debug().Str("command", f.Command).Msg("ignoring frame before CONNECTED")
		}
	}
}

func (s *Session) ctxErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// negotiate applies the STOMP heart-beat rules and returns the interval the
// server will send at (incoming) and the interval we must send at (outgoing).
func negotiate(ours time.Duration, header string) (incoming, outgoing time.Duration) {
	parts := strings.Split(header, ",")
	if len(parts) != 2 || ours <= 0 {
		return 0, 0
	}
	sx, err1 := strconv.Atoi(strings.TrimSpace(parts[0]))
	sy, err2 := strconv.Atoi(strings.TrimSpace(parts[1]))
	if err1 != nil || err2 != nil {
		return 0, 0
	}
	pick := func(server int) time.Duration {
		if server <= 0 {
			return 0
		}
		d := time.Duration(server) * time.Millisecond
		if ours > d {
			return ours
		}
		return d
	}
	return pick(sx), pick(sy)
}

func (s *Session) readLoop(conn *websocket.Conn, done chan struct{}, incoming time.Duration) {
	var cause error
	for {
		if incoming > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(3 * incoming))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			cause = err
			break
		}
		s.handle(data)
	}

	// A loop whose connection was already replaced must not touch the state
	// of its successor.
	s.mu.Lock()
	current := s.conn == conn
	unexpected := current && !s.closing
	changed := false
	if current {
		s.conn = nil
		s.subs = nil
		changed = s.state != Disconnected
		s.state = Disconnected
	}
	s.mu.Unlock()
	_ = conn.Close()
	close(done)
	if !current {
		return
	}
	s.metrics.SetConnected(false)

	if unexpected {
		s.log.Warn().Err(cause).Msg("push session lost")
		select {
		case s.lost <- struct{}{}:
		default:
		}
	}
	if changed {
		emit(s.reg, &s.reg.state, s.log, "state", Disconnected)
	}
}

func (s *Session) heartbeatLoop(conn *websocket.Conn, done chan struct{}, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			_ = conn.SetWriteDeadline(time.Now().Add(defaultWriteTimeout))
			err := conn.WriteMessage(websocket.TextMessage, []byte("\n"))
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (s *Session) handle(data []byte) {
	f, err := decodeFrame(data)
	if err != nil {
		s.drop(&ParseError{Destination: "?", Err: err})
		return
	}
	if f == nil {
		return
	}
	switch f.Command {
	case frame.MESSAGE:
		s.dispatch(s.destinationOf(f), f.Body)
	case frame.ERROR:
		s.log.Warn().Str("message", f.Header.Get(frame.Message)).Bytes("body", f.Body).Msg("broker error frame")
	case frame.RECEIPT:
	default:
		s.log.Debug().Str("command", f.Command).Msg("unexpected frame")
	}
}

func (s *Session) destinationOf(f *frame.Frame) string {
	if id := f.Header.Get(frame.Subscription); id != "" {
		s.mu.Lock()
		dest, ok := s.subs[id]
		s.mu.Unlock()
		if ok {
			return dest
		}
	}
	return f.Header.Get(frame.Destination)
}

func (s *Session) dispatch(dest string, body []byte) {
	switch dest {
	case DestMessages, DestBroadcast:
		in, err := message.DecodeInbound(body)
		if err != nil {
			s.drop(&ParseError{Destination: dest, Err: err})
			return
		}
		if in.Recall != nil {
			emit(s.reg, &s.reg.recall, s.log, "recall", *in.Recall)
			return
		}
		msg := *in.Message
		if s.seen.Seen(msg.ID) {
			s.metrics.IncDuplicate()
			s.log.Debug().Int64("msg_id", msg.ID).Str("dest", dest).Msg("duplicate push suppressed")
			return
		}
		s.metrics.IncReceived()
		emit(s.reg, &s.reg.message, s.log, "message", msg)
	case DestTyping:
		var ev message.Typing
		if err := json.Unmarshal(body, &ev); err != nil {
			s.drop(&ParseError{Destination: dest, Err: err})
			return
		}
		emit(s.reg, &s.reg.typing, s.log, "typing", ev)
	case DestReadReceipt:
		var ev message.ReadReceipt
		if err := json.Unmarshal(body, &ev); err != nil {
			s.drop(&ParseError{Destination: dest, Err: err})
			return
		}
		emit(s.reg, &s.reg.receipt, s.log, "read-receipt", ev)
	default:
		s.log.Debug().Str("dest", dest).Msg("frame for unknown destination")
	}
}

func (s *Session) drop(err *ParseError) {
	s.metrics.IncDropped()
	s.log.Warn().Err(err).Str("dest", err.Destination).Msg("dropping malformed frame")
}

func (s *Session) setState(st ConnState) {
	s.mu.Lock()
	changed := s.state != st
	s.state = st
	s.mu.Unlock()
	if changed {
		emit(s.reg, &s.reg.state, s.log, "state", st)
	}
}

// Disconnect unsubscribes, sends DISCONNECT, closes the socket and removes
// every registered callback. Calling it again is a no-op.
func (s *Session) Disconnect() error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	s.mu.Lock()
	conn, done, subs := s.conn, s.done, s.subs
	s.closing = true
	s.mu.Unlock()

	if conn != nil {
		for id := range subs {
			_ = s.writeOn(conn, frame.New(frame.UNSUBSCRIBE, frame.Id, id))
		}
		_ = s.writeOn(conn, frame.New(frame.DISCONNECT))
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		s.writeMu.Unlock()
		_ = conn.Close()
		select {
		case <-done:
		case <-time.After(2 * time.Second):
		}
		s.log.Info().Msg("push session closed")
	}
	s.setState(Disconnected)
	s.reg.clear()
	return nil
}

// Retain registers an owner of the session.
func (s *Session) Retain() {
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()
}

// Release drops an owner; the last release disconnects.
func (s *Session) Release() error {
	s.mu.Lock()
	if s.refs > 0 {
		s.refs--
	}
	last := s.refs == 0
	s.mu.Unlock()
	if !last {
		return nil
	}
	return s.Disconnect()
}

// Send publishes a message through the push channel.
func (s *Session) Send(ctx context.Context, receiver int64, body message.Body, clientRef string) error {
	if body == nil {
		return errors.New("empty message body")
	}
	content, media := message.Flatten(body)
	payload := map[string]any{
		"receiverId":  receiver,
		"content":     content,
		"messageType": body.Kind(),
		"mediaUrl":    media,
	}
	if clientRef != "" {
		payload["clientMessageId"] = clientRef
	}
	return s.publish(ctx, DestSend, payload, "clientMessageId", clientRef)
}

// SendTyping signals composing state to receiver. Start signals beyond the
// configured rate are dropped silently; stop signals always go out.
func (s *Session) SendTyping(ctx context.Context, receiver int64, isTyping bool) error {
	if s.State() != Connected {
		return ErrNotConnected
	}
	if isTyping && !s.typing.Allow() {
		return nil
	}
	return s.publish(ctx, DestSendTyping, map[string]any{"receiverId": receiver, "isTyping": isTyping})
}

// SendReadReceipt tells sender that their messages were read.
func (s *Session) SendReadReceipt(ctx context.Context, sender int64) error {
	return s.publish(ctx, DestSendReceipt, map[string]any{"senderId": sender})
}

func (s *Session) publish(ctx context.Context, dest string, payload any, extra ...string) error {
	s.mu.Lock()
	conn := s.conn
	connected := s.state == Connected
	s.mu.Unlock()
	if conn == nil || !connected {
		return ErrNotConnected
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return errors.Wrapf(err, "encode %s", dest)
	}
	f := frame.New(frame.SEND, frame.Destination, dest, frame.ContentType, "application/json")
	for i := 0; i+1 < len(extra); i += 2 {
		if extra[i+1] != "" {
			f.Header.Set(extra[i], extra[i+1])
		}
	}
	f.Body = body
	timeout := defaultWriteTimeout
	if d, ok := ctx.Deadline(); ok {
		timeout = time.Until(d)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.writeMu.Lock()
	err = writeFrame(conn, f, timeout)
	s.writeMu.Unlock()
	if err != nil {
		return errors.Wrapf(err, "publish %s", dest)
	}
	s.log.Debug().Str("dest", dest).Msg("frame sent")
	return nil
}

func (s *Session) writeOn(conn *websocket.Conn, f *frame.Frame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return writeFrame(conn, f, time.Second)
}

// writeFrame sends f as one WebSocket text message. Callers serialise writes.
func writeFrame(conn *websocket.Conn, f *frame.Frame, timeout time.Duration) error {
	var buf bytes.Buffer
	if err := frame.NewWriter(&buf).Write(f); err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(timeout))
	return conn.WriteMessage(websocket.TextMessage, buf.Bytes())
}

// decodeFrame parses one WebSocket message. A heart-beat yields nil, nil.
func decodeFrame(data []byte) (*frame.Frame, error) {
	if len(bytes.TrimSpace(bytes.Trim(data, "\x00"))) == 0 {
		return nil, nil
	}
	f, err := frame.NewReader(bytes.NewReader(data)).Read()
	if err != nil {
		return nil, err
	}
	if f != nil && f.Header == nil {
		f.Header = &frame.Header{}
	}
	return f, nil
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return "localhost"
	}
	return u.Hostname()
}

// String is used in status lines.
func (s *Session) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("%s (%s)", s.state, s.url)
}
