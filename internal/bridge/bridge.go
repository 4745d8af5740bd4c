// Package bridge exposes the active conversation to a browser over a local
// HTTP API and a WebSocket event stream.
package bridge

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httplog"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"noxchat/internal/api"
	"noxchat/internal/convo"
	"noxchat/internal/message"
	"noxchat/internal/metrics"
	"noxchat/internal/transport"
	"noxchat/internal/ui"
)

// Conversation is the synchronizer surface the bridge drives.
// *convo.Synchronizer satisfies it.
type Conversation interface {
	Snapshot() convo.Snapshot
	Select(ctx context.Context, peer int64) error
	LoadMore(ctx context.Context) error
	SendText(ctx context.Context, content string) (message.Message, error)
	MarkRead(ctx context.Context) error
	Recall(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
}

type Options struct {
	Addr         string
	Conversation Conversation
	Self         int64
	Metrics      *metrics.Metrics
	Logger       zerolog.Logger
}

// Bridge implements ui.Sink: every snapshot and system line is pushed to the
// connected WebSocket clients.
type Bridge struct {
	conv     Conversation
	self     int64
	metrics  *metrics.Metrics
	log      zerolog.Logger
	srv      *http.Server
	ln       net.Listener
	upgrader websocket.Upgrader

	clientsMu sync.Mutex
	clients   map[*websocket.Conn]struct{}
}

const writeWait = 5 * time.Second

// New binds the listen address immediately so Addr reports the real port
// when Addr ends in ":0".
func New(opts Options) (*Bridge, error) {
	if opts.Conversation == nil {
		return nil, errors.New("bridge: conversation is required")
	}
	ln, err := net.Listen("tcp", opts.Addr)
	if err != nil {
		return nil, errors.Wrapf(err, "bridge listen %s", opts.Addr)
	}
	b := &Bridge{
		conv:    opts.Conversation,
		self:    opts.Self,
		metrics: opts.Metrics,
		log:     opts.Logger.With().Str("component", "bridge").Logger(),
		ln:      ln,
		clients: make(map[*websocket.Conn]struct{}),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
	b.srv = &http.Server{Handler: b.Router(), ReadHeaderTimeout: 10 * time.Second}
	return b, nil
}

// Router wires the chi routes and middleware.
func (b *Bridge) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))
	r.Use(httplog.RequestLogger(b.log))

	r.Get("/api/state", b.handleState)
	r.Post("/api/conversation", b.handleSelect)
	r.Post("/api/messages", b.handleSend)
	r.Post("/api/messages/more", b.handleMore)
	r.Post("/api/read", b.handleRead)
	r.Post("/api/messages/{id}/recall", b.handleRecall)
	r.Delete("/api/messages/{id}", b.handleDelete)
	r.Get("/ws", b.handleWS)
	if b.metrics != nil {
		r.Handle("/metrics", b.metrics.Handler())
	}
	return r
}

// Run serves until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		b.Close()
	}()
	b.log.Info().Str("addr", b.Addr()).Msg("bridge listening")
	if err := b.srv.Serve(b.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return errors.Wrap(err, "bridge serve")
	}
	return nil
}

func (b *Bridge) Close() {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = b.srv.Shutdown(shutdownCtx)
	_ = b.ln.Close()
	b.clientsMu.Lock()
	for conn := range b.clients {
		_ = conn.Close()
		delete(b.clients, conn)
	}
	b.clientsMu.Unlock()
}

func (b *Bridge) Addr() string {
	return b.ln.Addr().String()
}

func (b *Bridge) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, newStateView(b.conv.Snapshot(), b.self))
}

func (b *Bridge) handleSelect(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PeerID int64 `json:"peerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.PeerID <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("peerId is required"))
		return
	}
	if err := b.conv.Select(r.Context(), req.PeerID); err != nil {
		b.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStateView(b.conv.Snapshot(), b.self))
}

func (b *Bridge) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Content string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errors.Wrap(err, "decode request"))
		return
	}
	msg, err := b.conv.SendText(r.Context(), req.Content)
	if err != nil {
		b.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, newMessageView(msg, b.self))
}

func (b *Bridge) handleMore(w http.ResponseWriter, r *http.Request) {
	if err := b.conv.LoadMore(r.Context()); err != nil {
		b.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newStateView(b.conv.Snapshot(), b.self))
}

func (b *Bridge) handleRead(w http.ResponseWriter, r *http.Request) {
	if err := b.conv.MarkRead(r.Context()); err != nil {
		b.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *Bridge) handleRecall(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}
	if err := b.conv.Recall(r.Context(), id); err != nil {
		b.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (b *Bridge) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := messageID(w, r)
	if !ok {
		return
	}
	if err := b.conv.Delete(r.Context(), id); err != nil {
		b.fail(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func messageID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, errors.New("invalid message id"))
		return 0, false
	}
	return id, true
}

// fail maps client-side errors onto HTTP statuses.
func (b *Bridge) fail(w http.ResponseWriter, err error) {
	status := http.StatusBadGateway
	var reqErr *api.RequestError
	var authErr *api.AuthError
	switch {
	case errors.Is(err, convo.ErrEmptyContent), errors.Is(err, api.ErrEmptyContent), errors.Is(err, api.ErrUnsupportedKind):
		status = http.StatusBadRequest
	case errors.Is(err, convo.ErrNoConversation):
		status = http.StatusConflict
	case errors.Is(err, convo.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, convo.ErrClosed), errors.Is(err, transport.ErrNotConnected):
		status = http.StatusServiceUnavailable
	case errors.As(err, &authErr):
		status = http.StatusUnauthorized
	case errors.As(err, &reqErr) && reqErr.Status >= 400 && reqErr.Status < 500:
		status = reqErr.Status
	}
	b.log.Debug().Err(err).Int("status", status).Msg("request failed")
	writeError(w, status, err)
}

func (b *Bridge) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		b.log.Warn().Err(err).Msg("ws upgrade")
		return
	}
	b.register(conn)
	b.sendEventTo(conn, event{Kind: "state", State: ptr(newStateView(b.conv.Snapshot(), b.self))})
	go b.readLoop(conn)
}

func (b *Bridge) register(conn *websocket.Conn) {
	b.clientsMu.Lock()
	b.clients[conn] = struct{}{}
	b.clientsMu.Unlock()
}

func (b *Bridge) unregister(conn *websocket.Conn) {
	b.clientsMu.Lock()
	delete(b.clients, conn)
	b.clientsMu.Unlock()
	_ = conn.Close()
}

// readLoop accepts plain text from the browser as a message to send.
func (b *Bridge) readLoop(conn *websocket.Conn) {
	defer b.unregister(conn)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		text := strings.TrimSpace(string(data))
		if text == "" {
			continue
		}
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), api.DefaultTimeout)
			defer cancel()
			if _, err := b.conv.SendText(ctx, text); err != nil {
				b.ShowSystem("send failed: " + err.Error())
			}
		}()
	}
}

func (b *Bridge) sendEvent(evt event) {
	data, err := json.Marshal(evt)
	if err != nil {
		b.log.Error().Err(err).Msg("encode event")
		return
	}
	b.clientsMu.Lock()
	defer b.clientsMu.Unlock()
	for conn := range b.clients {
		_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			b.log.Debug().Err(err).Msg("ws send")
			delete(b.clients, conn)
			_ = conn.Close()
		}
	}
}

func (b *Bridge) sendEventTo(conn *websocket.Conn, evt event) {
	data, err := json.Marshal(evt)
	if err != nil {
		return
	}
	b.clientsMu.Lock()
	defer b.clientsMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

func (b *Bridge) ConversationChanged(s convo.Snapshot) {
	b.sendEvent(event{Kind: "state", State: ptr(newStateView(s, b.self))})
}

func (b *Bridge) ShowSystem(text string) {
	b.sendEvent(event{Kind: "system", Text: text})
}

func (b *Bridge) ShowNotification(n ui.Notification) {
	b.sendEvent(event{Kind: "notification", Notification: &n})
}

var _ ui.Sink = (*Bridge)(nil)

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func ptr[T any](v T) *T { return &v }
