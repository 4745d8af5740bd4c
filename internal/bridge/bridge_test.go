package bridge

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noxchat/internal/api"
	"noxchat/internal/convo"
	"noxchat/internal/message"
	"noxchat/internal/metrics"
	"noxchat/internal/ui"
)

type fakeConversation struct {
	mu       sync.Mutex
	snap     convo.Snapshot
	selected []int64
	sent     []string
	recalled []int64
	deleted  []int64
	reads    int
	more     int
	err      error
}

func (f *fakeConversation) Snapshot() convo.Snapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.snap
}

func (f *fakeConversation) Select(_ context.Context, peer int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.selected = append(f.selected, peer)
	f.snap.Peer = peer
	f.snap.State = convo.Ready
	return f.err
}

func (f *fakeConversation) LoadMore(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.more++
	return f.err
}

func (f *fakeConversation) SendText(_ context.Context, content string) (message.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if strings.TrimSpace(content) == "" {
		return message.Message{}, convo.ErrEmptyContent
	}
	if f.err != nil {
		return message.Message{}, f.err
	}
	f.sent = append(f.sent, content)
	return message.Message{ID: 77, SenderID: 1, ReceiverID: f.snap.Peer, Body: message.Text{Content: content}}, nil
}

func (f *fakeConversation) MarkRead(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reads++
	return f.err
}

func (f *fakeConversation) Recall(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recalled = append(f.recalled, id)
	return f.err
}

func (f *fakeConversation) Delete(_ context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if id == 404 {
		return convo.ErrNotFound
	}
	f.deleted = append(f.deleted, id)
	return f.err
}

func (f *fakeConversation) setErr(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeConversation) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.sent...)
}

func newTestBridge(t *testing.T, conv *fakeConversation) (*Bridge, *httptest.Server) {
	t.Helper()
	b, err := New(Options{Addr: "127.0.0.1:0", Conversation: conv, Self: 1, Metrics: metrics.New(), Logger: zerolog.Nop()})
	require.NoError(t, err)
	srv := httptest.NewServer(b.Router())
	t.Cleanup(func() {
		srv.Close()
		b.Close()
	})
	return b, srv
}

func do(t *testing.T, method, url, body string) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func TestStateRendersSnapshot(t *testing.T) {
	conv := &fakeConversation{snap: convo.Snapshot{
		Peer:    42,
		State:   convo.Ready,
		HasMore: true,
		Page:    1,
		Messages: []message.Message{
			{ID: 1, SenderID: 42, ReceiverID: 1, Body: message.Text{Content: "hi"}, CreatedAt: time.Unix(10, 0)},
			{ClientRef: "r1", SenderID: 1, ReceiverID: 42, Body: message.Text{Content: "yo"}, Status: message.StatusPending},
		},
	}}
	_, srv := newTestBridge(t, conv)

	resp, data := do(t, http.MethodGet, srv.URL+"/api/state", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view stateView
	require.NoError(t, json.Unmarshal(data, &view))
	assert.Equal(t, int64(42), view.Peer)
	assert.Equal(t, "ready", view.State)
	assert.True(t, view.HasMore)
	require.Len(t, view.Messages, 2)
	assert.False(t, view.Messages[0].Mine)
	assert.Equal(t, "hi", view.Messages[0].Content)
	assert.True(t, view.Messages[1].Mine)
	assert.Equal(t, "pending", view.Messages[1].Status)
	assert.Equal(t, "r1", view.Messages[1].ClientRef)
}

func TestSelectAndSend(t *testing.T) {
	conv := &fakeConversation{}
	_, srv := newTestBridge(t, conv)

	resp, _ := do(t, http.MethodPost, srv.URL+"/api/conversation", `{"peerId":42}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	conv.mu.Lock()
	assert.Equal(t, []int64{42}, conv.selected)
	conv.mu.Unlock()

	resp, data := do(t, http.MethodPost, srv.URL+"/api/messages", `{"content":"hello"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.Contains(t, string(data), `"content":"hello"`)
	assert.Equal(t, []string{"hello"}, conv.sentTexts())
}

func TestRequestValidation(t *testing.T) {
	conv := &fakeConversation{}
	_, srv := newTestBridge(t, conv)

	resp, _ := do(t, http.MethodPost, srv.URL+"/api/conversation", `{}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/messages", `{"content":"   "}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodPost, srv.URL+"/api/messages/abc/recall", "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/messages/404", "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Empty(t, conv.sentTexts())
}

func TestActionsReachConversation(t *testing.T) {
	conv := &fakeConversation{}
	_, srv := newTestBridge(t, conv)

	resp, _ := do(t, http.MethodPost, srv.URL+"/api/messages/more", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/read", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/messages/9/recall", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	resp, _ = do(t, http.MethodDelete, srv.URL+"/api/messages/10", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	conv.mu.Lock()
	defer conv.mu.Unlock()
	assert.Equal(t, 1, conv.more)
	assert.Equal(t, 1, conv.reads)
	assert.Equal(t, []int64{9}, conv.recalled)
	assert.Equal(t, []int64{10}, conv.deleted)
}

func TestErrorStatusMapping(t *testing.T) {
	conv := &fakeConversation{err: &api.RequestError{Op: "recall", Status: http.StatusForbidden, Message: "not yours"}}
	_, srv := newTestBridge(t, conv)
	resp, data := do(t, http.MethodPost, srv.URL+"/api/messages/9/recall", "")
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Contains(t, string(data), "not yours")

	conv.setErr(convo.ErrNoConversation)
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/read", "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	conv.setErr(&api.NetworkError{Op: "history", Err: io.ErrUnexpectedEOF})
	resp, _ = do(t, http.MethodPost, srv.URL+"/api/messages/more", "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestMetricsEndpoint(t *testing.T) {
	_, srv := newTestBridge(t, &fakeConversation{})
	resp, data := do(t, http.MethodGet, srv.URL+"/metrics", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(data), "noxchat_messages_sent_total")
}

func TestWebSocketPushesEvents(t *testing.T) {
	conv := &fakeConversation{snap: convo.Snapshot{Peer: 42, State: convo.Ready}}
	b, srv := newTestBridge(t, conv)

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	read := func() event {
		t.Helper()
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		var evt event
		require.NoError(t, json.Unmarshal(data, &evt))
		return evt
	}

	initial := read()
	require.Equal(t, "state", initial.Kind)
	assert.Equal(t, int64(42), initial.State.Peer)

	b.ShowSystem("connected")
	evt := read()
	assert.Equal(t, "system", evt.Kind)
	assert.Equal(t, "connected", evt.Text)

	b.ShowNotification(ui.Notification{Text: "new message", From: 43})
	evt = read()
	require.Equal(t, "notification", evt.Kind)
	assert.Equal(t, int64(43), evt.Notification.From)

	b.ConversationChanged(convo.Snapshot{Peer: 42, State: convo.LoadingMore})
	evt = read()
	require.Equal(t, "state", evt.Kind)
	assert.Equal(t, "loading-more", evt.State.State)

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("from browser")))
	require.Eventually(t, func() bool {
		return len(conv.sentTexts()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, "from browser", conv.sentTexts()[0])
}

func TestRunStopsOnCancel(t *testing.T) {
	b, err := New(Options{Addr: "127.0.0.1:0", Conversation: &fakeConversation{}, Logger: zerolog.Nop()})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + b.Addr() + "/api/state")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("bridge did not stop")
	}
}
