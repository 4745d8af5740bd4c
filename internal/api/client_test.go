package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"noxchat/internal/message"
)

type fakeSession struct {
	mu      sync.Mutex
	token   string
	cleared int
}

func (s *fakeSession) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

func (s *fakeSession) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.token = ""
	s.cleared++
	return nil
}

type recorded struct {
	method string
	path   string
	query  string
	auth   string
	body   map[string]any
}

func newTestClient(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*Client, *fakeSession, *[]recorded) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []recorded
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.Path, query: r.URL.RawQuery, auth: r.Header.Get("Authorization")}
		if data, _ := io.ReadAll(r.Body); len(data) > 0 {
			_ = json.Unmarshal(data, &rec.body)
		}
		mu.Lock()
		reqs = append(reqs, rec)
		mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	sess := &fakeSession{token: "tok"}
	return New(Options{BaseURL: srv.URL + "/api", Session: sess}), sess, &reqs
}

func writeEnvelope(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": status < 300, "data": data, "timestamp": time.Now()})
}

func TestHistoryNormalizesOrder(t *testing.T) {
	client, _, reqs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, map[string]any{
			"content": []map[string]any{
				{"id": 3, "senderId": 1, "receiverId": 2, "content": "c", "messageType": "TEXT", "createdAt": "2024-01-01T00:00:03"},
				{"id": 2, "senderId": 2, "receiverId": 1, "content": "b", "messageType": "TEXT", "createdAt": "2024-01-01T00:00:02"},
				{"id": 1, "senderId": 1, "receiverId": 2, "content": "a", "messageType": "TEXT", "createdAt": "2024-01-01T00:00:01"},
			},
			"totalPages": 3, "totalElements": 45, "number": 0, "size": 20,
		})
	})

	page, err := client.History(context.Background(), 2, 0, 0)
	require.NoError(t, err)
	require.Len(t, page.Messages, 3)
	assert.Equal(t, []int64{1, 2, 3}, []int64{page.Messages[0].ID, page.Messages[1].ID, page.Messages[2].ID})
	assert.Equal(t, 3, page.TotalPages)
	assert.True(t, page.HasNext())

	require.Len(t, *reqs, 1)
	got := (*reqs)[0]
	assert.Equal(t, "/api/messages/history/2/page", got.path)
	assert.Equal(t, "page=0&size=20", got.query)
	assert.Equal(t, "Bearer tok", got.auth)
}

func TestSendDispatchesByKind(t *testing.T) {
	client, _, reqs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusCreated, map[string]any{"id": 10, "senderId": 1, "receiverId": 2, "messageType": "TEXT", "content": "x"})
	})
	ctx := context.Background()

	cases := []struct {
		body message.Body
		path string
		keys []string
	}{
		{message.Text{Content: "hi"}, "/api/messages/send/text", []string{"content"}},
		{message.Image{URL: "u", Caption: "c"}, "/api/messages/send/image", []string{"mediaUrl", "caption"}},
		{message.Video{URL: "u"}, "/api/messages/send/video", []string{"mediaUrl", "caption"}},
		{message.Voice{URL: "u", Duration: 3}, "/api/messages/send/voice", []string{"audioUrl", "duration"}},
		{message.File{URL: "u", Name: "n", Size: 5}, "/api/messages/send/file", []string{"fileUrl", "fileName", "fileSize"}},
		{message.Location{Latitude: 1, Longitude: 2, Address: "a"}, "/api/messages/send/location", []string{"latitude", "longitude", "address"}},
		{message.Sticker{StickerID: "s"}, "/api/messages/send/sticker", []string{"stickerId"}},
	}
	for i, tc := range cases {
		msg, err := client.Send(ctx, 2, tc.body, "ref")
		require.NoError(t, err)
		assert.Equal(t, int64(10), msg.ID)
		assert.Equal(t, "ref", msg.ClientRef)

		got := (*reqs)[i]
		assert.Equal(t, tc.path, got.path)
		assert.Equal(t, float64(2), got.body["receiverId"])
		assert.Equal(t, "ref", got.body["clientMessageId"])
		for _, k := range tc.keys {
			assert.Contains(t, got.body, k, tc.path)
		}
	}
}

func TestSendRejectsLocallyWithoutRequest(t *testing.T) {
	client, _, reqs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, http.StatusOK, nil)
	})
	ctx := context.Background()

	_, err := client.Send(ctx, 2, message.System{Content: "x"}, "")
	assert.ErrorIs(t, err, ErrUnsupportedKind)
	_, err = client.SendText(ctx, 2, "   ", "")
	assert.ErrorIs(t, err, ErrEmptyContent)
	_, err = client.SendImage(ctx, 2, "", "caption", "")
	assert.ErrorIs(t, err, ErrEmptyContent)
	assert.Empty(t, *reqs)
}

func TestUnauthorizedClearsSessionAndFiresHook(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = io.WriteString(w, `{"success":false,"error":"token expired"}`)
	}))
	t.Cleanup(srv.Close)
	sess := &fakeSession{token: "old"}
	fired := 0
	client := New(Options{BaseURL: srv.URL, Session: sess, OnUnauthorized: func() { fired++ }})

	_, err := client.History(context.Background(), 1, 0, 20)
	require.Error(t, err)
	assert.True(t, IsUnauthorized(err))
	var authErr *AuthError
	require.ErrorAs(t, err, &authErr)
	assert.Equal(t, "token expired", authErr.Message)
	assert.Equal(t, 1, sess.cleared)
	assert.Empty(t, sess.Token())
	assert.Equal(t, 1, fired)
}

func TestRequestErrorMessagePrecedence(t *testing.T) {
	client, _, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/messages/1":
			w.WriteHeader(http.StatusNotFound)
			_, _ = io.WriteString(w, `{"success":false,"message":"not found msg","error":"Message not found"}`)
		case "/api/messages/recall/1":
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"success":false,"message":"too late"}`)
		default:
			w.WriteHeader(http.StatusOK)
			_, _ = io.WriteString(w, `{"success":false,"error":"soft failure"}`)
		}
	})
	ctx := context.Background()

	var reqErr *RequestError
	err := client.Delete(ctx, 1)
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, http.StatusNotFound, reqErr.Status)
	assert.Equal(t, "Message not found", reqErr.Message)

	err = client.Recall(ctx, 1)
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "too late", reqErr.Message)

	err = client.MarkRead(ctx, 9)
	require.ErrorAs(t, err, &reqErr)
	assert.Equal(t, "soft failure", reqErr.Message)
}

func TestNetworkErrorWhenServerUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	client := New(Options{BaseURL: url, Timeout: time.Second})
	_, err := client.Unread(context.Background())
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.Equal(t, "unread", netErr.Op)
}

func TestBarePayloadAndQueries(t *testing.T) {
	client, _, reqs := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/messages/unread/count":
			_, _ = io.WriteString(w, `7`)
		case "/api/messages/search":
			writeEnvelope(w, http.StatusOK, map[string]any{"content": []any{}, "totalPages": 0})
		case "/api/messages/forward":
			writeEnvelope(w, http.StatusOK, []map[string]any{{"id": 5, "senderId": 1, "receiverId": 3}, {"id": 6, "senderId": 1, "receiverId": 4}})
		case "/api/users/login":
			writeEnvelope(w, http.StatusOK, map[string]any{"token": "jwt", "tokenType": "Bearer", "user": map[string]any{"id": 1, "username": "alice"}})
		default:
			writeEnvelope(w, http.StatusOK, nil)
		}
	})
	ctx := context.Background()

	n, err := client.UnreadCount(ctx, 4)
	require.NoError(t, err)
	assert.Equal(t, int64(7), n)
	assert.Equal(t, "senderId=4", (*reqs)[0].query)

	page, err := client.Search(ctx, "a&b c", 1, 5)
	require.NoError(t, err)
	assert.Empty(t, page.Messages)
	assert.Equal(t, "keyword=a%26b+c&page=1&size=5", (*reqs)[1].query)

	fwd, err := client.Forward(ctx, 9, []int64{3, 4})
	require.NoError(t, err)
	assert.Len(t, fwd, 2)
	assert.Equal(t, []any{float64(3), float64(4)}, (*reqs)[2].body["receiverIds"])

	res, err := client.Login(ctx, "a@x", "pw")
	require.NoError(t, err)
	assert.Equal(t, "jwt", res.Token)
	assert.Equal(t, int64(1), res.User.ID)
}
