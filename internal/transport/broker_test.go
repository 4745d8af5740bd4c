package transport

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

// testBroker is a minimal STOMP broker speaking one frame per WebSocket
// message, enough to drive a Session end to end.
type testBroker struct {
	t   *testing.T
	srv *httptest.Server

	mu       sync.Mutex
	conn     *websocket.Conn
	writeMu  sync.Mutex
	subs     map[string]string // destination -> subscription id
	received []*frame.Frame
	connects int
	reject   string
	// dropAfterSubscribe closes the next client once all its subscriptions
	// have arrived.
	dropAfterSubscribe bool
}

func newTestBroker(t *testing.T) *testBroker {
	t.Helper()
	b := &testBroker{t: t, subs: map[string]string{}}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	b.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		b.serve(conn)
	}))
	t.Cleanup(b.srv.Close)
	return b
}

func (b *testBroker) URL() string {
	return "ws" + strings.TrimPrefix(b.srv.URL, "http")
}

func (b *testBroker) serve(conn *websocket.Conn) {
	defer conn.Close()
	b.mu.Lock()
	b.conn = conn
	b.subs = map[string]string{}
	b.mu.Unlock()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := decodeFrame(data)
		if err != nil || f == nil {
			continue
		}
		b.mu.Lock()
		b.received = append(b.received, f)
		reject := b.reject
		if f.Command == frame.CONNECT {
			b.connects++
		}
		drop := false
		if f.Command == frame.SUBSCRIBE {
			b.subs[f.Header.Get(frame.Destination)] = f.Header.Get(frame.Id)
			if b.dropAfterSubscribe && len(b.subs) == len(subscriptions) {
				b.dropAfterSubscribe = false
				drop = true
			}
		}
		b.mu.Unlock()
		if drop {
			return
		}

		if f.Command == frame.CONNECT {
			if reject != "" {
				b.write(conn, frame.New(frame.ERROR, frame.Message, reject))
				return
			}
			b.write(conn, frame.New(frame.CONNECTED, frame.Version, "1.2", frame.HeartBeat, "0,0"))
		}
	}
}

func (b *testBroker) write(conn *websocket.Conn, f *frame.Frame) {
	var buf bytes.Buffer
	_ = frame.NewWriter(&buf).Write(f)
	b.raw(conn, buf.Bytes())
}

func (b *testBroker) raw(conn *websocket.Conn, data []byte) {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	_ = conn.WriteMessage(websocket.TextMessage, data)
}

// Push delivers body on dest to the current client.
func (b *testBroker) Push(dest, body string) {
	b.mu.Lock()
	conn, id := b.conn, b.subs[dest]
	b.mu.Unlock()
	require.NotNil(b.t, conn, "no client connected")
	require.NotEmpty(b.t, id, "client not subscribed to %s", dest)
	f := frame.New(frame.MESSAGE, frame.Destination, dest, frame.Subscription, id, frame.MessageId, "m-1")
	f.Body = []byte(body)
	b.write(conn, f)
}

// Drop closes the client's socket without a DISCONNECT.
func (b *testBroker) Drop() {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (b *testBroker) Frames(command string) []*frame.Frame {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*frame.Frame
	for _, f := range b.received {
		if f.Command == command {
			out = append(out, f)
		}
	}
	return out
}

func (b *testBroker) Connects() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connects
}

func (b *testBroker) Subscribed() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, 2*time.Second, 10*time.Millisecond, msg)
}
