package convo

import (
	"context"
	"sync"
	"time"

	"noxchat/internal/api"
	"noxchat/internal/message"
	"noxchat/internal/transport"
)

const (
	self  int64 = 1
	peerA int64 = 42
	peerB int64 = 43
)

var base = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

func textMsg(id, from, to int64, content string) message.Message {
	return message.Message{
		ID:         id,
		SenderID:   from,
		ReceiverID: to,
		Body:       message.Text{Content: content},
		CreatedAt:  base.Add(time.Duration(id) * time.Minute),
	}
}

type historyCall struct {
	peer int64
	page int
	size int
}

type sendCall struct {
	receiver int64
	body     message.Body
	ref      string
}

// fakeFetcher is an in-memory backend. Server messages are kept oldest
// first; page 0 is the newest slice, like the real endpoint.
type fakeFetcher struct {
	mu         sync.Mutex
	server     map[int64][]message.Message
	gates      map[int64]chan struct{}
	historyErr error
	sendGate   chan struct{}
	sendErr    error
	echoRef    bool
	nextID     int64

	history   []historyCall
	sends     []sendCall
	markReads []int64
	recalls   []int64
	deletes   []int64
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		server: map[int64][]message.Message{},
		gates:  map[int64]chan struct{}{},
		nextID: 1000,
	}
}

func (f *fakeFetcher) seed(peer int64, msgs ...message.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.server[peer] = append(f.server[peer], msgs...)
}

func (f *fakeFetcher) gate(peer int64) chan struct{} {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch := make(chan struct{})
	f.gates[peer] = ch
	return ch
}

func (f *fakeFetcher) historyCalls() []historyCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]historyCall(nil), f.history...)
}

func (f *fakeFetcher) sendCalls() []sendCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sendCall(nil), f.sends...)
}

func (f *fakeFetcher) markReadCalls() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.markReads...)
}

func (f *fakeFetcher) History(ctx context.Context, peer int64, page, size int) (api.Page, error) {
	f.mu.Lock()
	f.history = append(f.history, historyCall{peer, page, size})
	gate := f.gates[peer]
	f.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return api.Page{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.historyErr != nil {
		return api.Page{}, f.historyErr
	}
	all := f.server[peer]
	total := len(all)
	pages := (total + size - 1) / size
	end := total - page*size
	start := end - size
	if start < 0 {
		start = 0
	}
	var out []message.Message
	if end > 0 {
		out = append(out, all[start:end]...)
	}
	return api.Page{Messages: out, TotalPages: pages, TotalElements: int64(total), Number: page, Size: size}, nil
}

func (f *fakeFetcher) Send(ctx context.Context, receiver int64, body message.Body, ref string) (message.Message, error) {
	f.mu.Lock()
	f.sends = append(f.sends, sendCall{receiver, body, ref})
	gate := f.sendGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return message.Message{}, f.sendErr
	}
	f.nextID++
	msg := message.Message{
		ID:         f.nextID,
		SenderID:   self,
		ReceiverID: receiver,
		Body:       body,
		CreatedAt:  base.Add(time.Duration(f.nextID) * time.Minute),
	}
	f.server[receiver] = append(f.server[receiver], msg)
	if f.echoRef {
		msg.ClientRef = ref
	}
	return msg, nil
}

func (f *fakeFetcher) MarkRead(ctx context.Context, sender int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.markReads = append(f.markReads, sender)
	return nil
}

func (f *fakeFetcher) Recall(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recalls = append(f.recalls, id)
	return nil
}

func (f *fakeFetcher) Delete(ctx context.Context, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, id)
	return nil
}

// fakePush stands in for the transport session.
type fakePush struct {
	mu       sync.Mutex
	next     transport.HandlerID
	messages map[transport.HandlerID]func(message.Message)
	typing   map[transport.HandlerID]func(message.Typing)
	receipts map[transport.HandlerID]func(message.ReadReceipt)
	recalls  map[transport.HandlerID]func(message.Recall)
	states   map[transport.HandlerID]func(transport.ConnState)
	state    transport.ConnState

	sentReceipts []int64
	sentTyping   []bool
}

func newFakePush(state transport.ConnState) *fakePush {
	return &fakePush{
		messages: map[transport.HandlerID]func(message.Message){},
		typing:   map[transport.HandlerID]func(message.Typing){},
		receipts: map[transport.HandlerID]func(message.ReadReceipt){},
		recalls:  map[transport.HandlerID]func(message.Recall){},
		states:   map[transport.HandlerID]func(transport.ConnState){},
		state:    state,
	}
}

func (p *fakePush) id() transport.HandlerID {
	p.next++
	return p.next
}

func (p *fakePush) OnMessage(fn func(message.Message)) transport.HandlerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.id()
	p.messages[id] = fn
	return id
}

func (p *fakePush) OffMessage(id transport.HandlerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.messages, id)
}

func (p *fakePush) OnTyping(fn func(message.Typing)) transport.HandlerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.id()
	p.typing[id] = fn
	return id
}

func (p *fakePush) OffTyping(id transport.HandlerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.typing, id)
}

func (p *fakePush) OnReadReceipt(fn func(message.ReadReceipt)) transport.HandlerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.id()
	p.receipts[id] = fn
	return id
}

func (p *fakePush) OffReadReceipt(id transport.HandlerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.receipts, id)
}

func (p *fakePush) OnRecall(fn func(message.Recall)) transport.HandlerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.id()
	p.recalls[id] = fn
	return id
}

func (p *fakePush) OffRecall(id transport.HandlerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.recalls, id)
}

func (p *fakePush) OnState(fn func(transport.ConnState)) transport.HandlerID {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.id()
	p.states[id] = fn
	return id
}

func (p *fakePush) OffState(id transport.HandlerID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.states, id)
}

func (p *fakePush) State() transport.ConnState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

func (p *fakePush) SendReadReceipt(ctx context.Context, sender int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != transport.Connected {
		return transport.ErrNotConnected
	}
	p.sentReceipts = append(p.sentReceipts, sender)
	return nil
}

func (p *fakePush) SendTyping(ctx context.Context, receiver int64, isTyping bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != transport.Connected {
		return transport.ErrNotConnected
	}
	p.sentTyping = append(p.sentTyping, isTyping)
	return nil
}

func (p *fakePush) handlerCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages) + len(p.typing) + len(p.receipts) + len(p.recalls) + len(p.states)
}

func (p *fakePush) receiptsSent() []int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]int64(nil), p.sentReceipts...)
}

func (p *fakePush) emitMessage(m message.Message) {
	p.mu.Lock()
	fns := make([]func(message.Message), 0, len(p.messages))
	for _, fn := range p.messages {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(m)
	}
}

func (p *fakePush) emitTyping(ev message.Typing) {
	p.mu.Lock()
	fns := make([]func(message.Typing), 0, len(p.typing))
	for _, fn := range p.typing {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (p *fakePush) emitReceipt(ev message.ReadReceipt) {
	p.mu.Lock()
	fns := make([]func(message.ReadReceipt), 0, len(p.receipts))
	for _, fn := range p.receipts {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (p *fakePush) emitRecall(ev message.Recall) {
	p.mu.Lock()
	fns := make([]func(message.Recall), 0, len(p.recalls))
	for _, fn := range p.recalls {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}

func (p *fakePush) setState(st transport.ConnState) {
	p.mu.Lock()
	p.state = st
	fns := make([]func(transport.ConnState), 0, len(p.states))
	for _, fn := range p.states {
		fns = append(fns, fn)
	}
	p.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

// recordingListener keeps every snapshot it is handed.
type recordingListener struct {
	mu    sync.Mutex
	snaps []Snapshot
}

func (r *recordingListener) ConversationChanged(s Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.snaps = append(r.snaps, s)
}

func (r *recordingListener) all() []Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Snapshot(nil), r.snaps...)
}
