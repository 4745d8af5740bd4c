// Package convo keeps the message list of the active conversation consistent
// across paginated history fetches, optimistic sends and push events.
package convo

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"noxchat/internal/api"
	"noxchat/internal/message"
	"noxchat/internal/metrics"
	"noxchat/internal/transport"
)

// Fetcher is the REST surface the synchronizer needs. *api.Client satisfies it.
type Fetcher interface {
	History(ctx context.Context, peer int64, page, size int) (api.Page, error)
	Send(ctx context.Context, receiver int64, body message.Body, clientRef string) (message.Message, error)
	MarkRead(ctx context.Context, sender int64) error
	Recall(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
}

// Push is the transport surface the synchronizer needs. *transport.Session
// satisfies it.
type Push interface {
	OnMessage(func(message.Message)) transport.HandlerID
	OffMessage(transport.HandlerID)
	OnTyping(func(message.Typing)) transport.HandlerID
	OffTyping(transport.HandlerID)
	OnReadReceipt(func(message.ReadReceipt)) transport.HandlerID
	OffReadReceipt(transport.HandlerID)
	OnRecall(func(message.Recall)) transport.HandlerID
	OffRecall(transport.HandlerID)
	OnState(func(transport.ConnState)) transport.HandlerID
	OffState(transport.HandlerID)
	State() transport.ConnState
	SendReadReceipt(ctx context.Context, sender int64) error
	SendTyping(ctx context.Context, receiver int64, isTyping bool) error
}

// Cache receives confirmed messages for offline viewing. *storage.Store
// satisfies it.
type Cache interface {
	SaveHistory(peer int64, msgs ...message.Message) error
	ForgetMessage(peer int64, msg message.Message) error
}

type Options struct {
	Self     int64
	Fetcher  Fetcher
	Push     Push
	PageSize int
	Logger   zerolog.Logger
	Metrics  *metrics.Metrics
	Listener Listener
	Cache    Cache
	// NewRef generates client refs for optimistic sends.
	NewRef func() string
	// BackgroundTimeout bounds mark-read and resync calls started by events.
	BackgroundTimeout time.Duration
}

type Synchronizer struct {
	self      int64
	fetch     Fetcher
	push      Push
	size      int
	log       zerolog.Logger
	metrics   *metrics.Metrics
	listener  Listener
	cache     Cache
	newRef    func() string
	bgTimeout time.Duration

	unsubscribe []func()
	bgCtx       context.Context
	bgCancel    context.CancelFunc
	bg          sync.WaitGroup

	mu         sync.Mutex
	gen        uint64
	seq        uint64
	closed     bool
	online     bool
	sawDrop    bool
	conv       conversation
	notifyMu   sync.Mutex
	lastNotify uint64
}

func New(opts Options) *Synchronizer {
	size := opts.PageSize
	if size <= 0 {
		size = api.DefaultPageSize
	}
	newRef := opts.NewRef
	if newRef == nil {
		newRef = uuid.NewString
	}
	bgTimeout := opts.BackgroundTimeout
	if bgTimeout <= 0 {
		bgTimeout = api.DefaultTimeout
	}
	s := &Synchronizer{
		self:      opts.Self,
		fetch:     opts.Fetcher,
		push:      opts.Push,
		size:      size,
		log:       opts.Logger.With().Str("component", "convo").Logger(),
		metrics:   opts.Metrics,
		listener:  opts.Listener,
		cache:     opts.Cache,
		newRef:    newRef,
		bgTimeout: bgTimeout,
	}
	s.bgCtx, s.bgCancel = context.WithCancel(context.Background())
	if s.push != nil {
		s.online = s.push.State() == transport.Connected
		p := s.push
		msgID := p.OnMessage(s.onMessage)
		typingID := p.OnTyping(s.onTyping)
		receiptID := p.OnReadReceipt(s.onReadReceipt)
		recallID := p.OnRecall(s.onRecall)
		stateID := p.OnState(s.onState)
		s.unsubscribe = []func(){
			func() { p.OffMessage(msgID) },
			func() { p.OffTyping(typingID) },
			func() { p.OffReadReceipt(receiptID) },
			func() { p.OffRecall(recallID) },
			func() { p.OffState(stateID) },
		}
	}
	return s
}

// Snapshot returns a copy of the current state.
func (s *Synchronizer) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Synchronizer) snapshotLocked() Snapshot {
	s.seq++
	msgs := make([]message.Message, len(s.conv.msgs))
	copy(msgs, s.conv.msgs)
	return Snapshot{
		Peer:       s.conv.peer,
		State:      s.conv.state,
		Messages:   msgs,
		HasMore:    s.conv.hasMore,
		Page:       s.conv.page,
		Err:        s.conv.err,
		PeerTyping: s.conv.peerTyping,
		Unread:     s.conv.unread(),
		Online:     s.online,
		seq:        s.seq,
	}
}

// notify delivers snap unless a newer snapshot was already delivered.
func (s *Synchronizer) notify(snap Snapshot) {
	if s.listener == nil {
		return
	}
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if snap.seq <= s.lastNotify {
		return
	}
	s.lastNotify = snap.seq
	s.listener.ConversationChanged(snap)
}

// Select makes peer the active conversation. All previous state is dropped
// and the listener sees the empty loading state before page 0 is requested.
// Selecting the active peer again reloads it.
func (s *Synchronizer) Select(ctx context.Context, peer int64) error {
	if peer == 0 {
		return ErrNoConversation
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.gen++
	gen := s.gen
	s.conv = conversation{peer: peer, state: LoadingInitial, hasMore: true}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)

	page, err := s.fetch.History(ctx, peer, 0, s.size)

	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		s.metrics.IncStale()
		s.log.Debug().Int64("peer", peer).Msg("discarding stale initial page")
		return nil
	}
	if err != nil {
		s.conv.state = Ready
		s.conv.err = err
		snap = s.snapshotLocked()
		s.mu.Unlock()
		s.notify(snap)
		s.log.Warn().Err(err).Int64("peer", peer).Msg("initial history fetch failed")
		return errors.Wrap(err, "load conversation")
	}
	// Live events may have arrived while the page was in flight; the page
	// goes in front of them.
	fresh := s.unknown(page.Messages)
	s.conv.msgs = append(fresh, s.conv.msgs...)
	s.conv.page = 1
	s.conv.hasMore = page.HasNext()
	s.conv.state = Ready
	snap = s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
	s.remember(peer, page.Messages...)

	if err := s.markRead(ctx, peer); err != nil {
		s.log.Warn().Err(err).Int64("peer", peer).Msg("mark read after select failed")
	}
	return nil
}

// LoadMore fetches the next older page and prepends it. It does nothing while
// a fetch is in flight or when no older page exists.
func (s *Synchronizer) LoadMore(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.conv.state != Ready || !s.conv.hasMore || s.conv.peer == 0 {
		s.mu.Unlock()
		return nil
	}
	gen := s.gen
	peer, pageNo := s.conv.peer, s.conv.page
	s.conv.state = LoadingMore
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)

	page, err := s.fetch.History(ctx, peer, pageNo, s.size)

	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		s.metrics.IncStale()
		return nil
	}
	if err != nil {
		s.conv.state = Ready
		s.conv.err = err
		snap = s.snapshotLocked()
		s.mu.Unlock()
		s.notify(snap)
		return errors.Wrapf(err, "load page %d", pageNo)
	}
	fresh := s.unknown(page.Messages)
	s.conv.msgs = append(fresh, s.conv.msgs...)
	s.conv.hasMore = pageNo+1 < page.TotalPages
	s.conv.page = pageNo + 1
	s.conv.state = Ready
	s.conv.err = nil
	snap = s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
	s.remember(peer, page.Messages...)
	return nil
}

// Resync refetches the newest page and merges anything missed while the push
// channel was down. Entries already present are not duplicated.
func (s *Synchronizer) Resync(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	if s.conv.peer == 0 || s.conv.state != Ready {
		s.mu.Unlock()
		return nil
	}
	gen, peer := s.gen, s.conv.peer
	s.mu.Unlock()

	page, err := s.fetch.History(ctx, peer, 0, s.size)
	if err != nil {
		return errors.Wrap(err, "resync")
	}

	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		s.metrics.IncStale()
		return nil
	}
	added := 0
	for _, msg := range page.Messages {
		if s.conv.reconcile(msg) == appended {
			added++
		}
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
	s.remember(peer, page.Messages...)
	s.log.Debug().Int64("peer", peer).Int("added", added).Msg("resynced")
	return nil
}

// Close deregisters every push handler and clears state. Later calls return
// ErrClosed.
func (s *Synchronizer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.gen++
	s.conv = conversation{}
	s.mu.Unlock()

	for _, off := range s.unsubscribe {
		off()
	}
	s.bgCancel()
	s.bg.Wait()
	return nil
}

// unknown returns the entries of msgs whose id is not already listed.
func (s *Synchronizer) unknown(msgs []message.Message) []message.Message {
	out := make([]message.Message, 0, len(msgs))
	seen := make(map[int64]bool, len(msgs))
	for _, m := range msgs {
		if m.ID != 0 && (seen[m.ID] || s.conv.indexID(m.ID) >= 0) {
			s.metrics.IncDuplicate()
			continue
		}
		seen[m.ID] = true
		out = append(out, m)
	}
	return out
}

func (s *Synchronizer) remember(peer int64, msgs ...message.Message) {
	if s.cache == nil || len(msgs) == 0 {
		return
	}
	if err := s.cache.SaveHistory(peer, msgs...); err != nil {
		s.log.Warn().Err(err).Int64("peer", peer).Msg("cache history")
	}
}

// background runs fn with a bounded context unless the synchronizer is closed.
func (s *Synchronizer) background(fn func(ctx context.Context)) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.bg.Add(1)
	s.mu.Unlock()
	go func() {
		defer s.bg.Done()
		ctx, cancel := context.WithTimeout(s.bgCtx, s.bgTimeout)
		defer cancel()
		fn(ctx)
	}()
}
