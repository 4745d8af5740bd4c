package convo

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"noxchat/internal/api"
	"noxchat/internal/message"
	"noxchat/internal/transport"
)

// SendText sends content to the active peer. Blank content is rejected
// before anything touches the network.
func (s *Synchronizer) SendText(ctx context.Context, content string) (message.Message, error) {
	if strings.TrimSpace(content) == "" {
		return message.Message{}, ErrEmptyContent
	}
	return s.Send(ctx, message.Text{Content: content})
}

// Send appends an optimistic entry, then confirms it over REST. On success
// the entry becomes the server record; on failure it stays in place marked
// failed and the error is returned.
func (s *Synchronizer) Send(ctx context.Context, body message.Body) (message.Message, error) {
	if body == nil {
		return message.Message{}, ErrEmptyContent
	}
	if body.Kind() == message.KindSystem {
		return message.Message{}, api.ErrUnsupportedKind
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return message.Message{}, ErrClosed
	}
	if s.conv.peer == 0 {
		s.mu.Unlock()
		return message.Message{}, ErrNoConversation
	}
	pending := message.Message{
		ClientRef:  s.newRef(),
		SenderID:   s.self,
		ReceiverID: s.conv.peer,
		Body:       body,
		CreatedAt:  time.Now().UTC(),
		Status:     message.StatusPending,
	}
	s.conv.msgs = append(s.conv.msgs, pending)
	gen := s.gen
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
	s.metrics.IncSent()

	return s.deliver(ctx, gen, pending)
}

// Retry resends a failed entry under its original client ref, so the
// backend can recognise a repeat of a send that actually landed.
func (s *Synchronizer) Retry(ctx context.Context, clientRef string) (message.Message, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return message.Message{}, ErrClosed
	}
	i := s.conv.indexRef(clientRef)
	if i < 0 || s.conv.msgs[i].Status != message.StatusFailed {
		s.mu.Unlock()
		return message.Message{}, ErrNotFound
	}
	s.conv.msgs[i].Status = message.StatusPending
	pending := s.conv.msgs[i]
	gen := s.gen
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)

	return s.deliver(ctx, gen, pending)
}

func (s *Synchronizer) deliver(ctx context.Context, gen uint64, pending message.Message) (message.Message, error) {
	peer := pending.ReceiverID
	rec, err := s.fetch.Send(ctx, peer, pending.Body, pending.ClientRef)

	s.mu.Lock()
	if s.closed || s.gen != gen {
		s.mu.Unlock()
		s.metrics.IncStale()
		if err != nil {
			s.metrics.IncFailed()
			return pending, errors.Wrap(err, "send")
		}
		return rec, nil
	}
	i := s.conv.indexRef(pending.ClientRef)
	if err != nil {
		if i >= 0 {
			s.conv.msgs[i].Status = message.StatusFailed
			pending = s.conv.msgs[i]
		}
		s.conv.err = err
		snap := s.snapshotLocked()
		s.mu.Unlock()
		s.notify(snap)
		s.metrics.IncFailed()
		s.log.Warn().Err(err).Int64("peer", peer).Str("ref", pending.ClientRef).Msg("send failed")
		return pending, errors.Wrap(err, "send")
	}
	rec.ClientRef = pending.ClientRef
	if rec.SenderID == 0 {
		rec.SenderID = s.self
	}
	switch {
	case i >= 0:
		s.conv.reconcile(rec)
	case s.conv.indexID(rec.ID) < 0:
		s.conv.msgs = append(s.conv.msgs, confirmed(pending, rec))
	}
	if j := s.conv.indexRef(rec.ClientRef); j >= 0 {
		rec = s.conv.msgs[j]
	}
	s.conv.err = nil
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
	s.metrics.IncConfirmed()
	s.remember(peer, rec)
	return rec, nil
}

// MarkRead flags the peer's messages read locally, then tells the backend
// over REST and the push channel. A receipt that cannot be pushed is logged.
func (s *Synchronizer) MarkRead(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	peer := s.conv.peer
	s.mu.Unlock()
	if peer == 0 {
		return ErrNoConversation
	}
	return s.markRead(ctx, peer)
}

func (s *Synchronizer) markRead(ctx context.Context, peer int64) error {
	s.mu.Lock()
	if s.conv.peer != peer {
		s.mu.Unlock()
		return nil
	}
	changed := s.conv.unread() > 0
	s.conv.markFromRead(peer)
	var snap Snapshot
	if changed {
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()
	if changed {
		s.notify(snap)
	}

	err := s.fetch.MarkRead(ctx, peer)
	if s.push != nil {
		if rerr := s.push.SendReadReceipt(ctx, peer); rerr != nil {
			ev := s.log.Warn()
			if errors.Is(rerr, transport.ErrNotConnected) {
				ev = s.log.Debug()
			}
			ev.Err(rerr).Int64("peer", peer).Msg("read receipt not pushed")
		}
	}
	if err != nil {
		return errors.Wrap(err, "mark read")
	}
	return nil
}

// Recall withdraws one of the conversation's messages.
func (s *Synchronizer) Recall(ctx context.Context, id int64) error {
	if err := s.requireMessage(id); err != nil {
		return err
	}
	if err := s.fetch.Recall(ctx, id); err != nil {
		return errors.Wrap(err, "recall")
	}
	s.applyRecall(id)
	return nil
}

// Delete removes a message on the server and from the list.
func (s *Synchronizer) Delete(ctx context.Context, id int64) error {
	if err := s.requireMessage(id); err != nil {
		return err
	}
	if err := s.fetch.Delete(ctx, id); err != nil {
		return errors.Wrap(err, "delete")
	}
	s.mu.Lock()
	i := s.conv.indexID(id)
	if i < 0 {
		s.mu.Unlock()
		return nil
	}
	peer := s.conv.peer
	removed := s.conv.removeAt(i)
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
	if s.cache != nil {
		if err := s.cache.ForgetMessage(peer, removed); err != nil {
			s.log.Warn().Err(err).Int64("msg_id", id).Msg("forget cached message")
		}
	}
	return nil
}

// Typing forwards the local composing state to the peer.
func (s *Synchronizer) Typing(ctx context.Context, isTyping bool) error {
	s.mu.Lock()
	peer, closed := s.conv.peer, s.closed
	s.mu.Unlock()
	switch {
	case closed:
		return ErrClosed
	case peer == 0:
		return ErrNoConversation
	case s.push == nil:
		return transport.ErrNotConnected
	}
	return s.push.SendTyping(ctx, peer, isTyping)
}

func (s *Synchronizer) requireMessage(id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.closed:
		return ErrClosed
	case s.conv.peer == 0:
		return ErrNoConversation
	case s.conv.indexID(id) < 0:
		return ErrNotFound
	}
	return nil
}
