package convo

import (
	"context"

	"noxchat/internal/message"
	"noxchat/internal/transport"
)

// onMessage runs on the transport's read goroutine.
func (s *Synchronizer) onMessage(msg message.Message) {
	s.mu.Lock()
	peer := s.conv.peer
	if s.closed || !msg.Involves(peer) || (s.self != 0 && !msg.Involves(s.self)) {
		s.mu.Unlock()
		return
	}
	switch s.conv.reconcile(msg) {
	case updated:
		s.metrics.IncDuplicate()
	case replaced:
		s.metrics.IncConfirmed()
	}
	fromPeer := msg.SenderID == peer
	if fromPeer {
		s.conv.markFromRead(peer)
		s.conv.peerTyping = false
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
	s.remember(peer, msg)

	if fromPeer {
		s.background(func(ctx context.Context) {
			if err := s.markRead(ctx, peer); err != nil {
				s.log.Warn().Err(err).Int64("peer", peer).Int64("msg_id", msg.ID).Msg("mark read on receive")
			}
		})
	}
}

func (s *Synchronizer) onTyping(ev message.Typing) {
	s.mu.Lock()
	if s.closed || ev.SenderID == 0 || ev.SenderID != s.conv.peer || s.conv.peerTyping == ev.IsTyping {
		s.mu.Unlock()
		return
	}
	s.conv.peerTyping = ev.IsTyping
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
}

// onReadReceipt marks our messages read once the peer reports reading them.
func (s *Synchronizer) onReadReceipt(ev message.ReadReceipt) {
	s.mu.Lock()
	if s.closed || ev.ReaderID == 0 || ev.ReaderID != s.conv.peer {
		s.mu.Unlock()
		return
	}
	changed := false
	for i := range s.conv.msgs {
		m := &s.conv.msgs[i]
		if m.SenderID == s.self && !m.Read && m.Confirmed() {
			m.Read = true
			changed = true
		}
	}
	if !changed {
		s.mu.Unlock()
		return
	}
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
}

func (s *Synchronizer) onRecall(ev message.Recall) {
	s.applyRecall(ev.MessageID)
}

func (s *Synchronizer) applyRecall(id int64) {
	s.mu.Lock()
	i := s.conv.indexID(id)
	if s.closed || i < 0 || s.conv.msgs[i].Status == message.StatusRecalled {
		s.mu.Unlock()
		return
	}
	s.conv.msgs[i].Status = message.StatusRecalled
	snap := s.snapshotLocked()
	s.mu.Unlock()
	s.notify(snap)
}

// onState tracks connectivity and resyncs once a dropped session is back.
func (s *Synchronizer) onState(st transport.ConnState) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	wasOnline := s.online
	s.online = st == transport.Connected
	resync := false
	switch st {
	case transport.Disconnected:
		if wasOnline {
			s.sawDrop = true
		}
	case transport.Connected:
		resync = s.sawDrop
		s.sawDrop = false
	}
	changed := wasOnline != s.online
	var snap Snapshot
	if changed {
		snap = s.snapshotLocked()
	}
	s.mu.Unlock()
	if changed {
		s.notify(snap)
	}
	if resync {
		s.background(func(ctx context.Context) {
			if err := s.Resync(ctx); err != nil {
				s.log.Warn().Err(err).Msg("resync after reconnect")
			}
		})
	}
}
