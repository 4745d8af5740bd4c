package bridge

import (
	"noxchat/internal/convo"
	"noxchat/internal/message"
	"noxchat/internal/ui"
)

type event struct {
	Kind         string           `json:"kind"`
	State        *stateView       `json:"state,omitempty"`
	Text         string           `json:"text,omitempty"`
	Notification *ui.Notification `json:"notification,omitempty"`
}

type stateView struct {
	Peer       int64         `json:"peerId"`
	State      string        `json:"state"`
	Messages   []messageView `json:"messages"`
	HasMore    bool          `json:"hasMore"`
	Page       int           `json:"page"`
	Error      string        `json:"error,omitempty"`
	PeerTyping bool          `json:"peerTyping"`
	Unread     int           `json:"unread"`
	Online     bool          `json:"online"`
}

// messageView is the wire record plus the local fields a browser needs to
// render optimistic sends.
type messageView struct {
	message.Wire
	Status  string `json:"status"`
	Mine    bool   `json:"mine"`
	Summary string `json:"summary"`
}

func newStateView(s convo.Snapshot, self int64) stateView {
	v := stateView{
		Peer:       s.Peer,
		State:      s.State.String(),
		Messages:   make([]messageView, 0, len(s.Messages)),
		HasMore:    s.HasMore,
		Page:       s.Page,
		PeerTyping: s.PeerTyping,
		Unread:     s.Unread,
		Online:     s.Online,
	}
	if s.Err != nil {
		v.Error = s.Err.Error()
	}
	for _, m := range s.Messages {
		v.Messages = append(v.Messages, newMessageView(m, self))
	}
	return v
}

func newMessageView(m message.Message, self int64) messageView {
	return messageView{
		Wire:    message.ToWire(m),
		Status:  m.Status.String(),
		Mine:    self != 0 && m.SenderID == self,
		Summary: ui.Describe(m.Body),
	}
}
