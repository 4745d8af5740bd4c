package convo

import (
	"github.com/pkg/errors"

	"noxchat/internal/message"
)

var (
	ErrEmptyContent   = errors.New("message is empty")
	ErrNoConversation = errors.New("no conversation selected")
	ErrClosed         = errors.New("synchronizer closed")
	ErrNotFound       = errors.New("message not in conversation")
)

// State is the synchronizer's lifecycle.
type State int

const (
	Idle State = iota
	LoadingInitial
	Ready
	LoadingMore
)

func (s State) String() string {
	switch s {
	case LoadingInitial:
		return "loading"
	case Ready:
		return "ready"
	case LoadingMore:
		return "loading-more"
	default:
		return "idle"
	}
}

// Loading reports whether a history fetch is in flight.
func (s State) Loading() bool {
	return s == LoadingInitial || s == LoadingMore
}

// Snapshot is an immutable copy of the active conversation.
type Snapshot struct {
	Peer       int64
	State      State
	Messages   []message.Message
	HasMore    bool
	Page       int
	Err        error
	PeerTyping bool
	Unread     int
	Online     bool

	seq uint64
}

// Listener is notified after every change, outside the synchronizer's lock.
// Implementations must not call back into the synchronizer synchronously.
type Listener interface {
	ConversationChanged(Snapshot)
}

type ListenerFunc func(Snapshot)

func (f ListenerFunc) ConversationChanged(s Snapshot) { f(s) }

// conversation is the mutable state guarded by Synchronizer.mu.
type conversation struct {
	peer       int64
	state      State
	msgs       []message.Message
	page       int
	hasMore    bool
	err        error
	peerTyping bool
}

func (c *conversation) indexID(id int64) int {
	if id == 0 {
		return -1
	}
	for i := range c.msgs {
		if c.msgs[i].ID == id {
			return i
		}
	}
	return -1
}

func (c *conversation) indexRef(ref string) int {
	if ref == "" {
		return -1
	}
	for i := range c.msgs {
		if c.msgs[i].ClientRef == ref {
			return i
		}
	}
	return -1
}

func (c *conversation) removeAt(i int) message.Message {
	removed := c.msgs[i]
	c.msgs = append(c.msgs[:i:i], c.msgs[i+1:]...)
	return removed
}

// markFromRead flags every message sent by sender as read.
func (c *conversation) markFromRead(sender int64) {
	for i := range c.msgs {
		if c.msgs[i].SenderID == sender {
			c.msgs[i].Read = true
		}
	}
}

type outcome int

const (
	appended outcome = iota
	replaced
	updated
)

// reconcile merges msg into the list: a matching client ref replaces the
// optimistic entry, a known id updates in place, anything else is appended.
func (c *conversation) reconcile(msg message.Message) outcome {
	if i := c.indexRef(msg.ClientRef); i >= 0 {
		if j := c.indexID(msg.ID); j >= 0 && j != i {
			local := c.removeAt(i)
			j = c.indexID(msg.ID)
			c.msgs[j] = confirmed(local, msg)
			return updated
		}
		c.msgs[i] = confirmed(c.msgs[i], msg)
		return replaced
	}
	if i := c.indexID(msg.ID); i >= 0 {
		existing := c.msgs[i]
		existing.Read = existing.Read || msg.Read
		existing.Body = msg.Body
		if msg.Status == message.StatusRecalled {
			existing.Status = message.StatusRecalled
		}
		c.msgs[i] = existing
		return updated
	}
	c.msgs = append(c.msgs, msg)
	return appended
}

// confirmed builds the server-confirmed version of an optimistic entry.
func confirmed(local, server message.Message) message.Message {
	server.ClientRef = local.ClientRef
	server.Read = server.Read || local.Read
	if server.Status != message.StatusRecalled {
		server.Status = message.StatusSent
	}
	return server
}

func (c *conversation) unread() int {
	n := 0
	for _, m := range c.msgs {
		if m.SenderID == c.peer && !m.Read {
			n++
		}
	}
	return n
}
