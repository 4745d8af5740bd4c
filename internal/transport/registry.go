package transport

import (
	"sync"

	"github.com/rs/zerolog"

	"noxchat/internal/message"
)

// HandlerID identifies a registered callback so it can be removed.
type HandlerID uint64

type handlerEntry[T any] struct {
	id HandlerID
	fn func(T)
}

type handlerList[T any] []handlerEntry[T]

// registry holds subscriber callbacks. Callbacks run outside the lock, in
// registration order.
type registry struct {
	mu      sync.Mutex
	next    HandlerID
	message handlerList[message.Message]
	typing  handlerList[message.Typing]
	receipt handlerList[message.ReadReceipt]
	recall  handlerList[message.Recall]
	state   handlerList[ConnState]
}

func add[T any](r *registry, list *handlerList[T], fn func(T)) HandlerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.next++
	*list = append(*list, handlerEntry[T]{id: r.next, fn: fn})
	return r.next
}

func remove[T any](r *registry, list *handlerList[T], id HandlerID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, e := range *list {
		if e.id == id {
			*list = append((*list)[:i:i], (*list)[i+1:]...)
			return
		}
	}
}

func emit[T any](r *registry, list *handlerList[T], log zerolog.Logger, kind string, v T) {
	r.mu.Lock()
	entries := make([]handlerEntry[T], len(*list))
	copy(entries, *list)
	r.mu.Unlock()
	for _, e := range entries {
		call(e, log, kind, v)
	}
}

func call[T any](e handlerEntry[T], log zerolog.Logger, kind string, v T) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("handler", kind).Uint64("id", uint64(e.id)).Msg("subscriber panicked")
		}
	}()
	e.fn(v)
}

func (r *registry) clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.message, r.typing, r.receipt, r.recall, r.state = nil, nil, nil, nil, nil
}

func (r *registry) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.message) + len(r.typing) + len(r.receipt) + len(r.recall) + len(r.state)
}

// OnMessage registers fn for message events from either message channel.
func (s *Session) OnMessage(fn func(message.Message)) HandlerID {
	return add(s.reg, &s.reg.message, fn)
}

func (s *Session) OffMessage(id HandlerID) { remove(s.reg, &s.reg.message, id) }

func (s *Session) OnTyping(fn func(message.Typing)) HandlerID {
	return add(s.reg, &s.reg.typing, fn)
}

func (s *Session) OffTyping(id HandlerID) { remove(s.reg, &s.reg.typing, id) }

func (s *Session) OnReadReceipt(fn func(message.ReadReceipt)) HandlerID {
	return add(s.reg, &s.reg.receipt, fn)
}

func (s *Session) OffReadReceipt(id HandlerID) { remove(s.reg, &s.reg.receipt, id) }

func (s *Session) OnRecall(fn func(message.Recall)) HandlerID {
	return add(s.reg, &s.reg.recall, fn)
}

func (s *Session) OffRecall(id HandlerID) { remove(s.reg, &s.reg.recall, id) }

// OnState registers fn for connection state transitions.
func (s *Session) OnState(fn func(ConnState)) HandlerID {
	return add(s.reg, &s.reg.state, fn)
}

func (s *Session) OffState(id HandlerID) { remove(s.reg, &s.reg.state, id) }

// Handlers reports how many callbacks are registered.
func (s *Session) Handlers() int { return s.reg.count() }
