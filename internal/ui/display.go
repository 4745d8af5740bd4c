package ui

import (
	"time"

	"noxchat/internal/convo"
)

// Notification is an alert outside the active conversation, such as a message
// from another user.
type Notification struct {
	Text      string    `json:"text"`
	Level     string    `json:"level"`
	Timestamp time.Time `json:"timestamp"`
	From      int64     `json:"from,omitempty"`
}

// Sink is the interface every UI surface satisfies.
type Sink interface {
	ConversationChanged(convo.Snapshot)
	ShowSystem(string)
	ShowNotification(Notification)
}

type multiSink struct {
	sinks []Sink
}

// NewMultiSink fans events out to each non-nil sink.
func NewMultiSink(sinks ...Sink) Sink {
	return &multiSink{sinks: sinks}
}

func (m *multiSink) ConversationChanged(s convo.Snapshot) {
	for _, sink := range m.sinks {
		if sink != nil {
			sink.ConversationChanged(s)
		}
	}
}

func (m *multiSink) ShowSystem(text string) {
	for _, sink := range m.sinks {
		if sink != nil {
			sink.ShowSystem(text)
		}
	}
}

func (m *multiSink) ShowNotification(n Notification) {
	for _, sink := range m.sinks {
		if sink != nil {
			sink.ShowNotification(n)
		}
	}
}
