package message

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// EventRecalled is the discriminator the backend puts on recall notices
// delivered through the message queue.
const EventRecalled = "MESSAGE_RECALLED"

// ErrNotMessage is returned when a payload decodes but carries neither
// participants nor an identifier.
var ErrNotMessage = errors.New("payload is not a message record")

// Wire is the JSON record exchanged with the backend, both over REST and in
// push frames. Push frames use senderName/senderAvatar where REST uses the
// username/profile picture fields, so both spellings are accepted.
type Wire struct {
	ID                   int64     `json:"id,omitempty"`
	ClientRef            string    `json:"clientMessageId,omitempty"`
	Content              string    `json:"content"`
	ImageURL             string    `json:"imageUrl,omitempty"`
	IsRead               bool      `json:"isRead"`
	MessageType          string    `json:"messageType"`
	CreatedAt            Timestamp `json:"createdAt"`
	SenderID             int64     `json:"senderId,omitempty"`
	SenderUsername       string    `json:"senderUsername,omitempty"`
	SenderName           string    `json:"senderName,omitempty"`
	SenderProfilePicture string    `json:"senderProfilePicture,omitempty"`
	SenderAvatar         string    `json:"senderAvatar,omitempty"`
	ReceiverID           int64     `json:"receiverId,omitempty"`
	ReceiverUsername     string    `json:"receiverUsername,omitempty"`
	Sender               *party    `json:"sender,omitempty"`
	Receiver             *party    `json:"receiver,omitempty"`
	Recalled             bool      `json:"isRecalled,omitempty"`

	Type       string    `json:"type,omitempty"`
	MessageID  int64     `json:"messageId,omitempty"`
	RecalledAt Timestamp `json:"recalledAt"`
}

type party struct {
	ID       int64  `json:"id"`
	Username string `json:"username,omitempty"`
}

// Message converts the wire record into the local representation.
func (w Wire) Message() Message {
	senderID, receiverID := w.SenderID, w.ReceiverID
	senderName, receiverName := firstNonEmpty(w.SenderUsername, w.SenderName), w.ReceiverUsername
	if senderID == 0 && w.Sender != nil {
		senderID = w.Sender.ID
		senderName = firstNonEmpty(senderName, w.Sender.Username)
	}
	if receiverID == 0 && w.Receiver != nil {
		receiverID = w.Receiver.ID
		receiverName = firstNonEmpty(receiverName, w.Receiver.Username)
	}
	status := StatusSent
	if w.Recalled {
		status = StatusRecalled
	}
	return Message{
		ID:           w.ID,
		ClientRef:    w.ClientRef,
		SenderID:     senderID,
		SenderName:   senderName,
		SenderAvatar: firstNonEmpty(w.SenderProfilePicture, w.SenderAvatar),
		ReceiverID:   receiverID,
		ReceiverName: receiverName,
		Body:         decodeBody(w.MessageType, w.Content, w.ImageURL),
		CreatedAt:    w.CreatedAt.Time(),
		Read:         w.IsRead,
		Status:       status,
	}
}

// ToWire converts m back into the backend record shape.
func ToWire(m Message) Wire {
	content, media := Flatten(m.Body)
	return Wire{
		ID:                   m.ID,
		ClientRef:            m.ClientRef,
		Content:              content,
		ImageURL:             media,
		IsRead:               m.Read,
		MessageType:          string(m.Kind()),
		CreatedAt:            Timestamp(m.CreatedAt),
		SenderID:             m.SenderID,
		SenderUsername:       m.SenderName,
		SenderProfilePicture: m.SenderAvatar,
		ReceiverID:           m.ReceiverID,
		ReceiverUsername:     m.ReceiverName,
		Recalled:             m.Status == StatusRecalled,
	}
}

// Decode parses a single message record.
func Decode(data []byte) (Message, error) {
	var w Wire
	if err := json.Unmarshal(data, &w); err != nil {
		return Message{}, errors.Wrap(err, "decode message")
	}
	msg := w.Message()
	if msg.ID == 0 && msg.SenderID == 0 && msg.ReceiverID == 0 {
		return Message{}, ErrNotMessage
	}
	return msg, nil
}

// Encode serialises m in wire form.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(ToWire(m))
}

// Inbound is a frame body received on the message queue: either a message
// record or a recall notice.
type Inbound struct {
	Message *Message
	Recall  *Recall
}

// DecodeInbound parses a message-queue payload.
func DecodeInbound(data []byte) (Inbound, error) {
	var w Wire
	if err := json.Unmarshal(data, &w); err != nil {
		return Inbound{}, errors.Wrap(err, "decode inbound")
	}
	if strings.EqualFold(w.Type, EventRecalled) {
		if w.MessageID == 0 {
			return Inbound{}, errors.New("recall notice without messageId")
		}
		return Inbound{Recall: &Recall{MessageID: w.MessageID, RecalledAt: w.RecalledAt.Time()}}, nil
	}
	msg := w.Message()
	if msg.ID == 0 && msg.SenderID == 0 && msg.ReceiverID == 0 {
		return Inbound{}, ErrNotMessage
	}
	return Inbound{Message: &msg}, nil
}

// Flatten reduces a body to the (content, mediaUrl) pair used by the push
// send destination and the stored record.
func Flatten(b Body) (content, media string) {
	if b == nil {
		return "", ""
	}
	f := &flattener{}
	b.Accept(f)
	return f.content, f.media
}

type flattener struct {
	content string
	media   string
}

func (f *flattener) VisitText(b Text) { f.content = b.Content }
func (f *flattener) VisitImage(b Image) {
	f.content, f.media = b.Caption, b.URL
}
func (f *flattener) VisitVideo(b Video) {
	f.content, f.media = b.Caption, b.URL
}
func (f *flattener) VisitVoice(b Voice) {
	f.media = b.URL
	f.content = b.Label
	if f.content == "" && b.Duration > 0 {
		f.content = fmt.Sprintf("voice message (%ds)", b.Duration)
	}
}
func (f *flattener) VisitFile(b File) {
	f.media = b.URL
	f.content = firstNonEmpty(b.Label, b.Name)
}
func (f *flattener) VisitLocation(b Location) {
	f.content = FormatLocation(b)
}
func (f *flattener) VisitSticker(b Sticker) { f.content = b.StickerID }
func (f *flattener) VisitSystem(b System)   { f.content = b.Content }

func decodeBody(kind, content, media string) Body {
	k, ok := ParseKind(kind)
	if !ok {
		return System{Content: content}
	}
	switch k {
	case KindImage:
		return Image{URL: media, Caption: content}
	case KindVideo:
		return Video{URL: media, Caption: content}
	case KindVoice:
		return Voice{URL: media, Label: content}
	case KindFile:
		return File{URL: media, Label: content}
	case KindLocation:
		if loc, err := ParseLocation(content); err == nil {
			return loc
		}
		return Location{Address: content}
	case KindSticker:
		return Sticker{StickerID: content}
	case KindSystem:
		return System{Content: content}
	default:
		return Text{Content: content}
	}
}

// FormatLocation renders the "lat,lng,address" content the backend stores.
func FormatLocation(l Location) string {
	return fmt.Sprintf("%f,%f,%s", l.Latitude, l.Longitude, l.Address)
}

// ParseLocation reverses FormatLocation. The address may itself contain commas.
func ParseLocation(content string) (Location, error) {
	parts := strings.SplitN(content, ",", 3)
	if len(parts) < 2 {
		return Location{}, errors.Errorf("location %q: want lat,lng[,address]", content)
	}
	lat, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return Location{}, errors.Wrap(err, "latitude")
	}
	lng, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return Location{}, errors.Wrap(err, "longitude")
	}
	loc := Location{Latitude: lat, Longitude: lng}
	if len(parts) == 3 {
		loc.Address = strings.TrimSpace(parts[2])
	}
	return loc, nil
}

// Timestamp accepts the shapes the backend emits for LocalDateTime: RFC 3339,
// zone-less ISO local time (treated as UTC), or Jackson's numeric array form.
type Timestamp time.Time

var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

func (t Timestamp) Time() time.Time { return time.Time(t) }

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if time.Time(t).IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(time.Time(t).UTC().Format(time.RFC3339Nano))
}

func (t *Timestamp) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	if data[0] == '[' {
		var parts []int
		if err := json.Unmarshal(data, &parts); err != nil {
			return errors.Wrap(err, "timestamp array")
		}
		if len(parts) < 3 {
			return errors.Errorf("timestamp array too short: %v", parts)
		}
		for len(parts) < 7 {
			parts = append(parts, 0)
		}
		*t = Timestamp(time.Date(parts[0], time.Month(parts[1]), parts[2], parts[3], parts[4], parts[5], parts[6], time.UTC))
		return nil
	}
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return errors.Wrap(err, "timestamp")
	}
	if raw == "" {
		*t = Timestamp{}
		return nil
	}
	if parsed, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		*t = Timestamp(parsed)
		return nil
	}
	for _, layout := range localLayouts {
		if parsed, err := time.ParseInLocation(layout, raw, time.UTC); err == nil {
			*t = Timestamp(parsed)
			return nil
		}
	}
	return errors.Errorf("unrecognised timestamp %q", raw)
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
