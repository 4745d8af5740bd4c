package ui

import (
	"fmt"
	"strconv"

	"github.com/dustin/go-humanize"

	"noxchat/internal/message"
)

// Describe renders a body as a single line of text.
func Describe(b message.Body) string {
	if b == nil {
		return ""
	}
	r := &describer{}
	b.Accept(r)
	return r.out
}

type describer struct {
	out string
}

func (d *describer) VisitText(b message.Text) { d.out = b.Content }

func (d *describer) VisitImage(b message.Image) {
	d.out = withCaption("[image] "+b.URL, b.Caption)
}

func (d *describer) VisitVideo(b message.Video) {
	d.out = withCaption("[video] "+b.URL, b.Caption)
}

func (d *describer) VisitVoice(b message.Voice) {
	switch {
	case b.Duration > 0:
		d.out = fmt.Sprintf("[voice %ds] %s", b.Duration, b.URL)
	case b.Label != "":
		d.out = fmt.Sprintf("[voice] %s %s", b.Label, b.URL)
	default:
		d.out = "[voice] " + b.URL
	}
}

func (d *describer) VisitFile(b message.File) {
	name := b.Name
	if name == "" {
		name = b.Label
	}
	if b.Size > 0 {
		name = fmt.Sprintf("%s (%s)", name, humanize.Bytes(uint64(b.Size)))
	}
	d.out = fmt.Sprintf("[file] %s %s", name, b.URL)
}

func (d *describer) VisitLocation(b message.Location) {
	d.out = fmt.Sprintf("[location] %.5f,%.5f", b.Latitude, b.Longitude)
	if b.Address != "" {
		d.out += " " + b.Address
	}
}

func (d *describer) VisitSticker(b message.Sticker) { d.out = "[sticker] " + b.StickerID }

func (d *describer) VisitSystem(b message.System) { d.out = "* " + b.Content }

func withCaption(s, caption string) string {
	if caption == "" {
		return s
	}
	return s + " " + caption
}

// senderLabel prefers the username and falls back to the id.
func senderLabel(m message.Message, self int64) string {
	if m.SenderID == self && self != 0 {
		return "you"
	}
	if m.SenderName != "" {
		return m.SenderName
	}
	return "#" + strconv.FormatInt(m.SenderID, 10)
}

// statusMark is the suffix shown after a line.
func statusMark(m message.Message, self int64) string {
	switch m.Status {
	case message.StatusPending:
		return " …"
	case message.StatusFailed:
		return " (failed: /retry " + m.ClientRef + ")"
	case message.StatusRecalled:
		return " (recalled)"
	}
	if m.SenderID == self && m.Read {
		return " ✓✓"
	}
	return ""
}

// lineKey identifies a message across its optimistic and confirmed forms.
func lineKey(m message.Message) string {
	if m.ClientRef != "" {
		return "r:" + m.ClientRef
	}
	return "i:" + strconv.FormatInt(m.ID, 10)
}

// since renders a relative time for old messages.
func since(m message.Message) string {
	if m.CreatedAt.IsZero() {
		return ""
	}
	return humanize.Time(m.CreatedAt)
}
