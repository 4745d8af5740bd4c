package message

import "strings"

// Kind enumerates the message body variants the backend understands.
type Kind string

const (
	KindText     Kind = "TEXT"
	KindImage    Kind = "IMAGE"
	KindVideo    Kind = "VIDEO"
	KindVoice    Kind = "VOICE"
	KindFile     Kind = "FILE"
	KindLocation Kind = "LOCATION"
	KindSticker  Kind = "STICKER"
	KindSystem   Kind = "SYSTEM"
)

var kinds = []Kind{KindText, KindImage, KindVideo, KindVoice, KindFile, KindLocation, KindSticker, KindSystem}

// ParseKind matches s case-insensitively. REST responses use lowercase codes
// while push frames carry the uppercase enum name.
func ParseKind(s string) (Kind, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return KindText, true
	}
	for _, k := range kinds {
		if strings.EqualFold(string(k), s) {
			return k, true
		}
	}
	return "", false
}

// Path returns the lowercase segment used by the send endpoints.
func (k Kind) Path() string {
	return strings.ToLower(string(k))
}

// Body is the closed set of message payloads. Handle every variant through
// a Visitor; the unexported marker keeps other packages from adding kinds.
type Body interface {
	Kind() Kind
	Accept(Visitor)
	sealed()
}

// Visitor has one method per Body variant.
type Visitor interface {
	VisitText(Text)
	VisitImage(Image)
	VisitVideo(Video)
	VisitVoice(Voice)
	VisitFile(File)
	VisitLocation(Location)
	VisitSticker(Sticker)
	VisitSystem(System)
}

type Text struct {
	Content string
}

type Image struct {
	URL     string
	Caption string
}

type Video struct {
	URL     string
	Caption string
}

// Voice carries an audio clip. Duration is in seconds and is only known for
// messages composed locally; server records expose Label instead.
type Voice struct {
	URL      string
	Duration int
	Label    string
}

// File references an uploaded attachment. Size is in bytes.
type File struct {
	URL   string
	Name  string
	Size  int64
	Label string
}

type Location struct {
	Latitude  float64
	Longitude float64
	Address   string
}

type Sticker struct {
	StickerID string
}

type System struct {
	Content string
}

func (Text) Kind() Kind     { return KindText }
func (Image) Kind() Kind    { return KindImage }
func (Video) Kind() Kind    { return KindVideo }
func (Voice) Kind() Kind    { return KindVoice }
func (File) Kind() Kind     { return KindFile }
func (Location) Kind() Kind { return KindLocation }
func (Sticker) Kind() Kind  { return KindSticker }
func (System) Kind() Kind   { return KindSystem }

func (b Text) Accept(v Visitor)     { v.VisitText(b) }
func (b Image) Accept(v Visitor)    { v.VisitImage(b) }
func (b Video) Accept(v Visitor)    { v.VisitVideo(b) }
func (b Voice) Accept(v Visitor)    { v.VisitVoice(b) }
func (b File) Accept(v Visitor)     { v.VisitFile(b) }
func (b Location) Accept(v Visitor) { v.VisitLocation(b) }
func (b Sticker) Accept(v Visitor)  { v.VisitSticker(b) }
func (b System) Accept(v Visitor)   { v.VisitSystem(b) }

func (Text) sealed()     {}
func (Image) sealed()    {}
func (Video) sealed()    {}
func (Voice) sealed()    {}
func (File) sealed()     {}
func (Location) sealed() {}
func (Sticker) sealed()  {}
func (System) sealed()   {}
