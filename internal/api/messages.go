package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"

	"noxchat/internal/message"
)

// DefaultPageSize matches the backend's default page size.
const DefaultPageSize = 20

// Page is one page of messages, always ordered oldest to newest.
type Page struct {
	Messages      []message.Message
	TotalPages    int
	TotalElements int64
	Number        int
	Size          int
}

// HasNext reports whether a page after this one exists.
func (p Page) HasNext() bool {
	return p.Number+1 < p.TotalPages
}

type pageWire struct {
	Content       []message.Wire `json:"content"`
	TotalPages    int            `json:"totalPages"`
	TotalElements int64          `json:"totalElements"`
	Number        int            `json:"number"`
	Size          int            `json:"size"`
}

func (w pageWire) page() Page {
	msgs := make([]message.Message, 0, len(w.Content))
	for _, rec := range w.Content {
		msgs = append(msgs, rec.Message())
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
	return Page{
		Messages:      msgs,
		TotalPages:    w.TotalPages,
		TotalElements: w.TotalElements,
		Number:        w.Number,
		Size:          w.Size,
	}
}

// History fetches one page of the conversation with peer. Page 0 holds the
// newest messages; the returned slice is oldest to newest either way.
func (c *Client) History(ctx context.Context, peer int64, page, size int) (Page, error) {
	if size <= 0 {
		size = DefaultPageSize
	}
	q := url.Values{}
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))
	var out pageWire
	path := fmt.Sprintf("/messages/history/%d/page?%s", peer, q.Encode())
	if err := c.do(ctx, "history", http.MethodGet, path, nil, &out); err != nil {
		return Page{}, err
	}
	return out.page(), nil
}

// Search finds messages containing keyword across every conversation.
func (c *Client) Search(ctx context.Context, keyword string, page, size int) (Page, error) {
	if size <= 0 {
		size = DefaultPageSize
	}
	q := url.Values{}
	q.Set("keyword", keyword)
	q.Set("page", strconv.Itoa(page))
	q.Set("size", strconv.Itoa(size))
	var out pageWire
	if err := c.do(ctx, "search", http.MethodGet, "/messages/search?"+q.Encode(), nil, &out); err != nil {
		return Page{}, err
	}
	return out.page(), nil
}

// Send posts body to the endpoint matching its kind and returns the stored
// record. clientRef is echoed back by the server when it supports it.
func (c *Client) Send(ctx context.Context, receiver int64, body message.Body, clientRef string) (message.Message, error) {
	if body == nil {
		return message.Message{}, ErrEmptyContent
	}
	req := &sendRequest{receiver: receiver, ref: clientRef}
	body.Accept(req)
	if req.err != nil {
		return message.Message{}, req.err
	}
	var rec message.Wire
	op := "send " + body.Kind().Path()
	if err := c.do(ctx, op, http.MethodPost, "/messages/send/"+body.Kind().Path(), req.payload, &rec); err != nil {
		return message.Message{}, err
	}
	msg := rec.Message()
	if msg.ClientRef == "" {
		msg.ClientRef = clientRef
	}
	if msg.ReceiverID == 0 {
		msg.ReceiverID = receiver
	}
	return msg, nil
}

func (c *Client) SendText(ctx context.Context, receiver int64, content, ref string) (message.Message, error) {
	return c.Send(ctx, receiver, message.Text{Content: content}, ref)
}

func (c *Client) SendImage(ctx context.Context, receiver int64, mediaURL, caption, ref string) (message.Message, error) {
	return c.Send(ctx, receiver, message.Image{URL: mediaURL, Caption: caption}, ref)
}

func (c *Client) SendVideo(ctx context.Context, receiver int64, mediaURL, caption, ref string) (message.Message, error) {
	return c.Send(ctx, receiver, message.Video{URL: mediaURL, Caption: caption}, ref)
}

func (c *Client) SendVoice(ctx context.Context, receiver int64, audioURL string, seconds int, ref string) (message.Message, error) {
	return c.Send(ctx, receiver, message.Voice{URL: audioURL, Duration: seconds}, ref)
}

func (c *Client) SendFile(ctx context.Context, receiver int64, fileURL, name string, size int64, ref string) (message.Message, error) {
	return c.Send(ctx, receiver, message.File{URL: fileURL, Name: name, Size: size}, ref)
}

func (c *Client) SendLocation(ctx context.Context, receiver int64, lat, lng float64, address, ref string) (message.Message, error) {
	return c.Send(ctx, receiver, message.Location{Latitude: lat, Longitude: lng, Address: address}, ref)
}

func (c *Client) SendSticker(ctx context.Context, receiver int64, stickerID, ref string) (message.Message, error) {
	return c.Send(ctx, receiver, message.Sticker{StickerID: stickerID}, ref)
}

// sendRequest builds the per-kind JSON payload.
type sendRequest struct {
	receiver int64
	ref      string
	payload  map[string]any
	err      error
}

func (r *sendRequest) set(kv ...any) {
	r.payload = map[string]any{"receiverId": r.receiver}
	if r.ref != "" {
		r.payload["clientMessageId"] = r.ref
	}
	for i := 0; i+1 < len(kv); i += 2 {
		r.payload[kv[i].(string)] = kv[i+1]
	}
}

func (r *sendRequest) VisitText(b message.Text) {
	if strings.TrimSpace(b.Content) == "" {
		r.err = ErrEmptyContent
		return
	}
	r.set("content", b.Content)
}

func (r *sendRequest) VisitImage(b message.Image) {
	r.media(b.URL, "mediaUrl", b.URL, "caption", b.Caption)
}

func (r *sendRequest) VisitVideo(b message.Video) {
	r.media(b.URL, "mediaUrl", b.URL, "caption", b.Caption)
}

func (r *sendRequest) VisitVoice(b message.Voice) {
	r.media(b.URL, "audioUrl", b.URL, "duration", b.Duration)
}

func (r *sendRequest) VisitFile(b message.File) {
	r.media(b.URL, "fileUrl", b.URL, "fileName", b.Name, "fileSize", b.Size)
}

func (r *sendRequest) VisitLocation(b message.Location) {
	r.set("latitude", b.Latitude, "longitude", b.Longitude, "address", b.Address)
}

func (r *sendRequest) VisitSticker(b message.Sticker) {
	if b.StickerID == "" {
		r.err = ErrEmptyContent
		return
	}
	r.set("stickerId", b.StickerID)
}

func (r *sendRequest) VisitSystem(message.System) {
	r.err = ErrUnsupportedKind
}

func (r *sendRequest) media(url string, kv ...any) {
	if url == "" {
		r.err = ErrEmptyContent
		return
	}
	r.set(kv...)
}

// MarkRead marks every message from sender as read.
func (c *Client) MarkRead(ctx context.Context, sender int64) error {
	return c.do(ctx, "mark read", http.MethodPut, fmt.Sprintf("/messages/mark-read/%d", sender), nil, nil)
}

func (c *Client) Delete(ctx context.Context, id int64) error {
	return c.do(ctx, "delete", http.MethodDelete, fmt.Sprintf("/messages/%d", id), nil, nil)
}

// Recall withdraws a message for both participants.
func (c *Client) Recall(ctx context.Context, id int64) error {
	return c.do(ctx, "recall", http.MethodPut, fmt.Sprintf("/messages/recall/%d", id), nil, nil)
}

func (c *Client) Forward(ctx context.Context, id int64, receivers []int64) ([]message.Message, error) {
	payload := map[string]any{"messageId": id, "receiverIds": receivers}
	var recs []message.Wire
	if err := c.do(ctx, "forward", http.MethodPost, "/messages/forward", payload, &recs); err != nil {
		return nil, err
	}
	return toMessages(recs), nil
}

func (c *Client) Copy(ctx context.Context, id, receiver int64) (message.Message, error) {
	payload := map[string]any{"messageId": id, "receiverId": receiver}
	var rec message.Wire
	if err := c.do(ctx, "copy", http.MethodPost, "/messages/copy", payload, &rec); err != nil {
		return message.Message{}, err
	}
	return rec.Message(), nil
}

// Unread lists unread messages addressed to the current user.
func (c *Client) Unread(ctx context.Context) ([]message.Message, error) {
	var recs []message.Wire
	if err := c.do(ctx, "unread", http.MethodGet, "/messages/unread", nil, &recs); err != nil {
		return nil, err
	}
	return toMessages(recs), nil
}

// UnreadCount counts unread messages, optionally only those from sender.
func (c *Client) UnreadCount(ctx context.Context, sender int64) (int64, error) {
	path := "/messages/unread/count"
	if sender != 0 {
		path += "?senderId=" + strconv.FormatInt(sender, 10)
	}
	var n int64
	if err := c.do(ctx, "unread count", http.MethodGet, path, nil, &n); err != nil {
		return 0, err
	}
	return n, nil
}

func toMessages(recs []message.Wire) []message.Message {
	out := make([]message.Message, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Message())
	}
	return out
}
