package app

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"noxchat/internal/convo"
	"noxchat/internal/message"
	"noxchat/internal/ui"
)

const helpText = "commands: /open <id> /more /read /recall <id> /delete <id> /forward <id> <peer,...> /copy <id> <peer> " +
	"/search <text> /unread /typing [on|off] /img <url> [caption] /video <url> [caption] /voice <url> [seconds] " +
	"/file <url> [name] /loc <lat> <lng> [address] /sticker <id> /retry <ref> /cached [n] /stats /whoami /logout /quit"

// ReadInput feeds each line of reader to ProcessLine until EOF.
func (r *Runtime) ReadInput(reader io.Reader) {
	scanner := bufio.NewScanner(reader)
	for scanner.Scan() {
		if r.ctx.Err() != nil {
			return
		}
		r.ProcessLine(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		r.log.Warn().Err(err).Msg("stdin")
	}
}

// ProcessLine runs a slash command or sends the line as a text message.
func (r *Runtime) ProcessLine(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	if strings.HasPrefix(line, "/") {
		r.handleCommand(line)
		return
	}
	ctx, cancel := r.opContext()
	defer cancel()
	if _, err := r.conv.SendText(ctx, line); err != nil {
		r.report("send", err)
	}
}

func (r *Runtime) handleCommand(line string) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return
	}
	ctx, cancel := r.opContext()
	defer cancel()
	args := parts[1:]

	switch parts[0] {
	case "/open":
		peer, ok := r.idArg(args, 0, "usage: /open <user id>")
		if !ok {
			return
		}
		if err := r.conv.Select(ctx, peer); err != nil {
			r.report("open", err)
		}
	case "/more":
		if !r.conv.Snapshot().HasMore {
			r.sink.ShowSystem("no older messages")
			return
		}
		if err := r.conv.LoadMore(ctx); err != nil {
			r.report("load more", err)
		}
	case "/read":
		if err := r.conv.MarkRead(ctx); err != nil {
			r.report("mark read", err)
		}
	case "/recall":
		id, ok := r.idArg(args, 0, "usage: /recall <message id>")
		if !ok {
			return
		}
		if err := r.conv.Recall(ctx, id); err != nil {
			r.report("recall", err)
		}
	case "/delete":
		id, ok := r.idArg(args, 0, "usage: /delete <message id>")
		if !ok {
			return
		}
		if err := r.conv.Delete(ctx, id); err != nil {
			r.report("delete", err)
			return
		}
		r.sink.ShowSystem(fmt.Sprintf("deleted message %d", id))
	case "/forward":
		id, ok := r.idArg(args, 0, "usage: /forward <message id> <peer>[,<peer>...]")
		if !ok {
			return
		}
		if len(args) < 2 {
			r.sink.ShowSystem("usage: /forward <message id> <peer>[,<peer>...]")
			return
		}
		receivers, err := parseIDList(args[1])
		if err != nil {
			r.sink.ShowSystem(err.Error())
			return
		}
		out, err := r.backend.Forward(ctx, id, receivers)
		if err != nil {
			r.report("forward", err)
			return
		}
		r.sink.ShowSystem(fmt.Sprintf("forwarded to %d recipient(s)", len(out)))
	case "/copy":
		id, ok := r.idArg(args, 0, "usage: /copy <message id> <peer>")
		if !ok {
			return
		}
		peer, ok := r.idArg(args, 1, "usage: /copy <message id> <peer>")
		if !ok {
			return
		}
		if _, err := r.backend.Copy(ctx, id, peer); err != nil {
			r.report("copy", err)
			return
		}
		r.sink.ShowSystem(fmt.Sprintf("copied message %d to %d", id, peer))
	case "/search":
		keyword := strings.TrimSpace(strings.TrimPrefix(line, parts[0]))
		if keyword == "" {
			r.sink.ShowSystem("usage: /search <text>")
			return
		}
		page, err := r.backend.Search(ctx, keyword, 0, r.pageSize)
		if err != nil {
			r.report("search", err)
			return
		}
		r.sink.ShowSystem(fmt.Sprintf("%d match(es) for %q", page.TotalElements, keyword))
		r.showList(page.Messages)
	case "/unread":
		msgs, err := r.backend.Unread(ctx)
		if err != nil {
			r.report("unread", err)
			return
		}
		r.sink.ShowSystem(fmt.Sprintf("%d unread message(s)", len(msgs)))
		r.showList(msgs)
	case "/typing":
		on := len(args) == 0 || !strings.EqualFold(args[0], "off")
		if err := r.conv.Typing(ctx, on); err != nil {
			r.report("typing", err)
		}
	case "/img", "/video", "/voice", "/file", "/loc", "/sticker":
		body, err := parseBody(parts[0], line)
		if err != nil {
			r.sink.ShowSystem(err.Error())
			return
		}
		if _, err := r.conv.Send(ctx, body); err != nil {
			r.report("send", err)
		}
	case "/retry":
		if len(args) == 0 {
			r.sink.ShowSystem("usage: /retry <ref>")
			return
		}
		if _, err := r.conv.Retry(ctx, args[0]); err != nil {
			r.report("retry", err)
		}
	case "/cached":
		r.showCached(args)
	case "/stats":
		r.sink.ShowSystem(r.metrics.Snapshot().String())
	case "/whoami":
		if r.identity == nil || r.identity.UserID() == 0 {
			r.sink.ShowSystem("not logged in")
			return
		}
		r.sink.ShowSystem(fmt.Sprintf("%s (id %d)", r.identity.Username(), r.identity.UserID()))
	case "/logout":
		if r.identity != nil {
			if err := r.identity.Clear(); err != nil {
				r.report("logout", err)
				return
			}
		}
		if r.cache != nil {
			if err := r.cache.ClearHistory(); err != nil {
				r.log.Warn().Err(err).Msg("clear cached history")
			}
		}
		r.sink.ShowSystem("logged out")
		r.quit()
	case "/quit", "/exit":
		r.sink.ShowSystem("bye")
		r.quit()
	default:
		r.sink.ShowSystem(helpText)
	}
}

func (r *Runtime) showCached(args []string) {
	peer := r.conv.Snapshot().Peer
	if peer == 0 {
		r.sink.ShowSystem("open a conversation first")
		return
	}
	if r.cache == nil {
		r.sink.ShowSystem("history cache disabled")
		return
	}
	limit := r.pageSize
	if len(args) > 0 {
		if v, err := strconv.Atoi(args[0]); err == nil && v > 0 {
			limit = v
		}
	}
	msgs, err := r.cache.Recent(peer, limit)
	if err != nil {
		r.report("cached", err)
		return
	}
	// Recent is newest first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	r.sink.ShowSystem(fmt.Sprintf("%d cached message(s)", len(msgs)))
	r.showList(msgs)
}

func (r *Runtime) showList(msgs []message.Message) {
	var self int64
	if r.identity != nil {
		self = r.identity.UserID()
	}
	for _, m := range msgs {
		r.sink.ShowSystem(ui.FormatHistoryLine(m, self))
	}
}

func (r *Runtime) idArg(args []string, i int, usage string) (int64, bool) {
	if len(args) <= i {
		r.sink.ShowSystem(usage)
		return 0, false
	}
	id, err := strconv.ParseInt(args[i], 10, 64)
	if err != nil || id <= 0 {
		r.sink.ShowSystem(usage)
		return 0, false
	}
	return id, true
}

// report shows err to the user. Validation errors are phrased plainly;
// anything else is logged too.
func (r *Runtime) report(op string, err error) {
	switch {
	case errors.Is(err, convo.ErrEmptyContent):
		r.sink.ShowSystem("message is empty")
	case errors.Is(err, convo.ErrNoConversation):
		r.sink.ShowSystem("open a conversation first: /open <user id>")
	case errors.Is(err, convo.ErrNotFound):
		r.sink.ShowSystem("no such message in this conversation")
	default:
		r.log.Warn().Err(err).Str("op", op).Msg("command failed")
		r.sink.ShowSystem(fmt.Sprintf("%s failed: %v", op, err))
	}
}

func parseIDList(s string) ([]int64, error) {
	var out []int64
	for _, field := range strings.Split(s, ",") {
		field = strings.TrimSpace(field)
		if field == "" {
			continue
		}
		id, err := strconv.ParseInt(field, 10, 64)
		if err != nil || id <= 0 {
			return nil, errors.Errorf("invalid user id %q", field)
		}
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil, errors.New("at least one recipient is required")
	}
	return out, nil
}

// parseBody builds a rich body from a media command. Trailing free text
// (caption, name, address) keeps its inner spacing.
func parseBody(cmd, line string) (message.Body, error) {
	rest := strings.TrimSpace(strings.TrimPrefix(line, cmd))
	first, tail := splitFirst(rest)
	if first == "" {
		return nil, errors.Errorf("usage: %s", usageFor(cmd))
	}
	switch cmd {
	case "/img":
		return message.Image{URL: first, Caption: tail}, nil
	case "/video":
		return message.Video{URL: first, Caption: tail}, nil
	case "/voice":
		seconds := 0
		if tail != "" {
			v, err := strconv.Atoi(tail)
			if err != nil || v < 0 {
				return nil, errors.Errorf("usage: %s", usageFor(cmd))
			}
			seconds = v
		}
		return message.Voice{URL: first, Duration: seconds}, nil
	case "/file":
		return message.File{URL: first, Name: tail}, nil
	case "/sticker":
		return message.Sticker{StickerID: first}, nil
	case "/loc":
		second, address := splitFirst(tail)
		lat, err := strconv.ParseFloat(first, 64)
		if err != nil {
			return nil, errors.Errorf("usage: %s", usageFor(cmd))
		}
		lng, err := strconv.ParseFloat(second, 64)
		if err != nil {
			return nil, errors.Errorf("usage: %s", usageFor(cmd))
		}
		return message.Location{Latitude: lat, Longitude: lng, Address: address}, nil
	}
	return nil, errors.Errorf("unknown command %s", cmd)
}

func usageFor(cmd string) string {
	switch cmd {
	case "/img":
		return "/img <url> [caption]"
	case "/video":
		return "/video <url> [caption]"
	case "/voice":
		return "/voice <url> [seconds]"
	case "/file":
		return "/file <url> [name]"
	case "/loc":
		return "/loc <lat> <lng> [address]"
	default:
		return "/sticker <id>"
	}
}

func splitFirst(s string) (string, string) {
	s = strings.TrimSpace(s)
	i := strings.IndexAny(s, " \t")
	if i < 0 {
		return s, ""
	}
	return s[:i], strings.TrimSpace(s[i+1:])
}

func itoa(v int64) string { return strconv.FormatInt(v, 10) }
