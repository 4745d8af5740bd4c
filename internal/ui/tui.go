package ui

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"

	"noxchat/internal/convo"
	"noxchat/internal/message"
)

// TUIDisplay renders the conversation with tview. Every snapshot redraws the
// whole message pane.
//
// Sink calls never wait for the event loop: they record the latest frame and
// wake a pump goroutine that queues one redraw. Calls made before Run or after
// Stop only update the recorded frame.
type TUIDisplay struct {
	app      *tview.Application
	messages *tview.TextView
	status   *tview.TextView
	input    *tview.InputField
	submit   func(string)
	once     sync.Once
	dirty    chan struct{}
	stopped  chan struct{}

	mu     sync.Mutex
	self   int64
	system []string
	frame  tuiFrame
}

type tuiFrame struct {
	title  string
	body   string
	status string
}

// NewTUIDisplay calls submit with every line entered. PgUp submits "/more".
func NewTUIDisplay(submit func(string)) *TUIDisplay {
	messages := tview.NewTextView().
		SetDynamicColors(true).
		SetRegions(false).
		SetScrollable(true)
	messages.SetBorder(true).SetTitle("Chat")

	status := tview.NewTextView().SetDynamicColors(true)
	status.SetBorder(true).SetTitle("Status")

	input := tview.NewInputField().
		SetLabel("> ").
		SetFieldTextColor(tcell.ColorWhite)

	td := &TUIDisplay{
		app:      tview.NewApplication(),
		messages: messages,
		status:   status,
		input:    input,
		submit:   submit,
		dirty:    make(chan struct{}, 1),
		stopped:  make(chan struct{}),
		frame:    tuiFrame{title: "Chat", status: "[red]offline[-]"},
	}

	input.SetDoneFunc(func(key tcell.Key) {
		if key == tcell.KeyEnter {
			text := strings.TrimSpace(input.GetText())
			if text != "" {
				go td.submit(text)
			}
			input.SetText("")
		}
	})

	layout := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(messages, 0, 5, false).
		AddItem(status, 5, 1, false).
		AddItem(input, 3, 1, true)

	td.app.SetRoot(layout, true).EnableMouse(true)
	td.app.SetInputCapture(func(ev *tcell.EventKey) *tcell.EventKey {
		if ev.Key() == tcell.KeyPgUp {
			go td.submit("/more")
			return nil
		}
		return ev
	})
	return td
}

func (t *TUIDisplay) SetSelf(id int64) {
	t.mu.Lock()
	t.self = id
	t.mu.Unlock()
}

func (t *TUIDisplay) Run(ctx context.Context) error {
	select {
	case <-t.stopped:
		return nil
	default:
	}
	go func() {
		select {
		case <-ctx.Done():
			t.Stop()
		case <-t.stopped:
		}
	}()
	go t.pump()
	t.kick()
	return t.app.Run()
}

func (t *TUIDisplay) Stop() {
	t.once.Do(func() {
		close(t.stopped)
		t.app.Stop()
		// app.Stop does nothing before the screen exists. The queued copy
		// covers a Stop that races with Run starting up.
		go t.app.QueueUpdate(t.app.Stop)
	})
}

func (t *TUIDisplay) kick() {
	select {
	case t.dirty <- struct{}{}:
	default:
	}
}

// pump coalesces pending changes into one queued redraw at a time.
func (t *TUIDisplay) pump() {
	for {
		select {
		case <-t.stopped:
			return
		case <-t.dirty:
		}
		t.app.QueueUpdateDraw(t.render)
	}
}

// render runs on the event loop.
func (t *TUIDisplay) render() {
	t.mu.Lock()
	f := t.frame
	system := strings.Join(t.system, "\n")
	t.mu.Unlock()
	t.messages.SetTitle(f.title)
	t.messages.SetText(f.body)
	t.messages.ScrollToEnd()
	t.status.SetText(f.status + "\n" + system)
}

func (t *TUIDisplay) ConversationChanged(s convo.Snapshot) {
	t.mu.Lock()
	self := t.self
	t.mu.Unlock()

	var b strings.Builder
	if s.HasMore && s.State == convo.Ready && s.Peer != 0 {
		b.WriteString("[gray](PgUp for earlier messages)[-]\n")
	}
	for _, m := range s.Messages {
		b.WriteString(tuiLine(m, self))
		b.WriteByte('\n')
	}
	title := "Chat"
	if s.Peer != 0 {
		title = fmt.Sprintf("Chat with #%d (%s)", s.Peer, s.State)
	}
	state := "[green]online[-]"
	if !s.Online {
		state = "[red]offline[-]"
	}
	var st strings.Builder
	st.WriteString(state)
	if s.PeerTyping {
		st.WriteString("  [yellow]typing…[-]")
	}
	if s.Err != nil {
		fmt.Fprintf(&st, "  [red]%s[-]", tview.Escape(s.Err.Error()))
	}
	t.mu.Lock()
	t.frame = tuiFrame{title: title, body: b.String(), status: st.String()}
	t.mu.Unlock()
	t.kick()
}

func tuiLine(m message.Message, self int64) string {
	ts := m.CreatedAt.Local().Format("15:04:05")
	color := "lightgreen"
	if m.SenderID == self {
		color = "violet"
	}
	body := Describe(m.Body)
	if m.Status == message.StatusRecalled {
		body = "[gray](message recalled)[-]"
	} else {
		body = tview.Escape(body)
	}
	return fmt.Sprintf("[yellow][%s][-] [%s]%s[-]: %s%s", ts, color, tview.Escape(senderLabel(m, self)), body, tview.Escape(statusMark(m, self)))
}

func (t *TUIDisplay) ShowSystem(text string) {
	t.pushSystem("[green]>>> " + tview.Escape(text) + "[-]")
}

func (t *TUIDisplay) ShowNotification(n Notification) {
	t.pushSystem(fmt.Sprintf("[orange]** %s[-] %s", strings.ToUpper(n.Level), tview.Escape(n.Text)))
}

func (t *TUIDisplay) pushSystem(line string) {
	t.mu.Lock()
	t.system = append(t.system, line)
	if len(t.system) > 3 {
		t.system = t.system[len(t.system)-3:]
	}
	t.mu.Unlock()
	t.kick()
}

func (t *TUIDisplay) systemText() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Join(t.system, "\n")
}
