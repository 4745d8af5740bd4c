package ui

import (
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"noxchat/internal/convo"
	"noxchat/internal/message"
)

const (
	ansiReset = "\x1b[0m"
	ansiTime  = "\x1b[36m"
	ansiName  = "\x1b[33m"
	ansiSelf  = "\x1b[35m"
	ansiSys   = "\x1b[32m"
	ansiErr   = "\x1b[31m"
)

// CLIDisplay prints the conversation as an append-only log. Each snapshot
// only produces lines for messages it has not printed yet.
type CLIDisplay struct {
	out   io.Writer
	color bool

	mu      sync.Mutex
	self    int64
	peer    int64
	printed map[string]message.Status
	lastErr string
	typing  bool
	online  bool
}

// NewCLIDisplay writes to w, or stdout when w is nil.
func NewCLIDisplay(w io.Writer, color bool) *CLIDisplay {
	if w == nil {
		w = os.Stdout
	}
	return &CLIDisplay{out: w, color: color, printed: map[string]message.Status{}, online: true}
}

// SetSelf tells the display which sender is the local user.
func (c *CLIDisplay) SetSelf(id int64) {
	c.mu.Lock()
	c.self = id
	c.mu.Unlock()
}

func (c *CLIDisplay) ConversationChanged(s convo.Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if s.Peer != c.peer {
		c.peer = s.Peer
		c.printed = map[string]message.Status{}
		c.lastErr = ""
		c.typing = false
		if s.Peer != 0 {
			c.system(fmt.Sprintf("conversation with #%d", s.Peer))
		}
	}
	if s.Online != c.online {
		c.online = s.Online
		if s.Online {
			c.system("push channel connected")
		} else {
			c.system("push channel offline; sends still go over REST")
		}
	}

	firstKnown := -1
	var older, newer []message.Message
	for i, m := range s.Messages {
		key := lineKey(m)
		status, ok := c.printed[key]
		if !ok {
			if firstKnown >= 0 || len(c.printed) == 0 {
				newer = append(newer, m)
			} else {
				older = append(older, m)
			}
			continue
		}
		if firstKnown < 0 {
			firstKnown = i
		}
		if status != m.Status && (m.Status == message.StatusFailed || m.Status == message.StatusRecalled) {
			c.line(m, m.Status.String())
		}
		c.printed[key] = m.Status
	}
	if len(older) > 0 {
		c.system(fmt.Sprintf("%d earlier messages", len(older)))
		for _, m := range older {
			c.line(m, "")
		}
	}
	for _, m := range newer {
		c.line(m, "")
	}

	if s.PeerTyping && !c.typing {
		c.system(fmt.Sprintf("#%d is typing…", s.Peer))
	}
	c.typing = s.PeerTyping

	errText := ""
	if s.Err != nil {
		errText = s.Err.Error()
	}
	if errText != "" && errText != c.lastErr {
		c.errorLine(errText)
	}
	c.lastErr = errText
}

func (c *CLIDisplay) ShowSystem(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.system(text)
}

func (c *CLIDisplay) ShowNotification(n Notification) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ts := n.Timestamp.Format("15:04:05")
	prefix := "NOTIFY"
	if n.Level != "" {
		prefix = strings.ToUpper(n.Level)
	}
	line := fmt.Sprintf("[%s] %s: %s", ts, prefix, n.Text)
	if c.color {
		fmt.Fprintf(c.out, "%s%s%s\n", ansiSys, line, ansiReset)
		return
	}
	fmt.Fprintln(c.out, line)
}

func (c *CLIDisplay) line(m message.Message, note string) {
	c.printed[lineKey(m)] = m.Status
	text := FormatLine(m, c.self, c.color)
	if note != "" {
		text = fmt.Sprintf("%s [%s]", text, note)
	}
	fmt.Fprintln(c.out, text)
}

func (c *CLIDisplay) system(text string) {
	ts := time.Now().Format("15:04:05")
	if c.color {
		fmt.Fprintf(c.out, "%s[%s]%s %sSYSTEM%s: %s\n", ansiTime, ts, ansiReset, ansiSys, ansiReset, text)
		return
	}
	fmt.Fprintf(c.out, "[%s] SYSTEM: %s\n", ts, text)
}

func (c *CLIDisplay) errorLine(text string) {
	if c.color {
		fmt.Fprintf(c.out, "%sERROR%s: %s\n", ansiErr, ansiReset, text)
		return
	}
	fmt.Fprintf(c.out, "ERROR: %s\n", text)
}

// FormatLine renders one message for terminal output.
func FormatLine(m message.Message, self int64, color bool) string {
	ts := m.CreatedAt.Local().Format("15:04:05")
	name := senderLabel(m, self)
	body := Describe(m.Body)
	if m.Status == message.StatusRecalled {
		body = "(message recalled)"
	}
	id := ""
	if m.ID != 0 {
		id = fmt.Sprintf(" #%d", m.ID)
	}
	mark := statusMark(m, self)
	if !color {
		return fmt.Sprintf("[%s]%s %s: %s%s", ts, id, name, body, mark)
	}
	nameColor := ansiName
	if m.SenderID == self {
		nameColor = ansiSelf
	}
	return fmt.Sprintf("%s[%s]%s%s %s%s%s: %s%s", ansiTime, ts, id, ansiReset, nameColor, name, ansiReset, body, mark)
}

// FormatHistoryLine is FormatLine with a relative timestamp, used when
// listing messages outside a live conversation.
func FormatHistoryLine(m message.Message, self int64) string {
	return fmt.Sprintf("%-14s %s", since(m), FormatLine(m, self, false))
}

// ShouldUseColor determines if ANSI coloring should be enabled for CLI output.
func ShouldUseColor(disable bool) bool {
	if disable {
		return false
	}
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}
	if runtime.GOOS == "windows" {
		if os.Getenv("WT_SESSION") != "" || os.Getenv("ANSICON") != "" || strings.EqualFold(os.Getenv("ConEmuANSI"), "ON") {
			return true
		}
		return false
	}
	return true
}
