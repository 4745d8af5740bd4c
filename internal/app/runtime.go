package app

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"noxchat/internal/api"
	"noxchat/internal/convo"
	"noxchat/internal/message"
	"noxchat/internal/metrics"
	"noxchat/internal/ui"
)

// Conversation is the synchronizer surface the command router drives.
type Conversation interface {
	Snapshot() convo.Snapshot
	Select(ctx context.Context, peer int64) error
	LoadMore(ctx context.Context) error
	SendText(ctx context.Context, content string) (message.Message, error)
	Send(ctx context.Context, body message.Body) (message.Message, error)
	Retry(ctx context.Context, clientRef string) (message.Message, error)
	MarkRead(ctx context.Context) error
	Recall(ctx context.Context, id int64) error
	Delete(ctx context.Context, id int64) error
	Typing(ctx context.Context, isTyping bool) error
}

// Backend covers the REST calls that sit outside the active conversation.
type Backend interface {
	Search(ctx context.Context, keyword string, page, size int) (api.Page, error)
	Forward(ctx context.Context, id int64, receivers []int64) ([]message.Message, error)
	Copy(ctx context.Context, id, receiver int64) (message.Message, error)
	Unread(ctx context.Context) ([]message.Message, error)
	UnreadCount(ctx context.Context, sender int64) (int64, error)
}

// Identity is the signed-in user.
type Identity interface {
	UserID() int64
	Username() string
	Clear() error
}

// Cache is the offline history store.
type Cache interface {
	Recent(peer int64, limit int) ([]message.Message, error)
	ClearHistory() error
}

// Runtime aggregates the collaborators the command router works with.
type Runtime struct {
	ctx      context.Context
	conv     Conversation
	backend  Backend
	identity Identity
	cache    Cache
	metrics  *metrics.Metrics
	sink     ui.Sink
	log      zerolog.Logger
	timeout  time.Duration
	pageSize int
	quit     func()
}

type RuntimeOptions struct {
	Conversation Conversation
	Backend      Backend
	Identity     Identity
	Cache        Cache
	Metrics      *metrics.Metrics
	Sink         ui.Sink
	Logger       zerolog.Logger
	// Timeout bounds each command's network calls.
	Timeout  time.Duration
	PageSize int
	// Quit ends the interactive session.
	Quit func()
}

func NewRuntime(ctx context.Context, opts RuntimeOptions) *Runtime {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = api.DefaultTimeout
	}
	size := opts.PageSize
	if size <= 0 {
		size = api.DefaultPageSize
	}
	quit := opts.Quit
	if quit == nil {
		quit = func() {}
	}
	return &Runtime{
		ctx:      ctx,
		conv:     opts.Conversation,
		backend:  opts.Backend,
		identity: opts.Identity,
		cache:    opts.Cache,
		metrics:  opts.Metrics,
		sink:     opts.Sink,
		log:      opts.Logger.With().Str("component", "runtime").Logger(),
		timeout:  timeout,
		pageSize: size,
		quit:     quit,
	}
}

func (r *Runtime) Context() context.Context { return r.ctx }
func (r *Runtime) Sink() ui.Sink            { return r.sink }

// opContext bounds one command. Sends and fetches may each take up to the
// HTTP timeout, so the command gets a little more.
func (r *Runtime) opContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.ctx, r.timeout+time.Second)
}

// NotifyIncoming raises a notification for messages that arrive outside the
// active conversation.
func (r *Runtime) NotifyIncoming(msg message.Message) {
	if r.identity == nil || msg.SenderID == r.identity.UserID() {
		return
	}
	if peer := r.conv.Snapshot().Peer; peer != 0 && msg.SenderID == peer {
		return
	}
	name := msg.SenderName
	if name == "" {
		name = "user " + itoa(msg.SenderID)
	}
	r.sink.ShowNotification(ui.Notification{
		Text:      name + ": " + ui.Describe(msg.Body),
		Level:     "info",
		Timestamp: time.Now(),
		From:      msg.SenderID,
	})
}
