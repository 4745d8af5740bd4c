// Package app wires the client together: persisted session, REST client, push
// session, conversation synchronizer and the user-facing surfaces.
package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"noxchat/internal/api"
	"noxchat/internal/bridge"
	"noxchat/internal/config"
	"noxchat/internal/convo"
	"noxchat/internal/crypto"
	"noxchat/internal/message"
	"noxchat/internal/metrics"
	"noxchat/internal/session"
	"noxchat/internal/storage"
	"noxchat/internal/transport"
	"noxchat/internal/ui"
)

var (
	ErrNotLoggedIn    = errors.New("not logged in: run `noxchat login` first")
	ErrSessionExpired = errors.New("session expired: run `noxchat login` again")
)

// App owns the long-lived resources shared by every command.
type App struct {
	cfg     config.Config
	log     zerolog.Logger
	out     io.Writer
	store   *storage.Store
	session *session.Manager
	client  *api.Client
	metrics *metrics.Metrics

	mu             sync.Mutex
	onUnauthorized func()
}

// Open prepares the data directory, the persisted session and the REST client.
func Open(cfg config.Config, log zerolog.Logger, out io.Writer) (*App, error) {
	if out == nil {
		out = os.Stdout
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, err
	}
	store, err := storage.Open(cfg.StorePath())
	if err != nil {
		return nil, err
	}
	box, err := crypto.NewBox(cfg.Secret)
	if err != nil {
		_ = store.Close()
		return nil, errors.Wrap(err, "init token sealing")
	}
	mgr, err := session.NewManager(store, box)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a := &App{
		cfg:     cfg,
		log:     log,
		out:     out,
		store:   store,
		session: mgr,
		metrics: metrics.New(),
	}
	a.client = api.New(api.Options{
		BaseURL:        cfg.APIURL,
		Timeout:        cfg.Timeout,
		Session:        mgr,
		OnUnauthorized: a.unauthorized,
		Logger:         log,
	})
	return a, nil
}

func (a *App) Client() *api.Client       { return a.client }
func (a *App) Session() *session.Manager { return a.session }
func (a *App) Store() *storage.Store     { return a.store }
func (a *App) Metrics() *metrics.Metrics { return a.metrics }
func (a *App) Config() config.Config     { return a.cfg }
func (a *App) Logger() zerolog.Logger    { return a.log }

func (a *App) Close() error {
	return a.store.Close()
}

func (a *App) setUnauthorized(fn func()) {
	a.mu.Lock()
	a.onUnauthorized = fn
	a.mu.Unlock()
}

func (a *App) unauthorized() {
	a.mu.Lock()
	fn := a.onUnauthorized
	a.mu.Unlock()
	a.log.Warn().Msg("session rejected by server; credentials cleared")
	if fn != nil {
		fn()
	}
}

// Login authenticates and persists the session.
func (a *App) Login(ctx context.Context, email, password string) (session.User, error) {
	res, err := a.client.Login(ctx, email, password)
	if err != nil {
		return session.User{}, err
	}
	if err := a.session.Save(res.Token, res.User); err != nil {
		return session.User{}, errors.Wrap(err, "save session")
	}
	if a.session.UserID() == 0 {
		me, err := a.client.Me(ctx)
		if err != nil {
			return session.User{}, errors.Wrap(err, "resolve user")
		}
		if err := a.session.Save(res.Token, me); err != nil {
			return session.User{}, errors.Wrap(err, "save session")
		}
	}
	return a.session.User(), nil
}

// Logout forgets the session and the offline history.
func (a *App) Logout() error {
	if err := a.session.Clear(); err != nil {
		return errors.Wrap(err, "clear session")
	}
	return errors.Wrap(a.store.ClearHistory(), "clear history")
}

// RequireSession fails when there is no usable session.
func (a *App) RequireSession(now time.Time) error {
	if !a.session.Authenticated() {
		return ErrNotLoggedIn
	}
	if claims, err := session.ParseClaims(a.session.Token()); err == nil && claims.Expired(now) {
		return ErrSessionExpired
	}
	return nil
}

// History returns one page of the conversation with peer, oldest first. When
// the server cannot be reached the offline cache is used and offline is true.
func (a *App) History(ctx context.Context, peer int64, page int) (msgs []message.Message, offline bool, err error) {
	p, err := a.client.History(ctx, peer, page, a.cfg.PageSize)
	if err == nil {
		if cacheErr := a.store.SaveHistory(peer, p.Messages...); cacheErr != nil {
			a.log.Warn().Err(cacheErr).Int64("peer", peer).Msg("cache history")
		}
		return p.Messages, false, nil
	}
	var netErr *api.NetworkError
	if !errors.As(err, &netErr) {
		return nil, false, err
	}
	cached, cacheErr := a.store.Recent(peer, a.cfg.PageSize*(page+1))
	if cacheErr != nil || len(cached) == 0 {
		return nil, false, err
	}
	start := page * a.cfg.PageSize
	if start >= len(cached) {
		return nil, true, nil
	}
	cached = cached[start:]
	out := make([]message.Message, 0, len(cached))
	for i := len(cached) - 1; i >= 0; i-- {
		out = append(out, cached[i])
	}
	return out, true, nil
}

// ChatOptions tunes an interactive session.
type ChatOptions struct {
	Peer  int64
	Input io.Reader
}

// Chat runs an interactive session until the user quits, ctx ends, or the
// server rejects the session.
func (a *App) Chat(ctx context.Context, opts ChatOptions) error {
	if err := a.RequireSession(time.Now()); err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	self := a.session.UserID()
	var sink ui.Sink
	var rt *Runtime
	var tui *ui.TUIDisplay
	var sinks []ui.Sink
	if a.cfg.UseTUI {
		tui = ui.NewTUIDisplay(func(line string) { rt.ProcessLine(line) })
		tui.SetSelf(self)
		sinks = append(sinks, tui)
	} else {
		cli := ui.NewCLIDisplay(a.out, ui.ShouldUseColor(a.cfg.NoColor))
		cli.SetSelf(self)
		sinks = append(sinks, cli)
	}

	push := transport.NewSession(transport.Options{
		URL:            a.cfg.WSURL,
		Token:          a.session.Token,
		Heartbeat:      heartbeat(a.cfg.Heartbeat),
		Logger:         a.log,
		Metrics:        a.metrics,
		TypingInterval: a.cfg.TypingInterval,
		DedupTTL:       a.cfg.DedupTTL,
	})
	push.Retain()
	defer func() {
		if err := push.Release(); err != nil {
			a.log.Debug().Err(err).Msg("release push session")
		}
	}()

	conv := convo.New(convo.Options{
		Self:     self,
		Fetcher:  a.client,
		Push:     push,
		PageSize: a.cfg.PageSize,
		Logger:   a.log,
		Metrics:  a.metrics,
		Listener: convo.ListenerFunc(func(s convo.Snapshot) { sink.ConversationChanged(s) }),
		Cache:    a.store,
	})
	defer conv.Close()

	var web *bridge.Bridge
	if a.cfg.BridgeAddr != "" {
		var err error
		web, err = bridge.New(bridge.Options{
			Addr:         a.cfg.BridgeAddr,
			Conversation: conv,
			Self:         self,
			Metrics:      a.metrics,
			Logger:       a.log,
		})
		if err != nil {
			return err
		}
		defer web.Close()
		sinks = append(sinks, web)
	}
	sink = ui.NewMultiSink(sinks...)

	rt = NewRuntime(ctx, RuntimeOptions{
		Conversation: conv,
		Backend:      a.client,
		Identity:     a.session,
		Cache:        a.store,
		Metrics:      a.metrics,
		Sink:         sink,
		Logger:       a.log,
		Timeout:      a.cfg.Timeout,
		PageSize:     a.cfg.PageSize,
		Quit:         cancel,
	})
	push.OnMessage(rt.NotifyIncoming)
	if tui != nil {
		go func() {
			if err := tui.Run(ctx); err != nil {
				a.log.Error().Err(err).Msg("tui stopped")
			}
			cancel()
		}()
	}
	a.setUnauthorized(func() {
		sink.ShowSystem("session expired; run `noxchat login` again")
		cancel()
	})
	defer a.setUnauthorized(nil)

	if web != nil {
		go func() {
			if err := web.Run(ctx); err != nil {
				a.log.Error().Err(err).Msg("bridge stopped")
			}
		}()
		sink.ShowSystem("web bridge on http://" + web.Addr())
	}

	a.connect(ctx, push, self, sink)
	if a.cfg.Reconnect {
		go transport.NewSupervisor(push).Run(ctx)
	}

	a.announceUnread(ctx, sink)
	if opts.Peer != 0 {
		rt.ProcessLine(fmt.Sprintf("/open %d", opts.Peer))
	} else {
		sink.ShowSystem("open a conversation with /open <user id>, /help lists commands")
	}

	if tui == nil {
		in := opts.Input
		if in == nil {
			in = os.Stdin
		}
		go func() {
			rt.ReadInput(in)
			cancel()
		}()
	}

	<-ctx.Done()
	if tui != nil {
		tui.Stop()
	}
	return nil
}

// connect opens the push session. The REST side keeps working while push is
// down, so a failure is reported rather than returned. With reconnect enabled
// the first connection is retried in the background.
func (a *App) connect(ctx context.Context, push *transport.Session, self int64, sink ui.Sink) {
	dial := func() error {
		dialCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		defer cancel()
		return push.Connect(dialCtx, self)
	}
	err := dial()
	if err == nil {
		return
	}
	a.log.Warn().Err(err).Msg("push connect failed")
	sink.ShowSystem("live updates unavailable: " + err.Error())
	if !a.cfg.Reconnect {
		return
	}
	go func() {
		b := backoff.NewExponentialBackOff()
		b.MaxElapsedTime = 0
		notify := func(err error, wait time.Duration) {
			a.log.Debug().Err(err).Dur("retry_in", wait).Msg("push connect retry")
		}
		if err := backoff.RetryNotify(dial, backoff.WithContext(b, ctx), notify); err == nil {
			sink.ShowSystem("live updates restored")
		}
	}()
}

func (a *App) announceUnread(ctx context.Context, sink ui.Sink) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()
	n, err := a.client.UnreadCount(ctx, 0)
	if err != nil {
		a.log.Debug().Err(err).Msg("unread count")
		return
	}
	if n > 0 {
		sink.ShowSystem(fmt.Sprintf("%d unread message(s), /unread lists them", n))
	}
}

// heartbeat maps the configured interval onto the transport's convention,
// where zero means default and a negative value disables heart-beating.
func heartbeat(d time.Duration) time.Duration {
	if d <= 0 {
		return -1
	}
	return d
}
