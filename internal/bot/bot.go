// Package bot turns Telegram updates into calls on the purchase, ledger and admin services.
package bot

import (
	"VPN-Reseller-bot/internal/admin"
	"VPN-Reseller-bot/internal/broadcast"
	"VPN-Reseller-bot/internal/chat"
	"VPN-Reseller-bot/internal/db"
	"VPN-Reseller-bot/internal/errs"
	"VPN-Reseller-bot/internal/i18n"
	"VPN-Reseller-bot/internal/ledger"
	"VPN-Reseller-bot/internal/logger"
	"VPN-Reseller-bot/internal/purchase"
	"VPN-Reseller-bot/internal/services"
	"VPN-Reseller-bot/internal/vpnapi"
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// EventKind tells how an update reached the bot.
type EventKind int

const (
	EventMessage EventKind = iota
	EventCallback
)

// Event is a normalized inbound update.
type Event struct {
	Kind       EventKind
	ChatID     int64
	UserID     int64
	Username   string
	LangCode   string
	Text       string
	Command    string
	Args       string
	Data       string
	CallbackID string
	MessageID  int
	// PhotoID is the largest size of an attached photo or an image document.
	PhotoID string
}

// Normalize converts a Telegram update. Updates the bot does not handle return false.
func Normalize(u tgbotapi.Update) (Event, bool) {
	if q := u.CallbackQuery; q != nil {
		if q.From == nil || q.Message == nil || q.Message.Chat == nil {
			return Event{}, false
		}
		return Event{
			Kind:       EventCallback,
			ChatID:     q.Message.Chat.ID,
			UserID:     q.From.ID,
			Username:   q.From.UserName,
			LangCode:   q.From.LanguageCode,
			Data:       q.Data,
			CallbackID: q.ID,
			MessageID:  q.Message.MessageID,
		}, true
	}
	m := u.Message
	if m == nil || m.From == nil || m.Chat == nil {
		return Event{}, false
	}
	ev := Event{
		Kind:      EventMessage,
		ChatID:    m.Chat.ID,
		UserID:    m.From.ID,
		Username:  m.From.UserName,
		LangCode:  m.From.LanguageCode,
		Text:      strings.TrimSpace(m.Text),
		MessageID: m.MessageID,
	}
	if m.IsCommand() {
		ev.Command = m.Command()
		ev.Args = strings.TrimSpace(m.CommandArguments())
	}
	if ev.Text == "" {
		ev.Text = strings.TrimSpace(m.Caption)
	}
	if n := len(m.Photo); n > 0 {
		ev.PhotoID = m.Photo[n-1].FileID
	} else if m.Document != nil && strings.HasPrefix(m.Document.MimeType, "image/") {
		ev.PhotoID = m.Document.FileID
	}
	return ev, true
}

// Role gates a route.
type Role int

const (
	RoleUser Role = iota
	RoleReseller
	RoleAdmin
)

// Handler serves one route. sess is nil when the chat has no live conversation.
type Handler func(ctx context.Context, ev Event, sess *Session) error

type routeKind int

const (
	routeCommand routeKind = iota
	routeButton
	routeCallback
	routeState
)

type route struct {
	kind routeKind
	key  string
	role Role
	h    Handler
}

// limitKey is the rate limiter key of the route.
func (r route) limitKey() string {
	switch r.kind {
	case routeCommand:
		return "cmd:" + r.key
	case routeButton:
		return "btn:" + r.key
	case routeCallback:
		return "cb:" + r.key
	}
	return ""
}

// Router maps events to handlers by command, reply button, callback prefix or conversation state.
type Router struct {
	commands  map[string]route
	buttons   map[string]route
	states    map[string]route
	callbacks []route
}

func NewRouter() *Router {
	return &Router{
		commands: make(map[string]route),
		buttons:  make(map[string]route),
		states:   make(map[string]route),
	}
}

func (r *Router) Command(name string, role Role, h Handler) {
	r.commands[name] = route{kind: routeCommand, key: name, role: role, h: h}
}

// Button registers a reply keyboard button by its i18n key.
func (r *Router) Button(key string, role Role, h Handler) {
	r.buttons[key] = route{kind: routeButton, key: key, role: role, h: h}
}

// Callback registers a callback data prefix. The longest matching prefix wins.
func (r *Router) Callback(prefix string, role Role, h Handler) {
	r.callbacks = append(r.callbacks, route{kind: routeCallback, key: prefix, role: role, h: h})
	sort.SliceStable(r.callbacks, func(i, j int) bool {
		return len(r.callbacks[i].key) > len(r.callbacks[j].key)
	})
}

// State registers the handler of free text and photos while a conversation is in state.
func (r *Router) State(state string, role Role, h Handler) {
	r.states[state] = route{kind: routeState, key: state, role: role, h: h}
}

func (r *Router) match(ev Event, sess *Session) (route, bool) {
	if ev.Kind == EventCallback {
		for _, rt := range r.callbacks {
			if strings.HasPrefix(ev.Data, rt.key) {
				return rt, true
			}
		}
		return route{}, false
	}
	if ev.Command != "" {
		rt, ok := r.commands[ev.Command]
		return rt, ok
	}
	if key, ok := i18n.ButtonKey(ev.Text); ok {
		if rt, ok := r.buttons[key]; ok {
			return rt, true
		}
	}
	if sess != nil {
		rt, ok := r.states[sess.State]
		return rt, ok
	}
	return route{}, false
}

// AccountAPI is the part of the VPN admin API used by the panels.
type AccountAPI interface {
	ListUsers(ctx context.Context) ([]vpnapi.User, error)
	ResetUser(ctx context.Context, username string) error
}

type Config struct {
	// Username is the bot's Telegram username, used for referral links.
	Username string
}

// Deps are the services the dispatcher drives.
type Deps struct {
	Store       *db.Store
	Transport   chat.Transport
	Coordinator *purchase.Coordinator
	Ledger      *ledger.Ledger
	VPN         AccountAPI
	Broadcast   *broadcast.Engine
	Backups     *admin.Backuper
	Nodes       *services.NodeProber
	Notifier    *logger.Notifier
	Log         *zap.Logger
}

type Bot struct {
	Deps
	cfg      Config
	router   *Router
	sessions *Sessions
	limiter  *RateLimiter
	chats    chatLocks
	wg       sync.WaitGroup
}

func New(cfg Config, d Deps) *Bot {
	b := &Bot{
		Deps:     d,
		cfg:      cfg,
		router:   NewRouter(),
		sessions: NewSessions(),
		limiter:  NewRateLimiter(d.Notifier.IsAdmin),
	}
	b.userRoutes()
	b.resellerRoutes()
	b.adminRoutes()
	return b
}

// SetClock replaces the time source of sessions and the rate limiter.
func (b *Bot) SetClock(now func() time.Time) {
	b.sessions.now = now
	b.limiter.now = now
}

// Poll receives updates from Telegram until ctx is done.
func (b *Bot) Poll(ctx context.Context, api *tgbotapi.BotAPI) {
	b.Log.Info("authorized", zap.String("account", api.Self.UserName))
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60
	updates := api.GetUpdatesChan(u)
	go func() {
		<-ctx.Done()
		api.StopReceivingUpdates()
	}()
	b.Run(ctx, updates)
}

// Run handles updates until ctx is done or the channel is closed. Updates of one chat are
// handled in order; different chats run concurrently.
func (b *Bot) Run(ctx context.Context, updates <-chan tgbotapi.Update) {
	sweepCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go b.runSweeper(sweepCtx, time.Minute)
	defer b.wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		case u, ok := <-updates:
			if !ok {
				return
			}
			ev, ok := Normalize(u)
			if !ok {
				continue
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				defer b.Notifier.NotifyOnPanic("update handler")
				b.Handle(ctx, ev)
			}()
		}
	}
}

// sweep drops expired conversations and rate limiter entries nobody can hit anymore.
func (b *Bot) sweep() {
	if n := b.sessions.Sweep(); n > 0 {
		b.Log.Debug("sessions expired", zap.Int("count", n))
	}
	b.limiter.Forget()
}

func (b *Bot) runSweeper(ctx context.Context, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			b.sweep()
		}
	}
}

// Wait blocks until background work started by handlers has finished.
func (b *Bot) Wait() {
	b.wg.Wait()
}

// Handle dispatches one event.
func (b *Bot) Handle(ctx context.Context, ev Event) {
	unlock := b.chats.lock(ev.ChatID)
	defer unlock()

	if ev.Kind == EventCallback {
		defer func() {
			if err := b.Transport.AnswerCallback(ctx, ev.CallbackID, ""); err != nil {
				b.Log.Debug("answer callback", zap.Error(err))
			}
		}()
	}

	lang := b.lang(ev.UserID, ev.LangCode)
	sess := b.sessions.Get(ev.ChatID)
	rt, ok := b.router.match(ev, sess)
	if !ok {
		if ev.Kind == EventCallback {
			b.reply(ctx, ev.ChatID, i18n.T(lang, "session_ended"), nil)
			return
		}
		b.reply(ctx, ev.ChatID, i18n.T(lang, "unknown"), b.menu(ev.UserID, lang))
		return
	}
	if !b.allowed(rt.role, ev.UserID) {
		if rt.role == RoleReseller {
			b.reply(ctx, ev.ChatID, i18n.T(lang, "reseller.denied"), nil)
		} else {
			b.reply(ctx, ev.ChatID, i18n.T(lang, "unknown"), b.menu(ev.UserID, lang))
		}
		return
	}
	if key := rt.limitKey(); key != "" && b.limiter.IsLimited(ev.UserID, key) {
		b.reply(ctx, ev.ChatID, i18n.T(lang, "slow_down"), nil)
		return
	}
	// commands and menu buttons abandon whatever conversation was running
	if rt.kind == routeCommand || rt.kind == routeButton {
		b.endSession(ev)
		sess = nil
	}

	if err := rt.h(ctx, ev, sess); err != nil {
		b.fail(ctx, ev, lang, err)
	}
}

func (b *Bot) allowed(role Role, userID int64) bool {
	switch role {
	case RoleAdmin:
		return b.Notifier.IsAdmin(userID)
	case RoleReseller:
		return b.Ledger.IsApproved(userID)
	}
	return true
}

func (b *Bot) fail(ctx context.Context, ev Event, lang string, err error) {
	b.Log.Error("handler failed",
		zap.Int64("chat_id", ev.ChatID),
		zap.String("command", ev.Command),
		zap.String("data", ev.Data),
		zap.Error(err))
	key := "error"
	if errors.Is(err, errs.ErrTransient) {
		key = "unavailable"
	}
	b.reply(ctx, ev.ChatID, i18n.T(lang, key), nil)
}

// endSession drops the conversation. Invoice polling keeps running so a payment made
// after the buyer moved on is still picked up; only an explicit cancel stops it.
func (b *Bot) endSession(ev Event) {
	b.sessions.End(ev.ChatID)
}

func (b *Bot) lang(userID int64, code string) string {
	m, err := b.Store.Languages.Load()
	if err == nil {
		if l, ok := m[db.Key(userID)]; ok && i18n.Supported(l) {
			return l
		}
	}
	if code != "" {
		return i18n.Normalize(code)
	}
	return i18n.Default
}

func (b *Bot) menu(userID int64, lang string) *chat.Markup {
	return MainMenu(lang, b.Notifier.IsAdmin(userID))
}

func (b *Bot) reply(ctx context.Context, chatID int64, text string, m *chat.Markup) {
	if _, err := b.Transport.SendText(ctx, chatID, text, m); err != nil {
		b.Log.Warn("send failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

type chatLocks struct {
	m sync.Map
}

func (k *chatLocks) lock(id int64) func() {
	v, _ := k.m.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
