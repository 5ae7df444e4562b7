package bot

import (
	"VPN-Reseller-bot/config"
	"VPN-Reseller-bot/internal/admin"
	"VPN-Reseller-bot/internal/broadcast"
	"VPN-Reseller-bot/internal/chat/chattest"
	"VPN-Reseller-bot/internal/db"
	"VPN-Reseller-bot/internal/i18n"
	"VPN-Reseller-bot/internal/ledger"
	"VPN-Reseller-bot/internal/logger"
	"VPN-Reseller-bot/internal/payment"
	"VPN-Reseller-bot/internal/purchase"
	"VPN-Reseller-bot/internal/services"
	"VPN-Reseller-bot/internal/vpnapi"
	"VPN-Reseller-bot/internal/vpnapi/vpntest"
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	adminID = int64(1000)
	userID  = int64(42)
)

type fakeGateway struct {
	mu sync.Mutex
	n  int
}

func (g *fakeGateway) CreateInvoice(_ context.Context, req payment.InvoiceRequest) (payment.Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.n++
	id := fmt.Sprintf("inv%d", g.n)
	return payment.Invoice{UUID: id, URL: "https://pay/" + id, OrderID: req.OrderID}, nil
}

func (g *fakeGateway) CheckInvoice(_ context.Context, id string) (payment.InvoiceStatus, error) {
	return payment.InvoiceStatus{UUID: id, Status: payment.StatusPending, Raw: "check"}, nil
}

func (g *fakeGateway) VerifyWebhook([]byte, string) bool {
	return false
}

type harness struct {
	bot    *Bot
	coord  *purchase.Coordinator
	store  *db.Store
	chat   *chattest.Recorder
	vpn    *vpntest.Fake
	ledger *ledger.Ledger
	now    time.Time
}

func newHarness(t *testing.T, users ...vpnapi.User) *harness {
	t.Helper()
	dir := t.TempDir()
	backend, err := db.NewFileBackend(filepath.Join(dir, "data"))
	require.NoError(t, err)
	store := db.Open(backend)
	require.NoError(t, store.Plans.Mutate(func(p *db.Plans) error {
		(*p)["30"] = db.Plan{Price: decimal.RequireFromString("1.80"), Days: 30}
		(*p)["50"] = db.Plan{Price: decimal.RequireFromString("6.25"), Days: 30}
		return nil
	}))

	log := zap.NewNop()
	rec := chattest.New()
	vpn := vpntest.New(users...)
	notifier := logger.NewNotifier(rec, []int64{adminID}, log)
	l := ledger.New(store, ledger.Options{DiscountPercent: 20, ReferralPercent: 10}, log)
	coord := purchase.New(purchase.Config{
		PollInterval: time.Hour,
		RetryBase:    time.Millisecond,
		ReceiptDir:   filepath.Join(dir, "receipts"),
		CardMode:     config.CardModeOn,
		CardNumber:   "2200 0000 0000 0000",
		CardHolder:   "I. IVANOV",
		CardRate:     decimal.NewFromInt(90),
	}, store, l, vpn, &fakeGateway{}, rec, notifier, log)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, coord.Start(ctx))

	engine := broadcast.New(vpn, store, rec, log)
	engine.SetPace(0)

	h := &harness{coord: coord, store: store, chat: rec, vpn: vpn, ledger: l, now: time.Date(2025, 5, 1, 12, 0, 0, 0, time.UTC)}
	h.bot = New(Config{Username: "vpn_test_bot"}, Deps{
		Store:       store,
		Transport:   rec,
		Coordinator: coord,
		Ledger:      l,
		VPN:         vpn,
		Broadcast:   engine,
		Backups:     admin.NewBackuper(filepath.Join(dir, "data"), "", filepath.Join(dir, "backups"), rec, []int64{adminID}, log),
		Nodes:       services.NewNodeProber(store, notifier, log),
		Notifier:    notifier,
		Log:         log,
	})
	h.bot.SetClock(func() time.Time { return h.now })
	t.Cleanup(func() {
		h.bot.Wait()
		cancel()
		coord.Wait()
	})
	return h
}

func (h *harness) text(from int64, text string) {
	h.bot.Handle(context.Background(), Event{Kind: EventMessage, ChatID: from, UserID: from, Username: "user", LangCode: "en", Text: text})
}

func (h *harness) command(from int64, cmd, args string) {
	h.bot.Handle(context.Background(), Event{Kind: EventMessage, ChatID: from, UserID: from, Username: "user", LangCode: "en",
		Text: "/" + cmd, Command: cmd, Args: args})
}

func (h *harness) press(from int64, data string) {
	h.bot.Handle(context.Background(), Event{Kind: EventCallback, ChatID: from, UserID: from, Username: "user", LangCode: "en",
		Data: data, CallbackID: "cb-" + data})
}

func (h *harness) photo(from int64, fileID string) {
	h.bot.Handle(context.Background(), Event{Kind: EventMessage, ChatID: from, UserID: from, LangCode: "en", PhotoID: fileID})
}

// last returns the text of the latest message sent to a chat.
func (h *harness) last(t *testing.T, chatID int64) chattest.Message {
	t.Helper()
	msgs := h.chat.To(chatID, chattest.KindText, chattest.KindPhoto)
	require.NotEmpty(t, msgs, "no messages to %d", chatID)
	return msgs[len(msgs)-1]
}

func callbacks(m chattest.Message) []string {
	var out []string
	if m.Markup == nil {
		return nil
	}
	for _, row := range m.Markup.Inline {
		for _, b := range row {
			if b.Data != "" {
				out = append(out, b.Data)
			}
		}
	}
	return out
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		desc string
		u    tgbotapi.Update
		ok   bool
		want Event
	}{
		{
			desc: "command with arguments",
			u: tgbotapi.Update{Message: &tgbotapi.Message{
				MessageID: 5,
				From:      &tgbotapi.User{ID: 7, UserName: "bob", LanguageCode: "ru"},
				Chat:      &tgbotapi.Chat{ID: 7},
				Text:      "/start AbCd1234",
				Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: 6}},
			}},
			ok:   true,
			want: Event{Kind: EventMessage, ChatID: 7, UserID: 7, Username: "bob", LangCode: "ru", Text: "/start AbCd1234", Command: "start", Args: "AbCd1234", MessageID: 5},
		},
		{
			desc: "photo with caption",
			u: tgbotapi.Update{Message: &tgbotapi.Message{
				From:    &tgbotapi.User{ID: 8},
				Chat:    &tgbotapi.Chat{ID: 8},
				Caption: " receipt ",
				Photo:   []tgbotapi.PhotoSize{{FileID: "small"}, {FileID: "large"}},
			}},
			ok:   true,
			want: Event{Kind: EventMessage, ChatID: 8, UserID: 8, Text: "receipt", PhotoID: "large"},
		},
		{
			desc: "image document",
			u: tgbotapi.Update{Message: &tgbotapi.Message{
				From:     &tgbotapi.User{ID: 8},
				Chat:     &tgbotapi.Chat{ID: 8},
				Document: &tgbotapi.Document{FileID: "doc", MimeType: "image/png"},
			}},
			ok:   true,
			want: Event{Kind: EventMessage, ChatID: 8, UserID: 8, PhotoID: "doc"},
		},
		{
			desc: "callback",
			u: tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
				ID:      "q1",
				From:    &tgbotapi.User{ID: 9},
				Message: &tgbotapi.Message{MessageID: 3, Chat: &tgbotapi.Chat{ID: 9}},
				Data:    "plan:30",
			}},
			ok:   true,
			want: Event{Kind: EventCallback, ChatID: 9, UserID: 9, Data: "plan:30", CallbackID: "q1", MessageID: 3},
		},
		{desc: "channel post", u: tgbotapi.Update{ChannelPost: &tgbotapi.Message{}}, ok: false},
	}
	for _, tt := range tests {
		got, ok := Normalize(tt.u)
		if ok != tt.ok {
			t.Errorf("%s: ok = %v, want %v", tt.desc, ok, tt.ok)
			continue
		}
		if ok && got != tt.want {
			t.Errorf("%s: got %+v, want %+v", tt.desc, got, tt.want)
		}
	}
}

func TestRouterLongestPrefixWins(t *testing.T) {
	r := NewRouter()
	var hit string
	handler := func(name string) Handler {
		return func(context.Context, Event, *Session) error {
			hit = name
			return nil
		}
	}
	r.Callback("adm:exclusions", RoleAdmin, handler("list"))
	r.Callback("adm:exclusions:reset", RoleAdmin, handler("reset"))
	r.Callback("adm:rs:", RoleAdmin, handler("reseller"))

	rt, ok := r.match(Event{Kind: EventCallback, Data: "adm:exclusions:reset"}, nil)
	require.True(t, ok)
	require.NoError(t, rt.h(context.Background(), Event{}, nil))
	assert.Equal(t, "reset", hit)

	_, ok = r.match(Event{Kind: EventCallback, Data: "adm:resellers"}, nil)
	assert.False(t, ok)
}

func TestSessionsExpire(t *testing.T) {
	s := NewSessions()
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	s.Start(1, "a")
	s.Start(2, "b")
	now = now.Add(20 * time.Minute)
	require.NotNil(t, s.Get(1))

	// chat 1 was refreshed 20 minutes in, chat 2 was not
	now = now.Add(15 * time.Minute)
	assert.Equal(t, 1, s.Sweep())
	assert.NotNil(t, s.Get(1))
	assert.Nil(t, s.Get(2))

	now = now.Add(SessionTTL)
	assert.Nil(t, s.Get(1))
	assert.Equal(t, 0, s.Len())
}

func TestRateLimiter(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	r := NewRateLimiter(func(id int64) bool { return id == adminID })
	r.now = func() time.Time { return now }

	assert.False(t, r.IsLimited(1, "btn:trial"))
	assert.True(t, r.IsLimited(1, "btn:trial"))
	assert.False(t, r.IsLimited(1, "btn:buy"), "routes are limited separately")
	assert.False(t, r.IsLimited(2, "btn:trial"), "users are limited separately")
	assert.False(t, r.IsLimited(adminID, "btn:trial"))
	assert.False(t, r.IsLimited(adminID, "btn:trial"))

	now = now.Add(10 * time.Second)
	assert.False(t, r.IsLimited(1, "btn:trial"))

	now = now.Add(time.Minute)
	r.Forget()
	assert.Empty(t, r.lastCall)
}

func TestStartRegistersReferral(t *testing.T) {
	h := newHarness(t)
	code, err := h.ledger.ReferralCode(7)
	require.NoError(t, err)

	h.command(userID, "start", code)
	require.NotEmpty(t, h.chat.Containing("referral link"))
	referrer, ok, err := h.ledger.Referrer(userID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(7), referrer)

	last := h.last(t, userID)
	assert.Equal(t, i18n.T("en", "welcome"), last.Text)
	require.NotNil(t, last.Markup)
	assert.Len(t, last.Markup.Reply, 3, "no admin row for users")

	langs, err := h.store.Languages.Load()
	require.NoError(t, err)
	assert.Equal(t, "en", langs[db.Key(userID)])
}

func TestCryptoPurchaseConversation(t *testing.T) {
	h := newHarness(t)

	h.text(userID, i18n.Button("en", "buy"))
	assert.Equal(t, []string{"plan:30", "plan:50", "cancel"}, callbacks(h.last(t, userID)))

	h.press(userID, "plan:30")
	assert.Contains(t, h.last(t, userID).Text, "$1.80")

	h.press(userID, "buy:confirm")
	assert.Equal(t, []string{"pay:crypto", "pay:card", "cancel"}, callbacks(h.last(t, userID)))

	h.press(userID, "pay:crypto")
	inv := h.last(t, userID)
	assert.Equal(t, i18n.T("en", "invoice.created", "1.80", 60), inv.Text)
	require.NotNil(t, inv.Markup)
	assert.Equal(t, "https://pay/inv1", inv.Markup.Inline[0][0].URL)

	payments, err := h.store.Payments.Load()
	require.NoError(t, err)
	require.Len(t, payments, 1)
	p := payments["inv1"]
	assert.Equal(t, db.StatusPending, p.Status)
	assert.Equal(t, 30, p.PlanGB)

	h.press(userID, "check:inv1")
	assert.Equal(t, i18n.T("en", "status.pending"), h.last(t, userID).Text)
}

func TestCallbackWithoutConversation(t *testing.T) {
	h := newHarness(t)
	h.press(userID, "buy:confirm")
	assert.Equal(t, i18n.T("en", "session_ended"), h.last(t, userID).Text)
	require.NotEmpty(t, h.chat.To(0, chattest.KindCallback), "callback is answered")
}

func TestConversationExpires(t *testing.T) {
	h := newHarness(t)
	h.command(userID, "buy", "")
	h.now = h.now.Add(SessionTTL + time.Second)
	h.press(userID, "plan:30")
	assert.Equal(t, i18n.T("en", "session_ended"), h.last(t, userID).Text)
}

func TestCancel(t *testing.T) {
	h := newHarness(t)
	h.command(userID, "buy", "")
	h.press(userID, "plan:30")
	h.press(userID, "cancel")
	assert.Equal(t, i18n.T("en", "cancelled"), h.last(t, userID).Text)

	h.press(userID, "buy:confirm")
	assert.Equal(t, i18n.T("en", "session_ended"), h.last(t, userID).Text)
}

func TestMenuButtonAbandonsConversation(t *testing.T) {
	h := newHarness(t)
	h.command(userID, "buy", "")
	h.press(userID, "plan:30")
	h.text(userID, i18n.Button("en", "configs"))
	assert.Equal(t, i18n.T("en", "configs.empty"), h.last(t, userID).Text)

	h.press(userID, "buy:confirm")
	assert.Equal(t, i18n.T("en", "session_ended"), h.last(t, userID).Text)
}

func TestMenuButtonKeepsInvoicePolling(t *testing.T) {
	h := newHarness(t)
	h.command(userID, "buy", "")
	h.press(userID, "plan:30")
	h.press(userID, "buy:confirm")
	h.press(userID, "pay:crypto")

	h.text(userID, i18n.Button("en", "configs"))
	h.command(userID, "menu", "")
	assert.Equal(t, 1, h.coord.StopPolling(userID), "invoice still polled")
}

func TestCancelStopsInvoicePolling(t *testing.T) {
	h := newHarness(t)
	h.command(userID, "buy", "")
	h.press(userID, "plan:30")
	h.press(userID, "buy:confirm")
	h.press(userID, "pay:crypto")

	h.press(userID, "cancel")
	assert.Equal(t, i18n.T("en", "cancelled"), h.last(t, userID).Text)
	assert.Equal(t, 0, h.coord.StopPolling(userID))
}

func TestSweepForgetsSessionsAndRateLimits(t *testing.T) {
	h := newHarness(t)
	h.text(userID, i18n.Button("en", "buy"))
	require.Equal(t, 1, h.bot.sessions.Len())
	require.NotEmpty(t, h.bot.limiter.lastCall)

	h.now = h.now.Add(SessionTTL + time.Minute)
	h.bot.sweep()
	assert.Equal(t, 0, h.bot.sessions.Len())
	assert.Empty(t, h.bot.limiter.lastCall)
}

func TestCardReceiptConversation(t *testing.T) {
	h := newHarness(t)
	h.chat.Files["receipt-file"] = []byte("jpeg")

	h.command(userID, "buy", "")
	h.press(userID, "plan:50")
	h.press(userID, "buy:confirm")
	h.press(userID, "pay:card")
	assert.Contains(t, h.last(t, userID).Text, "2200 0000 0000 0000")

	h.text(userID, "paid!")
	assert.Equal(t, i18n.T("en", "receipt.expected"), h.last(t, userID).Text)

	h.photo(userID, "receipt-file")
	assert.Equal(t, i18n.T("en", "receipt.received"), h.last(t, userID).Text)

	prompts := h.chat.To(adminID, chattest.KindPhoto)
	require.Len(t, prompts, 1)
	data := callbacks(prompts[0])
	require.Len(t, data, 2)
	assert.True(t, strings.HasPrefix(data[0], "adm:pay:approve:"))

	h.press(adminID, data[0])
	assert.Contains(t, h.last(t, adminID).Text, "approved")
	require.NotEmpty(t, h.chat.To(userID, chattest.KindPhoto), "config delivered")
	_, ok := h.vpn.User("s42")
	assert.True(t, ok)

	h.press(adminID, data[1])
	assert.Contains(t, h.last(t, adminID).Text, "already handled")
}

func TestAdminRoutesAreGated(t *testing.T) {
	h := newHarness(t, vpnapi.User{Username: "s42"}, vpnapi.User{Username: "t43", Blocked: true})

	h.press(userID, "adm:stats")
	assert.Equal(t, i18n.T("en", "unknown"), h.last(t, userID).Text)

	h.press(adminID, "adm:stats")
	stats := h.last(t, adminID).Text
	assert.Contains(t, stats, "Subscribers: 2 (1 disabled)")
	assert.Contains(t, stats, "paid: 1, reseller: 0, test: 1")

	h.command(adminID, "start", "")
	assert.Len(t, h.last(t, adminID).Markup.Reply, 4, "admin row")
}

func TestAdminResetUser(t *testing.T) {
	h := newHarness(t, vpnapi.User{Username: "s42", AccountCreationDate: "2024-01-01", ExpirationDays: 30,
		MaxDownloadBytes: 10 << 30, DownloadBytes: 12 << 30, UploadBytes: 1 << 30, Blocked: true})

	tests := []struct {
		args string
		want string
	}{
		{"", "Usage: /resetuser <username>"},
		{"bad name!", "Usage: /resetuser <username>"},
		{"s99", "No account s99."},
		{"s42", "User s42 reset."},
	}
	for _, tt := range tests {
		h.command(adminID, "resetuser", tt.args)
		assert.Equal(t, tt.want, h.last(t, adminID).Text, tt.args)
	}

	u, ok := h.vpn.User("s42")
	require.True(t, ok)
	assert.False(t, u.Blocked)
	assert.Zero(t, u.TotalBytes())
	assert.NotEqual(t, "2024-01-01", u.AccountCreationDate)

	h.command(userID, "resetuser", "s42")
	assert.Equal(t, i18n.T("en", "unknown"), h.last(t, userID).Text)
}

func TestAdminExclusionsList(t *testing.T) {
	h := newHarness(t)

	h.press(adminID, "adm:exclusions")
	assert.Equal(t, "🚫 0 chats are excluded from broadcasts after failed deliveries.", h.last(t, adminID).Text)
	assert.Nil(t, h.last(t, adminID).Markup)

	require.NoError(t, h.store.BroadcastFailed.Mutate(func(m *map[string]db.BroadcastFailure) error {
		(*m)["77"] = db.BroadcastFailure{Reason: "blocked"}
		(*m)["55"] = db.BroadcastFailure{Reason: "blocked"}
		return nil
	}))
	h.press(adminID, "adm:exclusions")
	got := h.last(t, adminID)
	assert.Equal(t, "🚫 2 chats are excluded from broadcasts after failed deliveries.\n\n55, 77", got.Text)
	assert.Equal(t, []string{"adm:exclusions:reset"}, callbacks(got))
}

func TestResellerLifecycle(t *testing.T) {
	h := newHarness(t, vpnapi.User{Username: "s42"})

	h.press(userID, "rs:gen")
	assert.Equal(t, i18n.T("en", "reseller.denied"), h.last(t, userID).Text)

	h.text(userID, i18n.Button("en", "reseller"))
	assert.Equal(t, []string{"rs:apply"}, callbacks(h.last(t, userID)))

	h.press(userID, "rs:apply")
	assert.Equal(t, i18n.T("en", "reseller.requested"), h.last(t, userID).Text)
	req := h.last(t, adminID)
	assert.Equal(t, []string{"adm:rs:approved:42", "adm:rs:rejected:42"}, callbacks(req))

	h.press(adminID, "adm:rs:approved:42")
	assert.Equal(t, i18n.T("en", "reseller.status", db.ResellerApproved), h.last(t, userID).Text)

	h.press(userID, "rs:gen")
	assert.Equal(t, []string{"rs:plan:30", "rs:plan:50", "cancel"}, callbacks(h.last(t, userID)))
	assert.Contains(t, h.last(t, userID).Markup.Inline[0][0].Text, "$1.44")

	h.press(userID, "rs:plan:30")
	assert.Equal(t, i18n.T("en", "reseller.created", "1.44"), h.last(t, userID).Text)
	_, ok := h.vpn.User("r42")
	assert.True(t, ok)
}

func TestResellerCreditNeedsConfirmation(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ledger.RequestAccess(userID, "user", true))
	_, err := h.ledger.SetStatus(userID, db.ResellerApproved)
	require.NoError(t, err)
	_, err = h.ledger.SetDebt(userID, decimal.NewFromInt(18))
	require.NoError(t, err)

	h.press(userID, "rs:plan:50")
	assert.Equal(t, []string{"rs:confirm:50", "cancel"}, callbacks(h.last(t, userID)))
	assert.Equal(t, 0, h.vpn.AddCount())

	h.press(userID, "rs:confirm:50")
	assert.Equal(t, i18n.T("en", "reseller.created", "23.00"), h.last(t, userID).Text)
}

func TestSettleAmountValidation(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ledger.RequestAccess(userID, "user", true))
	_, err := h.ledger.SetStatus(userID, db.ResellerApproved)
	require.NoError(t, err)
	_, err = h.ledger.SetDebt(userID, decimal.NewFromInt(10))
	require.NoError(t, err)

	h.press(userID, "rs:settle")
	assert.Contains(t, h.last(t, userID).Text, "$10.00")

	for _, bad := range []string{"abc", "0", "-1", "10.01"} {
		h.text(userID, bad)
		assert.Equal(t, i18n.T("en", "reseller.bad_amount"), h.last(t, userID).Text, bad)
	}

	h.text(userID, "4,50")
	assert.Equal(t, []string{"rs:pay:crypto", "rs:pay:card", "cancel"}, callbacks(h.last(t, userID)))

	h.press(userID, "rs:pay:crypto")
	assert.Equal(t, i18n.T("en", "invoice.created", "4.50", 60), h.last(t, userID).Text)
	payments, err := h.store.Payments.Load()
	require.NoError(t, err)
	assert.Equal(t, db.TypeSettlement, payments["inv1"].Type)
}

func TestAdminSetDebt(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.ledger.RequestAccess(userID, "user", true))
	_, err := h.ledger.SetStatus(userID, db.ResellerApproved)
	require.NoError(t, err)

	h.press(adminID, "adm:rs:view:42")
	assert.Contains(t, callbacks(h.last(t, adminID)), "adm:rs:setdebt:42")

	h.press(adminID, "adm:rs:setdebt:42")
	h.text(adminID, "not a number")
	assert.Contains(t, h.last(t, adminID).Text, "Enter an amount")
	h.text(adminID, "25")
	assert.Equal(t, "Debt of reseller 42: $0.00 -> $25.00 (warning).", h.last(t, adminID).Text)

	r, _, err := h.ledger.Get(userID)
	require.NoError(t, err)
	assert.Equal(t, "25", r.Debt.String())
}

func TestAdminBroadcast(t *testing.T) {
	h := newHarness(t, vpnapi.User{Username: "s42"}, vpnapi.User{Username: "s43"})

	h.press(adminID, "adm:bc:active_paid")
	assert.Contains(t, h.last(t, adminID).Text, "2 recipients")
	h.text(adminID, "Maintenance at 3am")
	h.bot.Wait()

	assert.Equal(t, "Maintenance at 3am", h.last(t, 43).Text)
	require.Len(t, h.chat.To(adminID, chattest.KindDocument), 1)
}

func TestLanguageSwitch(t *testing.T) {
	h := newHarness(t)
	h.press(userID, "lang:ru")
	assert.Equal(t, i18n.T("ru", "language.set"), h.last(t, userID).Text)

	h.text(userID, "hello")
	assert.Equal(t, i18n.T("ru", "unknown"), h.last(t, userID).Text)

	h.text(userID, i18n.Button("ru", "buy"))
	assert.Equal(t, i18n.T("ru", "plans.title"), h.last(t, userID).Text)
}

func TestTrialOnlyOnce(t *testing.T) {
	h := newHarness(t)
	h.text(userID, i18n.Button("en", "trial"))
	require.NotEmpty(t, h.chat.To(userID, chattest.KindPhoto))

	h.now = h.now.Add(time.Minute)
	h.text(userID, i18n.Button("en", "trial"))
	assert.Equal(t, i18n.T("en", "trial.used"), h.last(t, userID).Text)
}
