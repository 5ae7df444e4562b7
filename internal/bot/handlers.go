package bot

import (
	"VPN-Reseller-bot/internal/chat"
	"VPN-Reseller-bot/internal/db"
	"VPN-Reseller-bot/internal/errs"
	"VPN-Reseller-bot/internal/i18n"
	"VPN-Reseller-bot/internal/ledger"
	"VPN-Reseller-bot/internal/naming"
	"VPN-Reseller-bot/internal/purchase"
	"VPN-Reseller-bot/internal/vpnapi"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func (b *Bot) userRoutes() {
	r := b.router
	r.Command("start", RoleUser, b.handleStart)
	r.Command("menu", RoleUser, b.handleStart)
	r.Command("cancel", RoleUser, b.handleCancel)
	r.Command("buy", RoleUser, b.handleBuy)
	r.Command("configs", RoleUser, b.handleConfigs)
	r.Command("trial", RoleUser, b.handleTrial)
	r.Command("referral", RoleUser, b.handleReferral)
	r.Command("language", RoleUser, b.handleLanguage)

	r.Button("buy", RoleUser, b.handleBuy)
	r.Button("configs", RoleUser, b.handleConfigs)
	r.Button("trial", RoleUser, b.handleTrial)
	r.Button("referral", RoleUser, b.handleReferral)
	r.Button("language", RoleUser, b.handleLanguage)
	r.Button("cancel", RoleUser, b.handleCancel)

	r.Callback("cancel", RoleUser, b.handleCancel)
	r.Callback("plan:", RoleUser, b.handlePlan)
	r.Callback("buy:confirm", RoleUser, b.handleConfirm)
	r.Callback("pay:", RoleUser, b.handlePay)
	r.Callback("check:", RoleUser, b.handleCheck)
	r.Callback("qr:", RoleUser, b.handleQR)
	r.Callback("lang:", RoleUser, b.handleSetLanguage)

	r.State(string(purchase.StateReceiptRequested), RoleUser, b.handleReceipt)
}

func (b *Bot) handleStart(ctx context.Context, ev Event, _ *Session) error {
	b.rememberLanguage(ev)
	lang := b.lang(ev.UserID, ev.LangCode)
	if code := ev.Args; code != "" && ledger.ValidCode(code) {
		referrer, err := b.Ledger.RegisterReferral(ev.UserID, code)
		switch {
		case err == nil:
			b.Log.Info("referral registered", zap.Int64("user_id", ev.UserID), zap.Int64("referrer_id", referrer))
			b.reply(ctx, ev.ChatID, i18n.T(lang, "referral.registered"), nil)
		case errors.Is(err, errs.ErrUserInput), errors.Is(err, errs.ErrNotFound), errors.Is(err, errs.ErrConflict):
			b.Log.Debug("referral ignored", zap.Int64("user_id", ev.UserID), zap.Error(err))
		default:
			return err
		}
	}
	b.reply(ctx, ev.ChatID, i18n.T(lang, "welcome"), b.menu(ev.UserID, lang))
	return nil
}

// rememberLanguage stores the Telegram client language of a user on first contact.
func (b *Bot) rememberLanguage(ev Event) {
	if ev.LangCode == "" {
		return
	}
	err := b.Store.Languages.Mutate(func(m *map[string]string) error {
		if _, ok := (*m)[db.Key(ev.UserID)]; ok {
			return db.ErrSkipWrite
		}
		(*m)[db.Key(ev.UserID)] = i18n.Normalize(ev.LangCode)
		return nil
	})
	if err != nil {
		b.Log.Warn("store language", zap.Int64("user_id", ev.UserID), zap.Error(err))
	}
}

// handleCancel is the explicit cancel: the conversation is dropped and invoice polling stops.
// Open invoices stay payable and are still settled by the webhook.
func (b *Bot) handleCancel(ctx context.Context, ev Event, sess *Session) error {
	lang := b.lang(ev.UserID, ev.LangCode)
	if sess == nil {
		sess = b.sessions.Get(ev.ChatID)
	}
	if sess != nil {
		if _, ok := sess.Flow.Cancel(); !ok {
			b.Log.Debug("cancel after provisioning started", zap.Int64("chat_id", ev.ChatID), zap.String("state", string(sess.Flow.State)))
		}
	}
	b.sessions.End(ev.ChatID)
	if n := b.Coordinator.StopPolling(ev.UserID); n > 0 {
		b.Log.Debug("polling stopped", zap.Int64("user_id", ev.UserID), zap.Int("invoices", n))
	}
	b.reply(ctx, ev.ChatID, i18n.T(lang, "cancelled"), b.menu(ev.UserID, lang))
	return nil
}

func identity(d decimal.Decimal) decimal.Decimal { return d }

func (b *Bot) handleBuy(ctx context.Context, ev Event, _ *Session) error {
	lang := b.lang(ev.UserID, ev.LangCode)
	plans, err := b.Coordinator.Plans()
	if err != nil {
		return err
	}
	if len(plans) == 0 {
		b.reply(ctx, ev.ChatID, i18n.T(lang, "plans.empty"), nil)
		return nil
	}
	b.sessions.Start(ev.ChatID, string(purchase.StatePlanMenu))
	b.reply(ctx, ev.ChatID, i18n.T(lang, "plans.title"), PlanKeyboard(lang, "plan:", plans, identity))
	return nil
}

func (b *Bot) findPlan(gb int) (db.PlanEntry, bool, error) {
	plans, err := b.Coordinator.Plans()
	if err != nil {
		return db.PlanEntry{}, false, err
	}
	for _, p := range plans {
		if p.GB == gb {
			return p, true, nil
		}
	}
	return db.PlanEntry{}, false, nil
}

// inFlow reports whether the session is at the given purchase step and tells the user otherwise.
func (b *Bot) inFlow(ctx context.Context, ev Event, sess *Session, want purchase.State) bool {
	if sess != nil && sess.Flow.State == want {
		return true
	}
	b.reply(ctx, ev.ChatID, i18n.T(b.lang(ev.UserID, ev.LangCode), "session_ended"), nil)
	return false
}

func (b *Bot) advance(sess *Session, next purchase.Flow) {
	sess.Flow = next
	sess.State = string(next.State)
}

func (b *Bot) handlePlan(ctx context.Context, ev Event, sess *Session) error {
	if !b.inFlow(ctx, ev, sess, purchase.StatePlanMenu) {
		return nil
	}
	lang := b.lang(ev.UserID, ev.LangCode)
	gb, err := strconv.Atoi(strings.TrimPrefix(ev.Data, "plan:"))
	if err != nil {
		return fmt.Errorf("%w: plan %q", errs.ErrUserInput, ev.Data)
	}
	plan, ok, err := b.findPlan(gb)
	if err != nil {
		return err
	}
	if !ok {
		b.reply(ctx, ev.ChatID, i18n.T(lang, "plans.empty"), nil)
		return nil
	}
	next, err := sess.Flow.Select(gb)
	if err != nil {
		return err
	}
	b.advance(sess, next)
	b.reply(ctx, ev.ChatID, i18n.T(lang, "confirm.plan", plan.GB, plan.Days, plan.Price.StringFixed(2)), confirmKeyboard(lang, "buy:confirm"))
	return nil
}

func (b *Bot) handleConfirm(ctx context.Context, ev Event, sess *Session) error {
	if !b.inFlow(ctx, ev, sess, purchase.StateConfirm) {
		return nil
	}
	lang := b.lang(ev.UserID, ev.LangCode)
	crypto := b.Coordinator.CryptoEnabled()
	card, err := b.Coordinator.CardAllowed(ctx, ev.UserID)
	if err != nil {
		b.Log.Warn("card availability", zap.Int64("user_id", ev.UserID), zap.Error(err))
		card = false
	}
	if !crypto && !card {
		b.sessions.End(ev.ChatID)
		b.reply(ctx, ev.ChatID, i18n.T(lang, "method.none"), b.menu(ev.UserID, lang))
		return nil
	}
	next, err := sess.Flow.Next(purchase.StatePaymentMethod)
	if err != nil {
		return err
	}
	b.advance(sess, next)
	b.reply(ctx, ev.ChatID, i18n.T(lang, "method.choose"), methodKeyboard(lang, "pay:", crypto, card))
	return nil
}

func (b *Bot) handlePay(ctx context.Context, ev Event, sess *Session) error {
	if !b.inFlow(ctx, ev, sess, purchase.StatePaymentMethod) {
		return nil
	}
	lang := b.lang(ev.UserID, ev.LangCode)
	gb := sess.Flow.PlanGB

	switch strings.TrimPrefix(ev.Data, "pay:") {
	case "crypto":
		res, err := b.Coordinator.StartInvoice(ctx, ev.UserID, gb)
		switch {
		case errors.Is(err, purchase.ErrThrottled):
			b.sessions.End(ev.ChatID)
			b.reply(ctx, ev.ChatID, i18n.T(lang, "invoice.throttled"), b.menu(ev.UserID, lang))
			return nil
		case errors.Is(err, purchase.ErrCryptoOff):
			b.reply(ctx, ev.ChatID, i18n.T(lang, "method.none"), nil)
			return nil
		case err != nil:
			return err
		}
		next, err := sess.Flow.Choose(db.MethodCrypto, res.Payment.ID)
		if err != nil {
			return err
		}
		b.advance(sess, next)
		b.reply(ctx, ev.ChatID, b.invoiceText(lang, res), purchase.InvoiceMarkup(lang, res.Payment))
	case "card":
		p, err := b.Coordinator.StartCardPayment(ctx, ev.UserID, gb)
		if errors.Is(err, purchase.ErrCardOff) {
			b.reply(ctx, ev.ChatID, i18n.T(lang, "card.not_allowed"), nil)
			return nil
		}
		if err != nil {
			return err
		}
		next, err := sess.Flow.Choose(db.MethodCard, p.ID)
		if err != nil {
			return err
		}
		b.advance(sess, next)
		b.reply(ctx, ev.ChatID, b.Coordinator.CardInstructions(lang, p), chat.Inline(cancelRow(lang)))
	default:
		return fmt.Errorf("%w: payment method %q", errs.ErrUserInput, ev.Data)
	}
	return nil
}

func (b *Bot) invoiceText(lang string, res purchase.InvoiceResult) string {
	if res.Reused {
		return i18n.T(lang, "invoice.reused")
	}
	minutes := int(b.Coordinator.Config().InvoiceLifetime.Minutes())
	return i18n.T(lang, "invoice.created", res.Payment.Price.StringFixed(2), minutes)
}

// handleReceipt takes the transfer receipt of an open card payment or card settlement.
func (b *Bot) handleReceipt(ctx context.Context, ev Event, sess *Session) error {
	lang := b.lang(ev.UserID, ev.LangCode)
	if ev.PhotoID == "" {
		b.reply(ctx, ev.ChatID, i18n.T(lang, "receipt.expected"), nil)
		return nil
	}
	paymentID := sess.Flow.PaymentID
	if paymentID == "" {
		paymentID = sess.Slots["payment"]
	}
	image, err := b.Transport.DownloadFile(ctx, ev.PhotoID)
	if err != nil {
		return fmt.Errorf("%w: download receipt: %v", errs.ErrTransient, err)
	}
	err = b.Coordinator.SubmitReceipt(ctx, ev.UserID, paymentID, image)
	if errors.Is(err, purchase.ErrPaymentClosed) || errors.Is(err, errs.ErrNotFound) {
		b.sessions.End(ev.ChatID)
		b.reply(ctx, ev.ChatID, i18n.T(lang, "session_ended"), b.menu(ev.UserID, lang))
		return nil
	}
	if err != nil {
		return err
	}
	b.sessions.End(ev.ChatID)
	b.reply(ctx, ev.ChatID, i18n.T(lang, "receipt.received"), b.menu(ev.UserID, lang))
	return nil
}

func (b *Bot) handleCheck(ctx context.Context, ev Event, _ *Session) error {
	lang := b.lang(ev.UserID, ev.LangCode)
	id := strings.TrimPrefix(ev.Data, "check:")
	p, err := b.Coordinator.CheckStatus(ctx, ev.UserID, id)
	if errors.Is(err, errs.ErrNotFound) || errors.Is(err, purchase.ErrNotOwner) {
		b.reply(ctx, ev.ChatID, i18n.T(lang, "status.unknown"), nil)
		return nil
	}
	if err != nil {
		return err
	}
	var markup *chat.Markup
	if p.Status == db.StatusPending && p.Method == db.MethodCrypto && p.URL != "" {
		markup = purchase.InvoiceMarkup(lang, p)
	}
	b.reply(ctx, ev.ChatID, i18n.T(lang, "status."+string(p.Status)), markup)
	return nil
}

func (b *Bot) handleConfigs(ctx context.Context, ev Event, _ *Session) error {
	lang := b.lang(ev.UserID, ev.LangCode)
	users, err := b.Coordinator.OwnedAccounts(ctx, ev.UserID)
	if err != nil {
		return err
	}
	if len(users) == 0 {
		b.reply(ctx, ev.ChatID, i18n.T(lang, "configs.empty"), b.menu(ev.UserID, lang))
		return nil
	}
	lines := []string{i18n.T(lang, "configs.title")}
	var rows [][]chat.Button
	for _, u := range users {
		lines = append(lines, formatAccount(lang, u))
		rows = append(rows, chat.Row(chat.Data(i18n.T(lang, "inline.qr", u.Username), "qr:"+u.Username)))
	}
	b.reply(ctx, ev.ChatID, strings.Join(lines, "\n\n"), chat.Inline(rows...))
	return nil
}

func formatAccount(lang string, u vpnapi.User) string {
	limit := i18n.T(lang, "configs.unlimited")
	if u.MaxDownloadBytes > 0 {
		limit = formatBytes(u.MaxDownloadBytes)
	}
	var until string
	switch exp, ok := u.ExpiresAt(); {
	case u.Blocked:
		until = i18n.T(lang, "configs.blocked")
	case ok:
		until = i18n.T(lang, "configs.until", exp.Format("2006-01-02"))
	default:
		if _, started := u.CreationDate(); !started {
			until = i18n.T(lang, "configs.on_hold")
		} else {
			until = i18n.T(lang, "configs.unlimited")
		}
	}
	return i18n.T(lang, "configs.item", u.Username, formatBytes(u.TotalBytes()), limit, until)
}

func formatBytes(n int64) string {
	return fmt.Sprintf("%.2f GB", float64(n)/(1<<30))
}

func (b *Bot) handleQR(ctx context.Context, ev Event, _ *Session) error {
	username := strings.TrimPrefix(ev.Data, "qr:")
	if id, _, ok := naming.Owner(username); !ok || id != ev.UserID {
		b.reply(ctx, ev.ChatID, i18n.T(b.lang(ev.UserID, ev.LangCode), "configs.empty"), nil)
		return nil
	}
	return b.Coordinator.SendConfig(ctx, ev.ChatID, username)
}

func (b *Bot) handleTrial(ctx context.Context, ev Event, _ *Session) error {
	lang := b.lang(ev.UserID, ev.LangCode)
	username, err := b.Coordinator.IssueTrial(ctx, ev.UserID, lang, ev.Username)
	if errors.Is(err, purchase.ErrTrialUsed) {
		b.reply(ctx, ev.ChatID, i18n.T(lang, "trial.used"), nil)
		return nil
	}
	if err != nil {
		return err
	}
	b.Log.Info("trial issued", zap.Int64("user_id", ev.UserID), zap.String("username", username))
	return nil
}

func (b *Bot) handleReferral(ctx context.Context, ev Event, _ *Session) error {
	lang := b.lang(ev.UserID, ev.LangCode)
	code, err := b.Ledger.ReferralCode(ev.UserID)
	if err != nil {
		return err
	}
	stats, err := b.Ledger.ReferralStats(ev.UserID)
	if err != nil {
		return err
	}
	link := code
	if b.cfg.Username != "" {
		link = fmt.Sprintf("https://t.me/%s?start=%s", b.cfg.Username, code)
	}
	b.reply(ctx, ev.ChatID, i18n.T(lang, "referral.info", link, stats.Count,
		stats.TotalEarnings.StringFixed(2), stats.AvailableBalance.StringFixed(2), b.Ledger.ReferralPercent()), nil)
	return nil
}

func (b *Bot) handleLanguage(ctx context.Context, ev Event, _ *Session) error {
	b.reply(ctx, ev.ChatID, i18n.T(b.lang(ev.UserID, ev.LangCode), "language.choose"), languageKeyboard())
	return nil
}

func (b *Bot) handleSetLanguage(ctx context.Context, ev Event, _ *Session) error {
	lang := strings.TrimPrefix(ev.Data, "lang:")
	if !i18n.Supported(lang) {
		return fmt.Errorf("%w: language %q", errs.ErrUserInput, lang)
	}
	if err := b.Store.Languages.Mutate(func(m *map[string]string) error {
		(*m)[db.Key(ev.UserID)] = lang
		return nil
	}); err != nil {
		return err
	}
	b.reply(ctx, ev.ChatID, i18n.T(lang, "language.set"), b.menu(ev.UserID, lang))
	return nil
}
