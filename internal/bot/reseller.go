package bot

import (
	"VPN-Reseller-bot/internal/chat"
	"VPN-Reseller-bot/internal/db"
	"VPN-Reseller-bot/internal/errs"
	"VPN-Reseller-bot/internal/i18n"
	"VPN-Reseller-bot/internal/ledger"
	"VPN-Reseller-bot/internal/purchase"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func (b *Bot) resellerRoutes() {
	r := b.router
	r.Button("reseller", RoleUser, b.handleReseller)
	r.Command("reseller", RoleUser, b.handleReseller)
	r.Callback("rs:apply", RoleUser, b.handleApply)

	r.Callback("rs:menu", RoleReseller, b.handleResellerMenu)
	r.Callback("rs:gen", RoleReseller, b.handleGenerate)
	r.Callback("rs:plan:", RoleReseller, b.handleCredit)
	r.Callback("rs:confirm:", RoleReseller, b.handleCredit)
	r.Callback("rs:debt", RoleReseller, b.handleDebt)
	r.Callback("rs:stats", RoleReseller, b.handleResellerStats)
	r.Callback("rs:settle", RoleReseller, b.handleSettle)
	r.Callback("rs:pay:", RoleReseller, b.handleSettlePay)
	r.State(StateSettleAmount, RoleReseller, b.handleSettleAmount)
}

func (b *Bot) handleReseller(ctx context.Context, ev Event, sess *Session) error {
	lang := b.lang(ev.UserID, ev.LangCode)
	r, _, err := b.Ledger.Get(ev.UserID)
	if err != nil {
		return err
	}
	switch r.Status {
	case db.ResellerApproved:
		return b.handleResellerMenu(ctx, ev, sess)
	case db.ResellerPending:
		b.reply(ctx, ev.ChatID, i18n.T(lang, "reseller.pending"), nil)
	case db.ResellerBanned, db.ResellerSuspended:
		b.reply(ctx, ev.ChatID, i18n.T(lang, "reseller.denied"), nil)
	default:
		b.reply(ctx, ev.ChatID, i18n.T(lang, "reseller.offer", b.Ledger.DiscountPercent()),
			chat.Inline(chat.Row(chat.Data(i18n.T(lang, "reseller.apply"), "rs:apply"))))
	}
	return nil
}

func (b *Bot) handleApply(ctx context.Context, ev Event, _ *Session) error {
	lang := b.lang(ev.UserID, ev.LangCode)
	r, _, err := b.Ledger.Get(ev.UserID)
	if err != nil {
		return err
	}
	if r.Status == db.ResellerPending {
		b.reply(ctx, ev.ChatID, i18n.T(lang, "reseller.pending"), nil)
		return nil
	}
	paid, err := b.Coordinator.HasActivePaid(ctx, ev.UserID)
	if err != nil {
		return err
	}
	err = b.Ledger.RequestAccess(ev.UserID, ev.Username, paid)
	switch {
	case errors.Is(err, errs.ErrUserInput):
		b.reply(ctx, ev.ChatID, i18n.T(lang, "reseller.need_paid"), nil)
		return nil
	case errors.Is(err, ledger.ErrTransition):
		b.reply(ctx, ev.ChatID, i18n.T(lang, "reseller.denied"), nil)
		return nil
	case err != nil:
		return err
	}
	b.reply(ctx, ev.ChatID, i18n.T(lang, "reseller.requested"), nil)
	id := strconv.FormatInt(ev.UserID, 10)
	b.Notifier.NotifyAdmins(ctx, fmt.Sprintf("📝 Reseller request from %d (@%s)", ev.UserID, ev.Username),
		chat.Inline(chat.Row(
			chat.Data("✅ Approve", "adm:rs:approved:"+id),
			chat.Data("❌ Reject", "adm:rs:rejected:"+id),
		)))
	return nil
}

func (b *Bot) handleResellerMenu(ctx context.Context, ev Event, _ *Session) error {
	lang := b.lang(ev.UserID, ev.LangCode)
	r, _, err := b.Ledger.Get(ev.UserID)
	if err != nil {
		return err
	}
	b.reply(ctx, ev.ChatID, i18n.T(lang, "reseller.menu", r.Debt.StringFixed(2), b.Ledger.State(r)), resellerKeyboard(lang))
	return nil
}

func (b *Bot) suspended(ctx context.Context, ev Event, pf ledger.Preflight) {
	lang := b.lang(ev.UserID, ev.LangCode)
	b.reply(ctx, ev.ChatID, i18n.T(lang, "reseller.suspended", pf.CurrentDebt.StringFixed(2), pf.Unlock.StringFixed(2)), nil)
}

func (b *Bot) handleGenerate(ctx context.Context, ev Event, _ *Session) error {
	lang := b.lang(ev.UserID, ev.LangCode)
	pf, err := b.Ledger.CheckCredit(ev.UserID, decimal.Zero)
	if errors.Is(err, ledger.ErrSuspended) {
		b.suspended(ctx, ev, pf)
		return nil
	}
	if err != nil {
		return err
	}
	plans, err := b.Coordinator.Plans()
	if err != nil {
		return err
	}
	if len(plans) == 0 {
		b.reply(ctx, ev.ChatID, i18n.T(lang, "plans.empty"), nil)
		return nil
	}
	b.reply(ctx, ev.ChatID, i18n.T(lang, "reseller.plans"), PlanKeyboard(lang, "rs:plan:", plans, b.Ledger.ResellerPrice))
	return nil
}

// handleCredit serves both the plan pick (rs:plan:<gb>) and the debt acknowledgement (rs:confirm:<gb>).
func (b *Bot) handleCredit(ctx context.Context, ev Event, _ *Session) error {
	lang := b.lang(ev.UserID, ev.LangCode)
	confirmed := strings.HasPrefix(ev.Data, "rs:confirm:")
	raw := strings.TrimPrefix(strings.TrimPrefix(ev.Data, "rs:confirm:"), "rs:plan:")
	gb, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("%w: plan %q", errs.ErrUserInput, ev.Data)
	}
	res, err := b.Coordinator.ResellerCredit(ctx, ev.UserID, gb, confirmed)
	switch {
	case errors.Is(err, ledger.ErrSuspended):
		b.suspended(ctx, ev, res.Preflight)
		return nil
	case errors.Is(err, purchase.ErrUnknownPlan):
		b.reply(ctx, ev.ChatID, i18n.T(lang, "plans.empty"), nil)
		return nil
	case err != nil:
		return err
	}
	if res.NeedsConfirm {
		pf := res.Preflight
		b.reply(ctx, ev.ChatID, i18n.T(lang, "reseller.confirm_debt", pf.ProjectedDebt.StringFixed(2), pf.Projected),
			confirmKeyboard(lang, "rs:confirm:"+raw))
		return nil
	}
	if res.Payment.DeliveredAt == nil {
		// the provisioning failure was already reported to the reseller and the admins
		return nil
	}
	r, _, err := b.Ledger.Get(ev.UserID)
	if err != nil {
		return err
	}
	b.reply(ctx, ev.ChatID, i18n.T(lang, "reseller.created", r.Debt.StringFixed(2)), resellerKeyboard(lang))
	return nil
}

func (b *Bot) handleDebt(ctx context.Context, ev Event, _ *Session) error {
	lang := b.lang(ev.UserID, ev.LangCode)
	r, _, err := b.Ledger.Get(ev.UserID)
	if err != nil {
		return err
	}
	if !r.Debt.IsPositive() {
		b.reply(ctx, ev.ChatID, i18n.T(lang, "reseller.no_debt"), nil)
		return nil
	}
	unlock := ledger.UnlockAmount(r.Debt, b.Ledger.Thresholds())
	b.reply(ctx, ev.ChatID, i18n.T(lang, "reseller.debt", r.Debt.StringFixed(2), b.Ledger.State(r), unlock.StringFixed(2)),
		chat.Inline(chat.Row(chat.Data(i18n.T(lang, "reseller.settle_btn"), "rs:settle"))))
	return nil
}

func (b *Bot) handleResellerStats(ctx context.Context, ev Event, _ *Session) error {
	lang := b.lang(ev.UserID, ev.LangCode)
	st, err := b.Ledger.Stats(ev.UserID)
	if err != nil {
		return err
	}
	b.reply(ctx, ev.ChatID, i18n.T(lang, "reseller.stats", st.TotalConfigs,
		st.TotalValue.StringFixed(2), st.TotalPaid.StringFixed(2), st.CurrentDebt.StringFixed(2)), nil)
	return nil
}

func (b *Bot) handleSettle(ctx context.Context, ev Event, _ *Session) error {
	lang := b.lang(ev.UserID, ev.LangCode)
	r, _, err := b.Ledger.Get(ev.UserID)
	if err != nil {
		return err
	}
	if !r.Debt.IsPositive() {
		b.reply(ctx, ev.ChatID, i18n.T(lang, "reseller.no_debt"), nil)
		return nil
	}
	b.sessions.Start(ev.ChatID, StateSettleAmount)
	b.reply(ctx, ev.ChatID, i18n.T(lang, "reseller.settle_ask", r.Debt.StringFixed(2)), chat.Inline(cancelRow(lang)))
	return nil
}

func (b *Bot) handleSettleAmount(ctx context.Context, ev Event, sess *Session) error {
	lang := b.lang(ev.UserID, ev.LangCode)
	amount, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimPrefix(ev.Text, "$"), ",", "."))
	r, _, lerr := b.Ledger.Get(ev.UserID)
	if lerr != nil {
		return lerr
	}
	if err != nil || !amount.IsPositive() || amount.GreaterThan(r.Debt) {
		b.reply(ctx, ev.ChatID, i18n.T(lang, "reseller.bad_amount"), nil)
		return nil
	}
	crypto := b.Coordinator.CryptoEnabled()
	card, err := b.Coordinator.CardAllowed(ctx, ev.UserID)
	if err != nil {
		b.Log.Warn("card availability", zap.Int64("user_id", ev.UserID), zap.Error(err))
		card = false
	}
	if !crypto && !card {
		b.sessions.End(ev.ChatID)
		b.reply(ctx, ev.ChatID, i18n.T(lang, "method.none"), nil)
		return nil
	}
	sess.State = StateSettleMethod
	sess.Slots["amount"] = amount.Round(2).String()
	b.reply(ctx, ev.ChatID, i18n.T(lang, "method.choose"), methodKeyboard(lang, "rs:pay:", crypto, card))
	return nil
}

func (b *Bot) handleSettlePay(ctx context.Context, ev Event, sess *Session) error {
	lang := b.lang(ev.UserID, ev.LangCode)
	if sess == nil || sess.State != StateSettleMethod {
		b.reply(ctx, ev.ChatID, i18n.T(lang, "session_ended"), nil)
		return nil
	}
	amount, err := decimal.NewFromString(sess.Slots["amount"])
	if err != nil {
		return fmt.Errorf("%w: settlement amount %q", errs.ErrUserInput, sess.Slots["amount"])
	}

	switch strings.TrimPrefix(ev.Data, "rs:pay:") {
	case "crypto":
		res, err := b.Coordinator.StartSettlement(ctx, ev.UserID, amount)
		if errors.Is(err, errs.ErrUserInput) {
			b.reply(ctx, ev.ChatID, i18n.T(lang, "reseller.bad_amount"), nil)
			return nil
		}
		if errors.Is(err, purchase.ErrThrottled) {
			b.sessions.End(ev.ChatID)
			b.reply(ctx, ev.ChatID, i18n.T(lang, "invoice.throttled"), nil)
			return nil
		}
		if err != nil {
			return err
		}
		b.sessions.End(ev.ChatID)
		b.reply(ctx, ev.ChatID, b.invoiceText(lang, res), purchase.InvoiceMarkup(lang, res.Payment))
	case "card":
		p, err := b.Coordinator.StartCardSettlement(ctx, ev.UserID, amount)
		if errors.Is(err, errs.ErrUserInput) {
			b.reply(ctx, ev.ChatID, i18n.T(lang, "reseller.bad_amount"), nil)
			return nil
		}
		if errors.Is(err, purchase.ErrCardOff) {
			b.reply(ctx, ev.ChatID, i18n.T(lang, "card.not_allowed"), nil)
			return nil
		}
		if err != nil {
			return err
		}
		sess.State = string(purchase.StateReceiptRequested)
		sess.Slots["payment"] = p.ID
		b.reply(ctx, ev.ChatID, b.Coordinator.CardInstructions(lang, p), chat.Inline(cancelRow(lang)))
	default:
		return fmt.Errorf("%w: payment method %q", errs.ErrUserInput, ev.Data)
	}
	return nil
}
