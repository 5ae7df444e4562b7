package purchase

import (
	"VPN-Reseller-bot/internal/chat"
	"VPN-Reseller-bot/internal/db"
	"VPN-Reseller-bot/internal/errs"
	"VPN-Reseller-bot/internal/i18n"
	"VPN-Reseller-bot/internal/naming"
	"VPN-Reseller-bot/internal/vpnapi"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/skip2/go-qrcode"
	"go.uber.org/zap"
)

// Settle marks an open payment completed and runs its side effect. Only the caller
// that wins the status swap provisions; every later signal is a no-op.
func (c *Coordinator) Settle(ctx context.Context, id, note string) error {
	return c.settle(ctx, id, note, nil)
}

func (c *Coordinator) settle(ctx context.Context, id, note string, edit func(*db.Payment)) error {
	var p db.Payment
	won := false
	err := c.store.Payments.Mutate(func(m *map[string]db.Payment) error {
		cur, ok := (*m)[id]
		if !ok {
			return fmt.Errorf("%w: payment %s", errs.ErrNotFound, id)
		}
		if !cur.Status.Open() || !cur.SetStatus(db.StatusCompleted, c.now(), note) {
			return db.ErrSkipWrite
		}
		if edit != nil {
			edit(&cur)
		}
		(*m)[id] = cur
		p = cur
		won = true
		return nil
	})
	if err != nil {
		return err
	}
	if !won {
		c.log.Debug("payment already closed", zap.String("payment_id", id))
		return nil
	}
	c.stopPoller(id)
	c.log.Info("payment completed", zap.String("payment_id", id), zap.Int64("user_id", p.UserID), zap.String("note", note))
	c.dispatch(context.WithoutCancel(ctx), p)
	return nil
}

func (c *Coordinator) dispatch(ctx context.Context, p db.Payment) {
	if p.Type == db.TypeSettlement {
		c.applySettlement(ctx, p)
		return
	}
	c.provision(ctx, p)
}

func (c *Coordinator) applySettlement(ctx context.Context, p db.Payment) {
	ch, err := c.ledger.ApplyPayment(p.UserID, p.Price, p.ID)
	if err != nil {
		c.notifier.Alert(ctx, "Settlement %s of reseller %d ($%s) could not be applied: %v", p.ID, p.UserID, p.Price.StringFixed(2), err)
		return
	}
	if err := c.markDelivered(p.ID, ""); err != nil {
		c.log.Error("mark settlement applied", zap.String("payment_id", p.ID), zap.Error(err))
	}
	if !ch.Applied {
		return
	}
	lang := c.lang(p.UserID)
	c.send(ctx, p.UserID, i18n.T(lang, "reseller.settled", p.Price.StringFixed(2), ch.NewDebt.StringFixed(2)), nil)
	c.notifier.NotifyAdmins(ctx, fmt.Sprintf("💸 Reseller %d paid $%s (%s). Debt: $%s -> $%s",
		p.UserID, p.Price.StringFixed(2), p.Method, ch.OldDebt.StringFixed(2), ch.NewDebt.StringFixed(2)), nil)
}

// maxAllocations bounds how often a payment picks a new username after a name clash.
const maxAllocations = 3

// provision creates the subscriber of a completed purchase and delivers it.
// A payment is provisioned by one goroutine at a time; the username is recorded before
// the account is created so that a retry reuses it.
func (c *Coordinator) provision(ctx context.Context, p db.Payment) {
	if _, busy := c.inflight.LoadOrStore(p.ID, struct{}{}); busy {
		return
	}
	defer c.inflight.Delete(p.ID)

	// the caller may hold a snapshot taken before another run finished
	cur, ok, err := c.Payment(p.ID)
	if err != nil {
		c.log.Error("reload payment", zap.String("payment_id", p.ID), zap.Error(err))
		return
	}
	if !ok || cur.Status != db.StatusCompleted || cur.DeliveredAt != nil {
		return
	}
	p = cur

	username, err := c.reserveUsername(ctx, p, "")
	if err != nil {
		c.fail(ctx, p, "allocate username", err)
		return
	}

	note := fmt.Sprintf("purchase %s user %d", p.ID, p.UserID)
	if p.Credit() {
		note = fmt.Sprintf("reseller %d credit %s", p.UserID, p.ID)
	}
	req := vpnapi.AddUserRequest{
		TrafficLimitGB: p.PlanGB,
		ExpirationDays: p.Days,
		Unlimited:      p.Unlimited,
		Note:           naming.Note(c.now(), note),
	}
	for attempt := 1; ; attempt++ {
		req.Username = username
		err = c.retry(ctx, func() error { return c.vpn.AddUser(ctx, req) })
		if !errors.Is(err, errs.ErrConflict) {
			break
		}
		var mine bool
		if mine, err = c.ownsAccount(ctx, username, p.ID); err != nil || mine {
			break
		}
		c.log.Warn("username taken by another account", zap.String("payment_id", p.ID), zap.String("username", username))
		if attempt == maxAllocations {
			err = fmt.Errorf("%w: no free username after %d attempts", errs.ErrConflict, attempt)
			break
		}
		if username, err = c.reserveUsername(ctx, p, username); err != nil {
			break
		}
	}
	if err != nil {
		c.fail(ctx, p, "add_user", err)
		return
	}
	p.Username = username

	lang := c.lang(p.UserID)
	caption := func(link string) string {
		return i18n.T(lang, "delivery.caption", username, p.PlanGB, p.Days, link)
	}
	if err := c.deliver(ctx, p.UserID, username, caption); err != nil {
		c.notifier.Alert(ctx, "Config %s for payment %s (user %d) was created but could not be delivered: %v",
			username, p.ID, p.UserID, err)
		return
	}
	if err := c.markDelivered(p.ID, username); err != nil {
		c.log.Error("mark delivered", zap.String("payment_id", p.ID), zap.Error(err))
	}

	if p.Credit() {
		cfg := db.ResellerConfig{Username: username, GB: p.PlanGB, Days: p.Days, Timestamp: c.now()}
		if _, err := c.ledger.AddDebt(p.UserID, p.Price, cfg); err != nil {
			c.notifier.Alert(ctx, "Config %s of reseller %d was delivered but the debt of $%s was not recorded: %v. Reconcile manually.",
				username, p.UserID, p.Price.StringFixed(2), err)
		}
	} else if _, _, err := c.ledger.AccrueReferral(p.UserID, p.Price, p.ID); err != nil {
		c.log.Error("referral accrual", zap.String("payment_id", p.ID), zap.Error(err))
	}

	kind := "Purchase"
	if p.Credit() {
		kind = "Reseller config"
	}
	c.notifier.NotifyAdmins(ctx, fmt.Sprintf("🛒 %s: user %d, %d GB / %d days, $%s (%s), config %s",
		kind, p.UserID, p.PlanGB, p.Days, p.Price.StringFixed(2), p.Method, username), nil)
}

// ownsAccount reports whether an existing subscriber was created for this payment.
func (c *Coordinator) ownsAccount(ctx context.Context, username, paymentID string) (bool, error) {
	var u vpnapi.User
	err := c.retry(ctx, func() error {
		var err error
		u, err = c.vpn.GetUser(ctx, username)
		return err
	})
	if errors.Is(err, errs.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return strings.Contains(u.Note, paymentID), nil
}

// reserveUsername returns the username recorded for the payment, minting one if none is
// recorded yet. taken is a name that turned out to belong to someone else; it is replaced.
// Minting runs under the buyer's lock and skips names reserved by the buyer's other payments.
func (c *Coordinator) reserveUsername(ctx context.Context, p db.Payment, taken string) (string, error) {
	if p.Username != "" && p.Username != taken {
		return p.Username, nil
	}
	unlock := c.users.lock(p.UserID)
	defer unlock()

	var existing []string
	err := c.retry(ctx, func() error {
		names, err := c.vpn.Usernames(ctx)
		existing = names
		return err
	})
	if err != nil {
		return "", err
	}
	all, err := c.store.Payments.Load()
	if err != nil {
		return "", err
	}
	for id, q := range all {
		if id != p.ID && q.Username != "" {
			existing = append(existing, q.Username)
		}
	}
	if taken != "" {
		existing = append(existing, taken)
	}

	prefix := naming.PrefixPurchase
	if p.Credit() {
		prefix = naming.PrefixReseller
	}
	username := naming.Allocate(prefix, p.UserID, existing)
	if !naming.ValidUsername(username) {
		return "", fmt.Errorf("%w: minted username %q is invalid", errs.ErrPermanent, username)
	}
	err = c.store.Payments.Mutate(func(m *map[string]db.Payment) error {
		cur, ok := (*m)[p.ID]
		if !ok {
			return fmt.Errorf("%w: payment %s", errs.ErrNotFound, p.ID)
		}
		if cur.Username != "" && cur.Username != taken {
			username = cur.Username
			return db.ErrSkipWrite
		}
		cur.Username = username
		cur.UpdatedAt = c.now()
		(*m)[p.ID] = cur
		return nil
	})
	return username, err
}

func (c *Coordinator) markDelivered(id, username string) error {
	return c.store.Payments.Mutate(func(m *map[string]db.Payment) error {
		cur, ok := (*m)[id]
		if !ok || cur.DeliveredAt != nil {
			return db.ErrSkipWrite
		}
		now := c.now()
		cur.DeliveredAt = &now
		if username != "" {
			cur.Username = username
		}
		cur.UpdatedAt = now
		(*m)[id] = cur
		return nil
	})
}

// fail closes a payment whose provisioning cannot finish, apologises and alerts admins.
func (c *Coordinator) fail(ctx context.Context, p db.Payment, stage string, cause error) {
	err := c.store.Payments.Mutate(func(m *map[string]db.Payment) error {
		cur, ok := (*m)[p.ID]
		if !ok || !cur.SetStatus(db.StatusFailed, c.now(), stage+": "+cause.Error()) {
			return db.ErrSkipWrite
		}
		(*m)[p.ID] = cur
		return nil
	})
	if err != nil {
		c.log.Error("mark payment failed", zap.String("payment_id", p.ID), zap.Error(err))
	}
	c.send(ctx, p.UserID, i18n.T(c.lang(p.UserID), "delivery.failed"), nil)
	c.notifier.Alert(ctx, "Provisioning failed: user %d, payment %s, stage %s, $%s: %v",
		p.UserID, p.ID, stage, p.Price.StringFixed(2), cause)
}

// deliver fetches the subscription link and sends it with a QR code.
func (c *Coordinator) deliver(ctx context.Context, chatID int64, username string, caption func(link string) string) error {
	var uri vpnapi.URI
	err := c.retry(ctx, func() error {
		var err error
		uri, err = c.vpn.GetUserURI(ctx, username)
		return err
	})
	if err != nil {
		return fmt.Errorf("get uri: %w", err)
	}
	link := uri.Best()
	if link == "" {
		return fmt.Errorf("%w: no subscription link for %s", errs.ErrPermanent, username)
	}
	return c.sendLink(ctx, chatID, link, caption(link))
}

// SendConfig re-sends the subscription link of an existing subscriber.
func (c *Coordinator) SendConfig(ctx context.Context, chatID int64, username string) error {
	return c.deliver(ctx, chatID, username, func(link string) string { return username + "\n\n" + link })
}

func (c *Coordinator) sendLink(ctx context.Context, chatID int64, link, caption string) error {
	png, err := qrcode.Encode(link, qrcode.Medium, 256)
	if err != nil {
		c.log.Warn("qr encode", zap.Error(err))
		_, err = c.transport.SendText(ctx, chatID, caption, nil)
		return err
	}
	_, err = c.transport.SendPhoto(ctx, chatID, png, caption, nil)
	return err
}

// retry runs op with exponential backoff (RetryBase, x2, ...) for transient errors only.
func (c *Coordinator) retry(ctx context.Context, op func() error) error {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     c.cfg.RetryBase,
		RandomizationFactor: 0,
		Multiplier:          2,
		MaxInterval:         30 * time.Second,
		MaxElapsedTime:      0,
		Stop:                backoff.Stop,
		Clock:               backoff.SystemClock,
	}
	b.Reset()
	return backoff.Retry(func() error {
		err := op()
		if err != nil && !errs.Retryable(err) {
			return backoff.Permanent(err)
		}
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(b, c.cfg.MaxRetries), ctx))
}

// InvoiceMarkup is the pay + check keyboard of an open invoice.
func InvoiceMarkup(lang string, p db.Payment) *chat.Markup {
	return chat.Inline(
		chat.Row(chat.Link(i18n.T(lang, "inline.pay"), p.URL)),
		chat.Row(chat.Data(i18n.T(lang, "inline.check"), "check:"+p.ID)),
	)
}
