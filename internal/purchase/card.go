package purchase

import (
	"VPN-Reseller-bot/config"
	"VPN-Reseller-bot/internal/chat"
	"VPN-Reseller-bot/internal/db"
	"VPN-Reseller-bot/internal/errs"
	"VPN-Reseller-bot/internal/i18n"
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var ErrCardOff = fmt.Errorf("%w: card payments are disabled", errs.ErrPermanent)

// CardAllowed reports whether the chat may pay by card transfer.
func (c *Coordinator) CardAllowed(ctx context.Context, userID int64) (bool, error) {
	if c.cfg.CardNumber == "" || !c.cfg.CardRate.IsPositive() {
		return false, nil
	}
	switch c.cfg.CardMode {
	case config.CardModeOff:
		return false, nil
	case config.CardModePreviousCustomers:
		return c.hasPaid(ctx, userID, false)
	}
	return true, nil
}

// CardAmount converts a USD price to the amount shown for a card transfer.
func (c *Coordinator) CardAmount(price decimal.Decimal) decimal.Decimal {
	return price.Mul(c.cfg.CardRate).Round(0)
}

// CardInstructions is the transfer text shown after a card payment was opened.
func (c *Coordinator) CardInstructions(lang string, p db.Payment) string {
	return i18n.T(lang, "card.instructions", c.CardAmount(p.Price).String(), c.cfg.CardNumber, c.cfg.CardHolder)
}

// StartCardPayment opens a card payment for a plan. The buyer is then asked for a receipt.
func (c *Coordinator) StartCardPayment(ctx context.Context, userID int64, gb int) (db.Payment, error) {
	plan, err := c.plan(gb)
	if err != nil {
		return db.Payment{}, err
	}
	return c.openCard(ctx, db.Payment{
		UserID:    userID,
		PlanGB:    gb,
		Price:     plan.Price,
		Days:      plan.Days,
		Unlimited: plan.Unlimited,
		Type:      db.TypePurchase,
	})
}

// StartCardSettlement opens a card payment that only reduces reseller debt.
func (c *Coordinator) StartCardSettlement(ctx context.Context, resellerID int64, amount decimal.Decimal) (db.Payment, error) {
	if err := c.checkSettlement(resellerID, amount); err != nil {
		return db.Payment{}, err
	}
	return c.openCard(ctx, db.Payment{UserID: resellerID, Price: amount.Round(2), Type: db.TypeSettlement})
}

func (c *Coordinator) openCard(ctx context.Context, p db.Payment) (db.Payment, error) {
	ok, err := c.CardAllowed(ctx, p.UserID)
	if err != nil {
		return db.Payment{}, err
	}
	if !ok {
		return db.Payment{}, ErrCardOff
	}
	now := c.now()
	p.ID = uuid.NewString()
	p.Method = db.MethodCard
	p.Status = db.StatusPending
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Updates = []db.PaymentUpdate{{Status: db.StatusPending, At: now, Note: "card payment opened"}}
	err = c.store.Payments.Mutate(func(m *map[string]db.Payment) error {
		(*m)[p.ID] = p
		return nil
	})
	return p, err
}

// SubmitReceipt stores the receipt photo, moves the payment to pending_approval and
// asks every admin to approve or reject it.
func (c *Coordinator) SubmitReceipt(ctx context.Context, userID int64, paymentID string, image []byte) error {
	if len(image) == 0 {
		return fmt.Errorf("%w: empty receipt", errs.ErrUserInput)
	}
	if err := os.MkdirAll(c.cfg.ReceiptDir, 0o755); err != nil {
		return err
	}
	path := filepath.Join(c.cfg.ReceiptDir, paymentID+".jpg")

	var p db.Payment
	err := c.store.Payments.Mutate(func(m *map[string]db.Payment) error {
		cur, ok := (*m)[paymentID]
		if !ok {
			return fmt.Errorf("%w: payment %s", errs.ErrNotFound, paymentID)
		}
		if cur.UserID != userID {
			return ErrNotOwner
		}
		if cur.Method != db.MethodCard || !cur.SetStatus(db.StatusPendingApproval, c.now(), "receipt submitted") {
			return ErrPaymentClosed
		}
		if err := os.WriteFile(path, image, 0o644); err != nil {
			return err
		}
		cur.ReceiptPath = path
		(*m)[paymentID] = cur
		p = cur
		return nil
	})
	if err != nil {
		return err
	}

	what := fmt.Sprintf("%d GB / %d days", p.PlanGB, p.Days)
	if p.Type == db.TypeSettlement {
		what = "reseller debt settlement"
	}
	caption := fmt.Sprintf("💳 Card payment %s\nUser: %d\n%s\nAmount: %s ($%s)",
		p.ID, p.UserID, what, c.CardAmount(p.Price).String(), p.Price.StringFixed(2))
	markup := chat.Inline(chat.Row(
		chat.Data("✅ Approve", "adm:pay:approve:"+p.ID),
		chat.Data("❌ Reject", "adm:pay:reject:"+p.ID),
	))
	for _, admin := range c.notifier.Admins() {
		if _, err := c.transport.SendPhoto(ctx, admin, image, caption, markup); err != nil {
			c.log.Warn("receipt prompt failed", zap.Int64("admin_id", admin), zap.Error(err))
		}
	}
	return nil
}

// ApproveCard settles a card payment on behalf of an admin.
func (c *Coordinator) ApproveCard(ctx context.Context, adminID int64, paymentID string) error {
	p, ok, err := c.Payment(paymentID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: payment %s", errs.ErrNotFound, paymentID)
	}
	if p.Method != db.MethodCard || p.Status != db.StatusPendingApproval {
		return ErrPaymentClosed
	}
	return c.settle(ctx, paymentID, fmt.Sprintf("approved by %d", adminID), func(p *db.Payment) {
		p.ApprovedBy = adminID
	})
}

// RejectCard closes a card payment and tells the buyer.
func (c *Coordinator) RejectCard(ctx context.Context, adminID int64, paymentID string) error {
	var p db.Payment
	err := c.store.Payments.Mutate(func(m *map[string]db.Payment) error {
		cur, ok := (*m)[paymentID]
		if !ok {
			return fmt.Errorf("%w: payment %s", errs.ErrNotFound, paymentID)
		}
		if cur.Method != db.MethodCard || !cur.SetStatus(db.StatusRejected, c.now(), fmt.Sprintf("rejected by %d", adminID)) {
			return ErrPaymentClosed
		}
		cur.ApprovedBy = adminID
		(*m)[paymentID] = cur
		p = cur
		return nil
	})
	if err != nil {
		return err
	}
	c.send(ctx, p.UserID, i18n.T(c.lang(p.UserID), "card.rejected"), nil)
	return nil
}
