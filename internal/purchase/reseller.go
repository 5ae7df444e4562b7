package purchase

import (
	"VPN-Reseller-bot/internal/db"
	"VPN-Reseller-bot/internal/ledger"
	"context"

	"github.com/google/uuid"
)

// CreditResult describes a reseller credit purchase attempt.
type CreditResult struct {
	Preflight ledger.Preflight
	// NeedsConfirm is set when nothing was created because the reseller has to acknowledge the new debt first.
	NeedsConfirm bool
	Payment      db.Payment
}

// ResellerCredit creates a client config for a reseller on credit. The discounted price is
// added to the reseller debt once the config is delivered.
func (c *Coordinator) ResellerCredit(ctx context.Context, resellerID int64, gb int, confirmed bool) (CreditResult, error) {
	plan, err := c.plan(gb)
	if err != nil {
		return CreditResult{}, err
	}
	price := c.ledger.ResellerPrice(plan.Price)
	pf, err := c.ledger.CheckCredit(resellerID, price)
	if err != nil {
		return CreditResult{Preflight: pf}, err
	}
	if pf.NeedsConfirm && !confirmed {
		return CreditResult{Preflight: pf, NeedsConfirm: true}, nil
	}

	now := c.now()
	p := db.Payment{
		ID:        uuid.NewString(),
		UserID:    resellerID,
		PlanGB:    gb,
		Price:     price,
		Days:      plan.Days,
		Unlimited: plan.Unlimited,
		Status:    db.StatusPending,
		Type:      db.TypePurchase,
		Method:    db.MethodCredit,
		CreatedAt: now,
		UpdatedAt: now,
		Updates:   []db.PaymentUpdate{{Status: db.StatusPending, At: now, Note: "reseller credit"}},
	}
	if err := c.store.Payments.Mutate(func(m *map[string]db.Payment) error {
		(*m)[p.ID] = p
		return nil
	}); err != nil {
		return CreditResult{Preflight: pf}, err
	}
	if err := c.Settle(ctx, p.ID, "credit"); err != nil {
		return CreditResult{Preflight: pf}, err
	}
	stored, _, err := c.Payment(p.ID)
	if err != nil {
		return CreditResult{Preflight: pf, Payment: p}, nil
	}
	return CreditResult{Preflight: pf, Payment: stored}, nil
}
