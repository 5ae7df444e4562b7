package purchase

import (
	"VPN-Reseller-bot/internal/db"
	"context"
	"strings"

	"go.uber.org/zap"
)

// ReconcileResult counts what one sweep did.
type ReconcileResult struct {
	Expired int
	// Settled counts invoices past their lifetime that the gateway reported paid.
	Settled  int
	Requeued int
}

// Reconcile closes open payments past the invoice lifetime and re-runs the side effect of
// completed payments that never finished: purchases whose subscriber does not exist yet and
// settlements not yet applied. Crypto invoices are checked with the gateway before they expire.
func (c *Coordinator) Reconcile(ctx context.Context) (ReconcileResult, error) {
	var res ReconcileResult
	now := c.now()
	open, err := c.store.Payments.Load()
	if err != nil {
		return res, err
	}
	for _, p := range open {
		if p.Status != db.StatusPending || now.Sub(p.CreatedAt) < c.cfg.InvoiceLifetime {
			continue
		}
		settled, err := c.finishInvoice(ctx, p, "expired by reconcile")
		if err != nil {
			c.log.Warn("close stale payment", zap.String("payment_id", p.ID), zap.Error(err))
			continue
		}
		if settled {
			res.Settled++
		} else {
			res.Expired++
		}
	}

	all, err := c.store.Payments.Load()
	if err != nil {
		return res, err
	}
	var pending []db.Payment
	for _, p := range all {
		if p.Status != db.StatusCompleted || p.DeliveredAt != nil {
			continue
		}
		if _, busy := c.inflight.Load(p.ID); busy {
			continue
		}
		pending = append(pending, p)
	}
	if len(pending) == 0 {
		return res, nil
	}

	var known map[string]struct{}
	for _, p := range pending {
		if p.Type == db.TypePurchase && p.Username != "" {
			if known == nil {
				names, err := c.vpn.Usernames(ctx)
				if err != nil {
					return res, err
				}
				known = make(map[string]struct{}, len(names))
				for _, n := range names {
					known[strings.ToLower(n)] = struct{}{}
				}
			}
			if _, exists := known[strings.ToLower(p.Username)]; exists {
				continue
			}
		}
		c.log.Info("requeue completed payment", zap.String("payment_id", p.ID), zap.String("type", string(p.Type)))
		c.dispatch(ctx, p)
		res.Requeued++
	}
	return res, nil
}
