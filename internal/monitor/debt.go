package monitor

import (
	"VPN-Reseller-bot/internal/chat"
	"VPN-Reseller-bot/internal/db"
	"VPN-Reseller-bot/internal/i18n"
	"VPN-Reseller-bot/internal/ledger"
	"VPN-Reseller-bot/internal/purchase"
	"context"
	"fmt"

	"go.uber.org/zap"
)

type Notifier interface {
	NotifyAdmins(ctx context.Context, text string, m *chat.Markup)
	Alert(ctx context.Context, format string, args ...any)
}

// DebtReconciler sends the reminders and admin alerts produced by the debt policies.
type DebtReconciler struct {
	ledger    *ledger.Ledger
	store     *db.Store
	transport chat.Transport
	notifier  Notifier
	log       *zap.Logger
}

func NewDebtReconciler(l *ledger.Ledger, store *db.Store, transport chat.Transport, notifier Notifier, log *zap.Logger) *DebtReconciler {
	return &DebtReconciler{ledger: l, store: store, transport: transport, notifier: notifier, log: log}
}

func (d *DebtReconciler) Run(ctx context.Context) error {
	events, err := d.ledger.EvaluateDebtPolicies()
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return nil
	}
	langs, err := d.store.Languages.Load()
	if err != nil {
		d.log.Warn("load languages", zap.Error(err))
	}
	for _, ev := range events {
		who := fmt.Sprintf("%d", ev.ResellerID)
		if ev.Username != "" {
			who += " (@" + ev.Username + ")"
		}
		switch ev.Kind {
		case ledger.EventReminder:
			text := i18n.T(langs[db.Key(ev.ResellerID)], "reseller.reminder",
				ev.Debt.StringFixed(2), string(ev.State), ev.Unlock.StringFixed(2))
			if _, err := d.transport.SendText(ctx, ev.ResellerID, text, nil); err != nil {
				d.log.Warn("debt reminder not sent", zap.Int64("reseller_id", ev.ResellerID), zap.Error(err))
			}
		case ledger.EventAdminAlert:
			d.notifier.Alert(ctx, "Reseller %s debt $%s is now %s", who, ev.Debt.StringFixed(2), ev.State)
		case ledger.EventAdminClear:
			d.notifier.NotifyAdmins(ctx, fmt.Sprintf("✅ Reseller %s debt is back to normal: $%s", who, ev.Debt.StringFixed(2)), nil)
		}
	}
	d.log.Info("debt policies evaluated", zap.Int("events", len(events)))
	return nil
}

type Reconciler interface {
	Reconcile(ctx context.Context) (purchase.ReconcileResult, error)
}

// ReconcilePending wraps the pending payment sweep as a job.
func ReconcilePending(r Reconciler, log *zap.Logger) Job {
	return func(ctx context.Context) error {
		res, err := r.Reconcile(ctx)
		if err != nil {
			return err
		}
		if res.Expired > 0 || res.Settled > 0 || res.Requeued > 0 {
			log.Info("pending payments reconciled",
				zap.Int("expired", res.Expired), zap.Int("settled", res.Settled), zap.Int("requeued", res.Requeued))
		}
		return nil
	}
}
