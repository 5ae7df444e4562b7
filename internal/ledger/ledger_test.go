package ledger

import (
	"VPN-Reseller-bot/internal/db"
	"VPN-Reseller-bot/internal/errs"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestLedger(t *testing.T) (*Ledger, *db.Store, *clock) {
	t.Helper()
	b, err := db.NewFileBackend(t.TempDir())
	require.NoError(t, err)
	store := db.Open(b)
	c := &clock{t: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	l := New(store, Options{DiscountPercent: 20, ReferralPercent: 10, Now: c.now}, zap.NewNop())
	return l, store, c
}

func putReseller(t *testing.T, store *db.Store, id int64, r db.Reseller) {
	t.Helper()
	require.NoError(t, store.Resellers.Mutate(func(m *map[string]db.Reseller) error {
		(*m)[db.Key(id)] = r
		return nil
	}))
}

func TestClassify(t *testing.T) {
	th := DefaultThresholds()
	tests := []struct {
		debt string
		want DebtState
	}{
		{"0", DebtActive},
		{"19.99", DebtActive},
		{"20.00", DebtWarning},
		{"49.99", DebtWarning},
		{"50", DebtSuspended},
		{"1000", DebtSuspended},
	}
	for _, tt := range tests {
		if got := Classify(d(tt.debt), th); got != tt.want {
			t.Errorf("Classify(%s): got %s, want %s", tt.debt, got, tt.want)
		}
	}
}

func TestUnlockAmount(t *testing.T) {
	th := DefaultThresholds()
	assert.True(t, UnlockAmount(d("55"), th).Equal(d("35")))
	assert.True(t, UnlockAmount(d("10"), th).IsZero())
}

func TestStatusTransitions(t *testing.T) {
	assert.True(t, CanTransition(db.ResellerNone, db.ResellerPending))
	assert.True(t, CanTransition(db.ResellerApproved, db.ResellerSuspended))
	assert.True(t, CanTransition(db.ResellerSuspended, db.ResellerApproved))
	assert.False(t, CanTransition(db.ResellerNone, db.ResellerApproved))
	assert.False(t, CanTransition(db.ResellerBanned, db.ResellerPending))
}

func TestRequestAccess(t *testing.T) {
	l, _, _ := newTestLedger(t)

	err := l.RequestAccess(5, "bob", false)
	assert.ErrorIs(t, err, errs.ErrUserInput)

	require.NoError(t, l.RequestAccess(5, "bob", true))
	r, ok, err := l.Get(5)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, db.ResellerPending, r.Status)
	assert.Equal(t, "bob", r.TelegramUsername)

	// asking again while pending is a no-op
	require.NoError(t, l.RequestAccess(5, "bob", true))

	_, err = l.SetStatus(5, db.ResellerApproved)
	require.NoError(t, err)
	assert.True(t, l.IsApproved(5))
	assert.ErrorIs(t, l.RequestAccess(5, "bob", true), ErrTransition)

	_, err = l.SetStatus(5, db.ResellerPending)
	assert.ErrorIs(t, err, ErrTransition)
	_, err = l.SetStatus(6, db.ResellerApproved)
	assert.ErrorIs(t, err, ErrNotReseller)
}

func TestResellerPrice(t *testing.T) {
	l, _, _ := newTestLedger(t)
	assert.Equal(t, "1.44", l.ResellerPrice(d("1.80")).StringFixed(2))
	assert.Equal(t, "4.00", l.ResellerPrice(d("5")).StringFixed(2))
}

func TestCreditCrossingWarning(t *testing.T) {
	l, store, _ := newTestLedger(t)
	putReseller(t, store, 99, db.Reseller{Status: db.ResellerApproved, Debt: d("18.00")})

	pf, err := l.CheckCredit(99, d("5.00"))
	require.NoError(t, err)
	assert.True(t, pf.NeedsConfirm)
	assert.Equal(t, "23.00", pf.ProjectedDebt.StringFixed(2))
	assert.Equal(t, DebtWarning, pf.Projected)

	ch, err := l.AddDebt(99, d("5.00"), db.ResellerConfig{Username: "r99", GB: 30, Days: 30})
	require.NoError(t, err)
	assert.True(t, ch.Applied)
	assert.True(t, ch.Crossed())
	assert.Equal(t, DebtWarning, ch.NewState)

	r, _, err := l.Get(99)
	require.NoError(t, err)
	assert.Equal(t, "23.00", r.Debt.StringFixed(2))
	require.NotNil(t, r.DebtSince)
	require.Len(t, r.Configs, 1)
	assert.Equal(t, "5.00", r.Configs[0].Price.StringFixed(2))

	// the same config is never charged twice
	ch, err = l.AddDebt(99, d("5.00"), db.ResellerConfig{Username: "r99"})
	require.NoError(t, err)
	assert.False(t, ch.Applied)
	r, _, _ = l.Get(99)
	assert.Equal(t, "23.00", r.Debt.StringFixed(2))
}

func TestCheckCreditBlocksSuspended(t *testing.T) {
	l, store, _ := newTestLedger(t)
	putReseller(t, store, 7, db.Reseller{Status: db.ResellerApproved, Debt: d("50")})
	pf, err := l.CheckCredit(7, d("1"))
	assert.ErrorIs(t, err, ErrSuspended)
	assert.Equal(t, "30.00", pf.Unlock.StringFixed(2))

	putReseller(t, store, 8, db.Reseller{Status: db.ResellerPending})
	_, err = l.CheckCredit(8, d("1"))
	assert.ErrorIs(t, err, ErrNotReseller)
}

func TestApplyPayment(t *testing.T) {
	l, store, c := newTestLedger(t)
	since := c.t.Add(-48 * time.Hour)
	putReseller(t, store, 3, db.Reseller{Status: db.ResellerApproved, Debt: d("30"), DebtSince: &since, DebtLastRemindedAt: &since})

	ch, err := l.ApplyPayment(3, d("10"), "p1")
	require.NoError(t, err)
	assert.Equal(t, "20.00", ch.NewDebt.StringFixed(2))

	// replaying the same payment changes nothing
	ch, err = l.ApplyPayment(3, d("10"), "p1")
	require.NoError(t, err)
	assert.False(t, ch.Applied)

	ch, err = l.ApplyPayment(3, d("100"), "p2")
	require.NoError(t, err)
	assert.True(t, ch.NewDebt.IsZero())

	r, _, _ := l.Get(3)
	assert.True(t, r.Debt.IsZero())
	assert.Nil(t, r.DebtSince)
	assert.Nil(t, r.DebtLastRemindedAt)
	require.NotNil(t, r.LastPaymentAt)
	assert.Equal(t, []string{"p1", "p2"}, r.SettledPayments)
}

func TestSetDebtClamps(t *testing.T) {
	l, store, _ := newTestLedger(t)
	putReseller(t, store, 4, db.Reseller{Status: db.ResellerApproved})

	ch, err := l.SetDebt(4, d("250000"))
	require.NoError(t, err)
	assert.True(t, ch.NewDebt.Equal(MaxDebt))
	r, _, _ := l.Get(4)
	assert.NotNil(t, r.DebtSince)

	_, err = l.SetDebt(4, d("-5"))
	require.NoError(t, err)
	r, _, _ = l.Get(4)
	assert.True(t, r.Debt.IsZero())
	assert.Nil(t, r.DebtSince)
}

func TestEvaluateDebtPolicies(t *testing.T) {
	l, store, c := newTestLedger(t)
	putReseller(t, store, 99, db.Reseller{Status: db.ResellerApproved, Debt: d("23")})
	putReseller(t, store, 1, db.Reseller{Status: db.ResellerApproved, Debt: d("5")})

	events, err := l.EvaluateDebtPolicies()
	require.NoError(t, err)
	var alerts, reminders int
	for _, ev := range events {
		assert.Equal(t, int64(99), ev.ResellerID)
		switch ev.Kind {
		case EventAdminAlert:
			alerts++
			assert.Equal(t, DebtWarning, ev.State)
		case EventReminder:
			reminders++
		}
	}
	assert.Equal(t, 1, alerts)
	assert.Equal(t, 1, reminders)

	// nothing new on the next tick
	events, err = l.EvaluateDebtPolicies()
	require.NoError(t, err)
	assert.Empty(t, events)

	// the reminder repeats after the interval, the admin alert does not
	c.t = c.t.Add(25 * time.Hour)
	events, err = l.EvaluateDebtPolicies()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventReminder, events[0].Kind)

	// paying off clears the admin alert once
	_, err = l.ApplyPayment(99, d("23"), "p9")
	require.NoError(t, err)
	events, err = l.EvaluateDebtPolicies()
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, EventAdminClear, events[0].Kind)
}

func TestStats(t *testing.T) {
	l, store, _ := newTestLedger(t)
	putReseller(t, store, 2, db.Reseller{
		Status: db.ResellerApproved,
		Debt:   d("3"),
		Configs: []db.ResellerConfig{
			{Username: "r2", Price: d("4")},
			{Username: "r2a", Price: d("4")},
		},
	})
	s, err := l.Stats(2)
	require.NoError(t, err)
	assert.Equal(t, 2, s.TotalConfigs)
	assert.Equal(t, "8.00", s.TotalValue.StringFixed(2))
	assert.Equal(t, "5.00", s.TotalPaid.StringFixed(2))
}
