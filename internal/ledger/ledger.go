// Package ledger keeps reseller debt, the reseller lifecycle and referral rewards.
package ledger

import (
	"VPN-Reseller-bot/internal/db"
	"VPN-Reseller-bot/internal/errs"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MaxDebt caps admin debt adjustments.
var MaxDebt = decimal.NewFromInt(100000)

var (
	ErrNotReseller = errors.New("not a reseller")
	ErrSuspended   = errors.New("reseller suspended for debt")
	ErrTransition  = errors.New("status change not allowed")
)

// DebtState is derived from the current debt and the two thresholds.
type DebtState string

const (
	DebtActive    DebtState = "active"
	DebtWarning   DebtState = "warning"
	DebtSuspended DebtState = "suspended"
)

type Thresholds struct {
	Warning          decimal.Decimal
	Suspend          decimal.Decimal
	ReminderInterval time.Duration
}

// DefaultThresholds are 20.00 / 50.00 with a daily reminder.
func DefaultThresholds() Thresholds {
	return Thresholds{
		Warning:          decimal.NewFromInt(20),
		Suspend:          decimal.NewFromInt(50),
		ReminderInterval: 24 * time.Hour,
	}
}

// Classify is half-open from below: debt equal to a threshold already counts.
func Classify(debt decimal.Decimal, t Thresholds) DebtState {
	switch {
	case debt.GreaterThanOrEqual(t.Suspend):
		return DebtSuspended
	case debt.GreaterThanOrEqual(t.Warning):
		return DebtWarning
	}
	return DebtActive
}

// UnlockAmount is how much a suspended reseller must pay to fall back below the warning threshold.
func UnlockAmount(debt decimal.Decimal, t Thresholds) decimal.Decimal {
	return decimal.Max(decimal.Zero, debt.Sub(t.Warning))
}

func (s DebtState) alertLevel() db.AlertLevel {
	switch s {
	case DebtWarning:
		return db.AlertWarning
	case DebtSuspended:
		return db.AlertSuspended
	}
	return db.AlertNone
}

var statusTransitions = map[db.ResellerStatus][]db.ResellerStatus{
	db.ResellerNone:      {db.ResellerPending},
	db.ResellerPending:   {db.ResellerApproved, db.ResellerRejected},
	db.ResellerApproved:  {db.ResellerSuspended, db.ResellerBanned, db.ResellerRejected},
	db.ResellerSuspended: {db.ResellerApproved, db.ResellerBanned},
	db.ResellerRejected:  {db.ResellerPending, db.ResellerApproved},
	db.ResellerBanned:    {db.ResellerApproved},
}

// CanTransition reports whether a reseller may move from one status to another.
func CanTransition(from, to db.ResellerStatus) bool {
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

type Options struct {
	Thresholds      Thresholds
	DiscountPercent int
	ReferralPercent int
	Now             func() time.Time
}

type Ledger struct {
	resellers *db.Collection[map[string]db.Reseller]
	referrals *db.Collection[db.Referrals]
	opts      Options
	log       *zap.Logger
}

func New(store *db.Store, opts Options, log *zap.Logger) *Ledger {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Thresholds.Suspend.IsZero() && opts.Thresholds.Warning.IsZero() {
		opts.Thresholds = DefaultThresholds()
	}
	if opts.Thresholds.ReminderInterval <= 0 {
		opts.Thresholds.ReminderInterval = 24 * time.Hour
	}
	return &Ledger{resellers: store.Resellers, referrals: store.Referrals, opts: opts, log: log}
}

// DiscountPercent is the reseller discount on plan prices.
func (l *Ledger) DiscountPercent() int {
	return l.opts.DiscountPercent
}

// ReferralPercent is the share of a referred purchase credited to the referrer.
func (l *Ledger) ReferralPercent() int {
	return l.opts.ReferralPercent
}

func (l *Ledger) Thresholds() Thresholds {
	return l.opts.Thresholds
}

func (l *Ledger) State(r db.Reseller) DebtState {
	return Classify(r.Debt, l.opts.Thresholds)
}

// ResellerPrice applies the reseller discount, rounded to cents.
func (l *Ledger) ResellerPrice(price decimal.Decimal) decimal.Decimal {
	pct := decimal.NewFromInt(int64(100 - l.opts.DiscountPercent))
	return price.Mul(pct).Div(decimal.NewFromInt(100)).Round(2)
}

func (l *Ledger) Get(id int64) (db.Reseller, bool, error) {
	all, err := l.resellers.Load()
	if err != nil {
		return db.Reseller{}, false, err
	}
	r, ok := all[db.Key(id)]
	return r, ok, nil
}

func (l *Ledger) All() (map[string]db.Reseller, error) {
	return l.resellers.Load()
}

// IsApproved is the reseller role gate.
func (l *Ledger) IsApproved(id int64) bool {
	r, ok, err := l.Get(id)
	return err == nil && ok && r.Status == db.ResellerApproved
}

// RequestAccess moves a chat user to pending. Only owners of an active paid subscription may ask.
func (l *Ledger) RequestAccess(id int64, tgUsername string, hasActivePaid bool) error {
	if !hasActivePaid {
		return fmt.Errorf("%w: an active paid subscription is required", errs.ErrUserInput)
	}
	now := l.opts.Now()
	return l.resellers.Mutate(func(m *map[string]db.Reseller) error {
		r, ok := (*m)[db.Key(id)]
		if ok && r.Status == db.ResellerPending {
			return db.ErrSkipWrite
		}
		if !CanTransition(r.Status, db.ResellerPending) {
			return fmt.Errorf("%w: %s -> pending", ErrTransition, statusOrNone(r.Status))
		}
		if !ok {
			r = db.Reseller{CreatedAt: now, Debt: decimal.Zero}
		}
		r.Status = db.ResellerPending
		r.TelegramUsername = tgUsername
		(*m)[db.Key(id)] = r
		return nil
	})
}

// SetStatus is the admin lifecycle action.
func (l *Ledger) SetStatus(id int64, status db.ResellerStatus) (db.Reseller, error) {
	var out db.Reseller
	err := l.resellers.Mutate(func(m *map[string]db.Reseller) error {
		r, ok := (*m)[db.Key(id)]
		if !ok {
			return ErrNotReseller
		}
		if r.Status == status {
			out = r
			return db.ErrSkipWrite
		}
		if !CanTransition(r.Status, status) {
			return fmt.Errorf("%w: %s -> %s", ErrTransition, statusOrNone(r.Status), status)
		}
		r.Status = status
		(*m)[db.Key(id)] = r
		out = r
		return nil
	})
	return out, err
}

func statusOrNone(s db.ResellerStatus) string {
	if s == db.ResellerNone {
		return "none"
	}
	return string(s)
}

// Preflight is the debt projection shown before a credit purchase.
type Preflight struct {
	CurrentDebt   decimal.Decimal
	ProjectedDebt decimal.Decimal
	State         DebtState
	Projected     DebtState
	// NeedsConfirm is set when the projected debt reaches the warning threshold.
	NeedsConfirm bool
	Unlock       decimal.Decimal
}

// CheckCredit verifies that the reseller may buy on credit and projects the resulting debt.
func (l *Ledger) CheckCredit(id int64, price decimal.Decimal) (Preflight, error) {
	r, ok, err := l.Get(id)
	if err != nil {
		return Preflight{}, err
	}
	if !ok || r.Status != db.ResellerApproved {
		return Preflight{}, ErrNotReseller
	}
	t := l.opts.Thresholds
	pf := Preflight{
		CurrentDebt:   r.Debt,
		ProjectedDebt: r.Debt.Add(price),
		State:         Classify(r.Debt, t),
		Unlock:        UnlockAmount(r.Debt, t),
	}
	pf.Projected = Classify(pf.ProjectedDebt, t)
	pf.NeedsConfirm = pf.ProjectedDebt.GreaterThanOrEqual(t.Warning)
	if pf.State == DebtSuspended {
		return pf, ErrSuspended
	}
	return pf, nil
}

// Change describes a debt mutation.
type Change struct {
	OldDebt  decimal.Decimal
	NewDebt  decimal.Decimal
	OldState DebtState
	NewState DebtState
	// Applied is false when the operation had already been recorded.
	Applied bool
}

// Crossed reports whether the debt state changed.
func (c Change) Crossed() bool {
	return c.OldState != c.NewState
}

// AddDebt records a credit-provisioned config. Re-adding a known username is a no-op.
func (l *Ledger) AddDebt(id int64, price decimal.Decimal, cfg db.ResellerConfig) (Change, error) {
	now := l.opts.Now()
	if cfg.Timestamp.IsZero() {
		cfg.Timestamp = now
	}
	cfg.Price = price
	var ch Change
	err := l.resellers.Mutate(func(m *map[string]db.Reseller) error {
		r, ok := (*m)[db.Key(id)]
		if !ok {
			return ErrNotReseller
		}
		ch = l.change(r.Debt, r.Debt)
		if _, dup := r.ConfigByUsername(cfg.Username); dup {
			return db.ErrSkipWrite
		}
		r.Configs = append(r.Configs, cfg)
		setDebt(&r, r.Debt.Add(price), now)
		ch = l.change(ch.OldDebt, r.Debt)
		ch.Applied = true
		(*m)[db.Key(id)] = r
		return nil
	})
	if err == nil && ch.Crossed() {
		l.log.Info("reseller debt state changed",
			zap.Int64("reseller_id", id), zap.String("from", string(ch.OldState)), zap.String("to", string(ch.NewState)))
	}
	return ch, err
}

// ApplyPayment reduces the debt by min(amount, debt). A payment id is applied once.
func (l *Ledger) ApplyPayment(id int64, amount decimal.Decimal, paymentID string) (Change, error) {
	if amount.IsNegative() {
		return Change{}, fmt.Errorf("%w: negative amount", errs.ErrUserInput)
	}
	now := l.opts.Now()
	var ch Change
	err := l.resellers.Mutate(func(m *map[string]db.Reseller) error {
		r, ok := (*m)[db.Key(id)]
		if !ok {
			return ErrNotReseller
		}
		ch = l.change(r.Debt, r.Debt)
		if paymentID != "" && containsString(r.SettledPayments, paymentID) {
			return db.ErrSkipWrite
		}
		paid := decimal.Min(amount, r.Debt)
		setDebt(&r, r.Debt.Sub(paid), now)
		r.LastPaymentAt = &now
		if paymentID != "" {
			r.SettledPayments = append(r.SettledPayments, paymentID)
		}
		ch = l.change(ch.OldDebt, r.Debt)
		ch.Applied = true
		(*m)[db.Key(id)] = r
		return nil
	})
	return ch, err
}

// SetDebt is the admin adjustment; the value is clamped to [0, MaxDebt].
func (l *Ledger) SetDebt(id int64, debt decimal.Decimal) (Change, error) {
	debt = decimal.Min(decimal.Max(debt, decimal.Zero), MaxDebt).Round(2)
	now := l.opts.Now()
	var ch Change
	err := l.resellers.Mutate(func(m *map[string]db.Reseller) error {
		r, ok := (*m)[db.Key(id)]
		if !ok {
			return ErrNotReseller
		}
		ch = l.change(r.Debt, debt)
		ch.Applied = true
		setDebt(&r, debt, now)
		(*m)[db.Key(id)] = r
		return nil
	})
	return ch, err
}

func (l *Ledger) change(oldDebt, newDebt decimal.Decimal) Change {
	t := l.opts.Thresholds
	return Change{OldDebt: oldDebt, NewDebt: newDebt, OldState: Classify(oldDebt, t), NewState: Classify(newDebt, t)}
}

// setDebt keeps debt_since set iff debt > 0 and clears reminder state when the debt is gone.
func setDebt(r *db.Reseller, debt decimal.Decimal, now time.Time) {
	if debt.IsNegative() {
		debt = decimal.Zero
	}
	r.Debt = debt
	if debt.IsPositive() {
		if r.DebtSince == nil {
			r.DebtSince = &now
		}
		return
	}
	r.DebtSince = nil
	r.DebtLastRemindedAt = nil
}

// Stats summarises a reseller for the panel.
type Stats struct {
	TotalConfigs int
	TotalValue   decimal.Decimal
	TotalPaid    decimal.Decimal
	CurrentDebt  decimal.Decimal
}

func (l *Ledger) Stats(id int64) (Stats, error) {
	r, ok, err := l.Get(id)
	if err != nil {
		return Stats{}, err
	}
	if !ok {
		return Stats{}, ErrNotReseller
	}
	s := Stats{TotalConfigs: len(r.Configs), TotalValue: decimal.Zero, CurrentDebt: r.Debt}
	for _, c := range r.Configs {
		s.TotalValue = s.TotalValue.Add(c.Price)
	}
	s.TotalPaid = decimal.Max(decimal.Zero, s.TotalValue.Sub(r.Debt))
	return s, nil
}

// EventKind tells the debt reconciler what to send.
type EventKind int

const (
	EventReminder EventKind = iota
	EventAdminAlert
	EventAdminClear
)

type DebtEvent struct {
	Kind       EventKind
	ResellerID int64
	Username   string
	Debt       decimal.Decimal
	State      DebtState
	Unlock     decimal.Decimal
}

// EvaluateDebtPolicies walks all resellers, records which reminders and admin alerts are due
// and returns them. The stored markers are written before anything is sent.
func (l *Ledger) EvaluateDebtPolicies() ([]DebtEvent, error) {
	now := l.opts.Now()
	t := l.opts.Thresholds
	var events []DebtEvent
	err := l.resellers.Mutate(func(m *map[string]db.Reseller) error {
		events = events[:0]
		changed := false
		for key, r := range *m {
			id, ok := db.ParseKey(key)
			if !ok {
				continue
			}
			state := Classify(r.Debt, t)
			ev := DebtEvent{ResellerID: id, Username: r.TelegramUsername, Debt: r.Debt, State: state, Unlock: UnlockAmount(r.Debt, t)}

			if state != DebtActive && r.Debt.IsPositive() && r.Status == db.ResellerApproved {
				if r.DebtLastRemindedAt == nil || now.Sub(*r.DebtLastRemindedAt) >= t.ReminderInterval {
					ev.Kind = EventReminder
					events = append(events, ev)
					r.DebtLastRemindedAt = &now
					changed = true
				}
			}

			level := state.alertLevel()
			last := r.DebtLastAdminAlertLevel
			if last == "" {
				last = db.AlertNone
			}
			if level != last {
				ev.Kind = EventAdminAlert
				if level == db.AlertNone {
					ev.Kind = EventAdminClear
				}
				events = append(events, ev)
				r.DebtLastAdminAlertLevel = level
				r.DebtLastAdminAlertAt = &now
				changed = true
			}
			(*m)[key] = r
		}
		if !changed {
			return db.ErrSkipWrite
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return events, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
