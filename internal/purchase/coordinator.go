package purchase

import (
	"VPN-Reseller-bot/internal/chat"
	"VPN-Reseller-bot/internal/db"
	"VPN-Reseller-bot/internal/errs"
	"VPN-Reseller-bot/internal/i18n"
	"VPN-Reseller-bot/internal/ledger"
	"VPN-Reseller-bot/internal/naming"
	"VPN-Reseller-bot/internal/payment"
	"VPN-Reseller-bot/internal/vpnapi"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrThrottled     = errors.New("too many open invoices")
	ErrBadSignature  = errors.New("invalid webhook signature")
	ErrCryptoOff     = fmt.Errorf("%w: crypto payments are disabled", errs.ErrPermanent)
	ErrUnknownPlan   = fmt.Errorf("%w: unknown plan", errs.ErrUserInput)
	ErrNotOwner      = fmt.Errorf("%w: payment belongs to another user", errs.ErrUserInput)
	ErrPaymentClosed = fmt.Errorf("%w: payment is no longer open", errs.ErrUserInput)
)

// VPN is the part of the VPN admin API the coordinator needs.
type VPN interface {
	ListUsers(ctx context.Context) ([]vpnapi.User, error)
	Usernames(ctx context.Context) ([]string, error)
	GetUser(ctx context.Context, username string) (vpnapi.User, error)
	AddUser(ctx context.Context, req vpnapi.AddUserRequest) error
	GetUserURI(ctx context.Context, username string) (vpnapi.URI, error)
}

// Gateway is the crypto payment gateway.
type Gateway interface {
	CreateInvoice(ctx context.Context, req payment.InvoiceRequest) (payment.Invoice, error)
	CheckInvoice(ctx context.Context, id string) (payment.InvoiceStatus, error)
	VerifyWebhook(body []byte, sign string) bool
}

// Notifier reaches the admins.
type Notifier interface {
	Admins() []int64
	NotifyAdmins(ctx context.Context, text string, m *chat.Markup)
	Alert(ctx context.Context, format string, args ...any)
}

type Config struct {
	Currency          string
	MaxActiveInvoices int
	// DuplicateWindow is how long a confirmation for the same plan reuses the open invoice.
	DuplicateWindow time.Duration
	PollInterval    time.Duration
	InvoiceLifetime time.Duration
	// RetryBase is the first backoff step of transient VPN API failures; it doubles up to three retries.
	RetryBase  time.Duration
	MaxRetries uint64
	ReceiptDir string

	TrialGB   int
	TrialDays int

	CardMode   string
	CardNumber string
	CardHolder string
	CardRate   decimal.Decimal
}

func (c *Config) defaults() {
	if c.Currency == "" {
		c.Currency = "USD"
	}
	if c.MaxActiveInvoices <= 0 {
		c.MaxActiveInvoices = 5
	}
	if c.DuplicateWindow <= 0 {
		c.DuplicateWindow = 30 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Minute
	}
	if c.InvoiceLifetime <= 0 {
		c.InvoiceLifetime = time.Hour
	}
	if c.RetryBase <= 0 {
		c.RetryBase = time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.TrialGB <= 0 {
		c.TrialGB = 1
	}
	if c.TrialDays <= 0 {
		c.TrialDays = 30
	}
}

// checkTimeout bounds the last gateway check of an expiring invoice.
const checkTimeout = 10 * time.Second

type poller struct {
	userID int64
	cancel context.CancelFunc
}

type Coordinator struct {
	cfg       Config
	store     *db.Store
	ledger    *ledger.Ledger
	vpn       VPN
	gateway   Gateway
	transport chat.Transport
	notifier  Notifier
	log       *zap.Logger
	now       func() time.Time

	users    keyedMutex
	inflight sync.Map

	mu      sync.Mutex
	base    context.Context
	pollers map[string]poller
	wg      sync.WaitGroup
}

// New builds a coordinator. gateway may be nil when crypto payments are disabled.
func New(cfg Config, store *db.Store, l *ledger.Ledger, vpn VPN, gateway Gateway, transport chat.Transport, notifier Notifier, log *zap.Logger) *Coordinator {
	cfg.defaults()
	return &Coordinator{
		cfg:       cfg,
		store:     store,
		ledger:    l,
		vpn:       vpn,
		gateway:   gateway,
		transport: transport,
		notifier:  notifier,
		log:       log,
		now:       time.Now,
		base:      context.Background(),
		pollers:   make(map[string]poller),
	}
}

// SetClock replaces the time source.
func (c *Coordinator) SetClock(now func() time.Time) {
	c.now = now
}

func (c *Coordinator) Config() Config {
	return c.cfg
}

// CryptoEnabled reports whether invoices can be created.
func (c *Coordinator) CryptoEnabled() bool {
	return c.gateway != nil
}

// Start resumes polling of every open crypto invoice. Pollers stop when ctx is done.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	c.base = ctx
	c.mu.Unlock()
	if c.gateway == nil {
		return nil
	}
	payments, err := c.store.Payments.Load()
	if err != nil {
		return err
	}
	now := c.now()
	resumed := 0
	for id, p := range payments {
		if p.Status != db.StatusPending || p.Method != db.MethodCrypto {
			continue
		}
		deadline := p.CreatedAt.Add(c.cfg.InvoiceLifetime)
		if now.After(deadline) {
			continue
		}
		c.poll(id, p.UserID, deadline)
		resumed++
	}
	if resumed > 0 {
		c.log.Info("invoice polling resumed", zap.Int("count", resumed))
	}
	return nil
}

// Wait blocks until all pollers have returned.
func (c *Coordinator) Wait() {
	c.wg.Wait()
}

// Plans returns the catalog ordered by size.
func (c *Coordinator) Plans() ([]db.PlanEntry, error) {
	plans, err := c.store.Plans.Load()
	if err != nil {
		return nil, err
	}
	return plans.Sorted(), nil
}

func (c *Coordinator) plan(gb int) (db.Plan, error) {
	plans, err := c.store.Plans.Load()
	if err != nil {
		return db.Plan{}, err
	}
	p, ok := plans.Lookup(gb)
	if !ok {
		return db.Plan{}, ErrUnknownPlan
	}
	return p, nil
}

// Payment returns a stored payment.
func (c *Coordinator) Payment(id string) (db.Payment, bool, error) {
	all, err := c.store.Payments.Load()
	if err != nil {
		return db.Payment{}, false, err
	}
	p, ok := all[id]
	return p, ok, nil
}

// InvoiceResult is what the buyer is shown after confirming.
type InvoiceResult struct {
	Payment   db.Payment
	Reused    bool
	ExpiresAt time.Time
}

// StartInvoice creates (or reuses) a crypto invoice for a plan.
func (c *Coordinator) StartInvoice(ctx context.Context, userID int64, gb int) (InvoiceResult, error) {
	plan, err := c.plan(gb)
	if err != nil {
		return InvoiceResult{}, err
	}
	p := db.Payment{
		UserID:    userID,
		PlanGB:    gb,
		Price:     plan.Price,
		Days:      plan.Days,
		Unlimited: plan.Unlimited,
		Type:      db.TypePurchase,
		Method:    db.MethodCrypto,
	}
	return c.createInvoice(ctx, p)
}

// StartSettlement creates a crypto invoice that only reduces reseller debt.
func (c *Coordinator) StartSettlement(ctx context.Context, resellerID int64, amount decimal.Decimal) (InvoiceResult, error) {
	if err := c.checkSettlement(resellerID, amount); err != nil {
		return InvoiceResult{}, err
	}
	p := db.Payment{
		UserID: resellerID,
		Price:  amount.Round(2),
		Type:   db.TypeSettlement,
		Method: db.MethodCrypto,
	}
	return c.createInvoice(ctx, p)
}

func (c *Coordinator) checkSettlement(resellerID int64, amount decimal.Decimal) error {
	r, ok, err := c.ledger.Get(resellerID)
	if err != nil {
		return err
	}
	if !ok {
		return ledger.ErrNotReseller
	}
	if !amount.IsPositive() || amount.GreaterThan(r.Debt) {
		return fmt.Errorf("%w: amount must be between 0 and %s", errs.ErrUserInput, r.Debt.StringFixed(2))
	}
	return nil
}

func sameOrder(a, b db.Payment) bool {
	return a.UserID == b.UserID && a.Type == b.Type && a.PlanGB == b.PlanGB && a.Method == b.Method
}

func (c *Coordinator) createInvoice(ctx context.Context, p db.Payment) (InvoiceResult, error) {
	if c.gateway == nil {
		return InvoiceResult{}, ErrCryptoOff
	}
	unlock := c.users.lock(p.UserID)
	defer unlock()

	now := c.now()
	all, err := c.store.Payments.Load()
	if err != nil {
		return InvoiceResult{}, err
	}
	open := 0
	var reuse *db.Payment
	for _, q := range all {
		if q.Status != db.StatusPending || !sameOrder(q, p) {
			continue
		}
		if now.Sub(q.CreatedAt) >= c.cfg.InvoiceLifetime {
			continue
		}
		open++
		if now.Sub(q.CreatedAt) < c.cfg.DuplicateWindow && (reuse == nil || q.CreatedAt.After(reuse.CreatedAt)) {
			reuse = &q
		}
	}
	if reuse != nil && (p.Type == db.TypePurchase || reuse.Price.Equal(p.Price)) {
		return InvoiceResult{Payment: *reuse, Reused: true, ExpiresAt: reuse.CreatedAt.Add(c.cfg.InvoiceLifetime)}, nil
	}
	if open >= c.cfg.MaxActiveInvoices {
		return InvoiceResult{}, ErrThrottled
	}

	orderID := uuid.NewString()
	inv, err := c.gateway.CreateInvoice(ctx, payment.InvoiceRequest{
		Amount:   p.Price,
		Currency: c.cfg.Currency,
		OrderID:  orderID,
		Metadata: map[string]any{"user_id": p.UserID, "plan_gb": p.PlanGB, "type": string(p.Type)},
	})
	if err != nil {
		return InvoiceResult{}, err
	}
	p.ID = inv.UUID
	p.OrderID = inv.OrderID
	p.URL = inv.URL
	p.Status = db.StatusPending
	p.CreatedAt = now
	p.UpdatedAt = now
	p.Updates = []db.PaymentUpdate{{Status: db.StatusPending, At: now, Note: "invoice created"}}
	if err := c.store.Payments.Mutate(func(m *map[string]db.Payment) error {
		(*m)[p.ID] = p
		return nil
	}); err != nil {
		return InvoiceResult{}, err
	}
	c.log.Info("invoice created",
		zap.String("payment_id", p.ID), zap.Int64("user_id", p.UserID),
		zap.Int("plan_gb", p.PlanGB), zap.String("type", string(p.Type)), zap.String("price", p.Price.StringFixed(2)))

	deadline := now.Add(c.cfg.InvoiceLifetime)
	c.poll(p.ID, p.UserID, deadline)
	return InvoiceResult{Payment: p, ExpiresAt: deadline}, nil
}

// HandleWebhook verifies and applies a gateway callback.
func (c *Coordinator) HandleWebhook(ctx context.Context, body []byte, sign string) error {
	if c.gateway == nil {
		return ErrCryptoOff
	}
	if !c.gateway.VerifyWebhook(body, sign) {
		return ErrBadSignature
	}
	ev, err := payment.ParseWebhook(body)
	if err != nil {
		return err
	}
	id, ok, err := c.findPayment(ev.UUID, ev.OrderID)
	if err != nil {
		return err
	}
	if !ok {
		c.log.Warn("webhook for unknown payment", zap.String("uuid", ev.UUID), zap.String("order_id", ev.OrderID))
		return nil
	}
	c.log.Info("webhook received", zap.String("payment_id", id), zap.String("status", ev.Raw))
	return c.apply(ctx, id, ev.Status, "webhook: "+ev.Raw)
}

func (c *Coordinator) findPayment(invoiceID, orderID string) (string, bool, error) {
	all, err := c.store.Payments.Load()
	if err != nil {
		return "", false, err
	}
	if _, ok := all[invoiceID]; ok && invoiceID != "" {
		return invoiceID, true, nil
	}
	if orderID == "" {
		return "", false, nil
	}
	for id, p := range all {
		if p.OrderID == orderID {
			return id, true, nil
		}
	}
	return "", false, nil
}

// apply feeds a normalized gateway status into the payment record.
func (c *Coordinator) apply(ctx context.Context, id string, st payment.Status, note string) error {
	switch {
	case st.Settled():
		return c.Settle(ctx, id, note)
	case st == payment.StatusFailed:
		_, err := c.close(ctx, id, db.StatusFailed, note)
		return err
	case st == payment.StatusExpired:
		_, err := c.close(ctx, id, db.StatusExpired, note)
		return err
	}
	return nil
}

// close moves an open payment to a terminal status and tells the buyer. It reports whether
// the status changed.
func (c *Coordinator) close(ctx context.Context, id string, to db.PaymentStatus, note string) (bool, error) {
	var p db.Payment
	changed := false
	err := c.store.Payments.Mutate(func(m *map[string]db.Payment) error {
		cur, ok := (*m)[id]
		if !ok || !cur.Status.Open() || !cur.SetStatus(to, c.now(), note) {
			return db.ErrSkipWrite
		}
		(*m)[id] = cur
		p = cur
		changed = true
		return nil
	})
	if err != nil || !changed {
		return false, err
	}
	c.stopPoller(id)
	c.send(ctx, p.UserID, i18n.T(c.lang(p.UserID), "status."+string(to)), nil)
	return true, nil
}

// finishInvoice closes a pending payment past its lifetime. A crypto invoice is checked with
// the gateway once more first: if it was paid meanwhile it is settled instead of expired.
func (c *Coordinator) finishInvoice(ctx context.Context, p db.Payment, note string) (settled bool, err error) {
	if p.Method == db.MethodCrypto && c.gateway != nil {
		st, err := c.gateway.CheckInvoice(ctx, p.ID)
		if err != nil {
			return false, err
		}
		if st.Status.Settled() {
			return true, c.Settle(ctx, p.ID, "late check: "+st.Raw)
		}
	}
	_, err = c.close(ctx, p.ID, db.StatusExpired, note)
	return false, err
}

// CheckStatus is the buyer's "check status" action. Open crypto invoices are asked for fresh status.
func (c *Coordinator) CheckStatus(ctx context.Context, userID int64, id string) (db.Payment, error) {
	p, ok, err := c.Payment(id)
	if err != nil {
		return db.Payment{}, err
	}
	if !ok {
		return db.Payment{}, fmt.Errorf("%w: payment %s", errs.ErrNotFound, id)
	}
	if p.UserID != userID {
		return db.Payment{}, ErrNotOwner
	}
	if p.Status == db.StatusPending && p.Method == db.MethodCrypto && c.gateway != nil {
		st, err := c.gateway.CheckInvoice(ctx, id)
		if err != nil {
			c.log.Warn("invoice check failed", zap.String("payment_id", id), zap.Error(err))
		} else if err := c.apply(ctx, id, st.Status, "check: "+st.Raw); err != nil {
			return p, err
		}
		p, _, err = c.Payment(id)
		if err != nil {
			return db.Payment{}, err
		}
	}
	return p, nil
}

// StopPolling cancels every poller of the user's invoices. The invoices stay valid
// and a later webhook still settles them.
func (c *Coordinator) StopPolling(userID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for id, p := range c.pollers {
		if p.userID == userID {
			p.cancel()
			delete(c.pollers, id)
			n++
		}
	}
	return n
}

func (c *Coordinator) stopPoller(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if p, ok := c.pollers[id]; ok {
		p.cancel()
		delete(c.pollers, id)
	}
}

func (c *Coordinator) poll(id string, userID int64, deadline time.Time) {
	c.mu.Lock()
	if _, ok := c.pollers[id]; ok {
		c.mu.Unlock()
		return
	}
	ctx, cancel := context.WithDeadline(c.base, deadline)
	c.pollers[id] = poller{userID: userID, cancel: cancel}
	c.mu.Unlock()

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.pollLoop(ctx, id)
	}()
}

func (c *Coordinator) pollLoop(ctx context.Context, id string) {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				c.expire(context.WithoutCancel(ctx), id)
			}
			c.stopPoller(id)
			return
		case <-ticker.C:
			p, ok, err := c.Payment(id)
			if err != nil || !ok || p.Status != db.StatusPending {
				if err == nil {
					c.stopPoller(id)
					return
				}
				continue
			}
			st, err := c.gateway.CheckInvoice(ctx, id)
			if err != nil {
				c.log.Debug("invoice poll failed", zap.String("payment_id", id), zap.Error(err))
				continue
			}
			if st.Status == payment.StatusPending {
				continue
			}
			if err := c.apply(context.WithoutCancel(ctx), id, st.Status, "poll: "+st.Raw); err != nil {
				c.log.Error("apply polled status", zap.String("payment_id", id), zap.Error(err))
			}
			c.stopPoller(id)
			return
		}
	}
}

// expire finishes an invoice whose poller reached the invoice lifetime.
func (c *Coordinator) expire(ctx context.Context, id string) {
	p, ok, err := c.Payment(id)
	if err != nil || !ok || p.Status != db.StatusPending {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if _, err := c.finishInvoice(ctx, p, "invoice lifetime elapsed"); err != nil {
		// left pending; the reconcile sweep retries
		c.log.Warn("expire invoice", zap.String("payment_id", id), zap.Error(err))
	}
}

// OwnedAccounts lists the subscribers whose username belongs to the chat.
func (c *Coordinator) OwnedAccounts(ctx context.Context, userID int64) ([]vpnapi.User, error) {
	users, err := c.vpn.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	var out []vpnapi.User
	for _, u := range users {
		if id, _, ok := naming.Owner(u.Username); ok && id == userID {
			out = append(out, u)
		}
	}
	return out, nil
}

// HasActivePaid reports whether the chat owns a paid subscriber that is not blocked.
func (c *Coordinator) HasActivePaid(ctx context.Context, userID int64) (bool, error) {
	return c.hasPaid(ctx, userID, true)
}

func (c *Coordinator) hasPaid(ctx context.Context, userID int64, activeOnly bool) (bool, error) {
	users, err := c.vpn.ListUsers(ctx)
	if err != nil {
		return false, err
	}
	for _, u := range users {
		if id, ok := naming.PaidOwner(u.Username); ok && id == userID && (!activeOnly || !u.Blocked) {
			return true, nil
		}
	}
	return false, nil
}

func (c *Coordinator) lang(userID int64) string {
	m, err := c.store.Languages.Load()
	if err == nil {
		if l, ok := m[db.Key(userID)]; ok && i18n.Supported(l) {
			return l
		}
	}
	return i18n.Default
}

func (c *Coordinator) send(ctx context.Context, chatID int64, text string, m *chat.Markup) {
	if c.transport == nil {
		return
	}
	if _, err := c.transport.SendText(ctx, chatID, text, m); err != nil {
		c.log.Warn("send failed", zap.Int64("chat_id", chatID), zap.Error(err))
	}
}

type keyedMutex struct {
	m sync.Map
}

func (k *keyedMutex) lock(id int64) func() {
	v, _ := k.m.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}
