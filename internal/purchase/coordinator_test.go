package purchase

import (
	"VPN-Reseller-bot/config"
	"VPN-Reseller-bot/internal/chat/chattest"
	"VPN-Reseller-bot/internal/db"
	"VPN-Reseller-bot/internal/errs"
	"VPN-Reseller-bot/internal/ledger"
	"VPN-Reseller-bot/internal/logger"
	"VPN-Reseller-bot/internal/payment"
	"VPN-Reseller-bot/internal/vpnapi"
	"VPN-Reseller-bot/internal/vpnapi/vpntest"
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	adminID    = int64(1)
	webhookKey = "webhook-key"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

type fakeGateway struct {
	mu      sync.Mutex
	created []payment.InvoiceRequest
	status  map[string]payment.Status
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{status: make(map[string]payment.Status)}
}

func (g *fakeGateway) CreateInvoice(_ context.Context, req payment.InvoiceRequest) (payment.Invoice, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.created = append(g.created, req)
	id := fmt.Sprintf("u%d", len(g.created))
	g.status[id] = payment.StatusPending
	return payment.Invoice{UUID: id, URL: "https://pay/" + id, OrderID: req.OrderID}, nil
}

func (g *fakeGateway) CheckInvoice(_ context.Context, id string) (payment.InvoiceStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	st := g.status[id]
	return payment.InvoiceStatus{UUID: id, Status: st, Raw: string(st)}, nil
}

func (g *fakeGateway) VerifyWebhook(body []byte, sign string) bool {
	return payment.VerifyWebhook(body, sign, webhookKey)
}

func (g *fakeGateway) set(id string, st payment.Status) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.status[id] = st
}

func (g *fakeGateway) createdCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.created)
}

func sign(body []byte) string {
	h := hmac.New(sha512.New, []byte(webhookKey))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

func webhook(id, status string) ([]byte, string) {
	body := []byte(fmt.Sprintf(`{"uuid":%q,"status":%q}`, id, status))
	return body, sign(body)
}

type harness struct {
	c      *Coordinator
	store  *db.Store
	vpn    *vpntest.Fake
	gw     *fakeGateway
	chat   *chattest.Recorder
	ledger *ledger.Ledger
	dir    string
}

func newHarness(t *testing.T, tweak func(*Config)) *harness {
	t.Helper()
	dir := t.TempDir()
	b, err := db.NewFileBackend(filepath.Join(dir, "data"))
	require.NoError(t, err)
	store := db.Open(b)
	require.NoError(t, store.Plans.Mutate(func(p *db.Plans) error {
		(*p)["30"] = db.Plan{Price: d("1.80"), Days: 30}
		(*p)["50"] = db.Plan{Price: d("6.25"), Days: 30}
		return nil
	}))

	rec := chattest.New()
	notifier := logger.NewNotifier(rec, []int64{adminID}, zap.NewNop())
	l := ledger.New(store, ledger.Options{DiscountPercent: 20, ReferralPercent: 10}, zap.NewNop())
	cfg := Config{
		PollInterval: time.Hour,
		RetryBase:    time.Millisecond,
		ReceiptDir:   filepath.Join(dir, "receipts", "payments"),
		CardMode:     config.CardModeOn,
		CardNumber:   "2200 0000 0000 0000",
		CardHolder:   "I. IVANOV",
		CardRate:     d("90"),
	}
	if tweak != nil {
		tweak(&cfg)
	}
	h := &harness{store: store, vpn: vpntest.New(), gw: newFakeGateway(), chat: rec, ledger: l, dir: dir}
	h.c = New(cfg, store, l, h.vpn, h.gw, rec, notifier, zap.NewNop())

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, h.c.Start(ctx))
	t.Cleanup(func() {
		cancel()
		h.c.Wait()
	})
	return h
}

func (h *harness) payment(t *testing.T, id string) db.Payment {
	t.Helper()
	p, ok, err := h.c.Payment(id)
	require.NoError(t, err)
	require.True(t, ok, id)
	return p
}

func TestHappyPurchase(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	res, err := h.c.StartInvoice(ctx, 42, 30)
	require.NoError(t, err)
	assert.Equal(t, "u1", res.Payment.ID)
	assert.Equal(t, "https://pay/u1", res.Payment.URL)
	assert.Equal(t, "1.80", h.gw.created[0].Amount.StringFixed(2))

	body, sig := webhook("u1", "paid")
	require.NoError(t, h.c.HandleWebhook(ctx, body, sig))

	require.Equal(t, 1, h.vpn.AddCount())
	added := h.vpn.AddCalls[0]
	assert.True(t, strings.HasPrefix(added.Username, "s42"), added.Username)
	assert.Equal(t, 30, added.TrafficLimitGB)
	assert.Equal(t, 30, added.ExpirationDays)

	photos := h.chat.To(42, chattest.KindPhoto)
	require.Len(t, photos, 1)
	assert.Contains(t, photos[0].Text, "https://sub.example/"+added.Username)
	assert.NotEmpty(t, photos[0].Data)

	p := h.payment(t, "u1")
	assert.Equal(t, db.StatusCompleted, p.Status)
	assert.Equal(t, added.Username, p.Username)
	assert.NotNil(t, p.DeliveredAt)
	assert.Equal(t, StateDelivered, StateOf(p))

	assert.NotEmpty(t, h.chat.To(adminID, chattest.KindText))
}

func TestDuplicateWebhook(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.c.StartInvoice(ctx, 42, 30)
	require.NoError(t, err)

	body, sig := webhook("u1", "paid")
	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.c.HandleWebhook(ctx, body, sig))
		}()
	}
	wg.Wait()
	require.NoError(t, h.c.HandleWebhook(ctx, body, sig))

	assert.Equal(t, 1, h.vpn.AddCount())
	assert.Len(t, h.chat.To(42, chattest.KindPhoto), 1)
}

func TestConcurrentPaymentsOfOneUserGetDistinctAccounts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.vpn.NamesDelay = 20 * time.Millisecond
	_, err := h.c.StartInvoice(ctx, 42, 30)
	require.NoError(t, err)
	_, err = h.c.StartInvoice(ctx, 42, 50)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for _, id := range []string{"u1", "u2"} {
		body, sig := webhook(id, "paid")
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, h.c.HandleWebhook(ctx, body, sig))
		}()
	}
	wg.Wait()

	p1, p2 := h.payment(t, "u1"), h.payment(t, "u2")
	assert.NotEqual(t, p1.Username, p2.Username)
	for _, p := range []db.Payment{p1, p2} {
		assert.Equal(t, db.StatusCompleted, p.Status)
		assert.NotNil(t, p.DeliveredAt)
		_, ok := h.vpn.User(p.Username)
		assert.True(t, ok, p.Username)
	}
	names, err := h.vpn.Usernames(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s42", "s42a"}, names)
}

func TestForeignAccountConflictPicksAnotherName(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	// the name was listed as free but someone else created it before us
	h.vpn.AddErrs = []error{fmt.Errorf("%w: user s42 already exists", errs.ErrConflict)}
	_, err := h.c.StartInvoice(ctx, 42, 30)
	require.NoError(t, err)

	body, sig := webhook("u1", "paid")
	require.NoError(t, h.c.HandleWebhook(ctx, body, sig))

	require.Equal(t, 2, h.vpn.AddCount())
	assert.Equal(t, "s42", h.vpn.AddCalls[0].Username)
	assert.Equal(t, "s42a", h.vpn.AddCalls[1].Username)
	p := h.payment(t, "u1")
	assert.Equal(t, "s42a", p.Username)
	assert.NotNil(t, p.DeliveredAt)
}

func TestOwnAccountConflictCountsAsCreated(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	now := time.Now()
	require.NoError(t, h.store.Payments.Mutate(func(m *map[string]db.Payment) error {
		(*m)["u9"] = db.Payment{ID: "u9", UserID: 42, PlanGB: 30, Days: 30, Price: d("1.80"), Status: db.StatusPending,
			Method: db.MethodCrypto, Type: db.TypePurchase, Username: "s42", CreatedAt: now}
		return nil
	}))
	// created by an earlier attempt that crashed before delivery
	h.vpn.Put(vpnapi.User{Username: "s42", Note: "250501120000 purchase u9 user 42"})

	require.NoError(t, h.c.Settle(ctx, "u9", "paid"))
	assert.Equal(t, 1, h.vpn.AddCount())
	p := h.payment(t, "u9")
	assert.Equal(t, "s42", p.Username)
	assert.NotNil(t, p.DeliveredAt)
	_, ok := h.vpn.User("s42a")
	assert.False(t, ok)
}

func TestStaleSnapshotIsNotProvisionedTwice(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.c.StartInvoice(ctx, 42, 30)
	require.NoError(t, err)
	require.NoError(t, h.c.Settle(ctx, "u1", "paid"))
	stale := h.payment(t, "u1")
	stale.Username, stale.DeliveredAt = "", nil

	h.c.dispatch(ctx, stale)
	assert.Equal(t, 1, h.vpn.AddCount())
	assert.Len(t, h.chat.To(42, chattest.KindPhoto), 1)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	h := newHarness(t, nil)
	body, _ := webhook("u1", "paid")
	err := h.c.HandleWebhook(context.Background(), body, "deadbeef")
	assert.ErrorIs(t, err, ErrBadSignature)
}

func TestWebhookFailedStatusClosesPayment(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.c.StartInvoice(ctx, 42, 30)
	require.NoError(t, err)

	body, sig := webhook("u1", "cancel")
	require.NoError(t, h.c.HandleWebhook(ctx, body, sig))
	assert.Equal(t, db.StatusExpired, h.payment(t, "u1").Status)

	// a late "paid" cannot reopen it
	body, sig = webhook("u1", "paid")
	require.NoError(t, h.c.HandleWebhook(ctx, body, sig))
	assert.Equal(t, 0, h.vpn.AddCount())
}

func TestPollingAfterWebhookLoss(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.PollInterval = 10 * time.Millisecond })
	ctx := context.Background()
	_, err := h.c.StartInvoice(ctx, 7, 30)
	require.NoError(t, err)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, db.StatusPending, h.payment(t, "u1").Status)

	h.gw.set("u1", payment.StatusPaid)
	require.Eventually(t, func() bool {
		p, _, _ := h.c.Payment("u1")
		return p.DeliveredAt != nil
	}, 2*time.Second, 10*time.Millisecond)

	// a webhook arriving afterwards is a no-op
	body, sig := webhook("u1", "paid")
	require.NoError(t, h.c.HandleWebhook(ctx, body, sig))

	assert.Equal(t, 1, h.vpn.AddCount())
	p := h.payment(t, "u1")
	require.GreaterOrEqual(t, len(p.Updates), 2)
	assert.Equal(t, db.StatusPending, p.Updates[0].Status)
	assert.Equal(t, db.StatusCompleted, p.Updates[1].Status)
}

func TestInvoiceReuseAndThrottle(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	first, err := h.c.StartInvoice(ctx, 42, 30)
	require.NoError(t, err)
	again, err := h.c.StartInvoice(ctx, 42, 30)
	require.NoError(t, err)
	assert.True(t, again.Reused)
	assert.Equal(t, first.Payment.ID, again.Payment.ID)
	assert.Equal(t, 1, h.gw.createdCount())

	// another plan is another order
	_, err = h.c.StartInvoice(ctx, 42, 50)
	require.NoError(t, err)
	assert.Equal(t, 2, h.gw.createdCount())

	_, err = h.c.StartInvoice(ctx, 42, 999)
	assert.ErrorIs(t, err, errs.ErrUserInput)
}

func TestThrottle(t *testing.T) {
	h := newHarness(t, func(c *Config) {
		c.DuplicateWindow = time.Nanosecond
		c.MaxActiveInvoices = 2
	})
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		_, err := h.c.StartInvoice(ctx, 42, 30)
		require.NoError(t, err)
		time.Sleep(time.Millisecond)
	}
	_, err := h.c.StartInvoice(ctx, 42, 30)
	assert.ErrorIs(t, err, ErrThrottled)

	// other users are not affected
	_, err = h.c.StartInvoice(ctx, 43, 30)
	assert.NoError(t, err)
}

func TestProvisioningRetriesThenFails(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	transient := fmt.Errorf("%w: 502", errs.ErrTransient)
	h.vpn.AddErrs = []error{transient, transient, transient, transient}

	_, err := h.c.StartInvoice(ctx, 42, 30)
	require.NoError(t, err)
	body, sig := webhook("u1", "paid")
	require.NoError(t, h.c.HandleWebhook(ctx, body, sig))

	assert.Equal(t, 4, h.vpn.AddCount())
	p := h.payment(t, "u1")
	assert.Equal(t, db.StatusFailed, p.Status)
	assert.NotEmpty(t, h.chat.To(42, chattest.KindText))
	assert.NotEmpty(t, h.chat.Containing("[ALERT] Provisioning failed"))
}

func TestProvisioningRecoversFromTransientError(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.vpn.AddErrs = []error{fmt.Errorf("%w: timeout", errs.ErrTransient)}

	_, err := h.c.StartInvoice(ctx, 42, 30)
	require.NoError(t, err)
	body, sig := webhook("u1", "paid")
	require.NoError(t, h.c.HandleWebhook(ctx, body, sig))

	assert.Equal(t, 2, h.vpn.AddCount())
	assert.Equal(t, h.vpn.AddCalls[0].Username, h.vpn.AddCalls[1].Username)
	assert.NotNil(t, h.payment(t, "u1").DeliveredAt)
}

func TestPermanentErrorIsNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.vpn.AddErrs = []error{fmt.Errorf("%w: 400 invalid", errs.ErrPermanent)}

	_, err := h.c.StartInvoice(ctx, 42, 30)
	require.NoError(t, err)
	body, sig := webhook("u1", "paid")
	require.NoError(t, h.c.HandleWebhook(ctx, body, sig))

	assert.Equal(t, 1, h.vpn.AddCount())
	assert.Equal(t, db.StatusFailed, h.payment(t, "u1").Status)
}

func TestReferralRewardOnPurchase(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	code, err := h.ledger.ReferralCode(10)
	require.NoError(t, err)
	_, err = h.ledger.RegisterReferral(42, code)
	require.NoError(t, err)

	_, err = h.c.StartInvoice(ctx, 42, 30)
	require.NoError(t, err)
	body, sig := webhook("u1", "paid")
	require.NoError(t, h.c.HandleWebhook(ctx, body, sig))
	require.NoError(t, h.c.HandleWebhook(ctx, body, sig))

	st, err := h.ledger.ReferralStats(10)
	require.NoError(t, err)
	assert.Equal(t, "0.18", st.AvailableBalance.StringFixed(2))
}

func TestResellerCreditCrossingWarning(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.store.Resellers.Mutate(func(m *map[string]db.Reseller) error {
		(*m)[db.Key(99)] = db.Reseller{Status: db.ResellerApproved, Debt: d("18.00")}
		return nil
	}))

	res, err := h.c.ResellerCredit(ctx, 99, 50, false)
	require.NoError(t, err)
	assert.True(t, res.NeedsConfirm)
	assert.Equal(t, "23.00", res.Preflight.ProjectedDebt.StringFixed(2))
	assert.Equal(t, 0, h.vpn.AddCount())

	res, err = h.c.ResellerCredit(ctx, 99, 50, true)
	require.NoError(t, err)
	require.Equal(t, 1, h.vpn.AddCount())
	assert.True(t, strings.HasPrefix(h.vpn.AddCalls[0].Username, "r99"))
	assert.Equal(t, db.StatusCompleted, res.Payment.Status)
	assert.Equal(t, db.MethodCredit, res.Payment.Method)

	r, _, err := h.ledger.Get(99)
	require.NoError(t, err)
	assert.Equal(t, "23.00", r.Debt.StringFixed(2))
	assert.Equal(t, ledger.DebtWarning, h.ledger.State(r))
	require.Len(t, r.Configs, 1)

	events, err := h.ledger.EvaluateDebtPolicies()
	require.NoError(t, err)
	alerts := 0
	for _, ev := range events {
		if ev.Kind == ledger.EventAdminAlert {
			alerts++
		}
	}
	assert.Equal(t, 1, alerts)
}

func TestResellerCreditBlockedWhenSuspended(t *testing.T) {
	h := newHarness(t, nil)
	require.NoError(t, h.store.Resellers.Mutate(func(m *map[string]db.Reseller) error {
		(*m)[db.Key(99)] = db.Reseller{Status: db.ResellerApproved, Debt: d("60")}
		return nil
	}))
	_, err := h.c.ResellerCredit(context.Background(), 99, 30, true)
	assert.ErrorIs(t, err, ledger.ErrSuspended)
	assert.Equal(t, 0, h.vpn.AddCount())
}

func TestSettlement(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	require.NoError(t, h.store.Resellers.Mutate(func(m *map[string]db.Reseller) error {
		(*m)[db.Key(99)] = db.Reseller{Status: db.ResellerApproved, Debt: d("30")}
		return nil
	}))

	_, err := h.c.StartSettlement(ctx, 99, d("40"))
	assert.ErrorIs(t, err, errs.ErrUserInput)

	res, err := h.c.StartSettlement(ctx, 99, d("10"))
	require.NoError(t, err)
	assert.Equal(t, db.TypeSettlement, res.Payment.Type)

	body, sig := webhook(res.Payment.ID, "paid")
	require.NoError(t, h.c.HandleWebhook(ctx, body, sig))
	require.NoError(t, h.c.HandleWebhook(ctx, body, sig))

	r, _, err := h.ledger.Get(99)
	require.NoError(t, err)
	assert.Equal(t, "20.00", r.Debt.StringFixed(2))
	assert.Equal(t, 0, h.vpn.AddCount())
}

func TestCardPaymentApproval(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	p, err := h.c.StartCardPayment(ctx, 42, 30)
	require.NoError(t, err)
	assert.Equal(t, db.MethodCard, p.Method)
	assert.Equal(t, StateReceiptRequested, StateOf(p))
	assert.Contains(t, h.c.CardInstructions("en", p), "162")

	assert.ErrorIs(t, h.c.SubmitReceipt(ctx, 43, p.ID, []byte("jpg")), ErrNotOwner)
	require.NoError(t, h.c.SubmitReceipt(ctx, 42, p.ID, []byte("jpg")))

	stored := h.payment(t, p.ID)
	assert.Equal(t, db.StatusPendingApproval, stored.Status)
	data, err := os.ReadFile(filepath.Join(h.dir, "receipts", "payments", p.ID+".jpg"))
	require.NoError(t, err)
	assert.Equal(t, "jpg", string(data))

	prompts := h.chat.To(adminID, chattest.KindPhoto)
	require.Len(t, prompts, 1)
	require.NotNil(t, prompts[0].Markup)
	assert.Equal(t, "adm:pay:approve:"+p.ID, prompts[0].Markup.Inline[0][0].Data)

	require.NoError(t, h.c.ApproveCard(ctx, adminID, p.ID))
	assert.ErrorIs(t, h.c.ApproveCard(ctx, adminID, p.ID), ErrPaymentClosed)

	stored = h.payment(t, p.ID)
	assert.Equal(t, db.StatusCompleted, stored.Status)
	assert.Equal(t, adminID, stored.ApprovedBy)
	assert.Equal(t, 1, h.vpn.AddCount())
	assert.Len(t, h.chat.To(42, chattest.KindPhoto), 1)
}

func TestCardPaymentRejection(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	p, err := h.c.StartCardPayment(ctx, 42, 30)
	require.NoError(t, err)
	require.NoError(t, h.c.SubmitReceipt(ctx, 42, p.ID, []byte("jpg")))
	require.NoError(t, h.c.RejectCard(ctx, adminID, p.ID))

	assert.Equal(t, db.StatusRejected, h.payment(t, p.ID).Status)
	assert.Equal(t, 0, h.vpn.AddCount())
	assert.ErrorIs(t, h.c.ApproveCard(ctx, adminID, p.ID), ErrPaymentClosed)
}

func TestCardModePreviousCustomers(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.CardMode = config.CardModePreviousCustomers })
	ctx := context.Background()

	_, err := h.c.StartCardPayment(ctx, 42, 30)
	assert.ErrorIs(t, err, ErrCardOff)

	h.vpn.Put(vpnapi.User{Username: "s42"})
	ok, err := h.c.CardAllowed(ctx, 42)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTrial(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	name, err := h.c.IssueTrial(ctx, 42, "en", "bob")
	require.NoError(t, err)
	assert.Equal(t, "t42", name)
	u, ok := h.vpn.User("t42")
	require.True(t, ok)
	assert.True(t, u.UnlimitedIP)
	assert.Len(t, h.chat.To(42, chattest.KindPhoto), 1)

	_, err = h.c.IssueTrial(ctx, 42, "en", "bob")
	assert.ErrorIs(t, err, ErrTrialUsed)

	require.NoError(t, h.c.ResetTrial(42))
	usable, err := h.c.TrialUsable(42)
	require.NoError(t, err)
	assert.True(t, usable)

	name, err = h.c.IssueTrial(ctx, 42, "en", "bob")
	require.NoError(t, err)
	assert.Equal(t, "t42a", name)

	assert.ErrorIs(t, h.c.ResetTrial(77), errs.ErrNotFound)
}

func TestReconcile(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, h.store.Payments.Mutate(func(m *map[string]db.Payment) error {
		(*m)["stale"] = db.Payment{ID: "stale", UserID: 5, PlanGB: 30, Days: 30, Status: db.StatusPending, Method: db.MethodCrypto, Type: db.TypePurchase, CreatedAt: old}
		(*m)["lost"] = db.Payment{ID: "lost", UserID: 6, PlanGB: 30, Days: 30, Price: d("1.80"), Status: db.StatusCompleted, Method: db.MethodCrypto, Type: db.TypePurchase, Username: "s6", CreatedAt: old}
		(*m)["done"] = db.Payment{ID: "done", UserID: 8, PlanGB: 30, Days: 30, Status: db.StatusCompleted, Method: db.MethodCrypto, Type: db.TypePurchase, Username: "s8", CreatedAt: old}
		return nil
	}))
	h.vpn.Put(vpnapi.User{Username: "s8"})

	res, err := h.c.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Expired)
	assert.Equal(t, 1, res.Requeued)

	assert.Equal(t, db.StatusExpired, h.payment(t, "stale").Status)
	require.Equal(t, 1, h.vpn.AddCount())
	assert.Equal(t, "s6", h.vpn.AddCalls[0].Username)
	assert.NotNil(t, h.payment(t, "lost").DeliveredAt)

	res, err = h.c.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{}, res)
}

func TestReconcileSettlesInvoicePaidAfterPollingStopped(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.c.StartInvoice(ctx, 42, 30)
	require.NoError(t, err)
	h.c.StopPolling(42)
	h.gw.set("u1", payment.StatusPaid)

	later := time.Now().Add(2 * time.Hour)
	h.c.SetClock(func() time.Time { return later })
	res, err := h.c.Reconcile(ctx)
	require.NoError(t, err)
	assert.Equal(t, ReconcileResult{Settled: 1}, res)

	p := h.payment(t, "u1")
	assert.Equal(t, db.StatusCompleted, p.Status)
	assert.NotNil(t, p.DeliveredAt)
	assert.Equal(t, 1, h.vpn.AddCount())
}

func TestPollDeadlineChecksGatewayBeforeExpiring(t *testing.T) {
	h := newHarness(t, func(c *Config) { c.InvoiceLifetime = 30 * time.Millisecond })
	ctx := context.Background()
	_, err := h.c.StartInvoice(ctx, 42, 30)
	require.NoError(t, err)
	_, err = h.c.StartInvoice(ctx, 42, 50)
	require.NoError(t, err)
	h.gw.set("u1", payment.StatusPaid)

	require.Eventually(t, func() bool {
		paid, _, _ := h.c.Payment("u1")
		unpaid, _, _ := h.c.Payment("u2")
		return paid.DeliveredAt != nil && unpaid.Status == db.StatusExpired
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.vpn.AddCount())
}

func TestCheckStatus(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.c.StartInvoice(ctx, 42, 30)
	require.NoError(t, err)

	p, err := h.c.CheckStatus(ctx, 42, "u1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusPending, p.Status)

	_, err = h.c.CheckStatus(ctx, 43, "u1")
	assert.ErrorIs(t, err, ErrNotOwner)

	h.gw.set("u1", payment.StatusPaidOver)
	p, err = h.c.CheckStatus(ctx, 42, "u1")
	require.NoError(t, err)
	assert.Equal(t, db.StatusCompleted, p.Status)
	assert.Equal(t, 1, h.vpn.AddCount())
}

func TestStopPolling(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	_, err := h.c.StartInvoice(ctx, 42, 30)
	require.NoError(t, err)
	assert.Equal(t, 1, h.c.StopPolling(42))
	assert.Equal(t, 0, h.c.StopPolling(42))
}
