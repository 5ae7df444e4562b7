package db

import (
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	StatusPending         PaymentStatus = "pending"
	StatusPendingApproval PaymentStatus = "pending_approval"
	StatusCompleted       PaymentStatus = "completed"
	StatusFailed          PaymentStatus = "failed"
	StatusRejected        PaymentStatus = "rejected"
	StatusExpired         PaymentStatus = "expired"
)

// paymentTransitions is the status lattice. Completed may only fall to failed when
// provisioning is exhausted; failed, rejected and expired are terminal.
var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	StatusPending:         {StatusPendingApproval, StatusCompleted, StatusFailed, StatusRejected, StatusExpired},
	StatusPendingApproval: {StatusCompleted, StatusFailed, StatusRejected},
	StatusCompleted:       {StatusFailed},
}

// CanTransition reports whether a payment may move from s to next.
func (s PaymentStatus) CanTransition(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Open reports whether the payment still waits for money or approval.
func (s PaymentStatus) Open() bool {
	return s == StatusPending || s == StatusPendingApproval
}

type PaymentType string

const (
	TypePurchase   PaymentType = "purchase"
	TypeSettlement PaymentType = "settlement"
)

type PaymentMethod string

const (
	MethodCrypto PaymentMethod = "crypto"
	MethodCard   PaymentMethod = "card"
	// MethodCredit is a reseller config bought on credit; the price becomes debt.
	MethodCredit PaymentMethod = "credit"
)

type PaymentUpdate struct {
	Status PaymentStatus `json:"status"`
	At     time.Time     `json:"at"`
	Note   string        `json:"note,omitempty"`
}

// Payment is keyed by the gateway invoice id (or a generated id for card and credit payments).
type Payment struct {
	ID          string          `json:"payment_id"`
	OrderID     string          `json:"order_id,omitempty"`
	UserID      int64           `json:"user_id"`
	PlanGB      int             `json:"plan_gb"`
	Price       decimal.Decimal `json:"price"`
	Days        int             `json:"days"`
	Unlimited   bool            `json:"unlimited,omitempty"`
	Status      PaymentStatus   `json:"status"`
	Type        PaymentType     `json:"type"`
	Method      PaymentMethod   `json:"payment_method"`
	URL         string          `json:"payment_url,omitempty"`
	ReceiptPath string          `json:"receipt_path,omitempty"`
	Username    string          `json:"username,omitempty"`
	DeliveredAt *time.Time      `json:"delivered_at,omitempty"`
	ApprovedBy  int64           `json:"approved_by,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	Updates     []PaymentUpdate `json:"updates,omitempty"`
}

// SetStatus moves the payment along the lattice and appends an audit entry.
func (p *Payment) SetStatus(next PaymentStatus, at time.Time, note string) bool {
	if !p.Status.CanTransition(next) {
		return false
	}
	p.Status = next
	p.UpdatedAt = at
	p.Updates = append(p.Updates, PaymentUpdate{Status: next, At: at, Note: note})
	return true
}

// Credit reports whether this is a reseller config bought on credit.
func (p Payment) Credit() bool {
	return p.Method == MethodCredit
}

type ResellerStatus string

const (
	ResellerNone      ResellerStatus = ""
	ResellerPending   ResellerStatus = "pending"
	ResellerApproved  ResellerStatus = "approved"
	ResellerRejected  ResellerStatus = "rejected"
	ResellerSuspended ResellerStatus = "suspended"
	ResellerBanned    ResellerStatus = "banned"
)

type AlertLevel string

const (
	AlertNone      AlertLevel = "none"
	AlertWarning   AlertLevel = "warning"
	AlertSuspended AlertLevel = "suspended"
)

type ResellerConfig struct {
	Username  string          `json:"username"`
	GB        int             `json:"gb"`
	Days      int             `json:"days"`
	Price     decimal.Decimal `json:"price"`
	Timestamp time.Time       `json:"timestamp"`
}

// Reseller is keyed by the reseller chat id.
type Reseller struct {
	Status                  ResellerStatus   `json:"status"`
	TelegramUsername        string           `json:"telegram_username,omitempty"`
	Debt                    decimal.Decimal  `json:"debt"`
	Configs                 []ResellerConfig `json:"configs"`
	SettledPayments         []string         `json:"settled_payments,omitempty"`
	CreatedAt               time.Time        `json:"created_at"`
	LastPaymentAt           *time.Time       `json:"last_payment_at,omitempty"`
	DebtSince               *time.Time       `json:"debt_since,omitempty"`
	DebtLastRemindedAt      *time.Time       `json:"debt_last_reminded_at,omitempty"`
	DebtLastAdminAlertLevel AlertLevel       `json:"debt_last_admin_alert_level,omitempty"`
	DebtLastAdminAlertAt    *time.Time       `json:"debt_last_admin_alert_at,omitempty"`
}

// ConfigByUsername finds a client config created by this reseller.
func (r Reseller) ConfigByUsername(username string) (ResellerConfig, bool) {
	for _, c := range r.Configs {
		if c.Username == username {
			return c, true
		}
	}
	return ResellerConfig{}, false
}

type ReferralStats struct {
	Count            int             `json:"count"`
	TotalEarnings    decimal.Decimal `json:"total_earnings"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
}

// Referrals is a single document: user ids are map keys in decimal form.
type Referrals struct {
	Referrals map[string]int64         `json:"referrals"`
	Stats     map[string]ReferralStats `json:"stats"`
	Codes     map[string]int64         `json:"codes"`
	UserCodes map[string]string        `json:"user_codes"`
	Rewarded  map[string]bool          `json:"rewarded_payments"`
}

// NewReferrals returns an empty document with every map allocated.
func NewReferrals() Referrals {
	return Referrals{
		Referrals: map[string]int64{},
		Stats:     map[string]ReferralStats{},
		Codes:     map[string]int64{},
		UserCodes: map[string]string{},
		Rewarded:  map[string]bool{},
	}
}

type TestConfig struct {
	UsedAt           *time.Time `json:"used_at,omitempty"`
	ResetAt          *time.Time `json:"reset_at,omitempty"`
	ResetCount       int        `json:"reset_count"`
	Username         string     `json:"username,omitempty"`
	Language         string     `json:"language,omitempty"`
	TelegramUsername string     `json:"telegram_username,omitempty"`
}

// Usable reports whether the chat may claim a test config.
func (t TestConfig) Usable() bool {
	if t.UsedAt == nil {
		return true
	}
	return t.ResetAt != nil && !t.UsedAt.After(*t.ResetAt)
}

type TrafficAlert struct {
	MaxDownloadBytes int64     `json:"max_download_bytes"`
	LastUsageBytes   int64     `json:"last_usage_bytes"`
	GBNotified       []int     `json:"gb_notified"`
	DaysNotified     []int     `json:"days_notified"`
	TotalDays        int       `json:"total_days,omitempty"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type Plan struct {
	Price     decimal.Decimal `json:"price"`
	Days      int             `json:"days"`
	Unlimited bool            `json:"unlimited,omitempty"`
}

// PlanEntry is a plan with its size.
type PlanEntry struct {
	GB int
	Plan
}

// Plans is keyed by the plan size in GB as a decimal string.
type Plans map[string]Plan

// Sorted returns the catalog ordered by size; keys that are not integers are skipped.
func (p Plans) Sorted() []PlanEntry {
	out := make([]PlanEntry, 0, len(p))
	for k, v := range p {
		gb, err := strconv.Atoi(k)
		if err != nil {
			continue
		}
		out = append(out, PlanEntry{GB: gb, Plan: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].GB < out[j].GB })
	return out
}

// Lookup returns the plan of the given size.
func (p Plans) Lookup(gb int) (Plan, bool) {
	v, ok := p[strconv.Itoa(gb)]
	return v, ok
}

type Node struct {
	Name      string `json:"name"`
	IP        string `json:"ip"`
	Port      string `json:"port,omitempty"`
	SNI       string `json:"sni,omitempty"`
	PinSHA256 string `json:"pinSHA256,omitempty"`
	Obfs      string `json:"obfs,omitempty"`
	Insecure  bool   `json:"insecure,omitempty"`
}

type BroadcastFailure struct {
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}

// Key formats a chat id as a collection key.
func Key(id int64) string {
	return strconv.FormatInt(id, 10)
}

// ParseKey is the inverse of Key.
func ParseKey(k string) (int64, bool) {
	id, err := strconv.ParseInt(k, 10, 64)
	return id, err == nil
}
