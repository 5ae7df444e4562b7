// Package payment talks to a Cryptomus-style crypto payment gateway.
package payment

import (
	"VPN-Reseller-bot/internal/errs"
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout  = 10 * time.Second
	DefaultLifetime = time.Hour
)

// Status is the normalized invoice status.
type Status string

const (
	StatusPending  Status = "pending"
	StatusPaid     Status = "paid"
	StatusPaidOver Status = "paid_over"
	StatusFailed   Status = "failed"
	StatusExpired  Status = "expired"
)

// Settled reports whether money arrived.
func (s Status) Settled() bool {
	return s == StatusPaid || s == StatusPaidOver
}

// Normalize maps gateway statuses onto the five states the bot cares about.
func Normalize(raw string) Status {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "paid":
		return StatusPaid
	case "paid_over":
		return StatusPaidOver
	case "fail", "failed", "wrong_amount", "system_fail", "refund_process", "refund_fail", "refund_paid", "locked":
		return StatusFailed
	case "cancel", "expired":
		return StatusExpired
	}
	return StatusPending
}

var orderIDRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// ValidOrderID checks the gateway order id constraints.
func ValidOrderID(id string) bool {
	return orderIDRe.MatchString(id)
}

type InvoiceRequest struct {
	Amount   decimal.Decimal
	Currency string
	// OrderID is generated when empty.
	OrderID  string
	Metadata map[string]any
}

type Invoice struct {
	UUID      string
	URL       string
	OrderID   string
	ExpiresAt time.Time
}

type InvoiceStatus struct {
	UUID    string
	OrderID string
	Status  Status
	Raw     string
}

type Client struct {
	baseURL     string
	merchantID  string
	apiKey      string
	callbackURL string
	returnURL   string
	lifetime    time.Duration
	http        *http.Client
	limiter     *rate.Limiter
	global      *rate.Limiter
	log         *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

func WithGlobalLimiter(l *rate.Limiter) Option {
	return func(cl *Client) { cl.global = l }
}

func WithURLs(callback, ret string) Option {
	return func(cl *Client) {
		cl.callbackURL = callback
		cl.returnURL = ret
	}
}

func WithLifetime(d time.Duration) Option {
	return func(cl *Client) { cl.lifetime = d }
}

func New(baseURL, merchantID, apiKey string, log *zap.Logger, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		merchantID: merchantID,
		apiKey:     apiKey,
		lifetime:   DefaultLifetime,
		http:       &http.Client{Timeout: DefaultTimeout},
		limiter:    rate.NewLimiter(5, 5),
		log:        log,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Lifetime is the invoice lifetime requested from the gateway.
func (c *Client) Lifetime() time.Duration {
	return c.lifetime
}

type createBody struct {
	Amount            string         `json:"amount"`
	Currency          string         `json:"currency"`
	OrderID           string         `json:"order_id"`
	URLReturn         string         `json:"url_return,omitempty"`
	URLCallback       string         `json:"url_callback,omitempty"`
	IsPaymentMultiple bool           `json:"is_payment_multiple"`
	Lifetime          int            `json:"lifetime"`
	AdditionalData    map[string]any `json:"additional_data,omitempty"`
}

type invoiceResult struct {
	UUID          string `json:"uuid"`
	URL           string `json:"url"`
	OrderID       string `json:"order_id"`
	Status        string `json:"status"`
	PaymentStatus string `json:"payment_status"`
}

func (c *Client) CreateInvoice(ctx context.Context, req InvoiceRequest) (Invoice, error) {
	if !req.Amount.IsPositive() {
		return Invoice{}, fmt.Errorf("%w: amount must be positive", errs.ErrPermanent)
	}
	orderID := req.OrderID
	if orderID == "" {
		orderID = uuid.NewString()
	}
	if !ValidOrderID(orderID) {
		return Invoice{}, fmt.Errorf("%w: invalid order id %q", errs.ErrPermanent, orderID)
	}
	body := createBody{
		Amount:         req.Amount.StringFixed(2),
		Currency:       req.Currency,
		OrderID:        orderID,
		URLReturn:      c.returnURL,
		URLCallback:    c.callbackURL,
		Lifetime:       int(c.lifetime / time.Second),
		AdditionalData: req.Metadata,
	}
	var res invoiceResult
	if err := c.post(ctx, "/v1/payment", body, &res); err != nil {
		return Invoice{}, err
	}
	if res.UUID == "" || res.URL == "" {
		return Invoice{}, fmt.Errorf("%w: gateway returned no invoice", errs.ErrTransient)
	}
	if res.OrderID == "" {
		res.OrderID = orderID
	}
	return Invoice{UUID: res.UUID, URL: res.URL, OrderID: res.OrderID, ExpiresAt: time.Now().Add(c.lifetime)}, nil
}

func (c *Client) CheckInvoice(ctx context.Context, id string) (InvoiceStatus, error) {
	var res invoiceResult
	if err := c.post(ctx, "/v1/payment/info", map[string]string{"uuid": id}, &res); err != nil {
		return InvoiceStatus{}, err
	}
	raw := res.PaymentStatus
	if raw == "" {
		raw = res.Status
	}
	if res.UUID == "" {
		res.UUID = id
	}
	return InvoiceStatus{UUID: res.UUID, OrderID: res.OrderID, Status: Normalize(raw), Raw: raw}, nil
}

// Sign is the request signature: md5(base64(body) + apiKey) in hex.
func Sign(body []byte, apiKey string) string {
	sum := md5.Sum([]byte(base64.StdEncoding.EncodeToString(body) + apiKey))
	return hex.EncodeToString(sum[:])
}

// VerifyWebhook checks the HMAC-SHA512 of the raw body against the sign header.
func VerifyWebhook(body []byte, sign, apiKey string) bool {
	if sign == "" || apiKey == "" {
		return false
	}
	h := hmac.New(sha512.New, []byte(apiKey))
	h.Write(body)
	calc := hex.EncodeToString(h.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(sign)), []byte(calc))
}

func (c *Client) VerifyWebhook(body []byte, sign string) bool {
	return VerifyWebhook(body, sign, c.apiKey)
}

// WebhookEvent is the part of a gateway callback the bot uses.
type WebhookEvent struct {
	UUID    string
	OrderID string
	Status  Status
	Raw     string
}

// ParseWebhook accepts both the flat payload and the {"payload": {...}} envelope.
func ParseWebhook(body []byte) (WebhookEvent, error) {
	var envelope struct {
		Payload *invoiceResult `json:"payload"`
		invoiceResult
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: webhook body: %v", errs.ErrPermanent, err)
	}
	res := envelope.invoiceResult
	if envelope.Payload != nil {
		res = *envelope.Payload
	}
	if res.UUID == "" && res.OrderID == "" {
		return WebhookEvent{}, fmt.Errorf("%w: webhook without uuid", errs.ErrPermanent)
	}
	raw := res.Status
	if raw == "" {
		raw = res.PaymentStatus
	}
	return WebhookEvent{UUID: res.UUID, OrderID: res.OrderID, Status: Normalize(raw), Raw: raw}, nil
}

type apiResponse struct {
	State   int             `json:"state"`
	Result  json.RawMessage `json:"result"`
	Message string          `json:"message"`
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	if c.global != nil {
		if err := c.global.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrTransient, err)
		}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransient, err)
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	data, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrPermanent, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrPermanent, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("merchant", c.merchantID)
	req.Header.Set("sign", Sign(data, c.apiKey))

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransient, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransient, err)
	}
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: gateway status %d", errs.ErrTransient, resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		c.log.Warn("gateway rejected request", zap.String("path", path), zap.Int("status", resp.StatusCode), zap.ByteString("body", raw))
		return fmt.Errorf("%w: gateway status %d: %s", errs.ErrPermanent, resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	var ar apiResponse
	if err := json.Unmarshal(raw, &ar); err != nil {
		return fmt.Errorf("%w: decode gateway answer: %v", errs.ErrTransient, err)
	}
	if ar.State != 0 {
		return fmt.Errorf("%w: gateway state %d: %s", errs.ErrPermanent, ar.State, ar.Message)
	}
	if len(ar.Result) == 0 {
		return fmt.Errorf("%w: gateway answer without result", errs.ErrTransient)
	}
	if err := json.Unmarshal(ar.Result, out); err != nil {
		return fmt.Errorf("%w: decode gateway result: %v", errs.ErrTransient, err)
	}
	return nil
}
