// Package vpnapi is a typed client for the VPN admin REST API.
package vpnapi

import (
	"VPN-Reseller-bot/internal/errs"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout = 10 * time.Second
	// perUpstreamRate is the soft request budget towards one upstream.
	perUpstreamRate = 5
)

type User struct {
	Username            string `json:"username"`
	Password            string `json:"password,omitempty"`
	MaxDownloadBytes    int64  `json:"max_download_bytes"`
	ExpirationDays      int    `json:"expiration_days"`
	AccountCreationDate string `json:"account_creation_date,omitempty"`
	Blocked             bool   `json:"blocked"`
	UnlimitedIP         bool   `json:"unlimited_ip"`
	Note                string `json:"note,omitempty"`
	Status              string `json:"status,omitempty"`
	UploadBytes         int64  `json:"upload_bytes"`
	DownloadBytes       int64  `json:"download_bytes"`
	OnlineCount         int    `json:"online_count"`
}

// UnmarshalJSON also accepts the unlimited_user alias some API versions emit.
func (u *User) UnmarshalJSON(data []byte) error {
	type plain User
	aux := struct {
		*plain
		UnlimitedUser *bool `json:"unlimited_user"`
	}{plain: (*plain)(u)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if aux.UnlimitedUser != nil {
		u.UnlimitedIP = *aux.UnlimitedUser
	}
	return nil
}

// TotalBytes is upload plus download.
func (u User) TotalBytes() int64 {
	return u.UploadBytes + u.DownloadBytes
}

// CreationDate parses account_creation_date; false means on-hold.
func (u User) CreationDate() (time.Time, bool) {
	if u.AccountCreationDate == "" {
		return time.Time{}, false
	}
	t, err := time.Parse("2006-01-02", u.AccountCreationDate)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

// ExpiresAt is creation date plus expiration days; false when unlimited or on-hold.
func (u User) ExpiresAt() (time.Time, bool) {
	created, ok := u.CreationDate()
	if !ok || u.ExpirationDays <= 0 {
		return time.Time{}, false
	}
	return created.AddDate(0, 0, u.ExpirationDays), true
}

type AddUserRequest struct {
	Username       string `json:"username"`
	Password       string `json:"password,omitempty"`
	TrafficLimitGB int    `json:"traffic_limit"`
	ExpirationDays int    `json:"expiration_days"`
	Unlimited      bool   `json:"unlimited"`
	Note           string `json:"note,omitempty"`
	CreationDate   string `json:"creation_date,omitempty"`
}

// Patch holds the editable fields; nil pointers are omitted.
type Patch struct {
	NewUsername       *string `json:"new_username,omitempty"`
	NewPassword       *string `json:"new_password,omitempty"`
	NewTrafficLimit   *int    `json:"new_traffic_limit,omitempty"`
	NewExpirationDays *int    `json:"new_expiration_days,omitempty"`
	RenewPassword     bool    `json:"renew_password,omitempty"`
	RenewCreationDate bool    `json:"renew_creation_date,omitempty"`
	Blocked           *bool   `json:"blocked,omitempty"`
	UnlimitedIP       *bool   `json:"unlimited_ip,omitempty"`
	Note              *string `json:"note,omitempty"`
}

type NodeURI struct {
	Name string `json:"name"`
	URI  string `json:"uri"`
}

type URI struct {
	Username  string    `json:"username"`
	IPv4      string    `json:"ipv4,omitempty"`
	IPv6      string    `json:"ipv6,omitempty"`
	Nodes     []NodeURI `json:"nodes,omitempty"`
	NormalSub string    `json:"normal_sub,omitempty"`
}

// Best returns the link to hand to the buyer: the subscription URL when present.
func (u URI) Best() string {
	switch {
	case u.NormalSub != "":
		return u.NormalSub
	case u.IPv4 != "":
		return u.IPv4
	case u.IPv6 != "":
		return u.IPv6
	case len(u.Nodes) > 0:
		return u.Nodes[0].URI
	}
	return ""
}

type Client struct {
	usersURL string
	baseURL  string
	token    string
	http     *http.Client
	limiter  *rate.Limiter
	global   *rate.Limiter
	log      *zap.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithGlobalLimiter shares a process-wide request budget between adapters.
func WithGlobalLimiter(l *rate.Limiter) Option {
	return func(cl *Client) { cl.global = l }
}

func New(baseURL, token string, log *zap.Logger, opts ...Option) *Client {
	base := strings.TrimRight(baseURL, "/") + "/"
	c := &Client{
		baseURL:  base,
		usersURL: base + "api/v1/users/",
		token:    token,
		http:     &http.Client{Timeout: DefaultTimeout},
		limiter:  rate.NewLimiter(perUpstreamRate, perUpstreamRate),
		log:      log,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ListUsers normalizes both the list and the username-keyed object shapes.
func (c *Client) ListUsers(ctx context.Context) ([]User, error) {
	var raw json.RawMessage
	if err := c.do(ctx, http.MethodGet, c.usersURL, nil, &raw); err != nil {
		return nil, err
	}
	return decodeUsers(raw)
}

func decodeUsers(raw json.RawMessage) ([]User, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var users []User
	if trimmed[0] == '{' {
		var byName map[string]User
		if err := json.Unmarshal(trimmed, &byName); err != nil {
			return nil, fmt.Errorf("%w: decode users: %v", errs.ErrPermanent, err)
		}
		for name, u := range byName {
			if u.Username == "" {
				u.Username = name
			}
			users = append(users, u)
		}
	} else if err := json.Unmarshal(trimmed, &users); err != nil {
		return nil, fmt.Errorf("%w: decode users: %v", errs.ErrPermanent, err)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Username < users[j].Username })
	return users, nil
}

// Usernames lists every known username.
func (c *Client) Usernames(ctx context.Context) ([]string, error) {
	users, err := c.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Username)
	}
	return names, nil
}

func (c *Client) GetUser(ctx context.Context, username string) (User, error) {
	var u User
	err := c.do(ctx, http.MethodGet, c.usersURL+url.PathEscape(username), nil, &u)
	if err == nil && u.Username == "" {
		u.Username = username
	}
	return u, err
}

// AddUser creates the account. An existing username is reported as errs.ErrConflict.
// When the API rejects the note field the call is repeated once without it.
func (c *Client) AddUser(ctx context.Context, req AddUserRequest) error {
	err := c.do(ctx, http.MethodPost, c.usersURL, req, nil)
	var apiErr *APIError
	if req.Note != "" && errors.As(err, &apiErr) && apiErr.rejectsNote() {
		c.log.Warn("vpn api rejected note field, retrying without it", zap.String("username", req.Username))
		req.Note = ""
		err = c.do(ctx, http.MethodPost, c.usersURL, req, nil)
	}
	return err
}

func (c *Client) EditUser(ctx context.Context, username string, patch Patch) error {
	return c.do(ctx, http.MethodPatch, c.usersURL+url.PathEscape(username), patch, nil)
}

// ResetUser zeroes the traffic counters, restarts the subscription from today and
// unblocks the account.
func (c *Client) ResetUser(ctx context.Context, username string) error {
	return c.do(ctx, http.MethodGet, c.usersURL+url.PathEscape(username)+"/reset", nil, nil)
}

func (c *Client) DeleteUser(ctx context.Context, username string) error {
	return c.do(ctx, http.MethodDelete, c.usersURL+url.PathEscape(username), nil, nil)
}

func (c *Client) GetUserURI(ctx context.Context, username string) (URI, error) {
	var u URI
	err := c.do(ctx, http.MethodGet, c.usersURL+url.PathEscape(username)+"/uri", nil, &u)
	return u, err
}

// Kick drops live sessions of the given users.
func (c *Client) Kick(ctx context.Context, usernames []string) error {
	if len(usernames) == 0 {
		return nil
	}
	body := struct {
		Usernames []string `json:"usernames"`
	}{usernames}
	return c.do(ctx, http.MethodPost, c.usersURL+"kick", body, nil)
}

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status int
	Body   string
	kind   error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("vpn api: status %d: %s", e.Status, e.Body)
}

func (e *APIError) Unwrap() []error {
	if errors.Is(e.kind, errs.ErrNotFound) {
		return []error{errs.ErrNotFound, errs.ErrPermanent}
	}
	return []error{e.kind}
}

func (e *APIError) rejectsNote() bool {
	if e.Status != http.StatusBadRequest && e.Status != http.StatusUnprocessableEntity {
		return false
	}
	return strings.Contains(strings.ToLower(e.Body), "note")
}

func classify(status int, body string) error {
	lower := strings.ToLower(body)
	var kind error
	switch {
	case status == http.StatusNotFound:
		kind = errs.ErrNotFound
	case status == http.StatusConflict || strings.Contains(lower, "already exists"):
		kind = errs.ErrConflict
	case status == http.StatusTooManyRequests || status >= 500:
		kind = errs.ErrTransient
	default:
		kind = errs.ErrPermanent
	}
	return &APIError{Status: status, Body: body, kind: kind}
}

func (c *Client) wait(ctx context.Context) error {
	if c.global != nil {
		if err := c.global.Wait(ctx); err != nil {
			return fmt.Errorf("%w: %v", errs.ErrTransient, err)
		}
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTransient, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, in, out any) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", errs.ErrPermanent, err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return fmt.Errorf("%w: %v", errs.ErrPermanent, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return transportError(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return transportError(err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return classify(resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%w: decode %s %s: %v", errs.ErrPermanent, method, endpoint, err)
	}
	return nil
}

// transportError marks every failure below HTTP as transient.
func transportError(err error) error {
	return fmt.Errorf("%w: %v", errs.ErrTransient, err)
}
