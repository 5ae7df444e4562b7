package monitor

import (
	"VPN-Reseller-bot/internal/chat"
	"VPN-Reseller-bot/internal/db"
	"VPN-Reseller-bot/internal/i18n"
	"VPN-Reseller-bot/internal/naming"
	"VPN-Reseller-bot/internal/vpnapi"
	"context"
	"time"

	"go.uber.org/zap"
)

// KickBatch is the maximum number of usernames per kick call.
const KickBatch = 50

type AccountAdmin interface {
	UserLister
	EditUser(ctx context.Context, username string, patch vpnapi.Patch) error
	Kick(ctx context.Context, usernames []string) error
}

// Expired reports whether a subscriber ran out of days or traffic. On-hold accounts,
// which have no creation date yet, never expire.
func Expired(u vpnapi.User, now time.Time) bool {
	if _, started := u.CreationDate(); !started {
		return false
	}
	if exp, ok := u.ExpiresAt(); ok && !now.Before(exp) {
		return true
	}
	return u.MaxDownloadBytes > 0 && u.TotalBytes() >= u.MaxDownloadBytes
}

// ExpiryEnforcer blocks expired subscribers and drops their live sessions.
type ExpiryEnforcer struct {
	vpn       AccountAdmin
	store     *db.Store
	transport chat.Transport
	log       *zap.Logger
	now       func() time.Time
}

// NewExpiryEnforcer builds the enforcer. transport may be nil to skip owner notices.
func NewExpiryEnforcer(vpn AccountAdmin, store *db.Store, transport chat.Transport, log *zap.Logger) *ExpiryEnforcer {
	return &ExpiryEnforcer{vpn: vpn, store: store, transport: transport, log: log, now: time.Now}
}

func (e *ExpiryEnforcer) SetClock(now func() time.Time) {
	e.now = now
}

type ExpiryResult struct {
	Blocked []string
	Failed  int
	Kicks   int
}

func (e *ExpiryEnforcer) Run(ctx context.Context) error {
	res, err := e.Enforce(ctx)
	if err != nil {
		return err
	}
	if len(res.Blocked) > 0 || res.Failed > 0 {
		e.log.Info("expired subscribers blocked", zap.Int("blocked", len(res.Blocked)), zap.Int("failed", res.Failed), zap.Int("kick_calls", res.Kicks))
	}
	return nil
}

// Enforce runs one pass. Subscribers that are already blocked are left alone.
func (e *ExpiryEnforcer) Enforce(ctx context.Context) (ExpiryResult, error) {
	var res ExpiryResult
	users, err := e.vpn.ListUsers(ctx)
	if err != nil {
		return res, err
	}
	now := e.now()
	var due []string
	for _, u := range users {
		if !u.Blocked && Expired(u, now) {
			due = append(due, u.Username)
		}
	}
	if len(due) == 0 {
		return res, nil
	}

	blocked := true
	ok := mapEach(ctx, due, func(ctx context.Context, name string) bool {
		if err := e.vpn.EditUser(ctx, name, vpnapi.Patch{Blocked: &blocked}); err != nil {
			e.log.Warn("block expired subscriber", zap.String("username", name), zap.Error(err))
			return false
		}
		return true
	})
	for i, name := range due {
		if ok[i] {
			res.Blocked = append(res.Blocked, name)
		} else {
			res.Failed++
		}
	}

	for start := 0; start < len(res.Blocked); start += KickBatch {
		end := min(start+KickBatch, len(res.Blocked))
		if err := e.vpn.Kick(ctx, res.Blocked[start:end]); err != nil {
			e.log.Warn("kick", zap.Int("batch", end-start), zap.Error(err))
		}
		res.Kicks++
	}

	e.notifyOwners(ctx, res.Blocked)
	return res, nil
}

func (e *ExpiryEnforcer) notifyOwners(ctx context.Context, names []string) {
	if e.transport == nil || len(names) == 0 {
		return
	}
	langs, err := e.store.Languages.Load()
	if err != nil {
		e.log.Warn("load languages", zap.Error(err))
	}
	mapEach(ctx, names, func(ctx context.Context, name string) struct{} {
		owner, kind, ok := naming.Owner(name)
		if !ok || kind == naming.KindTest {
			return struct{}{}
		}
		text := i18n.T(langs[db.Key(owner)], "alert.expired", name)
		if _, err := e.transport.SendText(ctx, owner, text, nil); err != nil {
			e.log.Debug("expiry notice not sent", zap.Int64("chat_id", owner), zap.Error(err))
		}
		return struct{}{}
	})
}
