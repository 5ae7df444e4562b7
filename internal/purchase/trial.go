package purchase

import (
	"VPN-Reseller-bot/internal/db"
	"VPN-Reseller-bot/internal/errs"
	"VPN-Reseller-bot/internal/i18n"
	"VPN-Reseller-bot/internal/naming"
	"VPN-Reseller-bot/internal/vpnapi"
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

var ErrTrialUsed = fmt.Errorf("%w: free trial already used", errs.ErrUserInput)

// TrialUsable reports whether the chat may claim a test config.
func (c *Coordinator) TrialUsable(userID int64) (bool, error) {
	all, err := c.store.TestConfigs.Load()
	if err != nil {
		return false, err
	}
	return all[db.Key(userID)].Usable(), nil
}

// IssueTrial creates and delivers the free test config of a chat.
func (c *Coordinator) IssueTrial(ctx context.Context, userID int64, lang, tgUsername string) (string, error) {
	unlock := c.users.lock(userID)
	defer unlock()

	ok, err := c.TrialUsable(userID)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", ErrTrialUsed
	}

	var existing []string
	if err := c.retry(ctx, func() error {
		names, err := c.vpn.Usernames(ctx)
		existing = names
		return err
	}); err != nil {
		return "", err
	}
	username := naming.Allocate(naming.PrefixTest, userID, existing)
	req := vpnapi.AddUserRequest{
		Username:       username,
		TrafficLimitGB: c.cfg.TrialGB,
		ExpirationDays: c.cfg.TrialDays,
		Unlimited:      true,
		Note:           naming.Note(c.now(), fmt.Sprintf("test user %d", userID)),
	}
	err = c.retry(ctx, func() error {
		err := c.vpn.AddUser(ctx, req)
		if errors.Is(err, errs.ErrConflict) {
			return nil
		}
		return err
	})
	if err != nil {
		return "", err
	}

	now := c.now()
	if err := c.store.TestConfigs.Mutate(func(m *map[string]db.TestConfig) error {
		tc := (*m)[db.Key(userID)]
		tc.UsedAt = &now
		tc.Username = username
		tc.Language = lang
		tc.TelegramUsername = tgUsername
		(*m)[db.Key(userID)] = tc
		return nil
	}); err != nil {
		c.notifier.Alert(ctx, "Test config %s for user %d was created but its usage was not recorded: %v", username, userID, err)
	}

	caption := func(link string) string {
		return i18n.T(lang, "trial.caption", username, c.cfg.TrialGB, c.cfg.TrialDays, link)
	}
	if err := c.deliver(ctx, userID, username, caption); err != nil {
		c.notifier.Alert(ctx, "Test config %s for user %d could not be delivered: %v", username, userID, err)
		return username, err
	}
	c.log.Info("test config issued", zap.Int64("user_id", userID), zap.String("username", username))
	return username, nil
}

// ResetTrial lets a chat claim another test config.
func (c *Coordinator) ResetTrial(userID int64) error {
	now := c.now()
	return c.store.TestConfigs.Mutate(func(m *map[string]db.TestConfig) error {
		tc, ok := (*m)[db.Key(userID)]
		if !ok || tc.UsedAt == nil {
			return fmt.Errorf("%w: user %d has no test config", errs.ErrNotFound, userID)
		}
		tc.ResetAt = &now
		tc.ResetCount++
		(*m)[db.Key(userID)] = tc
		return nil
	})
}
