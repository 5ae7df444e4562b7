package monitor

import (
	"VPN-Reseller-bot/internal/chat"
	"VPN-Reseller-bot/internal/db"
	"VPN-Reseller-bot/internal/i18n"
	"VPN-Reseller-bot/internal/naming"
	"VPN-Reseller-bot/internal/vpnapi"
	"context"
	"strings"
	"time"

	"go.uber.org/zap"
)

// AlertThresholds are the usage percentages that trigger an alert, once each.
var AlertThresholds = []int{80, 90}

// resetBelow is the usage percentage under which a quota counts as renewed.
const resetBelow = 5

type UserLister interface {
	ListUsers(ctx context.Context) ([]vpnapi.User, error)
}

// Alert is one threshold crossing to report.
type Alert struct {
	Key string
	Pct int
}

// TrafficMonitor alerts owners when a subscriber crosses a traffic or days threshold.
type TrafficMonitor struct {
	vpn       UserLister
	store     *db.Store
	transport chat.Transport
	log       *zap.Logger
	now       func() time.Time
}

func NewTrafficMonitor(vpn UserLister, store *db.Store, transport chat.Transport, log *zap.Logger) *TrafficMonitor {
	return &TrafficMonitor{vpn: vpn, store: store, transport: transport, log: log, now: time.Now}
}

func (m *TrafficMonitor) SetClock(now func() time.Time) {
	m.now = now
}

type trafficCheck struct {
	username string
	chatID   int64
	state    db.TrafficAlert
	changed  bool
	alerts   []Alert
}

// Run checks every subscriber once. Alert markers are written only for messages that were sent.
func (m *TrafficMonitor) Run(ctx context.Context) error {
	users, err := m.vpn.ListUsers(ctx)
	if err != nil {
		return err
	}
	prev, err := m.store.TrafficAlerts.Load()
	if err != nil {
		return err
	}
	resellers, err := m.store.Resellers.Load()
	if err != nil {
		return err
	}
	totalDays := make(map[string]int)
	for _, r := range resellers {
		for _, c := range r.Configs {
			totalDays[strings.ToLower(c.Username)] = c.Days
		}
	}
	langs, err := m.store.Languages.Load()
	if err != nil {
		return err
	}

	now := m.now()
	present := make(map[string]struct{}, len(users))
	var checks []trafficCheck
	for _, u := range users {
		key := strings.ToLower(u.Username)
		present[key] = struct{}{}
		owner, kind, ok := naming.Owner(u.Username)
		if !ok || kind == naming.KindUnknown || u.Blocked {
			continue
		}
		days := 0
		if kind == naming.KindReseller {
			days = totalDays[key]
		}
		st, alerts, changed := EvaluateUsage(u, prev[key], days, now)
		if !changed {
			continue
		}
		checks = append(checks, trafficCheck{username: key, chatID: owner, state: st, changed: changed, alerts: alerts})
	}

	sent := mapEach(ctx, checks, func(ctx context.Context, c trafficCheck) bool {
		lang := langs[db.Key(c.chatID)]
		for _, a := range c.alerts {
			text := i18n.T(lang, a.Key, c.username, a.Pct)
			if _, err := m.transport.SendText(ctx, c.chatID, text, nil); err != nil {
				m.log.Warn("traffic alert not sent", zap.Int64("chat_id", c.chatID), zap.String("username", c.username), zap.Error(err))
				return false
			}
		}
		return true
	})

	return m.store.TrafficAlerts.Mutate(func(all *map[string]db.TrafficAlert) error {
		dirty := false
		for name := range *all {
			if _, ok := present[name]; !ok {
				delete(*all, name)
				dirty = true
			}
		}
		for i, c := range checks {
			if len(c.alerts) > 0 && !sent[i] {
				continue
			}
			(*all)[c.username] = c.state
			dirty = true
		}
		if !dirty {
			return db.ErrSkipWrite
		}
		return nil
	})
}

// EvaluateUsage updates the alert state of one subscriber. totalDays > 0 enables days alerts.
// The returned alerts carry the highest newly crossed threshold of each kind.
func EvaluateUsage(u vpnapi.User, st db.TrafficAlert, totalDays int, now time.Time) (db.TrafficAlert, []Alert, bool) {
	changed := false
	var alerts []Alert

	if st.MaxDownloadBytes != u.MaxDownloadBytes {
		st.MaxDownloadBytes = u.MaxDownloadBytes
		st.GBNotified = nil
		changed = true
	}
	used := u.TotalBytes()
	if u.MaxDownloadBytes > 0 {
		pct := int(used * 100 / u.MaxDownloadBytes)
		if pct < resetBelow && len(st.GBNotified) > 0 {
			st.GBNotified = nil
			changed = true
		}
		var crossed bool
		st.GBNotified, crossed = mark(st.GBNotified, pct)
		if crossed {
			alerts = append(alerts, Alert{Key: "alert.traffic", Pct: pct})
			changed = true
		}
	}

	if totalDays > 0 {
		if st.TotalDays != totalDays {
			st.TotalDays = totalDays
			st.DaysNotified = nil
			changed = true
		}
		if created, ok := u.CreationDate(); ok {
			pct := int(now.Sub(created).Hours() / 24 * 100 / float64(totalDays))
			if pct < resetBelow && len(st.DaysNotified) > 0 {
				st.DaysNotified = nil
				changed = true
			}
			var crossed bool
			st.DaysNotified, crossed = mark(st.DaysNotified, pct)
			if crossed {
				alerts = append(alerts, Alert{Key: "alert.days", Pct: pct})
				changed = true
			}
		}
	}

	if changed {
		st.LastUsageBytes = used
		st.UpdatedAt = now
	}
	return st, alerts, changed
}

// mark adds every threshold reached by pct and reports whether any was new.
func mark(notified []int, pct int) ([]int, bool) {
	crossed := false
	for _, t := range AlertThresholds {
		if pct < t || contains(notified, t) {
			continue
		}
		notified = append(notified, t)
		crossed = true
	}
	return notified, crossed
}

func contains(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}
