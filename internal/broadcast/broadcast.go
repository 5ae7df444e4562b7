// Package broadcast sends admin announcements to a selected audience and keeps the set of
// chats that refused earlier messages.
package broadcast

import (
	"VPN-Reseller-bot/internal/chat"
	"VPN-Reseller-bot/internal/db"
	"VPN-Reseller-bot/internal/naming"
	"VPN-Reseller-bot/internal/vpnapi"
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

type Target string

const (
	AllPaid     Target = "all_paid"
	ActivePaid  Target = "active_paid"
	ExpiredPaid Target = "expired_paid"
	AllTest     Target = "all_test"
	ActiveTest  Target = "active_test"
	ExpiredTest Target = "expired_test"
)

// Targets lists the audiences in menu order.
func Targets() []Target {
	return []Target{AllPaid, ActivePaid, ExpiredPaid, AllTest, ActiveTest, ExpiredTest}
}

func ParseTarget(s string) (Target, bool) {
	for _, t := range Targets() {
		if string(t) == s {
			return t, true
		}
	}
	return "", false
}

func (t Target) test() bool {
	return t == AllTest || t == ActiveTest || t == ExpiredTest
}

const (
	// TestLifetime is how long a test config counts as active.
	TestLifetime  = 30 * 24 * time.Hour
	DefaultPace   = 50 * time.Millisecond
	ProgressEvery = 10
)

// Bucket groups send failures by cause.
type Bucket string

const (
	BucketBlocked      Bucket = "blocked"
	BucketDeactivated  Bucket = "deactivated"
	BucketChatNotFound Bucket = "chat not found"
	BucketForbidden    Bucket = "forbidden"
	BucketBadRequest   Bucket = "bad request"
	BucketOther        Bucket = "other"
)

var bucketOrder = []Bucket{BucketBlocked, BucketDeactivated, BucketChatNotFound, BucketForbidden, BucketBadRequest, BucketOther}

// Classify maps a transport error onto a bucket by its text.
func Classify(err error) Bucket {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "blocked"):
		return BucketBlocked
	case strings.Contains(msg, "deactivated"):
		return BucketDeactivated
	case strings.Contains(msg, "chat not found"):
		return BucketChatNotFound
	case strings.Contains(msg, "forbidden"):
		return BucketForbidden
	case strings.Contains(msg, "bad request"):
		return BucketBadRequest
	}
	return BucketOther
}

type UserLister interface {
	ListUsers(ctx context.Context) ([]vpnapi.User, error)
}

type Engine struct {
	vpn       UserLister
	store     *db.Store
	transport chat.Transport
	log       *zap.Logger
	now       func() time.Time
	pace      time.Duration
}

func New(vpn UserLister, store *db.Store, transport chat.Transport, log *zap.Logger) *Engine {
	return &Engine{vpn: vpn, store: store, transport: transport, log: log, now: time.Now, pace: DefaultPace}
}

func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// SetPace changes the delay between two sends.
func (e *Engine) SetPace(d time.Duration) {
	e.pace = d
}

// Audience returns the chats a broadcast to target reaches, and those skipped because an
// earlier send to them failed.
func (e *Engine) Audience(ctx context.Context, target Target) ([]int64, []int64, error) {
	var ids map[int64]struct{}
	var err error
	if target.test() {
		ids, err = e.testAudience(ctx, target)
	} else {
		ids, err = e.paidAudience(ctx, target)
	}
	if err != nil {
		return nil, nil, err
	}
	failed, err := e.store.BroadcastFailed.Load()
	if err != nil {
		return nil, nil, err
	}
	var out, excluded []int64
	for id := range ids {
		if _, skip := failed[db.Key(id)]; skip {
			excluded = append(excluded, id)
			continue
		}
		out = append(out, id)
	}
	sortIDs(out)
	sortIDs(excluded)
	return out, excluded, nil
}

func (e *Engine) paidAudience(ctx context.Context, target Target) (map[int64]struct{}, error) {
	if _, ok := ParseTarget(string(target)); !ok {
		return nil, fmt.Errorf("unknown broadcast target %q", target)
	}
	users, err := e.vpn.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	ids := make(map[int64]struct{})
	for _, u := range users {
		id, ok := naming.PaidOwner(u.Username)
		if !ok {
			continue
		}
		switch {
		case target == AllPaid,
			target == ActivePaid && !u.Blocked,
			target == ExpiredPaid && u.Blocked:
			ids[id] = struct{}{}
		}
	}
	return ids, nil
}

// testAudience reads the test config store. Chats that already own an active paid account are left out.
func (e *Engine) testAudience(ctx context.Context, target Target) (map[int64]struct{}, error) {
	tests, err := e.store.TestConfigs.Load()
	if err != nil {
		return nil, err
	}
	now := e.now()
	ids := make(map[int64]struct{})
	for key, tc := range tests {
		if tc.UsedAt == nil {
			continue
		}
		id, ok := db.ParseKey(key)
		if !ok {
			continue
		}
		active := now.Sub(*tc.UsedAt) < TestLifetime && !tc.Usable()
		switch {
		case target == AllTest,
			target == ActiveTest && active,
			target == ExpiredTest && !active:
			ids[id] = struct{}{}
		}
	}
	if len(ids) == 0 {
		return ids, nil
	}
	paid, err := e.paidAudience(ctx, ActivePaid)
	if err != nil {
		e.log.Warn("active paid lookup failed, test audience not filtered", zap.Error(err))
		return ids, nil
	}
	for id := range paid {
		delete(ids, id)
	}
	return ids, nil
}

type Failure struct {
	ChatID int64
	Bucket Bucket
	Reason string
}

// Report is the outcome of one broadcast.
type Report struct {
	Target     Target
	Message    string
	StartedAt  time.Time
	FinishedAt time.Time
	Sent       []int64
	Failed     []Failure
	Excluded   []int64
}

func (r Report) Total() int {
	return len(r.Sent) + len(r.Failed)
}

// Buckets counts failures per bucket.
func (r Report) Buckets() map[Bucket]int {
	out := make(map[Bucket]int)
	for _, f := range r.Failed {
		out[f.Bucket]++
	}
	return out
}

func (r Report) Summary() string {
	var b strings.Builder
	fmt.Fprintf(&b, "📢 Broadcast completed\n\nTarget: %s\nTotal: %d\n✅ Sent: %d\n❌ Failed: %d\n",
		r.Target, r.Total(), len(r.Sent), len(r.Failed))
	counts := r.Buckets()
	for _, bucket := range bucketOrder {
		if n := counts[bucket]; n > 0 {
			fmt.Fprintf(&b, "  %s: %d\n", bucket, n)
		}
	}
	fmt.Fprintf(&b, "🚫 Excluded: %d", len(r.Excluded))
	return b.String()
}

// File renders the report attached for the initiating admin.
func (r Report) File() (string, []byte) {
	var b strings.Builder
	fmt.Fprintf(&b, "Broadcast report\nStarted: %s\nFinished: %s\nTarget: %s\n",
		r.StartedAt.Format("2006-01-02 15:04:05"), r.FinishedAt.Format("2006-01-02 15:04:05"), r.Target)
	fmt.Fprintf(&b, "Total: %d\nSent: %d\nFailed: %d\nExcluded: %d\n", r.Total(), len(r.Sent), len(r.Failed), len(r.Excluded))
	counts := r.Buckets()
	for _, bucket := range bucketOrder {
		fmt.Fprintf(&b, "  %s: %d\n", bucket, counts[bucket])
	}
	b.WriteString("\nSent:\n")
	for _, id := range r.Sent {
		fmt.Fprintf(&b, "%d\n", id)
	}
	b.WriteString("\nFailed:\n")
	for _, f := range r.Failed {
		fmt.Fprintf(&b, "%d\t%s\t%s\n", f.ChatID, f.Bucket, f.Reason)
	}
	b.WriteString("\nExcluded:\n")
	for _, id := range r.Excluded {
		fmt.Fprintf(&b, "%d\n", id)
	}
	b.WriteString("\nMessage:\n")
	b.WriteString(r.Message)
	b.WriteString("\n")
	return "broadcast_" + r.StartedAt.Format("20060102_150405") + ".txt", []byte(b.String())
}

// Send delivers text to the audience one chat at a time, reports progress to the admin every
// ProgressEvery recipients and finally sends the summary and the report file.
// Chats that fail are added to the exclusion set.
func (e *Engine) Send(ctx context.Context, adminID int64, target Target, text string) (Report, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Report{}, errors.New("broadcast message is empty")
	}
	ids, excluded, err := e.Audience(ctx, target)
	if err != nil {
		return Report{}, err
	}
	rep := Report{Target: target, Message: text, StartedAt: e.now(), Excluded: excluded}
	if len(ids) == 0 {
		rep.FinishedAt = e.now()
		return rep, nil
	}
	e.log.Info("broadcast started", zap.Int64("admin_id", adminID), zap.String("target", string(target)), zap.Int("recipients", len(ids)))

	statusID, err := e.transport.SendText(ctx, adminID, fmt.Sprintf("📢 Broadcasting to %d users...", len(ids)), nil)
	if err != nil {
		e.log.Warn("broadcast status message", zap.Error(err))
	}

	for i, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if _, err := e.transport.SendText(ctx, id, text, nil); err != nil {
			f := Failure{ChatID: id, Bucket: Classify(err), Reason: err.Error()}
			rep.Failed = append(rep.Failed, f)
			e.log.Debug("broadcast send failed", zap.Int64("chat_id", id), zap.String("bucket", string(f.Bucket)), zap.Error(err))
		} else {
			rep.Sent = append(rep.Sent, id)
		}
		done := i + 1
		if statusID != 0 && done%ProgressEvery == 0 && done < len(ids) {
			if err := e.transport.EditText(ctx, adminID, statusID, fmt.Sprintf("📢 Broadcasting: %d/%d completed...", done, len(ids)), nil); err != nil {
				e.log.Debug("broadcast progress", zap.Error(err))
			}
		}
		if done < len(ids) && e.pace > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(e.pace):
			}
		}
	}
	rep.FinishedAt = e.now()

	if err := e.exclude(rep.Failed, rep.FinishedAt); err != nil {
		e.log.Error("store broadcast failures", zap.Error(err))
	}
	e.log.Info("broadcast finished", zap.String("target", string(target)), zap.Int("sent", len(rep.Sent)), zap.Int("failed", len(rep.Failed)))

	// report even when the run was cancelled
	out := context.WithoutCancel(ctx)
	if _, err := e.transport.SendText(out, adminID, rep.Summary(), nil); err != nil {
		e.log.Warn("broadcast summary", zap.Error(err))
	}
	name, data := rep.File()
	if _, err := e.transport.SendDocument(out, adminID, name, data, "Broadcast report"); err != nil {
		e.log.Warn("broadcast report", zap.Error(err))
	}
	return rep, nil
}

func (e *Engine) exclude(failed []Failure, at time.Time) error {
	if len(failed) == 0 {
		return nil
	}
	return e.store.BroadcastFailed.Mutate(func(m *map[string]db.BroadcastFailure) error {
		for _, f := range failed {
			(*m)[db.Key(f.ChatID)] = db.BroadcastFailure{Reason: string(f.Bucket) + ": " + f.Reason, At: at}
		}
		return nil
	})
}

// Exclusions lists the keys of the chats currently skipped, sorted.
func (e *Engine) Exclusions() ([]string, error) {
	return db.Keys(e.store.BroadcastFailed)
}

// ResetExclusions empties the exclusion set and returns how many chats were in it.
func (e *Engine) ResetExclusions() (int, error) {
	n := 0
	err := e.store.BroadcastFailed.Mutate(func(m *map[string]db.BroadcastFailure) error {
		n = len(*m)
		if n == 0 {
			return db.ErrSkipWrite
		}
		*m = map[string]db.BroadcastFailure{}
		return nil
	})
	return n, err
}

func sortIDs(ids []int64) {
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
}
