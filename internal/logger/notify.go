package logger

import (
	"VPN-Reseller-bot/internal/chat"
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const alertPrefix = "[ALERT] "

// Notifier delivers operational messages to every configured admin chat.
type Notifier struct {
	transport chat.Transport
	admins    []int64
	log       *zap.Logger
}

func NewNotifier(transport chat.Transport, admins []int64, log *zap.Logger) *Notifier {
	return &Notifier{transport: transport, admins: admins, log: log}
}

// Admins returns the configured admin chat ids.
func (n *Notifier) Admins() []int64 {
	return n.admins
}

// IsAdmin reports whether id belongs to the admin set.
func (n *Notifier) IsAdmin(id int64) bool {
	for _, a := range n.admins {
		if a == id {
			return true
		}
	}
	return false
}

// NotifyAdmins sends text (and an optional keyboard) to all admins. Failures are logged only.
func (n *Notifier) NotifyAdmins(ctx context.Context, text string, m *chat.Markup) {
	if n == nil || n.transport == nil {
		return
	}
	for _, id := range n.admins {
		sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		if _, err := n.transport.SendText(sendCtx, id, text, m); err != nil {
			n.log.Warn("admin notification failed", zap.Int64("admin_id", id), zap.Error(err))
		}
		cancel()
	}
}

// Alert is NotifyAdmins with the alert prefix and a matching log line.
func (n *Notifier) Alert(ctx context.Context, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	if n == nil {
		return
	}
	n.log.Error("alert", zap.String("message", msg))
	n.NotifyAdmins(ctx, alertPrefix+msg, nil)
}

// NotifyOnPanic recovers a panic in the calling goroutine, logs it and alerts admins.
// Use as: defer notifier.NotifyOnPanic("poller")
func (n *Notifier) NotifyOnPanic(where string) {
	if r := recover(); r != nil {
		if n == nil {
			return
		}
		n.log.Error("panic recovered", zap.String("where", where), zap.Any("panic", r), zap.Stack("stack"))
		n.NotifyAdmins(context.Background(), alertPrefix+"Panic in "+where+": "+toString(r), nil)
	}
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case error:
		return t.Error()
	}
	return "panic: unknown error"
}
