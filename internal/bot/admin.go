package bot

import (
	"VPN-Reseller-bot/internal/broadcast"
	"VPN-Reseller-bot/internal/chat"
	"VPN-Reseller-bot/internal/db"
	"VPN-Reseller-bot/internal/errs"
	"VPN-Reseller-bot/internal/i18n"
	"VPN-Reseller-bot/internal/ledger"
	"VPN-Reseller-bot/internal/logger"
	"VPN-Reseller-bot/internal/naming"
	"VPN-Reseller-bot/internal/purchase"
	"VPN-Reseller-bot/internal/services"
	"context"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// RecentPayments is how many payments the admin list shows.
const RecentPayments = 10

const maxListed = 30

var statusActions = map[string]db.ResellerStatus{
	"approved":  db.ResellerApproved,
	"rejected":  db.ResellerRejected,
	"suspended": db.ResellerSuspended,
	"banned":    db.ResellerBanned,
}

func (b *Bot) adminRoutes() {
	r := b.router
	r.Command("admin", RoleAdmin, b.handleAdmin)
	r.Command("user", RoleAdmin, b.handleUserLookup)
	r.Command("addnode", RoleAdmin, b.handleAddNode)
	r.Command("resetuser", RoleAdmin, b.handleResetUser)
	r.Button("admin", RoleAdmin, b.handleAdmin)

	r.Callback("adm:stats", RoleAdmin, b.handleAdminStats)
	r.Callback("adm:nodes", RoleAdmin, b.handleNodes)
	r.Callback("adm:resellers", RoleAdmin, b.handleResellers)
	r.Callback("adm:pending", RoleAdmin, b.handlePendingResellers)
	r.Callback("adm:rs:", RoleAdmin, b.handleResellerAction)
	r.Callback("adm:payments", RoleAdmin, b.handlePayments)
	r.Callback("adm:pay:", RoleAdmin, b.handleCardDecision)
	r.Callback("adm:trial", RoleAdmin, b.handleTrialReset)
	r.Callback("adm:broadcast", RoleAdmin, b.handleBroadcastMenu)
	r.Callback("adm:bc:", RoleAdmin, b.handleBroadcastTarget)
	r.Callback("adm:exclusions", RoleAdmin, b.handleExclusions)
	r.Callback("adm:exclusions:reset", RoleAdmin, b.handleExclusionsReset)
	r.Callback("adm:backup", RoleAdmin, b.handleBackup)

	r.State(StateAdminSetDebt, RoleAdmin, b.handleSetDebt)
	r.State(StateAdminTrial, RoleAdmin, b.handleTrialResetID)
	r.State(StateAdminBroadcast, RoleAdmin, b.handleBroadcastText)
}

func (b *Bot) handleAdmin(ctx context.Context, ev Event, _ *Session) error {
	b.reply(ctx, ev.ChatID, "🛠 Admin panel", adminKeyboard())
	return nil
}

func (b *Bot) handleAdminStats(ctx context.Context, ev Event, _ *Session) error {
	users, err := b.VPN.ListUsers(ctx)
	if err != nil {
		return err
	}
	counts := map[naming.Kind]int{}
	blocked := 0
	for _, u := range users {
		_, kind, _ := naming.Owner(u.Username)
		counts[kind]++
		if u.Blocked {
			blocked++
		}
	}

	resellers, err := b.Ledger.All()
	if err != nil {
		return err
	}
	byStatus := map[db.ResellerStatus]int{}
	debt := decimal.Zero
	for _, r := range resellers {
		byStatus[r.Status]++
		debt = debt.Add(r.Debt)
	}

	payments, err := b.Store.Payments.Load()
	if err != nil {
		return err
	}
	revenue, settled := decimal.Zero, decimal.Zero
	byPayStatus := map[db.PaymentStatus]int{}
	for _, p := range payments {
		byPayStatus[p.Status]++
		if p.Status != db.StatusCompleted || p.Method == db.MethodCredit {
			continue
		}
		if p.Type == db.TypeSettlement {
			settled = settled.Add(p.Price)
		} else {
			revenue = revenue.Add(p.Price)
		}
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "📊 Statistics\n\n")
	fmt.Fprintf(&sb, "Subscribers: %d (%d disabled)\n", len(users), blocked)
	fmt.Fprintf(&sb, "  paid: %d, reseller: %d, test: %d, other: %d\n",
		counts[naming.KindPaid], counts[naming.KindReseller], counts[naming.KindTest], counts[naming.KindUnknown])
	fmt.Fprintf(&sb, "Resellers: %d approved, %d pending, %d suspended, %d banned\n",
		byStatus[db.ResellerApproved], byStatus[db.ResellerPending], byStatus[db.ResellerSuspended], byStatus[db.ResellerBanned])
	fmt.Fprintf(&sb, "Outstanding reseller debt: $%s\n", debt.StringFixed(2))
	fmt.Fprintf(&sb, "Payments: %d completed, %d pending, %d awaiting approval, %d failed\n",
		byPayStatus[db.StatusCompleted], byPayStatus[db.StatusPending], byPayStatus[db.StatusPendingApproval], byPayStatus[db.StatusFailed])
	fmt.Fprintf(&sb, "Revenue: $%s, debt settled: $%s", revenue.StringFixed(2), settled.StringFixed(2))
	b.reply(ctx, ev.ChatID, sb.String(), nil)
	return nil
}

func (b *Bot) handleNodes(ctx context.Context, ev Event, _ *Session) error {
	statuses, err := b.Nodes.Probe(ctx)
	if err != nil {
		return err
	}
	b.reply(ctx, ev.ChatID, "🖥 Nodes\n\n"+services.FormatStatuses(statuses), nil)
	return nil
}

// handleAddNode registers a node for probing: /addnode <name> <ip> [port]
func (b *Bot) handleAddNode(ctx context.Context, ev Event, _ *Session) error {
	args := strings.Fields(ev.Args)
	if len(args) < 2 || net.ParseIP(args[1]) == nil {
		b.reply(ctx, ev.ChatID, "Usage: /addnode <name> <ip> [port]", nil)
		return nil
	}
	node := db.Node{Name: args[0], IP: args[1]}
	if len(args) > 2 {
		if _, err := strconv.ParseUint(args[2], 10, 16); err != nil {
			b.reply(ctx, ev.ChatID, "Invalid port.", nil)
			return nil
		}
		node.Port = args[2]
	}
	err := b.Store.Nodes.Mutate(func(nodes *[]db.Node) error {
		for i, n := range *nodes {
			if n.Name == node.Name {
				(*nodes)[i] = node
				return nil
			}
		}
		*nodes = append(*nodes, node)
		return nil
	})
	if err != nil {
		return err
	}
	logger.LogAdminAction(b.Log, ev.UserID, "add_node", strings.Join(args, " "))
	b.reply(ctx, ev.ChatID, fmt.Sprintf("Node %s saved.", node.Name), nil)
	return nil
}

// handleUserLookup shows what the bot knows about a chat: /user <id>
func (b *Bot) handleUserLookup(ctx context.Context, ev Event, _ *Session) error {
	id, err := strconv.ParseInt(strings.TrimSpace(ev.Args), 10, 64)
	if err != nil {
		b.reply(ctx, ev.ChatID, "Usage: /user <telegram id>", nil)
		return nil
	}
	accounts, err := b.Coordinator.OwnedAccounts(ctx, id)
	if err != nil {
		return err
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "👤 User %d\n", id)
	for _, u := range accounts {
		fmt.Fprintf(&sb, "\n%s\n", formatAccount(i18n.Default, u))
	}
	if len(accounts) == 0 {
		sb.WriteString("No configs.\n")
	}
	if r, ok, err := b.Ledger.Get(id); err == nil && ok {
		fmt.Fprintf(&sb, "\nReseller: %s, debt $%s (%s)\n", r.Status, r.Debt.StringFixed(2), b.Ledger.State(r))
	}
	if usable, err := b.Coordinator.TrialUsable(id); err == nil {
		fmt.Fprintf(&sb, "Trial available: %t\n", usable)
	}
	if stats, err := b.Ledger.ReferralStats(id); err == nil && stats.Count > 0 {
		fmt.Fprintf(&sb, "Referrals: %d, earned $%s\n", stats.Count, stats.TotalEarnings.StringFixed(2))
	}
	b.reply(ctx, ev.ChatID, strings.TrimRight(sb.String(), "\n"), nil)
	return nil
}

// handleResetUser zeroes an account's traffic and restarts its term: /resetuser <username>
func (b *Bot) handleResetUser(ctx context.Context, ev Event, _ *Session) error {
	username := strings.TrimSpace(ev.Args)
	if !naming.ValidUsername(username) {
		b.reply(ctx, ev.ChatID, "Usage: /resetuser <username>", nil)
		return nil
	}
	err := b.VPN.ResetUser(ctx, username)
	if errors.Is(err, errs.ErrNotFound) {
		b.reply(ctx, ev.ChatID, fmt.Sprintf("No account %s.", username), nil)
		return nil
	}
	if err != nil {
		return err
	}
	logger.LogAdminAction(b.Log, ev.UserID, "reset_user", username)
	b.reply(ctx, ev.ChatID, fmt.Sprintf("User %s reset.", username), nil)
	return nil
}

func sortedResellers(all map[string]db.Reseller, keep func(db.Reseller) bool) []int64 {
	var ids []int64
	for key, r := range all {
		id, ok := db.ParseKey(key)
		if !ok || !keep(r) {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (b *Bot) handleResellers(ctx context.Context, ev Event, _ *Session) error {
	all, err := b.Ledger.All()
	if err != nil {
		return err
	}
	ids := sortedResellers(all, func(r db.Reseller) bool { return r.Status != db.ResellerNone })
	if len(ids) == 0 {
		b.reply(ctx, ev.ChatID, "No resellers yet.", nil)
		return nil
	}
	var rows [][]chat.Button
	for _, id := range ids {
		r := all[db.Key(id)]
		label := fmt.Sprintf("%d @%s · %s · $%s", id, r.TelegramUsername, r.Status, r.Debt.StringFixed(2))
		rows = append(rows, chat.Row(chat.Data(label, fmt.Sprintf("adm:rs:view:%d", id))))
	}
	b.reply(ctx, ev.ChatID, "💼 Resellers", chat.Inline(rows...))
	return nil
}

func (b *Bot) handlePendingResellers(ctx context.Context, ev Event, _ *Session) error {
	all, err := b.Ledger.All()
	if err != nil {
		return err
	}
	ids := sortedResellers(all, func(r db.Reseller) bool { return r.Status == db.ResellerPending })
	if len(ids) == 0 {
		b.reply(ctx, ev.ChatID, "No pending requests.", nil)
		return nil
	}
	for _, id := range ids {
		r := all[db.Key(id)]
		b.reply(ctx, ev.ChatID, fmt.Sprintf("📝 Request from %d (@%s), %s", id, r.TelegramUsername, r.CreatedAt.Format("2006-01-02")),
			chat.Inline(chat.Row(
				chat.Data("✅ Approve", fmt.Sprintf("adm:rs:approved:%d", id)),
				chat.Data("❌ Reject", fmt.Sprintf("adm:rs:rejected:%d", id)),
			)))
	}
	return nil
}

// handleResellerAction serves adm:rs:<action>:<id>.
func (b *Bot) handleResellerAction(ctx context.Context, ev Event, _ *Session) error {
	parts := strings.Split(strings.TrimPrefix(ev.Data, "adm:rs:"), ":")
	if len(parts) != 2 {
		return fmt.Errorf("%w: reseller action %q", errs.ErrUserInput, ev.Data)
	}
	action := parts[0]
	id, err := strconv.ParseInt(parts[1], 10, 64)
	if err != nil {
		return fmt.Errorf("%w: reseller id %q", errs.ErrUserInput, parts[1])
	}

	switch action {
	case "view":
		return b.showReseller(ctx, ev.ChatID, id)
	case "setdebt":
		sess := b.sessions.Start(ev.ChatID, StateAdminSetDebt)
		sess.Slots["reseller"] = parts[1]
		b.reply(ctx, ev.ChatID, fmt.Sprintf("Send the new debt of reseller %d in USD.", id), nil)
		return nil
	}

	status, ok := statusActions[action]
	if !ok {
		return fmt.Errorf("%w: reseller action %q", errs.ErrUserInput, action)
	}
	r, err := b.Ledger.SetStatus(id, status)
	if errors.Is(err, ledger.ErrTransition) || errors.Is(err, ledger.ErrNotReseller) {
		b.reply(ctx, ev.ChatID, fmt.Sprintf("Cannot change reseller %d: %v", id, err), nil)
		return nil
	}
	if err != nil {
		return err
	}
	logger.LogAdminAction(b.Log, ev.UserID, "reseller_status", fmt.Sprintf("%d -> %s", id, status))
	b.reply(ctx, ev.ChatID, fmt.Sprintf("Reseller %d is now %s.", id, r.Status), nil)
	lang := b.lang(id, "")
	b.reply(ctx, id, i18n.T(lang, "reseller.status", r.Status), nil)
	return nil
}

func (b *Bot) showReseller(ctx context.Context, chatID, id int64) error {
	r, ok, err := b.Ledger.Get(id)
	if err != nil {
		return err
	}
	if !ok {
		b.reply(ctx, chatID, fmt.Sprintf("Reseller %d not found.", id), nil)
		return nil
	}
	st, err := b.Ledger.Stats(id)
	if err != nil {
		return err
	}
	text := fmt.Sprintf("💼 Reseller %d (@%s)\nStatus: %s\nDebt: $%s (%s)\nConfigs: %d, total $%s, paid $%s",
		id, r.TelegramUsername, r.Status, r.Debt.StringFixed(2), b.Ledger.State(r),
		st.TotalConfigs, st.TotalValue.StringFixed(2), st.TotalPaid.StringFixed(2))
	if r.DebtSince != nil {
		text += "\nIn debt since: " + r.DebtSince.Format("2006-01-02")
	}
	var row []chat.Button
	for _, action := range []string{"approved", "suspended", "banned"} {
		if ledger.CanTransition(r.Status, statusActions[action]) {
			row = append(row, chat.Data(action, fmt.Sprintf("adm:rs:%s:%d", action, id)))
		}
	}
	markup := chat.Inline(row, chat.Row(chat.Data("✏️ Set debt", fmt.Sprintf("adm:rs:setdebt:%d", id))))
	b.reply(ctx, chatID, text, markup)
	return nil
}

func (b *Bot) handleSetDebt(ctx context.Context, ev Event, sess *Session) error {
	id, err := strconv.ParseInt(sess.Slots["reseller"], 10, 64)
	if err != nil {
		b.sessions.End(ev.ChatID)
		return fmt.Errorf("%w: reseller id %q", errs.ErrUserInput, sess.Slots["reseller"])
	}
	debt, err := decimal.NewFromString(strings.ReplaceAll(ev.Text, ",", "."))
	if err != nil || debt.IsNegative() || debt.GreaterThan(ledger.MaxDebt) {
		b.reply(ctx, ev.ChatID, fmt.Sprintf("Enter an amount between 0 and %s.", ledger.MaxDebt.String()), nil)
		return nil
	}
	ch, err := b.Ledger.SetDebt(id, debt)
	if err != nil {
		return err
	}
	b.sessions.End(ev.ChatID)
	logger.LogAdminAction(b.Log, ev.UserID, "set_debt", fmt.Sprintf("%d: %s -> %s", id, ch.OldDebt.StringFixed(2), ch.NewDebt.StringFixed(2)))
	b.reply(ctx, ev.ChatID, fmt.Sprintf("Debt of reseller %d: $%s -> $%s (%s).", id,
		ch.OldDebt.StringFixed(2), ch.NewDebt.StringFixed(2), ch.NewState), nil)
	return nil
}

func (b *Bot) handlePayments(ctx context.Context, ev Event, _ *Session) error {
	all, err := b.Store.Payments.Load()
	if err != nil {
		return err
	}
	list := make([]db.Payment, 0, len(all))
	for _, p := range all {
		list = append(list, p)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].CreatedAt.After(list[j].CreatedAt) })
	if len(list) > RecentPayments {
		list = list[:RecentPayments]
	}
	if len(list) == 0 {
		b.reply(ctx, ev.ChatID, "No payments yet.", nil)
		return nil
	}
	var sb strings.Builder
	sb.WriteString("💳 Recent payments\n")
	for _, p := range list {
		what := fmt.Sprintf("%d GB", p.PlanGB)
		if p.Type == db.TypeSettlement {
			what = "settlement"
		}
		fmt.Fprintf(&sb, "\n%s %d %s $%s %s %s", p.CreatedAt.Format("01-02 15:04"), p.UserID, what,
			p.Price.StringFixed(2), p.Method, p.Status)
		if p.Username != "" {
			fmt.Fprintf(&sb, " → %s", p.Username)
		}
	}
	b.reply(ctx, ev.ChatID, sb.String(), nil)
	return nil
}

// handleCardDecision serves adm:pay:approve:<id> and adm:pay:reject:<id>.
func (b *Bot) handleCardDecision(ctx context.Context, ev Event, _ *Session) error {
	parts := strings.SplitN(strings.TrimPrefix(ev.Data, "adm:pay:"), ":", 2)
	if len(parts) != 2 {
		return fmt.Errorf("%w: card decision %q", errs.ErrUserInput, ev.Data)
	}
	id := parts[1]
	var err error
	switch parts[0] {
	case "approve":
		err = b.Coordinator.ApproveCard(ctx, ev.UserID, id)
	case "reject":
		err = b.Coordinator.RejectCard(ctx, ev.UserID, id)
	default:
		return fmt.Errorf("%w: card decision %q", errs.ErrUserInput, ev.Data)
	}
	if errors.Is(err, purchase.ErrPaymentClosed) || errors.Is(err, errs.ErrNotFound) {
		b.reply(ctx, ev.ChatID, fmt.Sprintf("Payment %s was already handled.", id), nil)
		return nil
	}
	if err != nil {
		return err
	}
	logger.LogAdminAction(b.Log, ev.UserID, "card_"+parts[0], id)
	verb := "approved"
	if parts[0] == "reject" {
		verb = "rejected"
	}
	b.reply(ctx, ev.ChatID, fmt.Sprintf("Payment %s %s.", id, verb), nil)
	return nil
}

func (b *Bot) handleTrialReset(ctx context.Context, ev Event, _ *Session) error {
	b.sessions.Start(ev.ChatID, StateAdminTrial)
	b.reply(ctx, ev.ChatID, "Send the Telegram id whose free trial should be reset.", nil)
	return nil
}

func (b *Bot) handleTrialResetID(ctx context.Context, ev Event, _ *Session) error {
	id, err := strconv.ParseInt(strings.TrimSpace(ev.Text), 10, 64)
	if err != nil {
		b.reply(ctx, ev.ChatID, "Send a numeric Telegram id.", nil)
		return nil
	}
	b.sessions.End(ev.ChatID)
	err = b.Coordinator.ResetTrial(id)
	if errors.Is(err, errs.ErrNotFound) {
		b.reply(ctx, ev.ChatID, fmt.Sprintf("User %d has not used a trial.", id), nil)
		return nil
	}
	if err != nil {
		return err
	}
	logger.LogAdminAction(b.Log, ev.UserID, "trial_reset", strconv.FormatInt(id, 10))
	b.reply(ctx, ev.ChatID, fmt.Sprintf("Trial of user %d reset.", id), nil)
	return nil
}

func (b *Bot) handleBroadcastMenu(ctx context.Context, ev Event, _ *Session) error {
	var rows [][]chat.Button
	for _, t := range broadcast.Targets() {
		rows = append(rows, chat.Row(chat.Data(strings.ReplaceAll(string(t), "_", " "), "adm:bc:"+string(t))))
	}
	b.reply(ctx, ev.ChatID, "📢 Choose the audience:", chat.Inline(rows...))
	return nil
}

func (b *Bot) handleBroadcastTarget(ctx context.Context, ev Event, _ *Session) error {
	target, ok := broadcast.ParseTarget(strings.TrimPrefix(ev.Data, "adm:bc:"))
	if !ok {
		return fmt.Errorf("%w: broadcast target %q", errs.ErrUserInput, ev.Data)
	}
	ids, excluded, err := b.Broadcast.Audience(ctx, target)
	if err != nil {
		return err
	}
	sess := b.sessions.Start(ev.ChatID, StateAdminBroadcast)
	sess.Slots["target"] = string(target)
	b.reply(ctx, ev.ChatID, fmt.Sprintf("Audience %s: %d recipients, %d excluded.\nSend the message text, or /cancel.",
		target, len(ids), len(excluded)), nil)
	return nil
}

// handleBroadcastText starts the broadcast in the background; the engine reports progress to the admin.
func (b *Bot) handleBroadcastText(ctx context.Context, ev Event, sess *Session) error {
	if ev.Text == "" {
		b.reply(ctx, ev.ChatID, "Send the message as text.", nil)
		return nil
	}
	target := broadcast.Target(sess.Slots["target"])
	b.sessions.End(ev.ChatID)
	logger.LogAdminAction(b.Log, ev.UserID, "broadcast", string(target))

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer b.Notifier.NotifyOnPanic("broadcast")
		rep, err := b.Broadcast.Send(ctx, ev.UserID, target, ev.Text)
		if err != nil {
			b.Log.Error("broadcast failed", zap.String("target", string(target)), zap.Error(err))
			b.reply(context.WithoutCancel(ctx), ev.ChatID, "Broadcast failed: "+err.Error(), nil)
			return
		}
		if rep.Total() == 0 {
			b.reply(ctx, ev.ChatID, "Nobody to send to.", nil)
		}
	}()
	return nil
}

func (b *Bot) handleExclusions(ctx context.Context, ev Event, _ *Session) error {
	excluded, err := b.Broadcast.Exclusions()
	if err != nil {
		return err
	}
	text := fmt.Sprintf("🚫 %d chats are excluded from broadcasts after failed deliveries.", len(excluded))
	var markup *chat.Markup
	if len(excluded) > 0 {
		shown := excluded
		if len(shown) > maxListed {
			shown = shown[:maxListed]
		}
		text += "\n\n" + strings.Join(shown, ", ")
		markup = chat.Inline(chat.Row(chat.Data("♻️ Reset", "adm:exclusions:reset")))
	}
	b.reply(ctx, ev.ChatID, text, markup)
	return nil
}

func (b *Bot) handleExclusionsReset(ctx context.Context, ev Event, _ *Session) error {
	n, err := b.Broadcast.ResetExclusions()
	if err != nil {
		return err
	}
	logger.LogAdminAction(b.Log, ev.UserID, "broadcast_exclusions_reset", strconv.Itoa(n))
	b.reply(ctx, ev.ChatID, fmt.Sprintf("Exclusion list cleared (%d chats).", n), nil)
	return nil
}

func (b *Bot) handleBackup(ctx context.Context, ev Event, _ *Session) error {
	path, err := b.Backups.Create(ctx)
	if err != nil {
		return fmt.Errorf("create backup: %w", err)
	}
	logger.LogAdminAction(b.Log, ev.UserID, "backup", path)
	return b.Backups.Send(ctx, path, ev.ChatID)
}
