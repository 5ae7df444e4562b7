package bot

import (
	"VPN-Reseller-bot/internal/chat"
	"VPN-Reseller-bot/internal/db"
	"VPN-Reseller-bot/internal/i18n"
	"strconv"

	"github.com/shopspring/decimal"
)

// MainMenu is the reply keyboard every user sees. Admins get the admin panel button.
func MainMenu(lang string, isAdmin bool) *chat.Markup {
	rows := [][]string{
		{i18n.Button(lang, "buy"), i18n.Button(lang, "configs")},
		{i18n.Button(lang, "trial"), i18n.Button(lang, "referral")},
		{i18n.Button(lang, "reseller"), i18n.Button(lang, "language")},
	}
	if isAdmin {
		rows = append(rows, []string{i18n.Button(lang, "admin")})
	}
	return &chat.Markup{Reply: rows}
}

func cancelRow(lang string) []chat.Button {
	return chat.Row(chat.Data(i18n.T(lang, "inline.cancel"), "cancel"))
}

// PlanKeyboard lists the plans with one callback per plan. price maps the list price
// to the price shown.
func PlanKeyboard(lang, prefix string, plans []db.PlanEntry, price func(decimal.Decimal) decimal.Decimal) *chat.Markup {
	rows := make([][]chat.Button, 0, len(plans)+1)
	for _, p := range plans {
		key := "plans.item"
		if p.Unlimited {
			key = "plans.unlimited"
		}
		label := i18n.T(lang, key, p.GB, p.Days, price(p.Price).StringFixed(2))
		rows = append(rows, chat.Row(chat.Data(label, prefix+strconv.Itoa(p.GB))))
	}
	rows = append(rows, cancelRow(lang))
	return chat.Inline(rows...)
}

func confirmKeyboard(lang, data string) *chat.Markup {
	return chat.Inline(
		chat.Row(chat.Data(i18n.T(lang, "inline.confirm"), data)),
		cancelRow(lang),
	)
}

func methodKeyboard(lang, prefix string, crypto, card bool) *chat.Markup {
	var rows [][]chat.Button
	if crypto {
		rows = append(rows, chat.Row(chat.Data(i18n.T(lang, "inline.crypto"), prefix+"crypto")))
	}
	if card {
		rows = append(rows, chat.Row(chat.Data(i18n.T(lang, "inline.card"), prefix+"card")))
	}
	rows = append(rows, cancelRow(lang))
	return chat.Inline(rows...)
}

func languageKeyboard() *chat.Markup {
	names := map[string]string{"en": "🇬🇧 English", "ru": "🇷🇺 Русский"}
	var row []chat.Button
	for _, l := range i18n.Languages() {
		label, ok := names[l]
		if !ok {
			label = l
		}
		row = append(row, chat.Data(label, "lang:"+l))
	}
	return chat.Inline(row)
}

func resellerKeyboard(lang string) *chat.Markup {
	return chat.Inline(
		chat.Row(chat.Data(i18n.T(lang, "reseller.gen"), "rs:gen")),
		chat.Row(chat.Data(i18n.T(lang, "reseller.debt_btn"), "rs:debt"), chat.Data(i18n.T(lang, "reseller.stats_btn"), "rs:stats")),
		chat.Row(chat.Data(i18n.T(lang, "reseller.settle_btn"), "rs:settle")),
	)
}

func adminKeyboard() *chat.Markup {
	return chat.Inline(
		chat.Row(chat.Data("📊 Stats", "adm:stats"), chat.Data("🖥 Nodes", "adm:nodes")),
		chat.Row(chat.Data("💼 Resellers", "adm:resellers"), chat.Data("📝 Requests", "adm:pending")),
		chat.Row(chat.Data("💳 Payments", "adm:payments"), chat.Data("🎁 Reset trial", "adm:trial")),
		chat.Row(chat.Data("📢 Broadcast", "adm:broadcast"), chat.Data("🚫 Exclusions", "adm:exclusions")),
		chat.Row(chat.Data("🗄 Backup", "adm:backup")),
	)
}
