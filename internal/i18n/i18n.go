// Package i18n is the message catalog of the bot.
package i18n

import (
	"fmt"
	"sort"
	"strings"
)

const (
	EN      = "en"
	RU      = "ru"
	Default = EN
)

var catalogs = map[string]map[string]string{
	EN: en,
	RU: ru,
}

// Languages lists the supported language codes.
func Languages() []string {
	out := make([]string, 0, len(catalogs))
	for k := range catalogs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Supported reports whether lang has a catalog.
func Supported(lang string) bool {
	_, ok := catalogs[lang]
	return ok
}

// Normalize maps a Telegram language code ("ru-RU", "en") to a supported one.
func Normalize(code string) string {
	code = strings.ToLower(code)
	if i := strings.IndexAny(code, "-_"); i > 0 {
		code = code[:i]
	}
	if Supported(code) {
		return code
	}
	return Default
}

// T returns the message for key in lang, falling back to English and then to the key itself.
func T(lang, key string, args ...any) string {
	msg, ok := catalogs[lang][key]
	if !ok {
		msg, ok = en[key]
	}
	if !ok {
		return key
	}
	if len(args) == 0 {
		return msg
	}
	return fmt.Sprintf(msg, args...)
}

// Button is the label of a reply keyboard button.
func Button(lang, key string) string {
	return T(lang, "btn."+key)
}

// ButtonKey finds which button a text belongs to, in any language.
func ButtonKey(text string) (string, bool) {
	text = strings.TrimSpace(text)
	for _, cat := range catalogs {
		for k, v := range cat {
			if strings.HasPrefix(k, "btn.") && v == text {
				return strings.TrimPrefix(k, "btn."), true
			}
		}
	}
	return "", false
}
