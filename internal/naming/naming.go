// Package naming mints and parses subscriber usernames.
//
// New names are <prefix><chatID><suffix>, where prefix is s, r or t and suffix
// counts a, b, ..., z, aa, ... to avoid collisions. Legacy shapes
// ({id}t{ts}, sell{id}t{ts}, test{id}t{ts}) are parsed but never minted.
package naming

import (
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"
)

// Role prefixes.
const (
	PrefixPurchase = "s"
	PrefixReseller = "r"
	PrefixTest     = "t"
)

// MaxNoteLen is the note cap in code points.
const MaxNoteLen = 200

// Kind classifies who a username belongs to.
type Kind int

const (
	KindUnknown Kind = iota
	KindPaid
	KindReseller
	KindTest
)

func (k Kind) String() string {
	switch k {
	case KindPaid:
		return "paid"
	case KindReseller:
		return "reseller"
	case KindTest:
		return "test"
	}
	return "unknown"
}

var usernameRe = regexp.MustCompile(`^[A-Za-z0-9]{1,32}$`)

// ValidUsername checks the subscriber username shape.
func ValidUsername(s string) bool {
	return usernameRe.MatchString(s)
}

// AlphaSuffix maps 0 to "", 1 to "a", 26 to "z", 27 to "aa".
func AlphaSuffix(index int) string {
	if index <= 0 {
		return ""
	}
	var chars []byte
	for v := index; v > 0; {
		v--
		chars = append(chars, byte('a'+v%26))
		v /= 26
	}
	for i, j := 0, len(chars)-1; i < j; i, j = i+1, j-1 {
		chars[i], chars[j] = chars[j], chars[i]
	}
	return string(chars)
}

// Allocate returns the first free <prefix><chatID><suffix> not present in existing.
// Comparison is case-insensitive.
func Allocate(prefix string, chatID int64, existing []string) string {
	taken := make(map[string]struct{}, len(existing))
	for _, name := range existing {
		taken[strings.ToLower(name)] = struct{}{}
	}
	base := strings.ToLower(prefix) + strconv.FormatInt(chatID, 10)
	for i := 0; ; i++ {
		candidate := base + AlphaSuffix(i)
		if _, ok := taken[candidate]; !ok {
			return candidate
		}
	}
}

type ownerPattern struct {
	re   *regexp.Regexp
	kind Kind
}

var ownerPatterns = []ownerPattern{
	{regexp.MustCompile(`^s(\d+)[a-z]*$`), KindPaid},
	{regexp.MustCompile(`^r(\d+)[a-z]*$`), KindReseller},
	{regexp.MustCompile(`^t(\d+)(?:[a-z]*|t\d+)$`), KindTest},
	{regexp.MustCompile(`^sell(\d+)t`), KindPaid},
	{regexp.MustCompile(`^test(\d+)t`), KindTest},
	{regexp.MustCompile(`^(\d+)t`), KindPaid},
}

// Owner extracts the owning chat id and the account kind from a username.
func Owner(username string) (int64, Kind, bool) {
	name := strings.ToLower(username)
	for _, p := range ownerPatterns {
		m := p.re.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		id, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return 0, KindUnknown, false
		}
		return id, p.kind, true
	}
	return 0, KindUnknown, false
}

// PaidOwner returns the chat id of a paid account (new or legacy shape).
func PaidOwner(username string) (int64, bool) {
	id, kind, ok := Owner(username)
	if !ok || kind != KindPaid {
		return 0, false
	}
	return id, true
}

// Note builds the single-line annotation stored on the subscriber.
func Note(at time.Time, text string) string {
	text = strings.Join(strings.Fields(text), " ")
	note := at.Format("060102150405")
	if text != "" {
		note += " " + text
	}
	return TruncateNote(note)
}

// TruncateNote caps s at MaxNoteLen code points.
func TruncateNote(s string) string {
	if utf8.RuneCountInString(s) <= MaxNoteLen {
		return s
	}
	r := []rune(s)
	return string(r[:MaxNoteLen])
}
