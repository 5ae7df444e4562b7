package ledger

import (
	"VPN-Reseller-bot/internal/db"
	"VPN-Reseller-bot/internal/errs"
	"crypto/rand"
	"fmt"
	"math/big"
	"regexp"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

var codeRe = regexp.MustCompile(`^[A-Za-z0-9]{8}$`)

// ValidCode reports whether s looks like a referral code.
func ValidCode(s string) bool {
	return codeRe.MatchString(s)
}

func randomCode() (string, error) {
	b := make([]byte, 8)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b[i] = codeAlphabet[n.Int64()]
	}
	return string(b), nil
}

func normalizeReferrals(r *db.Referrals) {
	if r.Referrals == nil {
		r.Referrals = map[string]int64{}
	}
	if r.Stats == nil {
		r.Stats = map[string]db.ReferralStats{}
	}
	if r.Codes == nil {
		r.Codes = map[string]int64{}
	}
	if r.UserCodes == nil {
		r.UserCodes = map[string]string{}
	}
	if r.Rewarded == nil {
		r.Rewarded = map[string]bool{}
	}
}

// ReferralCode returns the user's code, creating a unique one on first use.
func (l *Ledger) ReferralCode(userID int64) (string, error) {
	var code string
	err := l.referrals.Mutate(func(r *db.Referrals) error {
		normalizeReferrals(r)
		if c, ok := r.UserCodes[db.Key(userID)]; ok {
			code = c
			return db.ErrSkipWrite
		}
		for {
			c, err := randomCode()
			if err != nil {
				return err
			}
			if _, taken := r.Codes[c]; !taken {
				code = c
				break
			}
		}
		r.Codes[code] = userID
		r.UserCodes[db.Key(userID)] = code
		return nil
	})
	return code, err
}

// RegisterReferral links newUser to the owner of code. The first referrer wins.
func (l *Ledger) RegisterReferral(newUser int64, code string) (int64, error) {
	if !ValidCode(code) {
		return 0, fmt.Errorf("%w: invalid referral code", errs.ErrUserInput)
	}
	var referrer int64
	err := l.referrals.Mutate(func(r *db.Referrals) error {
		normalizeReferrals(r)
		owner, ok := r.Codes[code]
		if !ok {
			return fmt.Errorf("%w: unknown referral code", errs.ErrUserInput)
		}
		if owner == newUser {
			return fmt.Errorf("%w: self referral", errs.ErrUserInput)
		}
		if existing, ok := r.Referrals[db.Key(newUser)]; ok {
			referrer = existing
			return db.ErrSkipWrite
		}
		r.Referrals[db.Key(newUser)] = owner
		st := r.Stats[db.Key(owner)]
		st.Count++
		r.Stats[db.Key(owner)] = st
		referrer = owner
		return nil
	})
	return referrer, err
}

// Reward is what AccrueReferral credited.
type Reward struct {
	Referrer int64
	Amount   decimal.Decimal
}

// AccrueReferral credits the buyer's referrer once per payment id.
// ok is false when the buyer has no referrer or the payment was already rewarded.
func (l *Ledger) AccrueReferral(buyer int64, price decimal.Decimal, paymentID string) (Reward, bool, error) {
	pct := l.opts.ReferralPercent
	if pct <= 0 || !price.IsPositive() {
		return Reward{}, false, nil
	}
	amount := price.Mul(decimal.NewFromInt(int64(pct))).Div(decimal.NewFromInt(100)).Round(2)
	var out Reward
	applied := false
	err := l.referrals.Mutate(func(r *db.Referrals) error {
		normalizeReferrals(r)
		referrer, ok := r.Referrals[db.Key(buyer)]
		if !ok || referrer == buyer || r.Rewarded[paymentID] {
			return db.ErrSkipWrite
		}
		st := r.Stats[db.Key(referrer)]
		st.TotalEarnings = st.TotalEarnings.Add(amount)
		st.AvailableBalance = st.AvailableBalance.Add(amount)
		r.Stats[db.Key(referrer)] = st
		r.Rewarded[paymentID] = true
		out = Reward{Referrer: referrer, Amount: amount}
		applied = true
		return nil
	})
	if err != nil {
		return Reward{}, false, err
	}
	if applied {
		l.log.Info("referral reward accrued",
			zap.Int64("referrer_id", out.Referrer), zap.Int64("buyer_id", buyer),
			zap.String("payment_id", paymentID), zap.String("amount", out.Amount.StringFixed(2)))
	}
	return out, applied, nil
}

// ReferralStats returns the user's referral counters; zero values when none.
func (l *Ledger) ReferralStats(userID int64) (db.ReferralStats, error) {
	r, err := l.referrals.Load()
	if err != nil {
		return db.ReferralStats{}, err
	}
	return r.Stats[db.Key(userID)], nil
}

// Referrer returns who invited the user.
func (l *Ledger) Referrer(userID int64) (int64, bool, error) {
	r, err := l.referrals.Load()
	if err != nil {
		return 0, false, err
	}
	id, ok := r.Referrals[db.Key(userID)]
	return id, ok, nil
}
