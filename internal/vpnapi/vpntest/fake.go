// Package vpntest is an in-memory stand-in for the VPN admin API client.
package vpntest

import (
	"VPN-Reseller-bot/internal/errs"
	"VPN-Reseller-bot/internal/vpnapi"
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Fake implements the vpnapi.Client method set over a map.
type Fake struct {
	mu    sync.Mutex
	users map[string]vpnapi.User

	AddCalls  []vpnapi.AddUserRequest
	EditCalls map[string][]vpnapi.Patch
	KickCalls [][]string

	// AddErrs are returned, in order, by the next AddUser calls.
	AddErrs []error
	// URIErr is returned by GetUserURI when set.
	URIErr error
	// ListErr is returned by ListUsers when set.
	ListErr error
	// SubBase is the prefix of generated subscription links.
	SubBase string
	// NamesDelay stalls Usernames, widening the window between listing and creating.
	NamesDelay time.Duration
}

func New(users ...vpnapi.User) *Fake {
	f := &Fake{users: make(map[string]vpnapi.User), EditCalls: make(map[string][]vpnapi.Patch), SubBase: "https://sub.example/"}
	for _, u := range users {
		f.users[strings.ToLower(u.Username)] = u
	}
	return f
}

func (f *Fake) ListUsers(context.Context) ([]vpnapi.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}
	out := make([]vpnapi.User, 0, len(f.users))
	for _, u := range f.users {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

func (f *Fake) Usernames(ctx context.Context) ([]string, error) {
	if f.NamesDelay > 0 {
		time.Sleep(f.NamesDelay)
	}
	users, err := f.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(users))
	for _, u := range users {
		names = append(names, u.Username)
	}
	return names, nil
}

func (f *Fake) GetUser(_ context.Context, username string) (vpnapi.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[strings.ToLower(username)]
	if !ok {
		return vpnapi.User{}, fmt.Errorf("%w: %w: %s", errs.ErrNotFound, errs.ErrPermanent, username)
	}
	return u, nil
}

func (f *Fake) AddUser(_ context.Context, req vpnapi.AddUserRequest) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.AddCalls = append(f.AddCalls, req)
	if len(f.AddErrs) > 0 {
		err := f.AddErrs[0]
		f.AddErrs = f.AddErrs[1:]
		if err != nil {
			return err
		}
	}
	key := strings.ToLower(req.Username)
	if _, ok := f.users[key]; ok {
		return fmt.Errorf("%w: user %s already exists", errs.ErrConflict, req.Username)
	}
	f.users[key] = vpnapi.User{
		Username:            req.Username,
		Password:            req.Password,
		MaxDownloadBytes:    int64(req.TrafficLimitGB) << 30,
		ExpirationDays:      req.ExpirationDays,
		AccountCreationDate: req.CreationDate,
		UnlimitedIP:         req.Unlimited,
		Note:                req.Note,
	}
	return nil
}

func (f *Fake) EditUser(_ context.Context, username string, patch vpnapi.Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.ToLower(username)
	u, ok := f.users[key]
	if !ok {
		return fmt.Errorf("%w: %w: %s", errs.ErrNotFound, errs.ErrPermanent, username)
	}
	f.EditCalls[username] = append(f.EditCalls[username], patch)
	if patch.Blocked != nil {
		u.Blocked = *patch.Blocked
	}
	if patch.NewTrafficLimit != nil {
		u.MaxDownloadBytes = int64(*patch.NewTrafficLimit) << 30
	}
	if patch.NewExpirationDays != nil {
		u.ExpirationDays = *patch.NewExpirationDays
	}
	if patch.UnlimitedIP != nil {
		u.UnlimitedIP = *patch.UnlimitedIP
	}
	if patch.Note != nil {
		u.Note = *patch.Note
	}
	f.users[key] = u
	return nil
}

func (f *Fake) ResetUser(_ context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.ToLower(username)
	u, ok := f.users[key]
	if !ok {
		return fmt.Errorf("%w: %w: %s", errs.ErrNotFound, errs.ErrPermanent, username)
	}
	u.UploadBytes, u.DownloadBytes = 0, 0
	u.AccountCreationDate = time.Now().Format("2006-01-02")
	u.Blocked = false
	f.users[key] = u
	return nil
}

func (f *Fake) DeleteUser(_ context.Context, username string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := strings.ToLower(username)
	if _, ok := f.users[key]; !ok {
		return fmt.Errorf("%w: %w: %s", errs.ErrNotFound, errs.ErrPermanent, username)
	}
	delete(f.users, key)
	return nil
}

func (f *Fake) GetUserURI(_ context.Context, username string) (vpnapi.URI, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.URIErr != nil {
		return vpnapi.URI{}, f.URIErr
	}
	if _, ok := f.users[strings.ToLower(username)]; !ok {
		return vpnapi.URI{}, fmt.Errorf("%w: %w: %s", errs.ErrNotFound, errs.ErrPermanent, username)
	}
	return vpnapi.URI{
		Username:  username,
		IPv4:      "hy2://" + username + "@1.2.3.4:443",
		NormalSub: f.SubBase + username,
	}, nil
}

func (f *Fake) Kick(_ context.Context, usernames []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := make([]string, len(usernames))
	copy(batch, usernames)
	f.KickCalls = append(f.KickCalls, batch)
	return nil
}

// Put inserts or replaces a user.
func (f *Fake) Put(u vpnapi.User) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users[strings.ToLower(u.Username)] = u
}

// User returns the stored user.
func (f *Fake) User(username string) (vpnapi.User, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	u, ok := f.users[strings.ToLower(username)]
	return u, ok
}

// AddCount is the number of AddUser calls so far.
func (f *Fake) AddCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.AddCalls)
}

// Kicks returns a copy of the kick batches.
func (f *Fake) Kicks() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]string, len(f.KickCalls))
	copy(out, f.KickCalls)
	return out
}
