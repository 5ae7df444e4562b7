package vpnapi

import (
	"VPN-Reseller-bot/internal/errs"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return New(srv.URL, "tok", zap.NewNop())
}

func TestListUsersShapes(t *testing.T) {
	tests := []struct {
		desc string
		body string
	}{
		{"list", `[{"username":"s2","max_download_bytes":10},{"username":"s1","blocked":true,"unlimited_user":true}]`},
		{"object", `{"s2":{"max_download_bytes":10},"s1":{"blocked":true,"unlimited_user":true}}`},
	}
	for _, tt := range tests {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, "/api/v1/users/", r.URL.Path)
			assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
			io.WriteString(w, tt.body)
		})
		users, err := c.ListUsers(context.Background())
		require.NoError(t, err, tt.desc)
		require.Len(t, users, 2, tt.desc)
		assert.Equal(t, "s1", users[0].Username, tt.desc)
		assert.True(t, users[0].Blocked, tt.desc)
		assert.True(t, users[0].UnlimitedIP, tt.desc)
		assert.Equal(t, int64(10), users[1].MaxDownloadBytes, tt.desc)
	}
}

func TestAddUserRetriesWithoutNote(t *testing.T) {
	var calls int32
	var lastBody map[string]any
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&lastBody))
		if _, ok := lastBody["note"]; ok {
			w.WriteHeader(http.StatusUnprocessableEntity)
			io.WriteString(w, `{"detail":"extra field not permitted: note"}`)
			return
		}
		w.WriteHeader(http.StatusOK)
	})

	err := c.AddUser(context.Background(), AddUserRequest{Username: "s42", TrafficLimitGB: 30, ExpirationDays: 30, Note: "250101000000 purchase"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
	assert.Equal(t, "s42", lastBody["username"])
	assert.EqualValues(t, 30, lastBody["traffic_limit"])
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		desc   string
		status int
		body   string
		want   error
	}{
		{"server error", http.StatusBadGateway, "bad gateway", errs.ErrTransient},
		{"rate limited", http.StatusTooManyRequests, "", errs.ErrTransient},
		{"missing", http.StatusNotFound, "no such user", errs.ErrNotFound},
		{"missing is permanent", http.StatusNotFound, "no such user", errs.ErrPermanent},
		{"conflict", http.StatusConflict, "", errs.ErrConflict},
		{"exists text", http.StatusBadRequest, "User already exists", errs.ErrConflict},
		{"validation", http.StatusBadRequest, "invalid username", errs.ErrPermanent},
	}
	for _, tt := range tests {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
			io.WriteString(w, tt.body)
		})
		err := c.AddUser(context.Background(), AddUserRequest{Username: "s1"})
		assert.ErrorIs(t, err, tt.want, tt.desc)
	}
}

func TestTimeoutIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()
	c := New(srv.URL, "tok", zap.NewNop(), WithHTTPClient(&http.Client{Timeout: 20 * time.Millisecond}))
	_, err := c.GetUser(context.Background(), "s1")
	assert.ErrorIs(t, err, errs.ErrTransient)
}

func TestResetUserAndKick(t *testing.T) {
	resets := 0
	var kicked struct {
		Usernames []string `json:"usernames"`
	}
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/v1/users/s7/reset":
			resets++
		case r.Method == http.MethodPost && r.URL.Path == "/api/v1/users/kick":
			require.NoError(t, json.NewDecoder(r.Body).Decode(&kicked))
		default:
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
	})
	require.NoError(t, c.ResetUser(context.Background(), "s7"))
	assert.Equal(t, 1, resets)

	require.NoError(t, c.Kick(context.Background(), []string{"s7", "s8"}))
	assert.Equal(t, []string{"s7", "s8"}, kicked.Usernames)
	require.NoError(t, c.Kick(context.Background(), nil))
}

func TestGetUserURI(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/s42/uri"))
		io.WriteString(w, `{"username":"s42","ipv4":"hy2://a","nodes":[{"name":"de","uri":"hy2://b"}],"normal_sub":"https://sub/s42"}`)
	})
	uri, err := c.GetUserURI(context.Background(), "s42")
	require.NoError(t, err)
	assert.Equal(t, "https://sub/s42", uri.Best())
	assert.Len(t, uri.Nodes, 1)

	uri.NormalSub = ""
	assert.Equal(t, "hy2://a", uri.Best())
}

func TestUserDates(t *testing.T) {
	u := User{AccountCreationDate: "2024-01-01", ExpirationDays: 30}
	exp, ok := u.ExpiresAt()
	require.True(t, ok)
	assert.Equal(t, time.Date(2024, 1, 31, 0, 0, 0, 0, time.UTC), exp)

	_, ok = User{ExpirationDays: 30}.ExpiresAt()
	assert.False(t, ok)
	_, ok = User{AccountCreationDate: "2024-01-01"}.ExpiresAt()
	assert.False(t, ok)
}
