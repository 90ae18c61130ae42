package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/dkeye/Conference/internal/app/registry"
	"github.com/dkeye/Conference/internal/app/session"
	"github.com/dkeye/Conference/internal/domain"
	"github.com/dkeye/Conference/internal/proto"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeController struct {
	mu    sync.Mutex
	err   error
	calls []string
	snap  session.Snapshot
	perms domain.Permissions
}

func (f *fakeController) record(call string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, call)
	return f.err
}

func (f *fakeController) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeController) Snapshot() session.Snapshot { return f.snap }
func (f *fakeController) Accept(_ context.Context, pid domain.ParticipantID) error {
	return f.record("accept " + string(pid))
}
func (f *fakeController) Deny(_ context.Context, pid domain.ParticipantID) error {
	return f.record("deny " + string(pid))
}
func (f *fakeController) SetPermissions(_ context.Context, pid domain.ParticipantID, p domain.Permissions) error {
	f.mu.Lock()
	f.perms = p
	f.mu.Unlock()
	return f.record("permissions " + string(pid))
}
func (f *fakeController) Mute(tag domain.MediaTag) error   { return f.record("mute " + string(tag)) }
func (f *fakeController) Unmute(tag domain.MediaTag) error { return f.record("unmute " + string(tag)) }
func (f *fakeController) StartScreenShare(context.Context) error {
	return f.record("screen start")
}
func (f *fakeController) StopScreenShare(context.Context) error { return f.record("screen stop") }
func (f *fakeController) Focus(pid domain.ParticipantID) error {
	return f.record("focus " + string(pid))
}
func (f *fakeController) Leave(context.Context) { _ = f.record("leave") }

func newServer(t *testing.T, cfg Config, ctrl Controller, feed *Feed) (*httptest.Server, *http.Client) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	cfg.Secret = "test-secret"
	srv := httptest.NewServer(SetupRouter(context.Background(), cfg, ctrl, feed))
	t.Cleanup(srv.Close)
	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	return srv, &http.Client{Jar: jar, Timeout: 5 * time.Second}
}

func do(t *testing.T, client *http.Client, method, url, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	out := map[string]any{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func TestSnapshotAndToken(t *testing.T) {
	ctrl := &fakeController{snap: session.Snapshot{ID: "s1", State: "active", Room: "r1"}}
	srv, client := newServer(t, Config{}, ctrl, nil)

	resp, body := do(t, client, http.MethodGet, srv.URL+"/api/session", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "r1", body["room"])
	assert.Equal(t, "active", body["state"])

	var names []string
	for _, c := range resp.Cookies() {
		names = append(names, c.Name)
	}
	assert.Contains(t, names, "ConferenceControl")
}

func TestActions(t *testing.T) {
	ctrl := &fakeController{snap: session.Snapshot{Room: "r1"}}
	srv, client := newServer(t, Config{}, ctrl, nil)

	cases := []struct {
		method, path, body string
		call               string
	}{
		{http.MethodPost, "/api/requests/p2/accept", "", "accept p2"},
		{http.MethodPost, "/api/requests/p3/deny", "", "deny p3"},
		{http.MethodPut, "/api/participants/p2/permissions", `{"chat":true,"screenShare":false}`, "permissions p2"},
		{http.MethodPost, "/api/participants/p2/focus", "", "focus p2"},
		{http.MethodPost, "/api/media/mic/mute", "", "mute mic"},
		{http.MethodPost, "/api/media/cam/unmute", "", "unmute cam"},
		{http.MethodPost, "/api/screen", "", "screen start"},
		{http.MethodDelete, "/api/screen", "", "screen stop"},
	}
	for _, tc := range cases {
		t.Run(tc.call, func(t *testing.T) {
			resp, body := do(t, client, tc.method, srv.URL+tc.path, tc.body)
			assert.Equal(t, http.StatusOK, resp.StatusCode)
			assert.Equal(t, "r1", body["room"])
			assert.Contains(t, ctrl.Calls(), tc.call)
		})
	}
	assert.Equal(t, domain.Permissions{Chat: true}, ctrl.perms)

	resp, _ := do(t, client, http.MethodPost, srv.URL+"/api/leave", "")
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Contains(t, ctrl.Calls(), "leave")
}

func TestErrorMapping(t *testing.T) {
	cases := []struct {
		err  error
		code int
	}{
		{session.ErrNotOwner, http.StatusForbidden},
		{session.ErrUnknownRequest, http.StatusNotFound},
		{session.ErrNotActive, http.StatusConflict},
		{registry.ErrInvalidTag, http.StatusBadRequest},
		{fmt.Errorf("approve: %w", &proto.RemoteError{Method: proto.MethodApproveJoin, Message: "gone"}), http.StatusBadGateway},
		{fmt.Errorf("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.err.Error(), func(t *testing.T) {
			ctrl := &fakeController{err: tc.err}
			srv, client := newServer(t, Config{}, ctrl, nil)
			resp, body := do(t, client, http.MethodPost, srv.URL+"/api/requests/p2/accept", "")
			assert.Equal(t, tc.code, resp.StatusCode)
			assert.Equal(t, tc.err.Error(), body["error"])
		})
	}
}

func TestBadPermissionsBody(t *testing.T) {
	ctrl := &fakeController{}
	srv, client := newServer(t, Config{}, ctrl, nil)
	resp, _ := do(t, client, http.MethodPut, srv.URL+"/api/participants/p2/permissions", `{"chat":`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Empty(t, ctrl.Calls())
}

func TestRateLimitPerClient(t *testing.T) {
	ctrl := &fakeController{}
	srv, client := newServer(t, Config{RateLimit: 2, RateEvery: time.Minute}, ctrl, nil)

	for range 2 {
		resp, _ := do(t, client, http.MethodPost, srv.URL+"/api/media/mic/mute", "")
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}
	resp, _ := do(t, client, http.MethodPost, srv.URL+"/api/media/mic/mute", "")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	resp, _ = do(t, client, http.MethodGet, srv.URL+"/api/session", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode, "reads are not limited")

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	other := &http.Client{Jar: jar, Timeout: 5 * time.Second}
	resp, _ = do(t, other, http.MethodPost, srv.URL+"/api/media/mic/mute", "")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(2, time.Second)
	now := time.Unix(100, 0)
	rl.now = func() time.Time { return now }

	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))

	now = now.Add(1500 * time.Millisecond)
	assert.True(t, rl.Allow("a"))

	assert.True(t, NewRateLimiter(0, time.Second).Allow("a"))
}

func TestFeed(t *testing.T) {
	feed := NewFeed()
	t.Cleanup(feed.Close)
	feed.Publish(session.Snapshot{State: "connecting"})

	srv, _ := newServer(t, Config{}, &fakeController{}, feed)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/feed"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer ws.Close()

	read := func() session.Snapshot {
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
		var sn session.Snapshot
		require.NoError(t, ws.ReadJSON(&sn))
		return sn
	}
	assert.Equal(t, "connecting", read().State)

	require.Eventually(t, func() bool { return feed.Watchers() == 1 }, time.Second, 5*time.Millisecond)
	feed.Publish(session.Snapshot{State: "active"})
	assert.Equal(t, "active", read().State)

	require.NoError(t, ws.Close())
	require.Eventually(t, func() bool { return feed.Watchers() == 0 }, time.Second, 5*time.Millisecond)
}
