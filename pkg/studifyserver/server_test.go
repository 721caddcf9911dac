package studifyserver

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm/logger"

	"github.com/studify-ai/studify/pkg/db"
	"github.com/studify-ai/studify/pkg/db/models"
	"github.com/studify-ai/studify/pkg/gateway"
	"github.com/studify-ai/studify/pkg/history"
	"github.com/studify-ai/studify/pkg/identity"
	"github.com/studify-ai/studify/pkg/relay"
	"github.com/studify-ai/studify/pkg/sessionlock"
)

type testEnv struct {
	server   *httptest.Server
	store    history.Store
	identity *identity.Service
	dbc      *db.DB
}

func newTestEnv(t *testing.T, staticDir string, deltas ...string) *testEnv {
	t.Helper()

	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		for _, d := range deltas {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	t.Cleanup(provider.Close)

	dbc, err := db.New(filepath.Join(t.TempDir(), "studify.db"), logger.Silent)
	require.NoError(t, err)
	require.NoError(t, dbc.UpdateSchema())
	t.Cleanup(func() { _ = dbc.Close() })

	ids, err := identity.New(dbc, identity.Config{Secret: []byte("test"), BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)

	store := history.NewDBStore(dbc)
	gw := gateway.New(gateway.Config{
		Store:    store,
		Identity: ids,
		Relay:    relay.New(relay.Config{URL: provider.URL, APIKey: "k"}),
		Locker:   sessionlock.NewLocal(time.Second),
	})

	srv := httptest.NewServer(NewServer(":0", dbc, store, ids, gw, staticDir).Handler())
	t.Cleanup(srv.Close)

	return &testEnv{server: srv, store: store, identity: ids, dbc: dbc}
}

func (e *testEnv) do(t *testing.T, method, path, token, contentType, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, e.server.URL+path, strings.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func (e *testEnv) login(t *testing.T) string {
	t.Helper()
	resp := e.do(t, http.MethodPost, "/register", "", "application/json",
		`{"email":"ada@example.com","password":"hunter2","preferences":{"edu_level":"student","ui_lang":"en"}}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	form := url.Values{"username": {"ada@example.com"}, "password": {"hunter2"}}
	resp = e.do(t, http.MethodPost, "/token", "", "application/x-www-form-urlencoded", form.Encode())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var token TokenResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&token))
	assert.Equal(t, "bearer", token.TokenType)
	return token.AccessToken
}

func decode(t *testing.T, resp *http.Response) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestAccounts(t *testing.T) {
	env := newTestEnv(t, "")
	token := env.login(t)

	resp := env.do(t, http.MethodGet, "/users/me", token, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me UserResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&me))
	assert.Equal(t, "ada@example.com", me.Email)
	assert.NotZero(t, me.UserID)
	assert.Equal(t, map[string]string{"edu_level": "student", "ui_lang": "en"}, me.Preferences)

	resp = env.do(t, http.MethodPost, "/register", "", "application/json", `{"email":"ada@example.com","password":"x"}`)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, identity.ErrEmailTaken.Error(), decode(t, resp)["detail"])

	form := url.Values{"username": {"ada@example.com"}, "password": {"wrong"}}
	resp = env.do(t, http.MethodPost, "/token", "", "application/x-www-form-urlencoded", form.Encode())
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = env.do(t, http.MethodGet, "/users/me", "garbage", "", "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChatUnauthorized(t *testing.T) {
	env := newTestEnv(t, "", "never")

	for name, token := range map[string]string{"missing": "", "invalid": "not-a-token"} {
		t.Run(name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/chat", token, "application/json", `{"message":"hi","session":"s1"}`)
			assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
			assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))
			assert.Equal(t, "Bearer", resp.Header.Get("WWW-Authenticate"))
		})
	}

	var count int64
	require.NoError(t, env.dbc.DB.Model(&models.ChatTurn{}).Count(&count).Error)
	assert.Zero(t, count)
}

func TestChatStreamsAndStoresTurns(t *testing.T) {
	env := newTestEnv(t, "", "Hel", "lo")
	token := env.login(t)

	resp := env.do(t, http.MethodPost, "/api/chat", token, "application/json",
		`{"message":"hi","model_type":"notes","session_id":"1700000000"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	assert.NotEmpty(t, resp.Header.Get("X-Request-Id"))

	assert.Equal(t, "data: {\"text\":\"Hel\"}\n\ndata: {\"text\":\"lo\"}\n\ndata: [DONE]\n\n", readAll(t, resp))

	resp = env.do(t, http.MethodGet, "/api/chat/sessions/1700000000/turns?limit=10", token, "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var turns []models.ChatTurn
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&turns))
	require.Len(t, turns, 2)
	assert.Equal(t, "hi", turns[0].Content)
	assert.Equal(t, models.RoleAssistant, turns[1].Role)
	assert.Equal(t, "Hello", turns[1].Content)
}

func TestChatBadRequests(t *testing.T) {
	env := newTestEnv(t, "", "x")
	token := env.login(t)

	tests := map[string]string{
		"invalid json":     `{"message":`,
		"missing session":  `{"message":"hi"}`,
		"nothing to send":  `{"session":"s1"}`,
		"image null empty": `{"session":"s1","image":null}`,
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			resp := env.do(t, http.MethodPost, "/api/chat", token, "application/json", body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
			assert.NotEmpty(t, decode(t, resp)["detail"])
		})
	}
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t, "")
	resp := env.do(t, http.MethodGet, "/api/health", "", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", decode(t, resp)["status"])
}

func TestStaticFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "index.html"), []byte("<html>studify</html>"), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "script.js"), []byte("console.log(1)"), 0o600))
	env := newTestEnv(t, dir)

	resp := env.do(t, http.MethodGet, "/", "", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, readAll(t, resp), "studify")

	resp = env.do(t, http.MethodGet, "/static/script.js", "", "", "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "console.log(1)", readAll(t, resp))
}

func TestPruneAllSessions(t *testing.T) {
	env := newTestEnv(t, "")
	ctx := context.Background()
	for _, session := range []string{"a", "b"} {
		for i := 0; i < 5; i++ {
			_, err := env.store.Append(ctx, 1, session, models.RoleUser, fmt.Sprintf("%s%d", session, i))
			require.NoError(t, err)
		}
	}

	removed, err := PruneAllSessions(ctx, env.store, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(6), removed)

	turns, err := env.store.Window(ctx, 1, "b", 10)
	require.NoError(t, err)
	require.Len(t, turns, 2)
	assert.Equal(t, "b4", turns[1].Content)
}

func TestRetentionProcessStopsOnCancel(t *testing.T) {
	env := newTestEnv(t, "")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		NewRetentionProcess(env.store, 1, time.Hour).Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("retention process did not stop")
	}
}

func readAll(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(b)
}
