package api

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/umc/internal/acl"
	"grimm.is/umc/internal/audit"
	"grimm.is/umc/internal/auth"
	"grimm.is/umc/internal/brand"
	"grimm.is/umc/internal/clock"
	"grimm.is/umc/internal/config"
	"grimm.is/umc/internal/directory"
	"grimm.is/umc/internal/dispatch"
	"grimm.is/umc/internal/i18n"
	"grimm.is/umc/internal/logging"
	"grimm.is/umc/internal/module"
	"grimm.is/umc/internal/session"
	"grimm.is/umc/internal/status"
	"grimm.is/umc/internal/worker"
)

const sessionTimeout = 10 * time.Minute

const testCatalog = `
categories:
  - {id: system, name: System, priority: 10}
  - {id: tools, name: Tools}
modules:
  - id: sysinfo
    name: System information
    categories: [system]
    commands:
      sysinfo/get: get
      sysinfo/load: load
  - id: echo
    name: Echo
    categories: [tools]
    flavors:
      - {id: plain, name: Plain}
      - {id: loud, name: Loud}
    commands:
      echo/run: run
      echo/raw: raw
      echo/fail: fail
      echo/broken: ""
rules:
  - groups: ["Domain Admins"]
    command: "*"
  - users: [bob]
    command: "sysinfo/get"
  - users: [bob]
    command: "echo/*"
    flavor: plain
    options:
      mode: "safe*"
  - groups: ["Domain Admins"]
    command: "echo/raw"
    flavor: loud
    deny: true
`

type testEnv struct {
	server   *Server
	handler  http.Handler
	clock    *clock.MockClock
	sessions *session.Store
	pool     *worker.Pool
	dir      *directory.Store
	audit    *audit.Store
	spawns   atomic.Int32
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	logger := logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard})
	clk := clock.NewMockClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	env := &testEnv{clock: clk}

	dir, err := directory.Open(":memory:", clk)
	require.NoError(t, err)
	t.Cleanup(func() { dir.Close() })
	ctx := t.Context()
	require.NoError(t, dir.AddUser(ctx, "alice", "Corr3ct-Horse-Battery", []string{"Domain Admins"}))
	require.NoError(t, dir.AddUser(ctx, "bob", "Bobs-Secret-Pass-42", nil))
	env.dir = dir

	env.audit, err = audit.Open(":memory:", clk, 0)
	require.NoError(t, err)
	t.Cleanup(func() { env.audit.Close() })

	catalog, err := acl.ParseCatalog([]byte(testCatalog))
	require.NoError(t, err)

	socketDir, err := os.MkdirTemp("", "umc-api-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(socketDir) })

	env.pool = worker.NewPool(worker.Options{
		Spawner: worker.InProcessSpawner{NewHandler: func(req worker.SpawnRequest) (http.Handler, error) {
			m, ok := module.Lookup(req.Module)
			if !ok {
				return nil, os.ErrNotExist
			}
			env.spawns.Add(1)
			return module.NewServer(req.Module, m, logger), nil
		}},
		SocketDir:   socketDir,
		Interval:    5 * time.Millisecond,
		MaxAttempts: 50,
		Logger:      logger,
	})
	t.Cleanup(env.pool.Close)

	env.sessions = session.NewStore(clk, sessionTimeout, logger)
	env.sessions.OnExpire(func(s *session.Session) { env.pool.KillSession(s.ID()) })

	authn := auth.New(auth.Options{
		Verifier: dir,
		Sessions: env.sessions,
		Tokens:   session.NewMemoryTokens(clk),
		SSOTTL:   time.Minute,
		Logger:   logger,
	})

	cfg := config.Default()
	cfg.Upload.TempDir = t.TempDir()
	cfg.Upload.MinFreeKB = 0
	cfg.Hosts = []string{"master.example.test", "backup.example.test"}
	cfg.Exposed = map[string]string{
		"domainname":     "example.test",
		"ldap/base":      "dc=example,dc=test",
		"ldap/master":    "master.example.test",
		"umc/web/piwik":  "false",
		"secret/ignored": "x",
	}

	srv, err := NewServer(ServerOptions{
		Config:        cfg,
		Sessions:      env.sessions,
		Authenticator: authn,
		Catalog:       catalog,
		Router:        dispatch.NewRouter(env.pool, logger),
		Preferences:   dir,
		Audit:         env.audit,
		Clock:         clk,
		Logger:        logger,
	})
	require.NoError(t, err)
	env.server = srv
	env.handler = srv.Handler()
	return env
}

func (e *testEnv) do(req *http.Request, cookies []*http.Cookie) *httptest.ResponseRecorder {
	for _, ck := range cookies {
		req.AddCookie(ck)
	}
	rr := httptest.NewRecorder()
	e.handler.ServeHTTP(rr, req)
	return rr
}

func (e *testEnv) postJSON(path, body string, cookies []*http.Cookie) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return e.do(req, cookies)
}

// login authenticates username and returns the session cookie and the SSO token.
func (e *testEnv) login(t *testing.T, username, password string) ([]*http.Cookie, string) {
	t.Helper()
	rr := e.postJSON("/auth", `{"options":{"username":"`+username+`","password":"`+password+`"}}`, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	env := decodeEnvelope(t, rr)
	var result struct {
		Username string `json:"username"`
		SSO      string `json:"sso"`
	}
	require.NoError(t, json.Unmarshal(env.Result, &result))
	assert.Equal(t, username, result.Username)
	return []*http.Cookie{sessionCookie(t, rr)}, result.SSO
}

type rawEnvelope struct {
	Status  int             `json:"status"`
	Message any             `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func decodeEnvelope(t *testing.T, rr *httptest.ResponseRecorder) rawEnvelope {
	t.Helper()
	var env rawEnvelope
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &env), rr.Body.String())
	return env
}

func sessionCookie(t *testing.T, rr *httptest.ResponseRecorder) *http.Cookie {
	t.Helper()
	for _, ck := range rr.Result().Cookies() {
		if ck.Name == brand.CookieSession {
			return ck
		}
	}
	t.Fatalf("no %s cookie in response", brand.CookieSession)
	return nil
}

func TestCommand_RequiresAuthentication(t *testing.T) {
	env := newTestEnv(t)

	rr := env.postJSON("/command/sysinfo/get", `{"options":{}}`, nil)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Equal(t, "application/json", rr.Header().Get("Content-Type"))
	assert.Equal(t, `"Unauthorized"`, rr.Header().Get("X-UMC-Message"))
	assert.JSONEq(t, `{"status":401,"message":"Unauthorized","result":null}`, rr.Body.String())
	assert.NotEmpty(t, sessionCookie(t, rr).Value)
	assert.Zero(t, env.spawns.Load())
}

func TestCommand_AfterLogin(t *testing.T) {
	env := newTestEnv(t)
	cookies, sso := env.login(t, "alice", "Corr3ct-Horse-Battery")
	assert.NotEmpty(t, sso)

	rr := env.postJSON("/command/echo/run", `{"options":{"answer":42,"list":["a","b"]},"flavor":"plain"}`, cookies)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	env2 := decodeEnvelope(t, rr)
	assert.Equal(t, 200, env2.Status)
	assert.JSONEq(t, `{"answer":42,"list":["a","b"]}`, string(env2.Result))

	// Same session and module reuse the process.
	rr = env.postJSON("/command/echo/run", `{"options":{}}`, cookies)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, int32(1), env.spawns.Load())
	assert.Equal(t, 1, env.pool.Len())
}

func TestCommand_BasicAuthInline(t *testing.T) {
	env := newTestEnv(t)

	req := httptest.NewRequest(http.MethodPost, "/command/sysinfo/get", strings.NewReader(`{"options":{}}`))
	req.Header.Set("Content-Type", "application/json")
	req.SetBasicAuth("bob", "Bobs-Secret-Pass-42")
	rr := env.do(req, nil)

	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	var info map[string]any
	require.NoError(t, json.Unmarshal(decodeEnvelope(t, rr).Result, &info))
	assert.Contains(t, info, "hostname")
}

func TestCommand_RoutingFailures(t *testing.T) {
	env := newTestEnv(t)
	bob, _ := env.login(t, "bob", "Bobs-Secret-Pass-42")
	alice, _ := env.login(t, "alice", "Corr3ct-Horse-Battery")

	tests := []struct {
		name    string
		cookies []*http.Cookie
		path    string
		body    string
		status  int
	}{
		{"no module provides command", alice, "/command/nothing/here", `{"options":{}}`, 403},
		{"command not granted", bob, "/command/sysinfo/load", `{"options":{}}`, 403},
		{"option constraint violated", bob, "/command/echo/run", `{"options":{"mode":"unsafe"},"flavor":"plain"}`, 403},
		{"flavor not granted", bob, "/command/echo/run", `{"options":{"mode":"safe"},"flavor":"loud"}`, 403},
		{"denied for flavor", alice, "/command/echo/raw", `{"options":{},"flavor":"loud"}`, 403},
		{"module has no method", alice, "/command/echo/broken", `{"options":{}}`, 404},
		{"empty command", alice, "/command/", `{"options":{}}`, 404},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := env.postJSON(tt.path, tt.body, tt.cookies)
			assert.Equal(t, tt.status, rr.Code, rr.Body.String())
			assert.Equal(t, tt.status, decodeEnvelope(t, rr).Status)
		})
	}
	assert.Zero(t, env.spawns.Load(), "rejected commands must not spawn module processes")

	rr := env.postJSON("/command/echo/run", `{"options":{"mode":"safe-mode"},"flavor":"plain"}`, bob)
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
}

func TestCommand_RawResponseStreamed(t *testing.T) {
	env := newTestEnv(t)
	cookies, _ := env.login(t, "alice", "Corr3ct-Horse-Battery")

	rr := env.postJSON("/command/echo/raw", `{"options":{"k":"v"}}`, cookies)

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rr.Header().Get("Content-Type"))
	assert.Equal(t, "{\n  \"k\": \"v\"\n}", rr.Body.String())
}

func TestCommand_ModuleErrorStatus(t *testing.T) {
	env := newTestEnv(t)
	cookies, _ := env.login(t, "alice", "Corr3ct-Horse-Battery")

	rr := env.postJSON("/command/echo/fail", `{"options":{"reason":"disk full"}}`, cookies)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, 400, decodeEnvelope(t, rr).Status)

	// Module codes above 599 are carried in the envelope only.
	rr = env.postJSON("/command/echo/fail", `{"options":{"reason":"panic"}}`, cookies)
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	env2 := decodeEnvelope(t, rr)
	assert.Equal(t, 591, env2.Status)
	assert.Contains(t, env2.Message, "echo/fail")
}

func sessionCookieValue(cookies []*http.Cookie) string {
	for _, ck := range cookies {
		if ck.Name == brand.CookieSession {
			return ck.Value
		}
	}
	return ""
}

func TestSessionExpiry_KillsModuleProcesses(t *testing.T) {
	env := newTestEnv(t)
	cookies, _ := env.login(t, "alice", "Corr3ct-Horse-Battery")

	require.Equal(t, http.StatusOK, env.postJSON("/command/echo/run", `{"options":{}}`, cookies).Code)
	require.Equal(t, http.StatusOK, env.postJSON("/command/sysinfo/get", `{"options":{}}`, cookies).Code)
	handles := env.pool.Handles(sessionCookieValue(cookies))
	require.Len(t, handles, 2)

	env.clock.Advance(sessionTimeout + time.Second)

	assert.Zero(t, env.pool.Len())
	assert.Zero(t, env.sessions.Len())
	for _, h := range handles {
		assert.Equal(t, worker.Failed, h.State())
	}

	rr := env.postJSON("/command/echo/run", `{"options":{}}`, cookies)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestSessionActivity_PostponesExpiry(t *testing.T) {
	env := newTestEnv(t)
	cookies, _ := env.login(t, "alice", "Corr3ct-Horse-Battery")

	for i := 0; i < 3; i++ {
		env.clock.Advance(sessionTimeout - time.Minute)
		rr := env.postJSON("/command/echo/run", `{"options":{}}`, cookies)
		require.Equal(t, http.StatusOK, rr.Code, "request %d", i)
	}
	assert.Equal(t, 1, env.sessions.Len())
}

func TestAuth_Failures(t *testing.T) {
	env := newTestEnv(t)

	rr := env.postJSON("/auth", `{"options":{"username":"alice","password":"wrong"}}`, nil)
	assert.Equal(t, 411, rr.Code)
	assert.Equal(t, 411, decodeEnvelope(t, rr).Status)

	rr = env.postJSON("/auth", `{"options":{}}`, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuth_ExpiredPassword(t *testing.T) {
	env := newTestEnv(t)
	require.NoError(t, env.dir.ExpirePassword(t.Context(), "bob", env.clock.Now().Add(-time.Hour)))

	rr := env.postJSON("/auth", `{"options":{"username":"bob","password":"Bobs-Secret-Pass-42"}}`, nil)
	assert.Equal(t, 413, rr.Code)

	rr = env.postJSON("/auth", `{"options":{"username":"bob","password":"Bobs-Secret-Pass-42","new_password":"short"}}`, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)

	rr = env.postJSON("/auth", `{"options":{"username":"bob","password":"Bobs-Secret-Pass-42","new_password":"Fresh-Password-Value-7"}}`, nil)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	env.login(t, "bob", "Fresh-Password-Value-7")
}

func TestAuth_RateLimited(t *testing.T) {
	env := newTestEnv(t)

	for i := 0; i < authAttemptsPerWindow; i++ {
		rr := env.postJSON("/auth", `{"options":{"username":"alice","password":"nope"}}`, nil)
		require.Equal(t, 411, rr.Code, "attempt %d", i)
	}
	rr := env.postJSON("/auth", `{"options":{"username":"alice","password":"Corr3ct-Horse-Battery"}}`, nil)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code)

	env.clock.Advance(authWindow + time.Second)
	env.login(t, "alice", "Corr3ct-Horse-Battery")
}

func TestSSO(t *testing.T) {
	env := newTestEnv(t)
	cookies, token := env.login(t, "alice", "Corr3ct-Horse-Battery")

	rr := env.do(httptest.NewRequest(http.MethodGet, "/sso?loginToken="+token+"&lang=de&username=x", nil), nil)
	require.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, brand.ConsolePath+"?lang=de", rr.Header().Get("Location"))
	assert.Equal(t, sessionCookieValue(cookies), sessionCookie(t, rr).Value)

	t.Run("token is single use", func(t *testing.T) {
		rr := env.do(httptest.NewRequest(http.MethodGet, "/sso?loginToken="+token, nil), nil)
		assert.Equal(t, http.StatusSeeOther, rr.Code)
		assert.Equal(t, brand.ConsolePath, rr.Header().Get("Location"))
		assert.Empty(t, rr.Result().Cookies())
	})
}

func TestLogout(t *testing.T) {
	env := newTestEnv(t)
	cookies, _ := env.login(t, "alice", "Corr3ct-Horse-Battery")
	require.Equal(t, http.StatusOK, env.postJSON("/command/echo/run", `{"options":{}}`, cookies).Code)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/logout?location=https://evil.example/", nil), cookies)

	assert.Equal(t, http.StatusSeeOther, rr.Code)
	assert.Equal(t, brand.ConsolePath, rr.Header().Get("Location"))
	assert.Equal(t, -1, sessionCookie(t, rr).MaxAge)
	assert.Zero(t, env.sessions.Len())
	assert.Zero(t, env.pool.Len())
}

func multipartUpload(t *testing.T, path string, files map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for name, content := range files {
		fw, err := mw.CreateFormFile("uploadedfile", name)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func TestUpload(t *testing.T) {
	env := newTestEnv(t)
	cookies, _ := env.login(t, "alice", "Corr3ct-Horse-Battery")

	t.Run("json", func(t *testing.T) {
		rr := env.do(multipartUpload(t, "/upload", map[string]string{"hello.txt": "hello world"}), cookies)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		var files []map[string]string
		require.NoError(t, json.Unmarshal(decodeEnvelope(t, rr).Result, &files))
		require.Len(t, files, 1)
		assert.Equal(t, "hello.txt", files[0]["filename"])
		assert.Equal(t, "uploadedfile", files[0]["name"])
		assert.Equal(t, base64.StdEncoding.EncodeToString([]byte("hello world")), files[0]["content"])
	})

	t.Run("iframe", func(t *testing.T) {
		rr := env.do(multipartUpload(t, "/upload?iframe=true", map[string]string{"a.txt": "<b>"}), cookies)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "text/html; charset=UTF-8", rr.Header().Get("Content-Type"))
		body := rr.Body.String()
		assert.True(t, strings.HasPrefix(body, "<html><body><textarea>"), body)
		assert.True(t, strings.HasSuffix(body, "</textarea></body></html>"), body)
		assert.Contains(t, body, "&#34;status&#34;:200")
	})

	t.Run("temp files removed", func(t *testing.T) {
		entries, err := os.ReadDir(env.server.Config.Upload.TempDir)
		require.NoError(t, err)
		assert.Empty(t, entries)
	})

	t.Run("multipart outside upload", func(t *testing.T) {
		rr := env.do(multipartUpload(t, "/command/echo/run", map[string]string{"a.txt": "x"}), cookies)
		assert.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
	})
}

func TestResources(t *testing.T) {
	env := newTestEnv(t)
	bob, _ := env.login(t, "bob", "Bobs-Secret-Pass-42")

	t.Run("modules filtered by acl", func(t *testing.T) {
		rr := env.postJSON("/get/modules", `{"options":{}}`, bob)
		require.Equal(t, http.StatusOK, rr.Code)
		var result struct {
			Categories []acl.Category `json:"categories"`
			Modules    []acl.Module   `json:"modules"`
		}
		require.NoError(t, json.Unmarshal(decodeEnvelope(t, rr).Result, &result))
		require.Len(t, result.Modules, 2)
		for _, m := range result.Modules {
			if m.ID == "echo" {
				require.Len(t, m.Flavors, 1)
				assert.Equal(t, "plain", m.Flavors[0].ID)
			}
		}
		require.Len(t, result.Categories, 2)
		assert.Equal(t, "system", result.Categories[0].ID)
	})

	t.Run("hosts", func(t *testing.T) {
		rr := env.postJSON("/get/hosts", `{"options":{}}`, bob)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `["master.example.test","backup.example.test"]`, string(decodeEnvelope(t, rr).Result))
	})

	t.Run("ucr", func(t *testing.T) {
		rr := env.postJSON("/get/ucr", `{"options":["domainname","ldap/*","missing"]}`, bob)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{
			"domainname": "example.test",
			"ldap/base": "dc=example,dc=test",
			"ldap/master": "master.example.test",
			"missing": null
		}`, string(decodeEnvelope(t, rr).Result))

		rr = env.postJSON("/get/ucr", `{"options":{"not":"a list"}}`, bob)
		assert.Equal(t, 407, rr.Code)
	})

	t.Run("preferences", func(t *testing.T) {
		rr := env.postJSON("/set/user", `{"options":{"user":{"preferences":{"theme":"dark","favorites":["sysinfo"]}}}}`, bob)
		require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

		rr = env.postJSON("/get/user/preferences", `{"options":{}}`, bob)
		require.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"preferences":{"theme":"dark","favorites":"[\"sysinfo\"]"}}`, string(decodeEnvelope(t, rr).Result))

		rr = env.postJSON("/set", `{"options":{"user":{"preferences":"nope"}}}`, bob)
		assert.Equal(t, 407, rr.Code)
	})

	t.Run("unknown resource", func(t *testing.T) {
		rr := env.postJSON("/get/nothing", `{"options":{}}`, bob)
		assert.Equal(t, http.StatusNotFound, rr.Code)
		assert.Equal(t, "Not found", decodeEnvelope(t, rr).Message)
	})
}

func TestSetLocale(t *testing.T) {
	env := newTestEnv(t)
	cookies, _ := env.login(t, "alice", "Corr3ct-Horse-Battery")

	rr := env.postJSON("/set/locale", `{"options":{"locale":"xx_XX"}}`, cookies)
	assert.Equal(t, 414, rr.Code)

	rr = env.postJSON("/set", `{"options":{"locale":"de_DE.UTF-8"}}`, cookies)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Equal(t, "Sprache geändert", decodeEnvelope(t, rr).Message)

	rr = env.postJSON("/get/nothing", `{"options":{}}`, cookies)
	assert.Equal(t, "Nicht gefunden", decodeEnvelope(t, rr).Message)
}

func TestMalformedPayload(t *testing.T) {
	env := newTestEnv(t)

	rr := env.postJSON("/auth", `{"options":`, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
	assert.Equal(t, "Invalid JSON document.", decodeEnvelope(t, rr).Message)

	req := httptest.NewRequest(http.MethodPost, "/auth", strings.NewReader("<xml/>"))
	req.Header.Set("Content-Type", "application/xml")
	rr = env.do(req, nil)
	assert.Equal(t, http.StatusUnsupportedMediaType, rr.Code)
}

func TestServerHeader(t *testing.T) {
	env := newTestEnv(t)
	rr := env.do(httptest.NewRequest(http.MethodGet, "/", nil), nil)
	assert.Equal(t, brand.ServerBanner(), rr.Header().Get("Server"))
	assert.NotEmpty(t, rr.Header().Get("X-Request-Id"))
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestAuditTrail(t *testing.T) {
	env := newTestEnv(t)
	ctx := t.Context()

	rr := env.postJSON("/auth", `{"options":{"username":"alice","password":"wrong"}}`, nil)
	require.Equal(t, 411, rr.Code)
	cookies, token := env.login(t, "alice", "Corr3ct-Horse-Battery")
	env.do(httptest.NewRequest(http.MethodGet, "/sso?loginToken="+token, nil), nil)
	env.do(httptest.NewRequest(http.MethodGet, "/logout", nil), cookies)

	events, err := env.audit.Query(ctx, audit.Filter{Username: "alice"})
	require.NoError(t, err)
	var actions []string
	for _, e := range events {
		actions = append(actions, e.Action)
	}
	assert.ElementsMatch(t, []string{
		audit.ActionLoginFailed,
		audit.ActionLogin,
		audit.ActionSSO,
		audit.ActionLogout,
	}, actions)

	failed, err := env.audit.Query(ctx, audit.Filter{Action: audit.ActionLoginFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, 411, failed[0].Status)
	assert.Equal(t, "192.0.2.1", failed[0].ClientIP)
}

func TestClientIP(t *testing.T) {
	tests := []struct {
		name   string
		remote string
		xff    []string
		want   string
	}{
		{"direct", "198.51.100.7:4000", nil, "198.51.100.7"},
		{"forwarded by local proxy", "127.0.0.1:5000", []string{"10.0.0.1, 203.0.113.9"}, "203.0.113.9"},
		{"last header wins", "[::1]:5000", []string{"10.0.0.1", "203.0.113.10"}, "203.0.113.10"},
		{"remote proxies are not trusted", "198.51.100.7:4000", []string{"203.0.113.9"}, "198.51.100.7"},
		{"garbage forwarded value", "127.0.0.1:5000", []string{"unknown"}, "127.0.0.1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RemoteAddr = tt.remote
			for _, v := range tt.xff {
				r.Header.Add("X-Forwarded-For", v)
			}
			assert.Equal(t, tt.want, clientIP(r))
		})
	}
}

func TestRedirectTarget(t *testing.T) {
	const fallback = "/univention-management-console/"
	assert.Equal(t, "/portal/", redirectTarget("/portal/", fallback))
	assert.Equal(t, fallback, redirectTarget("", fallback))
	assert.Equal(t, fallback, redirectTarget("https://evil.example/", fallback))
	assert.Equal(t, fallback, redirectTarget("//evil.example/", fallback))
	assert.Equal(t, fallback, redirectTarget(`/\evil.example`, fallback))
}

func TestProbes(t *testing.T) {
	env := newTestEnv(t)

	rr := env.do(httptest.NewRequest(http.MethodGet, "/livez", nil), nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	rr = env.do(httptest.NewRequest(http.MethodGet, "/readyz", nil), nil)
	assert.Equal(t, "READY", rr.Body.String())

	rr = env.do(httptest.NewRequest(http.MethodGet, "/metrics", nil), nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "umc_")
}

func TestHTTPSCertificate(t *testing.T) {
	env := newTestEnv(t)
	certDir := t.TempDir()

	cfg := *env.server.Config
	cfg.Server.HTTPSListen = "127.0.0.1:0"
	cfg.Server.CertFile = filepath.Join(certDir, "server.crt")
	cfg.Server.KeyFile = filepath.Join(certDir, "server.key")

	srv, err := NewServer(ServerOptions{
		Config:        &cfg,
		Sessions:      env.sessions,
		Authenticator: env.server.auth,
		Catalog:       env.server.catalog,
		Router:        env.server.router,
		Clock:         env.clock,
	})
	require.NoError(t, err)
	assert.FileExists(t, cfg.Server.CertFile)
	require.NoError(t, srv.ReloadCertificate())

	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	var report struct {
		Checks map[string]struct {
			Status string `json:"status"`
		} `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &report))
	assert.Equal(t, "healthy", report.Checks["tls_certificate"].Status)

	// Without an HTTPS listener there is nothing to reload.
	assert.NoError(t, env.server.ReloadCertificate())
}

func TestFailureStatus(t *testing.T) {
	p := i18n.NewPrinter(i18n.DefaultLang)
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not authenticated", auth.ErrNotAuthenticated, status.BadRequestUnauth},
		{"session expired", session.ErrExpired, status.BadRequestUnauth},
		{"other user", session.ErrAlreadyAuthenticated, status.BadRequest},
		{"auth failed", auth.Failed("nope"), status.BadRequestAuthFailed},
		{"unknown", errors.New("boom"), status.ServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, msg := failure(p, tt.err)
			assert.Equal(t, tt.want, code)
			assert.NotEmpty(t, msg)
		})
	}
}
