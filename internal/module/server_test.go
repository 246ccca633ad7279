package module

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/umc/internal/logging"
)

const allowAll = `[{"command":"*"}]`

func testLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Output: io.Discard})
}

func newEchoServer(t *testing.T) *Server {
	t.Helper()
	m, ok := Lookup("echo")
	require.True(t, ok)
	return NewServer("echo", m, testLogger())
}

func call(srv http.Handler, path, method, body string, hdr map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-UMC-Method", method)
	req.Header.Set("X-UMC-Acls", allowAll)
	req.SetBasicAuth("alice", "secret")
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	srv.ServeHTTP(rec, req)
	return rec
}

func umcMessage(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var msg string
	require.NoError(t, json.Unmarshal([]byte(rec.Header().Get("X-UMC-Message")), &msg))
	return msg
}

func TestServer_Run(t *testing.T) {
	rec := call(newEchoServer(t), "/command/echo/run", "run", `{"a":1,"b":["x"]}`, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	assert.JSONEq(t, `{"a":1,"b":["x"]}`, rec.Body.String())
	assert.Equal(t, "", umcMessage(t, rec))
}

func TestServer_Raw(t *testing.T) {
	rec := call(newEchoServer(t), "/upload/echo/raw", "raw", `{"a":1}`, nil)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "{\n  \"a\": 1\n}", rec.Body.String())
}

func TestServer_UnknownMethod(t *testing.T) {
	rec := call(newEchoServer(t), "/command/echo/run", "nope", `{}`, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Empty(t, rec.Body.String())
}

func TestServer_BadPath(t *testing.T) {
	rec := call(newEchoServer(t), "/other/echo/run", "run", `{}`, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_Errors(t *testing.T) {
	tests := []struct {
		name    string
		method  string
		body    string
		lang    string
		code    int
		message string
	}{
		{"missing option", "text", `{}`, "", 407, "One or more options to text are missing: text"},
		{"missing option german", "text", `{}`, "de-DE", 407, "Eine oder mehrere Optionen für text fehlen: text"},
		{"wrong type", "text", `{"text": 5}`, "", 407, "An option passed to text has the wrong type"},
		{"invalid json", "run", `{"a":`, "", 407, "An option passed to run has the wrong type"},
		{"command error", "fail", `{"reason":"disk full"}`, "", 400, "The command has failed: echo was asked to fail: disk full"},
		{"panic", "fail", `{"reason":"panic"}`, "", 591, "Execution of command '/command/echo/x' has failed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			hdr := map[string]string{}
			if tt.lang != "" {
				hdr["Accept-Language"] = tt.lang
			}
			rec := call(newEchoServer(t), "/command/echo/x", tt.method, tt.body, hdr)
			assert.Equal(t, tt.code, rec.Code)
			assert.Contains(t, umcMessage(t, rec), tt.message)
			assert.Equal(t, `""`, rec.Body.String())
		})
	}
}

func TestServer_ACLRecheck(t *testing.T) {
	srv := newEchoServer(t)
	hdr := map[string]string{"X-UMC-Acls": `[{"command":"echo/run","flavor":"plain"}]`}

	rec := call(srv, "/command/echo/run", "run", `{}`, map[string]string{"X-UMC-Flavor": "plain"})
	assert.Equal(t, http.StatusOK, rec.Code, "acls come from the first request")

	srv = newEchoServer(t)
	rec = call(srv, "/command/echo/run", "run", `{}`, map[string]string{"X-UMC-Acls": hdr["X-UMC-Acls"], "X-UMC-Flavor": "plain"})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = call(srv, "/command/echo/text", "text", `{"text":"x"}`, map[string]string{"X-UMC-Flavor": "plain"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	rec = call(srv, "/command/echo/run", "run", `{}`, map[string]string{"X-UMC-Flavor": "loud"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

type failingInit struct{ calls int }

func (m *failingInit) Init(context.Context, *User) error {
	m.calls++
	return errors.New("backend unavailable")
}

func (m *failingInit) Methods() map[string]Method {
	return map[string]Method{"run": func(context.Context, *Request) (any, error) { return "ok", nil }}
}

func TestServer_InitFailed(t *testing.T) {
	m := &failingInit{}
	srv := NewServer("failing", m, testLogger())

	for i := 0; i < 2; i++ {
		rec := call(srv, "/command/failing/run", "run", `{}`, nil)
		assert.Equal(t, 592, rec.Code)
		assert.Contains(t, umcMessage(t, rec), "backend unavailable")
	}
	assert.Equal(t, 1, m.calls)
}

func TestServer_BadACLBlob(t *testing.T) {
	rec := call(newEchoServer(t), "/command/echo/run", "run", `{}`, map[string]string{"X-UMC-Acls": "{broken"})
	assert.Equal(t, 592, rec.Code)
}

func TestSysinfo(t *testing.T) {
	m, ok := Lookup("sysinfo")
	require.True(t, ok)
	srv := NewServer("sysinfo", m, testLogger())

	rec := call(srv, "/command/sysinfo/get", "get", `{}`, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var info map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.NotEmpty(t, info["hostname"])
	assert.Len(t, info["load"], 3)

	rec = call(srv, "/command/sysinfo/whoami", "whoami", `{}`, map[string]string{
		"X-User-Dn": "uid=alice,cn=users", "X-Forwarded-For": "192.0.2.3",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"username":"alice","dn":"uid=alice,cn=users","locale":"","flavor":"","client":"192.0.2.3"}`, rec.Body.String())
}

func TestRegistry(t *testing.T) {
	assert.Contains(t, Names(), "echo")
	assert.Contains(t, Names(), "sysinfo")
	_, ok := Lookup("missing")
	assert.False(t, ok)

	a, _ := Lookup("sysinfo")
	b, _ := Lookup("sysinfo")
	assert.NotSame(t, a, b)
}

func TestServe(t *testing.T) {
	socket := filepath.Join(t.TempDir(), "m.socket")
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, socket, newEchoServer(t), testLogger()) }()

	client := &http.Client{Transport: &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
	}}
	var resp *http.Response
	require.Eventually(t, func() bool {
		req, _ := http.NewRequest(http.MethodPost, "http://module/command/echo/run", strings.NewReader(`{"x":1}`))
		req.Header.Set("X-UMC-Method", "run")
		req.Header.Set("X-UMC-Acls", allowAll)
		var err error
		resp, err = client.Do(req)
		return err == nil
	}, 2*time.Second, 5*time.Millisecond)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.JSONEq(t, `{"x":1}`, string(body))

	fi, err := os.Stat(socket)
	require.NoError(t, err)
	assert.Zero(t, fi.Mode().Perm()&0o077, "socket is private")

	client.CloseIdleConnections()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return")
	}
	_, err = os.Stat(socket)
	assert.True(t, os.IsNotExist(err))
}
