package main

import (
	"bytes"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type recorded struct {
	method, path, query, auth, body string
}

func fakeServer(t *testing.T, status int, reply string) (*httptest.Server, func() []recorded) {
	t.Helper()
	var (
		mu   sync.Mutex
		reqs []recorded
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		mu.Lock()
		reqs = append(reqs, recorded{r.Method, r.URL.Path, r.URL.RawQuery, r.Header.Get("Authorization"), string(body)})
		mu.Unlock()
		w.WriteHeader(status)
		io.WriteString(w, reply)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recorded {
		mu.Lock()
		defer mu.Unlock()
		return append([]recorded(nil), reqs...)
	}
}

func run(t *testing.T, srv *httptest.Server, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetArgs(append([]string{"--url", srv.URL, "--token", "tok"}, args...))
	err := root.Execute()
	return out.String(), err
}

func TestClientCommands(t *testing.T) {
	srv, seen := fakeServer(t, http.StatusOK, `{"loaded":2}`)

	out, err := run(t, srv, "client", "preload")
	if err != nil {
		t.Fatalf("preload failed: %v", err)
	}
	if !strings.Contains(out, `"loaded": 2`) {
		t.Errorf("unexpected output %q", out)
	}

	if _, err := run(t, srv, "client", "invalidate", "github"); err != nil {
		t.Fatalf("invalidate failed: %v", err)
	}
	if _, err := run(t, srv, "client", "invalidate", "--all"); err != nil {
		t.Fatalf("invalidate --all failed: %v", err)
	}
	if _, err := run(t, srv, "client", "invalidate"); err == nil {
		t.Error("expected an error without id or --all")
	}

	cfg := filepath.Join(t.TempDir(), "gh.json")
	os.WriteFile(cfg, []byte(`{"client_id":"gh","enabled":true}`), 0o600)
	if _, err := run(t, srv, "client", "apply", "github", "-f", cfg); err != nil {
		t.Fatalf("apply failed: %v", err)
	}

	reqs := seen()
	want := []recorded{
		{method: "POST", path: "/admin/clients/preload"},
		{method: "POST", path: "/admin/clients/github/invalidate"},
		{method: "POST", path: "/admin/clients/invalidate"},
		{method: "PUT", path: "/admin/clients/github"},
	}
	if len(reqs) != len(want) {
		t.Fatalf("got %d requests, want %d", len(reqs), len(want))
	}
	for i, w := range want {
		if reqs[i].method != w.method || reqs[i].path != w.path {
			t.Errorf("request %d = %s %s, want %s %s", i, reqs[i].method, reqs[i].path, w.method, w.path)
		}
		if reqs[i].auth != "Bearer tok" {
			t.Errorf("request %d missing admin token", i)
		}
	}
	if !strings.Contains(reqs[3].body, `"client_id":"gh"`) {
		t.Errorf("apply body = %q", reqs[3].body)
	}
}

func TestQRCodeAndAuditCommands(t *testing.T) {
	srv, seen := fakeServer(t, http.StatusOK, `{"state":"SCANNED"}`)

	out, err := run(t, srv, "qrcode", "state", "scene-1")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "SCANNED") {
		t.Errorf("unexpected output %q", out)
	}
	run(t, srv, "qrcode", "cancel", "scene-1")
	run(t, srv, "audit", "query", "--type", "identity.created", "--limit", "5")
	run(t, srv, "audit", "purge", "--older-than", "48h")

	reqs := seen()
	if len(reqs) != 4 {
		t.Fatalf("got %d requests", len(reqs))
	}
	if reqs[0].path != "/admin/qrcode/scene-1" || reqs[1].method != "DELETE" || reqs[1].path != "/oauth2/qrcode/scene-1" {
		t.Errorf("unexpected qrcode requests %+v", reqs[:2])
	}
	if reqs[2].query != "limit=5&type=identity.created" {
		t.Errorf("audit query = %q", reqs[2].query)
	}
	if reqs[3].method != "DELETE" || reqs[3].query != "older_than=48h" {
		t.Errorf("audit purge = %+v", reqs[3])
	}
}

func TestServerErrorsSurface(t *testing.T) {
	srv, _ := fakeServer(t, http.StatusUnauthorized, `{"status":"Unauthorized"}`)
	_, err := run(t, srv, "health", "ready")
	if err == nil || !strings.Contains(err.Error(), "HTTP 401") {
		t.Fatalf("expected HTTP 401 error, got %v", err)
	}
}

func TestVersion(t *testing.T) {
	var out bytes.Buffer
	root := newRootCmd(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "kayan-cli ") {
		t.Errorf("unexpected output %q", out.String())
	}
}
