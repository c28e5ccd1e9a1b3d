package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestNilMetricsIsSafe(t *testing.T) {
	t.Parallel()

	var m *Metrics
	m.PairRequest("code")
	m.SetActiveSessions(3)
	m.Reconnect("scheduled")
	m.StoreOp("get", time.Now(), nil)
	m.Command("ping", "ok")
	m.TransportEvent("opened")
	m.HTTPRequest("/code", 200)
	m.WAFBlock("xss")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 404 {
		t.Fatalf("expected 404 from nil metrics handler, got %d", rec.Code)
	}
}

func TestHandlerExposesCollectors(t *testing.T) {
	t.Parallel()

	m := New(prometheus.NewRegistry())
	m.PairRequest("code")
	m.SetActiveSessions(2)
	m.StoreOp("put", time.Now(), errors.New("boom"))
	m.Command("ping", "ok")
	m.WAFBlock("path-traversal")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	for _, want := range []string{
		`botfleet_pair_requests_total{status="code"} 1`,
		`botfleet_active_sessions 2`,
		`botfleet_store_operations_total{op="put",result="error"} 1`,
		`botfleet_commands_total{command="ping",result="ok"} 1`,
		`botfleet_waf_blocks_total{rule="path-traversal"} 1`,
	} {
		if !strings.Contains(string(body), want) {
			t.Fatalf("expected %q in metrics output:\n%s", want, body)
		}
	}
}
