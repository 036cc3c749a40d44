package obs

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/AlexKimmel/tokengate/internal/gateway"
	"github.com/AlexKimmel/tokengate/internal/ratelimit"
	"github.com/AlexKimmel/tokengate/internal/routing"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
)

func TestNewLogger_Level(t *testing.T) {
	tests := map[string]zerolog.Level{
		"debug": zerolog.DebugLevel,
		"WARN":  zerolog.WarnLevel,
		"":      zerolog.InfoLevel,
		"bogus": zerolog.InfoLevel,
	}
	for in, want := range tests {
		if got := NewLogger(&bytes.Buffer{}, in).GetLevel(); got != want {
			t.Errorf("NewLogger(%q) level = %s, want %s", in, got, want)
		}
	}
}

func TestLogger_AccessLog(t *testing.T) {
	var buf bytes.Buffer
	h := Logger(NewLogger(&buf, "info"))(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	req := httptest.NewRequest(http.MethodGet, "/brew", nil)
	req.Header.Set("X-Request-ID", "abc")
	h.ServeHTTP(httptest.NewRecorder(), req)

	var entry map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry); err != nil {
		t.Fatalf("Expected one JSON log line, got %q: %v", buf.String(), err)
	}
	if entry["path"] != "/brew" || entry["status"] != float64(http.StatusTeapot) {
		t.Errorf("Unexpected access log %v", entry)
	}
	if _, ok := entry["req_id"]; !ok {
		t.Errorf("Expected request id in access log %v", entry)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	m.TrackBuckets(func() int { return 7 })

	rr := routing.New()
	rr.Replace([]*routing.Route{{ID: "api", Prefix: "/api"}}, ratelimit.Policy{})

	h := gateway.Chain(
		http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusCreated)
		}),
		gateway.RouteMatcher(rr),
		m.Middleware(),
	)
	for i := 0; i < 3; i++ {
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/x", nil))
	}

	if got := testutil.ToFloat64(m.RequestsTotal.WithLabelValues("api", "POST", "201")); got != 3 {
		t.Errorf("Expected 3 requests recorded, got %v", got)
	}

	hooks := m.Hooks()
	hooks.OnAdmitted("api")
	hooks.OnLimited("api")
	hooks.OnLimited("api")
	hooks.OnError("api")
	if got := testutil.ToFloat64(m.Admitted.WithLabelValues("api")); got != 1 {
		t.Errorf("Expected 1 admitted, got %v", got)
	}
	if got := testutil.ToFloat64(m.RateLimited.WithLabelValues("api")); got != 2 {
		t.Errorf("Expected 2 limited, got %v", got)
	}
	if got := testutil.ToFloat64(m.LimiterErrors.WithLabelValues("api")); got != 1 {
		t.Errorf("Expected 1 limiter error, got %v", got)
	}

	expected := `
# HELP tokengate_buckets Number of live rate limit buckets
# TYPE tokengate_buckets gauge
tokengate_buckets 7
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "tokengate_buckets"); err != nil {
		t.Error(err)
	}
}
