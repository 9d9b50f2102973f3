package metrics_test

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/atmx/roundup-engine/internal/metrics"
)

func TestMiddleware_RecordsStatusUnderLabel(t *testing.T) {
	h := metrics.Middleware(func(*http.Request) string { return "/users/{userID}/deposits" })(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
		}),
	)
	for _, user := range []string{"u1", "u2"} {
		req := httptest.NewRequest("POST", "/users/"+user+"/deposits", nil)
		h.ServeHTTP(httptest.NewRecorder(), req)
	}

	srv := httptest.NewServer(metrics.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("scrape: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	want := `roundup_http_requests_total{method="POST",path="/users/{userID}/deposits",status="409"} 2`
	if !strings.Contains(string(body), want) {
		t.Errorf("scrape output missing %q", want)
	}
	if strings.Contains(string(body), `path="/users/u1/deposits"`) {
		t.Error("raw path leaked into labels")
	}
}

func TestFound(t *testing.T) {
	if metrics.Found(true) != "true" || metrics.Found(false) != "false" {
		t.Error("unexpected label values")
	}
}
