package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nimburion/jobqueue/pkg/version"
)

func TestBuildInfoCollector(t *testing.T) {
	info := version.Info{Service: "mailer", Version: "v1.4.0", Commit: "abc123"}
	registry := NewRegistry(NewBuildInfoCollector(info))

	rec := httptest.NewRecorder()
	registry.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	want := `jobqueue_build_info{commit="abc123",service="mailer",version="v1.4.0"} 1`
	if !strings.Contains(rec.Body.String(), want) {
		t.Fatalf("expected %s in output", want)
	}
}
