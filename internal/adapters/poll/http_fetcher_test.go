package poll

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/coralix/trustflow/internal/schema"
)

func TestHTTPFetcherDecodesObservations(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("provider"); got != "twitter" {
			t.Errorf("provider = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[
			{"entityType":"creator","entityId":"creator-1","metric":"followers","value":1200},
			{"entityType":"collection","entityId":"col-1","metric":"mentions","value":55}
		]`))
	}))
	defer srv.Close()

	fetcher := NewHTTPFetcher(srv.URL)
	observations, err := fetcher.Fetch(context.Background(), "twitter")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(observations) != 2 {
		t.Fatalf("observations = %d", len(observations))
	}
	if observations[0].EntityType != schema.EntityCreator || observations[0].Value != 1200 {
		t.Errorf("first = %+v", observations[0])
	}
	if observations[1].Provider != "twitter" {
		t.Errorf("provider not stamped: %+v", observations[1])
	}
}

func TestHTTPFetcherRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "down for maintenance", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	if _, err := NewHTTPFetcher(srv.URL).Fetch(context.Background(), "twitter"); err == nil {
		t.Error("non-200 accepted")
	}
}
