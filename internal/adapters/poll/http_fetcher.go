package poll

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/goccy/go-json"

	"github.com/coralix/trustflow/errs"
	"github.com/coralix/trustflow/internal/schema"
)

// HTTPFetcher samples an aggregation service that exposes current metric
// values as JSON. One request per provider per cycle.
type HTTPFetcher struct {
	baseURL string
	client  *http.Client
}

// NewHTTPFetcher builds a fetcher against the aggregation endpoint.
func NewHTTPFetcher(baseURL string) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type wireObservation struct {
	EntityType string  `json:"entityType"`
	EntityID   string  `json:"entityId"`
	Metric     string  `json:"metric"`
	Value      float64 `json:"value"`
}

// Fetch requests the provider's current observations.
func (f *HTTPFetcher) Fetch(ctx context.Context, provider string) ([]Observation, error) {
	endpoint := fmt.Sprintf("%s/observations?provider=%s", f.baseURL, url.QueryEscape(provider))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, errs.New("adapter/poll", errs.CategoryValidation,
			errs.WithMessage("build request"), errs.WithCause(err))
	}
	res, err := f.client.Do(req)
	if err != nil {
		return nil, errs.New("adapter/poll", errs.CategoryConnection,
			errs.WithMessage("provider request failed"), errs.WithCause(err), errs.WithRetryable())
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return nil, errs.New("adapter/poll", errs.CategoryDependency,
			errs.WithMessage("provider returned non-200"),
			errs.WithContext("status", res.Status), errs.WithRetryable())
	}

	var wire []wireObservation
	if err := json.NewDecoder(res.Body).Decode(&wire); err != nil {
		return nil, errs.New("adapter/poll", errs.CategoryData,
			errs.WithMessage("decode observations"), errs.WithCause(err))
	}
	out := make([]Observation, 0, len(wire))
	for _, w := range wire {
		out = append(out, Observation{
			EntityType: schema.EntityType(w.EntityType),
			EntityID:   w.EntityID,
			Metric:     w.Metric,
			Value:      w.Value,
			Provider:   provider,
		})
	}
	return out, nil
}
