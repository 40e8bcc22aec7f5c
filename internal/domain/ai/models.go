package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"
)

const modelCacheKey = "models"

// Model describes one model exposed by the provider's catalog endpoint.
type Model struct {
	ID      string `json:"id"`
	OwnedBy string `json:"owned_by"`
}

// ModelCatalog lists the provider's available models with a TTL cache so
// the admin surface does not hammer the provider on every page load.
type ModelCatalog struct {
	baseURL string
	apiKey  string
	client  *http.Client
	cache   *cache.Cache
}

func NewModelCatalog(baseURL, apiKey string, ttl time.Duration) *ModelCatalog {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &ModelCatalog{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
		cache:   cache.New(ttl, 2*ttl),
	}
}

// Models returns the catalog, served from cache unless forceRefresh is set
// or the entry has expired.
func (mc *ModelCatalog) Models(ctx context.Context, forceRefresh bool) ([]Model, error) {
	if !forceRefresh {
		if cached, ok := mc.cache.Get(modelCacheKey); ok {
			return cached.([]Model), nil
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mc.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build models request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+mc.apiKey)

	resp, err := mc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("models call failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read models response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("models endpoint returned %d", resp.StatusCode)
	}

	var parsed struct {
		Data []Model `json:"data"`
	}
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to decode models response: %w", err)
	}

	mc.cache.Set(modelCacheKey, parsed.Data, cache.DefaultExpiration)
	return parsed.Data, nil
}
