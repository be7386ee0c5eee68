package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/patrickmn/go-cache"
)

// Provider yields the current catalog.
type Provider interface {
	Catalog(ctx context.Context) *Catalog
}

// Static always returns the same catalog.
type Static struct{ C *Catalog }

// Catalog returns the wrapped catalog.
func (s Static) Catalog(context.Context) *Catalog { return s.C }

// Remote fetches the catalogs from the web façade's /api/building-types
// and /api/resource-types endpoints and caches them. On fetch failure it
// serves the last good copy, then Fallback.
type Remote struct {
	BaseURL    string
	Fallback   *Catalog
	httpClient *http.Client
	cache      *cache.Cache
}

const catalogKey = "catalog"

// NewRemote creates a remote provider refreshing every ttl.
func NewRemote(baseURL string, fallback *Catalog, ttl time.Duration) *Remote {
	return &Remote{
		BaseURL:    baseURL,
		Fallback:   fallback,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		cache:      cache.New(ttl, 2*ttl),
	}
}

// Catalog returns the cached catalog, refreshing it when expired.
func (r *Remote) Catalog(ctx context.Context) *Catalog {
	if c, ok := r.cache.Get(catalogKey); ok {
		return c.(*Catalog)
	}
	c, err := r.fetch(ctx)
	if err != nil {
		slog.Warn("catalog fetch failed, using fallback", "error", err)
		if stale, ok := r.cache.Get(catalogKey + ":stale"); ok {
			return stale.(*Catalog)
		}
		return r.Fallback
	}
	r.cache.SetDefault(catalogKey, c)
	r.cache.Set(catalogKey+":stale", c, cache.NoExpiration)
	return c
}

func (r *Remote) fetch(ctx context.Context) (*Catalog, error) {
	var buildings struct {
		Success       bool              `json:"success"`
		BuildingTypes []BuildingTypeDef `json:"buildingTypes"`
	}
	if err := r.getJSON(ctx, "/api/building-types", &buildings); err != nil {
		return nil, err
	}
	var resources struct {
		Success bool              `json:"success"`
		Types   []ResourceTypeDef `json:"resourceTypes"`
	}
	if err := r.getJSON(ctx, "/api/resource-types", &resources); err != nil {
		return nil, err
	}
	if len(buildings.BuildingTypes) == 0 {
		return nil, fmt.Errorf("empty building catalog")
	}
	c := &Catalog{
		Buildings: make(map[string]BuildingTypeDef, len(buildings.BuildingTypes)),
		Resources: make(map[string]ResourceTypeDef, len(resources.Types)),
	}
	for _, b := range buildings.BuildingTypes {
		c.Buildings[b.Type] = b
	}
	for _, res := range resources.Types {
		c.Resources[res.ID] = res
	}
	return c, nil
}

func (r *Remote) getJSON(ctx context.Context, path string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("GET %s: %w", path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", path, resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}
