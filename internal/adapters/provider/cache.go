package provider

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/terracat/terracat/internal/domain"
	"github.com/terracat/terracat/internal/ports/output"
)

// cacheEntry wraps a locate outcome so that a remembered absence is
// distinguishable from a key that was never looked up.
type cacheEntry struct {
	result *output.ProviderResult
}

// CachedProvider memoizes Locate results of an inner provider with an
// LRU cache. Both hits and definite absences are remembered; errors are
// not, so a flaky remote gets retried.
type CachedProvider struct {
	inner output.Provider
	cache *lru.Cache[string, cacheEntry]
}

// NewCachedProvider wraps inner with an LRU locate cache of the given
// size.
func NewCachedProvider(inner output.Provider, size int) (*CachedProvider, error) {
	cache, err := lru.New[string, cacheEntry](size)
	if err != nil {
		return nil, err
	}
	return &CachedProvider{inner: inner, cache: cache}, nil
}

// Name returns the inner provider's name.
func (p *CachedProvider) Name() string { return p.inner.Name() }

// Locate consults the cache before delegating to the inner provider.
func (p *CachedProvider) Locate(ctx context.Context, assetType, tile string, date domain.Date) (*output.ProviderResult, error) {
	key := fmt.Sprintf("%s|%s|%s", assetType, tile, date)

	if entry, ok := p.cache.Get(key); ok {
		return entry.result, nil
	}

	result, err := p.inner.Locate(ctx, assetType, tile, date)
	if err != nil {
		return nil, err
	}
	p.cache.Add(key, cacheEntry{result: result})
	return result, nil
}

// Download delegates to the inner provider.
func (p *CachedProvider) Download(ctx context.Context, locator, dest string) error {
	return p.inner.Download(ctx, locator, dest)
}

// Purge discards all memoized locate results.
func (p *CachedProvider) Purge() {
	p.cache.Purge()
}
