package transform

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/shipyard/shipyard/pkg/utils"
)

// CacheObserver receives hit/miss accounting
type CacheObserver interface {
	CacheHit()
	CacheMiss()
}

// CachingTransformer memoizes a Transformer by (content, profile, filename).
// Outputs are deterministic for a key, so a hit is indistinguishable from
// a fresh transform.
type CachingTransformer struct {
	next     Transformer
	entries  *lru.Cache[string, Output]
	observer CacheObserver
}

// NewCachingTransformer wraps next with an LRU of size entries. A size
// below one returns next unchanged.
func NewCachingTransformer(next Transformer, size int, observer CacheObserver) (Transformer, error) {
	if size < 1 {
		return next, nil
	}
	entries, err := lru.New[string, Output](size)
	if err != nil {
		return nil, err
	}
	return &CachingTransformer{next: next, entries: entries, observer: observer}, nil
}

// Transform implements Transformer
func (c *CachingTransformer) Transform(ctx context.Context, source []byte, filename string, profile Profile) (Output, error) {
	key := utils.HashContent(source, []byte(profile.Name), []byte(filename))

	if out, ok := c.entries.Get(key); ok {
		if c.observer != nil {
			c.observer.CacheHit()
		}
		return out, nil
	}
	if c.observer != nil {
		c.observer.CacheMiss()
	}

	out, err := c.next.Transform(ctx, source, filename, profile)
	if err != nil {
		return Output{}, err
	}
	c.entries.Add(key, out)
	return out, nil
}

// Len returns the number of cached outputs
func (c *CachingTransformer) Len() int {
	return c.entries.Len()
}
