package mcp

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog"

	"github.com/dshills/lspguard/internal/storage"
)

// DefaultCacheSize is the number of tool responses kept per server
const DefaultCacheSize = 256

// cacheKey identifies one discard query against one journal revision.
// Responses for older revisions are never looked up again and age out.
type cacheKey struct {
	tool      string
	sessionID string
	kind      storage.DiscardKind
	query     string
	limit     int
	revision  storage.Revision
}

// resultCache holds formatted tool responses. A nil cache always computes.
type resultCache struct {
	journal storage.Storage
	entries *lru.Cache[cacheKey, string]
	logger  zerolog.Logger
}

func newResultCache(journal storage.Storage, size int, logger zerolog.Logger) (*resultCache, error) {
	if size <= 0 {
		return nil, nil
	}
	entries, err := lru.New[cacheKey, string](size)
	if err != nil {
		return nil, err
	}
	return &resultCache{journal: journal, entries: entries, logger: logger}, nil
}

// get returns the response cached for key at the current journal revision,
// computing and caching it on a miss. A journal whose revision cannot be
// read is queried directly.
func (c *resultCache) get(ctx context.Context, key cacheKey, compute func() (string, error)) (string, error) {
	if c == nil {
		return compute()
	}
	rev, err := c.journal.Revision(ctx)
	if err != nil {
		c.logger.Debug().Err(err).Msg("cache bypassed")
		return compute()
	}
	key.revision = rev
	if text, ok := c.entries.Get(key); ok {
		c.logger.Debug().Str("tool", key.tool).Msg("cache hit")
		return text, nil
	}

	text, err := compute()
	if err != nil {
		return "", err
	}
	c.entries.Add(key, text)
	return text, nil
}

func (c *resultCache) len() int {
	if c == nil {
		return 0
	}
	return c.entries.Len()
}
