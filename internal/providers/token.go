package providers

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/markjakearzadon/momopay-gobackend.git/internal/models"
)

// TokenFetcher performs one authentication round-trip. expiresIn is the
// lifetime the provider reported, zero when unknown.
type TokenFetcher func(ctx context.Context) (token string, expiresIn time.Duration, err error)

type cachedToken struct {
	value   string
	expires time.Time
}

// TokenCache shares access tokens across every caller in the process. A miss
// triggers one fetch per provider no matter how many callers are waiting.
type TokenCache struct {
	ttl   time.Duration
	now   func() time.Time
	group singleflight.Group

	mu     sync.Mutex
	tokens map[models.Provider]cachedToken
}

func NewTokenCache(ttl time.Duration) *TokenCache {
	return &TokenCache{
		ttl:    ttl,
		now:    time.Now,
		tokens: make(map[models.Provider]cachedToken),
	}
}

func (c *TokenCache) cached(p models.Provider) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tokens[p]
	if !ok || !c.now().Before(t.expires) {
		return "", false
	}
	return t.value, true
}

// Token returns a cached token for p or fetches a new one.
func (c *TokenCache) Token(ctx context.Context, p models.Provider, fetch TokenFetcher) (string, error) {
	if tok, ok := c.cached(p); ok {
		return tok, nil
	}

	ch := c.group.DoChan(string(p), func() (any, error) {
		// Another flight may have filled the cache while we queued.
		if tok, ok := c.cached(p); ok {
			return tok, nil
		}
		// The first caller's cancellation must not fail everyone else waiting.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		tok, expiresIn, err := fetch(fctx)
		if err != nil {
			return "", err
		}
		ttl := c.ttl
		if expiresIn > 0 && expiresIn*5/6 < ttl {
			ttl = expiresIn * 5 / 6
		}
		c.mu.Lock()
		c.tokens[p] = cachedToken{value: tok, expires: c.now().Add(ttl)}
		c.mu.Unlock()
		return tok, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Invalidate drops the cached token for p, e.g. after the provider answered 401.
func (c *TokenCache) Invalidate(p models.Provider) {
	c.mu.Lock()
	delete(c.tokens, p)
	c.mu.Unlock()
}
