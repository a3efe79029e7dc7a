package keys

import (
	"context"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/trickstertwo/xlog"
)

// RemoteKeySet verifies tokens against the issuer's JWKS fetched over HTTP.
// Fetched keys are fresh for the cache TTL; stale keys keep verifying while a
// refresh is attempted. Concurrent refreshes collapse into one fetch.
type RemoteKeySet struct {
	url  string
	opts options

	mu          sync.RWMutex
	keys        map[string]*rsa.PublicKey
	fetchedAt   time.Time
	lastAttempt time.Time
	generation  uint64 // bumped on every successful fetch

	group singleflight.Group
}

// NewRemoteKeySet returns an empty cache for the JWKS at url. Keys are
// fetched lazily by Resolve or eagerly by Refresh.
func NewRemoteKeySet(url string, opts ...Option) *RemoteKeySet {
	return &RemoteKeySet{
		url:  url,
		opts: buildOptions(opts),
		keys: map[string]*rsa.PublicKey{},
	}
}

// VerifyToken verifies token with cached keys only.
func (r *RemoteKeySet) VerifyToken(token string) (*Claims, error) {
	return verify(token, &r.opts, r.lookup)
}

func (r *RemoteKeySet) lookup(kid string) (*rsa.PublicKey, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[kid]
	return k, ok
}

// Resolve reports whether kid is known, refreshing the cache when it is stale
// or when kid is missing and the last fetch attempt is old enough.
func (r *RemoteKeySet) Resolve(ctx context.Context, kid string) bool {
	if kid == "" {
		return false
	}
	now := r.opts.clock.Now()

	r.mu.RLock()
	_, known := r.keys[kid]
	seen := r.generation
	fresh := !r.fetchedAt.IsZero() && now.Sub(r.fetchedAt) < r.opts.ttl
	throttled := !r.lastAttempt.IsZero() && now.Sub(r.lastAttempt) < r.opts.minRefreshInterval
	r.mu.RUnlock()

	switch {
	case known && fresh:
		return true
	case known:
		if err := r.refresh(ctx, &seen); err != nil {
			r.opts.logger.With(xlog.Str("url", r.url)).Warn().Err(err).Msg("keys: jwks refresh failed, using stale keys")
		}
		_, ok := r.lookup(kid)
		return ok
	case throttled:
		return false
	default:
		if err := r.refresh(ctx, &seen); err != nil {
			r.opts.logger.With(xlog.Str("url", r.url), xlog.Str("kid", kid)).Warn().Err(err).Msg("keys: jwks refresh failed")
			return false
		}
		_, ok := r.lookup(kid)
		return ok
	}
}

// Refresh fetches the JWKS now. Callers arriving while a fetch is in flight
// wait for its result. The fetch itself is bounded by the fetch timeout and
// is not abandoned when ctx ends.
func (r *RemoteKeySet) Refresh(ctx context.Context) error {
	return r.refresh(ctx, nil)
}

// refresh fetches unless the cache has moved past generation seen since the
// caller looked. A nil seen always fetches.
func (r *RemoteKeySet) refresh(ctx context.Context, seen *uint64) error {
	ch := r.group.DoChan("jwks", func() (any, error) {
		if seen != nil {
			r.mu.RLock()
			newer := r.generation != *seen
			r.mu.RUnlock()
			if newer {
				return nil, nil
			}
		}
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.opts.fetchTimeout)
		defer cancel()
		return nil, r.fetch(fctx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *RemoteKeySet) fetch(ctx context.Context) error {
	r.mu.Lock()
	r.lastAttempt = r.opts.clock.Now()
	r.mu.Unlock()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.opts.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("keys: fetch jwks: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("keys: fetch jwks: unexpected status %d", resp.StatusCode)
	}

	var set JWKS
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("keys: decode jwks: %w", err)
	}
	keys := make(map[string]*rsa.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kid == "" || (k.Use != "" && k.Use != "sig") {
			continue
		}
		pub, err := k.PublicKey()
		if err != nil {
			r.opts.logger.With(xlog.Str("kid", k.Kid)).Warn().Err(err).Msg("keys: skipping unusable jwk")
			continue
		}
		keys[k.Kid] = pub
	}
	if len(keys) == 0 {
		return errors.New("keys: jwks contains no usable keys")
	}

	r.mu.Lock()
	r.keys = keys
	r.fetchedAt = r.opts.clock.Now()
	r.generation++
	r.mu.Unlock()

	r.opts.logger.With(xlog.Str("url", r.url), xlog.Str("keys", strconv.Itoa(len(keys)))).Debug().Msg("keys: jwks refreshed")
	return nil
}
