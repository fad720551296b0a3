package b2

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/italolelis/b2gate/internal/logctx"
	"github.com/italolelis/b2gate/internal/storage"
	"github.com/italolelis/b2gate/internal/telemetry"
)

// defaultAuthorizeURL is the fixed account-level authorize endpoint. It is the
// only URL not derived from a credential.
const defaultAuthorizeURL = "https://api.backblazeb2.com/b2api/v2/b2_authorize_account"

type cacheEntry struct {
	cred        *Credential
	lastRefresh time.Time
}

// CredentialCache holds the current upstream credential and the time it was
// last refreshed. The slot is replaced atomically on every refresh; concurrent
// refreshes are allowed and the last writer wins.
//
// Two refresh tiers exist: a soft refresh adopts the durable copy without
// re-authenticating, a hard refresh calls the rate-limited authorize endpoint
// and writes through to the store.
type CredentialCache struct {
	keyID  string
	appKey string
	maxAge time.Duration

	store        storage.CredentialRepository
	httpClient   *http.Client
	authorizeURL string
	telemetry    *telemetry.Telemetry

	entry atomic.Pointer[cacheEntry]

	now func() time.Time
}

func NewCredentialCache(keyID, appKey string, maxAge time.Duration, store storage.CredentialRepository, t *telemetry.Telemetry) *CredentialCache {
	return &CredentialCache{
		keyID:        keyID,
		appKey:       appKey,
		maxAge:       maxAge,
		store:        store,
		httpClient:   &http.Client{Timeout: 30 * time.Second},
		authorizeURL: defaultAuthorizeURL,
		telemetry:    t,
		now:          time.Now,
	}
}

// Current returns the cached credential without any freshness check, or nil
// before the first refresh.
func (c *CredentialCache) Current() *Credential {
	if entry := c.entry.Load(); entry != nil {
		return entry.cred
	}

	return nil
}

// EnsureFresh returns a credential that is safe to dispatch with. If none is
// held, or the held one is older than the staleness threshold, a refresh is
// performed first.
func (c *CredentialCache) EnsureFresh(ctx context.Context) (*Credential, error) {
	entry := c.entry.Load()
	if entry == nil || c.now().Sub(entry.lastRefresh) > c.maxAge {
		logctx.LoggerFromContext(ctx).InfoContext(ctx, "refreshing auth credential now")

		if err := c.refreshFromStore(ctx); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCredentialUnavailable, err)
		}

		entry = c.entry.Load()
	}

	if entry == nil || entry.cred == nil {
		return nil, ErrCredentialUnavailable
	}

	return entry.cred, nil
}

// refreshFromStore adopts the durable copy of the credential if one exists,
// trusting its freshness. A store miss falls back to a hard refresh.
func (c *CredentialCache) refreshFromStore(ctx context.Context) error {
	raw, err := c.store.Get(ctx)
	if errors.Is(err, storage.ErrNotFound) {
		logctx.LoggerFromContext(ctx).InfoContext(ctx, "credential not in store, authorizing now")

		_, err := c.HardRefresh(ctx)

		return err
	}

	if err != nil {
		return fmt.Errorf("failed to read credential store: %w", err)
	}

	var cred Credential
	if err := json.Unmarshal([]byte(raw), &cred); err != nil {
		return fmt.Errorf("failed to decode stored credential: %w", err)
	}

	c.entry.Store(&cacheEntry{cred: &cred, lastRefresh: c.now()})
	c.telemetry.RecordCredentialRefresh("soft", "success")

	return nil
}

// HardRefresh re-authenticates against the authorize endpoint, replaces the
// cached credential and writes the new one through to the store. This is the
// only path that talks to the authorize endpoint.
func (c *CredentialCache) HardRefresh(ctx context.Context) (*Credential, error) {
	logger := logctx.LoggerFromContext(ctx)

	cred, err := c.authorize(ctx)
	if err != nil {
		c.telemetry.RecordCredentialRefresh("hard", "error")

		return nil, err
	}

	c.telemetry.RecordCredentialRefresh("hard", "success")

	logger.InfoContext(ctx, "authorized with upstream",
		"account_id", cred.AccountID,
		"api_url", cred.APIURL,
		"recommended_part_size", humanize.Bytes(uint64(cred.RecommendedPartSize)),
		"minimum_part_size", humanize.Bytes(uint64(cred.AbsoluteMinimumPartSize)),
	)

	return cred, nil
}

func (c *CredentialCache) authorize(ctx context.Context) (*Credential, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.authorizeURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build authorize request: %w", err)
	}

	authKey := base64.StdEncoding.EncodeToString([]byte(c.keyID + ":" + c.appKey))
	req.Header.Set("Authorization", "Basic "+authKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("authorize request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("authorize account returned status %d", resp.StatusCode)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read authorize response: %w", err)
	}

	var cred Credential
	if err := json.Unmarshal(raw, &cred); err != nil {
		return nil, fmt.Errorf("failed to decode authorize response: %w", err)
	}

	c.entry.Store(&cacheEntry{cred: &cred, lastRefresh: c.now()})

	// The in-memory credential stays usable even if the write-through fails.
	if err := c.store.Put(ctx, string(raw)); err != nil {
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to persist credential", "err", err)
	}

	return &cred, nil
}
