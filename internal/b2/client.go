package b2

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/italolelis/b2gate/internal/logctx"
	"github.com/italolelis/b2gate/internal/telemetry"
)

// apiPrefix is the version-pinned path prefix for native API calls.
const apiPrefix = "/b2api/v2"

type baseKind int

const (
	apiBase baseKind = iota
	downloadBase
)

// attemptState drives the single-retry dispatch loop. A dispatch is either on
// its fresh attempt or on its one retry after a credential refresh; there is
// no third state.
type attemptState int

const (
	attemptFresh attemptState = iota
	attemptRetried
)

// Client issues authenticated calls against the upstream API using the cached
// credential.
type Client struct {
	cache     *CredentialCache
	telemetry *telemetry.Telemetry

	// No client-level timeout: downloads stream through this client and the
	// request context handles cancellation.
	httpClient *http.Client
}

func NewClient(cache *CredentialCache, t *telemetry.Telemetry) *Client {
	return &Client{
		cache:      cache,
		telemetry:  t,
		httpClient: &http.Client{},
	}
}

func (c *Client) baseURL(cred *Credential, base baseKind) string {
	if base == downloadBase {
		return cred.DownloadURL
	}

	return cred.APIURL
}

// dispatch performs an authenticated GET against the given base and path. On
// a 401 during the fresh attempt the credential is hard-refreshed and the call
// retried exactly once; a 401 on the retried attempt is fatal. Every other
// status is returned to the caller untouched. The op label is a bounded set of
// operation names used for metrics only.
func (c *Client) dispatch(ctx context.Context, base baseKind, op, path string) (*http.Response, error) {
	logger := logctx.LoggerFromContext(ctx)

	cred, err := c.cache.EnsureFresh(ctx)
	if err != nil {
		return nil, err
	}

	for state := attemptFresh; ; state = attemptRetried {
		target := c.baseURL(cred, base) + path
		logger.DebugContext(ctx, "sending upstream request", "url", target)

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to build upstream request: %w", err)
		}

		req.Header.Set("Authorization", cred.AuthorizationToken)

		resp, err := c.httpClient.Do(req)
		if err != nil {
			c.telemetry.RecordUpstreamCall(op, "error")

			return nil, fmt.Errorf("upstream request failed: %w", err)
		}

		if resp.StatusCode != http.StatusUnauthorized {
			c.telemetry.RecordUpstreamCall(op, strconv.Itoa(resp.StatusCode/100*100))

			return resp, nil
		}

		resp.Body.Close()

		if state == attemptRetried {
			logger.ErrorContext(ctx, "upstream authentication failed after retry", "url", target)
			c.telemetry.RecordUpstreamCall(op, "unauthorized")

			return nil, &AuthenticationError{Operation: op}
		}

		logger.InfoContext(ctx, "auth token was expired, refreshing")
		c.telemetry.RecordUpstreamRetry()

		cred, err = c.cache.HardRefresh(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to refresh credential: %w", err)
		}
	}
}

// GetFileInfo fetches the metadata for a file id. A non-200 upstream answer
// means the id does not resolve.
func (c *Client) GetFileInfo(ctx context.Context, fileID string) (*FileRecord, error) {
	resp, err := c.dispatch(ctx, apiBase, "get_file_info", apiPrefix+"/b2_get_file_info?fileId="+url.QueryEscape(fileID))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ErrFileNotFound
	}

	var rec FileRecord
	if err := json.NewDecoder(resp.Body).Decode(&rec); err != nil {
		return nil, fmt.Errorf("failed to decode file info: %w", err)
	}

	return &rec, nil
}

// ListBuckets looks up buckets by name, scoped to the configured account.
func (c *Client) ListBuckets(ctx context.Context, name string) ([]Bucket, error) {
	cred, err := c.cache.EnsureFresh(ctx)
	if err != nil {
		return nil, err
	}

	path := fmt.Sprintf("%s/b2_list_buckets?bucketName=%s&accountId=%s",
		apiPrefix, url.QueryEscape(name), url.QueryEscape(cred.AccountID))

	resp, err := c.dispatch(ctx, apiBase, "list_buckets", path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("list buckets returned status %d", resp.StatusCode)
	}

	var body struct {
		Buckets []Bucket `json:"buckets"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode bucket list: %w", err)
	}

	return body.Buckets, nil
}

// ListFileNames lists files in a bucket filtered by prefix, in upstream order.
func (c *Client) ListFileNames(ctx context.Context, bucketID, prefix string) ([]FileRecord, error) {
	path := fmt.Sprintf("%s/b2_list_file_names?bucketId=%s&prefix=%s",
		apiPrefix, url.QueryEscape(bucketID), url.QueryEscape(prefix))

	return c.listFiles(ctx, "list_file_names", path)
}

// ListFileVersions lists every version of the files matching the prefix, in
// the order upstream reports them.
func (c *Client) ListFileVersions(ctx context.Context, bucketID, prefix string) ([]FileRecord, error) {
	path := fmt.Sprintf("%s/b2_list_file_versions?bucketId=%s&prefix=%s",
		apiPrefix, url.QueryEscape(bucketID), url.QueryEscape(prefix))

	return c.listFiles(ctx, "list_file_versions", path)
}

func (c *Client) listFiles(ctx context.Context, op, path string) ([]FileRecord, error) {
	resp, err := c.dispatch(ctx, apiBase, op, path)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("file listing returned status %d", resp.StatusCode)
	}

	var body struct {
		Files []FileRecord `json:"files"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode file listing: %w", err)
	}

	return body.Files, nil
}

// DownloadFileByID fetches the file bytes for the given id. The response is
// returned as-is so the caller can stream the body; the caller owns closing it.
func (c *Client) DownloadFileByID(ctx context.Context, fileID string) (*http.Response, error) {
	return c.dispatch(ctx, downloadBase, "download_file_by_id", apiPrefix+"/b2_download_file_by_id?fileId="+url.QueryEscape(fileID))
}
