package b2

import (
	"context"
	"net/http"
	"strings"

	"github.com/italolelis/b2gate/internal/logctx"
)

// Resolver maps caller-supplied file references to upstream file records.
type Resolver struct {
	client *Client
}

func NewResolver(client *Client) *Resolver {
	return &Resolver{client: client}
}

// Resolve maps a reference to the file record it identifies. References
// carrying an id are looked up directly. Named references have the form
// "bucket/path/to/file": the bucket segment is resolved to a bucket id, the
// remainder becomes a listing prefix, and the first file upstream returns is
// taken as authoritative. No tie-break among multiple prefix matches is
// defined beyond upstream list order.
func (r *Resolver) Resolve(ctx context.Context, ref FileReference) (*FileRecord, error) {
	switch {
	case ref.ID != "":
		return r.client.GetFileInfo(ctx, ref.ID)
	case ref.Name != "":
		fileID, err := r.resolveName(ctx, ref.Name)
		if err != nil {
			return nil, err
		}

		return r.client.GetFileInfo(ctx, fileID)
	default:
		return nil, ErrInvalidReference
	}
}

// resolveName turns a "bucket/path" name into a file id. Each step strictly
// waits for the previous one: bucket lookup, then prefix listing.
func (r *Resolver) resolveName(ctx context.Context, name string) (string, error) {
	bucketName, prefix, _ := strings.Cut(name, "/")

	buckets, err := r.client.ListBuckets(ctx, bucketName)
	if err != nil {
		return "", err
	}

	if len(buckets) == 0 {
		return "", ErrBucketNotFound
	}

	files, err := r.client.ListFileNames(ctx, buckets[0].BucketID, prefix)
	if err != nil {
		return "", err
	}

	if len(files) == 0 {
		return "", ErrFileNotFound
	}

	logctx.LoggerFromContext(ctx).DebugContext(ctx, "resolved name to file",
		"name", name, "file_id", files[0].FileID, "matches", len(files))

	return files[0].FileID, nil
}

// ListVersions returns every version upstream reports for the record's bucket
// and file name, in the order upstream returns them.
func (r *Resolver) ListVersions(ctx context.Context, rec *FileRecord) ([]FileRecord, error) {
	return r.client.ListFileVersions(ctx, rec.BucketID, rec.FileName)
}

// Download streams the file bound to the given id. The caller owns closing the
// response body.
func (r *Resolver) Download(ctx context.Context, fileID string) (*http.Response, error) {
	return r.client.DownloadFileByID(ctx, fileID)
}
