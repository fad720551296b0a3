package b2

// Credential is the authorization bundle returned by the upstream authorize
// endpoint. It is immutable; a refresh replaces it wholesale.
type Credential struct {
	AccountID               string  `json:"accountId"`
	AuthorizationToken      string  `json:"authorizationToken"`
	APIURL                  string  `json:"apiUrl"`
	DownloadURL             string  `json:"downloadUrl"`
	S3APIURL                string  `json:"s3ApiUrl"`
	AbsoluteMinimumPartSize int64   `json:"absoluteMinimumPartSize"`
	RecommendedPartSize     int64   `json:"recommendedPartSize"`
	Allowed                 Allowed `json:"allowed"`
}

// Allowed describes the capabilities granted to the application key,
// including an optional bucket restriction.
type Allowed struct {
	BucketID     string   `json:"bucketId"`
	BucketName   string   `json:"bucketName"`
	Capabilities []string `json:"capabilities"`
	NamePrefix   *string  `json:"namePrefix"`
}

// FileRecord is the normalized subset of upstream file metadata surfaced to
// callers.
type FileRecord struct {
	FileID          string `json:"fileId"`
	BucketID        string `json:"bucketId"`
	FileName        string `json:"fileName"`
	UploadTimestamp int64  `json:"uploadTimestamp"`
	ContentType     string `json:"contentType"`
	ContentSha1     string `json:"contentSha1"`
	ContentMd5      string `json:"contentMd5"`
	ContentLength   int64  `json:"contentLength"`
}

// Bucket is the subset of upstream bucket metadata needed for name lookups.
type Bucket struct {
	BucketID   string `json:"bucketId"`
	BucketName string `json:"bucketName"`
}

// FileReference is a caller-supplied pointer to a stored file: either an
// opaque upstream file id, or a "bucket/path" name.
type FileReference struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
