package rest

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/italolelis/b2gate/internal/b2"
	"github.com/italolelis/b2gate/internal/token"
	"github.com/stretchr/testify/require"
)

const testAPIToken = "static-api-token"

// mockFileService implements FileService for testing.
type mockFileService struct {
	resolveFunc      func(ctx context.Context, ref b2.FileReference) (*b2.FileRecord, error)
	listVersionsFunc func(ctx context.Context, rec *b2.FileRecord) ([]b2.FileRecord, error)
	downloadFunc     func(ctx context.Context, fileID string) (*http.Response, error)
}

func (m *mockFileService) Resolve(ctx context.Context, ref b2.FileReference) (*b2.FileRecord, error) {
	if m.resolveFunc != nil {
		return m.resolveFunc(ctx, ref)
	}
	return &b2.FileRecord{FileID: ref.ID}, nil
}

func (m *mockFileService) ListVersions(ctx context.Context, rec *b2.FileRecord) ([]b2.FileRecord, error) {
	if m.listVersionsFunc != nil {
		return m.listVersionsFunc(ctx, rec)
	}
	return []b2.FileRecord{}, nil
}

func (m *mockFileService) Download(ctx context.Context, fileID string) (*http.Response, error) {
	if m.downloadFunc != nil {
		return m.downloadFunc(ctx, fileID)
	}
	return nil, b2.ErrFileNotFound
}

func newTestHandler(files FileService, issuer *token.Issuer) http.Handler {
	return NewGatewayHandler(testAPIToken, files, issuer, nil).Routes()
}

func doJSON(t *testing.T, h http.Handler, method, path, body string, authorized bool) (*httptest.ResponseRecorder, envelope) {
	t.Helper()

	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if authorized {
		req.Header.Set("Authorization", "Bearer "+testAPIToken)
	}

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))

	return rec, env
}

func TestCreateToken_Success(t *testing.T) {
	issuer := token.NewIssuer([]byte("secret"), 2*time.Hour)
	h := newTestHandler(&mockFileService{}, issuer)

	rec, env := doJSON(t, h, http.MethodPost, "/api/create", `{"id":"4_ZZZ"}`, true)

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, env.Success)
	require.NotEmpty(t, env.Token)

	fileID, err := issuer.Verify(env.Token)
	require.NoError(t, err)
	require.Equal(t, "4_ZZZ", fileID)

	// The token expires roughly two hours out.
	claims := jwt.MapClaims{}
	_, _, err = jwt.NewParser().ParseUnverified(env.Token, claims)
	require.NoError(t, err)

	exp, err := claims.GetExpirationTime()
	require.NoError(t, err)
	require.WithinDuration(t, time.Now().Add(2*time.Hour), exp.Time, time.Minute)
}

func TestCreateToken_MissingID(t *testing.T) {
	h := newTestHandler(&mockFileService{}, token.NewIssuer([]byte("secret"), 2*time.Hour))

	rec, env := doJSON(t, h, http.MethodPost, "/api/create", `{}`, true)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.False(t, env.Success)
	require.Equal(t, "No ID specified", env.Message)
}

func TestCreateToken_UnknownID(t *testing.T) {
	files := &mockFileService{
		resolveFunc: func(ctx context.Context, ref b2.FileReference) (*b2.FileRecord, error) {
			return nil, b2.ErrFileNotFound
		},
	}
	h := newTestHandler(files, token.NewIssuer([]byte("secret"), 2*time.Hour))

	rec, env := doJSON(t, h, http.MethodPost, "/api/create", `{"id":"4_GONE"}`, true)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "ID Not Found", env.Message)
}

func TestPrivilegedEndpoints_Unauthorized(t *testing.T) {
	h := newTestHandler(&mockFileService{}, token.NewIssuer([]byte("secret"), 2*time.Hour))

	for _, path := range []string{"/api/create", "/api/list"} {
		rec, env := doJSON(t, h, http.MethodPost, path, `{"id":"4_ZZZ"}`, false)

		require.Equal(t, http.StatusUnauthorized, rec.Code, path)
		require.Equal(t, "Unauthorized", env.Message, path)
	}

	// A wrong bearer token is rejected the same way.
	req := httptest.NewRequest(http.MethodPost, "/api/create", strings.NewReader(`{"id":"4_ZZZ"}`))
	req.Header.Set("Authorization", "Bearer wrong-token")

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestListVersions_Success(t *testing.T) {
	files := &mockFileService{
		resolveFunc: func(ctx context.Context, ref b2.FileReference) (*b2.FileRecord, error) {
			require.Equal(t, "bucketX/reports/q1", ref.Name)
			return &b2.FileRecord{FileID: "4_AAA", BucketID: "b-1", FileName: "reports/q1.csv"}, nil
		},
		listVersionsFunc: func(ctx context.Context, rec *b2.FileRecord) ([]b2.FileRecord, error) {
			return []b2.FileRecord{
				{
					FileID:          "4_AAA",
					BucketID:        "b-1",
					FileName:        "reports/q1.csv",
					UploadTimestamp: 1700000000000,
					ContentType:     "text/csv",
					ContentSha1:     "da39a3ee",
					ContentMd5:      "d41d8cd9",
					ContentLength:   1024,
				},
			}, nil
		},
	}
	h := newTestHandler(files, token.NewIssuer([]byte("secret"), 2*time.Hour))

	rec, env := doJSON(t, h, http.MethodPost, "/api/list", `{"name":"bucketX/reports/q1"}`, true)

	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, env.Success)
	require.Len(t, env.Files, 1)
	require.Equal(t, fileInfo{
		ID:              "4_AAA",
		BucketID:        "b-1",
		FileName:        "reports/q1.csv",
		UploadTimestamp: 1700000000000,
		Type:            "text/csv",
		Sha1:            "da39a3ee",
		Md5:             "d41d8cd9",
		Size:            1024,
	}, env.Files[0])
}

func TestListVersions_MissingReference(t *testing.T) {
	h := newTestHandler(&mockFileService{}, token.NewIssuer([]byte("secret"), 2*time.Hour))

	rec, env := doJSON(t, h, http.MethodPost, "/api/list", `{}`, true)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Equal(t, "No ID or Name specified", env.Message)
}

func TestListVersions_NoMatch(t *testing.T) {
	files := &mockFileService{
		resolveFunc: func(ctx context.Context, ref b2.FileReference) (*b2.FileRecord, error) {
			return nil, b2.ErrFileNotFound
		},
	}
	h := newTestHandler(files, token.NewIssuer([]byte("secret"), 2*time.Hour))

	rec, env := doJSON(t, h, http.MethodPost, "/api/list", `{"name":"bucketX/reports/q1"}`, true)

	require.Equal(t, http.StatusNotFound, rec.Code)
	require.Equal(t, "ID Not Found", env.Message)
}

func TestDownload_StreamsFile(t *testing.T) {
	issuer := token.NewIssuer([]byte("secret"), 2*time.Hour)
	signed, err := issuer.Issue("4_ZZZ")
	require.NoError(t, err)

	files := &mockFileService{
		downloadFunc: func(ctx context.Context, fileID string) (*http.Response, error) {
			require.Equal(t, "4_ZZZ", fileID)

			header := http.Header{}
			header.Set("Content-Type", "application/octet-stream")
			header.Set("X-Bz-File-Name", "backups/2024/db.tar")
			header.Set("X-Bz-Content-Sha1", "da39a3ee")
			header.Set("X-Bz-File-Id", "4_ZZZ")

			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     header,
				Body:       io.NopCloser(strings.NewReader("file-bytes")),
			}, nil
		},
	}

	h := newTestHandler(files, issuer)

	req := httptest.NewRequest(http.MethodGet, "/file/"+signed, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "file-bytes", rec.Body.String())
	require.Equal(t, `attachment; filename="db.tar"`, rec.Header().Get("Content-Disposition"))
	require.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))

	for name := range rec.Header() {
		require.False(t, strings.HasPrefix(strings.ToLower(name), "x-bz"),
			"vendor header %s must not reach the caller", name)
	}
}

func TestDownload_FallsBackToFileID(t *testing.T) {
	issuer := token.NewIssuer([]byte("secret"), 2*time.Hour)
	signed, err := issuer.Issue("4_ZZZ")
	require.NoError(t, err)

	files := &mockFileService{
		downloadFunc: func(ctx context.Context, fileID string) (*http.Response, error) {
			return &http.Response{
				StatusCode: http.StatusOK,
				Header:     http.Header{},
				Body:       io.NopCloser(strings.NewReader("file-bytes")),
			}, nil
		},
	}

	h := newTestHandler(files, issuer)

	req := httptest.NewRequest(http.MethodGet, "/file/"+signed, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, `attachment; filename="4_ZZZ"`, rec.Header().Get("Content-Disposition"))
}

func TestDownload_InvalidToken(t *testing.T) {
	h := newTestHandler(&mockFileService{}, token.NewIssuer([]byte("secret"), 2*time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/file/garbage", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, "Invalid token", env.Message)
}

func TestDownload_ExpiredToken(t *testing.T) {
	expired := token.NewIssuer([]byte("secret"), -time.Second)
	signed, err := expired.Issue("4_ZZZ")
	require.NoError(t, err)

	h := newTestHandler(&mockFileService{}, expired)

	req := httptest.NewRequest(http.MethodGet, "/file/"+signed, nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, "Token expired", env.Message)
}

func TestCatchAll(t *testing.T) {
	h := newTestHandler(&mockFileService{}, token.NewIssuer([]byte("secret"), 2*time.Hour))

	req := httptest.NewRequest(http.MethodGet, "/definitely-not-a-route", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	require.Equal(t, "404, not found", env.Message)
}

func TestStripVendorHeaders(t *testing.T) {
	src := http.Header{}
	src.Set("Content-Type", "application/octet-stream")
	src.Set("Content-Length", "1024")
	src.Set("X-Bz-File-Name", "backups/db.tar")
	src.Set("X-Bz-Content-Sha1", "da39a3ee")
	src.Set("x-bz-info-custom", "value")

	got := stripVendorHeaders(src)

	require.Equal(t, "application/octet-stream", got.Get("Content-Type"))
	require.Equal(t, "1024", got.Get("Content-Length"))

	for name := range got {
		require.False(t, strings.HasPrefix(strings.ToLower(name), "x-bz"))
	}
}
