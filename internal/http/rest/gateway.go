package rest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/italolelis/b2gate/internal/b2"
	"github.com/italolelis/b2gate/internal/logctx"
	"github.com/italolelis/b2gate/internal/telemetry"
	"github.com/italolelis/b2gate/internal/token"
)

// vendorHeaderPrefix marks upstream-internal response headers that are never
// forwarded to external callers.
const vendorHeaderPrefix = "x-bz"

// FileService resolves file references and streams file bytes.
type FileService interface {
	Resolve(ctx context.Context, ref b2.FileReference) (*b2.FileRecord, error)
	ListVersions(ctx context.Context, rec *b2.FileRecord) ([]b2.FileRecord, error)
	Download(ctx context.Context, fileID string) (*http.Response, error)
}

// TokenService issues and verifies download capability tokens.
type TokenService interface {
	Issue(fileID string) (string, error)
	Verify(tokenString string) (string, error)
}

type envelope struct {
	Success bool       `json:"success"`
	Message string     `json:"message,omitempty"`
	Token   string     `json:"token,omitempty"`
	Files   []fileInfo `json:"files,omitempty"`
}

type fileInfo struct {
	ID              string `json:"id"`
	BucketID        string `json:"bucketId"`
	FileName        string `json:"fileName"`
	UploadTimestamp int64  `json:"uploadTimestamp"`
	Type            string `json:"type"`
	Sha1            string `json:"sha1"`
	Md5             string `json:"md5"`
	Size            int64  `json:"size"`
}

// GatewayHandler maps the external operations onto the file and token
// services.
type GatewayHandler struct {
	apiToken  string
	files     FileService
	tokens    TokenService
	telemetry *telemetry.Telemetry
}

// NewGatewayHandler creates a new gateway handler.
func NewGatewayHandler(apiToken string, files FileService, tokens TokenService, t *telemetry.Telemetry) *GatewayHandler {
	return &GatewayHandler{
		apiToken:  apiToken,
		files:     files,
		tokens:    tokens,
		telemetry: t,
	}
}

func (h *GatewayHandler) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(h.recoverer)

	r.Get("/file/{token}", h.HandleDownload)

	r.Group(func(r chi.Router) {
		r.Use(h.bearerAuthMiddleware)

		r.Post("/api/create", h.HandleCreateToken)
		r.Post("/api/list", h.HandleListVersions)
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respond(w, http.StatusNotFound, envelope{Success: false, Message: "404, not found"})
	})

	return r
}

// HandleDownload verifies the capability token from the path and streams the
// bound file through, with upstream-internal headers stripped.
func (h *GatewayHandler) HandleDownload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	fileID, err := h.tokens.Verify(chi.URLParam(r, "token"))
	if err != nil {
		message := "Invalid token"
		if errors.Is(err, token.ErrTokenExpired) {
			message = "Token expired"
		}

		respond(w, http.StatusBadRequest, envelope{Success: false, Message: message})

		return
	}

	resp, err := h.files.Download(ctx, fileID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to fetch file from upstream", "err", err)
		h.telemetry.RecordFileProxied("error")
		respond(w, http.StatusInternalServerError, envelope{Success: false, Message: "An error has occured"})

		return
	}
	defer resp.Body.Close()

	// The attachment name is the last segment of the upstream file name,
	// falling back to the file id.
	fileName := fileID
	if name := resp.Header.Get("X-Bz-File-Name"); name != "" {
		parts := strings.Split(name, "/")
		fileName = parts[len(parts)-1]
	}

	for name, values := range stripVendorHeaders(resp.Header) {
		w.Header()[name] = values
	}

	w.Header().Set("Content-Disposition", `attachment; filename="`+fileName+`"`)
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		logger.ErrorContext(ctx, "failed to stream file to caller", "err", err)
		h.telemetry.RecordFileProxied("error")

		return
	}

	h.telemetry.RecordFileProxied("success")
}

// HandleCreateToken issues a download token for a file id, after confirming
// the id resolves upstream.
func (h *GatewayHandler) HandleCreateToken(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	logger := logctx.LoggerFromContext(ctx)

	var ref b2.FileReference
	if err := json.NewDecoder(r.Body).Decode(&ref); err != nil || ref.ID == "" {
		respond(w, http.StatusBadRequest, envelope{Success: false, Message: "No ID specified"})

		return
	}

	if _, err := h.files.Resolve(ctx, b2.FileReference{ID: ref.ID}); err != nil {
		h.respondResolveError(ctx, w, err)

		return
	}

	signed, err := h.tokens.Issue(ref.ID)
	if err != nil {
		logger.ErrorContext(ctx, "failed to sign token", "err", err)
		respond(w, http.StatusInternalServerError, envelope{Success: false, Message: "An error has occured"})

		return
	}

	h.telemetry.RecordTokenIssued()
	respond(w, http.StatusOK, envelope{Success: true, Token: signed})
}

// HandleListVersions resolves a file reference and returns its version
// history in the order upstream reports it.
func (h *GatewayHandler) HandleListVersions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	var ref b2.FileReference
	if err := json.NewDecoder(r.Body).Decode(&ref); err != nil || (ref.ID == "" && ref.Name == "") {
		respond(w, http.StatusBadRequest, envelope{Success: false, Message: "No ID or Name specified"})

		return
	}

	rec, err := h.files.Resolve(ctx, ref)
	if err != nil {
		h.respondResolveError(ctx, w, err)

		return
	}

	versions, err := h.files.ListVersions(ctx, rec)
	if err != nil {
		h.respondResolveError(ctx, w, err)

		return
	}

	files := make([]fileInfo, 0, len(versions))
	for _, v := range versions {
		files = append(files, fileInfo{
			ID:              v.FileID,
			BucketID:        v.BucketID,
			FileName:        v.FileName,
			UploadTimestamp: v.UploadTimestamp,
			Type:            v.ContentType,
			Sha1:            v.ContentSha1,
			Md5:             v.ContentMd5,
			Size:            v.ContentLength,
		})
	}

	respond(w, http.StatusOK, envelope{Success: true, Files: files})
}

func (h *GatewayHandler) respondResolveError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, b2.ErrFileNotFound), errors.Is(err, b2.ErrBucketNotFound):
		respond(w, http.StatusNotFound, envelope{Success: false, Message: "ID Not Found"})
	case errors.Is(err, b2.ErrInvalidReference):
		respond(w, http.StatusBadRequest, envelope{Success: false, Message: "No ID or Name specified"})
	default:
		logctx.LoggerFromContext(ctx).ErrorContext(ctx, "failed to resolve file reference", "err", err)
		respond(w, http.StatusInternalServerError, envelope{Success: false, Message: "An error has occured"})
	}
}

// bearerAuthMiddleware guards the privileged API endpoints with the static
// bearer token.
func (h *GatewayHandler) bearerAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, supplied, found := strings.Cut(r.Header.Get("Authorization"), " ")
		if !found || supplied != h.apiToken {
			respond(w, http.StatusUnauthorized, envelope{Success: false, Message: "Unauthorized"})

			return
		}

		next.ServeHTTP(w, r)
	})
}

// recoverer is the outermost boundary: anything that escapes a handler is
// logged and surfaced as a generic 500 without internal detail.
func (h *GatewayHandler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				logctx.LoggerFromContext(r.Context()).ErrorContext(r.Context(), "panic while serving request", "panic", rec)
				respond(w, http.StatusInternalServerError, envelope{Success: false, Message: "An error has occured"})
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// stripVendorHeaders copies src into a new header set, dropping every header
// whose name starts with the vendor prefix, case-insensitively.
func stripVendorHeaders(src http.Header) http.Header {
	dst := http.Header{}

	for name, values := range src {
		if strings.HasPrefix(strings.ToLower(name), vendorHeaderPrefix) {
			continue
		}

		for _, v := range values {
			dst.Add(name, v)
		}
	}

	return dst
}

func respond(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	_ = json.NewEncoder(w).Encode(body)
}
