package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aretw0/transfer"
	"github.com/aretw0/transfer/api"
	"github.com/aretw0/transfer/internal/metrics"
	"github.com/aretw0/transfer/internal/multipart"
	"github.com/aretw0/transfer/internal/upload"
	"github.com/aretw0/transfer/pkg/domain"
	"github.com/getkin/kin-openapi/openapi3"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// FileNameHeader names a raw upload.
const FileNameHeader = "X-TP-Filename"

// Service is the upload core the handlers drive.
type Service interface {
	StoreRaw(ctx context.Context, fileName, contentType string, body io.Reader) (upload.Stored, error)
	StoreMultipart(ctx context.Context, mr *multipart.Reader) upload.Outcome
	StoreForm(ctx context.Context, body io.Reader) upload.Outcome
	Open(ctx context.Context, key domain.FileKey) (*domain.Blob, error)
	List(ctx context.Context) ([]domain.Upload, error)
}

// Server holds the handlers of the transfer API.
type Server struct {
	Service Service

	publicURL      string
	maxUploadBytes int64
	logger         *slog.Logger
	metrics        *metrics.Metrics
}

// Option configures the Server.
type Option func(*Server)

// WithPublicURL sets the base of returned download URLs. When empty the
// request Host is used.
func WithPublicURL(u string) Option {
	return func(s *Server) {
		s.publicURL = strings.TrimRight(u, "/")
	}
}

// WithMaxUploadBytes limits request bodies on /upload. Zero means no limit.
func WithMaxUploadBytes(n int64) Option {
	return func(s *Server) {
		s.maxUploadBytes = n
	}
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics enables request metrics and the /metrics endpoint.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// unimplementedMethods answer 501 on every path.
var unimplementedMethods = map[string]bool{
	http.MethodPut:     true,
	http.MethodDelete:  true,
	http.MethodHead:    true,
	http.MethodOptions: true,
	http.MethodConnect: true,
	http.MethodPatch:   true,
	http.MethodTrace:   true,
}

// NewHandler creates the HTTP handler for the upload service.
func NewHandler(svc Service, opts ...Option) http.Handler {
	s := &Server{
		Service: svc,
		logger:  slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.logRequests)
	r.Use(middleware.Recoverer)
	r.Use(s.rejectUnimplemented)

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		// Only /upload advertises a method restriction; elsewhere the path is simply unknown.
		if r.URL.Path == "/upload" {
			w.Header().Set("Allow", http.MethodPost)
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	})

	r.Post("/upload", s.Upload)
	r.Get("/uploads", s.ListUploads)
	r.Get("/health", s.GetHealth)
	r.Get("/info", s.GetInfo)
	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(api.Spec)
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}
	r.Get("/{id}/{name}", s.Download)

	return r
}

func (s *Server) rejectUnimplemented(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if unimplementedMethods[r.Method] {
			w.WriteHeader(http.StatusNotImplemented)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		if s.logger.Enabled(r.Context(), slog.LevelDebug) {
			s.logger.Debug("request headers", "request_id", middleware.GetReqID(r.Context()), "headers", redactHeaders(r.Header))
		}

		next.ServeHTTP(ww, r)

		elapsed := time.Since(start)
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
			route = rctx.RoutePattern()
		}
		s.metrics.ObserveRequest(r.Method, route, status, elapsed)
		s.logger.Info("request",
			"method", r.Method,
			"uri", r.RequestURI,
			"proto", r.Proto,
			"status", status,
			"bytes", ww.BytesWritten(),
			"duration", elapsed,
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

var sensitiveHeaders = []string{"Authorization", "Proxy-Authorization", "Cookie", "Set-Cookie"}

// redactHeaders returns a copy of h with credentials masked.
func redactHeaders(h http.Header) http.Header {
	out := h.Clone()
	for _, name := range sensitiveHeaders {
		if _, ok := out[name]; ok {
			out[name] = []string{"[REDACTED]"}
		}
	}
	return out
}

// Upload handles POST /upload.
func (s *Server) Upload(w http.ResponseWriter, r *http.Request) {
	if s.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	}

	contentType := r.Header.Get("Content-Type")
	mediaType := strings.ToLower(strings.TrimSpace(strings.SplitN(contentType, ";", 2)[0]))
	switch {
	case strings.HasPrefix(mediaType, "multipart/form-data"):
		s.uploadMultipart(w, r, contentType)
	case mediaType == "application/x-www-form-urlencoded":
		s.writeOutcome(w, r, s.Service.StoreForm(r.Context(), r.Body))
	default:
		s.uploadRaw(w, r, contentType)
	}
}

func (s *Server) uploadMultipart(w http.ResponseWriter, r *http.Request, contentType string) {
	boundary, err := multipart.BoundaryFromContentType(contentType)
	if err != nil {
		http.Error(w, "failed to parse boundary", http.StatusBadRequest)
		s.logger.Warn("multipart upload without boundary", "content_type", contentType, "error", err)
		return
	}

	mr := multipart.NewReader(r.Body, boundary, multipart.WithLogger(s.logger))
	s.writeOutcome(w, r, s.Service.StoreMultipart(r.Context(), mr))
}

func (s *Server) uploadRaw(w http.ResponseWriter, r *http.Request, contentType string) {
	fileName := r.Header.Get(FileNameHeader)
	if fileName == "" {
		fileName = domain.DefaultFileName
	}

	stored, err := s.Service.StoreRaw(r.Context(), fileName, contentType, r.Body)
	status := http.StatusOK
	if err != nil {
		status = statusForStoreError(err)
	}

	result := domain.UploadResult{
		Part:  []domain.UploadResultPart{s.resultPart(r, stored)},
		Error: domain.ErrorString(err),
	}
	writeJSON(w, status, result, s.logger)
}

func (s *Server) writeOutcome(w http.ResponseWriter, r *http.Request, out upload.Outcome) {
	result := domain.UploadResult{
		Part:  make([]domain.UploadResultPart, 0, len(out.Files)),
		Error: domain.ErrorString(out.Err),
	}
	for _, stored := range out.Files {
		result.Part = append(result.Part, s.resultPart(r, stored))
	}

	status := http.StatusOK
	if out.Err != nil {
		status = statusForStoreError(out.Err)
	}
	writeJSON(w, status, result, s.logger)
}

func (s *Server) resultPart(r *http.Request, stored upload.Stored) domain.UploadResultPart {
	part := domain.UploadResultPart{
		Name:     stored.FieldName,
		FileName: stored.FileName,
		Error:    domain.ErrorString(stored.Err),
	}
	if part.Name == "" {
		part.Name = stored.FileName
	}
	if stored.Err == nil {
		part.FileName = stored.Upload.Name
		part.URL = s.fileURL(r, stored.Upload.Key())
	}
	return part
}

func statusForStoreError(err error) int {
	var tooLarge *http.MaxBytesError
	var streamErr *upload.StreamError
	switch {
	case errors.As(err, &tooLarge):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, domain.ErrInvalidFileName), errors.Is(err, upload.ErrBadEncoding), errors.As(err, &streamErr):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// fileURL builds the download URL for key.
func (s *Server) fileURL(r *http.Request, key domain.FileKey) string {
	base := s.publicURL
	if base == "" {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		base = scheme + "://" + r.Host
	}
	return base + "/" + url.PathEscape(key.ID) + "/" + url.PathEscape(key.Name)
}

// Download handles GET /{id}/{name}.
func (s *Server) Download(w http.ResponseWriter, r *http.Request) {
	key := domain.FileKey{ID: pathParam(r, "id"), Name: pathParam(r, "name")}

	blob, err := s.Service.Open(r.Context(), key)
	if err != nil {
		if errors.Is(err, domain.ErrFileNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		http.Error(w, "failed to open file", http.StatusInternalServerError)
		s.logger.Error("download failed", "key", key.String(), "error", err)
		return
	}
	defer blob.Body.Close()

	// The type is whatever the uploader declared; never let a browser run it.
	contentType := blob.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if isActiveContent(contentType) {
		disposition := mime.FormatMediaType("attachment", map[string]string{"filename": key.Name})
		if disposition == "" {
			disposition = "attachment"
		}
		w.Header().Set("Content-Disposition", disposition)
	}

	if rs, ok := blob.Body.(io.ReadSeeker); ok {
		http.ServeContent(w, r, key.Name, blob.ModTime, rs)
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(blob.Size, 10))
	if !blob.ModTime.IsZero() {
		w.Header().Set("Last-Modified", blob.ModTime.UTC().Format(http.TimeFormat))
	}
	if _, err := io.Copy(w, blob.Body); err != nil {
		s.logger.Warn("download interrupted", "key", key.String(), "error", err)
	}
}

// isActiveContent reports whether a browser would render or execute the type
// in the server's origin.
func isActiveContent(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return true
	}
	switch {
	case mediaType == "text/html",
		strings.HasSuffix(mediaType, "/xml"),
		strings.HasSuffix(mediaType, "+xml"),
		strings.Contains(mediaType, "javascript"),
		strings.Contains(mediaType, "ecmascript"):
		return true
	default:
		return false
	}
}

// pathParam returns the decoded URL parameter. chi matches against the raw
// path when the request carried escapes, so those need decoding here.
func pathParam(r *http.Request, name string) string {
	v := chi.URLParam(r, name)
	if r.URL.RawPath == "" {
		return v
	}
	if decoded, err := url.PathUnescape(v); err == nil {
		return decoded
	}
	return v
}

type uploadView struct {
	domain.Upload
	URL string `json:"url"`
}

// ListUploads handles GET /uploads.
func (s *Server) ListUploads(w http.ResponseWriter, r *http.Request) {
	uploads, err := s.Service.List(r.Context())
	if err != nil {
		http.Error(w, "failed to list uploads", http.StatusInternalServerError)
		s.logger.Error("list uploads failed", "error", err)
		return
	}

	views := make([]uploadView, 0, len(uploads))
	for _, u := range uploads {
		views = append(views, uploadView{Upload: u, URL: s.fileURL(r, u.Key())})
	}
	writeJSON(w, http.StatusOK, views, s.logger)
}

// GetHealth handles the GET /health request.
func (s *Server) GetHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, s.logger)
}

// GetInfo handles the GET /info request.
func (s *Server) GetInfo(w http.ResponseWriter, r *http.Request) {
	apiVersion := "unknown"
	if doc, err := loadSpec(); err == nil && doc.Info != nil {
		apiVersion = doc.Info.Version
	}

	resp := map[string]string{
		"app":         "transfer",
		"version":     strings.TrimSpace(transfer.Version),
		"api_version": apiVersion,
	}
	writeJSON(w, http.StatusOK, resp, s.logger)
}

var loadSpec = sync.OnceValues(func() (*openapi3.T, error) {
	return openapi3.NewLoader().LoadFromData(api.Spec)
})

func writeJSON(w http.ResponseWriter, status int, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("response encode failed", "error", err)
	}
}
