package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/jacktea/mediacaddy/pkg/blob"
	"github.com/jacktea/mediacaddy/pkg/cache"
	"github.com/jacktea/mediacaddy/pkg/demux"
	"github.com/jacktea/mediacaddy/pkg/media"
	"github.com/jacktea/mediacaddy/pkg/meta"
	"github.com/jacktea/mediacaddy/pkg/metrics"
	"github.com/jacktea/mediacaddy/pkg/server/middleware"
	"github.com/jacktea/mediacaddy/pkg/xerrors"
)

// DefaultMaxUploadBytes caps request bodies when Options leave it unset.
const DefaultMaxUploadBytes = 5_000_000

// statusClientClosedRequest is the non-standard status logged when the
// client goes away before the response. It never reaches the client.
const statusClientClosedRequest = 499

// Prober describes a stored video container.
type Prober interface {
	Probe(ctx context.Context, r io.Reader) (demux.Info, error)
}

// Server exposes a blob store over HTTP: uploads are validated and
// normalized, downloads are served by identifier.
type Server struct {
	Store blob.Store
	// Inspector backs GET /meta/{id}. Nil disables the route.
	Inspector *meta.Inspector
	// Prober checks uploaded videos. Nil stores videos unchecked.
	Prober Prober
	// Metrics backs GET /metrics and request instrumentation. Nil disables both.
	Metrics *metrics.Metrics
	Log     *zap.Logger
	Opts    Options
}

// Options configure upload limits and processing.
type Options struct {
	MaxUploadBytes  int64
	NormalizeImages bool
	ShutdownTimeout time.Duration
}

// Start begins listening on addr until ctx is canceled.
func (s *Server) Start(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	timeout := s.Opts.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		_ = srv.Shutdown(ctxShutdown)
	}()
	s.logger().Info("http listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Handler returns the routed handler with logging and panic recovery.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("POST /file", s.handleUpload)
	mux.HandleFunc("GET /file/{id}", s.handleDownload)
	mux.HandleFunc("DELETE /file/{id}", s.handleDelete)
	if s.Inspector != nil {
		mux.HandleFunc("GET /meta/{id}", s.handleMeta)
	}
	var observe middleware.HTTPMiddleware
	if s.Metrics != nil {
		mux.Handle("GET /metrics", s.Metrics.Handler())
		observe = middleware.Instrument(s.Metrics)
	}
	return middleware.Wrap(mux, middleware.AccessLog(s.Log), observe, middleware.Recover(s.logger()))
}

func (s *Server) logger() *zap.Logger {
	if s.Log == nil {
		return zap.NewNop()
	}
	return s.Log
}

func (s *Server) maxUpload() int64 {
	if s.Opts.MaxUploadBytes > 0 {
		return s.Opts.MaxUploadBytes
	}
	return DefaultMaxUploadBytes
}

// pathID extracts the identifier segment, refusing separators that an
// escaped path could smuggle in.
func pathID(r *http.Request) (blob.ID, error) {
	raw := r.PathValue("id")
	if strings.ContainsAny(raw, `/\`) {
		return "", xerrors.E(xerrors.KindTraversal, "http", raw)
	}
	id := blob.ID(raw)
	if err := blob.ValidateID(id); err != nil {
		return "", err
	}
	return id, nil
}

type uploadResponse struct {
	ID     blob.ID `json:"id"`
	Format string  `json:"format"`
	MIME   string  `json:"mime"`
	Size   int64   `json:"size"`
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUpload())
	part, err := firstFilePart(r)
	if err != nil {
		s.rejectUpload(w, r, err)
		return
	}
	defer part.Close()

	format, body, err := media.Sniff(part)
	if err != nil {
		s.rejectUpload(w, r, err)
		return
	}

	var id blob.ID
	var size int64
	switch {
	case format.IsImage() && s.Opts.NormalizeImages:
		var buf bytes.Buffer
		if err := media.ToWebP(&buf, body, format); err != nil {
			s.rejectUpload(w, r, err)
			return
		}
		format = media.WEBP
		id, size, err = s.Store.Put(ctx, &buf)
	default:
		id, size, err = s.Store.Put(ctx, body)
	}
	if err != nil {
		s.rejectUpload(w, r, err)
		return
	}

	if format.IsVideo() && s.Prober != nil {
		if err := s.probeStored(ctx, id); err != nil {
			if delErr := s.Store.Delete(context.WithoutCancel(ctx), id); delErr != nil {
				s.logger().Warn("failed to remove rejected video", zap.String("id", string(id)), zap.Error(delErr))
			}
			s.rejectUpload(w, r, err)
			return
		}
	}

	s.Metrics.ObserveUpload(format.String(), size)
	s.logger().Info("stored upload", zap.String("id", string(id)), zap.Stringer("format", format), zap.Int64("size", size))
	writeJSON(w, http.StatusCreated, uploadResponse{ID: id, Format: format.String(), MIME: format.MIME(), Size: size})
}

func (s *Server) rejectUpload(w http.ResponseWriter, r *http.Request, err error) {
	reason := xerrors.KindOf(err).String()
	if statusFor(err) == http.StatusRequestEntityTooLarge {
		reason = xerrors.KindTooLarge.String()
	}
	s.Metrics.ObserveRejection(reason)
	s.httpError(w, r, err)
}

func firstFilePart(r *http.Request) (*multipart.Part, error) {
	const op = "http.Upload"
	mr, err := r.MultipartReader()
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindInvalid, op, "body", err)
	}
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, xerrors.E(xerrors.KindInvalid, op, "no file part")
		}
		if err != nil {
			var maxErr *http.MaxBytesError
			if errors.As(err, &maxErr) {
				return nil, xerrors.Wrap(xerrors.KindTooLarge, op, "body", err)
			}
			return nil, xerrors.Wrap(xerrors.KindInvalid, op, "body", err)
		}
		if part.FileName() != "" {
			return part, nil
		}
		part.Close()
	}
}

func (s *Server) probeStored(ctx context.Context, id blob.ID) error {
	rc, _, err := s.Store.Read(ctx, id)
	if err != nil {
		return err
	}
	defer rc.Close()
	info, err := s.Prober.Probe(ctx, rc)
	if err != nil {
		return err
	}
	s.logger().Debug("probed upload", zap.String("id", string(id)), zap.String("container", info.FormatName), zap.Int("streams", len(info.Streams)))
	return nil
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	rc, size, err := s.Store.Read(r.Context(), id)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	defer rc.Close()

	w.Header().Set("X-Content-Type-Options", "nosniff")
	rs, ok := rc.(io.ReadSeeker)
	if !ok {
		w.Header().Set("Content-Type", "application/octet-stream")
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		io.Copy(w, rc)
		return
	}
	contentType := "application/octet-stream"
	if format, err := media.Classify(rs); err == nil {
		contentType = format.MIME()
	} else if !xerrors.Is(err, xerrors.KindRejectedFormat) {
		s.httpError(w, r, err)
		return
	}
	w.Header().Set("Content-Type", contentType)
	var modified time.Time
	if f, ok := rc.(*os.File); ok {
		if info, err := f.Stat(); err == nil {
			modified = info.ModTime()
		}
	}
	http.ServeContent(w, r, "", modified, rs)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	if err := s.Store.Delete(r.Context(), id); err != nil {
		s.httpError(w, r, err)
		return
	}
	if s.Inspector != nil {
		s.Inspector.Forget(id)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMeta(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	rec, err := s.Inspector.Describe(r.Context(), id)
	if err != nil {
		s.httpError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

type healthResponse struct {
	Status    string       `json:"status"`
	Demux     bool         `json:"demux"`
	MetaCache *cache.Stats `json:"meta_cache,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{Status: "ok", Demux: s.Prober != nil}
	if s.Inspector != nil {
		stats := s.Inspector.CacheStats()
		resp.MetaCache = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// statusFor maps an error to the response status.
func statusFor(err error) int {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}
	switch xerrors.KindOf(err) {
	case xerrors.KindNotFound:
		return http.StatusNotFound
	case xerrors.KindAlreadyExists:
		return http.StatusConflict
	case xerrors.KindInvalid, xerrors.KindTraversal:
		return http.StatusBadRequest
	case xerrors.KindSymlink, xerrors.KindPermission:
		return http.StatusForbidden
	case xerrors.KindRejectedFormat:
		return http.StatusUnsupportedMediaType
	case xerrors.KindDecode, xerrors.KindOpenFailed, xerrors.KindProbeFailed:
		return http.StatusUnprocessableEntity
	case xerrors.KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case xerrors.KindNotSupported:
		return http.StatusNotImplemented
	case xerrors.KindCanceled:
		return statusClientClosedRequest
	}
	return http.StatusInternalServerError
}

func (s *Server) httpError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.logger().Error("request failed", zap.String("path", r.URL.Path), zap.Error(err))
		http.Error(w, http.StatusText(status), status)
		return
	}
	s.logger().Debug("request rejected", zap.String("path", r.URL.Path), zap.Int("status", status), zap.Error(err))
	http.Error(w, err.Error(), status)
}
