// Package handler exposes the engine over HTTP/JSON.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/Adithya-Monish-Kumar-K/docsearch/internal/document"
	"github.com/Adithya-Monish-Kumar-K/docsearch/internal/schema"
	apperrors "github.com/Adithya-Monish-Kumar-K/docsearch/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/docsearch/pkg/logger"
)

const defaultMaxBodyBytes = 16 * 1024

type Engine interface {
	AddDocument(ctx context.Context, doc document.Document) error
	Search(ctx context.Context, q string) ([]document.Document, error)
	SearchWithFields(ctx context.Context, q string, fields []string) ([]document.Document, error)
	Get(id string) (document.Document, error)
	RegisterField(name string) (schema.Field, error)
	Reindex(ctx context.Context) (int, error)
}

// CacheInvalidator is satisfied by *cache.QueryCache.
type CacheInvalidator interface {
	Invalidate(ctx context.Context) (int64, error)
}

type Handler struct {
	engine       Engine
	cache        CacheInvalidator
	maxBodyBytes int64
	logger       *slog.Logger
}

// New returns a Handler. cache may be nil when query caching is disabled.
func New(eng Engine, cache CacheInvalidator, maxBodyBytes int64) *Handler {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	return &Handler{
		engine:       eng,
		cache:        cache,
		maxBodyBytes: maxBodyBytes,
		logger:       slog.Default().With("component", "http-handler"),
	}
}

// Register mounts every route on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /document", h.AddDocument)
	mux.HandleFunc("GET /document/{id}", h.GetDocument)
	mux.HandleFunc("GET /search", h.Search)
	mux.HandleFunc("POST /fields", h.RegisterField)
	mux.HandleFunc("POST /reindex", h.Reindex)
	mux.HandleFunc("POST /cache/invalidate", h.CacheInvalidate)
}

type successResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

type searchResponse struct {
	Status  string              `json:"status"`
	Count   int                 `json:"count"`
	Results []document.Document `json:"results"`
}

type fieldRequest struct {
	Name string `json:"name"`
}

type fieldResponse struct {
	Status string    `json:"status"`
	Field  fieldInfo `json:"field"`
}

type fieldInfo struct {
	Name    string `json:"name"`
	Type    string `json:"type"`
	Ordinal int    `json:"ordinal"`
}

func (h *Handler) AddDocument(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var doc document.Document
	if !h.decode(w, r, &doc) {
		return
	}
	if err := h.engine.AddDocument(ctx, doc); err != nil {
		h.writeError(w, r, err)
		return
	}
	logger.FromContext(ctx).Info("document added", "doc_id", doc.ID)
	h.writeJSON(w, http.StatusCreated, successResponse{
		Status:  "success",
		Message: "Document added successfully",
	})
}

func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	doc, err := h.engine.Get(r.PathValue("id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, doc)
}

// Search serves GET /search?q=...&fields=a,b. Without fields only content
// is searched.
func (h *Handler) Search(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query().Get("q")
	fields := splitFields(r.URL.Query().Get("fields"))

	var docs []document.Document
	var err error
	if len(fields) > 0 {
		docs, err = h.engine.SearchWithFields(ctx, q, fields)
	} else {
		docs, err = h.engine.Search(ctx, q)
	}
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if docs == nil {
		docs = []document.Document{}
	}
	logger.FromContext(ctx).Debug("search completed",
		"query", q,
		"fields", fields,
		"count", len(docs),
	)
	h.writeJSON(w, http.StatusOK, searchResponse{
		Status:  "success",
		Count:   len(docs),
		Results: docs,
	})
}

func (h *Handler) RegisterField(w http.ResponseWriter, r *http.Request) {
	var req fieldRequest
	if !h.decode(w, r, &req) {
		return
	}
	f, err := h.engine.RegisterField(strings.TrimSpace(req.Name))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	logger.FromContext(r.Context()).Info("field registered", "field", f.Name)
	h.writeJSON(w, http.StatusCreated, fieldResponse{
		Status: "success",
		Field:  fieldInfo{Name: f.Name, Type: f.Type.String(), Ordinal: f.Ordinal},
	})
}

func (h *Handler) Reindex(w http.ResponseWriter, r *http.Request) {
	n, err := h.engine.Reindex(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":    "success",
		"reindexed": n,
	})
}

func (h *Handler) CacheInvalidate(w http.ResponseWriter, r *http.Request) {
	if h.cache == nil {
		h.writeError(w, r, apperrors.New(apperrors.ErrUnavailable, http.StatusServiceUnavailable, "caching is disabled"))
		return
	}
	n, err := h.cache.Invalidate(r.Context())
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"status":       "success",
		"keys_deleted": n,
	})
}

// decode reads a size-capped JSON body into v, answering 413 or 400 itself
// when it cannot.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(w, r, apperrors.Newf(apperrors.ErrPayloadTooLarge, http.StatusRequestEntityTooLarge,
				"request body exceeds %d bytes", tooLarge.Limit))
			return false
		}
		h.writeError(w, r, apperrors.Wrap(apperrors.ErrInvalidInput, err, "invalid JSON body"))
		return false
	}
	return true
}

func splitFields(raw string) []string {
	if raw == "" {
		return nil
	}
	var out []string
	for _, f := range strings.Split(raw, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}
