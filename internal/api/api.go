// Package api implements the archive's HTTP handlers: collection CRUD,
// the echo endpoint, and the root banner. Admission checks are not done
// here; the server wraps these routes with the gatekeeper pipeline.
package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/civicarchive/civicarchive/internal/gatekeeper"
	"github.com/civicarchive/civicarchive/internal/storage"
)

const (
	defaultPageSize = 20
	maxPageSize     = 200
)

// Handler serves the archive routes.
type Handler struct {
	store  storage.Store
	logger *slog.Logger
}

// NewHandler builds a handler over the given store.
func NewHandler(store storage.Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// RegisterSystem registers the unprotected system routes.
func (h *Handler) RegisterSystem(r chi.Router) {
	r.Get("/", h.banner)
}

// RegisterAPI registers the protected archive routes. The caller is
// expected to wrap this group with the admission pipeline.
func (h *Handler) RegisterAPI(r chi.Router) {
	r.Post("/api/echo", h.echo)
	r.Post("/api/{collection}", h.upsert)
	r.Get("/api/{collection}", h.list)
	r.Get("/api/{collection}/{id}", h.get)
	r.Delete("/api/{collection}/{id}", h.delete)
}

// RouteTemplates lists every registered template, for route-label
// resolution of requests that terminate before routing.
func RouteTemplates() []string {
	return []string{
		"/",
		"/api/echo",
		"/api/{collection}",
		"/api/{collection}/{id}",
	}
}

// NotFoundHandler writes the uniform 404 body for unknown paths.
func NotFoundHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		gatekeeper.WriteError(w, http.StatusNotFound, "NOT_FOUND", "Not Found", nil)
	}
}

func (h *Handler) banner(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte("API Server Available"))
}

// echo returns whatever JSON the client sent. Bodies that are absent or
// not valid JSON echo back as an empty object.
func (h *Handler) echo(w http.ResponseWriter, r *http.Request) {
	var data any = map[string]any{}
	if r.Body != nil {
		raw, err := io.ReadAll(r.Body)
		if err == nil && len(bytes.TrimSpace(raw)) > 0 {
			var parsed any
			if json.Unmarshal(raw, &parsed) == nil && parsed != nil {
				data = parsed
			}
		}
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"you_sent": data})
}

// upsertItem is the part of an archive document the API validates; the
// rest of the payload is stored as-is.
type upsertItem struct {
	URL string `json:"url"`
}

func (h *Handler) upsert(w http.ResponseWriter, r *http.Request) {
	collection, ok := h.collection(w, r)
	if !ok {
		return
	}

	raw, err := io.ReadAll(r.Body)
	if err != nil {
		gatekeeper.WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Could not read request body", nil)
		return
	}

	items, err := splitPayload(raw)
	if err != nil {
		gatekeeper.WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid request body", nil)
		return
	}

	docs := make([]storage.Document, 0, len(items))
	for _, item := range items {
		var head upsertItem
		if err := json.Unmarshal(item, &head); err != nil || head.URL == "" {
			gatekeeper.WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Each item requires a url field", nil)
			return
		}
		docs = append(docs, storage.Document{URL: head.URL, Payload: item})
	}

	result, err := h.store.Upsert(r.Context(), collection, docs)
	if err != nil {
		h.serverError(w, r, "upsert failed", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, result)
}

// splitPayload accepts either a single JSON object or an array of objects.
func splitPayload(raw []byte) ([]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, errors.New("empty body")
	}
	if trimmed[0] == '[' {
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, err
		}
		return items, nil
	}
	var item json.RawMessage
	if err := json.Unmarshal(trimmed, &item); err != nil {
		return nil, err
	}
	return []json.RawMessage{item}, nil
}

// queryInt parses an integer query parameter, falling back to def when
// the parameter is absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	return strconv.Atoi(raw)
}

type listResponse struct {
	Page  int                `json:"page"`
	Size  int                `json:"size"`
	Total int64              `json:"total"`
	Items []storage.Document `json:"items"`
}

func (h *Handler) list(w http.ResponseWriter, r *http.Request) {
	collection, ok := h.collection(w, r)
	if !ok {
		return
	}

	page, err := queryInt(r, "page", 1)
	if err != nil || page < 1 {
		gatekeeper.WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid page parameter", nil)
		return
	}
	size, err := queryInt(r, "size", defaultPageSize)
	if err != nil || size < 1 || size > maxPageSize {
		gatekeeper.WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid size parameter", nil)
		return
	}

	docs, total, err := h.store.List(r.Context(), collection, storage.ListOptions{
		Query: r.URL.Query().Get("q"),
		Page:  page,
		Size:  size,
	})
	if err != nil {
		h.serverError(w, r, "list failed", err)
		return
	}
	if docs == nil {
		docs = []storage.Document{}
	}
	h.writeJSON(w, http.StatusOK, listResponse{Page: page, Size: size, Total: total, Items: docs})
}

func (h *Handler) get(w http.ResponseWriter, r *http.Request) {
	collection, ok := h.collection(w, r)
	if !ok {
		return
	}
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}

	doc, err := h.store.Get(r.Context(), collection, id)
	if errors.Is(err, storage.ErrNotFound) {
		gatekeeper.WriteError(w, http.StatusNotFound, "NOT_FOUND", "Not Found", nil)
		return
	}
	if err != nil {
		h.serverError(w, r, "get failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, doc)
}

func (h *Handler) delete(w http.ResponseWriter, r *http.Request) {
	collection, ok := h.collection(w, r)
	if !ok {
		return
	}
	id, ok := h.itemID(w, r)
	if !ok {
		return
	}

	err := h.store.Delete(r.Context(), collection, id)
	if errors.Is(err, storage.ErrNotFound) {
		gatekeeper.WriteError(w, http.StatusNotFound, "NOT_FOUND", "Not Found", nil)
		return
	}
	if err != nil {
		h.serverError(w, r, "delete failed", err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "id": id})
}

// collection validates the path collection. Unknown collections are 404s,
// matching a router that only knows the fixed set.
func (h *Handler) collection(w http.ResponseWriter, r *http.Request) (string, bool) {
	name := chi.URLParam(r, "collection")
	if !storage.ValidCollection(name) {
		gatekeeper.WriteError(w, http.StatusNotFound, "NOT_FOUND", "Not Found", nil)
		return "", false
	}
	return name, true
}

func (h *Handler) itemID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		gatekeeper.WriteError(w, http.StatusBadRequest, "VALIDATION_ERROR", "Invalid item id", nil)
		return 0, false
	}
	return id, true
}

func (h *Handler) serverError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "path", r.URL.Path)
	gatekeeper.WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal Server Error", nil)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, body any) {
	data, err := json.Marshal(body)
	if err != nil {
		h.logger.Error("response encoding failed", "error", err)
		gatekeeper.WriteError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal Server Error", nil)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}
