// Package web exposes registered models over a JSON HTTP API. Query
// parameters map onto querysets: field__op=value becomes a filter
// condition, _sort orders, _limit and _offset paginate.
package web

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/artpar/modelq"
)

// Handler serves the model API.
type Handler struct {
	registry *modelq.Registry
	logger   zerolog.Logger
}

// Deps contains dependencies for the handler.
type Deps struct {
	Registry *modelq.Registry
	Logger   zerolog.Logger
}

// NewHandler creates a model API handler.
func NewHandler(deps Deps) *Handler {
	registry := deps.Registry
	if registry == nil {
		registry = modelq.DefaultRegistry
	}
	return &Handler{
		registry: registry,
		logger:   deps.Logger,
	}
}

// Router returns the API router.
func (h *Handler) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/models", h.ListModels)
	r.Get("/models/{model}/schema", h.GetSchema)
	r.Get("/models/{model}", h.ListEntities)
	r.Post("/models/{model}", h.CreateEntity)
	r.Get("/models/{model}/{id}", h.GetEntity)
	r.Put("/models/{model}/{id}", h.UpdateEntity)
	r.Delete("/models/{model}/{id}", h.DeleteEntity)

	return r
}

// ListModels returns the registered model names.
func (h *Handler) ListModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"models": h.registry.Names()})
}

// GetSchema returns the JSON-ready schema for one model.
func (h *Handler) GetSchema(w http.ResponseWriter, r *http.Request) {
	d, ok := h.registry.Get(chi.URLParam(r, "model"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_model", "Model not found")
		return
	}
	writeJSON(w, http.StatusOK, d.Describe())
}

// ListEntities executes a filtered, sorted, paginated query.
func (h *Handler) ListEntities(w http.ResponseWriter, r *http.Request) {
	d, ok := h.registry.Get(chi.URLParam(r, "model"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_model", "Model not found")
		return
	}

	params := parseListParams(r.URL.Query(), d)

	qs := d.Objects()
	if len(params.Filter) > 0 {
		qs = qs.Filter(params.Filter)
	}
	if len(params.Sort) > 0 {
		qs = qs.OrderBy(params.Sort...)
	}
	qs = qs.Paginate(modelq.Page{Limit: params.Limit, Offset: params.Offset})

	results, err := qs.Execute(r.Context())
	if err != nil {
		h.logger.Error().Err(err).Str("model", d.Name).Msg("list query failed")
		writeError(w, http.StatusInternalServerError, "query_failed", err.Error())
		return
	}

	rows := make([]map[string]any, len(results))
	for i, e := range results {
		row, err := e.Export()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "export_failed", err.Error())
			return
		}
		rows[i] = row
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"results": rows,
		"count":   len(rows),
	})
}

// GetEntity returns one entity by primary key.
func (h *Handler) GetEntity(w http.ResponseWriter, r *http.Request) {
	d, ok := h.registry.Get(chi.URLParam(r, "model"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_model", "Model not found")
		return
	}

	e, err := d.Objects().Get(r.Context(), modelq.Filter{
		d.PrimaryKey: modelq.Lookup{"exact": chi.URLParam(r, "id")},
	})
	if err != nil {
		writeQueryError(w, h.logger, d.Name, err)
		return
	}
	writeEntity(w, http.StatusOK, e)
}

// CreateEntity builds an entity from the request body and saves it.
func (h *Handler) CreateEntity(w http.ResponseWriter, r *http.Request) {
	d, ok := h.registry.Get(chi.URLParam(r, "model"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_model", "Model not found")
		return
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}

	e, err := d.NewFrom(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_attributes", err.Error())
		return
	}
	if err := e.Save(r.Context()); err != nil {
		writeSaveError(w, h.logger, d.Name, err)
		return
	}
	writeEntity(w, http.StatusCreated, e)
}

// UpdateEntity merges the request body into an existing entity and
// saves it.
func (h *Handler) UpdateEntity(w http.ResponseWriter, r *http.Request) {
	d, ok := h.registry.Get(chi.URLParam(r, "model"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_model", "Model not found")
		return
	}

	e, err := d.Objects().Get(r.Context(), modelq.Filter{
		d.PrimaryKey: modelq.Lookup{"exact": chi.URLParam(r, "id")},
	})
	if err != nil {
		writeQueryError(w, h.logger, d.Name, err)
		return
	}

	var body map[string]any
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "Invalid JSON body")
		return
	}
	for k, v := range body {
		if k == d.PrimaryKey {
			continue
		}
		e.Set(k, v)
	}
	if err := e.Save(r.Context()); err != nil {
		writeSaveError(w, h.logger, d.Name, err)
		return
	}
	writeEntity(w, http.StatusOK, e)
}

// DeleteEntity removes one entity by primary key.
func (h *Handler) DeleteEntity(w http.ResponseWriter, r *http.Request) {
	d, ok := h.registry.Get(chi.URLParam(r, "model"))
	if !ok {
		writeError(w, http.StatusNotFound, "unknown_model", "Model not found")
		return
	}

	e, err := d.Objects().Get(r.Context(), modelq.Filter{
		d.PrimaryKey: modelq.Lookup{"exact": chi.URLParam(r, "id")},
	})
	if err != nil {
		writeQueryError(w, h.logger, d.Name, err)
		return
	}
	if err := e.Delete(r.Context()); err != nil {
		h.logger.Error().Err(err).Str("model", d.Name).Msg("delete failed")
		writeError(w, http.StatusInternalServerError, "delete_failed", err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeQueryError(w http.ResponseWriter, logger zerolog.Logger, model string, err error) {
	switch {
	case errors.Is(err, modelq.ErrNotFound):
		writeError(w, http.StatusNotFound, "not_found", "Entity not found")
	case errors.Is(err, modelq.ErrMultipleResults):
		writeError(w, http.StatusConflict, "multiple_results", "Filter matched more than one entity")
	default:
		logger.Error().Err(err).Str("model", model).Msg("query failed")
		writeError(w, http.StatusInternalServerError, "query_failed", err.Error())
	}
}

func writeSaveError(w http.ResponseWriter, logger zerolog.Logger, model string, err error) {
	var verr *modelq.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusUnprocessableEntity, "validation_failed", verr.Error())
	case errors.Is(err, modelq.ErrMissingPrimaryKey):
		writeError(w, http.StatusBadRequest, "missing_primary_key", err.Error())
	case errors.Is(err, modelq.ErrNotImplemented):
		writeError(w, http.StatusNotImplemented, "not_implemented", err.Error())
	default:
		logger.Error().Err(err).Str("model", model).Msg("save failed")
		writeError(w, http.StatusInternalServerError, "save_failed", err.Error())
	}
}

func writeEntity(w http.ResponseWriter, status int, e *modelq.Entity) {
	row, err := e.Export()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "export_failed", err.Error())
		return
	}
	writeJSON(w, status, row)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
	})
}
