package tenantkey

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/relaygate/relaygate/internal/audit"
	"github.com/relaygate/relaygate/internal/httpserver"
)

// Handler provides HTTP handlers for the tenant-key admin API.
type Handler struct {
	logger  *slog.Logger
	audit   *audit.Writer
	service *Service
}

// NewHandler creates a tenant-key Handler.
func NewHandler(logger *slog.Logger, auditWriter *audit.Writer, service *Service) *Handler {
	return &Handler{logger: logger, audit: auditWriter, service: service}
}

// Routes returns a chi.Router with every tenant-key route mounted. The
// caller is responsible for applying admin auth before mounting this.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
	r.Post("/{id}/disable", h.handleDisable)
	r.Post("/{id}/enable", h.handleEnable)
	r.Delete("/{id}", h.handleDelete)
	return r
}

func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	resp, err := h.service.Create(r.Context(), req)
	if err != nil {
		h.logger.Error("creating tenant key", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create tenant key")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "create", "tenant_key", resp.ID, nil)
	}

	httpserver.Respond(w, http.StatusCreated, resp)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.List(r.Context())
	if err != nil {
		h.logger.Error("listing tenant keys", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list tenant keys")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"keys":  items,
		"count": len(items),
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	resp, err := h.service.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "tenant key not found")
			return
		}
		h.logger.Error("getting tenant key", "error", err, "id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get tenant key")
		return
	}

	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleDisable(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if err := h.service.Disable(r.Context(), id); err != nil {
		h.logger.Error("disabling tenant key", "error", err, "id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to disable tenant key")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "disable", "tenant_key", id, nil)
	}

	httpserver.Respond(w, http.StatusOK, nil)
}

func (h *Handler) handleEnable(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if err := h.service.Enable(r.Context(), id); err != nil {
		h.logger.Error("enabling tenant key", "error", err, "id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to enable tenant key")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "enable", "tenant_key", id, nil)
	}

	httpserver.Respond(w, http.StatusOK, nil)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "tenant key not found")
			return
		}
		h.logger.Error("deleting tenant key", "error", err, "id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to delete tenant key")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "delete", "tenant_key", id, nil)
	}

	httpserver.Respond(w, http.StatusNoContent, nil)
}

func parseID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", "invalid tenant key ID")
		return uuid.UUID{}, false
	}
	return id, true
}
