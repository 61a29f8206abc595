package account

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

// mustParseID parses an account id for the audit log, falling back to
// the nil UUID if it isn't well-formed (accounts are always created
// with a generated UUID, so this only matters for malformed admin
// input that the handlers above already validated against a live row).
func mustParseID(id string) uuid.UUID {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return uuid.UUID{}
	}
	return parsed
}

// Handler provides HTTP handlers for the upstream-account admin API.
type Handler struct {
	logger  *slog.Logger
	audit   *audit.Writer
	service *Service
}

// NewHandler creates an account Handler.
func NewHandler(logger *slog.Logger, auditWriter *audit.Writer, service *Service) *Handler {
	return &Handler{logger: logger, audit: auditWriter, service: service}
}

// Routes returns a chi.Router with every account route mounted. The
// caller is responsible for applying admin auth before mounting this.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.handleCreate)
	r.Get("/", h.handleList)
	r.Get("/{id}", h.handleGet)
	r.Patch("/{id}", h.handleUpdate)
	r.Post("/{id}/credentials", h.handleRotateCredentials)
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
		h.logger.Error("creating account", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to create account")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "create", "account", mustParseID(resp.ID), nil)
	}

	httpserver.Respond(w, http.StatusCreated, resp)
}

func (h *Handler) handleList(w http.ResponseWriter, r *http.Request) {
	items, err := h.service.List(r.Context())
	if err != nil {
		h.logger.Error("listing accounts", "error", err)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to list accounts")
		return
	}

	httpserver.Respond(w, http.StatusOK, map[string]any{
		"accounts": items,
		"count":    len(items),
	})
}

func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	resp, err := h.service.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "account not found")
			return
		}
		h.logger.Error("getting account", "error", err, "id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to get account")
		return
	}

	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleUpdate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req UpdateRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	resp, err := h.service.Update(r.Context(), id, req)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "account not found")
			return
		}
		h.logger.Error("updating account", "error", err, "id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to update account")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "update", "account", mustParseID(id), nil)
	}

	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleRotateCredentials(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req RotateCredentialsRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}

	resp, err := h.service.RotateCredentials(r.Context(), id, req)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "account not found")
			return
		}
		h.logger.Error("rotating account credentials", "error", err, "id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to rotate credentials")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "rotate_credentials", "account", mustParseID(id), nil)
	}

	httpserver.Respond(w, http.StatusOK, resp)
}

func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.service.Delete(r.Context(), id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			httpserver.RespondError(w, http.StatusNotFound, "not_found", "account not found")
			return
		}
		h.logger.Error("deleting account", "error", err, "id", id)
		httpserver.RespondError(w, http.StatusInternalServerError, "internal_error", "failed to delete account")
		return
	}

	if h.audit != nil {
		h.audit.LogFromRequest(r, "delete", "account", mustParseID(id), nil)
	}

	httpserver.Respond(w, http.StatusNoContent, nil)
}
