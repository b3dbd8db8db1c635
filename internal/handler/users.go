package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/trafi/trafi/internal/auth"
	"github.com/trafi/trafi/internal/config"
	"github.com/trafi/trafi/internal/model"
	"github.com/trafi/trafi/internal/rbac"
	"github.com/trafi/trafi/internal/server/middleware"
	"github.com/trafi/trafi/internal/service"
)

// UserHandler manages the users of the caller's store.
type UserHandler struct {
	svc    *service.AuthService
	logger *slog.Logger
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(svc *service.AuthService, logger *slog.Logger) *UserHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &UserHandler{svc: svc, logger: logger}
}

// ListUsers returns every user of the store.
// GET /api/v1/users
func (h *UserHandler) ListUsers(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	users, err := h.svc.ListUsers(r.Context(), p.TenantID)
	if err != nil {
		writeInternalError(w, r, h.logger, "Failed to list users", err)
		return
	}
	if users == nil {
		users = []model.User{}
	}
	writeJSON(w, http.StatusOK, model.ListResponse{
		Resource: users,
		Meta:     &model.ResponseMeta{Count: len(users), Total: int64(len(users))},
	})
}

type createUserRequest struct {
	Email    string `json:"email" validate:"required,email,max=254"`
	Name     string `json:"name" validate:"max=200"`
	Password string `json:"password" validate:"required,min=8,max=72"`
	Role     string `json:"role" validate:"required,oneof=OWNER ADMIN EDITOR VIEWER"`
}

// CreateUser adds a user to the caller's store.
// POST /api/v1/users
func (h *UserHandler) CreateUser(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	var req createUserRequest
	if !decodeBody(w, r, &req) {
		return
	}

	user, err := h.svc.InviteUser(r.Context(), p, service.CreateUserInput{
		Email:    req.Email,
		Name:     req.Name,
		Password: req.Password,
		Role:     rbac.Role(req.Role),
	})
	if err != nil {
		switch {
		case errors.Is(err, service.ErrEmailTaken):
			writeError(w, http.StatusConflict, "A user with this email already exists")
		case errors.Is(err, service.ErrRoleEscalation):
			writeError(w, http.StatusForbidden, "Forbidden", map[string]interface{}{
				"reason": "role_escalation",
			})
		case errors.Is(err, rbac.ErrUnknownRole):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeInternalError(w, r, h.logger, "Failed to create user", err)
		}
		return
	}

	h.logger.Info("user created",
		"user_id", user.ID,
		"role", string(user.Role),
		"created_by", p.ID,
		"request_id", middleware.GetRequestID(r.Context()),
	)
	writeJSON(w, http.StatusCreated, user)
}

type changeRoleRequest struct {
	Role string `json:"role" validate:"required,oneof=OWNER ADMIN EDITOR VIEWER"`
}

// ChangeRole sets a user's role. The user's permissions change at their
// next token refresh.
// PUT /api/v1/users/{userId}/role
func (h *UserHandler) ChangeRole(w http.ResponseWriter, r *http.Request) {
	p, ok := auth.PrincipalFrom(r.Context())
	if !ok {
		writeUnauthorized(w)
		return
	}

	var req changeRoleRequest
	if !decodeBody(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "userId")
	user, err := h.svc.ChangeRole(r.Context(), p.TenantID, id, rbac.Role(req.Role))
	if err != nil {
		switch {
		case errors.Is(err, service.ErrUserNotFound):
			writeError(w, http.StatusNotFound, "User not found: "+id)
		case errors.Is(err, config.ErrLastOwner):
			writeError(w, http.StatusConflict, "Cannot demote the last owner of the store")
		case errors.Is(err, rbac.ErrUnknownRole):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeInternalError(w, r, h.logger, "Failed to change role", err)
		}
		return
	}

	h.logger.Info("user role changed",
		"user_id", user.ID,
		"role", string(user.Role),
		"changed_by", p.ID,
		"request_id", middleware.GetRequestID(r.Context()),
	)
	writeJSON(w, http.StatusOK, user)
}
