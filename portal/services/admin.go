package services

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"fileexchange/portal/auth"
	"fileexchange/portal/schema"
	"fileexchange/utils"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

// AdminService is the super-only account management surface.
type AdminService struct {
	db       *gorm.DB
	sessions *auth.SessionProvider
	auditLog auth.AuditLogger
	invites  *InviteService
}

func (s *AdminService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(s.sessions.AuthMiddleware()...)
		r.Use(auth.SuperOnly())

		r.Get("/users", s.ListUsers)
		r.Post("/users", s.CreateUser)

		r.Post("/users/{user_id}/role", s.SetRole)
		r.Post("/users/{user_id}/active", s.SetActive)
		r.Post("/users/{user_id}/password", s.ResetPassword)

		r.Delete("/users/{user_id}", s.DeleteUser)

		r.Mount("/invites", s.invites.Routes())
	})

	return r
}

func (s *AdminService) ListUsers(w http.ResponseWriter, r *http.Request) {
	var users []schema.User
	result := s.db.Order("username asc").Find(&users)
	if result.Error != nil {
		slog.Error("sql error listing users", "error", result.Error)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, lo.Map(users, func(user schema.User, _ int) userInfoResponse {
		return convertToUserInfo(user)
	}))
}

type createUserRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (s *AdminService) CreateUser(w http.ResponseWriter, r *http.Request) {
	var params createUserRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	username := strings.TrimSpace(params.Username)
	if username == "" {
		http.Error(w, "username is required", http.StatusUnprocessableEntity)
		return
	}
	if len(params.Password) < minPasswordLen {
		http.Error(w, fmt.Sprintf("password must be at least %d characters", minPasswordLen), http.StatusUnprocessableEntity)
		return
	}

	role := params.Role
	if role == "" {
		role = schema.RoleUser
	}
	if !schema.ValidRole(role) {
		http.Error(w, fmt.Sprintf("invalid role '%v'", role), http.StatusUnprocessableEntity)
		return
	}

	userId, err := s.sessions.CreateUser(s.db, username, strings.TrimSpace(params.Email), params.Password, role)
	if err != nil {
		responseCode := http.StatusInternalServerError
		if errors.Is(err, auth.ErrUsernameAlreadyInUse) {
			responseCode = http.StatusConflict
		}
		http.Error(w, fmt.Sprintf("error creating user: %v", err), responseCode)
		return
	}

	admin, _ := auth.UserFromContext(r)
	s.auditLog.Event(admin.Username, "create_user", fmt.Sprintf("username=%s role=%s", username, role))

	utils.WriteJsonResponse(w, registerResponse{UserId: userId})
}

// guardSuperTarget rejects changes that could lock supers out of the portal:
// acting on your own account, or stripping the last active super of access.
// "stripping" covers delete, deactivate, and demotion to a lower role alike.
func guardSuperTarget(txn *gorm.DB, actor schema.User, target schema.User) error {
	if actor.Id == target.Id {
		return CodedError(errors.New("cannot perform this action on your own account"), http.StatusUnprocessableEntity)
	}

	if target.Role != schema.RoleSuper || !target.IsActive {
		return nil
	}

	count, err := schema.CountActiveSupers(txn)
	if err != nil {
		return CodedError(err, http.StatusInternalServerError)
	}
	if count < 2 {
		return CodedError(errors.New("cannot remove the last active super account"), http.StatusUnprocessableEntity)
	}
	return nil
}

func (s *AdminService) targetUser(r *http.Request, txn *gorm.DB) (schema.User, error) {
	param, err := utils.URLParam(r, "user_id")
	if err != nil {
		return schema.User{}, CodedError(err, http.StatusBadRequest)
	}
	userId, err := uuid.Parse(param)
	if err != nil {
		return schema.User{}, CodedError(fmt.Errorf("invalid user id: %v", err), http.StatusBadRequest)
	}

	user, err := schema.GetUser(userId, txn)
	if err != nil {
		if errors.Is(err, schema.ErrUserNotFound) {
			return schema.User{}, CodedError(err, http.StatusNotFound)
		}
		return schema.User{}, CodedError(err, http.StatusInternalServerError)
	}
	return user, nil
}

type setRoleRequest struct {
	Role string `json:"role"`
}

func (s *AdminService) SetRole(w http.ResponseWriter, r *http.Request) {
	var params setRoleRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if !schema.ValidRole(params.Role) {
		http.Error(w, fmt.Sprintf("invalid role '%v'", params.Role), http.StatusUnprocessableEntity)
		return
	}

	admin, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var target schema.User
	err = s.db.Transaction(func(txn *gorm.DB) error {
		target, err = s.targetUser(r, txn)
		if err != nil {
			return err
		}

		if target.Role == params.Role {
			return nil
		}

		// Demoting a super is a removal for lockout purposes.
		if target.Role == schema.RoleSuper {
			if err := guardSuperTarget(txn, admin, target); err != nil {
				return err
			}
		}

		result := txn.Model(&schema.User{}).Where("id = ?", target.Id).Update("role", params.Role)
		if result.Error != nil {
			slog.Error("sql error updating user role", "user_id", target.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error updating role: %v", err), GetResponseCode(err))
		return
	}

	s.auditLog.Event(admin.Username, "set_user_role", fmt.Sprintf("username=%s role=%s", target.Username, params.Role))
	utils.WriteSuccess(w)
}

type setActiveRequest struct {
	IsActive bool `json:"is_active"`
}

func (s *AdminService) SetActive(w http.ResponseWriter, r *http.Request) {
	var params setActiveRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	admin, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var target schema.User
	err = s.db.Transaction(func(txn *gorm.DB) error {
		target, err = s.targetUser(r, txn)
		if err != nil {
			return err
		}

		if target.IsActive == params.IsActive {
			return nil
		}

		if !params.IsActive {
			if err := guardSuperTarget(txn, admin, target); err != nil {
				return err
			}
		}

		result := txn.Model(&schema.User{}).Where("id = ?", target.Id).Update("is_active", params.IsActive)
		if result.Error != nil {
			slog.Error("sql error updating user active flag", "user_id", target.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error updating account status: %v", err), GetResponseCode(err))
		return
	}

	s.auditLog.Event(admin.Username, "set_user_active", fmt.Sprintf("username=%s is_active=%v", target.Username, params.IsActive))
	utils.WriteSuccess(w)
}

type resetPasswordRequest struct {
	Password string `json:"password"`
}

func (s *AdminService) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var params resetPasswordRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	if len(params.Password) < minPasswordLen {
		http.Error(w, fmt.Sprintf("password must be at least %d characters", minPasswordLen), http.StatusUnprocessableEntity)
		return
	}

	admin, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var target schema.User
	err = s.db.Transaction(func(txn *gorm.DB) error {
		target, err = s.targetUser(r, txn)
		if err != nil {
			return err
		}
		return s.sessions.SetPassword(txn, target.Id, params.Password)
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error resetting password: %v", err), GetResponseCode(err))
		return
	}

	s.auditLog.Event(admin.Username, "reset_password", fmt.Sprintf("username=%s", target.Username))
	utils.WriteSuccess(w)
}

func (s *AdminService) DeleteUser(w http.ResponseWriter, r *http.Request) {
	admin, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var target schema.User
	err = s.db.Transaction(func(txn *gorm.DB) error {
		target, err = s.targetUser(r, txn)
		if err != nil {
			return err
		}

		if err := guardSuperTarget(txn, admin, target); err != nil {
			return err
		}

		result := txn.Delete(&schema.User{Id: target.Id})
		if result.Error != nil {
			slog.Error("sql error deleting user", "user_id", target.Id, "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error deleting user: %v", err), GetResponseCode(err))
		return
	}

	s.auditLog.Event(admin.Username, "delete_user", fmt.Sprintf("username=%s", target.Username))
	utils.WriteSuccess(w)
}
