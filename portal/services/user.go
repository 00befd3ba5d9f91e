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
	"gorm.io/gorm"
)

const minPasswordLen = 6

type UserService struct {
	db       *gorm.DB
	sessions *auth.SessionProvider
	auditLog auth.AuditLogger

	// Registration bypass code from the environment, valid forever and never
	// consumed. Empty means no bypass.
	inviteBypass string
}

func (s *UserService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Post("/login", s.Login)
		r.Post("/register", s.Register)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.sessions.AuthMiddleware()...)

		r.Get("/info", s.Info)
		r.Post("/logout", s.Logout)
	})

	return r
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginResponse struct {
	UserId      uuid.UUID `json:"user_id"`
	Username    string    `json:"username"`
	Role        string    `json:"role"`
	AccessToken string    `json:"access_token"`
}

func (s *UserService) Login(w http.ResponseWriter, r *http.Request) {
	var params loginRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	login, err := s.sessions.Login(strings.TrimSpace(params.Username), params.Password)
	if err != nil {
		responseCode := http.StatusInternalServerError
		if errors.Is(err, auth.ErrInvalidCredentials) {
			responseCode = http.StatusUnauthorized
		}
		http.Error(w, fmt.Sprintf("login failed: %v", err), responseCode)
		return
	}

	s.auditLog.Event(login.Username, "login", "")

	utils.WriteJsonResponse(w, loginResponse{
		UserId:      login.UserId,
		Username:    login.Username,
		Role:        login.Role,
		AccessToken: login.AccessToken,
	})
}

type registerRequest struct {
	Username   string `json:"username"`
	Email      string `json:"email"`
	Password   string `json:"password"`
	InviteCode string `json:"invite_code"`
}

type registerResponse struct {
	UserId uuid.UUID `json:"user_id"`
}

// inviteRequired reports whether registration is gated. The gate is active
// whenever a bypass code is configured or any unused invite exists, so a
// fresh install with neither stays open for bootstrapping.
func (s *UserService) inviteRequired(txn *gorm.DB) (bool, error) {
	if s.inviteBypass != "" {
		return true, nil
	}

	var count int64
	result := txn.Model(&schema.Invite{}).Where("is_used = ?", false).Count(&count)
	if result.Error != nil {
		slog.Error("sql error counting unused invites", "error", result.Error)
		return false, schema.ErrDbAccessFailed
	}
	return count > 0, nil
}

func (s *UserService) consumeInvite(txn *gorm.DB, code, username string) error {
	if s.inviteBypass != "" && code == s.inviteBypass {
		return nil
	}

	invite, err := schema.GetInvite(code, txn)
	if err != nil {
		if errors.Is(err, schema.ErrInviteNotFound) {
			return CodedError(errors.New("invalid invite code"), http.StatusUnprocessableEntity)
		}
		return CodedError(err, http.StatusInternalServerError)
	}

	if invite.IsUsed {
		return CodedError(errors.New("invite code has already been used"), http.StatusUnprocessableEntity)
	}

	// The is_used guard keeps two concurrent registrations from sharing one
	// invite.
	result := txn.Model(&schema.Invite{}).
		Where("code = ? AND is_used = ?", invite.Code, false).
		Updates(map[string]interface{}{"is_used": true, "used_by": username, "used_at": txn.NowFunc()})
	if result.Error != nil {
		slog.Error("sql error consuming invite", "error", result.Error)
		return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
	}
	if result.RowsAffected == 0 {
		return CodedError(errors.New("invite code has already been used"), http.StatusUnprocessableEntity)
	}

	return nil
}

func (s *UserService) Register(w http.ResponseWriter, r *http.Request) {
	var params registerRequest
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

	var userId uuid.UUID
	err := s.db.Transaction(func(txn *gorm.DB) error {
		required, err := s.inviteRequired(txn)
		if err != nil {
			return CodedError(err, http.StatusInternalServerError)
		}
		if required {
			code := strings.TrimSpace(params.InviteCode)
			if code == "" {
				return CodedError(errors.New("an invite code is required to register"), http.StatusUnprocessableEntity)
			}
			if err := s.consumeInvite(txn, code, username); err != nil {
				return err
			}
		}

		userId, err = s.sessions.CreateUser(txn, username, strings.TrimSpace(params.Email), params.Password, schema.RoleUser)
		if err != nil {
			if errors.Is(err, auth.ErrUsernameAlreadyInUse) {
				return CodedError(err, http.StatusConflict)
			}
			return CodedError(err, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("registration failed: %v", err), GetResponseCode(err))
		return
	}

	s.auditLog.Event(username, "register", "")

	utils.WriteJsonResponse(w, registerResponse{UserId: userId})
}

type userInfoResponse struct {
	Id       uuid.UUID `json:"id"`
	Username string    `json:"username"`
	Email    string    `json:"email"`
	Role     string    `json:"role"`
	IsActive bool      `json:"is_active"`
}

func convertToUserInfo(user schema.User) userInfoResponse {
	return userInfoResponse{
		Id:       user.Id,
		Username: user.Username,
		Email:    user.Email,
		Role:     user.Role,
		IsActive: user.IsActive,
	}
}

func (s *UserService) Info(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	utils.WriteJsonResponse(w, convertToUserInfo(user))
}

// Logout only records the event. Tokens are stateless and expire on their
// own; clients discard theirs.
func (s *UserService) Logout(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	s.auditLog.Event(user.Username, "logout", "")
	utils.WriteSuccess(w)
}
