package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"fileexchange/portal/schema"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	"gorm.io/gorm"
)

var (
	ErrInvalidCredentials   = errors.New("invalid login credentials")
	ErrGeneratingJwt        = errors.New("error generating jwt")
	ErrUsernameAlreadyInUse = errors.New("username is already in use")
)

type LoginResult struct {
	UserId      uuid.UUID
	Username    string
	Role        string
	AccessToken string
}

type requestContextKey string

const UserRequestContextKey requestContextKey = "user"

// SessionProvider issues and verifies bearer tokens against the portal's own
// user table.
type SessionProvider struct {
	jwtManager *JwtManager
	db         *gorm.DB
	auditLog   AuditLogger
}

type SessionProviderArgs struct {
	Secret        []byte
	AdminUsername string
	AdminEmail    string
	AdminPassword string
}

func NewSessionProvider(db *gorm.DB, auditLog AuditLogger, args SessionProviderArgs) (*SessionProvider, error) {
	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(args.AdminPassword), 10)
	if err != nil {
		return nil, fmt.Errorf("error encrypting admin password: %w", err)
	}

	err = addInitialSuperToDb(db, uuid.New(), args.AdminUsername, args.AdminEmail, hashedPwd)
	if err != nil {
		return nil, fmt.Errorf("error adding initial super account to db: %w", err)
	}

	return &SessionProvider{
		jwtManager: NewJwtManager(args.Secret),
		db:         db,
		auditLog:   auditLog,
	}, nil
}

// The service is unusable without a super account, so one is seeded from the
// environment on first boot. Subsequent boots leave the table alone.
func addInitialSuperToDb(db *gorm.DB, userId uuid.UUID, username, email string, password []byte) error {
	user := schema.User{
		Id:       userId,
		Username: username,
		Email:    email,
		Password: password,
		Role:     schema.RoleSuper,
		IsActive: true,
	}

	err := db.Transaction(func(txn *gorm.DB) error {
		var existingSuper schema.User
		result := txn.Limit(1).Find(&existingSuper, "role = ?", schema.RoleSuper)
		if result.Error != nil {
			slog.Error("sql error checking if super account has already been added", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if result.RowsAffected == 0 {
			result := txn.Create(&user)
			if result.Error != nil {
				slog.Error("sql error creating initial super account", "error", result.Error)
				return schema.ErrDbAccessFailed
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("error adding initial super account to db: %w", err)
	}

	return nil
}

func (auth *SessionProvider) addUserToContext() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := func(w http.ResponseWriter, r *http.Request) {
			userId, err := ValueFromContext(r, userIdKey)
			if err != nil {
				http.Error(w, err.Error(), http.StatusUnauthorized)
				return
			}

			userUUID, err := uuid.Parse(userId)
			if err != nil {
				http.Error(w, fmt.Sprintf("invalid user uuid '%v': %v'", userId, err), http.StatusUnauthorized)
				return
			}

			user, err := schema.GetUser(userUUID, auth.db)
			if err != nil {
				if errors.Is(err, schema.ErrUserNotFound) {
					http.Error(w, err.Error(), http.StatusNotFound)
					return
				}
				http.Error(w, fmt.Sprintf("unable to find user %v: %v", userId, err), http.StatusInternalServerError)
				return
			}

			if !user.IsActive {
				http.Error(w, fmt.Sprintf("account %v is deactivated", user.Username), http.StatusForbidden)
				return
			}

			reqCtx := r.Context()
			reqCtx = context.WithValue(reqCtx, UserRequestContextKey, user)
			next.ServeHTTP(w, r.WithContext(reqCtx))
		}

		return http.HandlerFunc(handler)
	}
}

func (auth *SessionProvider) AuthMiddleware() chi.Middlewares {
	return chi.Middlewares{auth.jwtManager.Verifier(), auth.jwtManager.Authenticator(), auth.addUserToContext(), auth.auditLog.Middleware}
}

// Login checks username/password against the user table. A missing account, a
// deactivated account, and a wrong password are indistinguishable to the
// caller.
func (auth *SessionProvider) Login(username, password string) (LoginResult, error) {
	var user schema.User
	result := auth.db.First(&user, "username = ?", username)
	if result.Error != nil {
		if errors.Is(result.Error, gorm.ErrRecordNotFound) {
			return LoginResult{}, ErrInvalidCredentials
		}
		slog.Error("sql error looking up user by username", "error", result.Error)
		return LoginResult{}, schema.ErrDbAccessFailed
	}

	if !user.IsActive {
		return LoginResult{}, ErrInvalidCredentials
	}

	err := bcrypt.CompareHashAndPassword(user.Password, []byte(password))
	if err != nil {
		return LoginResult{}, ErrInvalidCredentials
	}

	token, err := auth.jwtManager.CreateUserJwt(user.Id)
	if err != nil {
		return LoginResult{}, ErrGeneratingJwt
	}

	return LoginResult{UserId: user.Id, Username: user.Username, Role: user.Role, AccessToken: token}, nil
}

// SetPassword replaces a user's password hash.
func (auth *SessionProvider) SetPassword(db *gorm.DB, userId uuid.UUID, password string) error {
	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(password), 10)
	if err != nil {
		return fmt.Errorf("error encrypting password: %w", err)
	}

	result := db.Model(&schema.User{}).Where("id = ?", userId).Update("password", hashedPwd)
	if result.Error != nil {
		slog.Error("sql error updating user password", "user_id", userId, "error", result.Error)
		return schema.ErrDbAccessFailed
	}
	return nil
}

// CreateUser adds an account. The db handle is a parameter so callers can
// fold the creation into a larger transaction.
func (auth *SessionProvider) CreateUser(db *gorm.DB, username, email, password, role string) (uuid.UUID, error) {
	if !schema.ValidRole(role) {
		return uuid.Nil, fmt.Errorf("invalid role '%v'", role)
	}

	hashedPwd, err := bcrypt.GenerateFromPassword([]byte(password), 10)
	if err != nil {
		return uuid.Nil, fmt.Errorf("error encrypting password: %w", err)
	}

	newUser := schema.User{
		Id:       uuid.New(),
		Username: username,
		Email:    email,
		Password: hashedPwd,
		Role:     role,
		IsActive: true,
	}

	err = db.Transaction(func(txn *gorm.DB) error {
		var existingUser schema.User
		result := txn.Limit(1).Find(&existingUser, "username = ?", username)
		if result.Error != nil {
			slog.Error("sql error checking for existing username", "error", result.Error)
			return schema.ErrDbAccessFailed
		}
		if result.RowsAffected != 0 {
			return ErrUsernameAlreadyInUse
		}

		result = txn.Create(&newUser)
		if result.Error != nil {
			slog.Error("sql error creating new user entry", "error", result.Error)
			return schema.ErrDbAccessFailed
		}

		return nil
	})

	if err != nil {
		return uuid.Nil, fmt.Errorf("error creating new user: %w", err)
	}

	return newUser.Id, nil
}
