package services

import (
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"fileexchange/portal/auth"
	"fileexchange/portal/schema"
	"fileexchange/utils"

	"github.com/go-chi/chi/v5"
	"gorm.io/gorm"
)

// Invite codes avoid 0/O/1/I so they survive being read aloud or handwritten.
const inviteAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

const (
	minInviteLen = 5
	maxInviteLen = 10

	minInviteBatch = 1
	maxInviteBatch = 50
)

type InviteService struct {
	db       *gorm.DB
	auditLog auth.AuditLogger
}

// Routes carries no middleware of its own: the router is mounted inside the
// super-only admin group.
func (s *InviteService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/", s.List)
	r.Post("/", s.Generate)
	r.Delete("/{code}", s.Revoke)

	return r
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func randomInviteCode(length int) (string, error) {
	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(int64(len(inviteAlphabet))))
		if err != nil {
			return "", fmt.Errorf("error generating invite code: %w", err)
		}
		code[i] = inviteAlphabet[n.Int64()]
	}
	return string(code), nil
}

type generateInvitesRequest struct {
	Count  int `json:"count"`
	Length int `json:"length"`
}

type generateInvitesResponse struct {
	Codes []string `json:"codes"`
}

func (s *InviteService) Generate(w http.ResponseWriter, r *http.Request) {
	var params generateInvitesRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	count := clamp(params.Count, minInviteBatch, maxInviteBatch)
	length := clamp(params.Length, minInviteLen, maxInviteLen)

	codes := make([]string, 0, count)
	err := s.db.Transaction(func(txn *gorm.DB) error {
		for len(codes) < count {
			code, err := randomInviteCode(length)
			if err != nil {
				return CodedError(err, http.StatusInternalServerError)
			}

			var existing schema.Invite
			result := txn.Limit(1).Find(&existing, "code = ?", code)
			if result.Error != nil {
				slog.Error("sql error checking invite code uniqueness", "error", result.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
			if result.RowsAffected != 0 {
				continue
			}

			result = txn.Create(&schema.Invite{Code: code, CreatedAt: time.Now().UTC()})
			if result.Error != nil {
				slog.Error("sql error creating invite", "error", result.Error)
				return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
			}
			codes = append(codes, code)
		}
		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error generating invites: %v", err), GetResponseCode(err))
		return
	}

	admin, _ := auth.UserFromContext(r)
	s.auditLog.Event(admin.Username, "generate_invites", fmt.Sprintf("count=%d length=%d", count, length))

	utils.WriteJsonResponse(w, generateInvitesResponse{Codes: codes})
}

type inviteInfo struct {
	Code      string     `json:"code"`
	IsUsed    bool       `json:"is_used"`
	UsedBy    string     `json:"used_by,omitempty"`
	UsedAt    *time.Time `json:"used_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
}

func (s *InviteService) List(w http.ResponseWriter, r *http.Request) {
	var invites []schema.Invite
	result := s.db.Order("created_at desc").Find(&invites)
	if result.Error != nil {
		slog.Error("sql error listing invites", "error", result.Error)
		http.Error(w, schema.ErrDbAccessFailed.Error(), http.StatusInternalServerError)
		return
	}

	infos := make([]inviteInfo, 0, len(invites))
	for _, invite := range invites {
		infos = append(infos, inviteInfo{
			Code:      invite.Code,
			IsUsed:    invite.IsUsed,
			UsedBy:    invite.UsedBy,
			UsedAt:    invite.UsedAt,
			CreatedAt: invite.CreatedAt,
		})
	}

	utils.WriteJsonResponse(w, infos)
}

func (s *InviteService) Revoke(w http.ResponseWriter, r *http.Request) {
	code, err := utils.URLParam(r, "code")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	err = s.db.Transaction(func(txn *gorm.DB) error {
		invite, err := schema.GetInvite(code, txn)
		if err != nil {
			if errors.Is(err, schema.ErrInviteNotFound) {
				return CodedError(err, http.StatusNotFound)
			}
			return CodedError(err, http.StatusInternalServerError)
		}

		if invite.IsUsed {
			return CodedError(errors.New("cannot revoke an invite that has been used"), http.StatusUnprocessableEntity)
		}

		result := txn.Delete(&schema.Invite{Code: code})
		if result.Error != nil {
			slog.Error("sql error deleting invite", "error", result.Error)
			return CodedError(schema.ErrDbAccessFailed, http.StatusInternalServerError)
		}
		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error revoking invite: %v", err), GetResponseCode(err))
		return
	}

	admin, _ := auth.UserFromContext(r)
	s.auditLog.Event(admin.Username, "revoke_invite", fmt.Sprintf("code=%s", code))

	utils.WriteSuccess(w)
}
