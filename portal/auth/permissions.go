package auth

import (
	"fmt"
	"net/http"

	"fileexchange/portal/schema"
)

// AdminOnly admits admin and super roles.
func AdminOnly() func(http.Handler) http.Handler {
	return roleGate(func(role string) bool { return schema.IsStaff(role) }, "admin")
}

// SuperOnly admits only the super role.
func SuperOnly() func(http.Handler) http.Handler {
	return roleGate(func(role string) bool { return role == schema.RoleSuper }, "super")
}

func roleGate(allowed func(string) bool, required string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		hfn := func(w http.ResponseWriter, r *http.Request) {
			user, err := UserFromContext(r)
			if err != nil {
				http.Error(w, err.Error(), http.StatusInternalServerError)
				return
			}

			if !allowed(user.Role) {
				http.Error(w, fmt.Sprintf("user %v does not have the %v role", user.Id, required), http.StatusForbidden)
				return
			}

			next.ServeHTTP(w, r)
		}
		return http.HandlerFunc(hfn)
	}
}

type FileAction int // Private constructors only so the table below stays exhaustive.

const (
	ActionSetUrgency FileAction = iota
	ActionSetStage
	ActionToggleReviewed
	ActionSetNote
	ActionDownload
	ActionDelete
	ActionApprove
)

// Allow is the single authorization decision point for per-file operations.
//
// Urgency and stage are staff-only and never touch files uploaded by external
// (user-role) accounts. Reviewed is the inverse: it is an acknowledgment made
// by user-role accounts about staff uploads, so staff cannot toggle it and it
// does not apply to user uploads. Delete admits staff plus anyone when the file
// itself is user-uploaded.
func Allow(subjectRole, uploaderRole string, action FileAction) bool {
	switch action {
	case ActionSetUrgency, ActionSetStage:
		return schema.IsStaff(subjectRole) && uploaderRole != schema.RoleUser
	case ActionToggleReviewed:
		return subjectRole == schema.RoleUser && uploaderRole != schema.RoleUser
	case ActionDelete:
		return schema.IsStaff(subjectRole) || uploaderRole == schema.RoleUser
	case ActionApprove:
		return schema.IsStaff(subjectRole)
	case ActionSetNote, ActionDownload:
		return true
	default:
		return false
	}
}

// RoleCanPerform reports whether a role can ever perform the action on some
// file, ignoring the uploader condition. It separates a denial because of who
// the caller is from a denial because of which file they picked; the two get
// different response codes.
func RoleCanPerform(subjectRole string, action FileAction) bool {
	switch action {
	case ActionSetUrgency, ActionSetStage, ActionApprove:
		return schema.IsStaff(subjectRole)
	case ActionToggleReviewed:
		return subjectRole == schema.RoleUser
	default:
		return true
	}
}
