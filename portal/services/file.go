package services

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"fileexchange/portal/auth"
	"fileexchange/portal/index"
	"fileexchange/portal/mailer"
	"fileexchange/portal/schema"
	"fileexchange/portal/storage"
	"fileexchange/utils"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"gorm.io/gorm"
)

// ApprovedDir is the archive subdirectory approved files move into. It lives
// inside the exchange directory but is excluded from listings.
const ApprovedDir = "_approved"

const uploadTimestampLayout = "2006-01-02 15:04:05"

type FileService struct {
	db       *gorm.DB
	storage  storage.Storage
	index    *index.Index
	sessions *auth.SessionProvider
	auditLog auth.AuditLogger
	mailer   *mailer.Mailer

	maxUploadBytes int64
}

func (s *FileService) Routes() chi.Router {
	r := chi.NewRouter()

	r.Group(func(r chi.Router) {
		r.Use(s.sessions.AuthMiddleware()...)

		r.Get("/", s.List)
		r.Post("/upload", s.Upload)

		r.Get("/{filename}/download", s.Download)
		r.Post("/{filename}/urgency", s.SetUrgency)
		r.Post("/{filename}/stage", s.SetStage)
		r.Post("/{filename}/note", s.SetNote)
		r.Post("/{filename}/reviewed", s.SetReviewed)
		r.Post("/{filename}/approve", s.Approve)

		r.Delete("/{filename}", s.Delete)
	})

	return r
}

// lookupRole resolves a username to its current account role, for records
// whose stored role snapshot is unusable.
func (s *FileService) lookupRole(username string) (string, bool) {
	user, err := schema.GetUserByUsername(username, s.db)
	if err != nil {
		return "", false
	}
	return user.Role, true
}

func filenameParam(r *http.Request) (string, error) {
	filename, err := utils.URLParam(r, "filename")
	if err != nil {
		return "", CodedError(err, http.StatusBadRequest)
	}
	if !validArchiveName(filename) {
		return "", CodedError(fmt.Errorf("invalid filename '%v'", filename), http.StatusBadRequest)
	}
	return filename, nil
}

type fileRow struct {
	Name         string   `json:"name"`
	SizeBytes    int64    `json:"size_bytes"`
	ModifiedAt   string   `json:"modified_at"`
	Uploader     string   `json:"uploader"`
	UploaderRole string   `json:"uploader_role"`
	Urgency      string   `json:"urgency"`
	Stage        string   `json:"stage"`
	Note         string   `json:"note"`
	NoteBy       string   `json:"note_by"`
	NoteAt       string   `json:"note_at"`
	Reviewed     bool     `json:"reviewed"`
	ReviewedBy   []string `json:"reviewed_by"`
	CanDelete    bool     `json:"can_delete"`
}

type listFilesResponse struct {
	AdminRows []fileRow `json:"admin_rows"`
	UserRows  []fileRow `json:"user_rows"`
}

func (s *FileService) List(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	names, err := s.storage.List(".")
	if err != nil {
		http.Error(w, "error listing exchange directory", http.StatusInternalServerError)
		return
	}

	records := s.index.Load()

	rows := make([]fileRow, 0, len(names))
	for _, name := range names {
		if !validArchiveName(name) {
			continue
		}

		rec, tracked := records[name]
		if !tracked {
			// A file with no record at all gets the default first stage, the
			// same as a record with the stage field missing. Only an explicit
			// empty string means "no stage".
			rec.Stage = index.StageChoices[0]
		}
		uploaderRole := index.UploaderRole(rec, s.lookupRole)

		urgency := rec.Urgency
		if urgency == "" {
			urgency = UrgencyNormal
		}

		size, err := s.storage.Size(name)
		if err != nil {
			continue
		}
		mtime, err := s.storage.ModTime(name)
		if err != nil {
			continue
		}

		reviewers := make([]string, 0, len(rec.ReviewedBy))
		for reviewer, reviewed := range rec.ReviewedBy {
			if reviewed {
				reviewers = append(reviewers, reviewer)
			}
		}
		sort.Strings(reviewers)

		rows = append(rows, fileRow{
			Name:         name,
			SizeBytes:    size,
			ModifiedAt:   mtime.UTC().Format(uploadTimestampLayout),
			Uploader:     rec.Uploader,
			UploaderRole: uploaderRole,
			Urgency:      urgency,
			Stage:        rec.Stage,
			Note:         rec.Note,
			NoteBy:       rec.NoteBy,
			NoteAt:       rec.NoteAt,
			Reviewed:     rec.ReviewedBy[user.Username],
			ReviewedBy:   reviewers,
			CanDelete:    auth.Allow(user.Role, uploaderRole, auth.ActionDelete),
		})
	}

	// High urgency first, newest first within the same urgency.
	sort.SliceStable(rows, func(i, j int) bool {
		if rows[i].Urgency != rows[j].Urgency {
			return rows[i].Urgency == UrgencyHigh
		}
		return rows[i].ModifiedAt > rows[j].ModifiedAt
	})

	adminRows, userRows := lo.FilterReject(rows, func(row fileRow, _ int) bool {
		return row.UploaderRole != schema.RoleUser
	})

	utils.WriteJsonResponse(w, listFilesResponse{AdminRows: adminRows, UserRows: userRows})
}

func (s *FileService) Upload(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, fmt.Sprintf("error reading upload: %v", err), http.StatusBadRequest)
		return
	}
	defer file.Close()

	filename := sanitizeUploadName(header.Filename)
	if !validArchiveName(filename) {
		http.Error(w, "only zip archives can be uploaded", http.StatusUnprocessableEntity)
		return
	}

	// Only staff control workflow metadata at upload time. External uploads
	// always start at Normal urgency with no stage.
	urgency := UrgencyNormal
	stage := ""
	if schema.IsStaff(user.Role) {
		urgency = normalizeUrgency(r.FormValue("urgency"))
		// An absent stage field means the default first stage; an explicit
		// blank means no stage.
		stage = index.StageChoices[0]
		if r.MultipartForm != nil {
			if values := r.MultipartForm.Value["stage"]; len(values) > 0 {
				stage = index.NormalizeStage(values[0])
			}
		}
	}

	if err := s.storage.Write(filename, file); err != nil {
		http.Error(w, "error storing uploaded file", http.StatusInternalServerError)
		return
	}

	rec := index.FileRecord{
		Uploader:     user.Username,
		UploaderRole: user.Role,
		UploadedAt:   time.Now().UTC().Format(uploadTimestampLayout),
		Urgency:      urgency,
		Stage:        stage,
		ReviewedBy:   map[string]bool{},
	}
	err = s.index.Update(func(records map[string]index.FileRecord) error {
		records[filename] = rec
		return nil
	})
	if err != nil {
		http.Error(w, "error recording upload metadata", http.StatusInternalServerError)
		return
	}

	uploadsMetric.Inc()
	s.auditLog.Event(user.Username, "upload", filename)

	// Dispatch is synchronous and adds request latency; it never fails the
	// upload and is never retried.
	s.notifyUpload(user, mailer.Upload{
		Filename: filename,
		Uploader: user.Username,
		Urgency:  urgency,
		Stage:    stage,
	})

	utils.WriteJsonResponse(w, map[string]string{"filename": filename})
}

// notifyUpload emails the other side of the exchange: staff uploads go to
// external accounts, external uploads go to staff. Never surfaces errors.
func (s *FileService) notifyUpload(uploader schema.User, upload mailer.Upload) {
	defer func() {
		if r := recover(); r != nil {
			notifyFailureMetric.Inc()
			slog.Error("panic sending upload notification", "error", r)
		}
	}()

	var roles []string
	if schema.IsStaff(uploader.Role) {
		roles = []string{schema.RoleUser}
	} else {
		roles = []string{schema.RoleAdmin, schema.RoleSuper}
	}

	recipients, err := schema.ActiveEmails(s.db, roles...)
	if err != nil {
		notifyFailureMetric.Inc()
		slog.Error("error collecting notification recipients", "error", err)
		return
	}

	s.mailer.NotifyFileUpload(upload, recipients)
}

func (s *FileService) Download(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	filename, err := filenameParam(r)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	exists, err := s.storage.Exists(filename)
	if err != nil || !exists {
		http.Error(w, fmt.Sprintf("file '%v' not found", filename), http.StatusNotFound)
		return
	}

	file, err := s.storage.Read(filename)
	if err != nil {
		http.Error(w, "error opening file for download", http.StatusInternalServerError)
		return
	}
	defer file.Close()

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf(`attachment; filename="%s"`, filename))

	buffer := bufio.NewReader(file)
	chunk := make([]byte, 1024*1024)

	for {
		readN, err := buffer.Read(chunk)
		isEof := errors.Is(err, io.EOF)
		if err != nil && !isEof {
			slog.Error("error reading download chunk", "filename", filename, "error", err)
			return
		}

		if readN > 0 {
			if _, err := w.Write(chunk[:readN]); err != nil {
				slog.Error("error writing download chunk", "filename", filename, "error", err)
				return
			}
		}

		if isEof {
			break
		}
	}

	downloadsMetric.Inc()
	s.auditLog.Event(user.Username, "download", filename)
}

// mutateRecord runs one authorized read-modify-write cycle against a single
// file's record. The action gate is evaluated against the record as stored,
// inside the index lock.
func (s *FileService) mutateRecord(r *http.Request, action auth.FileAction, mutate func(rec *index.FileRecord, user schema.User)) (string, error) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		return "", CodedError(err, http.StatusInternalServerError)
	}

	filename, err := filenameParam(r)
	if err != nil {
		return filename, err
	}

	exists, err := s.storage.Exists(filename)
	if err != nil {
		return filename, CodedError(errors.New("error checking file"), http.StatusInternalServerError)
	}
	if !exists {
		return filename, CodedError(fmt.Errorf("file '%v' not found", filename), http.StatusNotFound)
	}

	err = s.index.Update(func(records map[string]index.FileRecord) error {
		rec, tracked := records[filename]
		if !tracked {
			rec.Stage = index.StageChoices[0]
		}
		uploaderRole := index.UploaderRole(rec, s.lookupRole)

		if !auth.Allow(user.Role, uploaderRole, action) {
			// When the role itself is fine the file is the problem, which is
			// a rule rejection rather than a permission failure.
			if auth.RoleCanPerform(user.Role, action) {
				return CodedError(errors.New("this action does not apply to this file"), http.StatusUnprocessableEntity)
			}
			return CodedError(errors.New("you do not have permission to perform this action"), http.StatusForbidden)
		}

		mutate(&rec, user)
		records[filename] = rec
		return nil
	})
	return filename, err
}

type setUrgencyRequest struct {
	Urgency string `json:"urgency"`
}

func (s *FileService) SetUrgency(w http.ResponseWriter, r *http.Request) {
	var params setUrgencyRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	urgency := normalizeUrgency(params.Urgency)

	filename, err := s.mutateRecord(r, auth.ActionSetUrgency, func(rec *index.FileRecord, _ schema.User) {
		rec.Urgency = urgency
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error setting urgency: %v", err), GetResponseCode(err))
		return
	}

	user, _ := auth.UserFromContext(r)
	s.auditLog.Event(user.Username, "set_urgency", fmt.Sprintf("%s=%s", filename, urgency))
	utils.WriteSuccess(w)
}

type setStageRequest struct {
	// A pointer so a missing field (default first stage) is distinguishable
	// from an explicit blank (no stage).
	Stage *string `json:"stage"`
}

func (s *FileService) SetStage(w http.ResponseWriter, r *http.Request) {
	var params setStageRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	stage := index.StageChoices[0]
	if params.Stage != nil {
		stage = index.NormalizeStage(*params.Stage)
	}

	filename, err := s.mutateRecord(r, auth.ActionSetStage, func(rec *index.FileRecord, _ schema.User) {
		rec.Stage = stage
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error setting stage: %v", err), GetResponseCode(err))
		return
	}

	user, _ := auth.UserFromContext(r)
	s.auditLog.Event(user.Username, "set_stage", fmt.Sprintf("%s=%s", filename, stage))
	utils.WriteSuccess(w)
}

type setNoteRequest struct {
	Note string `json:"note"`
}

func (s *FileService) SetNote(w http.ResponseWriter, r *http.Request) {
	var params setNoteRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	note := strings.TrimSpace(params.Note)
	runes := []rune(note)
	truncated := len(runes) > index.MaxNoteLen
	if truncated {
		note = string(runes[:index.MaxNoteLen])
	}

	// Clearing a note still records who cleared it and when.
	_, err := s.mutateRecord(r, auth.ActionSetNote, func(rec *index.FileRecord, user schema.User) {
		rec.Note = note
		rec.NoteBy = user.Username
		rec.NoteAt = time.Now().UTC().Format(uploadTimestampLayout)
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error setting note: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteJsonResponse(w, map[string]bool{"truncated": truncated})
}

type setReviewedRequest struct {
	Reviewed bool `json:"reviewed"`
}

func (s *FileService) SetReviewed(w http.ResponseWriter, r *http.Request) {
	var params setReviewedRequest
	if !utils.ParseRequestBody(w, r, &params) {
		return
	}

	_, err := s.mutateRecord(r, auth.ActionToggleReviewed, func(rec *index.FileRecord, user schema.User) {
		if rec.ReviewedBy == nil {
			rec.ReviewedBy = map[string]bool{}
		}
		if params.Reviewed {
			rec.ReviewedBy[user.Username] = true
		} else {
			delete(rec.ReviewedBy, user.Username)
		}
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error updating reviewed flag: %v", err), GetResponseCode(err))
		return
	}

	utils.WriteSuccess(w)
}

func (s *FileService) Delete(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	filename, err := filenameParam(r)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	exists, err := s.storage.Exists(filename)
	if err != nil || !exists {
		http.Error(w, fmt.Sprintf("file '%v' not found", filename), http.StatusNotFound)
		return
	}

	err = s.index.Update(func(records map[string]index.FileRecord) error {
		rec := records[filename]
		uploaderRole := index.UploaderRole(rec, s.lookupRole)

		if !auth.Allow(user.Role, uploaderRole, auth.ActionDelete) {
			return CodedError(errors.New("you do not have permission to delete this file"), http.StatusForbidden)
		}

		if err := s.storage.Delete(filename); err != nil {
			return CodedError(errors.New("error deleting file"), http.StatusInternalServerError)
		}

		delete(records, filename)
		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error deleting file: %v", err), GetResponseCode(err))
		return
	}

	deletesMetric.Inc()
	s.auditLog.Event(user.Username, "delete", filename)
	utils.WriteSuccess(w)
}

// Approve archives a file into ApprovedDir and drops its workflow record. A
// name collision in the archive gets a timestamp suffix rather than
// overwriting the earlier approval.
func (s *FileService) Approve(w http.ResponseWriter, r *http.Request) {
	user, err := auth.UserFromContext(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	filename, err := filenameParam(r)
	if err != nil {
		http.Error(w, err.Error(), GetResponseCode(err))
		return
	}

	if !auth.Allow(user.Role, "", auth.ActionApprove) {
		http.Error(w, "only admins can approve files", http.StatusForbidden)
		return
	}

	exists, err := s.storage.Exists(filename)
	if err != nil || !exists {
		http.Error(w, fmt.Sprintf("file '%v' not found", filename), http.StatusNotFound)
		return
	}

	var archiveName string
	err = s.index.Update(func(records map[string]index.FileRecord) error {
		archiveName = filename
		dst := filepath.Join(ApprovedDir, archiveName)

		taken, err := s.storage.Exists(dst)
		if err != nil {
			return CodedError(errors.New("error checking archive"), http.StatusInternalServerError)
		}
		if taken {
			ext := filepath.Ext(filename)
			stem := strings.TrimSuffix(filename, ext)
			archiveName = fmt.Sprintf("%s__approved_%s%s", stem, time.Now().UTC().Format("20060102150405"), ext)
			dst = filepath.Join(ApprovedDir, archiveName)
		}

		if err := s.storage.Move(filename, dst); err != nil {
			return CodedError(errors.New("error archiving file"), http.StatusInternalServerError)
		}

		delete(records, filename)
		return nil
	})
	if err != nil {
		http.Error(w, fmt.Sprintf("error approving file: %v", err), GetResponseCode(err))
		return
	}

	approvalsMetric.Inc()
	s.auditLog.Event(user.Username, "approve_archive", fmt.Sprintf("%s -> %s", filename, archiveName))

	utils.WriteJsonResponse(w, map[string]string{"archived_as": archiveName})
}
