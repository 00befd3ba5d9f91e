// Package index maintains the workflow metadata sidecar: a single JSON
// document inside the files directory mapping filename to its record. The
// document is always read and written whole; writers are serialized by a
// single in-process lock and persistence is write-temp-then-rename, so a crash
// cannot leave a torn index. Writers in other processes remain
// last-writer-wins.
package index

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"fileexchange/portal/schema"
)

const (
	IndexFilename = ".index.json"
	MaxNoteLen    = 100
)

// StageChoices is the canonical, ordered set of workflow stages. The empty
// string is additionally a valid "no stage" state distinct from the default.
var StageChoices = []string{
	"First draft",
	"Rewritten/Updated version",
	"Publisher asked for feedback",
}

// Labels written by earlier releases map forward onto the canonical set.
var stageAliases = map[string]string{
	"First draft approval":                 "First draft",
	"First draft approved":                 "First draft",
	"Rewritten version":                    "Rewritten/Updated version",
	"Publisher asking for feedback":        "Publisher asked for feedback",
	"Feedback required from the publisher": "Publisher asked for feedback",
}

// NormalizeStage maps a stage value into the canonical set. Empty stays empty,
// legacy aliases map forward, anything unrecognized falls back to the first
// canonical stage. Idempotent on canonical values.
func NormalizeStage(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return ""
	}
	if mapped, ok := stageAliases[v]; ok {
		v = mapped
	}
	for _, choice := range StageChoices {
		if v == choice {
			return v
		}
	}
	return StageChoices[0]
}

type FileRecord struct {
	Uploader     string          `json:"uploader"`
	UploaderRole string          `json:"uploader_role"`
	UploadedAt   string          `json:"uploaded_at"`
	Urgency      string          `json:"urgency"`
	Stage        string          `json:"stage"`
	ReviewedBy   map[string]bool `json:"reviewed_by"`
	Note         string          `json:"note"`
	NoteBy       string          `json:"note_by"`
	NoteAt       string          `json:"note_at"`
}

// rawRecord is the on-disk shape, with pointers where older documents may omit
// fields and the legacy per-user note map.
type rawRecord struct {
	Uploader     string            `json:"uploader"`
	UploaderRole string            `json:"uploader_role"`
	UploadedAt   string            `json:"uploaded_at"`
	Urgency      string            `json:"urgency"`
	Stage        *string           `json:"stage"`
	ReviewedBy   map[string]bool   `json:"reviewed_by"`
	Note         *string           `json:"note"`
	NoteBy       string            `json:"note_by"`
	NoteAt       string            `json:"note_at"`
	NotesBy      map[string]string `json:"notes_by,omitempty"`
}

// The limit counts characters, not bytes, so a multi-byte note is never cut
// mid-rune.
func truncateNote(note string) string {
	note = strings.TrimSpace(note)
	if runes := []rune(note); len(runes) > MaxNoteLen {
		return string(runes[:MaxNoteLen])
	}
	return note
}

func (raw *rawRecord) normalize() FileRecord {
	rec := FileRecord{
		Uploader:     raw.Uploader,
		UploaderRole: raw.UploaderRole,
		UploadedAt:   raw.UploadedAt,
		Urgency:      raw.Urgency,
		ReviewedBy:   raw.ReviewedBy,
		NoteBy:       strings.TrimSpace(raw.NoteBy),
		NoteAt:       strings.TrimSpace(raw.NoteAt),
	}

	if raw.Stage == nil {
		rec.Stage = StageChoices[0]
	} else {
		rec.Stage = NormalizeStage(*raw.Stage)
	}

	if raw.Note != nil {
		rec.Note = truncateNote(*raw.Note)
	} else {
		// Backfill from the legacy per-user note map: first non-empty note
		// wins. Usernames are scanned in sorted order to keep the choice
		// deterministic.
		usernames := make([]string, 0, len(raw.NotesBy))
		for username := range raw.NotesBy {
			usernames = append(usernames, username)
		}
		sort.Strings(usernames)
		for _, username := range usernames {
			if note := truncateNote(raw.NotesBy[username]); note != "" {
				rec.Note = note
				break
			}
		}
	}

	if rec.ReviewedBy == nil {
		rec.ReviewedBy = map[string]bool{}
	}

	return rec
}

// UploaderRole resolves the role governing a record's authorization: the
// stored snapshot if valid, else the uploader's current account role, else
// "admin". The admin default treats orphaned records as staff-owned, which is
// the more restrictive outcome. This chain must not change: it decides
// authorization for records whose uploader was renamed or deleted.
func UploaderRole(rec FileRecord, lookupRole func(username string) (string, bool)) string {
	if schema.ValidRole(rec.UploaderRole) {
		return rec.UploaderRole
	}
	if rec.Uploader != "" && lookupRole != nil {
		if role, ok := lookupRole(rec.Uploader); ok {
			return role
		}
	}
	return schema.RoleAdmin
}

type Index struct {
	path string
	mu   sync.Mutex
}

func New(filesDir string) *Index {
	return &Index{path: filepath.Join(filesDir, IndexFilename)}
}

// Load returns the full normalized mapping. A missing or unparseable document
// yields an empty index: availability wins over surfacing corruption here,
// since the files directory remains the authoritative record of what exists.
func (idx *Index) Load() map[string]FileRecord {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.load()
}

func (idx *Index) load() map[string]FileRecord {
	data, err := os.ReadFile(idx.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			slog.Error("error reading metadata index", "path", idx.path, "error", err)
		}
		return map[string]FileRecord{}
	}

	var raw map[string]rawRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		slog.Error("error parsing metadata index, treating as empty", "path", idx.path, "error", err)
		return map[string]FileRecord{}
	}

	records := make(map[string]FileRecord, len(raw))
	for name, rawRec := range raw {
		records[name] = rawRec.normalize()
	}
	return records
}

func (idx *Index) save(records map[string]FileRecord) error {
	for name, rec := range records {
		rec.Stage = NormalizeStage(rec.Stage)
		rec.Note = truncateNote(rec.Note)
		rec.NoteBy = strings.TrimSpace(rec.NoteBy)
		rec.NoteAt = strings.TrimSpace(rec.NoteAt)
		if rec.ReviewedBy == nil {
			rec.ReviewedBy = map[string]bool{}
		}
		records[name] = rec
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		slog.Error("error encoding metadata index", "error", err)
		return fmt.Errorf("error encoding metadata index: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(idx.path), IndexFilename+".tmp-*")
	if err != nil {
		slog.Error("error creating temp file for metadata index", "error", err)
		return fmt.Errorf("error writing metadata index: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		slog.Error("error writing metadata index", "error", err)
		return fmt.Errorf("error writing metadata index: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("error writing metadata index: %w", err)
	}

	if err := os.Rename(tmp.Name(), idx.path); err != nil {
		slog.Error("error replacing metadata index", "path", idx.path, "error", err)
		return fmt.Errorf("error replacing metadata index: %w", err)
	}
	return nil
}

// Save normalizes every record and overwrites the whole document.
func (idx *Index) Save(records map[string]FileRecord) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return idx.save(records)
}

// Update runs one read-modify-write cycle under the writer lock. Returning an
// error from fn abandons the cycle without persisting.
func (idx *Index) Update(fn func(records map[string]FileRecord) error) error {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	records := idx.load()
	if err := fn(records); err != nil {
		return err
	}
	return idx.save(records)
}
