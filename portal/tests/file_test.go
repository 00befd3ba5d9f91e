package tests

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"fileexchange/portal/services"
)

func TestUploadDownloadRoundTrip(t *testing.T) {
	env := setupTestEnv(t)

	staff, err := env.newStaff("editor")
	if err != nil {
		t.Fatal(err)
	}

	content := []byte("zip bytes go here")
	name, err := staff.upload("draft.zip", content, map[string]string{
		"urgency": "high",
		"stage":   "Rewritten version",
	})
	if err != nil {
		t.Fatal(err)
	}
	if name != "draft.zip" {
		t.Fatalf("unexpected stored name %q", name)
	}

	listing, err := staff.listFiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(listing.AdminRows) != 1 || len(listing.UserRows) != 0 {
		t.Fatalf("staff upload should land in admin rows: %+v", listing)
	}

	row := listing.AdminRows[0]
	if row.Uploader != "editor" || row.UploaderRole != "admin" {
		t.Fatalf("wrong uploader info: %+v", row)
	}
	if row.Urgency != "High" {
		t.Fatalf("urgency should be title-cased to High: %q", row.Urgency)
	}
	if row.Stage != "Rewritten/Updated version" {
		t.Fatalf("legacy stage alias should normalize: %q", row.Stage)
	}
	if row.SizeBytes != int64(len(content)) {
		t.Fatalf("wrong size: %d", row.SizeBytes)
	}

	downloaded, err := staff.download("draft.zip")
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(downloaded, content) {
		t.Fatal("downloaded bytes differ from upload")
	}
}

func TestUserUploadForcedDefaults(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("author")
	if err != nil {
		t.Fatal(err)
	}

	_, err = user.upload("novel.zip", []byte("manuscript"), map[string]string{
		"urgency": "High",
		"stage":   "First draft",
	})
	if err != nil {
		t.Fatal(err)
	}

	listing, err := user.listFiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(listing.UserRows) != 1 || len(listing.AdminRows) != 0 {
		t.Fatalf("user upload should land in user rows: %+v", listing)
	}

	row := listing.UserRows[0]
	if row.Urgency != "Normal" || row.Stage != "" {
		t.Fatalf("user uploads always start at Normal with no stage: %+v", row)
	}
	if !row.CanDelete {
		t.Fatal("users can delete their own uploads")
	}
}

func TestUploadRejectsNonZip(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("sneaky")
	if err != nil {
		t.Fatal(err)
	}

	_, err = user.upload("notes.txt", []byte("hi"), nil)
	if err == nil {
		t.Fatal("non zip uploads should be rejected")
	}
}

func TestUploadSanitizesFilename(t *testing.T) {
	env := setupTestEnv(t)

	user, err := env.newUser("weird")
	if err != nil {
		t.Fatal(err)
	}

	name, err := user.upload(`weird$name!.zip`, []byte("data"), nil)
	if err != nil {
		t.Fatal(err)
	}
	if name != "weird_name_.zip" {
		t.Fatalf("unexpected sanitized name %q", name)
	}
}

func TestUrgencyAndStagePermissions(t *testing.T) {
	env := setupTestEnv(t)

	staff, err := env.newStaff("editor")
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser("author")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := staff.upload("internal.zip", []byte("a"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := user.upload("external.zip", []byte("b"), nil); err != nil {
		t.Fatal(err)
	}

	if err := user.setUrgency("internal.zip", "High"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("users cannot set urgency: %v", err)
	}

	// Staff hold the right role, so targeting a user upload is a rule
	// rejection rather than a permission failure.
	if err := staff.setUrgency("external.zip", "High"); err == nil || errors.Is(err, ErrForbidden) {
		t.Fatalf("urgency does not apply to user uploads: %v", err)
	}
	if err := staff.setStage("external.zip", "First draft"); err == nil || errors.Is(err, ErrForbidden) {
		t.Fatalf("stage does not apply to user uploads: %v", err)
	}

	if err := staff.setUrgency("internal.zip", "high"); err != nil {
		t.Fatal(err)
	}
	if err := staff.setStage("internal.zip", "Publisher asking for feedback"); err != nil {
		t.Fatal(err)
	}

	listing, err := staff.listFiles()
	if err != nil {
		t.Fatal(err)
	}
	row := listing.AdminRows[0]
	if row.Urgency != "High" || row.Stage != "Publisher asked for feedback" {
		t.Fatalf("unexpected metadata after update: %+v", row)
	}

	// Garbage urgency falls back to Normal rather than erroring.
	if err := staff.setUrgency("internal.zip", "Catastrophic"); err != nil {
		t.Fatal(err)
	}
	listing, err = staff.listFiles()
	if err != nil {
		t.Fatal(err)
	}
	if listing.AdminRows[0].Urgency != "Normal" {
		t.Fatalf("unknown urgency should fall back to Normal: %+v", listing.AdminRows[0])
	}
}

func TestReviewedFlag(t *testing.T) {
	env := setupTestEnv(t)

	staff, err := env.newStaff("editor")
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser("author")
	if err != nil {
		t.Fatal(err)
	}
	other, err := env.newUser("reader")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := staff.upload("internal.zip", []byte("a"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := user.upload("external.zip", []byte("b"), nil); err != nil {
		t.Fatal(err)
	}

	if err := staff.setReviewed("internal.zip", true); !errors.Is(err, ErrForbidden) {
		t.Fatalf("staff cannot mark reviewed: %v", err)
	}
	if err := user.setReviewed("external.zip", true); err == nil || errors.Is(err, ErrForbidden) {
		t.Fatalf("reviewed does not apply to user uploads: %v", err)
	}

	if err := user.setReviewed("internal.zip", true); err != nil {
		t.Fatal(err)
	}

	listing, err := user.listFiles()
	if err != nil {
		t.Fatal(err)
	}
	if !listing.AdminRows[0].Reviewed {
		t.Fatal("reviewed flag should be set for the reviewing user")
	}

	listing, err = other.listFiles()
	if err != nil {
		t.Fatal(err)
	}
	if listing.AdminRows[0].Reviewed {
		t.Fatal("reviewed flag is per user")
	}
	if len(listing.AdminRows[0].ReviewedBy) != 1 || listing.AdminRows[0].ReviewedBy[0] != "author" {
		t.Fatalf("reviewed_by should list reviewers: %+v", listing.AdminRows[0])
	}

	if err := user.setReviewed("internal.zip", false); err != nil {
		t.Fatal(err)
	}
	listing, err = user.listFiles()
	if err != nil {
		t.Fatal(err)
	}
	if listing.AdminRows[0].Reviewed {
		t.Fatal("reviewed flag should clear")
	}
}

func TestNotes(t *testing.T) {
	env := setupTestEnv(t)

	staff, err := env.newStaff("editor")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := staff.upload("draft.zip", []byte("a"), nil); err != nil {
		t.Fatal(err)
	}

	// Long notes are truncated, not rejected, and the response says so.
	truncated, err := staff.setNote("draft.zip", strings.Repeat("x", 150))
	if err != nil {
		t.Fatal(err)
	}
	if !truncated {
		t.Fatal("expected truncation to be reported")
	}

	listing, err := staff.listFiles()
	if err != nil {
		t.Fatal(err)
	}
	if got := len(listing.AdminRows[0].Note); got != 100 {
		t.Fatalf("note should be truncated to 100 chars, got %d", got)
	}

	// The limit counts characters, so a multi-byte note is cut cleanly at 100
	// runes rather than at byte 100.
	truncated, err = staff.setNote("draft.zip", strings.Repeat("€", 150))
	if err != nil {
		t.Fatal(err)
	}
	if !truncated {
		t.Fatal("expected truncation to be reported")
	}
	listing, err = staff.listFiles()
	if err != nil {
		t.Fatal(err)
	}
	if listing.AdminRows[0].Note != strings.Repeat("€", 100) {
		t.Fatalf("multi-byte note should keep 100 whole characters: %q", listing.AdminRows[0].Note)
	}

	truncated, err = staff.setNote("draft.zip", "  looks good, minor edits  ")
	if err != nil {
		t.Fatal(err)
	}
	if truncated {
		t.Fatal("short note should not be truncated")
	}

	listing, err = staff.listFiles()
	if err != nil {
		t.Fatal(err)
	}
	row := listing.AdminRows[0]
	if row.Note != "looks good, minor edits" || row.NoteBy != "editor" {
		t.Fatalf("unexpected note state: %+v", row)
	}

	// Clearing the note still records who cleared it.
	if _, err := staff.setNote("draft.zip", ""); err != nil {
		t.Fatal(err)
	}
	listing, err = staff.listFiles()
	if err != nil {
		t.Fatal(err)
	}
	if listing.AdminRows[0].Note != "" || listing.AdminRows[0].NoteBy != "editor" {
		t.Fatalf("clearing the note should keep the clearing user: %+v", listing.AdminRows[0])
	}
}

func TestDeletePermissions(t *testing.T) {
	env := setupTestEnv(t)

	staff, err := env.newStaff("editor")
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser("author")
	if err != nil {
		t.Fatal(err)
	}
	other, err := env.newUser("reader")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := staff.upload("internal.zip", []byte("a"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := user.upload("external.zip", []byte("b"), nil); err != nil {
		t.Fatal(err)
	}

	if err := user.deleteFile("internal.zip"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("users cannot delete staff uploads: %v", err)
	}

	// Any account may delete a user-uploaded file.
	if err := other.deleteFile("external.zip"); err != nil {
		t.Fatal(err)
	}
	if err := staff.deleteFile("internal.zip"); err != nil {
		t.Fatal(err)
	}

	listing, err := staff.listFiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(listing.AdminRows) != 0 || len(listing.UserRows) != 0 {
		t.Fatalf("all files should be gone: %+v", listing)
	}

	if err := staff.deleteFile("internal.zip"); err == nil {
		t.Fatal("deleting a missing file should fail")
	}
}

func TestApprove(t *testing.T) {
	env := setupTestEnv(t)

	staff, err := env.newStaff("editor")
	if err != nil {
		t.Fatal(err)
	}
	user, err := env.newUser("author")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := user.upload("final.zip", []byte("v1"), nil); err != nil {
		t.Fatal(err)
	}

	if _, err := user.approve("final.zip"); !errors.Is(err, ErrForbidden) {
		t.Fatalf("only staff can approve: %v", err)
	}

	archived, err := staff.approve("final.zip")
	if err != nil {
		t.Fatal(err)
	}
	if archived != "final.zip" {
		t.Fatalf("unexpected archive name %q", archived)
	}

	listing, err := staff.listFiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(listing.AdminRows) != 0 || len(listing.UserRows) != 0 {
		t.Fatalf("approved file should leave the listing: %+v", listing)
	}

	if _, err := os.Stat(filepath.Join(env.filesDir, services.ApprovedDir, "final.zip")); err != nil {
		t.Fatalf("approved file should be in the archive: %v", err)
	}

	// A second approval of the same name must not overwrite the first.
	if _, err := user.upload("final.zip", []byte("v2"), nil); err != nil {
		t.Fatal(err)
	}
	archived, err = staff.approve("final.zip")
	if err != nil {
		t.Fatal(err)
	}
	if archived == "final.zip" || !strings.Contains(archived, "__approved_") {
		t.Fatalf("collision should get a timestamp suffix: %q", archived)
	}
	if _, err := os.Stat(filepath.Join(env.filesDir, services.ApprovedDir, archived)); err != nil {
		t.Fatalf("suffixed archive should exist: %v", err)
	}
}

func TestOrphanFileGetsDefaultStage(t *testing.T) {
	env := setupTestEnv(t)

	staff, err := env.newStaff("editor")
	if err != nil {
		t.Fatal(err)
	}

	// A file dropped into the exchange directory outside the portal has no
	// record at all, which is the same as a record with a missing stage.
	err = os.WriteFile(filepath.Join(env.filesDir, "orphan.zip"), []byte("data"), 0644)
	if err != nil {
		t.Fatal(err)
	}

	listing, err := staff.listFiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(listing.AdminRows) != 1 {
		t.Fatalf("orphan files default to staff ownership: %+v", listing)
	}
	row := listing.AdminRows[0]
	if row.Stage != "First draft" {
		t.Fatalf("missing record should default to the first stage, got %q", row.Stage)
	}
	if row.UploaderRole != "admin" {
		t.Fatalf("unknown uploader should resolve to admin, got %q", row.UploaderRole)
	}

	// Mutating the orphan keeps the default stage when the record is created.
	if err := staff.setUrgency("orphan.zip", "High"); err != nil {
		t.Fatal(err)
	}
	listing, err = staff.listFiles()
	if err != nil {
		t.Fatal(err)
	}
	if listing.AdminRows[0].Urgency != "High" || listing.AdminRows[0].Stage != "First draft" {
		t.Fatalf("unexpected orphan state after update: %+v", listing.AdminRows[0])
	}
}

func TestStageInputDefaults(t *testing.T) {
	env := setupTestEnv(t)

	staff, err := env.newStaff("editor")
	if err != nil {
		t.Fatal(err)
	}

	if _, err := staff.upload("nostage.zip", []byte("a"), nil); err != nil {
		t.Fatal(err)
	}
	if _, err := staff.upload("blank.zip", []byte("b"), map[string]string{"stage": ""}); err != nil {
		t.Fatal(err)
	}

	listing, err := staff.listFiles()
	if err != nil {
		t.Fatal(err)
	}
	stages := map[string]string{}
	for _, row := range listing.AdminRows {
		stages[row.Name] = row.Stage
	}
	if stages["nostage.zip"] != "First draft" {
		t.Fatalf("absent stage field should default to the first stage, got %q", stages["nostage.zip"])
	}
	if stages["blank.zip"] != "" {
		t.Fatalf("explicit blank stage means no stage, got %q", stages["blank.zip"])
	}

	// The stage endpoint treats a missing field the same way.
	err = staff.Post("/api/files/blank.zip/stage").Json(map[string]string{}).Do(nil)
	if err != nil {
		t.Fatal(err)
	}
	listing, err = staff.listFiles()
	if err != nil {
		t.Fatal(err)
	}
	for _, row := range listing.AdminRows {
		if row.Name == "blank.zip" && row.Stage != "First draft" {
			t.Fatalf("missing stage field should default to the first stage, got %q", row.Stage)
		}
	}
}

func TestFilenameValidation(t *testing.T) {
	env := setupTestEnv(t)

	staff, err := env.newStaff("editor")
	if err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"..%2f..%2fescape.zip", "no_extension", "shell$.zip"} {
		if err := staff.setUrgency(name, "High"); err == nil || errors.Is(err, ErrForbidden) {
			t.Fatalf("invalid filename %q should be rejected with a client error: %v", name, err)
		}
	}
}

func TestListingSortsHighUrgencyFirst(t *testing.T) {
	env := setupTestEnv(t)

	staff, err := env.newStaff("editor")
	if err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"a.zip", "b.zip", "c.zip"} {
		if _, err := staff.upload(name, []byte("data"), nil); err != nil {
			t.Fatal(err)
		}
	}
	if err := staff.setUrgency("c.zip", "High"); err != nil {
		t.Fatal(err)
	}

	listing, err := staff.listFiles()
	if err != nil {
		t.Fatal(err)
	}
	if len(listing.AdminRows) != 3 {
		t.Fatalf("expected 3 rows: %+v", listing)
	}
	if listing.AdminRows[0].Name != "c.zip" {
		t.Fatalf("high urgency should sort first: %+v", listing.AdminRows)
	}
}
