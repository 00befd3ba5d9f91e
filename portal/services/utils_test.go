package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidArchiveName(t *testing.T) {
	assert.True(t, validArchiveName("report.zip"))
	assert.True(t, validArchiveName("My Draft, v2.ZIP"))
	assert.True(t, validArchiveName("notes-2026.01.zip"))

	assert.False(t, validArchiveName("report.tar.gz"))
	assert.False(t, validArchiveName("../escape.zip"))
	assert.False(t, validArchiveName("dir/file.zip"))
	assert.False(t, validArchiveName("shell$.zip"))
	assert.False(t, validArchiveName(".zip"))
	assert.False(t, validArchiveName(""))
}

func TestSanitizeUploadName(t *testing.T) {
	assert.Equal(t, "report.zip", sanitizeUploadName("report.zip"))
	assert.Equal(t, "escape.zip", sanitizeUploadName("../../escape.zip"))
	assert.Equal(t, "escape.zip", sanitizeUploadName(`C:\Users\me\escape.zip`))
	assert.Equal(t, "weird_name_.zip", sanitizeUploadName("weird$name!.zip"))
	assert.Equal(t, "a b.zip", sanitizeUploadName("a b.zip"))
}

func TestNormalizeUrgency(t *testing.T) {
	assert.Equal(t, "High", normalizeUrgency("high"))
	assert.Equal(t, "High", normalizeUrgency("HIGH"))
	assert.Equal(t, "Normal", normalizeUrgency("normal"))
	assert.Equal(t, "Normal", normalizeUrgency(""))
	assert.Equal(t, "Normal", normalizeUrgency("urgent"))
	assert.Equal(t, "High", normalizeUrgency("  High  "))
}