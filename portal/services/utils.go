package services

import (
	"errors"
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	uploadsMetric       = promauto.NewCounter(prometheus.CounterOpts{Name: "portal_uploads", Help: "Completed file uploads"})
	downloadsMetric     = promauto.NewCounter(prometheus.CounterOpts{Name: "portal_downloads", Help: "Completed file downloads"})
	deletesMetric       = promauto.NewCounter(prometheus.CounterOpts{Name: "portal_deletes", Help: "Deleted files"})
	approvalsMetric     = promauto.NewCounter(prometheus.CounterOpts{Name: "portal_approvals", Help: "Approved and archived files"})
	notifyFailureMetric = promauto.NewCounter(prometheus.CounterOpts{Name: "portal_notify_failures", Help: "Upload notification batches that failed to send"})
)

type codedError struct {
	err  error
	code int
}

func (e *codedError) Error() string {
	return e.err.Error()
}

func (e *codedError) Unwrap() error {
	return e.err
}

func CodedError(err error, code int) error {
	return &codedError{err: err, code: code}
}

func GetResponseCode(err error) int {
	var cerr *codedError
	if errors.As(err, &cerr) {
		return cerr.code
	}
	slog.Error("non coded error passed to GetResponseCode", "error", err)
	return http.StatusInternalServerError
}

const (
	UrgencyHigh   = "High"
	UrgencyNormal = "Normal"
)

// normalizeUrgency title-cases the value and falls back to Normal for
// anything outside the two-level scale.
func normalizeUrgency(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return UrgencyNormal
	}
	v = strings.ToUpper(v[:1]) + strings.ToLower(v[1:])
	if v != UrgencyHigh && v != UrgencyNormal {
		return UrgencyNormal
	}
	return v
}

var (
	safeArchiveName = regexp.MustCompile(`^[\w,\-. ]+\.(?i:zip)$`)
	unsafeNameChars = regexp.MustCompile(`[^\w\-. ]+`)
)

// validArchiveName reports whether a client-supplied filename is a plain zip
// name with no path separators or other shell-hostile characters. Used on
// every route that takes a filename parameter.
func validArchiveName(name string) bool {
	return safeArchiveName.MatchString(name)
}

// sanitizeUploadName strips directory components and replaces any character
// outside the allowed set with an underscore.
func sanitizeUploadName(name string) string {
	name = strings.TrimSpace(name)
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	return unsafeNameChars.ReplaceAllString(name, "_")
}
