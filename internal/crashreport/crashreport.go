// Package crashreport saves poll failure reports for offline diagnosis.
package crashreport

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"listingwatch/logger"
	pkgerrors "listingwatch/pkg/errors"
)

// Reporter receives poll failures. Implementations must not return errors
// or panic; reporting is fire-and-forget.
type Reporter interface {
	Report(err error)
}

// FileReporter writes one report file per failure into a folder.
type FileReporter struct {
	dir string
	log *logger.Logger
}

// NewFileReporter creates a reporter writing into dir, creating it if needed.
func NewFileReporter(dir string) *FileReporter {
	return &FileReporter{
		dir: dir,
		log: logger.ForCrashReport(),
	}
}

// Report saves a report for the given failure. Extract failures include the
// raw page content that failed to parse.
func (r *FileReporter) Report(err error) {
	if err == nil {
		return
	}

	if mkErr := os.MkdirAll(r.dir, 0o755); mkErr != nil {
		r.log.Error().Err(mkErr).Msg("Failed to create crash report folder")
		return
	}

	name := fmt.Sprintf("poll-failure-%s.log", time.Now().UTC().Format("20060102-150405.000"))
	path := filepath.Join(r.dir, name)

	report := fmt.Sprintf("time: %s\nerror: %v\n\nstack:\n%s\n",
		time.Now().UTC().Format(time.RFC3339), err, debug.Stack())

	var pe *pkgerrors.PollError
	if errors.As(err, &pe) && pe.Type == pkgerrors.ErrorTypeExtract && pe.RawContent != "" {
		report += "\npage content:\n" + pe.RawContent + "\n"
	}

	if writeErr := os.WriteFile(path, []byte(report), 0o644); writeErr != nil {
		r.log.Error().Err(writeErr).Str("path", path).Msg("Failed to save crash report")
		return
	}

	r.log.Info().Str("path", path).Msg("Saved poll failure report")
}

// NopReporter discards all reports. Used when report saving is disabled.
type NopReporter struct{}

// Report implements Reporter.
func (NopReporter) Report(error) {}
