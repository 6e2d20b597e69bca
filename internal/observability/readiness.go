package observability

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
)

// ReadinessFile is a marker file whose presence tells a file-based probe
// that the bridge is listening.
type ReadinessFile struct {
	path   string
	logger *slog.Logger
}

func NewReadinessFile(path string, logger *slog.Logger) *ReadinessFile {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReadinessFile{path: path, logger: logger}
}

func (r *ReadinessFile) Path() string { return r.path }

// Create creates the marker, leaving an existing file in place.
func (r *ReadinessFile) Create() error {
	f, err := os.OpenFile(r.path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("create readiness file %s: %w", r.path, err)
	}
	return f.Close()
}

// Remove deletes the marker. A marker that has already disappeared is
// logged, not returned.
func (r *ReadinessFile) Remove() {
	err := os.Remove(r.path)
	switch {
	case err == nil:
	case errors.Is(err, fs.ErrNotExist):
		r.logger.Error("Readiness file not found on exit", "readiness_file_path", r.path)
	default:
		r.logger.Error("Failed to remove readiness file", "readiness_file_path", r.path, "error", err)
	}
}
