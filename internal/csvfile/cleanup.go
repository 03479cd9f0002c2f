package csvfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/msageha/experian_v2/internal/model"
)

// Cleanup deletes the task's partial files and completion marker when cleanup_tmpfiles
// is set, and the merged file when cleanup_merged_file is set. Every delete is attempted;
// failures are logged and returned joined so the caller can report them without
// changing the run's outcome.
func Cleanup(task model.Task, logger *zap.Logger) error {
	if logger == nil {
		logger = zap.NewNop()
	}
	var targets []string
	if task.CleanupTmpfiles {
		parts, err := PartialFiles(task)
		if err != nil {
			logger.Warn("cleanup: list partial files failed", zap.Error(err))
			return err
		}
		targets = append(targets, parts...)
		targets = append(targets, filepath.Join(task.Tmpdir, task.MarkerName()))
	}
	if task.CleanupMergedFile {
		targets = append(targets, task.MergedPath())
	}

	var errs []error
	for _, path := range targets {
		err := os.Remove(path)
		switch {
		case err == nil:
			logger.Debug("deleted temp file", zap.String("path", path))
		case errors.Is(err, os.ErrNotExist):
		default:
			logger.Warn("cleanup: delete failed", zap.String("path", path), zap.Error(err))
			errs = append(errs, fmt.Errorf("delete %s: %w", path, err))
		}
	}
	return errors.Join(errs...)
}
