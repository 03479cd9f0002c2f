package csvfile

import (
	"fmt"
	"os"
	"strings"

	"github.com/msageha/experian_v2/internal/model"
)

// PartialWriter appends formatted lines to one worker's partial file. It is owned by
// exactly one worker and never reads its file back.
type PartialWriter struct {
	path  string
	file  *os.File
	lines int
}

func NewPartialWriter(task model.Task, index int) *PartialWriter {
	return &PartialWriter{path: task.PartialPath(index)}
}

func (w *PartialWriter) Path() string {
	return w.path
}

// Lines is the number of lines appended so far.
func (w *PartialWriter) Lines() int {
	return w.lines
}

// Append writes each line followed by a newline, creating the file on first use.
func (w *PartialWriter) Append(lines []string) error {
	if len(lines) == 0 {
		return nil
	}
	if w.file == nil {
		f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return fmt.Errorf("%w: open partial %s: %w", ErrIO, w.path, err)
		}
		w.file = f
	}

	var b strings.Builder
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}
	if _, err := w.file.WriteString(b.String()); err != nil {
		return fmt.Errorf("%w: append partial %s: %w", ErrIO, w.path, err)
	}
	w.lines += len(lines)
	return nil
}

// AppendRows formats rows and appends them in one write.
func (w *PartialWriter) AppendRows(rows []model.Row) error {
	lines := make([]string, len(rows))
	for i, row := range rows {
		lines[i] = FormatRow(row)
	}
	return w.Append(lines)
}

// Close releases the file handle; the partial file stays on disk for the merge.
func (w *PartialWriter) Close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	if err != nil {
		return fmt.Errorf("%w: close partial %s: %w", ErrIO, w.path, err)
	}
	return nil
}
