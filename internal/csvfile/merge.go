package csvfile

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"go.uber.org/zap"

	"github.com/msageha/experian_v2/internal/atomicfile"
	"github.com/msageha/experian_v2/internal/model"
)

// MergeResult describes the merged list file.
type MergeResult struct {
	Path     string
	Parts    []string
	Rows     int
	Replaced int
}

// Merge concatenates every partial file of the task under a single header line into
// {tmpdir}/{prefix}_all.csv, converting to the task's encoding. The merged file only
// appears once every partial has been read and written; on error nothing is left behind.
func Merge(task model.Task, schema model.Schema, logger *zap.Logger) (MergeResult, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	result := MergeResult{Path: task.MergedPath()}

	parts, err := PartialFiles(task)
	if err != nil {
		return result, err
	}
	result.Parts = parts

	out, err := atomicfile.Create(result.Path)
	if err != nil {
		return result, fmt.Errorf("%w: create merged file: %w", ErrIO, err)
	}
	defer out.Abort()

	header, replaced := encode(task, schema.Header()+"\n")
	if replaced > 0 {
		logger.Warn("header characters replaced", zap.Int("replaced", replaced), zap.String("encoding", task.Encoding.Name()))
	}
	result.Replaced += replaced
	if _, err := out.Write(header); err != nil {
		return result, fmt.Errorf("%w: write header: %w", ErrIO, err)
	}

	for _, part := range parts {
		content, err := os.ReadFile(part)
		if err != nil {
			return result, fmt.Errorf("%w: read partial %s: %w", ErrIO, part, err)
		}
		if len(content) > 0 && content[len(content)-1] != '\n' {
			content = append(content, '\n')
		}
		rows := bytes.Count(content, []byte{'\n'})

		data, replaced := encode(task, string(content))
		if replaced > 0 {
			logger.Warn("characters not representable in target encoding were replaced",
				zap.String("file", part),
				zap.String("encoding", task.Encoding.Name()),
				zap.Int("replaced", replaced))
		}
		if _, err := out.Write(data); err != nil {
			return result, fmt.Errorf("%w: append %s to merged file: %w", ErrIO, part, err)
		}
		logger.Debug("partial merged", zap.String("file", part), zap.Int("rows", rows))
		result.Rows += rows
		result.Replaced += replaced
	}

	if err := out.Commit(); err != nil {
		return result, fmt.Errorf("%w: commit merged file: %w", ErrIO, err)
	}
	logger.Debug("whole CSV file written", zap.String("path", result.Path), zap.Int("parts", len(parts)), zap.Int("rows", result.Rows))
	return result, nil
}

func encode(task model.Task, s string) ([]byte, int) {
	if task.Encoding.IsUTF8() {
		return []byte(s), 0
	}
	return task.Encoding.Encode(s)
}

// PartialFiles lists {prefix}_<index>.csv under the task's tmpdir, ordered by index.
func PartialFiles(task model.Task) ([]string, error) {
	entries, err := os.ReadDir(task.Tmpdir)
	if err != nil {
		return nil, fmt.Errorf("%w: list tmpdir %s: %w", ErrIO, task.Tmpdir, err)
	}
	pattern := partialPattern(task.TmpfilePrefix)

	type indexed struct {
		index int
		path  string
	}
	var found []indexed
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := pattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		found = append(found, indexed{index: idx, path: filepath.Join(task.Tmpdir, e.Name())})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].index < found[j].index })

	paths := make([]string, len(found))
	for i, f := range found {
		paths[i] = f.path
	}
	return paths, nil
}

func partialPattern(prefix string) *regexp.Regexp {
	return regexp.MustCompile(`^` + regexp.QuoteMeta(prefix) + `_([0-9]+)\.csv$`)
}
