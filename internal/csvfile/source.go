package csvfile

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/msageha/experian_v2/internal/model"
)

// BatchSource yields one worker's rows in arbitrarily sized batches.
// NextBatch returns io.EOF once the worker has nothing more to send.
type BatchSource interface {
	NextBatch() ([]model.Row, error)
}

// SliceSource serves in-memory rows, batchSize at a time.
type SliceSource struct {
	rows      []model.Row
	batchSize int
}

func NewSliceSource(rows []model.Row, batchSize int) *SliceSource {
	if batchSize <= 0 {
		batchSize = model.DefaultBatchSize
	}
	return &SliceSource{rows: rows, batchSize: batchSize}
}

func (s *SliceSource) NextBatch() ([]model.Row, error) {
	if len(s.rows) == 0 {
		return nil, io.EOF
	}
	n := min(s.batchSize, len(s.rows))
	batch := s.rows[:n]
	s.rows = s.rows[n:]
	return batch, nil
}

// FileSource reads a headed UTF-8 CSV input file. The header becomes the schema.
type FileSource struct {
	path      string
	file      *os.File
	reader    *csv.Reader
	schema    model.Schema
	batchSize int
}

func OpenFileSource(path string, batchSize int) (*FileSource, error) {
	if batchSize <= 0 {
		batchSize = model.DefaultBatchSize
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open input %s: %w", path, err)
	}
	r := csv.NewReader(f)
	header, err := r.Read()
	if err != nil {
		_ = f.Close()
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("input %s has no header line", path)
		}
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	if len(header) > 0 {
		header[0] = trimBOM(header[0])
	}
	return &FileSource{
		path:      path,
		file:      f,
		reader:    r,
		schema:    model.Schema(header),
		batchSize: batchSize,
	}, nil
}

func (s *FileSource) Schema() model.Schema {
	return s.schema.Clone()
}

func (s *FileSource) NextBatch() ([]model.Row, error) {
	var batch []model.Row
	for len(batch) < s.batchSize {
		rec, err := s.reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", s.path, err)
		}
		row := make(model.Row, len(rec))
		for i, v := range rec {
			row[i] = v
		}
		batch = append(batch, row)
	}
	if len(batch) == 0 {
		return nil, io.EOF
	}
	return batch, nil
}

func (s *FileSource) Close() error {
	return s.file.Close()
}

func trimBOM(s string) string {
	const bom = "\ufeff"
	if len(s) >= len(bom) && s[:len(bom)] == bom {
		return s[len(bom):]
	}
	return s
}
