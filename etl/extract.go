package etl

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"
)

// DefaultChunkSize is the number of rows per extracted batch.
const DefaultChunkSize = 10000

// Extractor reads the source CSV in bounded-size chunks. It holds at
// most one chunk in memory; restarting from the beginning means opening
// a fresh Extractor on the same path.
type Extractor struct {
	path      string
	chunkSize int
	delimiter rune
	maxRows   int // 0 = unlimited; test_mode caps total rows read

	logger *zap.Logger

	file    *os.File
	reader  *csv.Reader
	header  []string
	nextRow int // absolute row number of the next data row (1-based)
	batches int
	rows    int
}

// NewExtractor returns an extractor for path. chunkSize <= 0 falls back
// to DefaultChunkSize.
func NewExtractor(path string, chunkSize int, logger *zap.Logger) *Extractor {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Extractor{
		path:      path,
		chunkSize: chunkSize,
		delimiter: ',',
		logger:    logger,
	}
}

// WithDelimiter overrides the field delimiter (encoding is always UTF-8).
func (e *Extractor) WithDelimiter(d rune) *Extractor {
	if d != 0 {
		e.delimiter = d
	}
	return e
}

// WithMaxRows caps the total number of data rows read. Used by test mode.
func (e *Extractor) WithMaxRows(n int) *Extractor {
	if n > 0 {
		e.maxRows = n
	}
	return e
}

// Open opens the file and reads the header row. Errors are *SourceError:
// SourceNotFound for a missing path, SourceBadHeader for a missing,
// empty, blank-field or duplicate-field header.
func (e *Extractor) Open(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	f, err := os.Open(e.path)
	if err != nil {
		kind := SourceUnreadable
		if errors.Is(err, os.ErrNotExist) {
			kind = SourceNotFound
		}
		return &SourceError{Kind: kind, Path: e.path, Err: err}
	}

	r := csv.NewReader(f)
	r.Comma = e.delimiter
	r.FieldsPerRecord = -1 // ragged rows are a validation concern, not a parse failure

	header, err := r.Read()
	if err != nil {
		f.Close()
		if err == io.EOF {
			err = errors.New("file is empty")
		}
		return &SourceError{Kind: SourceBadHeader, Path: e.path, Err: err}
	}

	seen := make(map[string]struct{}, len(header))
	for i, col := range header {
		if col == "" {
			f.Close()
			return &SourceError{Kind: SourceBadHeader, Path: e.path,
				Err: fmt.Errorf("blank header field at position %d", i+1)}
		}
		if _, dup := seen[col]; dup {
			f.Close()
			return &SourceError{Kind: SourceBadHeader, Path: e.path,
				Err: fmt.Errorf("duplicate header field %q", col)}
		}
		seen[col] = struct{}{}
	}

	e.file = f
	e.reader = r
	e.header = header
	e.nextRow = 1

	e.logger.Info("Opened source file",
		zap.String("path", e.path),
		zap.Int("columns", len(header)),
		zap.Int("chunk_size", e.chunkSize))
	return nil
}

// Header returns the header row read by Open.
func (e *Extractor) Header() []string {
	return e.header
}

// Next reads the next chunk of up to chunkSize rows, preserving source
// order. It returns io.EOF once the file (or the test-mode row cap) is
// exhausted.
func (e *Extractor) Next(ctx context.Context) (RecordBatch, error) {
	if e.reader == nil {
		return RecordBatch{}, errors.New("extractor not opened")
	}

	batch := RecordBatch{Seq: e.batches, FirstRow: e.nextRow}
	for len(batch.Records) < e.chunkSize {
		if err := ctx.Err(); err != nil {
			return RecordBatch{}, err
		}
		if e.maxRows > 0 && e.rows >= e.maxRows {
			break
		}

		row, err := e.reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return RecordBatch{}, &SourceError{Kind: SourceUnreadable, Path: e.path, Err: err}
		}

		rec := make(RawRecord, len(e.header))
		for i, col := range e.header {
			if i < len(row) {
				rec[col] = row[i]
			}
		}
		batch.Records = append(batch.Records, rec)
		e.nextRow++
		e.rows++
	}

	if len(batch.Records) == 0 {
		return RecordBatch{}, io.EOF
	}

	e.batches++
	e.logger.Debug("Extracted batch",
		zap.Int("batch", batch.Seq),
		zap.Int("rows", len(batch.Records)))
	return batch, nil
}

// Close releases the underlying file.
func (e *Extractor) Close() error {
	if e.file == nil {
		return nil
	}
	err := e.file.Close()
	e.file = nil
	e.reader = nil
	return err
}
