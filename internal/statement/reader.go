// Package statement reads bank statement spreadsheets into raw rows for the
// import pipeline. Parsing stops at field splitting; interpreting the fields
// is the extraction stage's job.
package statement

import (
	"crypto/sha256"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pmorris/ledgermill/internal/common"
	"github.com/pmorris/ledgermill/internal/model"
)

// File is one parsed statement upload. The fingerprint identifies the file's
// contents so re-uploading the same statement resumes its session instead of
// starting a duplicate.
type File struct {
	Name        string
	Fingerprint string
	Rows        []model.RawRow
}

// Read parses the statement at path into raw rows. A leading header row is
// detected and dropped; fully empty rows are skipped.
func Read(path string) (*File, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: path must not be empty", common.ErrInvalidInput)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open statement: %w", err)
	}
	defer func() { _ = f.Close() }()

	hash := sha256.New()
	reader := csv.NewReader(io.TeeReader(f, hash))
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	var records [][]string
	for {
		record, readErr := reader.Read()
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, fmt.Errorf("failed to parse statement: %w", readErr)
		}
		if emptyRecord(record) {
			continue
		}
		records = append(records, record)
	}

	if len(records) == 0 {
		return nil, fmt.Errorf("%w: statement contains no rows", common.ErrInvalidInput)
	}

	if isHeader(records[0]) {
		records = records[1:]
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: statement contains only a header", common.ErrInvalidInput)
	}

	rows := make([]model.RawRow, len(records))
	for i, record := range records {
		rows[i] = model.RawRow{Index: i, Fields: record}
	}

	return &File{
		Name:        filepath.Base(path),
		Fingerprint: fmt.Sprintf("%x", hash.Sum(nil)),
		Rows:        rows,
	}, nil
}

func emptyRecord(record []string) bool {
	for _, field := range record {
		if strings.TrimSpace(field) != "" {
			return false
		}
	}
	return true
}

// isHeader treats the first row as a header when none of its fields parses
// as an amount. Real transaction rows carry at least one numeric field.
func isHeader(record []string) bool {
	for _, field := range record {
		field = strings.TrimSpace(field)
		field = strings.TrimPrefix(field, "$")
		field = strings.ReplaceAll(field, ",", "")
		if _, err := strconv.ParseFloat(field, 64); err == nil {
			return false
		}
	}
	return true
}
