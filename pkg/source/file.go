package source

import (
	"bufio"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	v1 "github.com/CHINGBOH/medical-beauty-crm-landing-sub000/api/v1"
)

// FileSource replays records from local files, in file name order.
//
//	source:
//	  type: file
//	  config:
//	    path: ./exports/leads-*.jsonl   # file or glob
//	    format: jsonl                   # jsonl|json|csv, from the extension by default
//	    csv_delimiter: ","
//
// The read position (file and record index) survives pause and resume.
// Run returns nil once every file has been read.
type FileSource struct {
	pattern   string
	format    string
	delimiter rune
	events    eventBuilder
	logger    *zap.Logger

	files   []string
	fileIdx int
	record  int
}

// NewFileSource creates a file source from config.
func NewFileSource(cfg map[string]any, events eventBuilder, logger *zap.Logger) (*FileSource, error) {
	path := configString(cfg, "path", "")
	if path == "" {
		return nil, errors.New("file source requires config.path")
	}
	format := configString(cfg, "format", "")
	if format == "" {
		switch strings.ToLower(filepath.Ext(path)) {
		case ".csv":
			format = "csv"
		case ".json":
			format = "json"
		default:
			format = "jsonl"
		}
	}
	delimiter := ','
	switch d := configString(cfg, "csv_delimiter", ","); d {
	case `\t`, "tab":
		delimiter = '\t'
	default:
		delimiter = []rune(d)[0]
	}
	return &FileSource{pattern: path, format: format, delimiter: delimiter, events: events, logger: logger}, nil
}

// Open resolves the file list.
func (s *FileSource) Open(context.Context) error {
	matches, err := filepath.Glob(s.pattern)
	if err != nil {
		return fmt.Errorf("file source: invalid pattern %q: %w", s.pattern, err)
	}
	if len(matches) == 0 {
		return fmt.Errorf("file source: no files matched %q", s.pattern)
	}
	sort.Strings(matches)
	s.files = matches
	return nil
}

func (s *FileSource) Run(ctx context.Context, emit Emit) error {
	for s.fileIdx < len(s.files) {
		path := s.files[s.fileIdx]
		records, err := s.readFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		for s.record < len(records) {
			ev := s.events.build(records[s.record], v1.OpCreate, map[string]string{
				"file":   filepath.Base(path),
				"offset": fmt.Sprintf("%d", s.record),
			})
			if err := emit(ctx, ev); err != nil {
				return nil
			}
			s.record++
		}
		s.logger.Info("file replayed", zap.String("file", path), zap.Int("records", len(records)))
		s.fileIdx++
		s.record = 0
	}
	return nil
}

func (s *FileSource) readFile(path string) ([]map[string]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	switch s.format {
	case "csv":
		return readCSV(f, s.delimiter)
	case "json":
		return readJSON(f)
	default:
		return readJSONL(f)
	}
}

func readJSONL(r io.Reader) ([]map[string]any, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 1024*1024), 10*1024*1024)
	var out []map[string]any
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}
		out = append(out, decodeRecord(append([]byte(nil), line...)))
	}
	return out, scanner.Err()
}

func readJSON(r io.Reader) ([]map[string]any, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	if strings.HasPrefix(strings.TrimSpace(string(data)), "[") {
		var records []map[string]any
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("parse json array: %w", err)
		}
		return records, nil
	}
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, fmt.Errorf("parse json object: %w", err)
	}
	return []map[string]any{obj}, nil
}

// readCSV treats the first row as the header. Cells are strings; schema
// validation and normalization type them.
func readCSV(r io.Reader, delimiter rune) ([]map[string]any, error) {
	reader := csv.NewReader(r)
	reader.Comma = delimiter
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("csv parse: %w", err)
	}
	if len(rows) < 2 {
		return nil, nil
	}
	header := rows[0]
	out := make([]map[string]any, 0, len(rows)-1)
	for _, row := range rows[1:] {
		rec := make(map[string]any, len(header))
		for i, v := range row {
			if i < len(header) {
				rec[header[i]] = v
			} else {
				rec[fmt.Sprintf("col_%d", i)] = v
			}
		}
		out = append(out, rec)
	}
	return out, nil
}

func (s *FileSource) Close() error { return nil }
func (s *FileSource) Name() string { return "file:" + s.pattern }
