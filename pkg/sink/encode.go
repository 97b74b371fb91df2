package sink

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/compress"
	"github.com/parquet-go/parquet-go/compress/gzip"
	"github.com/parquet-go/parquet-go/compress/snappy"
	"github.com/parquet-go/parquet-go/compress/zstd"
)

// Object formats written by the bulk sinks.
const (
	FormatJSONL   = "jsonl"
	FormatJSON    = "json"
	FormatParquet = "parquet"
	FormatCSV     = "csv"
)

// EncodeOptions tunes the parquet and csv encoders.
type EncodeOptions struct {
	Compression  string // parquet: snappy (default), zstd, gzip, none
	CSVDelimiter rune
}

// Encode renders a batch of flat records in format.
func Encode(records []map[string]any, format string, opts EncodeOptions) ([]byte, error) {
	if len(records) == 0 {
		return nil, nil
	}
	switch format {
	case FormatParquet:
		return encodeParquet(records, opts.Compression)
	case FormatCSV:
		return encodeCSV(records, opts.CSVDelimiter)
	case FormatJSON:
		return json.Marshal(records)
	default:
		var buf bytes.Buffer
		enc := json.NewEncoder(&buf)
		for _, rec := range records {
			if err := enc.Encode(rec); err != nil {
				return nil, err
			}
		}
		return buf.Bytes(), nil
	}
}

// columnsOf returns the sorted union of keys, with the first non-nil
// value seen for each column.
func columnsOf(records []map[string]any) ([]string, map[string]any) {
	samples := make(map[string]any)
	for _, rec := range records {
		for k, v := range rec {
			if cur, seen := samples[k]; !seen || (cur == nil && v != nil) {
				samples[k] = v
			}
		}
	}
	cols := make([]string, 0, len(samples))
	for k := range samples {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols, samples
}

// ── Parquet ──────────────────────────────────

func encodeParquet(records []map[string]any, compression string) ([]byte, error) {
	cols, samples := columnsOf(records)

	group := make(parquet.Group, len(cols))
	for _, col := range cols {
		group[col] = parquetNode(samples[col])
	}
	schema := parquet.NewSchema("record", group)

	var buf bytes.Buffer
	writerOpts := []parquet.WriterOption{schema}
	if codec := parquetCodec(compression); codec != nil {
		writerOpts = append(writerOpts, parquet.Compression(codec))
	}
	w := parquet.NewGenericWriter[map[string]any](&buf, writerOpts...)

	for _, rec := range records {
		row := make(map[string]any, len(cols))
		for _, col := range cols {
			v, err := parquetValue(rec[col], samples[col])
			if err != nil {
				return nil, fmt.Errorf("parquet column %s: %w", col, err)
			}
			row[col] = v
		}
		if _, err := w.Write([]map[string]any{row}); err != nil {
			return nil, fmt.Errorf("parquet write row: %w", err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("parquet close: %w", err)
	}
	return buf.Bytes(), nil
}

func parquetNode(sample any) parquet.Node {
	switch sample.(type) {
	case float64, float32:
		return parquet.Optional(parquet.Leaf(parquet.DoubleType))
	case int, int64:
		return parquet.Optional(parquet.Leaf(parquet.Int64Type))
	case bool:
		return parquet.Optional(parquet.Leaf(parquet.BooleanType))
	default:
		return parquet.Optional(parquet.String())
	}
}

// parquetValue coerces v to the column type chosen from sample. Nested
// values are stored as JSON text; mismatched scalars in a typed column
// are written as null.
func parquetValue(v, sample any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch sample.(type) {
	case float64, float32, int, int64, bool:
		if reflect.TypeOf(v) == reflect.TypeOf(sample) {
			return v, nil
		}
		return nil, nil
	}
	switch val := v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	default:
		return formatValue(val), nil
	}
}

func parquetCodec(name string) compress.Codec {
	switch name {
	case "zstd":
		return &zstd.Codec{Level: zstd.DefaultLevel}
	case "gzip":
		return &gzip.Codec{}
	case "none", "uncompressed":
		return nil
	default:
		return &snappy.Codec{}
	}
}

// ── CSV ──────────────────────────────────────

func encodeCSV(records []map[string]any, delimiter rune) ([]byte, error) {
	if delimiter == 0 {
		delimiter = ','
	}
	cols, _ := columnsOf(records)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	w.Comma = delimiter
	if err := w.Write(cols); err != nil {
		return nil, fmt.Errorf("csv write header: %w", err)
	}
	for _, rec := range records {
		row := make([]string, len(cols))
		for i, col := range cols {
			if v := rec[col]; v != nil {
				row[i] = formatValue(v)
			}
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("csv write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("csv flush: %w", err)
	}
	return buf.Bytes(), nil
}

func formatValue(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case bool:
		return strconv.FormatBool(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	case map[string]any, []any:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprintf("%v", val)
		}
		return string(b)
	default:
		return fmt.Sprintf("%v", val)
	}
}

// ParseCSVDelimiter accepts ",", ";", "|", "tab" or any single character.
func ParseCSVDelimiter(s string) rune {
	switch s {
	case "", ",":
		return ','
	case `\t`, "tab", "\t":
		return '\t'
	default:
		return []rune(s)[0]
	}
}

// FormatExtension returns the object file extension for format.
func FormatExtension(format string) string {
	switch format {
	case FormatJSON, FormatParquet, FormatCSV:
		return format
	default:
		return FormatJSONL
	}
}

// FormatContentType returns the object content type for format.
func FormatContentType(format string) string {
	switch format {
	case FormatJSON:
		return "application/json"
	case FormatParquet:
		return "application/octet-stream"
	case FormatCSV:
		return "text/csv"
	default:
		return "application/x-ndjson"
	}
}
