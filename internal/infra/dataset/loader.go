package dataset

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tabular-ai-analyst/internal/domain"
	"tabular-ai-analyst/internal/domain/model"
	"tabular-ai-analyst/internal/infra/sandbox"
)

// Loader runs inside a worker: it fetches a remote file, validates the
// format, derives the schema and materializes the rows into the
// conversation's sandbox as a queryable frame.
type Loader struct {
	fetcher *Fetcher
	store   *sandbox.Store
	log     *zerolog.Logger
}

func NewLoader(fetcher *Fetcher, store *sandbox.Store, log *zerolog.Logger) *Loader {
	return &Loader{fetcher: fetcher, store: store, log: log}
}

type frame struct {
	schema []model.Column
	rows   [][]any
}

// Load fetches and materializes ds. It is the only mutator of the
// dataset's frame; the registry entry is finalized by the caller from
// the returned result or error.
func (l *Loader) Load(ctx context.Context, ds *model.Dataset) (*model.LoadResult, error) {
	body, err := l.fetcher.Fetch(ctx, ds.SourceURL)
	if err != nil {
		return nil, err
	}

	var f *frame
	switch sniffFormat(ds.SourceURL, body) {
	case formatParquet:
		f, err = parseParquet(body)
	case formatCSV:
		f, err = parseCSV(body)
	default:
		return nil, domain.NewValidationError(domain.CodeUnsupportedFormat,
			"only CSV and Parquet files are supported")
	}
	if err != nil {
		return nil, err
	}

	if err := l.store.CreateFrame(ctx, ds.ConversationID, ds.TableName, f.schema, f.rows); err != nil {
		// A partially created table must not leak into later queries.
		_ = l.store.DropFrame(context.Background(), ds.ConversationID, ds.TableName)
		return nil, domain.NewInfrastructureError(domain.CodeInternal, "could not materialize frame", err)
	}

	l.log.Info().
		Str("dataset_id", ds.ID).
		Str("table", ds.TableName).
		Int("rows", len(f.rows)).
		Int("columns", len(f.schema)).
		Msg("dataset materialized")

	return &model.LoadResult{
		DatasetID:   ds.ID,
		Schema:      f.schema,
		RowCount:    len(f.rows),
		ColumnCount: len(f.schema),
	}, nil
}

type fileFormat int

const (
	formatUnknown fileFormat = iota
	formatCSV
	formatParquet
)

var parquetMagic = []byte("PAR1")

// sniffFormat combines the URL extension with content sniffing; content
// wins when the two disagree.
func sniffFormat(sourceURL string, body []byte) fileFormat {
	if len(body) >= 8 && bytes.HasPrefix(body, parquetMagic) && bytes.HasSuffix(body, parquetMagic) {
		return formatParquet
	}

	ext := ""
	if u, err := url.Parse(sourceURL); err == nil {
		ext = strings.ToLower(path.Ext(u.Path))
	}
	switch ext {
	case ".csv", ".tsv", ".txt":
		return formatCSV
	case ".parquet":
		// Extension said parquet but the magic was missing.
		return formatUnknown
	}

	if looksLikeCSV(body) {
		return formatCSV
	}
	return formatUnknown
}

// looksLikeCSV accepts bodies that are printable text whose first lines
// share a delimiter count.
func looksLikeCSV(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	sample := body
	if len(sample) > 4096 {
		sample = sample[:4096]
	}
	for _, b := range sample {
		if b == 0 {
			return false
		}
	}
	first, _, _ := bytes.Cut(sample, []byte("\n"))
	if !bytes.Contains(first, []byte(",")) && !bytes.Contains(first, []byte("\t")) && !bytes.Contains(first, []byte(";")) {
		return false
	}
	return true
}

func csvDelimiter(header []byte) rune {
	counts := map[rune]int{',': bytes.Count(header, []byte(",")), '\t': bytes.Count(header, []byte("\t")), ';': bytes.Count(header, []byte(";"))}
	best, n := ',', 0
	for d, c := range counts {
		if c > n {
			best, n = d, c
		}
	}
	return best
}

func parseCSV(body []byte) (*frame, error) {
	header, _, _ := bytes.Cut(body, []byte("\n"))
	r := csv.NewReader(bytes.NewReader(body))
	r.Comma = csvDelimiter(header)
	r.FieldsPerRecord = -1

	records, err := r.ReadAll()
	if err != nil {
		return nil, domain.NewValidationError(domain.CodeUnsupportedFormat, fmt.Sprintf("malformed CSV: %v", err))
	}
	if len(records) == 0 {
		return nil, domain.NewValidationError(domain.CodeUnsupportedFormat, "file has no rows")
	}

	names := make([]string, len(records[0]))
	for i, h := range records[0] {
		h = strings.TrimSpace(h)
		if h == "" {
			h = fmt.Sprintf("col_%d", i+1)
		}
		names[i] = h
	}
	data := records[1:]

	schema := make([]model.Column, len(names))
	for i, name := range names {
		schema[i] = model.Column{Name: name, Type: inferColumnType(data, i)}
	}

	rows := make([][]any, len(data))
	for ri, rec := range data {
		row := make([]any, len(names))
		for ci := range names {
			if ci >= len(rec) {
				row[ci] = nil
				continue
			}
			row[ci] = convertCell(rec[ci], schema[ci].Type)
		}
		rows[ri] = row
	}
	return &frame{schema: schema, rows: rows}, nil
}

// inferColumnType scans up to 1000 values and picks the narrowest
// logical type that fits all non-empty cells, falling back to text.
func inferColumnType(data [][]string, col int) string {
	isInt, isReal, isBool, isTime := true, true, true, true
	seen := 0
	for ri := 0; ri < len(data) && seen < 1000; ri++ {
		if col >= len(data[ri]) {
			continue
		}
		v := strings.TrimSpace(data[ri][col])
		if v == "" {
			continue
		}
		seen++
		if isInt {
			if _, err := strconv.ParseInt(v, 10, 64); err != nil {
				isInt = false
			}
		}
		if isReal {
			if _, err := strconv.ParseFloat(v, 64); err != nil {
				isReal = false
			}
		}
		if isBool && !isBoolLiteral(v) {
			isBool = false
		}
		if isTime && !isTimeLiteral(v) {
			isTime = false
		}
	}
	switch {
	case seen == 0:
		return model.ColTypeText
	case isBool:
		return model.ColTypeBoolean
	case isInt:
		return model.ColTypeInteger
	case isReal:
		return model.ColTypeReal
	case isTime:
		return model.ColTypeTimestamp
	default:
		return model.ColTypeText
	}
}

func isBoolLiteral(v string) bool {
	switch strings.ToLower(v) {
	case "true", "false":
		return true
	}
	return false
}

var timeLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

func isTimeLiteral(v string) bool {
	for _, layout := range timeLayouts {
		if _, err := time.Parse(layout, v); err == nil {
			return true
		}
	}
	return false
}

// convertCell maps a CSV cell to a typed value; empty cells become SQL
// NULLs, never empty strings or zeroes.
func convertCell(raw, colType string) any {
	v := strings.TrimSpace(raw)
	if v == "" {
		return nil
	}
	switch colType {
	case model.ColTypeInteger:
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	case model.ColTypeReal:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	case model.ColTypeBoolean:
		if strings.EqualFold(v, "true") {
			return int64(1)
		}
		return int64(0)
	case model.ColTypeTimestamp:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UTC().Format(time.RFC3339)
			}
		}
	}
	return v
}
