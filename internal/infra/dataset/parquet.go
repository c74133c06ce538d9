package dataset

import (
	"bytes"
	"fmt"
	"io"
	"time"

	"github.com/parquet-go/parquet-go"
	"github.com/parquet-go/parquet-go/format"

	"tabular-ai-analyst/internal/domain"
	"tabular-ai-analyst/internal/domain/model"
)

// parseParquet decodes a flat Parquet file into a frame. Nested or
// repeated fields are not supported; tabular datasets are flat by
// definition here.
func parseParquet(body []byte) (*frame, error) {
	pf, err := parquet.OpenFile(bytes.NewReader(body), int64(len(body)))
	if err != nil {
		return nil, domain.NewValidationError(domain.CodeUnsupportedFormat,
			fmt.Sprintf("malformed Parquet file: %v", err))
	}

	fields := pf.Schema().Fields()
	schema := make([]model.Column, len(fields))
	for i, f := range fields {
		if !f.Leaf() {
			return nil, domain.NewValidationError(domain.CodeUnsupportedFormat,
				"nested Parquet schemas are not supported")
		}
		schema[i] = model.Column{Name: f.Name(), Type: parquetLogicalType(f)}
	}

	var out [][]any
	buf := make([]parquet.Row, 256)
	for _, rg := range pf.RowGroups() {
		rows := rg.Rows()
		for {
			n, err := rows.ReadRows(buf)
			for i := 0; i < n; i++ {
				out = append(out, convertParquetRow(buf[i], fields, len(schema)))
			}
			if err == io.EOF {
				break
			}
			if err != nil {
				_ = rows.Close()
				return nil, domain.NewValidationError(domain.CodeUnsupportedFormat,
					fmt.Sprintf("could not read Parquet rows: %v", err))
			}
		}
		_ = rows.Close()
	}
	return &frame{schema: schema, rows: out}, nil
}

func parquetLogicalType(f parquet.Field) string {
	t := f.Type()
	if lt := t.LogicalType(); lt != nil {
		switch {
		case lt.UTF8 != nil:
			return model.ColTypeText
		case lt.Timestamp != nil, lt.Date != nil:
			return model.ColTypeTimestamp
		}
	}
	switch t.Kind() {
	case parquet.Boolean:
		return model.ColTypeBoolean
	case parquet.Int32, parquet.Int64:
		return model.ColTypeInteger
	case parquet.Float, parquet.Double:
		return model.ColTypeReal
	default:
		return model.ColTypeText
	}
}

func convertParquetRow(row parquet.Row, fields []parquet.Field, width int) []any {
	out := make([]any, width)
	for _, v := range row {
		col := v.Column()
		if col < 0 || col >= width {
			continue
		}
		out[col] = convertParquetValue(v, fields[col])
	}
	return out
}

func convertParquetValue(v parquet.Value, f parquet.Field) any {
	if v.IsNull() {
		return nil
	}
	if lt := f.Type().LogicalType(); lt != nil && lt.Timestamp != nil {
		return parquetTimestamp(v.Int64(), lt).UTC().Format(time.RFC3339)
	}
	switch v.Kind() {
	case parquet.Boolean:
		if v.Boolean() {
			return int64(1)
		}
		return int64(0)
	case parquet.Int32:
		return int64(v.Int32())
	case parquet.Int64:
		return v.Int64()
	case parquet.Float:
		return float64(v.Float())
	case parquet.Double:
		return v.Double()
	default:
		return v.String()
	}
}

func parquetTimestamp(n int64, lt *format.LogicalType) time.Time {
	unit := lt.Timestamp.Unit
	switch {
	case unit.Micros != nil:
		return time.UnixMicro(n)
	case unit.Nanos != nil:
		return time.Unix(0, n)
	default:
		return time.UnixMilli(n)
	}
}
