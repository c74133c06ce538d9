package sandbox

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tabular-ai-analyst/internal/domain"
	"tabular-ai-analyst/internal/domain/model"
	"tabular-ai-analyst/internal/infra/metrics"
)

// Executor runs one validated read-only query against a conversation's
// materialized frames. Resource ceilings: the caller's context deadline
// (interrupts the engine between steps), a soft heap limit on the
// connection and a hard cap on result rows.
type Executor struct {
	store         *Store
	maxRows       int
	softHeapLimit int64
	log           *zerolog.Logger
}

func NewExecutor(store *Store, maxRows int, softHeapLimit int64, log *zerolog.Logger) *Executor {
	return &Executor{store: store, maxRows: maxRows, softHeapLimit: softHeapLimit, log: log}
}

// Execute returns the result and, on failure, a non-nil partial result
// whose ElapsedMs is still measured, so callers can distinguish a slow
// failure from a fast one.
func (e *Executor) Execute(ctx context.Context, conversationID, sqlText string) (*model.QueryResult, error) {
	start := time.Now()
	res := &model.QueryResult{}
	fail := func(err error) (*model.QueryResult, error) {
		res.ElapsedMs = time.Since(start).Milliseconds()
		metrics.ObserveSQLLatency(float64(res.ElapsedMs), false)
		return res, err
	}

	if err := ValidateQuery(sqlText); err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(classifyExecError(err))
	}

	db, err := e.store.db(conversationID)
	if err != nil {
		return fail(domain.NewInfrastructureError(domain.CodeInternal, "sandbox unavailable", err))
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return fail(domain.NewInfrastructureError(domain.CodeInternal, "sandbox connection", err))
	}
	defer func() {
		// The connection returns to the conversation's shared pool, which
		// the loader also writes through; query_only must not outlive this
		// query. Fresh context: ctx may already be expired here.
		_, _ = conn.ExecContext(context.Background(), "PRAGMA query_only=OFF")
		_ = conn.Close()
	}()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf("PRAGMA soft_heap_limit=%d", e.softHeapLimit)); err != nil {
		return fail(domain.NewInfrastructureError(domain.CodeInternal, "set heap limit", err))
	}
	// query_only makes the connection reject any write regardless of what
	// the validator let through.
	if _, err := conn.ExecContext(ctx, "PRAGMA query_only=ON"); err != nil {
		return fail(domain.NewInfrastructureError(domain.CodeInternal, "set query_only", err))
	}

	rows, err := conn.QueryContext(ctx, sqlText)
	if err != nil {
		return fail(classifyExecError(err))
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return fail(classifyExecError(err))
	}
	res.Columns = cols

	for rows.Next() {
		if len(res.Rows) >= e.maxRows {
			res.Truncated = true
			break
		}
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return fail(classifyExecError(err))
		}
		for i, v := range vals {
			// Nulls stay nil; byte slices become strings for a stable
			// JSON representation.
			if b, ok := v.([]byte); ok {
				vals[i] = string(b)
			}
		}
		res.Rows = append(res.Rows, vals)
	}
	if err := rows.Err(); err != nil {
		return fail(classifyExecError(err))
	}

	res.RowCount = len(res.Rows)
	res.ElapsedMs = time.Since(start).Milliseconds()
	metrics.ObserveSQLLatency(float64(res.ElapsedMs), true)
	e.log.Debug().
		Str("conversation_id", conversationID).
		Int("rows", res.RowCount).
		Int64("elapsed_ms", res.ElapsedMs).
		Msg("sandbox query executed")
	return res, nil
}

// classifyExecError maps engine failures onto the error taxonomy.
func classifyExecError(err error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return domain.NewResourceError(domain.CodeResourceExceeded, "query exceeded its resource ceiling")
	default:
		msg := err.Error()
		switch {
		case strings.Contains(msg, "no such table"), strings.Contains(msg, "no such view"):
			return domain.NewValidationError(domain.CodeUnknownTable, msg)
		case strings.Contains(msg, "out of memory"), strings.Contains(msg, "interrupted"):
			return domain.NewResourceError(domain.CodeResourceExceeded, msg)
		case strings.Contains(msg, "attempt to write a readonly database"):
			return domain.NewValidationError(domain.CodeUnsafeStatement, "statement attempted to modify data")
		default:
			return domain.NewValidationError(domain.CodeUnsafeStatement, msg)
		}
	}
}
