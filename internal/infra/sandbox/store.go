package sandbox

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"strings"
	"sync"

	_ "github.com/mattn/go-sqlite3"

	"tabular-ai-analyst/internal/domain/model"
)

// Store owns one in-memory SQLite database per conversation. Frames are
// materialized into it by load jobs and read by query jobs; a frame is
// never visible to queries before its load commits, so readers and the
// loader never contend.
type Store struct {
	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func NewStore() *Store {
	return &Store{dbs: make(map[string]*sql.DB)}
}

// db returns the conversation's database, creating it on first use. The
// shared-cache named-memory DSN keeps the database alive across
// connections for as long as the *sql.DB is open.
func (s *Store) db(conversationID string) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if db, ok := s.dbs[conversationID]; ok {
		return db, nil
	}
	// The ID lands inside a URI; escaping keeps a hostile value from
	// rewriting the DSN query string and escaping the memory mode.
	dsn := fmt.Sprintf("file:conv_%s?mode=memory&cache=shared", url.QueryEscape(conversationID))
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sandbox db: %w", err)
	}
	// A single writer connection avoids shared-cache lock churn.
	db.SetMaxOpenConns(4)
	s.dbs[conversationID] = db
	return db, nil
}

var storageTypes = map[string]string{
	model.ColTypeInteger:   "INTEGER",
	model.ColTypeReal:      "REAL",
	model.ColTypeText:      "TEXT",
	model.ColTypeBoolean:   "INTEGER",
	model.ColTypeTimestamp: "TEXT",
}

// quoteIdent double-quotes an identifier for SQLite.
func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// CreateFrame creates the table and bulk-inserts all rows in one
// transaction. rows must match the schema's column order; nil values
// become SQL NULLs.
func (s *Store) CreateFrame(ctx context.Context, conversationID, table string, schema []model.Column, rows [][]any) error {
	db, err := s.db(conversationID)
	if err != nil {
		return err
	}

	cols := make([]string, len(schema))
	placeholders := make([]string, len(schema))
	for i, c := range schema {
		st, ok := storageTypes[c.Type]
		if !ok {
			st = "TEXT"
		}
		cols[i] = fmt.Sprintf("%s %s", quoteIdent(c.Name), st)
		placeholders[i] = "?"
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("CREATE TABLE %s (%s)", quoteIdent(table), strings.Join(cols, ", "))); err != nil {
		return fmt.Errorf("create frame table: %w", err)
	}

	insert := fmt.Sprintf("INSERT INTO %s VALUES (%s)", quoteIdent(table), strings.Join(placeholders, ", "))
	stmt, err := tx.PrepareContext(ctx, insert)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, row...); err != nil {
			return fmt.Errorf("insert frame row: %w", err)
		}
	}
	return tx.Commit()
}

// DropFrame removes a materialized table, used on dataset removal and on
// load failures that left a partial table behind.
func (s *Store) DropFrame(ctx context.Context, conversationID, table string) error {
	db, err := s.db(conversationID)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(table)))
	return err
}

// CloseConversation tears down the conversation's database and frees its
// memory.
func (s *Store) CloseConversation(conversationID string) {
	s.mu.Lock()
	db, ok := s.dbs[conversationID]
	delete(s.dbs, conversationID)
	s.mu.Unlock()
	if ok {
		_ = db.Close()
	}
}

// Close tears down every conversation database.
func (s *Store) Close() {
	s.mu.Lock()
	dbs := s.dbs
	s.dbs = make(map[string]*sql.DB)
	s.mu.Unlock()
	for _, db := range dbs {
		_ = db.Close()
	}
}
