// Package sqlite 将阶段文档存入单个 SQLite 数据库（documents 表，按文档名 upsert）。
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"llmcorrupt/pkg/contract"
)

// Options: 数据库路径（必需）。
type Options struct {
	Path string `json:"path"`
}

// Store: contract.Store 的 SQLite 实现。
type Store struct {
	db *sql.DB
}

var _ contract.Store = (*Store)(nil)

// Open 打开（必要时创建）数据库，启用 WAL 并初始化表结构。
func Open(ctx context.Context, opts *Options) (*Store, error) {
	if opts == nil || strings.TrimSpace(opts.Path) == "" {
		return nil, os.ErrInvalid
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", opts.Path)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if err := initSchema(ctx, db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db}, nil
}

// NewWithDB 包装已打开的连接（不做表结构初始化）。
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func initSchema(ctx context.Context, db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS documents (
	name TEXT PRIMARY KEY,
	body BLOB NOT NULL,
	updated_at TEXT NOT NULL
);`
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("sqlite: init schema: %w", err)
	}
	return nil
}

// Close 关闭连接。
func (s *Store) Close() error { return s.db.Close() }

func docKey(name contract.DocName) (string, error) {
	n := string(contract.NormalizeDocName(string(name)))
	if n == "." || n == ".." || strings.HasPrefix(n, "../") || strings.HasPrefix(n, "/") {
		return "", contract.ErrPathInvalid
	}
	return n, nil
}

// Put 按文档名 upsert。
func (s *Store) Put(ctx context.Context, name contract.DocName, b []byte) error {
	key, err := docKey(name)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO documents (name, body, updated_at) VALUES (?, ?, ?)
ON CONFLICT(name) DO UPDATE SET body = excluded.body, updated_at = excluded.updated_at`,
		key, b, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return fmt.Errorf("sqlite: put %s: %w", key, err)
	}
	return nil
}

// Get 读取文档；不存在时返回 contract.ErrNotFound。
func (s *Store) Get(ctx context.Context, name contract.DocName) ([]byte, error) {
	key, err := docKey(name)
	if err != nil {
		return nil, err
	}
	var body []byte
	err = s.db.QueryRowContext(ctx, `SELECT body FROM documents WHERE name = ?`, key).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlite: %s: %w", key, contract.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlite: get %s: %w", key, err)
	}
	return body, nil
}

// Exists 判断文档是否存在。
func (s *Store) Exists(ctx context.Context, name contract.DocName) (bool, error) {
	key, err := docKey(name)
	if err != nil {
		return false, err
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM documents WHERE name = ?`, key).Scan(&n); err != nil {
		return false, fmt.Errorf("sqlite: exists %s: %w", key, err)
	}
	return n > 0, nil
}
