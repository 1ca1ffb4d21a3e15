// Package blocklist 持久化网络封禁记录 (sqlite)
package blocklist

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// Entry 一条封禁记录；Enforced 为 false 表示仅登记未生效
type Entry struct {
	Peer      string    `json:"peer"`
	Reason    string    `json:"reason"`
	Backend   string    `json:"backend"`
	Enforced  bool      `json:"enforced"`
	CreatedAt time.Time `json:"created_at"`
}

type Store struct {
	db *sql.DB
}

// Open 打开数据库并初始化表结构
func Open(dbPath string) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// sqlite 单写者
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS blocklist (
		peer TEXT PRIMARY KEY,
		reason TEXT,
		backend TEXT,
		enforced INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Add 已存在时更新原因；一旦生效不会被降级为未生效
func (s *Store) Add(peer, reason, backend string, enforced bool) error {
	_, err := s.db.Exec(`
		INSERT INTO blocklist(peer, reason, backend, enforced) VALUES (?, ?, ?, ?)
		ON CONFLICT(peer) DO UPDATE SET
			reason = excluded.reason,
			backend = CASE WHEN excluded.enforced = 1 THEN excluded.backend ELSE blocklist.backend END,
			enforced = MAX(blocklist.enforced, excluded.enforced)`,
		peer, reason, backend, boolInt(enforced))
	return err
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// IsBlocked 查询单个地址
func (s *Store) IsBlocked(peer string) (bool, Entry, error) {
	var e Entry
	var enforced int
	err := s.db.QueryRow(
		"SELECT peer, reason, backend, enforced, created_at FROM blocklist WHERE peer = ?", peer,
	).Scan(&e.Peer, &e.Reason, &e.Backend, &enforced, &e.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return false, Entry{}, nil
	}
	if err != nil {
		return false, Entry{}, err
	}
	e.Enforced = enforced == 1
	return true, e, nil
}

func (s *Store) List() ([]Entry, error) {
	rows, err := s.db.Query("SELECT peer, reason, backend, enforced, created_at FROM blocklist ORDER BY created_at DESC, peer")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Entry
	for rows.Next() {
		var e Entry
		var enforced int
		if err := rows.Scan(&e.Peer, &e.Reason, &e.Backend, &enforced, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Enforced = enforced == 1
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) Remove(peer string) error {
	_, err := s.db.Exec("DELETE FROM blocklist WHERE peer = ?", peer)
	return err
}
