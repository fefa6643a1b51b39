// Package journal 记录仲裁者提交的每一次 Cell 写入，用于审计与管理接口查询。
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS commits (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	room TEXT NOT NULL,
	cell TEXT NOT NULL,
	version INTEGER NOT NULL,
	value TEXT,
	removed BOOLEAN DEFAULT 0,
	issuer TEXT,
	seq INTEGER DEFAULT 0,
	at_unix_ms INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS commits_room_id ON commits (room, id);
`

// Entry 一条提交记录。Issuer 为空表示由仲裁者自身发起（生成物体、清空座位等）。
type Entry struct {
	ID      int64     `json:"id"`
	Room    string    `json:"room"`
	Cell    string    `json:"cell"`
	Version uint64    `json:"version"`
	Value   string    `json:"value,omitempty"`
	Removed bool      `json:"removed,omitempty"`
	Issuer  string    `json:"issuer,omitempty"`
	Seq     int64     `json:"seq,omitempty"`
	At      time.Time `json:"at"`
}

type Store struct {
	db *sql.DB
}

// Open 打开（或创建）SQLite 日志库。path 可为 ":memory:"。
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	// 单连接：SQLite 单写者，同时保证 :memory: 库在连接间共享
	db.SetMaxOpenConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal pragma: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("journal schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Record(ctx context.Context, e Entry) error {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO commits (room, cell, version, value, removed, issuer, seq, at_unix_ms) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.Room, e.Cell, int64(e.Version), e.Value, e.Removed, e.Issuer, e.Seq, e.At.UnixMilli())
	if err != nil {
		return fmt.Errorf("record %s/%s: %w", e.Room, e.Cell, err)
	}
	return nil
}

// List 返回某房间最近的 limit 条记录（按提交顺序）
func (s *Store) List(ctx context.Context, room string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, room, cell, version, value, removed, issuer, seq, at_unix_ms FROM (
			SELECT * FROM commits WHERE room = ? ORDER BY id DESC LIMIT ?
		) ORDER BY id ASC`, room, limit)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", room, err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			version int64
			value   sql.NullString
			issuer  sql.NullString
			atMs    int64
		)
		if err := rows.Scan(&e.ID, &e.Room, &e.Cell, &version, &value, &e.Removed, &issuer, &e.Seq, &atMs); err != nil {
			return nil, fmt.Errorf("scan %s: %w", room, err)
		}
		e.Version = uint64(version)
		e.Value = value.String
		e.Issuer = issuer.String
		e.At = time.UnixMilli(atMs)
		out = append(out, e)
	}
	return out, rows.Err()
}
