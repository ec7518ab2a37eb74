package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/go-sql-driver/mysql"
)

// ErrNoSnapshot：房间从未保存过快照，调用方从空文档起步。
var ErrNoSnapshot = errors.New("NO_SNAPSHOT")

type SnapshotStore struct{ db *sql.DB }

func NewSnapshotStore(db *sql.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

func (s *SnapshotStore) SaveDocumentSnapshot(ctx context.Context, roomID string, rev int, content string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO document_snapshots (room_id, revision, content)
		VALUES (?, ?, ?)`,
		roomID,
		rev,
		content,
	)
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
			// 同一 (room_id, revision) 重复保存：幂等处理
			return nil
		}
		return err
	}
	return nil
}

// LoadDocumentSnapshot 取该房间版本号最大的一条快照。
func (s *SnapshotStore) LoadDocumentSnapshot(ctx context.Context, roomID string) (string, int, error) {
	var content string
	var rev int
	err := s.db.QueryRowContext(ctx,
		`SELECT content, revision FROM document_snapshots
		WHERE room_id = ? ORDER BY revision DESC LIMIT 1`,
		roomID,
	).Scan(&content, &rev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, ErrNoSnapshot
	}
	if err != nil {
		return "", 0, err
	}
	return content, rev, nil
}
