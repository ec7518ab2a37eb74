package store

import (
	"gorm.io/driver/mysql"
	"gorm.io/gorm"
)

// DocumentSnapshot 对应 document_snapshots 表，(room_id, revision) 唯一。
type DocumentSnapshot struct {
	ID       uint64 `gorm:"primaryKey"`
	RoomID   string `gorm:"column:room_id;size:128;uniqueIndex:uk_room_rev"`
	Revision int    `gorm:"column:revision;uniqueIndex:uk_room_rev"`
	Content  string `gorm:"column:content;type:longtext"`
}

func (DocumentSnapshot) TableName() string { return "document_snapshots" }

// InitMySQL 建连并自动迁移表结构（仅启动时调用一次）。
func InitMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&DocumentSnapshot{}); err != nil {
		return nil, err
	}
	return db, nil
}
