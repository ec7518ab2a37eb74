package collab

import (
	"time"

	"syncServer/backend/internal/ot"
)

// DocOpEvent 是每个被接受的操作往 doc-ops 主题投递的事件，
// 以 roomID 作 key，保证同一文档的事件落在同一分区、保持版本顺序。
type DocOpEvent struct {
	EventType string       `json:"eventType"` // 固定 "OP_APPLIED"
	RoomID    string       `json:"roomId"`
	Revision  int          `json:"revision"`
	AuthorID  string       `json:"authorId"`
	Op        ot.Operation `json:"op"`
	AppliedAt time.Time    `json:"appliedAt"`
}
