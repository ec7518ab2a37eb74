package room

import (
	"syncServer/backend/internal/ot"
	"syncServer/backend/internal/presence"
)

// 服务端 -> 客户端的消息。每种消息一个结构体，Type 固定。
// 收敛协议只依赖 operation 消息；presence/cursor/typing 都是 advisory。

type InitMessage struct {
	Type     string                  `json:"type"` // 固定 "init"
	Document string                  `json:"document"`
	Revision int                     `json:"revision"`
	Presence []presence.UserPresence `json:"presence"`
}

type OperationMessage struct {
	Type string `json:"type"` // 固定 "operation"
	// 广播的是最终被接受的（可能已被历史变换过的）操作
	Operation ot.Operation `json:"operation"`
	UserID    string       `json:"user_id"`
	// 应用该操作之后的版本号；接收方必须按版本号顺序应用
	Revision int `json:"revision"`
}

type PresenceUpdateMessage struct {
	Type string                `json:"type"` // 固定 "presence_update"
	Data presence.UserPresence `json:"data"`
}

type CursorUpdateMessage struct {
	Type     string `json:"type"` // 固定 "cursor_update"
	UserID   string `json:"user_id"`
	Position int    `json:"position"`
}

type TypingUpdateMessage struct {
	Type     string `json:"type"` // 固定 "typing_update"
	UserID   string `json:"user_id"`
	IsTyping bool   `json:"is_typing"`
}
