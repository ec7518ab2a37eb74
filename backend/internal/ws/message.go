package ws

import (
	"encoding/json"
	"errors"

	"syncServer/backend/internal/ot"
)

var (
	ErrMalformedMessage = errors.New("MALFORMED_MESSAGE")
	ErrUnknownType      = errors.New("UNKNOWN_MESSAGE_TYPE")
)

// 客户端 -> 服务端的消息在边界上解码一次，变成带标签的和类型，
// 之后的分发全靠类型 switch，不再碰松散的 map/字符串。
type ClientMessage interface {
	clientMessage()
}

type OperationMessage struct {
	Type      string       `json:"type"`
	Revision  int          `json:"revision"`
	Operation ot.Operation `json:"operation"`
}

type CursorMessage struct {
	Type     string `json:"type"`
	Position int    `json:"position"`
}

type TypingMessage struct {
	Type     string `json:"type"`
	IsTyping bool   `json:"is_typing"`
}

// 心跳只刷新 presence 的活跃时间
type HeartbeatMessage struct {
	Type string `json:"type"`
}

func (OperationMessage) clientMessage() {}
func (CursorMessage) clientMessage()    {}
func (TypingMessage) clientMessage()    {}
func (HeartbeatMessage) clientMessage() {}

// 出错时回给客户端的提示（尽力而为，收敛协议不依赖它）
type ErrorMessage struct {
	Type string `json:"type"` // 固定 "error"
	Code string `json:"code"`
}

// DecodeClientMessage 解析一帧。未知类型和坏 JSON 都按协议错误返回，
// 调用方丢弃该消息即可，不需要断开连接。
func DecodeClientMessage(data []byte) (ClientMessage, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, ErrMalformedMessage
	}
	switch envelope.Type {
	case "operation":
		var m OperationMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, ErrMalformedMessage
		}
		return m, nil
	case "cursor":
		var m CursorMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, ErrMalformedMessage
		}
		return m, nil
	case "typing":
		var m TypingMessage
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, ErrMalformedMessage
		}
		return m, nil
	case "heartbeat":
		return HeartbeatMessage{Type: "heartbeat"}, nil
	default:
		return nil, ErrUnknownType
	}
}
