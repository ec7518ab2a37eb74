package ws

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"syncServer/backend/internal/room"
)

const (
	// 每连接出站队列长度；advisory 消息满了就丢，operation 满了断开连接
	sendQueueSize = 32
	// 房间 actor 的命令往返超时
	commandTimeout = 200 * time.Millisecond
	leaveTimeout   = 2 * time.Second
)

// Conn 是一条 websocket 连接在本服务里的化身，同时实现 room.Session。
// socket 归这里所有，房间只拿到 (userID, 已解析的消息)。
type Conn struct {
	ws       *websocket.Conn
	room     *room.Room
	userID   string
	username string
	color    string

	send chan any
	// writeLoop 的退出信号；不 close(send)，避免和房间广播的入队竞争
	done chan struct{}

	closeOnce sync.Once
	leaveOnce sync.Once
}

func NewConn(ws *websocket.Conn, r *room.Room, userID, username, color string) *Conn {
	return &Conn{
		ws:       ws,
		room:     r,
		userID:   userID,
		username: username,
		color:    color,
		send:     make(chan any, sendQueueSize),
		done:     make(chan struct{}),
	}
}

func (c *Conn) UserID() string { return c.userID }

// Enqueue 非阻塞入队。队列满返回 false，丢还是断开由调用方（房间）决定。
func (c *Conn) Enqueue(msg any) bool {
	select {
	case c.send <- msg:
		return true
	default:
		return false
	}
}

// Kick 关闭底层连接；readLoop 随之出错返回，走统一的 leave 路径。
func (c *Conn) Kick() {
	c.closeOnce.Do(func() {
		_ = c.ws.Close()
	})
}

// leave 保证恰好执行一次，不管断开是网络错误、显式关闭还是写失败引起的。
func (c *Conn) leave() {
	c.leaveOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), leaveTimeout)
		defer cancel()
		if err := c.room.Leave(ctx, c); err != nil {
			log.Printf("leave room %s failed (user=%s): %v", c.room.ID(), c.userID, err)
		}
	})
}

func (c *Conn) ReadLoop(ctx context.Context) {
	defer func() {
		c.leave()
		close(c.done)
		c.Kick()
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			return
		}

		msg, err := DecodeClientMessage(data)
		if err != nil {
			// 协议错误：丢掉这一条就行，不断开
			log.Printf("drop message (user=%s, room=%s): %v", c.userID, c.room.ID(), err)
			continue
		}

		cmdCtx, cancel := context.WithTimeout(ctx, commandTimeout)
		closed := c.handleMessage(cmdCtx, msg)
		cancel()
		if closed {
			return
		}
	}
}

// handleMessage 返回 true 表示房间已经关闭，连接应该结束（客户端重连重建状态）。
func (c *Conn) handleMessage(ctx context.Context, msg ClientMessage) bool {
	var err error
	switch m := msg.(type) {
	case OperationMessage:
		_, _, err = c.room.SubmitOperation(ctx, c, m.Revision, m.Operation)
		switch {
		case err == nil:
		case errors.Is(err, room.ErrOutOfBounds), errors.Is(err, room.ErrRevisionOutOfRange):
			// 拒绝掉这一条，提示客户端 resync（重新 join 拿 init）
			c.Enqueue(ErrorMessage{Type: "error", Code: err.Error()})
			err = nil
		case errors.Is(err, room.ErrBadOperation):
			c.Enqueue(ErrorMessage{Type: "error", Code: err.Error()})
			err = nil
		}
	case CursorMessage:
		err = c.room.UpdateCursor(ctx, c, m.Position)
	case TypingMessage:
		err = c.room.UpdateTyping(ctx, c, m.IsTyping)
	case HeartbeatMessage:
		err = c.room.Heartbeat(ctx, c)
	}

	if errors.Is(err, room.ErrRoomClosed) {
		return true
	}
	if err != nil {
		log.Printf("handle %T failed (user=%s, room=%s): %v", msg, c.userID, c.room.ID(), err)
	}
	return false
}

// WriteLoop 持续消费出站队列。写失败只影响这一条连接：
// 关掉 socket，让 readLoop 去走 leave，绝不波及其他会话的投递。
func (c *Conn) WriteLoop() {
	for {
		select {
		case msg := <-c.send:
			if err := c.ws.WriteJSON(msg); err != nil {
				c.Kick()
				return
			}
		case <-c.done:
			return
		}
	}
}
