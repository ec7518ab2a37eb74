package ws

import (
	"context"
	"errors"
	"hash/fnv"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"syncServer/backend/internal/room"
)

// 全局的 WebSocket upgrader（允许本地开发环境的来源）
var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	allowedPrefixes := []string{
		"http://localhost",
		"http://127.0.0.1",
		"https://localhost",
		"https://127.0.0.1",
	}
	for _, p := range allowedPrefixes {
		if strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}}

// 没带 color 的用户按 userID 稳定分配一个
var colorPalette = []string{
	"#e57373", "#64b5f6", "#81c784", "#ffb74d",
	"#ba68c8", "#4db6ac", "#f06292", "#a1887f",
}

func pickColor(userID string) string {
	h := fnv.New32a()
	_, _ = h.Write([]byte(userID))
	return colorPalette[h.Sum32()%uint32(len(colorPalette))]
}

type Manager struct {
	reg *room.Registry
}

func NewManager(reg *room.Registry) *Manager {
	return &Manager{reg: reg}
}

// WebSocketConnect 终结一条连接：鉴权中间件已经写好 userId/username，
// 这里升级、join 房间、跑读写循环。房间拿到的只有已验证的身份和解析后的消息。
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetString("userId")
	username := c.GetString("username")
	docID := c.Query("docId")
	if docID == "" {
		c.String(http.StatusBadRequest, "missing docId")
		return
	}
	color := c.Query("color")
	if color == "" {
		color = pickColor(userID)
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v (origin=%s)", err, c.Request.Header.Get("Origin"))
		return
	}

	wsConn, err := m.joinRoom(c.Request.Context(), conn, docID, userID, username, color)
	if err != nil {
		log.Printf("join room %s failed (user=%s): %v", docID, userID, err)
		_ = conn.Close()
		return
	}

	// 先启动写循环；init 消息在 join 时已经排进队列了
	go wsConn.WriteLoop()
	// 读循环阻塞到连接关闭
	wsConn.ReadLoop(c.Request.Context())
}

// joinRoom 处理 GetOrCreate 和 Join 之间的窗口：
// 房间刚好在退休路上会回 ErrRoomClosed，重新取一个新实例再试。
func (m *Manager) joinRoom(ctx context.Context, conn *websocket.Conn, docID, userID, username, color string) (*Conn, error) {
	var lastErr error
	for attempt := 0; attempt < 3; attempt++ {
		r, err := m.reg.GetOrCreate(ctx, docID)
		if err != nil {
			return nil, err
		}
		wsConn := NewConn(conn, r, userID, username, color)
		joinCtx, cancel := context.WithTimeout(ctx, time.Second)
		_, err = r.Join(joinCtx, wsConn, username, color)
		cancel()
		if err == nil {
			return wsConn, nil
		}
		lastErr = err
		if !errors.Is(err, room.ErrRoomClosed) && !errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
	}
	return nil, lastErr
}
