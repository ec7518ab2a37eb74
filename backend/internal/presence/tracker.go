package presence

import (
	"sync"
	"time"
)

type Status string

const (
	StatusOnline  Status = "online"
	StatusIdle    Status = "idle"
	StatusOffline Status = "offline"
)

// UserPresence 是房间内某个用户的展示状态（在线/光标/正在输入）。
// 只影响显示，不参与文档收敛协议。
type UserPresence struct {
	UserID         string    `json:"user_id"`
	Username       string    `json:"username"`
	Color          string    `json:"color"`
	Status         Status    `json:"status"`
	LastActive     time.Time `json:"last_active"`
	CursorPosition *int      `json:"cursor_position"`
	IsTyping       bool      `json:"is_typing"`
}

// Tracker 维护 roomID -> userID -> UserPresence。
// 同一用户在不同房间的 presence 互相独立。
// 房间 actor 与清理 ticker 会并发访问，内部自己加锁。
type Tracker struct {
	mu    sync.RWMutex
	rooms map[string]map[string]UserPresence
}

func NewTracker() *Tracker {
	return &Tracker{rooms: make(map[string]map[string]UserPresence)}
}

// Upsert 插入或整体覆盖一条 presence。
func (t *Tracker) Upsert(roomID string, p UserPresence) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.rooms[roomID]
	if room == nil {
		room = make(map[string]UserPresence)
		t.rooms[roomID] = room
	}
	room[p.UserID] = p
}

// Touch 刷新活跃时间并把状态拉回 online（心跳/光标/输入都会走这里）。
// 返回更新后的 presence；用户不存在时返回 false。
func (t *Tracker) Touch(roomID, userID string, mutate func(*UserPresence)) (UserPresence, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	room := t.rooms[roomID]
	p, ok := room[userID]
	if !ok {
		return UserPresence{}, false
	}
	p.LastActive = time.Now()
	p.Status = StatusOnline
	if mutate != nil {
		mutate(&p)
	}
	room[userID] = p
	return p, true
}

func (t *Tracker) Remove(roomID, userID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if room, ok := t.rooms[roomID]; ok {
		delete(room, userID)
		if len(room) == 0 {
			delete(t.rooms, roomID)
		}
	}
}

// Snapshot 返回房间当前所有 presence 的副本。
func (t *Tracker) Snapshot(roomID string) []UserPresence {
	t.mu.RLock()
	defer t.mu.RUnlock()
	room := t.rooms[roomID]
	out := make([]UserPresence, 0, len(room))
	for _, p := range room {
		out = append(out, p)
	}
	return out
}

// SweepInactive 清理所有房间里 lastActive 超过 timeout 的 presence，
// 超过半个 timeout 的先降级为 idle。由外部调度器周期性调用，自己不起定时器。
// 这里移除的只是展示状态，不会断开底层连接；权威的断开路径是房间的 leave。
func (t *Tracker) SweepInactive(timeout time.Duration) {
	now := time.Now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for roomID, room := range t.rooms {
		for userID, p := range room {
			idle := now.Sub(p.LastActive)
			switch {
			case idle > timeout:
				delete(room, userID)
			case idle > timeout/2 && p.Status == StatusOnline:
				p.Status = StatusIdle
				room[userID] = p
			}
		}
		if len(room) == 0 {
			delete(t.rooms, roomID)
		}
	}
}
