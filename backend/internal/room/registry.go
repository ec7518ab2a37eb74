package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"syncServer/backend/internal/cache"
	"syncServer/backend/internal/presence"
	"syncServer/backend/internal/store"
)

var ErrRoomNotFound = errors.New("ROOM_NOT_FOUND")

// Registry 按 roomID 管理房间实例：显式构造、显式生命周期，
// 没有任何包级单例。房间在第一次 join 时惰性创建（有快照则从快照起步），
// 最后一个会话离开后自行退休并从这里摘除。
type Registry struct {
	mu    sync.Mutex
	rooms map[string]*Room

	tracker     *presence.Tracker
	mirror      cache.PresenceMirror
	events      OpEventSink
	snapshots   SnapshotStore
	presenceTTL time.Duration
}

type RegistryOptions struct {
	Tracker   *presence.Tracker
	Mirror    cache.PresenceMirror // 可为 nil
	Events    OpEventSink          // 可为 nil
	Snapshots SnapshotStore        // 可为 nil
	// Redis 镜像里 presence 的逻辑 TTL
	PresenceTTL time.Duration
}

func NewRegistry(opt RegistryOptions) *Registry {
	tracker := opt.Tracker
	if tracker == nil {
		tracker = presence.NewTracker()
	}
	ttl := opt.PresenceTTL
	if ttl <= 0 {
		ttl = 600 * time.Second
	}
	return &Registry{
		rooms:       make(map[string]*Room),
		tracker:     tracker,
		mirror:      opt.Mirror,
		events:      opt.Events,
		snapshots:   opt.Snapshots,
		presenceTTL: ttl,
	}
}

func (g *Registry) Tracker() *presence.Tracker { return g.tracker }

// GetOrCreate 返回（必要时创建）一个房间。
// 快照加载放在锁外做，装载前再查一次，输掉竞争就用赢家的实例。
func (g *Registry) GetOrCreate(ctx context.Context, roomID string) (*Room, error) {
	g.mu.Lock()
	if r, ok := g.rooms[roomID]; ok {
		g.mu.Unlock()
		return r, nil
	}
	g.mu.Unlock()

	content, baseRev := "", 0
	if g.snapshots != nil {
		c, rev, err := g.snapshots.LoadDocumentSnapshot(ctx, roomID)
		switch {
		case err == nil:
			content, baseRev = c, rev
		case errors.Is(err, store.ErrNoSnapshot):
			// 全新文档，从空串起步
		default:
			return nil, err
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if r, ok := g.rooms[roomID]; ok {
		return r, nil
	}
	r := newRoom(roomID, content, baseRev, roomDeps{
		tracker:     g.tracker,
		mirror:      g.mirror,
		events:      g.events,
		snapshots:   g.snapshots,
		presenceTTL: g.presenceTTL,
		onRetire:    g.retire,
	})
	g.rooms[roomID] = r
	return r, nil
}

func (g *Registry) Get(roomID string) (*Room, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	r, ok := g.rooms[roomID]
	return r, ok
}

// retire 由房间 actor 在最后一个会话离开后回调。
// 只摘除还是当前实例的映射：同名新房间可能已经被重新创建。
func (g *Registry) retire(r *Room) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if cur, ok := g.rooms[r.id]; ok && cur == r {
		delete(g.rooms, r.id)
	}
}

// Checkpoint 触发一个活跃房间的快照保存（外部调用，比如运维接口）。
func (g *Registry) Checkpoint(ctx context.Context, roomID string) error {
	r, ok := g.Get(roomID)
	if !ok {
		return ErrRoomNotFound
	}
	return r.Snapshot(ctx)
}
