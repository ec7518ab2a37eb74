package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"syncServer/backend/internal/presence"
)

// PresenceMirror 把房间的展示状态镜像到 Redis，供其它服务读取。
// 权威状态在内存 Tracker 里，这里全部 best-effort：写失败只记日志不影响主链路。
type PresenceMirror interface {
	UpsertMember(ctx context.Context, roomID string, p presence.UserPresence, ttl time.Duration) error
	RemoveMember(ctx context.Context, roomID, userID string) error
	GetAliveMembers(ctx context.Context, roomID string) ([]presence.UserPresence, error)
}

type redisPresence struct {
	rdb redis.UniversalClient
}

func NewRedisPresence(rdb redis.UniversalClient) PresenceMirror {
	return &redisPresence{rdb: rdb}
}

func (c *redisPresence) UpsertMember(ctx context.Context, roomID string, p presence.UserPresence, ttl time.Duration) error {
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	// 刷新 TTL 也直接再调一次 UpsertMember 即可
	tx := c.rdb.TxPipeline()
	// ZSET score 用 expireAt（Unix 秒）表达“逻辑 TTL”
	expireAt := time.Now().Add(ttl).Unix()
	tx.ZAdd(ctx, roomKey(roomID), redis.Z{Score: float64(expireAt), Member: p.UserID})
	tx.HSet(ctx, stateKey(roomID), p.UserID, b)
	_, err = tx.Exec(ctx)
	return err
}

func (c *redisPresence) RemoveMember(ctx context.Context, roomID, userID string) error {
	tx := c.rdb.TxPipeline()
	tx.ZRem(ctx, roomKey(roomID), userID)
	tx.HDel(ctx, stateKey(roomID), userID)
	_, err := tx.Exec(ctx)
	return err
}

// 原子清理过期成员：score=expireAt，expireAt <= now 视为过期
const sweepScript = `
-- KEYS[1] = roomKey(roomID)
-- KEYS[2] = stateKey(roomID)
-- ARGV[1] = now (unix seconds)
local expired = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if #expired > 0 then
	redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
	redis.call("HDEL", KEYS[2], unpack(expired))
end
return #expired
`

func (c *redisPresence) GetAliveMembers(ctx context.Context, roomID string) ([]presence.UserPresence, error) {
	now := time.Now().Unix()

	script := redis.NewScript(sweepScript)
	if _, err := script.Run(ctx, c.rdb, []string{roomKey(roomID), stateKey(roomID)}, now).Int(); err != nil && err != redis.Nil {
		return nil, err
	}

	vals, err := c.rdb.HGetAll(ctx, stateKey(roomID)).Result()
	if err != nil && err != redis.Nil {
		return nil, err
	}
	members := make([]presence.UserPresence, 0, len(vals))
	for _, raw := range vals {
		var p presence.UserPresence
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			// 脏数据跳过，不让单条坏记录毁掉整个列表
			continue
		}
		members = append(members, p)
	}
	return members, nil
}
