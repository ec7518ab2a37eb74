package cache

import "fmt"

// 键语义：
// - roomKey(roomID):   房间在线成员（ZSet<userID, expireAtUnix>，score=expireAt）
// - stateKey(roomID):  房间内 userID -> UserPresence JSON（Hash）
const (
	keyRoomFmt  = "presence:room:{roomID:%s}"
	keyStateFmt = "presence:room:state:{roomID:%s}"
)

func roomKey(roomID string) string  { return fmt.Sprintf(keyRoomFmt, roomID) }
func stateKey(roomID string) string { return fmt.Sprintf(keyStateFmt, roomID) }
