package room

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"syncServer/backend/internal/cache"
	"syncServer/backend/internal/collab"
	"syncServer/backend/internal/ot"
	"syncServer/backend/internal/presence"
)

var (
	// 客户端需要重新 join 拿一份新的 init
	ErrRevisionOutOfRange = errors.New("REVISION_OUT_OF_RANGE")
	// 操作越界：不改状态、不广播，只拒绝这一条
	ErrOutOfBounds  = errors.New("OP_OUT_OF_BOUNDS")
	ErrBadOperation = errors.New("BAD_OPERATION")
	// 房间已退休（最后一个会话离开后），调用方应重新 GetOrCreate
	ErrRoomClosed = errors.New("ROOM_CLOSED")
)

// Session 是连接层在房间里的投影。房间只认 userID 和两个出站动作，
// socket 本身归连接层所有。
type Session interface {
	UserID() string
	// Enqueue 非阻塞入队，队列满返回 false
	Enqueue(v any) bool
	// Kick 关闭底层连接（operation 广播塞不进去时走这里，客户端重连后 resync）
	Kick()
}

// SnapshotStore 是持久化协作方的边界：只在房间创建和外部触发 checkpoint 时调用，
// 绝不在每个操作上内联。
type SnapshotStore interface {
	LoadDocumentSnapshot(ctx context.Context, roomID string) (string, int, error)
	SaveDocumentSnapshot(ctx context.Context, roomID string, rev int, content string) error
}

// OpEventSink 消费已接受操作的事件（Kafka dispatcher 实现它）。
type OpEventSink interface {
	Enqueue(ctx context.Context, evt collab.DocOpEvent) error
}

type JoinResult struct {
	Content  string
	Revision int
	Presence []presence.UserPresence
}

// Room 独占一份文档的权威状态。所有变更都经由唯一的 actor goroutine
// 串行处理（一个 inbox channel），不同房间之间完全并行。
// 两个并发 Submit 绝不允许交错，否则上面的 OT 变换就全错了。
type Room struct {
	id    string
	inbox chan any

	// 以下字段只有 actor goroutine 触碰
	content  string
	baseRev  int // 快照基线版本
	rev      int
	history  []ot.Operation // 快照之后被接受的操作，append-only
	sessions map[Session]string
	retired  bool

	tracker     *presence.Tracker
	mirror      cache.PresenceMirror
	events      OpEventSink
	snapshots   SnapshotStore
	presenceTTL time.Duration
	onRetire    func(*Room)
}

const retireDrainGrace = 500 * time.Millisecond

func newRoom(id string, content string, baseRev int, deps roomDeps) *Room {
	r := &Room{
		id:          id,
		inbox:       make(chan any, 64),
		content:     content,
		baseRev:     baseRev,
		rev:         baseRev,
		history:     []ot.Operation{},
		sessions:    make(map[Session]string),
		tracker:     deps.tracker,
		mirror:      deps.mirror,
		events:      deps.events,
		snapshots:   deps.snapshots,
		presenceTTL: deps.presenceTTL,
		onRetire:    deps.onRetire,
	}
	go r.run()
	return r
}

type roomDeps struct {
	tracker     *presence.Tracker
	mirror      cache.PresenceMirror
	events      OpEventSink
	snapshots   SnapshotStore
	presenceTTL time.Duration
	onRetire    func(*Room)
}

func (r *Room) ID() string { return r.id }

// ---- 命令（都带 reply channel，调用方用 ctx 控制等待时长）----

type joinCmd struct {
	sess     Session
	username string
	color    string
	reply    chan joinReply
}
type joinReply struct {
	res JoinResult
	err error
}

type submitCmd struct {
	sess      Session
	clientRev int
	op        ot.Operation
	reply     chan submitReply
}
type submitReply struct {
	accepted ot.Operation
	revision int
	err      error
}

type cursorCmd struct {
	sess     Session
	position int
	reply    chan error
}

type typingCmd struct {
	sess     Session
	isTyping bool
	reply    chan error
}

type heartbeatCmd struct {
	sess  Session
	reply chan error
}

type leaveCmd struct {
	sess  Session
	reply chan error
}

type snapshotCmd struct {
	reply chan error
}

func (r *Room) send(ctx context.Context, cmd any) error {
	select {
	case r.inbox <- cmd:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Join 注册会话、初始化 presence，并把 init 消息（全量文档+版本+presence 快照）
// 排进该会话的队列。init 由 actor 入队，保证排在后续任何广播之前。
func (r *Room) Join(ctx context.Context, sess Session, username, color string) (JoinResult, error) {
	reply := make(chan joinReply, 1)
	if err := r.send(ctx, joinCmd{sess: sess, username: username, color: color, reply: reply}); err != nil {
		return JoinResult{}, err
	}
	select {
	case rep := <-reply:
		return rep.res, rep.err
	case <-ctx.Done():
		return JoinResult{}, ctx.Err()
	}
}

// SubmitOperation 接受（或拒绝）一个编辑：校验、按历史变换、应用、追加历史、广播。
func (r *Room) SubmitOperation(ctx context.Context, sess Session, clientRev int, op ot.Operation) (ot.Operation, int, error) {
	reply := make(chan submitReply, 1)
	if err := r.send(ctx, submitCmd{sess: sess, clientRev: clientRev, op: op, reply: reply}); err != nil {
		return ot.Operation{}, 0, err
	}
	select {
	case rep := <-reply:
		return rep.accepted, rep.revision, rep.err
	case <-ctx.Done():
		return ot.Operation{}, 0, ctx.Err()
	}
}

func (r *Room) UpdateCursor(ctx context.Context, sess Session, position int) error {
	return r.roundTrip(ctx, func(reply chan error) any {
		return cursorCmd{sess: sess, position: position, reply: reply}
	})
}

func (r *Room) UpdateTyping(ctx context.Context, sess Session, isTyping bool) error {
	return r.roundTrip(ctx, func(reply chan error) any {
		return typingCmd{sess: sess, isTyping: isTyping, reply: reply}
	})
}

func (r *Room) Heartbeat(ctx context.Context, sess Session) error {
	return r.roundTrip(ctx, func(reply chan error) any {
		return heartbeatCmd{sess: sess, reply: reply}
	})
}

// Leave 幂等：第二次调用是空操作。
func (r *Room) Leave(ctx context.Context, sess Session) error {
	return r.roundTrip(ctx, func(reply chan error) any {
		return leaveCmd{sess: sess, reply: reply}
	})
}

// Snapshot 外部触发的 checkpoint。
func (r *Room) Snapshot(ctx context.Context) error {
	return r.roundTrip(ctx, func(reply chan error) any {
		return snapshotCmd{reply: reply}
	})
}

func (r *Room) roundTrip(ctx context.Context, build func(chan error) any) error {
	reply := make(chan error, 1)
	if err := r.send(ctx, build(reply)); err != nil {
		return err
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ---- actor ----

func (r *Room) run() {
	for cmd := range r.inbox {
		r.dispatch(cmd)
		if r.retired {
			r.drain()
			return
		}
	}
}

// drain：退休之后把还排着队的命令都答复 ErrRoomClosed，再等一小段
// 宽限期接住正在路上的发送，然后 goroutine 退出。赶上末班车没赶上的
// 调用方会因为自己的 ctx 超时而重试 GetOrCreate。
func (r *Room) drain() {
	for {
		select {
		case cmd := <-r.inbox:
			r.rejectClosed(cmd)
		case <-time.After(retireDrainGrace):
			return
		}
	}
}

func (r *Room) rejectClosed(cmd any) {
	switch c := cmd.(type) {
	case joinCmd:
		c.reply <- joinReply{err: ErrRoomClosed}
	case submitCmd:
		c.reply <- submitReply{err: ErrRoomClosed}
	case cursorCmd:
		c.reply <- ErrRoomClosed
	case typingCmd:
		c.reply <- ErrRoomClosed
	case heartbeatCmd:
		c.reply <- ErrRoomClosed
	case leaveCmd:
		// 离开一个已经关闭的房间，效果上已经达成
		c.reply <- nil
	case snapshotCmd:
		c.reply <- ErrRoomClosed
	}
}

func (r *Room) dispatch(cmd any) {
	switch c := cmd.(type) {
	case joinCmd:
		c.reply <- r.handleJoin(c)
	case submitCmd:
		c.reply <- r.handleSubmit(c)
	case cursorCmd:
		c.reply <- r.handleCursor(c)
	case typingCmd:
		c.reply <- r.handleTyping(c)
	case heartbeatCmd:
		c.reply <- r.handleHeartbeat(c)
	case leaveCmd:
		c.reply <- r.handleLeave(c)
	case snapshotCmd:
		c.reply <- r.saveSnapshot()
	}
}

func (r *Room) handleJoin(c joinCmd) joinReply {
	r.sessions[c.sess] = c.sess.UserID()

	// init 里的 presence 是“已有成员”的快照，不包含刚加入的自己
	res := JoinResult{
		Content:  r.content,
		Revision: r.rev,
		Presence: r.tracker.Snapshot(r.id),
	}

	p := presence.UserPresence{
		UserID:     c.sess.UserID(),
		Username:   c.username,
		Color:      c.color,
		Status:     presence.StatusOnline,
		LastActive: time.Now(),
	}
	r.tracker.Upsert(r.id, p)
	r.mirrorUpsert(p)
	// init 在 actor 里入队，排在之后的任何广播之前
	if !c.sess.Enqueue(InitMessage{Type: "init", Document: res.Content, Revision: res.Revision, Presence: res.Presence}) {
		c.sess.Kick()
	}
	r.broadcast(PresenceUpdateMessage{Type: "presence_update", Data: p}, c.sess, false)
	return joinReply{res: res}
}

func (r *Room) handleSubmit(c submitCmd) submitReply {
	op := c.op
	// 结构性校验；Insert 的长度一律重算，不信任客户端
	switch op.Kind {
	case ot.KindInsert:
		if op.Position < 0 || op.Value == "" {
			return submitReply{err: ErrBadOperation}
		}
		op.Length = op.InsertLen()
	case ot.KindDelete:
		if op.Position < 0 || op.Length < 0 {
			return submitReply{err: ErrBadOperation}
		}
	default:
		return submitReply{err: ErrBadOperation}
	}

	// 版本窗口：早于快照基线的历史已经丢弃，只能 resync
	if c.clientRev < r.baseRev || c.clientRev > r.rev {
		return submitReply{err: ErrRevisionOutOfRange}
	}

	// 客户端落后时，把操作变换到服务端当前版本之后
	if c.clientRev < r.rev {
		op = ot.TransformAgainstHistory(op, r.history[c.clientRev-r.baseRev:])
	}

	// 边界校验在变换之后做：Apply 自身不校验，必须在这里拦住
	docLen := len([]rune(r.content))
	switch op.Kind {
	case ot.KindInsert:
		if op.Position > docLen {
			return submitReply{err: ErrOutOfBounds}
		}
	case ot.KindDelete:
		if op.Position+op.Length > docLen {
			return submitReply{err: ErrOutOfBounds}
		}
	}

	r.content = ot.Apply(r.content, op)
	r.history = append(r.history, op)
	r.rev++
	if r.rev != r.baseRev+len(r.history) {
		// 版本计数和历史长度对不上说明串行化被破坏了，宁可炸掉这个房间
		panic(fmt.Sprintf("room %s invariant violated: rev=%d base=%d history=%d",
			r.id, r.rev, r.baseRev, len(r.history)))
	}

	r.tracker.Touch(r.id, c.sess.UserID(), nil)

	// 广播给房间里的所有会话，包括发送者：发送者要用权威的变换结果
	// 替换本地的乐观状态
	r.broadcast(OperationMessage{
		Type:      "operation",
		Operation: op,
		UserID:    c.sess.UserID(),
		Revision:  r.rev,
	}, nil, true)

	if r.events != nil {
		evt := collab.DocOpEvent{
			EventType: "OP_APPLIED",
			RoomID:    r.id,
			Revision:  r.rev,
			AuthorID:  c.sess.UserID(),
			Op:        op,
			AppliedAt: time.Now(),
		}
		// 不在 actor 里等事件队列
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			if err := r.events.Enqueue(ctx, evt); err != nil {
				log.Printf("room %s: drop op event rev=%d: %v", r.id, evt.Revision, err)
			}
		}()
	}

	return submitReply{accepted: op, revision: r.rev}
}

func (r *Room) handleCursor(c cursorCmd) error {
	pos := c.position
	p, ok := r.tracker.Touch(r.id, c.sess.UserID(), func(p *presence.UserPresence) {
		p.CursorPosition = &pos
	})
	if !ok {
		return nil
	}
	r.mirrorUpsert(p)
	// 只发给其他会话：advisory，不属于收敛协议
	r.broadcast(CursorUpdateMessage{Type: "cursor_update", UserID: c.sess.UserID(), Position: pos}, c.sess, false)
	return nil
}

func (r *Room) handleTyping(c typingCmd) error {
	p, ok := r.tracker.Touch(r.id, c.sess.UserID(), func(p *presence.UserPresence) {
		p.IsTyping = c.isTyping
	})
	if !ok {
		return nil
	}
	r.mirrorUpsert(p)
	r.broadcast(TypingUpdateMessage{Type: "typing_update", UserID: c.sess.UserID(), IsTyping: c.isTyping}, c.sess, false)
	return nil
}

func (r *Room) handleHeartbeat(c heartbeatCmd) error {
	p, ok := r.tracker.Touch(r.id, c.sess.UserID(), nil)
	if !ok {
		return nil
	}
	r.mirrorUpsert(p)
	r.broadcast(PresenceUpdateMessage{Type: "presence_update", Data: p}, c.sess, false)
	return nil
}

func (r *Room) handleLeave(c leaveCmd) error {
	userID, ok := r.sessions[c.sess]
	if !ok {
		// 幂等：重复 leave 是空操作
		return nil
	}
	delete(r.sessions, c.sess)

	// 同一用户可能还有别的连接（多标签页），都走了才清 presence
	stillHere := false
	for _, uid := range r.sessions {
		if uid == userID {
			stillHere = true
			break
		}
	}
	if !stillHere {
		r.tracker.Remove(r.id, userID)
		r.mirrorRemove(userID)
		r.broadcast(PresenceUpdateMessage{Type: "presence_update", Data: presence.UserPresence{
			UserID: userID,
			Status: presence.StatusOffline,
		}}, nil, false)
	}

	if len(r.sessions) == 0 {
		if err := r.saveSnapshot(); err != nil {
			log.Printf("room %s: snapshot on retire failed: %v", r.id, err)
		}
		r.retired = true
		if r.onRetire != nil {
			r.onRetire(r)
		}
	}
	return nil
}

func (r *Room) saveSnapshot() error {
	if r.snapshots == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return r.snapshots.SaveDocumentSnapshot(ctx, r.id, r.rev, r.content)
}

// broadcast 逐会话非阻塞入队，绝不让一个慢客户端拖住串行变更路径。
// critical（operation 广播）塞不进去就断开那个连接；advisory 直接丢。
func (r *Room) broadcast(msg any, exclude Session, critical bool) {
	for sess := range r.sessions {
		if sess == exclude {
			continue
		}
		if !sess.Enqueue(msg) && critical {
			sess.Kick()
		}
	}
}

func (r *Room) mirrorUpsert(p presence.UserPresence) {
	if r.mirror == nil {
		return
	}
	id := r.id
	ttl := r.presenceTTL
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.mirror.UpsertMember(ctx, id, p, ttl); err != nil {
			log.Printf("room %s: presence mirror upsert failed: %v", id, err)
		}
	}()
}

func (r *Room) mirrorRemove(userID string) {
	if r.mirror == nil {
		return
	}
	id := r.id
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := r.mirror.RemoveMember(ctx, id, userID); err != nil {
			log.Printf("room %s: presence mirror remove failed: %v", id, err)
		}
	}()
}
