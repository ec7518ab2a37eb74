package room

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"syncServer/backend/internal/collab"
	"syncServer/backend/internal/ot"
	"syncServer/backend/internal/store"
)

type fakeSession struct {
	id string

	mu     sync.Mutex
	msgs   []any
	full   bool
	kicked bool
}

func newFakeSession(id string) *fakeSession {
	return &fakeSession{id: id}
}

func (s *fakeSession) UserID() string { return s.id }

func (s *fakeSession) Enqueue(v any) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full {
		return false
	}
	s.msgs = append(s.msgs, v)
	return true
}

func (s *fakeSession) Kick() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kicked = true
}

func (s *fakeSession) setFull(full bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.full = full
}

func (s *fakeSession) wasKicked() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.kicked
}

func (s *fakeSession) messages() []any {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]any, len(s.msgs))
	copy(out, s.msgs)
	return out
}

func (s *fakeSession) operations() []OperationMessage {
	var out []OperationMessage
	for _, m := range s.messages() {
		if op, ok := m.(OperationMessage); ok {
			out = append(out, op)
		}
	}
	return out
}

type snapRecord struct {
	content string
	rev     int
}

// 内存版快照存储，记录每次保存
type fakeSnapshotStore struct {
	mu   sync.Mutex
	data map[string]snapRecord
}

func newFakeSnapshotStore() *fakeSnapshotStore {
	return &fakeSnapshotStore{data: make(map[string]snapRecord)}
}

func (f *fakeSnapshotStore) LoadDocumentSnapshot(ctx context.Context, roomID string) (string, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	snap, ok := f.data[roomID]
	if !ok {
		return "", 0, store.ErrNoSnapshot
	}
	return snap.content, snap.rev, nil
}

func (f *fakeSnapshotStore) SaveDocumentSnapshot(ctx context.Context, roomID string, rev int, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[roomID] = snapRecord{content, rev}
	return nil
}

type fakeEventSink struct {
	events chan collab.DocOpEvent
}

func (f *fakeEventSink) Enqueue(ctx context.Context, evt collab.DocOpEvent) error {
	select {
	case f.events <- evt:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func ctxT(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func TestJoinEmptyRoomInit(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	r, err := reg.GetOrCreate(ctxT(t), "doc-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	s1 := newFakeSession("u1")
	res, err := r.Join(ctxT(t), s1, "alice", "#e57373")
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if res.Content != "" || res.Revision != 0 {
		t.Fatalf("JoinResult = %+v, want empty doc at revision 0", res)
	}
	if len(res.Presence) != 0 {
		t.Fatalf("presence snapshot should be empty for an empty room, got %d", len(res.Presence))
	}

	msgs := s1.messages()
	if len(msgs) == 0 {
		t.Fatalf("no init message enqueued")
	}
	init, ok := msgs[0].(InitMessage)
	if !ok {
		t.Fatalf("first message %T, want InitMessage", msgs[0])
	}
	if init.Type != "init" || init.Document != "" || init.Revision != 0 || len(init.Presence) != 0 {
		t.Fatalf("init = %+v", init)
	}
}

func TestJoinSeesExistingMembers(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	r, _ := reg.GetOrCreate(ctxT(t), "doc-1")

	s1 := newFakeSession("u1")
	if _, err := r.Join(ctxT(t), s1, "alice", ""); err != nil {
		t.Fatalf("Join s1: %v", err)
	}
	s2 := newFakeSession("u2")
	res, err := r.Join(ctxT(t), s2, "bob", "")
	if err != nil {
		t.Fatalf("Join s2: %v", err)
	}
	if len(res.Presence) != 1 || res.Presence[0].UserID != "u1" {
		t.Fatalf("s2 should see u1, got %+v", res.Presence)
	}

	// s1 收到 u2 的上线广播
	found := false
	for _, m := range s1.messages() {
		if pu, ok := m.(PresenceUpdateMessage); ok && pu.Data.UserID == "u2" {
			found = true
		}
	}
	if !found {
		t.Fatalf("s1 did not receive presence_update for u2")
	}
}

func TestSubmitConcurrentInsertsTieBreak(t *testing.T) {
	snaps := newFakeSnapshotStore()
	snaps.data["doc-1"] = snapRecord{"Hello World", 0}

	events := &fakeEventSink{events: make(chan collab.DocOpEvent, 8)}
	reg := NewRegistry(RegistryOptions{Snapshots: snaps, Events: events})
	r, err := reg.GetOrCreate(ctxT(t), "doc-1")
	if err != nil {
		t.Fatalf("GetOrCreate: %v", err)
	}

	s1 := newFakeSession("u1")
	s2 := newFakeSession("u2")
	if _, err := r.Join(ctxT(t), s1, "alice", ""); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Join(ctxT(t), s2, "bob", ""); err != nil {
		t.Fatal(err)
	}

	// A 先到
	opA, rev, err := r.SubmitOperation(ctxT(t), s1, 0, ot.NewInsert(5, "!!!"))
	if err != nil {
		t.Fatalf("submit A: %v", err)
	}
	if rev != 1 || opA.Position != 5 {
		t.Fatalf("A: rev=%d op=%+v", rev, opA)
	}

	// B 也是基于版本 0，按到达顺序 A 赢，B 右移
	opB, rev, err := r.SubmitOperation(ctxT(t), s2, 0, ot.NewInsert(5, "???"))
	if err != nil {
		t.Fatalf("submit B: %v", err)
	}
	if rev != 2 {
		t.Fatalf("rev = %d, want 2", rev)
	}
	if opB.Position != 8 {
		t.Fatalf("B transformed position = %d, want 8", opB.Position)
	}
	if r.content != "Hello!!!??? World" {
		t.Fatalf("content = %q, want %q", r.content, "Hello!!!??? World")
	}

	// 广播发给包括发送者在内的所有会话，版本号递增
	for _, s := range []*fakeSession{s1, s2} {
		ops := s.operations()
		if len(ops) != 2 {
			t.Fatalf("session %s got %d operation broadcasts, want 2", s.id, len(ops))
		}
		if ops[0].Revision != 1 || ops[1].Revision != 2 {
			t.Fatalf("session %s broadcast revisions = %d,%d", s.id, ops[0].Revision, ops[1].Revision)
		}
	}

	// 每个被接受的操作都进了事件队列
	for want := 1; want <= 2; want++ {
		select {
		case evt := <-events.events:
			if evt.EventType != "OP_APPLIED" || evt.RoomID != "doc-1" {
				t.Fatalf("event = %+v", evt)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing op event %d", want)
		}
	}
}

func TestSubmitIdenticalDeletesCollapse(t *testing.T) {
	snaps := newFakeSnapshotStore()
	snaps.data["doc-1"] = snapRecord{"abcdefgh", 0}

	reg := NewRegistry(RegistryOptions{Snapshots: snaps})
	r, _ := reg.GetOrCreate(ctxT(t), "doc-1")
	s1 := newFakeSession("u1")
	s2 := newFakeSession("u2")
	r.Join(ctxT(t), s1, "alice", "")
	r.Join(ctxT(t), s2, "bob", "")

	if _, _, err := r.SubmitOperation(ctxT(t), s1, 0, ot.NewDelete(0, 3)); err != nil {
		t.Fatal(err)
	}
	op, rev, err := r.SubmitOperation(ctxT(t), s2, 0, ot.NewDelete(0, 3))
	if err != nil {
		t.Fatal(err)
	}
	// 第二个删除塌缩成空操作，但仍然占一个版本号
	if !op.IsNoop() {
		t.Fatalf("second delete should collapse to a no-op, got %+v", op)
	}
	if rev != 2 {
		t.Fatalf("rev = %d, want 2", rev)
	}
	if r.content != "defgh" {
		t.Fatalf("content = %q, want %q (no double deletion)", r.content, "defgh")
	}
}

func TestSubmitRejectsOutOfBounds(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	r, _ := reg.GetOrCreate(ctxT(t), "doc-1")
	s1 := newFakeSession("u1")
	r.Join(ctxT(t), s1, "alice", "")

	before := len(s1.operations())
	_, _, err := r.SubmitOperation(ctxT(t), s1, 0, ot.NewDelete(0, 5))
	if !errors.Is(err, ErrOutOfBounds) {
		t.Fatalf("err = %v, want ErrOutOfBounds", err)
	}
	// 拒绝的操作：不改状态、不广播
	if r.rev != 0 || len(r.history) != 0 {
		t.Fatalf("state mutated by rejected op: rev=%d history=%d", r.rev, len(r.history))
	}
	if got := len(s1.operations()); got != before {
		t.Fatalf("rejected op was broadcast")
	}
}

func TestSubmitRejectsRevisionOutOfRange(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	r, _ := reg.GetOrCreate(ctxT(t), "doc-1")
	s1 := newFakeSession("u1")
	r.Join(ctxT(t), s1, "alice", "")

	if _, _, err := r.SubmitOperation(ctxT(t), s1, 7, ot.NewInsert(0, "x")); !errors.Is(err, ErrRevisionOutOfRange) {
		t.Fatalf("err = %v, want ErrRevisionOutOfRange", err)
	}
}

func TestRevisionMonotonic(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	r, _ := reg.GetOrCreate(ctxT(t), "doc-1")
	s1 := newFakeSession("u1")
	r.Join(ctxT(t), s1, "alice", "")

	for i := 1; i <= 5; i++ {
		_, rev, err := r.SubmitOperation(ctxT(t), s1, i-1, ot.NewInsert(0, "x"))
		if err != nil {
			t.Fatalf("submit %d: %v", i, err)
		}
		if rev != i {
			t.Fatalf("revision = %d, want %d", rev, i)
		}
	}
	if len(r.history) != 5 || r.rev != 5 {
		t.Fatalf("history=%d rev=%d, want 5/5", len(r.history), r.rev)
	}
}

func TestConcurrentSubmitsSerialized(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	r, _ := reg.GetOrCreate(ctxT(t), "doc-1")
	s1 := newFakeSession("u1")
	r.Join(ctxT(t), s1, "alice", "")

	const n = 16
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			// 全部声称基于版本 0，由房间串行定序并变换
			if _, _, err := r.SubmitOperation(ctxT(t), s1, 0, ot.NewInsert(0, "x")); err != nil {
				t.Errorf("submit: %v", err)
			}
		}()
	}
	wg.Wait()

	if r.rev != n || len(r.history) != n {
		t.Fatalf("rev=%d history=%d, want %d", r.rev, len(r.history), n)
	}
	if len(r.content) != n {
		t.Fatalf("content length = %d, want %d", len(r.content), n)
	}
}

func TestLeaveIdempotent(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	r, _ := reg.GetOrCreate(ctxT(t), "doc-1")
	s1 := newFakeSession("u1")
	s2 := newFakeSession("u2")
	r.Join(ctxT(t), s1, "alice", "")
	r.Join(ctxT(t), s2, "bob", "")

	if err := r.Leave(ctxT(t), s2); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if err := r.Leave(ctxT(t), s2); err != nil {
		t.Fatalf("second leave should be a no-op, got %v", err)
	}

	offline := 0
	for _, m := range s1.messages() {
		if pu, ok := m.(PresenceUpdateMessage); ok && pu.Data.UserID == "u2" && pu.Data.Status == "offline" {
			offline++
		}
	}
	if offline != 1 {
		t.Fatalf("u2 offline broadcast %d times, want 1", offline)
	}
}

func TestLeaveClearsTypingState(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	r, _ := reg.GetOrCreate(ctxT(t), "doc-1")
	s1 := newFakeSession("u1")
	s2 := newFakeSession("u2")
	r.Join(ctxT(t), s1, "alice", "")
	r.Join(ctxT(t), s2, "bob", "")

	// u2 正在输入，然后直接断开（没有发 typing=false）
	if err := r.UpdateTyping(ctxT(t), s2, true); err != nil {
		t.Fatal(err)
	}
	if err := r.Leave(ctxT(t), s2); err != nil {
		t.Fatal(err)
	}

	// presence 条目必须整个消失，不能留下僵尸的 is_typing
	for _, p := range reg.Tracker().Snapshot("doc-1") {
		if p.UserID == "u2" {
			t.Fatalf("u2 presence should be removed on leave, got %+v", p)
		}
	}
}

func TestCursorBroadcastExcludesSender(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	r, _ := reg.GetOrCreate(ctxT(t), "doc-1")
	s1 := newFakeSession("u1")
	s2 := newFakeSession("u2")
	r.Join(ctxT(t), s1, "alice", "")
	r.Join(ctxT(t), s2, "bob", "")

	if err := r.UpdateCursor(ctxT(t), s1, 3); err != nil {
		t.Fatal(err)
	}

	for _, m := range s1.messages() {
		if _, ok := m.(CursorUpdateMessage); ok {
			t.Fatalf("cursor_update echoed back to sender")
		}
	}
	found := false
	for _, m := range s2.messages() {
		if cu, ok := m.(CursorUpdateMessage); ok && cu.UserID == "u1" && cu.Position == 3 {
			found = true
		}
	}
	if !found {
		t.Fatalf("s2 did not receive cursor_update")
	}
}

func TestSlowSessionKickedOnOperationBroadcast(t *testing.T) {
	reg := NewRegistry(RegistryOptions{})
	r, _ := reg.GetOrCreate(ctxT(t), "doc-1")
	s1 := newFakeSession("u1")
	s2 := newFakeSession("u2")
	r.Join(ctxT(t), s1, "alice", "")
	r.Join(ctxT(t), s2, "bob", "")

	// s2 的出站队列满了：advisory 丢弃，operation 必须断开
	s2.setFull(true)
	if err := r.UpdateCursor(ctxT(t), s1, 1); err != nil {
		t.Fatal(err)
	}
	if s2.wasKicked() {
		t.Fatalf("advisory overflow should not kick")
	}

	if _, _, err := r.SubmitOperation(ctxT(t), s1, 0, ot.NewInsert(0, "x")); err != nil {
		t.Fatal(err)
	}
	if !s2.wasKicked() {
		t.Fatalf("operation overflow should kick the slow session")
	}
}

func TestRoomRetiresAndReseedsFromSnapshot(t *testing.T) {
	snaps := newFakeSnapshotStore()
	reg := NewRegistry(RegistryOptions{Snapshots: snaps})
	r, _ := reg.GetOrCreate(ctxT(t), "doc-1")
	s1 := newFakeSession("u1")
	r.Join(ctxT(t), s1, "alice", "")

	if _, _, err := r.SubmitOperation(ctxT(t), s1, 0, ot.NewInsert(0, "hello")); err != nil {
		t.Fatal(err)
	}
	if err := r.Leave(ctxT(t), s1); err != nil {
		t.Fatal(err)
	}

	// 最后一个会话离开：保存快照并从 registry 摘除
	if _, ok := reg.Get("doc-1"); ok {
		t.Fatalf("room should be retired after last leave")
	}
	snap := snaps.data["doc-1"]
	if snap.content != "hello" || snap.rev != 1 {
		t.Fatalf("snapshot = %+v, want content=hello rev=1", snap)
	}

	// 重新创建：从快照起步，历史基线是快照版本
	r2, err := reg.GetOrCreate(ctxT(t), "doc-1")
	if err != nil {
		t.Fatal(err)
	}
	s2 := newFakeSession("u2")
	res, err := r2.Join(ctxT(t), s2, "bob", "")
	if err != nil {
		t.Fatal(err)
	}
	if res.Content != "hello" || res.Revision != 1 {
		t.Fatalf("reseeded JoinResult = %+v", res)
	}

	// 早于快照基线的版本已经没有历史可变换，只能 resync
	if _, _, err := r2.SubmitOperation(ctxT(t), s2, 0, ot.NewInsert(0, "x")); !errors.Is(err, ErrRevisionOutOfRange) {
		t.Fatalf("err = %v, want ErrRevisionOutOfRange", err)
	}
	if _, rev, err := r2.SubmitOperation(ctxT(t), s2, 1, ot.NewInsert(5, "!")); err != nil || rev != 2 {
		t.Fatalf("submit at base revision: rev=%d err=%v", rev, err)
	}
}

func TestCheckpoint(t *testing.T) {
	snaps := newFakeSnapshotStore()
	reg := NewRegistry(RegistryOptions{Snapshots: snaps})
	r, _ := reg.GetOrCreate(ctxT(t), "doc-1")
	s1 := newFakeSession("u1")
	r.Join(ctxT(t), s1, "alice", "")
	if _, _, err := r.SubmitOperation(ctxT(t), s1, 0, ot.NewInsert(0, "abc")); err != nil {
		t.Fatal(err)
	}

	if err := reg.Checkpoint(ctxT(t), "doc-1"); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	snap := snaps.data["doc-1"]
	if snap.content != "abc" || snap.rev != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}

	if err := reg.Checkpoint(ctxT(t), "nope"); !errors.Is(err, ErrRoomNotFound) {
		t.Fatalf("err = %v, want ErrRoomNotFound", err)
	}
}
