package collab

import (
	"context"
	"testing"
	"time"
)

func TestEnqueueTimesOutWhenQueueFull(t *testing.T) {
	// 不启动 worker（Workers=0），队列塞满后 Enqueue 只能等到 ctx 超时
	d := &KafkaDispatcher{queue: make(chan DocOpEvent, 1)}

	ctx := context.Background()
	if err := d.Enqueue(ctx, DocOpEvent{RoomID: "doc-1", Revision: 1}); err != nil {
		t.Fatalf("first Enqueue: %v", err)
	}

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := d.Enqueue(short, DocOpEvent{RoomID: "doc-1", Revision: 2}); err == nil {
		t.Fatalf("Enqueue on full queue should fail with ctx error")
	}
}

func TestSendOnceWithoutProducerIsNoop(t *testing.T) {
	d := &KafkaDispatcher{}
	if err := d.sendOnce(DocOpEvent{RoomID: "doc-1"}); err != nil {
		t.Fatalf("sendOnce without producer: %v", err)
	}
}

func TestSemaphoreControl(t *testing.T) {
	s := NewSemaphoreControl()
	if err := s.Acquire(context.Background()); err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := s.Release(); err != nil {
		t.Fatalf("Release: %v", err)
	}
	// 没持有就 Release 要报错
	if err := s.Release(); err == nil {
		t.Fatalf("Release without Acquire should fail")
	}
}
