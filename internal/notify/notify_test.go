package notify

import (
	"context"
	"testing"

	"github.com/binderkit/go-binder/internal/mqueue"
	"github.com/binderkit/go-binder/internal/registry"
)

func newQ(t *testing.T) *mqueue.Queue {
	t.Helper()
	q := mqueue.New(0, false, nil)
	t.Cleanup(q.Put)
	return q
}

// TestDeathFanOut exercises property 5: N distinct notifiers on one owned
// object each receive exactly one BR_DEAD_BINDER with their cookie.
func TestDeathFanOut(t *testing.T) {
	owner := newQ(t)
	reg := registry.New(owner)
	obj, _ := reg.InternLocal(0xA1)
	obj.RealCookie = 0xC1

	watchers := []*mqueue.Queue{newQ(t), newQ(t), newQ(t)}
	cookies := []uintptr{0xD1, 0xD2, 0xD3}
	for i, w := range watchers {
		if err := Request(reg, 0xA1, cookies[i], w); err != nil {
			t.Fatalf("Request %d: %v", i, err)
		}
	}

	FireAll(context.Background(), reg)

	for i, w := range watchers {
		msg, ok, err := w.Read(context.Background())
		if err != nil || !ok {
			t.Fatalf("watcher %d Read: %v %v %v", i, msg, ok, err)
		}
		if msg.Kind != mqueue.KindDeadBinder {
			t.Fatalf("watcher %d kind = %v, want KindDeadBinder", i, msg.Kind)
		}
		if msg.Cookie != cookies[i] {
			t.Fatalf("watcher %d cookie = %#x, want %#x", i, msg.Cookie, cookies[i])
		}
	}

	if len(obj.DetachNotifiers()) != 0 {
		t.Fatal("notifiers should be empty after firing")
	}
}

func TestClearOnlyDoneWhenFound(t *testing.T) {
	owner := newQ(t)
	reg := registry.New(owner)
	obj, _ := reg.InternLocal(0x1)

	watcher := newQ(t)
	if err := Request(reg, 0x1, 0xD1, watcher); err != nil {
		t.Fatalf("Request: %v", err)
	}

	found, err := Clear(reg, 0x1, 0xD1, watcher)
	if err != nil || !found {
		t.Fatalf("Clear = found=%v err=%v, want true,nil", found, err)
	}
	if len(obj.DetachNotifiers()) != 0 {
		t.Fatal("notifier should have been removed")
	}

	found, err = Clear(reg, 0x1, 0xD1, watcher)
	if err != nil || found {
		t.Fatalf("second Clear = found=%v err=%v, want false,nil", found, err)
	}
}

func TestDrainCallbackRedirectsInFlightTransaction(t *testing.T) {
	sender := newQ(t)
	cb := DrainCallback()

	victim := mqueue.New(0, false, cb)
	_ = victim.Write(context.Background(), &mqueue.Msg{
		Kind:       mqueue.KindTransaction,
		ReplyQueue: sender,
	})
	victim.Put() // drain: should rewrite to BR_DEAD_REPLY on sender

	msg, ok, err := sender.Read(context.Background())
	if err != nil || !ok {
		t.Fatalf("sender Read: %v %v %v", msg, ok, err)
	}
	if msg.Kind != mqueue.KindDeadReply {
		t.Fatalf("kind = %v, want KindDeadReply", msg.Kind)
	}
}

func TestDrainCallbackIgnoresOneWay(t *testing.T) {
	sender := newQ(t)
	cb := DrainCallback()

	victim := mqueue.New(0, false, cb)
	_ = victim.Write(context.Background(), &mqueue.Msg{
		Kind:       mqueue.KindTransaction,
		ReplyQueue: nil, // one-way
	})
	victim.Put()

	if !sender.Empty() {
		t.Fatal("one-way transaction should not be redirected anywhere")
	}
}
