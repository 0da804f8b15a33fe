// Package notify implements the death-notifier engine (C6): registration,
// clearing, and fan-out when an owning process tears down, plus the
// queue-close drain callback that redirects in-flight synchronous
// transactions to BR_DEAD_REPLY when their destination disappears.
package notify

import (
	"context"
	"errors"

	"github.com/binderkit/go-binder/internal/mqueue"
	"github.com/binderkit/go-binder/internal/registry"
)

// ErrNoSuchObject is returned by Request/Clear when the named binder is not
// present in the owner's local registry.
var ErrNoSuchObject = errors.New("notify: no such local object")

// Request applies BC_REQUEST_DEATH_NOTIFICATION once it has reached the
// owner's own read loop: attach a notifier for (cookie, notifyQueue) to the
// owned object. Duplicates are permitted; dedup is the caller's
// responsibility.
func Request(ownerReg *registry.Registry, binder, cookie uintptr, notifyQueue *mqueue.Queue) error {
	obj, ok := ownerReg.FindLocal(binder)
	if !ok {
		return ErrNoSuchObject
	}
	obj.AddNotifier(registry.Notifier{Cookie: cookie, NotifyQueue: notifyQueue})
	return nil
}

// Clear applies BC_CLEAR_DEATH_NOTIFICATION: removes the first notifier
// matching (cookie, notifyQueue) and reports whether one was found. The
// caller writes BR_CLEAR_DEATH_NOTIFICATION_DONE only when found is true
// (§4.5, Open Question resolved in favor of the source's found-only
// behavior).
func Clear(ownerReg *registry.Registry, binder, cookie uintptr, notifyQueue *mqueue.Queue) (found bool, err error) {
	obj, ok := ownerReg.FindLocal(binder)
	if !ok {
		return false, ErrNoSuchObject
	}
	return obj.RemoveNotifier(cookie, notifyQueue), nil
}

// FireAll walks every object ownerReg owns and, for each of its detached
// notifiers, enqueues a BR_DEAD_BINDER message carrying that notifier's
// cookie. Firing detaches the notifier list before enqueueing so each
// registration fires exactly once even under concurrent teardown. Enqueue
// failure is swallowed: the notified party is also gone.
func FireAll(ctx context.Context, ownerReg *registry.Registry) {
	for _, obj := range ownerReg.OwnedObjects() {
		binder := obj.ID.Binder
		for _, n := range obj.DetachNotifiers() {
			msg := &mqueue.Msg{
				Kind:   mqueue.KindDeadBinder,
				Binder: binder,
				Cookie: n.Cookie,
			}
			_ = n.NotifyQueue.Write(ctx, msg)
		}
	}
}

// DrainCallback returns the queue-close drain callback (§6.2's on_drop)
// shared by every process and thread queue: a residual synchronous
// transaction (one that still expects a reply) is rewritten to
// BR_DEAD_REPLY and diverted to its sender's reply queue, matching the
// literal behavior of the spec's worked death scenario. One-way sends and
// non-transaction control messages are simply dropped.
func DrainCallback() mqueue.DropFunc {
	return func(m *mqueue.Msg) {
		if m.Kind != mqueue.KindTransaction || m.ReplyQueue == nil {
			return
		}
		dead := &mqueue.Msg{Kind: mqueue.KindDeadReply}
		_ = m.ReplyQueue.Write(context.Background(), dead)
	}
}
