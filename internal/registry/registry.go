// Package registry implements the per-process object table (C3): a map
// from (owner-queue, binder-pointer) to object record, plus each owned
// object's death-notifier list.
package registry

import (
	"sort"
	"sync"
	"unsafe"

	"github.com/binderkit/go-binder/internal/mqueue"
)

// ObjID is the composite identity of a binder object as seen by any
// process: the queue of the process that owns it, plus the owner's local
// pointer for it.
type ObjID struct {
	Owner  *mqueue.Queue
	Binder uintptr
}

// Notifier is one death-notification registration (cookie, notify_queue).
// An object's notifier list may hold the same pair more than once.
type Notifier struct {
	Cookie      uintptr
	NotifyQueue *mqueue.Queue
}

// Object is one object-table entry. RealCookie is meaningful only when this
// entry is owned (ID.Owner == the registry's own process queue); Notifiers
// is non-empty only on owned entries.
type Object struct {
	ID         ObjID
	RealCookie uintptr

	mu        sync.Mutex
	notifiers []Notifier
}

// Owned reports whether this entry is this registry's own object (as
// opposed to a reference to a remote one).
func (o *Object) Owned(self *mqueue.Queue) bool {
	return o.ID.Owner == self
}

// AddNotifier appends a notifier registration. Duplicates are permitted;
// deduplication is the caller's responsibility (§4.5).
func (o *Object) AddNotifier(n Notifier) {
	o.mu.Lock()
	o.notifiers = append(o.notifiers, n)
	o.mu.Unlock()
}

// RemoveNotifier removes the first notifier matching (cookie, notifyQueue)
// and reports whether one was found.
func (o *Object) RemoveNotifier(cookie uintptr, notifyQueue *mqueue.Queue) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for i, n := range o.notifiers {
		if n.Cookie == cookie && n.NotifyQueue == notifyQueue {
			o.notifiers = append(o.notifiers[:i], o.notifiers[i+1:]...)
			return true
		}
	}
	return false
}

// DetachNotifiers atomically removes and returns every registered
// notifier, so each fires exactly once even if teardown runs concurrently
// with a clear.
func (o *Object) DetachNotifiers() []Notifier {
	o.mu.Lock()
	defer o.mu.Unlock()
	detached := o.notifiers
	o.notifiers = nil
	return detached
}

// Registry is one process's object table. The zero value is not usable;
// construct with New.
type Registry struct {
	self *mqueue.Queue // this process's own queue; the owner key for local objects

	mu      sync.Mutex // proc.obj_lock: guards objects, order and byBinder, never held across a notifier lock
	objects map[ObjID]*Object
	order   []ObjID // insertion order, for deterministic teardown iteration

	// byBinder indexes every entry (owned or reference) by its raw binder
	// value alone. A process never holds two entries for the same binder
	// value under different owners in practice (binder values are
	// process-unique identities), so this is a safe 1:1 secondary index;
	// see FindByBinder.
	byBinder map[uintptr]*Object
}

// New creates a registry for the process whose own queue is self.
func New(self *mqueue.Queue) *Registry {
	return &Registry{
		self:     self,
		objects:  make(map[ObjID]*Object),
		byBinder: make(map[uintptr]*Object),
	}
}

// Find looks up an entry by its full composite key.
func (r *Registry) Find(owner *mqueue.Queue, binder uintptr) (*Object, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	obj, ok := r.objects[ObjID{Owner: owner, Binder: binder}]
	return obj, ok
}

// FindLocal looks up an owned entry: Find(self, binder).
func (r *Registry) FindLocal(binder uintptr) (*Object, bool) {
	return r.Find(r.self, binder)
}

// FindByBinder looks up an entry by its raw binder value alone, regardless
// of owner: this process's own object if it owns one with that value,
// otherwise a reference entry if it holds one. This is the resolution rule
// BC_TRANSACTION's target handle actually needs (§4.4 step 1): a sender
// holding a forwarded reference interned under a remote owner could never
// be found by a strict find_local, since that references the sender's own
// queue as owner. See the registry package's DESIGN.md entry.
func (r *Registry) FindByBinder(binder uintptr) (*Object, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if obj, ok := r.objects[ObjID{Owner: r.self, Binder: binder}]; ok {
		return obj, true
	}
	obj, ok := r.byBinder[binder]
	return obj, ok
}

// Intern looks up an entry, inserting a fresh one if absent. On a race
// between two concurrent Intern calls for the same key, the loser's
// allocation is discarded and the pre-existing entry is returned; the
// caller cannot distinguish "found" from "just inserted by someone else"
// from the inserted bool alone in that case, matching the source's
// lookup-or-insert contract.
func (r *Registry) Intern(owner *mqueue.Queue, binder uintptr) (obj *Object, inserted bool) {
	id := ObjID{Owner: owner, Binder: binder}

	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.objects[id]; ok {
		return existing, false
	}
	obj = &Object{ID: id}
	r.objects[id] = obj
	r.order = append(r.order, id)
	if _, exists := r.byBinder[binder]; !exists {
		r.byBinder[binder] = obj
	}
	return obj, true
}

// InternLocal interns an owned entry: Intern(self, binder).
func (r *Registry) InternLocal(binder uintptr) (*Object, bool) {
	return r.Intern(r.self, binder)
}

// OwnedObjects returns every entry this registry owns, in insertion order,
// for deterministic death-notification fan-out at teardown (§4.5).
func (r *Registry) OwnedObjects() []*Object {
	r.mu.Lock()
	defer r.mu.Unlock()

	var owned []*Object
	for _, id := range r.order {
		if id.Owner != r.self {
			continue
		}
		if obj, ok := r.objects[id]; ok {
			owned = append(owned, obj)
		}
	}
	return owned
}

// All returns every entry (owned and reference) in a stable order, used by
// tests and diagnostics.
func (r *Registry) All() []*Object {
	r.mu.Lock()
	defer r.mu.Unlock()

	all := make([]*Object, 0, len(r.objects))
	for _, obj := range r.objects {
		all = append(all, obj)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].ID.Owner != all[j].ID.Owner {
			return queueOrderKey(all[i].ID.Owner) < queueOrderKey(all[j].ID.Owner)
		}
		return all[i].ID.Binder < all[j].ID.Binder
	})
	return all
}

// queueOrderKey gives queue pointers an arbitrary but stable total order
// for sorting, matching §4.2's "lexicographic... with arbitrary but stable
// total order on pointer values".
func queueOrderKey(q *mqueue.Queue) uintptr {
	return uintptr(unsafe.Pointer(q))
}
