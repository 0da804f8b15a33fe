// Package flatobj implements the flat-object translator (C4): rewriting
// embedded object descriptors in a transaction's data+offsets blob as it
// crosses from sender to kernel (write) and from kernel to receiver (read).
package flatobj

import (
	"syscall"

	"github.com/binderkit/go-binder/internal/mqueue"
	"github.com/binderkit/go-binder/internal/registry"
	"github.com/binderkit/go-binder/internal/wire"
)

// Translator rewrites flat_object descriptors using a domain-wide queue
// Directory to turn the cookie field's wire token into an owner *mqueue.
// Queue and back.
type Translator struct {
	dir *mqueue.Directory
}

// New creates a translator bound to the domain's queue directory.
func New(dir *mqueue.Directory) *Translator {
	return &Translator{dir: dir}
}

// Write translates every descriptor in data (named by offsets) as the
// sender's outbound message is accepted, per §4.3 "On write". senderReg is
// the sending process's own object table; self is its queue, used as the
// owner token minted for newly-owned descriptors.
func (t *Translator) Write(senderReg *registry.Registry, self *mqueue.Queue, data []byte, offsets []uintptr) error {
	for _, off := range offsets {
		fo, err := wire.FlatObjectAt(data, off)
		if err != nil {
			return syscall.EINVAL
		}

		switch {
		case fo.Type.IsBinder():
			obj, inserted := senderReg.InternLocal(fo.Binder)
			if inserted {
				obj.RealCookie = fo.Cookie
			}
			newType := wire.TypeHandle
			if fo.Type == wire.TypeWeakBinder {
				newType = wire.TypeWeakHandle
			}
			ownerToken := t.dir.TokenFor(self)
			if err := wire.PutFlatObjectAt(data, off, wire.FlatObject{
				Type:   newType,
				Binder: fo.Binder,
				Cookie: ownerToken,
			}); err != nil {
				return syscall.EINVAL
			}

		case fo.Type.IsHandle():
			ownerQueue, ok := t.dir.Lookup(fo.Cookie)
			if !ok {
				return syscall.EINVAL
			}
			if _, ok := senderReg.Find(ownerQueue, fo.Binder); !ok {
				return syscall.EINVAL
			}
			// pass through unchanged

		default:
			return syscall.EINVAL
		}
	}
	return nil
}

// Read translates every descriptor in data (named by offsets) as a message
// is delivered into the receiver's read buffer, per §4.3 "On read".
// receiverReg is the receiving process's own object table; self is its
// queue.
func (t *Translator) Read(receiverReg *registry.Registry, self *mqueue.Queue, data []byte, offsets []uintptr) error {
	for _, off := range offsets {
		fo, err := wire.FlatObjectAt(data, off)
		if err != nil {
			return syscall.EFAULT
		}

		if !fo.Type.IsHandle() {
			// BINDER/WEAK_BINDER or anything else must never appear on the
			// inbound path: only the owner emits those, on write.
			return syscall.EFAULT
		}

		ownerQueue, ok := t.dir.Lookup(fo.Cookie)
		if !ok {
			return syscall.EFAULT
		}

		if ownerQueue == self {
			obj, ok := receiverReg.FindLocal(fo.Binder)
			if !ok {
				return syscall.EFAULT
			}
			newType := wire.TypeBinder
			if fo.Type == wire.TypeWeakHandle {
				newType = wire.TypeWeakBinder
			}
			if err := wire.PutFlatObjectAt(data, off, wire.FlatObject{
				Type:   newType,
				Binder: fo.Binder,
				Cookie: obj.RealCookie,
			}); err != nil {
				return syscall.EFAULT
			}
			continue
		}

		// Still a reference elsewhere: make sure the receiver can re-send
		// it later. Descriptor passes through unchanged.
		receiverReg.Intern(ownerQueue, fo.Binder)
	}
	return nil
}
