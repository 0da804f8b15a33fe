// Package wire defines the command codes and fixed-layout structures that
// cross the write_read ioctl boundary, along with marshal/unmarshal helpers.
// Field names and command codes follow the source driver's binder.h/binder.c
// naming so the two can be read side by side.
package wire

// BCmd is a command written by userspace into the write stream.
type BCmd uint32

// BRCmd is a command the dispatcher writes into the read stream (or into a
// thread/process inbox as a control message).
type BRCmd uint32

const (
	BC_TRANSACTION BCmd = iota + 1
	BC_REPLY
	BC_REQUEST_DEATH_NOTIFICATION
	BC_CLEAR_DEATH_NOTIFICATION
	BC_ENTER_LOOPER
	BC_EXIT_LOOPER
	BC_REGISTER_LOOPER
)

func (c BCmd) String() string {
	switch c {
	case BC_TRANSACTION:
		return "BC_TRANSACTION"
	case BC_REPLY:
		return "BC_REPLY"
	case BC_REQUEST_DEATH_NOTIFICATION:
		return "BC_REQUEST_DEATH_NOTIFICATION"
	case BC_CLEAR_DEATH_NOTIFICATION:
		return "BC_CLEAR_DEATH_NOTIFICATION"
	case BC_ENTER_LOOPER:
		return "BC_ENTER_LOOPER"
	case BC_EXIT_LOOPER:
		return "BC_EXIT_LOOPER"
	case BC_REGISTER_LOOPER:
		return "BC_REGISTER_LOOPER"
	default:
		return "BC_UNKNOWN"
	}
}

const (
	BR_TRANSACTION BRCmd = iota + 1
	BR_REPLY
	BR_TRANSACTION_COMPLETE
	BR_FAILED_REPLY
	BR_DEAD_REPLY
	BR_DEAD_BINDER
	BR_CLEAR_DEATH_NOTIFICATION_DONE
	BR_SPAWN_LOOPER
	// internal-only: the BC_REQUEST/CLEAR_DEATH_NOTIFICATION values reused
	// as BRCmd. The dispatcher does not use them: it routes death-notification
	// control messages on the owner's inbox by mqueue.Kind.
	BR_REQUEST_DEATH_NOTIFICATION BRCmd = BRCmd(BC_REQUEST_DEATH_NOTIFICATION)
	BR_CLEAR_DEATH_NOTIFICATION   BRCmd = BRCmd(BC_CLEAR_DEATH_NOTIFICATION)
)

func (c BRCmd) String() string {
	switch c {
	case BR_TRANSACTION:
		return "BR_TRANSACTION"
	case BR_REPLY:
		return "BR_REPLY"
	case BR_TRANSACTION_COMPLETE:
		return "BR_TRANSACTION_COMPLETE"
	case BR_FAILED_REPLY:
		return "BR_FAILED_REPLY"
	case BR_DEAD_REPLY:
		return "BR_DEAD_REPLY"
	case BR_DEAD_BINDER:
		return "BR_DEAD_BINDER"
	case BR_CLEAR_DEATH_NOTIFICATION_DONE:
		return "BR_CLEAR_DEATH_NOTIFICATION_DONE"
	case BR_SPAWN_LOOPER:
		return "BR_SPAWN_LOOPER"
	default:
		return "BR_UNKNOWN"
	}
}

// ObjType is the type tag of a FlatObject descriptor.
type ObjType uint32

const (
	TypeBinder ObjType = iota + 1
	TypeWeakBinder
	TypeHandle
	TypeWeakHandle
)

func (t ObjType) String() string {
	switch t {
	case TypeBinder:
		return "BINDER"
	case TypeWeakBinder:
		return "WEAK_BINDER"
	case TypeHandle:
		return "HANDLE"
	case TypeWeakHandle:
		return "WEAK_HANDLE"
	default:
		return "UNKNOWN"
	}
}

// IsBinder reports whether t is an owner-side descriptor type
// (BINDER or WEAK_BINDER).
func (t ObjType) IsBinder() bool {
	return t == TypeBinder || t == TypeWeakBinder
}

// IsHandle reports whether t is a reference-side descriptor type
// (HANDLE or WEAK_HANDLE).
func (t ObjType) IsHandle() bool {
	return t == TypeHandle || t == TypeWeakHandle
}

// FlatObject is one embedded object descriptor inside a transaction's
// offsets table (flat_binder_object in the source).
type FlatObject struct {
	Type   ObjType
	Binder uintptr // opaque token supplied by the owning application
	Cookie uintptr // owner's opaque cookie; doubles as the owner-queue
	// identity carrier once rewritten to a HANDLE/WEAK_HANDLE on write.
}

// TransactionFlags carries per-transaction behavior bits.
type TransactionFlags uint32

const (
	// FlagOneWay marks a transaction that expects no reply.
	FlagOneWay TransactionFlags = 1 << iota
)

func (f TransactionFlags) OneWay() bool {
	return f&FlagOneWay != 0
}

// TransactionData is the userspace-visible transaction header
// (binder_transaction_data in the source), decoupled from any particular
// memory layout since this module does not copy across a real user/kernel
// boundary.
type TransactionData struct {
	// Target is the destination: on BC_TRANSACTION a caller-chosen handle
	// (zero means "the context manager"); on BR_TRANSACTION/BR_REPLY the
	// owner's local binder pointer, restored by the translator.
	Target  uintptr
	Code    uint32
	Flags   TransactionFlags
	SenderPID  int32
	SenderEUID uint32

	Data    []byte
	Offsets []uintptr // byte offsets into Data, one per embedded FlatObject
}
