package mqueue

import (
	"github.com/binderkit/go-binder/internal/constants"
	"github.com/binderkit/go-binder/internal/wire"
)

// Kind distinguishes what a Msg represents once it is resident in a queue.
// The wire-level BC_*/BR_* command codes are a different, userspace-facing
// vocabulary; Kind is the superset the dispatcher actually branches on
// (control messages like a death notification never cross the wire as a
// BC_TRANSACTION, but they still ride the same queue and allocator).
type Kind int

const (
	KindTransaction Kind = iota
	KindReply
	KindTransactionComplete
	KindDeathRequest
	KindDeathClear
	KindDeathClearDone
	KindDeadBinder
	KindDeadReply
)

// Msg is the message record (C2): a transaction/control entry plus its
// payload, sized and (re)allocated by Alloc/Realloc below.
type Msg struct {
	Kind Kind

	// ObjOwner/Binder identify the target or source object this message is
	// about; both are nil/zero for messages that do not reference an
	// object (e.g. a synthesized BR_TRANSACTION_COMPLETE ack).
	ObjOwner *Queue
	Binder   uintptr

	Code       uint32
	Flags      wire.TransactionFlags
	SenderPID  int32
	SenderEUID uint32
	Cookie     uintptr

	// ReplyQueue is where a synchronous transaction's BC_REPLY should be
	// delivered; nil for one-way sends and for messages that are not
	// transactions.
	ReplyQueue *Queue

	data    []byte
	offsets []uintptr
}

// Data returns the payload bytes.
func (m *Msg) Data() []byte { return m.data }

// Offsets returns the offsets table.
func (m *Msg) Offsets() []uintptr { return m.offsets }

// SetData replaces the payload bytes wholesale (used once C4 translation or
// a BC_REPLY payload copy has produced the final bytes).
func (m *Msg) SetData(b []byte) { m.data = b }

// SetOffsets replaces the offsets table wholesale.
func (m *Msg) SetOffsets(o []uintptr) { m.offsets = o }

// BufSize reports the allocation's current total capacity across the data
// and offsets regions, pointer-alignment included.
func (m *Msg) BufSize() int {
	return cap(m.data) + cap(m.offsets)*8
}

// Alloc allocates a Msg whose data/offsets regions are exactly dataSize
// bytes and offsetsCount entries, each region rounded up to pointer-size
// capacity so a later Realloc can grow in place up to that rounding.
func Alloc(dataSize, offsetsCount int) *Msg {
	return &Msg{
		data:    make([]byte, dataSize, constants.AlignUp(dataSize)),
		offsets: make([]uintptr, offsetsCount, offsetsCount),
	}
}

// Realloc resizes m's payload to (dataSize, offsetsCount), reusing the
// existing backing arrays in place when they already have enough capacity
// and allocating fresh ones (copying over the retained prefix) otherwise.
// This mirrors the source's realloc-in-place-when-shrinking behavior.
func (m *Msg) Realloc(dataSize, offsetsCount int) {
	if dataSize <= cap(m.data) {
		m.data = m.data[:dataSize]
	} else {
		nd := make([]byte, dataSize, constants.AlignUp(dataSize))
		copy(nd, m.data)
		m.data = nd
	}

	if offsetsCount <= cap(m.offsets) {
		m.offsets = m.offsets[:offsetsCount]
	} else {
		no := make([]uintptr, offsetsCount)
		copy(no, m.offsets)
		m.offsets = no
	}
}
