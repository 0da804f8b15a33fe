package wire

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/binderkit/go-binder/internal/constants"
)

// NotifierData is the payload of BC_REQUEST_DEATH_NOTIFICATION and
// BC_CLEAR_DEATH_NOTIFICATION (bcmd_notifier_data in the source).
type NotifierData struct {
	Binder uintptr
	Cookie uintptr
}

const (
	cmdHeaderSize     = 4
	notifierWireSize  = 16                         // Binder(8) + Cookie(8)
	txnHeaderWireSize = 4 + 4 + 4 + 4 + 4 + 4 + 4   // Target + Code + Flags + SenderPID + SenderEUID + DataSize + OffsetsSize
)

// Compile-time checks that the wire layout constants above still match the
// in-memory flat_object size used for offset-table bounds checking.
var (
	_ [constants.FlatObjectSize]byte = [unsafe.Sizeof(flatObjectWire{})]byte{}
)

// flatObjectWire mirrors the on-wire byte layout of a flat_object
// descriptor; it exists only to anchor the size assertion above, actual
// encode/decode go through FlatObjectAt/PutFlatObjectAt.
type flatObjectWire struct {
	Type    uint32
	_       uint32
	Binder  uint64
	Cookie  uint64
}

var order = binary.LittleEndian

// ReadBCmd decodes a 4-byte command word from the head of buf and returns
// the remaining slice.
func ReadBCmd(buf []byte) (BCmd, []byte, error) {
	if len(buf) < cmdHeaderSize {
		return 0, buf, fmt.Errorf("wire: short command header (%d bytes)", len(buf))
	}
	return BCmd(order.Uint32(buf)), buf[cmdHeaderSize:], nil
}

// ReadBRCmd decodes a 4-byte command word from the head of buf as a BRCmd
// and returns the remaining slice; the read-stream counterpart to
// ReadBCmd, used to parse what the dispatcher produced.
func ReadBRCmd(buf []byte) (BRCmd, []byte, error) {
	if len(buf) < cmdHeaderSize {
		return 0, buf, fmt.Errorf("wire: short command header (%d bytes)", len(buf))
	}
	return BRCmd(order.Uint32(buf)), buf[cmdHeaderSize:], nil
}

// ReadTransactionHeader decodes a TransactionData record (header + data +
// offsets) from the head of buf, returning the remaining slice.
func ReadTransactionHeader(buf []byte) (TransactionData, []byte, error) {
	if len(buf) < txnHeaderWireSize {
		return TransactionData{}, buf, fmt.Errorf("wire: short transaction header")
	}
	var td TransactionData
	p := buf
	td.Target = uintptr(order.Uint32(p))
	p = p[4:]
	td.Code = order.Uint32(p)
	p = p[4:]
	td.Flags = TransactionFlags(order.Uint32(p))
	p = p[4:]
	td.SenderPID = int32(order.Uint32(p))
	p = p[4:]
	td.SenderEUID = order.Uint32(p)
	p = p[4:]
	dataSize := order.Uint32(p)
	p = p[4:]
	offsetsSize := order.Uint32(p)
	p = p[4:]

	if dataSize > constants.MaxTransactionSize {
		return TransactionData{}, buf, fmt.Errorf("wire: data_size %d exceeds MaxTransactionSize", dataSize)
	}
	objsSize := offsetsSize / 8 * constants.FlatObjectSize
	if objsSize+offsetsSize > dataSize {
		return TransactionData{}, buf, fmt.Errorf("wire: offsets_size %d inconsistent with data_size %d", offsetsSize, dataSize)
	}
	if uint32(len(p)) < dataSize+offsetsSize {
		return TransactionData{}, buf, fmt.Errorf("wire: short transaction body")
	}

	td.Data = append([]byte(nil), p[:dataSize]...)
	p = p[dataSize:]

	n := offsetsSize / 8
	td.Offsets = make([]uintptr, n)
	for i := uint32(0); i < n; i++ {
		td.Offsets[i] = uintptr(order.Uint64(p[i*8:]))
	}
	p = p[offsetsSize:]

	return td, p, nil
}

// ReadNotifierData decodes a NotifierData record from the head of buf.
func ReadNotifierData(buf []byte) (NotifierData, []byte, error) {
	if len(buf) < notifierWireSize {
		return NotifierData{}, buf, fmt.Errorf("wire: short notifier payload")
	}
	nd := NotifierData{
		Binder: uintptr(order.Uint64(buf)),
		Cookie: uintptr(order.Uint64(buf[8:])),
	}
	return nd, buf[notifierWireSize:], nil
}

// EncodedTransactionSize returns the number of bytes AppendTransaction would
// write for td: a BRCmd header plus the transaction header, data, and
// offsets table.
func EncodedTransactionSize(td TransactionData) int {
	return cmdHeaderSize + txnHeaderWireSize + len(td.Data) + len(td.Offsets)*8
}

// AppendBRCmd appends a bare command word (no payload) to buf.
func AppendBRCmd(buf []byte, cmd BRCmd) []byte {
	var hdr [cmdHeaderSize]byte
	order.PutUint32(hdr[:], uint32(cmd))
	return append(buf, hdr[:]...)
}

// AppendBCmd appends a bare write-side command word (no payload) to buf,
// for BC_ENTER_LOOPER/BC_EXIT_LOOPER/BC_REGISTER_LOOPER.
func AppendBCmd(buf []byte, cmd BCmd) []byte {
	var hdr [cmdHeaderSize]byte
	order.PutUint32(hdr[:], uint32(cmd))
	return append(buf, hdr[:]...)
}

// appendTransactionBody encodes the header/data/offsets portion of td,
// shared by both the BC (write) and BR (read) framings.
func appendTransactionBody(buf []byte, td TransactionData) []byte {
	var hdr [txnHeaderWireSize]byte
	order.PutUint32(hdr[0:], uint32(td.Target))
	order.PutUint32(hdr[4:], td.Code)
	order.PutUint32(hdr[8:], uint32(td.Flags))
	order.PutUint32(hdr[12:], uint32(td.SenderPID))
	order.PutUint32(hdr[16:], td.SenderEUID)
	order.PutUint32(hdr[20:], uint32(len(td.Data)))
	order.PutUint32(hdr[24:], uint32(len(td.Offsets)*8))
	buf = append(buf, hdr[:]...)
	buf = append(buf, td.Data...)
	for _, off := range td.Offsets {
		var o [8]byte
		order.PutUint64(o[:], uint64(off))
		buf = append(buf, o[:]...)
	}
	return buf
}

// AppendTransaction appends a BR_TRANSACTION/BR_REPLY record to buf.
func AppendTransaction(buf []byte, cmd BRCmd, td TransactionData) []byte {
	return appendTransactionBody(AppendBRCmd(buf, cmd), td)
}

// AppendDeadBinder appends a BR_DEAD_BINDER record carrying the dying
// object's binder pointer and the firing notifier's cookie.
func AppendDeadBinder(buf []byte, binder, cookie uintptr) []byte {
	buf = AppendBRCmd(buf, BR_DEAD_BINDER)
	var body [16]byte
	order.PutUint64(body[0:], uint64(binder))
	order.PutUint64(body[8:], uint64(cookie))
	return append(buf, body[:]...)
}

// DeadBinderWireSize is the total encoded size of one BR_DEAD_BINDER record.
const DeadBinderWireSize = cmdHeaderSize + 16

// ReadDeadBinderBody decodes the {binder, cookie} body following a
// BR_DEAD_BINDER command word.
func ReadDeadBinderBody(buf []byte) (binder, cookie uintptr, rest []byte, err error) {
	if len(buf) < 16 {
		return 0, 0, buf, fmt.Errorf("wire: short dead-binder body")
	}
	binder = uintptr(order.Uint64(buf[0:]))
	cookie = uintptr(order.Uint64(buf[8:]))
	return binder, cookie, buf[16:], nil
}

// FlatObjectAt decodes the flat_object descriptor at byte offset off within
// data.
func FlatObjectAt(data []byte, off uintptr) (FlatObject, error) {
	end := int(off) + constants.FlatObjectSize
	if int(off) < 0 || end > len(data) {
		return FlatObject{}, fmt.Errorf("wire: flat_object offset %d out of range (data len %d)", off, len(data))
	}
	b := data[off:end]
	return FlatObject{
		Type:   ObjType(order.Uint32(b[0:4])),
		Binder: uintptr(order.Uint64(b[8:16])),
		Cookie: uintptr(order.Uint64(b[16:24])),
	}, nil
}

// PutFlatObjectAt encodes fo into data at byte offset off, in place.
func PutFlatObjectAt(data []byte, off uintptr, fo FlatObject) error {
	end := int(off) + constants.FlatObjectSize
	if int(off) < 0 || end > len(data) {
		return fmt.Errorf("wire: flat_object offset %d out of range (data len %d)", off, len(data))
	}
	b := data[off:end]
	order.PutUint32(b[0:4], uint32(fo.Type))
	order.PutUint32(b[4:8], 0) // padding
	order.PutUint64(b[8:16], uint64(fo.Binder))
	order.PutUint64(b[16:24], uint64(fo.Cookie))
	return nil
}

// AppendNotifier appends a BC_REQUEST_DEATH_NOTIFICATION/
// BC_CLEAR_DEATH_NOTIFICATION-shaped record. Used by tests that build a raw
// write stream by hand.
func AppendNotifier(buf []byte, cmd BCmd, nd NotifierData) []byte {
	var hdr [cmdHeaderSize]byte
	order.PutUint32(hdr[:], uint32(cmd))
	buf = append(buf, hdr[:]...)
	var body [notifierWireSize]byte
	order.PutUint64(body[0:], uint64(nd.Binder))
	order.PutUint64(body[8:], uint64(nd.Cookie))
	return append(buf, body[:]...)
}

// AppendTransactionRequest appends a BC_TRANSACTION/BC_REPLY-shaped record
// to a write stream under construction (mirrors AppendTransaction but with
// a BCmd header; used by tests and by in-process client helpers).
func AppendTransactionRequest(buf []byte, cmd BCmd, td TransactionData) []byte {
	var hdr [cmdHeaderSize]byte
	order.PutUint32(hdr[:], uint32(cmd))
	return appendTransactionBody(append(buf, hdr[:]...), td)
}
