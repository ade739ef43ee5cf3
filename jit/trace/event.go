// Package trace records dispatcher events as JSON Lines.
package trace

import (
	"github.com/colorfulnotion/dynarec/common"
)

// Kind names a dispatcher transition worth recording.
type Kind string

const (
	KindMark        Kind = "mark"
	KindCompile     Kind = "compile"
	KindInvalidate  Kind = "invalidate"
	KindFlush       Kind = "flush"
	KindFault       Kind = "fault"
	KindDoubleFault Kind = "double_fault"
	KindTripleFault Kind = "triple_fault"
	KindInterrupt   Kind = "interrupt"
	KindReset       Kind = "reset"
	KindAbort       Kind = "abort"
)

// Event is one trace line. Optional fields are omitted when unset.
type Event struct {
	Kind   Kind   `json:"kind"`
	Cycles uint64 `json:"cycles"`
	PC     uint32 `json:"pc"`

	Block  *int32     `json:"block,omitempty"`
	Phys   *uint32    `json:"phys,omitempty"`
	Status *uint32    `json:"status,omitempty"`
	Vector *uint8     `json:"vector,omitempty"`
	Code   *uint32    `json:"code,omitempty"`
	Insts  *uint32    `json:"insts,omitempty"`
	Bytes  *uint32    `json:"bytes,omitempty"`
	Reason string     `json:"reason,omitempty"`
	Digest []byte     `json:"digest,omitempty"`
	Regs   *[8]uint32 `json:"regs,omitempty"`
}

func NewEvent(kind Kind, cycles uint64, pc uint32) *Event {
	return &Event{Kind: kind, Cycles: cycles, PC: pc}
}

func (e *Event) SetBlock(id int32, phys, status uint32) *Event {
	e.Block, e.Phys, e.Status = &id, &phys, &status
	return e
}

func (e *Event) SetSize(insts, bytes uint32) *Event {
	e.Insts, e.Bytes = &insts, &bytes
	return e
}

func (e *Event) SetFault(vector uint8, code uint32) *Event {
	e.Vector, e.Code = &vector, &code
	return e
}

func (e *Event) SetReason(reason string) *Event {
	e.Reason = reason
	return e
}

func (e *Event) SetRegs(regs *[8]uint32) *Event {
	copied := *regs
	e.Regs = &copied
	return e
}

// SetDigest records a short digest of the block's source bytes.
func (e *Event) SetDigest(h common.Hash) *Event {
	e.Digest = h.Bytes()[:8]
	return e
}
