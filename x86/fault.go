package x86

import (
	"errors"
	"fmt"

	"github.com/colorfulnotion/dynarec/memory"
)

// Exception vectors.
const (
	VecDE = 0  // divide error
	VecDB = 1  // debug (single step)
	VecBP = 3  // breakpoint
	VecOF = 4  // INTO
	VecUD = 6  // invalid opcode
	VecDF = 8  // double fault
	VecTS = 10 // invalid TSS
	VecNP = 11 // segment not present
	VecSS = 12 // stack fault
	VecGP = 13 // general protection
	VecPF = 14 // page fault
)

// Fault is a guest exception raised by an instruction. It is an error so that
// it unwinds through handlers, but it is never a host failure.
type Fault struct {
	Vector  uint8
	Code    uint32
	HasCode bool
	Linear  uint32 // faulting linear address for #PF

	// progress was committed (REP string ops), so registers are not rolled back
	keepRegs bool
}

func (f *Fault) Error() string {
	if f.HasCode {
		return fmt.Sprintf("guest fault %s(%#x)", vectorName(f.Vector), f.Code)
	}
	return fmt.Sprintf("guest fault %s", vectorName(f.Vector))
}

func vectorName(v uint8) string {
	switch v {
	case VecDE:
		return "#DE"
	case VecDB:
		return "#DB"
	case VecBP:
		return "#BP"
	case VecOF:
		return "#OF"
	case VecUD:
		return "#UD"
	case VecDF:
		return "#DF"
	case VecTS:
		return "#TS"
	case VecNP:
		return "#NP"
	case VecSS:
		return "#SS"
	case VecGP:
		return "#GP"
	case VecPF:
		return "#PF"
	}
	return fmt.Sprintf("int%d", v)
}

// AsFault extracts the guest fault from err, if any.
func AsFault(err error) (*Fault, bool) {
	var f *Fault
	if errors.As(err, &f) {
		return f, true
	}
	return nil, false
}

func faultUD() error {
	return &Fault{Vector: VecUD}
}

func faultDE() error {
	return &Fault{Vector: VecDE}
}

func faultGP(code uint32) error {
	return &Fault{Vector: VecGP, Code: code, HasCode: true}
}

func faultNP(code uint32) error {
	return &Fault{Vector: VecNP, Code: code, HasCode: true}
}

func faultSS(code uint32) error {
	return &Fault{Vector: VecSS, Code: code, HasCode: true}
}

// pageFault converts a translator fault into a guest #PF and latches CR2.
func (c *CPU) pageFault(err error) error {
	var pf *memory.PageFault
	if errors.As(err, &pf) {
		c.CR2 = pf.Linear
		return &Fault{Vector: VecPF, Code: pf.Code, HasCode: true, Linear: pf.Linear}
	}
	return err
}

// hasErrorCode reports whether the CPU pushes an error code for vector.
func hasErrorCode(vector uint8) bool {
	switch vector {
	case VecDF, VecTS, VecNP, VecSS, VecGP, VecPF, 17:
		return true
	}
	return false
}
