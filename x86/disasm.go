package x86

import (
	"fmt"
	"strings"

	"golang.org/x/arch/x86/x86asm"
)

// DisasmLine is one disassembled instruction.
type DisasmLine struct {
	Addr  uint32
	Bytes []byte
	Text  string
}

func (l DisasmLine) String() string {
	var hexBytes []string
	for _, b := range l.Bytes {
		hexBytes = append(hexBytes, fmt.Sprintf("%02x", b))
	}
	return fmt.Sprintf("0x%08x: %-24s %s", l.Addr, strings.Join(hexBytes, " "), l.Text)
}

// Disassemble decodes code at addr in Intel syntax. big selects 32-bit mode.
// Undecodable bytes are emitted as db lines.
func Disassemble(code []byte, addr uint32, big bool) []DisasmLine {
	mode := 16
	if big {
		mode = 32
	}
	var out []DisasmLine
	for offset := 0; offset < len(code); {
		pc := addr + uint32(offset)
		inst, err := x86asm.Decode(code[offset:], mode)
		if err != nil || inst.Len == 0 {
			out = append(out, DisasmLine{Addr: pc, Bytes: code[offset : offset+1], Text: fmt.Sprintf("db 0x%02x", code[offset])})
			offset++
			continue
		}
		out = append(out, DisasmLine{
			Addr:  pc,
			Bytes: code[offset : offset+inst.Len],
			Text:  x86asm.IntelSyntax(inst, uint64(pc), nil),
		})
		offset += inst.Len
	}
	return out
}

// DisassembleString renders Disassemble as one line per instruction.
func DisassembleString(code []byte, addr uint32, big bool) string {
	var sb strings.Builder
	for _, l := range Disassemble(code, addr, big) {
		sb.WriteString(l.String())
		sb.WriteByte('\n')
	}
	return sb.String()
}

// String renders a decoded instruction for logs and traces.
func (in *Inst) String() string {
	name := "?"
	if info := Lookup(in.Opcode); info != nil {
		name = info.Name
	}
	return fmt.Sprintf("%08x %s/%#x len=%d", in.Addr, name, in.Opcode, in.Len)
}
