package dispatcher_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/colorfulnotion/dynarec/jit/dispatcher"
	"github.com/colorfulnotion/dynarec/x86"
	"github.com/colorfulnotion/dynarec/x86/x86test"
	"github.com/google/go-cmp/cmp"
	"github.com/nsf/jsondiff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"
)

const (
	gdtAddr  = 0x3000
	dataAddr = 0x4000 // EBX points here for the whole run
	dataSize = 0x100
	ramCheck = 0x10000 // code, GDT, data and stack all sit below this
)

// parityRegs are the registers random bodies may touch; ECX drives the loop,
// EBX is the memory base and ESP the stack.
var parityRegs = []byte{x86.EAX, x86.EDX, x86.EBP, x86.ESI, x86.EDI}

// modrmRegs are ModRM reg fields that name a parity register at every operand
// size: al/ax/eax, dl/dx/edx and dh/si/esi.
var modrmRegs = []byte{0, 2, 6}

// randomInst returns one register-only 32-bit instruction.
func randomInst(rng *rand.Rand) []byte {
	dst := parityRegs[rng.Intn(len(parityRegs))]
	src := parityRegs[rng.Intn(len(parityRegs))]
	modrm := 0xc0 | src<<3 | dst
	switch rng.Intn(11) {
	case 0, 1:
		return []byte{byte(rng.Intn(8))<<3 | 0x01, modrm}
	case 2:
		return []byte{0x83, 0xc0 | byte(rng.Intn(8))<<3 | dst, byte(rng.Uint32())}
	case 3:
		k := []byte{0, 1, 2, 3, 4, 5, 7}[rng.Intn(7)]
		return []byte{0xc1, 0xc0 | k<<3 | dst, byte(rng.Intn(31) + 1)}
	case 4:
		return []byte{0x40 + byte(rng.Intn(2))*8 + dst}
	case 5:
		v := rng.Uint32()
		return []byte{0xb8 + dst, byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
	case 6:
		return []byte{0x90 + dst}
	case 7:
		return []byte{0xf7, 0xc0 | byte(2+rng.Intn(2))<<3 | dst}
	case 8:
		return []byte{0x0f, 0xaf, modrm}
	case 9:
		r8 := modrmRegs[rng.Intn(len(modrmRegs))]
		return []byte{0x0f, 0x90 + byte(rng.Intn(16)), 0xc0 | r8}
	}
	return []byte{[]byte{0xf5, 0xf8, 0xf9}[rng.Intn(3)]}
}

// emitSequence appends a short multi-instruction form that needs addresses
// known at assembly time: string ops, segment loads, far transfers and code
// that patches itself.
func emitSequence(rng *rand.Rand, a *x86test.Asm) {
	switch rng.Intn(6) {
	case 0:
		strOps := []byte{0xa4, 0xa5, 0xa6, 0xa7, 0xaa, 0xab, 0xac, 0xad, 0xae, 0xaf}
		op := strOps[rng.Intn(len(strOps))]
		down := rng.Intn(4) == 0
		a.Raw(0x51) // push ecx
		if down {
			a.Raw(0xfd) // std
		}
		a.MovImm32(x86.ESI, dataAddr+0x20+uint32(rng.Intn(0x20)))
		a.MovImm32(x86.EDI, dataAddr+0x60+uint32(rng.Intn(0x20)))
		a.MovImm32(x86.ECX, 1+uint32(rng.Intn(8)))
		switch rng.Intn(3) {
		case 0:
			a.Raw(0xf3)
		case 1:
			a.Raw(0xf2)
		}
		a.Raw(op)
		a.Raw(0xfc) // cld
		a.Raw(0x59) // pop ecx
	case 1:
		segLoads := [][]byte{
			{0x1e, 0x07},             // push ds; pop es
			{0x16, 0x17},             // push ss; pop ss
			{0x0f, 0xa0, 0x0f, 0xa1}, // push fs; pop fs
			{0x8c, 0xd8, 0x8e, 0xc0}, // mov eax, ds; mov es, ax
			{0x0f, 0xa8, 0x0f, 0xa9}, // push gs; pop gs
		}
		a.Raw(segLoads[rng.Intn(len(segLoads))]...)
	case 2:
		// jmp far 0x08:next
		next := a.PC() + 7
		a.Raw(0xea).U32(next).U16(0x08)
	case 3:
		// the far pointer sits inline behind a short jump; the far call
		// lands on the instruction after it and the return frame is dropped
		ptr := a.PC() + 2
		next := ptr + 6 + 6
		a.Raw(0xeb, 0x06).U32(next).U16(0x08)
		a.Raw(0xff, 0x1d).U32(ptr) // call far [ptr]
		a.Raw(0x83, 0xc4, 0x08)    // add esp, 8
	case 4:
		// toggles the next opcode between xor eax, imm32 and lahf
		target := a.PC() + 7
		a.Raw(0x80, 0x35).U32(target).Raw(0xaa) // xor byte [target], 0xaa
		a.Raw(0x35, 0x90, 0x90, 0x90, 0x90)     // xor eax, 0x90909090
	case 5:
		// patches the immediate of the add that follows
		dst := parityRegs[rng.Intn(len(parityRegs))]
		target := a.PC() + 7 + 2
		a.Raw(0xc6, 0x05).U32(target).Raw(byte(rng.Uint32())) // mov byte [target], imm8
		a.Raw(0x83, 0xc0|dst, 0x00)                           // add dst, imm8
	}
}

type parityProgram struct {
	code []byte
	regs [8]uint32 // initial values of parityRegs
	data []byte    // initial contents of the window at dataAddr
}

// randomProgram wraps a random body in a counted loop, so the body is marked,
// compiled and then executed from the cache. The loop closes with dec/jnz
// rel32 because bodies can outgrow LOOP's rel8 reach.
func randomProgram(rng *rand.Rand, iterations uint32, body func(a *x86test.Asm)) parityProgram {
	a := x86test.NewAsm(codeAddr).MovImm32(x86.ECX, iterations).Label("top")
	body(a)
	a.Raw(0x49).Jcc32(0x5, "top") // dec ecx; jnz top
	p := parityProgram{code: a.Hlt().Bytes(), data: make([]byte, dataSize)}
	for _, reg := range parityRegs {
		p.regs[reg] = rng.Uint32()
	}
	for i := range p.data {
		p.data[i] = byte(rng.Uint32())
	}
	return p
}

func runProgram(t *testing.T, jitOn bool, p parityProgram) *rig {
	t.Helper()
	r := newRig(t, rigOpts{Options: dispatcher.Options{JIT: jitOn}})
	r.LoadFlat(t, codeAddr, p.code)
	r.FlatGDT(gdtAddr)
	require.NoError(t, r.Mem.WriteBlock(dataAddr, p.data))
	for _, reg := range parityRegs {
		r.CPU.Regs[reg] = p.regs[reg]
	}
	r.CPU.Regs[x86.EBX] = dataAddr
	r.runToHalt(t)
	return r
}

// requireSameMachine compares registers, the full CPU state and low RAM.
func requireSameMachine(t *testing.T, want, got *rig, code []byte) {
	t.Helper()
	if diff := cmp.Diff(want.CPU.Regs, got.CPU.Regs); diff != "" {
		t.Fatalf("registers differ (-interpreter +jit):\n%s\n%s", diff, x86.DisassembleString(code, codeAddr, true))
	}
	wantJSON, err := json.Marshal(want.CPU.State())
	require.NoError(t, err)
	gotJSON, err := json.Marshal(got.CPU.State())
	require.NoError(t, err)
	opts := jsondiff.DefaultConsoleOptions()
	res, text := jsondiff.Compare(wantJSON, gotJSON, &opts)
	require.Equal(t, jsondiff.FullMatch, res, text)

	wantRAM, gotRAM := make([]byte, ramCheck), make([]byte, ramCheck)
	want.Mem.ReadBlock(0, wantRAM)
	got.Mem.ReadBlock(0, gotRAM)
	if !bytes.Equal(wantRAM, gotRAM) {
		for i := range wantRAM {
			if wantRAM[i] != gotRAM[i] {
				t.Fatalf("guest RAM differs first at %#x: interpreter %#02x, jit %#02x\n%s",
					i, wantRAM[i], gotRAM[i], x86.DisassembleString(code, codeAddr, true))
			}
		}
	}
}

func TestParityRandomPrograms(t *testing.T) {
	rng := rand.New(rand.NewSource(20241018))
	for i := 0; i < 64; i++ {
		p := randomProgram(rng, 6, func(a *x86test.Asm) {
			for n := 8 + rng.Intn(16); n > 0; n-- {
				a.Raw(randomInst(rng)...)
			}
		})
		t.Run(fmt.Sprintf("program%02d", i), func(t *testing.T) {
			want := runProgram(t, false, p)
			got := runProgram(t, true, p)
			require.Positive(t, got.d.Stats.BlocksRun, "the loop body ran from the cache")
			requireSameMachine(t, want, got, p.code)
		})
	}
}

func TestParitySequences(t *testing.T) {
	rng := rand.New(rand.NewSource(1802))
	var blocksRun uint64
	for i := 0; i < 64; i++ {
		p := randomProgram(rng, 8, func(a *x86test.Asm) {
			for n := 4 + rng.Intn(8); n > 0; n-- {
				if rng.Intn(2) == 0 {
					emitSequence(rng, a)
				} else {
					a.Raw(randomInst(rng)...)
				}
			}
		})
		t.Run(fmt.Sprintf("program%02d", i), func(t *testing.T) {
			want := runProgram(t, false, p)
			got := runProgram(t, true, p)
			blocksRun += got.d.Stats.BlocksRun
			requireSameMachine(t, want, got, p.code)
		})
	}
	assert.Positive(t, blocksRun)
}

// bytesReader serves a candidate encoding to the decoder.
type bytesReader []byte

func (b bytesReader) Fetch8(eip uint32) (uint8, error) {
	if int(eip) >= len(b) {
		return 0, errors.New("past the end of the candidate")
	}
	return b[eip], nil
}

// skipOpcode reports opcodes that could leave the loop or the memory layout: register-encoded
// forms of ECX, EBX and ESP, pops that reload ECX or ESP, segment pops of
// whatever the stack holds, string ops on random pointers and MOV from CR.
func skipOpcode(op uint16) bool {
	switch {
	case op >= 0x40 && op <= 0x5f, op >= 0x90 && op <= 0x97, op >= 0xb8 && op <= 0xbf:
		r := op & 7
		return r == x86.ECX || r == x86.EBX || r == x86.ESP
	case op >= 0xb0 && op <= 0xb7:
		return op&1 == 1 // cl, bl, ch, bh
	case op >= 0xa4 && op <= 0xa7, op >= 0xaa && op <= 0xaf:
		return true
	}
	switch op {
	case 0x07, 0x1f, 0x1a1, 0x1a9, 0x61, 0xc9, 0x120:
		return true
	}
	return false
}

// tableCandidates builds, for every implemented opcode, encodings with a
// [ebx+disp8] memory operand and each of modrmRegs in the reg field. Forms
// that end a block, divide, or fault when run on their own are left out.
func tableCandidates(t *testing.T, rng *rand.Rand) [][]byte {
	t.Helper()
	trial := x86test.NewRig(t, 1<<20)
	var out [][]byte
	for _, op := range x86.Opcodes() {
		if skipOpcode(op) {
			continue
		}
		for _, reg := range modrmRegs {
			var enc []byte
			if op >= 0x100 {
				enc = append(enc, 0x0f)
			}
			disp := byte(rng.Intn(0x20) * 4)
			enc = append(enc, byte(op), 0x43|reg<<3, disp)
			for i := 0; i < 6; i++ {
				enc = append(enc, byte(rng.Uint32()))
			}
			in, err := x86.Decode(bytesReader(enc), 0, true)
			if err != nil {
				continue
			}
			enc = enc[:in.Len]
			if op >= 0xa0 && op <= 0xa3 {
				moffs := dataAddr + uint32(disp)
				enc[1], enc[2], enc[3], enc[4] = byte(moffs), byte(moffs>>8), byte(moffs>>16), byte(moffs>>24)
			}
			if x86.EndsBlock(&in) || (op == 0xf6 || op == 0xf7) && in.Reg >= 6 {
				continue
			}

			trial.CPU.Reset()
			trial.LoadFlat(t, codeAddr, append(append([]byte(nil), enc...), 0xf4))
			trial.FlatGDT(gdtAddr)
			trial.CPU.Regs[x86.EBX] = dataAddr
			if err := trial.RunUntilHalt(t, 4); err != nil {
				continue
			}
			out = append(out, enc)
		}
	}
	return out
}

func TestParityOpcodeTable(t *testing.T) {
	rng := rand.New(rand.NewSource(512))
	candidates := tableCandidates(t, rng)
	covered := make(map[uint16]bool)
	for _, enc := range candidates {
		in, err := x86.Decode(bytesReader(enc), 0, true)
		require.NoError(t, err)
		covered[in.Opcode] = true
	}
	require.Greater(t, len(covered), 120, "most of the opcode table has a memory-operand form")

	rng.Shuffle(len(candidates), func(i, j int) {
		candidates[i], candidates[j] = candidates[j], candidates[i]
	})
	var blocksRun uint64
	for i := 0; len(candidates) > 0; i++ {
		n := min(len(candidates), 12+rng.Intn(8))
		body := candidates[:n]
		candidates = candidates[n:]
		p := randomProgram(rng, 6, func(a *x86test.Asm) {
			for _, enc := range body {
				a.Raw(enc...)
			}
		})
		t.Run(fmt.Sprintf("program%02d", i), func(t *testing.T) {
			want := runProgram(t, false, p)
			got := runProgram(t, true, p)
			blocksRun += got.d.Stats.BlocksRun
			requireSameMachine(t, want, got, p.code)
		})
	}
	assert.Positive(t, blocksRun)
}
