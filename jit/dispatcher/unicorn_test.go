//go:build unicorn

package dispatcher_test

import (
	"fmt"
	"testing"

	"github.com/colorfulnotion/dynarec/x86"
	"github.com/colorfulnotion/dynarec/x86/x86test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	uc "github.com/unicorn-engine/unicorn/bindings/go/unicorn"
	"golang.org/x/exp/rand"
)

var unicornRegs = [8]int{
	uc.X86_REG_EAX, uc.X86_REG_ECX, uc.X86_REG_EDX, uc.X86_REG_EBX,
	uc.X86_REG_ESP, uc.X86_REG_EBP, uc.X86_REG_ESI, uc.X86_REG_EDI,
}

// runUnicorn runs code from codeAddr up to stop on a reference CPU.
func runUnicorn(t *testing.T, code []byte, stop uint32, regs [8]uint32) ([8]uint32, uint32) {
	t.Helper()
	mu, err := uc.NewUnicorn(uc.ARCH_X86, uc.MODE_32)
	require.NoError(t, err)
	defer mu.Close()
	require.NoError(t, mu.MemMap(0, 1<<20))
	require.NoError(t, mu.MemWrite(codeAddr, code))
	regs[x86.ESP] = 0x9000
	for i, reg := range unicornRegs {
		require.NoError(t, mu.RegWrite(reg, uint64(regs[i])))
	}
	require.NoError(t, mu.RegWrite(uc.X86_REG_EFLAGS, 0x2))
	require.NoError(t, mu.Start(codeAddr, uint64(stop)))

	var out [8]uint32
	for i, reg := range unicornRegs {
		v, err := mu.RegRead(reg)
		require.NoError(t, err)
		out[i] = uint32(v)
	}
	flags, err := mu.RegRead(uc.X86_REG_EFLAGS)
	require.NoError(t, err)
	return out, uint32(flags)
}

// definedInst skips instructions whose result can depend on flags the
// architecture leaves undefined.
func definedInst(rng *rand.Rand) []byte {
	for {
		b := randomInst(rng)
		if b[0] == 0x0f || b[0] == 0xc1 {
			continue
		}
		return b
	}
}

func TestParityAgainstUnicorn(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 32; i++ {
		a := x86test.NewAsm(codeAddr).MovImm32(x86.ECX, 6).Label("top")
		for n := 8 + rng.Intn(16); n > 0; n-- {
			a.Raw(definedInst(rng)...)
		}
		a.Loop("top")
		stop := a.PC()
		code := a.Hlt().Bytes()
		p := parityProgram{code: code}
		for _, reg := range parityRegs {
			p.regs[reg] = rng.Uint32()
		}

		t.Run(fmt.Sprintf("program%02d", i), func(t *testing.T) {
			got := runProgram(t, true, p)
			regs := p.regs
			regs[x86.EBX] = dataAddr
			wantRegs, wantFlags := runUnicorn(t, code, stop, regs)
			assert.Equal(t, wantRegs, got.CPU.Regs, x86.DisassembleString(code, codeAddr, true))
			assert.Equal(t, wantFlags&x86.FlagCF, got.CPU.Flags()&x86.FlagCF)
		})
	}
}
