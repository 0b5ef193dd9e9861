// Package disasm wraps golang.org/x/arch/x86/x86asm with the control-flow
// classification the scanner needs: whether an instruction branches, where a
// direct branch lands, and whether execution can fall through it.
package disasm

import (
	"fmt"

	"golang.org/x/arch/x86/x86asm"
)

// MaxWindow is the byte window supplied to Decode. x86 instructions are at
// most 15 bytes.
const MaxWindow = 16

// Inst is one decoded instruction.
type Inst struct {
	x86asm.Inst
	VA uint64

	// Invalid is set when the bytes did not decode; Len is 1 and the byte
	// renders as a db directive.
	Invalid bool

	// Branch marks calls, jumps, conditional jumps and loops. Call narrows
	// that to calls. Stop marks instructions execution cannot fall through.
	Branch bool
	Call   bool
	Stop   bool

	// Target is the direct (relative-displacement) branch destination.
	Target    uint64
	HasTarget bool

	// AbsAddr is the operand of a call/jmp through an absolute memory
	// slot (no base or index register), the import-thunk form.
	AbsAddr     uint64
	IndirectAbs bool
}

// Decode decodes one instruction at virtual address va from window. mode is
// 32 or 64. The window may be zero-padded; undecodable bytes yield a one-byte
// Invalid instruction rather than an error, so scanning can fall through them.
func Decode(window []byte, va uint64, mode int) Inst {
	raw, err := x86asm.Decode(window, mode)
	if err != nil || raw.Len == 0 {
		return Inst{
			Inst:    x86asm.Inst{Len: 1},
			VA:      va,
			Invalid: true,
		}
	}

	inst := Inst{Inst: raw, VA: va}

	switch raw.Op {
	case x86asm.CALL:
		inst.Branch = true
		inst.Call = true
	case x86asm.JMP:
		// x86asm gives conditional jumps distinct ops, so JMP is always
		// the unconditional form: a branch with no fallthrough.
		inst.Branch = true
		inst.Stop = true
	case x86asm.JA, x86asm.JAE, x86asm.JB, x86asm.JBE, x86asm.JE, x86asm.JNE,
		x86asm.JG, x86asm.JGE, x86asm.JL, x86asm.JLE,
		x86asm.JO, x86asm.JNO, x86asm.JP, x86asm.JNP, x86asm.JS, x86asm.JNS,
		x86asm.JCXZ, x86asm.JECXZ, x86asm.JRCXZ,
		x86asm.LOOP, x86asm.LOOPE, x86asm.LOOPNE:
		inst.Branch = true
	case x86asm.RET, x86asm.LRET, x86asm.IRET, x86asm.IRETD, x86asm.IRETQ,
		x86asm.UD2, x86asm.HLT:
		inst.Stop = true
	}

	if inst.Branch && len(raw.Args) > 0 {
		switch arg := raw.Args[0].(type) {
		case x86asm.Rel:
			target := uint64(int64(va) + int64(raw.Len) + int64(arg))
			if mode != 64 {
				target &= 0xffffffff
			}
			inst.Target = target
			inst.HasTarget = true
		case x86asm.Mem:
			if arg.Base == 0 && arg.Index == 0 && arg.Segment == 0 {
				inst.AbsAddr = uint64(arg.Disp)
				inst.IndirectAbs = true
			}
		}
	}

	return inst
}

// Text renders the instruction in Intel syntax. Invalid bytes render as a
// data directive for the byte that failed to decode.
func Text(inst Inst, window []byte) string {
	if inst.Invalid {
		if len(window) > 0 {
			return fmt.Sprintf("db 0x%02x", window[0])
		}
		return "db 0x00"
	}
	return x86asm.IntelSyntax(inst.Inst, inst.VA, nil)
}
