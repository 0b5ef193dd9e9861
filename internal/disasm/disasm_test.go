package disasm

import (
	"strings"
	"testing"
)

func pad(code ...byte) []byte {
	window := make([]byte, MaxWindow)
	copy(window, code)
	return window
}

func TestDecodeCallRel32(t *testing.T) {
	// call +5 at 0x1000 lands at 0x100a.
	inst := Decode(pad(0xe8, 0x05, 0x00, 0x00, 0x00), 0x1000, 32)

	if inst.Invalid {
		t.Fatal("call rel32 decoded as invalid")
	}
	if inst.Len != 5 {
		t.Fatalf("Len = %d, want 5", inst.Len)
	}
	if !inst.Branch || !inst.Call || inst.Stop {
		t.Errorf("classification = branch:%v call:%v stop:%v, want branch call", inst.Branch, inst.Call, inst.Stop)
	}
	if !inst.HasTarget || inst.Target != 0x100a {
		t.Errorf("Target = (%#x, %v), want (0x100a, true)", inst.Target, inst.HasTarget)
	}
}

func TestDecodeJmpShortSelf(t *testing.T) {
	// jmp -2: the classic self-loop.
	inst := Decode(pad(0xeb, 0xfe), 0x2000, 32)

	if !inst.Branch || !inst.Stop || inst.Call {
		t.Errorf("classification = branch:%v call:%v stop:%v, want branch stop", inst.Branch, inst.Call, inst.Stop)
	}
	if !inst.HasTarget || inst.Target != 0x2000 {
		t.Errorf("Target = (%#x, %v), want (0x2000, true)", inst.Target, inst.HasTarget)
	}
}

func TestDecodeConditionalFallsThrough(t *testing.T) {
	// jne +2 branches but execution can continue past it.
	inst := Decode(pad(0x75, 0x02), 0x100, 32)

	if !inst.Branch || inst.Stop {
		t.Errorf("classification = branch:%v stop:%v, want branch only", inst.Branch, inst.Stop)
	}
	if !inst.HasTarget || inst.Target != 0x104 {
		t.Errorf("Target = (%#x, %v), want (0x104, true)", inst.Target, inst.HasTarget)
	}
}

func TestDecodeRet(t *testing.T) {
	inst := Decode(pad(0xc3), 0x100, 32)

	if inst.Branch || !inst.Stop {
		t.Errorf("classification = branch:%v stop:%v, want stop only", inst.Branch, inst.Stop)
	}
	if inst.HasTarget {
		t.Error("ret has a branch target")
	}
}

func TestDecodeIndirectAbsolute(t *testing.T) {
	// call [0x11223344], the import-thunk form.
	inst := Decode(pad(0xff, 0x15, 0x44, 0x33, 0x22, 0x11), 0x100, 32)

	if !inst.Branch || !inst.Call {
		t.Errorf("classification = branch:%v call:%v, want branch call", inst.Branch, inst.Call)
	}
	if inst.HasTarget {
		t.Error("indirect call reported a direct target")
	}
	if !inst.IndirectAbs || inst.AbsAddr != 0x11223344 {
		t.Errorf("AbsAddr = (%#x, %v), want (0x11223344, true)", inst.AbsAddr, inst.IndirectAbs)
	}
}

func TestDecodeIndirectThroughRegisterIsNotAbsolute(t *testing.T) {
	// call [eax]: has a base register, so it is not an import-slot access.
	inst := Decode(pad(0xff, 0x10), 0x100, 32)

	if !inst.Branch || !inst.Call {
		t.Errorf("classification = branch:%v call:%v, want branch call", inst.Branch, inst.Call)
	}
	if inst.IndirectAbs {
		t.Error("register-indirect call reported as absolute")
	}
}

func TestDecodeTargetWraps32(t *testing.T) {
	// jmp -0x10 near the bottom of the address space wraps in 32-bit mode.
	inst := Decode(pad(0xeb, 0xee), 0x2, 32)

	if !inst.HasTarget || inst.Target != 0xfffffff2 {
		t.Errorf("Target = (%#x, %v), want (0xfffffff2, true)", inst.Target, inst.HasTarget)
	}
}

func TestDecodeInvalidByte(t *testing.T) {
	// A lone operand-size prefix cannot decode; it becomes a one-byte
	// pseudo-instruction so the scan can fall through it.
	inst := Decode([]byte{0x66}, 0x100, 32)

	if !inst.Invalid {
		t.Fatal("lone prefix decoded as valid")
	}
	if inst.Len != 1 {
		t.Fatalf("Len = %d, want 1", inst.Len)
	}
	if inst.Branch || inst.Stop {
		t.Error("invalid byte carries control-flow classification")
	}
	if got := Text(inst, []byte{0x66}); got != "db 0x66" {
		t.Errorf("Text = %q, want \"db 0x66\"", got)
	}
}

func TestTextIntelSyntax(t *testing.T) {
	window := pad(0xc3)
	inst := Decode(window, 0x100, 32)
	if got := Text(inst, window); !strings.Contains(got, "ret") {
		t.Errorf("Text = %q, want ret", got)
	}
}
