package analysis

import (
	"io"
	"strings"
	"testing"

	"github.com/charmbracelet/log"

	"pescan/internal/pex"
)

func renderToString(img *pex.Image, all bool) string {
	var buf strings.Builder
	r := NewRenderer(img, &buf)
	r.All = all
	r.RenderSection(img.Sections[0])
	return buf.String()
}

func TestRenderGapCollapsing(t *testing.T) {
	code := make([]byte, 0x20)
	// Code at 0x100a: mov eax, 1; ret. Everything around it is unreached.
	copy(code[10:], []byte{0xb8, 0x01, 0x00, 0x00, 0x00, 0xc3})
	img := codeImage(code, 0x20)

	NewScanner(img, log.New(io.Discard)).Scan(0x100a)
	out := renderToString(img, false)

	// One gap before the code, one after, nothing decoded inside them.
	if got := strings.Count(out, gapMarker); got != 2 {
		t.Errorf("gap marker count = %d, want 2\n%s", got, out)
	}
	if !strings.Contains(out, "100a:") {
		t.Errorf("missing mov line:\n%s", out)
	}
	if !strings.Contains(out, "ret") {
		t.Errorf("missing ret line:\n%s", out)
	}
	if strings.Contains(out, "1000:") {
		t.Errorf("unreached bytes were decoded:\n%s", out)
	}
}

func TestRenderAllModeSkipsZeroRuns(t *testing.T) {
	code := make([]byte, 0x10)
	code[8] = 0x90 // nop
	code[9] = 0xc3 // ret
	img := codeImage(code, 0x10)

	// No scan: all-mode decodes unreached non-zero bytes anyway.
	out := renderToString(img, true)

	if got := strings.Count(out, gapMarker); got != 2 {
		t.Errorf("gap marker count = %d, want 2\n%s", got, out)
	}
	if !strings.Contains(out, "nop") || !strings.Contains(out, "ret") {
		t.Errorf("unreached code not decoded in all mode:\n%s", out)
	}
}

func TestRenderFunctionLabels(t *testing.T) {
	code := []byte{0xc3, 0xc3}
	img := codeImage(code, 2)
	img.Exports = []pex.Export{{Address: 0x1000, Name: "start"}}
	sec := img.Sections[0]
	sec.SetClass(0, pex.FlagValid|pex.FlagScanned|pex.FlagFunc)
	sec.SetClass(1, pex.FlagValid|pex.FlagScanned|pex.FlagFunc)

	out := renderToString(img, false)

	if !strings.Contains(out, "1000 <start>:") {
		t.Errorf("missing exported function label:\n%s", out)
	}
	if !strings.Contains(out, "1001 <no name>:") {
		t.Errorf("missing placeholder label for anonymous function:\n%s", out)
	}
}

func TestRenderImportComment(t *testing.T) {
	// call [0x403000]; ret
	code := []byte{0xff, 0x15, 0x00, 0x30, 0x40, 0x00, 0xc3}
	img := codeImage(code, uint32(len(code)))
	img.ImageBase = 0x400000
	img.Imports = []pex.ImportGroup{
		{DLL: "kernel32.dll", NametabAddr: 0x3000, Count: 1, Names: []string{"ExitProcess"}},
	}

	NewScanner(img, log.New(io.Discard)).Scan(0x1000)
	out := renderToString(img, false)

	if !strings.Contains(out, "; ExitProcess") {
		t.Errorf("missing import annotation:\n%s", out)
	}
}

func TestRenderExportComment(t *testing.T) {
	code := make([]byte, 0x10)
	// 0x1000: call +3 (to 0x1008); 0x1005: ret; 0x1008: ret
	copy(code, []byte{0xe8, 0x03, 0x00, 0x00, 0x00, 0xc3, 0x00, 0x00, 0xc3})
	img := codeImage(code, 0x10)
	img.Exports = []pex.Export{{Address: 0x1008, Name: "helper"}}

	NewScanner(img, log.New(io.Discard)).ScanAll()
	out := renderToString(img, false)

	if !strings.Contains(out, "; helper") {
		t.Errorf("missing export annotation on call:\n%s", out)
	}
}

func TestRenderAllSkipsDataSections(t *testing.T) {
	img := codeImage([]byte{0xc3}, 1)
	img.Sections = append(img.Sections, &pex.Section{
		Name:     ".data",
		Address:  0x2000,
		Offset:   0x200,
		Length:   0x10,
		MinAlloc: 0x10,
		Flags:    secData,
		Classes:  make([]pex.ByteFlags, 0x10),
	})
	img.Sections[0].SetClass(0, pex.FlagValid|pex.FlagScanned)

	var buf strings.Builder
	NewRenderer(img, &buf).RenderAll()
	out := buf.String()

	if !strings.Contains(out, "Section .text") || !strings.Contains(out, "Section .data") {
		t.Errorf("missing section headers:\n%s", out)
	}
	if !strings.Contains(out, "ret") {
		t.Errorf("code section not swept:\n%s", out)
	}
	// Data section contents get a header but no instruction sweep.
	if strings.Contains(out, "2000:") {
		t.Errorf("data section was disassembled:\n%s", out)
	}
}

func TestFormatSectionFlags(t *testing.T) {
	tests := []struct {
		mask uint32
		want string
	}{
		{0x60000020, "code, executable, readable"},
		{0xc0000040, "data, readable, writable"},
		{0x00000080, "bss"},
		{0, ""},
	}
	for _, tt := range tests {
		if got := FormatSectionFlags(tt.mask); got != tt.want {
			t.Errorf("FormatSectionFlags(%#x) = %q, want %q", tt.mask, got, tt.want)
		}
	}
}

func TestSectionAlignment(t *testing.T) {
	tests := []struct {
		mask     uint32
		value    int
		exponent int
	}{
		{0x00300000, 8, 3},
		{0x00100000, 2, 1},
		{0, 1, 0},
	}
	for _, tt := range tests {
		value, exponent := SectionAlignment(tt.mask)
		if value != tt.value || exponent != tt.exponent {
			t.Errorf("SectionAlignment(%#x) = (%d, %d), want (%d, %d)",
				tt.mask, value, exponent, tt.value, tt.exponent)
		}
	}
}
