package analysis

import (
	"fmt"
	"io"
	"strings"

	"github.com/ianlancetaylor/demangle"

	"pescan/internal/disasm"
	"pescan/internal/pex"
	"pescan/internal/ui/colorize"
)

// Section characteristic bits the renderer dispatches on.
const (
	secCode = 0x00000020
	secData = 0x00000040
)

const gapMarker = "     ..."

// Renderer performs the final linear sweep over each section, consulting the
// classification maps the scanner built. It only reads them.
type Renderer struct {
	img *pex.Image
	w   io.Writer

	// All enables disassemble-all mode: bytes the scanner never reached
	// are decoded anyway instead of being collapsed into a gap marker,
	// with runs of zero padding still skipped.
	All bool

	// Color enables ANSI colorization of the listing.
	Color bool
}

func NewRenderer(img *pex.Image, w io.Writer) *Renderer {
	return &Renderer{img: img, w: w}
}

// RenderAll emits the listing for every section in table order. Data
// sections get only their header block; code sections are swept.
func (r *Renderer) RenderAll() {
	for _, sec := range r.img.Sections {
		fmt.Fprintln(r.w)
		r.renderHeader(sec)

		switch {
		case sec.Flags&secData != 0:
			// Data contents are out of scope.
		case sec.Flags&secCode != 0:
			r.RenderSection(sec)
		}
	}
}

func (r *Renderer) renderHeader(sec *pex.Section) {
	title := fmt.Sprintf("Section %s (start = 0x%x, length = 0x%x, minimum allocation = 0x%x):",
		sec.Name, sec.Offset, sec.Length, sec.MinAlloc)
	if r.Color {
		title = colorize.SectionHeader(title)
	}
	fmt.Fprintln(r.w, title)
	fmt.Fprintf(r.w, "    Address: %x\n", sec.Address)
	fmt.Fprintf(r.w, "    Flags: 0x%08x (%s)\n", sec.Flags, FormatSectionFlags(sec.Flags))
	value, exponent := SectionAlignment(sec.Flags)
	fmt.Fprintf(r.w, "    Alignment: %d (2**%d)\n", value, exponent)
}

// RenderSection sweeps one code section from offset zero to its raw length.
// Every offset is covered by exactly one instruction line or gap marker.
func (r *Renderer) RenderSection(sec *pex.Section) {
	relip := uint32(0)

	for relip < sec.Length {
		if sec.Class(relip)&pex.FlagValid == 0 {
			if r.All {
				// Skip runs of zero padding; decode through
				// anything else on the assumption it is code the
				// scanner missed. Best effort: a non-code byte
				// here can desynchronize the sweep until the
				// next valid instruction start.
				if r.byteAt(sec, relip) == 0 {
					fmt.Fprintln(r.w, gapMarker)
					relip++
					for relip < sec.Length && r.byteAt(sec, relip) == 0 {
						relip++
					}
				}
			} else {
				fmt.Fprintln(r.w, gapMarker)
				for relip < sec.Length && relip < sec.MinAlloc && sec.Class(relip)&pex.FlagValid == 0 {
					relip++
				}
			}
		}

		if relip >= sec.Length || relip >= sec.MinAlloc {
			break
		}

		ip := sec.Address + relip
		window := sectionWindow(r.img, sec, relip)

		if sec.Class(relip)&pex.FlagFunc != 0 {
			name, ok := r.img.ExportName(ip)
			if ok {
				name = demangle.Filter(name)
			} else {
				name = "no name"
			}
			label := fmt.Sprintf("%x <%s>:", ip, name)
			if r.Color {
				label = colorize.FuncLabel(label)
			}
			fmt.Fprintf(r.w, "\n%s\n", label)
		}

		inst := disasm.Decode(window, uint64(ip), r.img.Mode)
		line := r.formatLine(ip, inst, window)
		if r.Color {
			line = colorize.ColorizeInstructionLine(line)
		}
		fmt.Fprintln(r.w, line)

		relip += uint32(inst.Len)
	}

	fmt.Fprintln(r.w)
}

// formatLine renders one instruction: address, raw encoding, Intel-syntax
// text, and an import or export comment when one resolves.
func (r *Renderer) formatLine(ip uint32, inst disasm.Inst, window []byte) string {
	var raw strings.Builder
	for i := 0; i < inst.Len && i < len(window); i++ {
		fmt.Fprintf(&raw, "%02x ", window[i])
	}

	line := fmt.Sprintf("%8x:  %-24s  %s", ip, strings.TrimRight(raw.String(), " "), disasm.Text(inst, window))

	if comment, ok := r.comment(inst); ok {
		line += "  ; " + comment
	}
	return line
}

// comment resolves the contextual annotation for an instruction: the import
// name for a call or jump through an absolute memory slot, else the export
// name of a direct branch target.
func (r *Renderer) comment(inst disasm.Inst) (string, bool) {
	if inst.IndirectAbs {
		if name, ok := r.img.ImportName(inst.AbsAddr); ok {
			return name, true
		}
	}
	if inst.Branch && inst.HasTarget {
		if name, ok := r.img.ExportName(uint32(inst.Target)); ok {
			return name, true
		}
	}
	return "", false
}

// byteAt reads one raw byte of the section, treating anything past the
// section's file data as zero.
func (r *Renderer) byteAt(sec *pex.Section, relip uint32) byte {
	if relip >= sec.Length {
		return 0
	}
	return r.img.ReadWindow(int64(sec.Offset)+int64(relip), 1)[0]
}
