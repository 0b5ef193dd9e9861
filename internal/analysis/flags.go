package analysis

import "strings"

// Section characteristic bits with their COFF names. Most of the object-only
// bits should never occur in an image file, but malformed input can carry
// anything, so the whole table is decoded.
var sectionFlagNames = []struct {
	bit  uint32
	name string
}{
	{0x00000001, "STYP_DSECT"},
	{0x00000002, "STYP_NOLOAD"},
	{0x00000004, "STYP_GROUP"},
	{0x00000008, "STYP_PAD"},
	{0x00000010, "STYP_COPY"},
	{0x00000020, "code"},
	{0x00000040, "data"},
	{0x00000080, "bss"},
	{0x00000100, "S_NEWCFN"},
	{0x00000200, "STYP_INFO"},
	{0x00000400, "STYP_OVER"},
	{0x00000800, "STYP_LIB"},
	{0x00001000, "COMDAT"},
	{0x00002000, "STYP_MERGE"},
	{0x00004000, "STYP_REVERSE_PAD"},
	{0x00008000, "FARDATA"},
	{0x00010000, "(unknown flags 0x10000)"},
	{0x00020000, "purgeable"},
	{0x00040000, "locked"},
	{0x00080000, "preload"},
	{0x01000000, "extended relocations"},
	{0x02000000, "discardable"},
	{0x04000000, "not cached"},
	{0x08000000, "not paged"},
	{0x10000000, "shared"},
	{0x20000000, "executable"},
	{0x40000000, "readable"},
	{0x80000000, "writable"},
}

// FormatSectionFlags decodes a section characteristics mask into a
// comma-joined list of flag names.
func FormatSectionFlags(mask uint32) string {
	var parts []string
	for _, f := range sectionFlagNames {
		if mask&f.bit != 0 {
			parts = append(parts, f.name)
		}
	}
	return strings.Join(parts, ", ")
}

// SectionAlignment extracts the alignment sub-field of a characteristics
// mask, returning the alignment in bytes and its exponent.
func SectionAlignment(mask uint32) (value int, exponent int) {
	exponent = int(mask>>20) & 0xf
	return 1 << exponent, exponent
}
