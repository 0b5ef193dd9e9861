// Package pex provides helpers for opening PE images, locating sections,
// mapping relative virtual addresses to file offsets, and resolving export
// and import names.
package pex

import (
	"debug/pe"
	"encoding/binary"
	"fmt"
	"os"
	"syscall"
)

// ByteFlags classifies one byte of a section's loaded contents.
type ByteFlags uint8

const (
	// FlagValid marks the first byte of a successfully decoded instruction.
	FlagValid ByteFlags = 1 << iota
	// FlagScanned marks any byte covered by a decoded instruction's span.
	FlagScanned
	// FlagFunc marks a known call target.
	FlagFunc
	// FlagJump marks a known non-call branch target.
	FlagJump
)

// Section is one contiguous region of the image. Address is an RVA; Offset is
// the position of the section's first byte in the file. MinAlloc is the size
// once loaded (may exceed Length, in which case the tail is zero-filled).
type Section struct {
	Name     string
	Address  uint32
	Offset   uint32
	Length   uint32
	MinAlloc uint32
	Flags    uint32

	// Classes holds one ByteFlags per loaded byte, MinAlloc entries.
	// Written by the scanner, read by the renderer.
	Classes []ByteFlags
}

// Class returns the classification of the byte at relative offset rel, or
// zero when rel lies outside the loaded allocation.
func (s *Section) Class(rel uint32) ByteFlags {
	if uint64(rel) >= uint64(len(s.Classes)) {
		return 0
	}
	return s.Classes[rel]
}

// SetClass ors f into the classification of the byte at rel. Out-of-range
// offsets are ignored.
func (s *Section) SetClass(rel uint32, f ByteFlags) {
	if uint64(rel) >= uint64(len(s.Classes)) {
		return
	}
	s.Classes[rel] |= f
}

// Export is a named RVA the image advertises as an entry point.
type Export struct {
	Address uint32
	Name    string
}

// ImportGroup describes one DLL's import thunk table: a run of Count slots of
// pointer width starting at RVA NametabAddr, slot i naming Names[i].
type ImportGroup struct {
	DLL         string
	NametabAddr uint32
	Count       uint32
	Names       []string
}

// Image is a loaded PE executable. Everything except each Section's Classes
// slice is immutable after Open.
type Image struct {
	Path      string
	All       []byte
	Sections  []*Section
	Exports   []Export
	Imports   []ImportGroup
	ImageBase uint64
	Entry     uint32
	NoEntry   bool
	Mode      int // x86 decode mode: 32 or 64
	PtrSize   uint32

	f *os.File
}

func Open(path string) (*Image, error) {
	pf, err := pe.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open pe: %w", err)
	}
	defer pf.Close()

	of, err := os.OpenFile(path, os.O_RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}

	fi, err := of.Stat()
	if err != nil {
		of.Close()
		return nil, fmt.Errorf("stat file: %w", err)
	}

	all, err := syscall.Mmap(int(of.Fd()), 0, int(fi.Size()), syscall.PROT_READ, syscall.MAP_SHARED)
	if err != nil {
		of.Close()
		return nil, fmt.Errorf("mmap file: %w", err)
	}

	im := &Image{Path: path, All: all, f: of}

	var exportDir, importDir pe.DataDirectory
	switch opt := pf.OptionalHeader.(type) {
	case *pe.OptionalHeader32:
		im.ImageBase = uint64(opt.ImageBase)
		im.Entry = opt.AddressOfEntryPoint
		im.Mode = 32
		im.PtrSize = 4
		if len(opt.DataDirectory) > pe.IMAGE_DIRECTORY_ENTRY_IMPORT {
			exportDir = opt.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXPORT]
			importDir = opt.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_IMPORT]
		}
	case *pe.OptionalHeader64:
		im.ImageBase = opt.ImageBase
		im.Entry = opt.AddressOfEntryPoint
		im.Mode = 64
		im.PtrSize = 8
		if len(opt.DataDirectory) > pe.IMAGE_DIRECTORY_ENTRY_IMPORT {
			exportDir = opt.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_EXPORT]
			importDir = opt.DataDirectory[pe.IMAGE_DIRECTORY_ENTRY_IMPORT]
		}
	default:
		im.Close()
		return nil, fmt.Errorf("pe: missing optional header in %s", path)
	}

	im.NoEntry = pf.FileHeader.Characteristics&pe.IMAGE_FILE_DLL != 0

	for _, s := range pf.Sections {
		sec := &Section{
			Name:     s.Name,
			Address:  s.VirtualAddress,
			Offset:   s.Offset,
			Length:   s.Size,
			MinAlloc: s.VirtualSize,
			Flags:    s.Characteristics,
		}
		sec.Classes = make([]ByteFlags, sec.MinAlloc)
		im.Sections = append(im.Sections, sec)
	}

	im.parseExports(exportDir)
	im.parseImports(importDir)

	return im, nil
}

// Close unmaps the file and closes the underlying handle.
func (im *Image) Close() error {
	var err1, err2 error
	if im.All != nil {
		err1 = syscall.Munmap(im.All)
		im.All = nil
	}
	if im.f != nil {
		err2 = im.f.Close()
		im.f = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// SectionOf returns the first section whose loaded range contains the RVA,
// or nil when the address is not mapped. Sections are assumed non-overlapping;
// under malformed overlapping input the first match wins.
func (im *Image) SectionOf(addr uint32) *Section {
	for _, sec := range im.Sections {
		if uint64(addr) >= uint64(sec.Address) && uint64(addr) < uint64(sec.Address)+uint64(sec.MinAlloc) {
			return sec
		}
	}
	return nil
}

// OffsetOf translates an RVA into a file offset. It returns false when the
// address is unmapped, so a legitimate offset of zero stays distinguishable.
func (im *Image) OffsetOf(addr uint32) (uint32, bool) {
	sec := im.SectionOf(addr)
	if sec == nil {
		return 0, false
	}
	return sec.Offset + (addr - sec.Address), true
}

// ReadWindow returns exactly n bytes starting at file offset off. Any portion
// past the end of the file is zero-filled, so callers never see short reads.
func (im *Image) ReadWindow(off int64, n int) []byte {
	buf := make([]byte, n)
	if off < 0 || off >= int64(len(im.All)) {
		return buf
	}
	copy(buf, im.All[off:])
	return buf
}

// ExportName returns the export name for an exact RVA match.
func (im *Image) ExportName(addr uint32) (string, bool) {
	for _, e := range im.Exports {
		if e.Address == addr {
			return e.Name, true
		}
	}
	return "", false
}

// ImportName resolves a virtual address pointing into an import thunk table
// to the imported routine's name.
func (im *Image) ImportName(va uint64) (string, bool) {
	rva := va - im.ImageBase
	for _, g := range im.Imports {
		if rva < uint64(g.NametabAddr) {
			continue
		}
		idx := (rva - uint64(g.NametabAddr)) / uint64(im.PtrSize)
		if idx < uint64(g.Count) {
			return g.Names[idx], true
		}
	}
	return "", false
}

// u16/u32/u64 read little-endian values at a file offset, returning zero past
// the end of the mapping. PE is always little-endian.
func (im *Image) u16(off uint32) uint16 {
	if uint64(off)+2 > uint64(len(im.All)) {
		return 0
	}
	return binary.LittleEndian.Uint16(im.All[off:])
}

func (im *Image) u32(off uint32) uint32 {
	if uint64(off)+4 > uint64(len(im.All)) {
		return 0
	}
	return binary.LittleEndian.Uint32(im.All[off:])
}

func (im *Image) u64(off uint32) uint64 {
	if uint64(off)+8 > uint64(len(im.All)) {
		return 0
	}
	return binary.LittleEndian.Uint64(im.All[off:])
}

// cstring reads a NUL-terminated string at a file offset.
func (im *Image) cstring(off uint32) string {
	if uint64(off) >= uint64(len(im.All)) {
		return ""
	}
	end := off
	for uint64(end) < uint64(len(im.All)) && im.All[end] != 0 {
		end++
	}
	return string(im.All[off:end])
}

// parseExports walks the export directory: names index the ordinal table,
// ordinals index the function address table.
func (im *Image) parseExports(dir pe.DataDirectory) {
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return
	}
	base, ok := im.OffsetOf(dir.VirtualAddress)
	if !ok {
		return
	}

	nameCount := im.u32(base + 24)
	funcCount := im.u32(base + 20)
	funcTab, okF := im.OffsetOf(im.u32(base + 28))
	nameTab, okN := im.OffsetOf(im.u32(base + 32))
	ordTab, okO := im.OffsetOf(im.u32(base + 36))
	if !okF || !okN || !okO {
		return
	}

	for i := uint32(0); i < nameCount; i++ {
		nameOff, ok := im.OffsetOf(im.u32(nameTab + 4*i))
		if !ok {
			continue
		}
		ord := uint32(im.u16(ordTab + 2*i))
		if ord >= funcCount {
			continue
		}
		im.Exports = append(im.Exports, Export{
			Address: im.u32(funcTab + 4*ord),
			Name:    im.cstring(nameOff),
		})
	}
}

// parseImports walks the import descriptor table. Each descriptor yields one
// ImportGroup keyed by its thunk (IAT) base; names come from the hint/name
// table, ordinal-only imports are rendered as dll:ordinal.
func (im *Image) parseImports(dir pe.DataDirectory) {
	if dir.VirtualAddress == 0 || dir.Size == 0 {
		return
	}
	descOff, ok := im.OffsetOf(dir.VirtualAddress)
	if !ok {
		return
	}

	const descSize = 20
	for ; ; descOff += descSize {
		origThunk := im.u32(descOff)
		nameRVA := im.u32(descOff + 12)
		firstThunk := im.u32(descOff + 16)
		if origThunk == 0 && nameRVA == 0 && firstThunk == 0 {
			break
		}

		var dll string
		if off, ok := im.OffsetOf(nameRVA); ok {
			dll = im.cstring(off)
		}

		// The name table usually lives behind OriginalFirstThunk; some
		// linkers leave it zero and bind names through FirstThunk.
		thunkRVA := origThunk
		if thunkRVA == 0 {
			thunkRVA = firstThunk
		}
		thunkOff, ok := im.OffsetOf(thunkRVA)
		if !ok {
			continue
		}

		group := ImportGroup{DLL: dll, NametabAddr: firstThunk}
		for {
			var slot uint64
			var byOrdinal bool
			if im.PtrSize == 8 {
				slot = im.u64(thunkOff)
				byOrdinal = slot&(1<<63) != 0
			} else {
				slot = uint64(im.u32(thunkOff))
				byOrdinal = slot&(1<<31) != 0
			}
			if slot == 0 {
				break
			}
			if byOrdinal {
				group.Names = append(group.Names, fmt.Sprintf("%s:%d", dll, uint16(slot)))
			} else if off, ok := im.OffsetOf(uint32(slot)); ok {
				group.Names = append(group.Names, im.cstring(off+2))
			} else {
				group.Names = append(group.Names, "")
			}
			thunkOff += im.PtrSize
		}
		group.Count = uint32(len(group.Names))
		im.Imports = append(im.Imports, group)
	}
}
