package analysis

import (
	"github.com/charmbracelet/log"

	"pescan/internal/disasm"
	"pescan/internal/pex"
)

// Scanner discovers reachable code from known entry points and records what
// it finds in each section's classification map. Anomalies in the image are
// reported as warnings and degrade coverage; they never abort the scan.
type Scanner struct {
	img *pex.Image
	log *log.Logger
}

func NewScanner(img *pex.Image, logger *log.Logger) *Scanner {
	return &Scanner{img: img, log: logger}
}

// ScanAll runs one traversal per known entry point: every export, plus the
// image entry address unless the image declares it has none.
func (s *Scanner) ScanAll() {
	for _, e := range s.img.Exports {
		s.Scan(e.Address)
	}
	if !s.img.NoEntry {
		s.Scan(s.img.Entry)
	}
}

// Scan classifies every byte reachable from entry by straight-line execution
// and direct branches. Pending branch targets go on an explicit worklist
// rather than the call stack, so memory use is bounded by the number of
// distinct targets, not by call-graph depth.
func (s *Scanner) Scan(entry uint32) {
	work := []uint32{entry}
	for len(work) > 0 {
		ip := work[len(work)-1]
		work = work[:len(work)-1]
		work = s.scanFrom(ip, work)
	}
}

// scanFrom follows straight-line execution from ip until it reaches already
// scanned code, a flow-terminating instruction, or the section end. Branch
// targets are appended to work.
func (s *Scanner) scanFrom(ip uint32, work []uint32) []uint32 {
	sec := s.img.SectionOf(ip)
	if sec == nil {
		s.log.Warnf("%x: attempt to scan byte not in image", ip)
		return work
	}

	relip := ip - sec.Address

	if sec.Class(relip)&(pex.FlagValid|pex.FlagScanned) == pex.FlagScanned {
		s.log.Warnf("%x: attempt to scan byte that does not begin an instruction", ip)
	}

	// A stretch of code is not allowed to span sections, so the loaded
	// allocation bounds the walk. Guarding on both sizes keeps malformed
	// images (min_alloc < length) inside the classification map.
	limit := sec.Length
	if sec.MinAlloc < limit {
		limit = sec.MinAlloc
	}

	for relip < limit {
		// Previously visited code terminates this traversal branch;
		// this is what bounds the walk on cyclic control flow.
		if sec.Class(relip)&pex.FlagScanned != 0 {
			return work
		}

		window := sectionWindow(s.img, sec, relip)
		inst := disasm.Decode(window, uint64(ip), s.img.Mode)
		length := uint32(inst.Len)

		sec.SetClass(relip, pex.FlagValid)
		end := relip + length
		if end > sec.MinAlloc {
			end = sec.MinAlloc
		}
		for i := relip; i < end; i++ {
			sec.SetClass(i, pex.FlagScanned)
		}

		// An instruction hanging over the minimum allocation cannot be
		// interpreted as extending into the next section.
		if relip+length > sec.MinAlloc {
			s.log.Warnf("%x: instruction extends past the end of section %s", ip, sec.Name)
			return work
		}

		if inst.Branch && inst.HasTarget {
			target := uint32(inst.Target)
			if tsec := s.img.SectionOf(target); tsec != nil {
				if inst.Call {
					tsec.SetClass(target-tsec.Address, pex.FlagFunc)
				} else {
					tsec.SetClass(target-tsec.Address, pex.FlagJump)
				}
				work = append(work, target)
			} else {
				s.log.Warnf("%x: branch to byte %x not in image", ip, target)
			}
		}

		if inst.Stop {
			return work
		}

		ip += length
		relip += length
	}

	s.log.Warnf("%x: scan reached the end of section %s", ip, sec.Name)
	return work
}

// sectionWindow returns a fixed-size decode window for the byte at relative
// offset relip. Bytes past the section's raw length are zero, so the decoder
// never special-cases instructions that hang over the end of the file data.
func sectionWindow(img *pex.Image, sec *pex.Section, relip uint32) []byte {
	window := make([]byte, disasm.MaxWindow)
	if relip < sec.Length {
		n := uint32(disasm.MaxWindow)
		if sec.Length-relip < n {
			n = sec.Length - relip
		}
		copy(window, img.ReadWindow(int64(sec.Offset)+int64(relip), int(n)))
	}
	return window
}
