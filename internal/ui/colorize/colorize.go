// Package colorize applies terminal syntax highlighting to disassembly
// listing lines.
package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/lipgloss/v2"
)

var (
	funcLabelStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("214")) // Orange for function labels
	sectionHeaderStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("99"))  // Purple for section headers
)

// getAssemblyLexer returns an appropriate assembly lexer with fallbacks
func getAssemblyLexer() chroma.Lexer {
	// Try lexers in order of preference (Intel-syntax x86 first)
	candidates := []string{"nasm", "gas", "GAS", "Gas"}
	for _, name := range candidates {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

// getDisasmStyle returns the disassembly style with fallbacks
func getDisasmStyle() *chroma.Style {
	// Try our custom style first, then fallbacks
	candidates := []string{"disasm-dark", "dracula", "monokai"}
	for _, name := range candidates {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

// getTerminalFormatter returns an appropriate terminal formatter
func getTerminalFormatter() chroma.Formatter {
	// Try high-color first, then fallback
	candidates := []string{"terminal16m", "terminal256"}
	for _, name := range candidates {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// Enabled reports whether colorization is active. PESCAN_NO_COLOR disables
// it regardless of flags.
func Enabled() bool {
	return os.Getenv("PESCAN_NO_COLOR") == ""
}

// FuncLabel styles a function label line.
func FuncLabel(label string) string {
	if !Enabled() {
		return label
	}
	return funcLabelStyle.Render(label)
}

// SectionHeader styles a section header line.
func SectionHeader(header string) string {
	if !Enabled() {
		return header
	}
	return sectionHeaderStyle.Render(header)
}

// ColorizeInstructionLine colorizes a single instruction line while
// preserving formatting. The input is already formatted as
// "address:  raw bytes  mnemonic operands  ; comment".
func ColorizeInstructionLine(line string) string {
	if !Enabled() {
		return line
	}

	// Parse the address separately since we want it in gray
	parts := strings.SplitN(line, ":", 2)
	if len(parts) < 2 {
		return colorizeFullLine(line)
	}

	addr := parts[0]
	for _, ch := range strings.TrimSpace(addr) {
		if !((ch >= '0' && ch <= '9') || (ch >= 'a' && ch <= 'f') || (ch >= 'A' && ch <= 'F')) {
			return colorizeFullLine(line)
		}
	}

	// Color address in gray (79, 79, 79)
	addrColored := fmt.Sprintf("\033[38;2;79;79;79m%s\033[0m", addr)

	return fmt.Sprintf("%s:%s", addrColored, colorizeFullLine(parts[1]))
}

// colorizeFullLine uses Chroma to colorize an assembly line
func colorizeFullLine(line string) string {
	lexer := getAssemblyLexer()
	if lexer == nil {
		// Return plain text if no assembly lexer available
		return line
	}

	// Make sure our custom style is registered
	_ = DisasmDark

	style := getDisasmStyle()
	formatter := getTerminalFormatter()

	iterator, err := lexer.Tokenise(nil, line)
	if err != nil {
		return line
	}

	var buf strings.Builder
	if err := formatter.Format(&buf, style, iterator); err != nil {
		return line
	}

	return buf.String()
}
