package colorize

import (
	"fmt"
	"os"
	"strings"

	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/formatters"
	"github.com/alecthomas/chroma/v2/lexers"
	"github.com/alecthomas/chroma/v2/styles"
	"github.com/charmbracelet/lipgloss"
)

var (
	addressStyle = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorLabel))
	symbolStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorLabel)).Bold(true)
	detailStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorDetail))
	borderStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorBorder))
	headerStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorHeader)).Bold(true)
	bytesStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorHexBytes))
	errorStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorError))
	tagStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorTag))
	onStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color(ColorString))
)

// getAssemblyLexer returns an x86 assembly lexer with fallbacks
func getAssemblyLexer() chroma.Lexer {
	candidates := []string{"nasm", "gas", "GAS"}
	for _, name := range candidates {
		if lexer := lexers.Get(name); lexer != nil {
			return lexer
		}
	}
	return nil
}

// getDisasmStyle returns the disassembly style with fallbacks
func getDisasmStyle() *chroma.Style {
	candidates := []string{"detour-dark", "dracula", "monokai"}
	for _, name := range candidates {
		if style := styles.Get(name); style != nil {
			return style
		}
	}
	return styles.Fallback
}

// getTerminalFormatter returns an appropriate terminal formatter
func getTerminalFormatter() chroma.Formatter {
	candidates := []string{"terminal16m", "terminal256"}
	for _, name := range candidates {
		if formatter := formatters.Get(name); formatter != nil {
			return formatter
		}
	}
	return formatters.Fallback
}

// IsDisabled returns true if colors are disabled via environment
func IsDisabled() bool {
	return os.Getenv("DETOUR_NO_COLOR") != "" || os.Getenv("NO_COLOR") != ""
}

func render(style lipgloss.Style, s string) string {
	if IsDisabled() {
		return s
	}
	return style.Render(s)
}

// Instruction colorizes an Intel-syntax instruction using Chroma
func Instruction(insn string) string {
	if IsDisabled() {
		return insn
	}

	lexer := getAssemblyLexer()
	if lexer == nil {
		return insn
	}

	iterator, err := lexer.Tokenise(nil, insn)
	if err != nil {
		return insn
	}

	var buf strings.Builder
	if err := getTerminalFormatter().Format(&buf, getDisasmStyle(), iterator); err != nil {
		return insn
	}

	return strings.TrimSuffix(buf.String(), "\n")
}

// Address formats an address as 16 hex digits
func Address(addr uint64) string {
	return render(addressStyle, fmt.Sprintf("%016X", addr))
}

// Symbol formats a symbol or module name
func Symbol(name string) string { return render(symbolStyle, name) }

// Detail formats secondary text
func Detail(s string) string { return render(detailStyle, s) }

// Border formats separators
func Border(s string) string { return render(borderStyle, s) }

// Header formats section headers
func Header(s string) string { return render(headerStyle, s) }

// HexBytes formats raw instruction bytes as "55 48 89 e5"
func HexBytes(b []byte) string { return render(bytesStyle, fmt.Sprintf("% x", b)) }

// Error formats error messages
func Error(s string) string { return render(errorStyle, s) }

// Tag formats a trace tag
func Tag(tag string) string { return render(tagStyle, tag) }

// State renders an enabled flag
func State(enabled bool) string {
	if enabled {
		return render(onStyle, "enabled")
	}
	return render(detailStyle, "disabled")
}
