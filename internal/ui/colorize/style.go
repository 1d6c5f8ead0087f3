// Package colorize provides terminal colouring for instruction listings,
// hook tables and cleanup reports.
package colorize

import (
	"github.com/alecthomas/chroma/v2"
	"github.com/alecthomas/chroma/v2/styles"
)

// Listing palette
const (
	ColorLabel    = "#FFC800" // addresses and symbols
	ColorRegister = "#87CEEB"
	ColorNumber   = "#FF80C0"
	ColorComment  = "#FF8000"
	ColorString   = "#00FF00"
	ColorDetail   = "#B4B4B4"
	ColorBorder   = "#505050"
	ColorHeader   = "#569CD6"
	ColorHexBytes = "#646464"
	ColorError    = "#FF80C0"
	ColorTag      = "#FFB4C8"
)

// DisasmDark is the Chroma style used for instructions.
var DisasmDark = styles.Register(chroma.MustNewStyle("detour-dark", chroma.StyleEntries{
	chroma.Text:           "#FFFFFF",
	chroma.Background:     "bg:#000000",
	chroma.Comment:        ColorComment,
	chroma.CommentPreproc: ColorComment,

	// nasm lexer: mnemonics are keywords or functions, registers are names
	chroma.Keyword:       "#FFFFFF",
	chroma.KeywordPseudo: "#FFFFFF",
	chroma.Name:          ColorRegister,
	chroma.NameBuiltin:   ColorRegister,
	chroma.NameVariable:  ColorRegister,
	chroma.NameFunction:  "#FFFFFF",
	chroma.NameLabel:     ColorLabel,

	chroma.LiteralNumber:        ColorNumber,
	chroma.LiteralNumberHex:     ColorNumber,
	chroma.LiteralNumberBin:     ColorNumber,
	chroma.LiteralNumberOct:     ColorNumber,
	chroma.LiteralNumberInteger: ColorNumber,

	chroma.Operator:    "#FFFFFF",
	chroma.Punctuation: "#FFFFFF",
	chroma.String:      ColorString,
}))
