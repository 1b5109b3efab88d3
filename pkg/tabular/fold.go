package tabular

import (
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

func isDropped(r rune) bool {
	return r == '$' || r == 'ª'
}

// Fold strips diacritics and a few symbols that break downstream reports:
// "Clínica Señal $5" becomes "Clinica Senal 5".
func Fold(s string) string {
	t := transform.Chain(
		norm.NFD,
		runes.Remove(runes.In(unicode.Mn)),
		runes.Remove(runes.Predicate(isDropped)),
		norm.NFC,
	)
	out, _, err := transform.String(t, s)
	if err != nil {
		return s
	}
	return out
}

func isMessagePunct(r rune) bool {
	switch r {
	case '"', '\'', ';', ',', '–', '…':
		return true
	}
	return false
}

// ScrubMessage removes quotes, separators and CRLF line breaks from message text
// so it survives spreadsheet imports.
func ScrubMessage(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "")
	out, _, err := transform.String(runes.Remove(runes.Predicate(isMessagePunct)), s)
	if err != nil {
		return s
	}
	return out
}
