package agent

import (
	"strings"
	"unicode/utf8"
)

// normalizeOutput filters a command output chunk. Terminal output never goes
// through here; the web terminal emulator wants raw bytes.
//
// Rules: a chunk that fails UTF-8 decoding (or already carries replacement
// characters) is binary and dropped whole. Otherwise chars are classified as
// printable or not; if fewer than 60% are printable the chunk is dropped as
// noise, else the filtered string (printable chars only) is kept. ANSI CSI
// sequences and charset designations count as printable and are preserved in
// full; an ESC sequence cut off at the chunk boundary is retained so the next
// chunk can complete it.
func normalizeOutput(chunk string) (string, bool) {
	if chunk == "" {
		return "", true
	}
	if !utf8.ValidString(chunk) || strings.ContainsRune(chunk, utf8.RuneError) {
		return "", false
	}

	var out strings.Builder
	out.Grow(len(chunk))
	runes := []rune(chunk)
	printable, total := 0, 0

	for i := 0; i < len(runes); {
		r := runes[i]
		if r == 0x1b { // ESC
			seq, ok := scanEscape(runes[i:])
			if !ok {
				// Partial tail sequence: keep it for the next chunk to finish,
				// count it printable.
				out.WriteString(string(runes[i:]))
				printable += len(runes) - i
				total += len(runes) - i
				break
			}
			if seq == 0 {
				// Unrecognized escape, drop the ESC byte only.
				total++
				i++
				continue
			}
			out.WriteString(string(runes[i : i+seq]))
			printable += seq
			total += seq
			i += seq
			continue
		}

		total++
		if isPrintable(r) {
			out.WriteRune(r)
			printable++
		}
		i++
	}

	if total == 0 {
		return "", true
	}
	if float64(printable)/float64(total) < 0.6 {
		return "", false
	}
	return out.String(), true
}

// isPrintable reports whether a rune is kept outside escape sequences:
// 0x20–0x7E, a small set of terminal control bytes, DEL, and everything
// ≥ 128.
func isPrintable(r rune) bool {
	if r >= 0x20 && r <= 0x7e {
		return true
	}
	if r >= 128 {
		return true
	}
	switch r {
	case 0x07, 0x08, 0x09, 0x0a, 0x0b, 0x0c, 0x0d, 0x0e, 0x0f, 0x7f:
		return true
	}
	return false
}

// scanEscape inspects a rune slice beginning with ESC. It returns the length
// of a complete recognized sequence, 0 for an unrecognized one, and ok=false
// when the sequence runs off the end of the chunk.
func scanEscape(rs []rune) (int, bool) {
	if len(rs) < 2 {
		return 0, false
	}
	switch rs[1] {
	case '[': // CSI: ESC [ parameter/intermediate bytes, final byte 0x40–0x7E
		for i := 2; i < len(rs); i++ {
			r := rs[i]
			if r >= 0x40 && r <= 0x7e {
				return i + 1, true
			}
			if !(r >= 0x20 && r <= 0x3f) {
				return 0, true // malformed, not a CSI sequence
			}
		}
		return 0, false
	case '(', ')': // charset designation: ESC ( B etc.
		if len(rs) < 3 {
			return 0, false
		}
		return 3, true
	default:
		return 0, true
	}
}
