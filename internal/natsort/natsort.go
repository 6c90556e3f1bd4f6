// Package natsort orders file names the way people expect: numeric runs
// compare by value, so "2.png" sorts before "10.png".
package natsort

import (
	"path/filepath"
	"sort"
	"strings"
)

// Part is one run of a natural sort key. Numeric runs keep their digits with
// leading zeros stripped so values of any length compare without overflow.
type Part struct {
	Numeric bool
	Text    string
}

// Key splits s into alternating digit and non-digit runs. Digit runs become
// numeric parts, other runs are lowercased.
func Key(s string) []Part {
	var parts []Part
	start := 0
	for start < len(s) {
		digit := isDigit(s[start])
		end := start + 1
		for end < len(s) && isDigit(s[end]) == digit {
			end++
		}
		run := s[start:end]
		if digit {
			trimmed := strings.TrimLeft(run, "0")
			if trimmed == "" {
				trimmed = "0"
			}
			parts = append(parts, Part{Numeric: true, Text: trimmed})
		} else {
			parts = append(parts, Part{Text: strings.ToLower(run)})
		}
		start = end
	}
	return parts
}

// Compare returns -1, 0 or +1 depending on the natural order of a and b.
func Compare(a, b string) int {
	ka, kb := Key(a), Key(b)
	for i := 0; i < len(ka) && i < len(kb); i++ {
		if c := comparePart(ka[i], kb[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(ka) < len(kb):
		return -1
	case len(ka) > len(kb):
		return 1
	}
	return 0
}

// Less reports whether a sorts before b in natural order.
func Less(a, b string) bool {
	return Compare(a, b) < 0
}

// Sort sorts names in place in natural order. Equal keys keep their input order.
func Sort(names []string) {
	sort.SliceStable(names, func(i, j int) bool {
		return Less(names[i], names[j])
	})
}

// SortPaths sorts paths in place by the natural order of their base names.
func SortPaths(paths []string) {
	sort.SliceStable(paths, func(i, j int) bool {
		return Less(filepath.Base(paths[i]), filepath.Base(paths[j]))
	})
}

// comparePart orders two runs. A number sorts before text at the same
// position, matching how digits sort before letters in ASCII.
func comparePart(a, b Part) int {
	if a.Numeric != b.Numeric {
		if a.Numeric {
			return -1
		}
		return 1
	}
	if a.Numeric {
		if len(a.Text) != len(b.Text) {
			if len(a.Text) < len(b.Text) {
				return -1
			}
			return 1
		}
	}
	return strings.Compare(a.Text, b.Text)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
