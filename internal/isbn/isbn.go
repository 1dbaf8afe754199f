// Package isbn normalizes and validates ISBN-10/ISBN-13 identifiers per the
// canonical form used throughout the enrichment engine: digits and X only,
// uppercase, always stored as ISBN-13.
package isbn

import (
	"strconv"
	"strings"
)

// Normalize strips separators, uppercases the check character, converts a
// valid ISBN-10 to its ISBN-13 form, and validates the checksum. It returns
// ok=false if the input isn't a structurally valid ISBN-10 or ISBN-13.
//
// Normalize is idempotent: Normalize(Normalize(x)) == Normalize(x) for any x
// that normalizes successfully.
func Normalize(raw string) (string, bool) {
	cleaned := clean(raw)

	switch len(cleaned) {
	case 10:
		if !validISBN10(cleaned) {
			return "", false
		}
		return isbn10to13(cleaned), true
	case 13:
		if !validISBN13(cleaned) {
			return "", false
		}
		return cleaned, true
	default:
		return "", false
	}
}

// Valid reports whether raw normalizes to a valid canonical ISBN.
func Valid(raw string) bool {
	_, ok := Normalize(raw)
	return ok
}

// clean removes everything but digits and X/x, and uppercases the result.
func clean(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for _, r := range raw {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == 'x' || r == 'X':
			b.WriteRune('X')
		}
	}
	return b.String()
}

func validISBN10(s string) bool {
	if len(s) != 10 {
		return false
	}
	sum := 0
	for i := 0; i < 9; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
		sum += int(s[i]-'0') * (10 - i)
	}
	last := s[9]
	var checkVal int
	if last == 'X' {
		checkVal = 10
	} else if last >= '0' && last <= '9' {
		checkVal = int(last - '0')
	} else {
		return false
	}
	sum += checkVal
	return sum%11 == 0
}

func validISBN13(s string) bool {
	if len(s) != 13 {
		return false
	}
	sum := 0
	for i := 0; i < 12; i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
		d := int(s[i] - '0')
		if i%2 == 0 {
			sum += d
		} else {
			sum += d * 3
		}
	}
	if s[12] < '0' || s[12] > '9' {
		return false
	}
	check := (10 - sum%10) % 10
	return check == int(s[12]-'0')
}

// isbn10to13 prepends the 978 Bookland prefix and recomputes the ISBN-13
// check digit. The caller must have already validated s as ISBN-10.
func isbn10to13(s string) string {
	core := "978" + s[:9]
	sum := 0
	for i := 0; i < 12; i++ {
		d := int(core[i] - '0')
		if i%2 == 0 {
			sum += d
		} else {
			sum += d * 3
		}
	}
	check := (10 - sum%10) % 10
	return core + strconv.Itoa(check)
}
