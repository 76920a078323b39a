// Package receipt formats receipt numbers and renders receipt documents.
package receipt

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

const (
	DefaultPrefix = "RCPT"
	DefaultWidth  = 6
)

var ErrMalformedNumber = errors.New("malformed receipt number")

// Numbering formats <PREFIX>-<YEAR>-<SEQ> with SEQ zero padded to Width.
type Numbering struct {
	Prefix string
	Width  int
}

func NewNumbering(prefix string, width int) Numbering {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if width <= 0 {
		width = DefaultWidth
	}
	return Numbering{Prefix: prefix, Width: width}
}

func (n Numbering) Format(year int, seq int64) string {
	return fmt.Sprintf("%s-%04d-%0*d", n.Prefix, year, n.Width, seq)
}

// YearPrefix is the common prefix of every number issued in year, usable
// in a LIKE pattern.
func (n Numbering) YearPrefix(year int) string {
	return fmt.Sprintf("%s-%04d-", n.Prefix, year)
}

// Parse splits a receipt number into its year and sequence. Sequences wider
// than Width are accepted so numbering keeps working past the padding.
func (n Numbering) Parse(number string) (year int, seq int64, err error) {
	rest, ok := strings.CutPrefix(number, n.Prefix+"-")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedNumber, number)
	}
	y, s, ok := strings.Cut(rest, "-")
	if !ok || len(y) != 4 || len(s) < n.Width {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedNumber, number)
	}
	year, err = strconv.Atoi(y)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedNumber, number)
	}
	seq, err = strconv.ParseInt(s, 10, 64)
	if err != nil || seq <= 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrMalformedNumber, number)
	}
	return year, seq, nil
}
