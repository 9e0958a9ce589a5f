package fitsout

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/astrogo/fitsio"
)

var errNoCard = errors.New("card not found")

// FormatCard renders c as an 80 character header record.  Strings are
// quoted and left justified, other values right justified to column 30.  A
// comment that does not fit is shortened; use CheckCard to reject values
// that do not fit.
func FormatCard(c fitsio.Card) string {
	name := strings.ToUpper(c.Name)
	if name == "COMMENT" || name == "HISTORY" || name == "" {
		return pad(fmt.Sprintf("%-8s%v", name, c.Comment))
	}
	s := keyValue(c)
	if c.Comment != "" && len(s)+len(" / ") < cardSize {
		s += " / " + c.Comment
	}
	return pad(s)
}

// CheckCard returns an error if the keyword and value of c do not fit in
// one header record
func CheckCard(c fitsio.Card) error {
	if len(c.Name) > 8 {
		return fmt.Errorf("keyword %q is longer than 8 characters", c.Name)
	}
	if n := len(keyValue(c)); n > cardSize {
		return fmt.Errorf("%s: value needs %d characters, a card holds %d", strings.ToUpper(c.Name), n, cardSize)
	}
	return nil
}

// keyValue renders the keyword and value of c without padding or comment
func keyValue(c fitsio.Card) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%-8s= ", strings.ToUpper(c.Name))
	switch v := c.Value.(type) {
	case string:
		q := "'" + strings.ReplaceAll(v, "'", "''")
		for len(q) < 9 {
			q += " "
		}
		fmt.Fprintf(&b, "%-20s", q+"'")
	case bool:
		t := "F"
		if v {
			t = "T"
		}
		fmt.Fprintf(&b, "%20s", t)
	case int:
		fmt.Fprintf(&b, "%20d", v)
	case int64:
		fmt.Fprintf(&b, "%20d", v)
	case int32:
		fmt.Fprintf(&b, "%20d", v)
	case uint32:
		fmt.Fprintf(&b, "%20d", v)
	case float64:
		fmt.Fprintf(&b, "%20s", formatFloat(v))
	case float32:
		fmt.Fprintf(&b, "%20s", formatFloat(float64(v)))
	case nil:
		b.WriteString(strings.Repeat(" ", 20))
	default:
		fmt.Fprintf(&b, "%20v", v)
	}
	return b.String()
}

func formatFloat(v float64) string {
	s := strconv.FormatFloat(v, 'G', 15, 64)
	if !strings.ContainsAny(s, ".EN") {
		s += "."
	}
	return s
}

func pad(s string) string {
	if len(s) > cardSize {
		return s[:cardSize]
	}
	return s + strings.Repeat(" ", cardSize-len(s))
}

// encodeHeader renders cards, END, and the blank fill to a block boundary
func encodeHeader(cards []fitsio.Card) []byte {
	var buf bytes.Buffer
	for _, c := range cards {
		buf.WriteString(FormatCard(c))
	}
	buf.WriteString(pad("END"))
	buf.Write(bytes.Repeat([]byte{' '}, int(padding(int64(buf.Len())))))
	return buf.Bytes()
}

// headerEnd returns the offset just past the blocks holding the header
// that starts at off
func headerEnd(r io.ReaderAt, off int64) (int64, error) {
	card := make([]byte, cardSize)
	for pos := off; ; pos += cardSize {
		if _, err := r.ReadAt(card, pos); err != nil {
			return 0, err
		}
		if string(card[:8]) == "END     " {
			end := pos + cardSize
			return end + padding(end-off), nil
		}
	}
}

// findCard returns the offset of the card named key in the header at off
func findCard(r io.ReaderAt, off int64, key string) (int64, error) {
	want := fmt.Sprintf("%-8s", strings.ToUpper(key))
	card := make([]byte, cardSize)
	for pos := off; ; pos += cardSize {
		if _, err := r.ReadAt(card, pos); err != nil {
			return 0, fmt.Errorf("%s: %w", key, err)
		}
		switch string(card[:8]) {
		case want:
			return pos, nil
		case "END     ":
			return 0, fmt.Errorf("%s: %w", key, errNoCard)
		}
	}
}

type readerWriterAt interface {
	io.ReaderAt
	io.WriterAt
}

// patchCard overwrites the card named old in the header at off with c
func patchCard(f readerWriterAt, off int64, old string, c fitsio.Card) error {
	pos, err := findCard(f, off, old)
	if err != nil {
		return err
	}
	_, err = f.WriteAt([]byte(FormatCard(c)), pos)
	return err
}

// ReadHeaderFile parses user header cards, one "KEY = value / comment" per
// line.  Blank lines, lines starting with # and lines without "=" are skipped.
func ReadHeaderFile(path string) ([]fitsio.Card, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fail(CodeHeaderFile, "header file", err)
	}
	defer f.Close()
	cards, err := ParseCards(f)
	if err != nil {
		return nil, fail(CodeHeaderFile, "header file "+path, err)
	}
	return cards, nil
}

// ParseCards is ReadHeaderFile for any reader
func ParseCards(r io.Reader) ([]fitsio.Card, error) {
	var cards []fitsio.Card
	sc := bufio.NewScanner(r)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		eq := strings.Index(text, "=")
		if eq < 0 {
			continue
		}
		key := strings.ToUpper(strings.TrimSpace(text[:eq]))
		if key == "" || len(key) > 8 {
			return nil, fmt.Errorf("line %d: invalid keyword %q", line, key)
		}
		val, comment, err := splitValue(strings.TrimSpace(text[eq+1:]))
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		c := fitsio.Card{Name: key, Value: val, Comment: comment}
		if err := CheckCard(c); err != nil {
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		cards = append(cards, c)
	}
	return cards, sc.Err()
}

// splitValue separates a card value from its comment and types it
func splitValue(s string) (interface{}, string, error) {
	if strings.HasPrefix(s, "'") {
		var b strings.Builder
		i := 1
		for ; i < len(s); i++ {
			if s[i] == '\'' {
				if i+1 < len(s) && s[i+1] == '\'' {
					b.WriteByte('\'')
					i++
					continue
				}
				break
			}
			b.WriteByte(s[i])
		}
		if i >= len(s) {
			return nil, "", errors.New("unterminated string")
		}
		return strings.TrimRight(b.String(), " "), comment(s[i+1:]), nil
	}
	raw, com := s, ""
	if i := strings.Index(s, "/"); i >= 0 {
		raw, com = strings.TrimSpace(s[:i]), comment(s[i:])
	}
	switch raw {
	case "T":
		return true, com, nil
	case "F":
		return false, com, nil
	}
	if i, err := strconv.Atoi(raw); err == nil {
		return i, com, nil
	}
	if f, err := strconv.ParseFloat(strings.Replace(raw, "D", "E", 1), 64); err == nil {
		return f, com, nil
	}
	return raw, com, nil
}

func comment(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "/")
	return strings.TrimSpace(s)
}
