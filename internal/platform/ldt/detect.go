package ldt

import (
	"encoding/xml"
	"io"
	"strings"
)

// Format identifies the framing a payload arrived in.
type Format string

const (
	FormatLines   Format = "lines"
	FormatWrapped Format = "wrapped"
)

// Canonical is a payload reduced to its logical lines.
type Canonical struct {
	Format Format
	Lines  []string
}

// Text joins the lines with "\n". Wrapped and line-based encodings of the same
// records produce the same text.
func (c Canonical) Text() string {
	return strings.Join(c.Lines, "\n")
}

// Detect splits a decoded payload into logical lines.
//
// A payload that starts with "<" after any byte order mark and whitespace is
// treated as wrapped: the character data of every leaf element is one line.
// If the wrapping does not parse, the payload is split as plain lines so the
// validator can report what it finds. An empty payload yields zero lines.
func Detect(text string) Canonical {
	text = strings.TrimPrefix(text, "\ufeff")
	if trimmed := strings.TrimLeft(text, " \t\r\n"); strings.HasPrefix(trimmed, "<") {
		if lines, ok := unwrap(trimmed); ok {
			return Canonical{Format: FormatWrapped, Lines: lines}
		}
	}
	return Canonical{Format: FormatLines, Lines: splitLines(text)}
}

func splitLines(text string) []string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")

	var lines []string
	for _, line := range strings.Split(text, "\n") {
		if strings.TrimSpace(line) == "" {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

type element struct {
	text     strings.Builder
	hasChild bool
}

// unwrap walks the element tree and collects leaf character data in
// document order. The payload has already been decoded, so any encoding
// declared in the prolog is ignored.
func unwrap(text string) ([]string, bool) {
	dec := xml.NewDecoder(strings.NewReader(text))
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}

	var (
		stack []*element
		lines []string
		seen  bool
	)
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, false
		}
		switch t := tok.(type) {
		case xml.StartElement:
			if len(stack) > 0 {
				stack[len(stack)-1].hasChild = true
			}
			stack = append(stack, &element{})
			seen = true
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		case xml.EndElement:
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if top.hasChild {
				continue
			}
			line := strings.TrimRight(strings.TrimLeft(top.text.String(), " \t\r\n"), "\r\n\t")
			if line != "" {
				lines = append(lines, line)
			}
		}
	}
	if !seen || len(stack) != 0 {
		return nil, false
	}
	return lines, true
}
