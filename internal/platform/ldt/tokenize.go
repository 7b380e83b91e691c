package ldt

// Line is one logical line of a payload with its 1-based position.
type Line struct {
	Number int
	Text   string
}

// Tokenize decodes raw bytes with the given fallback charset and splits them
// into numbered lines. The returned Canonical is the fingerprint input.
func Tokenize(raw []byte, charset string) ([]Line, Canonical, error) {
	text, err := DecodeText(raw, charset)
	if err != nil {
		return nil, Canonical{}, err
	}
	canon := Detect(text)

	lines := make([]Line, len(canon.Lines))
	for i, l := range canon.Lines {
		lines[i] = Line{Number: i + 1, Text: l}
	}
	return lines, canon, nil
}
