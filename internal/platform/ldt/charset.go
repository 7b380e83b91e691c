package ldt

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// DefaultCharset is used for payloads that are not valid UTF-8.
const DefaultCharset = "iso-8859-15"

// ErrUnknownCharset is returned for charset names that are not supported.
var ErrUnknownCharset = errors.New("ldt: unknown charset")

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// LookupCharset resolves a charset name to an encoding. Names are matched
// case-insensitively and without separators, so "ISO-8859-15", "iso8859_15"
// and "latin9" are the same.
func LookupCharset(name string) (encoding.Encoding, error) {
	key := strings.NewReplacer("-", "", "_", "", " ", "").Replace(strings.ToLower(strings.TrimSpace(name)))
	switch key {
	case "", "iso885915", "latin9":
		return charmap.ISO8859_15, nil
	case "iso88591", "latin1":
		return charmap.ISO8859_1, nil
	case "cp437", "ibm437", "codepage437":
		return charmap.CodePage437, nil
	case "utf8":
		return unicode.UTF8, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCharset, name)
	}
}

// DecodeText converts raw bytes into text. Valid UTF-8 (with or without a
// byte order mark) is taken as is; anything else is decoded with charset.
func DecodeText(raw []byte, charset string) (string, error) {
	raw = bytes.TrimPrefix(raw, utf8BOM)
	if utf8.Valid(raw) {
		return string(raw), nil
	}
	enc, err := LookupCharset(charset)
	if err != nil {
		return "", err
	}
	out, _, err := transform.Bytes(enc.NewDecoder(), raw)
	if err != nil {
		return "", fmt.Errorf("ldt: decode %s: %w", charset, err)
	}
	return string(out), nil
}

// EncodeString converts text into bytes of the given charset. Characters the
// charset cannot represent are an error; nothing is substituted.
func EncodeString(text, charset string) ([]byte, error) {
	enc, err := LookupCharset(charset)
	if err != nil {
		return nil, err
	}
	out, _, err := transform.Bytes(enc.NewEncoder(), []byte(text))
	if err != nil {
		return nil, fmt.Errorf("ldt: encode %s: %w", charset, err)
	}
	return out, nil
}
