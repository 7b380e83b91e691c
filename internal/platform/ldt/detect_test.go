package ldt

import (
	"bytes"
	"encoding/xml"
	"errors"
	"reflect"
	"strings"
	"testing"
)

func wrap(lines []string) string {
	var b bytes.Buffer
	b.WriteString(`<?xml version="1.0" encoding="ISO-8859-15"?>` + "\n<ldt>\n  <satz>\n")
	for _, l := range lines {
		b.WriteString("    <z>")
		_ = xml.EscapeText(&b, []byte(l))
		b.WriteString("</z>\n")
	}
	b.WriteString("  </satz>\n</ldt>\n")
	return b.String()
}

// =========== Detector Tests ===========

func TestDetect_LineEndings(t *testing.T) {
	text := "0118220930011\r\n\r\n   \n0118201310Ax\r0118221930011\n"
	canon := Detect(text)
	if canon.Format != FormatLines {
		t.Errorf("expected lines format, got %q", canon.Format)
	}
	want := []string{"0118220930011", "0118201310Ax", "0118221930011"}
	if !reflect.DeepEqual(canon.Lines, want) {
		t.Errorf("expected %q, got %q", want, canon.Lines)
	}
}

func TestDetect_Empty(t *testing.T) {
	if lines := Detect("").Lines; len(lines) != 0 {
		t.Errorf("expected zero lines, got %q", lines)
	}
	if lines := Detect("\r\n \n").Lines; len(lines) != 0 {
		t.Errorf("expected zero lines, got %q", lines)
	}
}

func TestDetect_Wrapped(t *testing.T) {
	canon := Detect(wrap(sampleLines()))
	if canon.Format != FormatWrapped {
		t.Fatalf("expected wrapped format, got %q", canon.Format)
	}
	if !reflect.DeepEqual(canon.Lines, sampleLines()) {
		t.Errorf("expected leaf text as lines, got %q", canon.Lines)
	}
}

func TestDetect_WrappedAndPlainShareCanonicalText(t *testing.T) {
	plain := Detect(sampleMessage())
	wrapped := Detect("\ufeff  " + wrap(sampleLines()))
	if plain.Text() != wrapped.Text() {
		t.Error("expected wrapped and line-based payloads to share canonical text")
	}
}

func TestDetect_MalformedWrappingFallsBack(t *testing.T) {
	text := "<ldt><z>0118220930011</z>\n<z>0118201310Ax"
	canon := Detect(text)
	if canon.Format != FormatLines {
		t.Errorf("expected fallback to lines, got %q", canon.Format)
	}
	if len(canon.Lines) != 2 {
		t.Errorf("expected 2 raw lines, got %d", len(canon.Lines))
	}

	_, err := Validate(numbered(canon.Lines), DefaultPolicy())
	var se *StructuralError
	if !errors.As(err, &se) || se.Code != StructNoRecords {
		t.Errorf("expected no_records for unparseable wrapping, got %v", err)
	}
}

// =========== Charset Tests ===========

func TestDecodeText_UTF8Kept(t *testing.T) {
	text, err := DecodeText([]byte("\xef\xbb\xbfMüller"), "iso-8859-15")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "Müller" {
		t.Errorf("expected 'Müller' without BOM, got %q", text)
	}
}

func TestDecodeText_Legacy(t *testing.T) {
	tests := []struct {
		charset string
		raw     []byte
		want    string
	}{
		{"iso-8859-15", []byte{'M', 0xF6, 0xDF}, "Möß"},
		{"ISO-8859-15", []byte{0xA4}, "€"},
		{"latin1", []byte{0xA4}, "¤"},
		{"cp437", []byte{0x81}, "ü"},
		{"", []byte{0xA4}, "€"},
	}
	for _, tt := range tests {
		t.Run(tt.charset, func(t *testing.T) {
			got, err := DecodeText(tt.raw, tt.charset)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestDecodeText_UnknownCharset(t *testing.T) {
	_, err := DecodeText([]byte{0xFF}, "ebcdic")
	if !errors.Is(err, ErrUnknownCharset) {
		t.Errorf("expected ErrUnknownCharset, got %v", err)
	}
}

func TestTokenize_LegacyLengthsInCharacters(t *testing.T) {
	raw := []byte("01482013101M\xf6\xdf")
	lines, canon, err := Tokenize(raw, "iso-8859-15")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(lines) != 1 || lines[0].Number != 1 {
		t.Fatalf("unexpected lines: %+v", lines)
	}
	if !strings.HasSuffix(canon.Text(), "Möß") {
		t.Errorf("expected decoded text, got %q", canon.Text())
	}
	rec, err := Decode(lines[0].Text, lines[0].Number)
	if err != nil {
		t.Fatalf("unexpected decode error: %v", err)
	}
	if rec.Content != "Möß" {
		t.Errorf("expected content 'Möß', got %q", rec.Content)
	}
}
