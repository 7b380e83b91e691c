package ldt

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// EncodeError reports a value that cannot be written as a record line.
type EncodeError struct {
	RecordType string
	FieldID    string
	Reason     string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("ldt: encode %s/%s: %s", e.RecordType, e.FieldID, e.Reason)
}

// Encode renders a Result with the default table.
func Encode(r *Result) ([]string, error) {
	return DefaultTable().Encode(r)
}

// Encode renders a Result as record lines in a fixed order: header, body
// scalars and flags, annotations, parameters, footer. Header and footer
// annotations stay inside their sections. Every line gets a freshly computed
// length prefix; empty scalars are omitted.
func (t *Table) Encode(r *Result) ([]string, error) {
	if r == nil {
		return nil, fmt.Errorf("ldt: encode: nil result")
	}
	e := &encoder{}

	e.line(HeaderRecordType, SequenceFieldID, r.Sequence)
	t.scalars(e, r, HeaderRecordType)
	e.annotations(r.Annotations, func(rt string) bool { return rt == HeaderRecordType })

	t.scalars(e, r, "")
	e.annotations(r.Annotations, func(rt string) bool { return rt != HeaderRecordType && rt != FooterRecordType })

	code, hasCode := t.byAttr[AttrParameterCode]
	for _, p := range r.Parameters {
		if !hasCode {
			return nil, fmt.Errorf("ldt: encode: table has no parameter entry")
		}
		e.line(code.RecordType, code.FieldID, p.Code)
		for _, f := range t.fields {
			if f.Kind != KindParameterField {
				continue
			}
			if v := *parameterTargets[f.Attribute](&p); v != "" {
				e.line(f.RecordType, f.FieldID, v)
			}
		}
	}

	e.line(FooterRecordType, SequenceFieldID, r.Sequence)
	e.annotations(r.Annotations, func(rt string) bool { return rt == FooterRecordType })

	if e.err != nil {
		return nil, e.err
	}
	return e.lines, nil
}

// scalars writes the non-empty scalar and flag values whose record type
// matches section. An empty section selects every body record type.
func (t *Table) scalars(e *encoder, r *Result, section string) {
	for _, f := range t.fields {
		if f.Kind != KindScalar && f.Kind != KindFlag {
			continue
		}
		header := f.RecordType == HeaderRecordType || f.RecordType == FooterRecordType
		if section == "" && header || section != "" && f.RecordType != section {
			continue
		}
		v := *resultTargets[f.Attribute](r)
		if v == "" {
			continue
		}
		if f.Kind == KindFlag {
			e.flag(f.RecordType, v)
			continue
		}
		e.line(f.RecordType, f.FieldID, v)
	}
}

type encoder struct {
	lines []string
	err   error
}

func (e *encoder) line(recordType, fieldID, content string) {
	if e.err != nil {
		return
	}
	if !recordTypePattern.MatchString(recordType) {
		e.err = &EncodeError{RecordType: recordType, FieldID: fieldID, Reason: "invalid record type"}
		return
	}
	if !shortFieldPattern.MatchString(fieldID) && !longFieldPattern.MatchString(fieldID) {
		e.err = &EncodeError{RecordType: recordType, FieldID: fieldID, Reason: "invalid field id"}
		return
	}
	if strings.ContainsAny(content, "\r\n") {
		e.err = &EncodeError{RecordType: recordType, FieldID: fieldID, Reason: "content contains a line break"}
		return
	}
	if utf8.RuneCountInString(fieldID) == 1 && content != "" {
		e.err = &EncodeError{RecordType: recordType, FieldID: fieldID, Reason: "short-form field id cannot carry content"}
		return
	}
	body := recordType + fieldID + content
	n := 3 + utf8.RuneCountInString(body)
	if n > maxLineLength {
		e.err = &EncodeError{RecordType: recordType, FieldID: fieldID, Reason: fmt.Sprintf("line would be %d characters, limit is %d", n, maxLineLength)}
		return
	}
	e.lines = append(e.lines, fmt.Sprintf("%03d%s", n, body))
}

func (e *encoder) flag(recordType, value string) {
	if !shortFieldPattern.MatchString(value) {
		if e.err == nil {
			e.err = &EncodeError{RecordType: recordType, Reason: fmt.Sprintf("flag value %q is not a single character", value)}
		}
		return
	}
	e.line(recordType, value, "")
}

func (e *encoder) annotations(anns []Annotation, keep func(recordType string) bool) {
	for _, a := range anns {
		if keep(a.RecordType) {
			e.line(a.RecordType, a.FieldID, a.Value)
		}
	}
}

// EncodeText renders a Result as CRLF-terminated text.
func (t *Table) EncodeText(r *Result) (string, error) {
	lines, err := t.Encode(r)
	if err != nil {
		return "", err
	}
	if len(lines) == 0 {
		return "", nil
	}
	return strings.Join(lines, "\r\n") + "\r\n", nil
}

// EncodeBytes renders a Result as CRLF-terminated text in the given charset.
func (t *Table) EncodeBytes(r *Result, charset string) ([]byte, error) {
	text, err := t.EncodeText(r)
	if err != nil {
		return nil, err
	}
	return EncodeString(text, charset)
}
