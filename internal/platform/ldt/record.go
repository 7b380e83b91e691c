package ldt

import (
	"fmt"
	"regexp"
	"strconv"
)

const (
	// minLineLength is the shortest line that can carry a record (short form).
	minLineLength = 8

	// longFormLength is the length at which a line switches to the long form
	// with a 4-character field id and content.
	longFormLength = 11

	// maxLineLength is the largest length a 3-digit prefix can declare.
	maxLineLength = 999
)

// ErrorKind classifies why a single line could not be decoded.
type ErrorKind string

const (
	ErrTooShort  ErrorKind = "too_short"
	ErrMalformed ErrorKind = "malformed"
)

// Names of the positional fields, used in RecordError.Field.
const (
	FieldDeclaredLength = "declaredLength"
	FieldRecordType     = "recordType"
	FieldFieldID        = "fieldId"
)

var (
	lengthPattern     = regexp.MustCompile(`^[0-9]{3}$`)
	recordTypePattern = regexp.MustCompile(`^[0-9]{4}$`)
	shortFieldPattern = regexp.MustCompile(`^[A-Za-z0-9]$`)
	longFieldPattern  = regexp.MustCompile(`^[A-Za-z0-9*]{4}$`)
)

// Record is one decoded line.
//
// Short-form records (8 to 10 characters) carry a 1-character field id and no
// content. Long-form records (11 characters or more) carry a 4-character field
// id followed by the content. The variant is implied by the line length.
type Record struct {
	Line           int    `json:"line"`
	DeclaredLength int    `json:"declaredLength"`
	RecordType     string `json:"recordType"`
	FieldID        string `json:"fieldId"`
	Content        string `json:"content,omitempty"`
}

// ShortForm reports whether the record was decoded from a short-form line.
func (r Record) ShortForm() bool {
	return len(r.FieldID) == 1
}

// RecordError describes a line that could not be decoded. It never aborts the
// message: the validator keeps it as a diagnostic and moves on.
type RecordError struct {
	Line   int
	Kind   ErrorKind
	Field  string // failing positional field; empty for ErrTooShort
	Reason string
}

func (e *RecordError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("ldt: line %d: %s: %s", e.Line, e.Kind, e.Reason)
	}
	return fmt.Sprintf("ldt: line %d: %s %s: %s", e.Line, e.Kind, e.Field, e.Reason)
}

// Diagnostic converts the error into a message-level diagnostic.
func (e *RecordError) Diagnostic() Diagnostic {
	return Diagnostic{
		Line:    e.Line,
		Code:    string(e.Kind),
		Field:   e.Field,
		Message: e.Reason,
	}
}

// Decode parses one line into a Record. number is the 1-based position of the
// line in the canonical stream and is only used for diagnostics.
//
// Lengths are counted in characters, not bytes, so content decoded from a
// legacy 8-bit charset keeps its declared length.
func Decode(line string, number int) (Record, error) {
	chars := []rune(line)
	n := len(chars)

	if n < minLineLength {
		return Record{}, &RecordError{
			Line:   number,
			Kind:   ErrTooShort,
			Reason: fmt.Sprintf("line has %d characters, at least %d required", n, minLineLength),
		}
	}

	rec := Record{
		Line:       number,
		RecordType: string(chars[3:7]),
	}
	lengthText := string(chars[0:3])

	fieldPattern := longFieldPattern
	if n < longFormLength {
		rec.FieldID = string(chars[7:8])
		fieldPattern = shortFieldPattern
	} else {
		rec.FieldID = string(chars[7:11])
		rec.Content = string(chars[11:])
	}

	if !lengthPattern.MatchString(lengthText) {
		return Record{}, malformed(number, FieldDeclaredLength, fmt.Sprintf("%q is not a 3-digit length", lengthText))
	}
	declared, _ := strconv.Atoi(lengthText)
	if declared != n {
		return Record{}, malformed(number, FieldDeclaredLength, fmt.Sprintf("declares %d characters, line has %d", declared, n))
	}
	if !recordTypePattern.MatchString(rec.RecordType) {
		return Record{}, malformed(number, FieldRecordType, fmt.Sprintf("%q is not a 4-digit record type", rec.RecordType))
	}
	if !fieldPattern.MatchString(rec.FieldID) {
		return Record{}, malformed(number, FieldFieldID, fmt.Sprintf("%q is not a valid field id", rec.FieldID))
	}

	rec.DeclaredLength = declared
	return rec, nil
}

func malformed(line int, field, reason string) *RecordError {
	return &RecordError{Line: line, Kind: ErrMalformed, Field: field, Reason: reason}
}
