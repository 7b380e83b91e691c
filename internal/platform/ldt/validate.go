package ldt

import (
	"errors"
	"fmt"
)

// Record types and the field that bracket a message.
const (
	HeaderRecordType = "8220"
	FooterRecordType = "8221"
	ReportRecordType = "8201"
	SequenceFieldID  = "9300"
)

// StructuralCode names the reason a message was hard-rejected.
type StructuralCode string

const (
	StructNoRecords          StructuralCode = "no_records"
	StructHeaderMissing      StructuralCode = "header_missing"
	StructFooterMissing      StructuralCode = "footer_missing"
	StructSequenceMismatch   StructuralCode = "sequence_mismatch"
	StructUnbracketed        StructuralCode = "unbracketed_record"
	StructDecodeFailureLimit StructuralCode = "decode_failure_limit"
)

// StructuralError rejects a whole message. A message with a structural error
// is quarantined and never partially applied.
type StructuralError struct {
	Code   StructuralCode
	Line   int
	Detail string
}

func (e *StructuralError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("ldt: %s at line %d: %s", e.Code, e.Line, e.Detail)
	}
	return fmt.Sprintf("ldt: %s: %s", e.Code, e.Detail)
}

// Policy tunes how tolerant validation is.
type Policy struct {
	// MaxDecodeFailureRatio is the largest share of lines that may fail to
	// decode before the message is rejected. 1.0 never rejects on decode
	// failures alone.
	MaxDecodeFailureRatio float64
}

func DefaultPolicy() Policy {
	return Policy{MaxDecodeFailureRatio: 1.0}
}

// Validation is the outcome of decoding and checking a message.
type Validation struct {
	Records     []Record     `json:"records"`
	Diagnostics []Diagnostic `json:"diagnostics,omitempty"`
	Sequence    string       `json:"sequence,omitempty"`
	Lines       int          `json:"lines"`
}

// Validate decodes every line and checks the message structure.
//
// Lines that fail to decode are dropped with a diagnostic. The Validation is
// returned even when the message is rejected so its diagnostics can be kept
// alongside the quarantine entry; the error is then a *StructuralError.
func Validate(lines []Line, policy Policy) (*Validation, error) {
	v := &Validation{Lines: len(lines)}
	for _, l := range lines {
		rec, err := Decode(l.Text, l.Number)
		if err != nil {
			var re *RecordError
			if errors.As(err, &re) {
				v.Diagnostics = append(v.Diagnostics, re.Diagnostic())
			}
			continue
		}
		v.Records = append(v.Records, rec)
	}

	if len(v.Records) == 0 {
		return v, &StructuralError{Code: StructNoRecords, Detail: fmt.Sprintf("none of %d lines decoded", len(lines))}
	}
	failed := len(lines) - len(v.Records)
	if failed > 0 && float64(failed)/float64(len(lines)) > policy.MaxDecodeFailureRatio {
		return v, &StructuralError{
			Code:   StructDecodeFailureLimit,
			Detail: fmt.Sprintf("%d of %d lines failed to decode", failed, len(lines)),
		}
	}

	seq, err := checkBrackets(v.Records)
	if err != nil {
		return v, err
	}
	v.Sequence = seq
	return v, nil
}

// checkBrackets requires a leading header section and a trailing footer
// section carrying the same transmission sequence, with neither record type
// appearing in the body.
func checkBrackets(recs []Record) (string, error) {
	h := 0
	for h < len(recs) && recs[h].RecordType == HeaderRecordType {
		h++
	}
	if h == 0 {
		return "", &StructuralError{
			Code:   StructHeaderMissing,
			Line:   recs[0].Line,
			Detail: fmt.Sprintf("first record has type %s", recs[0].RecordType),
		}
	}

	f := len(recs)
	for f > h && recs[f-1].RecordType == FooterRecordType {
		f--
	}
	if f == len(recs) {
		return "", &StructuralError{
			Code:   StructFooterMissing,
			Line:   recs[len(recs)-1].Line,
			Detail: fmt.Sprintf("last record has type %s", recs[len(recs)-1].RecordType),
		}
	}

	for _, r := range recs[h:f] {
		if r.RecordType == HeaderRecordType || r.RecordType == FooterRecordType {
			return "", &StructuralError{
				Code:   StructUnbracketed,
				Line:   r.Line,
				Detail: fmt.Sprintf("record type %s inside the message body", r.RecordType),
			}
		}
	}

	headerSeq, ok := sequenceOf(recs[:h])
	if !ok {
		return "", &StructuralError{Code: StructHeaderMissing, Line: recs[0].Line, Detail: "header carries no transmission sequence"}
	}
	footerSeq, ok := sequenceOf(recs[f:])
	if !ok {
		return "", &StructuralError{Code: StructFooterMissing, Line: recs[f].Line, Detail: "footer carries no transmission sequence"}
	}
	if headerSeq != footerSeq {
		return "", &StructuralError{
			Code:   StructSequenceMismatch,
			Line:   recs[f].Line,
			Detail: "footer sequence differs from header sequence",
		}
	}
	return headerSeq, nil
}

func sequenceOf(section []Record) (string, bool) {
	for _, r := range section {
		if r.FieldID == SequenceFieldID {
			return r.Content, true
		}
	}
	return "", false
}
