package ldt

// Result is the structured form of one lab message. It is the value handed
// to the applier and the projection surface for rendering.
//
// Practice and physician identifiers are kept exactly as carried; leading
// zeros are significant.
type Result struct {
	Sequence    string       `json:"sequence,omitempty"`
	Version     string       `json:"version,omitempty"`
	Charset     string       `json:"charset,omitempty"`
	PracticeID  string       `json:"practiceId,omitempty"`
	PhysicianID string       `json:"physicianId,omitempty"`
	Patient     Patient      `json:"patient"`
	Lab         Lab          `json:"lab"`
	Parameters  []Parameter  `json:"parameters,omitempty"`
	Annotations []Annotation `json:"annotations,omitempty"`
}

// Patient holds the identity carried by the message.
type Patient struct {
	PatientID  string  `json:"patientId,omitempty"`
	FamilyName string  `json:"familyName,omitempty"`
	GivenName  string  `json:"givenName,omitempty"`
	BirthDate  string  `json:"birthDate,omitempty"`
	Sex        string  `json:"sex,omitempty"`
	Address    Address `json:"address"`
}

// HasIdentity reports whether the patient carries enough to be matched.
func (p Patient) HasIdentity() bool {
	if p.PatientID != "" {
		return true
	}
	return p.FamilyName != "" && p.BirthDate != ""
}

type Address struct {
	Street     string `json:"street,omitempty"`
	PostalCode string `json:"postalCode,omitempty"`
	City       string `json:"city,omitempty"`
}

// Lab describes the sending laboratory and the report request.
type Lab struct {
	Name           string  `json:"name,omitempty"`
	Address        Address `json:"address"`
	RequestID      string  `json:"requestId,omitempty"`
	CollectionDate string  `json:"collectionDate,omitempty"`
	ReportDate     string  `json:"reportDate,omitempty"`
	ReportStatus   string  `json:"reportStatus,omitempty"`
}

// Parameter is one observation. Order and duplicates are preserved.
type Parameter struct {
	Code           string `json:"code"`
	Name           string `json:"name,omitempty"`
	Value          string `json:"value,omitempty"`
	Unit           string `json:"unit,omitempty"`
	ReferenceRange string `json:"referenceRange,omitempty"`
	Note           string `json:"note,omitempty"`
}

// Annotation preserves a record the extractor does not interpret. Key is the
// table's annotation key, or "<RecordType>/<FieldID>" for unknown records.
type Annotation struct {
	Key        string `json:"key"`
	RecordType string `json:"recordType"`
	FieldID    string `json:"fieldId"`
	Value      string `json:"value"`
}

// Diagnostic codes produced while decoding and extracting.
const (
	DiagTooShort             = string(ErrTooShort)
	DiagMalformed            = string(ErrMalformed)
	DiagConflict             = "conflict"
	DiagOrphanParameterField = "orphan_parameter_field"
)

// Diagnostic is a non-fatal finding. It carries positions, field names and
// reason codes only; never the field content.
type Diagnostic struct {
	Line    int    `json:"line,omitempty"`
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message,omitempty"`
}
