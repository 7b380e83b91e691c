package ldt

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Kind tags how a table entry is interpreted.
type Kind string

const (
	KindScalar         Kind = "scalar"
	KindControl        Kind = "control"
	KindParameter      Kind = "parameter"
	KindParameterField Kind = "parameterField"
	KindAnnotation     Kind = "annotation"
	KindFlag           Kind = "flag"
)

// Attribute names the part of the Result a table entry feeds. For annotation
// entries it is the annotation key.
type Attribute string

const (
	AttrSequence       Attribute = "sequence"
	AttrFooterSequence Attribute = "footerSequence"
	AttrVersion        Attribute = "version"
	AttrCharset        Attribute = "charset"

	AttrLabName       Attribute = "lab.name"
	AttrLabStreet     Attribute = "lab.address.street"
	AttrLabPostalCode Attribute = "lab.address.postalCode"
	AttrLabCity       Attribute = "lab.address.city"

	AttrPracticeID     Attribute = "practiceId"
	AttrPhysicianID    Attribute = "physicianId"
	AttrRequestID      Attribute = "lab.requestId"
	AttrCollectionDate Attribute = "lab.collectionDate"
	AttrReportDate     Attribute = "lab.reportDate"
	AttrReportStatus   Attribute = "lab.reportStatus"

	AttrPatientID         Attribute = "patient.patientId"
	AttrFamilyName        Attribute = "patient.familyName"
	AttrGivenName         Attribute = "patient.givenName"
	AttrBirthDate         Attribute = "patient.birthDate"
	AttrSex               Attribute = "patient.sex"
	AttrPatientStreet     Attribute = "patient.address.street"
	AttrPatientPostalCode Attribute = "patient.address.postalCode"
	AttrPatientCity       Attribute = "patient.address.city"

	AttrParameterCode  Attribute = "parameter.code"
	AttrParameterName  Attribute = "parameter.name"
	AttrParameterValue Attribute = "parameter.value"
	AttrParameterUnit  Attribute = "parameter.unit"
	AttrParameterRange Attribute = "parameter.referenceRange"
	AttrParameterNote  Attribute = "parameter.note"

	AttrImagePath     Attribute = "image_path"
	AttrImageLocation Attribute = "image_location"
)

// Field is one table entry. Flags are keyed by record type alone: a
// short-form record of that type carries its value in the field id.
type Field struct {
	RecordType string    `yaml:"record_type"`
	FieldID    string    `yaml:"field_id"`
	Kind       Kind      `yaml:"kind"`
	Attribute  Attribute `yaml:"attribute"`
}

var resultTargets = map[Attribute]func(*Result) *string{
	AttrSequence:          func(r *Result) *string { return &r.Sequence },
	AttrVersion:           func(r *Result) *string { return &r.Version },
	AttrCharset:           func(r *Result) *string { return &r.Charset },
	AttrLabName:           func(r *Result) *string { return &r.Lab.Name },
	AttrLabStreet:         func(r *Result) *string { return &r.Lab.Address.Street },
	AttrLabPostalCode:     func(r *Result) *string { return &r.Lab.Address.PostalCode },
	AttrLabCity:           func(r *Result) *string { return &r.Lab.Address.City },
	AttrPracticeID:        func(r *Result) *string { return &r.PracticeID },
	AttrPhysicianID:       func(r *Result) *string { return &r.PhysicianID },
	AttrRequestID:         func(r *Result) *string { return &r.Lab.RequestID },
	AttrCollectionDate:    func(r *Result) *string { return &r.Lab.CollectionDate },
	AttrReportDate:        func(r *Result) *string { return &r.Lab.ReportDate },
	AttrReportStatus:      func(r *Result) *string { return &r.Lab.ReportStatus },
	AttrPatientID:         func(r *Result) *string { return &r.Patient.PatientID },
	AttrFamilyName:        func(r *Result) *string { return &r.Patient.FamilyName },
	AttrGivenName:         func(r *Result) *string { return &r.Patient.GivenName },
	AttrBirthDate:         func(r *Result) *string { return &r.Patient.BirthDate },
	AttrSex:               func(r *Result) *string { return &r.Patient.Sex },
	AttrPatientStreet:     func(r *Result) *string { return &r.Patient.Address.Street },
	AttrPatientPostalCode: func(r *Result) *string { return &r.Patient.Address.PostalCode },
	AttrPatientCity:       func(r *Result) *string { return &r.Patient.Address.City },
}

var parameterTargets = map[Attribute]func(*Parameter) *string{
	AttrParameterName:  func(p *Parameter) *string { return &p.Name },
	AttrParameterValue: func(p *Parameter) *string { return &p.Value },
	AttrParameterUnit:  func(p *Parameter) *string { return &p.Unit },
	AttrParameterRange: func(p *Parameter) *string { return &p.ReferenceRange },
	AttrParameterNote:  func(p *Parameter) *string { return &p.Note },
}

var builtinFields = []Field{
	{HeaderRecordType, SequenceFieldID, KindControl, AttrSequence},
	{HeaderRecordType, "9212", KindScalar, AttrVersion},
	{HeaderRecordType, "9106", KindScalar, AttrCharset},
	{HeaderRecordType, "8300", KindScalar, AttrLabName},
	{HeaderRecordType, "8320", KindScalar, AttrLabStreet},
	{HeaderRecordType, "8321", KindScalar, AttrLabPostalCode},
	{HeaderRecordType, "8322", KindScalar, AttrLabCity},

	{ReportRecordType, "0201", KindScalar, AttrPracticeID},
	{ReportRecordType, "0212", KindScalar, AttrPhysicianID},
	{ReportRecordType, "8310", KindScalar, AttrRequestID},
	{ReportRecordType, "8301", KindScalar, AttrCollectionDate},
	{ReportRecordType, "8302", KindScalar, AttrReportDate},
	{ReportRecordType, "3000", KindScalar, AttrPatientID},
	{ReportRecordType, "3101", KindScalar, AttrFamilyName},
	{ReportRecordType, "3102", KindScalar, AttrGivenName},
	{ReportRecordType, "3103", KindScalar, AttrBirthDate},
	{ReportRecordType, "3110", KindScalar, AttrSex},
	{ReportRecordType, "3107", KindScalar, AttrPatientStreet},
	{ReportRecordType, "3112", KindScalar, AttrPatientPostalCode},
	{ReportRecordType, "3113", KindScalar, AttrPatientCity},

	{ReportRecordType, "8410", KindParameter, AttrParameterCode},
	{ReportRecordType, "8411", KindParameterField, AttrParameterName},
	{ReportRecordType, "8420", KindParameterField, AttrParameterValue},
	{ReportRecordType, "8421", KindParameterField, AttrParameterUnit},
	{ReportRecordType, "8460", KindParameterField, AttrParameterRange},
	{ReportRecordType, "8470", KindParameterField, AttrParameterNote},

	{"6305", "*PTH", KindAnnotation, AttrImagePath},
	{"6305", "LOCA", KindAnnotation, AttrImageLocation},

	{"8401", "", KindFlag, AttrReportStatus},

	{FooterRecordType, SequenceFieldID, KindControl, AttrFooterSequence},
}

type fieldKey struct {
	recordType string
	fieldID    string
}

// Table maps (record type, field id) to its interpretation. A Table is
// immutable once built and safe for concurrent use.
type Table struct {
	fields []Field
	byKey  map[fieldKey]Field
	byAttr map[Attribute]Field
}

var defaultTable = mustTable(builtinFields)

// DefaultTable returns the built-in record table.
func DefaultTable() *Table {
	return defaultTable
}

func mustTable(fields []Field) *Table {
	t, err := newTable(fields, true)
	if err != nil {
		panic(err)
	}
	return t
}

func newTable(fields []Field, builtin bool) (*Table, error) {
	t := &Table{
		byKey:  make(map[fieldKey]Field, len(fields)),
		byAttr: make(map[Attribute]Field, len(fields)),
	}
	for _, f := range fields {
		if err := t.add(f, builtin); err != nil {
			return nil, err
		}
	}
	return t, nil
}

func (t *Table) add(f Field, builtin bool) error {
	if !recordTypePattern.MatchString(f.RecordType) {
		return fmt.Errorf("ldt: table entry %s/%s: invalid record type", f.RecordType, f.FieldID)
	}
	if f.Kind == KindFlag {
		if f.FieldID != "" {
			return fmt.Errorf("ldt: table entry %s: flags have no field id", f.RecordType)
		}
	} else if !longFieldPattern.MatchString(f.FieldID) {
		return fmt.Errorf("ldt: table entry %s/%s: invalid field id", f.RecordType, f.FieldID)
	}
	if !builtin && f.Kind != KindAnnotation {
		return fmt.Errorf("ldt: table entry %s/%s: only annotation entries can be added", f.RecordType, f.FieldID)
	}
	if f.Attribute == "" {
		return fmt.Errorf("ldt: table entry %s/%s: attribute is required", f.RecordType, f.FieldID)
	}

	k := fieldKey{f.RecordType, f.FieldID}
	if _, dup := t.byKey[k]; dup {
		return fmt.Errorf("ldt: table entry %s/%s: key already defined", f.RecordType, f.FieldID)
	}
	t.fields = append(t.fields, f)
	t.byKey[k] = f
	if _, ok := t.byAttr[f.Attribute]; !ok {
		t.byAttr[f.Attribute] = f
	}
	return nil
}

// Lookup finds the entry for a decoded record. Short-form records match a
// flag entry for their record type first.
func (t *Table) Lookup(rec Record) (Field, bool) {
	if rec.ShortForm() {
		if f, ok := t.byKey[fieldKey{rec.RecordType, ""}]; ok {
			return f, true
		}
	}
	f, ok := t.byKey[fieldKey{rec.RecordType, rec.FieldID}]
	return f, ok
}

// Fields returns the entries in table order.
func (t *Table) Fields() []Field {
	out := make([]Field, len(t.fields))
	copy(out, t.fields)
	return out
}

// Extend returns a new table with the given annotation entries appended.
// Existing keys cannot be redefined.
func (t *Table) Extend(fields []Field) (*Table, error) {
	out, err := newTable(t.fields, true)
	if err != nil {
		return nil, err
	}
	for _, f := range fields {
		if f.Kind == "" {
			f.Kind = KindAnnotation
		}
		if err := out.add(f, false); err != nil {
			return nil, err
		}
	}
	return out, nil
}

type tableFile struct {
	Fields []Field `yaml:"fields"`
}

// LoadTable reads a YAML extension file and applies it to the default table.
// An empty path returns the default table.
//
//	fields:
//	  - record_type: "6305"
//	    field_id: "DESC"
//	    attribute: image_description
func LoadTable(path string) (*Table, error) {
	if path == "" {
		return DefaultTable(), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("ldt: read field table: %w", err)
	}
	var file tableFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("ldt: parse field table: %w", err)
	}
	return DefaultTable().Extend(file.Fields)
}
