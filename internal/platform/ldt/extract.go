package ldt

// Extract folds records into a Result using the default table.
func Extract(records []Record) (*Result, []Diagnostic) {
	return DefaultTable().Extract(records)
}

// Extract folds records into a Result. It is deterministic: the same records
// always give the same Result and diagnostics.
//
// Unknown keys become annotations. A scalar seen twice with different values
// keeps the first and reports a conflict. Parameter fields that arrive before
// any parameter has been opened are kept as annotations.
func (t *Table) Extract(records []Record) (*Result, []Diagnostic) {
	res := &Result{}
	var diags []Diagnostic
	open := -1

	for _, rec := range records {
		field, ok := t.Lookup(rec)
		if !ok {
			res.Annotations = append(res.Annotations, unknownAnnotation(rec))
			continue
		}

		switch field.Kind {
		case KindControl, KindScalar:
			target, ok := resultTargets[field.Attribute]
			if !ok {
				// footer sequence: already compared by the validator
				continue
			}
			diags = assign(target(res), rec.Content, rec, diags)

		case KindFlag:
			if target, ok := resultTargets[field.Attribute]; ok {
				diags = assign(target(res), rec.FieldID, rec, diags)
			}

		case KindParameter:
			res.Parameters = append(res.Parameters, Parameter{Code: rec.Content})
			open = len(res.Parameters) - 1

		case KindParameterField:
			if open < 0 {
				res.Annotations = append(res.Annotations, unknownAnnotation(rec))
				diags = append(diags, Diagnostic{
					Line:    rec.Line,
					Code:    DiagOrphanParameterField,
					Field:   rec.RecordType + "/" + rec.FieldID,
					Message: "parameter field before any parameter",
				})
				continue
			}
			target := parameterTargets[field.Attribute]
			diags = assign(target(&res.Parameters[open]), rec.Content, rec, diags)

		case KindAnnotation:
			res.Annotations = append(res.Annotations, Annotation{
				Key:        string(field.Attribute),
				RecordType: rec.RecordType,
				FieldID:    rec.FieldID,
				Value:      rec.Content,
			})
		}
	}
	return res, diags
}

// assign implements first-write-wins. An empty slot counts as unset.
func assign(slot *string, value string, rec Record, diags []Diagnostic) []Diagnostic {
	switch {
	case *slot == "":
		*slot = value
	case *slot != value:
		diags = append(diags, Diagnostic{
			Line:    rec.Line,
			Code:    DiagConflict,
			Field:   rec.RecordType + "/" + rec.FieldID,
			Message: "repeated with a different value; first value kept",
		})
	}
	return diags
}

func unknownAnnotation(rec Record) Annotation {
	return Annotation{
		Key:        rec.RecordType + "/" + rec.FieldID,
		RecordType: rec.RecordType,
		FieldID:    rec.FieldID,
		Value:      rec.Content,
	}
}
