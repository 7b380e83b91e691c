package quarantine

import (
	"encoding/json"
	"fmt"

	"github.com/ehr/ldtgate/internal/domain/matching"
	"github.com/ehr/ldtgate/internal/platform/ldt"
)

// Column encodings shared by the SQL stores.

func marshalList(v interface{}) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	if string(b) == "null" {
		return "[]", nil
	}
	return string(b), nil
}

func marshalResolution(r *Resolution) (*string, error) {
	if r == nil {
		return nil, nil
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}

type encodedColumns struct {
	diagnostics string
	candidates  string
	resolution  *string
}

func encodeColumns(e *Entry) (encodedColumns, error) {
	var c encodedColumns
	var err error
	if c.diagnostics, err = marshalList(e.Diagnostics); err != nil {
		return c, fmt.Errorf("encode diagnostics: %w", err)
	}
	if c.candidates, err = marshalList(e.Candidates); err != nil {
		return c, fmt.Errorf("encode candidates: %w", err)
	}
	if c.resolution, err = marshalResolution(e.Resolution); err != nil {
		return c, fmt.Errorf("encode resolution: %w", err)
	}
	return c, nil
}

func decodeColumns(e *Entry, diagnostics, candidates, resolution []byte) error {
	if len(diagnostics) > 0 {
		var d []ldt.Diagnostic
		if err := json.Unmarshal(diagnostics, &d); err != nil {
			return fmt.Errorf("decode diagnostics: %w", err)
		}
		e.Diagnostics = d
	}
	if len(candidates) > 0 {
		var c []matching.Scored
		if err := json.Unmarshal(candidates, &c); err != nil {
			return fmt.Errorf("decode candidates: %w", err)
		}
		e.Candidates = c
	}
	if len(resolution) > 0 {
		var r Resolution
		if err := json.Unmarshal(resolution, &r); err != nil {
			return fmt.Errorf("decode resolution: %w", err)
		}
		e.Resolution = &r
	}
	return nil
}
