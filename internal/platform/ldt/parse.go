package ldt

// Parser runs the decode side of the codec: charset decoding, framing
// detection, per-line decoding, validation and extraction.
type Parser struct {
	table   *Table
	charset string
	policy  Policy
}

// ParserOption configures a Parser.
type ParserOption func(*Parser)

func WithTable(t *Table) ParserOption {
	return func(p *Parser) {
		if t != nil {
			p.table = t
		}
	}
}

// WithCharset sets the charset used for payloads that are not valid UTF-8.
func WithCharset(name string) ParserOption {
	return func(p *Parser) {
		if name != "" {
			p.charset = name
		}
	}
}

func WithPolicy(policy Policy) ParserOption {
	return func(p *Parser) { p.policy = policy }
}

// NewParser creates a Parser with the default table, charset and policy.
func NewParser(opts ...ParserOption) *Parser {
	p := &Parser{
		table:   DefaultTable(),
		charset: DefaultCharset,
		policy:  DefaultPolicy(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Table returns the record table the parser extracts with.
func (p *Parser) Table() *Table { return p.table }

// Charset returns the fallback charset.
func (p *Parser) Charset() string { return p.charset }

// Parsed is everything learned from one payload.
type Parsed struct {
	Canonical   Canonical
	Validation  *Validation
	Result      *Result
	Diagnostics []Diagnostic
}

// Parse decodes a payload. On a structural failure the returned Parsed still
// carries the canonical form and the decode diagnostics, Result is nil, and
// the error is a *StructuralError.
func (p *Parser) Parse(raw []byte) (*Parsed, error) {
	lines, canon, err := Tokenize(raw, p.charset)
	if err != nil {
		return nil, err
	}
	out := &Parsed{Canonical: canon}

	v, err := Validate(lines, p.policy)
	out.Validation = v
	out.Diagnostics = append(out.Diagnostics, v.Diagnostics...)
	if err != nil {
		return out, err
	}

	res, diags := p.table.Extract(v.Records)
	out.Result = res
	out.Diagnostics = append(out.Diagnostics, diags...)
	return out, nil
}
