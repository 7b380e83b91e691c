package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehr/ldtgate/internal/domain/dedup"
	"github.com/ehr/ldtgate/internal/domain/matching"
	"github.com/ehr/ldtgate/internal/domain/quarantine"
	"github.com/ehr/ldtgate/internal/platform/archive"
	"github.com/ehr/ldtgate/internal/platform/ldt"
	"github.com/ehr/ldtgate/internal/platform/metrics"
)

// Pipeline takes a raw message to exactly one of applied, duplicate or
// quarantined. It is safe for concurrent use; only the ledger write is
// serialized, per dedup key.
type Pipeline struct {
	parser     *ldt.Parser
	matcher    *matching.Matcher
	gate       *dedup.Gate
	results    ResultStore
	quarantine *quarantine.Manager
	archive    archive.Archive
	metrics    *metrics.Metrics
	logger     zerolog.Logger
	now        func() time.Time
}

type Option func(*Pipeline)

func WithArchive(a archive.Archive) Option {
	return func(p *Pipeline) {
		if a != nil {
			p.archive = a
		}
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func WithLogger(l zerolog.Logger) Option {
	return func(p *Pipeline) { p.logger = l }
}

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

// NewPipeline wires the stages together and registers the pipeline as the
// quarantine manager's processor.
func NewPipeline(
	parser *ldt.Parser,
	matcher *matching.Matcher,
	gate *dedup.Gate,
	results ResultStore,
	qm *quarantine.Manager,
	opts ...Option,
) *Pipeline {
	p := &Pipeline{
		parser:     parser,
		matcher:    matcher,
		gate:       gate,
		results:    results,
		quarantine: qm,
		archive:    archive.Discard(),
		logger:     zerolog.Nop(),
		now:        time.Now,
	}
	for _, o := range opts {
		o(p)
	}
	qm.SetProcessor(p)
	return p
}

// Parser returns the codec the pipeline decodes with.
func (p *Pipeline) Parser() *ldt.Parser { return p.parser }

// failure is why a message could not be applied.
type failure struct {
	reason      quarantine.Reason
	detail      string
	diagnostics []ldt.Diagnostic
	candidates  []matching.Scored
}

// applied describes a successful or duplicate application.
type applied struct {
	entry     *dedup.Entry
	duplicate bool
	method    matching.Method
}

// decoded is a payload reduced to what the gate needs.
type decoded struct {
	parsed      *ldt.Parsed
	err         error
	fingerprint string
}

func (p *Pipeline) decode(raw []byte) decoded {
	parsed, err := p.parser.Parse(raw)
	d := decoded{parsed: parsed, err: err}
	if parsed != nil {
		d.fingerprint = dedup.Fingerprint(parsed.Canonical.Text())
	} else {
		d.fingerprint = dedup.Fingerprint(string(raw))
	}
	return d
}

func (d decoded) diagnostics() []ldt.Diagnostic {
	if d.parsed == nil {
		return nil
	}
	return d.parsed.Diagnostics
}

// Process runs one submission through the pipeline. An error is returned
// only when the message could neither be applied nor quarantined; it wraps
// ErrStoreUnavailable and the caller must redeliver.
func (p *Pipeline) Process(ctx context.Context, sub Submission) (*Outcome, error) {
	start := p.now()
	defer p.metrics.ObserveProcess(start)
	if sub.ReceivedAt.IsZero() {
		sub.ReceivedAt = start.UTC()
	}

	d := p.decode(sub.Raw)
	key := dedup.Key(sub.ExternalMessageID, d.fingerprint)
	log := p.logger.With().
		Str("dedup_key", key).
		Str("fingerprint", d.fingerprint).
		Str("tenant_id", sub.Caller.TenantID).
		Logger()
	for _, diag := range d.diagnostics() {
		p.metrics.ObserveDiagnostic(diag.Code)
	}

	check, err := p.gate.Check(ctx, key)
	if err != nil {
		log.Warn().Err(err).Msg("dedup ledger unavailable")
		return p.toQuarantine(ctx, sub, key, d, &failure{
			reason: quarantine.ReasonDedupUndecided,
			detail: "dedup ledger unavailable",
		}, log)
	}
	if check.Duplicate {
		return p.duplicate(key, d.fingerprint, check.Entry, log), nil
	}

	res, fail := p.apply(ctx, key, sub.ExternalMessageID, d, "")
	if fail != nil {
		return p.toQuarantine(ctx, sub, key, d, fail, log)
	}
	if res.duplicate {
		return p.duplicate(key, d.fingerprint, res.entry, log), nil
	}

	p.archiveRaw(ctx, sub.Raw, res.entry, log)
	p.metrics.ObserveDisposition(string(DispositionApplied))
	log.Info().
		Str("result_id", res.entry.ResultID).
		Str("entity_id", res.entry.EntityID).
		Str("match_method", string(res.method)).
		Int("diagnostics", len(d.diagnostics())).
		Msg("message applied")
	return &Outcome{
		Disposition: DispositionApplied,
		DedupKey:    key,
		Fingerprint: d.fingerprint,
		ResultID:    res.entry.ResultID,
		EntityID:    res.entry.EntityID,
		MatchMethod: res.method,
		Diagnostics: d.diagnostics(),
	}, nil
}

// Retry re-runs a quarantined entry under its original dedup key. A
// corrected payload replaces the stored one; an explicit entity skips
// matching. Only cancellation is reported as an error.
func (p *Pipeline) Retry(ctx context.Context, e *quarantine.Entry, opts quarantine.RetryOptions) (quarantine.Attempt, error) {
	raw := e.RawMessage
	if len(opts.Payload) > 0 {
		raw = opts.Payload
	}
	d := p.decode(raw)
	log := p.logger.With().
		Str("dedup_key", e.Key).
		Str("fingerprint", d.fingerprint).
		Str("quarantine_id", e.ID.String()).
		Logger()

	check, err := p.gate.Check(ctx, e.Key)
	if err != nil {
		if ctx.Err() != nil {
			return quarantine.Attempt{}, ctx.Err()
		}
		return quarantine.Attempt{Reason: quarantine.ReasonDedupUndecided, Detail: "dedup ledger unavailable"}, nil
	}
	if check.Duplicate {
		log.Info().Str("result_id", check.Entry.ResultID).Msg("quarantined message already applied")
		return quarantine.Attempt{
			Applied:   true,
			Duplicate: true,
			ResultID:  check.Entry.ResultID,
			EntityID:  check.Entry.EntityID,
		}, nil
	}

	res, fail := p.apply(ctx, e.Key, e.ExternalMessageID, d, opts.EntityID)
	if fail != nil {
		if ctx.Err() != nil {
			return quarantine.Attempt{}, ctx.Err()
		}
		return quarantine.Attempt{
			Reason:      fail.reason,
			Detail:      fail.detail,
			Diagnostics: fail.diagnostics,
			Candidates:  fail.candidates,
		}, nil
	}
	if !res.duplicate {
		p.archiveRaw(ctx, raw, res.entry, log)
		log.Info().Str("result_id", res.entry.ResultID).Str("entity_id", res.entry.EntityID).Msg("quarantined message applied")
	}
	return quarantine.Attempt{
		Applied:   true,
		Duplicate: res.duplicate,
		ResultID:  res.entry.ResultID,
		EntityID:  res.entry.EntityID,
	}, nil
}

// apply validates, matches and applies one decoded payload. entityID, when
// set, replaces matching.
func (p *Pipeline) apply(ctx context.Context, key, externalID string, d decoded, entityID string) (*applied, *failure) {
	if d.err != nil {
		return nil, structuralFailure(d)
	}
	result := d.parsed.Result

	var method matching.Method
	if entityID == "" {
		decision, err := p.matcher.Match(ctx, matching.QueryFromResult(result))
		if err != nil {
			return nil, &failure{reason: quarantine.ReasonStoreUnavailable, detail: "directory lookup unavailable"}
		}
		p.metrics.ObserveMatch(string(decision.Status), string(decision.Method))
		switch decision.Status {
		case matching.StatusAmbiguous:
			return nil, &failure{
				reason:      quarantine.ReasonMatchAmbiguous,
				detail:      fmt.Sprintf("%d candidates", len(decision.Candidates)),
				diagnostics: d.diagnostics(),
				candidates:  decision.Candidates,
			}
		case matching.StatusNotFound:
			return nil, &failure{
				reason:      quarantine.ReasonMatchNotFound,
				detail:      "no directory entity matched",
				diagnostics: d.diagnostics(),
			}
		}
		entityID = decision.EntityID
		method = decision.Method
	}

	now := p.now().UTC()
	lr := &LabResult{
		ID:          uuid.New(),
		Key:         key,
		Fingerprint: d.fingerprint,
		EntityID:    entityID,
		Result:      result,
		AppliedAt:   now,
	}
	entry, err := p.gate.Apply(ctx, dedup.Entry{
		Key:               key,
		Fingerprint:       d.fingerprint,
		ExternalMessageID: externalID,
		ResultID:          lr.ID.String(),
		EntityID:          entityID,
	}, func(ctx context.Context) error {
		return p.results.Save(ctx, lr)
	})
	if errors.Is(err, dedup.ErrAlreadyApplied) {
		return &applied{entry: entry, duplicate: true}, nil
	}
	if err != nil {
		return nil, &failure{
			reason:      quarantine.ReasonStoreUnavailable,
			detail:      "result store unavailable",
			diagnostics: d.diagnostics(),
		}
	}
	return &applied{entry: entry, method: method}, nil
}

func structuralFailure(d decoded) *failure {
	f := &failure{reason: quarantine.ReasonStructural, diagnostics: d.diagnostics()}
	var se *ldt.StructuralError
	if errors.As(d.err, &se) {
		f.detail = string(se.Code)
		if se.Line > 0 {
			f.detail = fmt.Sprintf("%s at line %d", se.Code, se.Line)
		}
		return f
	}
	// charset or framing failure before any record was read
	f.detail = "undecodable payload"
	return f
}

func (p *Pipeline) duplicate(key, fingerprint string, entry *dedup.Entry, log zerolog.Logger) *Outcome {
	p.metrics.ObserveDisposition(string(DispositionDuplicate))
	log.Info().Str("result_id", entry.ResultID).Msg("duplicate message")
	return &Outcome{
		Disposition: DispositionDuplicate,
		DedupKey:    key,
		Fingerprint: fingerprint,
		ResultID:    entry.ResultID,
		EntityID:    entry.EntityID,
	}
}

func (p *Pipeline) toQuarantine(ctx context.Context, sub Submission, key string, d decoded, f *failure, log zerolog.Logger) (*Outcome, error) {
	entry := &quarantine.Entry{
		Key:               key,
		Fingerprint:       d.fingerprint,
		ExternalMessageID: sub.ExternalMessageID,
		TenantID:          sub.Caller.TenantID,
		ClientID:          sub.Caller.ClientID,
		RawMessage:        sub.Raw,
		Reason:            f.reason,
		Detail:            f.detail,
		Diagnostics:       f.diagnostics,
		Candidates:        f.candidates,
		ReceivedAt:        sub.ReceivedAt,
	}
	if err := p.quarantine.Quarantine(ctx, entry); err != nil {
		log.Error().Err(err).Str("reason", string(f.reason)).Msg("message could not be quarantined")
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	if f.reason != quarantine.ReasonDedupUndecided {
		if err := p.gate.MarkQuarantined(ctx, dedup.Entry{
			Key:               key,
			Fingerprint:       d.fingerprint,
			ExternalMessageID: sub.ExternalMessageID,
		}); err != nil {
			log.Warn().Err(err).Msg("record quarantined key")
		}
	}

	p.metrics.ObserveDisposition(string(DispositionQuarantined))
	log.Warn().
		Str("quarantine_id", entry.ID.String()).
		Str("reason", string(f.reason)).
		Str("detail", f.detail).
		Int("candidates", len(f.candidates)).
		Msg("message quarantined")
	return &Outcome{
		Disposition:  DispositionQuarantined,
		DedupKey:     key,
		Fingerprint:  d.fingerprint,
		QuarantineID: entry.ID.String(),
		Reason:       f.reason,
		Diagnostics:  f.diagnostics,
	}, nil
}

func (p *Pipeline) archiveRaw(ctx context.Context, raw []byte, entry *dedup.Entry, log zerolog.Logger) {
	err := p.archive.Put(ctx, entry.Fingerprint, raw, map[string]string{
		"dedup-key": entry.Key,
		"result-id": entry.ResultID,
	})
	if err != nil {
		log.Warn().Err(err).Msg("archive raw payload")
	}
}

// Result returns a stored result.
func (p *Pipeline) Result(ctx context.Context, id uuid.UUID) (*LabResult, error) {
	return p.results.Get(ctx, id)
}

// ResultsForEntity lists stored results of one directory entity, newest first.
func (p *Pipeline) ResultsForEntity(ctx context.Context, entityID string, limit, offset int) ([]*LabResult, int, error) {
	return p.results.ListByEntity(ctx, entityID, limit, offset)
}
