package quarantine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/ldtgate/internal/domain/matching"
	"github.com/ehr/ldtgate/internal/platform/ldt"
	"github.com/ehr/ldtgate/internal/platform/metrics"
)

// Attempt is what one re-run of a quarantined message produced. When
// Applied is false the remaining fields describe the new failure.
type Attempt struct {
	Applied     bool
	Duplicate   bool
	ResultID    string
	EntityID    string
	Reason      Reason
	Detail      string
	Diagnostics []ldt.Diagnostic
	Candidates  []matching.Scored
}

// RetryOptions override parts of a re-run during manual resolution.
type RetryOptions struct {
	Payload  []byte
	EntityID string
}

// Processor re-runs a quarantined message through the pipeline. An error
// means the attempt did not complete and nothing about it must be recorded.
type Processor interface {
	Retry(ctx context.Context, e *Entry, opts RetryOptions) (Attempt, error)
}

type Config struct {
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	MaxAttempts int
	BatchSize   int
	Concurrency int
	StaleAfter  time.Duration
}

func DefaultConfig() Config {
	return Config{
		BaseDelay:   30 * time.Second,
		MaxDelay:    30 * time.Minute,
		MaxAttempts: 8,
		BatchSize:   50,
		Concurrency: 4,
		StaleAfter:  24 * time.Hour,
	}
}

// Summary counts what one sweep did.
type Summary struct {
	Due         int `json:"due"`
	Applied     int `json:"applied"`
	Requeued    int `json:"requeued"`
	Stale       int `json:"stale"`
	Interrupted int `json:"interrupted"`
	Conflicts   int `json:"conflicts"`
}

// Manager owns every state change of a quarantine entry after creation.
type Manager struct {
	store   Store
	proc    Processor
	cfg     Config
	metrics *metrics.Metrics
	logger  zerolog.Logger
	now     func() time.Time
}

type ManagerOption func(*Manager)

func WithMetrics(m *metrics.Metrics) ManagerOption {
	return func(mg *Manager) { mg.metrics = m }
}

func WithLogger(l zerolog.Logger) ManagerOption {
	return func(mg *Manager) { mg.logger = l }
}

func WithClock(now func() time.Time) ManagerOption {
	return func(mg *Manager) { mg.now = now }
}

func NewManager(store Store, cfg Config, opts ...ManagerOption) *Manager {
	def := DefaultConfig()
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = def.StaleAfter
	}
	m := &Manager{store: store, cfg: cfg, logger: zerolog.Nop(), now: time.Now}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetProcessor wires the pipeline that re-runs entries. The pipeline itself
// quarantines through the manager, so it is attached after construction.
func (m *Manager) SetProcessor(p Processor) {
	m.proc = p
}

// Backoff returns the delay before attempt n+1 given n completed attempts.
func (m *Manager) Backoff(n int) time.Duration {
	d := m.cfg.BaseDelay
	for i := 0; i < n; i++ {
		d *= 2
		if d >= m.cfg.MaxDelay {
			return m.cfg.MaxDelay
		}
	}
	if d > m.cfg.MaxDelay {
		return m.cfg.MaxDelay
	}
	return d
}

// Quarantine stores a new entry. Retryable entries are scheduled one base
// delay after receipt.
func (m *Manager) Quarantine(ctx context.Context, e *Entry) error {
	now := m.now().UTC()
	e.ID = uuid.New()
	e.Status = StatusQuarantined
	e.Version = 1
	e.RetryCount = 0
	e.LastAttemptAt = nil
	e.NextAttemptAt = nil
	if e.ReceivedAt.IsZero() {
		e.ReceivedAt = now
	}
	if e.Reason.Retryable() {
		next := now.Add(m.Backoff(0))
		e.NextAttemptAt = &next
	}
	if err := m.store.Create(ctx, e); err != nil {
		return fmt.Errorf("create quarantine entry: %w", err)
	}
	m.metrics.ObserveQuarantine(string(e.Reason))
	return nil
}

func (m *Manager) Get(ctx context.Context, id uuid.UUID) (*Entry, error) {
	return m.store.Get(ctx, id)
}

func (m *Manager) List(ctx context.Context, f Filter) ([]*Entry, int, error) {
	return m.store.List(ctx, f)
}

// Stale lists entries that need attention: stale ones and quarantined ones
// older than the configured threshold. The count is exported as a gauge.
func (m *Manager) Stale(ctx context.Context) ([]*Entry, error) {
	entries, err := m.store.Stale(ctx, m.now().UTC().Add(-m.cfg.StaleAfter))
	if err != nil {
		return nil, err
	}
	m.metrics.SetStale(len(entries))
	return entries, nil
}

// RunDue re-runs every due entry with bounded concurrency. Per-entry
// failures are recorded on the entry; only failing to list due entries is
// returned.
func (m *Manager) RunDue(ctx context.Context) (Summary, error) {
	if m.proc == nil {
		return Summary{}, errors.New("quarantine: no processor configured")
	}
	due, err := m.store.Due(ctx, m.now().UTC(), m.cfg.BatchSize)
	if err != nil {
		return Summary{}, fmt.Errorf("list due entries: %w", err)
	}

	var mu sync.Mutex
	sum := Summary{Due: len(due)}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.Concurrency)
	for _, e := range due {
		g.Go(func() error {
			outcome := m.attempt(gctx, e, RetryOptions{})
			mu.Lock()
			defer mu.Unlock()
			switch outcome {
			case outcomeApplied:
				sum.Applied++
			case outcomeRequeued:
				sum.Requeued++
			case outcomeStale:
				sum.Stale++
			case outcomeInterrupted:
				sum.Interrupted++
			case outcomeConflict:
				sum.Conflicts++
			}
			return nil
		})
	}
	_ = g.Wait()

	if _, err := m.Stale(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("count stale quarantine entries")
	}
	return sum, nil
}

// RetryNow re-runs one entry immediately, regardless of its schedule or
// reason. Stale entries can only be resolved.
func (m *Manager) RetryNow(ctx context.Context, id uuid.UUID) (*Entry, error) {
	if m.proc == nil {
		return nil, errors.New("quarantine: no processor configured")
	}
	e, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if e.Status != StatusQuarantined {
		return nil, fmt.Errorf("%w: retry from %s", ErrInvalidTransition, e.Status)
	}
	switch m.attempt(ctx, e, RetryOptions{}) {
	case outcomeInterrupted:
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, errors.New("quarantine: retry did not complete")
	case outcomeConflict:
		return nil, ErrVersionConflict
	}
	return e, nil
}

type attemptOutcome int

const (
	outcomeApplied attemptOutcome = iota
	outcomeRequeued
	outcomeStale
	outcomeInterrupted
	outcomeConflict
)

func (m *Manager) attempt(ctx context.Context, e *Entry, opts RetryOptions) attemptOutcome {
	log := m.logger.With().Str("quarantine_id", e.ID.String()).Str("dedup_key", e.Key).Logger()

	res, err := m.proc.Retry(ctx, e, opts)
	if err != nil {
		log.Warn().Err(err).Msg("retry interrupted")
		m.metrics.ObserveRetry("interrupted")
		return outcomeInterrupted
	}

	now := m.now().UTC()
	e.RetryCount++
	e.LastAttemptAt = &now
	e.NextAttemptAt = nil

	var outcome attemptOutcome
	switch {
	case res.Applied:
		e.Status = StatusApplied
		outcome = outcomeApplied
	case e.RetryCount >= m.cfg.MaxAttempts:
		e.applyFailure(res)
		e.Status = StatusStale
		outcome = outcomeStale
	default:
		e.applyFailure(res)
		if e.Reason.Retryable() {
			next := now.Add(m.Backoff(e.RetryCount))
			e.NextAttemptAt = &next
		}
		outcome = outcomeRequeued
	}

	if err := m.store.Update(ctx, e); err != nil {
		if errors.Is(err, ErrVersionConflict) {
			log.Info().Msg("entry changed during retry, skipped")
			m.metrics.ObserveRetry("conflict")
			return outcomeConflict
		}
		log.Error().Err(err).Msg("record retry attempt")
		m.metrics.ObserveRetry("interrupted")
		return outcomeInterrupted
	}

	evt := log.Info()
	if outcome == outcomeStale {
		evt = log.Warn()
	}
	evt.Str("status", string(e.Status)).Str("reason", string(e.Reason)).
		Int("retry_count", e.RetryCount).Bool("duplicate", res.Duplicate).Msg("retry attempt")
	switch outcome {
	case outcomeApplied:
		m.metrics.ObserveRetry("applied")
	case outcomeStale:
		m.metrics.ObserveRetry("stale")
	default:
		m.metrics.ObserveRetry("requeued")
	}
	return outcome
}

func (e *Entry) applyFailure(a Attempt) {
	if a.Reason != "" {
		e.Reason = a.Reason
	}
	e.Detail = a.Detail
	e.Diagnostics = a.Diagnostics
	e.Candidates = a.Candidates
}

// ResolveRequest is a manual decision.
type ResolveRequest struct {
	Action     Action `json:"action"`
	EntityID   string `json:"entityId,omitempty"`
	Payload    string `json:"payload,omitempty"`
	Note       string `json:"note,omitempty"`
	ResolvedBy string `json:"-"`
}

// Resolve closes an open entry. Accepting re-runs the message, optionally
// with a corrected payload or an explicit entity, and must apply; a failed
// acceptance leaves the entry unchanged and returns ErrNotApplied. Rejecting
// only records the decision.
func (m *Manager) Resolve(ctx context.Context, id uuid.UUID, req ResolveRequest) (*Entry, error) {
	if req.Action != ActionAccepted && req.Action != ActionRejected {
		return nil, fmt.Errorf("%w: action must be accepted or rejected", ErrInvalidResolution)
	}
	if req.Action == ActionRejected && (req.Payload != "" || req.EntityID != "") {
		return nil, fmt.Errorf("%w: a rejection carries no payload or entity", ErrInvalidResolution)
	}

	e, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !e.Status.Open() {
		return nil, fmt.Errorf("%w: resolve from %s", ErrInvalidTransition, e.Status)
	}

	now := m.now().UTC()
	res := &Resolution{
		Action:     req.Action,
		EntityID:   req.EntityID,
		Corrected:  req.Payload != "",
		Note:       req.Note,
		ResolvedBy: req.ResolvedBy,
		ResolvedAt: now,
	}

	if req.Action == ActionAccepted {
		if m.proc == nil {
			return nil, errors.New("quarantine: no processor configured")
		}
		opts := RetryOptions{EntityID: req.EntityID}
		if req.Payload != "" {
			opts.Payload = []byte(req.Payload)
		}
		attempt, err := m.proc.Retry(ctx, e, opts)
		if err != nil {
			return nil, err
		}
		if !attempt.Applied {
			return nil, fmt.Errorf("%w: %s", ErrNotApplied, attempt.Reason)
		}
		if res.EntityID == "" {
			res.EntityID = attempt.EntityID
		}
		e.LastAttemptAt = &now
	}

	e.Status = StatusResolved
	e.Resolution = res
	e.NextAttemptAt = nil
	if err := m.store.Update(ctx, e); err != nil {
		return nil, err
	}
	m.logger.Info().Str("quarantine_id", e.ID.String()).Str("action", string(req.Action)).Msg("quarantine entry resolved")
	return e, nil
}
