package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/ehr/ldtgate/internal/domain/dedup"
	"github.com/ehr/ldtgate/internal/domain/matching"
	"github.com/ehr/ldtgate/internal/domain/quarantine"
	"github.com/ehr/ldtgate/internal/platform/archive"
	"github.com/ehr/ldtgate/internal/platform/ldt"
)

// =========== Sample Messages ===========

func mkLine(recordType, fieldID, content string) string {
	body := recordType + fieldID + content
	return fmt.Sprintf("%03d%s", 3+utf8.RuneCountInString(body), body)
}

type sample struct {
	seq       string
	patientID string
	family    string
	params    int
}

func defaultSample() sample {
	return sample{seq: "000042", patientID: "P-1001", family: "Müller", params: 10}
}

// lines builds header, report scalars, a status flag, params×(code, value,
// unit) and the footer. The default sample has 45 records.
func (s sample) lines() []string {
	out := []string{
		mkLine("8220", "9300", s.seq),
		mkLine("8220", "9212", "LDT1014.01"),
		mkLine("8220", "9106", "3"),
		mkLine("8220", "8300", "Labor Dr. Weiß"),
		mkLine("8220", "8321", "10115"),
		mkLine("8201", "0201", "012345600"),
		mkLine("8201", "0212", "001234501"),
		mkLine("8201", "8310", "REQ-4711"),
	}
	if s.patientID != "" {
		out = append(out, mkLine("8201", "3000", s.patientID))
	}
	out = append(out,
		mkLine("8201", "3101", s.family),
		mkLine("8201", "3102", "Jürgen"),
		mkLine("8201", "3103", "19800515"),
		mkLine("8201", "3110", "M"),
		"0088401E",
	)
	for i := 0; i < s.params; i++ {
		out = append(out,
			mkLine("8201", "8410", fmt.Sprintf("P%02d", i)),
			mkLine("8201", "8420", fmt.Sprintf("%d.5", i)),
			mkLine("8201", "8421", "mg/dl"),
		)
	}
	return append(out, mkLine("8221", "9300", s.seq))
}

func payload(lines []string) []byte {
	return []byte(strings.Join(lines, "\r\n") + "\r\n")
}

// =========== Harness ===========

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// countingLedger counts ledger writes and can be switched off.
type countingLedger struct {
	dedup.Ledger
	writes atomic.Int32
	down   atomic.Bool
}

func (l *countingLedger) Get(ctx context.Context, key string) (*dedup.Entry, error) {
	if l.down.Load() {
		return nil, errors.New("ledger down")
	}
	return l.Ledger.Get(ctx, key)
}

func (l *countingLedger) Apply(ctx context.Context, e *dedup.Entry, fn func(context.Context) error) (*dedup.Entry, error) {
	l.writes.Add(1)
	return l.Ledger.Apply(ctx, e, fn)
}

func (l *countingLedger) MarkQuarantined(ctx context.Context, e *dedup.Entry) error {
	l.writes.Add(1)
	return l.Ledger.MarkQuarantined(ctx, e)
}

type flakyDirectory struct {
	*matching.MemoryDirectory
	down atomic.Bool
}

func (d *flakyDirectory) Lookup(ctx context.Context, q matching.Query) ([]matching.Candidate, error) {
	if d.down.Load() {
		return nil, errors.New("directory down")
	}
	return d.MemoryDirectory.Lookup(ctx, q)
}

type flakyResults struct {
	ResultStore
	down atomic.Bool
}

func (s *flakyResults) Save(ctx context.Context, r *LabResult) error {
	if s.down.Load() {
		return errors.New("results down")
	}
	return s.ResultStore.Save(ctx, r)
}

type flakyQuarantine struct {
	quarantine.Store
	down atomic.Bool
}

func (s *flakyQuarantine) Create(ctx context.Context, e *quarantine.Entry) error {
	if s.down.Load() {
		return errors.New("quarantine down")
	}
	return s.Store.Create(ctx, e)
}

type harness struct {
	pipeline *Pipeline
	ledger   *countingLedger
	results  *flakyResults
	dir      *flakyDirectory
	qstore   *flakyQuarantine
	qm       *quarantine.Manager
	archive  archive.Archive
	clk      *clock
}

func newHarness(t *testing.T, entities ...matching.Candidate) *harness {
	t.Helper()
	if entities == nil {
		entities = []matching.Candidate{{
			EntityID: "ent-1", PracticeID: "012345600", PhysicianID: "001234501",
			PatientID: "P-1001", FamilyName: "Müller", GivenName: "Jürgen", BirthDate: "19800515",
		}}
	}
	for i := range entities {
		entities[i].Active = true
	}
	h := &harness{
		ledger:  &countingLedger{Ledger: dedup.NewMemoryLedger()},
		results: &flakyResults{ResultStore: NewMemoryResultStore()},
		dir:     &flakyDirectory{MemoryDirectory: matching.NewMemoryDirectory(entities...)},
		qstore:  &flakyQuarantine{Store: quarantine.NewMemoryStore()},
		archive: archive.NewMemory("raw"),
		clk:     &clock{now: time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)},
	}
	h.qm = quarantine.NewManager(h.qstore, quarantine.Config{
		BaseDelay: time.Second, MaxDelay: time.Minute, MaxAttempts: 5,
	}, quarantine.WithClock(h.clk.Now))
	h.pipeline = NewPipeline(
		ldt.NewParser(),
		matching.NewMatcher(h.dir, matching.DefaultConfig()),
		dedup.NewGate(h.ledger),
		h.results,
		h.qm,
		WithArchive(h.archive),
		WithClock(h.clk.Now),
	)
	return h
}

func (h *harness) submit(t *testing.T, raw []byte, messageID string) *Outcome {
	t.Helper()
	out, err := h.pipeline.Process(context.Background(), Submission{
		Raw: raw, ExternalMessageID: messageID, Caller: Caller{TenantID: "t1", ClientID: "lab-a"},
	})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	return out
}

func (h *harness) quarantined(t *testing.T, out *Outcome) *quarantine.Entry {
	t.Helper()
	if out.Disposition != DispositionQuarantined {
		t.Fatalf("expected quarantined, got %+v", out)
	}
	e, err := h.qm.Get(context.Background(), uuid.MustParse(out.QuarantineID))
	if err != nil {
		t.Fatalf("Get quarantine entry: %v", err)
	}
	return e
}

// =========== Applied Tests ===========

func TestProcess_CorruptedLineStillApplies(t *testing.T) {
	h := newHarness(t)
	lines := defaultSample().lines()
	if len(lines) != 45 {
		t.Fatalf("sample should have 45 records, has %d", len(lines))
	}
	// unit line of the third parameter gets an invalid field id
	lines[22] = mkLine("8201", "84-1", "mg/dl")
	raw := payload(lines)

	parsed, err := h.pipeline.Parser().Parse(raw)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(parsed.Validation.Records) != 44 {
		t.Errorf("expected 44 records, got %d", len(parsed.Validation.Records))
	}

	out := h.submit(t, raw, "")
	if out.Disposition != DispositionApplied {
		t.Fatalf("expected applied, got %+v", out)
	}
	if len(out.Diagnostics) != 1 || out.Diagnostics[0].Line != 23 || out.Diagnostics[0].Code != ldt.DiagMalformed {
		t.Errorf("expected one malformed diagnostic on line 23, got %+v", out.Diagnostics)
	}
	if out.EntityID != "ent-1" || out.MatchMethod != matching.MethodDeterministic {
		t.Errorf("unexpected match %q %q", out.EntityID, out.MatchMethod)
	}
	if !strings.HasPrefix(out.DedupKey, "fp:") {
		t.Errorf("expected fingerprint key, got %q", out.DedupKey)
	}

	stored, err := h.pipeline.Result(context.Background(), uuid.MustParse(out.ResultID))
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if len(stored.Result.Parameters) != 10 || stored.Result.Parameters[2].Unit != "" {
		t.Errorf("unexpected parameters %+v", stored.Result.Parameters)
	}
	if stored.EntityID != "ent-1" || stored.Result.Lab.ReportStatus != "E" {
		t.Errorf("unexpected stored result %+v", stored)
	}

	archived, err := h.archive.Get(context.Background(), out.Fingerprint)
	if err != nil {
		t.Fatalf("archive Get: %v", err)
	}
	if string(archived) != string(raw) {
		t.Error("archived payload differs from submission")
	}
}

func TestProcess_PracticeOnlyEntityApplies(t *testing.T) {
	h := newHarness(t,
		matching.Candidate{EntityID: "ent-practice", PracticeID: "012345600", PhysicianID: "001234501"},
	)
	out := h.submit(t, payload(defaultSample().lines()), "MSG-P")
	if out.Disposition != DispositionApplied {
		t.Fatalf("expected applied, got %+v", out)
	}
	if out.EntityID != "ent-practice" || out.MatchMethod != matching.MethodDeterministic {
		t.Errorf("expected deterministic match on the practice entity, got %+v", out)
	}
}

func TestProcess_DuplicateMakesNoLedgerWrites(t *testing.T) {
	h := newHarness(t)
	raw := payload(defaultSample().lines())

	first := h.submit(t, raw, "MSG-1")
	if first.Disposition != DispositionApplied {
		t.Fatalf("expected applied, got %+v", first)
	}
	if first.DedupKey != "ext:MSG-1" {
		t.Errorf("expected external key, got %q", first.DedupKey)
	}
	writes := h.ledger.writes.Load()

	second := h.submit(t, raw, "MSG-1")
	if second.Disposition != DispositionDuplicate {
		t.Fatalf("expected duplicate, got %+v", second)
	}
	if second.ResultID != first.ResultID || second.EntityID != first.EntityID {
		t.Errorf("duplicate should acknowledge the original, got %+v", second)
	}
	if got := h.ledger.writes.Load(); got != writes {
		t.Errorf("expected zero new ledger writes, got %d", got-writes)
	}
	_, total, _ := h.results.ListByEntity(context.Background(), "ent-1", 10, 0)
	if total != 1 {
		t.Errorf("expected one stored result, got %d", total)
	}
}

func TestProcess_DuplicateByFingerprintAcrossFraming(t *testing.T) {
	h := newHarness(t)
	lines := defaultSample().lines()

	first := h.submit(t, payload(lines), "")
	if first.Disposition != DispositionApplied {
		t.Fatalf("expected applied, got %+v", first)
	}

	var wrapped strings.Builder
	wrapped.WriteString(`<?xml version="1.0"?><ldt>`)
	for _, l := range lines {
		wrapped.WriteString("<r>" + strings.ReplaceAll(l, "&", "&amp;") + "</r>")
	}
	wrapped.WriteString("</ldt>")

	second := h.submit(t, []byte(wrapped.String()), "")
	if second.Disposition != DispositionDuplicate {
		t.Fatalf("expected duplicate, got %+v", second)
	}
	if second.Fingerprint != first.Fingerprint {
		t.Error("expected equal fingerprints for the same records")
	}
}

func TestProcess_ConcurrentDeliveriesApplyOnce(t *testing.T) {
	h := newHarness(t)
	raw := payload(defaultSample().lines())

	const n = 16
	var wg sync.WaitGroup
	var applied, duplicates atomic.Int32
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := h.pipeline.Process(context.Background(), Submission{Raw: raw, ExternalMessageID: "MSG-7"})
			if err != nil {
				t.Errorf("Process: %v", err)
				return
			}
			switch out.Disposition {
			case DispositionApplied:
				applied.Add(1)
			case DispositionDuplicate:
				duplicates.Add(1)
			}
		}()
	}
	wg.Wait()

	if applied.Load() != 1 || duplicates.Load() != n-1 {
		t.Errorf("expected 1 applied and %d duplicates, got %d and %d", n-1, applied.Load(), duplicates.Load())
	}
	_, total, _ := h.results.ListByEntity(context.Background(), "ent-1", 50, 0)
	if total != 1 {
		t.Errorf("expected one stored result, got %d", total)
	}
}

// =========== Quarantine Tests ===========

func TestProcess_MissingFooterIsStructural(t *testing.T) {
	h := newHarness(t)
	lines := defaultSample().lines()
	raw := payload(lines[:len(lines)-1])

	out := h.submit(t, raw, "MSG-2")
	if out.Reason != quarantine.ReasonStructural {
		t.Fatalf("expected structural, got %q", out.Reason)
	}
	e := h.quarantined(t, out)
	if e.Detail != string(ldt.StructFooterMissing) {
		t.Errorf("expected footer_missing detail, got %q", e.Detail)
	}
	if e.NextAttemptAt != nil {
		t.Error("structural entries must not be scheduled")
	}
	if string(e.RawMessage) != string(raw) || e.TenantID != "t1" || e.ClientID != "lab-a" {
		t.Errorf("unexpected envelope %+v", e)
	}

	entry, err := h.ledger.Get(context.Background(), "ext:MSG-2")
	if err != nil {
		t.Fatalf("ledger Get: %v", err)
	}
	if entry.Outcome != dedup.OutcomeQuarantined {
		t.Errorf("expected quarantined ledger outcome, got %q", entry.Outcome)
	}
	_, total, _ := h.results.ListByEntity(context.Background(), "ent-1", 10, 0)
	if total != 0 {
		t.Error("a structurally invalid message must not be applied")
	}
}

func TestProcess_AmbiguousRecordsCandidates(t *testing.T) {
	h := newHarness(t,
		matching.Candidate{EntityID: "ent-a", PracticeID: "012345600", PhysicianID: "001234501", FamilyName: "Müller", GivenName: "Jürgen", BirthDate: "19800515"},
		matching.Candidate{EntityID: "ent-b", PracticeID: "012345600", PhysicianID: "001234501", FamilyName: "Mueller", GivenName: "Juergen", BirthDate: "19800515"},
	)
	s := defaultSample()
	s.patientID = ""

	out := h.submit(t, payload(s.lines()), "")
	if out.Reason != quarantine.ReasonMatchAmbiguous {
		t.Fatalf("expected match_ambiguous, got %+v", out)
	}
	e := h.quarantined(t, out)
	if len(e.Candidates) != 2 || e.Candidates[0].EntityID != "ent-a" || e.Candidates[1].EntityID != "ent-b" {
		t.Errorf("unexpected candidates %+v", e.Candidates)
	}
	if e.NextAttemptAt == nil {
		t.Error("ambiguous entries are retried")
	}
}

func TestProcess_NotFoundThenManualAccept(t *testing.T) {
	h := newHarness(t)
	s := defaultSample()
	s.patientID = "P-9999"
	raw := payload(s.lines())

	out := h.submit(t, raw, "MSG-3")
	if out.Reason != quarantine.ReasonMatchNotFound {
		t.Fatalf("expected match_not_found, got %+v", out)
	}

	resolved, err := h.qm.Resolve(context.Background(), uuid.MustParse(out.QuarantineID), quarantine.ResolveRequest{
		Action: quarantine.ActionAccepted, EntityID: "ent-1", ResolvedBy: "reviewer",
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if resolved.Status != quarantine.StatusResolved || resolved.Resolution.EntityID != "ent-1" {
		t.Errorf("unexpected entry %+v", resolved)
	}

	again := h.submit(t, raw, "MSG-3")
	if again.Disposition != DispositionDuplicate || again.EntityID != "ent-1" {
		t.Errorf("expected duplicate of the accepted message, got %+v", again)
	}
}

func TestProcess_CorrectedPayloadKeepsOriginalKey(t *testing.T) {
	h := newHarness(t)
	lines := defaultSample().lines()
	broken := payload(lines[:len(lines)-1])

	out := h.submit(t, broken, "")
	if out.Reason != quarantine.ReasonStructural {
		t.Fatalf("expected structural, got %+v", out)
	}

	_, err := h.qm.Resolve(context.Background(), uuid.MustParse(out.QuarantineID), quarantine.ResolveRequest{
		Action: quarantine.ActionAccepted, Payload: string(payload(lines)),
	})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	entry, err := h.ledger.Get(context.Background(), out.DedupKey)
	if err != nil {
		t.Fatalf("ledger Get: %v", err)
	}
	if !entry.Applied() {
		t.Errorf("expected original key applied, got %q", entry.Outcome)
	}
	if again := h.submit(t, broken, ""); again.Disposition != DispositionDuplicate {
		t.Errorf("expected redelivery of the broken payload to be a duplicate, got %+v", again)
	}
}

func TestProcess_LookupUnavailableRetriesLater(t *testing.T) {
	h := newHarness(t)
	h.dir.down.Store(true)

	out := h.submit(t, payload(defaultSample().lines()), "MSG-4")
	if out.Reason != quarantine.ReasonStoreUnavailable {
		t.Fatalf("expected store_unavailable, got %+v", out)
	}

	h.dir.down.Store(false)
	h.clk.Advance(2 * time.Second)
	sum, err := h.qm.RunDue(context.Background())
	if err != nil {
		t.Fatalf("RunDue: %v", err)
	}
	if sum.Applied != 1 {
		t.Errorf("expected one applied retry, got %+v", sum)
	}
	e := h.quarantined(t, out)
	if e.Status != quarantine.StatusApplied || e.RetryCount != 1 {
		t.Errorf("unexpected entry %+v", e)
	}
	if again := h.submit(t, payload(defaultSample().lines()), "MSG-4"); again.Disposition != DispositionDuplicate {
		t.Errorf("expected duplicate after retry, got %+v", again)
	}
}

func TestProcess_ResultStoreDownRollsBack(t *testing.T) {
	h := newHarness(t)
	h.results.down.Store(true)

	out := h.submit(t, payload(defaultSample().lines()), "MSG-5")
	if out.Reason != quarantine.ReasonStoreUnavailable {
		t.Fatalf("expected store_unavailable, got %+v", out)
	}
	entry, err := h.ledger.Get(context.Background(), "ext:MSG-5")
	if err != nil {
		t.Fatalf("ledger Get: %v", err)
	}
	if entry.Applied() {
		t.Error("ledger must not record a failed application")
	}
}

func TestProcess_LedgerDownIsUndecided(t *testing.T) {
	h := newHarness(t)
	h.ledger.down.Store(true)

	out := h.submit(t, payload(defaultSample().lines()), "MSG-6")
	if out.Reason != quarantine.ReasonDedupUndecided {
		t.Fatalf("expected dedup_undecided, got %+v", out)
	}
	if e := h.quarantined(t, out); e.NextAttemptAt == nil {
		t.Error("undecided entries are retried")
	}
}

func TestProcess_QuarantineDownReturnsError(t *testing.T) {
	h := newHarness(t)
	h.qstore.down.Store(true)

	lines := defaultSample().lines()
	_, err := h.pipeline.Process(context.Background(), Submission{Raw: payload(lines[:len(lines)-1])})
	if !errors.Is(err, ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestRetry_CancelledIsInterrupted(t *testing.T) {
	h := newHarness(t)
	h.ledger.down.Store(true)
	out := h.submit(t, payload(defaultSample().lines()), "MSG-8")
	e := h.quarantined(t, out)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.pipeline.Retry(ctx, e, quarantine.RetryOptions{}); err == nil {
		t.Error("expected an error for a cancelled retry")
	}
}
