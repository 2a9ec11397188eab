package audit

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func newTestSQLiteSink(t *testing.T) *SQLiteSink {
	t.Helper()

	sink, err := NewSQLiteSink(filepath.Join(t.TempDir(), "trails.db"))
	if err != nil {
		t.Fatalf("NewSQLiteSink() error: %v", err)
	}
	t.Cleanup(func() { sink.Close() })

	return sink
}

func TestNewSQLiteSink_EmptyPath(t *testing.T) {
	if _, err := NewSQLiteSink(""); err == nil {
		t.Error("NewSQLiteSink(\"\") expected error")
	}
}

func TestSQLiteSink_RoundTrip(t *testing.T) {
	sink := newTestSQLiteSink(t)
	ctx := context.Background()

	trail := NewTrail("req-1", "sess-1", "claude-sonnet-4", []string{"prod"})
	trail.Append(ProviderAttempt{
		ProviderID:   "p1",
		ProviderName: "primary",
		Reason:       ReasonInitialSelection,
		CircuitState: "closed",
		Decision: &SelectionDecisionContext{
			Model:             "claude-sonnet-4",
			TotalProviders:    3,
			EnabledProviders:  2,
			EligibleProviders: 1,
			Filtered: []FilteredProvider{
				{ProviderID: "p2", Reason: FilterCircuitOpen},
			},
			ChosenPriority: 0,
			Tier:           []TierCandidate{{ProviderID: "p1", Weight: 5, Probability: 1}},
			SelectedID:     "p1",
		},
	})
	trail.Finish(OutcomeSelected, "p1")

	if err := sink.Write(ctx, trail); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	got, err := sink.TrailByRequestID(ctx, "req-1")
	if err != nil {
		t.Fatalf("TrailByRequestID() error: %v", err)
	}
	if got == nil {
		t.Fatal("TrailByRequestID() = nil, want trail")
	}

	if got.SessionID != "sess-1" || got.Model != "claude-sonnet-4" {
		t.Errorf("trail header = %q/%q, want sess-1/claude-sonnet-4", got.SessionID, got.Model)
	}
	if got.Outcome != OutcomeSelected || got.SelectedProviderID != "p1" {
		t.Errorf("outcome = %q/%q, want selected/p1", got.Outcome, got.SelectedProviderID)
	}
	if len(got.Attempts) != 1 {
		t.Fatalf("len(Attempts) = %d, want 1", len(got.Attempts))
	}

	attempt := got.Attempts[0]
	if attempt.Ordinal != 1 || attempt.Reason != ReasonInitialSelection {
		t.Errorf("attempt = %d/%q, want 1/initial_selection", attempt.Ordinal, attempt.Reason)
	}
	if attempt.Decision == nil {
		t.Fatal("decision context missing")
	}
	if reason, ok := attempt.Decision.FilterReasonFor("p2"); !ok || reason != FilterCircuitOpen {
		t.Errorf("p2 filter reason = %q ok=%v, want circuit_open", reason, ok)
	}
}

func TestSQLiteSink_MissingRequestID(t *testing.T) {
	sink := newTestSQLiteSink(t)

	got, err := sink.TrailByRequestID(context.Background(), "missing")
	if err != nil {
		t.Fatalf("TrailByRequestID() error: %v", err)
	}
	if got != nil {
		t.Errorf("TrailByRequestID(missing) = %+v, want nil", got)
	}
}

func TestSQLiteSink_OverwritesSameRequestID(t *testing.T) {
	sink := newTestSQLiteSink(t)
	ctx := context.Background()

	first := NewTrail("req-1", "", "m", nil)
	first.Finish(OutcomeNoEligibleProvider, "")
	if err := sink.Write(ctx, first); err != nil {
		t.Fatalf("Write(first) error: %v", err)
	}

	second := NewTrail("req-1", "", "m", nil)
	second.Finish(OutcomeSelected, "p1")
	if err := sink.Write(ctx, second); err != nil {
		t.Fatalf("Write(second) error: %v", err)
	}

	got, err := sink.TrailByRequestID(ctx, "req-1")
	if err != nil {
		t.Fatalf("TrailByRequestID() error: %v", err)
	}
	if got.Outcome != OutcomeSelected {
		t.Errorf("Outcome = %q, want last write to win", got.Outcome)
	}
}

func TestSQLiteSink_Prune(t *testing.T) {
	sink := newTestSQLiteSink(t)
	ctx := context.Background()
	now := time.Now()

	old := NewTrail("req-old", "", "m", nil)
	old.Finish(OutcomeSelected, "p1")
	old.FinishedAt = now.Add(-48 * time.Hour)
	if err := sink.Write(ctx, old); err != nil {
		t.Fatalf("Write(old) error: %v", err)
	}

	fresh := NewTrail("req-fresh", "", "m", nil)
	fresh.Finish(OutcomeSelected, "p1")
	if err := sink.Write(ctx, fresh); err != nil {
		t.Fatalf("Write(fresh) error: %v", err)
	}

	deleted, err := sink.Prune(ctx, now.Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("Prune() error: %v", err)
	}
	if deleted != 1 {
		t.Errorf("Prune() = %d, want 1", deleted)
	}

	if got, _ := sink.TrailByRequestID(ctx, "req-old"); got != nil {
		t.Error("pruned trail still present")
	}
	if got, _ := sink.TrailByRequestID(ctx, "req-fresh"); got == nil {
		t.Error("fresh trail was pruned")
	}
}
