package article

import (
	"errors"
	"testing"
	"time"
)

var allDecisions = []Decision{
	DecisionApprove, DecisionReject, DecisionEdit, DecisionEscalate,
	DecisionAutoPublish, DecisionQueueReview, DecisionDrop, Decision("bogus"), Decision(""),
}

func TestValidateTransition_TerminalStates(t *testing.T) {
	t.Parallel()

	for _, st := range []State{StatePublished, StateArchived} {
		for _, d := range allDecisions {
			if ValidateTransition(st, d) {
				t.Errorf("ValidateTransition(%s, %q) = true, want false", st, d)
			}
		}
	}
}

func TestValidateTransition_FromReview(t *testing.T) {
	t.Parallel()

	tests := []struct {
		decision Decision
		want     bool
		next     State
	}{
		{DecisionApprove, true, StatePublished},
		{DecisionReject, true, StateArchived},
		{DecisionEdit, true, StateReview},
		{DecisionEscalate, true, StateReview},
		{DecisionAutoPublish, false, ""},
		{DecisionDrop, false, ""},
		{Decision("publish"), false, ""},
	}

	for _, tt := range tests {
		t.Run(string(tt.decision), func(t *testing.T) {
			t.Parallel()
			if got := ValidateTransition(StateReview, tt.decision); got != tt.want {
				t.Fatalf("ValidateTransition(REVIEW, %q) = %v, want %v", tt.decision, got, tt.want)
			}
			if !tt.want {
				return
			}
			next, err := Transition(StateReview, tt.decision)
			if err != nil {
				t.Fatalf("Transition: %v", err)
			}
			if next != tt.next {
				t.Errorf("next = %s, want %s", next, tt.next)
			}
		})
	}
}

func TestValidateTransition_FromIngested(t *testing.T) {
	t.Parallel()

	for _, d := range []Decision{DecisionAutoPublish, DecisionQueueReview, DecisionDrop} {
		if !ValidateTransition(StateIngested, d) {
			t.Errorf("ValidateTransition(INGESTED, %q) = false, want true", d)
		}
	}
	for _, d := range []Decision{DecisionApprove, DecisionReject, DecisionEdit, DecisionEscalate} {
		if ValidateTransition(StateIngested, d) {
			t.Errorf("human decision %q must not apply to INGESTED", d)
		}
	}
}

func TestNewState(t *testing.T) {
	t.Parallel()

	got, ok := NewState(DecisionApprove)
	if !ok || got != StatePublished {
		t.Errorf("NewState(approve) = %s, %v; want PUBLISHED, true", got, ok)
	}
	if _, ok := NewState(Decision("unknown")); ok {
		t.Error("NewState(unknown) should report false")
	}
}

func TestTransition_InvalidReturnsSentinel(t *testing.T) {
	t.Parallel()

	_, err := Transition(StateArchived, DecisionApprove)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestNew_InitialisesCollections(t *testing.T) {
	t.Parallel()

	a := New("a-1", time.Unix(0, 0))
	if a.State != StateIngested || a.Version != 1 {
		t.Fatalf("state/version = %s/%d, want INGESTED/1", a.State, a.Version)
	}
	if a.Tags == nil || a.KeywordMatches == nil || a.GuardrailFlags == nil || a.AuditTrail == nil {
		t.Error("expected non-nil collections")
	}
	if a.Entities.CVEs == nil || a.Entities.Countries == nil {
		t.Error("expected non-nil entity sets")
	}
}

func TestNewEntities_SortsAndDedupes(t *testing.T) {
	t.Parallel()

	e := NewEntities(Entities{CVEs: []string{"CVE-2024-2", "CVE-2024-1", "CVE-2024-2", ""}})
	if len(e.CVEs) != 2 || e.CVEs[0] != "CVE-2024-1" {
		t.Errorf("CVEs = %v, want [CVE-2024-1 CVE-2024-2]", e.CVEs)
	}
	if e.Count() != 2 {
		t.Errorf("Count = %d, want 2", e.Count())
	}
}

func TestClone_Independent(t *testing.T) {
	t.Parallel()

	a := New("a-2", time.Unix(0, 0))
	a.Tags = append(a.Tags, "ransomware")
	a.Escalation = &Escalation{ID: "e-1"}

	cp := a.Clone()
	cp.Tags[0] = "changed"
	cp.Escalation.ID = "e-2"

	if a.Tags[0] != "ransomware" {
		t.Error("clone shares Tags with original")
	}
	if a.Escalation.ID != "e-1" {
		t.Error("clone shares Escalation with original")
	}
}
