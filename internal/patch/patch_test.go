package patch

import (
	"errors"
	"testing"

	"kiwidesk/api/internal/rbac"
)

var (
	analystA  = rbac.Principal{ID: "user-a", Name: "A", Role: rbac.RoleAnalyst}
	verifierB = rbac.Principal{ID: "user-b", Name: "B", Role: rbac.RoleVerifier}
	adminC    = rbac.Principal{ID: "user-c", Name: "C", Role: rbac.RoleAdmin}
)

type eventCapture struct {
	types []string
}

func (e *eventCapture) Emit(eventType string, detail map[string]any) {
	e.types = append(e.types, eventType)
}

func draft(t *testing.T, s *Store) *Request {
	t.Helper()
	req, err := s.Create(CreateInput{
		DatasetID: "ds-1", ContractID: "c1", RecordID: "REC-1",
		SheetName: "Accounts", FieldName: "status",
		BeforeValue: "blokced", AfterValue: "blocked",
	}, analystA)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	return req
}

func TestFullApprovalPath(t *testing.T) {
	s := NewStore(nil)
	req := draft(t, s)

	steps := []struct {
		to    Status
		actor rbac.Principal
	}{
		{StatusSubmitted, analystA},
		{StatusVerifierApproved, verifierB},
		{StatusAdminApproved, adminC},
		{StatusApplied, adminC},
	}
	version := req.Version
	for _, step := range steps {
		next, err := s.Transition(req.RequestID, step.to, step.actor, version)
		if err != nil {
			t.Fatalf("transition to %s: %v", step.to, err)
		}
		if next.Version != version+1 {
			t.Errorf("version after %s = %d, want %d", step.to, next.Version, version+1)
		}
		version = next.Version
	}

	final, _ := s.Get(req.RequestID)
	if final.Status != StatusApplied || !final.Status.IsTerminal() {
		t.Errorf("final status = %s", final.Status)
	}
	if len(final.History) != len(steps) {
		t.Errorf("history entries = %d, want %d", len(final.History), len(steps))
	}
}

// S5: the author acting as verifier cannot approve their own patch.
func TestSelfApprovalBlocked(t *testing.T) {
	events := &eventCapture{}
	s := NewStore(events)
	req := draft(t, s)

	req, err := s.Transition(req.RequestID, StatusSubmitted, analystA, req.Version)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	sameUserAsVerifier := rbac.Principal{ID: analystA.ID, Name: "A", Role: rbac.RoleVerifier}
	_, err = s.Transition(req.RequestID, StatusVerifierApproved, sameUserAsVerifier, req.Version)
	if !errors.Is(err, ErrSelfApproval) {
		t.Fatalf("err = %v, want ErrSelfApproval", err)
	}

	cur, _ := s.Get(req.RequestID)
	if cur.Status != StatusSubmitted {
		t.Errorf("status after blocked approval = %s, want Submitted", cur.Status)
	}
	found := false
	for _, et := range events.types {
		if et == "patch.self_approval_blocked" {
			found = true
		}
	}
	if !found {
		t.Error("missing patch.self_approval_blocked audit event")
	}
}

func TestStaleVersion(t *testing.T) {
	s := NewStore(nil)
	req := draft(t, s)

	next, err := s.Transition(req.RequestID, StatusSubmitted, analystA, req.Version)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	// Replay with the old version fails and changes nothing.
	_, err = s.Transition(req.RequestID, StatusSubmitted, analystA, req.Version)
	if !errors.Is(err, ErrStaleVersion) {
		t.Fatalf("err = %v, want ErrStaleVersion", err)
	}
	cur, _ := s.Get(req.RequestID)
	if cur.Version != next.Version || len(cur.History) != 1 {
		t.Errorf("state changed on stale replay: %+v", cur)
	}
}

func TestRoleMinimums(t *testing.T) {
	s := NewStore(nil)
	req := draft(t, s)
	req, _ = s.Transition(req.RequestID, StatusSubmitted, analystA, req.Version)

	_, err := s.Transition(req.RequestID, StatusVerifierApproved, rbac.Principal{ID: "x", Role: rbac.RoleAnalyst}, req.Version)
	if !errors.Is(err, ErrRoleNotAllowed) {
		t.Errorf("analyst approving: err = %v, want ErrRoleNotAllowed", err)
	}

	// A higher role may do what the minimum allows.
	next, err := s.Transition(req.RequestID, StatusVerifierApproved, adminC, req.Version)
	if err != nil {
		t.Fatalf("admin as verifier: %v", err)
	}
	if next.Status != StatusVerifierApproved {
		t.Errorf("status = %s", next.Status)
	}
}

func TestAuthorOnlyTransitions(t *testing.T) {
	s := NewStore(nil)
	req := draft(t, s)

	_, err := s.Transition(req.RequestID, StatusSubmitted, rbac.Principal{ID: "someone-else", Role: rbac.RoleAnalyst}, req.Version)
	if !errors.Is(err, ErrAuthorOnly) {
		t.Errorf("err = %v, want ErrAuthorOnly", err)
	}
}

func TestInvalidTransition(t *testing.T) {
	s := NewStore(nil)
	req := draft(t, s)
	_, err := s.Transition(req.RequestID, StatusApplied, adminC, req.Version)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("err = %v, want ErrInvalidTransition", err)
	}
}

func TestClarificationLoop(t *testing.T) {
	s := NewStore(nil)
	req := draft(t, s)
	req, _ = s.Transition(req.RequestID, StatusSubmitted, analystA, req.Version)
	req, err := s.Transition(req.RequestID, StatusNeedsClarification, verifierB, req.Version)
	if err != nil {
		t.Fatalf("needs clarification: %v", err)
	}
	req, err = s.Transition(req.RequestID, StatusVerifierResponded, analystA, req.Version)
	if err != nil {
		t.Fatalf("respond: %v", err)
	}
	if _, err := s.Transition(req.RequestID, StatusVerifierApproved, verifierB, req.Version); err != nil {
		t.Fatalf("approve after response: %v", err)
	}
}

func TestAdminHold(t *testing.T) {
	s := NewStore(nil)
	req := draft(t, s)
	req, _ = s.Transition(req.RequestID, StatusSubmitted, analystA, req.Version)
	req, _ = s.Transition(req.RequestID, StatusVerifierApproved, verifierB, req.Version)
	req, err := s.Transition(req.RequestID, StatusAdminHold, adminC, req.Version)
	if err != nil {
		t.Fatalf("hold: %v", err)
	}
	if _, err := s.Transition(req.RequestID, StatusAdminApproved, adminC, req.Version); err != nil {
		t.Fatalf("approve from hold: %v", err)
	}
}

// S3: loading a new workbook purges stale non-cross-dataset requests.
func TestPurgeStale(t *testing.T) {
	events := &eventCapture{}
	s := NewStore(events)
	if _, err := s.Create(CreateInput{DatasetID: "old_ds", FieldName: "f"}, analystA); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(CreateInput{DatasetID: "old_ds", FieldName: "g", CrossDataset: true}, analystA); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Create(CreateInput{DatasetID: "new_ds", FieldName: "h"}, analystA); err != nil {
		t.Fatal(err)
	}

	removed := s.PurgeStale("new_ds")
	if removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if len(s.List("")) != 2 {
		t.Errorf("remaining = %d, want 2", len(s.List("")))
	}
	found := false
	for _, et := range events.types {
		if et == "dataset_mismatch_purged" {
			found = true
		}
	}
	if !found {
		t.Error("missing dataset_mismatch_purged event")
	}
}
