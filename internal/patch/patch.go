// Package patch implements the edit-proposal lifecycle: every change an
// analyst wants to make to a record travels as a patch request through
// draft, verifier, and admin stages before it can be applied.
package patch

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"kiwidesk/api/internal/rbac"
)

// Status is a visible lifecycle state. The backend's internal shuttle
// states are not modeled here.
type Status string

const (
	StatusDraft              Status = "Draft"
	StatusSubmitted          Status = "Submitted"
	StatusNeedsClarification Status = "Needs_Clarification"
	StatusVerifierResponded  Status = "Verifier_Responded"
	StatusVerifierApproved   Status = "Verifier_Approved"
	StatusAdminHold          Status = "Admin_Hold"
	StatusAdminApproved      Status = "Admin_Approved"
	StatusApplied            Status = "Applied"
	StatusRejected           Status = "Rejected"
	StatusCancelled          Status = "Cancelled"
)

// IsTerminal reports whether no further transitions exist.
func (s Status) IsTerminal() bool {
	return s == StatusApplied || s == StatusRejected || s == StatusCancelled
}

var (
	ErrNotFound          = errors.New("patch request not found")
	ErrStaleVersion      = errors.New("stale version")
	ErrInvalidTransition = errors.New("invalid transition")
	ErrSelfApproval      = errors.New("self-approval blocked")
	ErrRoleNotAllowed    = errors.New("role not allowed")
	ErrAuthorOnly        = errors.New("only the author may perform this transition")
)

// rule is one row of the transition table.
type rule struct {
	minRole        rbac.Role
	authorOnly     bool
	noSelfApproval bool
}

var transitions = map[Status]map[Status]rule{
	StatusDraft: {
		StatusSubmitted: {minRole: rbac.RoleAnalyst, authorOnly: true},
		StatusCancelled: {minRole: rbac.RoleAnalyst, authorOnly: true},
	},
	StatusSubmitted: {
		StatusNeedsClarification: {minRole: rbac.RoleVerifier},
		StatusVerifierApproved:   {minRole: rbac.RoleVerifier, noSelfApproval: true},
		StatusRejected:           {minRole: rbac.RoleVerifier},
	},
	StatusNeedsClarification: {
		StatusVerifierResponded: {minRole: rbac.RoleAnalyst, authorOnly: true},
	},
	StatusVerifierResponded: {
		StatusVerifierApproved: {minRole: rbac.RoleVerifier, noSelfApproval: true},
	},
	StatusVerifierApproved: {
		StatusAdminApproved: {minRole: rbac.RoleAdmin, noSelfApproval: true},
		StatusAdminHold:     {minRole: rbac.RoleAdmin},
	},
	StatusAdminHold: {
		StatusAdminApproved: {minRole: rbac.RoleAdmin, noSelfApproval: true},
	},
	StatusAdminApproved: {
		StatusApplied: {minRole: rbac.RoleAdmin},
	},
}

// HistoryEntry records one transition.
type HistoryEntry struct {
	From      Status    `json:"from"`
	To        Status    `json:"to"`
	Actor     string    `json:"actor"`
	Timestamp time.Time `json:"timestamp"`
}

// Request is one edit proposal. Version is the optimistic-concurrency
// counter: every accepted transition bumps it by exactly one.
type Request struct {
	RequestID    string         `json:"requestId"`
	DatasetID    string         `json:"datasetId"`
	ContractID   string         `json:"contractId"`
	RecordID     string         `json:"recordId"`
	SheetName    string         `json:"sheetName"`
	FieldName    string         `json:"fieldName"`
	BeforeValue  string         `json:"beforeValue"`
	AfterValue   string         `json:"afterValue"`
	Status       Status         `json:"status"`
	Version      int            `json:"version"`
	AuthorID     string         `json:"authorId"`
	CrossDataset bool           `json:"crossDataset"`
	History      []HistoryEntry `json:"history"`
	CreatedAt    time.Time      `json:"createdAt"`
	UpdatedAt    time.Time      `json:"updatedAt"`
}

func (r *Request) clone() *Request {
	cp := *r
	cp.History = append([]HistoryEntry(nil), r.History...)
	return &cp
}

// EventSink receives patch audit events.
type EventSink interface {
	Emit(eventType string, detail map[string]any)
}

// Store holds patch requests and enforces the state machine.
type Store struct {
	mu     sync.Mutex
	byID   map[string]*Request
	events EventSink
	now    func() time.Time
}

// NewStore builds an empty store. events may be nil.
func NewStore(events EventSink) *Store {
	return &Store{
		byID:   make(map[string]*Request),
		events: events,
		now:    time.Now,
	}
}

// CreateInput is what an analyst supplies for a new draft.
type CreateInput struct {
	DatasetID    string
	ContractID   string
	RecordID     string
	SheetName    string
	FieldName    string
	BeforeValue  string
	AfterValue   string
	CrossDataset bool
}

// Create opens a new request in Draft owned by the acting principal.
func (s *Store) Create(in CreateInput, actor rbac.Principal) (*Request, error) {
	if in.FieldName == "" {
		return nil, fmt.Errorf("field name is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	req := &Request{
		RequestID:    "patch_" + uuid.NewString(),
		DatasetID:    in.DatasetID,
		ContractID:   in.ContractID,
		RecordID:     in.RecordID,
		SheetName:    in.SheetName,
		FieldName:    in.FieldName,
		BeforeValue:  in.BeforeValue,
		AfterValue:   in.AfterValue,
		Status:       StatusDraft,
		Version:      1,
		AuthorID:     actor.ID,
		CrossDataset: in.CrossDataset,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.byID[req.RequestID] = req
	s.emit("patch.created", map[string]any{
		"request_id": req.RequestID, "actor": actor.ID, "dataset_id": req.DatasetID,
	})
	return req.clone(), nil
}

// Get returns a copy of a request.
func (s *Store) Get(id string) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return req.clone(), nil
}

// Transition moves a request to a new status. The caller supplies the
// version it last read; a mismatch fails with ErrStaleVersion and no state
// change. Valid transitions append one history entry and bump the version
// by exactly one.
func (s *Store) Transition(id string, to Status, actor rbac.Principal, version int) (*Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	if req.Version != version {
		return nil, fmt.Errorf("%w: have %d, store at %d", ErrStaleVersion, version, req.Version)
	}
	r, ok := transitions[req.Status][to]
	if !ok {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, req.Status, to)
	}
	if !rbac.AtLeast(actor.Role, r.minRole) {
		return nil, fmt.Errorf("%w: %s -> %s needs %s", ErrRoleNotAllowed, req.Status, to, r.minRole)
	}
	if r.authorOnly && actor.ID != req.AuthorID {
		return nil, ErrAuthorOnly
	}
	if r.noSelfApproval && actor.ID == req.AuthorID {
		s.emit("patch.self_approval_blocked", map[string]any{
			"request_id": req.RequestID, "actor": actor.ID, "from": req.Status, "to": to,
		})
		return nil, ErrSelfApproval
	}

	now := s.now().UTC()
	req.History = append(req.History, HistoryEntry{From: req.Status, To: to, Actor: actor.ID, Timestamp: now})
	req.Status = to
	req.Version++
	req.UpdatedAt = now

	s.emit("patch.transition", map[string]any{
		"request_id": req.RequestID, "actor": actor.ID,
		"from": req.History[len(req.History)-1].From, "to": to, "version": req.Version,
	})
	return req.clone(), nil
}

// List returns requests for a dataset (all datasets when empty), ordered by
// creation time then id for stability.
func (s *Store) List(datasetID string) []*Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Request
	for _, req := range s.byID {
		if datasetID != "" && req.DatasetID != datasetID && !req.CrossDataset {
			continue
		}
		out = append(out, req.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].RequestID < out[j].RequestID
	})
	return out
}

// PurgeStale removes requests whose dataset disagrees with the active
// workbook identity, keeping cross-dataset ones. Returns the removed count
// and emits dataset_mismatch_purged when anything went.
func (s *Store) PurgeStale(activeDatasetID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, req := range s.byID {
		if req.CrossDataset || req.DatasetID == activeDatasetID {
			continue
		}
		delete(s.byID, id)
		removed++
	}
	if removed > 0 {
		s.emit("dataset_mismatch_purged", map[string]any{
			"active_dataset": activeDatasetID, "removed": removed, "kind": "patch",
		})
	}
	return removed
}

func (s *Store) emit(eventType string, detail map[string]any) {
	if s.events != nil {
		s.events.Emit(eventType, detail)
	}
}
