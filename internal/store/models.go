package store

import "time"

type User struct {
	ID          string
	DisplayName string
	Email       string
	Role        string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

type Workspace struct {
	ID        string
	Name      string
	Slug      string
	TenantID  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// PatchRow is the persisted form of a patch request. History is stored as
// a JSON array of {from, to, actor, timestamp}.
type PatchRow struct {
	RequestID    string
	WorkspaceID  string
	DatasetID    string
	ContractID   string
	RecordID     string
	SheetName    string
	FieldName    string
	BeforeValue  string
	AfterValue   string
	Status       string
	Version      int
	AuthorID     string
	CrossDataset bool
	History      []byte
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type RFI struct {
	ID          string
	WorkspaceID string
	ContractID  string
	Question    string
	Answer      string
	Status      string
	AuthorID    string
	AssigneeID  string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Anchor pins a triage item to a PDF location. Fingerprint makes creation
// idempotent: the same (document, page, quote) resolves to one anchor.
type Anchor struct {
	ID          string
	DocumentID  string
	Page        int
	Quote       string
	Fingerprint string
	CreatedBy   string
	CreatedAt   time.Time
}

type Correction struct {
	ID         string
	DocumentID string
	FieldName  string
	OldValue   string
	NewValue   string
	Kind       string
	Status     string
	AuthorID   string
	CreatedAt  time.Time
}

type WorkbookSession struct {
	ID          string
	WorkspaceID string
	DatasetID   string
	SourceFile  string
	CreatedBy   string
	CreatedAt   time.Time
}

type AuditEvent struct {
	ID           int64
	EventType    string
	ActorID      string
	ResourceType string
	ResourceID   string
	Payload      map[string]any
	CreatedAt    time.Time
}
