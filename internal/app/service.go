// Package app wires the triage engine, the durable store, the session
// backend and the search facade into the HTTP surface.
package app

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"kiwidesk/api/internal/analytics"
	"kiwidesk/api/internal/archive"
	"kiwidesk/api/internal/audit"
	"kiwidesk/api/internal/auth"
	"kiwidesk/api/internal/config"
	"kiwidesk/api/internal/contract"
	"kiwidesk/api/internal/email"
	"kiwidesk/api/internal/grid"
	"kiwidesk/api/internal/patch"
	"kiwidesk/api/internal/pdftext"
	"kiwidesk/api/internal/preflight"
	"kiwidesk/api/internal/rbac"
	"kiwidesk/api/internal/scan"
	"kiwidesk/api/internal/schema"
	"kiwidesk/api/internal/search"
	"kiwidesk/api/internal/session"
	"kiwidesk/api/internal/store"
	"kiwidesk/api/internal/triage"
	"kiwidesk/api/internal/workbook"
)

// dataStore is the durable persistence surface the service needs. The
// concrete implementation is store.PostgresStore; tests substitute a fake.
type dataStore interface {
	EnsureUserByName(ctx context.Context, name string) (store.User, error)
	GetUserByID(ctx context.Context, userID string) (store.User, error)
	UpsertPatch(ctx context.Context, row store.PatchRow) error
	GetPatch(ctx context.Context, requestID string) (store.PatchRow, error)
	ListPatches(ctx context.Context, workspaceID, datasetID string) ([]store.PatchRow, error)
	InsertRFI(ctx context.Context, rfi store.RFI) error
	GetRFI(ctx context.Context, id string) (store.RFI, error)
	ListRFIs(ctx context.Context, workspaceID string) ([]store.RFI, error)
	UpdateRFI(ctx context.Context, id, status, answer string) (bool, error)
	EnsureAnchor(ctx context.Context, anchor store.Anchor) (store.Anchor, bool, error)
	InsertCorrection(ctx context.Context, c store.Correction) error
	ListCorrections(ctx context.Context, documentID string) ([]store.Correction, error)
	InsertWorkbookSession(ctx context.Context, ws store.WorkbookSession) error
	ListWorkbookSessions(ctx context.Context, workspaceID string, limit int) ([]store.WorkbookSession, error)
	AppendAuditEvent(ctx context.Context, e store.AuditEvent) error
	ListAuditEvents(ctx context.Context, limit int) ([]store.AuditEvent, error)
	Ping(ctx context.Context) error
}

// Session is the authenticated state handed back to the client.
type Session struct {
	Token        string    `json:"token"`
	RefreshToken string    `json:"refreshToken,omitempty"`
	UserID       string    `json:"userId"`
	UserName     string    `json:"userName"`
	Role         string    `json:"role"`
	Tenant       string    `json:"tenant"`
	SessionID    string    `json:"sessionId"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// Core is the per-session triage engine: the parsed workbook and everything
// derived from it. A session has at most one active dataset.
type Core struct {
	mu       sync.Mutex
	wb       *workbook.Workbook
	ix       *contract.Index
	snapshot *schema.Snapshot
	state    *triage.State
	resolver *triage.Resolver
	scanner  *scan.Scanner
	metrics  *analytics.Cache
}

// Service owns every collaborator and exposes the operations the HTTP
// layer calls.
type Service struct {
	cfg     config.Config
	store   dataStore
	session *session.RedisStore
	search  *search.Service
	archive *archive.Service
	email   *email.Service
	fetcher scan.TextFetcher
	catalog *schema.Catalog
	events  *audit.Log
	patches *patch.Store

	mu    sync.Mutex
	cores map[string]*Core
}

// durableAudit adapts the store to the audit log's durable sink.
type durableAudit struct{ store dataStore }

func (d durableAudit) AppendAuditEvent(ctx context.Context, ev audit.Event) error {
	return d.store.AppendAuditEvent(ctx, store.AuditEvent{
		EventType:    ev.EventType,
		ActorID:      ev.ActorID,
		ResourceType: ev.ResourceType,
		ResourceID:   ev.ResourceID,
		Payload:      ev.Detail,
	})
}

// New assembles a Service. archiveSvc and emailSvc may be nil; fetcher may
// be nil when no PDF text proxy is configured, which disables scans.
func New(cfg config.Config, st dataStore, sess *session.RedisStore, searchSvc *search.Service, archiveSvc *archive.Service, emailSvc *email.Service, fetcher scan.TextFetcher, catalog *schema.Catalog) *Service {
	if catalog == nil {
		catalog = schema.DefaultCatalog()
	}
	events := audit.NewLog(durableAudit{store: st})
	return &Service{
		cfg:     cfg,
		store:   st,
		session: sess,
		search:  searchSvc,
		archive: archiveSvc,
		email:   emailSvc,
		fetcher: fetcher,
		catalog: catalog,
		events:  events,
		patches: patch.NewStore(events),
		cores:   make(map[string]*Core),
	}
}

// Events returns the retained in-memory audit trail, oldest first.
func (s *Service) Events() []audit.Event {
	return s.events.All()
}

// DurableEvents reads the persisted audit trail, newest first. The in-memory
// log is bounded, so older history only survives here.
func (s *Service) DurableEvents(ctx context.Context, limit int) ([]store.AuditEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	out, err := s.store.ListAuditEvents(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list audit events: %w", err)
	}
	return out, nil
}

// Ping checks the durable store and the session backend.
func (s *Service) Ping(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if s.session != nil {
		if err := s.session.Ping(ctx); err != nil {
			return fmt.Errorf("session: %w", err)
		}
	}
	return nil
}

func newRefreshToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return uuid.NewString() + uuid.NewString()
	}
	return hex.EncodeToString(buf)
}

// Login resolves the display name to a user, creating one on first sight,
// and issues an access plus refresh token pair.
func (s *Service) Login(ctx context.Context, name string) (Session, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Session{}, domainError(422, "VALIDATION_ERROR", "name is required", nil)
	}
	user, err := s.store.EnsureUserByName(ctx, name)
	if err != nil {
		return Session{}, fmt.Errorf("ensure user: %w", err)
	}

	sessionID := uuid.NewString()
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:       user.ID,
		Name:      user.DisplayName,
		Role:      user.Role,
		Tenant:    s.cfg.TenantID,
		SessionID: sessionID,
		JTI:       uuid.NewString(),
		Exp:       expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}

	refresh := newRefreshToken()
	if s.session != nil {
		if err := s.session.SaveRefreshSession(ctx, auth.HashToken(refresh), user.ID, user.DisplayName, user.Role, time.Now().Add(s.cfg.RefreshTTL)); err != nil {
			return Session{}, fmt.Errorf("save refresh session: %w", err)
		}
	}

	s.events.Record(audit.Event{
		EventType:    "session_login",
		ActorID:      user.ID,
		ResourceType: "session",
		ResourceID:   sessionID,
		Detail:       map[string]any{"name": user.DisplayName, "role": user.Role},
	})

	return Session{
		Token:        token,
		RefreshToken: refresh,
		UserID:       user.ID,
		UserName:     user.DisplayName,
		Role:         user.Role,
		Tenant:       s.cfg.TenantID,
		SessionID:    sessionID,
		ExpiresAt:    expiresAt,
	}, nil
}

// Refresh rotates the refresh token and issues a fresh access token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if s.session == nil {
		return Session{}, domainError(503, "FEATURE_DISABLED", "session backend not configured", nil)
	}
	data, err := s.session.LookupRefreshSession(ctx, auth.HashToken(refreshToken))
	if err != nil {
		return Session{}, domainError(401, "UNAUTHORIZED", "invalid refresh token", nil)
	}

	sessionID := uuid.NewString()
	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.JWTSecret), auth.Claims{
		Sub:       data.UserID,
		Name:      data.DisplayName,
		Role:      data.Role,
		Tenant:    s.cfg.TenantID,
		SessionID: sessionID,
		JTI:       uuid.NewString(),
		Exp:       expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}

	next := newRefreshToken()
	if err := s.session.SaveRefreshSession(ctx, auth.HashToken(next), data.UserID, data.DisplayName, data.Role, time.Now().Add(s.cfg.RefreshTTL)); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}
	_ = s.session.SignOut(ctx, auth.HashToken(refreshToken), "")

	return Session{
		Token:        token,
		RefreshToken: next,
		UserID:       data.UserID,
		UserName:     data.DisplayName,
		Role:         data.Role,
		Tenant:       s.cfg.TenantID,
		SessionID:    sessionID,
		ExpiresAt:    expiresAt,
	}, nil
}

// Logout revokes the refresh token and drops the session's cached state.
func (s *Service) Logout(ctx context.Context, claims auth.Claims, refreshToken string) error {
	if s.session != nil {
		if err := s.session.SignOut(ctx, auth.HashToken(refreshToken), claims.SessionID); err != nil {
			return fmt.Errorf("sign out: %w", err)
		}
	}
	s.mu.Lock()
	delete(s.cores, claims.SessionID)
	s.mu.Unlock()
	s.events.Record(audit.Event{
		EventType:    "session_logout",
		ActorID:      claims.Sub,
		ResourceType: "session",
		ResourceID:   claims.SessionID,
	})
	return nil
}

// SessionFromToken validates a bearer token.
func (s *Service) SessionFromToken(token string) (auth.Claims, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return auth.Claims{}, domainError(401, "UNAUTHORIZED", "invalid or expired token", nil)
	}
	return claims, nil
}

func principalFrom(claims auth.Claims) rbac.Principal {
	return rbac.Principal{ID: claims.Sub, Name: claims.Name, Role: rbac.Normalize(claims.Role)}
}

// core returns the session's triage engine, creating an empty one on first
// use.
func (s *Service) core(sessionID string) *Core {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.cores[sessionID]
	if !ok {
		c = &Core{
			state:   triage.NewState(s.events),
			metrics: analytics.NewCache(),
		}
		if s.fetcher != nil {
			c.scanner = scan.New(s.fetcher, s.events, nil)
			c.scanner.Concurrency = s.cfg.ScanBatchSize
		}
		s.cores[sessionID] = c
	}
	return c
}

// WorkbookSummary is what a successful ingest returns.
type WorkbookSummary struct {
	DatasetID      string                 `json:"datasetId"`
	SourceFile     string                 `json:"sourceFile"`
	Sheets         int                    `json:"sheets"`
	Contracts      int                    `json:"contracts"`
	Orphans        int                    `json:"orphans"`
	RecordsTotal   int                    `json:"recordsTotal"`
	EchoesDropped  int                    `json:"echoesDropped"`
	PreflightAdded int                    `json:"preflightAdded"`
	Schema         analytics.SchemaCounts `json:"schema"`
}

// LoadWorkbook ingests a workbook file for the session: parse, index,
// schema snapshot, pre-flight, analytics, search reindex, archive copy.
func (s *Service) LoadWorkbook(ctx context.Context, claims auth.Claims, filename string, data []byte) (WorkbookSummary, error) {
	if len(data) == 0 {
		return WorkbookSummary{}, domainError(422, "VALIDATION_ERROR", "empty workbook payload", nil)
	}
	wb, err := workbook.LoadFromBytes(data, filename, s.events)
	if err != nil {
		return WorkbookSummary{}, domainError(422, "VALIDATION_ERROR", err.Error(), nil)
	}

	c := s.core(claims.SessionID)
	c.mu.Lock()
	defer c.mu.Unlock()

	c.wb = wb
	c.ix = contract.Build(wb)
	c.snapshot = schema.Build(wb, s.catalog)
	c.state.SetDataset(wb.DatasetID, wb.SourceFile)
	if c.scanner != nil {
		c.scanner.Invalidate()
	}
	s.patches.PurgeStale(wb.DatasetID)

	added := c.state.UpsertPreflight(preflight.Detect(wb, c.ix, c.snapshot, s.catalog)...)
	s.restoreTriageLocked(ctx, claims.SessionID, c)
	c.ix.SetBlockerCounts(preflight.BlockerCounts(c.state.PreflightItems()))
	var records triage.RecordStore
	if s.session != nil {
		records = s.session
	}
	c.resolver = triage.NewResolver(wb, c.ix, records, s.cfg.TenantID, s.events)
	s.recomputeLocked(c)
	s.reindexLocked(c)

	if s.archive != nil {
		if err := s.archive.PutWorkbook(ctx, wb.DatasetID, wb.SourceFile, data); err != nil {
			s.events.Emit("workbook_archive_failed", map[string]any{"dataset_id": wb.DatasetID, "error": err.Error()})
		}
	}
	if s.session != nil {
		cache := session.WorkbookCache{DatasetID: wb.DatasetID, SourceFile: wb.SourceFile}
		if payload, err := json.Marshal(wb); err == nil {
			cache.Payload = payload
		}
		if err := s.session.SaveWorkbook(ctx, claims.SessionID, cache); err != nil {
			s.events.Emit("workbook_cache_failed", map[string]any{"dataset_id": wb.DatasetID, "error": err.Error()})
		}
	}

	s.events.Record(audit.Event{
		EventType:    "workbook_loaded",
		ActorID:      claims.Sub,
		ResourceType: "workbook",
		ResourceID:   wb.DatasetID,
		Detail: map[string]any{
			"source_file": wb.SourceFile,
			"sheets":      len(wb.Order),
			"contracts":   c.ix.Len(),
		},
	})

	unknown, missing, drift := c.snapshot.Counts()
	return WorkbookSummary{
		DatasetID:      wb.DatasetID,
		SourceFile:     wb.SourceFile,
		Sheets:         len(wb.Order),
		Contracts:      c.ix.Len(),
		Orphans:        len(c.ix.Orphans()),
		RecordsTotal:   wb.RecordsTotal(),
		EchoesDropped:  wb.EchoesDropped,
		PreflightAdded: added,
		Schema: analytics.SchemaCounts{
			UnknownColumns:  unknown,
			MissingRequired: missing,
			Drift:           drift,
		},
	}, nil
}

// recomputeLocked refreshes the analytics snapshot. Caller holds c.mu.
func (s *Service) recomputeLocked(c *Core) {
	var batch analytics.BatchSummary
	if c.scanner != nil {
		p := c.scanner.Progress()
		batch = analytics.BatchSummary{
			Scanned: p.Scanned, Total: p.Total, Clean: p.Clean,
			Flagged: p.Flagged, Errors: p.Errors, Done: p.Done,
		}
	}
	datasetID := ""
	if c.wb != nil {
		datasetID = c.wb.DatasetID
	}
	c.metrics.Recompute(analytics.Inputs{
		Workbook:  c.wb,
		Index:     c.ix,
		Schema:    c.snapshot,
		Preflight: c.state.PreflightItems(),
		Patches:   s.patches.List(datasetID),
		Signals:   len(c.state.Signals()),
		Batch:     batch,
	})
}

// reindexLocked rebuilds the search index from the core. Caller holds c.mu.
func (s *Service) reindexLocked(c *Core) {
	if s.search == nil || c.wb == nil {
		return
	}
	var contracts []search.ContractRecord
	for _, e := range c.ix.ListContracts() {
		contracts = append(contracts, search.ContractRecord{
			ID:         e.ID,
			Name:       e.Name,
			FileURL:    e.FileURL,
			FirstSheet: e.FirstSheet,
			DatasetID:  c.wb.DatasetID,
			Blockers:   e.Blockers,
		})
	}
	var items []search.TriageRecord
	for _, it := range c.state.PreflightItems() {
		items = append(items, search.TriageRecord{
			ID:         it.RequestID,
			Message:    it.Message,
			Reason:     string(it.Type),
			ContractID: it.ContractID,
			SheetName:  it.SheetName,
			FieldName:  it.FieldName,
			DatasetID:  it.DatasetID,
			Severity:   string(it.Severity),
			Status:     string(it.Status),
		})
	}
	s.search.Reindex(contracts, items)
}

// Contracts lists the indexed contracts for the session, blockers first.
func (s *Service) Contracts(claims auth.Claims) ([]*contract.Entry, error) {
	c := s.core(claims.SessionID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ix == nil {
		return nil, domainError(404, "NOT_FOUND", "no workbook loaded", nil)
	}
	return c.ix.ListContracts(), nil
}

// TriageItems returns every lane of the session's triage queue.
func (s *Service) TriageItems(claims auth.Claims) []triage.Item {
	c := s.core(claims.SessionID)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.ProjectPatches(s.patches.List(activeDataset(c)))
	return c.state.Items()
}

func activeDataset(c *Core) string {
	if c.wb == nil {
		return ""
	}
	return c.wb.DatasetID
}

// ResolveItem routes one triage item to its destination.
func (s *Service) ResolveItem(ctx context.Context, claims auth.Claims, itemID string) (triage.Destination, error) {
	c := s.core(claims.SessionID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.resolver == nil {
		return triage.Destination{}, domainError(404, "NOT_FOUND", "no workbook loaded", nil)
	}
	c.state.ProjectPatches(s.patches.List(activeDataset(c)))
	for _, it := range c.state.Items() {
		if it.ID == itemID {
			return c.resolver.Resolve(ctx, it, activeDataset(c)), nil
		}
	}
	return triage.Destination{}, domainError(404, "NOT_FOUND", "triage item not found", map[string]any{"item_id": itemID})
}

// SetItemStatus moves a pre-flight item to a new lifecycle status.
func (s *Service) SetItemStatus(ctx context.Context, claims auth.Claims, requestID string, status preflight.Status) error {
	switch status {
	case preflight.StatusOpen, preflight.StatusInReview, preflight.StatusResolved, preflight.StatusDismissed:
	default:
		return domainError(422, "VALIDATION_ERROR", "unknown status", map[string]any{"status": string(status)})
	}
	c := s.core(claims.SessionID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.state.SetItemStatus(requestID, status) {
		return domainError(404, "NOT_FOUND", "triage item not found", map[string]any{"item_id": requestID})
	}
	c.ix.SetBlockerCounts(preflight.BlockerCounts(c.state.PreflightItems()))
	s.recomputeLocked(c)
	s.persistTriageLocked(ctx, claims.SessionID, c)
	if s.search != nil && (status == preflight.StatusResolved || status == preflight.StatusDismissed) {
		s.search.DeleteTriageItem(requestID)
	}
	return nil
}

// SignalInput is one backend signal pushed into the triage queue.
type SignalInput struct {
	ContractID string `json:"contractId"`
	RecordID   string `json:"recordId"`
	FieldName  string `json:"fieldName"`
	Severity   string `json:"severity"`
	Message    string `json:"message"`
}

// AddSignal appends a backend signal, the only source of low-confidence
// findings, to the session's triage queue.
func (s *Service) AddSignal(claims auth.Claims, in SignalInput) (triage.Item, error) {
	if strings.TrimSpace(in.Message) == "" {
		return triage.Item{}, domainError(422, "VALIDATION_ERROR", "message is required", nil)
	}
	severity := preflight.Severity(in.Severity)
	switch severity {
	case preflight.SeverityBlocker, preflight.SeverityWarning, preflight.SeverityInfo:
	case "":
		severity = preflight.SeverityWarning
	default:
		return triage.Item{}, domainError(422, "VALIDATION_ERROR", "unknown severity", map[string]any{"severity": in.Severity})
	}
	c := s.core(claims.SessionID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wb == nil {
		return triage.Item{}, domainError(404, "NOT_FOUND", "no workbook loaded", nil)
	}
	item := triage.Item{
		ID:         uuid.NewString(),
		ContractID: in.ContractID,
		RecordID:   in.RecordID,
		FieldName:  in.FieldName,
		DatasetID:  c.wb.DatasetID,
		SourceFile: c.wb.SourceFile,
		Severity:   severity,
		Message:    in.Message,
	}
	c.state.AddSignal(item)
	s.recomputeLocked(c)
	s.events.Record(audit.Event{
		EventType:    "signal_received",
		ActorID:      claims.Sub,
		ResourceType: "signal",
		ResourceID:   item.ID,
		Detail:       map[string]any{"contract_id": in.ContractID, "severity": string(severity)},
	})
	return item, nil
}

// SetActiveSheet selects the sheet the grid focuses on. An empty name
// clears the selection.
func (s *Service) SetActiveSheet(claims auth.Claims, sheet string) error {
	c := s.core(claims.SessionID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wb == nil {
		return domainError(404, "NOT_FOUND", "no workbook loaded", nil)
	}
	if err := c.wb.SetActive(sheet); err != nil {
		return domainError(422, "VALIDATION_ERROR", err.Error(), map[string]any{"sheet": sheet})
	}
	return nil
}

// persistTriageLocked caches the non-open item statuses so a reconnecting
// session restores them on the next load of the same dataset. Caller holds
// c.mu.
func (s *Service) persistTriageLocked(ctx context.Context, sessionID string, c *Core) {
	if s.session == nil || c.wb == nil {
		return
	}
	statuses := make(map[string]string)
	for _, it := range c.state.PreflightItems() {
		if it.Status != preflight.StatusOpen {
			statuses[it.RequestID] = string(it.Status)
		}
	}
	payload, err := json.Marshal(statuses)
	if err != nil {
		return
	}
	cache := session.TriageCache{DatasetID: c.wb.DatasetID, Payload: payload}
	if err := s.session.SaveTriage(ctx, sessionID, cache); err != nil {
		s.events.Emit("triage_cache_failed", map[string]any{"dataset_id": c.wb.DatasetID, "error": err.Error()})
	}
}

// restoreTriageLocked re-applies cached item statuses after an ingest of
// the same dataset. Caller holds c.mu.
func (s *Service) restoreTriageLocked(ctx context.Context, sessionID string, c *Core) {
	if s.session == nil || c.wb == nil {
		return
	}
	cache, ok, err := s.session.LoadTriage(ctx, sessionID, c.wb.DatasetID)
	if err != nil || !ok {
		return
	}
	var statuses map[string]string
	if err := json.Unmarshal(cache.Payload, &statuses); err != nil {
		return
	}
	for id, st := range statuses {
		c.state.SetItemStatus(id, preflight.Status(st))
	}
}

// StartScan launches the batch PDF scan in the background.
func (s *Service) StartScan(claims auth.Claims) (scan.Progress, error) {
	c := s.core(claims.SessionID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scanner == nil {
		return scan.Progress{}, domainError(503, "FEATURE_DISABLED", "pdf text service not configured", nil)
	}
	if c.ix == nil {
		return scan.Progress{}, domainError(404, "NOT_FOUND", "no workbook loaded", nil)
	}
	ix, state, datasetID := c.ix, c.state, activeDataset(c)
	scanner := c.scanner
	go func() {
		scanner.Run(context.Background(), ix, state, datasetID)
		c.mu.Lock()
		c.ix.SetBlockerCounts(preflight.BlockerCounts(c.state.PreflightItems()))
		s.recomputeLocked(c)
		c.mu.Unlock()
	}()
	return scanner.Progress(), nil
}

// ScanProgress reports the current banner payload.
func (s *Service) ScanProgress(claims auth.Claims) (scan.Progress, error) {
	c := s.core(claims.SessionID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.scanner == nil {
		return scan.Progress{}, domainError(503, "FEATURE_DISABLED", "pdf text service not configured", nil)
	}
	return c.scanner.Progress(), nil
}

// Analytics returns the cached dashboard snapshot, recomputed first.
func (s *Service) Analytics(claims auth.Claims) analytics.Snapshot {
	c := s.core(claims.SessionID)
	c.mu.Lock()
	defer c.mu.Unlock()
	s.recomputeLocked(c)
	return c.metrics.Snapshot()
}

// Composite builds the stitched multi-sheet grid for one contract.
func (s *Service) Composite(claims auth.Claims, contractID string) (*grid.Composite, error) {
	c := s.core(claims.SessionID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.wb == nil {
		return nil, domainError(404, "NOT_FOUND", "no workbook loaded", nil)
	}
	if _, ok := c.ix.Get(contractID); !ok {
		return nil, domainError(404, "NOT_FOUND", "contract not found", map[string]any{"contract_id": contractID})
	}
	return grid.BuildComposite(c.wb, c.ix, contractID, nil), nil
}

// HealthTable groups open pre-flight findings by contract.
func (s *Service) HealthTable(claims auth.Claims) (*grid.HealthTable, error) {
	c := s.core(claims.SessionID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ix == nil {
		return nil, domainError(404, "NOT_FOUND", "no workbook loaded", nil)
	}
	return grid.BuildHealthTable(c.ix, c.state.PreflightItems()), nil
}

// Viewer builds the PDF viewer target for a contract, optionally focused
// on a page and search fragment.
func (s *Service) Viewer(claims auth.Claims, contractID string, page int, query string) (pdftext.ViewerTarget, error) {
	c := s.core(claims.SessionID)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ix == nil {
		return pdftext.ViewerTarget{}, domainError(404, "NOT_FOUND", "no workbook loaded", nil)
	}
	entry, ok := c.ix.Get(contractID)
	if !ok {
		return pdftext.ViewerTarget{}, domainError(404, "NOT_FOUND", "contract not found", map[string]any{"contract_id": contractID})
	}
	if entry.FileURL == "" {
		return pdftext.ViewerTarget{}, domainError(422, "VALIDATION_ERROR", "contract has no document url", map[string]any{"contract_id": contractID})
	}
	if page < 1 {
		page = 1
	}
	return pdftext.ViewerTarget{BaseURL: entry.FileURL, Page: page, Search: query}, nil
}

// CreatePatch opens a draft patch and mirrors it to the durable store.
func (s *Service) CreatePatch(ctx context.Context, claims auth.Claims, workspaceID string, in patch.CreateInput) (*patch.Request, error) {
	req, err := s.patches.Create(in, principalFrom(claims))
	if err != nil {
		return nil, err
	}
	s.persistPatch(ctx, workspaceID, req)
	if s.search != nil {
		s.search.IndexPatch(search.PatchRecord{
			ID:         req.RequestID,
			FieldName:  req.FieldName,
			ContractID: req.ContractID,
			DatasetID:  req.DatasetID,
			Status:     string(req.Status),
		})
	}
	return req, nil
}

// TransitionPatch applies one lifecycle transition under optimistic
// concurrency.
func (s *Service) TransitionPatch(ctx context.Context, claims auth.Claims, workspaceID, requestID string, to patch.Status, version int) (*patch.Request, error) {
	req, err := s.patches.Transition(requestID, to, principalFrom(claims), version)
	if err != nil {
		return nil, err
	}
	s.persistPatch(ctx, workspaceID, req)
	if s.search != nil {
		s.search.IndexPatch(search.PatchRecord{
			ID:         req.RequestID,
			FieldName:  req.FieldName,
			ContractID: req.ContractID,
			DatasetID:  req.DatasetID,
			Status:     string(req.Status),
		})
	}
	s.notifyPatchTransition(ctx, claims, req)
	return req, nil
}

// GetPatch returns one patch request, reading the durable mirror when the
// live store no longer holds it (a different dataset is active, or the
// process restarted).
func (s *Service) GetPatch(ctx context.Context, requestID string) (*patch.Request, error) {
	req, err := s.patches.Get(requestID)
	if err == nil {
		return req, nil
	}
	if !errors.Is(err, patch.ErrNotFound) {
		return nil, err
	}
	row, dbErr := s.store.GetPatch(ctx, requestID)
	if dbErr != nil {
		return nil, err
	}
	return patchFromRow(row), nil
}

func patchFromRow(row store.PatchRow) *patch.Request {
	req := &patch.Request{
		RequestID:    row.RequestID,
		DatasetID:    row.DatasetID,
		ContractID:   row.ContractID,
		RecordID:     row.RecordID,
		SheetName:    row.SheetName,
		FieldName:    row.FieldName,
		BeforeValue:  row.BeforeValue,
		AfterValue:   row.AfterValue,
		Status:       patch.Status(row.Status),
		Version:      row.Version,
		AuthorID:     row.AuthorID,
		CrossDataset: row.CrossDataset,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}
	if len(row.History) > 0 {
		_ = json.Unmarshal(row.History, &req.History)
	}
	return req
}

// ListPatches reads the workspace's persisted patches.
func (s *Service) ListPatches(ctx context.Context, workspaceID, datasetID string) ([]store.PatchRow, error) {
	rows, err := s.store.ListPatches(ctx, workspaceID, datasetID)
	if err != nil {
		return nil, fmt.Errorf("list patches: %w", err)
	}
	return rows, nil
}

func (s *Service) persistPatch(ctx context.Context, workspaceID string, req *patch.Request) {
	history, err := json.Marshal(req.History)
	if err != nil {
		history = []byte("[]")
	}
	row := store.PatchRow{
		RequestID:    req.RequestID,
		WorkspaceID:  workspaceID,
		DatasetID:    req.DatasetID,
		ContractID:   req.ContractID,
		RecordID:     req.RecordID,
		SheetName:    req.SheetName,
		FieldName:    req.FieldName,
		BeforeValue:  req.BeforeValue,
		AfterValue:   req.AfterValue,
		Status:       string(req.Status),
		Version:      req.Version,
		AuthorID:     req.AuthorID,
		CrossDataset: req.CrossDataset,
		History:      history,
		CreatedAt:    req.CreatedAt,
		UpdatedAt:    req.UpdatedAt,
	}
	if err := s.store.UpsertPatch(ctx, row); err != nil {
		s.events.Emit("patch_persist_failed", map[string]any{"request_id": req.RequestID, "error": err.Error()})
	}
}

func (s *Service) notifyPatchTransition(ctx context.Context, claims auth.Claims, req *patch.Request) {
	if s.email == nil || !s.email.IsConfigured() || req.AuthorID == claims.Sub {
		return
	}
	author, err := s.store.GetUserByID(ctx, req.AuthorID)
	if err != nil || author.Email == "" {
		return
	}
	n := len(req.History)
	fromStatus := ""
	if n > 0 {
		fromStatus = string(req.History[n-1].From)
	}
	if err := s.email.SendPatchTransitionEmail(author.Email, author.DisplayName, req.ContractID, req.FieldName, fromStatus, string(req.Status), ""); err != nil {
		s.events.Emit("patch_email_failed", map[string]any{"request_id": req.RequestID, "error": err.Error()})
	}
}

// CreateRFIInput is the request body for a new RFI.
type CreateRFIInput struct {
	ContractID string `json:"contractId"`
	Question   string `json:"question"`
	AssigneeID string `json:"assigneeId"`
}

// CreateRFI opens a request-for-information in a workspace.
func (s *Service) CreateRFI(ctx context.Context, claims auth.Claims, workspaceID string, in CreateRFIInput) (store.RFI, error) {
	if strings.TrimSpace(in.Question) == "" {
		return store.RFI{}, domainError(422, "VALIDATION_ERROR", "question is required", nil)
	}
	rfi := store.RFI{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		ContractID:  in.ContractID,
		Question:    strings.TrimSpace(in.Question),
		Status:      "open",
		AuthorID:    claims.Sub,
		AssigneeID:  in.AssigneeID,
	}
	if err := s.store.InsertRFI(ctx, rfi); err != nil {
		return store.RFI{}, fmt.Errorf("insert rfi: %w", err)
	}
	s.events.Record(audit.Event{
		EventType:    "rfi_created",
		ActorID:      claims.Sub,
		ResourceType: "rfi",
		ResourceID:   rfi.ID,
		Detail:       map[string]any{"workspace_id": workspaceID, "contract_id": in.ContractID},
	})
	if in.AssigneeID != "" && s.email != nil && s.email.IsConfigured() {
		if assignee, err := s.store.GetUserByID(ctx, in.AssigneeID); err == nil && assignee.Email != "" {
			if err := s.email.SendRFIAssignedEmail(assignee.Email, assignee.DisplayName, in.ContractID, rfi.Question, ""); err != nil {
				s.events.Emit("rfi_email_failed", map[string]any{"rfi_id": rfi.ID, "error": err.Error()})
			}
		}
	}
	return rfi, nil
}

// ListRFIs returns a workspace's RFIs, newest first.
func (s *Service) ListRFIs(ctx context.Context, workspaceID string) ([]store.RFI, error) {
	rfis, err := s.store.ListRFIs(ctx, workspaceID)
	if err != nil {
		return nil, fmt.Errorf("list rfis: %w", err)
	}
	return rfis, nil
}

// UpdateRFIInput carries the mutable RFI fields; empty values are left
// unchanged.
type UpdateRFIInput struct {
	Status string `json:"status"`
	Answer string `json:"answer"`
}

// UpdateRFI answers or re-states an RFI.
func (s *Service) UpdateRFI(ctx context.Context, claims auth.Claims, id string, in UpdateRFIInput) (store.RFI, error) {
	if in.Status != "" {
		switch in.Status {
		case "open", "answered", "closed":
		default:
			return store.RFI{}, domainError(422, "VALIDATION_ERROR", "unknown rfi status", map[string]any{"status": in.Status})
		}
	}
	ok, err := s.store.UpdateRFI(ctx, id, in.Status, in.Answer)
	if err != nil {
		return store.RFI{}, fmt.Errorf("update rfi: %w", err)
	}
	if !ok {
		return store.RFI{}, domainError(404, "NOT_FOUND", "rfi not found", map[string]any{"rfi_id": id})
	}
	rfi, err := s.store.GetRFI(ctx, id)
	if err != nil {
		return store.RFI{}, fmt.Errorf("get rfi: %w", err)
	}
	s.events.Record(audit.Event{
		EventType:    "rfi_updated",
		ActorID:      claims.Sub,
		ResourceType: "rfi",
		ResourceID:   id,
		Detail:       map[string]any{"status": rfi.Status},
	})
	if rfi.Status == "answered" && rfi.AuthorID != claims.Sub && s.email != nil && s.email.IsConfigured() {
		if author, err := s.store.GetUserByID(ctx, rfi.AuthorID); err == nil && author.Email != "" {
			if err := s.email.SendRFIAnsweredEmail(author.Email, author.DisplayName, rfi.ContractID, rfi.Answer); err != nil {
				s.events.Emit("rfi_email_failed", map[string]any{"rfi_id": id, "error": err.Error()})
			}
		}
	}
	return rfi, nil
}

// CreateAnchorInput is the request body for a document anchor.
type CreateAnchorInput struct {
	Page  int    `json:"page"`
	Quote string `json:"quote"`
}

// EnsureAnchor pins a quote on a document page. Repeated calls with the
// same document, page and quote return the existing anchor.
func (s *Service) EnsureAnchor(ctx context.Context, claims auth.Claims, documentID string, in CreateAnchorInput) (store.Anchor, bool, error) {
	if in.Page < 1 {
		return store.Anchor{}, false, domainError(422, "VALIDATION_ERROR", "page must be positive", nil)
	}
	if strings.TrimSpace(in.Quote) == "" {
		return store.Anchor{}, false, domainError(422, "VALIDATION_ERROR", "quote is required", nil)
	}
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", documentID, in.Page, in.Quote)))
	anchor := store.Anchor{
		ID:          uuid.NewString(),
		DocumentID:  documentID,
		Page:        in.Page,
		Quote:       in.Quote,
		Fingerprint: hex.EncodeToString(sum[:]),
		CreatedBy:   claims.Sub,
	}
	got, created, err := s.store.EnsureAnchor(ctx, anchor)
	if err != nil {
		return store.Anchor{}, false, fmt.Errorf("ensure anchor: %w", err)
	}
	if created {
		s.events.Record(audit.Event{
			EventType:    "anchor_created",
			ActorID:      claims.Sub,
			ResourceType: "anchor",
			ResourceID:   got.ID,
			Detail:       map[string]any{"document_id": documentID, "page": in.Page},
		})
	}
	return got, created, nil
}

// CreateCorrectionInput is the request body for a document correction.
type CreateCorrectionInput struct {
	FieldName string `json:"fieldName"`
	OldValue  string `json:"oldValue"`
	NewValue  string `json:"newValue"`
	Kind      string `json:"kind"`
}

// CreateCorrection records a field correction against a document. Minor
// corrections apply immediately; anything else waits for a verifier.
func (s *Service) CreateCorrection(ctx context.Context, claims auth.Claims, documentID string, in CreateCorrectionInput) (store.Correction, error) {
	if strings.TrimSpace(in.FieldName) == "" {
		return store.Correction{}, domainError(422, "VALIDATION_ERROR", "fieldName is required", nil)
	}
	kind := in.Kind
	if kind == "" {
		kind = "minor"
	}
	status := "pending_verifier"
	if kind == "minor" {
		status = "auto_applied"
	}
	c := store.Correction{
		ID:         uuid.NewString(),
		DocumentID: documentID,
		FieldName:  in.FieldName,
		OldValue:   in.OldValue,
		NewValue:   in.NewValue,
		Kind:       kind,
		Status:     status,
		AuthorID:   claims.Sub,
	}
	if err := s.store.InsertCorrection(ctx, c); err != nil {
		return store.Correction{}, fmt.Errorf("insert correction: %w", err)
	}
	s.events.Record(audit.Event{
		EventType:    "correction_created",
		ActorID:      claims.Sub,
		ResourceType: "correction",
		ResourceID:   c.ID,
		Detail:       map[string]any{"document_id": documentID, "kind": kind, "status": status},
	})
	return c, nil
}

// ListCorrections returns a document's corrections, newest first.
func (s *Service) ListCorrections(ctx context.Context, documentID string) ([]store.Correction, error) {
	out, err := s.store.ListCorrections(ctx, documentID)
	if err != nil {
		return nil, fmt.Errorf("list corrections: %w", err)
	}
	return out, nil
}

// UpsertRecordInput seeds one canonical record for the resolver.
type UpsertRecordInput struct {
	DatasetID string          `json:"datasetId"`
	RecordID  string          `json:"recordId"`
	Payload   json.RawMessage `json:"payload"`
}

// UpsertRecord writes a canonical record into the session backend. The
// resolver consults these when routing triage items, so only verifiers and
// above may seed them.
func (s *Service) UpsertRecord(ctx context.Context, claims auth.Claims, in UpsertRecordInput) error {
	if s.session == nil {
		return domainError(503, "FEATURE_DISABLED", "session backend not configured", nil)
	}
	if !rbac.AtLeast(principalFrom(claims).Role, rbac.RoleVerifier) {
		return domainError(403, "ROLE_NOT_ALLOWED", "verifier role required", nil)
	}
	if in.DatasetID == "" || in.RecordID == "" {
		return domainError(422, "VALIDATION_ERROR", "datasetId and recordId are required", nil)
	}
	if len(in.Payload) == 0 {
		in.Payload = json.RawMessage("{}")
	}
	if err := s.session.PutRecord(ctx, s.cfg.TenantID, in.DatasetID, in.RecordID, in.Payload); err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	s.events.Record(audit.Event{
		EventType:    "record_seeded",
		ActorID:      claims.Sub,
		ResourceType: "record",
		ResourceID:   in.RecordID,
		Detail:       map[string]any{"dataset_id": in.DatasetID},
	})
	return nil
}

// ArchivedWorkbook fetches the original uploaded bytes from object storage.
func (s *Service) ArchivedWorkbook(ctx context.Context, datasetID, filename string) ([]byte, error) {
	if s.archive == nil {
		return nil, domainError(503, "FEATURE_DISABLED", "object storage not configured", nil)
	}
	if datasetID == "" || filename == "" {
		return nil, domainError(422, "VALIDATION_ERROR", "dataset and file are required", nil)
	}
	data, found, err := s.archive.GetWorkbook(ctx, datasetID, filename)
	if err != nil {
		return nil, fmt.Errorf("get archived workbook: %w", err)
	}
	if !found {
		return nil, domainError(404, "NOT_FOUND", "archived workbook not found", map[string]any{"dataset_id": datasetID, "file": filename})
	}
	return data, nil
}

// RecordWorkbookSession persists the ingest record for a workspace.
func (s *Service) RecordWorkbookSession(ctx context.Context, claims auth.Claims, workspaceID string) (store.WorkbookSession, error) {
	c := s.core(claims.SessionID)
	c.mu.Lock()
	wb := c.wb
	c.mu.Unlock()
	if wb == nil {
		return store.WorkbookSession{}, domainError(404, "NOT_FOUND", "no workbook loaded", nil)
	}
	ws := store.WorkbookSession{
		ID:          uuid.NewString(),
		WorkspaceID: workspaceID,
		DatasetID:   wb.DatasetID,
		SourceFile:  wb.SourceFile,
		CreatedBy:   claims.Sub,
	}
	if err := s.store.InsertWorkbookSession(ctx, ws); err != nil {
		return store.WorkbookSession{}, fmt.Errorf("insert workbook session: %w", err)
	}
	return ws, nil
}

// ListWorkbookSessions returns a workspace's recent ingests.
func (s *Service) ListWorkbookSessions(ctx context.Context, workspaceID string, limit int) ([]store.WorkbookSession, error) {
	out, err := s.store.ListWorkbookSessions(ctx, workspaceID, limit)
	if err != nil {
		return nil, fmt.Errorf("list workbook sessions: %w", err)
	}
	return out, nil
}

// Search runs a full-text query over contracts, triage items and patches.
func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: q.Text}
	}
	return s.search.Search(q)
}

// AppendQARun records one QA runner result in the shared history.
func (s *Service) AppendQARun(ctx context.Context, claims auth.Claims, passed, failed int) (session.QARun, error) {
	if s.session == nil {
		return session.QARun{}, domainError(503, "FEATURE_DISABLED", "session backend not configured", nil)
	}
	c := s.core(claims.SessionID)
	c.mu.Lock()
	datasetID := activeDataset(c)
	c.mu.Unlock()
	run := session.QARun{
		RunID:     uuid.NewString(),
		DatasetID: datasetID,
		ActorID:   claims.Sub,
		Passed:    passed,
		Failed:    failed,
		RanAt:     time.Now().UTC(),
	}
	if err := s.session.AppendQARun(ctx, run); err != nil {
		return session.QARun{}, fmt.Errorf("append qa run: %w", err)
	}
	return run, nil
}

// QAHistory returns the shared QA runner history, newest first.
func (s *Service) QAHistory(ctx context.Context) ([]session.QARun, error) {
	if s.session == nil {
		return nil, domainError(503, "FEATURE_DISABLED", "session backend not configured", nil)
	}
	runs, err := s.session.QAHistory(ctx)
	if err != nil {
		return nil, fmt.Errorf("qa history: %w", err)
	}
	return runs, nil
}
