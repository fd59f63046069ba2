package app

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"kiwidesk/api/internal/auth"
	"kiwidesk/api/internal/patch"
	"kiwidesk/api/internal/preflight"
	"kiwidesk/api/internal/search"
)

// maxUploadBytes bounds a workbook upload request body.
const maxUploadBytes = 32 << 20

// Server is the HTTP front end.
type Server struct {
	svc        *Service
	corsOrigin string
}

// NewServer wraps the service in the HTTP surface.
func NewServer(svc *Service, corsOrigin string) *Server {
	return &Server{svc: svc, corsOrigin: corsOrigin}
}

// Handler returns the root handler with middleware applied.
func (s *Server) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

// handle dispatches every route. Paths are matched on the segments after
// /api; method mismatches fall through to 405.
func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) == 0 || parts[0] != "api" {
		s.writeError(w, r, domainError(404, "NOT_FOUND", "unknown route", nil))
		return
	}
	parts = parts[1:]

	switch {
	case len(parts) == 1 && parts[0] == "health" && r.Method == http.MethodGet:
		s.writeData(w, r, http.StatusOK, map[string]string{"status": "ok"})

	case len(parts) == 1 && parts[0] == "ready" && r.Method == http.MethodGet:
		if err := s.svc.Ping(r.Context()); err != nil {
			s.writeError(w, r, domainError(503, "NOT_READY", err.Error(), nil))
			return
		}
		s.writeData(w, r, http.StatusOK, map[string]string{"status": "ready"})

	case len(parts) == 2 && parts[0] == "session" && parts[1] == "login" && r.Method == http.MethodPost:
		s.handleLogin(w, r)

	case len(parts) == 2 && parts[0] == "session" && parts[1] == "refresh" && r.Method == http.MethodPost:
		s.handleRefresh(w, r)

	case len(parts) == 2 && parts[0] == "session" && parts[1] == "logout" && r.Method == http.MethodPost:
		s.handleLogout(w, r)

	case len(parts) == 1 && parts[0] == "session" && r.Method == http.MethodGet:
		s.handleWhoAmI(w, r)

	case len(parts) == 1 && parts[0] == "workbook" && r.Method == http.MethodPost:
		s.handleLoadWorkbook(w, r)

	case len(parts) == 2 && parts[0] == "workbook" && parts[1] == "archive" && r.Method == http.MethodGet:
		s.handleArchivedWorkbook(w, r)

	case len(parts) == 2 && parts[0] == "workbook" && parts[1] == "active-sheet" && r.Method == http.MethodPost:
		s.handleSetActiveSheet(w, r)

	case len(parts) == 1 && parts[0] == "signals" && r.Method == http.MethodPost:
		s.handleAddSignal(w, r)

	case len(parts) == 1 && parts[0] == "records" && r.Method == http.MethodPost:
		s.handleUpsertRecord(w, r)

	case len(parts) == 1 && parts[0] == "contracts" && r.Method == http.MethodGet:
		s.handleContracts(w, r)

	// contract ids can be canonical URLs, so these take ?contract=
	case len(parts) == 1 && parts[0] == "grid" && r.Method == http.MethodGet:
		s.handleComposite(w, r, r.URL.Query().Get("contract"))

	case len(parts) == 1 && parts[0] == "viewer" && r.Method == http.MethodGet:
		s.handleViewer(w, r, r.URL.Query().Get("contract"))

	case len(parts) == 1 && parts[0] == "triage" && r.Method == http.MethodGet:
		s.handleTriageItems(w, r)

	case len(parts) == 3 && parts[0] == "triage" && parts[2] == "resolve" && r.Method == http.MethodPost:
		s.handleResolve(w, r, parts[1])

	case len(parts) == 3 && parts[0] == "triage" && parts[2] == "status" && r.Method == http.MethodPost:
		s.handleItemStatus(w, r, parts[1])

	case len(parts) == 1 && parts[0] == "health-table" && r.Method == http.MethodGet:
		s.handleHealthTable(w, r)

	case len(parts) == 1 && parts[0] == "analytics" && r.Method == http.MethodGet:
		s.handleAnalytics(w, r)

	case len(parts) == 1 && parts[0] == "scan" && r.Method == http.MethodPost:
		s.handleStartScan(w, r)

	case len(parts) == 2 && parts[0] == "scan" && parts[1] == "progress" && r.Method == http.MethodGet:
		s.handleScanProgress(w, r)

	case len(parts) == 1 && parts[0] == "search" && r.Method == http.MethodGet:
		s.handleSearch(w, r)

	case len(parts) == 1 && parts[0] == "events" && r.Method == http.MethodGet:
		s.handleEvents(w, r)

	case len(parts) == 1 && parts[0] == "qa-runs" && r.Method == http.MethodPost:
		s.handleAppendQARun(w, r)

	case len(parts) == 1 && parts[0] == "qa-runs" && r.Method == http.MethodGet:
		s.handleQAHistory(w, r)

	case len(parts) == 3 && parts[0] == "workspaces" && parts[2] == "patches" && r.Method == http.MethodGet:
		s.handleListPatches(w, r, parts[1])

	case len(parts) == 3 && parts[0] == "workspaces" && parts[2] == "patches" && r.Method == http.MethodPost:
		s.handleCreatePatch(w, r, parts[1])

	case len(parts) == 2 && parts[0] == "patches" && r.Method == http.MethodGet:
		s.handleGetPatch(w, r, parts[1])

	case len(parts) == 2 && parts[0] == "patches" && r.Method == http.MethodPatch:
		s.handleTransitionPatch(w, r, parts[1])

	case len(parts) == 3 && parts[0] == "workspaces" && parts[2] == "rfis" && r.Method == http.MethodGet:
		s.handleListRFIs(w, r, parts[1])

	case len(parts) == 3 && parts[0] == "workspaces" && parts[2] == "rfis" && r.Method == http.MethodPost:
		s.handleCreateRFI(w, r, parts[1])

	case len(parts) == 2 && parts[0] == "rfis" && r.Method == http.MethodPatch:
		s.handleUpdateRFI(w, r, parts[1])

	case len(parts) == 3 && parts[0] == "documents" && parts[2] == "anchors" && r.Method == http.MethodPost:
		s.handleEnsureAnchor(w, r, parts[1])

	case len(parts) == 3 && parts[0] == "documents" && parts[2] == "corrections" && r.Method == http.MethodPost:
		s.handleCreateCorrection(w, r, parts[1])

	case len(parts) == 3 && parts[0] == "documents" && parts[2] == "corrections" && r.Method == http.MethodGet:
		s.handleListCorrections(w, r, parts[1])

	case len(parts) == 3 && parts[0] == "workspaces" && parts[2] == "sessions" && r.Method == http.MethodPost:
		s.handleRecordWorkbookSession(w, r, parts[1])

	case len(parts) == 3 && parts[0] == "workspaces" && parts[2] == "sessions" && r.Method == http.MethodGet:
		s.handleListWorkbookSessions(w, r, parts[1])

	default:
		s.writeError(w, r, domainError(404, "NOT_FOUND", "unknown route", nil))
	}
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var in struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	sess, err := s.svc.Login(r.Context(), in.Name)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, sess)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var in struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if in.RefreshToken == "" {
		s.writeError(w, r, domainError(422, "VALIDATION_ERROR", "refreshToken is required", nil))
		return
	}
	sess, err := s.svc.Refresh(r.Context(), in.RefreshToken)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, sess)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	claims, err := s.requireSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.Logout(r.Context(), claims, in.RefreshToken); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleWhoAmI(w http.ResponseWriter, r *http.Request) {
	claims, err := s.requireSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]any{
		"userId":    claims.Sub,
		"userName":  claims.Name,
		"role":      claims.Role,
		"tenant":    claims.Tenant,
		"sessionId": claims.SessionID,
	})
}

func (s *Server) handleLoadWorkbook(w http.ResponseWriter, r *http.Request) {
	claims, err := s.requireSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	var in struct {
		Filename string `json:"filename"`
		Content  string `json:"content"`
	}
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	data, err := base64.StdEncoding.DecodeString(in.Content)
	if err != nil {
		s.writeError(w, r, domainError(422, "VALIDATION_ERROR", "content must be base64", nil))
		return
	}
	summary, err := s.svc.LoadWorkbook(r.Context(), claims, in.Filename, data)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, summary)
}

func (s *Server) handleArchivedWorkbook(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireSession(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	data, err := s.svc.ArchivedWorkbook(r.Context(), q.Get("dataset"), q.Get("file"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]string{
		"file":    q.Get("file"),
		"content": base64.StdEncoding.EncodeToString(data),
	})
}

func (s *Server) handleSetActiveSheet(w http.ResponseWriter, r *http.Request) {
	claims, err := s.requireSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in struct {
		Sheet string `json:"sheet"`
	}
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.SetActiveSheet(claims, in.Sheet); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]string{"sheet": in.Sheet})
}

func (s *Server) handleAddSignal(w http.ResponseWriter, r *http.Request) {
	claims, err := s.requireSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in SignalInput
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	item, err := s.svc.AddSignal(claims, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusCreated, item)
}

func (s *Server) handleUpsertRecord(w http.ResponseWriter, r *http.Request) {
	claims, err := s.requireSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in UpsertRecordInput
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.UpsertRecord(r.Context(), claims, in); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusCreated, map[string]string{
		"datasetId": in.DatasetID,
		"recordId":  in.RecordID,
	})
}

func (s *Server) handleContracts(w http.ResponseWriter, r *http.Request) {
	claims, err := s.requireSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	entries, err := s.svc.Contracts(claims)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, entries)
}

func (s *Server) handleComposite(w http.ResponseWriter, r *http.Request, contractID string) {
	claims, err := s.requireSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	comp, err := s.svc.Composite(claims, contractID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, comp)
}

func (s *Server) handleViewer(w http.ResponseWriter, r *http.Request, contractID string) {
	claims, err := s.requireSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	target, err := s.svc.Viewer(claims, contractID, page, r.URL.Query().Get("q"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]any{
		"url":    target.URL(),
		"page":   target.Page,
		"search": target.Search,
	})
}

func (s *Server) handleTriageItems(w http.ResponseWriter, r *http.Request) {
	claims, err := s.requireSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, s.svc.TriageItems(claims))
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request, itemID string) {
	claims, err := s.requireSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	dest, err := s.svc.ResolveItem(r.Context(), claims, itemID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, dest)
}

func (s *Server) handleItemStatus(w http.ResponseWriter, r *http.Request, itemID string) {
	claims, err := s.requireSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in struct {
		Status string `json:"status"`
	}
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.SetItemStatus(r.Context(), claims, itemID, preflight.Status(in.Status)); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleHealthTable(w http.ResponseWriter, r *http.Request) {
	claims, err := s.requireSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	table, err := s.svc.HealthTable(claims)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, table)
}

func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	claims, err := s.requireSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, s.svc.Analytics(claims))
}

func (s *Server) handleStartScan(w http.ResponseWriter, r *http.Request) {
	claims, err := s.requireSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	progress, err := s.svc.StartScan(claims)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusAccepted, progress)
}

func (s *Server) handleScanProgress(w http.ResponseWriter, r *http.Request) {
	claims, err := s.requireSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	progress, err := s.svc.ScanProgress(claims)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, progress)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireSession(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	resp := s.svc.Search(search.Query{
		Text:            q.Get("q"),
		FilterType:      search.ResultType(q.Get("type")),
		FilterDatasetID: q.Get("dataset"),
		Limit:           limit,
		Offset:          offset,
	})
	s.writeData(w, r, http.StatusOK, resp)
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireSession(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	if r.URL.Query().Get("source") == "durable" {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		events, err := s.svc.DurableEvents(r.Context(), limit)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		s.writeData(w, r, http.StatusOK, events)
		return
	}
	s.writeData(w, r, http.StatusOK, s.svc.Events())
}

func (s *Server) handleAppendQARun(w http.ResponseWriter, r *http.Request) {
	claims, err := s.requireSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in struct {
		Passed int `json:"passed"`
		Failed int `json:"failed"`
	}
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	run, err := s.svc.AppendQARun(r.Context(), claims, in.Passed, in.Failed)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusCreated, run)
}

func (s *Server) handleQAHistory(w http.ResponseWriter, r *http.Request) {
	if _, err := s.requireSession(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	runs, err := s.svc.QAHistory(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, runs)
}

func (s *Server) handleListPatches(w http.ResponseWriter, r *http.Request, workspaceID string) {
	if _, err := s.requireSession(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	rows, err := s.svc.ListPatches(r.Context(), workspaceID, r.URL.Query().Get("dataset"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, rows)
}

func (s *Server) handleCreatePatch(w http.ResponseWriter, r *http.Request, workspaceID string) {
	claims, err := s.requireSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in struct {
		DatasetID    string `json:"datasetId"`
		ContractID   string `json:"contractId"`
		RecordID     string `json:"recordId"`
		SheetName    string `json:"sheetName"`
		FieldName    string `json:"fieldName"`
		BeforeValue  string `json:"beforeValue"`
		AfterValue   string `json:"afterValue"`
		CrossDataset bool   `json:"crossDataset"`
	}
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.svc.CreatePatch(r.Context(), claims, workspaceID, patch.CreateInput{
		DatasetID:    in.DatasetID,
		ContractID:   in.ContractID,
		RecordID:     in.RecordID,
		SheetName:    in.SheetName,
		FieldName:    in.FieldName,
		BeforeValue:  in.BeforeValue,
		AfterValue:   in.AfterValue,
		CrossDataset: in.CrossDataset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusCreated, req)
}

func (s *Server) handleGetPatch(w http.ResponseWriter, r *http.Request, requestID string) {
	if _, err := s.requireSession(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.svc.GetPatch(r.Context(), requestID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, req)
}

func (s *Server) handleTransitionPatch(w http.ResponseWriter, r *http.Request, requestID string) {
	claims, err := s.requireSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in struct {
		To          string `json:"to"`
		Version     int    `json:"version"`
		WorkspaceID string `json:"workspaceId"`
	}
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	req, err := s.svc.TransitionPatch(r.Context(), claims, in.WorkspaceID, requestID, patch.Status(in.To), in.Version)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, req)
}

func (s *Server) handleListRFIs(w http.ResponseWriter, r *http.Request, workspaceID string) {
	if _, err := s.requireSession(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	rfis, err := s.svc.ListRFIs(r.Context(), workspaceID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, rfis)
}

func (s *Server) handleCreateRFI(w http.ResponseWriter, r *http.Request, workspaceID string) {
	claims, err := s.requireSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in CreateRFIInput
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	rfi, err := s.svc.CreateRFI(r.Context(), claims, workspaceID, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusCreated, rfi)
}

func (s *Server) handleUpdateRFI(w http.ResponseWriter, r *http.Request, id string) {
	claims, err := s.requireSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in UpdateRFIInput
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	rfi, err := s.svc.UpdateRFI(r.Context(), claims, id, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, rfi)
}

func (s *Server) handleEnsureAnchor(w http.ResponseWriter, r *http.Request, documentID string) {
	claims, err := s.requireSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in CreateAnchorInput
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	anchor, created, err := s.svc.EnsureAnchor(r.Context(), claims, documentID, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	s.writeData(w, r, status, anchor)
}

func (s *Server) handleCreateCorrection(w http.ResponseWriter, r *http.Request, documentID string) {
	claims, err := s.requireSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	var in CreateCorrectionInput
	if err := decodeBody(r, &in); err != nil {
		s.writeError(w, r, err)
		return
	}
	c, err := s.svc.CreateCorrection(r.Context(), claims, documentID, in)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusCreated, c)
}

func (s *Server) handleListCorrections(w http.ResponseWriter, r *http.Request, documentID string) {
	if _, err := s.requireSession(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	out, err := s.svc.ListCorrections(r.Context(), documentID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, out)
}

func (s *Server) handleRecordWorkbookSession(w http.ResponseWriter, r *http.Request, workspaceID string) {
	claims, err := s.requireSession(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	ws, err := s.svc.RecordWorkbookSession(r.Context(), claims, workspaceID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusCreated, ws)
}

func (s *Server) handleListWorkbookSessions(w http.ResponseWriter, r *http.Request, workspaceID string) {
	if _, err := s.requireSession(r); err != nil {
		s.writeError(w, r, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	out, err := s.svc.ListWorkbookSessions(r.Context(), workspaceID, limit)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeData(w, r, http.StatusOK, out)
}

// requireSession extracts and validates the bearer token.
func (s *Server) requireSession(r *http.Request) (auth.Claims, error) {
	token := bearerToken(r)
	if token == "" {
		return auth.Claims{}, domainError(401, "UNAUTHORIZED", "missing bearer token", nil)
	}
	return s.svc.SessionFromToken(token)
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

func splitPath(p string) []string {
	var out []string
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			out = append(out, seg)
		}
	}
	return out
}

func decodeBody(r *http.Request, dst any) error {
	defer io.Copy(io.Discard, r.Body)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return domainError(400, "BAD_REQUEST", "invalid JSON body", nil)
	}
	return nil
}

// meta is the envelope trailer attached to every response.
type meta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

type envelope struct {
	Data any  `json:"data"`
	Meta meta `json:"meta"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

type errorEnvelope struct {
	Error errorBody `json:"error"`
	Meta  meta      `json:"meta"`
}

func responseMeta(w http.ResponseWriter) meta {
	return meta{RequestID: w.Header().Get("X-Request-ID"), Timestamp: time.Now().UTC()}
}

func (s *Server) writeData(w http.ResponseWriter, r *http.Request, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Data: data, Meta: responseMeta(w)}); err != nil {
		log.Printf("http: encode response %s %s: %v", r.Method, r.URL.Path, err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	de := mapError(err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(de.Status)
	body := errorEnvelope{
		Error: errorBody{Code: de.Code, Message: de.Message, Details: de.Details},
		Meta:  responseMeta(w),
	}
	if encErr := json.NewEncoder(w).Encode(body); encErr != nil {
		log.Printf("http: encode error %s %s: %v", r.Method, r.URL.Path, encErr)
	}
}

// mapError translates service errors into status and code. Patch state
// machine violations each get their own code so the client can react.
func mapError(err error) *DomainError {
	var de *DomainError
	if errors.As(err, &de) {
		return de
	}
	switch {
	case errors.Is(err, patch.ErrNotFound):
		return domainError(404, "NOT_FOUND", "patch request not found", nil)
	case errors.Is(err, patch.ErrStaleVersion):
		return domainError(409, "STALE_VERSION", "version is stale, reload and retry", nil)
	case errors.Is(err, patch.ErrInvalidTransition):
		return domainError(422, "INVALID_TRANSITION", "transition not allowed from current status", nil)
	case errors.Is(err, patch.ErrSelfApproval):
		return domainError(403, "SELF_APPROVAL_BLOCKED", "authors cannot approve their own patch", nil)
	case errors.Is(err, patch.ErrRoleNotAllowed):
		return domainError(403, "ROLE_NOT_ALLOWED", "role cannot perform this transition", nil)
	case errors.Is(err, patch.ErrAuthorOnly):
		return domainError(403, "FORBIDDEN", "only the author may perform this transition", nil)
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrExpiredToken):
		return domainError(401, "UNAUTHORIZED", "invalid or expired token", nil)
	}
	return domainError(500, "INTERNAL", "internal error", nil)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (sr *statusRecorder) WriteHeader(status int) {
	sr.status = status
	sr.ResponseWriter.WriteHeader(status)
}

// withMiddleware stamps a request id, applies CORS headers and writes one
// access log line per request.
func (s *Server) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", reqID)
		if s.corsOrigin != "" {
			w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
		}

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		log.Printf(`{"request_id":%q,"method":%q,"path":%q,"status":%d,"duration_ms":%d}`,
			reqID, r.Method, r.URL.Path, rec.status, time.Since(start).Milliseconds())
	})
}
