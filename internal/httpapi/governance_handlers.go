package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"squadgoo.org/internal/governance"
	"squadgoo.org/internal/identity"
)

// /v1/access-requests

type submitAccessRequest struct {
	Resource string `json:"resource"`
	Reason   string `json:"reason"`
}

type decideAccessRequest struct {
	Decision     string `json:"decision"`
	Note         string `json:"note"`
	LimitMinutes int    `json:"limit_minutes"`
}

func (a *API) handleAccessRequestsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.submitAccessRequest(w, r)
	case http.MethodGet:
		a.listAccessRequests(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) submitAccessRequest(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthenticated")
		return
	}
	var body submitAccessRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req, err := a.svc.Submit(r.Context(), actor, body.Resource, body.Reason)
	if err != nil {
		handleGovernanceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

func (a *API) listAccessRequests(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := governance.AccessRequestFilter{
		Status:      governance.Status(q.Get("status")),
		Department:  q.Get("department"),
		RequesterID: q.Get("requester_id"),
	}
	var err error
	if filter.From, err = parseTime(q.Get("from")); err != nil {
		writeError(w, r, http.StatusBadRequest, "from must be RFC3339")
		return
	}
	if filter.To, err = parseTime(q.Get("to")); err != nil {
		writeError(w, r, http.StatusBadRequest, "to must be RFC3339")
		return
	}
	reqs, err := a.svc.ListRequests(r.Context(), filter)
	if err != nil {
		handleGovernanceError(w, r, err)
		return
	}
	if reqs == nil {
		reqs = []governance.AccessRequest{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"requests": reqs, "count": len(reqs)})
}

// handleAccessRequestResource routes /v1/access-requests/{id} and
// /v1/access-requests/{id}/decide.
func (a *API) handleAccessRequestResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/access-requests/")
	id, action, _ := strings.Cut(rest, "/")
	if id == "" {
		http.NotFound(w, r)
		return
	}
	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		req, err := a.svc.GetRequest(r.Context(), id)
		if err != nil {
			handleGovernanceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
	case "decide":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.decideAccessRequest(w, r, id)
	default:
		http.NotFound(w, r)
	}
}

func (a *API) decideAccessRequest(w http.ResponseWriter, r *http.Request, id string) {
	actor, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthenticated")
		return
	}
	var body decideAccessRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	req, err := a.svc.Decide(r.Context(), actor, id, governance.Status(body.Decision), body.Note, body.LimitMinutes)
	if err != nil {
		handleGovernanceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, req)
}

// /v1/assignments

type claimRequest struct {
	ItemType string `json:"item_type"`
	Reason   string `json:"reason"`
}

type transferRequest struct {
	ToStaffID string `json:"to_staff_id"`
	ItemType  string `json:"item_type"`
	Reason    string `json:"reason"`
}

type unassignRequest struct {
	Reason string `json:"reason"`
}

func (a *API) handleAssignmentsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	q := r.URL.Query()
	switch {
	case q.Get("owner") != "":
		items, err := a.svc.ListByOwner(r.Context(), q.Get("owner"))
		if err != nil {
			handleGovernanceError(w, r, err)
			return
		}
		writeAssignments(w, items)
	case q.Has("unassigned"):
		items, err := a.svc.ListUnassigned(r.Context(), q.Get("item_type"))
		if err != nil {
			handleGovernanceError(w, r, err)
			return
		}
		writeAssignments(w, items)
	default:
		writeError(w, r, http.StatusBadRequest, "owner or unassigned query parameter is required")
	}
}

func writeAssignments(w http.ResponseWriter, items []governance.Assignment) {
	if items == nil {
		items = []governance.Assignment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"assignments": items, "count": len(items)})
}

// handleAssignmentResource routes /v1/assignments/{itemId} and its
// claim, transfer and unassign sub-resources.
func (a *API) handleAssignmentResource(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/v1/assignments/")
	itemID, action, _ := strings.Cut(rest, "/")
	if itemID == "" {
		http.NotFound(w, r)
		return
	}
	if action == "" {
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		item, err := a.svc.GetAssignment(r.Context(), itemID)
		if err != nil {
			handleGovernanceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, item)
		return
	}

	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	actor, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var (
		item governance.Assignment
		err  error
	)
	switch action {
	case "claim":
		var body claimRequest
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		item, err = a.svc.AssignToSelf(r.Context(), actor, itemID, body.ItemType, body.Reason)
	case "transfer":
		var body transferRequest
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		item, err = a.svc.Transfer(r.Context(), actor, itemID, body.ItemType, body.ToStaffID, body.Reason)
	case "unassign":
		var body unassignRequest
		if err := decodeJSON(w, r, &body); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		item, err = a.svc.Unassign(r.Context(), actor, itemID, body.Reason)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		handleGovernanceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// /v1/audit

type recordActionRequest struct {
	Module    string          `json:"module"`
	Action    string          `json:"action"`
	SubjectID string          `json:"subject_id"`
	Reason    string          `json:"reason"`
	Before    json.RawMessage `json:"before"`
	After     json.RawMessage `json:"after"`
}

func (a *API) handleAudit(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.queryAudit(w, r)
	case http.MethodPost:
		a.recordAction(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPost)
	}
}

func (a *API) queryAudit(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthenticated")
		return
	}
	q := r.URL.Query()
	filter := governance.AuditFilter{
		Modules:   splitCSV(q["module"]),
		Actions:   splitCSV(q["action"]),
		ActorID:   q.Get("actor_id"),
		SubjectID: q.Get("subject_id"),
	}
	var err error
	if filter.From, err = parseTime(q.Get("from")); err != nil {
		writeError(w, r, http.StatusBadRequest, "from must be RFC3339")
		return
	}
	if filter.To, err = parseTime(q.Get("to")); err != nil {
		writeError(w, r, http.StatusBadRequest, "to must be RFC3339")
		return
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		filter.Limit = n
	}

	entries, err := a.svc.QueryAudit(r.Context(), actor, filter)
	if err != nil {
		handleGovernanceError(w, r, err)
		return
	}
	if entries == nil {
		entries = []governance.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries, "count": len(entries)})
}

func (a *API) recordAction(w http.ResponseWriter, r *http.Request) {
	actor, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthenticated")
		return
	}
	var body recordActionRequest
	if err := decodeJSON(w, r, &body); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	entry, err := a.svc.RecordAction(r.Context(), actor, body.Module, body.Action, body.SubjectID, body.Reason, body.Before, body.After)
	if err != nil {
		handleGovernanceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

func (a *API) handleAuditVerify(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	actor, ok := identity.FromContext(r.Context())
	if !ok {
		writeError(w, r, http.StatusUnauthorized, "unauthenticated")
		return
	}
	err := a.svc.VerifyAuditChain(r.Context(), actor)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]any{"intact": true})
	case errors.Is(err, governance.ErrChainBroken):
		writeJSON(w, http.StatusOK, map[string]any{"intact": false})
	default:
		handleGovernanceError(w, r, err)
	}
}

func parseTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, raw)
}

// splitCSV flattens repeated query parameters and comma-separated
// values into one list.
func splitCSV(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
