// Package governance implements the state machines behind the admin
// console's access control, task assignment and audit trail screens:
// time-limited access grants with unattended expiry, exclusive ownership
// of work items, and an append-only, hash-chained audit log.
package governance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Status is the lifecycle state of an access request.
type Status string

const (
	StatusPending         Status = "pending"
	StatusApprovedFull    Status = "approved_full"
	StatusApprovedLimited Status = "approved_limited"
	StatusDenied          Status = "denied"
	StatusExpired         Status = "expired"
)

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApprovedFull, StatusApprovedLimited, StatusDenied, StatusExpired:
		return true
	}
	return false
}

// Decision reports whether s is a legal outcome of Decide. Expired is
// reachable only through the expiry transition, never by decision.
func (s Status) Decision() bool {
	switch s {
	case StatusApprovedFull, StatusApprovedLimited, StatusDenied:
		return true
	}
	return false
}

// AccessRequest is a staff member's request for elevated access to a
// protected resource. Decided requests are never edited; the only
// post-decision transition is approved_limited -> expired.
type AccessRequest struct {
	ID            string     `json:"id"`
	RequesterID   string     `json:"requester_id"`
	RequesterRole string     `json:"requester_role"`
	Department    string     `json:"department"`
	Resource      string     `json:"resource"`
	Reason        string     `json:"reason"`
	Status        Status     `json:"status"`
	DecidedBy     string     `json:"decided_by,omitempty"`
	DecisionNote  string     `json:"decision_note,omitempty"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"` // set iff status == approved_limited
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// AssignmentStatus is informational; it never gates a transfer.
type AssignmentStatus string

const (
	AssignmentUnassigned  AssignmentStatus = "unassigned"
	AssignmentAssigned    AssignmentStatus = "assigned"
	AssignmentTransferred AssignmentStatus = "transferred"
)

// TransferEntry records one ownership change. Empty From means the item
// was unowned before; empty To means it was released.
type TransferEntry struct {
	ID        string    `json:"id"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	ActorID   string    `json:"actor_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Assignment is the current ownership record for a work item. At most
// one owner exists at any time; history is append-only and survives
// unassignment.
type Assignment struct {
	ItemID    string           `json:"item_id"`
	ItemType  string           `json:"item_type"`
	OwnerID   string           `json:"owner_id,omitempty"` // empty = unassigned
	Status    AssignmentStatus `json:"status"`
	History   []TransferEntry  `json:"history"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// AuditEntry is one immutable record of an administrative action.
// Each entry carries the SHA-256 of its predecessor so edits to stored
// history are detectable.
type AuditEntry struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	ActorID   string          `json:"actor_id"`
	ActorRole string          `json:"actor_role,omitempty"`
	Module    string          `json:"module"`
	Action    string          `json:"action"`
	SubjectID string          `json:"subject_id"`
	Reason    string          `json:"reason,omitempty"`
	Before    json.RawMessage `json:"before,omitempty"`
	After     json.RawMessage `json:"after,omitempty"`
	PrevHash  string          `json:"prev_hash,omitempty"`
	Hash      string          `json:"hash"`
}

// ChainHash computes the entry hash over its content and the hash of
// the previous entry. Both store implementations use it so a log can be
// verified regardless of where it was written.
func ChainHash(prev string, e *AuditEntry) string {
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write([]byte(e.ID))
	h.Write([]byte(e.Timestamp.UTC().Format(time.RFC3339Nano)))
	h.Write([]byte(e.ActorID))
	h.Write([]byte(e.ActorRole))
	h.Write([]byte(e.Module))
	h.Write([]byte(e.Action))
	h.Write([]byte(e.SubjectID))
	h.Write([]byte(e.Reason))
	h.Write(e.Before)
	h.Write(e.After)
	return hex.EncodeToString(h.Sum(nil))
}

// AccessRequestFilter narrows List results. Zero fields match all.
type AccessRequestFilter struct {
	Status      Status
	Department  string
	RequesterID string
	From        time.Time
	To          time.Time
}

// Matches reports whether the request passes the filter.
func (f AccessRequestFilter) Matches(req *AccessRequest) bool {
	if f.Status != "" && req.Status != f.Status {
		return false
	}
	if f.Department != "" && req.Department != f.Department {
		return false
	}
	if f.RequesterID != "" && req.RequesterID != f.RequesterID {
		return false
	}
	if !f.From.IsZero() && req.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && req.CreatedAt.After(f.To) {
		return false
	}
	return true
}

// AuditFilter narrows Query results. Zero fields match all.
type AuditFilter struct {
	Modules   []string
	Actions   []string
	ActorID   string
	SubjectID string
	From      time.Time
	To        time.Time
	Limit     int
}

// Matches reports whether the entry passes the filter.
func (f AuditFilter) Matches(e *AuditEntry) bool {
	if len(f.Modules) > 0 && !containsString(f.Modules, e.Module) {
		return false
	}
	if len(f.Actions) > 0 && !containsString(f.Actions, e.Action) {
		return false
	}
	if f.ActorID != "" && e.ActorID != f.ActorID {
		return false
	}
	if f.SubjectID != "" && e.SubjectID != f.SubjectID {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	return true
}

func containsString(values []string, want string) bool {
	for _, v := range values {
		if v == want {
			return true
		}
	}
	return false
}

// StatusSnapshot is the opaque before/after blob stored on access
// audit entries.
func StatusSnapshot(s Status) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{"status": string(s)})
	return raw
}

// OwnerSnapshot is the opaque before/after blob stored on assignment
// audit entries. It is how the trail answers "who owned what, when"
// without re-deriving it from per-item history.
func OwnerSnapshot(ownerID string, status AssignmentStatus) json.RawMessage {
	raw, _ := json.Marshal(map[string]string{
		"owner":  ownerID,
		"status": string(status),
	})
	return raw
}
