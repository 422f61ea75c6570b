package governance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"squadgoo.org/internal/identity"
	"squadgoo.org/internal/ids"
	"squadgoo.org/internal/obs"
)

// Audit modules written by the engine. Sibling subsystems may record
// further modules through RecordAction.
const (
	ModuleAccess     = "access"
	ModuleAssignment = "assignment"
)

// Audit actions.
const (
	ActionSubmitted       = "submitted"
	ActionApprovedFull    = "approved_full"
	ActionApprovedLimited = "approved_limited"
	ActionDenied          = "denied"
	ActionExpired         = "expired"
	ActionAssigned        = "assigned"
	ActionTransferred     = "transferred"
	ActionUnassigned      = "unassigned"
)

// SystemActor is the actor id recorded for unattended transitions.
const SystemActor = "system"

const expiredNote = "Conditional access expired automatically."

// Notifier delivers a message to a staff member. Failures are counted
// and logged, never propagated: a missed notification must not roll
// back a committed state change.
type Notifier func(ctx context.Context, userID, message string) error

// StaffResolver reports whether a staff id is known to the directory.
// Used to validate transfer targets; nil skips the lookup.
type StaffResolver func(ctx context.Context, staffID string) (bool, error)

// Service is the public API of the governance engine. It validates and
// authorizes calls, delegates state to the stores and guarantees that
// every successful mutation produces exactly one audit entry.
type Service struct {
	store        Store
	now          func() time.Time
	notify       Notifier
	authz        identity.Authorizer
	resolveStaff StaffResolver
	logger       *log.Logger
}

// Option configures Service behavior.
type Option func(*Service)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		if fn != nil {
			s.now = fn
		}
	}
}

// WithNotifier sets the notification hook invoked after decisions and
// ownership changes.
func WithNotifier(fn Notifier) Option {
	return func(s *Service) { s.notify = fn }
}

// WithAuthorizer sets the permission check run before every mutating
// operation. Defaults to identity.AllowAll.
func WithAuthorizer(a identity.Authorizer) Option {
	return func(s *Service) {
		if a != nil {
			s.authz = a
		}
	}
}

// WithStaffResolver sets the directory lookup for transfer targets.
func WithStaffResolver(fn StaffResolver) Option {
	return func(s *Service) { s.resolveStaff = fn }
}

// WithLogger overrides the structured logger.
func WithLogger(l *log.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

// New constructs the service around a store.
func New(store Store, opts ...Option) *Service {
	s := &Service{
		store:  store,
		now:    time.Now,
		authz:  identity.AllowAll{},
		logger: obs.Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) require(ctx context.Context, actor identity.Identity, perm string) error {
	return s.authz.Check(ctx, actor, perm)
}

func (s *Service) entry(actor identity.Identity, module, action, subjectID, reason string) *AuditEntry {
	now := s.now().UTC()
	return &AuditEntry{
		ID:        ids.NewAt(now),
		Timestamp: now,
		ActorID:   actor.StaffID,
		ActorRole: actor.Role,
		Module:    module,
		Action:    action,
		SubjectID: subjectID,
		Reason:    reason,
	}
}

func (s *Service) sendNotification(ctx context.Context, userID, message string) {
	if s.notify == nil || userID == "" {
		return
	}
	if err := s.notify(ctx, userID, message); err != nil {
		obs.NotifyFailure()
		s.logger.Println(obs.EventLine("notify", "warn", map[string]any{
			"user_id": userID,
			"error":   err.Error(),
		}))
	}
}

// Access requests ----------------------------------------------------------

// Submit files a new access request on behalf of the acting staff
// member. The request starts pending.
func (s *Service) Submit(ctx context.Context, actor identity.Identity, resource, reason string) (AccessRequest, error) {
	if err := s.require(ctx, actor, identity.PermAccessRequest); err != nil {
		return AccessRequest{}, err
	}
	resource = strings.TrimSpace(resource)
	reason = strings.TrimSpace(reason)
	if resource == "" {
		return AccessRequest{}, fmt.Errorf("%w: resource is required", ErrValidation)
	}
	if reason == "" {
		return AccessRequest{}, fmt.Errorf("%w: reason is required", ErrValidation)
	}

	now := s.now().UTC()
	req := AccessRequest{
		ID:            ids.NewAt(now),
		RequesterID:   actor.StaffID,
		RequesterRole: actor.Role,
		Department:    actor.Department,
		Resource:      resource,
		Reason:        reason,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	entry := s.entry(actor, ModuleAccess, ActionSubmitted, req.ID, reason)
	if err := s.store.Grants().Create(ctx, &req, entry); err != nil {
		return AccessRequest{}, err
	}
	obs.AuditAppended(ModuleAccess)
	return req, nil
}

// Decide applies a one-time decision to a pending request. Denials
// require a note; limited approvals require a positive limit in
// minutes, which fixes expires_at relative to the service clock.
func (s *Service) Decide(ctx context.Context, actor identity.Identity, requestID string, decision Status, note string, limitMinutes int) (AccessRequest, error) {
	if err := s.require(ctx, actor, identity.PermAccessDecide); err != nil {
		return AccessRequest{}, err
	}
	requestID = strings.TrimSpace(requestID)
	note = strings.TrimSpace(note)
	if requestID == "" {
		return AccessRequest{}, fmt.Errorf("%w: request id is required", ErrValidation)
	}
	if !decision.Decision() {
		return AccessRequest{}, fmt.Errorf("%w: unsupported decision %q", ErrValidation, decision)
	}
	if decision == StatusDenied && note == "" {
		return AccessRequest{}, fmt.Errorf("%w: a note is required when denying", ErrValidation)
	}
	if decision == StatusApprovedLimited && limitMinutes <= 0 {
		return AccessRequest{}, fmt.Errorf("%w: limit_minutes must be a positive integer", ErrValidation)
	}

	now := s.now().UTC()
	entry := s.entry(actor, ModuleAccess, string(decision), requestID, note)
	req, err := s.store.Grants().Transition(ctx, requestID, StatusPending, func(req *AccessRequest) error {
		req.Status = decision
		req.DecidedBy = actor.StaffID
		req.DecisionNote = note
		if decision == StatusApprovedLimited {
			expires := now.Add(time.Duration(limitMinutes) * time.Minute)
			req.ExpiresAt = &expires
		} else {
			req.ExpiresAt = nil
		}
		return nil
	}, entry)
	if err != nil {
		return AccessRequest{}, err
	}
	obs.AuditAppended(ModuleAccess)

	s.sendNotification(ctx, req.RequesterID, decisionMessage(&req))
	return req, nil
}

func decisionMessage(req *AccessRequest) string {
	switch req.Status {
	case StatusApprovedFull:
		return fmt.Sprintf("Your access request for %s was approved.", req.Resource)
	case StatusApprovedLimited:
		return fmt.Sprintf("Your access request for %s was approved until %s.", req.Resource, req.ExpiresAt.Format(time.RFC3339))
	case StatusDenied:
		return fmt.Sprintf("Your access request for %s was denied: %s", req.Resource, req.DecisionNote)
	case StatusExpired:
		return fmt.Sprintf("Your limited access to %s has expired.", req.Resource)
	}
	return ""
}

// ExpireOverdue transitions every approved_limited request whose
// deadline has passed. The sweeper calls it on each tick; it shares the
// Transition path with Decide, so a concurrent manual decision and an
// expiry can never both apply. A failed item does not abort the batch,
// it is retried on the next tick. Returns the number expired.
func (s *Service) ExpireOverdue(ctx context.Context) (int, error) {
	now := s.now().UTC()
	due, err := s.store.Grants().ListDue(ctx, now)
	if err != nil {
		return 0, err
	}

	system := identity.Identity{StaffID: SystemActor}
	expired := 0
	var failures []error
	for _, req := range due {
		entry := s.entry(system, ModuleAccess, ActionExpired, req.ID, expiredNote)
		updated, err := s.store.Grants().Transition(ctx, req.ID, StatusApprovedLimited, func(req *AccessRequest) error {
			req.Status = StatusExpired
			req.ExpiresAt = nil
			if req.DecisionNote == "" {
				req.DecisionNote = expiredNote
			}
			return nil
		}, entry)
		if errors.Is(err, ErrInvalidState) {
			// Lost the race to a concurrent transition; nothing to do.
			continue
		}
		if err != nil {
			obs.SweeperFailure()
			failures = append(failures, fmt.Errorf("expire %s: %w", req.ID, err))
			continue
		}
		expired++
		obs.AuditAppended(ModuleAccess)
		s.sendNotification(ctx, updated.RequesterID, decisionMessage(&updated))
	}
	return expired, errors.Join(failures...)
}

// GetRequest returns one access request by id.
func (s *Service) GetRequest(ctx context.Context, id string) (AccessRequest, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return AccessRequest{}, fmt.Errorf("%w: request id is required", ErrValidation)
	}
	return s.store.Grants().Get(ctx, id)
}

// ListRequests returns requests matching the filter, newest first.
func (s *Service) ListRequests(ctx context.Context, filter AccessRequestFilter) ([]AccessRequest, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", ErrValidation, filter.Status)
	}
	return s.store.Grants().List(ctx, filter)
}

// Assignments --------------------------------------------------------------

// AssignToSelf claims an unowned work item for the acting staff member.
// Items owned by anyone, including the caller, must be transferred.
func (s *Service) AssignToSelf(ctx context.Context, actor identity.Identity, itemID, itemType, reason string) (Assignment, error) {
	if err := s.require(ctx, actor, identity.PermAssign); err != nil {
		return Assignment{}, err
	}
	itemID = strings.TrimSpace(itemID)
	itemType = strings.TrimSpace(itemType)
	if itemID == "" {
		return Assignment{}, fmt.Errorf("%w: item id is required", ErrValidation)
	}
	if itemType == "" {
		return Assignment{}, fmt.Errorf("%w: item type is required", ErrValidation)
	}

	entry := s.entry(actor, ModuleAssignment, ActionAssigned, itemID, reason)
	item, err := s.store.Assignments().Mutate(ctx, itemID, itemType, func(item *Assignment) error {
		if item.OwnerID != "" {
			return fmt.Errorf("%w: item is owned by %s, use transfer", ErrInvalidState, item.OwnerID)
		}
		item.OwnerID = actor.StaffID
		item.Status = AssignmentAssigned
		item.History = append(item.History, TransferEntry{
			ID:        entry.ID,
			To:        actor.StaffID,
			Reason:    reason,
			ActorID:   actor.StaffID,
			Timestamp: entry.Timestamp,
		})
		return nil
	}, entry)
	if err != nil {
		return Assignment{}, err
	}
	obs.AuditAppended(ModuleAssignment)
	return item, nil
}

// Transfer moves ownership of an item to another staff member. It is
// the single entry point for all ownership changes after creation and
// succeeds whether the item was owned or unassigned.
func (s *Service) Transfer(ctx context.Context, actor identity.Identity, itemID, itemType, toStaffID, reason string) (Assignment, error) {
	if err := s.require(ctx, actor, identity.PermTransfer); err != nil {
		return Assignment{}, err
	}
	itemID = strings.TrimSpace(itemID)
	toStaffID = strings.TrimSpace(toStaffID)
	reason = strings.TrimSpace(reason)
	if itemID == "" {
		return Assignment{}, fmt.Errorf("%w: item id is required", ErrValidation)
	}
	if toStaffID == "" {
		return Assignment{}, fmt.Errorf("%w: to_staff_id is required", ErrValidation)
	}
	if reason == "" {
		return Assignment{}, fmt.Errorf("%w: reason is required", ErrValidation)
	}
	if s.resolveStaff != nil {
		known, err := s.resolveStaff(ctx, toStaffID)
		if err != nil {
			return Assignment{}, fmt.Errorf("%w: staff lookup: %v", ErrStoreUnavailable, err)
		}
		if !known {
			return Assignment{}, fmt.Errorf("%w: unknown staff %s", ErrValidation, toStaffID)
		}
	}

	entry := s.entry(actor, ModuleAssignment, ActionTransferred, itemID, reason)
	item, err := s.store.Assignments().Mutate(ctx, itemID, strings.TrimSpace(itemType), func(item *Assignment) error {
		from := item.OwnerID
		item.OwnerID = toStaffID
		item.Status = AssignmentTransferred
		item.History = append(item.History, TransferEntry{
			ID:        entry.ID,
			From:      from,
			To:        toStaffID,
			Reason:    reason,
			ActorID:   actor.StaffID,
			Timestamp: entry.Timestamp,
		})
		return nil
	}, entry)
	if err != nil {
		return Assignment{}, err
	}
	obs.AuditAppended(ModuleAssignment)

	s.sendNotification(ctx, toStaffID, fmt.Sprintf("Item %s was transferred to you: %s", itemID, reason))
	return item, nil
}

// Unassign releases ownership of an item. History persists.
func (s *Service) Unassign(ctx context.Context, actor identity.Identity, itemID, reason string) (Assignment, error) {
	if err := s.require(ctx, actor, identity.PermUnassign); err != nil {
		return Assignment{}, err
	}
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return Assignment{}, fmt.Errorf("%w: item id is required", ErrValidation)
	}

	entry := s.entry(actor, ModuleAssignment, ActionUnassigned, itemID, reason)
	item, err := s.store.Assignments().Mutate(ctx, itemID, "", func(item *Assignment) error {
		from := item.OwnerID
		item.OwnerID = ""
		item.Status = AssignmentUnassigned
		item.History = append(item.History, TransferEntry{
			ID:        entry.ID,
			From:      from,
			Reason:    reason,
			ActorID:   actor.StaffID,
			Timestamp: entry.Timestamp,
		})
		return nil
	}, entry)
	if err != nil {
		return Assignment{}, err
	}
	obs.AuditAppended(ModuleAssignment)
	return item, nil
}

// GetAssignment returns the ownership record for one item.
func (s *Service) GetAssignment(ctx context.Context, itemID string) (Assignment, error) {
	itemID = strings.TrimSpace(itemID)
	if itemID == "" {
		return Assignment{}, fmt.Errorf("%w: item id is required", ErrValidation)
	}
	return s.store.Assignments().Get(ctx, itemID)
}

// ListByOwner returns items currently owned by the staff member.
func (s *Service) ListByOwner(ctx context.Context, staffID string) ([]Assignment, error) {
	staffID = strings.TrimSpace(staffID)
	if staffID == "" {
		return nil, fmt.Errorf("%w: staff id is required", ErrValidation)
	}
	return s.store.Assignments().ListByOwner(ctx, staffID)
}

// ListUnassigned returns unowned items, optionally narrowed by type.
func (s *Service) ListUnassigned(ctx context.Context, itemType string) ([]Assignment, error) {
	return s.store.Assignments().ListUnassigned(ctx, strings.TrimSpace(itemType))
}

// Audit trail --------------------------------------------------------------

// QueryAudit returns audit entries matching the filter, newest first.
func (s *Service) QueryAudit(ctx context.Context, actor identity.Identity, filter AuditFilter) ([]AuditEntry, error) {
	if err := s.require(ctx, actor, identity.PermAuditRead); err != nil {
		return nil, err
	}
	return s.store.Audit().Query(ctx, filter)
}

// RecordAction appends a generic audit entry on behalf of a sibling
// subsystem (badge, document, status screens) so all privileged actions
// share one chained log.
func (s *Service) RecordAction(ctx context.Context, actor identity.Identity, module, action, subjectID, reason string, before, after []byte) (AuditEntry, error) {
	if err := s.require(ctx, actor, identity.PermAuditWrite); err != nil {
		return AuditEntry{}, err
	}
	module = strings.TrimSpace(module)
	action = strings.TrimSpace(action)
	subjectID = strings.TrimSpace(subjectID)
	if module == "" || action == "" || subjectID == "" {
		return AuditEntry{}, fmt.Errorf("%w: module, action and subject id are required", ErrValidation)
	}

	entry := s.entry(actor, module, action, subjectID, reason)
	entry.Before = before
	entry.After = after
	if err := s.store.Audit().Append(ctx, entry); err != nil {
		return AuditEntry{}, err
	}
	obs.AuditAppended(module)
	return *entry, nil
}

// VerifyAuditChain walks the stored log and reports the first break in
// the hash chain.
func (s *Service) VerifyAuditChain(ctx context.Context, actor identity.Identity) error {
	if err := s.require(ctx, actor, identity.PermAuditRead); err != nil {
		return err
	}
	return s.store.Audit().VerifyChain(ctx)
}
